/*
Tern Mail Server - Multi-protocol mail server with a shared message store.
Copyright © 2023-2025 Tern Mail Server contributors

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

package imap

import (
	"context"
	"crypto/tls"
	"encoding/base64"
	"errors"
	"flag"
	"fmt"
	"math/rand"
	"net"
	"net/textproto"
	"os"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/ternmail/tern/framework/config"
	"github.com/ternmail/tern/framework/module"
	"github.com/ternmail/tern/internal/testutils"
	_ "github.com/ternmail/tern/internal/tls"
)

var testPort string

// testAuth is a credentials verifier with a fixed table. If scopes is
// non-nil, keys are valid only for the listed scopes.
type testAuth struct {
	creds  map[string]string
	userID map[string]string
	scopes []string
	err    error
}

func (a *testAuth) VerifyKey(_ context.Context, identity, secret, scope string) (string, error) {
	if a.err != nil {
		return "", a.err
	}
	wantSecret, ok := a.creds[identity]
	if !ok || wantSecret != secret {
		return "", module.ErrUnknownCredentials
	}
	if a.scopes != nil {
		granted := false
		for _, s := range a.scopes {
			if s == scope {
				granted = true
			}
		}
		if !granted {
			return "", module.ErrUnknownCredentials
		}
	}
	return a.userID[identity], nil
}

func testVerifier() *testAuth {
	return &testAuth{
		creds:  map[string]string{"fox@example.com": "imappass"},
		userID: map[string]string{"fox@example.com": "u1"},
		scopes: []string{module.ScopeIMAP},
	}
}

// testStore returns a store with one user (u1, fox@example.com) holding
// two messages. The IDs are fixed so the derived UIDs are 1 and 2 and
// the sequence order matches the arrival order.
func testStore() (*testutils.Store, []*module.Email) {
	store := testutils.NewStore()
	store.AddUser("u1", "fox@example.com")

	base := time.Date(2023, 10, 14, 9, 30, 0, 0, time.UTC)
	msgs := []*module.Email{
		store.Add(&module.Email{
			ID:          "00000001-0000-0000-0000-000000000001",
			MessageID:   "<zebra@example.org>",
			FromAddress: "alice@example.org",
			Subject:     "Zebra migration",
			TextBody:    "zebras on the move\n",
			SizeBytes:   512,
			ReceivedAt:  base,
			Recipients: []module.EmailRecipient{
				{Address: "fox@example.com", Type: module.RecipientTo, UserID: "u1"},
			},
		}),
		store.Add(&module.Email{
			ID:          "00000002-0000-0000-0000-000000000002",
			MessageID:   "<apple@example.org>",
			FromAddress: "bob@example.org",
			Subject:     "Apple budget",
			TextBody:    "apples cost money\n",
			SizeBytes:   1024,
			ReceivedAt:  base.Add(1 * time.Hour),
			Recipients: []module.EmailRecipient{
				{Address: "fox@example.com", Type: module.RecipientTo, UserID: "u1"},
			},
		}),
	}
	return store, msgs
}

func testEndpoint(t *testing.T, store module.MessageStore, verifier module.ScopedAuth, cfg []config.Node) *Endpoint {
	t.Helper()
	return testEndpointAddrs(t, []string{"tcp://127.0.0.1:" + testPort}, store, verifier, cfg)
}

func testEndpointAddrs(t *testing.T, addrs []string, store module.MessageStore, verifier module.ScopedAuth, cfg []config.Node) *Endpoint {
	t.Helper()

	mod, err := New("imap", addrs)
	if err != nil {
		t.Fatal(err)
	}
	endp := mod.(*Endpoint)
	endp.Log = testutils.Logger(t, "imap")

	have := map[string]bool{}
	for _, node := range cfg {
		have[node.Name] = true
	}
	for _, def := range []config.Node{
		{Name: "tls", Args: []string{"off"}},
		{Name: "auth", Args: []string{"dummy"}},
		{Name: "storage", Args: []string{"dummy"}},
	} {
		if !have[def.Name] {
			cfg = append(cfg, def)
		}
	}

	if err := endp.Init(config.NewMap(nil, config.Node{Children: cfg})); err != nil {
		t.Fatal(err)
	}

	endp.store = store
	if verifier != nil {
		endp.saslAuth.Auth = verifier
	}
	// Init hooked the placeholder store, the real one needs the same
	// delivery wiring for IDLE tests.
	if notifier, ok := store.(module.DeliveryNotifier); ok {
		notifier.NotifyOnDelivery(endp.views.poke)
	}

	return endp
}

type testConn struct {
	t        *testing.T
	conn     net.Conn
	text     *textproto.Conn
	greeting string
	tagN     int
}

func dialIMAP(t *testing.T) *testConn {
	t.Helper()

	conn, err := net.Dial("tcp", "127.0.0.1:"+testPort)
	if err != nil {
		t.Fatal(err)
	}
	c := &testConn{t: t, conn: conn, text: textproto.NewConn(conn)}
	c.greeting = c.readLine()
	if !strings.HasPrefix(c.greeting, "* OK") {
		t.Fatalf("bad greeting: %s", c.greeting)
	}
	return c
}

func (c *testConn) Close() {
	c.conn.Close()
}

func (c *testConn) writeLine(line string) {
	c.t.Helper()
	if err := c.text.PrintfLine("%s", line); err != nil {
		c.t.Fatal(err)
	}
}

func (c *testConn) readLine() string {
	c.t.Helper()
	line, err := c.text.ReadLine()
	if err != nil {
		c.t.Fatal(err)
	}
	return line
}

func (c *testConn) nextTag() string {
	c.tagN++
	return fmt.Sprintf("a%d", c.tagN)
}

// readResponse collects lines up to the completion of tag and returns
// everything before it together with the tagged line itself.
func (c *testConn) readResponse(tag string) ([]string, string) {
	c.t.Helper()
	var untagged []string
	for {
		line := c.readLine()
		if strings.HasPrefix(line, tag+" ") {
			return untagged, line
		}
		untagged = append(untagged, line)
	}
}

func (c *testConn) cmd(format string, args ...interface{}) ([]string, string) {
	c.t.Helper()
	tag := c.nextTag()
	c.writeLine(tag + " " + fmt.Sprintf(format, args...))
	return c.readResponse(tag)
}

func statusOf(tagged string) string {
	parts := strings.SplitN(tagged, " ", 3)
	if len(parts) < 2 {
		return ""
	}
	return parts[1]
}

func (c *testConn) cmdOK(format string, args ...interface{}) []string {
	c.t.Helper()
	untagged, tagged := c.cmd(format, args...)
	if statusOf(tagged) != "OK" {
		c.t.Fatalf("expected OK, got: %s", tagged)
	}
	return untagged
}

func (c *testConn) cmdNO(format string, args ...interface{}) string {
	c.t.Helper()
	_, tagged := c.cmd(format, args...)
	if statusOf(tagged) != "NO" {
		c.t.Fatalf("expected NO, got: %s", tagged)
	}
	return tagged
}

func (c *testConn) login(username, password string) {
	c.t.Helper()
	c.cmdOK("LOGIN %s %s", username, password)
}

func containsLine(lines []string, exact string) bool {
	for _, line := range lines {
		if line == exact {
			return true
		}
	}
	return false
}

func containsSub(lines []string, substr string) bool {
	for _, line := range lines {
		if strings.Contains(line, substr) {
			return true
		}
	}
	return false
}

func requireSub(t *testing.T, lines []string, substr string) {
	t.Helper()
	if !containsSub(lines, substr) {
		t.Errorf("missing %q in response:\n%s", substr, strings.Join(lines, "\n"))
	}
}

// isRead reports the stored read flag of the (message, u1) pair.
func isRead(t *testing.T, store *testutils.Store, emailID string) bool {
	t.Helper()
	eml, err := store.LoadEmail(context.Background(), emailID, "u1")
	if err != nil {
		t.Fatal(err)
	}
	for _, rcpt := range eml.Recipients {
		if rcpt.UserID == "u1" {
			return rcpt.IsRead
		}
	}
	t.Fatalf("message %s has no u1 recipient", emailID)
	return false
}

func deliver(t *testing.T, store *testutils.Store, subject string) {
	t.Helper()
	_, err := store.StoreIncomingEmail(context.Background(), &module.IncomingEmail{
		MessageID:   "<" + strings.ToLower(strings.ReplaceAll(subject, " ", "-")) + "@example.org>",
		FromAddress: "alice@example.org",
		Subject:     subject,
		TextBody:    "delivered later\n",
		SizeBytes:   64,
		Recipients: []module.IncomingRecipient{
			{Address: "fox@example.com", Type: module.RecipientTo},
		},
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestGreetingCapability(t *testing.T) {
	store, _ := testStore()
	endp := testEndpoint(t, store, testVerifier(), nil)
	defer endp.Close()

	c := dialIMAP(t)
	defer c.Close()

	if !strings.Contains(c.greeting, "IMAP4rev1") {
		t.Errorf("greeting does not name the protocol: %s", c.greeting)
	}

	lines := c.cmdOK("CAPABILITY")
	requireSub(t, lines, "IMAP4rev1")
	requireSub(t, lines, "AUTH=PLAIN")

	c.login("fox@example.com", "imappass")

	lines = c.cmdOK("CAPABILITY")
	for _, want := range []string{"SORT", "THREAD=REFERENCES", "NAMESPACE", "COMPRESS=DEFLATE"} {
		requireSub(t, lines, want)
	}
}

func TestLogin(t *testing.T) {
	store, _ := testStore()
	endp := testEndpoint(t, store, testVerifier(), nil)
	defer endp.Close()

	c := dialIMAP(t)
	defer c.Close()

	c.cmdNO("LOGIN fox@example.com wrongpass")
	c.cmdNO("LOGIN nobody@example.com imappass")
	c.login("fox@example.com", "imappass")

	lines, tagged := c.cmd("LOGOUT")
	if statusOf(tagged) != "OK" {
		t.Fatalf("LOGOUT failed: %s", tagged)
	}
	requireSub(t, lines, "* BYE")
}

func TestLoginScope(t *testing.T) {
	store, _ := testStore()
	verifier := testVerifier()
	verifier.scopes = []string{module.ScopePOP3}
	endp := testEndpoint(t, store, verifier, nil)
	defer endp.Close()

	c := dialIMAP(t)
	defer c.Close()

	// The key is valid but not for this protocol.
	c.cmdNO("LOGIN fox@example.com imappass")
}

func TestAuthenticatePlain(t *testing.T) {
	store, _ := testStore()
	endp := testEndpoint(t, store, testVerifier(), nil)
	defer endp.Close()

	c := dialIMAP(t)
	defer c.Close()

	tag := c.nextTag()
	c.writeLine(tag + " AUTHENTICATE PLAIN")
	if line := c.readLine(); !strings.HasPrefix(line, "+") {
		t.Fatalf("expected continuation, got: %s", line)
	}
	c.writeLine(base64.StdEncoding.EncodeToString([]byte("\x00fox@example.com\x00imappass")))
	if _, tagged := c.readResponse(tag); statusOf(tagged) != "OK" {
		t.Fatalf("AUTHENTICATE failed: %s", tagged)
	}

	c.cmdOK("SELECT INBOX")
}

func TestSelect(t *testing.T) {
	store, _ := testStore()
	endp := testEndpoint(t, store, testVerifier(), nil)
	defer endp.Close()

	c := dialIMAP(t)
	defer c.Close()
	c.login("fox@example.com", "imappass")

	untagged, tagged := c.cmd("SELECT INBOX")
	if statusOf(tagged) != "OK" {
		t.Fatalf("SELECT failed: %s", tagged)
	}
	if !strings.Contains(tagged, "[READ-WRITE]") {
		t.Errorf("SELECT did not report read-write access: %s", tagged)
	}
	if !containsLine(untagged, "* 2 EXISTS") {
		t.Errorf("missing EXISTS:\n%s", strings.Join(untagged, "\n"))
	}
	if !containsLine(untagged, "* 0 RECENT") {
		t.Errorf("missing RECENT:\n%s", strings.Join(untagged, "\n"))
	}
	requireSub(t, untagged, `\Seen \Answered \Flagged \Deleted \Draft`)
	requireSub(t, untagged, `[PERMANENTFLAGS (\Seen \Deleted)]`)
	requireSub(t, untagged, "[UNSEEN 1]")
	requireSub(t, untagged, "[UIDNEXT 3]")
	requireSub(t, untagged, fmt.Sprintf("[UIDVALIDITY %d]", uidValidityFor("u1")))

	// The same mailbox opened again under EXAMINE is read-only.
	_, tagged = c.cmd("EXAMINE INBOX")
	if statusOf(tagged) != "OK" {
		t.Fatalf("EXAMINE failed: %s", tagged)
	}
	if !strings.Contains(tagged, "[READ-ONLY]") {
		t.Errorf("EXAMINE did not report read-only access: %s", tagged)
	}

	c.cmdNO("SELECT Drafts")
}

func TestListLsubStatus(t *testing.T) {
	store, _ := testStore()
	endp := testEndpoint(t, store, testVerifier(), nil)
	defer endp.Close()

	c := dialIMAP(t)
	defer c.Close()
	c.login("fox@example.com", "imappass")

	lines := c.cmdOK(`LIST "" "*"`)
	if !containsLine(lines, `* LIST () "/" INBOX`) {
		t.Errorf("wrong LIST response:\n%s", strings.Join(lines, "\n"))
	}

	lines = c.cmdOK(`LSUB "" "*"`)
	if !containsLine(lines, `* LSUB () "/" INBOX`) {
		t.Errorf("wrong LSUB response:\n%s", strings.Join(lines, "\n"))
	}

	lines = c.cmdOK("STATUS INBOX (MESSAGES UNSEEN UIDNEXT UIDVALIDITY)")
	requireSub(t, lines, "MESSAGES 2")
	requireSub(t, lines, "UNSEEN 2")
	requireSub(t, lines, "UIDNEXT 3")
	requireSub(t, lines, fmt.Sprintf("UIDVALIDITY %d", uidValidityFor("u1")))

	c.cmdNO("STATUS Archive (MESSAGES)")

	// Subscription management is accepted and changes nothing.
	c.cmdOK("SUBSCRIBE INBOX")
	c.cmdOK("UNSUBSCRIBE INBOX")
	lines = c.cmdOK(`LSUB "" "*"`)
	if !containsLine(lines, `* LSUB () "/" INBOX`) {
		t.Errorf("INBOX vanished from LSUB after UNSUBSCRIBE:\n%s", strings.Join(lines, "\n"))
	}
}

func TestFetchMetadata(t *testing.T) {
	store, _ := testStore()
	endp := testEndpoint(t, store, testVerifier(), nil)
	defer endp.Close()

	c := dialIMAP(t)
	defer c.Close()
	c.login("fox@example.com", "imappass")
	c.cmdOK("SELECT INBOX")

	lines := c.cmdOK("FETCH 1 (UID FLAGS RFC822.SIZE INTERNALDATE)")
	requireSub(t, lines, "* 1 FETCH")
	requireSub(t, lines, "UID 1")
	requireSub(t, lines, "RFC822.SIZE 512")
	requireSub(t, lines, "14-Oct-2023 09:30:00 +0000")
	requireSub(t, lines, "FLAGS ()")

	lines = c.cmdOK("UID FETCH 1:* (FLAGS)")
	requireSub(t, lines, "UID 1")
	requireSub(t, lines, "UID 2")

	lines = c.cmdOK("FETCH 1 (ENVELOPE)")
	requireSub(t, lines, "Zebra migration")
	requireSub(t, lines, "alice")

	lines = c.cmdOK("FETCH 1 (BODYSTRUCTURE)")
	found := false
	for _, line := range lines {
		if strings.Contains(strings.ToLower(line), `"plain"`) {
			found = true
		}
	}
	if !found {
		t.Errorf("BODYSTRUCTURE does not describe a text part:\n%s", strings.Join(lines, "\n"))
	}
}

func TestFetchBodySetsSeen(t *testing.T) {
	store, msgs := testStore()
	endp := testEndpoint(t, store, testVerifier(), nil)
	defer endp.Close()

	c := dialIMAP(t)
	defer c.Close()
	c.login("fox@example.com", "imappass")
	c.cmdOK("SELECT INBOX")

	lines := c.cmdOK("FETCH 1 (BODY[])")
	requireSub(t, lines, "zebras on the move")
	requireSub(t, lines, `\Seen`)
	if !isRead(t, store, msgs[0].ID) {
		t.Error("read flag not persisted after BODY[] fetch")
	}

	// BODY.PEEK leaves the flag alone.
	lines = c.cmdOK("FETCH 2 (BODY.PEEK[])")
	requireSub(t, lines, "apples cost money")
	if isRead(t, store, msgs[1].ID) {
		t.Error("read flag set by BODY.PEEK[] fetch")
	}
}

func TestExamineKeepsUnread(t *testing.T) {
	store, msgs := testStore()
	endp := testEndpoint(t, store, testVerifier(), nil)
	defer endp.Close()

	c := dialIMAP(t)
	defer c.Close()
	c.login("fox@example.com", "imappass")
	c.cmdOK("EXAMINE INBOX")

	c.cmdOK("FETCH 1 (BODY[])")
	if isRead(t, store, msgs[0].ID) {
		t.Error("read flag set through a read-only mailbox")
	}

	c.cmdNO(`STORE 1 +FLAGS (\Seen)`)
}

func TestStoreFlags(t *testing.T) {
	store, msgs := testStore()
	endp := testEndpoint(t, store, testVerifier(), nil)
	defer endp.Close()

	c := dialIMAP(t)
	defer c.Close()
	c.login("fox@example.com", "imappass")
	c.cmdOK("SELECT INBOX")

	// Unsilenced STORE reports the new flags.
	lines := c.cmdOK(`STORE 1 +FLAGS (\Seen)`)
	requireSub(t, lines, `\Seen`)
	if !isRead(t, store, msgs[0].ID) {
		t.Error("read flag not persisted by STORE \\Seen")
	}

	lines = c.cmdOK(`STORE 1 -FLAGS (\Seen)`)
	requireSub(t, lines, "FLAGS ()")
	if isRead(t, store, msgs[0].ID) {
		t.Error("read flag not cleared by STORE -FLAGS \\Seen")
	}

	// Silenced STORE stays quiet.
	lines = c.cmdOK(`STORE 2 +FLAGS.SILENT (\Deleted)`)
	if containsSub(lines, "FETCH") {
		t.Errorf("unexpected FETCH update for a silent STORE:\n%s", strings.Join(lines, "\n"))
	}

	// Flags other than \Seen and \Deleted live only in the session.
	lines = c.cmdOK(`STORE 1 +FLAGS (\Flagged)`)
	requireSub(t, lines, `\Flagged`)
	if isRead(t, store, msgs[0].ID) {
		t.Error("\\Flagged spilled into the read flag")
	}
}

func TestExpunge(t *testing.T) {
	store, msgs := testStore()
	endp := testEndpoint(t, store, testVerifier(), nil)
	defer endp.Close()

	c := dialIMAP(t)
	defer c.Close()
	c.login("fox@example.com", "imappass")
	c.cmdOK("SELECT INBOX")

	c.cmdOK(`STORE 1 +FLAGS.SILENT (\Deleted)`)

	lines := c.cmdOK("EXPUNGE")
	lines = append(lines, c.cmdOK("NOOP")...)
	if !containsLine(lines, "* 1 EXPUNGE") {
		t.Errorf("missing untagged EXPUNGE:\n%s", strings.Join(lines, "\n"))
	}

	if _, err := store.LoadEmail(context.Background(), msgs[0].ID, ""); !errors.Is(err, module.ErrNoSuchEmail) {
		t.Errorf("expunged message still stored, err = %v", err)
	}
	if _, err := store.LoadEmail(context.Background(), msgs[1].ID, ""); err != nil {
		t.Errorf("undeleted message gone: %v", err)
	}

	// The survivor moved down to sequence number 1.
	lines = c.cmdOK("FETCH 1 (UID)")
	requireSub(t, lines, "UID 2")
}

func TestCloseExpungesSilently(t *testing.T) {
	store, msgs := testStore()
	endp := testEndpoint(t, store, testVerifier(), nil)
	defer endp.Close()

	c := dialIMAP(t)
	defer c.Close()
	c.login("fox@example.com", "imappass")
	c.cmdOK("SELECT INBOX")

	c.cmdOK(`STORE 1 +FLAGS.SILENT (\Deleted)`)

	lines := c.cmdOK("CLOSE")
	if containsSub(lines, "EXPUNGE") {
		t.Errorf("CLOSE sent untagged EXPUNGE:\n%s", strings.Join(lines, "\n"))
	}
	if _, err := store.LoadEmail(context.Background(), msgs[0].ID, ""); !errors.Is(err, module.ErrNoSuchEmail) {
		t.Errorf("CLOSE did not expunge, err = %v", err)
	}
}

func TestUnselectKeepsMessages(t *testing.T) {
	store, msgs := testStore()
	endp := testEndpoint(t, store, testVerifier(), nil)
	defer endp.Close()

	c := dialIMAP(t)
	defer c.Close()
	c.login("fox@example.com", "imappass")
	c.cmdOK("SELECT INBOX")

	c.cmdOK(`STORE 1 +FLAGS.SILENT (\Deleted)`)
	c.cmdOK("UNSELECT")

	if _, err := store.LoadEmail(context.Background(), msgs[0].ID, ""); err != nil {
		t.Errorf("UNSELECT removed a message: %v", err)
	}

	// \Deleted did not survive the session snapshot.
	lines := c.cmdOK("SELECT INBOX")
	if !containsLine(lines, "* 2 EXISTS") {
		t.Errorf("missing EXISTS after reselect:\n%s", strings.Join(lines, "\n"))
	}
	lines = c.cmdOK("FETCH 1 (FLAGS)")
	if containsSub(lines, `\Deleted`) {
		t.Errorf("\\Deleted survived UNSELECT:\n%s", strings.Join(lines, "\n"))
	}
}

func TestSearch(t *testing.T) {
	store, msgs := testStore()
	endp := testEndpoint(t, store, testVerifier(), nil)
	defer endp.Close()

	if err := store.MarkRead(context.Background(), msgs[1].ID, "u1", true); err != nil {
		t.Fatal(err)
	}

	c := dialIMAP(t)
	defer c.Close()
	c.login("fox@example.com", "imappass")
	c.cmdOK("SELECT INBOX")

	lines := c.cmdOK("SEARCH UNSEEN")
	if !containsLine(lines, "* SEARCH 1") {
		t.Errorf("wrong UNSEEN result:\n%s", strings.Join(lines, "\n"))
	}

	lines = c.cmdOK("SEARCH SUBJECT Zebra")
	if !containsLine(lines, "* SEARCH 1") {
		t.Errorf("wrong SUBJECT result:\n%s", strings.Join(lines, "\n"))
	}

	lines = c.cmdOK("SEARCH FROM bob")
	if !containsLine(lines, "* SEARCH 2") {
		t.Errorf("wrong FROM result:\n%s", strings.Join(lines, "\n"))
	}

	lines = c.cmdOK("UID SEARCH ALL")
	if !containsLine(lines, "* SEARCH 1 2") {
		t.Errorf("wrong UID SEARCH ALL result:\n%s", strings.Join(lines, "\n"))
	}
}

func TestSort(t *testing.T) {
	store, _ := testStore()
	endp := testEndpoint(t, store, testVerifier(), nil)
	defer endp.Close()

	c := dialIMAP(t)
	defer c.Close()
	c.login("fox@example.com", "imappass")
	c.cmdOK("SELECT INBOX")

	// "Apple budget" sorts before "Zebra migration".
	lines := c.cmdOK("SORT (SUBJECT) US-ASCII ALL")
	if !containsLine(lines, "* SORT 2 1") {
		t.Errorf("wrong SUBJECT order:\n%s", strings.Join(lines, "\n"))
	}

	lines = c.cmdOK("SORT (ARRIVAL) US-ASCII ALL")
	if !containsLine(lines, "* SORT 1 2") {
		t.Errorf("wrong ARRIVAL order:\n%s", strings.Join(lines, "\n"))
	}

	lines = c.cmdOK("SORT (REVERSE DATE) US-ASCII ALL")
	if !containsLine(lines, "* SORT 2 1") {
		t.Errorf("wrong REVERSE DATE order:\n%s", strings.Join(lines, "\n"))
	}

	lines = c.cmdOK("SORT (SUBJECT) US-ASCII FROM alice")
	if !containsLine(lines, "* SORT 1") {
		t.Errorf("SORT ignored the search filter:\n%s", strings.Join(lines, "\n"))
	}
}

func TestThreadReferences(t *testing.T) {
	store, msgs := testStore()
	endp := testEndpoint(t, store, testVerifier(), nil)
	defer endp.Close()

	// A reply in the thread of the first message.
	store.Add(&module.Email{
		ID:          "00000003-0000-0000-0000-000000000003",
		MessageID:   "<zebra-reply@example.org>",
		ThreadID:    msgs[0].ThreadID,
		FromAddress: "fox@example.com",
		Subject:     "Re: Zebra migration",
		TextBody:    "still moving\n",
		SizeBytes:   256,
		ReceivedAt:  msgs[1].ReceivedAt.Add(1 * time.Hour),
		Recipients: []module.EmailRecipient{
			{Address: "fox@example.com", Type: module.RecipientTo, UserID: "u1"},
		},
	})

	c := dialIMAP(t)
	defer c.Close()
	c.login("fox@example.com", "imappass")
	c.cmdOK("SELECT INBOX")

	lines := c.cmdOK("THREAD REFERENCES US-ASCII ALL")
	requireSub(t, lines, "(1 3)")
	requireSub(t, lines, "(2)")

	lines = c.cmdOK("UID THREAD REFERENCES US-ASCII ALL")
	requireSub(t, lines, "(1 3)")

	_, tagged := c.cmd("THREAD ORDEREDSUBJECT US-ASCII ALL")
	if statusOf(tagged) == "OK" {
		t.Errorf("unsupported algorithm accepted: %s", tagged)
	}
}

func TestNoopSeesNewMail(t *testing.T) {
	store, _ := testStore()
	endp := testEndpoint(t, store, testVerifier(), nil)
	defer endp.Close()

	c := dialIMAP(t)
	defer c.Close()
	c.login("fox@example.com", "imappass")
	c.cmdOK("SELECT INBOX")

	deliver(t, store, "Fresh news")

	lines := c.cmdOK("NOOP")
	if !containsLine(lines, "* 3 EXISTS") {
		t.Errorf("missing EXISTS after delivery:\n%s", strings.Join(lines, "\n"))
	}

	// And the new message is fetchable at the tail.
	lines = c.cmdOK("FETCH 3 (ENVELOPE)")
	requireSub(t, lines, "Fresh news")
}

func TestNoopSeesExternalExpunge(t *testing.T) {
	store, msgs := testStore()
	endp := testEndpoint(t, store, testVerifier(), nil)
	defer endp.Close()

	c := dialIMAP(t)
	defer c.Close()
	c.login("fox@example.com", "imappass")
	c.cmdOK("SELECT INBOX")

	// Deleted behind the session's back, POP3 DELE style.
	if err := store.DeleteEmail(context.Background(), msgs[0].ID); err != nil {
		t.Fatal(err)
	}

	lines := c.cmdOK("NOOP")
	if !containsLine(lines, "* 1 EXPUNGE") {
		t.Errorf("missing EXPUNGE after external deletion:\n%s", strings.Join(lines, "\n"))
	}
}

func TestSeenPropagatesAcrossSessions(t *testing.T) {
	store, _ := testStore()
	endp := testEndpoint(t, store, testVerifier(), nil)
	defer endp.Close()

	c1 := dialIMAP(t)
	defer c1.Close()
	c1.login("fox@example.com", "imappass")
	c1.cmdOK("SELECT INBOX")

	c2 := dialIMAP(t)
	defer c2.Close()
	c2.login("fox@example.com", "imappass")
	c2.cmdOK("SELECT INBOX")

	c1.cmdOK(`STORE 1 +FLAGS.SILENT (\Seen)`)

	lines := c2.cmdOK("NOOP")
	requireSub(t, lines, `\Seen`)
}

func TestIdleDeliveryNotify(t *testing.T) {
	store, _ := testStore()
	endp := testEndpoint(t, store, testVerifier(), nil)
	defer endp.Close()

	c := dialIMAP(t)
	defer c.Close()
	c.login("fox@example.com", "imappass")
	c.cmdOK("SELECT INBOX")

	tag := c.nextTag()
	c.writeLine(tag + " IDLE")
	if line := c.readLine(); !strings.HasPrefix(line, "+") {
		t.Fatalf("expected continuation, got: %s", line)
	}

	deliver(t, store, "While you were idling")

	if err := c.conn.SetReadDeadline(time.Now().Add(15 * time.Second)); err != nil {
		t.Fatal(err)
	}
	for {
		line, err := c.text.ReadLine()
		if err != nil {
			t.Fatal("no EXISTS while idling:", err)
		}
		if line == "* 3 EXISTS" {
			break
		}
	}
	if err := c.conn.SetReadDeadline(time.Time{}); err != nil {
		t.Fatal(err)
	}

	c.writeLine("DONE")
	if _, tagged := c.readResponse(tag); statusOf(tagged) != "OK" {
		t.Fatalf("IDLE completion failed: %s", tagged)
	}
}

func TestAppendRejected(t *testing.T) {
	store, _ := testStore()
	endp := testEndpoint(t, store, testVerifier(), nil)
	defer endp.Close()

	c := dialIMAP(t)
	defer c.Close()
	c.login("fox@example.com", "imappass")

	tag := c.nextTag()
	c.writeLine(tag + " APPEND INBOX {14+}")
	c.writeLine("Subject: hello")
	_, tagged := c.readResponse(tag)
	if statusOf(tagged) != "NO" {
		t.Fatalf("expected NO, got: %s", tagged)
	}
	if !strings.Contains(tagged, "SMTP") {
		t.Errorf("rejection does not point at SMTP: %s", tagged)
	}
}

func TestMailboxManagementRejected(t *testing.T) {
	store, _ := testStore()
	endp := testEndpoint(t, store, testVerifier(), nil)
	defer endp.Close()

	c := dialIMAP(t)
	defer c.Close()
	c.login("fox@example.com", "imappass")

	c.cmdNO("CREATE Archive")
	c.cmdNO("CREATE INBOX")
	c.cmdNO("DELETE INBOX")
	c.cmdNO("DELETE Archive")
	c.cmdNO("RENAME INBOX Archive")

	// COPY has nowhere to go with a single mailbox.
	c.cmdOK("SELECT INBOX")
	c.cmdNO("COPY 1 Archive")
	c.cmdNO("COPY 1 INBOX")
}

func TestPerUserConnLimit(t *testing.T) {
	store, _ := testStore()
	endp := testEndpoint(t, store, testVerifier(), []config.Node{
		{Name: "max_conns_per_user", Args: []string{"1"}},
	})
	defer endp.Close()

	c1 := dialIMAP(t)
	defer c1.Close()
	c1.login("fox@example.com", "imappass")

	c2 := dialIMAP(t)
	defer c2.Close()
	c2.cmdNO("LOGIN fox@example.com imappass")
}

func TestCloseDisconnectsSessions(t *testing.T) {
	store, _ := testStore()
	endp := testEndpoint(t, store, testVerifier(), nil)

	c := dialIMAP(t)
	defer c.Close()
	c.login("fox@example.com", "imappass")
	c.cmdOK("SELECT INBOX")

	done := make(chan struct{})
	go func() {
		endp.Close()
		close(done)
	}()

	if err := c.conn.SetReadDeadline(time.Now().Add(5 * time.Second)); err != nil {
		t.Fatal(err)
	}
	for {
		line, err := c.text.ReadLine()
		if err != nil {
			t.Fatalf("connection died without BYE: %v", err)
		}
		if strings.HasPrefix(line, "* BYE") {
			break
		}
	}

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Close did not return with an active session")
	}
}

func TestCommandErrors(t *testing.T) {
	store, _ := testStore()
	endp := testEndpoint(t, store, testVerifier(), nil)
	defer endp.Close()

	c := dialIMAP(t)
	defer c.Close()

	if _, tagged := c.cmd("FROB"); statusOf(tagged) != "BAD" {
		t.Errorf("wrong response for unknown command: %s", tagged)
	}
	if _, tagged := c.cmd("SELECT INBOX"); statusOf(tagged) == "OK" {
		t.Errorf("SELECT allowed before authentication: %s", tagged)
	}
	if _, tagged := c.cmd("LOGIN fox@example.com"); statusOf(tagged) == "OK" {
		t.Errorf("LOGIN accepted without a password: %s", tagged)
	}

	// Lock-step survives all of the above.
	c.login("fox@example.com", "imappass")
}

func TestStartTLS(t *testing.T) {
	store, _ := testStore()
	endp := testEndpoint(t, store, testVerifier(), []config.Node{
		{Name: "tls", Args: []string{"self_signed", "127.0.0.1"}},
	})
	defer endp.Close()

	c := dialIMAP(t)
	defer c.Close()

	lines := c.cmdOK("CAPABILITY")
	requireSub(t, lines, "STARTTLS")
	requireSub(t, lines, "LOGINDISABLED")
	if containsSub(lines, "AUTH=PLAIN") {
		t.Errorf("plaintext AUTH advertised before STARTTLS:\n%s", strings.Join(lines, "\n"))
	}

	// No plaintext authentication when TLS is configured.
	if _, tagged := c.cmd("LOGIN fox@example.com imappass"); statusOf(tagged) == "OK" {
		t.Fatalf("plaintext LOGIN accepted: %s", tagged)
	}

	c.cmdOK("STARTTLS")
	tlsConn := tls.Client(c.conn, &tls.Config{InsecureSkipVerify: true})
	if err := tlsConn.Handshake(); err != nil {
		t.Fatal(err)
	}
	c.conn = tlsConn
	c.text = textproto.NewConn(tlsConn)

	lines = c.cmdOK("CAPABILITY")
	requireSub(t, lines, "AUTH=PLAIN")
	if containsSub(lines, "STARTTLS") {
		t.Errorf("STARTTLS advertised twice:\n%s", strings.Join(lines, "\n"))
	}

	c.login("fox@example.com", "imappass")
	c.cmdOK("SELECT INBOX")
}

func TestImplicitTLS(t *testing.T) {
	store, _ := testStore()
	endp := testEndpointAddrs(t, []string{"tls://127.0.0.1:" + testPort}, store, testVerifier(), []config.Node{
		{Name: "tls", Args: []string{"self_signed", "127.0.0.1"}},
	})
	defer endp.Close()

	conn, err := tls.Dial("tcp", "127.0.0.1:"+testPort, &tls.Config{InsecureSkipVerify: true})
	if err != nil {
		t.Fatal(err)
	}
	c := &testConn{t: t, conn: conn, text: textproto.NewConn(conn)}
	defer c.Close()
	if greeting := c.readLine(); !strings.HasPrefix(greeting, "* OK") {
		t.Fatalf("bad greeting: %s", greeting)
	}

	lines := c.cmdOK("CAPABILITY")
	if containsSub(lines, "STARTTLS") {
		t.Errorf("STARTTLS advertised on an implicit TLS listener:\n%s", strings.Join(lines, "\n"))
	}

	c.login("fox@example.com", "imappass")
	c.cmdOK("SELECT INBOX")
}

func TestReadTimeout(t *testing.T) {
	store, _ := testStore()
	endp := testEndpoint(t, store, testVerifier(), []config.Node{
		{Name: "read_timeout", Args: []string{"300ms"}},
	})
	defer endp.Close()

	c := dialIMAP(t)
	defer c.Close()

	// No courtesy line on timeout, the connection just goes away.
	if err := c.conn.SetReadDeadline(time.Now().Add(5 * time.Second)); err != nil {
		t.Fatal(err)
	}
	start := time.Now()
	for {
		if _, err := c.text.ReadLine(); err != nil {
			break
		}
	}
	if time.Since(start) > 4*time.Second {
		t.Error("connection still alive after read timeout")
	}
}

func TestConfigErrors(t *testing.T) {
	// No auth provider.
	mod, err := New("imap", []string{"tcp://127.0.0.1:" + testPort})
	if err != nil {
		t.Fatal(err)
	}
	endp := mod.(*Endpoint)
	endp.Log = testutils.Logger(t, "imap")
	err = endp.Init(config.NewMap(nil, config.Node{Children: []config.Node{
		{Name: "tls", Args: []string{"off"}},
		{Name: "storage", Args: []string{"dummy"}},
	}}))
	if err == nil {
		endp.Close()
		t.Error("Expected an error for missing auth provider")
	}

	// IMAPS listener without TLS configuration.
	mod, err = New("imap", []string{"tls://127.0.0.1:" + testPort})
	if err != nil {
		t.Fatal(err)
	}
	endp = mod.(*Endpoint)
	endp.Log = testutils.Logger(t, "imap")
	err = endp.Init(config.NewMap(nil, config.Node{Children: []config.Node{
		{Name: "tls", Args: []string{"off"}},
		{Name: "auth", Args: []string{"dummy"}},
		{Name: "storage", Args: []string{"dummy"}},
	}}))
	if err == nil {
		endp.Close()
		t.Error("Expected an error for a TLS listener without TLS configuration")
	}
}

func TestMain(m *testing.M) {
	remoteImapPort := flag.String("test.imapport", "random", "(tern) IMAP port to use for connections in tests")
	flag.Parse()

	if *remoteImapPort == "random" {
		rand.Seed(time.Now().UnixNano())
		*remoteImapPort = strconv.Itoa(rand.Intn(65536-10000) + 10000)
	}

	testPort = *remoteImapPort
	os.Exit(m.Run())
}
