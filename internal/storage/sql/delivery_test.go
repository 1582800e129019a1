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

package sql

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/ternmail/tern/framework/exterrors"
	"github.com/ternmail/tern/framework/module"
	"github.com/ternmail/tern/internal/testutils"
)

func TestDelivery(t *testing.T) {
	store := testStorage(t)
	user := testUser(t, store, "fox@example.org")
	ctx := context.Background()

	testutils.DoTestDelivery(t, store, "sender@example.org", []string{"fox@example.org"})

	entries, err := store.ListEmails(ctx, user.ID, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("got %d messages, want 1", len(entries))
	}

	eml, err := store.LoadEmail(ctx, entries[0].ID, user.ID)
	if err != nil {
		t.Fatal(err)
	}
	// The test message has no From header, the envelope sender fills in.
	if eml.FromAddress != "sender@example.org" {
		t.Errorf("from: got %q", eml.FromAddress)
	}
	// No To/Cc header either, so the envelope recipient is kept as Bcc.
	if len(eml.Recipients) != 1 || eml.Recipients[0].Type != module.RecipientBcc {
		t.Errorf("recipients: %+v", eml.Recipients)
	}
	if eml.Recipients[0].UserID != user.ID {
		t.Errorf("recipient not resolved: %+v", eml.Recipients[0])
	}
	if strings.TrimSpace(eml.TextBody) != "foobar" {
		t.Errorf("body: %q", eml.TextBody)
	}
	if eml.SentByUserID != "" {
		t.Errorf("anonymous delivery should not record a sender user, got %q", eml.SentByUserID)
	}
}

func TestDelivery_HeaderRecipients(t *testing.T) {
	store := testStorage(t)
	user := testUser(t, store, "fox@example.org")
	ctx := context.Background()

	deliv, err := store.Start(ctx, &module.MsgMetadata{
		ID:   "test-delivery",
		Conn: &module.ConnState{AuthUser: "sender@example.org", AuthUserID: user.ID},
	}, "sender@example.org")
	if err != nil {
		t.Fatal(err)
	}
	for _, rcpt := range []string{"Fox@example.org", "fox@example.org", "hidden@example.org"} {
		if err := deliv.AddRcpt(ctx, rcpt); err != nil {
			t.Fatal(err)
		}
	}

	header, body := testutils.BodyFromStr(t, "From: Sender <sender@example.org>\r\n"+
		"To: Fox <fox@example.org>\r\n"+
		"Subject: hello\r\n"+
		"Message-Id: <deliv-1@example.org>\r\n"+
		"\r\n"+
		"hello fox\r\n")
	if err := deliv.Body(ctx, header, body); err != nil {
		t.Fatal(err)
	}
	if err := deliv.Commit(ctx); err != nil {
		t.Fatal(err)
	}

	stored := deliv.(*delivery).Stored()
	if stored == nil {
		t.Fatal("no stored email after Commit")
	}

	eml, err := store.LoadEmail(ctx, stored.ID, "")
	if err != nil {
		t.Fatal(err)
	}
	if eml.MessageID != "deliv-1@example.org" {
		t.Errorf("messageID: %q", eml.MessageID)
	}
	if eml.Subject != "hello" {
		t.Errorf("subject: %q", eml.Subject)
	}
	if eml.SentByUserID != user.ID {
		t.Errorf("sentBy: got %q, want %q", eml.SentByUserID, user.ID)
	}

	// fox@ appears in the To header (case-folded duplicate of two envelope
	// recipients), hidden@ only in the envelope.
	if len(eml.Recipients) != 2 {
		t.Fatalf("recipients: %+v", eml.Recipients)
	}
	if eml.Recipients[0].Address != "fox@example.org" || eml.Recipients[0].Type != module.RecipientTo {
		t.Errorf("header recipient: %+v", eml.Recipients[0])
	}
	if eml.Recipients[1].Address != "hidden@example.org" || eml.Recipients[1].Type != module.RecipientBcc {
		t.Errorf("envelope-only recipient: %+v", eml.Recipients[1])
	}
}

func TestDelivery_Abort(t *testing.T) {
	store := testStorage(t)
	user := testUser(t, store, "fox@example.org")
	ctx := context.Background()

	deliv, err := store.Start(ctx, &module.MsgMetadata{ID: "test-abort"}, "sender@example.org")
	if err != nil {
		t.Fatal(err)
	}
	if err := deliv.AddRcpt(ctx, "fox@example.org"); err != nil {
		t.Fatal(err)
	}
	header, body := testutils.BodyFromStr(t, "Subject: doomed\r\n\r\nnever seen\r\n")
	if err := deliv.Body(ctx, header, body); err != nil {
		t.Fatal(err)
	}
	if err := deliv.Abort(ctx); err != nil {
		t.Fatal(err)
	}

	entries, err := store.ListEmails(ctx, user.ID, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Errorf("aborted message visible: %+v", entries)
	}
}

func TestDelivery_MessageTooLarge(t *testing.T) {
	store := testStorage(t)
	store.maxMessageSize = 4
	testUser(t, store, "fox@example.org")

	_, err := testutils.DoTestDeliveryErr(t, store, "sender@example.org", []string{"fox@example.org"})
	var smtpErr *exterrors.SMTPError
	if !errors.As(err, &smtpErr) || smtpErr.Code != 552 {
		t.Fatalf("got %v, want SMTP 552", err)
	}
	if smtpErr.EnhancedCode != (exterrors.EnhancedCode{5, 3, 4}) {
		t.Errorf("enhanced code: %v", smtpErr.EnhancedCode)
	}
}

func TestDelivery_AttachmentTooLarge(t *testing.T) {
	store := testStorage(t)
	store.maxAttachmentSize = 8
	testUser(t, store, "fox@example.org")
	ctx := context.Background()

	deliv, err := store.Start(ctx, &module.MsgMetadata{ID: "test-att"}, "sender@example.org")
	if err != nil {
		t.Fatal(err)
	}
	if err := deliv.AddRcpt(ctx, "fox@example.org"); err != nil {
		t.Fatal(err)
	}

	header, body := testutils.BodyFromStr(t, "From: sender@example.org\r\n"+
		"To: fox@example.org\r\n"+
		"Subject: big one\r\n"+
		"Content-Type: multipart/mixed; boundary=BB\r\n"+
		"\r\n"+
		"--BB\r\n"+
		"Content-Type: text/plain\r\n"+
		"\r\n"+
		"see attached\r\n"+
		"--BB\r\n"+
		"Content-Type: application/octet-stream\r\n"+
		"Content-Disposition: attachment; filename=\"big.bin\"\r\n"+
		"\r\n"+
		"0123456789abcdef\r\n"+
		"--BB--\r\n")
	err = deliv.Body(ctx, header, body)
	var smtpErr *exterrors.SMTPError
	if !errors.As(err, &smtpErr) || smtpErr.Code != 552 {
		t.Fatalf("got %v, want SMTP 552", err)
	}
	if err := deliv.Abort(ctx); err != nil {
		t.Fatal(err)
	}
}

func TestDelivery_Thread(t *testing.T) {
	store := testStorage(t)
	testUser(t, store, "fox@example.org")
	ctx := context.Background()

	first, err := store.StoreIncomingEmail(ctx, testMessage("fox@example.org"))
	if err != nil {
		t.Fatal(err)
	}

	deliv, err := store.Start(ctx, &module.MsgMetadata{ID: "test-thread"}, "sender@example.org")
	if err != nil {
		t.Fatal(err)
	}
	if err := deliv.AddRcpt(ctx, "fox@example.org"); err != nil {
		t.Fatal(err)
	}
	header, body := testutils.BodyFromStr(t, "From: sender@example.org\r\n"+
		"To: fox@example.org\r\n"+
		"Subject: Re: Hello\r\n"+
		"Message-Id: <reply-1@example.org>\r\n"+
		"In-Reply-To: <"+first.MessageID+">\r\n"+
		"\r\n"+
		"replying\r\n")
	if err := deliv.Body(ctx, header, body); err != nil {
		t.Fatal(err)
	}
	if err := deliv.Commit(ctx); err != nil {
		t.Fatal(err)
	}

	stored := deliv.(*delivery).Stored()
	if stored.ThreadID != first.ThreadID {
		t.Errorf("thread: got %q, want %q", stored.ThreadID, first.ThreadID)
	}
}

type statusMap struct {
	statuses map[string]error
}

func (m *statusMap) SetStatus(rcptTo string, err error) {
	if m.statuses == nil {
		m.statuses = map[string]error{}
	}
	m.statuses[rcptTo] = err
}

func TestDelivery_BodyNonAtomic(t *testing.T) {
	store := testStorage(t)
	user := testUser(t, store, "fox@example.org")
	ctx := context.Background()

	c := &statusMap{}
	testutils.DoTestDeliveryNonAtomic(t, c, store, "sender@example.org", []string{"FOX@example.org", "other@example.org"})

	// Statuses are reported for the verbatim RCPT arguments.
	if len(c.statuses) != 2 {
		t.Fatalf("statuses: %+v", c.statuses)
	}
	for rcpt, err := range c.statuses {
		if err != nil {
			t.Errorf("%s: %v", rcpt, err)
		}
	}
	if _, ok := c.statuses["FOX@example.org"]; !ok {
		t.Errorf("status not keyed by original RCPT argument: %+v", c.statuses)
	}

	entries, err := store.ListEmails(ctx, user.ID, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Errorf("got %d messages, want 1", len(entries))
	}
}
