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

package pop3

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"net/textproto"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-sasl"

	"github.com/ternmail/tern/framework/exterrors"
	"github.com/ternmail/tern/framework/log"
	"github.com/ternmail/tern/framework/module"
	"github.com/ternmail/tern/internal/rfc822"
)

type sessionState int

const (
	stateAuthorization sessionState = iota
	stateTransaction
)

// opTimeout bounds individual message store calls made on behalf of the
// session. The client-facing idle timeout is much longer and configurable.
const opTimeout = 30 * time.Second

// errSessionClosed is returned by command handlers after a response that
// must be the last one on the wire.
var errSessionClosed = errors.New("pop3: session closed")

var errLineTooLong = errors.New("pop3: line too long")

type maildropEntry struct {
	emailID string
	size    int64
	uid     string
}

type session struct {
	endp *Endpoint

	// conn is the connection commands are read from and may be swapped
	// by STLS. rawConn is the accepted connection and is what shutdown
	// and close act on.
	conn    net.Conn
	rawConn net.Conn
	r       *bufio.Reader
	w       *bufio.Writer

	tls   bool
	state sessionState

	// username holds the pending USER argument until PASS arrives.
	username  string
	authFails int

	authUser   string
	authUserID string
	userTaken  bool

	msgs    []maildropEntry
	deleted map[int]struct{}

	log log.Logger
}

func (endp *Endpoint) newSession(conn net.Conn) *session {
	return &session{
		endp:    endp,
		conn:    conn,
		rawConn: conn,
		r:       bufio.NewReaderSize(conn, maxLineLength),
		w:       bufio.NewWriter(conn),
		log:     endp.Log,
	}
}

func (s *session) serve() {
	defer s.close()

	// Listeners wrap accepted connections into tls.Conn lazily, force the
	// handshake so broken clients fail here and not in the middle of the
	// session.
	if tlsConn, ok := s.conn.(*tls.Conn); ok {
		if err := s.conn.SetDeadline(time.Now().Add(tlsHandshakeTimeout)); err != nil {
			return
		}
		if err := tlsConn.Handshake(); err != nil {
			s.log.DebugMsg("TLS handshake failed", "reason", err, "src_ip", s.conn.RemoteAddr())
			return
		}
		if err := s.conn.SetDeadline(time.Time{}); err != nil {
			return
		}
		s.tls = true
	}

	if err := s.reply("+OK %s POP3 server ready", s.endp.hostname); err != nil {
		return
	}

	for {
		line, err := s.readLine()
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				timedOutSessions.Inc()
				_ = s.errorLine("session timeout")
				return
			}
			if errors.Is(err, errLineTooLong) {
				if err := s.errorLine("command line too long"); err != nil {
					return
				}
				continue
			}
			return
		}

		if err := s.command(line); err != nil {
			return
		}
	}
}

func (s *session) close() {
	if s.userTaken {
		s.endp.conns.ReleaseUser(s.authUserID)
		s.userTaken = false
	}
	_ = s.rawConn.Close()
}

// shutdown is called by Endpoint.Close from another goroutine. It does not
// touch the session bufio state, the farewell goes directly to the socket.
func (s *session) shutdown() {
	_ = s.rawConn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	_, _ = s.rawConn.Write([]byte("-ERR [SYS/TEMP] server shutting down\r\n"))
	_ = s.rawConn.Close()
}

func (s *session) readLine() (string, error) {
	if err := s.conn.SetReadDeadline(time.Now().Add(s.endp.readTimeout)); err != nil {
		return "", err
	}

	line, err := s.r.ReadSlice('\n')
	if errors.Is(err, bufio.ErrBufferFull) {
		// Eat the rest of the oversized line so the connection stays in
		// lock-step.
		for errors.Is(err, bufio.ErrBufferFull) {
			_, err = s.r.ReadSlice('\n')
		}
		if err != nil {
			return "", err
		}
		return "", errLineTooLong
	}
	if err != nil {
		return "", err
	}

	text := strings.TrimRight(string(line), "\r\n")
	if s.endp.ioDebug {
		s.log.Debugln("C:", text)
	}
	return text, nil
}

func (s *session) reply(format string, args ...interface{}) error {
	line := fmt.Sprintf(format, args...)
	if s.endp.ioDebug {
		s.log.Debugln("S:", line)
	}

	if err := s.conn.SetWriteDeadline(time.Now().Add(s.endp.writeTimeout)); err != nil {
		return err
	}
	if _, err := s.w.WriteString(line + "\r\n"); err != nil {
		return err
	}
	return s.w.Flush()
}

func (s *session) errorLine(text string) error {
	return s.reply("-ERR %s", text)
}

// listing writes a multi-line response whose lines are known to never
// start with a dot.
func (s *session) listing(first string, lines []string) error {
	if s.endp.ioDebug {
		s.log.Debugln("S:", first)
	}

	if err := s.conn.SetWriteDeadline(time.Now().Add(s.endp.writeTimeout)); err != nil {
		return err
	}
	if _, err := s.w.WriteString(first + "\r\n"); err != nil {
		return err
	}
	for _, line := range lines {
		if _, err := s.w.WriteString(line + "\r\n"); err != nil {
			return err
		}
	}
	if _, err := s.w.WriteString(".\r\n"); err != nil {
		return err
	}
	return s.w.Flush()
}

// sendBody writes a message payload as a byte-stuffed multi-line response.
func (s *session) sendBody(first string, body []byte) error {
	if s.endp.ioDebug {
		s.log.Debugln("S:", first)
	}

	if err := s.conn.SetWriteDeadline(time.Now().Add(s.endp.writeTimeout)); err != nil {
		return err
	}
	if _, err := s.w.WriteString(first + "\r\n"); err != nil {
		return err
	}

	dw := textproto.NewWriter(s.w).DotWriter()
	if _, err := dw.Write(body); err != nil {
		dw.Close()
		return err
	}
	return dw.Close()
}

func (s *session) command(line string) error {
	cmd, rest, _ := strings.Cut(line, " ")
	cmd = strings.ToUpper(cmd)
	args := strings.Fields(rest)

	switch cmd {
	case "STAT", "LIST", "UIDL", "RETR", "TOP", "DELE", "RSET", "NOOP":
		if s.state != stateTransaction {
			return s.errorLine("command is not valid in the authorization state")
		}
	}

	switch cmd {
	case "QUIT":
		return s.quit()
	case "CAPA":
		return s.capa()
	case "STLS":
		return s.stls()
	case "USER":
		return s.user(args)
	case "PASS":
		// The password is everything after the verb, spaces included.
		return s.pass(rest)
	case "AUTH":
		return s.authSASL(args)
	case "APOP":
		return s.errorLine("APOP is not supported")
	case "STAT":
		return s.stat()
	case "LIST":
		return s.list(args)
	case "UIDL":
		return s.uidl(args)
	case "RETR":
		return s.retr(args)
	case "TOP":
		return s.top(args)
	case "DELE":
		return s.dele(args)
	case "RSET":
		return s.rset()
	case "NOOP":
		return s.reply("+OK")
	default:
		return s.errorLine("unknown command")
	}
}

func (s *session) capa() error {
	caps := make([]string, 0, 6)
	if s.secure() {
		caps = append(caps, "USER")
	}
	caps = append(caps, "TOP", "UIDL", "RESP-CODES")
	if s.secure() {
		caps = append(caps, "SASL PLAIN")
	}
	if s.state == stateAuthorization && !s.tls && s.endp.tlsConfig != nil {
		caps = append(caps, "STLS")
	}
	return s.listing("+OK capability list follows", caps)
}

func (s *session) stls() error {
	if s.state != stateAuthorization {
		return s.errorLine("command is not valid after authentication")
	}
	if s.tls {
		return s.errorLine("already using TLS")
	}
	if s.endp.tlsConfig == nil {
		return s.errorLine("TLS is not available")
	}

	if err := s.reply("+OK begin TLS negotiation"); err != nil {
		return err
	}

	tlsConn := tls.Server(s.conn, s.endp.tlsConfig)
	if err := s.conn.SetDeadline(time.Now().Add(tlsHandshakeTimeout)); err != nil {
		return err
	}
	if err := tlsConn.Handshake(); err != nil {
		s.log.DebugMsg("TLS handshake failed", "reason", err, "src_ip", s.conn.RemoteAddr())
		return err
	}
	if err := s.conn.SetDeadline(time.Time{}); err != nil {
		return err
	}

	// Anything buffered before the handshake arrived in plaintext and
	// cannot be trusted, drop it along with the pending USER name.
	s.conn = tlsConn
	s.r.Reset(tlsConn)
	s.w.Reset(tlsConn)
	s.tls = true
	s.username = ""
	return nil
}

func (s *session) user(args []string) error {
	if s.state != stateAuthorization {
		return s.errorLine("command is not valid after authentication")
	}
	if !s.secure() {
		return s.errorLine("[AUTH] TLS is required for authentication")
	}
	if len(args) != 1 {
		return s.errorLine("username is required")
	}

	s.username = args[0]
	return s.reply("+OK send PASS")
}

func (s *session) pass(password string) error {
	if s.state != stateAuthorization {
		return s.errorLine("command is not valid after authentication")
	}
	if !s.secure() {
		return s.errorLine("[AUTH] TLS is required for authentication")
	}
	if s.username == "" {
		return s.errorLine("no USER command received")
	}
	if password == "" {
		return s.errorLine("password is required")
	}

	if errText, fatal := s.authAttempt(); errText != "" {
		if err := s.errorLine(errText); err != nil {
			return err
		}
		if fatal {
			return errSessionClosed
		}
		return nil
	}

	userID, err := s.endp.saslAuth.AuthPlain(s.username, password)
	if err != nil {
		s.log.Error("authentication failed", err, "username", s.username, "src_ip", s.conn.RemoteAddr())
		return s.authFailed(err)
	}

	return s.completeAuth(s.username, userID)
}

func (s *session) authSASL(args []string) error {
	if s.state != stateAuthorization {
		return s.errorLine("command is not valid after authentication")
	}
	if !s.secure() {
		return s.errorLine("[AUTH] TLS is required for authentication")
	}
	if len(args) == 0 {
		return s.listing("+OK", []string{sasl.Plain})
	}
	if len(args) > 2 {
		return s.errorLine("too many arguments")
	}

	mech := strings.ToUpper(args[0])
	if mech != sasl.Plain {
		return s.errorLine("[AUTH] unsupported authentication mechanism")
	}

	if errText, fatal := s.authAttempt(); errText != "" {
		if err := s.errorLine(errText); err != nil {
			return err
		}
		if fatal {
			return errSessionClosed
		}
		return nil
	}

	var authUser, authUserID string
	srv := s.endp.saslAuth.CreateSASL(mech, s.conn.RemoteAddr(), func(username, userID string) error {
		authUser = username
		authUserID = userID
		return nil
	})

	var resp []byte
	if len(args) == 2 {
		if args[1] == "=" {
			resp = []byte{}
		} else {
			var err error
			resp, err = base64.StdEncoding.DecodeString(args[1])
			if err != nil {
				return s.errorLine("invalid base64 encoding")
			}
		}
	}

	for {
		challenge, done, err := srv.Next(resp)
		if err != nil {
			return s.authFailed(err)
		}
		if done {
			break
		}

		if err := s.reply("+ %s", base64.StdEncoding.EncodeToString(challenge)); err != nil {
			return err
		}
		line, err := s.readLine()
		if err != nil {
			if errors.Is(err, errLineTooLong) {
				return s.errorLine("line too long")
			}
			return err
		}
		if line == "*" {
			return s.errorLine("authentication aborted")
		}
		resp, err = base64.StdEncoding.DecodeString(line)
		if err != nil {
			return s.errorLine("invalid base64 encoding")
		}
	}

	return s.completeAuth(authUser, authUserID)
}

// authAttempt applies the per-session and per-IP brute force protections.
// It consumes one rate token, the counter it bumps is reset on success. A
// non-empty return is the -ERR text for the client, fatal means the session
// must be closed after sending it.
func (s *session) authAttempt() (errText string, fatal bool) {
	if s.endp.maxAuthFails != 0 && s.authFails >= s.endp.maxAuthFails {
		return "[AUTH] too many failed authentication attempts", true
	}
	s.authFails++

	if s.endp.authRates != nil {
		if !s.endp.authRates.Take(s.remoteIP().String()) {
			authRateLimited.Inc()
			return "[AUTH] authentication rate limit exceeded, try again later", false
		}
	}

	return "", false
}

func (s *session) authFailed(err error) error {
	failedLogins.Inc()

	if s.endp.maxAuthFails != 0 && s.authFails >= s.endp.maxAuthFails {
		if err := s.errorLine("[AUTH] too many failed authentication attempts"); err != nil {
			return err
		}
		return errSessionClosed
	}

	if exterrors.IsTemporary(err) {
		return s.errorLine("[SYS/TEMP] temporary authentication failure, try again later")
	}
	return s.errorLine("[AUTH] authentication failed")
}

// completeAuth is shared by PASS and AUTH. It applies the per-user session
// cap, takes the maildrop snapshot and moves the session into the
// transaction state.
func (s *session) completeAuth(username, userID string) error {
	if !s.endp.conns.TakeUser(userID) {
		return s.errorLine("[IN-USE] too many sessions for this account")
	}

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	list, err := s.endp.store.ListEmails(ctx, userID, 0, s.endp.maxSessionMessages)
	cancel()
	if err != nil {
		s.endp.conns.ReleaseUser(userID)
		s.log.Error("maildrop listing failed", err, "username", username, "src_ip", s.conn.RemoteAddr())
		return s.errorLine("[SYS/TEMP] storage error, try again later")
	}

	s.authUser = username
	s.authUserID = userID
	s.userTaken = true
	s.authFails = 0
	s.state = stateTransaction
	s.deleted = map[int]struct{}{}
	s.msgs = make([]maildropEntry, len(list))
	var total int64
	for i, ent := range list {
		s.msgs[i] = maildropEntry{
			emailID: ent.ID,
			size:    ent.SizeBytes,
			uid:     uniqueID(ent),
		}
		total += ent.SizeBytes
	}

	s.log.DebugMsg("maildrop opened", "username", username, "messages", len(s.msgs), "src_ip", s.conn.RemoteAddr())

	return s.reply("+OK maildrop has %d messages (%d octets)", len(s.msgs), total)
}

func (s *session) stat() error {
	count, octets := s.liveMessages()
	return s.reply("+OK %d %d", count, octets)
}

func (s *session) list(args []string) error {
	if len(args) > 1 {
		return s.errorLine("too many arguments")
	}
	if len(args) == 1 {
		n, ent, errText := s.lookupMsg(args[0])
		if errText != "" {
			return s.errorLine(errText)
		}
		return s.reply("+OK %d %d", n, ent.size)
	}

	count, octets := s.liveMessages()
	lines := make([]string, 0, count)
	for i := range s.msgs {
		if _, ok := s.deleted[i+1]; ok {
			continue
		}
		lines = append(lines, fmt.Sprintf("%d %d", i+1, s.msgs[i].size))
	}
	return s.listing(fmt.Sprintf("+OK %d messages (%d octets)", count, octets), lines)
}

func (s *session) uidl(args []string) error {
	if len(args) > 1 {
		return s.errorLine("too many arguments")
	}
	if len(args) == 1 {
		n, ent, errText := s.lookupMsg(args[0])
		if errText != "" {
			return s.errorLine(errText)
		}
		return s.reply("+OK %d %s", n, ent.uid)
	}

	lines := make([]string, 0, len(s.msgs))
	for i := range s.msgs {
		if _, ok := s.deleted[i+1]; ok {
			continue
		}
		lines = append(lines, fmt.Sprintf("%d %s", i+1, s.msgs[i].uid))
	}
	return s.listing("+OK", lines)
}

func (s *session) retr(args []string) error {
	if len(args) != 1 {
		return s.errorLine("message number is required")
	}
	_, ent, errText := s.lookupMsg(args[0])
	if errText != "" {
		return s.errorLine(errText)
	}

	blob, errText := s.renderMessage(ent)
	if errText != "" {
		return s.errorLine(errText)
	}

	if err := s.sendBody(fmt.Sprintf("+OK %d octets", len(blob)), blob); err != nil {
		return err
	}
	retrievedMessages.Inc()

	// Read marking is best-effort, the client already got the bytes.
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	if err := s.endp.store.MarkRead(ctx, ent.emailID, s.authUserID, true); err != nil {
		s.log.DebugMsg("read flag update failed", "reason", err, "email", ent.emailID)
	}
	cancel()

	return nil
}

func (s *session) top(args []string) error {
	if len(args) != 2 {
		return s.errorLine("message number and line count are required")
	}
	_, ent, errText := s.lookupMsg(args[0])
	if errText != "" {
		return s.errorLine(errText)
	}
	count, err := strconv.Atoi(args[1])
	if err != nil || count < 0 {
		return s.errorLine("invalid line count")
	}

	blob, errText := s.renderMessage(ent)
	if errText != "" {
		return s.errorLine(errText)
	}

	return s.sendBody("+OK", topSlice(blob, count))
}

func (s *session) dele(args []string) error {
	if len(args) != 1 {
		return s.errorLine("message number is required")
	}
	n, _, errText := s.lookupMsg(args[0])
	if errText != "" {
		return s.errorLine(errText)
	}
	if len(s.deleted) >= maxSessionDeletes {
		return s.errorLine("too many deleted messages")
	}

	s.deleted[n] = struct{}{}
	return s.reply("+OK message %d deleted", n)
}

func (s *session) rset() error {
	s.deleted = map[int]struct{}{}
	return s.reply("+OK maildrop has %d messages", len(s.msgs))
}

func (s *session) quit() error {
	if s.state == stateTransaction && len(s.deleted) != 0 {
		nums := make([]int, 0, len(s.deleted))
		for n := range s.deleted {
			nums = append(nums, n)
		}
		sort.Ints(nums)

		removed := 0
		for _, n := range nums {
			ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
			err := s.endp.store.DeleteEmail(ctx, s.msgs[n-1].emailID)
			cancel()
			if err != nil && !errors.Is(err, module.ErrNoSuchEmail) {
				s.log.Error("message deletion failed", err, "email", s.msgs[n-1].emailID, "username", s.authUser)
				deletedMessages.Add(float64(removed))
				if err := s.errorLine("[SYS/TEMP] some deleted messages were not removed"); err != nil {
					return err
				}
				return errSessionClosed
			}
			if err == nil {
				removed++
			}
		}
		deletedMessages.Add(float64(removed))
	}

	if err := s.reply("+OK %s POP3 server signing off", s.endp.hostname); err != nil {
		return err
	}
	return errSessionClosed
}

// renderMessage loads the message and produces its RFC 5322 wire form. A
// non-empty second return is the -ERR text for the client.
func (s *session) renderMessage(ent *maildropEntry) ([]byte, string) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	eml, err := s.endp.store.LoadEmail(ctx, ent.emailID, s.authUserID)
	if err != nil {
		if errors.Is(err, module.ErrNoSuchEmail) || errors.Is(err, module.ErrAccessDenied) {
			// Removed by a concurrent session after the snapshot was
			// taken.
			return nil, "no such message"
		}
		s.log.Error("message load failed", err, "email", ent.emailID)
		return nil, "[SYS/TEMP] storage error, try again later"
	}

	blob, err := rfc822.Render(eml)
	if err != nil {
		s.log.Error("message rendering failed", err, "email", ent.emailID)
		return nil, "[SYS/TEMP] internal error"
	}
	return blob, ""
}

func (s *session) lookupMsg(arg string) (int, *maildropEntry, string) {
	n, err := strconv.Atoi(arg)
	if err != nil || n < 1 {
		return 0, nil, "invalid message number"
	}
	if n > len(s.msgs) {
		return 0, nil, "no such message"
	}
	if _, ok := s.deleted[n]; ok {
		return 0, nil, "message is deleted"
	}
	return n, &s.msgs[n-1], ""
}

func (s *session) liveMessages() (count int, octets int64) {
	for i := range s.msgs {
		if _, ok := s.deleted[i+1]; ok {
			continue
		}
		count++
		octets += s.msgs[i].size
	}
	return
}

func (s *session) secure() bool {
	return s.tls || s.endp.insecureAuth
}

func (s *session) remoteIP() net.IP {
	tcpAddr, ok := s.conn.RemoteAddr().(*net.TCPAddr)
	if !ok {
		return net.IPv4(127, 0, 0, 1)
	}
	return tcpAddr.IP
}

// uniqueID derives the UIDL identifier from the entry. RFC 1939 requires
// 1 to 70 characters in the 0x21-0x7E range, Message-ID values are close
// enough that a byte-level substitution does the job.
func uniqueID(ent module.EmailListEntry) string {
	id := ent.MessageID
	if id == "" {
		id = ent.ID
	}

	var b strings.Builder
	for i := 0; i < len(id) && b.Len() < 70; i++ {
		c := id[i]
		if c < '!' || c > '~' {
			c = '?'
		}
		b.WriteByte(c)
	}
	return b.String()
}

// topSlice cuts a rendered message down to the header section plus the
// first count body lines, as required by TOP.
func topSlice(blob []byte, count int) []byte {
	headers, body, found := bytes.Cut(blob, []byte("\r\n\r\n"))
	if !found {
		return blob
	}

	out := make([]byte, 0, len(headers)+4)
	out = append(out, headers...)
	out = append(out, "\r\n\r\n"...)
	for count > 0 && len(body) > 0 {
		idx := bytes.Index(body, []byte("\r\n"))
		if idx < 0 {
			out = append(out, body...)
			break
		}
		out = append(out, body[:idx+2]...)
		body = body[idx+2:]
		count--
	}
	return out
}
