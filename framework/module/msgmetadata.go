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

package module

import (
	"crypto/rand"
	"crypto/tls"
	"encoding/hex"
	"net"

	"github.com/emersion/go-smtp"

	"github.com/ternmail/tern/framework/future"
)

// ConnState describes the connection the message was accepted over.
type ConnState struct {
	// Hostname is the value of the HELO/EHLO argument.
	Hostname string

	// Proto is the protocol name as used in trace information
	// (SMTP, ESMTP, ESMTPS).
	Proto string

	// TLS is the connection TLS state. HandshakeComplete is false if TLS is
	// not used.
	TLS tls.ConnectionState

	RemoteAddr net.Addr
	LocalAddr  net.Addr

	// RDNSName is the result of the reverse lookup for RemoteAddr. The
	// underlying type is string. nil if the lookup was not started at all.
	RDNSName *future.Future

	// AuthUser is the identity accepted by the credential verifier. Empty
	// for anonymous (MX) connections.
	AuthUser string

	// AuthUserID is the store account AuthUser resolved to.
	AuthUserID string
}

// MsgMetadata is the handling context for a single accepted message.
type MsgMetadata struct {
	// ID is the internal identifier tagging log entries related to this
	// message. It is not the stored message ID.
	ID string

	// Conn is nil for locally generated messages.
	Conn *ConnState

	// OriginalFrom is the MAIL FROM value before any rewriting.
	OriginalFrom string

	// SMTPOpts are the ESMTP arguments of the MAIL command.
	SMTPOpts smtp.MailOptions
}

// GenerateMsgID generates a short unique identifier for a message handling
// attempt, suitable for tagging related log entries.
func GenerateMsgID() (string, error) {
	rawID := make([]byte, 4)
	_, err := rand.Read(rawID)
	return hex.EncodeToString(rawID), err
}
