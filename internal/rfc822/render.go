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

package rfc822

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"io"
	"mime"
	"mime/quotedprintable"
	"net/mail"
	"strings"

	"github.com/emersion/go-message/textproto"

	"github.com/ternmail/tern/framework/module"
)

const dateLayout = "Mon, 2 Jan 2006 15:04:05 -0700"

// Render converts a stored message to its RFC 5322 wire form with CRLF line
// endings.
//
// The output is deterministic: multipart boundaries are derived from the
// message ID and no clock or randomness is consulted, so repeated calls for
// the same message return identical bytes.
func Render(msg *module.Email) ([]byte, error) {
	altBoundary, mixedBoundary := boundaries(msg.ID)

	var (
		contentType string
		contentEnc  string
		writeBody   func(w io.Writer) error
	)
	switch {
	case len(msg.Attachments) != 0:
		contentType = "multipart/mixed; boundary=" + mixedBoundary
		writeBody = func(w io.Writer) error {
			return renderMixed(w, msg, mixedBoundary, altBoundary)
		}
	case msg.TextBody != "" && msg.HTMLBody != "":
		contentType = "multipart/alternative; boundary=" + altBoundary
		writeBody = func(w io.Writer) error {
			return renderAlternative(w, msg.TextBody, msg.HTMLBody, altBoundary)
		}
	case msg.HTMLBody != "":
		contentType = "text/html; charset=utf-8"
		contentEnc = "quoted-printable"
		writeBody = func(w io.Writer) error {
			return writeQP(w, msg.HTMLBody)
		}
	default:
		contentType = "text/plain; charset=utf-8"
		contentEnc = "quoted-printable"
		writeBody = func(w io.Writer) error {
			return writeQP(w, msg.TextBody)
		}
	}

	// Add prepends, fields go in reverse of the wire order.
	h := textproto.Header{}
	if contentEnc != "" {
		h.Add("Content-Transfer-Encoding", contentEnc)
	}
	h.Add("Content-Type", contentType)
	h.Add("MIME-Version", "1.0")
	if len(msg.References) != 0 {
		h.Add("References", msgIDList(msg.References))
	}
	if msg.InReplyTo != "" {
		h.Add("In-Reply-To", "<"+msg.InReplyTo+">")
	}
	h.Add("Message-Id", "<"+msg.MessageID+">")
	h.Add("Date", msg.ReceivedAt.Format(dateLayout))
	if msg.Subject != "" {
		h.Add("Subject", mime.QEncoding.Encode("utf-8", msg.Subject))
	}
	if v := addressList(msg.Recipients, module.RecipientBcc); v != "" {
		h.Add("Bcc", v)
	}
	if v := addressList(msg.Recipients, module.RecipientCc); v != "" {
		h.Add("Cc", v)
	}
	if v := addressList(msg.Recipients, module.RecipientTo); v != "" {
		h.Add("To", v)
	}
	h.Add("From", (&mail.Address{
		Name:    msg.FromDisplayName,
		Address: msg.FromAddress,
	}).String())

	var buf bytes.Buffer
	if err := textproto.WriteHeader(&buf, h); err != nil {
		return nil, fmt.Errorf("rfc822: render: %w", err)
	}
	if err := writeBody(&buf); err != nil {
		return nil, fmt.Errorf("rfc822: render: %w", err)
	}
	return buf.Bytes(), nil
}

func addressList(rcpts []module.EmailRecipient, typ module.RecipientType) string {
	var formatted []string
	for _, rcpt := range rcpts {
		if rcpt.Type != typ {
			continue
		}
		formatted = append(formatted, (&mail.Address{
			Name:    rcpt.DisplayName,
			Address: rcpt.Address,
		}).String())
	}
	return strings.Join(formatted, ", ")
}

func msgIDList(ids []string) string {
	formatted := make([]string, len(ids))
	for i, id := range ids {
		formatted[i] = "<" + id + ">"
	}
	return strings.Join(formatted, " ")
}

func renderAlternative(w io.Writer, textBody, htmlBody, boundary string) error {
	mw := textproto.NewMultipartWriter(w)
	if err := mw.SetBoundary(boundary); err != nil {
		return err
	}
	if err := renderTextPart(mw, "text/plain", textBody); err != nil {
		return err
	}
	if err := renderTextPart(mw, "text/html", htmlBody); err != nil {
		return err
	}
	return mw.Close()
}

func renderMixed(w io.Writer, msg *module.Email, mixedBoundary, altBoundary string) error {
	mw := textproto.NewMultipartWriter(w)
	if err := mw.SetBoundary(mixedBoundary); err != nil {
		return err
	}

	switch {
	case msg.TextBody != "" && msg.HTMLBody != "":
		ph := textproto.Header{}
		ph.Add("Content-Type", "multipart/alternative; boundary="+altBoundary)
		part, err := mw.CreatePart(ph)
		if err != nil {
			return err
		}
		if err := renderAlternative(part, msg.TextBody, msg.HTMLBody, altBoundary); err != nil {
			return err
		}
	case msg.HTMLBody != "":
		if err := renderTextPart(mw, "text/html", msg.HTMLBody); err != nil {
			return err
		}
	default:
		if err := renderTextPart(mw, "text/plain", msg.TextBody); err != nil {
			return err
		}
	}

	for i := range msg.Attachments {
		if err := renderAttachment(mw, &msg.Attachments[i]); err != nil {
			return err
		}
	}
	return mw.Close()
}

func renderTextPart(mw *textproto.MultipartWriter, mediaType, body string) error {
	ph := textproto.Header{}
	ph.Add("Content-Transfer-Encoding", "quoted-printable")
	ph.Add("Content-Type", mediaType+"; charset=utf-8")
	part, err := mw.CreatePart(ph)
	if err != nil {
		return err
	}
	return writeQP(part, body)
}

func renderAttachment(mw *textproto.MultipartWriter, att *module.EmailAttachment) error {
	mediaType := att.ContentType
	if mediaType == "" {
		mediaType = "application/octet-stream"
	}
	typeHeader := mime.FormatMediaType(mediaType, map[string]string{"name": att.FileName})
	if typeHeader == "" {
		typeHeader = "application/octet-stream"
	}

	ph := textproto.Header{}
	ph.Add("Content-Disposition", mime.FormatMediaType("attachment",
		map[string]string{"filename": att.FileName}))
	ph.Add("Content-Transfer-Encoding", "base64")
	ph.Add("Content-Type", typeHeader)
	part, err := mw.CreatePart(ph)
	if err != nil {
		return err
	}
	return writeBase64(part, att.Content)
}

func writeQP(w io.Writer, body string) error {
	qw := quotedprintable.NewWriter(w)
	if _, err := io.WriteString(qw, body); err != nil {
		return err
	}
	return qw.Close()
}

func writeBase64(w io.Writer, data []byte) error {
	encoded := base64.StdEncoding.EncodeToString(data)
	for len(encoded) > 0 {
		n := 76
		if n > len(encoded) {
			n = len(encoded)
		}
		if _, err := io.WriteString(w, encoded[:n]+"\r\n"); err != nil {
			return err
		}
		encoded = encoded[n:]
	}
	return nil
}
