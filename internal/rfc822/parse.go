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
	"fmt"
	"io"
	"strings"

	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"
	"github.com/google/uuid"

	"github.com/ternmail/tern/framework/module"
)

// Parse reads an RFC 5322 message into a draft ready to be persisted.
//
// Transfer encodings and charsets are decoded by go-message, bodies end up
// as UTF-8. SizeBytes is the length of the input, not of the decoded
// content. ReceivedAt is left zero, receive time is the server's call.
func Parse(raw []byte) (*module.IncomingEmail, error) {
	e, err := message.Read(bytes.NewReader(raw))
	if err != nil && !message.IsUnknownCharset(err) {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}

	msg := &module.IncomingEmail{
		SizeBytes: int64(len(raw)),
	}

	h := mail.Header{Header: e.Header}

	if from, err := h.AddressList("From"); err == nil && len(from) != 0 {
		msg.FromAddress = from[0].Address
		msg.FromDisplayName = from[0].Name
	} else if v := strings.TrimSpace(e.Header.Get("From")); v != "" {
		msg.FromAddress = v
	}

	msg.Recipients = append(msg.Recipients, recipients(&h, "To", module.RecipientTo)...)
	msg.Recipients = append(msg.Recipients, recipients(&h, "Cc", module.RecipientCc)...)
	msg.Recipients = append(msg.Recipients, recipients(&h, "Bcc", module.RecipientBcc)...)

	if subject, err := h.Subject(); err == nil {
		msg.Subject = subject
	} else {
		msg.Subject = strings.TrimSpace(e.Header.Get("Subject"))
	}

	if id, err := h.MessageID(); err == nil && id != "" {
		msg.MessageID = id
	} else {
		msg.MessageID = uuid.NewString() + "@tern.invalid"
	}
	if ids, err := h.MsgIDList("In-Reply-To"); err == nil && len(ids) != 0 {
		msg.InReplyTo = ids[0]
	} else if v := strings.TrimSpace(e.Header.Get("In-Reply-To")); v != "" {
		msg.InReplyTo = strings.Trim(v, "<>")
	}
	if ids, err := h.MsgIDList("References"); err == nil && len(ids) != 0 {
		msg.References = ids
	} else if v := e.Header.Get("References"); v != "" {
		for _, ref := range strings.Fields(v) {
			if ref := strings.Trim(ref, "<>"); ref != "" {
				msg.References = append(msg.References, ref)
			}
		}
	}

	if err := walkBody(e, msg); err != nil {
		// Keep the undecoded content instead of bouncing the message.
		if msg.TextBody == "" && msg.HTMLBody == "" && len(msg.Attachments) == 0 {
			msg.TextBody = rawBody(raw)
		}
	}

	return msg, nil
}

func recipients(h *mail.Header, field string, typ module.RecipientType) []module.IncomingRecipient {
	list, err := h.AddressList(field)
	if err != nil || len(list) == 0 {
		return nil
	}
	out := make([]module.IncomingRecipient, 0, len(list))
	for _, a := range list {
		if a.Address == "" {
			continue
		}
		out = append(out, module.IncomingRecipient{
			Address:     a.Address,
			DisplayName: a.Name,
			Type:        typ,
		})
	}
	return out
}

func walkBody(e *message.Entity, msg *module.IncomingEmail) error {
	mr := mail.NewReader(e)
	defer mr.Close()

	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			return nil
		}
		if message.IsUnknownCharset(err) {
			// The part body is still readable, just not decoded.
			err = nil
		}
		if err != nil {
			return err
		}

		switch ph := part.Header.(type) {
		case *mail.InlineHeader:
			mediaType, params, err := ph.ContentType()
			if err != nil {
				mediaType = "text/plain"
			}
			body, err := io.ReadAll(part.Body)
			if err != nil {
				return err
			}
			switch {
			case mediaType == "text/html":
				if msg.HTMLBody == "" {
					msg.HTMLBody = string(body)
				}
			case strings.HasPrefix(mediaType, "text/"):
				if msg.TextBody == "" {
					msg.TextBody = string(body)
				}
			default:
				// Inline non-text content (embedded images and such) is
				// kept as an attachment.
				msg.Attachments = append(msg.Attachments, module.IncomingAttachment{
					FileName:    attachmentName(params["name"], len(msg.Attachments)),
					ContentType: mediaType,
					Content:     body,
				})
			}
		case *mail.AttachmentHeader:
			mediaType, _, err := ph.ContentType()
			if err != nil || mediaType == "" {
				mediaType = "application/octet-stream"
			}
			filename, _ := ph.Filename()
			body, err := io.ReadAll(part.Body)
			if err != nil {
				return err
			}
			msg.Attachments = append(msg.Attachments, module.IncomingAttachment{
				FileName:    attachmentName(filename, len(msg.Attachments)),
				ContentType: mediaType,
				Content:     body,
			})
		}
	}
}

func attachmentName(name string, present int) string {
	if name != "" {
		return name
	}
	return fmt.Sprintf("attachment-%d", present+1)
}

// rawBody returns everything after the header block without any decoding.
func rawBody(raw []byte) string {
	if i := bytes.Index(raw, []byte("\r\n\r\n")); i >= 0 {
		return string(raw[i+4:])
	}
	if i := bytes.Index(raw, []byte("\n\n")); i >= 0 {
		return string(raw[i+2:])
	}
	return ""
}
