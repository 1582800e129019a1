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
	"bytes"
	"context"
	"io"
	"runtime/trace"
	"strings"
	"time"

	"github.com/emersion/go-message/textproto"
	"github.com/jmoiron/sqlx"
	"github.com/ternmail/tern/framework/buffer"
	"github.com/ternmail/tern/framework/exterrors"
	"github.com/ternmail/tern/framework/module"
	"github.com/ternmail/tern/internal/rfc822"
)

type envelopeRcpt struct {
	// Address with case-folding applied, used for header merging.
	addr string
	// Verbatim RCPT TO argument, reported back via StatusCollector.
	rcptTo string
}

type delivery struct {
	store    *Storage
	msgMeta  *module.MsgMetadata
	mailFrom string

	rcpts    []envelopeRcpt
	rcptSeen map[string]struct{}

	tx       *sqlx.Tx
	stored   *module.Email
	blobKeys []string
}

func (d *delivery) String() string {
	return d.store.Name() + ":" + d.store.InstanceName()
}

func storageError(err error) error {
	return &exterrors.SMTPError{
		Code:         451,
		EnhancedCode: exterrors.EnhancedCode{4, 3, 0},
		Message:      "Temporary storage error, try again later",
		TargetName:   "storage.sql",
		Err:          err,
	}
}

// AddRcpt records the envelope recipient. Addresses that do not map to any
// known user are accepted too, the message row then carries no ownership
// link. Recipient validation, where wanted, happens at the endpoint.
func (d *delivery) AddRcpt(ctx context.Context, rcptTo string) error {
	defer trace.StartRegion(ctx, "sql/AddRcpt").End()

	addr := strings.ToLower(rcptTo)
	if _, ok := d.rcptSeen[addr]; ok {
		return nil
	}
	d.rcptSeen[addr] = struct{}{}
	d.rcpts = append(d.rcpts, envelopeRcpt{addr: addr, rcptTo: rcptTo})
	return nil
}

// Body parses the message and writes it to the database in a transaction
// that is held open until Commit or Abort.
func (d *delivery) Body(ctx context.Context, header textproto.Header, body buffer.Buffer) (err error) {
	defer trace.StartRegion(ctx, "sql/Body").End()
	start := time.Now()
	defer func() { d.store.observeOp("deliver", start, err) }()

	if d.store.maxMessageSize > 0 && int64(body.Len()) > d.store.maxMessageSize {
		return &exterrors.SMTPError{
			Code:         552,
			EnhancedCode: exterrors.EnhancedCode{5, 3, 4},
			Message:      "Message size exceeds the limit",
			TargetName:   "storage.sql",
		}
	}

	raw, err := assembleRaw(header, body)
	if err != nil {
		return storageError(err)
	}

	msg, err := rfc822.Parse(raw)
	if err != nil {
		return &exterrors.SMTPError{
			Code:         550,
			EnhancedCode: exterrors.EnhancedCode{5, 6, 0},
			Message:      "Message malformed",
			TargetName:   "storage.sql",
			Err:          err,
		}
	}

	if d.store.maxAttachmentSize > 0 {
		for i := range msg.Attachments {
			if int64(len(msg.Attachments[i].Content)) > d.store.maxAttachmentSize {
				return &exterrors.SMTPError{
					Code:         552,
					EnhancedCode: exterrors.EnhancedCode{5, 3, 4},
					Message:      "Attachment size exceeds the limit",
					TargetName:   "storage.sql",
					Misc:         map[string]interface{}{"attachment": msg.Attachments[i].FileName},
				}
			}
		}
	}

	// No From header, fall back to the envelope sender.
	if msg.FromAddress == "" {
		msg.FromAddress = d.mailFrom
	}

	// Envelope recipients absent from the parsed header (Bcc stripped by
	// the submitter, aliases on the MX path) are kept as Bcc rows,
	// otherwise the message would be invisible to its actual receiver.
	inHeader := make(map[string]struct{}, len(msg.Recipients))
	for _, rcpt := range msg.Recipients {
		inHeader[strings.ToLower(rcpt.Address)] = struct{}{}
	}
	for _, rcpt := range d.rcpts {
		if _, ok := inHeader[rcpt.addr]; ok {
			continue
		}
		msg.Recipients = append(msg.Recipients, module.IncomingRecipient{
			Address: rcpt.addr,
			Type:    module.RecipientBcc,
		})
	}

	if d.msgMeta != nil && d.msgMeta.Conn != nil {
		msg.SentByUserID = d.msgMeta.Conn.AuthUserID
	}

	if err := rfc822.AssignThread(ctx, d.store, msg); err != nil {
		return storageError(err)
	}

	tx, err := d.store.db.BeginTxx(ctx, nil)
	if err != nil {
		return storageError(err)
	}
	stored, blobKeys, err := d.store.storeEmailTx(ctx, tx, msg)
	if err != nil {
		tx.Rollback() //nolint:errcheck
		d.store.deleteBlobs(ctx, blobKeys)
		return storageError(err)
	}

	d.tx = tx
	d.stored = stored
	d.blobKeys = blobKeys
	return nil
}

// BodyNonAtomic stores the message once for all recipients, so every
// recipient gets the same status.
func (d *delivery) BodyNonAtomic(ctx context.Context, c module.StatusCollector, header textproto.Header, body buffer.Buffer) {
	err := d.Body(ctx, header, body)
	for _, rcpt := range d.rcpts {
		c.SetStatus(rcpt.rcptTo, err)
	}
}

func (d *delivery) Abort(ctx context.Context) error {
	defer trace.StartRegion(ctx, "sql/Abort").End()

	if d.tx == nil {
		return nil
	}
	err := d.tx.Rollback()
	d.tx = nil
	d.store.deleteBlobs(ctx, d.blobKeys)
	d.blobKeys = nil
	return err
}

func (d *delivery) Commit(ctx context.Context) error {
	defer trace.StartRegion(ctx, "sql/Commit").End()

	if d.tx == nil {
		return nil
	}
	if err := d.tx.Commit(); err != nil {
		d.tx = nil
		d.store.deleteBlobs(ctx, d.blobKeys)
		d.blobKeys = nil
		return storageError(err)
	}
	d.tx = nil
	d.store.notifyDelivered(d.stored)
	return nil
}

// Stored reports the email written by Body. Endpoints use its ID for the
// "queued as" reply. Nil before Body succeeds.
func (d *delivery) Stored() *module.Email {
	return d.stored
}

func (store *Storage) Start(ctx context.Context, msgMeta *module.MsgMetadata, mailFrom string) (module.Delivery, error) {
	defer trace.StartRegion(ctx, "sql/Start").End()

	return &delivery{
		store:    store,
		msgMeta:  msgMeta,
		mailFrom: strings.ToLower(mailFrom),
		rcptSeen: map[string]struct{}{},
	}, nil
}

func assembleRaw(header textproto.Header, body buffer.Buffer) ([]byte, error) {
	var raw bytes.Buffer
	raw.Grow(body.Len())
	if err := textproto.WriteHeader(&raw, header); err != nil {
		return nil, err
	}
	r, err := body.Open()
	if err != nil {
		return nil, err
	}
	defer r.Close()
	if _, err := io.Copy(&raw, r); err != nil {
		return nil, err
	}
	return raw.Bytes(), nil
}
