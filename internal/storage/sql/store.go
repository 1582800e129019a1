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
	stdsql "database/sql"
	"errors"
	"fmt"
	"io"
	"math"
	"runtime/trace"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/ternmail/tern/framework/module"
)

const insertEmail = `
INSERT INTO emails (id, message_id, from_address, from_display_name, subject,
	text_body, html_body, received_at, size_bytes, in_reply_to,
	references_list, thread_id, sent_by_user_id)
VALUES (:id, :message_id, :from_address, :from_display_name, :subject,
	:text_body, :html_body, :received_at, :size_bytes, :in_reply_to,
	:references_list, :thread_id, :sent_by_user_id)`

const insertRecipient = `
INSERT INTO email_recipients (id, email_id, ord, address, display_name, type,
	user_id, is_read)
VALUES (:id, :email_id, :ord, :address, :display_name, :type, :user_id,
	:is_read)`

const insertAttachment = `
INSERT INTO email_attachments (id, email_id, ord, file_name, content_type,
	size_bytes, external, content)
VALUES (:id, :email_id, :ord, :file_name, :content_type, :size_bytes,
	:external, :content)`

func (store *Storage) ListEmails(ctx context.Context, userID string, offset, limit int) (entries []module.EmailListEntry, err error) {
	defer trace.StartRegion(ctx, "sql/ListEmails").End()
	start := time.Now()
	defer func() { store.observeOp("list_emails", start, err) }()

	if offset < 0 {
		offset = 0
	}
	if limit <= 0 {
		limit = math.MaxInt32
	}

	// MarkRead keeps all recipient rows of one user in sync, so DISTINCT
	// collapses messages that list the same account more than once.
	var rows []listEntryRow
	err = store.db.SelectContext(ctx, &rows, store.db.Rebind(`
		SELECT DISTINCT e.id, e.message_id, e.size_bytes, e.received_at, r.is_read
		FROM emails e
		JOIN email_recipients r ON r.email_id = e.id
		WHERE r.user_id = ?
		ORDER BY e.received_at, e.id
		LIMIT ? OFFSET ?`), userID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("storage.sql: list emails: %w", err)
	}

	entries = make([]module.EmailListEntry, 0, len(rows))
	for i := range rows {
		entries = append(entries, rows[i].entry())
	}
	return entries, nil
}

func (store *Storage) LoadEmail(ctx context.Context, emailID, accessUserID string) (eml *module.Email, err error) {
	defer trace.StartRegion(ctx, "sql/LoadEmail").End()
	start := time.Now()
	defer func() { store.observeOp("load_email", start, err) }()

	var row emailRow
	err = store.db.GetContext(ctx, &row, store.db.Rebind(`
		SELECT id, message_id, from_address, from_display_name, subject,
			text_body, html_body, received_at, size_bytes, in_reply_to,
			references_list, thread_id, sent_by_user_id
		FROM emails WHERE id = ?`), emailID)
	if errors.Is(err, stdsql.ErrNoRows) {
		return nil, module.ErrNoSuchEmail
	}
	if err != nil {
		return nil, fmt.Errorf("storage.sql: load email: %w", err)
	}

	var rcpts []recipientRow
	if err := store.db.SelectContext(ctx, &rcpts, store.db.Rebind(`
		SELECT id, email_id, ord, address, display_name, type, user_id, is_read
		FROM email_recipients WHERE email_id = ? ORDER BY ord, id`), emailID); err != nil {
		return nil, fmt.Errorf("storage.sql: load recipients: %w", err)
	}

	if accessUserID != "" {
		allowed := false
		for i := range rcpts {
			if rcpts[i].UserID != nil && *rcpts[i].UserID == accessUserID {
				allowed = true
				break
			}
		}
		if !allowed {
			return nil, module.ErrAccessDenied
		}
	}

	email := row.email()
	for i := range rcpts {
		email.Recipients = append(email.Recipients, rcpts[i].recipient())
	}

	var atts []attachmentRow
	if err := store.db.SelectContext(ctx, &atts, store.db.Rebind(`
		SELECT id, email_id, ord, file_name, content_type, size_bytes, external,
			content
		FROM email_attachments WHERE email_id = ? ORDER BY ord, id`), emailID); err != nil {
		return nil, fmt.Errorf("storage.sql: load attachments: %w", err)
	}
	for i := range atts {
		att := atts[i].attachment()
		if atts[i].External {
			content, err := store.openBlob(ctx, string(atts[i].Content))
			if err != nil {
				return nil, fmt.Errorf("storage.sql: load attachment %s: %w", att.ID, err)
			}
			att.Content = content
		}
		email.Attachments = append(email.Attachments, att)
	}

	return email, nil
}

func (store *Storage) MarkRead(ctx context.Context, emailID, userID string, read bool) (err error) {
	defer trace.StartRegion(ctx, "sql/MarkRead").End()
	start := time.Now()
	defer func() { store.observeOp("mark_read", start, err) }()

	res, err := store.db.ExecContext(ctx, store.db.Rebind(`
		UPDATE email_recipients SET is_read = ?
		WHERE email_id = ? AND user_id = ?`), read, emailID, userID)
	if err != nil {
		return fmt.Errorf("storage.sql: mark read: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("storage.sql: mark read: %w", err)
	}
	if affected == 0 {
		// MySQL counts only rows whose value actually changed, so an update
		// to the current value is indistinguishable from a missing message.
		// Recheck before reporting it as gone.
		var exists bool
		err := store.db.GetContext(ctx, &exists, store.db.Rebind(`
			SELECT EXISTS(SELECT 1 FROM email_recipients
				WHERE email_id = ? AND user_id = ?)`), emailID, userID)
		if err != nil {
			return fmt.Errorf("storage.sql: mark read: %w", err)
		}
		if !exists {
			return module.ErrNoSuchEmail
		}
	}
	return nil
}

func (store *Storage) DeleteEmail(ctx context.Context, emailID string) (err error) {
	defer trace.StartRegion(ctx, "sql/DeleteEmail").End()
	start := time.Now()
	defer func() { store.observeOp("delete_email", start, err) }()

	tx, err := store.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("storage.sql: delete email: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var blobKeys []string
	if store.blob != nil {
		var keys []string
		if err := tx.SelectContext(ctx, &keys, tx.Rebind(`
			SELECT content FROM email_attachments
			WHERE email_id = ? AND external`), emailID); err != nil {
			return fmt.Errorf("storage.sql: delete email: %w", err)
		}
		blobKeys = keys
	}

	for _, q := range []string{
		`DELETE FROM email_attachments WHERE email_id = ?`,
		`DELETE FROM email_recipients WHERE email_id = ?`,
	} {
		if _, err := tx.ExecContext(ctx, tx.Rebind(q), emailID); err != nil {
			return fmt.Errorf("storage.sql: delete email: %w", err)
		}
	}
	res, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM emails WHERE id = ?`), emailID)
	if err != nil {
		return fmt.Errorf("storage.sql: delete email: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("storage.sql: delete email: %w", err)
	}
	if affected == 0 {
		return module.ErrNoSuchEmail
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("storage.sql: delete email: %w", err)
	}

	store.deleteBlobs(ctx, blobKeys)
	return nil
}

func (store *Storage) StoreIncomingEmail(ctx context.Context, msg *module.IncomingEmail) (eml *module.Email, err error) {
	defer trace.StartRegion(ctx, "sql/StoreIncomingEmail").End()
	start := time.Now()
	defer func() { store.observeOp("store_incoming", start, err) }()

	tx, err := store.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("storage.sql: store email: %w", err)
	}

	var blobKeys []string
	eml, blobKeys, err = store.storeEmailTx(ctx, tx, msg)
	if err != nil {
		tx.Rollback() //nolint:errcheck
		store.deleteBlobs(ctx, blobKeys)
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		store.deleteBlobs(ctx, blobKeys)
		return nil, fmt.Errorf("storage.sql: store email: %w", err)
	}
	store.notifyDelivered(eml)
	return eml, nil
}

// storeEmailTx writes the message and its child rows within tx. Returned
// blobKeys name attachment blobs already written to the external store;
// the caller removes them if the transaction does not commit.
func (store *Storage) storeEmailTx(ctx context.Context, tx *sqlx.Tx, msg *module.IncomingEmail) (*module.Email, []string, error) {
	id := uuid.NewString()
	threadID := msg.ThreadID
	if threadID == "" {
		threadID = id
	}
	received := msg.ReceivedAt
	if received.IsZero() {
		received = time.Now()
	}
	// MySQL and PostgreSQL keep at most microseconds.
	received = received.UTC().Truncate(time.Microsecond)

	row := &emailRow{
		ID:              id,
		MessageID:       msg.MessageID,
		FromAddress:     msg.FromAddress,
		FromDisplayName: msg.FromDisplayName,
		Subject:         msg.Subject,
		TextBody:        msg.TextBody,
		HTMLBody:        msg.HTMLBody,
		ReceivedAt:      received,
		SizeBytes:       msg.SizeBytes,
		InReplyTo:       msg.InReplyTo,
		ReferencesList:  strings.Join(msg.References, " "),
		ThreadID:        threadID,
		SentByUserID:    nullStr(msg.SentByUserID),
	}
	if _, err := tx.NamedExecContext(ctx, insertEmail, row); err != nil {
		return nil, nil, fmt.Errorf("storage.sql: store email: %w", err)
	}
	email := row.email()

	for i, rcpt := range msg.Recipients {
		userID, err := resolveAddressTx(ctx, tx, rcpt.Address)
		if err != nil {
			return nil, nil, err
		}
		rrow := &recipientRow{
			ID:          uuid.NewString(),
			EmailID:     id,
			Ord:         i,
			Address:     rcpt.Address,
			DisplayName: rcpt.DisplayName,
			Type:        string(rcpt.Type),
			UserID:      userID,
		}
		if _, err := tx.NamedExecContext(ctx, insertRecipient, rrow); err != nil {
			return nil, nil, fmt.Errorf("storage.sql: store recipient: %w", err)
		}
		email.Recipients = append(email.Recipients, rrow.recipient())
	}

	var blobKeys []string
	for i := range msg.Attachments {
		att := &msg.Attachments[i]
		arow := &attachmentRow{
			ID:          uuid.NewString(),
			EmailID:     id,
			Ord:         i,
			FileName:    att.FileName,
			ContentType: att.ContentType,
			SizeBytes:   int64(len(att.Content)),
			Content:     att.Content,
		}
		if store.blob != nil {
			key := id + "/" + arow.ID
			if err := store.putBlob(ctx, key, att.Content); err != nil {
				return nil, blobKeys, fmt.Errorf("storage.sql: store attachment: %w", err)
			}
			blobKeys = append(blobKeys, key)
			arow.External = true
			arow.Content = []byte(key)
		}
		if _, err := tx.NamedExecContext(ctx, insertAttachment, arow); err != nil {
			return nil, blobKeys, fmt.Errorf("storage.sql: store attachment: %w", err)
		}
		email.Attachments = append(email.Attachments, module.EmailAttachment{
			ID:          arow.ID,
			EmailID:     id,
			FileName:    att.FileName,
			ContentType: att.ContentType,
			SizeBytes:   arow.SizeBytes,
			Content:     att.Content,
		})
	}

	return email, blobKeys, nil
}

// resolveAddressTx maps a recipient address to the local account it belongs
// to, or nil for addresses not hosted here. Addresses are stored lowercased.
func resolveAddressTx(ctx context.Context, tx *sqlx.Tx, addr string) (*string, error) {
	addr = strings.ToLower(addr)
	var userID string
	err := tx.GetContext(ctx, &userID, tx.Rebind(`
		SELECT id FROM users WHERE primary_address = ?
		UNION
		SELECT user_id FROM user_addresses WHERE address = ? AND verified`), addr, addr)
	if errors.Is(err, stdsql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("storage.sql: resolve recipient: %w", err)
	}
	return &userID, nil
}

func (store *Storage) FindUserByAddress(ctx context.Context, address string, withKeys bool) (user *module.User, err error) {
	defer trace.StartRegion(ctx, "sql/FindUserByAddress").End()
	start := time.Now()
	defer func() { store.observeOp("find_user", start, err) }()

	addr := strings.ToLower(address)
	var row userRow
	err = store.db.GetContext(ctx, &row, store.db.Rebind(`
		SELECT id, primary_address, display_name
		FROM users WHERE primary_address = ?
		UNION
		SELECT u.id, u.primary_address, u.display_name
		FROM users u
		JOIN user_addresses a ON a.user_id = u.id
		WHERE a.address = ? AND a.verified`), addr, addr)
	if errors.Is(err, stdsql.ErrNoRows) {
		return nil, module.ErrNoSuchUser
	}
	if err != nil {
		return nil, fmt.Errorf("storage.sql: find user: %w", err)
	}

	user = row.user()
	if !withKeys {
		return user, nil
	}

	var keys []apiKeyRow
	if err := store.db.SelectContext(ctx, &keys, store.db.Rebind(`
		SELECT id, user_id, name, key_hash, scopes, created_at, revoked_at,
			last_used_at
		FROM api_keys WHERE user_id = ? AND revoked_at IS NULL
		ORDER BY created_at, id`), user.ID); err != nil {
		return nil, fmt.Errorf("storage.sql: find user keys: %w", err)
	}
	user.Keys = make([]module.APIKey, 0, len(keys))
	for i := range keys {
		user.Keys = append(user.Keys, keys[i].key())
	}
	return user, nil
}

func (store *Storage) TouchAPIKeyLastUsed(ctx context.Context, keyID string) (err error) {
	defer trace.StartRegion(ctx, "sql/TouchAPIKeyLastUsed").End()
	start := time.Now()
	defer func() { store.observeOp("touch_key", start, err) }()

	now := time.Now().UTC().Truncate(time.Microsecond)
	_, err = store.db.ExecContext(ctx, store.db.Rebind(`
		UPDATE api_keys SET last_used_at = ? WHERE id = ?`), now, keyID)
	if err != nil {
		return fmt.Errorf("storage.sql: touch key: %w", err)
	}
	return nil
}

func (store *Storage) ResolveThread(ctx context.Context, messageIDs []string) (threadID string, ok bool, err error) {
	defer trace.StartRegion(ctx, "sql/ResolveThread").End()
	start := time.Now()
	defer func() { store.observeOp("resolve_thread", start, err) }()

	for _, msgID := range messageIDs {
		if msgID == "" {
			continue
		}
		var id string
		err := store.db.GetContext(ctx, &id, store.db.Rebind(`
			SELECT thread_id FROM emails WHERE message_id = ?
			ORDER BY received_at, id LIMIT 1`), msgID)
		if errors.Is(err, stdsql.ErrNoRows) {
			continue
		}
		if err != nil {
			return "", false, fmt.Errorf("storage.sql: resolve thread: %w", err)
		}
		return id, true, nil
	}
	return "", false, nil
}

func (store *Storage) putBlob(ctx context.Context, key string, content []byte) error {
	blob, err := store.blob.Create(ctx, key, int64(len(content)))
	if err != nil {
		return err
	}
	if _, err := blob.Write(content); err != nil {
		blob.Close() //nolint:errcheck
		return err
	}
	if err := blob.Sync(); err != nil {
		blob.Close() //nolint:errcheck
		return err
	}
	return blob.Close()
}

func (store *Storage) openBlob(ctx context.Context, key string) ([]byte, error) {
	if store.blob == nil {
		return nil, fmt.Errorf("attachment is stored externally but no blob store is configured (key %s)", key)
	}
	r, err := store.blob.Open(ctx, key)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}

// deleteBlobs is the best-effort cleanup for blobs whose database rows are
// gone or were never committed.
func (store *Storage) deleteBlobs(ctx context.Context, keys []string) {
	if store.blob == nil || len(keys) == 0 {
		return
	}
	if err := store.blob.Delete(ctx, keys); err != nil {
		store.Log.Error("orphaned attachment blobs not removed", err, "keys", keys)
	}
}
