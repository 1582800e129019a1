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
	"strings"
	"time"

	"github.com/ternmail/tern/framework/module"
)

// Row structs mirror table columns one to one for sqlx scanning. List-valued
// fields (scopes, references) are stored space-joined since neither scope
// names nor Message-IDs may contain spaces.

type userRow struct {
	ID             string `db:"id"`
	PrimaryAddress string `db:"primary_address"`
	DisplayName    string `db:"display_name"`
}

func (r *userRow) user() *module.User {
	return &module.User{
		ID:             r.ID,
		PrimaryAddress: r.PrimaryAddress,
		DisplayName:    r.DisplayName,
	}
}

type apiKeyRow struct {
	ID         string     `db:"id"`
	UserID     string     `db:"user_id"`
	Name       string     `db:"name"`
	KeyHash    string     `db:"key_hash"`
	Scopes     string     `db:"scopes"`
	CreatedAt  time.Time  `db:"created_at"`
	RevokedAt  *time.Time `db:"revoked_at"`
	LastUsedAt *time.Time `db:"last_used_at"`
}

func (r *apiKeyRow) key() module.APIKey {
	return module.APIKey{
		ID:         r.ID,
		UserID:     r.UserID,
		Name:       r.Name,
		KeyHash:    r.KeyHash,
		Scopes:     strings.Fields(r.Scopes),
		CreatedAt:  utc(r.CreatedAt),
		RevokedAt:  utcPtr(r.RevokedAt),
		LastUsedAt: utcPtr(r.LastUsedAt),
	}
}

type emailRow struct {
	ID              string    `db:"id"`
	MessageID       string    `db:"message_id"`
	FromAddress     string    `db:"from_address"`
	FromDisplayName string    `db:"from_display_name"`
	Subject         string    `db:"subject"`
	TextBody        string    `db:"text_body"`
	HTMLBody        string    `db:"html_body"`
	ReceivedAt      time.Time `db:"received_at"`
	SizeBytes       int64     `db:"size_bytes"`
	InReplyTo       string    `db:"in_reply_to"`
	ReferencesList  string    `db:"references_list"`
	ThreadID        string    `db:"thread_id"`
	SentByUserID    *string   `db:"sent_by_user_id"`
}

func (r *emailRow) email() *module.Email {
	return &module.Email{
		ID:              r.ID,
		MessageID:       r.MessageID,
		FromAddress:     r.FromAddress,
		FromDisplayName: r.FromDisplayName,
		Subject:         r.Subject,
		TextBody:        r.TextBody,
		HTMLBody:        r.HTMLBody,
		ReceivedAt:      utc(r.ReceivedAt),
		SizeBytes:       r.SizeBytes,
		InReplyTo:       r.InReplyTo,
		References:      strings.Fields(r.ReferencesList),
		ThreadID:        r.ThreadID,
		SentByUserID:    strOrEmpty(r.SentByUserID),
	}
}

type recipientRow struct {
	ID          string  `db:"id"`
	EmailID     string  `db:"email_id"`
	Ord         int     `db:"ord"`
	Address     string  `db:"address"`
	DisplayName string  `db:"display_name"`
	Type        string  `db:"type"`
	UserID      *string `db:"user_id"`
	IsRead      bool    `db:"is_read"`
}

func (r *recipientRow) recipient() module.EmailRecipient {
	return module.EmailRecipient{
		ID:          r.ID,
		EmailID:     r.EmailID,
		Address:     r.Address,
		DisplayName: r.DisplayName,
		Type:        module.RecipientType(r.Type),
		UserID:      strOrEmpty(r.UserID),
		IsRead:      r.IsRead,
	}
}

type attachmentRow struct {
	ID          string `db:"id"`
	EmailID     string `db:"email_id"`
	Ord         int    `db:"ord"`
	FileName    string `db:"file_name"`
	ContentType string `db:"content_type"`
	SizeBytes   int64  `db:"size_bytes"`
	External    bool   `db:"external"`
	Content     []byte `db:"content"`
}

func (r *attachmentRow) attachment() module.EmailAttachment {
	return module.EmailAttachment{
		ID:          r.ID,
		EmailID:     r.EmailID,
		FileName:    r.FileName,
		ContentType: r.ContentType,
		SizeBytes:   r.SizeBytes,
		Content:     r.Content,
	}
}

type listEntryRow struct {
	ID         string    `db:"id"`
	MessageID  string    `db:"message_id"`
	SizeBytes  int64     `db:"size_bytes"`
	ReceivedAt time.Time `db:"received_at"`
	IsRead     bool      `db:"is_read"`
}

func (r *listEntryRow) entry() module.EmailListEntry {
	return module.EmailListEntry{
		ID:         r.ID,
		MessageID:  r.MessageID,
		SizeBytes:  r.SizeBytes,
		ReceivedAt: utc(r.ReceivedAt),
		IsRead:     r.IsRead,
	}
}

// utc normalizes timestamps scanned from the database. Drivers disagree on
// the location they attach; values are always written as UTC.
func utc(t time.Time) time.Time {
	return t.UTC()
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

func nullStr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func strOrEmpty(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
