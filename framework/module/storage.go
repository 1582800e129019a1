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
	"context"
	"errors"
	"time"
)

var (
	// ErrNoSuchEmail is returned by stores when the referenced message does
	// not exist.
	ErrNoSuchEmail = errors.New("storage: no such message")

	// ErrAccessDenied is returned when the message exists but is not
	// addressed to the account the access was requested for.
	ErrAccessDenied = errors.New("storage: access denied")

	// ErrNoSuchUser is returned when no account matches the address.
	ErrNoSuchUser = errors.New("storage: no such user")

	// ErrNoSuchKey is returned by key management operations when the
	// referenced API key does not exist.
	ErrNoSuchKey = errors.New("storage: no such api key")
)

// RecipientType describes which address-list header a recipient came from.
type RecipientType string

const (
	RecipientTo  RecipientType = "to"
	RecipientCc  RecipientType = "cc"
	RecipientBcc RecipientType = "bcc"
)

type User struct {
	ID             string
	PrimaryAddress string
	DisplayName    string

	// Keys is populated only by FindUserByAddress with withKeys set.
	Keys []APIKey
}

type APIKey struct {
	ID         string
	UserID     string
	Name       string
	KeyHash    string
	Scopes     []string
	CreatedAt  time.Time
	RevokedAt  *time.Time
	LastUsedAt *time.Time
}

// Revoked reports whether the key was revoked at or before now.
func (k *APIKey) Revoked(now time.Time) bool {
	return k.RevokedAt != nil && !k.RevokedAt.After(now)
}

// HasScope reports whether the key grants the named scope.
func (k *APIKey) HasScope(scope string) bool {
	for _, s := range k.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

type EmailRecipient struct {
	ID          string
	EmailID     string
	Address     string
	DisplayName string
	Type        RecipientType

	// UserID is the local account the address resolved to at store time, or
	// empty for non-local addresses.
	UserID string

	// IsRead is the only recipient field that changes after the message is
	// stored.
	IsRead bool
}

type EmailAttachment struct {
	ID          string
	EmailID     string
	FileName    string
	ContentType string
	SizeBytes   int64
	Content     []byte
}

// Email is a stored message. All fields except recipient read flags are
// immutable once the message is written.
type Email struct {
	ID              string
	MessageID       string
	FromAddress     string
	FromDisplayName string
	Subject         string
	TextBody        string
	HTMLBody        string
	ReceivedAt      time.Time
	SizeBytes       int64
	InReplyTo       string
	References      []string
	ThreadID        string
	SentByUserID    string

	Recipients  []EmailRecipient
	Attachments []EmailAttachment
}

// EmailListEntry is the listing projection used for protocol session
// snapshots. It is intentionally cheap: no bodies, no attachments.
type EmailListEntry struct {
	ID         string
	MessageID  string
	SizeBytes  int64
	ReceivedAt time.Time
	IsRead     bool
}

type IncomingRecipient struct {
	Address     string
	DisplayName string
	Type        RecipientType
}

type IncomingAttachment struct {
	FileName    string
	ContentType string
	Content     []byte
}

// IncomingEmail is a message draft produced by the codec, ready to be
// persisted.
type IncomingEmail struct {
	MessageID       string
	FromAddress     string
	FromDisplayName string
	Subject         string
	TextBody        string
	HTMLBody        string
	InReplyTo       string
	References      []string
	ThreadID        string
	SizeBytes       int64
	ReceivedAt      time.Time
	SentByUserID    string

	Recipients  []IncomingRecipient
	Attachments []IncomingAttachment
}

// MessageStore is the interface protocol endpoints read and write mail
// through.
//
// All operations respect cancellation of the passed context and release
// any transactions they hold when aborted.
//
// Modules implementing this interface should be registered with prefix
// "storage." in name.
type MessageStore interface {
	// ListEmails returns messages addressed to the account, ordered by
	// receive time, oldest first. Messages with equal receive time are
	// ordered by ID so that the listing is stable across calls.
	// A non-positive limit removes the cap.
	ListEmails(ctx context.Context, userID string, offset, limit int) ([]EmailListEntry, error)

	// LoadEmail fetches the complete message including recipients and
	// attachment contents.
	//
	// If accessUserID is non-empty, the message must be addressed to that
	// account, otherwise ErrAccessDenied is returned. Empty accessUserID
	// means trusted internal access.
	LoadEmail(ctx context.Context, emailID, accessUserID string) (*Email, error)

	// MarkRead flips the read flag of the (message, account) pair. Flags of
	// other recipients of the same message are not affected.
	MarkRead(ctx context.Context, emailID, userID string, read bool) error

	// DeleteEmail removes the message together with its recipient and
	// attachment rows.
	DeleteEmail(ctx context.Context, emailID string) error

	// StoreIncomingEmail persists the draft atomically: either the message,
	// all recipients and all attachments are written, or nothing is.
	//
	// Each recipient address is resolved against account primary addresses
	// and verified aliases; matches are linked via EmailRecipient.UserID.
	StoreIncomingEmail(ctx context.Context, msg *IncomingEmail) (*Email, error)

	// FindUserByAddress resolves the account owning the address, matching
	// the primary address and verified aliases.
	//
	// withKeys additionally loads the account's API keys including secret
	// hashes. Only the credential verifier is supposed to ask for keys;
	// hashes must not travel further.
	FindUserByAddress(ctx context.Context, address string, withKeys bool) (*User, error)

	// TouchAPIKeyLastUsed updates the last use timestamp of the key.
	TouchAPIKeyLastUsed(ctx context.Context, keyID string) error

	// ResolveThread returns the thread ID of the first listed Message-ID
	// that matches a stored message, treating messageIDs as ordered by
	// preference. ok is false when none match.
	ResolveThread(ctx context.Context, messageIDs []string) (threadID string, ok bool, err error)
}

// ManageableStore is an extended MessageStore that supports the
// administrative operations used by the tern CLI.
type ManageableStore interface {
	MessageStore

	ListUsers(ctx context.Context) ([]User, error)
	CreateUser(ctx context.Context, primaryAddress, displayName string) (*User, error)
	DeleteUser(ctx context.Context, userID string) error
	AddUserAddress(ctx context.Context, userID, address string, verified bool) error

	ListAPIKeys(ctx context.Context, userID string) ([]APIKey, error)
	CreateAPIKey(ctx context.Context, key *APIKey) error
	RevokeAPIKey(ctx context.Context, keyID string) error
}

// DeliveryNotifier is implemented by stores that can signal new-mail
// arrival. fn is called with the account ID of each local recipient after
// the message is durably committed; calls may come from arbitrary
// goroutines and must not block for long.
//
// Endpoints that hold per-account session state (IMAP IDLE, NOOP polling)
// use this to refresh without waiting for the next poll interval. The
// notification is an optimization: consumers must still reconcile against
// ListEmails, since messages can also appear or vanish through other
// protocols or processes.
type DeliveryNotifier interface {
	NotifyOnDelivery(fn func(userID string))
}
