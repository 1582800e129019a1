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

package testutils

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/ternmail/tern/framework/module"
)

// Store is an in-memory module.MessageStore, usable by endpoint tests that
// should not depend on a database.
type Store struct {
	sync.Mutex

	Users  map[string]*module.User  // keyed by lowercased address
	Emails map[string]*module.Email // keyed by email ID

	// Touched records TouchAPIKeyLastUsed calls in order.
	Touched []string

	readFlags map[string]bool // emailID + "\x00" + userID

	deliveryNotify []func(userID string)

	// Fault injection. When set, the corresponding method fails.
	ListErr   error
	LoadErr   error
	StoreErr  error
	FindErr   error
	DeleteErr error
}

func NewStore() *Store {
	return &Store{
		Users:     map[string]*module.User{},
		Emails:    map[string]*module.Email{},
		readFlags: map[string]bool{},
	}
}

// AddUser registers a user reachable under the given addresses. The first
// address is the primary one.
func (s *Store) AddUser(id string, addresses ...string) *module.User {
	s.Lock()
	defer s.Unlock()

	user := &module.User{
		ID:             id,
		PrimaryAddress: strings.ToLower(addresses[0]),
	}
	for _, addr := range addresses {
		s.Users[strings.ToLower(addr)] = user
	}
	return user
}

func (s *Store) AddKey(user *module.User, key module.APIKey) {
	s.Lock()
	defer s.Unlock()

	if key.ID == "" {
		key.ID = uuid.NewString()
	}
	key.UserID = user.ID
	user.Keys = append(user.Keys, key)
}

// Add stores a prebuilt message as-is. Missing IDs and thread IDs are
// filled in.
func (s *Store) Add(eml *module.Email) *module.Email {
	s.Lock()
	defer s.Unlock()

	if eml.ID == "" {
		eml.ID = uuid.NewString()
	}
	if eml.ThreadID == "" {
		eml.ThreadID = eml.ID
	}
	if eml.ReceivedAt.IsZero() {
		eml.ReceivedAt = time.Now().UTC()
	}
	s.Emails[eml.ID] = eml
	return eml
}

func (s *Store) ListEmails(_ context.Context, userID string, offset, limit int) ([]module.EmailListEntry, error) {
	s.Lock()
	defer s.Unlock()

	if s.ListErr != nil {
		return nil, s.ListErr
	}

	var matched []*module.Email
	for _, eml := range s.Emails {
		for _, rcpt := range eml.Recipients {
			if rcpt.UserID == userID {
				matched = append(matched, eml)
				break
			}
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].ReceivedAt.Equal(matched[j].ReceivedAt) {
			return matched[i].ReceivedAt.Before(matched[j].ReceivedAt)
		}
		return matched[i].ID < matched[j].ID
	})

	if offset < 0 {
		offset = 0
	}
	if offset > len(matched) {
		offset = len(matched)
	}
	matched = matched[offset:]
	if limit > 0 && limit < len(matched) {
		matched = matched[:limit]
	}

	entries := make([]module.EmailListEntry, 0, len(matched))
	for _, eml := range matched {
		entries = append(entries, module.EmailListEntry{
			ID:         eml.ID,
			MessageID:  eml.MessageID,
			SizeBytes:  eml.SizeBytes,
			ReceivedAt: eml.ReceivedAt,
			IsRead:     s.readFlags[eml.ID+"\x00"+userID],
		})
	}
	return entries, nil
}

func (s *Store) LoadEmail(_ context.Context, emailID, accessUserID string) (*module.Email, error) {
	s.Lock()
	defer s.Unlock()

	if s.LoadErr != nil {
		return nil, s.LoadErr
	}

	eml, ok := s.Emails[emailID]
	if !ok {
		return nil, module.ErrNoSuchEmail
	}
	if accessUserID != "" {
		allowed := false
		for _, rcpt := range eml.Recipients {
			if rcpt.UserID == accessUserID {
				allowed = true
				break
			}
		}
		if !allowed {
			return nil, module.ErrAccessDenied
		}
	}

	out := *eml
	out.Recipients = make([]module.EmailRecipient, len(eml.Recipients))
	for i, rcpt := range eml.Recipients {
		rcpt.IsRead = s.readFlags[eml.ID+"\x00"+rcpt.UserID]
		out.Recipients[i] = rcpt
	}
	out.Attachments = append([]module.EmailAttachment(nil), eml.Attachments...)
	return &out, nil
}

func (s *Store) MarkRead(_ context.Context, emailID, userID string, read bool) error {
	s.Lock()
	defer s.Unlock()

	if _, ok := s.Emails[emailID]; !ok {
		return module.ErrNoSuchEmail
	}
	s.readFlags[emailID+"\x00"+userID] = read
	return nil
}

func (s *Store) DeleteEmail(_ context.Context, emailID string) error {
	s.Lock()
	defer s.Unlock()

	if s.DeleteErr != nil {
		return s.DeleteErr
	}

	if _, ok := s.Emails[emailID]; !ok {
		return module.ErrNoSuchEmail
	}
	delete(s.Emails, emailID)
	return nil
}

// NotifyOnDelivery implements module.DeliveryNotifier.
func (s *Store) NotifyOnDelivery(fn func(userID string)) {
	s.Lock()
	defer s.Unlock()
	s.deliveryNotify = append(s.deliveryNotify, fn)
}

func (s *Store) StoreIncomingEmail(_ context.Context, msg *module.IncomingEmail) (*module.Email, error) {
	s.Lock()

	if s.StoreErr != nil {
		s.Unlock()
		return nil, s.StoreErr
	}

	id := uuid.NewString()
	threadID := msg.ThreadID
	if threadID == "" {
		threadID = id
	}
	received := msg.ReceivedAt
	if received.IsZero() {
		received = time.Now().UTC()
	}

	eml := &module.Email{
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
		References:      msg.References,
		ThreadID:        threadID,
		SentByUserID:    msg.SentByUserID,
	}
	for _, rcpt := range msg.Recipients {
		var userID string
		if user, ok := s.Users[strings.ToLower(rcpt.Address)]; ok {
			userID = user.ID
		}
		eml.Recipients = append(eml.Recipients, module.EmailRecipient{
			ID:          uuid.NewString(),
			EmailID:     id,
			Address:     strings.ToLower(rcpt.Address),
			DisplayName: rcpt.DisplayName,
			Type:        rcpt.Type,
			UserID:      userID,
		})
	}
	for _, att := range msg.Attachments {
		eml.Attachments = append(eml.Attachments, module.EmailAttachment{
			ID:          uuid.NewString(),
			EmailID:     id,
			FileName:    att.FileName,
			ContentType: att.ContentType,
			SizeBytes:   int64(len(att.Content)),
			Content:     att.Content,
		})
	}

	s.Emails[id] = eml
	handlers := append(([]func(string))(nil), s.deliveryNotify...)
	s.Unlock()

	// Handlers run unlocked so they may call back into the store.
	notified := map[string]struct{}{}
	for _, rcpt := range eml.Recipients {
		if rcpt.UserID == "" {
			continue
		}
		if _, ok := notified[rcpt.UserID]; ok {
			continue
		}
		notified[rcpt.UserID] = struct{}{}
		for _, fn := range handlers {
			fn(rcpt.UserID)
		}
	}
	return eml, nil
}

func (s *Store) FindUserByAddress(_ context.Context, address string, withKeys bool) (*module.User, error) {
	s.Lock()
	defer s.Unlock()

	if s.FindErr != nil {
		return nil, s.FindErr
	}

	user, ok := s.Users[strings.ToLower(address)]
	if !ok {
		return nil, module.ErrNoSuchUser
	}

	out := *user
	out.Keys = nil
	if withKeys {
		now := time.Now()
		for _, key := range user.Keys {
			if key.Revoked(now) {
				continue
			}
			out.Keys = append(out.Keys, key)
		}
	}
	return &out, nil
}

func (s *Store) TouchAPIKeyLastUsed(_ context.Context, keyID string) error {
	s.Lock()
	defer s.Unlock()

	s.Touched = append(s.Touched, keyID)
	return nil
}

func (s *Store) ResolveThread(_ context.Context, messageIDs []string) (string, bool, error) {
	s.Lock()
	defer s.Unlock()

	for _, msgID := range messageIDs {
		if msgID == "" {
			continue
		}
		for _, eml := range s.Emails {
			if eml.MessageID == msgID {
				return eml.ThreadID, true, nil
			}
		}
	}
	return "", false, nil
}
