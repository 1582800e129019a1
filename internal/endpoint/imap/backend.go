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

package imap

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/emersion/go-imap"
	imapbackend "github.com/emersion/go-imap/backend"
)

// account is an authenticated session. The go-imap server creates one per
// login and calls Logout exactly once when the connection goes away.
type account struct {
	endp     *Endpoint
	username string
	userID   string

	logoutOnce sync.Once
}

var _ imapbackend.User = (*account)(nil)

func (endp *Endpoint) newAccount(username, userID string) (*account, error) {
	if !endp.conns.TakeUser(userID) {
		return nil, errors.New("too many sessions for this account")
	}
	startedSessions.Inc()
	return &account{endp: endp, username: username, userID: userID}, nil
}

func isInbox(name string) bool {
	return strings.EqualFold(name, inboxName)
}

func (a *account) Username() string {
	return a.username
}

func (a *account) ListMailboxes(subscribed bool) ([]imap.MailboxInfo, error) {
	// LSUB mirrors LIST, the subscription flag changes nothing.
	return []imap.MailboxInfo{{
		Delimiter: mailboxDelimiter,
		Name:      inboxName,
	}}, nil
}

func (a *account) GetMailbox(name string, readOnly bool, conn imapbackend.Conn) (*imap.MailboxStatus, imapbackend.Mailbox, error) {
	if !isInbox(name) {
		return nil, nil, imapbackend.ErrNoSuchMailbox
	}

	view, err := a.endp.views.open(a, conn, readOnly)
	if err != nil {
		return nil, nil, err
	}
	return view.selectStatus(), view, nil
}

func (a *account) Status(mboxName string, items []imap.StatusItem) (*imap.MailboxStatus, error) {
	if !isInbox(mboxName) {
		return nil, imapbackend.ErrNoSuchMailbox
	}

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	list, err := a.endp.store.ListEmails(ctx, a.userID, 0, 0)
	if err != nil {
		return nil, fmt.Errorf("listing failed: %w", err)
	}
	entries := snapshotEntries(list)

	status := imap.NewMailboxStatus(inboxName, items)
	status.Flags = mailboxFlags()
	status.PermanentFlags = permanentFlags()
	status.UidValidity = uidValidityFor(a.userID)
	fillStatus(status, entries)
	return status, nil
}

func (a *account) SetSubscribed(mboxName string, subscribed bool) error {
	if !isInbox(mboxName) {
		return imapbackend.ErrNoSuchMailbox
	}
	// INBOX is permanently subscribed.
	return nil
}

func (a *account) CreateMessage(mboxName string, flags []string, date time.Time, body imap.Literal, _ imapbackend.Mailbox) error {
	if !isInbox(mboxName) {
		return imapbackend.ErrNoSuchMailbox
	}
	return errors.New("APPEND is not supported, submit the message over SMTP")
}

func (a *account) CreateMailbox(name string) error {
	if isInbox(name) {
		return errors.New("mailbox already exists")
	}
	return errors.New("mailbox folders are not supported")
}

func (a *account) DeleteMailbox(name string) error {
	if isInbox(name) {
		return errors.New("INBOX cannot be deleted")
	}
	return imapbackend.ErrNoSuchMailbox
}

func (a *account) RenameMailbox(existingName, newName string) error {
	if !isInbox(existingName) {
		return imapbackend.ErrNoSuchMailbox
	}
	return errors.New("mailbox folders are not supported")
}

func (a *account) Logout() error {
	a.logoutOnce.Do(func() {
		a.endp.conns.ReleaseUser(a.userID)
	})
	return nil
}

// viewRegistry tracks every selected mailbox view per account so that
// changes done in one session (or committed deliveries reported by the
// store) can wake up the others.
type viewRegistry struct {
	mu     sync.Mutex
	byUser map[string]map[*mailboxView]struct{}
}

func newViewRegistry() *viewRegistry {
	return &viewRegistry{byUser: map[string]map[*mailboxView]struct{}{}}
}

func (r *viewRegistry) open(acct *account, conn imapbackend.Conn, readOnly bool) (*mailboxView, error) {
	view := &mailboxView{
		endp:     acct.endp,
		acct:     acct,
		conn:     conn,
		readOnly: readOnly,
		notify:   make(chan struct{}, 1),
	}
	if err := view.load(); err != nil {
		return nil, err
	}

	r.mu.Lock()
	views := r.byUser[acct.userID]
	if views == nil {
		views = map[*mailboxView]struct{}{}
		r.byUser[acct.userID] = views
	}
	views[view] = struct{}{}
	r.mu.Unlock()

	return view, nil
}

func (r *viewRegistry) remove(view *mailboxView) {
	r.mu.Lock()
	defer r.mu.Unlock()

	views := r.byUser[view.acct.userID]
	delete(views, view)
	if len(views) == 0 {
		delete(r.byUser, view.acct.userID)
	}
}

// poke wakes up every view of the account. Views parked in IDLE sync
// immediately, the rest pick the change up on their next poll.
func (r *viewRegistry) poke(userID string) {
	r.mu.Lock()
	views := make([]*mailboxView, 0, len(r.byUser[userID]))
	for view := range r.byUser[userID] {
		views = append(views, view)
	}
	r.mu.Unlock()

	for _, view := range views {
		view.wake()
	}
}
