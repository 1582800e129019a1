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
	"sort"
	"sync"
	"time"

	"github.com/emersion/go-imap"
	sortthread "github.com/emersion/go-imap-sortthread"
	imapbackend "github.com/emersion/go-imap/backend"
	"github.com/ternmail/tern/framework/module"
)

// entry is one message slot of a selected mailbox. The slice index fixes
// the message sequence number, so entries are only removed when an
// EXPUNGE response for them goes out.
type entry struct {
	id       string
	uid      uint32
	size     uint32
	received time.Time

	seen    bool     // mirrors the store read flag
	deleted bool     // session-local \Deleted
	extra   []string // any other flags, session-local

	flagsDirty bool // flags changed outside this session, FETCH update pending
	vanished   bool // row is gone from the store, EXPUNGE pending

	// Messages are immutable once stored, both caches stay valid for the
	// lifetime of the entry.
	eml *module.Email
	raw []byte
}

func newEntry(ent module.EmailListEntry) *entry {
	return &entry{
		id:       ent.ID,
		uid:      uidFromID(ent.ID),
		size:     uint32(ent.SizeBytes),
		received: ent.ReceivedAt,
		seen:     ent.IsRead,
	}
}

func (e *entry) flagList() []string {
	var flags []string
	if e.seen {
		flags = append(flags, imap.SeenFlag)
	}
	if e.deleted {
		flags = append(flags, imap.DeletedFlag)
	}
	flags = append(flags, e.extra...)
	return flags
}

func (e *entry) setFlags(flags []string) {
	e.seen = false
	e.deleted = false
	e.extra = nil
	for _, f := range flags {
		switch f {
		case imap.SeenFlag:
			e.seen = true
		case imap.DeletedFlag:
			e.deleted = true
		case imap.RecentFlag:
			// Not a real flag, never stored.
		default:
			e.extra = append(e.extra, f)
		}
	}
}

func mailboxFlags() []string {
	return []string{
		imap.SeenFlag, imap.AnsweredFlag, imap.FlaggedFlag,
		imap.DeletedFlag, imap.DraftFlag,
	}
}

func permanentFlags() []string {
	return []string{imap.SeenFlag, imap.DeletedFlag}
}

// snapshotEntries maps a store listing to mailbox slots ordered by UID
// (ties broken by message ID, see uidFromID).
func snapshotEntries(list []module.EmailListEntry) []*entry {
	entries := make([]*entry, 0, len(list))
	for _, ent := range list {
		entries = append(entries, newEntry(ent))
	}
	sortEntriesByUID(entries)
	return entries
}

func sortEntriesByUID(entries []*entry) {
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].uid != entries[j].uid {
			return entries[i].uid < entries[j].uid
		}
		return entries[i].id < entries[j].id
	})
}

func fillStatus(status *imap.MailboxStatus, entries []*entry) {
	status.Messages = uint32(len(entries))
	status.Recent = 0
	status.UidNext = nextUID(entries)

	var unseen uint32
	for i, e := range entries {
		if e.seen {
			continue
		}
		if status.UnseenSeqNum == 0 {
			status.UnseenSeqNum = uint32(i + 1)
		}
		unseen++
	}
	status.Unseen = unseen
}

func nextUID(entries []*entry) uint32 {
	var max uint32
	for _, e := range entries {
		if e.uid > max {
			max = e.uid
		}
	}
	return max + 1
}

// mailboxView is a selected INBOX bound to one connection.
type mailboxView struct {
	endp     *Endpoint
	acct     *account
	conn     imapbackend.Conn
	readOnly bool

	notify chan struct{}

	mu            sync.Mutex
	entries       []*entry
	pendingExists bool
	closed        bool
}

var (
	_ imapbackend.Mailbox      = (*mailboxView)(nil)
	_ sortthread.SortMailbox   = (*mailboxView)(nil)
	_ sortthread.ThreadMailbox = (*mailboxView)(nil)
)

func (v *mailboxView) load() error {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	list, err := v.endp.store.ListEmails(ctx, v.acct.userID, 0, 0)
	if err != nil {
		return fmt.Errorf("listing failed: %w", err)
	}
	v.entries = snapshotEntries(list)
	return nil
}

func (v *mailboxView) Name() string {
	return inboxName
}

func (v *mailboxView) Info() (*imap.MailboxInfo, error) {
	return &imap.MailboxInfo{
		Delimiter: mailboxDelimiter,
		Name:      inboxName,
	}, nil
}

func (v *mailboxView) selectStatus() *imap.MailboxStatus {
	v.mu.Lock()
	defer v.mu.Unlock()

	status := imap.NewMailboxStatus(inboxName, []imap.StatusItem{
		imap.StatusMessages, imap.StatusRecent, imap.StatusUidNext,
		imap.StatusUidValidity, imap.StatusUnseen,
	})
	status.ReadOnly = v.readOnly
	status.Flags = mailboxFlags()
	status.PermanentFlags = permanentFlags()
	status.UidValidity = uidValidityFor(v.acct.userID)
	fillStatus(status, v.entries)
	return status
}

func (v *mailboxView) Close() error {
	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return nil
	}
	v.closed = true
	v.mu.Unlock()

	v.endp.views.remove(v)
	return nil
}

func (v *mailboxView) wake() {
	select {
	case v.notify <- struct{}{}:
	default:
	}
}

// Poll reconciles the snapshot against the store and emits the pending
// untagged responses. EXPUNGE responses are held back unless the current
// command allows them.
func (v *mailboxView) Poll(expunge bool) error {
	return v.sync(expunge)
}

// Idle services an IDLE continuation. Delivery notifications and sibling
// session changes land here through wake; the server additionally polls
// on its own schedule.
func (v *mailboxView) Idle(done <-chan struct{}) {
	for {
		select {
		case <-v.notify:
			if err := v.sync(true); err != nil {
				v.endp.Log.Error("idle sync failed", err, "username", v.acct.username)
			}
		case <-done:
			return
		}
	}
}

func (v *mailboxView) sync(expunge bool) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.closed {
		return nil
	}
	if err := v.reconcileLocked(); err != nil {
		return err
	}
	v.flushLocked(expunge)
	return nil
}

// reconcileLocked diffs the snapshot against a fresh store listing. New
// rows are appended at the tail (sequence numbers of existing slots never
// change), missing rows are marked for expunge and read flag flips turn
// into pending FETCH FLAGS updates.
func (v *mailboxView) reconcileLocked() error {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	list, err := v.endp.store.ListEmails(ctx, v.acct.userID, 0, 0)
	if err != nil {
		return fmt.Errorf("listing failed: %w", err)
	}

	current := make(map[string]module.EmailListEntry, len(list))
	for _, ent := range list {
		current[ent.ID] = ent
	}

	known := make(map[string]struct{}, len(v.entries))
	for _, e := range v.entries {
		known[e.id] = struct{}{}
		if e.vanished {
			continue
		}
		ent, ok := current[e.id]
		if !ok {
			e.vanished = true
			continue
		}
		if e.seen != ent.IsRead {
			e.seen = ent.IsRead
			e.flagsDirty = true
		}
	}

	var created []*entry
	for _, ent := range list {
		if _, ok := known[ent.ID]; ok {
			continue
		}
		created = append(created, newEntry(ent))
	}
	if len(created) > 0 {
		sortEntriesByUID(created)
		v.entries = append(v.entries, created...)
		v.pendingExists = true
	}
	return nil
}

func (v *mailboxView) flushLocked(expunge bool) {
	if v.conn == nil {
		return
	}

	for i, e := range v.entries {
		if !e.flagsDirty || e.vanished {
			continue
		}
		e.flagsDirty = false
		v.sendFlagsLocked(uint32(i+1), e)
	}

	if expunge {
		compact := false
		for i := len(v.entries) - 1; i >= 0; i-- {
			if !v.entries[i].vanished {
				continue
			}
			// Descending order keeps lower sequence numbers valid while
			// the client processes the responses.
			v.conn.SendUpdate(&imapbackend.ExpungeUpdate{SeqNum: uint32(i + 1)})
			compact = true
		}
		if compact {
			kept := make([]*entry, 0, len(v.entries))
			for _, e := range v.entries {
				if !e.vanished {
					kept = append(kept, e)
				}
			}
			v.entries = kept
		}
	}

	if v.pendingExists {
		v.pendingExists = false
		status := imap.NewMailboxStatus("", []imap.StatusItem{imap.StatusMessages})
		status.Messages = uint32(len(v.entries))
		v.conn.SendUpdate(&imapbackend.MailboxUpdate{MailboxStatus: status})
	}
}

func (v *mailboxView) sendFlagsLocked(seqNum uint32, e *entry) {
	if v.conn == nil {
		return
	}
	updMsg := imap.NewMessage(seqNum, []imap.FetchItem{imap.FetchFlags, imap.FetchUid})
	updMsg.Flags = e.flagList()
	updMsg.Uid = e.uid
	v.conn.SendUpdate(&imapbackend.MessageUpdate{Message: updMsg})
}

func (v *mailboxView) ListMessages(uid bool, seqSet *imap.SeqSet, items []imap.FetchItem, ch chan<- *imap.Message) error {
	defer close(ch)

	v.mu.Lock()
	defer v.mu.Unlock()

	for i, e := range v.entries {
		seqNum := uint32(i + 1)
		if uid {
			if !seqSet.Contains(e.uid) {
				continue
			}
		} else if !seqSet.Contains(seqNum) {
			continue
		}

		msg, err := v.fetchMessageLocked(e, seqNum, items)
		if err != nil {
			v.endp.Log.Error("fetch failed", err, "username", v.acct.username, "uid", e.uid)
			continue
		}
		fetchedMessages.Inc()
		ch <- msg
	}

	return nil
}

func (v *mailboxView) fetchMessageLocked(e *entry, seqNum uint32, items []imap.FetchItem) (*imap.Message, error) {
	msg := imap.NewMessage(seqNum, items)

	content := v.contentLoader(e)
	markSeen := false

	for _, item := range items {
		switch item {
		case imap.FetchEnvelope:
			hdr, _, err := content()
			if err != nil {
				return nil, err
			}
			env, err := fetchEnvelope(hdr)
			if err != nil {
				return nil, err
			}
			msg.Envelope = env
		case imap.FetchBody, imap.FetchBodyStructure:
			hdr, body, err := content()
			if err != nil {
				return nil, err
			}
			bs, err := fetchBodyStructure(hdr, body, item == imap.FetchBodyStructure)
			if err != nil {
				return nil, err
			}
			msg.BodyStructure = bs
		case imap.FetchFlags:
			msg.Flags = e.flagList()
		case imap.FetchInternalDate:
			msg.InternalDate = e.received
		case imap.FetchRFC822Size:
			msg.Size = e.size
		case imap.FetchUid:
			msg.Uid = e.uid
		default:
			section, err := imap.ParseBodySectionName(item)
			if err != nil {
				break
			}
			hdr, body, err := content()
			if err != nil {
				return nil, err
			}
			lit, err := fetchBodySection(hdr, body, section)
			if err != nil {
				return nil, err
			}
			msg.Body[section] = lit
			if !section.Peek {
				markSeen = true
			}
		}
	}

	if markSeen && !v.readOnly && !e.seen {
		if err := v.markSeenLocked(e, seqNum); err != nil {
			return nil, err
		}
	}

	return msg, nil
}

func (v *mailboxView) markSeenLocked(e *entry, seqNum uint32) error {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	if err := v.endp.store.MarkRead(ctx, e.id, v.acct.userID, true); err != nil {
		return fmt.Errorf("cannot set \\Seen: %w", err)
	}
	e.seen = true
	v.sendFlagsLocked(seqNum, e)
	v.endp.views.poke(v.acct.userID)
	return nil
}

func (v *mailboxView) SearchMessages(uid bool, criteria *imap.SearchCriteria) ([]uint32, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	var results []uint32
	for i, e := range v.entries {
		if e.vanished {
			continue
		}
		seqNum := uint32(i + 1)

		ok, err := v.matchLocked(e, seqNum, criteria)
		if err != nil {
			v.endp.Log.Error("search failed", err, "username", v.acct.username, "uid", e.uid)
			continue
		}
		if !ok {
			continue
		}

		if uid {
			results = append(results, e.uid)
		} else {
			results = append(results, seqNum)
		}
	}
	return results, nil
}

func (v *mailboxView) UpdateMessagesFlags(uid bool, seqSet *imap.SeqSet, operation imap.FlagsOp, silent bool, flags []string) error {
	if v.readOnly {
		return errors.New("mailbox is opened read-only")
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	seenChanged := false
	for i, e := range v.entries {
		if e.vanished {
			continue
		}
		seqNum := uint32(i + 1)
		if uid {
			if !seqSet.Contains(e.uid) {
				continue
			}
		} else if !seqSet.Contains(seqNum) {
			continue
		}

		wasSeen := e.seen
		e.setFlags(updateFlagList(e.flagList(), operation, flags))

		// \Seen is the only flag that outlives the session, everything
		// else stays in the snapshot.
		if e.seen != wasSeen {
			if err := v.endp.store.MarkRead(ctx, e.id, v.acct.userID, e.seen); err != nil {
				e.seen = wasSeen
				return fmt.Errorf("cannot update flags: %w", err)
			}
			seenChanged = true
		}

		if !silent {
			v.sendFlagsLocked(seqNum, e)
		}
	}

	if seenChanged {
		v.endp.views.poke(v.acct.userID)
	}
	return nil
}

func (v *mailboxView) CopyMessages(uid bool, seqSet *imap.SeqSet, destName string) error {
	if isInbox(destName) {
		return errors.New("copying messages is not supported")
	}
	return imapbackend.ErrNoSuchMailbox
}

// Expunge removes every message carrying \Deleted from the store. The
// untagged EXPUNGE responses go out on the following poll, for this
// session and for any other one watching the account.
func (v *mailboxView) Expunge() error {
	if v.readOnly {
		return errors.New("mailbox is opened read-only")
	}

	v.mu.Lock()
	var targets []string
	for _, e := range v.entries {
		if e.deleted && !e.vanished {
			targets = append(targets, e.id)
		}
	}
	v.mu.Unlock()

	if len(targets) == 0 {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	for _, id := range targets {
		if err := v.endp.store.DeleteEmail(ctx, id); err != nil {
			// Someone else was faster, the poll will notice either way.
			if errors.Is(err, module.ErrNoSuchEmail) {
				continue
			}
			return fmt.Errorf("expunge failed: %w", err)
		}
		expungedMessages.Inc()
	}

	v.endp.views.poke(v.acct.userID)
	return nil
}

// Sort implements sortthread.SortMailbox over the session snapshot.
func (v *mailboxView) Sort(uid bool, sortCrit []sortthread.SortCriterion, searchCrit *imap.SearchCriteria) ([]uint32, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	type sortItem struct {
		seqNum uint32
		uid    uint32
		key    sortKey
	}

	var items []sortItem
	for i, e := range v.entries {
		if e.vanished {
			continue
		}
		seqNum := uint32(i + 1)

		ok, err := v.matchLocked(e, seqNum, searchCrit)
		if err != nil {
			v.endp.Log.Error("sort failed", err, "username", v.acct.username, "uid", e.uid)
			continue
		}
		if !ok {
			continue
		}

		key, err := v.sortKeyLocked(e)
		if err != nil {
			v.endp.Log.Error("sort failed", err, "username", v.acct.username, "uid", e.uid)
			continue
		}
		items = append(items, sortItem{seqNum: seqNum, uid: e.uid, key: key})
	}

	sort.SliceStable(items, func(i, j int) bool {
		for _, crit := range sortCrit {
			cmp := compareSortKeys(items[i].key, items[j].key, crit.Field)
			if cmp == 0 {
				continue
			}
			if crit.Reverse {
				cmp = -cmp
			}
			return cmp < 0
		}
		return items[i].seqNum < items[j].seqNum
	})

	results := make([]uint32, 0, len(items))
	for _, item := range items {
		if uid {
			results = append(results, item.uid)
		} else {
			results = append(results, item.seqNum)
		}
	}
	return results, nil
}

// Thread implements sortthread.ThreadMailbox. Messages sharing a stored
// thread ID form one thread, chained oldest to newest.
func (v *mailboxView) Thread(uid bool, threading sortthread.ThreadAlgorithm, searchCrit *imap.SearchCriteria) ([]*sortthread.Thread, error) {
	if threading != sortthread.References {
		return nil, fmt.Errorf("unsupported thread algorithm: %s", threading)
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	type member struct {
		num      uint32
		received time.Time
		id       string
	}
	groups := map[string][]member{}

	for i, e := range v.entries {
		if e.vanished {
			continue
		}
		seqNum := uint32(i + 1)

		ok, err := v.matchLocked(e, seqNum, searchCrit)
		if err != nil {
			v.endp.Log.Error("thread failed", err, "username", v.acct.username, "uid", e.uid)
			continue
		}
		if !ok {
			continue
		}

		eml, err := v.messageLocked(e)
		if err != nil {
			v.endp.Log.Error("thread failed", err, "username", v.acct.username, "uid", e.uid)
			continue
		}

		num := seqNum
		if uid {
			num = e.uid
		}
		groups[eml.ThreadID] = append(groups[eml.ThreadID], member{
			num:      num,
			received: e.received,
			id:       e.id,
		})
	}

	type group struct {
		members []member
	}
	ordered := make([]group, 0, len(groups))
	for _, members := range groups {
		sort.Slice(members, func(i, j int) bool {
			if !members[i].received.Equal(members[j].received) {
				return members[i].received.Before(members[j].received)
			}
			return members[i].id < members[j].id
		})
		ordered = append(ordered, group{members: members})
	}
	sort.Slice(ordered, func(i, j int) bool {
		a, b := ordered[i].members[0], ordered[j].members[0]
		if !a.received.Equal(b.received) {
			return a.received.Before(b.received)
		}
		return a.id < b.id
	})

	threads := make([]*sortthread.Thread, 0, len(ordered))
	for _, g := range ordered {
		root := &sortthread.Thread{Id: g.members[0].num}
		node := root
		for _, m := range g.members[1:] {
			child := &sortthread.Thread{Id: m.num}
			node.Children = []*sortthread.Thread{child}
			node = child
		}
		threads = append(threads, root)
	}
	return threads, nil
}
