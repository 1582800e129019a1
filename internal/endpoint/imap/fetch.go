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
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"hash/fnv"
	"io"
	"strings"
	"time"

	"github.com/emersion/go-imap"
	sortthread "github.com/emersion/go-imap-sortthread"
	"github.com/emersion/go-imap/backend/backendutil"
	"github.com/emersion/go-message"
	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-message/textproto"
	"github.com/google/uuid"

	"github.com/ternmail/tern/framework/module"
	"github.com/ternmail/tern/internal/rfc822"
)

// uidFromID derives a stable 32-bit UID from a message ID. For the UUIDs
// the store hands out this is the first four bytes in big-endian order;
// anything else is hashed. The top bit is cleared and zero is bumped to
// one so the result is always a valid non-zero UID.
//
// Collisions are possible and harmless: colliding messages share a UID
// and keep a stable order through the message ID tiebreak.
func uidFromID(id string) uint32 {
	var uid uint32
	if u, err := uuid.Parse(id); err == nil {
		uid = binary.BigEndian.Uint32(u[0:4])
	} else {
		h := fnv.New32a()
		h.Write([]byte(id))
		uid = h.Sum32()
	}
	uid &^= 1 << 31
	if uid == 0 {
		uid = 1
	}
	return uid
}

// uidValidityFor derives the UIDVALIDITY of an account's INBOX from the
// account ID. It only changes when the account itself is recreated.
func uidValidityFor(userID string) uint32 {
	return uidFromID(userID)
}

func (v *mailboxView) messageLocked(e *entry) (*module.Email, error) {
	if e.eml != nil {
		return e.eml, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	eml, err := v.endp.store.LoadEmail(ctx, e.id, v.acct.userID)
	if err != nil {
		return nil, err
	}
	e.eml = eml
	return eml, nil
}

func (v *mailboxView) rawLocked(e *entry) ([]byte, error) {
	if e.raw != nil {
		return e.raw, nil
	}

	eml, err := v.messageLocked(e)
	if err != nil {
		return nil, err
	}
	raw, err := rfc822.Render(eml)
	if err != nil {
		return nil, err
	}
	e.raw = raw
	return raw, nil
}

// contentLoader returns a function that parses the message on first use
// and hands out the same header and body afterwards, so a FETCH with
// several body-related items renders and parses only once.
func (v *mailboxView) contentLoader(e *entry) func() (message.Header, []byte, error) {
	var (
		hdr    message.Header
		body   []byte
		loaded bool
	)
	return func() (message.Header, []byte, error) {
		if loaded {
			return hdr, body, nil
		}
		raw, err := v.rawLocked(e)
		if err != nil {
			return message.Header{}, nil, err
		}
		hdr, body, err = splitMessage(raw)
		if err != nil {
			return message.Header{}, nil, err
		}
		loaded = true
		return hdr, body, nil
	}
}

func splitMessage(raw []byte) (message.Header, []byte, error) {
	br := bufio.NewReader(bytes.NewReader(raw))
	thdr, err := textproto.ReadHeader(br)
	if err != nil {
		return message.Header{}, nil, err
	}
	body, err := io.ReadAll(br)
	if err != nil {
		return message.Header{}, nil, err
	}
	return message.Header{Header: thdr}, body, nil
}

func fetchEnvelope(hdr message.Header) (*imap.Envelope, error) {
	return backendutil.FetchEnvelope(hdr.Header)
}

func fetchBodyStructure(hdr message.Header, body []byte, extended bool) (*imap.BodyStructure, error) {
	return backendutil.FetchBodyStructure(hdr.Header, bytes.NewReader(body), extended)
}

func fetchBodySection(hdr message.Header, body []byte, section *imap.BodySectionName) (imap.Literal, error) {
	return backendutil.FetchBodySection(hdr.Header, bytes.NewReader(body), section)
}

func updateFlagList(current []string, op imap.FlagsOp, flags []string) []string {
	return backendutil.UpdateFlags(current, op, flags)
}

func (v *mailboxView) matchLocked(e *entry, seqNum uint32, criteria *imap.SearchCriteria) (bool, error) {
	if criteria == nil {
		return true, nil
	}
	raw, err := v.rawLocked(e)
	if err != nil {
		return false, err
	}
	hdr, body, err := splitMessage(raw)
	if err != nil {
		return false, err
	}
	ent, err := message.New(hdr, bytes.NewReader(body))
	if err != nil {
		return false, err
	}
	return backendutil.Match(ent, seqNum, e.uid, e.received, e.flagList(), criteria)
}

type sortKey struct {
	arrival time.Time
	date    time.Time
	from    string
	to      string
	cc      string
	subject string
	size    uint32
}

func (v *mailboxView) sortKeyLocked(e *entry) (sortKey, error) {
	key := sortKey{arrival: e.received, size: e.size}

	raw, err := v.rawLocked(e)
	if err != nil {
		return key, err
	}
	hdr, _, err := splitMessage(raw)
	if err != nil {
		return key, err
	}

	mh := mail.Header{Header: hdr}
	if date, err := mh.Date(); err == nil && !date.IsZero() {
		key.date = date
	} else {
		key.date = e.received
	}
	key.from = firstAddr(mh, "From")
	key.to = firstAddr(mh, "To")
	key.cc = firstAddr(mh, "Cc")
	if subject, err := mh.Subject(); err == nil {
		key.subject = normalizeSubject(subject)
	}
	return key, nil
}

func firstAddr(mh mail.Header, field string) string {
	list, err := mh.AddressList(field)
	if err != nil || len(list) == 0 {
		return ""
	}
	return strings.ToLower(list[0].Address)
}

// normalizeSubject strips reply and forward prefixes and case-folds,
// following the base subject rules of RFC 5256.
func normalizeSubject(s string) string {
	s = strings.TrimSpace(s)
	for {
		lower := strings.ToLower(s)
		switch {
		case strings.HasPrefix(lower, "re:"):
			s = strings.TrimSpace(s[3:])
		case strings.HasPrefix(lower, "fwd:"):
			s = strings.TrimSpace(s[4:])
		case strings.HasPrefix(lower, "fw:"):
			s = strings.TrimSpace(s[3:])
		default:
			return strings.ToLower(s)
		}
	}
}

func compareSortKeys(a, b sortKey, field sortthread.SortField) int {
	switch field {
	case sortthread.SortArrival:
		return compareTimes(a.arrival, b.arrival)
	case sortthread.SortCc:
		return strings.Compare(a.cc, b.cc)
	case sortthread.SortDate:
		return compareTimes(a.date, b.date)
	case sortthread.SortFrom:
		return strings.Compare(a.from, b.from)
	case sortthread.SortSize:
		switch {
		case a.size < b.size:
			return -1
		case a.size > b.size:
			return 1
		}
		return 0
	case sortthread.SortSubject:
		return strings.Compare(a.subject, b.subject)
	case sortthread.SortTo:
		return strings.Compare(a.to, b.to)
	}
	return 0
}

func compareTimes(a, b time.Time) int {
	switch {
	case a.Before(b):
		return -1
	case a.After(b):
		return 1
	}
	return 0
}
