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
	"context"
	"reflect"
	"testing"

	"github.com/ternmail/tern/framework/module"
)

type threadStubStore struct {
	module.MessageStore

	threads map[string]string
	calls   [][]string
}

func (s *threadStubStore) ResolveThread(_ context.Context, messageIDs []string) (string, bool, error) {
	s.calls = append(s.calls, messageIDs)
	for _, id := range messageIDs {
		if threadID, ok := s.threads[id]; ok {
			return threadID, true, nil
		}
	}
	return "", false, nil
}

func TestAssignThread(t *testing.T) {
	store := &threadStubStore{threads: map[string]string{
		"first@example.org": "thread-1",
		"other@example.org": "thread-2",
	}}

	check := func(inReplyTo string, references []string, wantThread string, wantIDs []string) {
		t.Helper()

		msg := &module.IncomingEmail{InReplyTo: inReplyTo, References: references}
		if err := AssignThread(context.Background(), store, msg); err != nil {
			t.Fatal(err)
		}
		if msg.ThreadID != wantThread {
			t.Errorf("ThreadID: got %q, want %q", msg.ThreadID, wantThread)
		}
		if wantIDs != nil {
			last := store.calls[len(store.calls)-1]
			if !reflect.DeepEqual(last, wantIDs) {
				t.Errorf("lookup order: got %v, want %v", last, wantIDs)
			}
		}
	}

	// In-Reply-To is preferred over References.
	check("first@example.org", []string{"other@example.org"}, "thread-1",
		[]string{"first@example.org", "other@example.org"})

	// References are tried when In-Reply-To is absent.
	check("", []string{"unknown@example.org", "other@example.org"}, "thread-2",
		[]string{"unknown@example.org", "other@example.org"})

	// No match leaves ThreadID empty for the store to key the new thread.
	check("unknown@example.org", nil, "", []string{"unknown@example.org"})

	// Duplicated IDs are submitted once.
	check("first@example.org", []string{"first@example.org"}, "thread-1",
		[]string{"first@example.org"})

	calls := len(store.calls)
	check("", nil, "", nil)
	if len(store.calls) != calls {
		t.Error("store consulted for a message without reply headers")
	}
}
