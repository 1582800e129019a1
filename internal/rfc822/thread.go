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

	"github.com/ternmail/tern/framework/module"
)

// AssignThread resolves the conversation the draft belongs to. In-Reply-To
// is consulted first, then References in their written order; the first ID
// matching a stored message wins. With no match the ThreadID stays empty
// and the store starts a new thread keyed by the message's own ID.
func AssignThread(ctx context.Context, store module.MessageStore, msg *module.IncomingEmail) error {
	ids := make([]string, 0, len(msg.References)+1)
	if msg.InReplyTo != "" {
		ids = append(ids, msg.InReplyTo)
	}
	for _, ref := range msg.References {
		if ref != "" && ref != msg.InReplyTo {
			ids = append(ids, ref)
		}
	}
	if len(ids) == 0 {
		return nil
	}

	threadID, ok, err := store.ResolveThread(ctx, ids)
	if err != nil {
		return err
	}
	if ok {
		msg.ThreadID = threadID
	}
	return nil
}
