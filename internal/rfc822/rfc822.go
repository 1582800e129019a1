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

// Package rfc822 converts between stored messages and their RFC 5322 wire
// form.
//
// Render is a pure function of the message contents. Parse accepts what
// Render produces as well as mail from arbitrary remote MTAs.
package rfc822

import (
	"errors"
)

// ErrMalformedMessage is returned by Parse when the message header cannot
// be read. Defects inside the body do not fail the parse, they degrade to
// keeping the undecoded content.
var ErrMalformedMessage = errors.New("rfc822: malformed message")

// boundaries derives the multipart boundary tokens from the message ID so
// that rendering does not depend on randomness.
func boundaries(id string) (alt, mixed string) {
	tok := make([]byte, 0, 32)
	for i := 0; i < len(id) && len(tok) < 32; i++ {
		c := id[i]
		switch {
		case c >= '0' && c <= '9', c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z':
			tok = append(tok, c)
		}
	}
	if len(tok) == 0 {
		tok = []byte("part")
	}
	return "b1." + string(tok), "b2." + string(tok)
}
