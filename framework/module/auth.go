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
)

// ErrUnknownCredentials should be returned by auth. provider if supplied
// credentials are not valid for the requested use. Protocol frontends
// present it the same way regardless of the underlying cause.
var ErrUnknownCredentials = errors.New("unknown credentials")

// API key scopes. A key authenticates for a protocol or API surface only if
// its scope list contains the corresponding scope.
const (
	ScopeSMTP     = "smtp"
	ScopePOP3     = "pop3"
	ScopeIMAP     = "imap"
	ScopeAPIRead  = "api:read"
	ScopeAPIWrite = "api:write"
	ScopeApp      = "app"
)

// KnownScopes lists every scope a key may carry, in display order.
var KnownScopes = []string{
	ScopeSMTP,
	ScopePOP3,
	ScopeIMAP,
	ScopeAPIRead,
	ScopeAPIWrite,
	ScopeApp,
}

// ValidScope reports whether s names a known scope.
func ValidScope(s string) bool {
	for _, known := range KnownScopes {
		if s == known {
			return true
		}
	}
	return false
}

// ScopedAuth is the interface implemented by modules that verify API key
// credentials for a protocol scope.
//
// VerifyKey returns the store account ID the key belongs to. Any failure
// (unknown identity, wrong secret, revoked key, missing scope) is reported
// as ErrUnknownCredentials so callers cannot tell the causes apart.
//
// Modules implementing this interface should be registered with "auth."
// prefix in name.
type ScopedAuth interface {
	VerifyKey(ctx context.Context, identity, secret, scope string) (userID string, err error)
}
