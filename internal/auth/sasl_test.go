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

package auth

import (
	"context"
	"net"
	"testing"

	"github.com/ternmail/tern/framework/module"
	"github.com/ternmail/tern/internal/testutils"
)

type mockVerifier struct {
	db    map[string]string // address -> account ID
	scope string
}

func (m mockVerifier) VerifyKey(_ context.Context, identity, secret, scope string) (string, error) {
	userID, ok := m.db[identity]
	if !ok || secret != "correct-secret" || scope != m.scope {
		return "", module.ErrUnknownCredentials
	}
	return userID, nil
}

func TestCreateSASL(t *testing.T) {
	a := SASLAuth{
		Log:   testutils.Logger(t, "saslauth"),
		Scope: module.ScopePOP3,
		Auth: mockVerifier{
			db:    map[string]string{"fox@example.org": "user1"},
			scope: module.ScopePOP3,
		},
	}

	t.Run("XWHATEVER", func(t *testing.T) {
		srv := a.CreateSASL("XWHATEVER", &net.TCPAddr{}, func(string, string) error { return nil })
		_, _, err := srv.Next([]byte(""))
		if err == nil {
			t.Error("No error for XWHATEVER use")
		}
	})

	t.Run("PLAIN", func(t *testing.T) {
		srv := a.CreateSASL("PLAIN", &net.TCPAddr{}, func(username, userID string) error {
			if username != "fox@example.org" {
				t.Fatal("Wrong username passed to callback:", username)
			}
			if userID != "user1" {
				t.Fatal("Wrong account ID passed to callback:", userID)
			}
			return nil
		})

		_, _, err := srv.Next([]byte("\x00fox@example.org\x00correct-secret"))
		if err != nil {
			t.Error("Unexpected error:", err)
		}
	})

	t.Run("PLAIN wrong secret", func(t *testing.T) {
		srv := a.CreateSASL("PLAIN", &net.TCPAddr{}, func(string, string) error {
			t.Fatal("Callback called for failed authentication")
			return nil
		})

		_, _, err := srv.Next([]byte("\x00fox@example.org\x00not-it"))
		if err == nil {
			t.Error("No error for wrong secret")
		}
	})

	t.Run("PLAIN matching authorization identity", func(t *testing.T) {
		srv := a.CreateSASL("PLAIN", &net.TCPAddr{}, func(username, userID string) error {
			if userID != "user1" {
				t.Fatal("Wrong account ID passed to callback:", userID)
			}
			return nil
		})

		_, _, err := srv.Next([]byte("fox@example.org\x00fox@example.org\x00correct-secret"))
		if err != nil {
			t.Error("Unexpected error:", err)
		}
	})

	t.Run("PLAIN foreign authorization identity", func(t *testing.T) {
		srv := a.CreateSASL("PLAIN", &net.TCPAddr{}, func(string, string) error {
			t.Fatal("Callback called for rejected impersonation")
			return nil
		})

		_, _, err := srv.Next([]byte("bear@example.org\x00fox@example.org\x00correct-secret"))
		if err == nil {
			t.Error("No error for foreign authorization identity")
		}
	})

	t.Run("LOGIN", func(t *testing.T) {
		srv := a.CreateSASL("LOGIN", &net.TCPAddr{}, func(username, userID string) error {
			if userID != "user1" {
				t.Fatal("Wrong account ID passed to callback:", userID)
			}
			return nil
		})

		if _, _, err := srv.Next(nil); err != nil {
			t.Fatal("Unexpected error on username challenge:", err)
		}
		if _, _, err := srv.Next([]byte("fox@example.org")); err != nil {
			t.Fatal("Unexpected error on password challenge:", err)
		}
		_, done, err := srv.Next([]byte("correct-secret"))
		if err != nil {
			t.Error("Unexpected error:", err)
		}
		if !done {
			t.Error("Exchange not finished after password")
		}
	})
}

func TestAuthPlain_NoVerifier(t *testing.T) {
	a := SASLAuth{Log: testutils.Logger(t, "saslauth")}

	if mechs := a.SASLMechanisms(); len(mechs) != 0 {
		t.Errorf("Mechanisms advertised without a verifier: %v", mechs)
	}
	if _, err := a.AuthPlain("fox@example.org", "correct-secret"); err == nil {
		t.Error("No error without a verifier")
	}
}
