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
	"errors"
	"net"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/ternmail/tern/framework/config"
	modconfig "github.com/ternmail/tern/framework/config/module"
	"github.com/ternmail/tern/framework/log"
	"github.com/ternmail/tern/framework/module"
	"golang.org/x/text/secure/precis"
)

var ErrUnsupportedMech = errors.New("unsupported SASL mechanism")

const verifyTimeout = 30 * time.Second

// SASLAuth adapts a module.ScopedAuth verifier to sasl.Server handlers.
//
// Each protocol endpoint embeds one with Scope set to its own scope string,
// so the same key store can hand out keys that work for POP3 but not for
// submission and the other way around.
type SASLAuth struct {
	Log   log.Logger
	Scope string

	Auth module.ScopedAuth
}

func (s *SASLAuth) SASLMechanisms() []string {
	if s.Auth == nil {
		return nil
	}
	return []string{sasl.Plain, sasl.Login}
}

// AuthPlain verifies the address/secret pair against the configured scope
// and returns the store account ID it authenticates.
func (s *SASLAuth) AuthPlain(username, password string) (string, error) {
	if s.Auth == nil {
		return "", ErrUnsupportedMech
	}

	ctx, cancel := context.WithTimeout(context.Background(), verifyTimeout)
	defer cancel()
	return s.Auth.VerifyKey(ctx, username, password, s.Scope)
}

// CreateSASL creates the sasl.Server instance for the corresponding
// mechanism.
//
// successCb is called with the authenticated address and the store account
// ID. If it fails, authentication fails too.
func (s *SASLAuth) CreateSASL(mech string, remoteAddr net.Addr, successCb func(username, userID string) error) sasl.Server {
	switch mech {
	case sasl.Plain:
		return sasl.NewPlainServer(func(identity, username, password string) error {
			// Keys authenticate exactly one account, an authorization
			// identity may only restate it.
			if identity != "" && !precis.UsernameCaseMapped.Compare(identity, username) {
				s.Log.Msg("authorization identity mismatch", "username", username, "identity", identity, "src_ip", remoteAddr)
				return errors.New("auth: invalid credentials")
			}

			userID, err := s.AuthPlain(username, password)
			if err != nil {
				s.Log.Error("authentication failed", err, "username", username, "src_ip", remoteAddr)
				return errors.New("auth: invalid credentials")
			}
			return successCb(username, userID)
		})
	case sasl.Login:
		return sasl.NewLoginServer(func(username, password string) error {
			userID, err := s.AuthPlain(username, password)
			if err != nil {
				s.Log.Error("authentication failed", err, "username", username, "src_ip", remoteAddr)
				return errors.New("auth: invalid credentials")
			}
			return successCb(username, userID)
		})
	}
	return FailingSASLServ{Err: ErrUnsupportedMech}
}

// AddProvider installs the verifier named by the 'auth' configuration
// directive.
func (s *SASLAuth) AddProvider(m *config.Map, node config.Node) error {
	if s.Auth != nil {
		return config.NodeErr(node, "auth: already configured")
	}

	mod, err := modconfig.AuthDirective(m, node)
	if err != nil {
		return err
	}
	s.Auth = mod.(module.ScopedAuth)
	return nil
}

type FailingSASLServ struct{ Err error }

func (s FailingSASLServ) Next([]byte) ([]byte, bool, error) {
	return nil, true, s.Err
}
