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

// Package keys implements the auth.keys module: API key verification
// against the message store, with per-key scopes.
//
// Endpoints hand it the SASL identity (a user address), the presented
// secret and their protocol scope. Verification walks the user's active
// keys and checks the secret against each stored hash. Decisions are
// cached for a short time so a client hammering one mailbox does not turn
// every command into a bcrypt run.
package keys

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/ternmail/tern/framework/config"
	modconfig "github.com/ternmail/tern/framework/config/module"
	"github.com/ternmail/tern/framework/log"
	"github.com/ternmail/tern/framework/module"
	"github.com/ternmail/tern/internal/authz"
)

const (
	defaultCacheSize = 10000
	defaultCacheTTL  = 30 * time.Second
)

// Internal verification outcomes. Externally they all collapse into
// module.ErrUnknownCredentials, the split exists for telemetry.
const (
	outcomeOK          = "ok"
	outcomeUnknownUser = "unknown_user"
	outcomeBadSecret   = "bad_secret"
	outcomeNoScope     = "no_scope"
	outcomeError       = "error"
)

type cachedDecision struct {
	userID string
	keyID  string
	ok     bool
}

type Auth struct {
	modName  string
	instName string

	store      module.MessageStore
	normalize  authz.NormalizeFunc
	touchAsync bool

	cache *expirable.LRU[string, cachedDecision]

	Log log.Logger
}

func New(modName, instName string, _, inlineArgs []string) (module.Module, error) {
	if len(inlineArgs) != 0 {
		return nil, fmt.Errorf("%s: inline arguments are not used", modName)
	}
	return &Auth{
		modName:    modName,
		instName:   instName,
		touchAsync: true,
		Log:        log.Logger{Name: modName},
	}, nil
}

func (a *Auth) Init(cfg *config.Map) error {
	var (
		normalize string
		cacheSize int
		cacheTTL  time.Duration
	)
	cfg.Custom("storage", false, true, nil, modconfig.StorageDirective, &a.store)
	cfg.String("auth_normalize", false, false, "precis_casefold_email", &normalize)
	cfg.Int("cache_size", false, false, defaultCacheSize, &cacheSize)
	cfg.Duration("cache_ttl", false, false, defaultCacheTTL, &cacheTTL)
	cfg.Bool("debug", true, false, &a.Log.Debug)
	if _, err := cfg.Process(); err != nil {
		return err
	}

	norm, ok := authz.NormalizeFuncs[normalize]
	if !ok {
		return fmt.Errorf("%s: unknown normalization function: %s", a.modName, normalize)
	}
	a.normalize = norm

	if cacheSize <= 0 {
		return fmt.Errorf("%s: cache_size must be positive", a.modName)
	}
	if cacheTTL <= 0 {
		return fmt.Errorf("%s: cache_ttl must be positive", a.modName)
	}
	a.cache = expirable.NewLRU[string, cachedDecision](cacheSize, nil, cacheTTL)
	return nil
}

func (a *Auth) Name() string {
	return a.modName
}

func (a *Auth) InstanceName() string {
	return a.instName
}

// VerifyKey implements module.ScopedAuth.
func (a *Auth) VerifyKey(ctx context.Context, identity, secret, scope string) (string, error) {
	identity, err := a.normalize(strings.TrimSpace(identity))
	if err != nil {
		verifyOutcomes.WithLabelValues(a.instName, outcomeUnknownUser).Inc()
		return "", module.ErrUnknownCredentials
	}

	cacheKey := decisionKey(identity, secret, scope)
	if dec, ok := a.cache.Get(cacheKey); ok {
		cacheReqs.WithLabelValues(a.instName, "hit").Inc()
		if !dec.ok {
			return "", module.ErrUnknownCredentials
		}
		a.touchLastUsed(dec.keyID)
		return dec.userID, nil
	}
	cacheReqs.WithLabelValues(a.instName, "miss").Inc()

	userID, keyID, outcome, err := a.verifyUncached(ctx, identity, secret, scope)
	verifyOutcomes.WithLabelValues(a.instName, outcome).Inc()
	if err != nil {
		// Storage failures are not decisions and must not be cached.
		if errors.Is(err, module.ErrUnknownCredentials) {
			a.cache.Add(cacheKey, cachedDecision{})
		}
		return "", err
	}

	a.cache.Add(cacheKey, cachedDecision{userID: userID, keyID: keyID, ok: true})
	a.touchLastUsed(keyID)
	return userID, nil
}

func (a *Auth) verifyUncached(ctx context.Context, identity, secret, scope string) (userID, keyID, outcome string, err error) {
	user, err := a.store.FindUserByAddress(ctx, identity, true)
	if err != nil {
		if errors.Is(err, module.ErrNoSuchUser) {
			return "", "", outcomeUnknownUser, module.ErrUnknownCredentials
		}
		return "", "", outcomeError, fmt.Errorf("%s: %w", a.modName, err)
	}

	// The store loads active keys only, revoked ones never reach this loop.
	var matched *module.APIKey
	for i := range user.Keys {
		key := &user.Keys[i]
		if VerifySecret(key.KeyHash, secret) == nil {
			matched = key
			break
		}
	}
	if matched == nil {
		return "", "", outcomeBadSecret, module.ErrUnknownCredentials
	}
	if !matched.HasScope(scope) {
		return "", "", outcomeNoScope, module.ErrUnknownCredentials
	}
	return user.ID, matched.ID, outcomeOK, nil
}

// touchLastUsed updates the key's last_used_at off the hot path. Failures
// are invisible to the client, last-used tracking is informational.
func (a *Auth) touchLastUsed(keyID string) {
	update := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := a.store.TouchAPIKeyLastUsed(ctx, keyID); err != nil {
			a.Log.DebugMsg("last-used update failed", "key_id", keyID, "reason", err)
		}
	}
	if a.touchAsync {
		go update()
		return
	}
	update()
}

// decisionKey builds the cache key. Secrets never enter the cache in
// recoverable form.
func decisionKey(identity, secret, scope string) string {
	h := sha256.New()
	h.Write([]byte(identity))
	h.Write([]byte{0})
	h.Write([]byte(secret))
	h.Write([]byte{0})
	h.Write([]byte(scope))
	return hex.EncodeToString(h.Sum(nil))
}

func init() {
	module.Register("auth.keys", New)
}
