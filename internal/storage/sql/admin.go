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

package sql

import (
	"context"
	stdsql "database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/ternmail/tern/framework/module"
)

// Administrative operations used by the tern CLI ('tern creds', 'tern keys').
// They are not reachable from protocol endpoints.

func (store *Storage) ListUsers(ctx context.Context) ([]module.User, error) {
	var rows []userRow
	err := store.db.SelectContext(ctx, &rows,
		store.db.Rebind(`SELECT id, primary_address, display_name FROM users ORDER BY primary_address`))
	if err != nil {
		return nil, fmt.Errorf("sql: list users: %w", err)
	}

	users := make([]module.User, 0, len(rows))
	for _, r := range rows {
		users = append(users, *r.user())
	}
	return users, nil
}

func (store *Storage) CreateUser(ctx context.Context, primaryAddress, displayName string) (*module.User, error) {
	primaryAddress = strings.ToLower(strings.TrimSpace(primaryAddress))
	if primaryAddress == "" {
		return nil, errors.New("sql: create user: empty primary address")
	}

	user := &module.User{
		ID:             uuid.NewString(),
		PrimaryAddress: primaryAddress,
		DisplayName:    displayName,
	}
	_, err := store.db.ExecContext(ctx,
		store.db.Rebind(`INSERT INTO users (id, primary_address, display_name) VALUES (?, ?, ?)`),
		user.ID, user.PrimaryAddress, user.DisplayName)
	if err != nil {
		return nil, fmt.Errorf("sql: create user %s: %w", primaryAddress, err)
	}
	return user, nil
}

func (store *Storage) DeleteUser(ctx context.Context, userID string) error {
	tx, err := store.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sql: delete user: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	// Received messages outlive their owner, only the ownership link is
	// cleared. Keys and extra addresses go away with the account.
	_, err = tx.ExecContext(ctx,
		tx.Rebind(`UPDATE email_recipients SET user_id = NULL WHERE user_id = ?`), userID)
	if err != nil {
		return fmt.Errorf("sql: delete user: %w", err)
	}
	_, err = tx.ExecContext(ctx,
		tx.Rebind(`UPDATE emails SET sent_by_user_id = NULL WHERE sent_by_user_id = ?`), userID)
	if err != nil {
		return fmt.Errorf("sql: delete user: %w", err)
	}
	_, err = tx.ExecContext(ctx,
		tx.Rebind(`DELETE FROM api_keys WHERE user_id = ?`), userID)
	if err != nil {
		return fmt.Errorf("sql: delete user: %w", err)
	}
	_, err = tx.ExecContext(ctx,
		tx.Rebind(`DELETE FROM user_addresses WHERE user_id = ?`), userID)
	if err != nil {
		return fmt.Errorf("sql: delete user: %w", err)
	}

	res, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM users WHERE id = ?`), userID)
	if err != nil {
		return fmt.Errorf("sql: delete user: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("sql: delete user: %w", err)
	}
	if affected == 0 {
		return module.ErrNoSuchUser
	}

	return tx.Commit()
}

func (store *Storage) AddUserAddress(ctx context.Context, userID, address string, verified bool) error {
	address = strings.ToLower(strings.TrimSpace(address))
	if address == "" {
		return errors.New("sql: add address: empty address")
	}

	var exists bool
	err := store.db.GetContext(ctx, &exists,
		store.db.Rebind(`SELECT EXISTS (SELECT 1 FROM users WHERE primary_address = ?)`), address)
	if err != nil {
		return fmt.Errorf("sql: add address %s: %w", address, err)
	}
	if exists {
		return fmt.Errorf("sql: add address %s: address already in use", address)
	}

	err = store.db.GetContext(ctx, &exists,
		store.db.Rebind(`SELECT EXISTS (SELECT 1 FROM users WHERE id = ?)`), userID)
	if err != nil {
		return fmt.Errorf("sql: add address %s: %w", address, err)
	}
	if !exists {
		return module.ErrNoSuchUser
	}

	_, err = store.db.ExecContext(ctx,
		store.db.Rebind(`INSERT INTO user_addresses (id, user_id, address, verified) VALUES (?, ?, ?, ?)`),
		uuid.NewString(), userID, address, verified)
	if err != nil {
		return fmt.Errorf("sql: add address %s: %w", address, err)
	}
	return nil
}

func (store *Storage) ListAPIKeys(ctx context.Context, userID string) ([]module.APIKey, error) {
	var rows []apiKeyRow
	err := store.db.SelectContext(ctx, &rows, store.db.Rebind(
		`SELECT id, user_id, name, key_hash, scopes, created_at, revoked_at, last_used_at
		FROM api_keys WHERE user_id = ? ORDER BY created_at, id`), userID)
	if err != nil {
		return nil, fmt.Errorf("sql: list api keys: %w", err)
	}

	keys := make([]module.APIKey, 0, len(rows))
	for _, r := range rows {
		keys = append(keys, r.key())
	}
	return keys, nil
}

func (store *Storage) CreateAPIKey(ctx context.Context, key *module.APIKey) error {
	if key.ID == "" {
		key.ID = uuid.NewString()
	}
	if key.CreatedAt.IsZero() {
		key.CreatedAt = time.Now()
	}
	key.CreatedAt = key.CreatedAt.UTC().Truncate(time.Microsecond)

	_, err := store.db.ExecContext(ctx, store.db.Rebind(
		`INSERT INTO api_keys (id, user_id, name, key_hash, scopes, created_at, revoked_at, last_used_at)
		VALUES (?, ?, ?, ?, ?, ?, NULL, NULL)`),
		key.ID, key.UserID, key.Name, key.KeyHash, strings.Join(key.Scopes, " "), key.CreatedAt)
	if err != nil {
		return fmt.Errorf("sql: create api key: %w", err)
	}
	return nil
}

func (store *Storage) RevokeAPIKey(ctx context.Context, keyID string) error {
	now := time.Now().UTC().Truncate(time.Microsecond)
	res, err := store.db.ExecContext(ctx,
		store.db.Rebind(`UPDATE api_keys SET revoked_at = ? WHERE id = ? AND revoked_at IS NULL`),
		now, keyID)
	if err != nil {
		return fmt.Errorf("sql: revoke api key: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("sql: revoke api key: %w", err)
	}
	if affected != 0 {
		return nil
	}

	// Either the key never existed or it is already revoked. Revoking twice
	// is not an error.
	var revoked *time.Time
	err = store.db.GetContext(ctx, &revoked,
		store.db.Rebind(`SELECT revoked_at FROM api_keys WHERE id = ?`), keyID)
	if errors.Is(err, stdsql.ErrNoRows) {
		return module.ErrNoSuchKey
	}
	if err != nil {
		return fmt.Errorf("sql: revoke api key: %w", err)
	}
	return nil
}
