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

// Package sql implements the shared message store on top of a relational
// database.
//
// Interfaces implemented:
// - module.MessageStore
// - module.ManageableStore
// - module.DeliveryTarget
// - module.DeliveryNotifier
//
// Supported drivers: sqlite (modernc.org/sqlite, default), sqlite3
// (github.com/mattn/go-sqlite3, behind the cgo_sqlite build tag),
// postgres (github.com/lib/pq), mysql (github.com/go-sql-driver/mysql).
// MySQL DSNs need parseTime=true and multiStatements=true.
//
// Queries are written with ? placeholders and rebound for the driver in
// use via sqlx, so all dialects share one query set.
package sql

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/jmoiron/sqlx"
	"github.com/ternmail/tern/framework/config"
	modconfig "github.com/ternmail/tern/framework/config/module"
	"github.com/ternmail/tern/framework/log"
	"github.com/ternmail/tern/framework/module"
)

type Storage struct {
	instName string
	Log      log.Logger

	driver string
	dsn    []string

	db   *sqlx.DB
	blob module.BlobStore

	maxMessageSize    int64
	maxAttachmentSize int64

	notifyMu       sync.Mutex
	deliveryNotify []func(userID string)
}

func New(_, instName string, _, inlineArgs []string) (module.Module, error) {
	store := &Storage{
		instName: instName,
		Log:      log.Logger{Name: "storage.sql"},
	}
	if len(inlineArgs) != 0 {
		if len(inlineArgs) == 1 {
			return nil, errors.New("storage.sql: expected at least 2 arguments")
		}

		store.driver = inlineArgs[0]
		store.dsn = inlineArgs[1:]
	}
	return store, nil
}

func (store *Storage) Init(cfg *config.Map) error {
	var (
		driver      string
		dsn         []string
		autoMigrate bool
	)
	cfg.String("driver", false, false, store.driver, &driver)
	cfg.StringList("dsn", false, false, store.dsn, &dsn)
	cfg.Custom("blob", false, false, func() (interface{}, error) {
		return nil, nil
	}, modconfig.BlobStoreDirective, &store.blob)
	cfg.DataSize("max_message_size", false, false, 32*1024*1024, &store.maxMessageSize)
	cfg.DataSize("max_attachment_size", false, false, 16*1024*1024, &store.maxAttachmentSize)
	cfg.Bool("auto_migrate", false, true, &autoMigrate)
	cfg.Bool("debug", true, false, &store.Log.Debug)
	if _, err := cfg.Process(); err != nil {
		return err
	}

	if driver == "" {
		return errors.New("storage.sql: driver is required")
	}
	if len(dsn) == 0 {
		return errors.New("storage.sql: dsn is required")
	}
	store.driver = driver
	store.dsn = dsn

	db, err := sqlx.Open(driver, strings.Join(dsn, " "))
	if err != nil {
		return fmt.Errorf("storage.sql: %w", err)
	}
	if driver == "sqlite" || driver == "sqlite3" {
		// SQLite permits a single writer. Funneling all access through one
		// connection avoids "database is locked" failures under load.
		db.SetMaxOpenConns(1)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return fmt.Errorf("storage.sql: %w", err)
	}
	store.db = db

	// Under NoRun (CLI) the schema is not touched or checked; 'tern db'
	// subcommands drive migration explicitly.
	if !module.NoRun {
		if autoMigrate {
			if err := store.MigrateUp(); err != nil {
				db.Close()
				return fmt.Errorf("storage.sql: %w", err)
			}
		} else if err := store.checkSchema(); err != nil {
			db.Close()
			return err
		}
	}

	return nil
}

// NotifyOnDelivery implements module.DeliveryNotifier. Handlers run on the
// goroutine that committed the message, after the transaction is durable.
func (store *Storage) NotifyOnDelivery(fn func(userID string)) {
	store.notifyMu.Lock()
	defer store.notifyMu.Unlock()
	store.deliveryNotify = append(store.deliveryNotify, fn)
}

func (store *Storage) notifyDelivered(eml *module.Email) {
	if eml == nil {
		return
	}
	store.notifyMu.Lock()
	handlers := store.deliveryNotify
	store.notifyMu.Unlock()
	if len(handlers) == 0 {
		return
	}

	notified := make(map[string]struct{}, len(eml.Recipients))
	for _, rcpt := range eml.Recipients {
		if rcpt.UserID == "" {
			continue
		}
		if _, ok := notified[rcpt.UserID]; ok {
			continue
		}
		notified[rcpt.UserID] = struct{}{}
		for _, fn := range handlers {
			fn(rcpt.UserID)
		}
	}
}

// MaxMessageSize returns the configured cap on stored message size in
// bytes, 0 meaning no cap.
func (store *Storage) MaxMessageSize() int64 {
	return store.maxMessageSize
}

func (store *Storage) Name() string {
	return "storage.sql"
}

func (store *Storage) InstanceName() string {
	return store.instName
}

func (store *Storage) Close() error {
	if store.db == nil {
		return nil
	}
	return store.db.Close()
}

func init() {
	module.Register("storage.sql", New)
	module.Register("target.sql", New)
}
