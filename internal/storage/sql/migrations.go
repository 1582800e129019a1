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
	stdsql "database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed migrations
var migrationsFS embed.FS

// schemaVersion is the migration version the code is written against.
// Bump it together with every new file pair under migrations/.
const schemaVersion uint = 1

// migrateDrivers maps a database/sql driver name to a constructor of the
// golang-migrate driver speaking the same dialect. Populated by init
// functions in the drivers files so that cgo-only drivers stay behind
// their build tag.
var migrateDrivers = map[string]func(db *stdsql.DB) (database.Driver, error){}

// dialectFamily returns the migrations subdirectory used for the given
// database/sql driver name.
func dialectFamily(driver string) (string, error) {
	switch driver {
	case "sqlite", "sqlite3":
		return "sqlite", nil
	case "postgres":
		return "postgres", nil
	case "mysql":
		return "mysql", nil
	default:
		return "", fmt.Errorf("unsupported driver: %s", driver)
	}
}

func (store *Storage) newMigrate() (*migrate.Migrate, error) {
	family, err := dialectFamily(store.driver)
	if err != nil {
		return nil, err
	}

	src, err := iofs.New(migrationsFS, "migrations/"+family)
	if err != nil {
		return nil, err
	}

	newDriver := migrateDrivers[store.driver]
	if newDriver == nil {
		return nil, fmt.Errorf("unsupported driver: %s", store.driver)
	}
	dbDriver, err := newDriver(store.db.DB)
	if err != nil {
		return nil, err
	}

	// Never Close() the returned object. The database driver wraps the
	// store's own connection pool and golang-migrate closes the pool
	// together with the driver.
	return migrate.NewWithInstance("iofs", src, store.driver, dbDriver)
}

// MigrateUp applies all pending schema migrations.
func (store *Storage) MigrateUp() error {
	m, err := store.newMigrate()
	if err != nil {
		return err
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migrate up: %w", err)
	}
	return nil
}

// SchemaVersion reports the current and the expected schema version.
func (store *Storage) SchemaVersion() (current, want uint, dirty bool, err error) {
	m, err := store.newMigrate()
	if err != nil {
		return 0, schemaVersion, false, err
	}

	current, dirty, err = m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, schemaVersion, false, nil
	}
	if err != nil {
		return 0, schemaVersion, false, err
	}
	return current, schemaVersion, dirty, nil
}

// checkSchema verifies that the database was migrated to exactly the
// version this build expects. Called on startup when auto_migrate is
// disabled.
func (store *Storage) checkSchema() error {
	current, want, dirty, err := store.SchemaVersion()
	if err != nil {
		return fmt.Errorf("storage.sql: %w", err)
	}
	if dirty {
		return fmt.Errorf("storage.sql: database schema is dirty (failed migration at version %d), resolve manually", current)
	}
	if current != want {
		return fmt.Errorf("storage.sql: database schema version is %d, expected %d, run 'tern db migrate'", current, want)
	}
	return nil
}
