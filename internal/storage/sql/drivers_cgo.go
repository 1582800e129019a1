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

//go:build cgo_sqlite

package sql

import (
	stdsql "database/sql"

	"github.com/golang-migrate/migrate/v4/database"
	migratesqlite3 "github.com/golang-migrate/migrate/v4/database/sqlite3"

	_ "github.com/mattn/go-sqlite3"
)

// The sqlite3 driver is the cgo build of SQLite. It is noticeably faster
// than the default pure-Go driver but requires a C toolchain, so it is
// only compiled in with the cgo_sqlite build tag.
func init() {
	migrateDrivers["sqlite3"] = func(db *stdsql.DB) (database.Driver, error) {
		return migratesqlite3.WithInstance(db, &migratesqlite3.Config{})
	}
}
