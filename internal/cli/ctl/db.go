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

package ctl

import (
	"fmt"

	terncli "github.com/ternmail/tern/internal/cli"
	"github.com/urfave/cli/v2"
)

// migratableStore is the schema management surface of storage.sql. Declared
// here so the CLI does not depend on the concrete storage type.
type migratableStore interface {
	MigrateUp() error
	SchemaVersion() (current, want uint, dirty bool, err error)
}

func init() {
	terncli.AddSubcommand(
		&cli.Command{
			Name:  "db",
			Usage: "Message store schema management",
			Description: `The server normally migrates the schema itself on startup
(auto_migrate, enabled by default). These commands exist for setups
where the database user of the running server has no DDL rights or
migrations are applied as a separate deployment step.
`,
			Subcommands: []*cli.Command{
				{
					Name:  "migrate",
					Usage: "Apply pending schema migrations",
					Flags: []cli.Flag{cfgBlockFlag},
					Action: func(ctx *cli.Context) error {
						store, err := openStore(ctx)
						if err != nil {
							return err
						}
						defer closeIfNeeded(store)
						return dbMigrate(store, ctx)
					},
				},
				{
					Name:  "version",
					Usage: "Show current and expected schema version",
					Flags: []cli.Flag{cfgBlockFlag},
					Action: func(ctx *cli.Context) error {
						store, err := openStore(ctx)
						if err != nil {
							return err
						}
						defer closeIfNeeded(store)
						return dbVersion(store, ctx)
					},
				},
			},
		})
}

func dbMigrate(store interface{}, ctx *cli.Context) error {
	m, ok := store.(migratableStore)
	if !ok {
		return cli.Exit(fmt.Sprintf("Error: configuration block %s does not support schema management", ctx.String("cfg-block")), 2)
	}

	if err := m.MigrateUp(); err != nil {
		return err
	}

	current, _, _, err := m.SchemaVersion()
	if err != nil {
		return err
	}
	fmt.Printf("Database schema is now at version %d.\n", current)
	return nil
}

func dbVersion(store interface{}, ctx *cli.Context) error {
	m, ok := store.(migratableStore)
	if !ok {
		return cli.Exit(fmt.Sprintf("Error: configuration block %s does not support schema management", ctx.String("cfg-block")), 2)
	}

	current, want, dirty, err := m.SchemaVersion()
	if err != nil {
		return err
	}

	fmt.Printf("current: %d\nexpected: %d\n", current, want)
	if dirty {
		fmt.Println("state: dirty (a migration failed midway, resolve manually)")
	}
	return nil
}
