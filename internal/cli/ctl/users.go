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
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/ternmail/tern/framework/module"
	terncli "github.com/ternmail/tern/internal/cli"
	"github.com/ternmail/tern/internal/cli/clitools"
	"github.com/urfave/cli/v2"
)

func init() {
	terncli.AddSubcommand(
		&cli.Command{
			Name:  "creds",
			Usage: "Mail account management",
			Description: `These commands manipulate the accounts stored in the message store
used by the tern mail server.

The corresponding storage module should be defined in tern.conf as a
top-level config block. By default the block name should be local_store
(can be changed using --cfg-block argument for subcommands).

Accounts carry no passwords; protocols authenticate using API keys
created with the 'keys create' subcommand.
`,
			Subcommands: []*cli.Command{
				{
					Name:  "list",
					Usage: "List accounts",
					Flags: []cli.Flag{cfgBlockFlag},
					Action: func(ctx *cli.Context) error {
						store, err := openStore(ctx)
						if err != nil {
							return err
						}
						defer closeIfNeeded(store)
						return usersList(store, ctx)
					},
				},
				{
					Name:      "create",
					Usage:     "Create an account",
					ArgsUsage: "ADDRESS",
					Flags: []cli.Flag{
						cfgBlockFlag,
						&cli.StringFlag{
							Name:  "display-name",
							Usage: "Human-readable sender name for the account",
						},
					},
					Action: func(ctx *cli.Context) error {
						store, err := openStore(ctx)
						if err != nil {
							return err
						}
						defer closeIfNeeded(store)
						return usersCreate(store, ctx)
					},
				},
				{
					Name:      "remove",
					Usage:     "Delete an account",
					ArgsUsage: "ADDRESS",
					Flags: []cli.Flag{
						cfgBlockFlag,
						&cli.BoolFlag{
							Name:    "yes",
							Aliases: []string{"y"},
							Usage:   "Don't ask for confirmation",
						},
					},
					Action: func(ctx *cli.Context) error {
						store, err := openStore(ctx)
						if err != nil {
							return err
						}
						defer closeIfNeeded(store)
						return usersRemove(store, ctx)
					},
				},
				{
					Name:      "add-address",
					Usage:     "Attach an extra address to an account",
					ArgsUsage: "ADDRESS EXTRA_ADDRESS",
					Description: `The extra address is recorded as verified, so inbound messages
addressed to it are linked to the account and served back over POP3
and IMAP.
`,
					Flags: []cli.Flag{cfgBlockFlag},
					Action: func(ctx *cli.Context) error {
						store, err := openStore(ctx)
						if err != nil {
							return err
						}
						defer closeIfNeeded(store)
						return usersAddAddress(store, ctx)
					},
				},
			},
		})
}

func usersList(store module.ManageableStore, ctx *cli.Context) error {
	list, err := store.ListUsers(context.Background())
	if err != nil {
		return err
	}

	if len(list) == 0 && !ctx.Bool("quiet") {
		fmt.Fprintln(os.Stderr, "No accounts.")
	}

	for _, user := range list {
		if user.DisplayName != "" {
			fmt.Printf("%s\t%s\n", user.PrimaryAddress, user.DisplayName)
			continue
		}
		fmt.Println(user.PrimaryAddress)
	}
	return nil
}

func usersCreate(store module.ManageableStore, ctx *cli.Context) error {
	address := ctx.Args().First()
	if address == "" {
		return cli.Exit("Error: ADDRESS is required", 2)
	}

	existing, err := store.FindUserByAddress(context.Background(), address, false)
	if err != nil && !errors.Is(err, module.ErrNoSuchUser) {
		return err
	}
	if existing != nil {
		return cli.Exit(fmt.Sprintf("Error: address %s is already in use", address), 2)
	}

	user, err := store.CreateUser(context.Background(), address, ctx.String("display-name"))
	if err != nil {
		return err
	}

	fmt.Println(user.ID)
	return nil
}

func usersRemove(store module.ManageableStore, ctx *cli.Context) error {
	address := ctx.Args().First()
	if address == "" {
		return cli.Exit("Error: ADDRESS is required", 2)
	}

	user, err := store.FindUserByAddress(context.Background(), address, false)
	if err != nil {
		return err
	}

	if !ctx.Bool("yes") {
		if !clitools.Confirmation("Are you sure you want to delete this account?", false) {
			return errors.New("Cancelled")
		}
	}

	return store.DeleteUser(context.Background(), user.ID)
}

func usersAddAddress(store module.ManageableStore, ctx *cli.Context) error {
	address := ctx.Args().Get(0)
	extra := ctx.Args().Get(1)
	if address == "" || extra == "" {
		return cli.Exit("Error: ADDRESS and EXTRA_ADDRESS are required", 2)
	}

	user, err := store.FindUserByAddress(context.Background(), address, false)
	if err != nil {
		return err
	}

	return store.AddUserAddress(context.Background(), user.ID, extra, true)
}
