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

// Package terncli assembles the command line interface of the tern
// executable. Subcommands are registered from init functions across the
// code base so that the binary contains only what is compiled in.
package terncli

import (
	"flag"
	"fmt"
	"os"

	"github.com/ternmail/tern/framework/log"
	"github.com/urfave/cli/v2"
)

var app *cli.App

func init() {
	app = cli.NewApp()
	app.Usage = "multi-protocol mail server with a shared message store"
	app.Description = `Tern accepts messages for storage via SMTP, serves them back via POP3 and
IMAP and authenticates all protocols against the same scoped API keys,
all in one executable backed by one relational database.

This executable can be used to start the server ('run') and to manipulate
the message store used by it (all other subcommands).
`
	app.Authors = []*cli.Author{
		{
			Name: "Tern Mail Server maintainers & contributors",
		},
	}
	app.ExitErrHandler = func(c *cli.Context, err error) {
		cli.HandleExitCoder(err)
		if err != nil {
			log.Println(err)
			cli.OsExiter(1)
		}
	}
	app.EnableBashCompletion = true
	app.Commands = []*cli.Command{
		{
			Name:   "generate-man",
			Hidden: true,
			Action: func(c *cli.Context) error {
				man, err := app.ToMan()
				if err != nil {
					return err
				}
				fmt.Println(man)
				return nil
			},
		},
		{
			Name:   "generate-fish-completion",
			Hidden: true,
			Action: func(c *cli.Context) error {
				cp, err := app.ToFishCompletion()
				if err != nil {
					return err
				}
				fmt.Println(cp)
				return nil
			},
		},
	}
}

func AddGlobalFlag(f cli.Flag) {
	app.Flags = append(app.Flags, f)
	if err := f.Apply(flag.CommandLine); err != nil {
		log.Println("GlobalFlag", f, "could not be mapped to stdlib flag:", err)
	}
}

func AddSubcommand(cmd *cli.Command) {
	app.Commands = append(app.Commands, cmd)
}

func Run() {
	// Subcommands are registered by init functions elsewhere, including the
	// 'run' entry point in tern.go. Stdlib flags are mapped last so flags
	// defined by any package initializer are visible.
	mapStdlibFlags(app)

	if err := app.Run(os.Args); err != nil {
		log.DefaultLogger.Error("app.Run failed", err)
	}
}
