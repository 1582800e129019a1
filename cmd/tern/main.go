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

package main

import (
	terncli "github.com/ternmail/tern/internal/cli"

	// Pulls in the 'run' subcommand along with all server modules.
	_ "github.com/ternmail/tern"

	// Management subcommands (creds, keys, db, hash).
	_ "github.com/ternmail/tern/internal/cli/ctl"
)

func main() {
	terncli.Run()
}
