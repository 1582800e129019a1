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
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/ternmail/tern/framework/module"
	"github.com/ternmail/tern/internal/auth/keys"
	terncli "github.com/ternmail/tern/internal/cli"
	"github.com/ternmail/tern/internal/cli/clitools"
	"github.com/urfave/cli/v2"
	"golang.org/x/crypto/bcrypt"
)

func init() {
	terncli.AddSubcommand(
		&cli.Command{
			Name:  "keys",
			Usage: "API key management",
			Description: `These commands manipulate the API keys protocols authenticate with.

A key belongs to one account and carries a scope list restricting what it
may authenticate: ` + strings.Join(module.KnownScopes, ", ") + `.

The key secret is generated on creation and printed exactly once; only a
salted hash of it is stored.
`,
			Subcommands: []*cli.Command{
				{
					Name:      "list",
					Usage:     "List keys of an account",
					ArgsUsage: "ADDRESS",
					Flags:     []cli.Flag{cfgBlockFlag},
					Action: func(ctx *cli.Context) error {
						store, err := openStore(ctx)
						if err != nil {
							return err
						}
						defer closeIfNeeded(store)
						return keysList(store, ctx)
					},
				},
				{
					Name:      "create",
					Usage:     "Create a key for an account",
					ArgsUsage: "ADDRESS",
					Flags: []cli.Flag{
						cfgBlockFlag,
						&cli.StringFlag{
							Name:  "name",
							Usage: "Human-readable key name shown in listings",
						},
						&cli.StringSliceFlag{
							Name:    "scope",
							Aliases: []string{"s"},
							Usage:   "Scope to grant, can be given multiple times",
							Value:   cli.NewStringSlice(module.ScopeSMTP, module.ScopePOP3, module.ScopeIMAP),
						},
						&cli.StringFlag{
							Name:  "hash",
							Usage: "Use specified hash algorithm. Valid values: " + strings.Join(keys.Hashes, ", "),
							Value: keys.DefaultHash,
						},
						&cli.IntFlag{
							Name:  "bcrypt-cost",
							Usage: "Specify bcrypt cost value",
							Value: bcrypt.DefaultCost,
						},
					},
					Action: func(ctx *cli.Context) error {
						store, err := openStore(ctx)
						if err != nil {
							return err
						}
						defer closeIfNeeded(store)
						return keysCreate(store, ctx)
					},
				},
				{
					Name:      "revoke",
					Usage:     "Revoke a key",
					ArgsUsage: "KEY_ID",
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
						return keysRevoke(store, ctx)
					},
				},
			},
		})
}

func keysList(store module.ManageableStore, ctx *cli.Context) error {
	address := ctx.Args().First()
	if address == "" {
		return cli.Exit("Error: ADDRESS is required", 2)
	}

	user, err := store.FindUserByAddress(context.Background(), address, false)
	if err != nil {
		return err
	}

	list, err := store.ListAPIKeys(context.Background(), user.ID)
	if err != nil {
		return err
	}

	if len(list) == 0 && !ctx.Bool("quiet") {
		fmt.Fprintln(os.Stderr, "No keys.")
	}

	for _, key := range list {
		status := "active"
		if key.RevokedAt != nil {
			status = "revoked " + key.RevokedAt.Format("2006-01-02")
		}
		lastUsed := "never used"
		if key.LastUsedAt != nil {
			lastUsed = "last used " + key.LastUsedAt.Format("2006-01-02")
		}
		fmt.Printf("%s\t%s\t[%s]\t%s\t%s\n",
			key.ID, key.Name, strings.Join(key.Scopes, " "), status, lastUsed)
	}
	return nil
}

func keysCreate(store module.ManageableStore, ctx *cli.Context) error {
	address := ctx.Args().First()
	if address == "" {
		return cli.Exit("Error: ADDRESS is required", 2)
	}

	scopes := ctx.StringSlice("scope")
	for _, scope := range scopes {
		if !module.ValidScope(scope) {
			return cli.Exit(fmt.Sprintf("Error: unknown scope: %s (valid: %s)",
				scope, strings.Join(module.KnownScopes, ", ")), 2)
		}
	}

	user, err := store.FindUserByAddress(context.Background(), address, false)
	if err != nil {
		return err
	}

	secret, err := generateKeySecret()
	if err != nil {
		return err
	}

	hash, err := keys.FormatHash(ctx.String("hash"), keys.HashOpts{
		BcryptCost:    ctx.Int("bcrypt-cost"),
		Argon2Time:    3,
		Argon2Memory:  1024,
		Argon2Threads: 1,
	}, secret)
	if err != nil {
		return err
	}

	key := &module.APIKey{
		UserID:  user.ID,
		Name:    ctx.String("name"),
		KeyHash: hash,
		Scopes:  scopes,
	}
	if err := store.CreateAPIKey(context.Background(), key); err != nil {
		return err
	}

	fmt.Fprintln(os.Stderr, "Key created. The secret is printed once and not recoverable later.")
	fmt.Printf("%s\t%s\n", key.ID, secret)
	return nil
}

func keysRevoke(store module.ManageableStore, ctx *cli.Context) error {
	keyID := ctx.Args().First()
	if keyID == "" {
		return cli.Exit("Error: KEY_ID is required", 2)
	}

	if !ctx.Bool("yes") {
		if !clitools.Confirmation("Are you sure you want to revoke this key?", false) {
			return errors.New("Cancelled")
		}
	}

	return store.RevokeAPIKey(context.Background(), keyID)
}

// generateKeySecret returns a fresh URL-safe secret with 256 bits of
// entropy.
func generateKeySecret() (string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("failed to generate key secret: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}
