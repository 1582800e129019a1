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
	"io"
	"os"
	"path/filepath"

	tern "github.com/ternmail/tern"
	parser "github.com/ternmail/tern/framework/cfgparser"
	"github.com/ternmail/tern/framework/config"
	"github.com/ternmail/tern/framework/module"
	terncli "github.com/ternmail/tern/internal/cli"
	"github.com/urfave/cli/v2"
)

func init() {
	terncli.AddGlobalFlag(&cli.StringFlag{
		Name:    "config",
		Usage:   "Configuration file to use",
		EnvVars: []string{"TERN_CONFIG"},
		Value:   filepath.Join(tern.ConfigDirectory, "tern.conf"),
	})
}

func closeIfNeeded(i interface{}) {
	if c, ok := i.(io.Closer); ok {
		c.Close()
	}
}

func getCfgBlockModule(ctx *cli.Context) (map[string]interface{}, *tern.ModInfo, error) {
	cfgPath := ctx.String("config")
	if cfgPath == "" {
		return nil, nil, cli.Exit("Error: config is required", 2)
	}
	cfgFile, err := os.Open(cfgPath)
	if err != nil {
		return nil, nil, cli.Exit(fmt.Sprintf("Error: failed to open config: %v", err), 2)
	}
	defer cfgFile.Close()
	cfgNodes, err := parser.Read(cfgFile, cfgFile.Name())
	if err != nil {
		return nil, nil, cli.Exit(fmt.Sprintf("Error: failed to parse config: %v", err), 2)
	}

	globals, cfgNodes, err := tern.ReadGlobals(cfgNodes)
	if err != nil {
		return nil, nil, err
	}

	if err := tern.InitDirs(); err != nil {
		return nil, nil, err
	}

	module.NoRun = true
	_, mods, err := tern.RegisterModules(globals, cfgNodes)
	if err != nil {
		return nil, nil, err
	}

	cfgBlock := ctx.String("cfg-block")
	if cfgBlock == "" {
		return nil, nil, cli.Exit("Error: cfg-block is required", 2)
	}
	var mod tern.ModInfo
	for _, m := range mods {
		if m.Instance.InstanceName() == cfgBlock {
			mod = m
			break
		}
	}
	if mod.Instance == nil {
		return nil, nil, cli.Exit(fmt.Sprintf("Error: unknown configuration block: %s", cfgBlock), 2)
	}

	return globals, &mod, nil
}

// openStore initializes the storage module named by --cfg-block and returns
// its management interface.
func openStore(ctx *cli.Context) (module.ManageableStore, error) {
	globals, mod, err := getCfgBlockModule(ctx)
	if err != nil {
		return nil, err
	}

	store, ok := mod.Instance.(module.ManageableStore)
	if !ok {
		return nil, cli.Exit(fmt.Sprintf("Error: configuration block %s is not a manageable message store", ctx.String("cfg-block")), 2)
	}

	if err := mod.Instance.Init(config.NewMap(globals, mod.Cfg)); err != nil {
		return nil, fmt.Errorf("Error: module initialization failed: %w", err)
	}

	return store, nil
}

var cfgBlockFlag = &cli.StringFlag{
	Name:    "cfg-block",
	Usage:   "Module configuration block to use",
	EnvVars: []string{"TERN_CFGBLOCK"},
	Value:   "local_store",
}
