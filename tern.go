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

// Package tern contains the server lifecycle: configuration reading, module
// registration and initialization, signal handling and shutdown ordering.
// The actual executable lives in cmd/tern.
package tern

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	_ "net/http/pprof"
	"os"
	"path/filepath"
	"runtime"
	"runtime/debug"

	"github.com/caddyserver/certmagic"
	parser "github.com/ternmail/tern/framework/cfgparser"
	"github.com/ternmail/tern/framework/config"
	tls2 "github.com/ternmail/tern/framework/config/tls"
	"github.com/ternmail/tern/framework/hooks"
	"github.com/ternmail/tern/framework/log"
	"github.com/ternmail/tern/framework/module"
	terncli "github.com/ternmail/tern/internal/cli"
	"github.com/urfave/cli/v2"

	// Imported for side effect of module registration.
	_ "github.com/ternmail/tern/internal/auth/keys"
	_ "github.com/ternmail/tern/internal/endpoint/imap"
	_ "github.com/ternmail/tern/internal/endpoint/openmetrics"
	_ "github.com/ternmail/tern/internal/endpoint/pop3"
	_ "github.com/ternmail/tern/internal/endpoint/smtp"
	_ "github.com/ternmail/tern/internal/libdns"
	_ "github.com/ternmail/tern/internal/storage/blob/fs"
	_ "github.com/ternmail/tern/internal/storage/blob/s3"
	_ "github.com/ternmail/tern/internal/storage/sql"
	_ "github.com/ternmail/tern/internal/tls"
	_ "github.com/ternmail/tern/internal/tls/acme"
)

// Version is the tern version. Normally it is overridden during the build
// using the -X linker flag.
var Version = "unknown (built from source tree)"

func BuildInfo() string {
	if info, ok := debug.ReadBuildInfo(); ok {
		if info.Main.Version == "(devel)" {
			return Version
		}
		return info.Main.Version + " " + info.Main.Sum
	}
	return Version + " (GOPATH build)"
}

var (
	profileEndpoint   = flag.String("debug.pprof", "", "enable live profiler HTTP endpoint and listen on the specified address")
	blockProfileRate  = flag.Int("debug.blockprofrate", 0, "set blocking profile rate")
	mutexProfileFract = flag.Int("debug.mutexproffract", 0, "set mutex profile fraction")

	// logTargets is rememebered so SIGUSR1 can reopen the same outputs
	// after rotation.
	logTargets []string
)

func init() {
	terncli.AddSubcommand(&cli.Command{
		Name:  "run",
		Usage: "Start the server",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Usage:   "Configuration file to use",
				EnvVars: []string{"TERN_CONFIG"},
				Value:   filepath.Join(ConfigDirectory, "tern.conf"),
			},
			&cli.BoolFlag{
				Name:        "debug",
				Usage:       "enable debug logging early",
				Destination: &log.DefaultLogger.Debug,
			},
			&cli.StringFlag{
				Name:        "libexec",
				Usage:       "path to the libexec directory",
				Value:       DefaultLibexecDirectory,
				Destination: &config.LibexecDirectory,
			},
			&cli.StringSliceFlag{
				Name:  "log",
				Usage: "default logging target(s)",
				Value: cli.NewStringSlice("stderr"),
			},
			&cli.BoolFlag{
				Name:   "v",
				Usage:  "print version and exit",
				Hidden: true,
			},
		},
		Action: Run,
	})
	terncli.AddSubcommand(&cli.Command{
		Name:  "version",
		Usage: "Print version and exit",
		Action: func(c *cli.Context) error {
			fmt.Println(BuildInfo())
			return nil
		},
	})
}

// Run reads the configuration file and starts all modules defined in it,
// then waits for a termination signal. It is the entry point of 'tern run'.
func Run(c *cli.Context) error {
	certmagic.UserAgent = "tern/" + Version

	if c.NArg() != 0 {
		return cli.Exit(fmt.Sprintf("usage: %s run [options]", os.Args[0]), 2)
	}

	if c.Bool("v") {
		fmt.Println("tern", BuildInfo())
		return nil
	}

	var err error
	logTargets = c.StringSlice("log")
	log.DefaultLogger.Out, err = logOutput(logTargets)
	if err != nil {
		systemdStatusErr(err)
		return cli.Exit(err.Error(), 2)
	}
	defer log.DefaultLogger.Out.Close()

	initDebug()

	os.Setenv("PATH", config.LibexecDirectory+string(filepath.ListSeparator)+os.Getenv("PATH"))

	f, err := os.Open(c.String("config"))
	if err != nil {
		systemdStatusErr(err)
		return cli.Exit(err.Error(), 2)
	}
	defer f.Close()

	cfg, err := parser.Read(f, c.String("config"))
	if err != nil {
		systemdStatusErr(err)
		return cli.Exit(err.Error(), 2)
	}

	if err := moduleMain(cfg); err != nil {
		systemdStatusErr(err)
		return cli.Exit(err.Error(), 1)
	}

	return nil
}

func initDebug() {
	if *profileEndpoint != "" {
		go func() {
			log.Println("listening on", "http://"+*profileEndpoint, "for profiler requests")
			log.Println("failed to listen on profiler endpoint:", http.ListenAndServe(*profileEndpoint, nil))
		}()
	}

	// These values can also be affected by environment so set them
	// only if the argument is specified.
	if *mutexProfileFract != 0 {
		runtime.SetMutexProfileFraction(*mutexProfileFract)
	}
	if *blockProfileRate != 0 {
		runtime.SetBlockProfileRate(*blockProfileRate)
	}
}

func moduleMain(cfg []config.Node) error {
	globals, modBlocks, err := ReadGlobals(cfg)
	if err != nil {
		return err
	}

	if err := InitDirs(); err != nil {
		return err
	}

	hooks.AddHook(hooks.EventLogRotate, reinitLogging)

	endpoints, mods, err := RegisterModules(globals, modBlocks)
	if err != nil {
		return err
	}

	if err := initModules(globals, endpoints, mods); err != nil {
		return err
	}

	systemdStatus(SDReady, "Listening for incoming connections...")

	handleSignals()

	systemdStatus(SDStopping, "Waiting for running transactions to complete...")

	hooks.RunHooks(hooks.EventShutdown)

	return nil
}

// ReadGlobals parses the global configuration directives and returns their
// values along with all remaining (module) blocks.
func ReadGlobals(cfg []config.Node) (map[string]interface{}, []config.Node, error) {
	globals := config.NewMap(nil, config.Node{Children: cfg})
	globals.String("state_dir", false, false, DefaultStateDirectory, &config.StateDirectory)
	globals.String("runtime_dir", false, false, DefaultRuntimeDirectory, &config.RuntimeDirectory)
	globals.String("hostname", false, false, "", nil)
	globals.Custom("tls", false, false, nil, tls2.TLSDirective, nil)
	globals.Custom("log", false, false, defaultLogOutput, logDirective, &log.DefaultLogger.Out)
	globals.Bool("debug", false, log.DefaultLogger.Debug, &log.DefaultLogger.Debug)
	globals.AllowUnknown()
	unknown, err := globals.Process()
	return globals.Values, unknown, err
}

// ModInfo is a pair of module instance and the configuration block that
// defined it.
type ModInfo struct {
	Instance module.Module
	Cfg      config.Node
}

// RegisterModules creates all module instances from the configuration
// blocks without initializing them, so cross-references between blocks
// resolve regardless of their order. Endpoint modules are returned
// separately since they are not addressable by name.
func RegisterModules(globals map[string]interface{}, nodes []config.Node) (endpoints, mods []ModInfo, err error) {
	mods = make([]ModInfo, 0, len(nodes))

	for _, block := range nodes {
		var instName string
		var aliases []string
		if len(block.Args) == 0 {
			instName = block.Name
		} else {
			instName = block.Args[0]
			aliases = block.Args[1:]
		}

		modName := block.Name

		endpFactory := module.GetEndpoint(modName)
		if endpFactory != nil {
			inst, err := endpFactory(modName, append([]string{instName}, aliases...))
			if err != nil {
				return nil, nil, err
			}

			endpoints = append(endpoints, ModInfo{Instance: inst, Cfg: block})
			continue
		}

		factory := module.Get(modName)
		if factory == nil {
			return nil, nil, config.NodeErr(block, "unknown module or global directive: %s", modName)
		}

		if module.HasInstance(instName) {
			return nil, nil, config.NodeErr(block, "config block named %s already exists", instName)
		}

		inst, err := factory(modName, instName, aliases, nil)
		if err != nil {
			return nil, nil, err
		}

		module.RegisterInstance(inst, config.NewMap(globals, block))
		for _, alias := range aliases {
			if module.HasInstance(alias) {
				return nil, nil, config.NodeErr(block, "config block named %s already exists", alias)
			}
			module.RegisterAlias(alias, instName)
		}

		mods = append(mods, ModInfo{Instance: inst, Cfg: block})
	}

	if len(endpoints) == 0 {
		return nil, nil, errors.New("at least one endpoint should be configured")
	}

	return endpoints, mods, nil
}

// initModules initializes endpoint modules eagerly. Regular modules are
// initialized on the first reference (module.GetInstance), so after all
// endpoints are up, any block that is still untouched is unused.
func initModules(globals map[string]interface{}, endpoints, mods []ModInfo) error {
	for _, endp := range endpoints {
		if err := endp.Instance.Init(config.NewMap(globals, endp.Cfg)); err != nil {
			return err
		}

		if closer, ok := endp.Instance.(io.Closer); ok {
			endp := endp
			hooks.AddHook(hooks.EventShutdown, func() {
				log.Debugf("close %s (%s)", endp.Instance.Name(), endp.Instance.InstanceName())
				if err := closer.Close(); err != nil {
					log.Printf("module %s (%s) close failed: %v", endp.Instance.Name(), endp.Instance.InstanceName(), err)
				}
			})
		}
	}

	for _, inst := range mods {
		if module.Initialized[inst.Instance.InstanceName()] {
			continue
		}

		log.Printf("unused configuration block at %s:%d - %s (%s)",
			inst.Cfg.File, inst.Cfg.Line, inst.Instance.InstanceName(), inst.Instance.Name())
	}

	return nil
}

// InitDirs makes sure the state and runtime directories exist, are writable
// and absolute, then changes the working directory to the state directory so
// relative paths in the configuration resolve against it.
func InitDirs() error {
	if config.StateDirectory == "" {
		config.StateDirectory = DefaultStateDirectory
	}
	if config.RuntimeDirectory == "" {
		config.RuntimeDirectory = DefaultRuntimeDirectory
	}
	if config.LibexecDirectory == "" {
		config.LibexecDirectory = DefaultLibexecDirectory
	}

	if err := ensureDirectoryWritable(config.StateDirectory); err != nil {
		return err
	}
	if err := ensureDirectoryWritable(config.RuntimeDirectory); err != nil {
		return err
	}

	// Make sure all paths we are going to use are absolute
	// before we change the working directory.
	if !filepath.IsAbs(config.StateDirectory) {
		return errors.New("state_dir should be absolute")
	}
	if !filepath.IsAbs(config.RuntimeDirectory) {
		return errors.New("runtime_dir should be absolute")
	}
	if !filepath.IsAbs(config.LibexecDirectory) {
		return errors.New("-libexec should be absolute")
	}

	if err := os.Chdir(config.StateDirectory); err != nil {
		log.Println(err)
	}

	return nil
}

func ensureDirectoryWritable(path string) error {
	if err := os.MkdirAll(path, 0o700); err != nil {
		return err
	}

	testFile, err := os.Create(filepath.Join(path, "writeable-test"))
	if err != nil {
		return err
	}
	testFile.Close()
	return os.Remove(testFile.Name())
}

func defaultLogOutput() (interface{}, error) {
	return log.DefaultLogger.Out, nil
}

func logDirective(m *config.Map, node config.Node) (interface{}, error) {
	if len(node.Args) == 0 {
		return nil, config.NodeErr(node, "expected at least 1 argument")
	}
	if len(node.Children) != 0 {
		return nil, config.NodeErr(node, "can't declare a block here")
	}

	logTargets = node.Args
	return logOutput(node.Args)
}

func logOutput(args []string) (log.Output, error) {
	if len(args) == 0 {
		return nil, errors.New("log: expected at least 1 argument")
	}

	outs := make([]log.Output, 0, len(args))
	for _, arg := range args {
		switch arg {
		case "stderr":
			outs = append(outs, log.WriterOutput(os.Stderr, false))
		case "stderr_ts":
			outs = append(outs, log.WriterOutput(os.Stderr, true))
		case "syslog":
			syslogOut, err := log.SyslogOutput()
			if err != nil {
				return nil, fmt.Errorf("failed to connect to the syslog daemon: %v", err)
			}
			outs = append(outs, syslogOut)
		case "off":
			if len(args) != 1 {
				return nil, errors.New("'off' can't be combined with other log targets")
			}
			return log.NopOutput{}, nil
		default:
			w, err := os.OpenFile(arg, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0o600)
			if err != nil {
				return nil, fmt.Errorf("failed to open log file: %v", err)
			}
			outs = append(outs, log.WriteCloserOutput(w, true))
		}
	}

	if len(outs) == 1 {
		return outs[0], nil
	}
	return log.MultiOutput(outs...), nil
}

// reinitLogging reopens the configured log targets so rotated files are
// picked up. Hooked to EventLogRotate (SIGUSR1).
func reinitLogging() {
	newOut, err := logOutput(logTargets)
	if err != nil {
		log.Println("failed to reinitialize logger:", err)
		return
	}

	oldOut := log.DefaultLogger.Out
	log.DefaultLogger.Out = newOut
	if err := oldOut.Close(); err != nil {
		log.Println("failed to close the old logger output:", err)
	}
}
