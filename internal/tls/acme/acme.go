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

// Package acme provides a TLS certificate loader that obtains and renews
// certificates via ACME. Only the dns-01 challenge is supported since tern
// endpoints do not serve HTTP. Certificates and account data are kept in
// store_path (state_dir/acme by default) so restarts do not re-issue.
package acme

import (
	"context"
	"crypto/tls"
	"fmt"
	"path/filepath"

	"github.com/caddyserver/certmagic"
	"github.com/ternmail/tern/framework/config"
	modconfig "github.com/ternmail/tern/framework/config/module"
	"github.com/ternmail/tern/framework/hooks"
	"github.com/ternmail/tern/framework/log"
	"github.com/ternmail/tern/framework/module"
)

const modName = "tls.loader.acme"

type Loader struct {
	instName string

	cache        *certmagic.Cache
	cfg          *certmagic.Config
	cancelManage context.CancelFunc

	log log.Logger
}

func New(_, instName string, _, inlineArgs []string) (module.Module, error) {
	if len(inlineArgs) != 0 {
		return nil, fmt.Errorf("%s: no inline args expected", modName)
	}
	return &Loader{
		instName: instName,
		log:      log.Logger{Name: modName},
	}, nil
}

func (l *Loader) Init(cfg *config.Map) error {
	var (
		hostname   string
		extraNames []string
		storePath  string
		ca         string
		testCA     string
		email      string
		agreed     bool
		challenge  string
		provider   certmagic.ACMEDNSProvider
	)
	cfg.Bool("debug", true, false, &l.log.Debug)
	cfg.String("hostname", true, true, "", &hostname)
	cfg.StringList("extra_names", false, false, nil, &extraNames)
	cfg.String("store_path", false, false,
		filepath.Join(config.StateDirectory, "acme"), &storePath)
	cfg.String("ca", false, false,
		certmagic.LetsEncryptProductionCA, &ca)
	cfg.String("test_ca", false, false,
		certmagic.LetsEncryptStagingCA, &testCA)
	cfg.String("email", false, false, "", &email)
	cfg.Bool("agreed", false, false, &agreed)
	cfg.Enum("challenge", false, true,
		[]string{"dns-01"}, "dns-01", &challenge)
	cfg.Custom("dns", false, false, func() (interface{}, error) {
		return nil, nil
	}, func(m *config.Map, node config.Node) (interface{}, error) {
		var p certmagic.ACMEDNSProvider
		err := modconfig.ModuleFromNode("libdns", node.Args, node, m.Globals, &p)
		return p, err
	}, &provider)
	if _, err := cfg.Process(); err != nil {
		return err
	}
	if provider == nil {
		return fmt.Errorf("%s: dns-01 challenge requires a configured DNS provider", modName)
	}

	cmLog := l.log.Zap()
	store := &certmagic.FileStorage{Path: storePath}

	// GetConfigForCert is first called on renewal, after Init assigns l.cfg.
	l.cache = certmagic.NewCache(certmagic.CacheOptions{
		Logger: cmLog,
		GetConfigForCert: func(certmagic.Certificate) (*certmagic.Config, error) {
			return l.cfg, nil
		},
	})
	l.cfg = certmagic.New(l.cache, certmagic.Config{
		Storage:           store,
		Logger:            cmLog,
		DefaultServerName: hostname,
	})

	issuer := certmagic.NewACMEIssuer(l.cfg, certmagic.ACMEIssuer{
		Logger: cmLog,
		CA:     ca,
		TestCA: testCA,
		Email:  email,
		Agreed: agreed,
		DNS01Solver: &certmagic.DNS01Solver{
			DNSProvider: provider,
		},
		DisableHTTPChallenge:    true,
		DisableTLSALPNChallenge: true,
	})
	l.cfg.Issuers = []certmagic.Issuer{issuer}

	if module.NoRun {
		return nil
	}

	names := append([]string{hostname}, extraNames...)
	manageCtx, cancelManage := context.WithCancel(context.Background())
	if err := l.cfg.ManageAsync(manageCtx, names); err != nil {
		cancelManage()
		return fmt.Errorf("%s: %w", modName, err)
	}
	l.cancelManage = cancelManage
	l.log.DebugMsg("certificate management started", "names", names)

	return nil
}

func (l *Loader) ConfigureTLS(c *tls.Config) error {
	c.GetCertificate = l.cfg.GetCertificate
	return nil
}

func (l *Loader) Close() error {
	if l.cancelManage != nil {
		l.cancelManage()
	}
	if l.cache != nil {
		l.cache.Stop()
	}
	return nil
}

func (l *Loader) Name() string {
	return modName
}

func (l *Loader) InstanceName() string {
	return l.instName
}

func init() {
	hooks.AddHook(hooks.EventShutdown, func() {
		certmagic.CleanUpOwnLocks(context.TODO(), log.DefaultLogger.Zap())
	})

	var _ module.TLSLoader = &Loader{}
	module.Register(modName, New)
}
