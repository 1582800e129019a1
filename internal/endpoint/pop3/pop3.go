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

// Package pop3 implements the POP3 retrieval endpoint (RFC 1939 plus the
// CAPA, UIDL, TOP, STLS and SASL extensions).
//
// Unlike IMAP, POP3 operates on a snapshot: the maildrop is listed once
// after authentication and message numbers stay stable for the whole
// session. Deletions are collected in memory and applied against the
// message store only when the client confirms them with QUIT.
package pop3

import (
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"golang.org/x/net/idna"

	"github.com/ternmail/tern/framework/config"
	modconfig "github.com/ternmail/tern/framework/config/module"
	tls2 "github.com/ternmail/tern/framework/config/tls"
	"github.com/ternmail/tern/framework/log"
	"github.com/ternmail/tern/framework/module"
	"github.com/ternmail/tern/framework/resource/netresource"
	"github.com/ternmail/tern/internal/auth"
	"github.com/ternmail/tern/internal/limits"
	"github.com/ternmail/tern/internal/limits/limiters"
	"github.com/ternmail/tern/internal/proxy_protocol"
)

const (
	// Longest command line accepted, terminating CRLF included. Clients
	// sending more get -ERR and the rest of the line is discarded.
	maxLineLength = 512

	// Upper bound on the DELE set size. A runaway client should not be
	// able to grow the session state without limit.
	maxSessionDeletes = 10000

	tlsHandshakeTimeout = 10 * time.Second
)

type Endpoint struct {
	hostname  string
	saslAuth  auth.SASLAuth
	name      string
	addrs     []string
	listeners []net.Listener

	store         module.MessageStore
	tlsConfig     *tls.Config
	proxyProtocol *proxy_protocol.ProxyProtocol
	conns         *limits.ConnLimiter

	insecureAuth       bool
	ioDebug            bool
	readTimeout        time.Duration
	writeTimeout       time.Duration
	maxSessionMessages int
	maxAuthFails       int
	authRates          *limiters.RateSet

	listenersWg sync.WaitGroup

	sessionsMu sync.Mutex
	sessions   map[*session]struct{}
	sessionsWg sync.WaitGroup
	closed     bool

	Log log.Logger
}

func (endp *Endpoint) Name() string {
	return endp.name
}

func (endp *Endpoint) InstanceName() string {
	return endp.name
}

func New(modName string, addrs []string) (module.Module, error) {
	endp := &Endpoint{
		name:     modName,
		addrs:    addrs,
		sessions: map[*session]struct{}{},
		Log:      log.Logger{Name: modName},
	}
	endp.saslAuth = auth.SASLAuth{
		Log:   log.Logger{Name: modName + "/sasl", Debug: endp.Log.Debug},
		Scope: module.ScopePOP3,
	}
	return endp, nil
}

func (endp *Endpoint) Init(cfg *config.Map) error {
	if err := endp.setConfig(cfg); err != nil {
		return err
	}

	addresses := make([]config.Endpoint, 0, len(endp.addrs))
	for _, addr := range endp.addrs {
		saddr, err := config.ParseEndpoint(addr)
		if err != nil {
			return fmt.Errorf("%s: invalid address: %s", endp.name, addr)
		}

		addresses = append(addresses, saddr)
	}

	if err := endp.setupListeners(addresses); err != nil {
		for _, l := range endp.listeners {
			l.Close()
		}
		return err
	}

	allLocal := true
	for _, addr := range addresses {
		if addr.Scheme != "unix" && !strings.HasPrefix(addr.Host, "127.0.0.") {
			allLocal = false
		}
	}

	if endp.insecureAuth && !allLocal {
		endp.Log.Println("authentication over unencrypted connections is allowed, this is insecure configuration and should be used only for testing!")
	}
	if endp.tlsConfig == nil {
		if !allLocal {
			endp.Log.Println("TLS is disabled, this is insecure configuration and should be used only for testing!")
		}

		endp.insecureAuth = true
	}

	return nil
}

func (endp *Endpoint) setConfig(cfg *config.Map) error {
	var (
		err          error
		maxConnsAll  int
		maxConnsIP   int
		maxConnsUser int
	)

	cfg.Callback("auth", func(m *config.Map, node config.Node) error {
		return endp.saslAuth.AddProvider(m, node)
	})
	cfg.String("hostname", true, true, "", &endp.hostname)
	cfg.Duration("read_timeout", false, false, 10*time.Minute, &endp.readTimeout)
	cfg.Duration("write_timeout", false, false, 1*time.Minute, &endp.writeTimeout)
	cfg.Int("max_session_messages", false, false, 1000, &endp.maxSessionMessages)
	cfg.Custom("storage", false, true, nil, modconfig.StorageDirective, &endp.store)
	cfg.Custom("tls", true, true, nil, tls2.TLSDirective, &endp.tlsConfig)
	cfg.Bool("insecure_auth", false, false, &endp.insecureAuth)
	cfg.Custom("auth_rate", false, false, limits.DefaultAuthRate, limits.AuthRateDirective, &endp.authRates)
	cfg.Int("auth_max_fails", false, false, 5, &endp.maxAuthFails)
	cfg.Int("max_conns_total", false, false, 0, &maxConnsAll)
	cfg.Int("max_conns_per_ip", false, false, 0, &maxConnsIP)
	cfg.Int("max_conns_per_user", false, false, 0, &maxConnsUser)
	cfg.Custom("proxy_protocol", false, false, func() (interface{}, error) {
		return (*proxy_protocol.ProxyProtocol)(nil), nil
	}, proxy_protocol.ProxyProtocolDirective, &endp.proxyProtocol)
	cfg.Bool("io_debug", false, false, &endp.ioDebug)
	cfg.Bool("debug", true, false, &endp.Log.Debug)
	if _, err := cfg.Process(); err != nil {
		return err
	}

	if len(endp.saslAuth.SASLMechanisms()) == 0 {
		return fmt.Errorf("%s: auth. provider must be set", endp.name)
	}
	if endp.maxSessionMessages < 1 {
		return fmt.Errorf("%s: max_session_messages must be positive", endp.name)
	}

	endp.conns = limits.NewConnLimiter(endp.name, limits.ConnLimits{
		MaxTotal:   maxConnsAll,
		MaxPerIP:   maxConnsIP,
		MaxPerUser: maxConnsUser,
	})

	// The greeting banner is ASCII-only, so is the hostname in it.
	endp.hostname, err = idna.ToASCII(endp.hostname)
	if err != nil {
		return fmt.Errorf("%s: cannot represent the hostname as an A-label name: %w", endp.name, err)
	}

	if endp.ioDebug {
		endp.Log.Println("I/O debugging is on! It may leak passwords in logs, be careful!")
	}

	return nil
}

func (endp *Endpoint) setupListeners(addresses []config.Endpoint) error {
	for _, addr := range addresses {
		if addr.IsTLS() && endp.tlsConfig == nil {
			return fmt.Errorf("%s: can't bind on POP3S endpoint without TLS configuration", endp.name)
		}

		var l net.Listener
		var err error
		l, err = netresource.Listen(addr.Network(), addr.Address())
		if err != nil {
			return fmt.Errorf("%s: %w", endp.name, err)
		}
		endp.Log.Printf("listening on %v", addr)

		if endp.proxyProtocol != nil {
			l = proxy_protocol.NewListener(l, endp.proxyProtocol, endp.Log)
		}

		l = limits.LimitListener(l, endp.conns, "-ERR [IN-USE] too many connections\r\n")

		// TLS wraps last so sessions see *tls.Conn. Over-limit
		// connections are dropped before the handshake.
		if addr.IsTLS() {
			l = tls.NewListener(l, endp.tlsConfig)
		}

		endp.listeners = append(endp.listeners, l)

		endp.listenersWg.Add(1)
		addr := addr
		go func() {
			if err := endp.serve(l); err != nil && !errors.Is(err, net.ErrClosed) {
				endp.Log.Printf("failed to serve %s: %s", addr, err)
			}
			endp.listenersWg.Done()
		}()
	}

	return nil
}

func (endp *Endpoint) serve(l net.Listener) error {
	for {
		conn, err := l.Accept()
		if err != nil {
			return err
		}

		go endp.handleConn(conn)
	}
}

func (endp *Endpoint) handleConn(conn net.Conn) {
	s := endp.newSession(conn)
	if !endp.registerSession(s) {
		conn.Close()
		return
	}
	defer endp.unregisterSession(s)

	startedSessions.Inc()
	s.serve()
}

func (endp *Endpoint) registerSession(s *session) bool {
	endp.sessionsMu.Lock()
	defer endp.sessionsMu.Unlock()
	if endp.closed {
		return false
	}
	endp.sessions[s] = struct{}{}
	endp.sessionsWg.Add(1)
	return true
}

func (endp *Endpoint) unregisterSession(s *session) {
	endp.sessionsMu.Lock()
	delete(endp.sessions, s)
	endp.sessionsMu.Unlock()
	endp.sessionsWg.Done()
}

func (endp *Endpoint) Close() error {
	endp.sessionsMu.Lock()
	endp.closed = true
	endp.sessionsMu.Unlock()

	for _, l := range endp.listeners {
		l.Close()
	}
	endp.listenersWg.Wait()

	// Sessions notice the shutdown once their connection dies. Pending
	// DELE sets are discarded, exactly as on any other disconnect
	// without QUIT.
	endp.sessionsMu.Lock()
	for s := range endp.sessions {
		s.shutdown()
	}
	endp.sessionsMu.Unlock()
	endp.sessionsWg.Wait()

	if endp.authRates != nil {
		endp.authRates.Close()
	}
	return nil
}

func init() {
	module.RegisterEndpoint("pop3", New)
}
