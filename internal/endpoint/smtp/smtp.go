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

// Package smtp implements the message submission and MX endpoints.
//
// Both endpoints run the same session code on top of go-smtp. The
// "submission" instance requires authentication and accepts any recipient,
// the "smtp" (MX) instance never offers AUTH and checks every recipient
// against the relay policy before it reaches the store.
package smtp

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
	"golang.org/x/net/idna"

	"github.com/ternmail/tern/framework/buffer"
	"github.com/ternmail/tern/framework/config"
	modconfig "github.com/ternmail/tern/framework/config/module"
	tls2 "github.com/ternmail/tern/framework/config/tls"
	"github.com/ternmail/tern/framework/dns"
	"github.com/ternmail/tern/framework/future"
	"github.com/ternmail/tern/framework/log"
	"github.com/ternmail/tern/framework/module"
	"github.com/ternmail/tern/framework/resource/netresource"
	"github.com/ternmail/tern/internal/auth"
	"github.com/ternmail/tern/internal/limits"
	"github.com/ternmail/tern/internal/limits/limiters"
	"github.com/ternmail/tern/internal/proxy_protocol"
)

type Endpoint struct {
	hostname  string
	saslAuth  auth.SASLAuth
	serv      *smtp.Server
	name      string
	addrs     []string
	listeners []net.Listener

	store         module.MessageStore
	deliverTo     module.DeliveryTarget
	policy        *relayPolicy
	resolver      dns.Resolver
	limits        *limits.Group
	conns         *limits.ConnLimiter
	proxyProtocol *proxy_protocol.ProxyProtocol

	buffer func(r io.Reader) (buffer.Buffer, error)

	submission          bool
	deferServerReject   bool
	maxLoggedRcptErrors int
	maxReceived         int
	maxHeaderBytes      int64
	maxAuthFails        int
	authRates           *limiters.RateSet

	listenersWg sync.WaitGroup

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
		name:       modName,
		addrs:      addrs,
		submission: modName == "submission",
		resolver:   dns.DefaultResolver(),
		buffer:     buffer.BufferInMemory,
		Log:        log.Logger{Name: modName},
	}
	endp.saslAuth = auth.SASLAuth{
		Log:   log.Logger{Name: modName + "/sasl", Debug: endp.Log.Debug},
		Scope: module.ScopeSMTP,
	}
	return endp, nil
}

func (endp *Endpoint) Init(cfg *config.Map) error {
	endp.serv = smtp.NewServer(endp)
	endp.serv.ErrorLog = endp.Log
	endp.serv.EnableSMTPUTF8 = true
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

	if endp.serv.AllowInsecureAuth && !allLocal {
		endp.Log.Println("authentication over unencrypted connections is allowed, this is insecure configuration and should be used only for testing!")
	}
	if endp.serv.TLSConfig == nil {
		if !allLocal {
			endp.Log.Println("TLS is disabled, this is insecure configuration and should be used only for testing!")
		}

		endp.serv.AllowInsecureAuth = true
	}

	return nil
}

func autoBufferMode(maxSize int, dir string) func(io.Reader) (buffer.Buffer, error) {
	return func(r io.Reader) (buffer.Buffer, error) {
		// First try to read up to N bytes.
		initial := make([]byte, maxSize)
		actualSize, err := io.ReadFull(r, initial)
		if err != nil {
			if err == io.ErrUnexpectedEOF {
				// Ok, the message is smaller than N. Make a MemoryBuffer and
				// handle it in RAM.
				log.Debugln("autobuffer: keeping the message in RAM")
				return buffer.MemoryBuffer{Slice: initial[:actualSize]}, nil
			}
			// Some I/O error happened, bail out.
			return nil, err
		}

		log.Debugln("autobuffer: spilling the message to the FS")
		// The message is big. Dump what we got to the disk and continue writing it there.
		return buffer.BufferInFile(
			io.MultiReader(bytes.NewReader(initial[:actualSize]), r),
			dir)
	}
}

func bufferModeDirective(m *config.Map, node config.Node) (interface{}, error) {
	if len(node.Args) < 1 {
		return nil, config.NodeErr(node, "at least one argument required")
	}
	switch node.Args[0] {
	case "ram":
		if len(node.Args) > 1 {
			return nil, config.NodeErr(node, "no additional arguments for 'ram' mode")
		}
		return buffer.BufferInMemory, nil
	case "fs":
		path := filepath.Join(config.StateDirectory, "buffer")
		switch len(node.Args) {
		case 2:
			path = node.Args[1]
			fallthrough
		case 1:
			return func(r io.Reader) (buffer.Buffer, error) {
				return buffer.BufferInFile(r, path)
			}, nil
		default:
			return nil, config.NodeErr(node, "too many arguments for 'fs' mode")
		}
	case "auto":
		path := filepath.Join(config.StateDirectory, "buffer")
		if err := os.MkdirAll(path, 0700); err != nil {
			return nil, err
		}

		maxSize := 1 * 1024 * 1024 // 1 MiB
		switch len(node.Args) {
		case 3:
			path = node.Args[2]
			fallthrough
		case 2:
			var err error
			maxSize, err = config.ParseDataSize(node.Args[1])
			if err != nil {
				return nil, config.NodeErr(node, "%v", err)
			}
			fallthrough
		case 1:
			return autoBufferMode(maxSize, path), nil
		default:
			return nil, config.NodeErr(node, "too many arguments for 'auto' mode")
		}
	default:
		return nil, config.NodeErr(node, "unknown buffer mode: %v", node.Args[0])
	}
}

func (endp *Endpoint) setConfig(cfg *config.Map) error {
	var (
		err             error
		ioDebug         bool
		maxConnsAll     int
		maxConnsIP      int
		maxConnsUser    int
		maxMessageBytes int64
	)

	cfg.Callback("auth", func(m *config.Map, node config.Node) error {
		if !endp.submission {
			return config.NodeErr(node, "%s: authentication is not used by the MX endpoint", endp.name)
		}
		return endp.saslAuth.AddProvider(m, node)
	})
	cfg.String("hostname", true, true, "", &endp.hostname)
	cfg.Duration("write_timeout", false, false, 1*time.Minute, &endp.serv.WriteTimeout)
	cfg.Duration("read_timeout", false, false, 5*time.Minute, &endp.serv.ReadTimeout)
	cfg.DataSize("max_message_size", false, false, 32*1024*1024, &maxMessageBytes)
	cfg.DataSize("max_header_size", false, false, 1*1024*1024, &endp.maxHeaderBytes)
	cfg.Int("max_recipients", false, false, 100, &endp.serv.MaxRecipients)
	cfg.Int("max_received", false, false, 50, &endp.maxReceived)
	cfg.Custom("buffer", false, false, func() (interface{}, error) {
		path := filepath.Join(config.StateDirectory, "buffer")
		if err := os.MkdirAll(path, 0700); err != nil {
			return nil, err
		}
		return autoBufferMode(1*1024*1024 /* 1 MiB */, path), nil
	}, bufferModeDirective, &endp.buffer)
	cfg.Custom("storage", false, true, nil, modconfig.StorageDirective, &endp.store)
	cfg.Custom("deliver_to", false, false, func() (interface{}, error) {
		return (module.DeliveryTarget)(nil), nil
	}, modconfig.DeliveryDirective, &endp.deliverTo)
	cfg.Custom("mx", false, false, func() (interface{}, error) {
		return (*relayPolicy)(nil), nil
	}, relayPolicyDirective, &endp.policy)
	cfg.Custom("tls", true, true, nil, tls2.TLSDirective, &endp.serv.TLSConfig)
	cfg.Bool("insecure_auth", false, false, &endp.serv.AllowInsecureAuth)
	cfg.Custom("auth_rate", false, false, limits.DefaultAuthRate, limits.AuthRateDirective, &endp.authRates)
	cfg.Int("auth_max_fails", false, false, 5, &endp.maxAuthFails)
	cfg.Bool("io_debug", false, false, &ioDebug)
	cfg.Bool("debug", true, false, &endp.Log.Debug)
	cfg.Bool("defer_sender_reject", false, true, &endp.deferServerReject)
	cfg.Int("max_logged_rcpt_errors", false, false, 5, &endp.maxLoggedRcptErrors)
	cfg.Int("max_conns_total", false, false, 0, &maxConnsAll)
	cfg.Int("max_conns_per_ip", false, false, 0, &maxConnsIP)
	cfg.Int("max_conns_per_user", false, false, 0, &maxConnsUser)
	cfg.Custom("proxy_protocol", false, false, func() (interface{}, error) {
		return (*proxy_protocol.ProxyProtocol)(nil), nil
	}, proxy_protocol.ProxyProtocolDirective, &endp.proxyProtocol)
	cfg.Custom("limits", false, false, func() (interface{}, error) {
		return &limits.Group{}, nil
	}, func(cfg *config.Map, n config.Node) (interface{}, error) {
		var g *limits.Group
		if err := modconfig.GroupFromNode("limits", n.Args, n, cfg.Globals, &g); err != nil {
			return nil, err
		}
		return g, nil
	}, &endp.limits)
	if _, err := cfg.Process(); err != nil {
		return err
	}

	// go-smtp v0.16 uses int for MaxMessageBytes while cfg.DataSize stores int64.
	endp.serv.MaxMessageBytes = int(maxMessageBytes)

	if endp.deliverTo == nil {
		target, ok := endp.store.(module.DeliveryTarget)
		if !ok {
			return fmt.Errorf("%s: configured storage does not accept deliveries", endp.name)
		}
		endp.deliverTo = target
	}

	if endp.submission {
		if len(endp.saslAuth.SASLMechanisms()) == 0 {
			return fmt.Errorf("%s: auth. provider must be set for submission endpoint", endp.name)
		}
		if endp.policy != nil {
			return fmt.Errorf("%s: mx block is only used by the MX endpoint", endp.name)
		}
	} else {
		if endp.policy == nil {
			return fmt.Errorf("%s: mx block with hosted_domains is required", endp.name)
		}
		endp.policy.store = endp.store
		endp.policy.log = &endp.Log
	}

	endp.serv.AuthDisabled = !endp.submission
	for _, mech := range endp.saslAuth.SASLMechanisms() {
		if mech == sasl.Plain {
			// PLAIN is the go-smtp built-in, dispatched to Session.AuthPlain.
			continue
		}

		mech := mech
		endp.serv.EnableAuth(mech, func(c *smtp.Conn) sasl.Server {
			s, ok := c.Session().(*Session)
			if !ok {
				return auth.FailingSASLServ{Err: smtp.ErrAuthUnsupported}
			}
			if err := s.authAttempt(); err != nil {
				return auth.FailingSASLServ{Err: err}
			}

			return endp.saslAuth.CreateSASL(mech, c.Conn().RemoteAddr(), func(username, userID string) error {
				s.authDone(username, userID)
				return nil
			})
		})
	}

	endp.conns = limits.NewConnLimiter(endp.name, limits.ConnLimits{
		MaxTotal:   maxConnsAll,
		MaxPerIP:   maxConnsIP,
		MaxPerUser: maxConnsUser,
	})

	// INTERNATIONALIZATION: See RFC 6531 Section 3.3.
	endp.serv.Domain, err = idna.ToASCII(endp.hostname)
	if err != nil {
		return fmt.Errorf("%s: cannot represent the hostname as an A-label name: %w", endp.name, err)
	}

	if ioDebug {
		endp.serv.Debug = endp.Log.DebugWriter()
		endp.Log.Println("I/O debugging is on! It may leak passwords in logs, be careful!")
	}

	return nil
}

func (endp *Endpoint) setupListeners(addresses []config.Endpoint) error {
	for _, addr := range addresses {
		if addr.IsTLS() && endp.serv.TLSConfig == nil {
			return fmt.Errorf("%s: can't bind on SMTPS endpoint without TLS configuration", endp.name)
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

		l = limits.LimitListener(l, endp.conns, "421 4.7.0 Too many connections, try again later\r\n")

		// TLS wraps last so sessions see *tls.Conn. Over-limit
		// connections are dropped before the handshake.
		if addr.IsTLS() {
			l = tls.NewListener(l, endp.serv.TLSConfig)
		}

		endp.listeners = append(endp.listeners, l)

		endp.listenersWg.Add(1)
		addr := addr
		go func() {
			if err := endp.serv.Serve(l); err != nil && !errors.Is(err, net.ErrClosed) {
				endp.Log.Printf("failed to serve %s: %s", addr, err)
			}
			endp.listenersWg.Done()
		}()
	}

	return nil
}

func (endp *Endpoint) NewSession(c *smtp.Conn) (smtp.Session, error) {
	s := &Session{
		endp:       endp,
		conn:       c,
		log:        endp.Log,
		sessionCtx: context.Background(),
	}

	if endp.resolver != nil {
		rdnsCtx, cancelRDNS := context.WithCancel(s.sessionCtx)
		s.rdnsName = future.New()
		s.cancelRDNS = cancelRDNS
		go s.fetchRDNSName(rdnsCtx)
	}

	return s, nil
}

func (endp *Endpoint) Close() error {
	endp.serv.Close()
	endp.listenersWg.Wait()
	if endp.authRates != nil {
		endp.authRates.Close()
	}
	return nil
}

func init() {
	module.RegisterEndpoint("smtp", New)
	module.RegisterEndpoint("submission", New)
}
