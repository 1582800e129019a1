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

// Package imap implements the IMAP4rev1 access endpoint on top of the
// shared message store.
//
// Accounts have exactly one mailbox, INBOX. A selected mailbox is a
// session-local snapshot of the account listing: \Seen is persisted
// through the store read flag, \Deleted turns into store deletion at
// EXPUNGE time and all other flags exist only within the session.
// Changes made through other protocols (deliveries, POP3 deletions,
// read flag flips) are picked up by reconciling the snapshot against a
// fresh listing on every poll.
package imap

import (
	"crypto/tls"
	"errors"
	"fmt"
	"math"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/emersion/go-imap"
	compress "github.com/emersion/go-imap-compress"
	sortthread "github.com/emersion/go-imap-sortthread"
	imapbackend "github.com/emersion/go-imap/backend"
	imapserver "github.com/emersion/go-imap/server"
	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-sasl"
	namespace "github.com/foxcpp/go-imap-namespace"
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
	inboxName        = "INBOX"
	mailboxDelimiter = "/"

	// opTimeout bounds individual message store calls made on behalf of
	// the client.
	opTimeout = 30 * time.Second
)

type Endpoint struct {
	name      string
	addrs     []string
	serv      *imapserver.Server
	listeners []net.Listener

	store         module.MessageStore
	tlsConfig     *tls.Config
	proxyProtocol *proxy_protocol.ProxyProtocol
	conns         *limits.ConnLimiter

	saslAuth  auth.SASLAuth
	authRates *limiters.RateSet

	readTimeout  time.Duration
	writeTimeout time.Duration

	views *viewRegistry

	listenersWg sync.WaitGroup

	Log log.Logger
}

func New(modName string, addrs []string) (module.Module, error) {
	endp := &Endpoint{
		name:  modName,
		addrs: addrs,
		views: newViewRegistry(),
		Log:   log.Logger{Name: modName},
	}
	endp.saslAuth = auth.SASLAuth{
		Log:   log.Logger{Name: modName + "/sasl", Debug: endp.Log.Debug},
		Scope: module.ScopeIMAP,
	}
	return endp, nil
}

func (endp *Endpoint) Name() string {
	return endp.name
}

func (endp *Endpoint) InstanceName() string {
	return endp.name
}

func (endp *Endpoint) Init(cfg *config.Map) error {
	var (
		insecureAuth bool
		ioDebug      bool
		ioErrors     bool
		maxConnsAll  int
		maxConnsIP   int
		maxConnsUser int
	)

	cfg.Callback("auth", func(m *config.Map, node config.Node) error {
		return endp.saslAuth.AddProvider(m, node)
	})
	cfg.Custom("storage", false, true, nil, modconfig.StorageDirective, &endp.store)
	cfg.Custom("tls", true, true, nil, tls2.TLSDirective, &endp.tlsConfig)
	cfg.Bool("insecure_auth", false, false, &insecureAuth)
	cfg.Duration("read_timeout", false, false, 10*time.Minute, &endp.readTimeout)
	cfg.Duration("write_timeout", false, false, 1*time.Minute, &endp.writeTimeout)
	cfg.Custom("auth_rate", false, false, limits.DefaultAuthRate, limits.AuthRateDirective, &endp.authRates)
	cfg.Int("max_conns_total", false, false, 0, &maxConnsAll)
	cfg.Int("max_conns_per_ip", false, false, 0, &maxConnsIP)
	cfg.Int("max_conns_per_user", false, false, 0, &maxConnsUser)
	cfg.Custom("proxy_protocol", false, false, func() (interface{}, error) {
		return (*proxy_protocol.ProxyProtocol)(nil), nil
	}, proxy_protocol.ProxyProtocolDirective, &endp.proxyProtocol)
	cfg.Bool("io_debug", false, false, &ioDebug)
	cfg.Bool("io_errors", false, false, &ioErrors)
	cfg.Bool("debug", true, false, &endp.Log.Debug)
	if _, err := cfg.Process(); err != nil {
		return err
	}

	if len(endp.saslAuth.SASLMechanisms()) == 0 {
		return fmt.Errorf("%s: auth. provider must be set", endp.name)
	}

	endp.conns = limits.NewConnLimiter(endp.name, limits.ConnLimits{
		MaxTotal:   maxConnsAll,
		MaxPerIP:   maxConnsIP,
		MaxPerUser: maxConnsUser,
	})

	// Stores that announce committed deliveries let us wake IDLE
	// sessions right away instead of waiting for the next poll.
	if notifier, ok := endp.store.(module.DeliveryNotifier); ok {
		notifier.NotifyOnDelivery(endp.views.poke)
	}

	addresses := make([]config.Endpoint, 0, len(endp.addrs))
	for _, addr := range endp.addrs {
		saddr, err := config.ParseEndpoint(addr)
		if err != nil {
			return fmt.Errorf("%s: invalid address: %s", endp.name, addr)
		}
		addresses = append(addresses, saddr)
	}

	endp.serv = imapserver.New(endp)
	endp.serv.AllowInsecureAuth = insecureAuth
	endp.serv.TLSConfig = endp.tlsConfig
	if ioErrors {
		endp.serv.ErrorLog = &endp.Log
	} else {
		endp.serv.ErrorLog = log.Logger{Out: log.NopOutput{}}
	}
	if ioDebug {
		endp.serv.Debug = endp.Log.DebugWriter()
		endp.Log.Println("I/O debugging is on! It may leak passwords in logs, be careful!")
	}

	endp.enableExtensions()

	for _, mech := range endp.saslAuth.SASLMechanisms() {
		endp.serv.EnableAuth(mech, func(c imapserver.Conn) sasl.Server {
			if !endp.authRateOK(c.Info().RemoteAddr) {
				authRateLimited.Inc()
				return auth.FailingSASLServ{
					Err: errors.New("authentication rate exceeded, try again later"),
				}
			}
			return endp.saslAuth.CreateSASL(mech, c.Info().RemoteAddr, func(username, userID string) error {
				return endp.openAccount(c, username, userID)
			})
		})
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

func (endp *Endpoint) setupListeners(addresses []config.Endpoint) error {
	for _, addr := range addresses {
		if addr.IsTLS() && endp.tlsConfig == nil {
			return fmt.Errorf("%s: can't bind on IMAPS endpoint without TLS configuration", endp.name)
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

		l = limits.LimitListener(l, endp.conns, "* BYE Too many connections\r\n")
		l = deadlineListener{
			Listener:     l,
			readTimeout:  endp.readTimeout,
			writeTimeout: endp.writeTimeout,
		}

		// TLS wraps last so the library sees *tls.Conn. Over-limit
		// connections are dropped before the handshake.
		if addr.IsTLS() {
			l = tls.NewListener(l, endp.tlsConfig)
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

// deadlineListener applies the session inactivity limits. The go-imap
// server does not manage deadlines itself, so each Read and Write on the
// accepted connections rearms them. Sessions parked in IDLE are subject
// to the same limit and are expected to re-issue IDLE to stay alive.
type deadlineListener struct {
	net.Listener
	readTimeout  time.Duration
	writeTimeout time.Duration
}

func (l deadlineListener) Accept() (net.Conn, error) {
	conn, err := l.Listener.Accept()
	if err != nil {
		return nil, err
	}
	return deadlineConn{Conn: conn, readTimeout: l.readTimeout, writeTimeout: l.writeTimeout}, nil
}

type deadlineConn struct {
	net.Conn
	readTimeout  time.Duration
	writeTimeout time.Duration
}

func (c deadlineConn) Read(b []byte) (int, error) {
	if c.readTimeout != 0 {
		c.Conn.SetReadDeadline(time.Now().Add(c.readTimeout)) //nolint:errcheck
	}
	return c.Conn.Read(b)
}

func (c deadlineConn) Write(b []byte) (int, error) {
	if c.writeTimeout != 0 {
		c.Conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)) //nolint:errcheck
	}
	return c.Conn.Write(b)
}

func (endp *Endpoint) authRateOK(remote net.Addr) bool {
	if endp.authRates == nil {
		return true
	}
	ip := net.IPv4(127, 0, 0, 1)
	if tcpAddr, ok := remote.(*net.TCPAddr); ok {
		ip = tcpAddr.IP
	}
	return endp.authRates.Take(ip.String())
}

func (endp *Endpoint) openAccount(c imapserver.Conn, username, userID string) error {
	u, err := endp.newAccount(username, userID)
	if err != nil {
		return err
	}

	ctx := c.Context()
	ctx.State = imap.AuthenticatedState
	ctx.User = u
	return nil
}

// Login handles the LOGIN command. AUTHENTICATE goes through the SASL
// servers installed by Init instead.
func (endp *Endpoint) Login(connInfo *imap.ConnInfo, username, password string) (imapbackend.User, error) {
	if !endp.authRateOK(connInfo.RemoteAddr) {
		authRateLimited.Inc()
		return nil, errors.New("authentication rate exceeded, try again later")
	}

	userID, err := endp.saslAuth.AuthPlain(username, password)
	if err != nil {
		failedLogins.Inc()
		endp.Log.Error("authentication failed", err, "username", username, "src_ip", connInfo.RemoteAddr)
		return nil, imapbackend.ErrInvalidCredentials
	}

	return endp.newAccount(username, userID)
}

func (endp *Endpoint) enableExtensions() {
	endp.serv.Enable(compress.NewExtension())
	endp.serv.Enable(namespace.NewExtension())
	endp.serv.Enable(sortthread.NewSortExtension())
	endp.serv.Enable(sortthread.NewThreadExtension())
}

// SupportedThreadAlgorithms implements sortthread.ThreadBackend.
func (endp *Endpoint) SupportedThreadAlgorithms() []sortthread.ThreadAlgorithm {
	return []sortthread.ThreadAlgorithm{sortthread.References}
}

// CreateMessageLimit reports the store message size cap as the
// APPENDLIMIT value. APPEND itself is not accepted, the advertised limit
// tells clients what the submission path would take.
func (endp *Endpoint) CreateMessageLimit() *uint32 {
	lim, ok := endp.store.(interface{ MaxMessageSize() int64 })
	if !ok {
		return nil
	}
	size := lim.MaxMessageSize()
	if size <= 0 || size > math.MaxUint32 {
		return nil
	}
	val := uint32(size)
	return &val
}

func (endp *Endpoint) Close() error {
	for _, l := range endp.listeners {
		l.Close()
	}

	// Every connected client is told about the shutdown before its
	// connection is torn down, sessions blocked in IDLE included.
	endp.serv.ForEachConn(func(c imapserver.Conn) {
		c.WriteResp(&imap.StatusResp{ //nolint:errcheck
			Type: imap.StatusRespBye,
			Info: "Server shutting down",
		})
	})

	if err := endp.serv.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		return err
	}
	endp.listenersWg.Wait()

	if endp.authRates != nil {
		endp.authRates.Close()
	}
	return nil
}

func init() {
	module.RegisterEndpoint("imap", New)

	imap.CharsetReader = message.CharsetReader
}
