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

package limits

import (
	"net"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	acceptedConns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tern",
			Subsystem: "endpoint",
			Name:      "accepted_connections",
			Help:      "Connections admitted by the endpoint",
		},
		[]string{"endpoint"},
	)
	rejectedConns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tern",
			Subsystem: "endpoint",
			Name:      "rejected_connections",
			Help:      "Connections rejected at accept due to connection caps",
		},
		[]string{"endpoint"},
	)
	activeConns = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "tern",
			Subsystem: "endpoint",
			Name:      "active_connections",
			Help:      "Currently open connections",
		},
		[]string{"endpoint"},
	)
)

func init() {
	prometheus.MustRegister(acceptedConns)
	prometheus.MustRegister(rejectedConns)
	prometheus.MustRegister(activeConns)
}

// ConnLimits is the set of connection count caps an endpoint enforces.
// Zero values disable the corresponding cap.
type ConnLimits struct {
	MaxTotal   int
	MaxPerIP   int
	MaxPerUser int
}

// ConnLimiter tracks open connections for one endpoint and enforces
// ConnLimits. Total and per-IP caps are checked at accept, the per-user cap
// is checked by the endpoint once the session authenticates.
type ConnLimiter struct {
	endpoint string
	cfg      ConnLimits

	mu      sync.Mutex
	total   int
	perIP   map[string]int
	perUser map[string]int
}

func NewConnLimiter(endpoint string, cfg ConnLimits) *ConnLimiter {
	return &ConnLimiter{
		endpoint: endpoint,
		cfg:      cfg,
		perIP:    map[string]int{},
		perUser:  map[string]int{},
	}
}

// TakeConn accounts for a new connection from ip. false means the connection
// should be rejected. ip may be nil for non-IP transports (Unix sockets),
// only the total cap applies then.
func (l *ConnLimiter) TakeConn(ip net.IP) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.cfg.MaxTotal != 0 && l.total >= l.cfg.MaxTotal {
		rejectedConns.WithLabelValues(l.endpoint).Inc()
		return false
	}
	key := ""
	if ip != nil {
		key = ip.String()
	}
	if key != "" && l.cfg.MaxPerIP != 0 && l.perIP[key] >= l.cfg.MaxPerIP {
		rejectedConns.WithLabelValues(l.endpoint).Inc()
		return false
	}

	l.total++
	if key != "" {
		l.perIP[key]++
	}
	acceptedConns.WithLabelValues(l.endpoint).Inc()
	activeConns.WithLabelValues(l.endpoint).Inc()
	return true
}

func (l *ConnLimiter) ReleaseConn(ip net.IP) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.total--
	if ip != nil {
		key := ip.String()
		if l.perIP[key] <= 1 {
			delete(l.perIP, key)
		} else {
			l.perIP[key]--
		}
	}
	activeConns.WithLabelValues(l.endpoint).Dec()
}

// TakeUser accounts for an authenticated session of the store account id.
func (l *ConnLimiter) TakeUser(id string) bool {
	if l.cfg.MaxPerUser == 0 {
		return true
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.perUser[id] >= l.cfg.MaxPerUser {
		return false
	}
	l.perUser[id]++
	return true
}

func (l *ConnLimiter) ReleaseUser(id string) {
	if l.cfg.MaxPerUser == 0 {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.perUser[id] <= 1 {
		delete(l.perUser, id)
	} else {
		l.perUser[id]--
	}
}

type limitListener struct {
	net.Listener
	limiter *ConnLimiter

	// Written to the rejected connection before close so the client sees a
	// protocol-appropriate "too many connections" status instead of EOF.
	rejectLine []byte
}

// LimitListener wraps l so that connections over the limiter caps are
// answered with rejectLine and closed without ever reaching the server
// loop. Admitted connections release their slot when closed.
func LimitListener(l net.Listener, limiter *ConnLimiter, rejectLine string) net.Listener {
	return &limitListener{Listener: l, limiter: limiter, rejectLine: []byte(rejectLine)}
}

func (l *limitListener) Accept() (net.Conn, error) {
	for {
		c, err := l.Listener.Accept()
		if err != nil {
			return nil, err
		}

		var ip net.IP
		if tcpAddr, ok := c.RemoteAddr().(*net.TCPAddr); ok {
			ip = tcpAddr.IP
		}

		if !l.limiter.TakeConn(ip) {
			_ = c.SetWriteDeadline(time.Now().Add(5 * time.Second))
			_, _ = c.Write(l.rejectLine)
			_ = c.Close()
			continue
		}

		return &limitedConn{Conn: c, limiter: l.limiter, ip: ip}, nil
	}
}

type limitedConn struct {
	net.Conn
	limiter *ConnLimiter
	ip      net.IP

	releaseOnce sync.Once
}

func (c *limitedConn) Close() error {
	err := c.Conn.Close()
	c.releaseOnce.Do(func() {
		c.limiter.ReleaseConn(c.ip)
	})
	return err
}
