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

package imap

import "github.com/prometheus/client_golang/prometheus"

var (
	startedSessions = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "tern",
			Subsystem: "imap",
			Name:      "started_sessions",
			Help:      "Authenticated IMAP sessions",
		},
	)
	failedLogins = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "tern",
			Subsystem: "imap",
			Name:      "failed_logins",
			Help:      "LOGIN and AUTHENTICATE failures",
		},
	)
	authRateLimited = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "tern",
			Subsystem: "imap",
			Name:      "auth_rate_limited",
			Help:      "Authentication attempts refused due to the per-IP rate limit",
		},
	)
	fetchedMessages = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "tern",
			Subsystem: "imap",
			Name:      "fetched_messages",
			Help:      "Messages sent to clients in response to FETCH",
		},
	)
	expungedMessages = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "tern",
			Subsystem: "imap",
			Name:      "expunged_messages",
			Help:      "Messages removed from the store by EXPUNGE and CLOSE",
		},
	)
)

func init() {
	prometheus.MustRegister(startedSessions)
	prometheus.MustRegister(failedLogins)
	prometheus.MustRegister(authRateLimited)
	prometheus.MustRegister(fetchedMessages)
	prometheus.MustRegister(expungedMessages)
}
