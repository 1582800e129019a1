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

package pop3

import "github.com/prometheus/client_golang/prometheus"

var (
	startedSessions = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "tern",
			Subsystem: "pop3",
			Name:      "started_sessions",
			Help:      "Accepted POP3 sessions",
		},
	)
	failedLogins = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "tern",
			Subsystem: "pop3",
			Name:      "failed_logins",
			Help:      "USER/PASS and AUTH failures",
		},
	)
	authRateLimited = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "tern",
			Subsystem: "pop3",
			Name:      "auth_rate_limited",
			Help:      "Authentication attempts refused due to the per-IP rate limit",
		},
	)
	retrievedMessages = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "tern",
			Subsystem: "pop3",
			Name:      "retrieved_messages",
			Help:      "Messages sent to clients in response to RETR",
		},
	)
	deletedMessages = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "tern",
			Subsystem: "pop3",
			Name:      "deleted_messages",
			Help:      "Messages removed from the store during the update state",
		},
	)
	timedOutSessions = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "tern",
			Subsystem: "pop3",
			Name:      "timed_out_sessions",
			Help:      "Sessions closed due to inactivity",
		},
	)
)

func init() {
	prometheus.MustRegister(startedSessions)
	prometheus.MustRegister(failedLogins)
	prometheus.MustRegister(authRateLimited)
	prometheus.MustRegister(retrievedMessages)
	prometheus.MustRegister(deletedMessages)
	prometheus.MustRegister(timedOutSessions)
}
