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

package keys

import (
	"github.com/prometheus/client_golang/prometheus"
)

var cacheReqs = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "tern",
		Subsystem: "auth",
		Name:      "cache_requests_total",
		Help:      "Verifier cache lookups, by result (hit/miss)",
	},
	[]string{"module", "result"},
)

var verifyOutcomes = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "tern",
		Subsystem: "auth",
		Name:      "verify_total",
		Help:      "API key verification attempts, by outcome",
	},
	[]string{"module", "outcome"},
)

func init() {
	prometheus.MustRegister(cacheReqs)
	prometheus.MustRegister(verifyOutcomes)
}
