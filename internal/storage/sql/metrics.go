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

package sql

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/ternmail/tern/framework/module"
)

var opDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "tern",
		Subsystem: "storage",
		Name:      "op_duration_seconds",
		Help:      "Duration of message store operations",
	},
	[]string{"module", "op"},
)

var opErrors = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "tern",
		Subsystem: "storage",
		Name:      "op_errors_total",
		Help:      "Message store operations failed with a storage error",
	},
	[]string{"module", "op"},
)

func init() {
	prometheus.MustRegister(opDuration)
	prometheus.MustRegister(opErrors)
}

// observeOp records the operation outcome. Not-found and access-denied
// sentinels are normal protocol-visible outcomes and do not count as
// storage errors.
func (store *Storage) observeOp(op string, start time.Time, err error) {
	opDuration.WithLabelValues(store.instName, op).Observe(time.Since(start).Seconds())
	switch {
	case err == nil,
		errors.Is(err, module.ErrNoSuchEmail),
		errors.Is(err, module.ErrAccessDenied),
		errors.Is(err, module.ErrNoSuchUser),
		errors.Is(err, module.ErrNoSuchKey):
		return
	}
	opErrors.WithLabelValues(store.instName, op).Inc()
}
