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
	"strconv"
	"time"

	"github.com/ternmail/tern/framework/config"
	"github.com/ternmail/tern/internal/limits/limiters"
)

// AuthRateDirective parses 'auth_rate <burst> [interval]' into the per-IP
// token bucket set protocol endpoints use to throttle authentication
// attempts.
func AuthRateDirective(_ *config.Map, node config.Node) (interface{}, error) {
	burst := 10
	period := 1 * time.Minute

	switch len(node.Args) {
	case 2:
		var err error
		period, err = time.ParseDuration(node.Args[1])
		if err != nil {
			return nil, config.NodeErr(node, "%v", err)
		}
		fallthrough
	case 1:
		var err error
		burst, err = strconv.Atoi(node.Args[0])
		if err != nil {
			return nil, config.NodeErr(node, "%v", err)
		}
	default:
		return nil, config.NodeErr(node, "expected burst size and interval")
	}
	if burst < 1 {
		return nil, config.NodeErr(node, "burst size must be positive")
	}

	return limiters.NewRateSet(burst, period, 10000), nil
}

// DefaultAuthRate is the bucket set used when auth_rate is not given:
// 10 attempts per minute per client address.
func DefaultAuthRate() (interface{}, error) {
	return limiters.NewRateSet(10, 1*time.Minute, 10000), nil
}
