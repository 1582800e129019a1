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

package smtp

import (
	"context"
	"errors"

	"github.com/ternmail/tern/framework/address"
	"github.com/ternmail/tern/framework/config"
	"github.com/ternmail/tern/framework/dns"
	"github.com/ternmail/tern/framework/exterrors"
	"github.com/ternmail/tern/framework/log"
	"github.com/ternmail/tern/framework/module"
)

// relayPolicy decides whether an anonymous (MX) session may deliver to a
// recipient. Hosted domains are matched after case folding and IDNA
// mapping, so the policy sees the same form the store does.
type relayPolicy struct {
	hostedDomains map[string]struct{}
	validateRcpts bool

	store module.MessageStore
	log   *log.Logger
}

func relayPolicyDirective(_ *config.Map, node config.Node) (interface{}, error) {
	p := &relayPolicy{
		hostedDomains: map[string]struct{}{},
	}

	var domains []string
	childM := config.NewMap(nil, node)
	childM.StringList("hosted_domains", false, false, nil, &domains)
	childM.Bool("validate_recipients", false, true, &p.validateRcpts)
	if _, err := childM.Process(); err != nil {
		return nil, err
	}

	domains = append(domains, node.Args...)
	for _, d := range domains {
		normalized, err := dns.ForLookup(d)
		if err != nil {
			return nil, config.NodeErr(node, "cannot normalize domain %s: %v", d, err)
		}
		p.hostedDomains[normalized] = struct{}{}
	}

	if len(p.hostedDomains) == 0 {
		return nil, config.NodeErr(node, "at least one hosted domain is required")
	}

	return p, nil
}

// checkRcpt is called for every RCPT of an anonymous session. rcptTo is
// already normalized by the session.
func (p *relayPolicy) checkRcpt(ctx context.Context, rcptTo string) error {
	_, domain, err := address.Split(rcptTo)
	if err != nil {
		return &exterrors.SMTPError{
			Code:         501,
			EnhancedCode: exterrors.EnhancedCode{5, 1, 3},
			Message:      "Invalid recipient address",
			Err:          err,
		}
	}

	normalized, err := dns.ForLookup(domain)
	if err != nil {
		return &exterrors.SMTPError{
			Code:         501,
			EnhancedCode: exterrors.EnhancedCode{5, 1, 2},
			Message:      "Unable to normalize the recipient domain",
			Err:          err,
		}
	}

	if _, ok := p.hostedDomains[normalized]; !ok {
		return &exterrors.SMTPError{
			Code:         550,
			EnhancedCode: exterrors.EnhancedCode{5, 7, 1},
			Message:      "Relay access denied",
			Misc: map[string]interface{}{
				"domain": normalized,
			},
		}
	}

	if !p.validateRcpts {
		return nil
	}

	_, err = p.store.FindUserByAddress(ctx, rcptTo, false)
	if err != nil {
		if errors.Is(err, module.ErrNoSuchUser) {
			return &exterrors.SMTPError{
				Code:         550,
				EnhancedCode: exterrors.EnhancedCode{5, 1, 1},
				Message:      "No such user here",
			}
		}

		// Lookup failures must not bounce legitimate mail, defer instead.
		p.log.Error("recipient lookup failed", err, "rcpt", rcptTo)
		return &exterrors.SMTPError{
			Code:         451,
			EnhancedCode: exterrors.EnhancedCode{4, 3, 0},
			Message:      "Temporary error, try again later",
			Err:          err,
		}
	}

	return nil
}
