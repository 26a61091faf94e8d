/*
Kurier - composable mail transfer agent library.
Copyright © 2020-2024 The Kurier authors

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

package policy

import (
	"github.com/kurier-mta/kurier/envelope"
	"github.com/kurier-mta/kurier/framework/address"
	"github.com/kurier-mta/kurier/framework/dns"
)

// RecipientSplit replaces a multi-recipient envelope with one copy per
// recipient. Useful in front of relays that handle multi-recipient
// messages poorly, partial delivery failures in particular.
//
// The copies share the body storage, see envelope.Copy.
type RecipientSplit struct{}

func (RecipientSplit) Apply(e *envelope.Envelope) ([]*envelope.Envelope, error) {
	if len(e.Recipients) <= 1 {
		return nil, nil
	}
	parts := make([]*envelope.Envelope, 0, len(e.Recipients))
	for _, rcpt := range e.Recipients {
		parts = append(parts, e.Copy([]string{rcpt}))
	}
	return parts, nil
}

// RecipientDomainSplit replaces an envelope whose recipients span
// multiple domains with one copy per domain, matching domains
// case-insensitively. Recipients without a parseable domain each get an
// envelope of their own so the delivery failure stays local to them.
//
// The copies share the body storage, see envelope.Copy.
type RecipientDomainSplit struct{}

func (RecipientDomainSplit) Apply(e *envelope.Envelope) ([]*envelope.Envelope, error) {
	groups := make(map[string][]string, len(e.Recipients))
	order := make([]string, 0, len(e.Recipients))
	var bad []string
	for _, rcpt := range e.Recipients {
		_, domain, err := address.Split(rcpt)
		if err != nil || domain == "" {
			bad = append(bad, rcpt)
			continue
		}
		domain, _ = dns.ForLookup(domain)
		if _, seen := groups[domain]; !seen {
			order = append(order, domain)
		}
		groups[domain] = append(groups[domain], rcpt)
	}

	if len(order)+len(bad) <= 1 {
		return nil, nil
	}

	parts := make([]*envelope.Envelope, 0, len(order)+len(bad))
	for _, domain := range order {
		parts = append(parts, e.Copy(groups[domain]))
	}
	for _, rcpt := range bad {
		parts = append(parts, e.Copy([]string{rcpt}))
	}
	return parts, nil
}
