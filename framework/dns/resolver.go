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

// Package dns holds the resolver interfaces kurier components look
// things up through, plus ExtResolver for lookups that need TTL values
// or the DNSSEC AD flag.
package dns

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"

	"github.com/miekg/dns"
)

// Resolver is the lookup interface accepted wherever kurier needs
// name resolution. *net.Resolver implements it, so does
// mockdns.Resolver in tests.
type Resolver interface {
	LookupAddr(ctx context.Context, addr string) (names []string, err error)
	LookupHost(ctx context.Context, host string) (addrs []string, err error)
	LookupMX(ctx context.Context, name string) ([]*net.MX, error)
	LookupTXT(ctx context.Context, name string) ([]string, error)
	LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error)
}

// MXResolver is an MX lookup that also says how long the answer may be
// reused. ExtResolver implements it with the TTL values from the
// response, FixedTTLResolver fakes it on top of any Resolver.
type MXResolver interface {
	LookupMXTTL(ctx context.Context, name string) ([]*net.MX, time.Duration, error)
}

// FixedTTLResolver turns a Resolver into an MXResolver by stamping
// every answer with the same TTL.
type FixedTTLResolver struct {
	Resolver
	TTL time.Duration
}

func (r FixedTTLResolver) LookupMXTTL(ctx context.Context, name string) ([]*net.MX, time.Duration, error) {
	recs, err := r.LookupMX(ctx, name)
	return recs, r.TTL, err
}

// LookupAddr resolves ip back to a name, returning the first PTR
// result without the trailing dot. No PTR record is not an error, the
// name is just empty then.
func LookupAddr(ctx context.Context, r Resolver, ip net.IP) (string, error) {
	names, err := r.LookupAddr(ctx, ip.String())
	if err != nil || len(names) == 0 {
		return "", err
	}
	return strings.TrimRight(names[0], "."), nil
}

// IsNotFound reports whether err means the queried name or record does
// not exist, as opposed to the lookup itself failing.
func IsNotFound(err error) bool {
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return dnsErr.IsNotFound
	}
	var rcodeErr RCodeError
	if errors.As(err, &rcodeErr) {
		return rcodeErr.Code == dns.RcodeNameError
	}
	return false
}

// DefaultResolver returns the resolver components should use unless
// configured otherwise. It honors the debug.dnsoverride flag when the
// debugflags build tag is on.
func DefaultResolver() Resolver {
	if overrideServ != "" && overrideServ != "system-default" {
		override(overrideServ)
	}
	return net.DefaultResolver
}
