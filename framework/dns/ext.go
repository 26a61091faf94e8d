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

package dns

import (
	"context"
	"net"
	"strconv"
	"time"

	"github.com/miekg/dns"

	"github.com/kurier-mta/kurier/framework/log"
)

// ExtResolver talks DNS through miekg/dns instead of the standard
// library to get at response details net.Resolver hides: TTL values,
// which bound answer caching, and the AD flag, which tells whether the
// server did DNSSEC validation.
//
// The AD flag is only trusted when the server is on a loopback
// address. Over any other path the flag arrives unauthenticated and is
// cleared.
type ExtResolver struct {
	cl  *dns.Client
	Cfg *dns.ClientConfig
}

// NewExtResolver builds an ExtResolver from /etc/resolv.conf.
func NewExtResolver() (*ExtResolver, error) {
	cfg, err := dns.ClientConfigFromFile("/etc/resolv.conf")
	if err != nil {
		return nil, err
	}

	if overrideServ != "" && overrideServ != "system-default" {
		host, port, err := net.SplitHostPort(overrideServ)
		if err != nil {
			panic(err)
		}
		cfg.Servers = []string{host}
		cfg.Port = port
	}

	if len(cfg.Servers) == 0 {
		cfg.Servers = []string{"127.0.0.1"}
	}

	cl := new(dns.Client)
	cl.Dialer = &net.Dialer{
		Timeout: time.Duration(cfg.Timeout) * time.Second,
	}
	return &ExtResolver{cl: cl, Cfg: cfg}, nil
}

// RCodeError is returned for responses with an RCODE other than
// NOERROR.
type RCodeError struct {
	Name string
	Code int
}

func (err RCodeError) Error() string {
	rcode, ok := dns.RcodeToString[err.Code]
	if !ok {
		rcode = strconv.Itoa(err.Code)
	}
	return "dns: rcode " + rcode + " when looking up " + err.Name
}

func (err RCodeError) Temporary() bool {
	return err.Code == dns.RcodeServerFailure
}

func (e ExtResolver) exchange(ctx context.Context, msg *dns.Msg) (*dns.Msg, error) {
	var (
		resp    *dns.Msg
		lastErr error
	)
	for _, srv := range e.Cfg.Servers {
		resp, _, lastErr = e.cl.ExchangeContext(ctx, msg, net.JoinHostPort(srv, e.Cfg.Port))
		if lastErr != nil {
			continue
		}
		if resp.Rcode != dns.RcodeSuccess {
			lastErr = RCodeError{msg.Question[0].Name, resp.Rcode}
			continue
		}

		if !isLoopback(srv) {
			resp.AuthenticatedData = false
		}
		break
	}
	return resp, lastErr
}

func isLoopback(addr string) bool {
	ip := net.ParseIP(addr)
	return ip != nil && ip.IsLoopback()
}

// LookupMXTTL returns the MX records for name together with the
// smallest TTL seen in the answer. The TTL bounds how long the answer
// may be reused, zero means it must not be cached at all.
func (e ExtResolver) LookupMXTTL(ctx context.Context, name string) ([]*net.MX, time.Duration, error) {
	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(name), dns.TypeMX)
	msg.SetEdns0(4096, false)

	resp, err := e.exchange(ctx, msg)
	if err != nil {
		return nil, 0, err
	}

	mxs := make([]*net.MX, 0, len(resp.Answer))
	var minTTL uint32
	for _, rr := range resp.Answer {
		mxRR, ok := rr.(*dns.MX)
		if !ok {
			continue
		}
		if len(mxs) == 0 || mxRR.Hdr.Ttl < minTTL {
			minTTL = mxRR.Hdr.Ttl
		}
		mxs = append(mxs, &net.MX{Host: mxRR.Mx, Pref: mxRR.Preference})
	}
	return mxs, time.Duration(minTTL) * time.Second, nil
}

// AuthLookupIPAddr resolves host to addresses, reporting whether the
// answer was DNSSEC-authenticated. AAAA and A records are queried
// separately and merged, IPv6 first.
//
// Real-world servers sometimes authenticate only one of the two
// answers. To stay on the safe side, unauthenticated AAAA records are
// dropped when the A answer is authenticated, and the returned ad flag
// never says more than the A answer did.
func (e ExtResolver) AuthLookupIPAddr(ctx context.Context, host string) (ad bool, addrs []net.IPAddr, err error) {
	v6ad, v6addrs, v6err := e.queryAddrs(ctx, host, dns.TypeAAAA)
	if v6err != nil {
		log.DefaultLogger.Error("Network I/O error during AAAA lookup", v6err, "host", host)
	}

	v4ad, v4addrs, v4err := e.queryAddrs(ctx, host, dns.TypeA)
	if v4err != nil {
		if v6err != nil {
			return false, nil, v4err
		}
		log.DefaultLogger.Error("Network I/O error during A lookup, using AAAA records", v4err, "host", host)
	}

	addrs = make([]net.IPAddr, 0, len(v6addrs)+len(v4addrs))
	if v6ad || v4ad {
		if v6ad {
			addrs = append(addrs, v6addrs...)
		}
		addrs = append(addrs, v4addrs...)
	} else {
		addrs = append(addrs, v6addrs...)
		addrs = append(addrs, v4addrs...)
	}
	return v4ad, addrs, nil
}

func (e ExtResolver) queryAddrs(ctx context.Context, host string, qtype uint16) (ad bool, addrs []net.IPAddr, err error) {
	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(host), qtype)
	msg.SetEdns0(4096, false)
	msg.AuthenticatedData = true

	resp, err := e.exchange(ctx, msg)
	if err != nil {
		return false, nil, err
	}

	addrs = make([]net.IPAddr, 0, len(resp.Answer))
	for _, rr := range resp.Answer {
		switch rr := rr.(type) {
		case *dns.A:
			addrs = append(addrs, net.IPAddr{IP: rr.A})
		case *dns.AAAA:
			addrs = append(addrs, net.IPAddr{IP: rr.AAAA})
		}
	}
	return resp.AuthenticatedData, addrs, nil
}
