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

package relay

import (
	"context"
	"errors"
	"math/rand"
	"net"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/net/idna"
	"golang.org/x/sync/errgroup"

	"github.com/kurier-mta/kurier/envelope"
	"github.com/kurier-mta/kurier/framework/address"
	"github.com/kurier-mta/kurier/framework/dns"
	"github.com/kurier-mta/kurier/framework/exterrors"
	"github.com/kurier-mta/kurier/framework/log"
	"github.com/kurier-mta/kurier/smtp"
)

// Resolver is the DNS surface the MX relay needs: MX answers with their
// cache lifetime plus plain host resolution for the implicit MX
// fallback.
type Resolver interface {
	dns.MXResolver
	LookupHost(ctx context.Context, host string) (addrs []string, err error)
}

// MXConfig configures the MX resolving relay.
type MXConfig struct {
	// Client holds the session settings used for every destination
	// host.
	Client ClientConfig

	// Resolver overrides the DNS resolver. Nil uses the system
	// resolver with MX answers cached for five minutes.
	Resolver Resolver

	// MaxConnectionsPerHost and IdleTimeout configure the session
	// handling of each destination, see StaticConfig.
	MaxConnectionsPerHost int
	IdleTimeout           time.Duration

	Log log.Logger
}

// MX delivers each envelope to the MX hosts of its recipient domains,
// the way an outbound border MTA hands mail to the wider world.
// Recipients are grouped by domain and the groups attempted
// concurrently. MX answers are cached until their TTL runs out and
// equal-preference hosts rotate between delivery attempts.
type MX struct {
	cfg      MXConfig
	resolver Resolver

	mu       sync.Mutex
	cache    map[string]*mxRecords
	forced   map[string]hostPort
	relayers map[hostPort]*Static

	Log log.Logger
}

type hostPort struct {
	host string
	port int
}

// smtpPort is the port MX destinations are dialed on. Overridable for
// tests via the debugflags build tag.
var smtpPort = 25

// mxRecords is one cached, preference-ordered MX answer.
type mxRecords struct {
	mu      sync.Mutex
	records []*net.MX
	expires time.Time
}

func NewMX(cfg MXConfig) (*MX, error) {
	if cfg.Client.Hostname == "" {
		return nil, errors.New("relay: no hostname configured")
	}
	if cfg.Client.LMTP {
		return nil, errors.New("relay: LMTP cannot be used for MX delivery")
	}
	resolver := cfg.Resolver
	if resolver == nil {
		resolver = dns.FixedTTLResolver{
			Resolver: dns.DefaultResolver(),
			TTL:      5 * time.Minute,
		}
	}
	return &MX{
		cfg:      cfg,
		resolver: resolver,
		cache:    map[string]*mxRecords{},
		forced:   map[string]hostPort{},
		relayers: map[hostPort]*Static{},
		Log:      cfg.Log,
	}, nil
}

// ForceMX skips MX resolution for domain and delivers its mail to the
// given host instead. Port zero means the SMTP port.
func (m *MX) ForceMX(domain, host string, port int) {
	if port == 0 {
		port = smtpPort
	}
	key, _ := dns.ForLookup(domain)
	m.mu.Lock()
	m.forced[key] = hostPort{host, port}
	m.mu.Unlock()
}

func (m *MX) Attempt(ctx context.Context, e *envelope.Envelope, attempts int) (Result, error) {
	var (
		resMu sync.Mutex
		res   = Result{}
	)

	groups := map[string][]string{}
	for _, rcpt := range e.Recipients {
		_, domain, err := address.Split(rcpt)
		if err != nil || domain == "" {
			res[rcpt] = smtp.NewReply(550, "5.1.5 Recipient address has no domain: "+rcpt)
			continue
		}
		// A-label and U-label spellings must land in one group, both
		// for the MX cache and so the message travels over one
		// connection.
		domain, _ = dns.ForLookup(domain)
		groups[domain] = append(groups[domain], rcpt)
	}

	eg, gctx := errgroup.WithContext(ctx)
	for domain, rcpts := range groups {
		domain, rcpts := domain, rcpts
		eg.Go(func() error {
			part, err := m.attemptDomain(gctx, domain, e.Copy(rcpts), attempts)
			resMu.Lock()
			defer resMu.Unlock()
			if err != nil {
				var reply *smtp.Reply
				if !errors.As(err, &reply) {
					return err
				}
				for _, rcpt := range rcpts {
					res[rcpt] = reply
				}
				return nil
			}
			for rcpt, reply := range part {
				res[rcpt] = reply
			}
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}

	if len(res) == 0 {
		return nil, nil
	}
	return res, nil
}

func (m *MX) attemptDomain(ctx context.Context, domain string, e *envelope.Envelope, attempts int) (Result, error) {
	if dest, ok := m.forcedDest(domain); ok {
		relayer, err := m.relayer(dest)
		if err != nil {
			return nil, err
		}
		return relayer.Attempt(ctx, e, attempts)
	}

	records, err := m.resolve(ctx, domain)
	if err != nil {
		return nil, err
	}
	record := records[attempts%len(records)]
	if record.Host == "." {
		// RFC 7505 null MX.
		return nil, smtp.NewReply(556, "5.1.10 Domain does not accept email (null MX)")
	}

	relayer, err := m.relayer(hostPort{strings.TrimSuffix(record.Host, "."), smtpPort})
	if err != nil {
		return nil, err
	}
	return relayer.Attempt(ctx, e, attempts)
}

// resolve returns the preference-ordered MX hosts for domain, from the
// cache when a previous answer is still fresh. DNS failures come back
// as reply errors: permanent when the domain verifiably has no usable
// records, transient when the lookup itself failed.
func (m *MX) resolve(ctx context.Context, domain string) ([]*net.MX, error) {
	rec := m.cacheEntry(domain)
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.records != nil && time.Now().Before(rec.expires) {
		return rec.records, nil
	}

	// Lookups and dials want the A-label form, the cache key stays as
	// the U-label group key.
	lookupDomain, err := idna.ToASCII(domain)
	if err != nil {
		return nil, smtp.NewReply(550, "5.1.2 Invalid recipient domain: "+domain)
	}

	records, ttl, err := m.resolver.LookupMXTTL(ctx, lookupDomain)
	if err != nil && !dns.IsNotFound(err) {
		m.Log.Error("MX lookup failed", annotateDNSErr(err), "domain", domain)
		return nil, smtp.NewReply(451, "4.4.3 DNS lookup failed")
	}

	records = append([]*net.MX(nil), records...)
	if len(records) == 0 {
		// No MX at all, the A/AAAA record of the domain itself serves
		// as the implicit MX.
		if _, err := m.resolver.LookupHost(ctx, lookupDomain); err != nil {
			if dns.IsNotFound(err) {
				return nil, smtp.NewReply(550, "5.1.2 No usable DNS records found: "+domain)
			}
			m.Log.Error("A lookup failed", annotateDNSErr(err), "domain", domain)
			return nil, smtp.NewReply(451, "4.4.3 DNS lookup failed")
		}
		implicitMXCnt.Inc()
		records = []*net.MX{{Host: lookupDomain, Pref: 0}}
	} else {
		// Randomize the order of equally preferred hosts.
		rand.Shuffle(len(records), func(i, j int) {
			records[i], records[j] = records[j], records[i]
		})
		sort.SliceStable(records, func(i, j int) bool {
			return records[i].Pref < records[j].Pref
		})
	}

	if ttl > 0 {
		rec.records = records
		rec.expires = time.Now().Add(ttl)
	} else {
		rec.records = nil
	}
	return records, nil
}

// annotateDNSErr attaches the reason and flags of the underlying DNS
// failure to err, so Log.Error reports them as fields instead of one
// opaque error string.
func annotateDNSErr(err error) error {
	reason, fields := exterrors.UnwrapDNSErr(err)
	if reason == "" {
		return err
	}
	fields["reason"] = reason
	return exterrors.WithFields(err, fields)
}

func (m *MX) cacheEntry(domain string) *mxRecords {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.cache[domain]
	if !ok {
		rec = &mxRecords{}
		m.cache[domain] = rec
	}
	return rec
}

func (m *MX) forcedDest(domain string) (hostPort, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	dest, ok := m.forced[domain]
	return dest, ok
}

// relayer returns the relay for one destination, creating it on first
// use. Each destination keeps its own session bound and idle stash.
func (m *MX) relayer(dest hostPort) (*Static, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.relayers[dest]; ok {
		return s, nil
	}
	s, err := NewStatic(StaticConfig{
		Host:           dest.host,
		Port:           dest.port,
		Client:         m.cfg.Client,
		MaxConnections: m.cfg.MaxConnectionsPerHost,
		IdleTimeout:    m.cfg.IdleTimeout,
		Log:            m.Log,
	})
	if err != nil {
		return nil, err
	}
	m.relayers[dest] = s
	return s, nil
}

// Close shuts down the idle sessions of every destination.
func (m *MX) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.relayers {
		s.Close()
	}
	m.relayers = map[hostPort]*Static{}
	return nil
}
