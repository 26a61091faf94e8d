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

// Package edge implements the reception side of the mail flow. An edge
// server accepts connections, drives a server-side SMTP session on each
// and hands every received message over to a queue. The 250 answer to the
// message content is only sent once the queue took responsibility for the
// message.
package edge

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/kurier-mta/kurier/envelope"
	"github.com/kurier-mta/kurier/framework/dns"
	"github.com/kurier-mta/kurier/framework/log"
	"github.com/kurier-mta/kurier/internal/limiters"
	"github.com/kurier-mta/kurier/smtp"
)

// Queue takes over responsibility for messages received by the edge. A nil
// error means the message is durably stored and will be delivered or
// bounced. The returned ids name the stored copies, more than one when a
// pre-queue policy split the message.
type Queue interface {
	Enqueue(e *envelope.Envelope) ([]string, error)
}

// RateLimit is a token bucket definition: Burst connections are admitted
// per Interval. The zero value does not limit.
type RateLimit struct {
	Burst    int
	Interval time.Duration
}

// Config describes an edge server.
type Config struct {
	// Addrs are the TCP addresses to listen on, in host:port form.
	Addrs []string

	// Server configures the SMTP sessions: hostname, TLS, authentication,
	// message size bound and timeouts. An empty hostname is filled in
	// from the operating system.
	Server smtp.ServerConfig

	// Name labels the edge in metrics. Defaults to "smtp".
	Name string

	// Queue receives every accepted message.
	Queue Queue

	// Validator returns the hook set that screens the commands of one
	// session. It is called once per session so that hooks can keep
	// per-session state in their closure. Hooks run before the edge's own
	// bookkeeping and may change the prepared reply, rejecting the
	// command. Nil means no validation.
	Validator func() *smtp.Handler

	// Resolver enables a reverse DNS lookup of the peer address, run
	// concurrently with the session. The name ends up in the client
	// metadata of received envelopes. Nil disables the lookup.
	Resolver dns.Resolver

	// ProxyProtocol makes listeners expect the HAProxy PROXY header
	// before the first SMTP byte.
	ProxyProtocol *ProxyProtocol

	// MaxConnections bounds the sessions served at once. At the bound
	// further connections wait in the listen backlog, nothing is
	// accepted until a session ends. Zero means no bound.
	MaxConnections int

	// MaxConnectionsPerIP bounds the sessions served at once for a
	// single peer address. An address over its bound is answered with a
	// 421 instead of holding up the accept loop. Zero means no bound.
	MaxConnectionsPerIP int

	// RateLimit bounds how fast connections are admitted, RateLimitPerIP
	// does the same per peer address.
	RateLimit      RateLimit
	RateLimitPerIP RateLimit

	// CloseTimeout bounds the session drain on Close. Sessions still
	// running after it are cut. Zero waits for all sessions to finish.
	CloseTimeout time.Duration

	Log log.Logger
}

// Server is a running edge. Construct with New.
type Server struct {
	cfg      Config
	queue    Queue
	name     string
	hostname string
	resolver dns.Resolver

	listeners []net.Listener

	global    limiters.L
	perIP     *limiters.BucketSet
	perIPRate *limiters.RateSet

	closeCtx    context.Context
	closeCancel context.CancelFunc
	closeOnce   sync.Once

	wg sync.WaitGroup

	connsMu sync.Mutex
	conns   map[net.Conn]struct{}

	Log log.Logger
}

// maxTrackedIPs bounds the per-address limiter maps. Once it is reached a
// sweep drops addresses not seen for a while, connections from new
// addresses are not admitted while every tracked one is active.
const maxTrackedIPs = 20000

// peerAdmitTimeout bounds how long a connection may wait on the
// per-address limits before it is turned away. Long enough to smooth a
// small burst, short enough that waiters do not pile up.
const peerAdmitTimeout = time.Second

// New starts an edge server listening on every address in cfg.Addrs.
func New(cfg Config) (*Server, error) {
	if cfg.Queue == nil {
		return nil, errors.New("edge: no queue configured")
	}
	if len(cfg.Addrs) == 0 {
		return nil, errors.New("edge: no listen addresses configured")
	}
	if cfg.Name == "" {
		cfg.Name = "smtp"
	}
	if cfg.Server.Hostname == "" {
		name, err := os.Hostname()
		if err != nil {
			name = "localhost"
		}
		cfg.Server.Hostname = name
	}
	if cfg.Server.Log.Out == nil {
		cfg.Server.Log = cfg.Log
	}

	s := &Server{
		cfg:      cfg,
		queue:    cfg.Queue,
		name:     cfg.Name,
		hostname: cfg.Server.Hostname,
		resolver: cfg.Resolver,
		conns:    map[net.Conn]struct{}{},
		Log:      cfg.Log,
	}
	s.closeCtx, s.closeCancel = context.WithCancel(context.Background())

	var global []limiters.L
	if cfg.MaxConnections > 0 {
		global = append(global, limiters.NewSemaphore(cfg.MaxConnections))
	}
	if cfg.RateLimit.Burst > 0 {
		global = append(global, limiters.NewRate(cfg.RateLimit.Burst, cfg.RateLimit.Interval))
	}
	s.global = &limiters.MultiLimit{Wrapped: global}
	if cfg.MaxConnectionsPerIP > 0 {
		maxPerIP := cfg.MaxConnectionsPerIP
		s.perIP = limiters.NewBucketSet(func() limiters.L {
			return limiters.NewSemaphore(maxPerIP)
		}, time.Minute, maxTrackedIPs)
	}
	if cfg.RateLimitPerIP.Burst > 0 {
		s.perIPRate = limiters.NewRateSet(cfg.RateLimitPerIP.Burst, cfg.RateLimitPerIP.Interval, maxTrackedIPs)
	}

	for _, addr := range cfg.Addrs {
		l, err := net.Listen("tcp", addr)
		if err != nil {
			for _, open := range s.listeners {
				open.Close()
			}
			return nil, fmt.Errorf("edge: cannot listen on %s: %w", addr, err)
		}
		if cfg.ProxyProtocol != nil {
			l = proxyListener(l, cfg.ProxyProtocol, s.Log)
		}
		s.listeners = append(s.listeners, l)
	}

	for _, l := range s.listeners {
		s.Log.Msg("listening", "addr", l.Addr())
		s.wg.Add(1)
		go s.serve(l)
	}
	return s, nil
}

// Addrs returns the bound listener addresses.
func (s *Server) Addrs() []net.Addr {
	addrs := make([]net.Addr, 0, len(s.listeners))
	for _, l := range s.listeners {
		addrs = append(addrs, l.Addr())
	}
	return addrs
}

func (s *Server) closing() bool {
	return s.closeCtx.Err() != nil
}

func (s *Server) serve(l net.Listener) {
	defer s.wg.Done()

	for {
		conn, err := l.Accept()
		if err != nil {
			if s.closing() {
				return
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			s.Log.Error("accept failed", err, "addr", l.Addr())
			return
		}

		// The global bounds gate the accept loop itself: while the
		// server is at capacity nothing further is accepted and pending
		// peers wait in the listen backlog instead of being greeted and
		// dropped. The take only fails when the server is closing, and
		// no banner was written yet, so the connection can still be
		// dropped without a farewell reply.
		if err := s.global.TakeContext(s.closeCtx); err != nil {
			conn.Close()
			continue
		}

		s.wg.Add(1)
		go s.handle(conn)
	}
}

// admitPeer applies the per-address bounds. They are enforced off the
// accept loop so that a single address at its cap cannot hold up every
// other peer. The wait is short: an address over its bounds for longer
// than peerAdmitTimeout is turned away.
func (s *Server) admitPeer(ip string) error {
	if s.perIP == nil && s.perIPRate == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(s.closeCtx, peerAdmitTimeout)
	defer cancel()
	if s.perIPRate != nil {
		if err := s.perIPRate.TakeContext(ctx, ip); err != nil {
			return err
		}
	}
	if s.perIP != nil {
		return s.perIP.TakeContext(ctx, ip)
	}
	return nil
}

func (s *Server) handle(conn net.Conn) {
	defer s.wg.Done()
	defer conn.Close()
	defer s.global.Release()

	// With the PROXY protocol in use RemoteAddr blocks until the proxy
	// header arrives, which is another reason the per-address bounds
	// cannot run on the accept loop.
	ip := peerIP(conn.RemoteAddr())
	if err := s.admitPeer(ip); err != nil {
		if !s.closing() {
			s.Log.Debugf("connection from %v over per-address bounds: %v", conn.RemoteAddr(), err)
			s.turnAway(conn)
		}
		return
	}
	if s.perIP != nil {
		defer s.perIP.Release(ip)
	}

	s.track(conn)
	defer s.untrack(conn)

	sess := newSession(s, conn)
	defer sess.cleanup()

	err := smtp.NewSession(conn, &s.cfg.Server, sess.handler()).Handle()
	if err != nil && !s.closing() {
		s.Log.Error("session failed", err, "remote", conn.RemoteAddr())
	}
}

// turnAway answers a connection that will not get a session.
func (s *Server) turnAway(conn net.Conn) {
	wire := smtp.NewConn(conn)
	wire.WriteTimeout = 5 * time.Second
	if err := wire.WriteReply(tooManyConnections); err == nil {
		wire.Flush()
	}
}

func (s *Server) track(conn net.Conn) {
	s.connsMu.Lock()
	s.conns[conn] = struct{}{}
	s.connsMu.Unlock()
}

func (s *Server) untrack(conn net.Conn) {
	s.connsMu.Lock()
	delete(s.conns, conn)
	s.connsMu.Unlock()
}

// Close stops accepting connections and drains running sessions. Draining
// sessions answer their next command with a 421 and end. Sessions still
// running after CloseTimeout get their connections cut.
func (s *Server) Close() error {
	s.closeOnce.Do(func() {
		s.closeCancel()
		for _, l := range s.listeners {
			l.Close()
		}

		done := make(chan struct{})
		go func() {
			s.wg.Wait()
			close(done)
		}()
		if s.cfg.CloseTimeout > 0 {
			select {
			case <-done:
			case <-time.After(s.cfg.CloseTimeout):
				s.connsMu.Lock()
				for conn := range s.conns {
					conn.Close()
				}
				s.connsMu.Unlock()
				<-done
			}
		} else {
			<-done
		}

		s.global.Close()
		if s.perIP != nil {
			s.perIP.Close()
		}
		if s.perIPRate != nil {
			s.perIPRate.Close()
		}
	})
	return nil
}

func peerIP(addr net.Addr) string {
	if tcpAddr, ok := addr.(*net.TCPAddr); ok {
		return tcpAddr.IP.String()
	}
	return addr.String()
}
