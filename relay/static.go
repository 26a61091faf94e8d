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
	"net"
	"strconv"
	"time"

	"github.com/kurier-mta/kurier/envelope"
	"github.com/kurier-mta/kurier/framework/log"
	"github.com/kurier-mta/kurier/internal/pool"
	"github.com/kurier-mta/kurier/smtp"
)

// StaticConfig configures a relay that delivers everything to one host.
type StaticConfig struct {
	// Host to connect to. Required.
	Host string

	// Port on the host. Zero means 25, or 24 when the client speaks
	// LMTP.
	Port int

	// Client holds the session settings used for the host.
	Client ClientConfig

	// MaxConnections bounds the simultaneously open sessions. Attempts
	// past the bound wait for a slot to free up. Zero means no bound.
	MaxConnections int

	// IdleTimeout keeps finished sessions open for reuse by later
	// deliveries. Zero closes each session after one delivery.
	IdleTimeout time.Duration

	Log log.Logger
}

// Static delivers every envelope to one fixed host: the smarthost setup
// where an upstream relay or a downstream LMTP agent takes all mail.
type Static struct {
	cfg  StaticConfig
	addr string

	// sem bounds the open sessions when MaxConnections is set.
	sem chan struct{}

	// idle stashes finished sessions for reuse, nil when IdleTimeout
	// is zero.
	idle *pool.P

	Log log.Logger
}

func NewStatic(cfg StaticConfig) (*Static, error) {
	if cfg.Host == "" {
		return nil, errors.New("relay: no host configured")
	}
	if cfg.Client.Hostname == "" {
		return nil, errors.New("relay: no hostname configured")
	}
	port := cfg.Port
	if port == 0 {
		port = 25
		if cfg.Client.LMTP {
			port = 24
		}
	}
	cfg.Client.fillDefaults()

	s := &Static{
		cfg:  cfg,
		addr: net.JoinHostPort(cfg.Host, strconv.Itoa(port)),
		Log:  cfg.Log,
	}
	if cfg.MaxConnections > 0 {
		s.sem = make(chan struct{}, cfg.MaxConnections)
	}
	if cfg.IdleTimeout > 0 {
		capacity := cfg.MaxConnections
		if capacity == 0 {
			capacity = 10
		}
		s.idle = pool.New(capacity, cfg.IdleTimeout)
	}
	return s, nil
}

// Addr returns the host:port the relay delivers to.
func (s *Static) Addr() string {
	return s.addr
}

func (s *Static) Attempt(ctx context.Context, e *envelope.Envelope, attempts int) (Result, error) {
	if s.sem != nil {
		select {
		case s.sem <- struct{}{}:
			defer func() { <-s.sem }()
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	c, err := s.session(ctx)
	if err != nil {
		s.Log.Error("cannot open session", err, "dest", s.addr)
		return nil, err
	}

	res, err := c.attempt(e)
	if c.dead {
		c.DirectClose()
	} else if s.idle != nil {
		s.idle.Return(c)
	} else {
		c.Close()
	}
	if err != nil {
		s.Log.Error("delivery failed", err, "dest", s.addr, "msg_id", e.ID)
	}
	return res, err
}

// session returns a stashed idle session or opens a new one. Handshake
// failures come back as *smtp.Reply errors.
func (s *Static) session(ctx context.Context) (*conn, error) {
	if s.idle != nil {
		if pc := s.idle.Get(); pc != nil {
			sessionsCnt.WithLabelValues("reused").Inc()
			return pc.(*conn), nil
		}
	}

	c := newConn(s.addr, s.cfg.Client)
	if err := c.connect(ctx); err != nil {
		var reply *smtp.Reply
		if errors.As(err, &reply) {
			// The handshake failed at the protocol level, leave
			// politely.
			c.Close()
			return nil, reply
		}
		c.DirectClose()
		return nil, c.errorReply(err)
	}
	sessionsCnt.WithLabelValues("dialed").Inc()
	return c, nil
}

// Close shuts the idle session stash down. Sessions busy with a
// delivery close once it finishes.
func (s *Static) Close() error {
	if s.idle != nil {
		s.idle.Close()
	}
	return nil
}
