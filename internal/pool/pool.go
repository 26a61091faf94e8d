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

// Package pool stashes idle client sessions between deliveries so that
// several messages to the same destination can share one connection.
package pool

import (
	"sync"
	"time"
)

// Conn is a stashed session.
type Conn interface {
	// Usable reports whether the session can take another delivery.
	Usable() bool

	// LastUseAt is when the session last finished a delivery.
	LastUseAt() time.Time

	Close() error
}

// P holds idle sessions to one destination. Sessions past their idle
// lifetime or no longer usable are closed on the way out instead of
// being handed over.
type P struct {
	idleLifetime time.Duration
	stash        chan Conn

	mu     sync.Mutex
	closed bool
}

func New(capacity int, idleLifetime time.Duration) *P {
	return &P{
		idleLifetime: idleLifetime,
		stash:        make(chan Conn, capacity),
	}
}

// Get returns an idle session, nil when none is ready.
func (p *P) Get() Conn {
	for {
		select {
		case conn, ok := <-p.stash:
			if !ok {
				return nil
			}
			if !conn.Usable() || time.Since(conn.LastUseAt()) > p.idleLifetime {
				// Close may involve a QUIT exchange, the delivery
				// should not wait for it.
				go conn.Close()
				continue
			}
			return conn
		default:
			return nil
		}
	}
}

// Return hands a session back for reuse. Sessions that do not fit are
// closed, as are sessions returned after Close.
func (p *P) Return(conn Conn) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		go conn.Close()
		return
	}
	select {
	case p.stash <- conn:
	default:
		go conn.Close()
	}
}

// Close closes the stash and every idle session in it.
func (p *P) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.stash)
	p.mu.Unlock()

	for conn := range p.stash {
		conn.Close()
	}
}
