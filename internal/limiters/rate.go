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

package limiters

import (
	"context"
	"errors"
	"time"

	"golang.org/x/time/rate"
)

// ErrClosed is returned by TakeContext on a limiter that was closed.
var ErrClosed = errors.New("limiters: limiter is closed")

// Rate bounds how often something may happen: a take consumes one token
// and blocks while the bucket is empty. The bucket holds up to burst
// tokens and regains them continuously over interval.
//
// A Rate constructed with burst = 0 is a no-op.
type Rate struct {
	lim    *rate.Limiter
	closed chan struct{}
}

func NewRate(burst int, interval time.Duration) *Rate {
	r := &Rate{closed: make(chan struct{})}
	if burst > 0 {
		r.lim = rate.NewLimiter(rate.Every(interval/time.Duration(burst)), burst)
	}
	return r
}

func (r *Rate) Take() bool {
	return r.TakeContext(context.Background()) == nil
}

func (r *Rate) TakeContext(ctx context.Context) error {
	if r.lim == nil {
		return nil
	}
	select {
	case <-r.closed:
		return ErrClosed
	default:
	}
	return r.lim.Wait(ctx)
}

func (r *Rate) Release() {
	// Rate tracks events, not held resources. There is nothing to put
	// back.
}

// Close makes all further takes fail. A take already waiting for a token
// still completes, the token arithmetic needs no running goroutine that
// Close would have to stop.
func (r *Rate) Close() {
	close(r.closed)
}
