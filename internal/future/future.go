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

// Package future provides a single-assignment result container shared
// between goroutines.
package future

import (
	"context"
)

// Future is a (value, error) pair that is produced once and can be awaited
// by any number of readers. Construct with New, the zero value is not
// usable.
type Future struct {
	val  interface{}
	err  error
	done chan struct{}
}

func New() *Future {
	return &Future{done: make(chan struct{})}
}

// Set stores the result and wakes up all pending Get calls. Calling Set a
// second time panics.
func (f *Future) Set(val interface{}, err error) {
	f.val = val
	f.err = err
	close(f.done)
}

// Get returns the result, blocking until it is set or ctx is done.
func (f *Future) Get(ctx context.Context) (interface{}, error) {
	select {
	case <-f.done:
		return f.val, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
