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

	"golang.org/x/sync/semaphore"
)

// Semaphore bounds how much of a resource is held at once. Take blocks
// while max holders exist until one of them calls Release.
//
// A Semaphore constructed with max <= 0 is a no-op.
type Semaphore struct {
	w *semaphore.Weighted
}

func NewSemaphore(max int) Semaphore {
	if max <= 0 {
		return Semaphore{}
	}
	return Semaphore{w: semaphore.NewWeighted(int64(max))}
}

func (s Semaphore) Take() bool {
	if s.w == nil {
		return true
	}
	// Acquire fails only on context cancellation.
	_ = s.w.Acquire(context.Background(), 1)
	return true
}

func (s Semaphore) TakeContext(ctx context.Context) error {
	if s.w == nil {
		return nil
	}
	return s.w.Acquire(ctx, 1)
}

func (s Semaphore) Release() {
	if s.w == nil {
		return
	}
	s.w.Release(1)
}

func (s Semaphore) Close() {
}
