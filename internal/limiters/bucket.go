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
	"sync"
	"time"
)

// ErrTooManyKeys is returned by BucketSet.TakeContext when the set is at
// capacity and every tracked bucket is in active use.
var ErrTooManyKeys = errors.New("limiters: too many tracked keys")

// BucketSet gives every unique key its own L, for per-resource limits.
//
// The amount of tracked buckets is bounded. Once the bound is reached
// the next take sweeps out buckets that saw no use for ReapInterval.
// When nothing can be swept, the take fails instead of growing the set.
// Load heavy enough to keep the set full is load under which shedding
// new peers is acceptable.
//
// A BucketSet without a New function is a no-op: takes always succeed
// and Release does nothing.
type BucketSet struct {
	// New constructs the per-key L. Change it only while the set is not
	// used by any goroutine.
	New func() L

	// ReapInterval is the disuse time after which a bucket may be
	// swept. For Rate buckets it should be at least twice the refill
	// interval so that a bucket holding back a peer is not dropped
	// early.
	ReapInterval time.Duration

	MaxBuckets int

	mLck sync.Mutex
	m    map[string]*bucket
}

type bucket struct {
	l       L
	lastUse time.Time
}

func NewBucketSet(new_ func() L, reapInterval time.Duration, maxBuckets int) *BucketSet {
	return &BucketSet{
		New:          new_,
		ReapInterval: reapInterval,
		MaxBuckets:   maxBuckets,
		m:            map[string]*bucket{},
	}
}

func (bs *BucketSet) Take(key string) bool {
	if bs.New == nil {
		return true
	}

	b := bs.bucket(key)
	if b == nil {
		return false
	}
	return b.Take()
}

func (bs *BucketSet) TakeContext(ctx context.Context, key string) error {
	if bs.New == nil {
		return nil
	}

	b := bs.bucket(key)
	if b == nil {
		return ErrTooManyKeys
	}
	return b.TakeContext(ctx)
}

func (bs *BucketSet) Release(key string) {
	if bs.New == nil {
		return
	}

	bs.mLck.Lock()
	defer bs.mLck.Unlock()

	if b, ok := bs.m[key]; ok {
		b.l.Release()
	}
}

func (bs *BucketSet) Close() {
	bs.mLck.Lock()
	defer bs.mLck.Unlock()

	for _, b := range bs.m {
		b.l.Close()
	}
}

// bucket returns the limiter for key, making one if needed, or nil when
// the set is full of recently used buckets. A waiting take whose bucket
// is swept under it fails, which is tolerable at the load levels that
// make the sweep happen.
func (bs *BucketSet) bucket(key string) L {
	bs.mLck.Lock()
	defer bs.mLck.Unlock()

	if len(bs.m) > bs.MaxBuckets {
		bs.sweep()
		if len(bs.m) > bs.MaxBuckets {
			return nil
		}
	}

	b, ok := bs.m[key]
	if !ok {
		b = &bucket{l: bs.New()}
		bs.m[key] = b
	}
	b.lastUse = time.Now()
	return b.l
}

// sweep drops buckets that saw no use for ReapInterval. Callers hold
// mLck.
func (bs *BucketSet) sweep() {
	now := time.Now()
	for k, b := range bs.m {
		if now.Sub(b.lastUse) > bs.ReapInterval {
			b.l.Close()
			delete(bs.m, k)
		}
	}
}
