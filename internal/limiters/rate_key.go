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
	"time"
)

// RateSet applies a separate token bucket to every key, for per-resource
// rate limiting. It is a BucketSet of Rates, including its sweeping of
// stale buckets.
//
// With burst = 0 all methods are no-op and always succeed.
type RateSet struct {
	buckets *BucketSet
}

func NewRateSet(burst int, interval time.Duration, maxBuckets int) *RateSet {
	var newRate func() L
	if burst > 0 {
		newRate = func() L {
			return NewRate(burst, interval)
		}
	}
	// Sweeping is delayed to twice the refill interval so that a bucket
	// that is actively holding a peer back is not dropped under it.
	return &RateSet{buckets: NewBucketSet(newRate, 2*interval, maxBuckets)}
}

func (r *RateSet) Take(key string) bool {
	return r.buckets.Take(key)
}

func (r *RateSet) TakeContext(ctx context.Context, key string) error {
	return r.buckets.TakeContext(ctx, key)
}

func (r *RateSet) Close() {
	r.buckets.Close()
}
