/*
Tern Mail Server - Multi-protocol mail server with a shared message store.
Copyright © 2023-2025 Tern Mail Server contributors

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
	"sync"
	"time"
)

// RateSet combines a group of token buckets as implemented by the Rate
// structure into a single key-indexed structure. Each unique key gets its own
// counter. The main use case for RateSet is per-IP limiting of authentication
// attempts.
//
// Amount of buckets is limited to a certain value. When the size of the
// internal map is around or equal to that value, the next Take call will
// attempt to remove any stale buckets from the group. If it is not possible
// to do so (all buckets are in active use), Take will return false.
//
// Similarly to Rate, if burst = 0, all methods are no-op and always succeed.
type RateSet struct {
	maxBuckets int
	interval   time.Duration
	burst      int

	mLck sync.Mutex
	m    map[string]*struct {
		r       Rate
		lastUse time.Time
	}
}

func NewRateSet(burst int, interval time.Duration, maxBuckets int) *RateSet {
	return &RateSet{
		maxBuckets: maxBuckets,
		interval:   interval,
		burst:      burst,
		m: map[string]*struct {
			r       Rate
			lastUse time.Time
		}{},
	}
}

func (r *RateSet) Close() {
	r.mLck.Lock()
	defer r.mLck.Unlock()

	for _, v := range r.m {
		v.r.Close()
	}
}

func (r *RateSet) take(key string) *Rate {
	r.mLck.Lock()
	defer r.mLck.Unlock()

	if len(r.m) > r.maxBuckets {
		now := time.Now()
		// Attempt to get rid of stale buckets.
		for k, v := range r.m {
			// Skip non-full buckets, they are likely in use.
			if len(v.r.bucket) != r.burst {
				continue
			}
			if v.lastUse.Sub(now) > r.interval*2 {
				// Drop the bucket even if there happen to be any waiting
				// Take calls for it. They will get 'false', which is an
				// acceptable answer under the kind of load that fills the
				// whole set.
				v.r.Close()
				delete(r.m, k)
			}
		}

		// Still full? E.g. all buckets are in use.
		if len(r.m) > r.maxBuckets {
			return nil
		}
	}

	bucket, ok := r.m[key]
	if !ok {
		bucket = &struct {
			r       Rate
			lastUse time.Time
		}{
			r: NewRate(r.burst, r.interval),
		}
		r.m[key] = bucket
	}
	bucket.lastUse = time.Now()

	return &bucket.r
}

func (r *RateSet) Take(key string) bool {
	if r.burst == 0 {
		return true
	}

	bucket := r.take(key)
	if bucket == nil {
		return false
	}
	return bucket.Take()
}

func (r *RateSet) TakeContext(ctx context.Context, key string) error {
	if r.burst == 0 {
		return nil
	}

	bucket := r.take(key)
	if bucket == nil {
		return context.DeadlineExceeded
	}
	return bucket.TakeContext(ctx)
}
