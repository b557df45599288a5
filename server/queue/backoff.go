// Copyright 2024 The TinyDD Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// See the License for the specific language governing permissions and
// limitations under the License.

package queue

import (
	"math/rand"
	"time"
)

// Backoff implements the exponential-backoff-with-jitter retry policy from
// spec.md §4.4: base 0.5s, cap 30s, multiplier 2.
type Backoff struct {
	Base       time.Duration
	Cap        time.Duration
	Multiplier float64

	attempt int
	rng     *rand.Rand
}

// NewBackoff returns the spec's default backoff policy.
func NewBackoff(seed int64) *Backoff {
	return &Backoff{
		Base:       500 * time.Millisecond,
		Cap:        30 * time.Second,
		Multiplier: 2,
		rng:        rand.New(rand.NewSource(seed)),
	}
}

// Next returns the delay before the next retry and advances the attempt
// counter. Full jitter: uniformly sampled in [0, min(cap, base*mult^n)].
func (b *Backoff) Next() time.Duration {
	d := float64(b.Base)
	for i := 0; i < b.attempt; i++ {
		d *= b.Multiplier
	}
	if cap := float64(b.Cap); d > cap {
		d = cap
	}
	b.attempt++
	return time.Duration(b.rng.Float64() * d)
}

// Reset zeroes the attempt counter so the next delay is drawn from Base
// again.
func (b *Backoff) Reset() { b.attempt = 0 }
