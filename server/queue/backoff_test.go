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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoffGrowsAndRespectsCap(t *testing.T) {
	b := NewBackoff(1)
	var last time.Duration
	for i := 0; i < 20; i++ {
		d := b.Next()
		assert.GreaterOrEqual(t, d, time.Duration(0))
		assert.LessOrEqual(t, d, b.Cap)
		last = d
	}
	assert.LessOrEqual(t, last, b.Cap)
}

func TestBackoffResetZeroesAttempt(t *testing.T) {
	b := NewBackoff(2)
	for i := 0; i < 10; i++ {
		b.Next()
	}
	b.Reset()
	assert.Equal(t, 0, b.attempt)
}
