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

	"github.com/pingcap-incubator/tinydd/server/clock"
	"github.com/pingcap-incubator/tinydd/server/kv"
	"github.com/pingcap-incubator/tinydd/server/physshard"
	"github.com/pingcap-incubator/tinydd/server/registry"
	"github.com/pingcap-incubator/tinydd/server/teams"
	"github.com/stretchr/testify/assert"
	"time"
)

func TestIntersectsInFlightLockedDetectsOverlap(t *testing.T) {
	reg := registry.New()
	primary := teams.NewCollection(1)
	phys := physshard.New(clock.NewManual(time.Unix(1, 0)))
	mk := NewMoveKeysClient(kv.NewMemoryKV())
	q := New(DefaultConfig(), reg, primary, nil, phys, nil, mk, 1)

	q.inFlight = append(q.inFlight, Range{Begin: []byte("b"), End: []byte("d")})
	assert.True(t, q.intersectsInFlightLocked(Range{Begin: []byte("c"), End: []byte("e")}))
	assert.False(t, q.intersectsInFlightLocked(Range{Begin: []byte("d"), End: []byte("e")}))
}
