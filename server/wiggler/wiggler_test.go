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

package wiggler

import (
	"context"
	"testing"
	"time"

	"github.com/pingcap-incubator/tinydd/server/clock"
	"github.com/pingcap-incubator/tinydd/server/kv"
	"github.com/pingcap-incubator/tinydd/server/registry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sid(n uint64) registry.ServerID { return registry.ServerID{0, n} }

// TestWiggleRoundCoversEveryMember checks invariant 5 from spec.md §8: once
// a round finishes, every server present at lastRoundStart has been
// returned by GetNextServerID at least once.
func TestWiggleRoundCoversEveryMember(t *testing.T) {
	clk := clock.NewManual(time.Unix(0, 0))
	w := New(clk)
	w.AddServer(sid(1), 10)
	w.AddServer(sid(2), 20)
	w.AddServer(sid(3), 30)
	w.SetState(StateRun)

	seen := make(map[registry.ServerID]bool)
	for !w.ShouldFinishRound() {
		next, ok := w.GetNextServerID()
		require.True(t, ok)
		seen[next] = true
		clk.Advance(time.Second)
		w.MarkWiggled(next)
	}
	w.FinishRound()

	assert.True(t, seen[sid(1)])
	assert.True(t, seen[sid(2)])
	assert.True(t, seen[sid(3)])
}

func TestWiggleEmptyHeapFinishesImmediately(t *testing.T) {
	w := New(clock.NewManual(time.Unix(0, 0)))
	assert.True(t, w.ShouldFinishRound())
}

func TestStatsRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := kv.NewMemoryKV()
	s := NewStatsStore(store)

	m := StorageWiggleMetrics{LastRoundStart: 100, FinishedRound: 2, RoundSmoothedTotal: 55.5}
	require.NoError(t, s.Save(ctx, "primary", m))

	got, ok, err := s.Load(ctx, "primary")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, m.LastRoundStart, got.LastRoundStart)
	assert.Equal(t, m.FinishedRound, got.FinishedRound)
	assert.InDelta(t, m.RoundSmoothedTotal, got.RoundSmoothedTotal, 0.001)
	assert.Equal(t, statsSchemaVersion, got.Version)

	_, ok, err = s.Load(ctx, "remote")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRecordRoundFinishSmooths(t *testing.T) {
	var m StorageWiggleMetrics
	m.LastRoundStart = 0
	m.RecordRoundFinish(100, 0.5)
	assert.Equal(t, int64(1), m.FinishedRound)
	assert.Equal(t, 100.0, m.RoundSmoothedTotal)

	m.LastRoundStart = 100
	m.RecordRoundFinish(300, 0.5)
	assert.Equal(t, int64(2), m.FinishedRound)
	assert.InDelta(t, 150.0, m.RoundSmoothedTotal, 0.001)
}
