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
	"path"

	"github.com/pingcap-incubator/tinydd/server/kv"
	"github.com/pkg/errors"
	"github.com/vmihailenco/msgpack/v5"
)

// perpetualStorageWiggleStatsPrefix is where round/step smoothed durations
// persist, per spec.md §6.
const perpetualStorageWiggleStatsPrefix = "perpetualStorageWiggleStats"

// statsSchemaVersion lets future fields default sanely on decode of an
// older record -- msgpack's map-based wire format already tolerates field
// additions, this just documents the intent explicitly.
const statsSchemaVersion = 1

// StorageWiggleMetrics is the persisted object from spec.md §6:
// {lastRoundStart, lastRoundFinish, roundSmoothedTotal, finishedRound,
// lastWiggleStart, lastWiggleFinish, wiggleSmoothedTotal, finishedWiggle}.
type StorageWiggleMetrics struct {
	Version int `msgpack:"version"`

	LastRoundStart     int64   `msgpack:"last_round_start"`
	LastRoundFinish    int64   `msgpack:"last_round_finish"`
	RoundSmoothedTotal float64 `msgpack:"round_smoothed_total"`
	FinishedRound      int64   `msgpack:"finished_round"`

	LastWiggleStart     int64   `msgpack:"last_wiggle_start"`
	LastWiggleFinish    int64   `msgpack:"last_wiggle_finish"`
	WiggleSmoothedTotal float64 `msgpack:"wiggle_smoothed_total"`
	FinishedWiggle      int64   `msgpack:"finished_wiggle"`
}

// StatsStore persists StorageWiggleMetrics for the primary and remote
// regions.
type StatsStore struct {
	store kv.Base
}

// NewStatsStore wraps store as the wiggle-stats collaborator.
func NewStatsStore(store kv.Base) *StatsStore { return &StatsStore{store: store} }

func statsKey(region string) string { return path.Join(perpetualStorageWiggleStatsPrefix, region) }

// Save serializes m with msgpack and writes it under the region's key
// ("primary" or "remote").
func (s *StatsStore) Save(ctx context.Context, region string, m StorageWiggleMetrics) error {
	m.Version = statsSchemaVersion
	b, err := msgpack.Marshal(m)
	if err != nil {
		return errors.Wrap(err, "wiggler: marshal StorageWiggleMetrics")
	}
	return s.store.Save(ctx, statsKey(region), string(b))
}

// Load reads back the region's persisted metrics, returning the zero value
// and ok=false if nothing has been persisted yet.
func (s *StatsStore) Load(ctx context.Context, region string) (StorageWiggleMetrics, bool, error) {
	v, ok, err := s.store.Load(ctx, statsKey(region))
	if err != nil {
		return StorageWiggleMetrics{}, false, err
	}
	if !ok {
		return StorageWiggleMetrics{}, false, nil
	}
	var m StorageWiggleMetrics
	if err := msgpack.Unmarshal([]byte(v), &m); err != nil {
		return StorageWiggleMetrics{}, false, errors.Wrap(err, "wiggler: unmarshal StorageWiggleMetrics")
	}
	return m, true, nil
}

// RecordRoundFinish advances the round-smoothed-total EWMA the way a
// smoother with a long (~hours) time constant would, and bumps the
// finished-round counter.
func (m *StorageWiggleMetrics) RecordRoundFinish(now int64, smoothing float64) {
	duration := float64(now - m.LastRoundStart)
	if m.FinishedRound == 0 {
		m.RoundSmoothedTotal = duration
	} else {
		m.RoundSmoothedTotal += (duration - m.RoundSmoothedTotal) * smoothing
	}
	m.LastRoundFinish = now
	m.FinishedRound++
}

// RecordWiggleFinish is the per-step analogue of RecordRoundFinish.
func (m *StorageWiggleMetrics) RecordWiggleFinish(now int64, smoothing float64) {
	duration := float64(now - m.LastWiggleStart)
	if m.FinishedWiggle == 0 {
		m.WiggleSmoothedTotal = duration
	} else {
		m.WiggleSmoothedTotal += (duration - m.WiggleSmoothedTotal) * smoothing
	}
	m.LastWiggleFinish = now
	m.FinishedWiggle++
}
