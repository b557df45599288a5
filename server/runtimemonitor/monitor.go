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

// Package runtimemonitor implements the Runtime Monitor: the DD Event
// Buffer drain path and physical-shard-aware best-team selection described
// in spec.md §4.3/§4.4 under DataDistributionRuntimeMonitor. It is promoted
// to its own package here (see SPEC_FULL.md §4.7). The relocation queue
// does not call into this package: it reaches teams.Collection and
// physshard.Collection directly.
package runtimemonitor

import (
	"errors"

	"github.com/pingcap-incubator/tinydd/internal/intervalmap"
	"github.com/pingcap-incubator/tinydd/server/physshard"
	"github.com/pingcap-incubator/tinydd/server/queue"
	"github.com/pingcap-incubator/tinydd/server/registry"
	"github.com/pingcap-incubator/tinydd/server/teams"
	"github.com/pingcap-incubator/tinydd/server/tracker"
)

// PhysicalShardCandidate is one (physicalShardID, bytes, teams-and-lag)
// tuple considered by SelectTeamsAndPhysicalShard.
type PhysicalShardCandidate struct {
	PhysicalShardID uint64
	Bytes           int64
	RegionTeams     []*teams.DataDistributionTeam // one entry per region (1 or 2)
}

// ErrTooManyRegions is returned when a candidate set spans more than two
// regions: spec.md §9 Open Question 3 states the original only handles 1-2
// and leaves 3+ unspecified. Rather than invent scoring for that case, this
// port returns an explicit error so callers fall back to standard scoring.
var ErrTooManyRegions = errors.New("runtimemonitor: selectTeamsAndPhysicalShard supports at most 2 regions")

// BestTeams is the winning physical shard id plus the team chosen in each
// region.
type BestTeams struct {
	PhysicalShardID uint64
	RegionTeams     []*teams.DataDistributionTeam
}

// SelectTeamsAndPhysicalShard implements the normalize-and-sum scorer from
// spec.md §4.5: for each candidate, normalize (physicalShardBytes,
// maxVersionLag) to [0,1] across the candidate set via
// (max-x+1)/(max-min+1), sum the two terms, and pick the maximum.
// Candidates missing a lag metric for any region are skipped. Degenerate
// cases (all equal, or fewer than 2 candidates) return ok=false, which the
// caller treats as "fall back to standard scoring".
func SelectTeamsAndPhysicalShard(candidates []PhysicalShardCandidate) (BestTeams, bool, error) {
	if len(candidates) < 2 {
		return BestTeams{}, false, nil
	}
	for _, c := range candidates {
		if len(c.RegionTeams) > 2 {
			return BestTeams{}, false, ErrTooManyRegions
		}
	}

	var maxBytes, minBytes int64 = 0, int64(^uint64(0) >> 1)
	var maxLag, minLag int64 = 0, int64(^uint64(0) >> 1)
	anyLag := false
	for _, c := range candidates {
		if c.Bytes > maxBytes {
			maxBytes = c.Bytes
		}
		if c.Bytes < minBytes {
			minBytes = c.Bytes
		}
		lag, ok := maxVersionLag(c.RegionTeams)
		if !ok {
			continue
		}
		anyLag = true
		if lag > maxLag {
			maxLag = lag
		}
		if lag < minLag {
			minLag = lag
		}
	}
	if maxBytes == 0 || !anyLag || maxLag == 0 {
		return BestTeams{}, false, nil
	}
	if maxBytes == minBytes && maxLag == minLag {
		return BestTeams{}, false, nil
	}

	var best *PhysicalShardCandidate
	var bestScore float64
	for i := range candidates {
		c := &candidates[i]
		lag, ok := maxVersionLag(c.RegionTeams)
		if !ok {
			continue
		}
		score := float64(maxBytes-c.Bytes+1) / float64(maxBytes-minBytes+1)
		score += float64(maxLag-lag+1) / float64(maxLag-minLag+1)
		if best == nil || score > bestScore {
			best = c
			bestScore = score
		}
	}
	if best == nil {
		return BestTeams{}, false, nil
	}
	return BestTeams{PhysicalShardID: best.PhysicalShardID, RegionTeams: best.RegionTeams}, true, nil
}

// Monitor is DataDistributionRuntimeMonitor: read access to the registry,
// the physical shard collection, and the tracker, plus the DD Event Buffer
// drain path (spec.md §4.3/§4.4). It holds no team collection.
type Monitor struct {
	reg     *registry.Registry
	phys    *physshard.Collection
	tr      *tracker.Tracker
	events  *tracker.EventBuffer
}

// NewMonitor wires a Monitor to its collaborators.
func NewMonitor(reg *registry.Registry, phys *physshard.Collection, tr *tracker.Tracker) *Monitor {
	return &Monitor{reg: reg, phys: phys, tr: tr, events: tracker.NewEventBuffer()}
}

// GetTeamMetrics reports the load figures a team-selection scoring pass
// reads, including the in-flight penalty-free raw byte and read-bandwidth
// totals.
func (m *Monitor) GetTeamMetrics(t *teams.DataDistributionTeam) (bytes int64, readBW float64) {
	return t.LoadBytes(true, 0), t.LoadReadBandwidth(true, 0)
}

// GetStorageServerMetrics reports how many shards a storage server
// currently hosts, the figure Check() audits.
func (m *Monitor) GetStorageServerMetrics(sid registry.ServerID) int {
	return m.reg.NumberOfShards(sid)
}

// GetPhysicalShardMetrics reports a physical shard's aggregated storage
// metrics, or ok=false if pid is unknown.
func (m *Monitor) GetPhysicalShardMetrics(pid uint64) (physshard.StorageMetrics, bool) {
	ps, ok := m.phys.Get(pid)
	if !ok {
		return physshard.StorageMetrics{}, false
	}
	return ps.Metrics, true
}

// GetKeyRangeMetrics reports the tracker's live sample for rg.
func (m *Monitor) GetKeyRangeMetrics(rg intervalmap.Range) physshard.StorageMetrics {
	return m.tr.GetMetrics(rg)
}

// TriggerDDEvent is DataDistributionRuntimeMonitor::triggerDDEvent: queue e
// and, if immediate, drain the whole buffer into relocations on out.
func (m *Monitor) TriggerDDEvent(e tracker.Event, immediate bool, out chan<- queue.RelocateShard) {
	m.events.Drain(e, immediate, m.phys, out)
}

func maxVersionLag(ts []*teams.DataDistributionTeam) (int64, bool) {
	var max int64
	found := false
	for _, t := range ts {
		lag, ok := t.VersionLag()
		if !ok {
			return 0, false
		}
		if !found || lag > max {
			max = lag
		}
		found = true
	}
	return max, found
}
