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

package physshard

import (
	"math/rand"

	"github.com/pingcap-incubator/tinydd/internal/intervalmap"
	"github.com/pingcap-incubator/tinydd/server/clock"
	"github.com/pingcap-incubator/tinydd/server/registry"
)

// AnonymousShardID is the reserved value meaning "no physical shard has
// been assigned yet"; like 0, it is illegal as a real physical-shard id.
const AnonymousShardID uint64 = ^uint64(0)

// PhysicalShard groups several key ranges stored together on one team so
// they migrate as a unit.
type PhysicalShard struct {
	ID      uint64
	Metrics StorageMetrics
}

// SoftCeilingBytes bounds how large a physical shard may grow before
// trySelectPhysicalShardFor stops offering it as a destination.
const SoftCeilingBytes int64 = 2 << 30 // 2 GiB

// Collection is the Physical-Shard Collection (C2).
type Collection struct {
	shards        map[uint64]*PhysicalShard
	keyRangeShard *intervalmap.Map // Range -> uint64 physical shard id
	teamShards    map[string]map[uint64]bool
	shardTeams    map[uint64]map[string]bool // inverse of teamShards, for backlink breaking

	rng *rand.Rand
}

// New creates an empty Collection. clk seeds the id generator so tests can
// get deterministic ids.
func New(clk clock.Clock) *Collection {
	seed := clk.Now().UnixNano()
	return &Collection{
		shards:        make(map[uint64]*PhysicalShard),
		keyRangeShard: intervalmap.New(func(a, b any) bool { return idEqual(a, b) }),
		teamShards:    make(map[string]map[uint64]bool),
		shardTeams:    make(map[uint64]map[string]bool),
		rng:           rand.New(rand.NewSource(seed)),
	}
}

func idEqual(a, b any) bool {
	ai, oka := a.(uint64)
	bi, okb := b.(uint64)
	if !oka || !okb {
		return oka == okb
	}
	return ai == bi
}

// GenerateNewPhysicalShardID returns a uniformly random 64-bit value,
// re-rolled until it is neither 0 nor AnonymousShardID nor already in use.
func (c *Collection) GenerateNewPhysicalShardID() uint64 {
	for {
		id := c.rng.Uint64()
		if id == 0 || id == AnonymousShardID {
			continue
		}
		if _, exists := c.shards[id]; exists {
			continue
		}
		return id
	}
}

// UpdatePhysicalShardToTeams records that pid now lives on teams (typically
// primary + remote), breaking any previous team->pid backlink for teams no
// longer hosting it. expectedServersPerTeam is accepted for parity with the
// spec signature; this Go port does not itself validate team size (the
// Team Collection enforces replication factor, per spec.md §3).
func (c *Collection) UpdatePhysicalShardToTeams(pid uint64, teams []registry.Team, expectedServersPerTeam int) {
	if _, ok := c.shards[pid]; !ok {
		c.shards[pid] = &PhysicalShard{ID: pid}
	}
	newSet := make(map[string]bool, len(teams))
	newTeamByKey := make(map[string]registry.Team, len(teams))
	for _, t := range teams {
		newSet[t.Key()] = true
		newTeamByKey[t.Key()] = t
	}
	for oldKey := range c.shardTeams[pid] {
		if !newSet[oldKey] {
			delete(c.teamShards[oldKey], pid)
		}
	}
	c.shardTeams[pid] = newSet
	for key := range newTeamByKey {
		if c.teamShards[key] == nil {
			c.teamShards[key] = make(map[uint64]bool)
		}
		c.teamShards[key][pid] = true
	}
}

// TrySelectPhysicalShardFor returns an existing physical shard already on
// team whose bytes would remain under SoftCeilingBytes after adding
// metrics, or ok=false if none qualifies.
func (c *Collection) TrySelectPhysicalShardFor(team registry.Team, metrics StorageMetrics) (uint64, bool) {
	for pid := range c.teamShards[team.Key()] {
		if c.CheckPhysicalShardValid(pid, metrics) {
			return pid, true
		}
	}
	return 0, false
}

// CheckPhysicalShardValid reports whether adding moveIn keeps pid within
// bounds.
func (c *Collection) CheckPhysicalShardValid(pid uint64, moveIn StorageMetrics) bool {
	ps, ok := c.shards[pid]
	if !ok {
		return false
	}
	return ps.Metrics.Bytes+moveIn.Bytes <= SoftCeilingBytes
}

// TryGetValidRemoteTeamWith returns, among the teams already hosting pid,
// the one whose size equals teamSize and is not the primary (the "valid
// remote"), or ok=false.
func (c *Collection) TryGetValidRemoteTeamWith(pid uint64, moveIn StorageMetrics, teamSize int, teamsByKey map[string]registry.Team) (registry.Team, bool) {
	if !c.CheckPhysicalShardValid(pid, moveIn) {
		return registry.Team{}, false
	}
	for key := range c.teamsHosting(pid) {
		t, ok := teamsByKey[key]
		if !ok || t.Primary || len(t.Servers) != teamSize {
			continue
		}
		return t, true
	}
	return registry.Team{}, false
}

func (c *Collection) teamsHosting(pid uint64) map[string]bool {
	out := make(map[string]bool)
	for teamKey, pids := range c.teamShards {
		if pids[pid] {
			out[teamKey] = true
		}
	}
	return out
}

// UpdatePhysicalShardMetricsByKeyRange adjusts every physical shard
// overlapping rg by subtracting oldMetrics and adding newMetrics (unless
// initWithNewMetrics, in which case this is a first observation and only
// newMetrics is added), and returns the set of touched physical-shard ids.
func (c *Collection) UpdatePhysicalShardMetricsByKeyRange(rg intervalmap.Range, newMetrics, oldMetrics StorageMetrics, initWithNewMetrics bool) []uint64 {
	var touched []uint64
	c.keyRangeShard.Ascend(rg, func(e intervalmap.Entry) bool {
		pid, ok := e.Value.(uint64)
		if !ok {
			return true
		}
		ps := c.shards[pid]
		if ps == nil {
			ps = &PhysicalShard{ID: pid}
			c.shards[pid] = ps
		}
		if !initWithNewMetrics {
			ps.Metrics = ps.Metrics.Sub(oldMetrics)
		}
		ps.Metrics = ps.Metrics.Add(newMetrics)
		touched = append(touched, pid)
		return true
	})
	return touched
}

// AssignKeyRange records that rg now maps to physical shard pid.
func (c *Collection) AssignKeyRange(rg intervalmap.Range, pid uint64) {
	c.keyRangeShard.SetRange(rg, pid)
}

// Get returns the physical shard by id, if any.
func (c *Collection) Get(pid uint64) (PhysicalShard, bool) {
	ps, ok := c.shards[pid]
	if !ok {
		return PhysicalShard{}, false
	}
	return *ps, true
}

// RangesOf returns every key range currently mapped to pid, used by the
// tracker to split a too-large physical shard. Ranges come back maximal:
// adjacent ranges assigned to the same pid are merged into one.
func (c *Collection) RangesOf(pid uint64) []intervalmap.Range {
	var out []intervalmap.Range
	c.keyRangeShard.AscendAll(func(e intervalmap.Entry) bool {
		if v, ok := e.Value.(uint64); ok && v == pid {
			out = append(out, e.Range)
		}
		return true
	})
	return out
}
