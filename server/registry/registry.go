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

package registry

import (
	"github.com/pingcap-incubator/tinydd/internal/intervalmap"
	"github.com/pkg/errors"
)

// Range is a half-open byte-lexicographic key range.
type Range = intervalmap.Range

// shardEntry is the value carried by each maximal interval-map entry: the
// current owning teams and, while a move is in flight, the teams it is
// moving from.
type shardEntry struct {
	dest    teamSet
	prevSrc teamSet
}

func (e shardEntry) clone() shardEntry {
	return shardEntry{dest: e.dest.clone(), prevSrc: e.prevSrc.clone()}
}

func entriesEqual(a, b any) bool {
	ea, oka := a.(shardEntry)
	eb, okb := b.(shardEntry)
	if !oka || !okb {
		return oka == okb
	}
	return sameTeamSet(ea.dest, eb.dest) && sameTeamSet(ea.prevSrc, eb.prevSrc)
}

func sameTeamSet(a, b teamSet) bool {
	if len(a.order) != len(b.order) {
		return false
	}
	for _, t := range a.order {
		if !b.contains(t) {
			return false
		}
	}
	return true
}

// Registry is the Shard-Team Registry (C1): the authoritative mapping from
// key ranges to the teams that replicate them. All mutation happens on the
// single goroutine tree that owns the Tracker and Relocation Queue (see
// SPEC_FULL.md §5); Registry itself holds no lock.
type Registry struct {
	shardTeams         *intervalmap.Map
	teamShards         map[string]map[string]Range // team key -> range key -> range
	storageServerShards map[ServerID]int

	// RestartShardTracker receives one notification per DefineShard call,
	// matching ShardsAffectedByTeamFailure::restartShardTracker; the
	// notification is dropped when the channel's buffer is full.
	RestartShardTracker chan Range
}

// New creates an empty Registry covering the whole key space with no teams.
func New() *Registry {
	r := &Registry{
		shardTeams:          intervalmap.New(entriesEqual),
		teamShards:          make(map[string]map[string]Range),
		storageServerShards: make(map[ServerID]int),
		RestartShardTracker: make(chan Range, 64),
	}
	return r
}

func rangeKey(r Range) string { return string(r.Begin) + "\x00" + string(r.End) }

// DefineShard splits the interval map at range.Begin and range.End so that
// range becomes a union of whole existing entries. Never changes team
// assignments. Idempotent on an already-aligned range.
func (r *Registry) DefineShard(rg Range) {
	r.shardTeams.Split(rg)
	select {
	case r.RestartShardTracker <- rg:
	default:
		// Buffer full: a slow tracker consumer will still observe the
		// invariant-preserving state through the map itself; dropping the
		// notification here only delays a re-scan, it never corrupts state.
	}
}

// MoveShard requires that range is exactly a union of entries (DefineShard
// must have just been called for it). For every entry in range, the current
// dest is pushed into prevSrc and replaced by destTeams. Never changes
// shard boundaries.
func (r *Registry) MoveShard(rg Range, destTeams []Team) {
	dest := newTeamSet(destTeams...)
	r.shardTeams.Update(rg, func(e intervalmap.Entry) any {
		entry, _ := e.Value.(shardEntry)
		entry = entry.clone()
		for _, t := range entry.dest.list() {
			if !dest.contains(t) {
				entry.prevSrc.add(t)
			}
			r.unindex(t, e.Range)
		}
		entry.dest = dest.clone()
		for _, t := range dest.list() {
			r.index(t, e.Range)
		}
		return entry
	})
}

// FinishMove clears prevSrc for every entry in range and prunes the inverse
// index: a team absent from dest but present in prevSrc on no overlapping
// entry is removed from the inverse index entirely.
func (r *Registry) FinishMove(rg Range) {
	touched := newTeamSet()
	r.shardTeams.Update(rg, func(e intervalmap.Entry) any {
		entry, _ := e.Value.(shardEntry)
		entry = entry.clone()
		for _, t := range entry.prevSrc.list() {
			touched.add(t)
		}
		entry.prevSrc = newTeamSet()
		return entry
	})
	for _, t := range touched.list() {
		if len(r.ShardsFor(t)) == 0 {
			delete(r.teamShards, t.Key())
		}
	}
}

// TeamsFor returns the union of current dests and all previous sources
// across every entry intersecting range.
func (r *Registry) TeamsFor(rg Range) (dest, prevSrc []Team) {
	destSet, prevSet := newTeamSet(), newTeamSet()
	r.shardTeams.Ascend(rg, func(e intervalmap.Entry) bool {
		entry, _ := e.Value.(shardEntry)
		for _, t := range entry.dest.list() {
			destSet.add(t)
		}
		for _, t := range entry.prevSrc.list() {
			prevSet.add(t)
		}
		return true
	})
	return destSet.list(), prevSet.list()
}

// ShardsFor returns every range whose current dest (recorded via the
// inverse index) contains team.
func (r *Registry) ShardsFor(team Team) []Range {
	m, ok := r.teamShards[team.Key()]
	if !ok {
		return nil
	}
	out := make([]Range, 0, len(m))
	for _, rg := range m {
		out = append(out, rg)
	}
	return out
}

// NumberOfShards returns the constant-time shard count for a server.
func (r *Registry) NumberOfShards(sid ServerID) int {
	return r.storageServerShards[sid]
}

func (r *Registry) index(t Team, rg Range) {
	m, ok := r.teamShards[t.Key()]
	if !ok {
		m = make(map[string]Range)
		r.teamShards[t.Key()] = m
	}
	key := rangeKey(rg)
	if _, exists := m[key]; !exists {
		m[key] = rg
		for _, sid := range t.Servers {
			r.storageServerShards[sid]++
		}
	}
}

func (r *Registry) unindex(t Team, rg Range) {
	m, ok := r.teamShards[t.Key()]
	if !ok {
		return
	}
	key := rangeKey(rg)
	if _, exists := m[key]; exists {
		delete(m, key)
		for _, sid := range t.Servers {
			if r.storageServerShards[sid] > 0 {
				r.storageServerShards[sid]--
			}
		}
		if len(m) == 0 {
			delete(r.teamShards, t.Key())
		}
	}
}

// ErrInvariantViolation is the fatal, non-retriable error kind from
// spec.md §7: a data distribution invariant violation is unsafe to
// continue past.
var ErrInvariantViolation = errors.New("registry: invariant violation")

// Check self-audits invariants 1-3 from spec.md §3 (non-empty coverage,
// the bi-directional shard/team index, per-server shard counts) and returns
// an error wrapping ErrInvariantViolation on the first violation found. It
// does not audit the physical-shard invariant or the no-concurrent-moves
// invariant. The
// caller -- never Check itself -- decides whether to treat this as fatal
// (see SPEC_FULL.md §4.1).
func (r *Registry) Check() error {
	// Invariant 1: coverage. The interval map always has at least one
	// entry spanning the universal key space by construction (New seeds
	// one), and Split only ever subdivides existing entries, so coverage
	// holds unless the map was corrupted some other way.
	if r.shardTeams.Len() == 0 {
		return errors.Wrap(ErrInvariantViolation, "coverage: interval map is empty")
	}

	// Invariant 2 & 3: bi-directional consistency and shard counts.
	computedCount := make(map[ServerID]int)
	seen := make(map[string]map[string]bool)
	var walkErr error
	r.shardTeams.AscendAll(func(e intervalmap.Entry) bool {
		entry, _ := e.Value.(shardEntry)
		for _, t := range entry.dest.list() {
			m, ok := r.teamShards[t.Key()]
			if !ok {
				walkErr = errors.Wrapf(ErrInvariantViolation,
					"bi-directional: team %v owns range but has no inverse entry", t)
				return false
			}
			if _, ok := m[rangeKey(e.Range)]; !ok {
				walkErr = errors.Wrapf(ErrInvariantViolation,
					"bi-directional: inverse index for team %v missing range %x-%x", t, e.Range.Begin, e.Range.End)
				return false
			}
			if seen[t.Key()] == nil {
				seen[t.Key()] = make(map[string]bool)
			}
			seen[t.Key()][rangeKey(e.Range)] = true
			for _, sid := range t.Servers {
				computedCount[sid]++
			}
		}
		return true
	})
	if walkErr != nil {
		return walkErr
	}
	for tk, m := range r.teamShards {
		for rk := range m {
			if !seen[tk][rk] {
				return errors.Wrapf(ErrInvariantViolation,
					"bi-directional: inverse index has stale entry for team-key %s range-key %x", tk, rk)
			}
		}
	}
	for sid, want := range computedCount {
		if got := r.storageServerShards[sid]; got != want {
			return errors.Wrapf(ErrInvariantViolation,
				"shard count mismatch for server %v: tracked=%d computed=%d", sid, got, want)
		}
	}
	for sid, got := range r.storageServerShards {
		if _, ok := computedCount[sid]; !ok && got != 0 {
			return errors.Wrapf(ErrInvariantViolation,
				"shard count mismatch for server %v: tracked=%d computed=0", sid, got)
		}
	}
	return nil
}
