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

package teams

import (
	"math/rand"

	"github.com/pingcap-incubator/tinydd/server/registry"
)

// DataDistributionTeam is the Go counterpart of IDataDistributionTeam: a
// scored, load-tracked replica group.
type DataDistributionTeam struct {
	Team registry.Team

	trackedBytes     int64
	inFlightBytes    int64
	trackedReadBW    float64
	inFlightReadBW   float64
	minAvailSpace    int64
	minAvailSpaceRat float64
	shardCount       int
	healthy          bool
	optimal          bool
	wrongConfig      bool

	maxVersionLag    int64
	hasVersionLag    bool
}

// SetVersionLag records the maximum TLog-version lag observed across the
// team's members, used by physical-shard-aware team scoring
// (spec.md §4.3/§4.5). Call ClearVersionLag when a member's lag is
// unknown, so scoring correctly treats the team as missing a metric.
func (t *DataDistributionTeam) SetVersionLag(lag int64) {
	t.maxVersionLag = lag
	t.hasVersionLag = true
}

// ClearVersionLag marks the team's lag as unknown.
func (t *DataDistributionTeam) ClearVersionLag() { t.hasVersionLag = false }

// VersionLag returns the team's max version lag and whether it is known.
func (t *DataDistributionTeam) VersionLag() (int64, bool) { return t.maxVersionLag, t.hasVersionLag }

// NewDataDistributionTeam creates a healthy, empty-load team wrapper.
func NewDataDistributionTeam(t registry.Team) *DataDistributionTeam {
	return &DataDistributionTeam{Team: t, healthy: true, minAvailSpaceRat: 1.0}
}

func (t *DataDistributionTeam) Size() int { return len(t.Team.Servers) }

func (t *DataDistributionTeam) AddDataInFlight(delta int64)  { t.inFlightBytes += delta }
func (t *DataDistributionTeam) AddReadInFlight(delta float64) { t.inFlightReadBW += delta }
func (t *DataDistributionTeam) DataInFlight() int64           { return t.inFlightBytes }
func (t *DataDistributionTeam) ReadInFlight() float64          { return t.inFlightReadBW }

// LoadBytes is trackedBytes + inFlightBytes*inflightPenalty, per spec.md
// §4.5 rule 3.
func (t *DataDistributionTeam) LoadBytes(includeInFlight bool, inflightPenalty float64) int64 {
	if !includeInFlight {
		return t.trackedBytes
	}
	return t.trackedBytes + int64(float64(t.inFlightBytes)*inflightPenalty)
}

// LoadReadBandwidth is the read analogue of LoadBytes.
func (t *DataDistributionTeam) LoadReadBandwidth(includeInFlight bool, inflightPenalty float64) float64 {
	if !includeInFlight {
		return t.trackedReadBW
	}
	return t.trackedReadBW + t.inFlightReadBW*inflightPenalty
}

func (t *DataDistributionTeam) MinAvailableSpace() int64         { return t.minAvailSpace }
func (t *DataDistributionTeam) MinAvailableSpaceRatio() float64  { return t.minAvailSpaceRat }
func (t *DataDistributionTeam) HasHealthyAvailableSpace(minRatio float64) bool {
	return t.minAvailSpaceRat >= minRatio
}

func (t *DataDistributionTeam) IsHealthy() bool     { return t.healthy }
func (t *DataDistributionTeam) SetHealthy(h bool)   { t.healthy = h }
func (t *DataDistributionTeam) IsOptimal() bool     { return t.optimal }
func (t *DataDistributionTeam) SetOptimal(o bool)   { t.optimal = o }
func (t *DataDistributionTeam) IsWrongConfig() bool { return t.wrongConfig }
func (t *DataDistributionTeam) SetWrongConfig(w bool) { t.wrongConfig = w }
func (t *DataDistributionTeam) ShardCount() int     { return t.shardCount }

// UpdateStorageMetrics applies a fresh observation of the team's tracked
// load, as reported by whatever heartbeats feed the collection.
func (t *DataDistributionTeam) UpdateStorageMetrics(bytes int64, readBW float64, minAvailSpace int64, minAvailSpaceRatio float64, shardCount int) {
	t.trackedBytes = bytes
	t.trackedReadBW = readBW
	t.minAvailSpace = minAvailSpace
	t.minAvailSpaceRat = minAvailSpaceRatio
	t.shardCount = shardCount
}

// Collection tracks every team in one region (primary or remote) and
// services GetTeamRequest.
type Collection struct {
	teams []*DataDistributionTeam
	rng   *rand.Rand

	// SampleSize bounds how many teams GetTeam scans when the request does
	// not set WantsTrueBest -- the "bounded number of random teams" from
	// spec.md §4.5.
	SampleSize int
}

// NewCollection creates an empty Collection seeded from seed (use
// clock.Clock.Now().UnixNano() in production, a fixed value in tests).
func NewCollection(seed int64) *Collection {
	return &Collection{rng: rand.New(rand.NewSource(seed)), SampleSize: 8}
}

// AddTeam registers a team (idempotent on Team.Key()).
func (c *Collection) AddTeam(t *DataDistributionTeam) {
	for _, existing := range c.teams {
		if existing.Team.Equal(t.Team) {
			return
		}
	}
	c.teams = append(c.teams, t)
}

// Teams returns every team currently tracked.
func (c *Collection) Teams() []*DataDistributionTeam { return append([]*DataDistributionTeam(nil), c.teams...) }

// GetTeam services a GetTeamRequest per the scoring rules of spec.md §4.5.
// It returns ok=false if no team satisfies the request's hard gates.
func (c *Collection) GetTeam(req GetTeamRequest) (*DataDistributionTeam, bool) {
	candidates := c.teams
	if !req.WantsTrueBest && len(candidates) > c.SampleSize {
		candidates = c.sample(c.SampleSize)
	}

	var best *DataDistributionTeam
	for _, t := range candidates {
		if !t.healthy && !req.AllowUnhealthyDestination {
			continue // health is a hard gate unless the request sets AllowUnhealthyDestination
		}
		if req.TeamMustHaveShards && t.shardCount == 0 {
			continue
		}
		if best == nil || c.less(req, best, t) {
			best = t
		}
	}
	return best, best != nil
}

func overlapsAny(t registry.Team, sources []registry.ServerID) bool {
	for _, sid := range t.Servers {
		for _, s := range sources {
			if sid == s {
				return true
			}
		}
	}
	return false
}

// less reports whether candidate scores strictly better than best under
// req, implementing rules 2-4 of spec.md §4.5 as a lexicographic
// comparison: the disjoint-from-completeSources preference first (rule 4,
// a preference rather than a gate -- a request still gets its best
// available team when every candidate overlaps), then the read-balance
// term (when requested), then load bytes as tie-break.
func (c *Collection) less(req GetTeamRequest, best, candidate *DataDistributionTeam) bool {
	if req.WantsNewServers {
		bestOverlaps := overlapsAny(best.Team, req.CompleteSources)
		candidateOverlaps := overlapsAny(candidate.Team, req.CompleteSources)
		if bestOverlaps != candidateOverlaps {
			return bestOverlaps
		}
	}
	if req.ForReadBalance {
		br := best.LoadReadBandwidth(true, req.InflightPenalty)
		cr := candidate.LoadReadBandwidth(true, req.InflightPenalty)
		if br != cr {
			if req.PreferLowerReadUtil {
				return cr < br
			}
			return cr > br
		}
	}
	bl := best.LoadBytes(true, req.InflightPenalty)
	cl := candidate.LoadBytes(true, req.InflightPenalty)
	if req.PreferLowerDiskUtil {
		return cl < bl
	}
	return cl > bl
}

// sample draws n distinct teams uniformly without replacement, avoiding
// O(N) scans on the hot path while still converging to the optimum under
// churn (spec.md §4.5).
func (c *Collection) sample(n int) []*DataDistributionTeam {
	idx := c.rng.Perm(len(c.teams))[:n]
	out := make([]*DataDistributionTeam, n)
	for i, j := range idx {
		out[i] = c.teams[j]
	}
	return out
}
