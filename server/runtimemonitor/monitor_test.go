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

package runtimemonitor

import (
	"testing"

	"github.com/pingcap-incubator/tinydd/server/registry"
	"github.com/pingcap-incubator/tinydd/server/teams"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func teamWithLag(n uint64, lag int64) *teams.DataDistributionTeam {
	t := teams.NewDataDistributionTeam(registry.NewTeam([]registry.ServerID{{0, n}}, true))
	t.SetVersionLag(lag)
	return t
}

func TestSelectTeamsAndPhysicalShardPrefersSmallerAndFresher(t *testing.T) {
	candidates := []PhysicalShardCandidate{
		{PhysicalShardID: 1, Bytes: 100, RegionTeams: []*teams.DataDistributionTeam{teamWithLag(1, 50)}},
		{PhysicalShardID: 2, Bytes: 900, RegionTeams: []*teams.DataDistributionTeam{teamWithLag(2, 900)}},
	}
	best, ok, err := SelectTeamsAndPhysicalShard(candidates)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint64(1), best.PhysicalShardID)
}

func TestSelectTeamsAndPhysicalShardSkipsMissingLag(t *testing.T) {
	withLag := teamWithLag(1, 10)
	noLag := teams.NewDataDistributionTeam(registry.NewTeam([]registry.ServerID{{0, 2}}, true))
	candidates := []PhysicalShardCandidate{
		{PhysicalShardID: 1, Bytes: 100, RegionTeams: []*teams.DataDistributionTeam{withLag}},
		{PhysicalShardID: 2, Bytes: 200, RegionTeams: []*teams.DataDistributionTeam{noLag}},
	}
	best, ok, err := SelectTeamsAndPhysicalShard(candidates)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint64(1), best.PhysicalShardID)
}

// TestSelectTeamsAndPhysicalShardRejectsThreePlusRegions exercises Open
// Question 3: a candidate spanning 3 regions returns ErrTooManyRegions
// rather than inventing a scoring rule the original never specified.
func TestSelectTeamsAndPhysicalShardRejectsThreePlusRegions(t *testing.T) {
	candidates := []PhysicalShardCandidate{
		{PhysicalShardID: 1, Bytes: 100, RegionTeams: []*teams.DataDistributionTeam{
			teamWithLag(1, 10), teamWithLag(2, 20), teamWithLag(3, 30),
		}},
		{PhysicalShardID: 2, Bytes: 200, RegionTeams: []*teams.DataDistributionTeam{teamWithLag(4, 40)}},
	}
	_, _, err := SelectTeamsAndPhysicalShard(candidates)
	assert.ErrorIs(t, err, ErrTooManyRegions)
}

// TestSelectTeamsAndPhysicalShardTreatsTiedScoresAsDegenerate covers the
// case where every candidate has identical bytes and identical lag: every
// score works out equal, so there is no genuine best candidate and the
// caller should fall back to standard scoring rather than get an arbitrary
// pick of whichever candidate happened to come first.
func TestSelectTeamsAndPhysicalShardTreatsTiedScoresAsDegenerate(t *testing.T) {
	candidates := []PhysicalShardCandidate{
		{PhysicalShardID: 1, Bytes: 500, RegionTeams: []*teams.DataDistributionTeam{teamWithLag(1, 100)}},
		{PhysicalShardID: 2, Bytes: 500, RegionTeams: []*teams.DataDistributionTeam{teamWithLag(2, 100)}},
	}
	_, ok, err := SelectTeamsAndPhysicalShard(candidates)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSelectTeamsAndPhysicalShardNeedsAtLeastTwoCandidates(t *testing.T) {
	candidates := []PhysicalShardCandidate{
		{PhysicalShardID: 1, Bytes: 100, RegionTeams: []*teams.DataDistributionTeam{teamWithLag(1, 10)}},
	}
	_, ok, err := SelectTeamsAndPhysicalShard(candidates)
	require.NoError(t, err)
	assert.False(t, ok)
}
