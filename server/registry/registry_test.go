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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func srv(n uint64) ServerID { return ServerID{0, n} }

func team(primary bool, ids ...uint64) Team {
	var servers []ServerID
	for _, id := range ids {
		servers = append(servers, srv(id))
	}
	return NewTeam(servers, primary)
}

func TestDefineShardSplitsWithoutChangingTeams(t *testing.T) {
	r := New()
	r.DefineShard(Range{Begin: []byte("b"), End: []byte("d")})
	require.NoError(t, r.Check())

	dest, prevSrc := r.TeamsFor(Range{Begin: []byte("b"), End: []byte("d")})
	assert.Empty(t, dest)
	assert.Empty(t, prevSrc)
}

func TestMoveShardUpdatesDestAndPrevSrc(t *testing.T) {
	r := New()
	rg := Range{Begin: []byte("a"), End: []byte("m")}
	r.DefineShard(rg)

	t1 := team(true, 1, 2, 3)
	r.MoveShard(rg, []Team{t1})
	require.NoError(t, r.Check())

	dest, prevSrc := r.TeamsFor(rg)
	require.Len(t, dest, 1)
	assert.True(t, dest[0].Equal(t1))
	assert.Empty(t, prevSrc)
	assert.Equal(t, 1, r.NumberOfShards(srv(1)))

	t2 := team(true, 4, 5, 6)
	r.MoveShard(rg, []Team{t2})
	require.NoError(t, r.Check())

	dest, prevSrc = r.TeamsFor(rg)
	require.Len(t, dest, 1)
	assert.True(t, dest[0].Equal(t2))
	require.Len(t, prevSrc, 1)
	assert.True(t, prevSrc[0].Equal(t1))
	assert.Equal(t, 0, r.NumberOfShards(srv(1)))
	assert.Equal(t, 1, r.NumberOfShards(srv(4)))

	r.FinishMove(rg)
	require.NoError(t, r.Check())
	_, prevSrc = r.TeamsFor(rg)
	assert.Empty(t, prevSrc)
	assert.Empty(t, r.ShardsFor(t1))
}

func TestShardsForTracksMultipleRanges(t *testing.T) {
	r := New()
	rgA := Range{Begin: []byte("a"), End: []byte("b")}
	rgB := Range{Begin: []byte("b"), End: []byte("c")}
	r.DefineShard(rgA)
	r.DefineShard(rgB)

	tm := team(true, 1, 2, 3)
	r.MoveShard(rgA, []Team{tm})
	r.MoveShard(rgB, []Team{tm})
	require.NoError(t, r.Check())

	shards := r.ShardsFor(tm)
	assert.Len(t, shards, 2)
}

func TestRestartShardTrackerFiresOnDefine(t *testing.T) {
	r := New()
	rg := Range{Begin: []byte("a"), End: []byte("z")}
	r.DefineShard(rg)

	select {
	case got := <-r.RestartShardTracker:
		assert.Equal(t, rg.Begin, got.Begin)
	default:
		t.Fatal("expected a restart-shard-tracker notification")
	}
}

// FuzzRegistryInvariants defines one shard and then applies one operation
// per fuzz input (MoveShard, MoveShard followed by FinishMove, or MoveShard
// to no teams) over keys a-g plus the open ends, calling Check after the
// DefineShard and after the operation -- the invariant audit from spec.md
// §3 must never fail for any input.
func FuzzRegistryInvariants(f *testing.F) {
	f.Add(uint8(0), uint8(2), uint8(1), uint8(5))
	f.Add(uint8(1), uint8(4), uint8(3), uint8(9))
	f.Add(uint8(2), uint8(0), uint8(7), uint8(2))

	keys := [][]byte{
		nil, []byte("a"), []byte("b"), []byte("c"), []byte("d"),
		[]byte("e"), []byte("f"), []byte("g"), nil,
	}

	f.Fuzz(func(t *testing.T, opSeed, keySeed, serverSeed, countSeed uint8) {
		r := New()
		op := int(opSeed) % 3
		begin := keys[int(keySeed)%len(keys)]
		end := keys[int(countSeed)%len(keys)]
		rg := Range{Begin: begin, End: end}

		r.DefineShard(rg)
		if err := r.Check(); err != nil {
			t.Fatalf("invariant violated after DefineShard: %v", err)
		}

		n := 1 + int(serverSeed)%3
		var ids []uint64
		for i := 0; i < n; i++ {
			ids = append(ids, uint64(serverSeed)+uint64(i))
		}
		tm := team(true, ids...)

		switch op {
		case 0:
			r.MoveShard(rg, []Team{tm})
		case 1:
			r.MoveShard(rg, []Team{tm})
			r.FinishMove(rg)
		case 2:
			r.MoveShard(rg, nil)
		}
		if err := r.Check(); err != nil {
			t.Fatalf("invariant violated after op %d: %v", op, err)
		}
	})
}
