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

package queue_test

import (
	"context"
	"testing"
	"time"

	"github.com/pingcap-incubator/tinydd/server/clock"
	"github.com/pingcap-incubator/tinydd/server/kv"
	"github.com/pingcap-incubator/tinydd/server/physshard"
	"github.com/pingcap-incubator/tinydd/server/queue"
	"github.com/pingcap-incubator/tinydd/server/registry"
	"github.com/pingcap-incubator/tinydd/server/teams"
	"github.com/pingcap-incubator/tinydd/server/tracker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func srv(n uint64) registry.ServerID { return registry.ServerID{0, n} }

// TestQueueRunMovesShardToSelectedTeam drives a single relocation through
// the full TeamSelect -> MoveStart -> MoveCommit -> Done pipeline against
// real (not mocked) Registry, Collection, and MoveKeysClient collaborators,
// the way a single-node deployment would wire them.
func TestQueueRunMovesShardToSelectedTeam(t *testing.T) {
	reg := registry.New()
	primary := teams.NewCollection(1)
	destTeam := teams.NewDataDistributionTeam(registry.NewTeam([]registry.ServerID{srv(1), srv(2), srv(3)}, true))
	primary.AddTeam(destTeam)

	phys := physshard.New(clock.NewManual(time.Unix(1, 0)))
	tr := tracker.New()
	mk := queue.NewMoveKeysClient(kv.NewMemoryKV())

	cfg := queue.DefaultConfig()
	q := queue.New(cfg, reg, primary, nil, phys, tr, mk, 7)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	rg := queue.Range{Begin: []byte("a"), End: []byte("m")}
	reg.DefineShard(rg)
	q.Enqueue(queue.RelocateShard{Range: rg, Priority: queue.PriorityRebalanceDisk, Reason: queue.ReasonRebalanceDisk})

	go q.Run(ctx)

	require.Eventually(t, func() bool {
		dest, _ := reg.TeamsFor(rg)
		return len(dest) == 1 && dest[0].Equal(destTeam.Team)
	}, time.Second, 10*time.Millisecond)

	cancel()
}

func TestQueueEnqueueWakesRunLoop(t *testing.T) {
	reg := registry.New()
	primary := teams.NewCollection(1)
	phys := physshard.New(clock.NewManual(time.Unix(1, 0)))
	tr := tracker.New()
	mk := queue.NewMoveKeysClient(kv.NewMemoryKV())
	cfg := queue.DefaultConfig()
	q := queue.New(cfg, reg, primary, nil, phys, tr, mk, 3)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	go q.Run(ctx)

	rg := queue.Range{Begin: []byte("x"), End: []byte("y")}
	reg.DefineShard(rg)
	q.Enqueue(queue.RelocateShard{Range: rg, Priority: queue.PriorityWiggle})

	// No team registered: the run loop picks the wiggle relocation up and
	// keeps retrying it via backoff, so the wiggle flag is raised and the
	// unhealthy flag is not.
	time.Sleep(50 * time.Millisecond)
	assert.True(t, q.ProcessingWiggle())
	assert.False(t, q.ProcessingUnhealthy())
}
