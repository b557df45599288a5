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
	"context"
	"encoding/hex"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pingcap-incubator/tinydd/server/log"
	"github.com/pingcap-incubator/tinydd/server/metrics"
	"github.com/pingcap-incubator/tinydd/server/physshard"
	"github.com/pingcap-incubator/tinydd/server/registry"
	"github.com/pingcap-incubator/tinydd/server/teams"
)

// ShardRegistry is the subset of registry.Registry the queue mutates.
type ShardRegistry interface {
	MoveShard(rg Range, destTeams []registry.Team)
	FinishMove(rg Range)
	TeamsFor(rg Range) (dest, prevSrc []registry.Team)
}

// TeamSelector is the subset of teams.Collection the queue calls to pick a
// destination (TeamSelect, spec.md §4.4).
type TeamSelector interface {
	GetTeam(req teams.GetTeamRequest) (*teams.DataDistributionTeam, bool)
}

// PhysicalShards is the subset of physshard.Collection the queue consults
// when PHYSICAL_SHARD_AWARE_GET_TEAM is on.
type PhysicalShards interface {
	TrySelectPhysicalShardFor(team registry.Team, metrics physshard.StorageMetrics) (uint64, bool)
	UpdatePhysicalShardToTeams(pid uint64, teams []registry.Team, expectedServersPerTeam int)
	GenerateNewPhysicalShardID() uint64
	AssignKeyRange(rg Range, pid uint64)
}

// Config bounds per-band parallelism and the physical-shard-aware flag.
type Config struct {
	BandCap              map[Band]int
	PhysicalShardAware   bool
	ExpectedServersPerTeam int
}

// DefaultConfig matches the band table in spec.md §4.4 ("high/medium/low/
// lowest") with concrete numbers.
func DefaultConfig() Config {
	return Config{
		BandCap: map[Band]int{
			BandRecovery:  10,
			BandUnhealthy: 5,
			BandRebalance: 2,
			BandWiggle:    1,
		},
		ExpectedServersPerTeam: 3,
	}
}

// MetricsSource looks up the current metrics for a range, used to charge
// inflight bytes to the destination team during MoveStart.
type MetricsSource interface {
	GetMetrics(rg Range) physshard.StorageMetrics
}

// Queue is the Relocation Queue (C4).
type Queue struct {
	cfg Config

	mu       sync.Mutex
	cond     *sync.Cond
	pq       *priorityQueue
	inFlight []Range // ranges currently between TeamSelect and Tracked

	bandSem map[Band]chan struct{}

	registry   ShardRegistry
	primary    TeamSelector
	remote     TeamSelector // nil for single-region deployments
	physShards PhysicalShards
	metrics    MetricsSource
	moveKeys   *MoveKeysClient

	processingUnhealthy atomic.Bool
	processingWiggle    atomic.Bool
	unhealthyInFlight   atomic.Int32
	wiggleInFlight      atomic.Int32

	backoffSeed int64
}

// New creates a Queue. remote may be nil for a single-region deployment.
func New(cfg Config, reg ShardRegistry, primary, remote TeamSelector, phys PhysicalShards, m MetricsSource, mk *MoveKeysClient, backoffSeed int64) *Queue {
	q := &Queue{
		cfg:        cfg,
		pq:         newPriorityQueue(),
		registry:   reg,
		primary:    primary,
		remote:     remote,
		physShards: phys,
		metrics:    m,
		moveKeys:   mk,
		bandSem:    make(map[Band]chan struct{}),
		backoffSeed: backoffSeed,
	}
	q.cond = sync.NewCond(&q.mu)
	for band, cap := range cfg.BandCap {
		q.bandSem[band] = make(chan struct{}, cap)
	}
	return q
}

// ProcessingUnhealthy reports whether at least one unhealthy-band
// relocation is currently in flight (read by the Rate Keeper for headroom
// reservation, spec.md §4.4).
func (q *Queue) ProcessingUnhealthy() bool { return q.processingUnhealthy.Load() }

// ProcessingWiggle is the wiggle-band analogue of ProcessingUnhealthy.
func (q *Queue) ProcessingWiggle() bool { return q.processingWiggle.Load() }

// Enqueue adds rs to the queue and wakes the run loop.
func (q *Queue) Enqueue(rs RelocateShard) {
	q.mu.Lock()
	q.pq.Enqueue(&rs)
	q.mu.Unlock()
	metrics.QueueDepth.WithLabelValues(rs.Band().String()).Inc()
	q.cond.Broadcast()
}

// intersectsInFlightLocked reports whether rg overlaps any range currently
// in flight -- the dedup rule from spec.md §4.4 ("the shard is not already
// being moved").
func (q *Queue) intersectsInFlightLocked(rg Range) bool {
	for _, f := range q.inFlight {
		if f.Overlaps(rg) {
			return true
		}
	}
	return false
}

// Run drains the queue until ctx is cancelled. Each popped relocation is
// executed in its own goroutine once its band has a free slot and it does
// not intersect an in-flight relocation; lower-priority work naturally
// waits behind the cooperative preemption implied by per-band semaphores
// plus priority ordering of the pop itself.
func (q *Queue) Run(ctx context.Context) {
	done := make(chan struct{})
	go func() {
		<-ctx.Done()
		q.mu.Lock()
		q.cond.Broadcast()
		q.mu.Unlock()
		close(done)
	}()

	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		q.mu.Lock()
		var next *RelocateShard
		for {
			if ctx.Err() != nil {
				q.mu.Unlock()
				return
			}
			next = q.popReadyLocked()
			if next != nil {
				break
			}
			q.cond.Wait()
		}
		q.inFlight = append(q.inFlight, next.Range)
		q.mu.Unlock()

		band := next.Band()
		metrics.QueueDepth.WithLabelValues(band.String()).Dec()
		metrics.InFlightRelocations.Inc()
		switch band {
		case BandUnhealthy:
			q.processingUnhealthy.Store(q.unhealthyInFlight.Add(1) > 0)
		case BandWiggle:
			q.processingWiggle.Store(q.wiggleInFlight.Add(1) > 0)
		}

		wg.Add(1)
		go func(rs *RelocateShard) {
			defer wg.Done()
			defer q.finish(rs.Range, rs.Band())
			q.execute(ctx, rs)
		}(next)
	}
}

// popReadyLocked scans the heap for the highest-priority item whose band
// has a free slot and that does not intersect in-flight work, pops it, and
// returns nil if none qualifies right now. Callers must hold q.mu.
func (q *Queue) popReadyLocked() *RelocateShard {
	var deferred []*RelocateShard
	var ready *RelocateShard
	for q.pq.Len() > 0 {
		item := q.pq.Dequeue()
		if item.Cancelled {
			continue
		}
		if q.intersectsInFlightLocked(item.Range) {
			deferred = append(deferred, item)
			continue
		}
		sem := q.bandSem[item.Band()]
		select {
		case sem <- struct{}{}:
			ready = item
		default:
			deferred = append(deferred, item)
		}
		if ready != nil {
			break
		}
	}
	for _, d := range deferred {
		q.pq.Enqueue(d)
	}
	return ready
}

// finish removes rg from the in-flight set and, for the unhealthy and
// wiggle bands, recomputes processingUnhealthy/processingWiggle from the
// remaining per-band in-flight count so they read false again once the
// last relocation of that class has drained -- the Rate Keeper headroom
// reservation they feed is only meant to hold while such a relocation is
// actually in flight.
func (q *Queue) finish(rg Range, band Band) {
	q.mu.Lock()
	for i, f := range q.inFlight {
		if string(f.Begin) == string(rg.Begin) && string(f.End) == string(rg.End) {
			q.inFlight = append(q.inFlight[:i], q.inFlight[i+1:]...)
			break
		}
	}
	q.mu.Unlock()
	metrics.InFlightRelocations.Dec()
	switch band {
	case BandUnhealthy:
		q.processingUnhealthy.Store(q.unhealthyInFlight.Add(-1) > 0)
	case BandWiggle:
		q.processingWiggle.Store(q.wiggleInFlight.Add(-1) > 0)
	}
	q.cond.Broadcast()
}

// execute runs one relocation through TeamSelect -> MoveStart -> MoveCommit
// -> Tracked -> Done, releasing the band semaphore token it was popped
// with exactly once, on every exit path.
func (q *Queue) execute(ctx context.Context, rs *RelocateShard) {
	band := rs.Band()
	defer func() { <-q.bandSem[band] }()

	backoff := NewBackoff(q.backoffSeed)
	for attempt := 0; ; attempt++ {
		if ctx.Err() != nil {
			return
		}
		destPrimary, ok := q.primary.GetTeam(teams.DefaultGetTeamRequest())
		if !ok {
			log.Warn("relocation team select failed, retrying", log.String("range", hex.EncodeToString(rs.Range.Begin)))
			if !sleepBackoff(ctx, backoff) {
				return
			}
			continue
		}
		var destRemote *teams.DataDistributionTeam
		if q.remote != nil {
			destRemote, _ = q.remote.GetTeam(teams.DefaultGetTeamRequest())
		}

		dm := &DataMove{PrimaryDest: destPrimary.Team}
		if destRemote != nil {
			dm.RemoteDest = destRemote.Team
		}

		destTeams := []registry.Team{destPrimary.Team}
		if destRemote != nil {
			destTeams = append(destTeams, destRemote.Team)
		}

		sm := q.metrics.GetMetrics(rs.Range)
		destPrimary.AddDataInFlight(sm.Bytes)
		if destRemote != nil {
			destRemote.AddDataInFlight(sm.Bytes)
		}

		if q.cfg.PhysicalShardAware {
			q.assignPhysicalShard(rs.Range, destTeams, sm)
		}

		id := hex.EncodeToString(rs.Range.Begin) + "-" + hex.EncodeToString(rs.Range.End)
		if err := q.moveKeys.Prepare(ctx, id, dm); err != nil {
			destPrimary.AddDataInFlight(-sm.Bytes)
			if destRemote != nil {
				destRemote.AddDataInFlight(-sm.Bytes)
			}
			metrics.RelocationRetries.WithLabelValues(band.String()).Inc()
			if !sleepBackoff(ctx, backoff) {
				return
			}
			continue
		}
		rs.DataMove = dm
		q.registry.MoveShard(rs.Range, destTeams)

		if err := q.moveKeys.Commit(ctx, dm); err != nil {
			destPrimary.AddDataInFlight(-sm.Bytes)
			if destRemote != nil {
				destRemote.AddDataInFlight(-sm.Bytes)
			}
			metrics.RelocationRetries.WithLabelValues(band.String()).Inc()
			if !sleepBackoff(ctx, backoff) {
				return
			}
			continue
		}

		q.registry.FinishMove(rs.Range)
		destPrimary.AddDataInFlight(-sm.Bytes)
		if destRemote != nil {
			destRemote.AddDataInFlight(-sm.Bytes)
		}
		return
	}
}

func (q *Queue) assignPhysicalShard(rg Range, destTeams []registry.Team, metrics physshard.StorageMetrics) {
	for _, t := range destTeams {
		if pid, ok := q.physShards.TrySelectPhysicalShardFor(t, metrics); ok {
			q.physShards.AssignKeyRange(rg, pid)
			q.physShards.UpdatePhysicalShardToTeams(pid, destTeams, q.cfg.ExpectedServersPerTeam)
			return
		}
	}
	pid := q.physShards.GenerateNewPhysicalShardID()
	q.physShards.AssignKeyRange(rg, pid)
	q.physShards.UpdatePhysicalShardToTeams(pid, destTeams, q.cfg.ExpectedServersPerTeam)
}

// sleepBackoff waits for the next backoff interval, returning false if ctx
// was cancelled first.
func sleepBackoff(ctx context.Context, b *Backoff) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(b.Next()):
		return true
	}
}
