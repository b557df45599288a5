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

// Package server wires the seven Data Distribution / Rate Keeper
// components into a single runnable process, the way the teacher's
// server/server.go wires PD's cluster, storage, and scheduling pieces
// around one Run/Close lifecycle.
package server

import (
	"context"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pingcap-incubator/tinydd/internal/intervalmap"
	"github.com/pingcap-incubator/tinydd/server/clock"
	"github.com/pingcap-incubator/tinydd/server/config"
	"github.com/pingcap-incubator/tinydd/server/kv"
	"github.com/pingcap-incubator/tinydd/server/log"
	"github.com/pingcap-incubator/tinydd/server/physshard"
	"github.com/pingcap-incubator/tinydd/server/queue"
	"github.com/pingcap-incubator/tinydd/server/ratekeeper"
	"github.com/pingcap-incubator/tinydd/server/registry"
	"github.com/pingcap-incubator/tinydd/server/runtimemonitor"
	"github.com/pingcap-incubator/tinydd/server/teams"
	"github.com/pingcap-incubator/tinydd/server/tracker"
	"github.com/pingcap-incubator/tinydd/server/wiggler"
	"go.etcd.io/etcd/clientv3"
)

// Server is the UNINITIALIZED-then-running dd-server process: it owns the
// registry, physical-shard collection, tracker, queue, wigglers, and rate
// updater, and the single goroutine tree that drives them.
type Server struct {
	cfg   *config.Config
	store kv.Base
	clk   clock.Clock

	reg     *registry.Registry
	phys    *physshard.Collection
	primary *teams.Collection
	remote  *teams.Collection // nil for a single-region deployment
	tr      *tracker.Tracker
	monitor *runtimemonitor.Monitor
	wiggle  *wiggler.Wiggler
	rk      *ratekeeper.Updater
	q       *queue.Queue

	relocations chan queue.RelocateShard

	shardMu      sync.Mutex
	shardEvents  map[string]chan tracker.ShardBoundaryEvent
	shardSamples map[string]chan tracker.MetricsSample

	rkMu          sync.Mutex
	ssMetrics     []ratekeeper.ProcessMetrics
	tlogMetrics   []ratekeeper.ProcessMetrics
	actualTps     float64
	serverListOK  bool

	isServing int64

	serverLoopCtx    context.Context
	serverLoopCancel context.CancelFunc
	serverLoopWg     sync.WaitGroup
}

// CreateServer creates the uninitialized dd-server for cfg, choosing an
// etcd-backed or in-memory metadata store depending on whether
// cfg.EtcdEndpoints is set, mirroring the teacher's CreateServer split
// between embedded-etcd and pure-Go paths.
func CreateServer(cfg *config.Config) (*Server, error) {
	log.Info("dd-server config", log.String("metadata-root", cfg.MetadataRoot))

	var store kv.Base
	if len(cfg.EtcdEndpoints) > 0 {
		client, err := clientv3.New(clientv3.Config{
			Endpoints:   cfg.EtcdEndpoints,
			DialTimeout: 5 * time.Second,
		})
		if err != nil {
			return nil, err
		}
		store = kv.NewEtcdKV(client, cfg.MetadataRoot)
	} else {
		store = kv.NewMemoryKV()
	}

	clk := clock.Real{}
	reg := registry.New()
	phys := physshard.New(clk)
	primary := teams.NewCollection(time.Now().UnixNano())

	s := &Server{
		cfg:          cfg,
		store:        store,
		clk:          clk,
		reg:          reg,
		phys:         phys,
		primary:      primary,
		tr:           tracker.New(),
		wiggle:       wiggler.New(clk),
		rk:           ratekeeper.New(ratekeeper.FromServerConfig(cfg.RK)),
		relocations:  make(chan queue.RelocateShard, 256),
		shardEvents:  make(map[string]chan tracker.ShardBoundaryEvent),
		shardSamples: make(map[string]chan tracker.MetricsSample),
		serverListOK: true,
	}
	s.monitor = runtimemonitor.NewMonitor(reg, phys, s.tr)

	qcfg := queue.Config{
		BandCap: map[queue.Band]int{
			queue.BandRecovery:  cfg.DD.RecoveryParallelism,
			queue.BandUnhealthy: cfg.DD.UnhealthyParallelism,
			queue.BandRebalance: cfg.DD.RebalanceParallelism,
			queue.BandWiggle:    cfg.DD.WiggleParallelism,
		},
		PhysicalShardAware:     cfg.DD.PhysicalShardAwareGetTeam,
		ExpectedServersPerTeam: 3,
	}
	moveKeys := queue.NewMoveKeysClient(store)
	// s.remote is nil for a single-region deployment; pass the literal nil
	// interface rather than the nil *teams.Collection it holds, or queue
	// would see a non-nil interface wrapping a nil pointer.
	s.q = queue.New(qcfg, reg, primary, nil, phys, s.tr, moveKeys, rand.New(rand.NewSource(time.Now().UnixNano())).Int63())

	return s, nil
}

// Run starts the server's goroutine tree and returns once it is up; the
// tree itself keeps running until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	atomic.StoreInt64(&s.isServing, 1)
	s.serverLoopCtx, s.serverLoopCancel = context.WithCancel(ctx)

	s.serverLoopWg.Add(3)
	go func() { defer s.serverLoopWg.Done(); s.q.Run(s.serverLoopCtx) }()
	go func() { defer s.serverLoopWg.Done(); s.watchShardsLoop(s.serverLoopCtx) }()
	go func() { defer s.serverLoopWg.Done(); s.forwardRelocationsLoop(s.serverLoopCtx) }()

	s.serverLoopWg.Add(1)
	go func() { defer s.serverLoopWg.Done(); s.rateKeeperLoop(s.serverLoopCtx) }()

	log.Info("dd-server started")
	return nil
}

// Close stops the goroutine tree and waits for it to exit.
func (s *Server) Close() {
	if !atomic.CompareAndSwapInt64(&s.isServing, 1, 0) {
		return
	}
	log.Info("closing dd-server")
	if s.serverLoopCancel != nil {
		s.serverLoopCancel()
	}
	s.serverLoopWg.Wait()
	log.Info("dd-server closed")
}

// IsClosed reports whether Close has already run.
func (s *Server) IsClosed() bool { return atomic.LoadInt64(&s.isServing) == 0 }

// watchShardsLoop spawns a TrackShard/TrackBytes goroutine pair for every
// range the registry reports via RestartShardTracker, the Go-idiomatic
// analogue of ShardsAffectedByTeamFailure::restartShardTracker spawning a
// new actor per shard.
func (s *Server) watchShardsLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case rg := <-s.reg.RestartShardTracker:
			s.startShardTrackers(ctx, rg)
		}
	}
}

func (s *Server) startShardTrackers(ctx context.Context, rg intervalmap.Range) {
	key := string(rg.Begin) + "\x00" + string(rg.End)

	s.shardMu.Lock()
	events := make(chan tracker.ShardBoundaryEvent, 4)
	samples := make(chan tracker.MetricsSample, 4)
	s.shardEvents[key] = events
	s.shardSamples[key] = samples
	s.shardMu.Unlock()

	go tracker.TrackShard(ctx, rg, events, s.reg, s.relocations)
	go tracker.TrackBytes(ctx, rg, samples, s.clk, func(m tracker.ShardMetrics) {
		s.tr.Publish(rg, m)
	}, s.relocations)
}

// PublishShardBoundaryEvent feeds a split/merge crossing observed by the
// storage-server heartbeat stream into the tracker for rg. Deployments
// wire this to the actual heartbeat transport; tests call it directly.
func (s *Server) PublishShardBoundaryEvent(rg intervalmap.Range, ev tracker.ShardBoundaryEvent) {
	key := string(rg.Begin) + "\x00" + string(rg.End)
	s.shardMu.Lock()
	ch := s.shardEvents[key]
	s.shardMu.Unlock()
	if ch != nil {
		ch <- ev
	}
}

// PublishMetricsSample feeds a storage metrics observation for rg into the
// tracker, the same seam PublishShardBoundaryEvent provides for crossings.
func (s *Server) PublishMetricsSample(rg intervalmap.Range, sample tracker.MetricsSample) {
	key := string(rg.Begin) + "\x00" + string(rg.End)
	s.shardMu.Lock()
	ch := s.shardSamples[key]
	s.shardMu.Unlock()
	if ch != nil {
		ch <- sample
	}
}

// forwardRelocationsLoop drains relocations produced by the tracker's
// per-shard goroutines into the queue.
func (s *Server) forwardRelocationsLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case rs := <-s.relocations:
			s.q.Enqueue(rs)
		}
	}
}

// IngestProcessMetrics replaces the rate keeper's view of the current
// storage-server and TLog metrics round; a real heartbeat stream calls
// this once per round, matching spec.md §4.6's per-round fold.
func (s *Server) IngestProcessMetrics(ss, tlog []ratekeeper.ProcessMetrics, actualTps float64, serverListOK bool) {
	s.rkMu.Lock()
	defer s.rkMu.Unlock()
	s.ssMetrics = ss
	s.tlogMetrics = tlog
	s.actualTps = actualTps
	s.serverListOK = serverListOK
}

// rateKeeperLoop recomputes the global TPS limit every round, publishing
// it via server/metrics as a side effect of ratekeeper.Updater.Update.
func (s *Server) rateKeeperLoop(ctx context.Context) {
	const round = 5 * time.Second
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(round):
			s.rkMu.Lock()
			ss, tlog, tps, ok := s.ssMetrics, s.tlogMetrics, s.actualTps, s.serverListOK
			s.rkMu.Unlock()

			limit := s.rk.Update(ss, tlog, tps, ok, s.q.ProcessingUnhealthy(), s.q.ProcessingWiggle())
			log.Info("rate keeper limit", log.String("reason", limit.Reason.String()))

			if err := s.reg.Check(); err != nil {
				log.Fatal("registry invariant violated", log.Error(err))
			}
		}
	}
}

// Registry exposes the Shard-Team Registry for callers that need direct
// read access (e.g. an admin RPC surface out of scope here).
func (s *Server) Registry() *registry.Registry { return s.reg }

// Queue exposes the Relocation Queue for direct enqueues (e.g. a manual
// rebalance trigger).
func (s *Server) Queue() *queue.Queue { return s.q }

// Wiggler exposes the Storage Wiggler for server lifecycle events
// (AddServer/RemoveServer) a membership watcher would call.
func (s *Server) Wiggler() *wiggler.Wiggler { return s.wiggle }

// Monitor exposes the Runtime Monitor for physical-shard-aware callers.
func (s *Server) Monitor() *runtimemonitor.Monitor { return s.monitor }
