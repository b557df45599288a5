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

package tracker

import (
	"context"
	"time"

	"github.com/pingcap-incubator/tinydd/internal/intervalmap"
	"github.com/pingcap-incubator/tinydd/server/clock"
	"github.com/pingcap-incubator/tinydd/server/physshard"
	"github.com/pingcap-incubator/tinydd/server/queue"
)

// ShardRegistry is the subset of registry.Registry the tracker needs: it
// may call DefineShard (when a boundary crossing is observed) but never
// MoveShard/FinishMove -- those belong to the Relocation Queue.
type ShardRegistry interface {
	DefineShard(rg intervalmap.Range)
}

// ShardBoundaryEvent is a split or merge crossing observed for a tracked
// range. Produced by whatever feeds the tracker (the storage-server
// heartbeat stream in a real deployment); modeled here as a channel so
// tests can inject crossings deterministically.
type ShardBoundaryEvent struct {
	Range      intervalmap.Range
	SplitAt    []byte // non-nil: range should split here
	MergeWith  *intervalmap.Range // non-nil: range should merge with this neighbor
}

// SizeBounds gives the permitted size/IO bounds for a shard, computed from
// the database size estimate the way getShardSizeBounds does in the
// reference implementation.
type SizeBounds struct {
	Max physshard.StorageMetrics
	Min physshard.StorageMetrics
}

// MaxShardSize derives the maximum shard size from a database size
// estimate. Larger databases get larger target shards: the size grows
// linearly from 200 MiB and is capped at 500 MiB.
func MaxShardSize(dbSizeEstimate float64) int64 {
	const (
		minShardSize = 200 << 20   // 200 MiB
		maxShardSize = 500 << 20   // 500 MiB
		divisor      = 4000 << 30  // 4000 GiB: size at which shards reach maxShardSize
	)
	size := int64(minShardSize + dbSizeEstimate*float64(maxShardSize-minShardSize)/divisor)
	if size > maxShardSize {
		return maxShardSize
	}
	return size
}

// ShardSizeBounds returns the permitted bounds for a shard given
// maxShardSize: Min is a quarter of Max, leaving a wide gap between the
// split and merge thresholds so a shard does not thrash split/merge around
// one boundary.
func ShardSizeBounds(maxShardSize int64) SizeBounds {
	return SizeBounds{
		Max: physshard.StorageMetrics{Bytes: maxShardSize},
		Min: physshard.StorageMetrics{Bytes: maxShardSize / 4},
	}
}

// TrackShard watches boundaries for one range until ctx is cancelled or
// events is closed, emitting split/merge RelocateShards into out. A split
// atomically rewrites the interval map via registry.DefineShard before
// enqueueing, matching spec.md §4.3.
func TrackShard(ctx context.Context, rg intervalmap.Range, events <-chan ShardBoundaryEvent, reg ShardRegistry, out chan<- queue.RelocateShard) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			switch {
			case ev.SplitAt != nil:
				reg.DefineShard(intervalmap.Range{Begin: rg.Begin, End: ev.SplitAt})
				reg.DefineShard(intervalmap.Range{Begin: ev.SplitAt, End: rg.End})
				select {
				case out <- queue.RelocateShard{Range: rg, Priority: queue.PrioritySplitShard, Reason: queue.ReasonOther}:
				case <-ctx.Done():
					return
				}
			case ev.MergeWith != nil:
				merged := intervalmap.Range{Begin: rg.Begin, End: ev.MergeWith.End}
				if bytesLess(*ev.MergeWith, rg) {
					merged = intervalmap.Range{Begin: ev.MergeWith.Begin, End: rg.End}
				}
				select {
				case out <- queue.RelocateShard{Range: merged, Priority: queue.PriorityMergeShard, Reason: queue.ReasonOther}:
				case <-ctx.Done():
					return
				}
			}
		}
	}
}

func bytesLess(a, b intervalmap.Range) bool {
	return len(a.Begin) > 0 && len(b.Begin) > 0 && string(a.Begin) < string(b.Begin)
}

// MetricsSample is one observation from the SS metrics stream for a range.
type MetricsSample struct {
	Metrics physshard.StorageMetrics
	LowBandwidth bool // true if this sample's bandwidth is below the merge-candidate cutoff
}

// LowBandwidthDwellTime is how long a shard's bandwidth must stay low
// before a merge is proposed for it -- the debounce from spec.md §4.3.
const LowBandwidthDwellTime = 5 * time.Minute

// TrackBytes subscribes to samples for rg, publishes ShardMetrics via
// publish, and -- once bandwidth has stayed low for LowBandwidthDwellTime
// -- sends a merge-priority RelocateShard for rg.
func TrackBytes(ctx context.Context, rg intervalmap.Range, samples <-chan MetricsSample, clk clock.Clock, publish func(ShardMetrics), out chan<- queue.RelocateShard) {
	var lastLowStart time.Time
	proposed := false
	for {
		select {
		case <-ctx.Done():
			return
		case s, ok := <-samples:
			if !ok {
				return
			}
			now := clk.Now()
			if s.LowBandwidth {
				if lastLowStart.IsZero() {
					lastLowStart = now
					proposed = false
				}
			} else {
				lastLowStart = time.Time{}
				proposed = false
			}
			var lastLowNanos int64
			if !lastLowStart.IsZero() {
				lastLowNanos = lastLowStart.UnixNano()
			}
			publish(ShardMetrics{Metrics: s.Metrics, LastLowBandwidthStartTime: lastLowNanos, ShardCount: 1})

			if !lastLowStart.IsZero() && !proposed && now.Sub(lastLowStart) >= LowBandwidthDwellTime {
				proposed = true
				select {
				case out <- queue.RelocateShard{Range: rg, Priority: queue.PriorityMergeShard, Reason: queue.ReasonOther}:
				case <-ctx.Done():
					return
				}
			}
		}
	}
}
