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
	"sort"

	"github.com/pingcap-incubator/tinydd/internal/intervalmap"
	"github.com/pingcap-incubator/tinydd/server/physshard"
)

// ShardMetrics is what trackBytes publishes per shard: the current
// aggregate metrics, the time the shard's bandwidth last crossed into the
// low-bandwidth band (used to debounce merge proposals), and how many
// smaller shards are folded into this aggregate.
type ShardMetrics struct {
	Metrics                 physshard.StorageMetrics
	LastLowBandwidthStartTime int64 // unix nanos; 0 means "not currently low"
	ShardCount              int
}

// MetricsComparator ranks two StorageMetrics for GetTopKMetricsRequest;
// returns true if a scores higher than b.
type MetricsComparator func(a, b physshard.StorageMetrics) bool

// ByBytesDescending is the comparator used for "largest ranges by size".
func ByBytesDescending(a, b physshard.StorageMetrics) bool { return a.Bytes > b.Bytes }

// Tracker answers the three public metrics requests from spec.md §4.3
// against a live map of per-shard metrics.
type Tracker struct {
	shardMetrics *intervalmap.Map // Range -> ShardMetrics
}

// New creates a Tracker with no shards yet tracked.
func New() *Tracker {
	return &Tracker{shardMetrics: intervalmap.New(func(a, b any) bool { return false })}
}

// Publish records the latest metrics observed for rg, as trackBytes would
// after a fresh sample.
func (t *Tracker) Publish(rg intervalmap.Range, m ShardMetrics) {
	t.shardMetrics.SetRange(rg, m)
}

// GetMetrics aggregates metrics across every shard intersecting rg
// (GetMetricsRequest).
func (t *Tracker) GetMetrics(rg intervalmap.Range) physshard.StorageMetrics {
	var total physshard.StorageMetrics
	t.shardMetrics.Ascend(rg, func(e intervalmap.Entry) bool {
		if m, ok := e.Value.(ShardMetrics); ok {
			total = total.Add(m.Metrics)
		}
		return true
	})
	return total
}

// GetMetricsList enumerates up to shardLimit shards intersecting rg
// (GetMetricsListRequest), for operator tooling.
func (t *Tracker) GetMetricsList(rg intervalmap.Range, shardLimit int) []intervalmap.Entry {
	var out []intervalmap.Entry
	t.shardMetrics.Ascend(rg, func(e intervalmap.Entry) bool {
		out = append(out, e)
		return len(out) < shardLimit
	})
	return out
}

// GetTopKMetrics returns the largest topK ranges among ranges by cmp,
// filtered to a read-rate band [minReadRate, maxReadRate]
// (GetTopKMetricsRequest).
func (t *Tracker) GetTopKMetrics(ranges []intervalmap.Range, topK int, cmp MetricsComparator, minReadRate, maxReadRate float64) []physshard.StorageMetrics {
	var all []physshard.StorageMetrics
	for _, rg := range ranges {
		m := t.GetMetrics(rg)
		rate := float64(m.ReadBytesPerKSecond)
		if rate < minReadRate || rate > maxReadRate {
			continue
		}
		all = append(all, m)
	}
	sort.Slice(all, func(i, j int) bool { return cmp(all[i], all[j]) })
	if len(all) > topK {
		all = all[:topK]
	}
	return all
}
