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

package ratekeeper

import "sort"

// LimitReason enumerates which resource is the binding constraint on the
// global TPS ceiling.
type LimitReason int

const (
	ReasonUnlimited LimitReason = iota
	ReasonServerListFetchFailed
	ReasonStorageWriteBandwidthMVCC
	ReasonStorageWriteQueueSize
	ReasonStorageDurabilityLag
	ReasonStorageMinFreeSpace
	ReasonStorageMinFreeSpaceRatio
	ReasonLogWriteQueueSize
	ReasonStorageReadableBehind
)

func (r LimitReason) String() string {
	switch r {
	case ReasonServerListFetchFailed:
		return "storage_server_list_fetch_failed"
	case ReasonStorageWriteBandwidthMVCC:
		return "storage_server_write_bandwidth_mvcc"
	case ReasonStorageWriteQueueSize:
		return "storage_server_write_queue_size"
	case ReasonStorageDurabilityLag:
		return "storage_server_durability_lag"
	case ReasonStorageMinFreeSpace:
		return "storage_server_min_free_space"
	case ReasonStorageMinFreeSpaceRatio:
		return "storage_server_min_free_space_ratio"
	case ReasonLogWriteQueueSize:
		return "log_server_write_queue_size"
	case ReasonStorageReadableBehind:
		return "storage_server_readable_behind"
	default:
		return "unlimited"
	}
}

// unconstrained stands in for "this dimension does not bind", chosen
// large enough that it never wins a min() against a real limit but
// without using +Inf, which would make the worst-zone sort fragile.
const unconstrained = 1e18

// epsilon floors the spring-formula denominator so a metric far inside
// the safe zone produces a very large, not infinite or negative, limit.
const epsilon = 1.0

// springLimit is the shared shape behind every per-process limit in
// spec.md §4.6: given how far a metric sits past target (overage, in the
// "bad" direction -- value-target for queue/lag-style metrics, or
// target-value for free-space-style metrics), it returns
// actualTps*spring/(overage+spring): 2x at overage=-spring/2, 1x at target,
// 0.5x at overage=+spring, clamped to actualTps/2 beyond +spring, and
// growing toward actualTps*spring/epsilon as overage nears -spring.
func springLimit(actualTps, spring, overage float64) float64 {
	if spring <= 0 {
		if overage > 0 {
			return actualTps / 2
		}
		return unconstrained
	}
	if overage > spring {
		return actualTps / 2
	}
	denom := overage + spring
	if denom < epsilon {
		denom = epsilon
	}
	return actualTps * spring / denom
}

// ProcessMetrics is one storage server or TLog's inputs to the rate
// updater, matching spec.md §4.6.
type ProcessMetrics struct {
	Zone string

	StorageQueueBytes   float64
	DurabilityLagBytes  float64
	StorageBytesTotal   float64
	StorageBytesFree    float64
	AcceptingRequests   bool

	// VersionLag is TLog.version - SS.durableVersion for this process,
	// non-zero only when evaluating readable-behind.
	VersionLag float64
}

// zoneLimit is one zone's binding limit, used as the worst-zone-tolerance
// input.
type zoneLimit struct {
	Zone   string
	TPS    float64
	Reason LimitReason
}

// storageLimits computes every spring-bound dimension for one SS and
// returns the binding (lowest) one.
func storageLimits(actualTps float64, m ProcessMetrics, cfg Config) zoneLimit {
	if !m.AcceptingRequests {
		return zoneLimit{Zone: m.Zone, TPS: 0, Reason: ReasonServerListFetchFailed}
	}

	// Once the queue sits a full spring width below target, the binding
	// resource is write bandwidth headroom rather than queue size itself:
	// tag that regime storage_server_write_bandwidth_mvcc, matching
	// RKRateUpdaterTesting.actor.cpp's StorageWriteBandwidthMVCC case.
	queueOverage := m.StorageQueueBytes - cfg.TargetQueueBytes
	queueReason := ReasonStorageWriteQueueSize
	if queueOverage <= -cfg.SpringBytes {
		queueReason = ReasonStorageWriteBandwidthMVCC
	}
	candidates := []zoneLimit{
		{Reason: queueReason, TPS: springLimit(actualTps, cfg.SpringBytes, queueOverage)},
		{Reason: ReasonStorageDurabilityLag, TPS: springLimit(actualTps, cfg.SpringBytes, m.DurabilityLagBytes-cfg.TargetDurabilityLagBytes)},
	}
	if cfg.MinFreeSpaceBytes > 0 {
		free := m.StorageBytesFree
		candidates = append(candidates, zoneLimit{
			Reason: ReasonStorageMinFreeSpace,
			TPS:    springLimit(actualTps, cfg.SpringBytes, cfg.MinFreeSpaceBytes-free),
		})
	}
	if cfg.MinFreeSpaceRatio > 0 && m.StorageBytesTotal > 0 {
		ratio := m.StorageBytesFree / m.StorageBytesTotal
		candidates = append(candidates, zoneLimit{
			Reason: ReasonStorageMinFreeSpaceRatio,
			TPS:    springLimit(actualTps, cfg.MinFreeSpaceRatio, cfg.MinFreeSpaceRatio-ratio),
		})
	}

	best := candidates[0]
	for _, c := range candidates[1:] {
		if c.TPS < best.TPS {
			best = c
		}
	}
	best.Zone = m.Zone
	return best
}

// readableBehindLimit applies the targetVersionDifference rule: a TLog's
// version running ahead of an SS's durable version by more than
// targetVersionDifference throttles writes with reason
// storage_server_readable_behind, per spec.md §4.6.
func readableBehindLimit(actualTps float64, versionLag, targetVersionDifference float64) zoneLimit {
	if targetVersionDifference <= 0 {
		return zoneLimit{Reason: ReasonStorageReadableBehind, TPS: unconstrained}
	}
	overage := versionLag - targetVersionDifference
	return zoneLimit{
		Reason: ReasonStorageReadableBehind,
		TPS:    springLimit(actualTps, targetVersionDifference, overage),
	}
}

// kthSmallest returns the (k+1)-th smallest TPS among zones (0-indexed k),
// clamping k to the available count -- the worst-zone tolerance from
// spec.md §4.6 that excuses the K worst zones. The returned TPS is the
// excused-adjusted ceiling (sorted[k]), but the reason and zone are always
// taken from the single most-restrictive zone (sorted[0]): the limiting
// zone is still reporting the binding constraint even when its own TPS is
// excused from setting the global ceiling, matching
// RKRateUpdaterTesting.actor.cpp's IgnoreWorstZone ("we still report write
// queue size as the limiting reason").
func kthSmallest(zones []zoneLimit, k int) zoneLimit {
	if k < 0 {
		k = 0
	}
	if k >= len(zones) {
		k = len(zones) - 1
	}
	sorted := append([]zoneLimit(nil), zones...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].TPS < sorted[j].TPS })
	return zoneLimit{Zone: sorted[0].Zone, Reason: sorted[0].Reason, TPS: sorted[k].TPS}
}
