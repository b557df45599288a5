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

import (
	"github.com/montanaflynn/stats"

	"github.com/pingcap-incubator/tinydd/server/config"
	"github.com/pingcap-incubator/tinydd/server/metrics"
)

// allReasons lists every LimitReason's label text, used to zero out every
// non-binding reason gauge each time Update publishes a new limit.
var allReasons = []string{
	ReasonUnlimited.String(),
	ReasonServerListFetchFailed.String(),
	ReasonStorageWriteBandwidthMVCC.String(),
	ReasonStorageWriteQueueSize.String(),
	ReasonStorageDurabilityLag.String(),
	ReasonStorageMinFreeSpace.String(),
	ReasonStorageMinFreeSpaceRatio.String(),
	ReasonLogWriteQueueSize.String(),
	ReasonStorageReadableBehind.String(),
}

// Config is the Rate Updater's view of server/config.RateKeeperConfig,
// widened to float64 since every formula below is continuous.
type Config struct {
	TargetQueueBytes         float64
	SpringBytes              float64
	TargetDurabilityLagBytes float64
	MinFreeSpaceBytes        float64
	MinFreeSpaceRatio        float64
	TargetVersionDifference  float64
	MaxMachinesFallingBehind int
	DefaultLimit             float64
	NeededTPSHistorySamples  int
	HealthRelocationHeadroom float64
}

// FromServerConfig narrows server/config.RateKeeperConfig's int64 byte
// counts into the float64 arithmetic the spring formulas use.
func FromServerConfig(rk config.RateKeeperConfig) Config {
	return Config{
		TargetQueueBytes:         float64(rk.TargetQueueBytes),
		SpringBytes:              float64(rk.SpringBytes),
		TargetDurabilityLagBytes: float64(rk.TargetDurabilityLagBytes),
		MinFreeSpaceBytes:        float64(rk.MinFreeSpaceBytes),
		MinFreeSpaceRatio:        rk.MinFreeSpaceRatio,
		TargetVersionDifference:  float64(rk.TargetVersionDifference),
		MaxMachinesFallingBehind: rk.MaxMachinesFallingBehind,
		DefaultLimit:             rk.DefaultLimit,
		NeededTPSHistorySamples:  rk.NeededTPSHistorySamples,
		HealthRelocationHeadroom: rk.HealthRelocationHeadroom,
	}
}

// Limit is the Rate Updater's output: a TPS ceiling paired with the
// binding resource.
type Limit struct {
	TPS    float64
	Reason LimitReason
}

// history is a small fixed-size ring buffer over actualTps samples, the
// NEEDED_TPS_HISTORY_SAMPLES smoothing window from spec.md §4.6, grounded
// on the teacher's fixed-window MedianFilter in statistics/util.go.
type history struct {
	samples []float64
	next    int
	filled  bool
}

func newHistory(size int) *history {
	if size < 1 {
		size = 1
	}
	return &history{samples: make([]float64, size)}
}

func (h *history) push(v float64) {
	h.samples[h.next] = v
	h.next = (h.next + 1) % len(h.samples)
	if h.next == 0 {
		h.filled = true
	}
}

func (h *history) average() float64 {
	n := len(h.samples)
	if !h.filled {
		n = h.next
	}
	if n == 0 {
		return 0
	}
	mean, err := stats.Mean(stats.Float64Data(h.samples[:n]))
	if err != nil {
		return 0
	}
	return mean
}

// Updater is the Rate Keeper Rate Updater (C7): it folds per-process
// metrics into one scalar TPS ceiling.
type Updater struct {
	cfg     Config
	history *history
}

// New creates an Updater with cfg's tunables.
func New(cfg Config) *Updater {
	return &Updater{cfg: cfg, history: newHistory(cfg.NeededTPSHistorySamples)}
}

// Update computes the global TPS limit from the current round of SS and
// TLog metrics. actualTpsSample is the measured current commit rate,
// folded into the NEEDED_TPS_HISTORY_SAMPLES history before use.
// serverListOK=false models "server list fetch failed" (S6); an empty
// ssMetrics with serverListOK=true models "no metrics reported" (S1).
// processingUnhealthy/processingWiggle mirror server/queue.Queue's
// same-named flags: while either is true, the computed ceiling is
// discounted by HealthRelocationHeadroom, reserving write bandwidth for
// that relocation's own data movement traffic (spec.md §4.4).
func (u *Updater) Update(ssMetrics, tlogMetrics []ProcessMetrics, actualTpsSample float64, serverListOK, processingUnhealthy, processingWiggle bool) Limit {
	limit := u.computeLimit(ssMetrics, tlogMetrics, actualTpsSample, serverListOK)
	if processingUnhealthy || processingWiggle {
		limit.TPS *= 1 - u.cfg.HealthRelocationHeadroom
	}
	metrics.ObserveRateKeeperLimit(limit.TPS, limit.Reason.String(), allReasons)
	return limit
}

func (u *Updater) computeLimit(ssMetrics, tlogMetrics []ProcessMetrics, actualTpsSample float64, serverListOK bool) Limit {
	if !serverListOK {
		return Limit{TPS: 0, Reason: ReasonServerListFetchFailed}
	}
	if len(ssMetrics) == 0 && len(tlogMetrics) == 0 {
		return Limit{TPS: u.cfg.DefaultLimit, Reason: ReasonUnlimited}
	}

	if actualTpsSample > 0 {
		u.history.push(actualTpsSample)
	}
	actualTps := u.history.average()
	if actualTps == 0 {
		actualTps = u.cfg.DefaultLimit
	}

	var zones []zoneLimit
	for _, m := range ssMetrics {
		zones = append(zones, storageLimits(actualTps, m, u.cfg))
		if m.VersionLag > 0 {
			zones = append(zones, readableBehindLimit(actualTps, m.VersionLag, u.cfg.TargetVersionDifference))
		}
	}
	for _, m := range tlogMetrics {
		zones = append(zones, zoneLimit{
			Zone:   m.Zone,
			Reason: ReasonLogWriteQueueSize,
			TPS:    springLimit(actualTps, u.cfg.SpringBytes, m.StorageQueueBytes-u.cfg.TargetQueueBytes),
		})
	}
	if len(zones) == 0 {
		return Limit{TPS: u.cfg.DefaultLimit, Reason: ReasonUnlimited}
	}

	best := kthSmallest(zones, u.cfg.MaxMachinesFallingBehind)
	return Limit{TPS: best.TPS, Reason: best.Reason}
}
