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

// Package metrics registers the dd-server's Prometheus metrics, grounded on
// the teacher's server/kv/metrics.go and server/tso/metrics.go registration
// style: package-level vectors, registered once in init.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// QueueDepth is the number of pending relocations per band.
	QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "tinydd",
			Subsystem: "queue",
			Name:      "depth",
			Help:      "Pending relocations waiting to be picked up, by band.",
		}, []string{"band"})

	// InFlightRelocations is the number of relocations currently executing.
	InFlightRelocations = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "tinydd",
			Subsystem: "queue",
			Name:      "in_flight_relocations",
			Help:      "Relocations currently between TeamSelect and Tracked.",
		})

	// RateKeeperTPSLimit is the current global commit-rate ceiling.
	RateKeeperTPSLimit = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "tinydd",
			Subsystem: "ratekeeper",
			Name:      "tps_limit",
			Help:      "Current transactions-per-second ceiling computed by the rate updater.",
		})

	// RateKeeperLimitReason labels which resource is binding the current
	// limit; a single-gauge-per-reason pattern lets Prometheus show exactly
	// one active reason at a time without a string-valued gauge.
	RateKeeperLimitReason = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "tinydd",
			Subsystem: "ratekeeper",
			Name:      "limit_reason",
			Help:      "1 for the currently-binding limit reason, 0 otherwise.",
		}, []string{"reason"})

	// RelocationRetries counts backoff retries, by band.
	RelocationRetries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tinydd",
			Subsystem: "queue",
			Name:      "relocation_retries_total",
			Help:      "Retries taken while executing a relocation, by band.",
		}, []string{"band"})
)

func init() {
	prometheus.MustRegister(
		QueueDepth,
		InFlightRelocations,
		RateKeeperTPSLimit,
		RateKeeperLimitReason,
		RelocationRetries,
	)
}

// ObserveRateKeeperLimit updates the TPS gauge and sets exactly one reason
// gauge to 1, zeroing every other known reason.
func ObserveRateKeeperLimit(tps float64, reason string, allReasons []string) {
	RateKeeperTPSLimit.Set(tps)
	for _, r := range allReasons {
		if r == reason {
			RateKeeperLimitReason.WithLabelValues(r).Set(1)
		} else {
			RateKeeperLimitReason.WithLabelValues(r).Set(0)
		}
	}
}
