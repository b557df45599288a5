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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() Config {
	return Config{
		TargetQueueBytes:         1_000_000_000,
		SpringBytes:              100_000_000,
		TargetDurabilityLagBytes: 1_000_000_000_000, // effectively non-binding for these scenarios
		MinFreeSpaceBytes:        0,
		MinFreeSpaceRatio:        0,
		TargetVersionDifference:  2_000_000_000,
		MaxMachinesFallingBehind: 0,
		DefaultLimit:             10_000,
		NeededTPSHistorySamples:  5,
	}
}

// S1: no metrics reported.
func TestUpdaterNoMetrics(t *testing.T) {
	u := New(testConfig())
	limit := u.Update(nil, nil, 0, true, false, false)
	assert.Equal(t, ReasonUnlimited, limit.Reason)
	assert.Equal(t, testConfig().DefaultLimit, limit.TPS)
}

// S2: one SS with queue = target - spring/2 = 950 MB.
func TestUpdaterQueueBelowTarget(t *testing.T) {
	u := New(testConfig())
	limit := u.Update([]ProcessMetrics{{
		Zone: "z1", AcceptingRequests: true, StorageQueueBytes: 950_000_000,
	}}, nil, 1000, true, false, false)
	require.Equal(t, ReasonStorageWriteQueueSize, limit.Reason)
	assert.InDelta(t, 2000, limit.TPS, 50)
}

// S3: one SS with queue = target + spring/2 = 1050 MB.
func TestUpdaterQueueAboveTarget(t *testing.T) {
	u := New(testConfig())
	limit := u.Update([]ProcessMetrics{{
		Zone: "z1", AcceptingRequests: true, StorageQueueBytes: 1_050_000_000,
	}}, nil, 1000, true, false, false)
	require.Equal(t, ReasonStorageWriteQueueSize, limit.Reason)
	assert.InDelta(t, 667, limit.TPS, 20)
}

// S4: one SS with queue = 1.5 GB, well past target+spring.
func TestUpdaterQueueFarAboveTarget(t *testing.T) {
	u := New(testConfig())
	limit := u.Update([]ProcessMetrics{{
		Zone: "z1", AcceptingRequests: true, StorageQueueBytes: 1_500_000_000,
	}}, nil, 1000, true, false, false)
	require.Equal(t, ReasonStorageWriteQueueSize, limit.Reason)
	assert.InDelta(t, 500, limit.TPS, 1)
}

// S4b: one SS with queue = target - 5*spring = 500 MB, well below the
// spring window; the binding resource is write bandwidth headroom rather
// than queue size, so the reason flips off storage_server_write_queue_size.
func TestUpdaterQueueFarBelowTargetIsBandwidthMVCC(t *testing.T) {
	u := New(testConfig())
	limit := u.Update([]ProcessMetrics{{
		Zone: "z1", AcceptingRequests: true, StorageQueueBytes: 500_000_000,
	}}, nil, 1000, true, false, false)
	require.Equal(t, ReasonStorageWriteBandwidthMVCC, limit.Reason)
	assert.Greater(t, limit.TPS, 1000.0)
}

// S5: two zones, one comfortably under target and one far over, with
// MAX_MACHINES_FALLING_BEHIND=1 excusing the single worst zone.
func TestUpdaterWorstZoneTolerance(t *testing.T) {
	cfg := testConfig()
	cfg.MaxMachinesFallingBehind = 1
	u := New(cfg)
	limit := u.Update([]ProcessMetrics{
		{Zone: "z1", AcceptingRequests: true, StorageQueueBytes: 500_000_000},
		{Zone: "z2", AcceptingRequests: true, StorageQueueBytes: 1_500_000_000},
	}, nil, 1000, true, false, false)
	assert.Greater(t, limit.TPS, 1000.0)
	assert.Equal(t, ReasonStorageWriteQueueSize, limit.Reason)
}

// S6: server list fetch failed.
func TestUpdaterServerListFetchFailed(t *testing.T) {
	u := New(testConfig())
	limit := u.Update([]ProcessMetrics{{Zone: "z1", AcceptingRequests: true}}, nil, 1000, false, false, false)
	assert.Equal(t, 0.0, limit.TPS)
	assert.Equal(t, ReasonServerListFetchFailed, limit.Reason)
}

// S7: TLog version 4e9 ahead of SS durable version, target=2e9.
func TestUpdaterReadableBehind(t *testing.T) {
	u := New(testConfig())
	limit := u.Update([]ProcessMetrics{{
		Zone: "z1", AcceptingRequests: true, StorageQueueBytes: 0, VersionLag: 4_000_000_000,
	}}, nil, 1000, true, false, false)
	require.Equal(t, ReasonStorageReadableBehind, limit.Reason)
	assert.Less(t, limit.TPS, 1000.0)
}

// TestUpdaterReservesHeadroomForHealthRelocations covers the headroom
// discount applied while an unhealthy- or wiggle-band relocation is in
// flight: the reason is unaffected, only the TPS ceiling is scaled down.
func TestUpdaterReservesHeadroomForHealthRelocations(t *testing.T) {
	cfg := testConfig()
	cfg.HealthRelocationHeadroom = 0.1
	u := New(cfg)
	base := u.Update([]ProcessMetrics{{
		Zone: "z1", AcceptingRequests: true, StorageQueueBytes: 950_000_000,
	}}, nil, 1000, true, false, false)

	u2 := New(cfg)
	discounted := u2.Update([]ProcessMetrics{{
		Zone: "z1", AcceptingRequests: true, StorageQueueBytes: 950_000_000,
	}}, nil, 1000, true, true, false)

	assert.Equal(t, base.Reason, discounted.Reason)
	assert.InDelta(t, base.TPS*0.9, discounted.TPS, 1)
}

func TestSmootherResetIsResumable(t *testing.T) {
	s := NewSmoother(FastTimeConstant)
	s.Reset(42)
	assert.Equal(t, 42.0, s.Smoothed())
}
