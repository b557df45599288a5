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

package physshard

// SizePolicy decides when a physical shard has crossed the split/merge
// thresholds from spec.md §4.2. Values normally come from
// config.DataDistributionConfig so they are tunable per-deployment.
type SizePolicy struct {
	SplitThresholdBytes int64
	MergeThresholdBytes int64
	ColdReadCutoff      int64
}

// TooLarge reports whether ps's smoothed bytes exceed the split threshold.
func (p SizePolicy) TooLarge(ps PhysicalShard) bool {
	return ps.Metrics.Bytes > p.SplitThresholdBytes
}

// TooSmallAndCold reports whether ps is both under the merge threshold and
// has read bandwidth under the cold cutoff.
func (p SizePolicy) TooSmallAndCold(ps PhysicalShard) bool {
	return ps.Metrics.Bytes < p.MergeThresholdBytes && ps.Metrics.ReadBytesPerKSecond < p.ColdReadCutoff
}
