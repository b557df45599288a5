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

// Package physshard implements the Physical-Shard Collection (C2):
// clusters key ranges that should migrate together onto per-team physical
// shards, sized near a target.
package physshard

// StorageMetrics aggregates the size/throughput signals DD tracks per key
// range, physical shard, and team. Zero value is the additive identity.
type StorageMetrics struct {
	Bytes            int64
	BytesPerKSecond  int64
	ReadBytesPerKSecond int64
}

// Add returns the element-wise sum.
func (m StorageMetrics) Add(o StorageMetrics) StorageMetrics {
	return StorageMetrics{
		Bytes:               m.Bytes + o.Bytes,
		BytesPerKSecond:      m.BytesPerKSecond + o.BytesPerKSecond,
		ReadBytesPerKSecond: m.ReadBytesPerKSecond + o.ReadBytesPerKSecond,
	}
}

// Sub returns the element-wise difference, floored at zero on each field so
// late/out-of-order updates cannot drive a metric negative.
func (m StorageMetrics) Sub(o StorageMetrics) StorageMetrics {
	sub := func(a, b int64) int64 {
		if a < b {
			return 0
		}
		return a - b
	}
	return StorageMetrics{
		Bytes:               sub(m.Bytes, o.Bytes),
		BytesPerKSecond:      sub(m.BytesPerKSecond, o.BytesPerKSecond),
		ReadBytesPerKSecond: sub(m.ReadBytesPerKSecond, o.ReadBytesPerKSecond),
	}
}
