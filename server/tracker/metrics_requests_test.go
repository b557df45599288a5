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
	"testing"

	"github.com/pingcap-incubator/tinydd/internal/intervalmap"
	"github.com/pingcap-incubator/tinydd/server/physshard"
	"github.com/stretchr/testify/assert"
)

func TestGetMetricsAggregatesAcrossShards(t *testing.T) {
	tr := New()
	tr.Publish(intervalmap.Range{Begin: []byte("a"), End: []byte("b")}, ShardMetrics{Metrics: physshard.StorageMetrics{Bytes: 10}})
	tr.Publish(intervalmap.Range{Begin: []byte("b"), End: []byte("c")}, ShardMetrics{Metrics: physshard.StorageMetrics{Bytes: 20}})

	total := tr.GetMetrics(intervalmap.Range{Begin: []byte("a"), End: []byte("c")})
	assert.Equal(t, int64(30), total.Bytes)
}

func TestGetMetricsListRespectsLimit(t *testing.T) {
	tr := New()
	tr.Publish(intervalmap.Range{Begin: []byte("a"), End: []byte("b")}, ShardMetrics{Metrics: physshard.StorageMetrics{Bytes: 1}})
	tr.Publish(intervalmap.Range{Begin: []byte("b"), End: []byte("c")}, ShardMetrics{Metrics: physshard.StorageMetrics{Bytes: 2}})
	tr.Publish(intervalmap.Range{Begin: []byte("c"), End: []byte("d")}, ShardMetrics{Metrics: physshard.StorageMetrics{Bytes: 3}})

	list := tr.GetMetricsList(intervalmap.Range{Begin: []byte("a"), End: []byte("d")}, 2)
	assert.Len(t, list, 2)
}

func TestGetTopKMetricsFiltersByReadRateAndSortsDescending(t *testing.T) {
	tr := New()
	rgA := intervalmap.Range{Begin: []byte("a"), End: []byte("b")}
	rgB := intervalmap.Range{Begin: []byte("b"), End: []byte("c")}
	rgC := intervalmap.Range{Begin: []byte("c"), End: []byte("d")}
	tr.Publish(rgA, ShardMetrics{Metrics: physshard.StorageMetrics{Bytes: 100, ReadBytesPerKSecond: 50}})
	tr.Publish(rgB, ShardMetrics{Metrics: physshard.StorageMetrics{Bytes: 300, ReadBytesPerKSecond: 10}})
	tr.Publish(rgC, ShardMetrics{Metrics: physshard.StorageMetrics{Bytes: 200, ReadBytesPerKSecond: 5000}})

	top := tr.GetTopKMetrics([]intervalmap.Range{rgA, rgB, rgC}, 2, ByBytesDescending, 0, 1000)
	// rgC excluded by the read-rate band, leaving rgA (100) and rgB (300).
	assert.Len(t, top, 2)
	assert.Equal(t, int64(300), top[0].Bytes)
	assert.Equal(t, int64(100), top[1].Bytes)
}
