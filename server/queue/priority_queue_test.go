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

package queue

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPriorityQueueOrdersByPriorityThenFIFO(t *testing.T) {
	q := newPriorityQueue()
	q.Enqueue(&RelocateShard{Priority: PriorityRebalanceDisk})
	q.Enqueue(&RelocateShard{Priority: PriorityRecoverMove})
	q.Enqueue(&RelocateShard{Priority: PriorityRebalanceDisk})
	q.Enqueue(&RelocateShard{Priority: PriorityTeamUnhealthy})

	first := q.Dequeue()
	require.NotNil(t, first)
	assert.Equal(t, PriorityRecoverMove, first.Priority)

	second := q.Dequeue()
	require.NotNil(t, second)
	assert.Equal(t, PriorityTeamUnhealthy, second.Priority)

	third := q.Dequeue()
	fourth := q.Dequeue()
	require.NotNil(t, third)
	require.NotNil(t, fourth)
	assert.Equal(t, PriorityRebalanceDisk, third.Priority)
	assert.Less(t, third.seq, fourth.seq)

	assert.Nil(t, q.Dequeue())
}

func TestPriorityQueuePeekDoesNotRemove(t *testing.T) {
	q := newPriorityQueue()
	q.Enqueue(&RelocateShard{Priority: PriorityWiggle})
	peeked := q.Peek()
	require.NotNil(t, peeked)
	assert.Equal(t, 1, q.Len())
	assert.Same(t, peeked, q.Peek())
}
