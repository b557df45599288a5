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

import "container/heap"

// priorityQueue is a max-heap on Priority with FIFO tiebreak on seq,
// grounded on the teacher's schedule/operator_queue.go heap-of-operators.
type priorityQueue struct {
	items []*RelocateShard
	seq   int64
}

func newPriorityQueue() *priorityQueue { return &priorityQueue{} }

// Enqueue adds rs to the queue, assigning it the next FIFO sequence number.
func (q *priorityQueue) Enqueue(rs *RelocateShard) {
	q.seq++
	rs.seq = q.seq
	heap.Push(q, rs)
}

// Dequeue removes and returns the highest-priority, earliest-FIFO item, or
// nil if the queue is empty.
func (q *priorityQueue) Dequeue() *RelocateShard {
	if q.Len() == 0 {
		return nil
	}
	return heap.Pop(q).(*RelocateShard)
}

// Peek returns the next item Dequeue would return, without removing it.
func (q *priorityQueue) Peek() *RelocateShard {
	if q.Len() == 0 {
		return nil
	}
	return q.items[0]
}

// heap.Interface

func (q *priorityQueue) Len() int { return len(q.items) }

func (q *priorityQueue) Less(i, j int) bool {
	a, b := q.items[i], q.items[j]
	if a.Priority != b.Priority {
		return a.Priority > b.Priority // max-heap
	}
	return a.seq < b.seq // FIFO within a priority
}

func (q *priorityQueue) Swap(i, j int) { q.items[i], q.items[j] = q.items[j], q.items[i] }

func (q *priorityQueue) Push(x any) { q.items = append(q.items, x.(*RelocateShard)) }

func (q *priorityQueue) Pop() any {
	n := len(q.items)
	it := q.items[n-1]
	q.items[n-1] = nil
	q.items = q.items[:n-1]
	return it
}
