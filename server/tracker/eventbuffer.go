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

// Package tracker implements the Data-Distribution Tracker (C3): keeps a
// live estimate of storage metrics for every shard and triggers
// relocations when a shard crosses thresholds or a physical shard grows
// too large or shrinks too small and cold.
package tracker

import (
	"sync"

	"github.com/pingcap-incubator/tinydd/internal/intervalmap"
	"github.com/pingcap-incubator/tinydd/server/queue"
)

// EventType distinguishes what triggered a DD event. An event that carries
// a RelocateShard is forwarded with that RelocateShard's own priority.
type EventType int

const (
	EventSplitPhysicalShard EventType = iota
	EventMergePhysicalShard
)

// Event is one entry in the DD Event Buffer.
type Event struct {
	Type            EventType
	PhysicalShardID uint64
	Relocate        *queue.RelocateShard
}

// EventBuffer is the single-producer-multi-consumer queue fed by the
// tracker and the physical-shard size watchers. Events drain either
// immediately or on the next flush (spec.md §4.3).
type EventBuffer struct {
	mu     sync.Mutex
	events []Event
}

// NewEventBuffer creates an empty buffer.
func NewEventBuffer() *EventBuffer { return &EventBuffer{} }

// Append queues an event without draining it.
func (b *EventBuffer) Append(e Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, e)
}

// TakeAll atomically empties the buffer and returns everything it held.
func (b *EventBuffer) TakeAll() []Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := b.events
	b.events = nil
	return out
}

// Empty reports whether the buffer currently holds no events.
func (b *EventBuffer) Empty() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.events) == 0
}

// PhysicalShardRanges is implemented by the physical-shard collection so
// the drain logic below can look up which key ranges belong to a physical
// shard without the tracker package importing physshard directly (avoids a
// dependency cycle with callers that need both).
type PhysicalShardRanges interface {
	RangesOf(pid uint64) []intervalmap.Range
}

// Drain appends e and, if immediate, empties the whole buffer and converts
// every queued event into RelocateShard sends on out -- the translation
// DataDistributionRuntimeMonitor::triggerDDEvent performs in the reference
// implementation. A split event for a physical shard relocates the first
// ceil(n/2) of its ranges (spec.md §4.3, §9 Open Question 4: deterministic,
// not distribution-aware). A merge event is appended for visibility but
// produces no relocation: the merge-partner heuristic is an open question
// (§9 Open Question 1) this port deliberately does not invent.
func (b *EventBuffer) Drain(e Event, immediate bool, ranges PhysicalShardRanges, out chan<- queue.RelocateShard) {
	b.Append(e)
	if !immediate {
		return
	}
	for _, ev := range b.TakeAll() {
		if ev.Relocate != nil {
			out <- *ev.Relocate
			continue
		}
		switch ev.Type {
		case EventSplitPhysicalShard:
			keyRanges := ranges.RangesOf(ev.PhysicalShardID)
			half := (len(keyRanges) + 1) / 2
			for i := 0; i < half; i++ {
				out <- queue.RelocateShard{
					Range:    keyRanges[i],
					Priority: queue.PrioritySplitPhysicalShard,
					Reason:   queue.ReasonRebalancePhysShard,
				}
			}
		case EventMergePhysicalShard:
			// TODO(DD-merge-partner): at this point we know which physical
			// shard is too small; merge-partner selection is unspecified
			// upstream and intentionally left undone here.
		}
	}
}
