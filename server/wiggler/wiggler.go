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

// Package wiggler implements the Storage Wiggler (C6): a min-heap of
// storage servers ordered by metadata age, cycled one at a time so their
// on-disk data gets rebuilt.
package wiggler

import (
	"container/heap"

	"github.com/pingcap-incubator/tinydd/server/clock"
	"github.com/pingcap-incubator/tinydd/server/registry"
)

// State is the wiggler's run state.
type State int

const (
	StateInvalid State = iota
	StateRun
	StatePause
)

// entry is one server's position in the min-heap, ordered by
// (createdTime, ssid) as in spec.md §4.6.
type entry struct {
	ssid        registry.ServerID
	createdTime int64 // unix nanos
	index       int
}

type entryHeap []*entry

func (h entryHeap) Len() int { return len(h) }
func (h entryHeap) Less(i, j int) bool {
	if h[i].createdTime != h[j].createdTime {
		return h[i].createdTime < h[j].createdTime
	}
	return h[i].ssid.Less(h[j].ssid)
}
func (h entryHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index, h[j].index = i, j
}
func (h *entryHeap) Push(x any) {
	e := x.(*entry)
	e.index = len(*h)
	*h = append(*h, e)
}
func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}

// Wiggler cycles storage servers out for rebuild, one at a time, in
// ascending metadata-age order.
type Wiggler struct {
	clk   clock.Clock
	heap  entryHeap
	byID  map[registry.ServerID]*entry

	state             State
	lastStateChangeTs int64

	lastRoundStart int64
	roundMembers   map[registry.ServerID]bool // servers present when the current round began
	wiggledThisRound map[registry.ServerID]bool
}

// New creates an empty, INVALID-state Wiggler.
func New(clk clock.Clock) *Wiggler {
	return &Wiggler{
		clk:              clk,
		byID:             make(map[registry.ServerID]*entry),
		roundMembers:     make(map[registry.ServerID]bool),
		wiggledThisRound: make(map[registry.ServerID]bool),
	}
}

// State reports the wiggler's current run state.
func (w *Wiggler) State() State { return w.state }

// SetState transitions the wiggler's run state, recording the transition
// time. Transitioning into RUN for the first time starts the first round.
func (w *Wiggler) SetState(s State) {
	if s == w.state {
		return
	}
	w.state = s
	w.lastStateChangeTs = w.clk.Now().UnixNano()
	if s == StateRun && w.lastRoundStart == 0 {
		w.StartRound()
	}
}

// LastStateChangeTs returns the unix-nanos timestamp of the last SetState
// call.
func (w *Wiggler) LastStateChangeTs() int64 { return w.lastStateChangeTs }

// AddServer registers ssid with metadata age createdTime (unix nanos). If
// a round is in progress and ssid wasn't already a member, it is added to
// the round's membership. ShouldFinishRound does not read that membership:
// the new server holds the round open only while its createdTime is
// earlier than lastRoundStart.
func (w *Wiggler) AddServer(ssid registry.ServerID, createdTime int64) {
	if e, ok := w.byID[ssid]; ok {
		e.createdTime = createdTime
		heap.Fix(&w.heap, e.index)
		return
	}
	e := &entry{ssid: ssid, createdTime: createdTime}
	heap.Push(&w.heap, e)
	w.byID[ssid] = e
	if w.lastRoundStart != 0 {
		w.roundMembers[ssid] = true
	}
}

// RemoveServer drops ssid from the heap entirely (it left the cluster).
func (w *Wiggler) RemoveServer(ssid registry.ServerID) {
	e, ok := w.byID[ssid]
	if !ok {
		return
	}
	heap.Remove(&w.heap, e.index)
	delete(w.byID, ssid)
	delete(w.roundMembers, ssid)
	delete(w.wiggledThisRound, ssid)
}

// GetNextServerID peeks the server with the oldest metadata createdTime,
// without removing it from the heap.
func (w *Wiggler) GetNextServerID() (registry.ServerID, bool) {
	if len(w.heap) == 0 {
		return registry.ServerID{}, false
	}
	return w.heap[0].ssid, true
}

// StartRound records the current membership as this round's set and resets
// the per-round wiggled-set, beginning a new round.
func (w *Wiggler) StartRound() {
	w.lastRoundStart = w.clk.Now().UnixNano()
	w.roundMembers = make(map[registry.ServerID]bool, len(w.byID))
	for ssid := range w.byID {
		w.roundMembers[ssid] = true
	}
	w.wiggledThisRound = make(map[registry.ServerID]bool)
}

// MarkWiggled records that ssid was just relocated away and rebuilt,
// refreshing its metadata age to now and re-queuing it at the back of the
// heap.
func (w *Wiggler) MarkWiggled(ssid registry.ServerID) {
	w.wiggledThisRound[ssid] = true
	w.AddServer(ssid, w.clk.Now().UnixNano())
}

// ShouldFinishRound reports whether the current round is ready to finish:
// the heap is empty, or the top entry's createdTime is at or after
// lastRoundStart (meaning everyone has been wiggled since the round began).
func (w *Wiggler) ShouldFinishRound() bool {
	if len(w.heap) == 0 {
		return true
	}
	return w.heap[0].createdTime >= w.lastRoundStart
}

// FinishRound closes out the round: callers should only call this once
// ShouldFinishRound returns true. It starts the next round immediately if
// the wiggler is still in RUN state.
func (w *Wiggler) FinishRound() {
	if w.state == StateRun {
		w.StartRound()
	}
}
