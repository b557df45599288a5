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

// Package queue implements the Relocation Queue (C4): executes queued
// RelocateShard work items with correct ordering, bounded parallelism, team
// selection, and atomic handoff to the Move-Keys collaborator.
package queue

import (
	"github.com/pingcap-incubator/tinydd/internal/intervalmap"
	"github.com/pingcap-incubator/tinydd/server/registry"
)

// Range is a half-open byte-lexicographic key range.
type Range = intervalmap.Range

// RelocateReason enumerates why a relocation was queued.
type RelocateReason int

const (
	ReasonOther RelocateReason = iota
	ReasonRebalanceDisk
	ReasonRebalanceRead
	ReasonRebalancePhysShard
)

func (r RelocateReason) String() string {
	switch r {
	case ReasonRebalanceDisk:
		return "REBALANCE_DISK"
	case ReasonRebalanceRead:
		return "REBALANCE_READ"
	case ReasonRebalancePhysShard:
		return "REBALANCE_PHYS_SHARD"
	default:
		return "OTHER"
	}
}

// Band groups relocations into the four parallelism bands of spec.md §4.4.
type Band int

const (
	BandRecovery Band = iota
	BandUnhealthy
	BandRebalance
	BandWiggle
)

func (b Band) String() string {
	switch b {
	case BandRecovery:
		return "recovery"
	case BandUnhealthy:
		return "unhealthy"
	case BandRebalance:
		return "rebalance"
	case BandWiggle:
		return "wiggle"
	default:
		return "unknown"
	}
}

// Phase is a DataMove's lifecycle stage.
type Phase int

const (
	PhasePrepare Phase = iota
	PhaseRunning
	PhaseDeleting
	PhaseDone
)

// DataMove is the in-flight state of a single relocation.
type DataMove struct {
	ID            string
	Phase         Phase
	PrimarySrc    registry.Team
	RemoteSrc     registry.Team
	PrimaryDest   registry.Team
	RemoteDest    registry.Team
	Valid         bool
	cancelled     bool
}

// Cancelled reports whether the move has been cancelled, which per
// spec.md §3 coincides exactly with Phase == Deleting.
func (d *DataMove) Cancelled() bool { return d.cancelled }

// Cancel marks the move cancelled and transitions it to Deleting.
func (d *DataMove) Cancel() {
	d.cancelled = true
	d.Phase = PhaseDeleting
}

// RelocateShard is one relocation work item.
type RelocateShard struct {
	Range    Range
	Priority int
	Reason   RelocateReason
	DataMove *DataMove
	Cancelled bool

	seq int64 // FIFO tiebreak within a priority, assigned by the queue
}

// Band classifies a relocation's priority into one of the four
// parallelism bands, used to pick the right semaphore and to drive
// processingUnhealthy/processingWiggle.
func (rs RelocateShard) Band() Band {
	switch {
	case rs.Priority >= PriorityRecoverMove:
		return BandRecovery
	case rs.Priority >= PriorityTeamUnhealthy:
		return BandUnhealthy
	case rs.Priority >= PriorityRebalanceUnderfull:
		return BandRebalance
	default:
		return BandWiggle
	}
}

// Priority constants, ordered highest-first as in spec.md §4.4's band
// table. Real deployments would source these from config; they are fixed
// here because their *relative* ordering, not absolute value, is what the
// spec and tests depend on.
const (
	PriorityRecoverMove        = 1000
	PriorityTeamUnhealthy      = 800
	PriorityRebalanceUnderfull = 400
	PriorityMergeShard         = 390
	PrioritySplitShard         = 380
	PrioritySplitPhysicalShard = 370
	PriorityMergePhysicalShard = 360
	PriorityRebalanceDisk      = 200
	PriorityRebalanceRead      = 150
	PriorityWiggle             = 10
)
