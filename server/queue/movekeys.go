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
	"context"
	"encoding/hex"
	"fmt"
	"path"

	"github.com/pingcap-incubator/tinydd/server/kv"
	"github.com/pkg/errors"
)

const dataMovePrefix = "dataMoves"

// MoveKeysClient executes the Move-Keys protocol: a single "move this key
// range from team A to team B" transaction atomically against the
// metadata store (spec.md §1).
type MoveKeysClient struct {
	store kv.Base
}

// NewMoveKeysClient wraps store as the Move-Keys collaborator.
func NewMoveKeysClient(store kv.Base) *MoveKeysClient {
	return &MoveKeysClient{store: store}
}

func dataMoveKey(id string) string { return path.Join(dataMovePrefix, id) }

// Prepare writes a new DataMove record with phase=Prepare. The id should be
// derived from the range so operator-tool dumps are stable; Queue uses
// hex(range.Begin) + "-" + hex(range.End).
func (c *MoveKeysClient) Prepare(ctx context.Context, id string, dm *DataMove) error {
	dm.ID = id
	dm.Phase = PhasePrepare
	dm.Valid = true
	return c.store.RunTransaction(ctx, func(txn kv.Txn) error {
		txn.Put(dataMoveKey(id), encodeDataMove(dm))
		return nil
	})
}

// Commit transitions phase Prepare -> Running -> Done. In this module's
// scope (spec.md §1 Non-goals) there is no real storage engine to copy
// bytes through, so Commit only advances the persisted phase; a real
// deployment would copy the key range from sources to destinations between
// the Running and Done writes.
func (c *MoveKeysClient) Commit(ctx context.Context, dm *DataMove) error {
	dm.Phase = PhaseRunning
	if err := c.store.RunTransaction(ctx, func(txn kv.Txn) error {
		txn.Put(dataMoveKey(dm.ID), encodeDataMove(dm))
		return nil
	}); err != nil {
		return errors.Wrap(err, "movekeys: transition to Running")
	}
	dm.Phase = PhaseDone
	return c.store.RunTransaction(ctx, func(txn kv.Txn) error {
		txn.Put(dataMoveKey(dm.ID), encodeDataMove(dm))
		return nil
	})
}

// Cancel marks dm cancelled and persists phase=Deleting, matching spec.md
// §5's rule that a relocation rolled back at cancellation time is observed
// in the Deleting phase on the next DD restart.
func (c *MoveKeysClient) Cancel(ctx context.Context, dm *DataMove) error {
	dm.Cancel()
	return c.store.RunTransaction(ctx, func(txn kv.Txn) error {
		txn.Put(dataMoveKey(dm.ID), encodeDataMove(dm))
		return nil
	})
}

// Delete removes the persisted record once cleanup is complete.
func (c *MoveKeysClient) Delete(ctx context.Context, id string) error {
	return c.store.Remove(ctx, dataMoveKey(id))
}

// LoadUnfinished reads every DataMove record not yet in phase Done --
// "any unfinished DataMoves (which DD resumes)" from spec.md §6's initial
// snapshot read.
func (c *MoveKeysClient) LoadUnfinished(ctx context.Context) ([]*DataMove, error) {
	_, values, err := c.store.LoadRange(ctx, dataMovePrefix+"/", dataMovePrefix+"0", 10000)
	if err != nil {
		return nil, err
	}
	var out []*DataMove
	for _, v := range values {
		dm, err := decodeDataMove(v)
		if err != nil {
			return nil, err
		}
		if dm.Phase != PhaseDone {
			out = append(out, dm)
		}
	}
	return out, nil
}

// encodeDataMove/decodeDataMove use a tiny fixed-field encoding rather than
// a generic codec, since DataMove's team fields need registry-aware
// encoding; see wiggler/stats.go for the msgpack-based persisted format
// used elsewhere, which is the richer example of this module's codec
// choice.
func encodeDataMove(dm *DataMove) string {
	return fmt.Sprintf("%d|%v|%s", dm.Phase, dm.Valid, hex.EncodeToString([]byte(dm.ID)))
}

func decodeDataMove(s string) (*DataMove, error) {
	var phase int
	var valid bool
	var idHex string
	if _, err := fmt.Sscanf(s, "%d|%t|%s", &phase, &valid, &idHex); err != nil {
		return nil, errors.Wrap(err, "movekeys: decode DataMove")
	}
	idBytes, err := hex.DecodeString(idHex)
	if err != nil {
		return nil, errors.Wrap(err, "movekeys: decode DataMove id")
	}
	return &DataMove{ID: string(idBytes), Phase: Phase(phase), Valid: valid, cancelled: Phase(phase) == PhaseDeleting}, nil
}
