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
	"testing"

	"github.com/pingcap-incubator/tinydd/server/kv"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMoveKeysPrepareCommitRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := kv.NewMemoryKV()
	c := NewMoveKeysClient(store)

	dm := &DataMove{}
	require.NoError(t, c.Prepare(ctx, "shard-1", dm))
	assert.Equal(t, PhasePrepare, dm.Phase)
	assert.True(t, dm.Valid)

	require.NoError(t, c.Commit(ctx, dm))
	assert.Equal(t, PhaseDone, dm.Phase)

	unfinished, err := c.LoadUnfinished(ctx)
	require.NoError(t, err)
	assert.Empty(t, unfinished)
}

func TestMoveKeysCancelMarksDeleting(t *testing.T) {
	ctx := context.Background()
	store := kv.NewMemoryKV()
	c := NewMoveKeysClient(store)

	dm := &DataMove{}
	require.NoError(t, c.Prepare(ctx, "shard-2", dm))
	require.NoError(t, c.Cancel(ctx, dm))

	assert.True(t, dm.Cancelled())
	assert.Equal(t, PhaseDeleting, dm.Phase)

	unfinished, err := c.LoadUnfinished(ctx)
	require.NoError(t, err)
	require.Len(t, unfinished, 1)
	assert.True(t, unfinished[0].Cancelled())
}

func TestMoveKeysLoadUnfinishedExcludesDone(t *testing.T) {
	ctx := context.Background()
	store := kv.NewMemoryKV()
	c := NewMoveKeysClient(store)

	dmA := &DataMove{}
	require.NoError(t, c.Prepare(ctx, "shard-a", dmA))
	require.NoError(t, c.Commit(ctx, dmA))

	dmB := &DataMove{}
	require.NoError(t, c.Prepare(ctx, "shard-b", dmB))

	unfinished, err := c.LoadUnfinished(ctx)
	require.NoError(t, err)
	require.Len(t, unfinished, 1)
	assert.Equal(t, "shard-b", unfinished[0].ID)
}

func TestMoveKeysDeleteRemovesRecord(t *testing.T) {
	ctx := context.Background()
	store := kv.NewMemoryKV()
	c := NewMoveKeysClient(store)

	dm := &DataMove{}
	require.NoError(t, c.Prepare(ctx, "shard-3", dm))
	require.NoError(t, c.Delete(ctx, "shard-3"))

	unfinished, err := c.LoadUnfinished(ctx)
	require.NoError(t, err)
	assert.Empty(t, unfinished)
}
