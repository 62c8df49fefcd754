// Copyright 2024 Stackblaze Inc. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package tombstone_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/stackblaze/zerofs/internal/chunk"
	"github.com/stackblaze/zerofs/internal/fskey"
	"github.com/stackblaze/zerofs/internal/inode"
	"github.com/stackblaze/zerofs/internal/kv"
	"github.com/stackblaze/zerofs/internal/tombstone"
)

type TombstoneTest struct {
	suite.Suite

	ctx    context.Context
	db     *kv.MemStore
	chunks *chunk.Store
	queue  *tombstone.Queue
}

func TestTombstoneSuite(t *testing.T) {
	suite.Run(t, new(TombstoneTest))
}

func (t *TombstoneTest) SetupTest() {
	t.ctx = context.Background()
	t.db = kv.NewMemStore()
	t.chunks = chunk.NewStore(t.db)
	t.queue = tombstone.NewQueue(t.db, t.chunks)
}

func (t *TombstoneTest) plantChunks(ino inode.ID, n int) {
	var b kv.Batch
	for i := 0; i < n; i++ {
		b.Put(fskey.Chunk(uint64(ino), uint64(i)), []byte("data"))
	}
	require.NoError(t.T(), t.db.Apply(t.ctx, &b))
}

func (t *TombstoneTest) enqueue(ino inode.ID, lo, hi uint64) {
	var b kv.Batch
	require.NoError(t.T(), t.queue.Enqueue(t.ctx, &b, ino, lo, hi))
	require.NoError(t.T(), t.db.Apply(t.ctx, &b))
}

func (t *TombstoneTest) chunkCount(ino inode.ID) int {
	r := fskey.ChunkRangeFrom(uint64(ino), 0)
	it, err := t.db.Scan(t.ctx, kv.Range{Start: r.Start, Limit: r.Limit})
	require.NoError(t.T(), err)
	defer it.Close()

	n := 0
	for it.Next() {
		n++
	}
	return n
}

func (t *TombstoneTest) TestEnqueueRejectsEmptyRange() {
	var b kv.Batch
	err := t.queue.Enqueue(t.ctx, &b, 5, 3, 3)
	assert.Error(t.T(), err)
}

func (t *TombstoneTest) TestDrainRemovesCoveredChunksAndTombstone() {
	t.plantChunks(5, 100)
	t.enqueue(5, 0, 100)

	drained, err := t.queue.DrainOnce(t.ctx)
	require.NoError(t.T(), err)
	assert.Equal(t.T(), 1, drained)
	assert.Equal(t.T(), 0, t.chunkCount(5))

	pending, err := t.queue.Pending(t.ctx)
	require.NoError(t.T(), err)
	assert.Zero(t.T(), pending)
}

func (t *TombstoneTest) TestDrainHonorsRangeBounds() {
	t.plantChunks(5, 10)
	t.enqueue(5, 2, 7)

	_, err := t.queue.DrainOnce(t.ctx)
	require.NoError(t.T(), err)
	assert.Equal(t.T(), 5, t.chunkCount(5))
}

func (t *TombstoneTest) TestDrainIsIdempotent() {
	t.plantChunks(5, 20)
	t.enqueue(5, 0, 20)

	// Simulate a crash mid-drain: some chunks already gone, tombstone still
	// present.
	require.NoError(t.T(), t.chunks.DeleteRange(t.ctx, 5, 0, 10, 100))

	drained, err := t.queue.DrainOnce(t.ctx)
	require.NoError(t.T(), err)
	assert.Equal(t.T(), 1, drained)
	assert.Equal(t.T(), 0, t.chunkCount(5))
}

func (t *TombstoneTest) TestDrainEmptyQueue() {
	drained, err := t.queue.DrainOnce(t.ctx)
	require.NoError(t.T(), err)
	assert.Zero(t.T(), drained)
}

func (t *TombstoneTest) TestSequenceSurvivesReopen() {
	t.enqueue(5, 0, 1)

	// A queue recovered over the same store continues the sequence rather
	// than overwriting the pending record.
	reopened := tombstone.NewQueue(t.db, t.chunks)
	var b kv.Batch
	require.NoError(t.T(), reopened.Enqueue(t.ctx, &b, 6, 0, 1))
	require.NoError(t.T(), t.db.Apply(t.ctx, &b))

	pending, err := reopened.Pending(t.ctx)
	require.NoError(t.T(), err)
	assert.Equal(t.T(), 2, pending)
}

func (t *TombstoneTest) TestDrainOrderFollowsInsertion() {
	t.plantChunks(5, 1)
	t.plantChunks(6, 1)
	t.enqueue(5, 0, 1)
	t.enqueue(6, 0, 1)

	drained, err := t.queue.DrainOnce(t.ctx)
	require.NoError(t.T(), err)
	assert.Equal(t.T(), 2, drained)
	assert.Equal(t.T(), 0, t.chunkCount(5))
	assert.Equal(t.T(), 0, t.chunkCount(6))
}
