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

package chunk_test

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/stackblaze/zerofs/internal/chunk"
	"github.com/stackblaze/zerofs/internal/fskey"
	"github.com/stackblaze/zerofs/internal/inode"
	"github.com/stackblaze/zerofs/internal/kv"
)

const testInode inode.ID = 42

type ChunkStoreTest struct {
	suite.Suite

	ctx   context.Context
	db    *kv.MemStore
	store *chunk.Store

	// Reference content mirroring every write, so reads can be checked
	// against writing to a single contiguous buffer.
	mirror []byte
}

func TestChunkStoreSuite(t *testing.T) {
	suite.Run(t, new(ChunkStoreTest))
}

func (t *ChunkStoreTest) SetupTest() {
	t.ctx = context.Background()
	t.db = kv.NewMemStore()
	t.store = chunk.NewStore(t.db)
	t.mirror = nil
}

////////////////////////////////////////////////////////////////////////
// Helpers
////////////////////////////////////////////////////////////////////////

// write commits a write the way an operation would: compute the affected
// chunks and apply them, mirroring the bytes locally.
func (t *ChunkStoreTest) write(offset uint64, data []byte) {
	chunks, err := t.store.Write(t.ctx, testInode, t.size(), offset, data)
	require.NoError(t.T(), err)

	var b kv.Batch
	t.store.BatchPut(&b, testInode, chunks)
	require.NoError(t.T(), t.db.Apply(t.ctx, &b))

	end := offset + uint64(len(data))
	if end > uint64(len(t.mirror)) {
		t.mirror = append(t.mirror, make([]byte, end-uint64(len(t.mirror)))...)
	}
	copy(t.mirror[offset:], data)
}

func (t *ChunkStoreTest) size() uint64 {
	return uint64(len(t.mirror))
}

func (t *ChunkStoreTest) check(offset uint64, length int) {
	got, err := t.store.Read(t.ctx, testInode, t.size(), offset, length)
	require.NoError(t.T(), err)

	want := []byte{}
	if offset < t.size() {
		end := offset + uint64(length)
		if end > t.size() {
			end = t.size()
		}
		want = t.mirror[offset:end]
	}

	assert.True(t.T(), bytes.Equal(want, got), "offset %d length %d: %d vs %d bytes", offset, length, len(want), len(got))
}

func pattern(n int, seed byte) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = seed + byte(i%251)
	}
	return out
}

////////////////////////////////////////////////////////////////////////
// Reads and writes
////////////////////////////////////////////////////////////////////////

func (t *ChunkStoreTest) TestSmallWriteRoundTrip() {
	t.write(0, []byte("hello"))
	t.check(0, 5)
	t.check(0, 100)
	t.check(2, 2)
}

func (t *ChunkStoreTest) TestReadAtOrPastEOF() {
	t.write(0, []byte("hello"))

	got, err := t.store.Read(t.ctx, testInode, 5, 5, 10)
	require.NoError(t.T(), err)
	assert.Empty(t.T(), got)

	got, err = t.store.Read(t.ctx, testInode, 5, 100, 10)
	require.NoError(t.T(), err)
	assert.Empty(t.T(), got)
}

func (t *ChunkStoreTest) TestWriteAcrossChunkBoundaryUnaligned() {
	// Lay down two full chunks, then overwrite a range straddling the
	// boundary at unaligned offsets.
	t.write(0, pattern(2*chunk.Size, 1))
	t.write(chunk.Size-1234, pattern(4321, 7))

	t.check(0, 2*chunk.Size)
	t.check(chunk.Size-2000, 5000)
}

func (t *ChunkStoreTest) TestSparseWriteZeroFillsHole() {
	// Write only in the third chunk; the hole before it reads as zeroes.
	offset := uint64(2*chunk.Size + 100)
	t.write(offset, []byte("tail"))

	t.check(0, int(t.size()))
	t.check(chunk.Size, 10)
}

func (t *ChunkStoreTest) TestPartialHeadAndTailPreserveNeighbors() {
	t.write(0, pattern(3*chunk.Size, 3))

	// Overwrite strictly inside the middle chunk.
	t.write(chunk.Size+100, pattern(200, 9))

	t.check(0, 3*chunk.Size)
}

func (t *ChunkStoreTest) TestNoChunkBeyondSize() {
	t.write(0, pattern(3*chunk.Size+5, 2))

	it, err := t.db.Scan(t.ctx, kv.Range{
		Start: fskey.ChunkRangeFrom(uint64(testInode), 0).Start,
		Limit: fskey.ChunkRangeFrom(uint64(testInode), 0).Limit,
	})
	require.NoError(t.T(), err)
	defer it.Close()

	count := chunk.Count(t.size())
	for it.Next() {
		_, index, err := fskey.DecodeChunk(it.Key())
		require.NoError(t.T(), err)
		assert.Less(t.T(), index, count)
	}
	require.NoError(t.T(), it.Err())
}

////////////////////////////////////////////////////////////////////////
// Truncation
////////////////////////////////////////////////////////////////////////

func (t *ChunkStoreTest) truncate(newSize uint64) (tombLo, tombHi uint64, tomb bool) {
	var b kv.Batch
	tombLo, tombHi, tomb, err := t.store.Truncate(t.ctx, testInode, t.size(), newSize, &b)
	require.NoError(t.T(), err)
	require.NoError(t.T(), t.db.Apply(t.ctx, &b))

	if newSize < t.size() {
		t.mirror = t.mirror[:newSize]
	} else {
		t.mirror = append(t.mirror, make([]byte, newSize-t.size())...)
	}

	return tombLo, tombHi, tomb
}

func (t *ChunkStoreTest) TestTruncateGrowIsSparse() {
	t.write(0, []byte("hello"))
	_, _, tomb := t.truncate(3 * chunk.Size)
	assert.False(t.T(), tomb)

	// Nothing stored beyond chunk 0, reads are zero-filled.
	assert.Equal(t.T(), 1, t.db.Len())
	t.check(0, int(t.size()))
	t.check(chunk.Size+5, 100)
}

func (t *ChunkStoreTest) TestTruncateShrinkDeletesInline() {
	t.write(0, pattern(4*chunk.Size, 5))
	_, _, tomb := t.truncate(chunk.Size + 10)
	assert.False(t.T(), tomb)

	t.check(0, int(t.size()))
	assert.Equal(t.T(), 2, t.db.Len())
}

func (t *ChunkStoreTest) TestTruncateShrinkZeroesKeptTail() {
	t.write(0, pattern(chunk.Size/2, 5))
	t.truncate(100)

	// Growing back must expose zeroes, not the old bytes.
	t.truncate(chunk.Size / 2)
	t.check(0, int(t.size()))
}

func (t *ChunkStoreTest) TestTruncateIdempotent() {
	t.write(0, pattern(2*chunk.Size, 5))
	t.truncate(100)
	before := t.db.Len()

	t.truncate(100)
	assert.Equal(t.T(), before, t.db.Len())
	t.check(0, 100)
}

func (t *ChunkStoreTest) TestLargeTruncateEmitsTombstoneRange() {
	size := uint64((chunk.InlineDeleteLimit + 10) * chunk.Size)
	t.write(0, pattern(int(size), 1))

	lo, hi, tomb := t.truncate(0)
	assert.True(t.T(), tomb)
	assert.Equal(t.T(), uint64(0), lo)
	assert.Equal(t.T(), chunk.Count(size), hi)
}

func (t *ChunkStoreTest) TestDeleteRangeIsIdempotent() {
	t.write(0, pattern(10*chunk.Size, 1))

	require.NoError(t.T(), t.store.DeleteRange(t.ctx, testInode, 0, 10, 3))
	assert.Equal(t.T(), 0, t.db.Len())

	// Draining again is harmless.
	require.NoError(t.T(), t.store.DeleteRange(t.ctx, testInode, 0, 10, 3))
}
