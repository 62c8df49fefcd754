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

// Package chunk stores file bodies as fixed-size chunks keyed by
// (inode id, chunk index). Absent chunks read as zeroes, so files are
// naturally sparse.
package chunk

import (
	"context"
	"errors"
	"fmt"

	"github.com/stackblaze/zerofs/internal/fskey"
	"github.com/stackblaze/zerofs/internal/inode"
	"github.com/stackblaze/zerofs/internal/kv"
)

// Size is the logical chunk size C. The last chunk of a file may be short.
const Size = 64 << 10

// Truncations removing at most this many chunks delete them in the
// operation's own batch; larger ranges are handed to the tombstone queue.
const InlineDeleteLimit = 64

// Store reads and writes chunks. Mutating methods never commit; they
// compose into the calling operation's batch so that chunk, inode and stats
// updates land atomically.
type Store struct {
	db kv.Store
}

func NewStore(db kv.Store) *Store {
	return &Store{db: db}
}

// Read returns up to length bytes of the file body starting at offset,
// clamped to size. Absent chunks within the range are zero-filled; reads at
// or beyond size return an empty slice.
func (s *Store) Read(
	ctx context.Context,
	ino inode.ID,
	size uint64,
	offset uint64,
	length int) ([]byte, error) {
	if offset >= size || length == 0 {
		return nil, nil
	}

	n := uint64(length)
	if offset+n > size || offset+n < offset {
		n = size - offset
	}

	first := offset / Size
	last := (offset + n - 1) / Size

	out := make([]byte, n)
	it, err := s.db.Scan(ctx, toKV(fskey.ChunkRange(uint64(ino), first, last)))
	if err != nil {
		return nil, fmt.Errorf("scanning chunks of inode %d: %w", ino, err)
	}
	defer it.Close()

	for it.Next() {
		_, index, err := fskey.DecodeChunk(it.Key())
		if err != nil {
			return nil, err
		}

		// Intersect the chunk with [offset, offset+n) and copy the overlap.
		chunkStart := index * Size
		data := it.Value()

		from := uint64(0)
		if offset > chunkStart {
			from = offset - chunkStart
		}
		if from >= uint64(len(data)) {
			continue
		}

		to := uint64(len(data))
		if chunkStart+to > offset+n {
			to = offset + n - chunkStart
		}

		copy(out[chunkStart+from-offset:], data[from:to])
	}
	if err := it.Err(); err != nil {
		return nil, fmt.Errorf("scanning chunks of inode %d: %w", ino, err)
	}

	return out, nil
}

// Write computes the chunk contents affected by writing data at offset.
// Only partially overwritten head and tail chunks are read back; fully
// covered chunks are produced blind. The result maps chunk index to the new
// chunk body for inclusion in the caller's batch.
func (s *Store) Write(
	ctx context.Context,
	ino inode.ID,
	size uint64,
	offset uint64,
	data []byte) (chunks map[uint64][]byte, err error) {
	if len(data) == 0 {
		return nil, nil
	}

	end := offset + uint64(len(data))
	first := offset / Size
	last := (end - 1) / Size

	chunks = make(map[uint64][]byte, last-first+1)
	for index := first; index <= last; index++ {
		chunkStart := index * Size

		// The intersection of the write with this chunk.
		segStart := maxU64(offset, chunkStart)
		segEnd := minU64(end, chunkStart+Size)
		within := segStart - chunkStart
		dataFrom := segStart - offset
		segLen := segEnd - segStart

		// Chunks covered from their start to either their full extent or past
		// the current end of file are written blind.
		if within == 0 && (segLen == Size || segEnd >= size) {
			body := make([]byte, segLen)
			copy(body, data[dataFrom:])
			chunks[index] = body
			continue
		}

		// Partial head or tail: merge over the existing chunk bytes.
		body, err := s.readChunk(ctx, ino, index)
		if err != nil {
			return nil, err
		}

		if uint64(len(body)) < within+segLen {
			body = append(body, make([]byte, within+segLen-uint64(len(body)))...)
		}

		copy(body[within:], data[dataFrom:dataFrom+segLen])
		chunks[index] = body
	}

	return chunks, nil
}

// BatchPut composes chunk writes into the caller's batch.
func (s *Store) BatchPut(b *kv.Batch, ino inode.ID, chunks map[uint64][]byte) {
	for index, body := range chunks {
		b.Put(fskey.Chunk(uint64(ino), index), body)
	}
}

// Truncate composes the chunk-level effects of resizing the file from
// oldSize to newSize into the caller's batch. Growing is free (sparse).
// When shrinking removes more than InlineDeleteLimit chunks, no deletes are
// composed; instead the chunk index range to tombstone is returned with
// tombstone set.
func (s *Store) Truncate(
	ctx context.Context,
	ino inode.ID,
	oldSize uint64,
	newSize uint64,
	b *kv.Batch) (tombLo, tombHi uint64, tombstone bool, err error) {
	if newSize >= oldSize {
		return 0, 0, false, nil
	}

	firstDead := chunkCount(newSize)
	oldCount := chunkCount(oldSize)

	// The last kept chunk may retain stored bytes past the new size; rewrite
	// it short so a later sparse grow reads zeroes there.
	if rem := newSize % Size; rem != 0 {
		keep := newSize / Size
		body, err := s.readChunk(ctx, ino, keep)
		if err != nil {
			return 0, 0, false, err
		}
		if uint64(len(body)) > rem {
			b.Put(fskey.Chunk(uint64(ino), keep), body[:rem])
		}
	}

	if firstDead >= oldCount {
		return 0, 0, false, nil
	}

	if oldCount-firstDead > InlineDeleteLimit {
		return firstDead, oldCount, true, nil
	}

	for index := firstDead; index < oldCount; index++ {
		b.Delete(fskey.Chunk(uint64(ino), index))
	}

	return 0, 0, false, nil
}

// BatchDeleteRange composes deletes of the chunk keys of ino with index in
// [lo, hi) into the caller's batch. For small, bounded ranges only.
func (s *Store) BatchDeleteRange(b *kv.Batch, ino inode.ID, lo uint64, hi uint64) {
	for index := lo; index < hi; index++ {
		b.Delete(fskey.Chunk(uint64(ino), index))
	}
}

// DeleteRange removes the stored chunks of ino with index in [lo, hi),
// committing at most batchLimit deletes per batch. Used by the tombstone
// collector; idempotent, since deleting an absent chunk is a no-op.
func (s *Store) DeleteRange(
	ctx context.Context,
	ino inode.ID,
	lo uint64,
	hi uint64,
	batchLimit int) error {
	if hi == 0 || lo >= hi {
		return nil
	}

	it, err := s.db.Scan(ctx, toKV(fskey.ChunkRange(uint64(ino), lo, hi-1)))
	if err != nil {
		return fmt.Errorf("scanning chunks of inode %d: %w", ino, err)
	}
	defer it.Close()

	b := &kv.Batch{}
	for it.Next() {
		b.Delete(append([]byte(nil), it.Key()...))
		if b.Len() >= batchLimit {
			if err := s.db.Apply(ctx, b); err != nil {
				return err
			}
			b = &kv.Batch{}
		}
	}
	if err := it.Err(); err != nil {
		return fmt.Errorf("scanning chunks of inode %d: %w", ino, err)
	}

	if !b.Empty() {
		return s.db.Apply(ctx, b)
	}

	return nil
}

// Count returns the number of chunks needed for a file of the given size.
func Count(size uint64) uint64 {
	return chunkCount(size)
}

////////////////////////////////////////////////////////////////////////
// Helpers
////////////////////////////////////////////////////////////////////////

func (s *Store) readChunk(
	ctx context.Context,
	ino inode.ID,
	index uint64) ([]byte, error) {
	body, err := s.db.Get(ctx, fskey.Chunk(uint64(ino), index))
	if errors.Is(err, kv.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading chunk (%d, %d): %w", ino, index, err)
	}

	return body, nil
}

func chunkCount(size uint64) uint64 {
	return (size + Size - 1) / Size
}

func toKV(r fskey.Range) kv.Range {
	return kv.Range{Start: r.Start, Limit: r.Limit}
}

func minU64(a, b uint64) uint64 {
	if a < b {
		return a
	}
	return b
}

func maxU64(a, b uint64) uint64 {
	if a > b {
		return a
	}
	return b
}
