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

// Package writeback buffers the bodies of small, hot files in memory,
// hiding the write latency of the backing store. Absorbed writes are
// demoted (materialized as an inline body or chunks and committed) when
// the entry is evicted, the file outgrows the per-file ceiling, or a flush
// is requested. The cache holds only data that is not yet durable; after a
// crash it is empty and files return to their last durable state.
package writeback

import (
	"container/list"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jacobsa/timeutil"
	"github.com/stackblaze/zerofs/internal/chunk"
	"github.com/stackblaze/zerofs/internal/fserrors"
	"github.com/stackblaze/zerofs/internal/inode"
	"github.com/stackblaze/zerofs/internal/kv"
	"github.com/stackblaze/zerofs/internal/stats"
)

// Config bounds the cache.
type Config struct {
	// Global byte budget B. Exceeding it demotes LRU entries.
	BudgetBytes uint64

	// Per-file ceiling F. Writes that would grow a file past it are not
	// absorbed.
	FileCeiling uint64

	// Files at most this large demote to an inline body instead of chunks.
	InlineThreshold uint64
}

// Cache is the writeback cache. One instance is owned by the FsCore.
//
// Per-inode access is serialized by the owning inode's lock in the FsCore;
// the cache's own mutex protects only the index, the LRU order and the byte
// accounting. Each entry additionally carries a mutex so a demotion racing
// an operation on another inode never observes a half-updated body.
type Cache struct {
	cfg      Config
	inodes   *inode.Store
	chunks   *chunk.Store
	counters *stats.Counters
	clock    timeutil.Clock

	mu sync.Mutex

	// INVARIANT: For each k/v, v.id == k
	// INVARIANT: totalBytes == sum over entries of len(e.body)
	//
	// GUARDED_BY(mu)
	entries map[inode.ID]*entry

	// Least recently used at the back.
	//
	// GUARDED_BY(mu)
	lru *list.List

	// GUARDED_BY(mu)
	totalBytes uint64
}

type entry struct {
	id inode.ID

	// Serializes body access between the owner's operations and demotion
	// triggered by other inodes' evictions.
	mu sync.Mutex

	// GUARDED_BY(mu)
	body []byte

	// GUARDED_BY(mu)
	mtime time.Time

	// GUARDED_BY(Cache.mu)
	elem *list.Element
}

func NewCache(
	cfg Config,
	inodes *inode.Store,
	chunks *chunk.Store,
	counters *stats.Counters,
	clock timeutil.Clock) *Cache {
	return &Cache{
		cfg:      cfg,
		inodes:   inodes,
		chunks:   chunks,
		counters: counters,
		clock:    clock,
		entries:  make(map[inode.ID]*entry),
		lru:      list.New(),
	}
}

////////////////////////////////////////////////////////////////////////
// Read side
////////////////////////////////////////////////////////////////////////

// Lookup returns a copy of the pending body for id, if any. Every read of a
// file must consult this before touching the store.
//
// SHARED_LOCKS_REQUIRED(id's inode lock)
func (c *Cache) Lookup(id inode.ID) (body []byte, mtime time.Time, ok bool) {
	c.mu.Lock()
	e, ok := c.entries[id]
	if ok {
		c.lru.MoveToFront(e.elem)
	}
	c.mu.Unlock()

	if !ok {
		return nil, time.Time{}, false
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	body = make([]byte, len(e.body))
	copy(body, e.body)
	return body, e.mtime, true
}

// Stat returns the pending size and mtime for id without copying the body.
//
// SHARED_LOCKS_REQUIRED(id's inode lock)
func (c *Cache) Stat(id inode.ID) (size uint64, mtime time.Time, ok bool) {
	c.mu.Lock()
	e, ok := c.entries[id]
	c.mu.Unlock()

	if !ok {
		return 0, time.Time{}, false
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	return uint64(len(e.body)), e.mtime, true
}

// Demote materializes the entry for id in its own batch and commits it.
// No-op if id has no entry.
//
// EXCLUSIVE_LOCKS_REQUIRED(id's inode lock)
func (c *Cache) Demote(ctx context.Context, id inode.ID) error {
	c.mu.Lock()
	e, ok := c.entries[id]
	c.mu.Unlock()

	if !ok {
		return nil
	}

	if err := c.demote(ctx, e); err != nil {
		c.requeue(e)
		return err
	}

	return nil
}

// Contains reports whether id has a pending body.
func (c *Cache) Contains(id inode.ID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	_, ok := c.entries[id]
	return ok
}

// UsageBytes returns the cache's current footprint.
func (c *Cache) UsageBytes() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.totalBytes
}

////////////////////////////////////////////////////////////////////////
// Write side
////////////////////////////////////////////////////////////////////////

// Write attempts to absorb a write at offset into the cache. It is absorbed
// iff the resulting size stays within the per-file ceiling and the file's
// durable body (if not yet cached) also fits. Absorbing may evict other
// entries to stay within the global budget; eviction failures surface here
// so the write is not silently lost later.
//
// EXCLUSIVE_LOCKS_REQUIRED(rec's inode lock)
func (c *Cache) Write(
	ctx context.Context,
	rec *inode.Record,
	offset uint64,
	data []byte) (absorbed bool, err error) {
	end := offset + uint64(len(data))
	if end < offset || end > c.cfg.FileCeiling {
		return false, nil
	}

	c.mu.Lock()
	e, ok := c.entries[rec.ID]
	c.mu.Unlock()

	if !ok {
		// Admission: materialize the current body, which must itself be small
		// enough.
		if rec.Size > c.cfg.FileCeiling {
			return false, nil
		}

		body, err := c.durableBody(ctx, rec)
		if err != nil {
			return false, err
		}

		e = &entry{id: rec.ID, body: body}
	}

	var grow uint64
	e.mu.Lock()
	if end > uint64(len(e.body)) {
		grow = end - uint64(len(e.body))
		e.body = append(e.body, make([]byte, grow)...)
	}
	copy(e.body[offset:], data)
	e.mtime = c.clock.Now()
	added := grow
	if !ok {
		// A fresh entry's accounting covers the seeded durable body too.
		added = uint64(len(e.body))
	}
	e.mu.Unlock()

	c.mu.Lock()
	if !ok {
		e.elem = c.lru.PushFront(e)
		c.entries[e.id] = e
	} else {
		c.lru.MoveToFront(e.elem)
	}
	c.totalBytes += added
	victims := c.collectVictimsLocked(e)
	c.mu.Unlock()

	for _, v := range victims {
		if err := c.demote(ctx, v); err != nil {
			c.requeue(v)
			return true, fmt.Errorf("evicting inode %d: %w", v.id, err)
		}
	}

	return true, nil
}

// Discard drops the pending body for id without writing it anywhere. For
// use by unlink when the inode itself is going away.
//
// EXCLUSIVE_LOCKS_REQUIRED(id's inode lock)
func (c *Cache) Discard(id inode.ID) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.removeLocked(id)
}

// DemoteInto folds the pending body for rec.ID into the caller's batch and
// drops the entry, updating rec in place: the body becomes an inline body
// or chunk writes, stale chunk keys are deleted, and size/mtime move to the
// pending state. Returns false if there is no entry. Size changes call this
// before composing their own effects, so their batch subsumes the pending
// body; removal drops the body with Discard instead. The counters are not
// touched: the caller accounts for the size change.
//
// EXCLUSIVE_LOCKS_REQUIRED(rec's inode lock)
func (c *Cache) DemoteInto(
	ctx context.Context,
	rec *inode.Record,
	b *kv.Batch) (found bool, err error) {
	c.mu.Lock()
	e, ok := c.entries[rec.ID]
	c.mu.Unlock()

	if !ok {
		return false, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if err := c.materializeLocked(e, rec, b); err != nil {
		return true, err
	}

	c.mu.Lock()
	c.removeLocked(rec.ID)
	c.mu.Unlock()

	return true, nil
}

// Fsync demotes the entry for id (if any) in its own batch and waits for
// the store to become durable.
//
// EXCLUSIVE_LOCKS_REQUIRED(id's inode lock)
func (c *Cache) Fsync(ctx context.Context, db kv.Store, id inode.ID) error {
	c.mu.Lock()
	e, ok := c.entries[id]
	c.mu.Unlock()

	if ok {
		if err := c.demote(ctx, e); err != nil {
			c.requeue(e)
			return err
		}
	}

	return db.Flush(ctx, true)
}

// FlushAll demotes every entry, then flushes the store. Used by the global
// flush operation and at shutdown.
func (c *Cache) FlushAll(ctx context.Context, db kv.Store, awaitDurable bool) error {
	for {
		c.mu.Lock()
		var e *entry
		if back := c.lru.Back(); back != nil {
			e = back.Value.(*entry)
		}
		c.mu.Unlock()

		if e == nil {
			break
		}

		if err := c.demote(ctx, e); err != nil {
			c.requeue(e)
			return err
		}
	}

	return db.Flush(ctx, awaitDurable)
}

////////////////////////////////////////////////////////////////////////
// Helpers
////////////////////////////////////////////////////////////////////////

// Read the durable body of a small file.
func (c *Cache) durableBody(ctx context.Context, rec *inode.Record) ([]byte, error) {
	if rec.Inlined {
		body := make([]byte, len(rec.Inline))
		copy(body, rec.Inline)
		return body, nil
	}

	return c.chunks.Read(ctx, rec.ID, rec.Size, 0, int(rec.Size))
}

// Pick LRU victims until the budget is respected. keep is never selected.
//
// LOCKS_REQUIRED(c.mu)
func (c *Cache) collectVictimsLocked(keep *entry) []*entry {
	var victims []*entry
	over := c.totalBytes
	for el := c.lru.Back(); el != nil && over > c.cfg.BudgetBytes; el = el.Prev() {
		e := el.Value.(*entry)
		if e == keep {
			continue
		}

		victims = append(victims, e)
		over -= uint64(len(e.body))
	}

	return victims
}

// Demote e in its own batch: materialize the body over the durable inode
// record and commit, then drop the entry.
func (c *Cache) demote(ctx context.Context, e *entry) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	c.mu.Lock()
	if _, still := c.entries[e.id]; !still {
		// Lost a race with DemoteInto or Discard.
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	rec, err := c.inodes.Get(ctx, e.id)
	if err != nil {
		return err
	}

	oldSize := rec.Size
	var b kv.Batch
	if err := c.materializeLocked(e, rec, &b); err != nil {
		return err
	}
	if err := c.inodes.BatchPut(&b, rec); err != nil {
		return err
	}

	err = c.counters.CommitWith(ctx, &b, int64(rec.Size)-int64(oldSize), 0)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.removeLocked(e.id)
	c.mu.Unlock()

	return nil
}

// materializeLocked composes the pending body into b and updates rec:
// inline if it fits, chunks otherwise, deleting whatever stale chunk keys
// the previous shape leaves behind.
//
// LOCKS_REQUIRED(e.mu)
// EXCLUSIVE_LOCKS_REQUIRED(rec's inode lock)
func (c *Cache) materializeLocked(e *entry, rec *inode.Record, b *kv.Batch) error {
	if rec.ID != e.id {
		return fmt.Errorf("%w: demoting entry %d against inode %d", fserrors.ErrInvalidArg, e.id, rec.ID)
	}

	newSize := uint64(len(e.body))
	oldChunks := chunk.Count(rec.Size)
	if rec.Inlined {
		oldChunks = 0
	}

	if newSize <= c.cfg.InlineThreshold {
		rec.Inlined = true
		rec.Inline = append([]byte(nil), e.body...)
		// Any chunks from the previous shape are stale now.
		c.chunks.BatchDeleteRange(b, rec.ID, 0, oldChunks)
	} else {
		chunks := make(map[uint64][]byte, chunk.Count(newSize))
		for i := uint64(0); i < chunk.Count(newSize); i++ {
			lo := i * chunk.Size
			hi := lo + chunk.Size
			if hi > newSize {
				hi = newSize
			}
			chunks[i] = append([]byte(nil), e.body[lo:hi]...)
		}

		c.chunks.BatchPut(b, rec.ID, chunks)
		c.chunks.BatchDeleteRange(b, rec.ID, chunk.Count(newSize), oldChunks)
		rec.Inlined = false
		rec.Inline = nil
	}

	rec.Size = newSize
	if !e.mtime.IsZero() {
		rec.Mtime = e.mtime
		rec.Ctime = e.mtime
	}

	return nil
}

// LOCKS_REQUIRED(c.mu)
func (c *Cache) removeLocked(id inode.ID) {
	e, ok := c.entries[id]
	if !ok {
		return
	}

	delete(c.entries, id)
	c.lru.Remove(e.elem)
	c.totalBytes -= uint64(len(e.body))
}

// requeue reinstates an entry whose demotion failed, so the pending body is
// retried rather than lost.
func (c *Cache) requeue(e *entry) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, still := c.entries[e.id]; still {
		return
	}

	e.elem = c.lru.PushBack(e)
	c.entries[e.id] = e
	c.totalBytes += uint64(len(e.body))
}
