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

// Package tombstone implements deferred deletion of chunk ranges. Removing
// or shrinking a large file writes a single tombstone record in the
// operation's batch; a background collector drains tombstones in sequence
// order, deleting the covered chunks in capped batches so the foreground is
// unaffected.
package tombstone

import (
	"bytes"
	"context"
	"encoding/gob"
	"fmt"
	"sync"
	"time"

	"github.com/stackblaze/zerofs/internal/chunk"
	"github.com/stackblaze/zerofs/internal/fserrors"
	"github.com/stackblaze/zerofs/internal/fskey"
	"github.com/stackblaze/zerofs/internal/inode"
	"github.com/stackblaze/zerofs/internal/kv"
	"github.com/stackblaze/zerofs/internal/logger"
)

const (
	// How many chunk deletes each collector batch carries.
	deleteBatchLimit = 512

	// How many tombstones one drain pass picks up.
	drainBatchLimit = 16

	// Idle poll period and the backoff ceiling for transient errors.
	pollPeriod = time.Second
	maxBackoff = 30 * time.Second
)

// A Record schedules deletion of the chunks of Ino with index in [Lo, Hi).
type Record struct {
	Ino inode.ID
	Lo  uint64
	Hi  uint64
}

// Queue persists tombstones and drains them.
type Queue struct {
	db     kv.Store
	chunks *chunk.Store

	// Serializes sequence allocation.
	mu sync.Mutex

	// The next sequence number to assign, or zero if not yet recovered from
	// the store.
	//
	// GUARDED_BY(mu)
	nextSeq uint64
}

func NewQueue(db kv.Store, chunks *chunk.Store) *Queue {
	return &Queue{db: db, chunks: chunks}
}

// Enqueue composes a tombstone covering chunks [lo, hi) of ino into the
// caller's batch. Sequence numbers are monotonic, so key order equals
// insertion order.
func (q *Queue) Enqueue(
	ctx context.Context,
	b *kv.Batch,
	ino inode.ID,
	lo uint64,
	hi uint64) error {
	if hi <= lo {
		return fmt.Errorf("%w: empty tombstone range [%d, %d)", fserrors.ErrInvalidArg, lo, hi)
	}

	seq, err := q.allocateSeq(ctx)
	if err != nil {
		return err
	}

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(Record{Ino: ino, Lo: lo, Hi: hi}); err != nil {
		return fmt.Errorf("encoding tombstone: %w", err)
	}

	b.Put(fskey.Tombstone(seq), buf.Bytes())
	return nil
}

// DrainOnce drains up to drainBatchLimit pending tombstones, returning how
// many were completed. Crash-safe: a tombstone is deleted only after every
// covered chunk is gone, and re-draining a partially deleted range is
// harmless because absent chunks already read as zeroes.
func (q *Queue) DrainOnce(ctx context.Context) (drained int, err error) {
	r := fskey.TombstoneRange()
	it, err := q.db.Scan(ctx, kv.Range{Start: r.Start, Limit: r.Limit})
	if err != nil {
		return 0, fmt.Errorf("scanning tombstones: %w", err)
	}

	var pending []kv.Pair
	for it.Next() && len(pending) < drainBatchLimit {
		pending = append(pending, kv.Pair{
			Key:   append([]byte(nil), it.Key()...),
			Value: append([]byte(nil), it.Value()...),
		})
	}
	scanErr := it.Err()
	it.Close()
	if scanErr != nil {
		return 0, fmt.Errorf("scanning tombstones: %w", scanErr)
	}

	for _, p := range pending {
		var rec Record
		if err := gob.NewDecoder(bytes.NewReader(p.Value)).Decode(&rec); err != nil {
			// A tombstone that does not decode can never be drained; removing
			// it would leak chunks, keeping it wedges the queue. Log loudly
			// and drop it.
			logger.Errorf("Dropping undecodable tombstone %x: %v", p.Key, err)
			if err := q.db.Delete(ctx, p.Key); err != nil {
				return drained, err
			}
			continue
		}

		err := q.chunks.DeleteRange(ctx, rec.Ino, rec.Lo, rec.Hi, deleteBatchLimit)
		if err != nil {
			return drained, fmt.Errorf("draining tombstone for inode %d: %w", rec.Ino, err)
		}

		// The covered chunks are gone; retire the tombstone in its own batch.
		if err := q.db.Delete(ctx, p.Key); err != nil {
			return drained, err
		}

		drained++
	}

	return drained, nil
}

// Run drains the queue until ctx is canceled, backing off on transient
// errors. Intended to run as the single background collector task.
func (q *Queue) Run(ctx context.Context) {
	backoff := pollPeriod
	for {
		drained, err := q.DrainOnce(ctx)
		switch {
		case ctx.Err() != nil:
			return

		case err != nil:
			logger.Warnf("Tombstone drain failed: %v", err)
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}

		case drained > 0:
			logger.Debugf("Tombstone drain completed %d records.", drained)
			backoff = pollPeriod
			continue

		default:
			backoff = pollPeriod
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
	}
}

// Pending returns the number of tombstones currently stored. For tests and
// the admin surface.
func (q *Queue) Pending(ctx context.Context) (int, error) {
	r := fskey.TombstoneRange()
	it, err := q.db.Scan(ctx, kv.Range{Start: r.Start, Limit: r.Limit})
	if err != nil {
		return 0, err
	}
	defer it.Close()

	n := 0
	for it.Next() {
		n++
	}

	return n, it.Err()
}

////////////////////////////////////////////////////////////////////////
// Helpers
////////////////////////////////////////////////////////////////////////

func (q *Queue) allocateSeq(ctx context.Context) (uint64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.nextSeq == 0 {
		next, err := q.recoverNextSeq(ctx)
		if err != nil {
			return 0, err
		}
		q.nextSeq = next
	}

	seq := q.nextSeq
	q.nextSeq++
	return seq, nil
}

// Find the sequence number following the highest stored tombstone.
//
// LOCKS_REQUIRED(q.mu)
func (q *Queue) recoverNextSeq(ctx context.Context) (uint64, error) {
	r := fskey.TombstoneRange()
	it, err := q.db.Scan(ctx, kv.Range{Start: r.Start, Limit: r.Limit})
	if err != nil {
		return 0, fmt.Errorf("scanning tombstones: %w", err)
	}
	defer it.Close()

	next := uint64(1)
	for it.Next() {
		seq, err := fskey.DecodeTombstone(it.Key())
		if err != nil {
			logger.Warnf("Ignoring malformed tombstone key %x: %v", it.Key(), err)
			continue
		}
		next = seq + 1
	}
	if err := it.Err(); err != nil {
		return 0, fmt.Errorf("scanning tombstones: %w", err)
	}

	return next, nil
}
