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

// Package stats keeps the global used-bytes and inode-count counters. They
// live as store keys and are updated inside each operation's write batch so
// they stay consistent with the data.
package stats

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/stackblaze/zerofs/internal/fserrors"
	"github.com/stackblaze/zerofs/internal/fskey"
	"github.com/stackblaze/zerofs/internal/kv"
)

// Counters mediates batch commits that change the global counters. Every
// batch carrying counter deltas commits through CommitWith, which
// serializes the read-modify-write of the counter keys with the batch
// application.
type Counters struct {
	db kv.Store

	// Byte and inode ceilings; zero means unlimited.
	LimitBytes  uint64
	LimitInodes uint64

	// Serializes counter updates against each other. Batches that do not
	// touch the counters bypass it.
	mu sync.Mutex
}

func NewCounters(db kv.Store) *Counters {
	return &Counters{db: db}
}

// Usage is the current value of both counters.
type Usage struct {
	UsedBytes  uint64
	InodeCount uint64
}

// Load reads the counters.
func (c *Counters) Load(ctx context.Context) (Usage, error) {
	used, err := c.readCounter(ctx, fskey.StatsUsedBytes)
	if err != nil {
		return Usage{}, err
	}

	inodes, err := c.readCounter(ctx, fskey.StatsInodeCount)
	if err != nil {
		return Usage{}, err
	}

	return Usage{UsedBytes: used, InodeCount: inodes}, nil
}

// CommitWith folds the counter deltas into b and applies it. The deltas are
// applied against the currently stored values under the counter mutex, so
// concurrent committers never lose updates. Exceeding a configured limit
// fails with fserrors.ErrNoSpace before anything is written.
func (c *Counters) CommitWith(
	ctx context.Context,
	b *kv.Batch,
	bytesDelta int64,
	inodesDelta int64) error {
	if bytesDelta == 0 && inodesDelta == 0 {
		return c.db.Apply(ctx, b)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	u, err := c.Load(ctx)
	if err != nil {
		return err
	}

	newBytes := applyDelta(u.UsedBytes, bytesDelta)
	newInodes := applyDelta(u.InodeCount, inodesDelta)

	if c.LimitBytes != 0 && newBytes > c.LimitBytes && bytesDelta > 0 {
		return fmt.Errorf("%w: used bytes %d over limit %d", fserrors.ErrNoSpace, newBytes, c.LimitBytes)
	}
	if c.LimitInodes != 0 && newInodes > c.LimitInodes && inodesDelta > 0 {
		return fmt.Errorf("%w: inode count %d over limit %d", fserrors.ErrNoSpace, newInodes, c.LimitInodes)
	}

	var bb, ib [8]byte
	binary.BigEndian.PutUint64(bb[:], newBytes)
	binary.BigEndian.PutUint64(ib[:], newInodes)
	b.Put(fskey.Stats(fskey.StatsUsedBytes), bb[:])
	b.Put(fskey.Stats(fskey.StatsInodeCount), ib[:])

	return c.db.Apply(ctx, b)
}

////////////////////////////////////////////////////////////////////////
// Helpers
////////////////////////////////////////////////////////////////////////

func (c *Counters) readCounter(ctx context.Context, tag byte) (uint64, error) {
	value, err := c.db.Get(ctx, fskey.Stats(tag))
	if errors.Is(err, kv.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("reading stats counter 0x%02x: %w", tag, err)
	}

	if len(value) != 8 {
		return 0, fmt.Errorf("%w: stats counter 0x%02x has %d bytes", fserrors.ErrInvalidData, tag, len(value))
	}

	return binary.BigEndian.Uint64(value), nil
}

// Counters saturate at zero rather than wrapping; an underflow indicates a
// reconciliation gap (e.g. in-flight writeback demotions), not corruption.
func applyDelta(v uint64, delta int64) uint64 {
	if delta >= 0 {
		return v + uint64(delta)
	}

	d := uint64(-delta)
	if d > v {
		return 0
	}

	return v - d
}
