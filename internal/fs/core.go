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

// Package fs implements the filesystem core: the public operations that
// translate POSIX semantics into ordered, crash-safe mutations of the
// backing key-value store.
package fs

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/jacobsa/syncutil"
	"github.com/jacobsa/timeutil"
	"github.com/stackblaze/zerofs/internal/chunk"
	"github.com/stackblaze/zerofs/internal/dataset"
	"github.com/stackblaze/zerofs/internal/dirent"
	"github.com/stackblaze/zerofs/internal/fserrors"
	"github.com/stackblaze/zerofs/internal/fskey"
	"github.com/stackblaze/zerofs/internal/inode"
	"github.com/stackblaze/zerofs/internal/kv"
	"github.com/stackblaze/zerofs/internal/logger"
	"github.com/stackblaze/zerofs/internal/monitor"
	"github.com/stackblaze/zerofs/internal/stats"
	"github.com/stackblaze/zerofs/internal/tombstone"
	"github.com/stackblaze/zerofs/internal/writeback"
)

// FormatVersion is written at format time. Open refuses stores formatted by
// a newer version.
const FormatVersion = 1

// Config assembles a Core.
type Config struct {
	// The backing store. Typically an EncryptedStore over the LSM engine.
	Store kv.Store

	// A clock used for inode timestamps.
	Clock timeutil.Clock

	// Writeback cache tuning. Zero values select the defaults below.
	CacheBudgetBytes uint64
	CacheFileCeiling uint64
	InlineThreshold  uint64

	// Global capacity policy; zero means unlimited.
	LimitBytes  uint64
	LimitInodes uint64

	// Metrics sink. May be nil.
	Metrics *monitor.Metrics
}

const (
	defaultCacheBudgetBytes = 64 << 20
	defaultCacheFileCeiling = 128 << 10
	defaultInlineThreshold  = 4 << 10
)

// LOCK ORDERING
//
// Define a strict partial order on the locks held by operations:
//
//  1. The rename barrier precedes every inode lock.
//  2. Inode locks are ordered by ascending inode id.
//  3. The stats mutex and the allocator mutex are leaves: nothing else is
//     acquired while they are held.
//
// We follow the rule "acquire A then B only if A < B". Operations touching
// several inodes therefore discover the full inode set first (optimistic,
// without locks), lock it in ascending order, and re-validate what they
// read; see lockEntry for the retry loop.

// Core owns every process-wide mutable piece of the engine: the writeback
// cache, the id allocator, the dataset registry and the stats counters are
// all reachable only through it, constructed at Open and torn down at
// Close.
type Core struct {
	/////////////////////////
	// Dependencies
	/////////////////////////

	db       kv.Store
	clock    timeutil.Clock
	inodes   *inode.Store
	dirs     *dirent.Store
	chunks   *chunk.Store
	cache    *writeback.Cache
	counters *stats.Counters
	tombs    *tombstone.Queue
	datasets *dataset.Registry
	metrics  *monitor.Metrics

	/////////////////////////
	// Mutable state
	/////////////////////////

	// Serializes cross-directory renames (shared) against directory-tree
	// restructuring by snapshot and clone (exclusive).
	renameBarrier sync.RWMutex

	// Guards the lock table.
	mu syncutil.InvariantMutex

	// Live per-inode locks, reference-counted so the table does not grow
	// with the inode population.
	//
	// INVARIANT: For all values v, v.refs > 0
	//
	// GUARDED_BY(mu)
	locks map[inode.ID]*inodeLock

	// Stops the tombstone collector.
	stopCollector context.CancelFunc
	collectorDone chan struct{}
}

type inodeLock struct {
	sync.RWMutex
	refs int
}

////////////////////////////////////////////////////////////////////////
// Lifecycle
////////////////////////////////////////////////////////////////////////

// Format initializes an empty store: format version, inode allocator, the
// primary root directory and dataset 0. Fails if the store already carries
// a format version.
func Format(ctx context.Context, db kv.Store, clock timeutil.Clock) error {
	_, err := db.Get(ctx, fskey.System(fskey.SystemFormatVersion))
	if err == nil {
		return fmt.Errorf("%w: store is already formatted", fserrors.ErrExist)
	}
	if !errors.Is(err, kv.ErrNotFound) {
		return fmt.Errorf("probing format version: %w", err)
	}

	now := clock.Now()
	root := &inode.Record{
		ID:    inode.RootID,
		Kind:  inode.KindDirectory,
		Mode:  0o755,
		Atime: now,
		Mtime: now,
		Ctime: now,
		Nlink: 2,
	}

	rootValue, err := root.Encode()
	if err != nil {
		return err
	}

	var version, nextInode, one, zero [8]byte
	binary.BigEndian.PutUint64(version[:], FormatVersion)
	binary.BigEndian.PutUint64(nextInode[:], uint64(inode.RootID)+1)
	binary.BigEndian.PutUint64(one[:], 1)

	var b kv.Batch
	b.Put(fskey.System(fskey.SystemFormatVersion), version[:])
	b.Put(fskey.System(fskey.SystemNextInode), nextInode[:])
	b.Put(fskey.Inode(uint64(inode.RootID)), rootValue)
	b.Put(fskey.Stats(fskey.StatsUsedBytes), zero[:])
	b.Put(fskey.Stats(fskey.StatsInodeCount), one[:])

	reg := dataset.NewRegistry(db, inode.NewStore(db), dirent.NewStore(db), chunk.NewStore(db), stats.NewCounters(db), nil, clock)
	if err := reg.FormatPrimary(ctx, &b, inode.RootID); err != nil {
		return err
	}

	if err := db.Apply(ctx, &b); err != nil {
		return err
	}

	return db.Flush(ctx, true)
}

// Open validates the store's format version, assembles a Core and starts
// the tombstone collector.
func Open(ctx context.Context, cfg Config) (*Core, error) {
	if err := checkFormatVersion(ctx, cfg.Store); err != nil {
		return nil, err
	}

	if cfg.CacheBudgetBytes == 0 {
		cfg.CacheBudgetBytes = defaultCacheBudgetBytes
	}
	if cfg.CacheFileCeiling == 0 {
		cfg.CacheFileCeiling = defaultCacheFileCeiling
	}
	if cfg.InlineThreshold == 0 {
		cfg.InlineThreshold = defaultInlineThreshold
	}
	if cfg.InlineThreshold > chunk.Size {
		return nil, fmt.Errorf("%w: inline threshold %d exceeds chunk size", fserrors.ErrInvalidArg, cfg.InlineThreshold)
	}

	db := cfg.Store
	inodes := inode.NewStore(db)
	dirs := dirent.NewStore(db)
	chunks := chunk.NewStore(db)
	counters := stats.NewCounters(db)
	counters.LimitBytes = cfg.LimitBytes
	counters.LimitInodes = cfg.LimitInodes
	tombs := tombstone.NewQueue(db, chunks)

	cache := writeback.NewCache(
		writeback.Config{
			BudgetBytes:     cfg.CacheBudgetBytes,
			FileCeiling:     cfg.CacheFileCeiling,
			InlineThreshold: cfg.InlineThreshold,
		},
		inodes,
		chunks,
		counters,
		cfg.Clock)

	c := &Core{
		db:       db,
		clock:    cfg.Clock,
		inodes:   inodes,
		dirs:     dirs,
		chunks:   chunks,
		cache:    cache,
		counters: counters,
		tombs:    tombs,
		datasets: dataset.NewRegistry(db, inodes, dirs, chunks, counters, tombs, cfg.Clock),
		metrics:  cfg.Metrics,
		locks:    make(map[inode.ID]*inodeLock),
	}
	c.mu = syncutil.NewInvariantMutex(c.checkInvariants)

	var collectorCtx context.Context
	collectorCtx, c.stopCollector = context.WithCancel(context.Background())
	c.collectorDone = make(chan struct{})
	go func() {
		defer close(c.collectorDone)
		c.tombs.Run(collectorCtx)
	}()

	return c, nil
}

// Close stops the collector and flushes everything, including pending
// writeback bodies, durably.
func (c *Core) Close(ctx context.Context) error {
	c.stopCollector()
	<-c.collectorDone

	return c.cache.FlushAll(ctx, c.db, true)
}

// Datasets exposes the registry to adapters for read-side resolution.
func (c *Core) Datasets() *dataset.Registry { return c.datasets }

func checkFormatVersion(ctx context.Context, db kv.Store) error {
	value, err := db.Get(ctx, fskey.System(fskey.SystemFormatVersion))
	if errors.Is(err, kv.ErrNotFound) {
		return fmt.Errorf("%w: store is not formatted", fserrors.ErrInvalidData)
	}
	if err != nil {
		return fmt.Errorf("reading format version: %w", err)
	}
	if len(value) != 8 {
		return fmt.Errorf("%w: format version has %d bytes", fserrors.ErrInvalidData, len(value))
	}

	version := binary.BigEndian.Uint64(value)
	if version > FormatVersion {
		return fmt.Errorf(
			"%w: store format version %d is newer than supported %d",
			fserrors.ErrInvalidData, version, FormatVersion)
	}

	return nil
}

////////////////////////////////////////////////////////////////////////
// Locking
////////////////////////////////////////////////////////////////////////

func (c *Core) checkInvariants() {
	// INVARIANT: For all values v, v.refs > 0
	for id, l := range c.locks {
		if l.refs <= 0 {
			panic(fmt.Sprintf("Non-positive refcount %d for inode lock %d", l.refs, id))
		}
	}
}

// LOCKS_EXCLUDED(c.mu)
func (c *Core) pin(id inode.ID) *inodeLock {
	c.mu.Lock()
	defer c.mu.Unlock()

	l, ok := c.locks[id]
	if !ok {
		l = &inodeLock{}
		c.locks[id] = l
	}
	l.refs++

	return l
}

// LOCKS_EXCLUDED(c.mu)
func (c *Core) unpin(id inode.ID) {
	c.mu.Lock()
	defer c.mu.Unlock()

	l := c.locks[id]
	l.refs--
	if l.refs == 0 {
		delete(c.locks, id)
	}
}

// lockInode acquires the lock for one inode, returning the release.
func (c *Core) lockInode(id inode.ID, exclusive bool) func() {
	l := c.pin(id)
	if exclusive {
		l.Lock()
	} else {
		l.RLock()
	}

	return func() {
		if exclusive {
			l.Unlock()
		} else {
			l.RUnlock()
		}
		c.unpin(id)
	}
}

// lockAll exclusively acquires the locks of the given inodes in ascending
// id order, deduplicating, and returns the release.
func (c *Core) lockAll(ids ...inode.ID) func() {
	sorted := append([]inode.ID(nil), ids...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	var locked []inode.ID
	for i, id := range sorted {
		if i > 0 && id == sorted[i-1] {
			continue
		}
		c.pin(id).Lock()
		locked = append(locked, id)
	}

	return func() {
		for i := len(locked) - 1; i >= 0; i-- {
			c.mu.Lock()
			l := c.locks[locked[i]]
			c.mu.Unlock()
			l.Unlock()
			c.unpin(locked[i])
		}
	}
}

// lockEntry locks parent and the child currently bound to name, honoring
// the ascending-id order even though the child id is only discoverable by
// reading the entry. It optimistically resolves the entry without locks,
// locks the pair, and re-validates; a concurrent rename or unlink that
// invalidates the resolution sends it around again.
//
// On success the returned entry is current while the locks are held.
func (c *Core) lockEntry(
	ctx context.Context,
	parent inode.ID,
	name []byte) (e dirent.Entry, release func(), err error) {
	const maxTries = 3
	for n := 0; n < maxTries; n++ {
		e, err = c.dirs.Lookup(ctx, parent, name)
		if err != nil {
			return dirent.Entry{}, nil, err
		}

		release = c.lockAll(parent, e.Child)

		current, err := c.dirs.Lookup(ctx, parent, name)
		if err == nil && current.Child == e.Child {
			return current, release, nil
		}

		release()
		if err != nil && !errors.Is(err, fserrors.ErrNotFound) {
			return dirent.Entry{}, nil, err
		}
	}

	logger.Warnf("lockEntry(%d, %q) did not converge; racing renames?", parent, name)
	return dirent.Entry{}, nil, fmt.Errorf("%w: entry kept moving", fserrors.ErrInterrupted)
}

func (c *Core) record(op string, err *error) {
	if c.metrics != nil {
		c.metrics.RecordOp(op, *err)
		c.metrics.SetWritebackBytes(c.cache.UsageBytes())
	}
}
