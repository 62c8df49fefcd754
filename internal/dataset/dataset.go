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

// Package dataset manages named filesystem roots and snapshots.
//
// A snapshot clones the source's directory tree: directories are deep-cloned
// as fresh inodes, files and symlinks are shared by bumping their
// link-count. Because chunks are keyed by (inode id, chunk index), a shared
// file mutated through any referencing root changes under every root, so
// snapshots are always read-only. Clone is the writable path: it copies
// file bodies into fresh inodes and shares nothing.
package dataset

import (
	"bytes"
	"context"
	"encoding/gob"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jacobsa/timeutil"
	"github.com/stackblaze/zerofs/internal/chunk"
	"github.com/stackblaze/zerofs/internal/dirent"
	"github.com/stackblaze/zerofs/internal/fserrors"
	"github.com/stackblaze/zerofs/internal/fskey"
	"github.com/stackblaze/zerofs/internal/inode"
	"github.com/stackblaze/zerofs/internal/kv"
	"github.com/stackblaze/zerofs/internal/stats"
	"github.com/stackblaze/zerofs/internal/tombstone"
)

// PrimaryID is the dataset created at format time. It is never deleted.
const PrimaryID = 0

// How many directory entries each clone/walk page covers.
const walkPageSize = 256

// A Dataset is a named root. Snapshots share the record shape.
type Dataset struct {
	ID         uint64
	UUID       string
	Name       string
	Root       inode.ID
	ParentID   uint64
	ParentUUID string
	HasParent  bool
	CreatedAt  time.Time
	ReadOnly   bool
	IsSnapshot bool
	Generation uint64
}

// The single registry record: name index, default pointer, id allocator.
type registryRecord struct {
	ByName    map[string]uint64
	DefaultID uint64
	NextID    uint64
}

// Registry persists datasets and implements snapshot and clone.
type Registry struct {
	db       kv.Store
	inodes   *inode.Store
	dirs     *dirent.Store
	chunks   *chunk.Store
	counters *stats.Counters
	tombs    *tombstone.Queue
	clock    timeutil.Clock

	// Guards the registry record's read-modify-write cycles. Dataset reads
	// take it shared.
	mu sync.RWMutex
}

func NewRegistry(
	db kv.Store,
	inodes *inode.Store,
	dirs *dirent.Store,
	chunks *chunk.Store,
	counters *stats.Counters,
	tombs *tombstone.Queue,
	clock timeutil.Clock) *Registry {
	return &Registry{
		db:       db,
		inodes:   inodes,
		dirs:     dirs,
		chunks:   chunks,
		counters: counters,
		tombs:    tombs,
		clock:    clock,
	}
}

////////////////////////////////////////////////////////////////////////
// Reads
////////////////////////////////////////////////////////////////////////

// Get returns the dataset with the given id, or fserrors.ErrNotFound.
func (r *Registry) Get(ctx context.Context, id uint64) (Dataset, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.getLocked(ctx, id)
}

// ByName resolves a dataset name.
func (r *Registry) ByName(ctx context.Context, name string) (Dataset, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	reg, err := r.loadRegistry(ctx)
	if err != nil {
		return Dataset{}, err
	}

	id, ok := reg.ByName[name]
	if !ok {
		return Dataset{}, fmt.Errorf("dataset %q: %w", name, fserrors.ErrNotFound)
	}

	return r.getLocked(ctx, id)
}

// Default returns the dataset adapters should expose when none is named.
func (r *Registry) Default(ctx context.Context) (Dataset, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	reg, err := r.loadRegistry(ctx)
	if err != nil {
		return Dataset{}, err
	}

	return r.getLocked(ctx, reg.DefaultID)
}

// List returns every dataset in id order.
func (r *Registry) List(ctx context.Context) ([]Dataset, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rng := fskey.DatasetRange()
	it, err := r.db.Scan(ctx, kv.Range{Start: rng.Start, Limit: rng.Limit})
	if err != nil {
		return nil, fmt.Errorf("scanning datasets: %w", err)
	}
	defer it.Close()

	var out []Dataset
	for it.Next() {
		var ds Dataset
		if err := decodeDataset(it.Value(), &ds); err != nil {
			return nil, err
		}
		out = append(out, ds)
	}
	if err := it.Err(); err != nil {
		return nil, fmt.Errorf("scanning datasets: %w", err)
	}

	return out, nil
}

////////////////////////////////////////////////////////////////////////
// Mutations
////////////////////////////////////////////////////////////////////////

// FormatPrimary writes dataset 0 and the registry index for a freshly
// formatted store. rootID must already be a committed directory inode.
func (r *Registry) FormatPrimary(ctx context.Context, b *kv.Batch, rootID inode.ID) error {
	ds := Dataset{
		ID:        PrimaryID,
		UUID:      uuid.New().String(),
		Name:      "default",
		Root:      rootID,
		CreatedAt: r.clock.Now(),
	}

	reg := &registryRecord{
		ByName:    map[string]uint64{ds.Name: ds.ID},
		DefaultID: PrimaryID,
		NextID:    1,
	}

	if err := putDataset(b, ds); err != nil {
		return err
	}

	return putRegistry(b, reg)
}

// Create makes a new empty dataset.
func (r *Registry) Create(ctx context.Context, name string) (Dataset, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	reg, err := r.loadRegistry(ctx)
	if err != nil {
		return Dataset{}, err
	}
	if _, ok := reg.ByName[name]; ok {
		return Dataset{}, fmt.Errorf("dataset %q: %w", name, fserrors.ErrExist)
	}

	rootID, err := r.inodes.Allocate(ctx)
	if err != nil {
		return Dataset{}, err
	}

	now := r.clock.Now()
	root := &inode.Record{
		ID:    rootID,
		Kind:  inode.KindDirectory,
		Mode:  0o755,
		Atime: now,
		Mtime: now,
		Ctime: now,
		Nlink: 2,
	}

	ds := Dataset{
		ID:        reg.NextID,
		UUID:      uuid.New().String(),
		Name:      name,
		Root:      rootID,
		CreatedAt: now,
	}

	reg.NextID++
	reg.ByName[name] = ds.ID

	var b kv.Batch
	if err := r.inodes.BatchPut(&b, root); err != nil {
		return Dataset{}, err
	}
	if err := putDataset(&b, ds); err != nil {
		return Dataset{}, err
	}
	if err := putRegistry(&b, reg); err != nil {
		return Dataset{}, err
	}

	if err := r.counters.CommitWith(ctx, &b, 0, 1); err != nil {
		return Dataset{}, err
	}

	return ds, nil
}

// SetDefault repoints the default dataset.
func (r *Registry) SetDefault(ctx context.Context, id uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, err := r.getLocked(ctx, id); err != nil {
		return err
	}

	reg, err := r.loadRegistry(ctx)
	if err != nil {
		return err
	}

	reg.DefaultID = id

	var b kv.Batch
	if err := putRegistry(&b, reg); err != nil {
		return err
	}

	return r.db.Apply(ctx, &b)
}

// Snapshot creates a read-only snapshot of the source dataset: a deep clone
// of its directory tree whose file and symlink children are shared, with
// their link-counts bumped. Metadata-proportional: no file data is copied.
//
// The caller must exclude concurrent directory restructuring of the source
// (the FsCore takes its rename barrier exclusively around this call).
func (r *Registry) Snapshot(
	ctx context.Context,
	sourceID uint64,
	name string) (Dataset, error) {
	return r.derive(ctx, sourceID, name, true)
}

// Clone creates a writable copy of the source dataset. Directories are
// deep-cloned as in Snapshot, but files and symlinks are fully copied
// (fresh inodes, chunk-by-chunk body copy), so the clone shares no mutable
// state with its source.
func (r *Registry) Clone(
	ctx context.Context,
	sourceID uint64,
	name string) (Dataset, error) {
	return r.derive(ctx, sourceID, name, false)
}

// Delete removes a dataset: its tree is walked, link-counts drop, and
// inodes whose count reaches zero are removed; their chunks are deleted in
// the same batch when few, and tombstoned otherwise.
// The primary dataset is never deleted.
func (r *Registry) Delete(ctx context.Context, id uint64) error {
	if id == PrimaryID {
		return fmt.Errorf("%w: cannot delete the primary dataset", fserrors.ErrInvalidArg)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	ds, err := r.getLocked(ctx, id)
	if err != nil {
		return err
	}

	if err := r.releaseDir(ctx, ds.Root); err != nil {
		return err
	}

	reg, err := r.loadRegistry(ctx)
	if err != nil {
		return err
	}

	delete(reg.ByName, ds.Name)
	if reg.DefaultID == id {
		reg.DefaultID = PrimaryID
	}

	var b kv.Batch
	b.Delete(fskey.Dataset(id))
	if err := putRegistry(&b, reg); err != nil {
		return err
	}

	return r.db.Apply(ctx, &b)
}

////////////////////////////////////////////////////////////////////////
// Derivation helpers
////////////////////////////////////////////////////////////////////////

func (r *Registry) derive(
	ctx context.Context,
	sourceID uint64,
	name string,
	snapshot bool) (Dataset, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	src, err := r.getLocked(ctx, sourceID)
	if err != nil {
		return Dataset{}, err
	}

	reg, err := r.loadRegistry(ctx)
	if err != nil {
		return Dataset{}, err
	}
	if _, ok := reg.ByName[name]; ok {
		return Dataset{}, fmt.Errorf("dataset %q: %w", name, fserrors.ErrExist)
	}

	newRoot, err := r.cloneDir(ctx, src.Root, 0, snapshot)
	if err != nil {
		return Dataset{}, err
	}

	now := r.clock.Now()
	ds := Dataset{
		ID:         reg.NextID,
		UUID:       uuid.New().String(),
		Name:       name,
		Root:       newRoot,
		ParentID:   src.ID,
		ParentUUID: src.UUID,
		HasParent:  true,
		CreatedAt:  now,
		ReadOnly:   snapshot,
		IsSnapshot: snapshot,
	}

	reg.NextID++
	reg.ByName[name] = ds.ID

	src.Generation++

	var b kv.Batch
	if err := putDataset(&b, ds); err != nil {
		return Dataset{}, err
	}
	if err := putDataset(&b, src); err != nil {
		return Dataset{}, err
	}
	if err := putRegistry(&b, reg); err != nil {
		return Dataset{}, err
	}

	if err := r.db.Apply(ctx, &b); err != nil {
		return Dataset{}, err
	}

	return ds, nil
}

// cloneDir deep-clones the directory srcID under the new parent, returning
// the new directory's inode id. With share set, non-directory children are
// shared (link-count bump); otherwise they are copied.
//
// Each page of entries commits in its own batch: the new tree is invisible
// until the dataset record lands, so partial progress on crash only leaks
// unreferenced inodes; nothing in this module reclaims them.
func (r *Registry) cloneDir(
	ctx context.Context,
	srcID inode.ID,
	newParent inode.ID,
	share bool) (inode.ID, error) {
	src, err := r.inodes.Get(ctx, srcID)
	if err != nil {
		return 0, err
	}
	if !src.IsDir() {
		return 0, fmt.Errorf("%w: clone source %d is a %v", fserrors.ErrNotDir, srcID, src.Kind)
	}

	newID, err := r.inodes.Allocate(ctx)
	if err != nil {
		return 0, err
	}

	dup := src.Clone()
	dup.ID = newID
	dup.Parent = newParent
	dup.Ctime = r.clock.Now()

	var b kv.Batch
	if err := r.inodes.BatchPut(&b, dup); err != nil {
		return 0, err
	}
	if err := r.counters.CommitWith(ctx, &b, 0, 1); err != nil {
		return 0, err
	}

	cookie := uint64(0)
	for {
		entries, next, eof, err := r.dirs.Scan(ctx, srcID, cookie, walkPageSize)
		if err != nil {
			return 0, err
		}

		var pageBatch kv.Batch
		var newInodes int64
		var newBytes int64

		// One reservation covers the page: Insert's counter read cannot see
		// bumps pending in the same batch.
		firstCookie, err := r.dirs.ReserveCookies(ctx, newID, uint64(len(entries)), &pageBatch)
		if err != nil {
			return 0, err
		}

		for i, e := range entries {
			childID := e.Child

			switch {
			case e.Kind == inode.KindDirectory:
				childID, err = r.cloneDir(ctx, e.Child, newID, share)
				if err != nil {
					return 0, err
				}

			case share:
				child, err := r.inodes.Get(ctx, e.Child)
				if err != nil {
					return 0, err
				}
				child.Nlink++
				if err := r.inodes.BatchPut(&pageBatch, child); err != nil {
					return 0, err
				}

			default:
				var copied int64
				childID, copied, err = r.copyLeaf(ctx, e.Child, newID)
				if err != nil {
					return 0, err
				}
				newInodes++
				newBytes += copied
			}

			err = r.dirs.InsertAt(newID, e.Name, childID, e.Kind, firstCookie+uint64(i), &pageBatch)
			if err != nil {
				return 0, err
			}
		}

		if !pageBatch.Empty() {
			if err := r.counters.CommitWith(ctx, &pageBatch, newBytes, newInodes); err != nil {
				return 0, err
			}
		}

		if eof {
			break
		}
		cookie = next
	}

	return newID, nil
}

// copyLeaf copies a file, symlink or special inode into a fresh inode,
// including chunk bodies, returning the new id and the copied byte count.
func (r *Registry) copyLeaf(
	ctx context.Context,
	srcID inode.ID,
	newParent inode.ID) (inode.ID, int64, error) {
	src, err := r.inodes.Get(ctx, srcID)
	if err != nil {
		return 0, 0, err
	}

	newID, err := r.inodes.Allocate(ctx)
	if err != nil {
		return 0, 0, err
	}

	dup := src.Clone()
	dup.ID = newID
	dup.Parent = newParent
	dup.Nlink = 1
	dup.Ctime = r.clock.Now()

	var b kv.Batch
	if err := r.inodes.BatchPut(&b, dup); err != nil {
		return 0, 0, err
	}
	if err := r.db.Apply(ctx, &b); err != nil {
		return 0, 0, err
	}

	if src.IsFile() && !src.Inlined {
		if err := r.copyChunks(ctx, srcID, newID); err != nil {
			return 0, 0, err
		}
	}

	return newID, int64(src.Size), nil
}

func (r *Registry) copyChunks(ctx context.Context, srcID, dstID inode.ID) error {
	rng := fskey.ChunkRangeFrom(uint64(srcID), 0)
	it, err := r.db.Scan(ctx, kv.Range{Start: rng.Start, Limit: rng.Limit})
	if err != nil {
		return fmt.Errorf("scanning chunks of inode %d: %w", srcID, err)
	}
	defer it.Close()

	b := &kv.Batch{}
	for it.Next() {
		_, index, err := fskey.DecodeChunk(it.Key())
		if err != nil {
			return err
		}

		b.Put(fskey.Chunk(uint64(dstID), index), append([]byte(nil), it.Value()...))
		if b.Len() >= walkPageSize {
			if err := r.db.Apply(ctx, b); err != nil {
				return err
			}
			b = &kv.Batch{}
		}
	}
	if err := it.Err(); err != nil {
		return fmt.Errorf("scanning chunks of inode %d: %w", srcID, err)
	}

	if !b.Empty() {
		return r.db.Apply(ctx, b)
	}

	return nil
}

// releaseDir walks a directory tree bottom-up, removing entries and
// dropping child link-counts; an inode whose count reaches zero is removed,
// and its chunks are deleted inline (up to chunk.InlineDeleteLimit) or
// tombstoned.
func (r *Registry) releaseDir(ctx context.Context, dirID inode.ID) error {
	cookie := uint64(0)
	for {
		entries, next, eof, err := r.dirs.Scan(ctx, dirID, cookie, walkPageSize)
		if err != nil {
			return err
		}

		for _, e := range entries {
			if e.Kind == inode.KindDirectory {
				if err := r.releaseDir(ctx, e.Child); err != nil {
					return err
				}
				continue
			}

			if err := r.releaseLeaf(ctx, e.Child); err != nil {
				return err
			}
		}

		if eof {
			break
		}
		cookie = next
	}

	// Remove the directory record itself, along with its entry keys.
	var b kv.Batch
	rng := fskey.DirEntryRange(uint64(dirID))
	if err := r.deleteRange(ctx, &b, rng); err != nil {
		return err
	}
	scanRng := fskey.DirScanRange(uint64(dirID), 0)
	if err := r.deleteRange(ctx, &b, scanRng); err != nil {
		return err
	}
	b.Delete(fskey.DirCookie(uint64(dirID)))
	r.inodes.BatchDelete(&b, dirID)

	return r.counters.CommitWith(ctx, &b, 0, -1)
}

func (r *Registry) releaseLeaf(ctx context.Context, id inode.ID) error {
	rec, err := r.inodes.Get(ctx, id)
	if errors.Is(err, fserrors.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	var b kv.Batch
	if rec.Nlink > 1 {
		rec.Nlink--
		if err := r.inodes.BatchPut(&b, rec); err != nil {
			return err
		}

		return r.db.Apply(ctx, &b)
	}

	if rec.IsFile() && !rec.Inlined && rec.Size > 0 {
		count := chunk.Count(rec.Size)
		if count <= chunk.InlineDeleteLimit {
			r.chunks.BatchDeleteRange(&b, id, 0, count)
		} else if err := r.tombs.Enqueue(ctx, &b, id, 0, count); err != nil {
			return err
		}
	}

	r.inodes.BatchDelete(&b, id)
	return r.counters.CommitWith(ctx, &b, -int64(rec.Size), -1)
}

func (r *Registry) deleteRange(ctx context.Context, b *kv.Batch, rng fskey.Range) error {
	it, err := r.db.Scan(ctx, kv.Range{Start: rng.Start, Limit: rng.Limit})
	if err != nil {
		return err
	}
	defer it.Close()

	for it.Next() {
		b.Delete(append([]byte(nil), it.Key()...))
	}

	return it.Err()
}

////////////////////////////////////////////////////////////////////////
// Record plumbing
////////////////////////////////////////////////////////////////////////

// SHARED_LOCKS_REQUIRED(r.mu)
func (r *Registry) getLocked(ctx context.Context, id uint64) (Dataset, error) {
	value, err := r.db.Get(ctx, fskey.Dataset(id))
	if errors.Is(err, kv.ErrNotFound) {
		return Dataset{}, fmt.Errorf("dataset %d: %w", id, fserrors.ErrNotFound)
	}
	if err != nil {
		return Dataset{}, fmt.Errorf("reading dataset %d: %w", id, err)
	}

	var ds Dataset
	if err := decodeDataset(value, &ds); err != nil {
		return Dataset{}, err
	}

	return ds, nil
}

// SHARED_LOCKS_REQUIRED(r.mu)
func (r *Registry) loadRegistry(ctx context.Context) (*registryRecord, error) {
	value, err := r.db.Get(ctx, fskey.DatasetRegistry())
	if errors.Is(err, kv.ErrNotFound) {
		return nil, fmt.Errorf("dataset registry: %w", fserrors.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("reading dataset registry: %w", err)
	}

	var reg registryRecord
	if err := gob.NewDecoder(bytes.NewReader(value)).Decode(&reg); err != nil {
		return nil, fmt.Errorf("%w: dataset registry: %v", fserrors.ErrInvalidData, err)
	}

	return &reg, nil
}

func putRegistry(b *kv.Batch, reg *registryRecord) error {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(reg); err != nil {
		return fmt.Errorf("encoding dataset registry: %w", err)
	}

	b.Put(fskey.DatasetRegistry(), buf.Bytes())
	return nil
}

func putDataset(b *kv.Batch, ds Dataset) error {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(&ds); err != nil {
		return fmt.Errorf("encoding dataset %q: %w", ds.Name, err)
	}

	b.Put(fskey.Dataset(ds.ID), buf.Bytes())
	return nil
}

func decodeDataset(value []byte, ds *Dataset) error {
	if err := gob.NewDecoder(bytes.NewReader(value)).Decode(ds); err != nil {
		return fmt.Errorf("%w: dataset record: %v", fserrors.ErrInvalidData, err)
	}

	return nil
}
