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

package fs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/stackblaze/zerofs/internal/chunk"
	"github.com/stackblaze/zerofs/internal/dirent"
	"github.com/stackblaze/zerofs/internal/fserrors"
	"github.com/stackblaze/zerofs/internal/fskey"
	"github.com/stackblaze/zerofs/internal/inode"
	"github.com/stackblaze/zerofs/internal/kv"
	"github.com/stackblaze/zerofs/internal/perms"
	"github.com/stackblaze/zerofs/internal/stats"
)

// How many inode fetches readdirplus issues concurrently.
const readdirPlusConcurrency = 8

////////////////////////////////////////////////////////////////////////
// Namespace reads
////////////////////////////////////////////////////////////////////////

// Lookup resolves name within parent.
func (c *Core) Lookup(
	ctx context.Context,
	creds perms.Creds,
	parent inode.ID,
	name []byte) (e dirent.Entry, err error) {
	defer c.record("lookup", &err)

	release := c.lockInode(parent, false)
	defer release()

	p, err := c.getDir(ctx, parent)
	if err != nil {
		return dirent.Entry{}, err
	}
	if err := perms.CheckAccess(creds, p, perms.MayExecute); err != nil {
		return dirent.Entry{}, err
	}

	return c.dirs.Lookup(ctx, parent, name)
}

// GetAttr returns the inode's attributes. For a file with a pending
// writeback body, size and mtime reflect the cache.
func (c *Core) GetAttr(
	ctx context.Context,
	creds perms.Creds,
	id inode.ID) (rec *inode.Record, err error) {
	defer c.record("getattr", &err)

	release := c.lockInode(id, false)
	defer release()

	rec, err = c.inodes.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if size, mtime, ok := c.cache.Stat(id); ok {
		rec.Size = size
		rec.Mtime = mtime
	}

	return rec, nil
}

// ReadDir enumerates parent starting at cookie. Cookie zero means "from the
// beginning"; any returned nextCookie may be passed back verbatim.
func (c *Core) ReadDir(
	ctx context.Context,
	creds perms.Creds,
	parent inode.ID,
	cookie uint64,
	max int) (entries []dirent.Entry, nextCookie uint64, eof bool, err error) {
	defer c.record("readdir", &err)

	release := c.lockInode(parent, false)
	defer release()

	p, err := c.getDir(ctx, parent)
	if err != nil {
		return nil, 0, false, err
	}
	if err := perms.CheckAccess(creds, p, perms.MayRead); err != nil {
		return nil, 0, false, err
	}

	return c.dirs.Scan(ctx, parent, cookie, max)
}

// ReadDirPlus is ReadDir with each entry's inode fetched alongside, in
// parallel. A child whose record vanished mid-enumeration yields a nil
// record rather than failing the listing.
func (c *Core) ReadDirPlus(
	ctx context.Context,
	creds perms.Creds,
	parent inode.ID,
	cookie uint64,
	max int) (entries []dirent.Entry, records []*inode.Record, nextCookie uint64, eof bool, err error) {
	defer c.record("readdirplus", &err)

	entries, nextCookie, eof, err = c.ReadDir(ctx, creds, parent, cookie, max)
	if err != nil {
		return nil, nil, 0, false, err
	}

	// Fetch records without taking the children's locks: lock order would
	// invert against lockAll when a child id sorts below the parent, and a
	// record read is atomic at the store anyway.
	records = make([]*inode.Record, len(entries))
	group, ctx := errgroup.WithContext(ctx)
	group.SetLimit(readdirPlusConcurrency)
	for i, e := range entries {
		i, e := i, e
		group.Go(func() error {
			rec, err := c.inodes.Get(ctx, e.Child)
			if errors.Is(err, fserrors.ErrNotFound) {
				return nil
			}
			if err != nil {
				return err
			}

			if size, mtime, ok := c.cache.Stat(e.Child); ok {
				rec.Size = size
				rec.Mtime = mtime
			}

			records[i] = rec
			return nil
		})
	}

	if err := group.Wait(); err != nil {
		return nil, nil, 0, false, err
	}

	return entries, records, nextCookie, eof, nil
}

// ReadLink returns a symlink's target.
func (c *Core) ReadLink(
	ctx context.Context,
	creds perms.Creds,
	id inode.ID) (target []byte, err error) {
	defer c.record("readlink", &err)

	release := c.lockInode(id, false)
	defer release()

	rec, err := c.inodes.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !rec.IsSymlink() {
		return nil, fmt.Errorf("inode %d is a %v: %w", id, rec.Kind, fserrors.ErrInvalidArg)
	}

	return rec.Target, nil
}

// StatFS returns the global counters.
func (c *Core) StatFS(ctx context.Context) (u stats.Usage, err error) {
	defer c.record("statfs", &err)

	return c.counters.Load(ctx)
}

////////////////////////////////////////////////////////////////////////
// Creation
////////////////////////////////////////////////////////////////////////

// Create allocates a file inode and binds it into parent.
func (c *Core) Create(
	ctx context.Context,
	creds perms.Creds,
	parent inode.ID,
	name []byte,
	mode uint32) (*inode.Record, error) {
	return c.createEntry(ctx, "create", creds, parent, name, func(r *inode.Record) {
		r.Kind = inode.KindFile
		r.Mode = mode & 0o7777
		r.Nlink = 1
	})
}

// MkDir allocates a directory inode and binds it into parent.
func (c *Core) MkDir(
	ctx context.Context,
	creds perms.Creds,
	parent inode.ID,
	name []byte,
	mode uint32) (*inode.Record, error) {
	return c.createEntry(ctx, "mkdir", creds, parent, name, func(r *inode.Record) {
		r.Kind = inode.KindDirectory
		r.Mode = mode & 0o7777
		r.Nlink = 2
	})
}

// Symlink allocates a symlink inode with the given target.
func (c *Core) Symlink(
	ctx context.Context,
	creds perms.Creds,
	parent inode.ID,
	name []byte,
	target []byte) (*inode.Record, error) {
	return c.createEntry(ctx, "symlink", creds, parent, name, func(r *inode.Record) {
		r.Kind = inode.KindSymlink
		r.Mode = 0o777
		r.Nlink = 1
		r.Target = append([]byte(nil), target...)
		r.Size = uint64(len(target))
	})
}

// MkNod allocates a device, fifo or socket inode.
func (c *Core) MkNod(
	ctx context.Context,
	creds perms.Creds,
	parent inode.ID,
	name []byte,
	mode uint32,
	kind inode.Kind,
	rdev uint64) (*inode.Record, error) {
	switch kind {
	case inode.KindBlockDevice, inode.KindCharDevice, inode.KindFifo, inode.KindSocket:
	default:
		return nil, fmt.Errorf("%w: mknod of a %v", fserrors.ErrInvalidArg, kind)
	}

	return c.createEntry(ctx, "mknod", creds, parent, name, func(r *inode.Record) {
		r.Kind = kind
		r.Mode = mode & 0o7777
		r.Nlink = 1
		r.Rdev = rdev
	})
}

// createEntry implements the shared creation path: allocate an inode, bind
// the directory entry and bump the parent, all in one batch.
func (c *Core) createEntry(
	ctx context.Context,
	op string,
	creds perms.Creds,
	parent inode.ID,
	name []byte,
	fill func(*inode.Record)) (rec *inode.Record, err error) {
	defer c.record(op, &err)

	release := c.lockInode(parent, true)
	defer release()

	p, err := c.getDir(ctx, parent)
	if err != nil {
		return nil, err
	}
	if err := perms.CheckAccess(creds, p, perms.MayWrite|perms.MayExecute); err != nil {
		return nil, err
	}

	_, err = c.dirs.Lookup(ctx, parent, name)
	if err == nil {
		return nil, fmt.Errorf("entry %q: %w", name, fserrors.ErrExist)
	}
	if !errors.Is(err, fserrors.ErrNotFound) {
		return nil, err
	}

	id, err := c.inodes.Allocate(ctx)
	if err != nil {
		return nil, err
	}

	now := c.clock.Now()
	rec = &inode.Record{
		ID:     id,
		Uid:    creds.Uid,
		Gid:    creds.Gid,
		Atime:  now,
		Mtime:  now,
		Ctime:  now,
		Parent: parent,
	}
	fill(rec)

	var b kv.Batch
	if err := c.inodes.BatchPut(&b, rec); err != nil {
		return nil, err
	}
	if _, err := c.dirs.Insert(ctx, parent, name, id, rec.Kind, &b); err != nil {
		return nil, err
	}

	p.EntryCount++
	p.Mtime = now
	p.Ctime = now
	if rec.Kind == inode.KindDirectory {
		p.Nlink++
	}
	if err := c.inodes.BatchPut(&b, p); err != nil {
		return nil, err
	}

	if err := c.counters.CommitWith(ctx, &b, int64(rec.Size), 1); err != nil {
		return nil, err
	}

	return rec, nil
}

////////////////////////////////////////////////////////////////////////
// Removal
////////////////////////////////////////////////////////////////////////

// Unlink removes the entry for name and drops the child's link-count. When
// the count hits zero the inode goes away: small chunk sets are deleted in
// the same batch, large ones are tombstoned for the collector.
func (c *Core) Unlink(
	ctx context.Context,
	creds perms.Creds,
	parent inode.ID,
	name []byte) (err error) {
	defer c.record("unlink", &err)

	e, release, err := c.lockEntry(ctx, parent, name)
	if err != nil {
		return err
	}
	defer release()

	if e.Kind == inode.KindDirectory {
		return fmt.Errorf("entry %q: %w", name, fserrors.ErrIsDir)
	}

	return c.removeEntry(ctx, creds, parent, name, e)
}

// RmDir removes an empty directory.
func (c *Core) RmDir(
	ctx context.Context,
	creds perms.Creds,
	parent inode.ID,
	name []byte) (err error) {
	defer c.record("rmdir", &err)

	e, release, err := c.lockEntry(ctx, parent, name)
	if err != nil {
		return err
	}
	defer release()

	if e.Kind != inode.KindDirectory {
		return fmt.Errorf("entry %q: %w", name, fserrors.ErrNotDir)
	}

	nonEmpty, err := c.dirs.HasEntries(ctx, e.Child)
	if err != nil {
		return err
	}
	if nonEmpty {
		return fmt.Errorf("directory %q: %w", name, fserrors.ErrNotEmpty)
	}

	return c.removeEntry(ctx, creds, parent, name, e)
}

// removeEntry is the shared removal path.
//
// EXCLUSIVE_LOCKS_REQUIRED(parent, e.Child)
func (c *Core) removeEntry(
	ctx context.Context,
	creds perms.Creds,
	parent inode.ID,
	name []byte,
	e dirent.Entry) error {
	p, err := c.getDir(ctx, parent)
	if err != nil {
		return err
	}
	if err := perms.CheckAccess(creds, p, perms.MayWrite|perms.MayExecute); err != nil {
		return err
	}

	child, err := c.inodes.Get(ctx, e.Child)
	if err != nil {
		return err
	}
	if err := perms.CheckSticky(creds, p, child); err != nil {
		return err
	}

	var b kv.Batch
	if _, err := c.dirs.Remove(ctx, parent, name, &b); err != nil {
		return err
	}

	now := c.clock.Now()
	if p.EntryCount > 0 {
		p.EntryCount--
	}
	p.Mtime = now
	p.Ctime = now
	if child.IsDir() && p.Nlink > 0 {
		p.Nlink--
	}
	if err := c.inodes.BatchPut(&b, p); err != nil {
		return err
	}

	bytesDelta, inodesDelta, err := c.dropLink(ctx, child, &b)
	if err != nil {
		return err
	}

	return c.counters.CommitWith(ctx, &b, bytesDelta, inodesDelta)
}

// dropLink decrements child's link-count within b. At zero the inode and
// its storage are scheduled for removal; the pending writeback body, if
// any, is discarded first so nothing resurrects the file.
//
// EXCLUSIVE_LOCKS_REQUIRED(child's inode lock)
func (c *Core) dropLink(
	ctx context.Context,
	child *inode.Record,
	b *kv.Batch) (bytesDelta int64, inodesDelta int64, err error) {
	live := uint32(1)
	if child.IsDir() {
		live = 2
	}

	if child.Nlink > live {
		child.Nlink--
		child.Ctime = c.clock.Now()
		if err := c.inodes.BatchPut(b, child); err != nil {
			return 0, 0, err
		}

		return 0, 0, nil
	}

	c.cache.Discard(child.ID)

	if child.IsFile() && !child.Inlined && child.Size > 0 {
		count := chunk.Count(child.Size)
		if count <= chunk.InlineDeleteLimit {
			c.chunks.BatchDeleteRange(b, child.ID, 0, count)
		} else {
			if err := c.tombs.Enqueue(ctx, b, child.ID, 0, count); err != nil {
				return 0, 0, err
			}
			if c.metrics != nil {
				c.metrics.RecordTombstone()
			}
		}
	}

	if child.IsDir() {
		b.Delete(fskey.DirCookie(uint64(child.ID)))
	}

	c.inodes.BatchDelete(b, child.ID)
	return -int64(child.Size), -1, nil
}

////////////////////////////////////////////////////////////////////////
// Linking and rename
////////////////////////////////////////////////////////////////////////

// Link binds an existing non-directory inode under an additional name.
func (c *Core) Link(
	ctx context.Context,
	creds perms.Creds,
	src inode.ID,
	dstParent inode.ID,
	dstName []byte) (err error) {
	defer c.record("link", &err)

	release := c.lockAll(src, dstParent)
	defer release()

	rec, err := c.inodes.Get(ctx, src)
	if err != nil {
		return err
	}
	if rec.IsDir() {
		return fmt.Errorf("hard link to directory %d: %w", src, fserrors.ErrPermission)
	}

	p, err := c.getDir(ctx, dstParent)
	if err != nil {
		return err
	}
	if err := perms.CheckAccess(creds, p, perms.MayWrite|perms.MayExecute); err != nil {
		return err
	}

	_, err = c.dirs.Lookup(ctx, dstParent, dstName)
	if err == nil {
		return fmt.Errorf("entry %q: %w", dstName, fserrors.ErrExist)
	}
	if !errors.Is(err, fserrors.ErrNotFound) {
		return err
	}

	now := c.clock.Now()
	rec.Nlink++
	rec.Ctime = now

	var b kv.Batch
	if err := c.inodes.BatchPut(&b, rec); err != nil {
		return err
	}
	if _, err := c.dirs.Insert(ctx, dstParent, dstName, src, rec.Kind, &b); err != nil {
		return err
	}

	p.EntryCount++
	p.Mtime = now
	p.Ctime = now
	if err := c.inodes.BatchPut(&b, p); err != nil {
		return err
	}

	return c.counters.CommitWith(ctx, &b, 0, 0)
}

// Rename moves src_parent/src_name to dst_parent/dst_name in one batch,
// overwriting a compatible destination. Renaming an entry onto itself is a
// no-op. A directory may only overwrite an empty directory; a file never
// overwrites a directory, and a directory never overwrites a file.
func (c *Core) Rename(
	ctx context.Context,
	creds perms.Creds,
	srcParent inode.ID,
	srcName []byte,
	dstParent inode.ID,
	dstName []byte) (err error) {
	defer c.record("rename", &err)

	c.renameBarrier.RLock()
	defer c.renameBarrier.RUnlock()

	// Resolve both ends optimistically, then lock the full inode set and
	// re-validate, as in lockEntry.
	const maxTries = 3
	for n := 0; n < maxTries; n++ {
		src, err := c.dirs.Lookup(ctx, srcParent, srcName)
		if err != nil {
			return err
		}

		ids := []inode.ID{srcParent, dstParent, src.Child}
		dst, dstErr := c.dirs.Lookup(ctx, dstParent, dstName)
		switch {
		case dstErr == nil:
			ids = append(ids, dst.Child)
		case !errors.Is(dstErr, fserrors.ErrNotFound):
			return dstErr
		}

		release := c.lockAll(ids...)

		srcNow, err := c.dirs.Lookup(ctx, srcParent, srcName)
		if err != nil || srcNow.Child != src.Child {
			release()
			if err != nil && !errors.Is(err, fserrors.ErrNotFound) {
				return err
			}
			continue
		}

		dstNow, dstNowErr := c.dirs.Lookup(ctx, dstParent, dstName)
		sameAbsent := errors.Is(dstNowErr, fserrors.ErrNotFound) && dstErr != nil
		samePresent := dstNowErr == nil && dstErr == nil && dstNow.Child == dst.Child
		if !sameAbsent && !samePresent {
			release()
			if dstNowErr != nil && !errors.Is(dstNowErr, fserrors.ErrNotFound) {
				return dstNowErr
			}
			continue
		}

		defer release()
		var dstEntry *dirent.Entry
		if dstNowErr == nil {
			dstEntry = &dstNow
		}

		return c.renameLocked(ctx, creds, srcParent, srcName, srcNow, dstParent, dstName, dstEntry)
	}

	return fmt.Errorf("%w: rename kept racing", fserrors.ErrInterrupted)
}

// EXCLUSIVE_LOCKS_REQUIRED(srcParent, dstParent, src.Child, dst.Child)
func (c *Core) renameLocked(
	ctx context.Context,
	creds perms.Creds,
	srcParent inode.ID,
	srcName []byte,
	src dirent.Entry,
	dstParent inode.ID,
	dstName []byte,
	dst *dirent.Entry) error {
	// Renaming an entry onto itself succeeds without effect.
	if srcParent == dstParent && string(srcName) == string(dstName) {
		return nil
	}

	sp, err := c.getDir(ctx, srcParent)
	if err != nil {
		return err
	}
	if err := perms.CheckAccess(creds, sp, perms.MayWrite|perms.MayExecute); err != nil {
		return err
	}

	dp := sp
	if dstParent != srcParent {
		dp, err = c.getDir(ctx, dstParent)
		if err != nil {
			return err
		}
		if err := perms.CheckAccess(creds, dp, perms.MayWrite|perms.MayExecute); err != nil {
			return err
		}
	}

	moved, err := c.inodes.Get(ctx, src.Child)
	if err != nil {
		return err
	}
	if err := perms.CheckSticky(creds, sp, moved); err != nil {
		return err
	}

	var b kv.Batch
	var bytesDelta, inodesDelta int64

	// Police and dislodge the destination.
	if dst != nil {
		overwritten, err := c.inodes.Get(ctx, dst.Child)
		if err != nil {
			return err
		}

		switch {
		case moved.IsDir() && !overwritten.IsDir():
			return fmt.Errorf("entry %q: %w", dstName, fserrors.ErrNotDir)

		case !moved.IsDir() && overwritten.IsDir():
			return fmt.Errorf("entry %q: %w", dstName, fserrors.ErrIsDir)

		case overwritten.IsDir():
			nonEmpty, err := c.dirs.HasEntries(ctx, dst.Child)
			if err != nil {
				return err
			}
			if nonEmpty {
				return fmt.Errorf("entry %q: %w", dstName, fserrors.ErrNotEmpty)
			}
		}

		if _, err := c.dirs.Remove(ctx, dstParent, dstName, &b); err != nil {
			return err
		}

		bytesDelta, inodesDelta, err = c.dropLink(ctx, overwritten, &b)
		if err != nil {
			return err
		}

		dp.EntryCount--
		if overwritten.IsDir() && dp.Nlink > 0 {
			dp.Nlink--
		}
	}

	// Move the entry.
	if _, err := c.dirs.Remove(ctx, srcParent, srcName, &b); err != nil {
		return err
	}
	if _, err := c.dirs.Insert(ctx, dstParent, dstName, src.Child, src.Kind, &b); err != nil {
		return err
	}

	now := c.clock.Now()
	sp.EntryCount--
	sp.Mtime = now
	sp.Ctime = now
	dp.EntryCount++
	dp.Mtime = now
	dp.Ctime = now

	if moved.IsDir() && srcParent != dstParent {
		if sp.Nlink > 0 {
			sp.Nlink--
		}
		dp.Nlink++
	}

	moved.Parent = dstParent
	moved.Ctime = now
	if err := c.inodes.BatchPut(&b, moved); err != nil {
		return err
	}
	if err := c.inodes.BatchPut(&b, sp); err != nil {
		return err
	}
	if dstParent != srcParent {
		if err := c.inodes.BatchPut(&b, dp); err != nil {
			return err
		}
	}

	return c.counters.CommitWith(ctx, &b, bytesDelta, inodesDelta)
}

////////////////////////////////////////////////////////////////////////
// File I/O
////////////////////////////////////////////////////////////////////////

// Read returns up to length bytes at offset. Pending writeback bodies win
// over the store; inline bodies win over chunks. Reads at or beyond the end
// of file return an empty slice.
func (c *Core) Read(
	ctx context.Context,
	creds perms.Creds,
	id inode.ID,
	offset uint64,
	length int) (data []byte, err error) {
	defer c.record("read", &err)

	release := c.lockInode(id, false)
	defer release()

	rec, err := c.inodes.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !rec.IsFile() {
		return nil, fmt.Errorf("inode %d is a %v: %w", id, rec.Kind, fserrors.ErrInvalidArg)
	}
	if err := perms.CheckAccess(creds, rec, perms.MayRead); err != nil {
		return nil, err
	}

	if body, _, ok := c.cache.Lookup(id); ok {
		return sliceBody(body, offset, length), nil
	}

	if rec.Inlined {
		return sliceBody(rec.Inline, offset, length), nil
	}

	return c.chunks.Read(ctx, id, rec.Size, offset, length)
}

// Write stores data at offset. Small results are absorbed by the writeback
// cache; larger ones compose chunk updates, the inode and the counters into
// one batch.
func (c *Core) Write(
	ctx context.Context,
	creds perms.Creds,
	id inode.ID,
	offset uint64,
	data []byte) (err error) {
	defer c.record("write", &err)

	release := c.lockInode(id, true)
	defer release()

	rec, err := c.inodes.Get(ctx, id)
	if err != nil {
		return err
	}
	if !rec.IsFile() {
		return fmt.Errorf("inode %d is a %v: %w", id, rec.Kind, fserrors.ErrInvalidArg)
	}
	if err := perms.CheckAccess(creds, rec, perms.MayWrite); err != nil {
		return err
	}
	if len(data) == 0 {
		return nil
	}

	absorbed, err := c.cache.Write(ctx, rec, offset, data)
	if err != nil {
		return err
	}
	if absorbed {
		return nil
	}

	// Too big for the cache. If a pending body exists, demote it first so
	// the chunk path sees the current durable state.
	if c.cache.Contains(id) {
		if err := c.cache.Demote(ctx, id); err != nil {
			return err
		}

		rec, err = c.inodes.Get(ctx, id)
		if err != nil {
			return err
		}
	}

	chunks, err := c.chunks.Write(ctx, id, rec.Size, offset, data)
	if err != nil {
		return err
	}

	// An inline body graduates to chunk 0. The chunk math above cannot see
	// inline bytes, so fold them into the computed chunk wherever this write
	// did not cover them.
	if rec.Inlined {
		end := offset + uint64(len(data))
		body := chunks[0]
		if uint64(len(body)) < uint64(len(rec.Inline)) {
			body = append(body, make([]byte, len(rec.Inline)-len(body))...)
		}
		for i := uint64(0); i < uint64(len(rec.Inline)); i++ {
			if i < offset || i >= end {
				body[i] = rec.Inline[i]
			}
		}
		chunks[0] = body
		rec.Inlined = false
		rec.Inline = nil
	}

	var b kv.Batch
	c.chunks.BatchPut(&b, id, chunks)

	oldSize := rec.Size
	end := offset + uint64(len(data))
	if end > rec.Size {
		rec.Size = end
	}

	now := c.clock.Now()
	rec.Mtime = now
	rec.Ctime = now
	if err := c.inodes.BatchPut(&b, rec); err != nil {
		return err
	}

	return c.counters.CommitWith(ctx, &b, int64(rec.Size)-int64(oldSize), 0)
}

// SetAttrChanges selects which attributes SetAttr updates.
type SetAttrChanges struct {
	Mode  *uint32
	Uid   *uint32
	Gid   *uint32
	Size  *uint64
	Atime *time.Time
	Mtime *time.Time
}

// SetAttr updates the selected attributes. A size change truncates: growth
// is sparse and free, shrinking removes chunks inline or via a tombstone.
// Ctime always moves.
func (c *Core) SetAttr(
	ctx context.Context,
	creds perms.Creds,
	id inode.ID,
	changes SetAttrChanges) (rec *inode.Record, err error) {
	defer c.record("setattr", &err)

	release := c.lockInode(id, true)
	defer release()

	rec, err = c.inodes.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if !creds.Root() && creds.Uid != rec.Uid {
		return nil, fmt.Errorf("inode %d: %w", id, fserrors.ErrPermission)
	}
	if changes.Uid != nil && !creds.Root() {
		return nil, fmt.Errorf("chown of inode %d: %w", id, fserrors.ErrPermission)
	}

	var b kv.Batch
	var bytesDelta int64

	if changes.Size != nil {
		if !rec.IsFile() {
			return nil, fmt.Errorf("truncate of a %v: %w", rec.Kind, fserrors.ErrInvalidArg)
		}

		bytesDelta, err = c.truncateLocked(ctx, rec, *changes.Size, &b)
		if err != nil {
			return nil, err
		}
	}

	if changes.Mode != nil {
		rec.Mode = *changes.Mode & 0o7777
	}
	if changes.Uid != nil {
		rec.Uid = *changes.Uid
	}
	if changes.Gid != nil {
		rec.Gid = *changes.Gid
	}
	if changes.Atime != nil {
		rec.Atime = *changes.Atime
	}
	if changes.Mtime != nil {
		rec.Mtime = *changes.Mtime
	}
	rec.Ctime = c.clock.Now()

	if err := c.inodes.BatchPut(&b, rec); err != nil {
		return nil, err
	}

	if err := c.counters.CommitWith(ctx, &b, bytesDelta, 0); err != nil {
		return nil, err
	}

	return rec, nil
}

// truncateLocked composes a size change into b and updates rec in place.
//
// EXCLUSIVE_LOCKS_REQUIRED(rec's inode lock)
func (c *Core) truncateLocked(
	ctx context.Context,
	rec *inode.Record,
	newSize uint64,
	b *kv.Batch) (bytesDelta int64, err error) {
	// Shrinking must first fold any pending writeback body into this batch
	// so the batch subsumes it. The counters hold the durable size, so the
	// delta is measured from it, not from the demoted size.
	durableSize := rec.Size
	if newSize < rec.Size || c.cache.Contains(rec.ID) {
		if _, err := c.cache.DemoteInto(ctx, rec, b); err != nil {
			return 0, err
		}
	}

	oldSize := rec.Size
	switch {
	case newSize == oldSize:
		return int64(newSize) - int64(durableSize), nil

	case newSize > oldSize:
		// Sparse growth: absent chunks read as zeroes. An inline body stays
		// inline only while it truly holds the whole file.
		if rec.Inlined {
			if len(rec.Inline) > 0 {
				b.Put(fskey.Chunk(uint64(rec.ID), 0), rec.Inline)
			}
			rec.Inlined = false
			rec.Inline = nil
		}

	default:
		if rec.Inlined {
			rec.Inline = rec.Inline[:newSize]
		} else {
			lo, hi, tomb, err := c.chunks.Truncate(ctx, rec.ID, oldSize, newSize, b)
			if err != nil {
				return 0, err
			}
			if tomb {
				if err := c.tombs.Enqueue(ctx, b, rec.ID, lo, hi); err != nil {
					return 0, err
				}
				if c.metrics != nil {
					c.metrics.RecordTombstone()
				}
			}
		}
	}

	rec.Size = newSize
	now := c.clock.Now()
	rec.Mtime = now

	return int64(newSize) - int64(durableSize), nil
}

// Fsync demotes the inode's pending writeback body and returns once the
// store is durable up to that point.
func (c *Core) Fsync(ctx context.Context, id inode.ID) (err error) {
	defer c.record("fsync", &err)

	release := c.lockInode(id, true)
	defer release()

	return c.cache.Fsync(ctx, c.db, id)
}

// Flush demotes every pending writeback body and flushes the store.
func (c *Core) Flush(ctx context.Context, awaitDurable bool) (err error) {
	defer c.record("flush", &err)

	return c.cache.FlushAll(ctx, c.db, awaitDurable)
}

////////////////////////////////////////////////////////////////////////
// Helpers
////////////////////////////////////////////////////////////////////////

// getDir fetches an inode that must be a directory.
func (c *Core) getDir(ctx context.Context, id inode.ID) (*inode.Record, error) {
	rec, err := c.inodes.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !rec.IsDir() {
		return nil, fmt.Errorf("inode %d is a %v: %w", id, rec.Kind, fserrors.ErrNotDir)
	}

	return rec, nil
}

func sliceBody(body []byte, offset uint64, length int) []byte {
	if offset >= uint64(len(body)) || length == 0 {
		return nil
	}

	end := offset + uint64(length)
	if end > uint64(len(body)) {
		end = uint64(len(body))
	}

	out := make([]byte, end-offset)
	copy(out, body[offset:end])
	return out
}
