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

package fs_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/jacobsa/timeutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/stackblaze/zerofs/internal/chunk"
	"github.com/stackblaze/zerofs/internal/dataset"
	"github.com/stackblaze/zerofs/internal/fs"
	"github.com/stackblaze/zerofs/internal/fserrors"
	"github.com/stackblaze/zerofs/internal/fskey"
	"github.com/stackblaze/zerofs/internal/inode"
	"github.com/stackblaze/zerofs/internal/kv"
	"github.com/stackblaze/zerofs/internal/perms"
)

// Cache tuning for the tests: small enough to steer writes onto every path.
const (
	testBudget  = 1 << 20
	testCeiling = 8 << 10
	testInline  = 1 << 10
)

var root = perms.Creds{Uid: 0}

type FsTest struct {
	suite.Suite

	ctx   context.Context
	clock timeutil.SimulatedClock
	db    *kv.MemStore
	core  *fs.Core
}

func TestFsSuite(t *testing.T) {
	suite.Run(t, new(FsTest))
}

func (t *FsTest) SetupTest() {
	t.ctx = context.Background()
	t.clock.SetTime(time.Date(2012, 8, 15, 22, 56, 0, 0, time.Local))
	t.db = kv.NewMemStore()

	require.NoError(t.T(), fs.Format(t.ctx, t.db, &t.clock))
	t.core = t.open()
}

func (t *FsTest) TearDownTest() {
	require.NoError(t.T(), t.core.Close(t.ctx))
}

func (t *FsTest) open() *fs.Core {
	core, err := fs.Open(t.ctx, fs.Config{
		Store:            t.db,
		Clock:            &t.clock,
		CacheBudgetBytes: testBudget,
		CacheFileCeiling: testCeiling,
		InlineThreshold:  testInline,
	})
	require.NoError(t.T(), err)
	return core
}

// restart simulates a process restart: the old core is closed without a
// flush of pending cache state being guaranteed by the caller, and a fresh
// core is opened over the same store.
func (t *FsTest) restart() {
	require.NoError(t.T(), t.core.Close(t.ctx))
	t.core = t.open()
}

func (t *FsTest) create(parent inode.ID, name string) inode.ID {
	rec, err := t.core.Create(t.ctx, root, parent, []byte(name), 0o644)
	require.NoError(t.T(), err)
	return rec.ID
}

func (t *FsTest) mkdir(parent inode.ID, name string) inode.ID {
	rec, err := t.core.MkDir(t.ctx, root, parent, []byte(name), 0o755)
	require.NoError(t.T(), err)
	return rec.ID
}

func (t *FsTest) write(id inode.ID, offset uint64, data []byte) {
	require.NoError(t.T(), t.core.Write(t.ctx, root, id, offset, data))
}

func (t *FsTest) read(id inode.ID, offset uint64, length int) []byte {
	data, err := t.core.Read(t.ctx, root, id, offset, length)
	require.NoError(t.T(), err)
	return data
}

func (t *FsTest) readdirNames(parent inode.ID, pageSize int) []string {
	var names []string
	cookie := uint64(0)
	for {
		entries, next, eof, err := t.core.ReadDir(t.ctx, root, parent, cookie, pageSize)
		require.NoError(t.T(), err)
		for _, e := range entries {
			names = append(names, string(e.Name))
		}
		if eof {
			return names
		}
		cookie = next
	}
}

func (t *FsTest) chunkKeyCount(id inode.ID) int {
	r := fskey.ChunkRangeFrom(uint64(id), 0)
	pairs, err := t.core.Debug(t.ctx, r.Start, r.Limit, 1<<20)
	require.NoError(t.T(), err)
	return len(pairs)
}

func (t *FsTest) tombstoneCount() int {
	r := fskey.TombstoneRange()
	pairs, err := t.core.Debug(t.ctx, r.Start, r.Limit, 1<<20)
	require.NoError(t.T(), err)
	return len(pairs)
}

func pattern(n int, seed byte) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = seed + byte(i%251)
	}
	return out
}

////////////////////////////////////////////////////////////////////////
// Namespace
////////////////////////////////////////////////////////////////////////

func (t *FsTest) TestLookupMissing() {
	_, err := t.core.Lookup(t.ctx, root, inode.RootID, []byte("missing"))
	assert.ErrorIs(t.T(), err, fserrors.ErrNotFound)
}

func (t *FsTest) TestLookupOnFileFailsNotDir() {
	id := t.create(inode.RootID, "f")
	_, err := t.core.Lookup(t.ctx, root, id, []byte("x"))
	assert.ErrorIs(t.T(), err, fserrors.ErrNotDir)
}

func (t *FsTest) TestCreateCollision() {
	t.create(inode.RootID, "f")
	_, err := t.core.Create(t.ctx, root, inode.RootID, []byte("f"), 0o644)
	assert.ErrorIs(t.T(), err, fserrors.ErrExist)
}

func (t *FsTest) TestMkdirRmdirRestoresPriorState() {
	usageBefore, err := t.core.StatFS(t.ctx)
	require.NoError(t.T(), err)

	id := t.mkdir(inode.RootID, "d")
	_, err = t.core.GetAttr(t.ctx, root, id)
	require.NoError(t.T(), err)

	require.NoError(t.T(), t.core.RmDir(t.ctx, root, inode.RootID, []byte("d")))

	_, err = t.core.Lookup(t.ctx, root, inode.RootID, []byte("d"))
	assert.ErrorIs(t.T(), err, fserrors.ErrNotFound)
	_, err = t.core.GetAttr(t.ctx, root, id)
	assert.ErrorIs(t.T(), err, fserrors.ErrNotFound)

	usageAfter, err := t.core.StatFS(t.ctx)
	require.NoError(t.T(), err)
	assert.Equal(t.T(), usageBefore, usageAfter)
}

func (t *FsTest) TestRmdirNonEmpty() {
	d := t.mkdir(inode.RootID, "d")
	t.create(d, "child")

	err := t.core.RmDir(t.ctx, root, inode.RootID, []byte("d"))
	assert.ErrorIs(t.T(), err, fserrors.ErrNotEmpty)
}

func (t *FsTest) TestUnlinkOnDirectoryFailsIsDir() {
	t.mkdir(inode.RootID, "d")
	err := t.core.Unlink(t.ctx, root, inode.RootID, []byte("d"))
	assert.ErrorIs(t.T(), err, fserrors.ErrIsDir)
}

func (t *FsTest) TestSymlinkReadlink() {
	rec, err := t.core.Symlink(t.ctx, root, inode.RootID, []byte("l"), []byte("target/path"))
	require.NoError(t.T(), err)

	target, err := t.core.ReadLink(t.ctx, root, rec.ID)
	require.NoError(t.T(), err)
	assert.Equal(t.T(), []byte("target/path"), target)

	// Readlink on a regular file is refused.
	f := t.create(inode.RootID, "f")
	_, err = t.core.ReadLink(t.ctx, root, f)
	assert.ErrorIs(t.T(), err, fserrors.ErrInvalidArg)
}

func (t *FsTest) TestMkNodKinds() {
	rec, err := t.core.MkNod(t.ctx, root, inode.RootID, []byte("fifo"), 0o600, inode.KindFifo, 0)
	require.NoError(t.T(), err)
	assert.Equal(t.T(), inode.KindFifo, rec.Kind)

	_, err = t.core.MkNod(t.ctx, root, inode.RootID, []byte("bad"), 0o600, inode.KindFile, 0)
	assert.ErrorIs(t.T(), err, fserrors.ErrInvalidArg)
}

func (t *FsTest) TestHardLink() {
	id := t.create(inode.RootID, "a")
	t.write(id, 0, []byte("body"))

	require.NoError(t.T(), t.core.Link(t.ctx, root, id, inode.RootID, []byte("b")))

	e, err := t.core.Lookup(t.ctx, root, inode.RootID, []byte("b"))
	require.NoError(t.T(), err)
	assert.Equal(t.T(), id, e.Child)

	// Unlinking one name keeps the file alive through the other.
	require.NoError(t.T(), t.core.Unlink(t.ctx, root, inode.RootID, []byte("a")))
	assert.Equal(t.T(), []byte("body"), t.read(id, 0, 4))

	require.NoError(t.T(), t.core.Unlink(t.ctx, root, inode.RootID, []byte("b")))
	_, err = t.core.GetAttr(t.ctx, root, id)
	assert.ErrorIs(t.T(), err, fserrors.ErrNotFound)
}

func (t *FsTest) TestLinkToDirectoryRefused() {
	d := t.mkdir(inode.RootID, "d")
	err := t.core.Link(t.ctx, root, d, inode.RootID, []byte("d2"))
	assert.Error(t.T(), err)
}

////////////////////////////////////////////////////////////////////////
// Scenario: small-file round trip
////////////////////////////////////////////////////////////////////////

func (t *FsTest) TestSmallFileRoundTrip() {
	id := t.create(inode.RootID, "a")
	t.write(id, 0, []byte("hello"))

	assert.Equal(t.T(), []byte("hello"), t.read(id, 0, 5))

	// Durable after fsync, and the cache must be cold after restart.
	require.NoError(t.T(), t.core.Fsync(t.ctx, id))
	t.restart()

	assert.Equal(t.T(), []byte("hello"), t.read(id, 0, 5))

	rec, err := t.core.GetAttr(t.ctx, root, id)
	require.NoError(t.T(), err)
	assert.Equal(t.T(), uint64(5), rec.Size)
}

func (t *FsTest) TestWriteReadLaw() {
	id := t.create(inode.RootID, "a")

	for _, tc := range []struct {
		offset uint64
		data   []byte
	}{
		{0, []byte("hello")},
		{3, []byte("LOWORLD")},
		{100, pattern(50, 3)},
	} {
		t.write(id, tc.offset, tc.data)
		assert.Equal(t.T(), tc.data, t.read(id, tc.offset, len(tc.data)))
	}
}

func (t *FsTest) TestReadBeyondEOF() {
	id := t.create(inode.RootID, "a")
	t.write(id, 0, []byte("abc"))

	assert.Empty(t.T(), t.read(id, 3, 10))
	assert.Empty(t.T(), t.read(id, 1000, 10))
	assert.Equal(t.T(), []byte("bc"), t.read(id, 1, 100))
}

func (t *FsTest) TestLargeWriteTakesChunkPath() {
	id := t.create(inode.RootID, "big")
	body := pattern(3*chunk.Size+777, 5)
	t.write(id, 0, body)

	assert.Equal(t.T(), body, t.read(id, 0, len(body)))
	assert.Equal(t.T(), 4, t.chunkKeyCount(id))

	// Overwrite across a chunk boundary, unaligned.
	patch := pattern(4321, 9)
	t.write(id, chunk.Size-1234, patch)
	assert.Equal(t.T(), patch, t.read(id, chunk.Size-1234, len(patch)))
}

func (t *FsTest) TestSparseReadZeroFills() {
	id := t.create(inode.RootID, "sparse")
	t.write(id, uint64(2*chunk.Size), []byte("tail"))

	hole := t.read(id, 0, 100)
	assert.Equal(t.T(), make([]byte, 100), hole)
}

func (t *FsTest) TestInlinePromotionToChunks() {
	id := t.create(inode.RootID, "a")

	// Small write lands inline after fsync.
	t.write(id, 0, []byte("inline body"))
	require.NoError(t.T(), t.core.Fsync(t.ctx, id))
	assert.Equal(t.T(), 0, t.chunkKeyCount(id))

	// A big write graduates the file to chunks; the old bytes survive.
	t.write(id, uint64(testCeiling), pattern(chunk.Size, 2))
	assert.Equal(t.T(), []byte("inline body"), t.read(id, 0, 11))
	assert.Greater(t.T(), t.chunkKeyCount(id), 0)
}

////////////////////////////////////////////////////////////////////////
// Scenario: cookie-gap enumeration
////////////////////////////////////////////////////////////////////////

func (t *FsTest) TestReadDirWithCookieGaps() {
	d := t.mkdir(inode.RootID, "dir")
	for i := 0; i < 100; i++ {
		t.create(d, fmt.Sprintf("n%02d", i))
	}
	for _, i := range []int{10, 20, 30} {
		require.NoError(t.T(), t.core.Unlink(t.ctx, root, d, []byte(fmt.Sprintf("n%02d", i))))
	}

	names := t.readdirNames(d, 1000)
	assert.Len(t.T(), names, 97)
	assert.NotContains(t.T(), names, "n10")

	// Pagination across the gaps sees the identical set.
	assert.Equal(t.T(), names, t.readdirNames(d, 7))
}

func (t *FsTest) TestReadDirPlus() {
	d := t.mkdir(inode.RootID, "dir")
	f := t.create(d, "f")
	t.write(f, 0, []byte("12345"))

	entries, records, _, eof, err := t.core.ReadDirPlus(t.ctx, root, d, 0, 100)
	require.NoError(t.T(), err)
	assert.True(t.T(), eof)
	require.Len(t.T(), entries, 1)
	require.Len(t.T(), records, 1)
	require.NotNil(t.T(), records[0])

	// Size reflects the pending writeback body.
	assert.Equal(t.T(), uint64(5), records[0].Size)
}

////////////////////////////////////////////////////////////////////////
// Scenario: rename
////////////////////////////////////////////////////////////////////////

func (t *FsTest) TestRenameMove() {
	d1 := t.mkdir(inode.RootID, "d1")
	d2 := t.mkdir(inode.RootID, "d2")
	f := t.create(d1, "f")

	require.NoError(t.T(), t.core.Rename(t.ctx, root, d1, []byte("f"), d2, []byte("g")))

	_, err := t.core.Lookup(t.ctx, root, d1, []byte("f"))
	assert.ErrorIs(t.T(), err, fserrors.ErrNotFound)

	e, err := t.core.Lookup(t.ctx, root, d2, []byte("g"))
	require.NoError(t.T(), err)
	assert.Equal(t.T(), f, e.Child)

	moved, err := t.core.GetAttr(t.ctx, root, f)
	require.NoError(t.T(), err)
	assert.Equal(t.T(), d2, moved.Parent)
}

func (t *FsTest) TestRenameOntoItselfIsNoOp() {
	t.create(inode.RootID, "f")
	assert.NoError(t.T(),
		t.core.Rename(t.ctx, root, inode.RootID, []byte("f"), inode.RootID, []byte("f")))

	_, err := t.core.Lookup(t.ctx, root, inode.RootID, []byte("f"))
	assert.NoError(t.T(), err)
}

func (t *FsTest) TestRenameOverwriteFile() {
	x := t.create(inode.RootID, "x")
	y := t.create(inode.RootID, "y")
	t.write(x, 0, []byte("A"))
	t.write(y, 0, []byte("B"))

	require.NoError(t.T(),
		t.core.Rename(t.ctx, root, inode.RootID, []byte("x"), inode.RootID, []byte("y")))

	e, err := t.core.Lookup(t.ctx, root, inode.RootID, []byte("y"))
	require.NoError(t.T(), err)
	assert.Equal(t.T(), x, e.Child)

	_, err = t.core.Lookup(t.ctx, root, inode.RootID, []byte("x"))
	assert.ErrorIs(t.T(), err, fserrors.ErrNotFound)

	// Y's last link is gone, so its inode is gone.
	_, err = t.core.GetAttr(t.ctx, root, y)
	assert.ErrorIs(t.T(), err, fserrors.ErrNotFound)
}

func (t *FsTest) TestRenamePolicies() {
	d := t.mkdir(inode.RootID, "d")
	t.create(d, "child")
	t.create(inode.RootID, "f")
	t.mkdir(inode.RootID, "empty")

	// Directory over non-empty directory.
	err := t.core.Rename(t.ctx, root, inode.RootID, []byte("empty"), inode.RootID, []byte("d"))
	assert.ErrorIs(t.T(), err, fserrors.ErrNotEmpty)

	// File over directory.
	err = t.core.Rename(t.ctx, root, inode.RootID, []byte("f"), inode.RootID, []byte("empty"))
	assert.ErrorIs(t.T(), err, fserrors.ErrIsDir)

	// Directory over file.
	err = t.core.Rename(t.ctx, root, inode.RootID, []byte("empty"), inode.RootID, []byte("f"))
	assert.ErrorIs(t.T(), err, fserrors.ErrNotDir)

	// Directory over empty directory succeeds.
	err = t.core.Rename(t.ctx, root, inode.RootID, []byte("d"), inode.RootID, []byte("empty"))
	require.NoError(t.T(), err)

	e, err := t.core.Lookup(t.ctx, root, inode.RootID, []byte("empty"))
	require.NoError(t.T(), err)
	assert.Equal(t.T(), d, e.Child)
}

////////////////////////////////////////////////////////////////////////
// Scenario: truncation and tombstones
////////////////////////////////////////////////////////////////////////

func (t *FsTest) setSize(id inode.ID, size uint64) {
	_, err := t.core.SetAttr(t.ctx, root, id, fs.SetAttrChanges{Size: &size})
	require.NoError(t.T(), err)
}

func (t *FsTest) TestTruncateGrowReadsZeroes() {
	id := t.create(inode.RootID, "f")
	t.write(id, 0, []byte("abc"))
	require.NoError(t.T(), t.core.Fsync(t.ctx, id))

	t.setSize(id, uint64(chunk.Size+100))

	rec, err := t.core.GetAttr(t.ctx, root, id)
	require.NoError(t.T(), err)
	assert.Equal(t.T(), uint64(chunk.Size+100), rec.Size)

	tail := t.read(id, uint64(chunk.Size), 100)
	assert.Equal(t.T(), make([]byte, 100), tail)
}

func (t *FsTest) TestTruncateIsIdempotent() {
	id := t.create(inode.RootID, "f")
	t.write(id, 0, pattern(3*chunk.Size, 1))

	t.setSize(id, 100)
	t.setSize(id, 100)

	rec, err := t.core.GetAttr(t.ctx, root, id)
	require.NoError(t.T(), err)
	assert.Equal(t.T(), uint64(100), rec.Size)
	assert.Equal(t.T(), pattern(3*chunk.Size, 1)[:100], t.read(id, 0, 100))
}

func (t *FsTest) TestLargeTruncateGoesThroughTombstone() {
	id := t.create(inode.RootID, "huge")
	count := uint64(chunk.InlineDeleteLimit + 5)
	t.write(id, 0, pattern(int(count)*chunk.Size, 1))
	require.Equal(t.T(), int(count), t.chunkKeyCount(id))

	t.setSize(id, 0)

	assert.Empty(t.T(), t.read(id, 0, 4096))

	// The dead range went to a tombstone; draining removes every chunk key.
	// The background collector may race us here, which is harmless because
	// draining is idempotent.
	for i := 0; i < 10 && t.chunkKeyCount(id) > 0; i++ {
		_, err := t.core.DrainTombstones(t.ctx)
		require.NoError(t.T(), err)
	}
	assert.Equal(t.T(), 0, t.chunkKeyCount(id))
	assert.Equal(t.T(), 0, t.tombstoneCount())
}

func (t *FsTest) TestCreateUnlinkDrainLeavesStatsUnchanged() {
	before, err := t.core.StatFS(t.ctx)
	require.NoError(t.T(), err)

	id := t.create(inode.RootID, "f")
	t.write(id, 0, pattern(2*chunk.Size, 1))
	require.NoError(t.T(), t.core.Unlink(t.ctx, root, inode.RootID, []byte("f")))

	_, err = t.core.DrainTombstones(t.ctx)
	require.NoError(t.T(), err)

	after, err := t.core.StatFS(t.ctx)
	require.NoError(t.T(), err)
	assert.Equal(t.T(), before, after)
	assert.Equal(t.T(), 0, t.chunkKeyCount(id))
}

////////////////////////////////////////////////////////////////////////
// Scenario: snapshots
////////////////////////////////////////////////////////////////////////

func (t *FsTest) TestSnapshotPreservesDirectoryView() {
	id := t.create(inode.RootID, "a.txt")
	t.write(id, 0, []byte("original"))

	snap, err := t.core.Snapshot(t.ctx, dataset.PrimaryID, "snap1")
	require.NoError(t.T(), err)
	assert.True(t.T(), snap.ReadOnly)

	require.NoError(t.T(), t.core.Unlink(t.ctx, root, inode.RootID, []byte("a.txt")))

	// The snapshot still resolves the name and the bytes.
	e, err := t.core.Lookup(t.ctx, root, snap.Root, []byte("a.txt"))
	require.NoError(t.T(), err)
	assert.Equal(t.T(), id, e.Child)
	assert.Equal(t.T(), []byte("original"), t.read(id, 0, 8))
}

func (t *FsTest) TestSnapshotSeesAbsorbedWrites() {
	id := t.create(inode.RootID, "a.txt")
	t.write(id, 0, []byte("pending"))

	// No fsync: the body is still in the writeback cache; Snapshot demotes
	// before cloning.
	_, err := t.core.Snapshot(t.ctx, dataset.PrimaryID, "snap1")
	require.NoError(t.T(), err)

	rec, err := t.core.GetAttr(t.ctx, root, id)
	require.NoError(t.T(), err)
	assert.Equal(t.T(), uint64(7), rec.Size)

	// The stored record, which the snapshot shares, holds the body.
	pairs, err := t.core.Debug(t.ctx, fskey.Inode(uint64(id)), fskey.Inode(uint64(id)+1), 1)
	require.NoError(t.T(), err)
	require.Len(t.T(), pairs, 1)
	durable, err := inode.Decode(pairs[0].Value)
	require.NoError(t.T(), err)
	assert.Equal(t.T(), uint64(7), durable.Size)
}

func (t *FsTest) TestAdminDatasetLifecycle() {
	ds, err := t.core.DatasetCreate(t.ctx, "scratch")
	require.NoError(t.T(), err)

	info, err := t.core.DatasetInfo(t.ctx, "scratch")
	require.NoError(t.T(), err)
	assert.Equal(t.T(), ds.ID, info.ID)

	all, err := t.core.DatasetList(t.ctx)
	require.NoError(t.T(), err)
	assert.Len(t.T(), all, 2)

	require.NoError(t.T(), t.core.DatasetSetDefault(t.ctx, ds.ID))
	require.NoError(t.T(), t.core.DatasetDelete(t.ctx, ds.ID))

	_, err = t.core.DatasetInfo(t.ctx, "scratch")
	assert.ErrorIs(t.T(), err, fserrors.ErrNotFound)
}

////////////////////////////////////////////////////////////////////////
// Permissions
////////////////////////////////////////////////////////////////////////

func (t *FsTest) TestPermissionDeniedSurfaces() {
	alice := perms.Creds{Uid: 1000, Gid: 1000}
	bob := perms.Creds{Uid: 2000, Gid: 2000}

	// Open up the root directory so unprivileged users can create in it.
	mode := uint32(0o777)
	_, err := t.core.SetAttr(t.ctx, root, inode.RootID, fs.SetAttrChanges{Mode: &mode})
	require.NoError(t.T(), err)

	rec, err := t.core.Create(t.ctx, alice, inode.RootID, []byte("private"), 0o600)
	require.NoError(t.T(), err)
	t.write(rec.ID, 0, []byte("secret"))

	_, err = t.core.Read(t.ctx, bob, rec.ID, 0, 6)
	assert.ErrorIs(t.T(), err, fserrors.ErrPermission)

	err = t.core.Write(t.ctx, bob, rec.ID, 0, []byte("x"))
	assert.ErrorIs(t.T(), err, fserrors.ErrPermission)

	// Only the owner (or root) may chmod.
	relaxed := uint32(0o644)
	_, err = t.core.SetAttr(t.ctx, bob, rec.ID, fs.SetAttrChanges{Mode: &relaxed})
	assert.ErrorIs(t.T(), err, fserrors.ErrPermission)
	_, err = t.core.SetAttr(t.ctx, alice, rec.ID, fs.SetAttrChanges{Mode: &relaxed})
	assert.NoError(t.T(), err)
}

////////////////////////////////////////////////////////////////////////
// Format and open
////////////////////////////////////////////////////////////////////////

func (t *FsTest) TestFormatRefusesFormattedStore() {
	err := fs.Format(t.ctx, t.db, &t.clock)
	assert.ErrorIs(t.T(), err, fserrors.ErrExist)
}

func (t *FsTest) TestOpenRefusesUnformattedStore() {
	_, err := fs.Open(t.ctx, fs.Config{Store: kv.NewMemStore(), Clock: &t.clock})
	assert.ErrorIs(t.T(), err, fserrors.ErrInvalidData)
}

func (t *FsTest) TestOpenRefusesNewerFormat() {
	newer := []byte{0, 0, 0, 0, 0, 0, 0, 99}
	require.NoError(t.T(), t.db.Put(t.ctx, fskey.System(fskey.SystemFormatVersion), newer))

	_, err := fs.Open(t.ctx, fs.Config{Store: t.db, Clock: &t.clock})
	assert.ErrorIs(t.T(), err, fserrors.ErrInvalidData)
}

////////////////////////////////////////////////////////////////////////
// Durability plumbing
////////////////////////////////////////////////////////////////////////

func (t *FsTest) TestStatFSTracksUsage() {
	id := t.create(inode.RootID, "f")
	t.write(id, 0, []byte("12345"))
	require.NoError(t.T(), t.core.Fsync(t.ctx, id))

	u, err := t.core.StatFS(t.ctx)
	require.NoError(t.T(), err)
	assert.Equal(t.T(), uint64(5), u.UsedBytes)

	// Root plus the file.
	assert.Equal(t.T(), uint64(2), u.InodeCount)
}

func (t *FsTest) TestFlushDemotesEverything() {
	var ids []inode.ID
	for i := 0; i < 5; i++ {
		id := t.create(inode.RootID, fmt.Sprintf("f%d", i))
		t.write(id, 0, []byte("pending"))
		ids = append(ids, id)
	}

	require.NoError(t.T(), t.core.Flush(t.ctx, true))
	t.restart()

	for _, id := range ids {
		assert.Equal(t.T(), []byte("pending"), t.read(id, 0, 7))
	}
}
