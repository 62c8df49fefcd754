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

// Package dirent stores directory entries.
//
// Each entry is two companion records written in the same batch: a lookup
// record at DIR_ENTRY(parent, name) and a scan record at
// DIR_SCAN(parent, cookie). The per-directory cookie counter at
// DIR_COOKIE(parent) hands out a fresh monotonic cookie per insertion;
// cookies are never reused within a directory and are not dense, so
// enumeration must range-scan rather than probe sequential cookie values.
package dirent

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/gob"
	"errors"
	"fmt"

	"github.com/stackblaze/zerofs/internal/fserrors"
	"github.com/stackblaze/zerofs/internal/fskey"
	"github.com/stackblaze/zerofs/internal/inode"
	"github.com/stackblaze/zerofs/internal/kv"
	"github.com/stackblaze/zerofs/internal/logger"
)

// The first cookie ever allocated in a directory. Cookie zero is the
// "start of directory" continuation token and never names an entry.
const firstCookie = 1

// An Entry is one directory entry as seen by enumeration and lookup.
type Entry struct {
	Name   []byte
	Child  inode.ID
	Kind   inode.Kind
	Cookie uint64
}

// The value stored at DIR_ENTRY(parent, name). Carries the cookie so the
// companion scan record can be located for removal.
type lookupRecord struct {
	Child  inode.ID
	Kind   inode.Kind
	Cookie uint64
}

// The value stored at DIR_SCAN(parent, cookie).
type scanRecord struct {
	Name  []byte
	Child inode.ID
	Kind  inode.Kind
}

// Store reads and writes directory entries. Mutations compose into the
// calling operation's batch; the caller must hold the parent's inode lock
// exclusively around the read-modify-write of the cookie counter.
type Store struct {
	db kv.Store
}

func NewStore(db kv.Store) *Store {
	return &Store{db: db}
}

// Lookup resolves name within parent, or returns fserrors.ErrNotFound.
func (s *Store) Lookup(
	ctx context.Context,
	parent inode.ID,
	name []byte) (Entry, error) {
	if err := checkName(name); err != nil {
		return Entry{}, err
	}

	value, err := s.db.Get(ctx, fskey.DirEntry(uint64(parent), name))
	if errors.Is(err, kv.ErrNotFound) {
		return Entry{}, fmt.Errorf("entry %q: %w", name, fserrors.ErrNotFound)
	}
	if err != nil {
		return Entry{}, fmt.Errorf("reading entry %q: %w", name, err)
	}

	var rec lookupRecord
	if err := decodeValue(value, &rec); err != nil {
		return Entry{}, err
	}
	if !rec.Child.Valid() {
		return Entry{}, fmt.Errorf("%w: entry %q points at inode %d", fserrors.ErrInvalidData, name, rec.Child)
	}

	return Entry{Name: name, Child: rec.Child, Kind: rec.Kind, Cookie: rec.Cookie}, nil
}

// Insert composes a new entry into the caller's batch: the lookup record,
// the scan record, and the bumped cookie counter. Returns the cookie
// assigned to the entry. Does not check for collisions; the caller looks up
// first under the parent lock.
//
// EXCLUSIVE_LOCKS_REQUIRED(parent's inode lock)
func (s *Store) Insert(
	ctx context.Context,
	parent inode.ID,
	name []byte,
	child inode.ID,
	kind inode.Kind,
	b *kv.Batch) (cookie uint64, err error) {
	cookie, err = s.ReserveCookies(ctx, parent, 1, b)
	if err != nil {
		return 0, err
	}

	if err := s.InsertAt(parent, name, child, kind, cookie, b); err != nil {
		return 0, err
	}

	return cookie, nil
}

// ReserveCookies allocates n consecutive cookies for parent, composing the
// counter bump into b. The counter read does not see bumps already pending
// in b, so reserve once per batch per directory.
//
// EXCLUSIVE_LOCKS_REQUIRED(parent's inode lock)
func (s *Store) ReserveCookies(
	ctx context.Context,
	parent inode.ID,
	n uint64,
	b *kv.Batch) (first uint64, err error) {
	first, err = s.nextCookie(ctx, parent)
	if err != nil {
		return 0, err
	}

	var counter [8]byte
	binary.BigEndian.PutUint64(counter[:], first+n)
	b.Put(fskey.DirCookie(uint64(parent)), counter[:])

	return first, nil
}

// InsertAt composes the two entry records into b using a cookie previously
// obtained from ReserveCookies.
//
// EXCLUSIVE_LOCKS_REQUIRED(parent's inode lock)
func (s *Store) InsertAt(
	parent inode.ID,
	name []byte,
	child inode.ID,
	kind inode.Kind,
	cookie uint64,
	b *kv.Batch) error {
	if err := checkName(name); err != nil {
		return err
	}

	lv, err := encodeValue(lookupRecord{Child: child, Kind: kind, Cookie: cookie})
	if err != nil {
		return err
	}

	sv, err := encodeValue(scanRecord{Name: name, Child: child, Kind: kind})
	if err != nil {
		return err
	}

	b.Put(fskey.DirEntry(uint64(parent), name), lv)
	b.Put(fskey.DirScan(uint64(parent), cookie), sv)

	return nil
}

// Remove composes the deletion of both records of an entry into the
// caller's batch, returning the removed entry.
//
// EXCLUSIVE_LOCKS_REQUIRED(parent's inode lock)
func (s *Store) Remove(
	ctx context.Context,
	parent inode.ID,
	name []byte,
	b *kv.Batch) (Entry, error) {
	e, err := s.Lookup(ctx, parent, name)
	if err != nil {
		return Entry{}, err
	}

	b.Delete(fskey.DirEntry(uint64(parent), name))
	b.Delete(fskey.DirScan(uint64(parent), e.Cookie))

	return e, nil
}

// Scan enumerates entries of parent with cookie >= startCookie, yielding at
// most max entries in cookie order. nextCookie may be passed back verbatim
// to resume; eof is set when the directory is exhausted.
//
// Records that fail to decode, carry an out-of-band child id, or an illegal
// name are corruption: they are logged and skipped.
func (s *Store) Scan(
	ctx context.Context,
	parent inode.ID,
	startCookie uint64,
	max int) (entries []Entry, nextCookie uint64, eof bool, err error) {
	if max <= 0 {
		return nil, startCookie, false, nil
	}

	r := fskey.DirScanRange(uint64(parent), startCookie)
	it, err := s.db.Scan(ctx, kv.Range{Start: r.Start, Limit: r.Limit})
	if err != nil {
		return nil, 0, false, fmt.Errorf("scanning directory %d: %w", parent, err)
	}
	defer it.Close()

	eof = true
	nextCookie = startCookie
	for it.Next() {
		_, cookie, err := fskey.DecodeDirScan(it.Key())
		if err != nil {
			logger.Warnf("Skipping undecodable scan key %x: %v", it.Key(), err)
			continue
		}

		var rec scanRecord
		if err := decodeValue(it.Value(), &rec); err != nil {
			logger.Warnf("Skipping corrupt scan record (%d, %d): %v", parent, cookie, err)
			continue
		}
		if !rec.Child.Valid() || checkName(rec.Name) != nil {
			logger.Warnf(
				"Skipping corrupt scan record (%d, %d): child %d, name %d bytes",
				parent, cookie, rec.Child, len(rec.Name))
			continue
		}

		entries = append(entries, Entry{
			Name:   rec.Name,
			Child:  rec.Child,
			Kind:   rec.Kind,
			Cookie: cookie,
		})
		nextCookie = cookie + 1

		if len(entries) == max {
			eof = false
			break
		}
	}
	if err := it.Err(); err != nil {
		return nil, 0, false, fmt.Errorf("scanning directory %d: %w", parent, err)
	}

	return entries, nextCookie, eof, nil
}

// HasEntries reports whether parent contains at least one entry.
func (s *Store) HasEntries(ctx context.Context, parent inode.ID) (bool, error) {
	entries, _, _, err := s.Scan(ctx, parent, 0, 1)
	if err != nil {
		return false, err
	}

	return len(entries) > 0, nil
}

////////////////////////////////////////////////////////////////////////
// Helpers
////////////////////////////////////////////////////////////////////////

// Read the next cookie to allocate for parent.
func (s *Store) nextCookie(ctx context.Context, parent inode.ID) (uint64, error) {
	value, err := s.db.Get(ctx, fskey.DirCookie(uint64(parent)))
	if errors.Is(err, kv.ErrNotFound) {
		return firstCookie, nil
	}
	if err != nil {
		return 0, fmt.Errorf("reading cookie counter of %d: %w", parent, err)
	}

	if len(value) != 8 {
		return 0, fmt.Errorf("%w: cookie counter of %d has %d bytes", fserrors.ErrInvalidData, parent, len(value))
	}

	return binary.BigEndian.Uint64(value), nil
}

func checkName(name []byte) error {
	if len(name) == 0 {
		return fmt.Errorf("%w: empty name", fserrors.ErrInvalidArg)
	}
	if len(name) > fskey.MaxNameLen {
		return fmt.Errorf("%w: name of %d bytes", fserrors.ErrInvalidArg, len(name))
	}
	if bytes.IndexByte(name, '/') >= 0 || bytes.IndexByte(name, 0) >= 0 {
		return fmt.Errorf("%w: name contains illegal byte", fserrors.ErrInvalidArg)
	}

	return nil
}

func encodeValue(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, fmt.Errorf("encoding directory record: %w", err)
	}

	return buf.Bytes(), nil
}

func decodeValue(value []byte, v interface{}) error {
	if err := gob.NewDecoder(bytes.NewReader(value)).Decode(v); err != nil {
		return fmt.Errorf("%w: directory record: %v", fserrors.ErrInvalidData, err)
	}

	return nil
}
