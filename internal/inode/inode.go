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

// Package inode defines the persistent inode record and its store.
package inode

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"time"

	"github.com/stackblaze/zerofs/internal/fserrors"
)

// An ID names an inode. IDs are allocated monotonically and never reused.
type ID uint64

const (
	// The primary root directory, created at format time.
	RootID ID = 1

	// IDs at or above this value are reserved for virtual inodes synthesized
	// by adapters (e.g. a snapshots pseudo-directory) and are never handed
	// out by the allocator.
	FirstVirtualID ID = 1 << 60
)

// Valid reports whether id lies in the band legal for stored inodes.
func (id ID) Valid() bool {
	return id >= RootID && id < FirstVirtualID
}

// Kind discriminates the inode variants.
type Kind uint8

const (
	KindFile Kind = 1 + iota
	KindDirectory
	KindSymlink
	KindBlockDevice
	KindCharDevice
	KindFifo
	KindSocket
)

func (k Kind) String() string {
	switch k {
	case KindFile:
		return "file"
	case KindDirectory:
		return "directory"
	case KindSymlink:
		return "symlink"
	case KindBlockDevice:
		return "block-device"
	case KindCharDevice:
		return "char-device"
	case KindFifo:
		return "fifo"
	case KindSocket:
		return "socket"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// A Record is the durable state of one inode. Per-kind payload fields are
// meaningful only for the matching Kind; operations pattern-match on Kind
// and reject wrong-kind access.
type Record struct {
	ID   ID
	Kind Kind

	// POSIX mode bits (low 12 bits: permissions, setuid/setgid/sticky).
	Mode uint32

	Uid uint32
	Gid uint32

	Atime time.Time
	Mtime time.Time
	Ctime time.Time

	// Number of directory entries (and snapshot references) pointing at this
	// inode.
	Nlink uint32

	// The containing directory at creation / last rename. Bookkeeping only;
	// hard links make it approximate for files.
	Parent ID

	// File payload.
	//
	// INVARIANT: Inlined => no CHUNK key exists for this inode
	// INVARIANT: Inlined => Size == len(Inline)
	Size    uint64
	Inlined bool
	Inline  []byte

	// Directory payload.
	EntryCount uint64

	// Symlink payload.
	Target []byte

	// Device payload, encoded as (major << 32) | minor.
	Rdev uint64
}

func (r *Record) IsDir() bool     { return r.Kind == KindDirectory }
func (r *Record) IsFile() bool    { return r.Kind == KindFile }
func (r *Record) IsSymlink() bool { return r.Kind == KindSymlink }

// Clone returns a deep copy of the record.
func (r *Record) Clone() *Record {
	c := *r
	c.Inline = bytes.Clone(r.Inline)
	c.Target = bytes.Clone(r.Target)
	return &c
}

// Encode serializes the record for storage. Gob is self-describing, so
// fields added later decode as zero values against old data.
func (r *Record) Encode() ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(r); err != nil {
		return nil, fmt.Errorf("encoding inode %d: %w", r.ID, err)
	}

	return buf.Bytes(), nil
}

// Decode deserializes an inode record. A record that does not decode, or
// decodes to an id outside the legal band, is corruption.
func Decode(value []byte) (*Record, error) {
	var r Record
	if err := gob.NewDecoder(bytes.NewReader(value)).Decode(&r); err != nil {
		return nil, fmt.Errorf("%w: inode record: %v", fserrors.ErrInvalidData, err)
	}

	if !r.ID.Valid() {
		return nil, fmt.Errorf("%w: inode id %d out of band", fserrors.ErrInvalidData, r.ID)
	}

	return &r, nil
}
