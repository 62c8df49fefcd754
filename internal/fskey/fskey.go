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

// Package fskey maps (kind, identifiers) tuples to the byte keys of the
// on-store layout, and back. All numeric components are big-endian so that
// lexicographic key order equals numeric order; range scans over
// directories, chunks and tombstones depend on this.
//
// Every enumerator must obtain its bounds from the range constructors in
// this package. Ad-hoc key arithmetic elsewhere is a bug.
package fskey

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// One-byte key-space prefixes. Keys sort first by kind, then by their
// natural component order.
const (
	PrefixInode           = 0x01
	PrefixDirEntry        = 0x02
	PrefixDirScan         = 0x03
	PrefixDirCookie       = 0x04
	PrefixStats           = 0x05
	PrefixSystem          = 0x06
	PrefixTombstone       = 0x07
	PrefixDataset         = 0x08
	PrefixDatasetRegistry = 0x09
	PrefixChunk           = 0xFE
)

// Small tags under PrefixStats.
const (
	StatsUsedBytes  = 0x01
	StatsInodeCount = 0x02
)

// Small tags under PrefixSystem.
const (
	SystemFormatVersion = 0x01
	SystemNextInode     = 0x02
)

// MaxNameLen bounds directory entry names, in bytes.
const MaxNameLen = 255

////////////////////////////////////////////////////////////////////////
// Constructors
////////////////////////////////////////////////////////////////////////

func Inode(id uint64) []byte {
	return appendU64([]byte{PrefixInode}, id)
}

func DirEntry(parent uint64, name []byte) []byte {
	k := appendU64(make([]byte, 1, 9+len(name)), parent)
	k[0] = PrefixDirEntry
	return append(k, name...)
}

func DirScan(parent uint64, cookie uint64) []byte {
	k := appendU64([]byte{PrefixDirScan}, parent)
	return appendU64(k, cookie)
}

func DirCookie(parent uint64) []byte {
	return appendU64([]byte{PrefixDirCookie}, parent)
}

func Stats(tag byte) []byte {
	return []byte{PrefixStats, tag}
}

func System(tag byte) []byte {
	return []byte{PrefixSystem, tag}
}

func Tombstone(seq uint64) []byte {
	return appendU64([]byte{PrefixTombstone}, seq)
}

func Dataset(id uint64) []byte {
	return appendU64([]byte{PrefixDataset}, id)
}

func DatasetRegistry() []byte {
	return []byte{PrefixDatasetRegistry}
}

func Chunk(ino uint64, index uint64) []byte {
	k := appendU64([]byte{PrefixChunk}, ino)
	return appendU64(k, index)
}

////////////////////////////////////////////////////////////////////////
// Range constructors
////////////////////////////////////////////////////////////////////////

// A Range is the half-open byte interval [Start, Limit) covering every key
// of one shape for one owner.
type Range struct {
	Start []byte
	Limit []byte
}

// DirEntryRange covers every DIR_ENTRY key of the given parent.
func DirEntryRange(parent uint64) Range {
	return Range{
		Start: DirEntry(parent, nil),
		Limit: upperBound(DirEntry(parent, nil)),
	}
}

// DirScanRange covers the DIR_SCAN keys of the given parent with cookie >=
// startCookie.
func DirScanRange(parent uint64, startCookie uint64) Range {
	return Range{
		Start: DirScan(parent, startCookie),
		Limit: upperBound(appendU64([]byte{PrefixDirScan}, parent)),
	}
}

// ChunkRange covers the chunk keys of ino with index in [first, last].
func ChunkRange(ino uint64, first uint64, last uint64) Range {
	return Range{
		Start: Chunk(ino, first),
		Limit: upperBound(Chunk(ino, last)),
	}
}

// ChunkRangeFrom covers every chunk key of ino with index >= first.
func ChunkRangeFrom(ino uint64, first uint64) Range {
	return Range{
		Start: Chunk(ino, first),
		Limit: upperBound(appendU64([]byte{PrefixChunk}, ino)),
	}
}

// TombstoneRange covers every tombstone key, in sequence order.
func TombstoneRange() Range {
	return Range{
		Start: []byte{PrefixTombstone},
		Limit: upperBound([]byte{PrefixTombstone}),
	}
}

// DatasetRange covers every dataset record.
func DatasetRange() Range {
	return Range{
		Start: []byte{PrefixDataset},
		Limit: upperBound([]byte{PrefixDataset}),
	}
}

// DebugRange covers the keys between start and limit verbatim; a nil limit
// scans to the end of the key space. For the administrative debug scan only.
func DebugRange(start []byte, limit []byte) Range {
	return Range{Start: start, Limit: limit}
}

////////////////////////////////////////////////////////////////////////
// Decoders
////////////////////////////////////////////////////////////////////////

// DecodeInode returns the inode id of an INODE key.
func DecodeInode(key []byte) (id uint64, err error) {
	if len(key) != 9 || key[0] != PrefixInode {
		return 0, fmt.Errorf("malformed inode key %x", key)
	}

	return binary.BigEndian.Uint64(key[1:]), nil
}

// DecodeDirEntry splits a DIR_ENTRY key into parent id and name.
func DecodeDirEntry(key []byte) (parent uint64, name []byte, err error) {
	if len(key) < 9 || key[0] != PrefixDirEntry {
		return 0, nil, fmt.Errorf("malformed dir entry key %x", key)
	}

	return binary.BigEndian.Uint64(key[1:9]), key[9:], nil
}

// DecodeDirScan splits a DIR_SCAN key into parent id and cookie.
func DecodeDirScan(key []byte) (parent uint64, cookie uint64, err error) {
	if len(key) != 17 || key[0] != PrefixDirScan {
		return 0, 0, fmt.Errorf("malformed dir scan key %x", key)
	}

	return binary.BigEndian.Uint64(key[1:9]), binary.BigEndian.Uint64(key[9:]), nil
}

// DecodeTombstone returns the sequence number of a TOMBSTONE key.
func DecodeTombstone(key []byte) (seq uint64, err error) {
	if len(key) != 9 || key[0] != PrefixTombstone {
		return 0, fmt.Errorf("malformed tombstone key %x", key)
	}

	return binary.BigEndian.Uint64(key[1:]), nil
}

// DecodeChunk splits a CHUNK key into inode id and chunk index.
func DecodeChunk(key []byte) (ino uint64, index uint64, err error) {
	if len(key) != 17 || key[0] != PrefixChunk {
		return 0, 0, fmt.Errorf("malformed chunk key %x", key)
	}

	return binary.BigEndian.Uint64(key[1:9]), binary.BigEndian.Uint64(key[9:]), nil
}

// DecodeDataset returns the dataset id of a DATASET key.
func DecodeDataset(key []byte) (id uint64, err error) {
	if len(key) != 9 || key[0] != PrefixDataset {
		return 0, fmt.Errorf("malformed dataset key %x", key)
	}

	return binary.BigEndian.Uint64(key[1:]), nil
}

////////////////////////////////////////////////////////////////////////
// Helpers
////////////////////////////////////////////////////////////////////////

func appendU64(b []byte, v uint64) []byte {
	return binary.BigEndian.AppendUint64(b, v)
}

// upperBound returns the smallest key strictly greater than every key having
// the given prefix: the prefix with its last non-0xFF byte incremented. An
// all-0xFF prefix has no upper bound; that cannot happen for the shapes
// built here (every prefix starts with a kind byte below 0xFF).
func upperBound(prefix []byte) []byte {
	limit := bytes.Clone(prefix)
	for i := len(limit) - 1; i >= 0; i-- {
		if limit[i] != 0xFF {
			limit[i]++
			return limit[:i+1]
		}
	}

	panic(fmt.Sprintf("no upper bound for prefix %x", prefix))
}
