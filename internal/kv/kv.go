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

// Package kv defines the ordered key-value store interface consumed by the
// filesystem core, an in-memory implementation of it, and a wrapper that
// seals values with an AEAD before they reach the underlying engine.
//
// The core assumes nothing about the engine beyond lexicographic key order,
// atomic write batches and durable-flush-on-demand.
package kv

import (
	"context"
	"errors"
)

// Returned by Get when no value is stored under the given key.
var ErrNotFound = errors.New("kv: key not found")

// A Pair is a single key/value mapping.
type Pair struct {
	Key   []byte
	Value []byte
}

// A Range is a half-open key interval [Start, Limit). A nil Limit means
// "until the end of the key space".
type Range struct {
	Start []byte
	Limit []byte
}

// An Iterator yields the pairs of a range scan in ascending key order.
//
// Typical usage:
//
//	it, err := store.Scan(ctx, r)
//	...
//	defer it.Close()
//	for it.Next() {
//	    use(it.Key(), it.Value())
//	}
//	err = it.Err()
type Iterator interface {
	// Advance to the next pair, returning false when the range is exhausted
	// or an error occurred.
	Next() bool

	// The key of the current pair. Valid until the next call to Next.
	Key() []byte

	// The value of the current pair. Valid until the next call to Next.
	Value() []byte

	// The error that stopped iteration, if any.
	Err() error

	Close() error
}

// An Op is one mutation within a Batch.
type Op struct {
	Key    []byte
	Value  []byte
	Delete bool
}

// A Batch is an ordered sequence of puts and deletes applied atomically:
// after the batch is in the durable log, either all of its effects are
// visible or none are. Mutations apply in insertion order, so a later put
// of a key wins over an earlier delete of it and vice versa.
type Batch struct {
	ops []Op
}

func (b *Batch) Put(key []byte, value []byte) {
	b.ops = append(b.ops, Op{Key: key, Value: value})
}

func (b *Batch) Delete(key []byte) {
	b.ops = append(b.ops, Op{Key: key, Delete: true})
}

// Ops returns the accumulated mutations in insertion order.
func (b *Batch) Ops() []Op { return b.ops }

func (b *Batch) Empty() bool { return len(b.ops) == 0 }

// Len returns the total number of mutations in the batch.
func (b *Batch) Len() int { return len(b.ops) }

// A View is an opaque consistent read snapshot of the store, cheap to
// obtain. Not to be confused with dataset snapshots.
type View interface {
	Get(ctx context.Context, key []byte) ([]byte, error)
	Scan(ctx context.Context, r Range) (Iterator, error)
	Close() error
}

// Store is the engine interface consumed by the filesystem core.
type Store interface {
	// Get returns the value stored under key, or ErrNotFound.
	Get(ctx context.Context, key []byte) ([]byte, error)

	// Put stores value under key, replacing any existing value.
	Put(ctx context.Context, key []byte, value []byte) error

	// Delete removes the value stored under key. Deleting an absent key is
	// not an error.
	Delete(ctx context.Context, key []byte) error

	// Scan opens an iterator over the given range.
	Scan(ctx context.Context, r Range) (Iterator, error)

	// Apply commits the batch atomically.
	Apply(ctx context.Context, b *Batch) error

	// Flush pushes buffered writes toward durable storage. With awaitDurable
	// set it returns only once every write preceding the call is durable.
	Flush(ctx context.Context, awaitDurable bool) error

	// Checkpoint returns a consistent read view of the current state.
	Checkpoint(ctx context.Context) (View, error)
}
