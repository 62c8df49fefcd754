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

package kv

import (
	"context"
	"sort"
	"sync"
)

// MemStore is an in-memory ordered store implementing Store. It is the
// engine used by tests and by local single-process runs; everything is
// already "durable" the moment it is applied, so Flush is a no-op.
type MemStore struct {
	mu sync.RWMutex

	// Sorted list of live keys.
	//
	// INVARIANT: keys is sorted lexicographically and contains no duplicates
	// INVARIANT: len(keys) == len(values)
	//
	// GUARDED_BY(mu)
	keys []string

	// GUARDED_BY(mu)
	values map[string][]byte
}

func NewMemStore() *MemStore {
	return &MemStore{
		values: make(map[string][]byte),
	}
}

func (s *MemStore) Get(ctx context.Context, key []byte) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	v, ok := s.values[string(key)]
	if !ok {
		return nil, ErrNotFound
	}

	out := make([]byte, len(v))
	copy(out, v)
	return out, nil
}

func (s *MemStore) Put(ctx context.Context, key []byte, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.putLocked(key, value)
	return nil
}

func (s *MemStore) Delete(ctx context.Context, key []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.deleteLocked(key)
	return nil
}

func (s *MemStore) Scan(ctx context.Context, r Range) (Iterator, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return &sliceIterator{pairs: s.collectLocked(r)}, nil
}

// Apply commits the batch under a single critical section, so a concurrent
// reader observes either all of its effects or none.
func (s *MemStore) Apply(ctx context.Context, b *Batch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, op := range b.Ops() {
		if op.Delete {
			s.deleteLocked(op.Key)
		} else {
			s.putLocked(op.Key, op.Value)
		}
	}

	return nil
}

func (s *MemStore) Flush(ctx context.Context, awaitDurable bool) error {
	return nil
}

// Checkpoint copies the current state. O(live keys), which is acceptable for
// the in-memory engine; a real LSM offers this for free.
func (s *MemStore) Checkpoint(ctx context.Context) (View, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	keys := make([]string, len(s.keys))
	copy(keys, s.keys)
	values := make(map[string][]byte, len(s.values))
	for k, v := range s.values {
		values[k] = v
	}

	return &memView{keys: keys, values: values}, nil
}

// Len returns the number of live keys. For tests.
func (s *MemStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return len(s.keys)
}

////////////////////////////////////////////////////////////////////////
// Helpers
////////////////////////////////////////////////////////////////////////

// LOCKS_REQUIRED(s.mu)
func (s *MemStore) putLocked(key []byte, value []byte) {
	k := string(key)
	if _, ok := s.values[k]; !ok {
		i := sort.SearchStrings(s.keys, k)
		s.keys = append(s.keys, "")
		copy(s.keys[i+1:], s.keys[i:])
		s.keys[i] = k
	}

	v := make([]byte, len(value))
	copy(v, value)
	s.values[k] = v
}

// LOCKS_REQUIRED(s.mu)
func (s *MemStore) deleteLocked(key []byte) {
	k := string(key)
	if _, ok := s.values[k]; !ok {
		return
	}

	delete(s.values, k)
	i := sort.SearchStrings(s.keys, k)
	s.keys = append(s.keys[:i], s.keys[i+1:]...)
}

// Copy out the pairs covered by r.
//
// SHARED_LOCKS_REQUIRED(s.mu)
func (s *MemStore) collectLocked(r Range) []Pair {
	i := sort.SearchStrings(s.keys, string(r.Start))

	var pairs []Pair
	for ; i < len(s.keys); i++ {
		k := s.keys[i]
		if r.Limit != nil && k >= string(r.Limit) {
			break
		}

		v := s.values[k]
		value := make([]byte, len(v))
		copy(value, v)
		pairs = append(pairs, Pair{Key: []byte(k), Value: value})
	}

	return pairs
}

////////////////////////////////////////////////////////////////////////
// Iterator and view
////////////////////////////////////////////////////////////////////////

// An iterator over a materialized list of pairs.
type sliceIterator struct {
	pairs []Pair
	pos   int
}

func (it *sliceIterator) Next() bool {
	if it.pos >= len(it.pairs) {
		return false
	}

	it.pos++
	return true
}

func (it *sliceIterator) Key() []byte   { return it.pairs[it.pos-1].Key }
func (it *sliceIterator) Value() []byte { return it.pairs[it.pos-1].Value }
func (it *sliceIterator) Err() error    { return nil }
func (it *sliceIterator) Close() error  { return nil }

type memView struct {
	keys   []string
	values map[string][]byte
}

func (v *memView) Get(ctx context.Context, key []byte) ([]byte, error) {
	val, ok := v.values[string(key)]
	if !ok {
		return nil, ErrNotFound
	}

	out := make([]byte, len(val))
	copy(out, val)
	return out, nil
}

func (v *memView) Scan(ctx context.Context, r Range) (Iterator, error) {
	i := sort.SearchStrings(v.keys, string(r.Start))

	var pairs []Pair
	for ; i < len(v.keys); i++ {
		k := v.keys[i]
		if r.Limit != nil && k >= string(r.Limit) {
			break
		}
		pairs = append(pairs, Pair{Key: []byte(k), Value: v.values[k]})
	}

	return &sliceIterator{pairs: pairs}, nil
}

func (v *memView) Close() error { return nil }
