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

package inode

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

// Store persists inode records and allocates fresh inode ids.
type Store struct {
	db kv.Store

	// Serializes id allocation. Held only for the allocation itself.
	allocMu sync.Mutex

	// The next id to hand out, or zero if not yet loaded from the store.
	//
	// GUARDED_BY(allocMu)
	nextID ID
}

func NewStore(db kv.Store) *Store {
	return &Store{db: db}
}

// Get returns the record for id, or fserrors.ErrNotFound.
func (s *Store) Get(ctx context.Context, id ID) (*Record, error) {
	value, err := s.db.Get(ctx, fskey.Inode(uint64(id)))
	if errors.Is(err, kv.ErrNotFound) {
		return nil, fmt.Errorf("inode %d: %w", id, fserrors.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("reading inode %d: %w", id, err)
	}

	return Decode(value)
}

// Put writes the record in its own batch.
func (s *Store) Put(ctx context.Context, r *Record) error {
	var b kv.Batch
	if err := s.BatchPut(&b, r); err != nil {
		return err
	}

	return s.db.Apply(ctx, &b)
}

// Delete removes the record for id in its own batch.
func (s *Store) Delete(ctx context.Context, id ID) error {
	return s.db.Delete(ctx, fskey.Inode(uint64(id)))
}

// BatchPut composes the record write into the caller's batch.
func (s *Store) BatchPut(b *kv.Batch, r *Record) error {
	value, err := r.Encode()
	if err != nil {
		return err
	}

	b.Put(fskey.Inode(uint64(r.ID)), value)
	return nil
}

// BatchDelete composes the record delete into the caller's batch.
func (s *Store) BatchDelete(b *kv.Batch, id ID) {
	b.Delete(fskey.Inode(uint64(id)))
}

// Allocate returns a fresh id strictly greater than every id previously
// allocated, persisting the high-water mark before the id is handed out.
func (s *Store) Allocate(ctx context.Context) (ID, error) {
	s.allocMu.Lock()
	defer s.allocMu.Unlock()

	if s.nextID == 0 {
		next, err := s.loadNextID(ctx)
		if err != nil {
			return 0, err
		}
		s.nextID = next
	}

	id := s.nextID
	if !id.Valid() {
		return 0, fmt.Errorf("%w: inode id space exhausted", fserrors.ErrNoSpace)
	}

	var value [8]byte
	binary.BigEndian.PutUint64(value[:], uint64(id)+1)
	if err := s.db.Put(ctx, fskey.System(fskey.SystemNextInode), value[:]); err != nil {
		return 0, fmt.Errorf("persisting next inode id: %w", err)
	}

	s.nextID = id + 1
	return id, nil
}

// LOCKS_REQUIRED(s.allocMu)
func (s *Store) loadNextID(ctx context.Context) (ID, error) {
	value, err := s.db.Get(ctx, fskey.System(fskey.SystemNextInode))
	if errors.Is(err, kv.ErrNotFound) {
		return RootID + 1, nil
	}
	if err != nil {
		return 0, fmt.Errorf("reading next inode id: %w", err)
	}

	if len(value) != 8 {
		return 0, fmt.Errorf("%w: next-inode record has %d bytes", fserrors.ErrInvalidData, len(value))
	}

	return ID(binary.BigEndian.Uint64(value)), nil
}
