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

	"github.com/stackblaze/zerofs/internal/dataset"
	"github.com/stackblaze/zerofs/internal/fskey"
	"github.com/stackblaze/zerofs/internal/kv"
)

// The in-process admin surface consumed by the RPC/HTTP adapters. Dataset
// mutations that restructure directory trees (snapshot, clone) take the
// rename barrier exclusively, excluding concurrent cross-directory renames
// of the source tree.

// DatasetCreate makes a new empty dataset.
func (c *Core) DatasetCreate(ctx context.Context, name string) (ds dataset.Dataset, err error) {
	defer c.record("dataset-create", &err)

	return c.datasets.Create(ctx, name)
}

// DatasetList returns all datasets.
func (c *Core) DatasetList(ctx context.Context) (out []dataset.Dataset, err error) {
	defer c.record("dataset-list", &err)

	return c.datasets.List(ctx)
}

// DatasetInfo resolves a dataset by name.
func (c *Core) DatasetInfo(ctx context.Context, name string) (ds dataset.Dataset, err error) {
	defer c.record("dataset-info", &err)

	return c.datasets.ByName(ctx, name)
}

// DatasetDelete removes a dataset and releases its tree.
func (c *Core) DatasetDelete(ctx context.Context, id uint64) (err error) {
	defer c.record("dataset-delete", &err)

	c.renameBarrier.Lock()
	defer c.renameBarrier.Unlock()

	return c.datasets.Delete(ctx, id)
}

// DatasetSetDefault repoints the default dataset.
func (c *Core) DatasetSetDefault(ctx context.Context, id uint64) (err error) {
	defer c.record("dataset-set-default", &err)

	return c.datasets.SetDefault(ctx, id)
}

// Snapshot creates a read-only snapshot of the source dataset. Pending
// writeback bodies are demoted first so the snapshot sees every absorbed
// write.
func (c *Core) Snapshot(ctx context.Context, sourceID uint64, name string) (ds dataset.Dataset, err error) {
	defer c.record("snapshot", &err)

	if err := c.cache.FlushAll(ctx, c.db, false); err != nil {
		return dataset.Dataset{}, err
	}

	c.renameBarrier.Lock()
	defer c.renameBarrier.Unlock()

	return c.datasets.Snapshot(ctx, sourceID, name)
}

// Clone creates a writable deep copy of the source dataset.
func (c *Core) Clone(ctx context.Context, sourceID uint64, name string) (ds dataset.Dataset, err error) {
	defer c.record("clone", &err)

	if err := c.cache.FlushAll(ctx, c.db, false); err != nil {
		return dataset.Dataset{}, err
	}

	c.renameBarrier.Lock()
	defer c.renameBarrier.Unlock()

	return c.datasets.Clone(ctx, sourceID, name)
}

// DrainTombstones runs one synchronous drain pass, returning the number of
// tombstones retired. The background collector does this continuously; the
// admin surface exposes it for tooling that wants to observe completion.
func (c *Core) DrainTombstones(ctx context.Context) (drained int, err error) {
	defer c.record("drain-tombstones", &err)

	return c.tombs.DrainOnce(ctx)
}

// Debug returns up to max raw pairs of the key range [start, limit). For
// tooling only; values are returned as stored below the encryption layer's
// plaintext view.
func (c *Core) Debug(
	ctx context.Context,
	start []byte,
	limit []byte,
	max int) (pairs []kv.Pair, err error) {
	defer c.record("debug", &err)

	r := fskey.DebugRange(start, limit)
	it, err := c.db.Scan(ctx, kv.Range{Start: r.Start, Limit: r.Limit})
	if err != nil {
		return nil, err
	}
	defer it.Close()

	for it.Next() && len(pairs) < max {
		pairs = append(pairs, kv.Pair{
			Key:   append([]byte(nil), it.Key()...),
			Value: append([]byte(nil), it.Value()...),
		})
	}

	return pairs, it.Err()
}
