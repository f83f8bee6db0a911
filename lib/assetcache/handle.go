// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package assetcache

import "github.com/bureau-foundation/snapack/lib/uid"

// Handle is a reference-counted view of a cached asset. While any
// handle is live, the entry will not be removed by Remove,
// ClearUnreferenced, or (under the evict-only-unreferenced policy)
// eviction. Dropping the last handle does not free the asset —
// whether and when to evict is the cache's decision.
//
// The zero Handle is empty. Handles are not safe for concurrent use;
// Clone one per goroutine instead.
type Handle[T any] struct {
	cache *Cache
	entry *entry
}

func newHandle[T any](c *Cache, e *entry) Handle[T] {
	e.refCount.Add(1)
	return Handle[T]{cache: c, entry: e}
}

// IsValid reports whether the handle refers to an asset.
func (h *Handle[T]) IsValid() bool {
	return h.entry != nil
}

// Get returns the cached asset, or nil for an empty handle.
func (h *Handle[T]) Get() *T {
	if h.entry == nil {
		return nil
	}
	return h.entry.asset.(*T)
}

// ID returns the asset ID, or the zero ID for an empty handle.
func (h *Handle[T]) ID() (id uid.AssetID) {
	if h.entry != nil {
		id = h.entry.id
	}
	return id
}

// Clone returns an additional handle to the same entry.
func (h *Handle[T]) Clone() Handle[T] {
	if h.entry == nil {
		return Handle[T]{}
	}
	return newHandle[T](h.cache, h.entry)
}

// Release drops this handle's reference. The handle becomes empty;
// releasing an empty handle is a no-op. Callers typically defer the
// release:
//
//	handle := assetcache.Get[Texture](cache, id)
//	if handle.IsValid() {
//	    defer handle.Release()
//	    use(handle.Get())
//	}
func (h *Handle[T]) Release() {
	if h.entry == nil {
		return
	}
	h.entry.refCount.Add(-1)
	h.entry = nil
	h.cache = nil
}
