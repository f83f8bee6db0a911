// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package assetcache

import (
	"container/list"
	"reflect"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bureau-foundation/snapack/lib/clock"
	"github.com/bureau-foundation/snapack/lib/uid"
)

// Policy selects the eviction ordering.
type Policy int

const (
	// PolicyLRU evicts least-recently-used entries first.
	PolicyLRU Policy = iota

	// PolicyLFU evicts least-frequently-used entries first.
	PolicyLFU

	// PolicySize evicts the largest entries first.
	PolicySize
)

// Config configures a Cache.
type Config struct {
	// MaxMemoryBytes bounds the total estimated size of cached
	// assets.
	MaxMemoryBytes uint64

	// EvictionThresholdBytes is the usage level at which insertion
	// triggers eviction. Defaults to 90% of MaxMemoryBytes.
	EvictionThresholdBytes uint64

	// EvictionPolicy selects the eviction ordering. Default LRU.
	EvictionPolicy Policy

	// EvictOnlyUnreferenced, when true, makes eviction skip entries
	// with live handles. Entries without handles are always fair
	// game once past the age gate.
	EvictOnlyUnreferenced bool

	// MinAgeBeforeEviction is the minimum time since last access
	// before an entry may be evicted. Defaults to 5 seconds.
	MinAgeBeforeEviction time.Duration

	// Clock supplies time. Defaults to clock.Real().
	Clock clock.Clock
}

// key identifies a cache entry: the same asset may be cached once per
// runtime type (e.g. a texture and its thumbnail proxy).
type key struct {
	id  uid.AssetID
	typ reflect.Type
}

// entry is a cached, type-erased runtime object.
type entry struct {
	id  uid.AssetID
	typ reflect.Type

	asset   any
	dispose func(any)

	refCount    atomic.Int32
	accessCount atomic.Int64
	sizeBytes   uint64

	mu         sync.Mutex
	lastAccess time.Time

	element *list.Element
}

func (e *entry) touch(now time.Time) {
	e.mu.Lock()
	e.lastAccess = now
	e.mu.Unlock()
	e.accessCount.Add(1)
}

func (e *entry) lastAccessTime() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastAccess
}

// Cache is a type-erased, size-bounded asset cache with
// reference-counted handles. Entries are owned by the cache; handles
// pin them resident but dropping the last handle does not free — the
// entry stays cached until eviction or removal.
//
// Cache is safe for concurrent use. After a Handle is constructed,
// the only entry field it touches is the atomic refcount.
type Cache struct {
	config Config
	clock  clock.Clock

	mu      sync.RWMutex
	entries map[key]*entry
	lru     *list.List // front = most recent

	memoryUsage atomic.Uint64
}

// New creates a cache with the given configuration.
func New(config Config) *Cache {
	if config.EvictionThresholdBytes == 0 {
		config.EvictionThresholdBytes = config.MaxMemoryBytes / 10 * 9
	}
	if config.MinAgeBeforeEviction == 0 {
		config.MinAgeBeforeEviction = 5 * time.Second
	}
	clk := config.Clock
	if clk == nil {
		clk = clock.Real()
	}
	return &Cache{
		config:  config,
		clock:   clk,
		entries: make(map[key]*entry),
		lru:     list.New(),
	}
}

// Insert adds an asset to the cache, taking ownership: when the entry
// is eventually destroyed, dispose (if non-nil) is called with the
// asset. sizeBytes is the caller's size estimate used for memory
// accounting. An existing entry under the same (id, type) is
// replaced.
func Insert[T any](c *Cache, id uid.AssetID, asset *T, sizeBytes uint64, dispose func(*T)) Handle[T] {
	var erased func(any)
	if dispose != nil {
		erased = func(v any) { dispose(v.(*T)) }
	}
	e := c.insert(id, reflect.TypeFor[*T](), asset, sizeBytes, erased)
	return newHandle[T](c, e)
}

// Get returns a handle to a cached asset, or an empty handle on miss.
// A hit refreshes the entry's access time and LRU position.
func Get[T any](c *Cache, id uid.AssetID) Handle[T] {
	e := c.lookup(id, reflect.TypeFor[*T]())
	if e == nil {
		return Handle[T]{}
	}
	return newHandle[T](c, e)
}

// Contains reports whether an entry exists for (id, T).
func Contains[T any](c *Cache, id uid.AssetID) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.entries[key{id, reflect.TypeFor[*T]()}]
	return ok
}

// Remove removes the entry for (id, T) if it has no live handles.
// Returns false if the entry is absent or still referenced.
func Remove[T any](c *Cache, id uid.AssetID) bool {
	return c.remove(id, reflect.TypeFor[*T](), false)
}

// ForceRemove removes the entry for (id, T) even if handles are live.
// Dangerous: outstanding handles keep the asset alive (their reads
// stay safe), but the cache stops accounting for it and a re-insert
// can create a second copy. For hot-reload invalidation where the
// client knows the handles are stale.
func ForceRemove[T any](c *Cache, id uid.AssetID) {
	c.remove(id, reflect.TypeFor[*T](), true)
}

func (c *Cache) insert(id uid.AssetID, typ reflect.Type, asset any, sizeBytes uint64, dispose func(any)) *entry {
	// Evict before taking the write lock if this insertion would
	// cross the threshold.
	if c.memoryUsage.Load()+sizeBytes > c.config.EvictionThresholdBytes {
		c.Evict()
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	k := key{id, typ}
	if old, ok := c.entries[k]; ok {
		c.destroyLocked(k, old)
	}

	e := &entry{
		id:         id,
		typ:        typ,
		asset:      asset,
		dispose:    dispose,
		sizeBytes:  sizeBytes,
		lastAccess: c.clock.Now(),
	}
	e.accessCount.Store(1)
	c.entries[k] = e
	e.element = c.lru.PushFront(e)
	c.memoryUsage.Add(sizeBytes)
	return e
}

func (c *Cache) lookup(id uid.AssetID, typ reflect.Type) *entry {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key{id, typ}]
	if !ok {
		return nil
	}
	e.touch(c.clock.Now())
	c.lru.MoveToFront(e.element)
	return e
}

func (c *Cache) remove(id uid.AssetID, typ reflect.Type, force bool) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	k := key{id, typ}
	e, ok := c.entries[k]
	if !ok {
		return false
	}
	if !force && e.refCount.Load() > 0 {
		return false
	}
	c.destroyLocked(k, e)
	return true
}

// destroyLocked unlinks and disposes an entry. Caller holds c.mu.
func (c *Cache) destroyLocked(k key, e *entry) {
	c.memoryUsage.Add(^(e.sizeBytes - 1)) // atomic subtract
	c.lru.Remove(e.element)
	delete(c.entries, k)
	if e.dispose != nil {
		e.dispose(e.asset)
	}
}

// ClearUnreferenced removes every entry with no live handles,
// regardless of age. Returns the number removed.
func (c *Cache) ClearUnreferenced() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	var removed int
	for k, e := range c.entries {
		if e.refCount.Load() == 0 {
			c.destroyLocked(k, e)
			removed++
		}
	}
	return removed
}

// ClearAll removes every entry. Live handles keep their assets alive;
// see ForceRemove.
func (c *Cache) ClearAll() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for k, e := range c.entries {
		c.destroyLocked(k, e)
	}
}

// Evict frees entries until memory usage drops to 70% of
// MaxMemoryBytes, walking from the eviction policy's worst candidate
// toward the best. Entries that are referenced (under the
// evict-only-unreferenced policy) are skipped without disturbing
// their position. Under LRU, hitting an entry younger than the age
// gate stops the walk: everything nearer the front is younger still.
//
// A no-op while usage is below the eviction threshold. Returns the
// number of entries evicted.
func (c *Cache) Evict() int {
	if c.memoryUsage.Load() < c.config.EvictionThresholdBytes {
		return 0
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	targetUsage := c.config.MaxMemoryBytes / 10 * 7
	now := c.clock.Now()

	switch c.config.EvictionPolicy {
	case PolicyLFU, PolicySize:
		return c.evictByRank(targetUsage, now)
	default:
		return c.evictLRU(targetUsage, now)
	}
}

func (c *Cache) evictLRU(targetUsage uint64, now time.Time) int {
	var evicted int
	element := c.lru.Back()
	for c.memoryUsage.Load() > targetUsage && element != nil {
		e := element.Value.(*entry)
		previous := element.Prev()

		if c.config.EvictOnlyUnreferenced && e.refCount.Load() > 0 {
			element = previous
			continue
		}
		if now.Sub(e.lastAccessTime()) < c.config.MinAgeBeforeEviction {
			// Everything toward the front was accessed later; stop.
			break
		}

		c.destroyLocked(key{e.id, e.typ}, e)
		evicted++
		element = previous
	}
	return evicted
}

// evictByRank handles the LFU and Size policies: candidates are
// sorted by rank and evicted worst-first, with the same reference and
// age gates as LRU (but no early stop, since rank order is not age
// order).
func (c *Cache) evictByRank(targetUsage uint64, now time.Time) int {
	candidates := make([]*entry, 0, len(c.entries))
	for _, e := range c.entries {
		candidates = append(candidates, e)
	}

	worse := func(a, b *entry) bool {
		if c.config.EvictionPolicy == PolicySize {
			return a.sizeBytes > b.sizeBytes
		}
		return a.accessCount.Load() < b.accessCount.Load()
	}
	// Insertion sort keeps this simple; caches rarely hold enough
	// entries during eviction for the quadratic worst case to bite.
	for i := 1; i < len(candidates); i++ {
		for j := i; j > 0 && worse(candidates[j], candidates[j-1]); j-- {
			candidates[j], candidates[j-1] = candidates[j-1], candidates[j]
		}
	}

	var evicted int
	for _, e := range candidates {
		if c.memoryUsage.Load() <= targetUsage {
			break
		}
		if c.config.EvictOnlyUnreferenced && e.refCount.Load() > 0 {
			continue
		}
		if now.Sub(e.lastAccessTime()) < c.config.MinAgeBeforeEviction {
			continue
		}
		c.destroyLocked(key{e.id, e.typ}, e)
		evicted++
	}
	return evicted
}

// Len returns the number of cached entries.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// MemoryUsage returns the total estimated size of cached assets.
func (c *Cache) MemoryUsage() uint64 {
	return c.memoryUsage.Load()
}

// ReferencedCount returns the number of entries with live handles.
func (c *Cache) ReferencedCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var count int
	for _, e := range c.entries {
		if e.refCount.Load() > 0 {
			count++
		}
	}
	return count
}
