// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package assetmanager

import (
	"fmt"
	"reflect"

	"github.com/bureau-foundation/snapack/lib/assetcache"
	"github.com/bureau-foundation/snapack/lib/asyncload"
	"github.com/bureau-foundation/snapack/lib/pack"
	"github.com/bureau-foundation/snapack/lib/payload"
	"github.com/bureau-foundation/snapack/lib/uid"
)

// Factory constructs a runtime object from an asset's cooked data.
// Clients register one factory per runtime type.
type Factory interface {
	// CookedPayloadType declares which cooked payload type this
	// factory consumes. The manager verifies it against the asset's
	// recorded type before invoking Load; a mismatch is an error,
	// not a factory call.
	CookedPayloadType() uid.TypeID

	// Load builds the runtime object. The returned value must be a
	// pointer of the runtime type the factory was registered under.
	Load(ctx *LoadContext) (any, error)
}

// LoadContext is everything a factory needs to construct a runtime
// object, decoupled from pack mechanics: the bulk accessors close
// over whichever reader (or in-memory cook result) backs the asset.
type LoadContext struct {
	Cooked payload.TypedPayload
	Info   pack.AssetInfo

	// LoadBulk loads and verifies one bulk chunk by index.
	LoadBulk func(index uint32) ([]byte, error)

	// BulkInfo describes one bulk chunk without loading it.
	BulkInfo func(index uint32) (pack.BulkChunkInfo, error)

	// Registry resolves payload serializers.
	Registry *payload.Registry

	// Params is the opaque caller-supplied value, if any. Factories
	// treat absent or mistyped params as "use defaults".
	Params any
}

// RegisterFactory registers the factory that builds *T runtime
// objects. Re-registering a type replaces the previous factory.
func RegisterFactory[T any](m *Manager, factory Factory) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.factories[reflect.TypeFor[*T]()] = factory
}

func (m *Manager) factoryFor(runtimeType reflect.Type) (Factory, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	factory, ok := m.factories[runtimeType]
	if !ok {
		return nil, fmt.Errorf("no factory registered for runtime type %s", runtimeType)
	}
	return factory, nil
}

// loadAny is the synchronous load path shared by every load flavor:
// resolve, verify factory/payload type agreement, fetch the cooked
// payload (reader validation happens here), build the context, and
// invoke the factory. No cache involvement.
func (m *Manager) loadAny(name string, id uid.AssetID, runtimeType reflect.Type, params any) (any, pack.AssetInfo, error) {
	var mounted *mountedPack
	var info pack.AssetInfo
	var ok bool

	if name != "" {
		mounted, info, ok = m.findPackForName(name)
		if !ok && m.runtime != nil && m.resolver != nil {
			// Source-asset fallback: cook the loose source file in
			// memory and load from the result.
			return m.loadFromSource(name, runtimeType, params)
		}
	} else {
		mounted, info, ok = m.findPackForID(id)
	}
	if !ok {
		if name != "" {
			return nil, pack.AssetInfo{}, fmt.Errorf("asset not found: %q", name)
		}
		return nil, pack.AssetInfo{}, fmt.Errorf("asset not found: %s", id)
	}

	factory, err := m.factoryFor(runtimeType)
	if err != nil {
		return nil, info, err
	}
	if factory.CookedPayloadType() != info.CookedPayloadType {
		return nil, info, fmt.Errorf("factory cooked type mismatch: asset %q has type %s but the factory expects %s",
			info.Name, info.CookedPayloadType, factory.CookedPayloadType())
	}

	cooked, err := mounted.reader.LoadCookedPayload(info.ID)
	if err != nil {
		return nil, info, err
	}

	reader := mounted.reader
	assetID := info.ID
	context := &LoadContext{
		Cooked: cooked,
		Info:   info,
		LoadBulk: func(index uint32) ([]byte, error) {
			return reader.LoadBulkChunk(assetID, index)
		},
		BulkInfo: func(index uint32) (pack.BulkChunkInfo, error) {
			return reader.BulkChunkInfo(assetID, index)
		},
		Registry: m.registry,
		Params:   params,
	}

	asset, err := factory.Load(context)
	if err != nil {
		return nil, info, fmt.Errorf("factory load failed for %q: %w", info.Name, err)
	}
	return asset, info, nil
}

// loadFromSource cooks a source file through the runtime pipeline and
// loads from the in-memory result.
func (m *Manager) loadFromSource(name string, runtimeType reflect.Type, params any) (any, pack.AssetInfo, error) {
	resolved, ok := m.resolver.Resolve(name)
	if !ok {
		return nil, pack.AssetInfo{}, fmt.Errorf("asset not found: %q (no pack entry, no source file)", name)
	}

	if !m.runtime.HasAsset(resolved.LogicalName) {
		if _, err := m.runtime.ProcessSource(resolved.AbsolutePath, resolved.LogicalName); err != nil {
			return nil, pack.AssetInfo{}, err
		}
	}

	asset := m.runtime.CookedAsset(resolved.LogicalName)
	if asset == nil {
		return nil, pack.AssetInfo{}, fmt.Errorf("asset not in runtime pipeline: %q", name)
	}

	factory, err := m.factoryFor(runtimeType)
	if err != nil {
		return nil, pack.AssetInfo{}, err
	}
	if factory.CookedPayloadType() != asset.Cooked.PayloadType {
		return nil, pack.AssetInfo{}, fmt.Errorf("factory cooked type mismatch: source asset %q has type %s but the factory expects %s",
			name, asset.Cooked.PayloadType, factory.CookedPayloadType())
	}

	info := pack.AssetInfo{
		ID:                asset.ID,
		Kind:              asset.AssetKind,
		CookedPayloadType: asset.Cooked.PayloadType,
		SchemaVersion:     asset.Cooked.SchemaVersion,
		Name:              asset.LogicalName,
		BulkChunkCount:    uint32(len(asset.Bulk)),
	}

	bulk := asset.Bulk
	context := &LoadContext{
		Cooked: asset.Cooked,
		Info:   info,
		LoadBulk: func(index uint32) ([]byte, error) {
			if index >= uint32(len(bulk)) {
				return nil, fmt.Errorf("bulk chunk index %d out of range (asset has %d)", index, len(bulk))
			}
			return bulk[index].Bytes, nil
		},
		BulkInfo: func(index uint32) (pack.BulkChunkInfo, error) {
			if index >= uint32(len(bulk)) {
				return pack.BulkChunkInfo{}, fmt.Errorf("bulk chunk index %d out of range (asset has %d)", index, len(bulk))
			}
			return pack.BulkChunkInfo{
				Semantic:         bulk[index].Semantic,
				SubIndex:         bulk[index].SubIndex,
				UncompressedSize: uint64(len(bulk[index].Bytes)),
			}, nil
		},
		Registry: m.registry,
		Params:   params,
	}

	loaded, err := factory.Load(context)
	if err != nil {
		return nil, info, fmt.Errorf("factory load failed for source asset %q: %w", name, err)
	}
	return loaded, info, nil
}

// Load synchronously loads a *T by logical name, bypassing the
// cache. The caller owns the returned object.
func Load[T any](m *Manager, name string, params ...any) (*T, error) {
	asset, _, err := m.loadAny(name, uid.AssetID{}, reflect.TypeFor[*T](), firstParam(params))
	if err != nil {
		return nil, err
	}
	return asset.(*T), nil
}

// LoadByID synchronously loads a *T by asset ID, bypassing the cache.
func LoadByID[T any](m *Manager, id uid.AssetID, params ...any) (*T, error) {
	asset, _, err := m.loadAny("", id, reflect.TypeFor[*T](), firstParam(params))
	if err != nil {
		return nil, err
	}
	return asset.(*T), nil
}

// Get returns a cached handle for a logical name, loading and
// inserting on miss. The cache entry's size estimate is the sum of
// the asset's uncompressed bulk sizes (1 KiB when unknown).
func Get[T any](m *Manager, name string, params ...any) (assetcache.Handle[T], error) {
	// Cheap path: resolve the name to an ID and probe the cache.
	if info, err := m.FindAsset(name); err == nil {
		if handle := assetcache.Get[T](m.cache, info.ID); handle.IsValid() {
			return handle, nil
		}
	}

	asset, info, err := m.loadAny(name, uid.AssetID{}, reflect.TypeFor[*T](), firstParam(params))
	if err != nil {
		return assetcache.Handle[T]{}, err
	}
	return assetcache.Insert(m.cache, info.ID, asset.(*T), m.cacheSizeEstimate(info.ID), nil), nil
}

// GetByID is Get keyed by asset ID.
func GetByID[T any](m *Manager, id uid.AssetID, params ...any) (assetcache.Handle[T], error) {
	if handle := assetcache.Get[T](m.cache, id); handle.IsValid() {
		return handle, nil
	}

	asset, info, err := m.loadAny("", id, reflect.TypeFor[*T](), firstParam(params))
	if err != nil {
		return assetcache.Handle[T]{}, err
	}
	return assetcache.Insert(m.cache, info.ID, asset.(*T), m.cacheSizeEstimate(id), nil), nil
}

// cacheSizeEstimate is EstimateAssetSize with the 1 KiB floor applied
// even for assets no mounted pack can describe (source-fallback
// cooks).
func (m *Manager) cacheSizeEstimate(id uid.AssetID) uint64 {
	if size := m.EstimateAssetSize(id); size > 0 {
		return size
	}
	return 1024
}

// Loader returns the async loader, creating it on first use.
func (m *Manager) Loader() *asyncload.Loader {
	m.loaderOnce.Do(func() {
		m.loader = asyncload.New(func(req *asyncload.Request) (any, error) {
			asset, _, err := m.loadAny(req.Name, req.ID, req.RuntimeType, req.Params)
			return asset, err
		}, m.workers)
	})
	return m.loader
}

// LoadAsync enqueues an asynchronous load of a *T by logical name.
// The callback receives the loaded object (ownership transfers) or an
// error; it runs on a worker goroutine.
func LoadAsync[T any](m *Manager, name string, priority asyncload.Priority, token asyncload.Token, callback func(*T, error), params ...any) *asyncload.Handle {
	return m.Loader().Enqueue(asyncload.Request{
		Name:        name,
		RuntimeType: reflect.TypeFor[*T](),
		Priority:    priority,
		Token:       token,
		Params:      firstParam(params),
		Callback: func(asset any, err error) {
			if callback == nil {
				return
			}
			if err != nil {
				callback(nil, err)
				return
			}
			callback(asset.(*T), nil)
		},
	})
}

func firstParam(params []any) any {
	if len(params) > 0 {
		return params[0]
	}
	return nil
}
