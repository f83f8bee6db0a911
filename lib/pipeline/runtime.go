// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package pipeline

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/bureau-foundation/snapack/lib/pack"
	"github.com/bureau-foundation/snapack/lib/payload"
	"github.com/bureau-foundation/snapack/lib/uid"
	"github.com/bureau-foundation/snapack/lib/xxh"
)

// RuntimeConfig configures a runtime pipeline.
type RuntimeConfig struct {
	// OutputDirectory is where the runtime pack is written by
	// SaveAll. Empty means the current directory.
	OutputDirectory string `yaml:"output_directory"`

	// RuntimePackName is the runtime pack's file name. Defaults to
	// "runtime.snpak".
	RuntimePackName string `yaml:"runtime_pack_name"`

	// BuildOptions are forwarded to cookers.
	BuildOptions map[string]string `yaml:"build_options"`

	// Compression names the pack compression for SaveAll. Empty
	// means zstd.
	Compression string `yaml:"compression"`

	// DeterministicAssetIDs derives asset IDs from logical name +
	// variant instead of keeping importer-minted random IDs.
	DeterministicAssetIDs bool `yaml:"deterministic_asset_ids"`

	// AutoSave makes the owning asset manager save dirty assets on
	// shutdown.
	AutoSave bool `yaml:"auto_save"`

	Logger *slog.Logger `yaml:"-"`
}

// CookedAsset is an in-memory build output held by the runtime
// pipeline until saved to a runtime pack.
type CookedAsset struct {
	ID          uid.AssetID
	LogicalName string
	AssetKind   uid.TypeID
	Cooked      payload.TypedPayload
	Bulk        []pack.BulkChunk
	Dirty       bool
}

// RuntimeResult identifies the asset produced by ProcessSource.
type RuntimeResult struct {
	ID          uid.AssetID
	LogicalName string
}

// Runtime cooks source files on demand, in memory, for the asset
// manager's source-asset fallback: when a logical name misses every
// mounted pack but resolves to a source file, the runtime pipeline
// imports and cooks it and the factory loads from the in-memory
// result — no disk pack involved.
//
// Concurrent requests for the same logical name are deduplicated:
// only one cook runs, and every caller gets its result.
type Runtime struct {
	config   RuntimeConfig
	logger   *slog.Logger
	registry *payload.Registry
	context  *Context

	importers []Importer
	cookers   []Cooker

	mu     sync.Mutex
	cooked map[string]*CookedAsset

	inflight singleflight.Group
}

// NewRuntime creates a runtime pipeline. Serializers from the
// providers are registered and frozen; importers and cookers may
// additionally be registered directly before first use.
func NewRuntime(config RuntimeConfig, providers ...Provider) *Runtime {
	if config.RuntimePackName == "" {
		config.RuntimePackName = "runtime.snpak"
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	r := &Runtime{
		config:   config,
		logger:   logger,
		registry: payload.NewRegistry(),
		cooked:   make(map[string]*CookedAsset),
	}
	for _, provider := range providers {
		r.importers = append(r.importers, provider.Importers()...)
		r.cookers = append(r.cookers, provider.Cookers()...)
		for _, serializer := range provider.Serializers() {
			r.registry.Register(serializer)
		}
	}
	r.registry.Freeze()
	r.context = newContext(r.registry, config.BuildOptions, logger)
	return r
}

// RegisterImporter adds an importer (direct, no provider). For
// embedded use and tests.
func (r *Runtime) RegisterImporter(importer Importer) {
	r.importers = append(r.importers, importer)
}

// RegisterCooker adds a cooker (direct, no provider).
func (r *Runtime) RegisterCooker(cooker Cooker) {
	r.cookers = append(r.cookers, cooker)
}

// Registry returns the runtime pipeline's payload registry.
func (r *Runtime) Registry() *payload.Registry { return r.registry }

// ProcessSource cooks the source file at absolutePath into memory
// under the given logical name. Safe for concurrent use; concurrent
// calls for the same logical name share one cook.
func (r *Runtime) ProcessSource(absolutePath, logicalName string) (RuntimeResult, error) {
	// Already cooked this session?
	r.mu.Lock()
	if asset, ok := r.cooked[logicalName]; ok {
		r.mu.Unlock()
		return RuntimeResult{ID: asset.ID, LogicalName: asset.LogicalName}, nil
	}
	r.mu.Unlock()

	value, err, _ := r.inflight.Do(logicalName, func() (any, error) {
		return r.processSource(absolutePath, logicalName)
	})
	if err != nil {
		return RuntimeResult{}, err
	}
	return value.(RuntimeResult), nil
}

func (r *Runtime) processSource(absolutePath, logicalName string) (RuntimeResult, error) {
	data, err := os.ReadFile(absolutePath)
	if err != nil {
		return RuntimeResult{}, fmt.Errorf("reading source %s: %w", absolutePath, err)
	}
	if len(data) == 0 {
		return RuntimeResult{}, fmt.Errorf("source file is empty: %s", absolutePath)
	}

	source := SourceRef{URI: absolutePath, ContentHash: xxh.Sum64(data)}

	var importer Importer
	for _, candidate := range r.importers {
		if candidate.CanImport(source) {
			importer = candidate
			break
		}
	}
	if importer == nil {
		return RuntimeResult{}, fmt.Errorf("no importer found for: %s", absolutePath)
	}

	items, err := importer.Import(source, r.context)
	if err != nil {
		return RuntimeResult{}, fmt.Errorf("import failed for %s: %w", absolutePath, err)
	}
	if len(items) == 0 {
		return RuntimeResult{}, fmt.Errorf("import produced no items for: %s", absolutePath)
	}

	var final RuntimeResult
	for _, item := range items {
		// The logical name the caller queries by overrides whatever
		// the importer chose.
		item.LogicalName = logicalName
		if r.config.DeterministicAssetIDs {
			item.ID = uid.DeterministicAssetID(item.LogicalName, item.VariantKey)
		}

		var cooker Cooker
		for _, candidate := range r.cookers {
			if candidate.CanCook(item.AssetKind, item.Intermediate.PayloadType) {
				cooker = candidate
				break
			}
		}
		if cooker == nil {
			return RuntimeResult{}, fmt.Errorf("no cooker found for asset %s (kind %s)", item.LogicalName, item.AssetKind)
		}

		request := CookRequest{
			ID:           item.ID,
			LogicalName:  item.LogicalName,
			AssetKind:    item.AssetKind,
			VariantKey:   item.VariantKey,
			Intermediate: item.Intermediate,
			Dependencies: item.Dependencies,
			BuildOptions: r.config.BuildOptions,
		}
		result, err := cooker.Cook(request, r.context)
		if err != nil {
			return RuntimeResult{}, fmt.Errorf("cook failed for asset %s: %w", request.LogicalName, err)
		}

		asset := &CookedAsset{
			ID:          request.ID,
			LogicalName: request.LogicalName,
			AssetKind:   request.AssetKind,
			Cooked:      result.Cooked,
			Bulk:        result.Bulk,
			Dirty:       true,
		}
		final = RuntimeResult{ID: asset.ID, LogicalName: asset.LogicalName}

		r.mu.Lock()
		r.cooked[request.LogicalName] = asset
		r.mu.Unlock()
	}

	r.logger.Debug("runtime-cooked source", "name", logicalName, "path", absolutePath)
	return final, nil
}

// HasAsset reports whether a logical name has been cooked this
// session.
func (r *Runtime) HasAsset(logicalName string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.cooked[logicalName]
	return ok
}

// AssetID returns the ID of a cooked asset.
func (r *Runtime) AssetID(logicalName string) (uid.AssetID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	asset, ok := r.cooked[logicalName]
	if !ok {
		return uid.AssetID{}, fmt.Errorf("asset not in runtime pipeline: %s", logicalName)
	}
	return asset.ID, nil
}

// CookedAsset returns the in-memory cooked asset for a logical name,
// or nil. The returned value must be treated as read-only.
func (r *Runtime) CookedAsset(logicalName string) *CookedAsset {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cooked[logicalName]
}

// DirtyCount returns the number of cooked assets not yet saved.
func (r *Runtime) DirtyCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	var count int
	for _, asset := range r.cooked {
		if asset.Dirty {
			count++
		}
	}
	return count
}

// AutoSave reports whether the configuration asks for save-on-
// shutdown.
func (r *Runtime) AutoSave() bool { return r.config.AutoSave }

// PackPath returns the runtime pack's full path.
func (r *Runtime) PackPath() string {
	if r.config.OutputDirectory == "" {
		return r.config.RuntimePackName
	}
	return filepath.Join(r.config.OutputDirectory, r.config.RuntimePackName)
}

// SaveAll writes every dirty cooked asset to the runtime pack,
// creating it or append-updating in place, then marks them clean.
// A no-op when nothing is dirty.
func (r *Runtime) SaveAll() error {
	r.mu.Lock()
	var dirty []*CookedAsset
	for _, asset := range r.cooked {
		if asset.Dirty {
			dirty = append(dirty, asset)
		}
	}
	r.mu.Unlock()

	if len(dirty) == 0 {
		return nil
	}

	outputPath := r.PackPath()
	if r.config.OutputDirectory != "" {
		if err := os.MkdirAll(r.config.OutputDirectory, 0o755); err != nil {
			return fmt.Errorf("creating runtime pack directory: %w", err)
		}
	}

	writer := pack.NewWriter()
	if r.config.Compression != "" {
		mode, err := pack.ParseCompression(r.config.Compression)
		if err != nil {
			return fmt.Errorf("runtime pipeline: %w", err)
		}
		writer.SetCompression(mode)
	}

	for _, asset := range dirty {
		writer.AddAsset(pack.Entry{
			ID:     asset.ID,
			Kind:   asset.AssetKind,
			Name:   asset.LogicalName,
			Cooked: asset.Cooked,
			Bulk:   asset.Bulk,
		})
	}

	if err := writer.AppendUpdate(outputPath); err != nil {
		return fmt.Errorf("writing runtime pack: %w", err)
	}

	r.mu.Lock()
	for _, asset := range dirty {
		asset.Dirty = false
	}
	r.mu.Unlock()

	r.logger.Info("saved runtime assets", "count", len(dirty), "pack", outputPath)
	return nil
}
