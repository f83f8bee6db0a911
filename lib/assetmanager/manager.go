// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package assetmanager

import (
	"fmt"
	"log/slog"
	"os"
	"reflect"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/bureau-foundation/snapack/lib/assetcache"
	"github.com/bureau-foundation/snapack/lib/asyncload"
	"github.com/bureau-foundation/snapack/lib/clock"
	"github.com/bureau-foundation/snapack/lib/pack"
	"github.com/bureau-foundation/snapack/lib/payload"
	"github.com/bureau-foundation/snapack/lib/pipeline"
	"github.com/bureau-foundation/snapack/lib/uid"
)

// MountOptions configures one mounted pack.
type MountOptions struct {
	// Priority orders overlay resolution: higher-priority packs
	// shadow lower ones for the same logical name ("patch overrides
	// base"). Equal priorities keep mount order.
	Priority int

	// LoadToMemory warms the whole pack into the page cache at mount
	// time (best effort), so first-touch chunk loads do not stall on
	// disk.
	LoadToMemory bool

	// MountPoint is a virtual prefix: lookups must start with it,
	// and it is stripped before consulting the pack's index.
	MountPoint string
}

// mountedPack pairs a reader with its mount configuration and the
// modification time observed at mount (for hot reload).
type mountedPack struct {
	path         string
	options      MountOptions
	reader       *pack.Reader
	lastModified time.Time
}

// Config configures a Manager.
type Config struct {
	// Cache configures the runtime asset cache.
	Cache assetcache.Config

	// AsyncWorkers sets the async loader's worker count. Zero means
	// NumCPU-1, minimum 1.
	AsyncWorkers int

	// PackSearchPaths are directories scanned recursively for
	// *.snpak files to mount at startup (priority 0).
	PackSearchPaths []string

	// EnableHotReload turns on CheckForChanges (and the optional
	// background poller).
	EnableHotReload bool

	// SourceRoots configure the source-asset fallback. Ignored
	// unless Runtime is set.
	SourceRoots []SourceMount

	// Runtime, when non-nil, enables the source-asset fallback: a
	// name that misses every mounted pack is resolved against the
	// source roots and cooked in memory by this runtime pipeline.
	Runtime *pipeline.Runtime

	// Clock supplies time for hot-reload checks and polling.
	// Defaults to clock.Real().
	Clock clock.Clock

	// Logger receives operational messages. Nil disables logging.
	Logger *slog.Logger
}

// Manager is the runtime asset manager: it mounts packs into a
// priority-ordered overlay, resolves logical names across them,
// invokes registered factories to construct runtime objects, caches
// the results, and (optionally) hot-reloads packs and cooks loose
// source files on demand.
type Manager struct {
	logger *slog.Logger
	clock  clock.Clock

	registry *payload.Registry
	cache    *assetcache.Cache

	mu        sync.RWMutex
	packs     []*mountedPack
	factories map[reflect.Type]Factory

	loaderOnce sync.Once
	loader     *asyncload.Loader
	workers    int

	hotReloadEnabled bool
	reloadCallback   func([]uid.AssetID)
	pollStop         chan struct{}
	pollDone         chan struct{}

	resolver *SourceResolver
	runtime  *pipeline.Runtime
}

// New creates a manager. Packs found under PackSearchPaths are
// mounted immediately; an existing runtime pack is mounted at
// priority -50 when the source-asset fallback is enabled.
func New(config Config) *Manager {
	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	clk := config.Clock
	if clk == nil {
		clk = clock.Real()
	}
	if config.Cache.Clock == nil {
		config.Cache.Clock = clk
	}

	m := &Manager{
		logger:           logger,
		clock:            clk,
		registry:         payload.NewRegistry(),
		cache:            assetcache.New(config.Cache),
		factories:        make(map[reflect.Type]Factory),
		workers:          config.AsyncWorkers,
		hotReloadEnabled: config.EnableHotReload,
		runtime:          config.Runtime,
	}

	for _, packPath := range ScanForPacks(config.PackSearchPaths) {
		if err := m.MountPack(packPath, MountOptions{}); err != nil {
			logger.Warn("auto-mount failed", "pack", packPath, "error", err)
		}
	}

	if m.runtime != nil {
		m.resolver = NewSourceResolver()
		for _, root := range config.SourceRoots {
			m.resolver.AddRoot(root)
		}

		// A runtime pack from a previous session serves earlier
		// cooks without re-cooking; mount it below every real pack.
		runtimePack := m.runtime.PackPath()
		if _, err := os.Stat(runtimePack); err == nil {
			if err := m.MountPack(runtimePack, MountOptions{Priority: -50}); err != nil {
				logger.Warn("mounting runtime pack failed", "pack", runtimePack, "error", err)
			}
		}
	}

	return m
}

// Close shuts down the async loader, saves dirty runtime assets when
// the runtime pipeline asks for auto-save, and unmounts everything.
func (m *Manager) Close() error {
	if m.loader != nil {
		m.loader.Shutdown()
	}
	m.StopHotReloadPolling()

	var err error
	if m.runtime != nil && m.runtime.AutoSave() && m.runtime.DirtyCount() > 0 {
		err = m.SaveRuntimeAssets()
	}

	m.UnmountAll()
	return err
}

// Registry returns the manager's payload registry. Register
// serializers before freezing it; factories receive it through the
// load context.
func (m *Manager) Registry() *payload.Registry {
	return m.registry
}

// Cache returns the runtime asset cache.
func (m *Manager) Cache() *assetcache.Cache {
	return m.cache
}

// MountPack opens and validates the pack at path and inserts it into
// the overlay. Mounting the same path twice is an error.
func (m *Manager) MountPack(path string, options MountOptions) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, mounted := range m.packs {
		if mounted.path == path {
			return fmt.Errorf("pack already mounted: %s", path)
		}
	}

	reader, err := pack.Open(path)
	if err != nil {
		return fmt.Errorf("mounting %s: %w", path, err)
	}

	if options.LoadToMemory {
		if err := warmPack(path); err != nil {
			m.logger.Warn("pack warm-up failed", "pack", path, "error", err)
		}
	}

	mounted := &mountedPack{
		path:    path,
		options: options,
		reader:  reader,
	}
	if stat, err := os.Stat(path); err == nil {
		mounted.lastModified = stat.ModTime()
	}

	m.packs = append(m.packs, mounted)
	// Stable sort: equal priorities keep insertion order.
	sort.SliceStable(m.packs, func(i, j int) bool {
		return m.packs[i].options.Priority > m.packs[j].options.Priority
	})

	m.logger.Info("mounted pack",
		"path", path,
		"priority", options.Priority,
		"assets", reader.AssetCount(),
	)
	return nil
}

// UnmountPack removes the pack mounted at path. A no-op for unknown
// paths.
func (m *Manager) UnmountPack(path string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i, mounted := range m.packs {
		if mounted.path == path {
			mounted.reader.Close()
			m.packs = append(m.packs[:i], m.packs[i+1:]...)
			return
		}
	}
}

// UnmountAll removes every mounted pack.
func (m *Manager) UnmountAll() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, mounted := range m.packs {
		mounted.reader.Close()
	}
	m.packs = nil
}

// MountedPacks returns the mounted pack paths in overlay order
// (highest priority first).
func (m *Manager) MountedPacks() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	paths := make([]string, len(m.packs))
	for i, mounted := range m.packs {
		paths[i] = mounted.path
	}
	return paths
}

// snapshot returns the current overlay list. The slice is private to
// the caller; the mounted packs themselves are shared.
func (m *Manager) snapshot() []*mountedPack {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]*mountedPack(nil), m.packs...)
}

// lookupName strips a pack's mount point from a logical name.
// Returns false when the name is outside the mount point.
func (p *mountedPack) lookupName(name string) (string, bool) {
	if p.options.MountPoint == "" {
		return name, true
	}
	if !strings.HasPrefix(name, p.options.MountPoint) {
		return "", false
	}
	return strings.TrimPrefix(name, p.options.MountPoint), true
}

// findPackForName walks the overlay in priority order and returns
// the first pack containing the name, with its info.
func (m *Manager) findPackForName(name string) (*mountedPack, pack.AssetInfo, bool) {
	for _, mounted := range m.snapshot() {
		lookup, ok := mounted.lookupName(name)
		if !ok {
			continue
		}
		if info, err := mounted.reader.FindAssetByName(lookup); err == nil {
			return mounted, info, true
		}
	}
	return nil, pack.AssetInfo{}, false
}

// findPackForID walks the overlay in priority order and returns the
// first pack containing the asset ID.
func (m *Manager) findPackForID(id uid.AssetID) (*mountedPack, pack.AssetInfo, bool) {
	for _, mounted := range m.snapshot() {
		if info, err := mounted.reader.FindAsset(id); err == nil {
			return mounted, info, true
		}
	}
	return nil, pack.AssetInfo{}, false
}

// FindAsset resolves a logical name across the overlay. The first
// match in priority order wins.
func (m *Manager) FindAsset(name string) (pack.AssetInfo, error) {
	if _, info, ok := m.findPackForName(name); ok {
		return info, nil
	}
	return pack.AssetInfo{}, fmt.Errorf("asset not found: %q", name)
}

// FindAssetByID resolves an asset ID across the overlay.
func (m *Manager) FindAssetByID(id uid.AssetID) (pack.AssetInfo, error) {
	if _, info, ok := m.findPackForID(id); ok {
		return info, nil
	}
	return pack.AssetInfo{}, fmt.Errorf("asset not found: %s", id)
}

// FindAssetVariants returns every variant of a logical name across
// all mounted packs.
func (m *Manager) FindAssetVariants(name string) []pack.AssetInfo {
	var variants []pack.AssetInfo
	for _, mounted := range m.snapshot() {
		lookup, ok := mounted.lookupName(name)
		if !ok {
			continue
		}
		variants = append(variants, mounted.reader.FindAssetsByName(lookup)...)
	}
	return variants
}

// ListAssets returns the info of every asset in every mounted pack,
// in overlay order. Shadowed assets are included; callers that want
// effective visibility should dedupe by name.
func (m *Manager) ListAssets() []pack.AssetInfo {
	var all []pack.AssetInfo
	for _, mounted := range m.snapshot() {
		for i := 0; i < mounted.reader.AssetCount(); i++ {
			if info, err := mounted.reader.AssetInfo(i); err == nil {
				all = append(all, info)
			}
		}
	}
	return all
}

// EstimateAssetSize estimates an asset's runtime memory footprint as
// the sum of its uncompressed bulk sizes, defaulting to 1 KiB when
// there is no bulk data to go by.
func (m *Manager) EstimateAssetSize(id uid.AssetID) uint64 {
	mounted, info, ok := m.findPackForID(id)
	if !ok {
		return 0
	}

	var total uint64
	for i := uint32(0); i < info.BulkChunkCount; i++ {
		if bulkInfo, err := mounted.reader.BulkChunkInfo(id, i); err == nil {
			total += bulkInfo.UncompressedSize
		}
	}
	if total == 0 {
		total = 1024
	}
	return total
}
