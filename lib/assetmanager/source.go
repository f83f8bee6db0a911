// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package assetmanager

import (
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// SourceMount is one source root in the source-asset fallback, with
// the same priority and mount-point semantics as pack mounts.
type SourceMount struct {
	RootPath   string
	Priority   int
	MountPoint string
}

// ResolvedSource is a resolved loose source file.
type ResolvedSource struct {
	AbsolutePath string

	// LogicalName is what the caller queried by (and what the cooked
	// asset is registered under).
	LogicalName string
}

// SourceResolver maps logical names onto files under a priority list
// of source roots.
type SourceResolver struct {
	mu    sync.RWMutex
	roots []SourceMount
}

// NewSourceResolver returns an empty resolver.
func NewSourceResolver() *SourceResolver {
	return &SourceResolver{}
}

// AddRoot adds a source root. Roots are consulted in descending
// priority order, stable on ties.
func (r *SourceResolver) AddRoot(root SourceMount) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.roots = append(r.roots, root)
	sort.SliceStable(r.roots, func(i, j int) bool {
		return r.roots[i].Priority > r.roots[j].Priority
	})
}

// RemoveRoot removes the root with the given path.
func (r *SourceResolver) RemoveRoot(rootPath string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, root := range r.roots {
		if root.RootPath == rootPath {
			r.roots = append(r.roots[:i], r.roots[i+1:]...)
			return
		}
	}
}

// Resolve maps a logical name to a source file, first match in
// priority order. Mount points behave as for packs: the name must
// start with the prefix, which is stripped before joining with the
// root path.
func (r *SourceResolver) Resolve(name string) (ResolvedSource, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, root := range r.roots {
		lookup := name
		if root.MountPoint != "" {
			if !strings.HasPrefix(name, root.MountPoint) {
				continue
			}
			lookup = strings.TrimPrefix(name, root.MountPoint)
		}

		fullPath := filepath.Join(root.RootPath, filepath.FromSlash(lookup))
		if stat, err := os.Stat(fullPath); err == nil && stat.Mode().IsRegular() {
			return ResolvedSource{AbsolutePath: fullPath, LogicalName: name}, true
		}
	}
	return ResolvedSource{}, false
}

// AddSourceRoot adds a source root to the manager's resolver. A no-op
// when the source-asset fallback is disabled.
func (m *Manager) AddSourceRoot(root SourceMount) {
	if m.resolver != nil {
		m.resolver.AddRoot(root)
	}
}

// RemoveSourceRoot removes a source root from the manager's resolver.
func (m *Manager) RemoveSourceRoot(rootPath string) {
	if m.resolver != nil {
		m.resolver.RemoveRoot(rootPath)
	}
}

// SaveRuntimeAssets writes dirty runtime-cooked assets to the runtime
// pack (create or append-update).
func (m *Manager) SaveRuntimeAssets() error {
	if m.runtime == nil {
		return nil
	}
	return m.runtime.SaveAll()
}

// DirtyAssetCount returns the number of runtime-cooked assets not yet
// saved.
func (m *Manager) DirtyAssetCount() int {
	if m.runtime == nil {
		return 0
	}
	return m.runtime.DirtyCount()
}

// ScanForPacks recursively collects *.snpak files under the given
// directories. Unreadable directories are skipped.
func ScanForPacks(directories []string) []string {
	var packs []string
	for _, directory := range directories {
		stat, err := os.Stat(directory)
		if err != nil || !stat.IsDir() {
			continue
		}
		_ = filepath.WalkDir(directory, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return nil
			}
			if d.Type().IsRegular() && filepath.Ext(path) == ".snpak" {
				packs = append(packs, path)
			}
			return nil
		})
	}
	sort.Strings(packs)
	return packs
}
