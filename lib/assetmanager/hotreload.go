// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package assetmanager

import (
	"os"
	"time"

	"github.com/bureau-foundation/snapack/lib/pack"
	"github.com/bureau-foundation/snapack/lib/uid"
)

// SetHotReloadEnabled toggles hot-reload checking at runtime.
func (m *Manager) SetHotReloadEnabled(enabled bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hotReloadEnabled = enabled
}

// IsHotReloadEnabled reports whether hot reload is on.
func (m *Manager) IsHotReloadEnabled() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.hotReloadEnabled
}

// SetHotReloadCallback installs the callback invoked after packs are
// reloaded, with the IDs of every asset that was in the old readers.
// Clients use it to drop stale handles and cache entries; the manager
// itself does not sweep the cache (handles may still be live).
func (m *Manager) SetHotReloadCallback(callback func(staleAssets []uid.AssetID)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reloadCallback = callback
}

// CheckForChanges compares each mounted pack's on-disk modification
// time to the one recorded at mount. Packs that changed are reopened
// (the old reader serves until the new one validates — a pack that
// fails to reopen keeps its old reader). Returns the paths of the
// packs that were reloaded.
func (m *Manager) CheckForChanges() []string {
	if !m.IsHotReloadEnabled() {
		return nil
	}

	var reloaded []string
	var staleAssets []uid.AssetID

	m.mu.Lock()
	for _, mounted := range m.packs {
		stat, err := os.Stat(mounted.path)
		if err != nil {
			continue
		}
		if stat.ModTime().Equal(mounted.lastModified) {
			continue
		}

		newReader, err := pack.Open(mounted.path)
		if err != nil {
			m.logger.Warn("hot reload failed, keeping old reader",
				"pack", mounted.path, "error", err)
			continue
		}

		for i := 0; i < mounted.reader.AssetCount(); i++ {
			if info, infoErr := mounted.reader.AssetInfo(i); infoErr == nil {
				staleAssets = append(staleAssets, info.ID)
			}
		}

		mounted.reader.Close()
		mounted.reader = newReader
		mounted.lastModified = stat.ModTime()
		reloaded = append(reloaded, mounted.path)
	}
	callback := m.reloadCallback
	m.mu.Unlock()

	if len(reloaded) > 0 {
		m.logger.Info("hot-reloaded packs", "count", len(reloaded))
	}
	if len(staleAssets) > 0 && callback != nil {
		callback(staleAssets)
	}
	return reloaded
}

// StartHotReloadPolling runs CheckForChanges on the given interval in
// a background goroutine until StopHotReloadPolling (or Close). A
// second call replaces the previous poller.
func (m *Manager) StartHotReloadPolling(interval time.Duration) {
	m.StopHotReloadPolling()

	stop := make(chan struct{})
	done := make(chan struct{})
	m.mu.Lock()
	m.pollStop = stop
	m.pollDone = done
	m.mu.Unlock()

	ticker := m.clock.NewTicker(interval)
	go func() {
		defer close(done)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.CheckForChanges()
			case <-stop:
				return
			}
		}
	}()
}

// StopHotReloadPolling stops the background poller, if running.
func (m *Manager) StopHotReloadPolling() {
	m.mu.Lock()
	stop := m.pollStop
	done := m.pollDone
	m.pollStop = nil
	m.pollDone = nil
	m.mu.Unlock()

	if stop != nil {
		close(stop)
		<-done
	}
}
