// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package pipeline

import "sync"

// The global provider registry is how statically linked plugin
// packages make themselves available to the CLI: each plugin package
// calls RegisterGlobalProvider from init(), the same pattern as
// database/sql drivers. Embedded users pass providers to NewEngine
// directly and never touch this.
var (
	globalMu        sync.Mutex
	globalProviders []Provider
)

// RegisterGlobalProvider adds a provider to the process-wide set.
// Call from a plugin package's init().
func RegisterGlobalProvider(provider Provider) {
	globalMu.Lock()
	defer globalMu.Unlock()
	globalProviders = append(globalProviders, provider)
}

// GlobalProviders returns the registered providers in registration
// order.
func GlobalProviders() []Provider {
	globalMu.Lock()
	defer globalMu.Unlock()
	return append([]Provider(nil), globalProviders...)
}
