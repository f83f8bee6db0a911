// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package assetmanager ties the runtime together: it mounts pack
// files into a priority-ordered overlay, resolves logical names
// across them (higher-priority packs shadow lower ones), constructs
// runtime objects through registered factories, caches them with
// reference-counted handles, loads asynchronously through a worker
// pool, hot-reloads packs whose files changed on disk, and falls back
// to cooking loose source files in memory when a name misses every
// pack.
package assetmanager
