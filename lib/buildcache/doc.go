// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package buildcache is the persistent incremental build cache: a
// SQLite database recording, per asset, the content hashes and
// importer/cooker identities that produced it, plus per-file
// dependency tracking with a reverse index. The pipeline consults it
// to decide which assets actually need rebuilding.
//
// The database file is implementation-private — it is not part of the
// pack format and may change layout between releases.
package buildcache
