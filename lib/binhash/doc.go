// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package binhash computes content digests of files on disk for the
// incremental build cache's dependency tracking. These digests are
// private to the cache database; pack-file integrity hashes live in
// lib/xxh and are part of the on-disk format.
package binhash
