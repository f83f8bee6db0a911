// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package mmfile provides read-only, read-write, and copy-on-write
// memory mappings of files, page-aligned partial regions, prefetch
// hints, and a zero-copy streaming reader for bulk chunks in pack
// files.
package mmfile
