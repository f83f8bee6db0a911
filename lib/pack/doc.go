// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package pack implements the SNPAK v1 container format: a
// random-access, append-updatable, integrity-checked binary layout for
// cooked assets and their bulk data.
//
// A fresh pack is laid out as
//
//	[pack header][string block][(chunk header + payload)...][index block]
//
// with three overlapping XXH3-128 integrity hashes: the string block
// header covers the string bytes, the index header covers the entry
// arrays, and the pack header covers the entire index block including
// its header. Each chunk additionally carries the hash of its
// decompressed payload.
//
// The Writer produces packs atomically (temp file + rename) and
// supports append-update: a new string block, chunk tranche, and index
// are appended, and the header is rewritten in place to point at the
// new index. Prior indices remain embedded in the file for tooling.
//
// The Reader assumes adversarial input: every offset, size, and count
// read from disk is bounds-checked against the validated file size
// before use, and all hashes are verified before any data is returned.
package pack
