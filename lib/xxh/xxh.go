// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package xxh wraps the XXH3 hash family used by the pack format.
// All integrity hashes in .snpak files are XXH3-128; name lookups use
// XXH3-64. These are format constants — swapping the hash function
// breaks compatibility with every existing pack.
package xxh

import "github.com/zeebo/xxh3"

// Digest128 is a 128-bit XXH3 digest split into the high and low
// 64-bit halves as they are stored on disk.
type Digest128 struct {
	Hi uint64
	Lo uint64
}

// Sum64 returns the XXH3-64 hash of data.
func Sum64(data []byte) uint64 {
	return xxh3.Hash(data)
}

// Sum64String returns the XXH3-64 hash of s without copying.
func Sum64String(s string) uint64 {
	return xxh3.HashString(s)
}

// Sum128 returns the XXH3-128 hash of data.
func Sum128(data []byte) Digest128 {
	h := xxh3.Hash128(data)
	return Digest128{Hi: h.Hi, Lo: h.Lo}
}

// Hasher128 is a streaming XXH3-128 hasher. Use it to hash large or
// discontiguous regions (such as the index entry arrays) without
// concatenating them into a single buffer.
type Hasher128 struct {
	inner xxh3.Hasher
}

// NewHasher128 returns a streaming hasher in its initial state.
func NewHasher128() *Hasher128 {
	return &Hasher128{}
}

// Write feeds data into the hasher. It never fails.
func (h *Hasher128) Write(data []byte) {
	_, _ = h.inner.Write(data)
}

// Sum returns the digest of everything written so far. The hasher may
// continue to accept writes afterwards.
func (h *Hasher128) Sum() Digest128 {
	sum := h.inner.Sum128()
	return Digest128{Hi: sum.Hi, Lo: sum.Lo}
}

// Reset returns the hasher to its initial state.
func (h *Hasher128) Reset() {
	h.inner.Reset()
}
