// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package pack

import (
	"github.com/bureau-foundation/snapack/lib/payload"
	"github.com/bureau-foundation/snapack/lib/uid"
)

// BulkChunk is an authoring-side bulk data blob attached to an asset
// (a mip level, an audio stream, a LOD mesh). On write, SubIndex is
// forced to the chunk's position within its asset's bulk list; the
// reader verifies that invariant and rejects mismatches as corrupt.
type BulkChunk struct {
	Semantic BulkSemantic
	SubIndex uint32

	// Compress selects whether this chunk goes through the writer's
	// configured compression. Already-compressed content (e.g. BC7
	// blocks, Vorbis streams) should set it false.
	Compress bool

	Bytes []byte

	// OverrideCompression and OverrideLevel, when non-nil, replace
	// the writer's configured mode/level for this chunk only. Ignored
	// when Compress is false.
	OverrideCompression *Compression
	OverrideLevel       *Level
}

// Entry is an authoring-side record queued into a Writer: one asset
// with its cooked payload and bulk chunks.
type Entry struct {
	ID         uid.AssetID
	Kind       uid.TypeID
	Name       string
	VariantKey string
	Cooked     payload.TypedPayload
	Bulk       []BulkChunk
}

// AssetInfo is the reader-side view of an index entry.
type AssetInfo struct {
	ID                uid.AssetID
	Kind              uid.TypeID
	CookedPayloadType uid.TypeID
	SchemaVersion     uint32
	Name              string
	VariantKey        string
	BulkChunkCount    uint32
	Compression       Compression
	CompressionLevel  Level
}

// BulkChunkInfo describes a bulk chunk without loading it.
type BulkChunkInfo struct {
	Semantic         BulkSemantic
	SubIndex         uint32
	UncompressedSize uint64
}
