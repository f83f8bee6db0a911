// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package pack

import (
	"encoding/binary"
	"fmt"

	"github.com/bureau-foundation/snapack/lib/uid"
)

// Format constants. These values are protocol constants — changing
// any of them breaks compatibility with every existing .snpak file.
const (
	// FormatVersion is the SNPAK file format version.
	FormatVersion = 1

	// Fixed on-disk struct sizes. All structs are byte-packed and
	// little-endian; the encode/decode functions below lay them out
	// field by field at these exact offsets.
	headerSize         = 180
	strBlockHeaderSize = 40
	indexHeaderSize    = 88
	indexEntrySize     = 128
	bulkEntrySize      = 56
	chunkHeaderSize    = 80

	// endianMarker is stored in the pack header. The format is
	// little-endian; a reader that sees the byte-swapped value knows
	// the pack was produced by a foreign-endian writer and refuses it.
	endianMarker = 0x01020304

	// noVariantStringID is the sentinel VariantStringId meaning "no
	// variant". Non-empty variant keys live in the string table.
	noVariantStringID = 0xFFFFFFFF
)

// Block magics.
var (
	packMagic   = [8]byte{'S', 'N', 'P', 'A', 'K', 0, 0, 0}
	chunkMagic  = [4]byte{'C', 'H', 'N', 'K'}
	indexMagic  = [4]byte{'I', 'N', 'D', 'X'}
	stringMagic = [4]byte{'S', 'T', 'R', 'S'}
)

// Sanity caps for allocations driven by on-disk counts. A corrupted or
// hostile file cannot make the reader allocate unbounded memory.
const (
	maxStringCount    = 10_000_000
	maxEntryCount     = 10_000_000
	maxBulkEntryCount = 100_000_000
	maxBlockSize      = 1_000_000_000
)

// Pack header flags.
const (
	flagHasTrailingIndex uint32 = 1 << 0
)

// Index entry flags.
const (
	entryFlagHasBulk uint8 = 1 << 0
)

// chunkKind distinguishes main payload chunks from bulk chunks.
type chunkKind uint8

const (
	chunkKindMainPayload chunkKind = 0
	chunkKindBulk        chunkKind = 1
)

// BulkSemantic tags what a bulk chunk contains. Values below 0x10000
// are reserved for the engine; importer/cooker plugins define their
// own semantics at or above PluginSemanticBase.
type BulkSemantic uint32

const (
	SemanticUnknown       BulkSemantic = 0
	SemanticReservedLevel BulkSemantic = 1
	SemanticReservedAux   BulkSemantic = 2

	// PluginSemanticBase is the first semantic value available to
	// plugins.
	PluginSemanticBase BulkSemantic = 0x10000
)

// header is the 180-byte pack header at offset 0.
type header struct {
	Version             uint32
	HeaderSize          uint32
	EndianMarker        uint32
	FileSize            uint64
	IndexOffset         uint64
	IndexSize           uint64
	StringTableOffset   uint64
	StringTableSize     uint64
	TypeTableOffset     uint64
	TypeTableSize       uint64
	IndexHashHi         uint64
	IndexHashLo         uint64
	Flags               uint32
	PreviousIndexOffset uint64
	PreviousIndexSize   uint64
}

func (h *header) encode() [headerSize]byte {
	var b [headerSize]byte
	copy(b[0:8], packMagic[:])
	binary.LittleEndian.PutUint32(b[8:12], h.Version)
	binary.LittleEndian.PutUint32(b[12:16], h.HeaderSize)
	binary.LittleEndian.PutUint32(b[16:20], h.EndianMarker)
	binary.LittleEndian.PutUint64(b[20:28], h.FileSize)
	binary.LittleEndian.PutUint64(b[28:36], h.IndexOffset)
	binary.LittleEndian.PutUint64(b[36:44], h.IndexSize)
	binary.LittleEndian.PutUint64(b[44:52], h.StringTableOffset)
	binary.LittleEndian.PutUint64(b[52:60], h.StringTableSize)
	binary.LittleEndian.PutUint64(b[60:68], h.TypeTableOffset)
	binary.LittleEndian.PutUint64(b[68:76], h.TypeTableSize)
	binary.LittleEndian.PutUint64(b[76:84], h.IndexHashHi)
	binary.LittleEndian.PutUint64(b[84:92], h.IndexHashLo)
	binary.LittleEndian.PutUint32(b[92:96], h.Flags)
	// b[96:100] reserved
	binary.LittleEndian.PutUint64(b[100:108], h.PreviousIndexOffset)
	binary.LittleEndian.PutUint64(b[108:116], h.PreviousIndexSize)
	// b[116:180] reserved for future expansion
	return b
}

// decodeHeader parses and validates the fixed identification fields of
// a pack header: magic, version, header size, and endian marker.
func decodeHeader(b []byte) (header, error) {
	var h header
	if len(b) < headerSize {
		return h, fmt.Errorf("pack header is %d bytes, want %d", len(b), headerSize)
	}
	if [8]byte(b[0:8]) != packMagic {
		return h, fmt.Errorf("invalid pack magic %q", b[0:8])
	}
	h.Version = binary.LittleEndian.Uint32(b[8:12])
	if h.Version != FormatVersion {
		return h, fmt.Errorf("unsupported pack version %d (this code supports version %d)", h.Version, FormatVersion)
	}
	h.HeaderSize = binary.LittleEndian.Uint32(b[12:16])
	if h.HeaderSize != headerSize {
		return h, fmt.Errorf("pack header size field is %d, want %d", h.HeaderSize, headerSize)
	}
	h.EndianMarker = binary.LittleEndian.Uint32(b[16:20])
	if h.EndianMarker != endianMarker {
		return h, fmt.Errorf("endian marker mismatch (0x%08x): pack was created on a foreign-endian host", h.EndianMarker)
	}
	h.FileSize = binary.LittleEndian.Uint64(b[20:28])
	h.IndexOffset = binary.LittleEndian.Uint64(b[28:36])
	h.IndexSize = binary.LittleEndian.Uint64(b[36:44])
	h.StringTableOffset = binary.LittleEndian.Uint64(b[44:52])
	h.StringTableSize = binary.LittleEndian.Uint64(b[52:60])
	h.TypeTableOffset = binary.LittleEndian.Uint64(b[60:68])
	h.TypeTableSize = binary.LittleEndian.Uint64(b[68:76])
	h.IndexHashHi = binary.LittleEndian.Uint64(b[76:84])
	h.IndexHashLo = binary.LittleEndian.Uint64(b[84:92])
	h.Flags = binary.LittleEndian.Uint32(b[92:96])
	h.PreviousIndexOffset = binary.LittleEndian.Uint64(b[100:108])
	h.PreviousIndexSize = binary.LittleEndian.Uint64(b[108:116])
	return h, nil
}

// strBlockHeader is the 40-byte string block header. The hash covers
// the NUL-terminated string bytes only (not the offset array).
type strBlockHeader struct {
	Version     uint32
	BlockSize   uint64
	StringCount uint32
	HashHi      uint64
	HashLo      uint64
}

func (h *strBlockHeader) encode() [strBlockHeaderSize]byte {
	var b [strBlockHeaderSize]byte
	copy(b[0:4], stringMagic[:])
	binary.LittleEndian.PutUint32(b[4:8], h.Version)
	binary.LittleEndian.PutUint64(b[8:16], h.BlockSize)
	binary.LittleEndian.PutUint32(b[16:20], h.StringCount)
	// b[20:24] reserved
	binary.LittleEndian.PutUint64(b[24:32], h.HashHi)
	binary.LittleEndian.PutUint64(b[32:40], h.HashLo)
	return b
}

func decodeStrBlockHeader(b []byte) (strBlockHeader, error) {
	var h strBlockHeader
	if len(b) < strBlockHeaderSize {
		return h, fmt.Errorf("string block header is %d bytes, want %d", len(b), strBlockHeaderSize)
	}
	if [4]byte(b[0:4]) != stringMagic {
		return h, fmt.Errorf("invalid string block magic %q", b[0:4])
	}
	h.Version = binary.LittleEndian.Uint32(b[4:8])
	if h.Version != FormatVersion {
		return h, fmt.Errorf("unsupported string block version %d", h.Version)
	}
	h.BlockSize = binary.LittleEndian.Uint64(b[8:16])
	h.StringCount = binary.LittleEndian.Uint32(b[16:20])
	h.HashHi = binary.LittleEndian.Uint64(b[24:32])
	h.HashLo = binary.LittleEndian.Uint64(b[32:40])
	return h, nil
}

// indexHeader is the 88-byte index block header. EntriesHash covers
// the entry and bulk entry arrays only; the pack header's IndexHash
// covers this header plus the arrays.
type indexHeader struct {
	Version             uint32
	BlockSize           uint64
	EntryCount          uint32
	BulkEntryCount      uint32
	EntriesHashHi       uint64
	EntriesHashLo       uint64
	PreviousIndexOffset uint64
	PreviousIndexSize   uint64
}

func (h *indexHeader) encode() [indexHeaderSize]byte {
	var b [indexHeaderSize]byte
	copy(b[0:4], indexMagic[:])
	binary.LittleEndian.PutUint32(b[4:8], h.Version)
	binary.LittleEndian.PutUint64(b[8:16], h.BlockSize)
	binary.LittleEndian.PutUint32(b[16:20], h.EntryCount)
	binary.LittleEndian.PutUint32(b[20:24], h.BulkEntryCount)
	binary.LittleEndian.PutUint64(b[24:32], h.EntriesHashHi)
	binary.LittleEndian.PutUint64(b[32:40], h.EntriesHashLo)
	binary.LittleEndian.PutUint64(b[40:48], h.PreviousIndexOffset)
	binary.LittleEndian.PutUint64(b[48:56], h.PreviousIndexSize)
	// b[56:88] reserved
	return b
}

func decodeIndexHeader(b []byte) (indexHeader, error) {
	var h indexHeader
	if len(b) < indexHeaderSize {
		return h, fmt.Errorf("index header is %d bytes, want %d", len(b), indexHeaderSize)
	}
	if [4]byte(b[0:4]) != indexMagic {
		return h, fmt.Errorf("invalid index magic %q", b[0:4])
	}
	h.Version = binary.LittleEndian.Uint32(b[4:8])
	if h.Version != FormatVersion {
		return h, fmt.Errorf("unsupported index version %d", h.Version)
	}
	h.BlockSize = binary.LittleEndian.Uint64(b[8:16])
	h.EntryCount = binary.LittleEndian.Uint32(b[16:20])
	h.BulkEntryCount = binary.LittleEndian.Uint32(b[20:24])
	h.EntriesHashHi = binary.LittleEndian.Uint64(b[24:32])
	h.EntriesHashLo = binary.LittleEndian.Uint64(b[32:40])
	h.PreviousIndexOffset = binary.LittleEndian.Uint64(b[40:48])
	h.PreviousIndexSize = binary.LittleEndian.Uint64(b[48:56])
	return h, nil
}

// indexEntry is the 128-byte per-asset index record.
type indexEntry struct {
	AssetID                      uid.AssetID
	AssetKind                    uid.TypeID
	CookedPayloadType            uid.TypeID
	CookedSchemaVersion          uint32
	NameStringID                 uint32
	NameHash64                   uint64
	VariantStringID              uint32
	VariantHash64                uint64
	PayloadChunkOffset           uint64
	PayloadChunkSizeCompressed   uint64
	PayloadChunkSizeUncompressed uint64
	Compression                  Compression
	Flags                        uint8
	CompressionLevel             Level
	BulkFirstIndex               uint32
	BulkCount                    uint32
	PayloadHashHi                uint64
	PayloadHashLo                uint64
}

func (e *indexEntry) encode() [indexEntrySize]byte {
	var b [indexEntrySize]byte
	copy(b[0:16], e.AssetID[:])
	copy(b[16:32], e.AssetKind[:])
	copy(b[32:48], e.CookedPayloadType[:])
	binary.LittleEndian.PutUint32(b[48:52], e.CookedSchemaVersion)
	binary.LittleEndian.PutUint32(b[52:56], e.NameStringID)
	binary.LittleEndian.PutUint64(b[56:64], e.NameHash64)
	binary.LittleEndian.PutUint32(b[64:68], e.VariantStringID)
	binary.LittleEndian.PutUint64(b[68:76], e.VariantHash64)
	binary.LittleEndian.PutUint64(b[76:84], e.PayloadChunkOffset)
	binary.LittleEndian.PutUint64(b[84:92], e.PayloadChunkSizeCompressed)
	binary.LittleEndian.PutUint64(b[92:100], e.PayloadChunkSizeUncompressed)
	b[100] = byte(e.Compression)
	b[101] = e.Flags
	b[102] = byte(e.CompressionLevel) // low byte of the reserved u16
	binary.LittleEndian.PutUint32(b[104:108], e.BulkFirstIndex)
	binary.LittleEndian.PutUint32(b[108:112], e.BulkCount)
	binary.LittleEndian.PutUint64(b[112:120], e.PayloadHashHi)
	binary.LittleEndian.PutUint64(b[120:128], e.PayloadHashLo)
	return b
}

func decodeIndexEntry(b []byte) indexEntry {
	var e indexEntry
	copy(e.AssetID[:], b[0:16])
	copy(e.AssetKind[:], b[16:32])
	copy(e.CookedPayloadType[:], b[32:48])
	e.CookedSchemaVersion = binary.LittleEndian.Uint32(b[48:52])
	e.NameStringID = binary.LittleEndian.Uint32(b[52:56])
	e.NameHash64 = binary.LittleEndian.Uint64(b[56:64])
	e.VariantStringID = binary.LittleEndian.Uint32(b[64:68])
	e.VariantHash64 = binary.LittleEndian.Uint64(b[68:76])
	e.PayloadChunkOffset = binary.LittleEndian.Uint64(b[76:84])
	e.PayloadChunkSizeCompressed = binary.LittleEndian.Uint64(b[84:92])
	e.PayloadChunkSizeUncompressed = binary.LittleEndian.Uint64(b[92:100])
	e.Compression = Compression(b[100])
	e.Flags = b[101]
	e.CompressionLevel = Level(b[102])
	e.BulkFirstIndex = binary.LittleEndian.Uint32(b[104:108])
	e.BulkCount = binary.LittleEndian.Uint32(b[108:112])
	e.PayloadHashHi = binary.LittleEndian.Uint64(b[112:120])
	e.PayloadHashLo = binary.LittleEndian.Uint64(b[120:128])
	return e
}

// bulkEntry is the 56-byte per-bulk-chunk index record.
type bulkEntry struct {
	Semantic         BulkSemantic
	SubIndex         uint32
	ChunkOffset      uint64
	SizeCompressed   uint64
	SizeUncompressed uint64
	Compression      Compression
	CompressionLevel Level
	HashHi           uint64
	HashLo           uint64
}

func (e *bulkEntry) encode() [bulkEntrySize]byte {
	var b [bulkEntrySize]byte
	binary.LittleEndian.PutUint32(b[0:4], uint32(e.Semantic))
	binary.LittleEndian.PutUint32(b[4:8], e.SubIndex)
	binary.LittleEndian.PutUint64(b[8:16], e.ChunkOffset)
	binary.LittleEndian.PutUint64(b[16:24], e.SizeCompressed)
	binary.LittleEndian.PutUint64(b[24:32], e.SizeUncompressed)
	b[32] = byte(e.Compression)
	b[33] = byte(e.CompressionLevel) // first reserved byte
	binary.LittleEndian.PutUint64(b[40:48], e.HashHi)
	binary.LittleEndian.PutUint64(b[48:56], e.HashLo)
	return b
}

func decodeBulkEntry(b []byte) bulkEntry {
	var e bulkEntry
	e.Semantic = BulkSemantic(binary.LittleEndian.Uint32(b[0:4]))
	e.SubIndex = binary.LittleEndian.Uint32(b[4:8])
	e.ChunkOffset = binary.LittleEndian.Uint64(b[8:16])
	e.SizeCompressed = binary.LittleEndian.Uint64(b[16:24])
	e.SizeUncompressed = binary.LittleEndian.Uint64(b[24:32])
	e.Compression = Compression(b[32])
	e.CompressionLevel = Level(b[33])
	e.HashHi = binary.LittleEndian.Uint64(b[40:48])
	e.HashLo = binary.LittleEndian.Uint64(b[48:56])
	return e
}

// chunkHeader is the 80-byte header preceding every chunk payload.
// It repeats identity fields from the index entry so that a chunk can
// be validated against the entry that claims it.
type chunkHeader struct {
	Version          uint32
	AssetID          uid.AssetID
	PayloadType      uid.TypeID
	SchemaVersion    uint32
	Compression      Compression
	Kind             chunkKind
	CompressionLevel Level
	SizeCompressed   uint64
	SizeUncompressed uint64
	HashHi           uint64
	HashLo           uint64
}

func (h *chunkHeader) encode() [chunkHeaderSize]byte {
	var b [chunkHeaderSize]byte
	copy(b[0:4], chunkMagic[:])
	binary.LittleEndian.PutUint32(b[4:8], h.Version)
	copy(b[8:24], h.AssetID[:])
	copy(b[24:40], h.PayloadType[:])
	binary.LittleEndian.PutUint32(b[40:44], h.SchemaVersion)
	b[44] = byte(h.Compression)
	b[45] = byte(h.Kind)
	b[46] = byte(h.CompressionLevel) // low byte of the reserved u16
	binary.LittleEndian.PutUint64(b[48:56], h.SizeCompressed)
	binary.LittleEndian.PutUint64(b[56:64], h.SizeUncompressed)
	binary.LittleEndian.PutUint64(b[64:72], h.HashHi)
	binary.LittleEndian.PutUint64(b[72:80], h.HashLo)
	return b
}

func decodeChunkHeader(b []byte) (chunkHeader, error) {
	var h chunkHeader
	if len(b) < chunkHeaderSize {
		return h, fmt.Errorf("chunk header is %d bytes, want %d", len(b), chunkHeaderSize)
	}
	if [4]byte(b[0:4]) != chunkMagic {
		return h, fmt.Errorf("invalid chunk magic %q", b[0:4])
	}
	h.Version = binary.LittleEndian.Uint32(b[4:8])
	if h.Version != FormatVersion {
		return h, fmt.Errorf("unsupported chunk version %d", h.Version)
	}
	copy(h.AssetID[:], b[8:24])
	copy(h.PayloadType[:], b[24:40])
	h.SchemaVersion = binary.LittleEndian.Uint32(b[40:44])
	h.Compression = Compression(b[44])
	h.Kind = chunkKind(b[45])
	h.CompressionLevel = Level(b[46])
	h.SizeCompressed = binary.LittleEndian.Uint64(b[48:56])
	h.SizeUncompressed = binary.LittleEndian.Uint64(b[56:64])
	h.HashHi = binary.LittleEndian.Uint64(b[64:72])
	h.HashLo = binary.LittleEndian.Uint64(b[72:80])
	return h, nil
}
