// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package pack

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"github.com/bureau-foundation/snapack/lib/payload"
	"github.com/bureau-foundation/snapack/lib/uid"
	"github.com/bureau-foundation/snapack/lib/xxh"
)

// Reader provides validated random access to a .snpak file. Open
// parses and verifies the header, string table, and index; chunk
// payloads are loaded on demand.
//
// Every size and offset read from disk is bounds-checked against the
// validated file size before use, and every hashed region is verified
// before its data is trusted. Nothing partially validated is ever
// returned.
//
// Chunk loads open a private file handle per call, so any number of
// goroutines may load chunks concurrently without locking.
type Reader struct {
	path string

	header      header
	stringTable []string
	entries     []indexEntry
	bulkEntries []bulkEntry

	idToIndex     map[uid.AssetID]uint32
	nameToIndices map[uint64][]uint32

	// validatedSize is min(header.FileSize, stat size): the
	// authoritative bound for every subsequent read.
	validatedSize uint64
}

// Open opens and validates a pack file. On success the returned
// Reader is ready for concurrent use.
func Open(path string) (*Reader, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening pack: %w", err)
	}
	defer file.Close()

	stat, err := file.Stat()
	if err != nil {
		return nil, fmt.Errorf("stating pack: %w", err)
	}
	actualSize := uint64(stat.Size())
	if actualSize < headerSize {
		return nil, fmt.Errorf("file is %d bytes, too small for a pack header (%d bytes)", actualSize, headerSize)
	}

	var headerBytes [headerSize]byte
	if _, err := io.ReadFull(file, headerBytes[:]); err != nil {
		return nil, fmt.Errorf("reading pack header: %w", err)
	}
	hdr, err := decodeHeader(headerBytes[:])
	if err != nil {
		return nil, err
	}

	// The header's FileSize claim must not exceed reality; beyond
	// that, the smaller of the two bounds every read.
	if hdr.FileSize > actualSize {
		return nil, fmt.Errorf("header FileSize (%d) exceeds actual file size (%d)", hdr.FileSize, actualSize)
	}

	r := &Reader{
		path:          path,
		header:        hdr,
		validatedSize: hdr.FileSize,
	}

	if err := r.readStringTable(file); err != nil {
		return nil, fmt.Errorf("reading string table: %w", err)
	}
	if err := r.readIndex(file); err != nil {
		return nil, fmt.Errorf("reading index: %w", err)
	}

	r.idToIndex = make(map[uid.AssetID]uint32, len(r.entries))
	r.nameToIndices = make(map[uint64][]uint32)
	for i := range r.entries {
		r.idToIndex[r.entries[i].AssetID] = uint32(i)
		nameHash := r.entries[i].NameHash64
		r.nameToIndices[nameHash] = append(r.nameToIndices[nameHash], uint32(i))
	}

	return r, nil
}

// Close releases the reader. The Reader holds no open file handles
// between calls, so Close only clears state.
func (r *Reader) Close() {
	r.stringTable = nil
	r.entries = nil
	r.bulkEntries = nil
	r.idToIndex = nil
	r.nameToIndices = nil
	r.validatedSize = 0
}

// Path returns the file path this reader was opened on.
func (r *Reader) Path() string {
	return r.path
}

// checkRange reports whether [offset, offset+size) lies within the
// validated file size, guarding against overflow.
func (r *Reader) checkRange(offset, size uint64) bool {
	if size > r.validatedSize {
		return false
	}
	return offset <= r.validatedSize-size
}

func seekAndReadExact(file *os.File, offset uint64, dst []byte) error {
	if _, err := file.Seek(int64(offset), io.SeekStart); err != nil {
		return err
	}
	_, err := io.ReadFull(file, dst)
	return err
}

func (r *Reader) readStringTable(file *os.File) error {
	hdr := &r.header

	if !r.checkRange(hdr.StringTableOffset, hdr.StringTableSize) {
		return fmt.Errorf("string table offset/size exceeds file bounds")
	}
	if hdr.StringTableSize < strBlockHeaderSize {
		return fmt.Errorf("string table size %d too small for header", hdr.StringTableSize)
	}

	var headerBytes [strBlockHeaderSize]byte
	if err := seekAndReadExact(file, hdr.StringTableOffset, headerBytes[:]); err != nil {
		return fmt.Errorf("reading string block header: %w", err)
	}
	strHeader, err := decodeStrBlockHeader(headerBytes[:])
	if err != nil {
		return err
	}

	if strHeader.BlockSize != hdr.StringTableSize {
		return fmt.Errorf("string block size %d does not match header's %d", strHeader.BlockSize, hdr.StringTableSize)
	}
	if strHeader.StringCount > maxStringCount {
		return fmt.Errorf("string count %d exceeds sanity limit", strHeader.StringCount)
	}
	if strHeader.BlockSize > maxBlockSize {
		return fmt.Errorf("string block size %d exceeds sanity limit", strHeader.BlockSize)
	}

	offsetsSize := uint64(strHeader.StringCount) * 4
	minExpected := uint64(strBlockHeaderSize) + offsetsSize
	if strHeader.BlockSize < minExpected {
		return fmt.Errorf("string block size %d too small for %d offsets", strHeader.BlockSize, strHeader.StringCount)
	}
	if !r.checkRange(hdr.StringTableOffset, strHeader.BlockSize) {
		return fmt.Errorf("string block exceeds file bounds")
	}

	offsets := make([]uint32, strHeader.StringCount)
	offsetBytes := make([]byte, offsetsSize)
	if _, err := io.ReadFull(file, offsetBytes); err != nil {
		return fmt.Errorf("reading string offsets: %w", err)
	}
	for i := range offsets {
		offsets[i] = binary.LittleEndian.Uint32(offsetBytes[i*4:])
	}

	stringDataSize := strHeader.BlockSize - minExpected
	stringData := make([]byte, stringDataSize)
	if _, err := io.ReadFull(file, stringData); err != nil {
		return fmt.Errorf("reading string data: %w", err)
	}

	digest := xxh.Sum128(stringData)
	if digest.Hi != strHeader.HashHi || digest.Lo != strHeader.HashLo {
		return fmt.Errorf("string table hash mismatch: data corrupted")
	}

	// Parse each string: the offset must be inside the data and a NUL
	// terminator must exist within the remaining bounds. Never read
	// past a missing terminator.
	r.stringTable = make([]string, 0, strHeader.StringCount)
	for i, offset := range offsets {
		if uint64(offset) >= stringDataSize {
			return fmt.Errorf("string %d offset %d out of bounds", i, offset)
		}
		terminator := bytes.IndexByte(stringData[offset:], 0)
		if terminator < 0 {
			return fmt.Errorf("string %d missing NUL terminator", i)
		}
		r.stringTable = append(r.stringTable, string(stringData[offset:int(offset)+terminator]))
	}

	return nil
}

func (r *Reader) readIndex(file *os.File) error {
	hdr := &r.header

	if !r.checkRange(hdr.IndexOffset, hdr.IndexSize) {
		return fmt.Errorf("index offset/size exceeds file bounds")
	}
	if hdr.IndexSize < indexHeaderSize {
		return fmt.Errorf("index size %d too small for header", hdr.IndexSize)
	}

	var headerBytes [indexHeaderSize]byte
	if err := seekAndReadExact(file, hdr.IndexOffset, headerBytes[:]); err != nil {
		return fmt.Errorf("reading index header: %w", err)
	}
	idxHeader, err := decodeIndexHeader(headerBytes[:])
	if err != nil {
		return err
	}

	if idxHeader.BlockSize != hdr.IndexSize {
		return fmt.Errorf("index block size %d does not match header's %d", idxHeader.BlockSize, hdr.IndexSize)
	}
	if idxHeader.EntryCount > maxEntryCount {
		return fmt.Errorf("entry count %d exceeds sanity limit", idxHeader.EntryCount)
	}
	if idxHeader.BulkEntryCount > maxBulkEntryCount {
		return fmt.Errorf("bulk entry count %d exceeds sanity limit", idxHeader.BulkEntryCount)
	}

	entriesSize := uint64(idxHeader.EntryCount) * indexEntrySize
	bulkEntriesSize := uint64(idxHeader.BulkEntryCount) * bulkEntrySize
	expectedSize := uint64(indexHeaderSize) + entriesSize + bulkEntriesSize
	if idxHeader.BlockSize != expectedSize {
		return fmt.Errorf("index block size %d does not match %d entries + %d bulk entries (%d)",
			idxHeader.BlockSize, idxHeader.EntryCount, idxHeader.BulkEntryCount, expectedSize)
	}
	if !r.checkRange(hdr.IndexOffset, idxHeader.BlockSize) {
		return fmt.Errorf("index block exceeds file bounds")
	}

	entryBytes := make([]byte, entriesSize)
	if _, err := io.ReadFull(file, entryBytes); err != nil {
		return fmt.Errorf("reading index entries: %w", err)
	}
	bulkBytes := make([]byte, bulkEntriesSize)
	if _, err := io.ReadFull(file, bulkBytes); err != nil {
		return fmt.Errorf("reading bulk entries: %w", err)
	}

	// The index header's hash covers the entry arrays only. The
	// streaming hasher avoids concatenating the two arrays.
	entriesHasher := xxh.NewHasher128()
	entriesHasher.Write(entryBytes)
	entriesHasher.Write(bulkBytes)
	if digest := entriesHasher.Sum(); digest.Hi != idxHeader.EntriesHashHi || digest.Lo != idxHeader.EntriesHashLo {
		return fmt.Errorf("index entries hash mismatch: data corrupted")
	}

	// The pack header's hash covers the entire index block including
	// the index header itself, so corruption of that header (which
	// carries the entries hash) is also detectable.
	blockHasher := xxh.NewHasher128()
	blockHasher.Write(headerBytes[:])
	blockHasher.Write(entryBytes)
	blockHasher.Write(bulkBytes)
	if digest := blockHasher.Sum(); digest.Hi != hdr.IndexHashHi || digest.Lo != hdr.IndexHashLo {
		return fmt.Errorf("index block hash mismatch with pack header: data corrupted")
	}

	r.entries = make([]indexEntry, idxHeader.EntryCount)
	for i := range r.entries {
		r.entries[i] = decodeIndexEntry(entryBytes[i*indexEntrySize:])
	}
	r.bulkEntries = make([]bulkEntry, idxHeader.BulkEntryCount)
	for i := range r.bulkEntries {
		r.bulkEntries[i] = decodeBulkEntry(bulkBytes[i*bulkEntrySize:])
	}

	return nil
}

// AssetCount returns the number of assets in the latest index.
func (r *Reader) AssetCount() int {
	return len(r.entries)
}

// PreviousIndex returns the offset and size of the prior index block,
// or zeros for a pack that has never been append-updated. Historical
// indices exist for tooling; this reader loads only the latest.
func (r *Reader) PreviousIndex() (offset, size uint64) {
	return r.header.PreviousIndexOffset, r.header.PreviousIndexSize
}

func (r *Reader) assetInfo(entry *indexEntry) AssetInfo {
	info := AssetInfo{
		ID:                entry.AssetID,
		Kind:              entry.AssetKind,
		CookedPayloadType: entry.CookedPayloadType,
		SchemaVersion:     entry.CookedSchemaVersion,
		BulkChunkCount:    entry.BulkCount,
		Compression:       entry.Compression,
		CompressionLevel:  entry.CompressionLevel,
	}
	if int(entry.NameStringID) < len(r.stringTable) {
		info.Name = r.stringTable[entry.NameStringID]
	}
	if entry.VariantStringID != noVariantStringID && int(entry.VariantStringID) < len(r.stringTable) {
		info.VariantKey = r.stringTable[entry.VariantStringID]
	}
	return info
}

// AssetInfo returns the info for the asset at the given index
// position.
func (r *Reader) AssetInfo(index int) (AssetInfo, error) {
	if index < 0 || index >= len(r.entries) {
		return AssetInfo{}, fmt.Errorf("asset index %d out of range [0, %d)", index, len(r.entries))
	}
	return r.assetInfo(&r.entries[index]), nil
}

// FindAsset looks up an asset by ID.
func (r *Reader) FindAsset(id uid.AssetID) (AssetInfo, error) {
	index, ok := r.idToIndex[id]
	if !ok {
		return AssetInfo{}, fmt.Errorf("asset not found: %s", id)
	}
	return r.assetInfo(&r.entries[index]), nil
}

// FindAssetsByName returns every asset (all variants) with the given
// logical name.
func (r *Reader) FindAssetsByName(name string) []AssetInfo {
	var results []AssetInfo
	for _, index := range r.nameToIndices[xxh.Sum64String(name)] {
		info := r.assetInfo(&r.entries[index])
		// Hash buckets can collide; confirm the actual name.
		if info.Name == name {
			results = append(results, info)
		}
	}
	return results
}

// FindAssetByName looks up an asset by logical name, preferring the
// variant-less entry when several variants share the name.
func (r *Reader) FindAssetByName(name string) (AssetInfo, error) {
	matches := r.FindAssetsByName(name)
	if len(matches) == 0 {
		return AssetInfo{}, fmt.Errorf("asset not found: %q", name)
	}
	for _, info := range matches {
		if info.VariantKey == "" {
			return info, nil
		}
	}
	return matches[0], nil
}

// LoadCookedPayload loads, decompresses, and verifies an asset's main
// payload chunk.
func (r *Reader) LoadCookedPayload(id uid.AssetID) (payload.TypedPayload, error) {
	index, ok := r.idToIndex[id]
	if !ok {
		return payload.TypedPayload{}, fmt.Errorf("asset not found: %s", id)
	}
	entry := &r.entries[index]

	data, err := r.loadChunk(entry.PayloadChunkOffset, entry.PayloadChunkSizeCompressed, entry.PayloadChunkSizeUncompressed, entry, nil, uid.AssetID{})
	if err != nil {
		return payload.TypedPayload{}, err
	}

	return payload.TypedPayload{
		PayloadType:   entry.CookedPayloadType,
		SchemaVersion: entry.CookedSchemaVersion,
		Bytes:         data,
	}, nil
}

// bulkEntryFor resolves an asset's bulk index to the global bulk
// entry, verifying range and the SubIndex invariant.
func (r *Reader) bulkEntryFor(id uid.AssetID, bulkIndex uint32) (*indexEntry, *bulkEntry, error) {
	index, ok := r.idToIndex[id]
	if !ok {
		return nil, nil, fmt.Errorf("asset not found: %s", id)
	}
	entry := &r.entries[index]

	if entry.Flags&entryFlagHasBulk == 0 || bulkIndex >= entry.BulkCount {
		return nil, nil, fmt.Errorf("bulk chunk index %d out of range (asset has %d)", bulkIndex, entry.BulkCount)
	}

	globalIndex := uint64(entry.BulkFirstIndex) + uint64(bulkIndex)
	if globalIndex >= uint64(len(r.bulkEntries)) {
		return nil, nil, fmt.Errorf("bulk entry index %d out of range", globalIndex)
	}
	bulk := &r.bulkEntries[globalIndex]

	// A writer that emitted bulk entries out of order produced a
	// corrupt pack; refuse it.
	if bulk.SubIndex != bulkIndex {
		return nil, nil, fmt.Errorf("bulk SubIndex mismatch (expected %d, got %d): corrupt or wrong pack", bulkIndex, bulk.SubIndex)
	}

	return entry, bulk, nil
}

// LoadBulkChunk loads, decompresses, and verifies one bulk chunk of
// an asset.
func (r *Reader) LoadBulkChunk(id uid.AssetID, bulkIndex uint32) ([]byte, error) {
	entry, bulk, err := r.bulkEntryFor(id, bulkIndex)
	if err != nil {
		return nil, err
	}
	return r.loadChunk(bulk.ChunkOffset, bulk.SizeCompressed, bulk.SizeUncompressed, nil, bulk, entry.AssetID)
}

// BulkChunkInfo describes one bulk chunk of an asset without loading
// it.
func (r *Reader) BulkChunkInfo(id uid.AssetID, bulkIndex uint32) (BulkChunkInfo, error) {
	_, bulk, err := r.bulkEntryFor(id, bulkIndex)
	if err != nil {
		return BulkChunkInfo{}, err
	}
	return BulkChunkInfo{
		Semantic:         bulk.Semantic,
		SubIndex:         bulk.SubIndex,
		UncompressedSize: bulk.SizeUncompressed,
	}, nil
}

// loadChunk reads and validates a chunk at the given location.
// expectedTotalSize is the index-recorded total (header + compressed
// payload); expectedUncompressedSize the index-recorded uncompressed
// size. Exactly one of expectedEntry (main payload) or expectedBulk
// (bulk chunk, with the parent asset's ID) is non-nil and supplies
// the identity the chunk header must match.
//
// Each call opens a private file handle, so concurrent loads never
// contend on shared stream state.
func (r *Reader) loadChunk(offset, expectedTotalSize, expectedUncompressedSize uint64, expectedEntry *indexEntry, expectedBulk *bulkEntry, bulkAssetID uid.AssetID) ([]byte, error) {
	if !r.checkRange(offset, expectedTotalSize) {
		return nil, fmt.Errorf("chunk offset/size exceeds file bounds")
	}
	if expectedTotalSize < chunkHeaderSize {
		return nil, fmt.Errorf("chunk total size %d too small for header", expectedTotalSize)
	}

	file, err := os.Open(r.path)
	if err != nil {
		return nil, fmt.Errorf("opening pack for chunk read: %w", err)
	}
	defer file.Close()

	var headerBytes [chunkHeaderSize]byte
	if err := seekAndReadExact(file, offset, headerBytes[:]); err != nil {
		return nil, fmt.Errorf("reading chunk header at offset %d: %w", offset, err)
	}
	hdr, err := decodeChunkHeader(headerBytes[:])
	if err != nil {
		return nil, err
	}

	if hdr.SizeUncompressed != expectedUncompressedSize {
		return nil, fmt.Errorf("chunk uncompressed size %d does not match index's %d", hdr.SizeUncompressed, expectedUncompressedSize)
	}
	expectedCompressed := expectedTotalSize - chunkHeaderSize
	if hdr.SizeCompressed != expectedCompressed {
		return nil, fmt.Errorf("chunk compressed size %d does not match index's %d", hdr.SizeCompressed, expectedCompressed)
	}
	if hdr.SizeCompressed > maxBlockSize || hdr.SizeUncompressed > maxBlockSize {
		return nil, fmt.Errorf("chunk size exceeds sanity limit")
	}

	// Identity checks: the chunk must be the one the index entry (or
	// bulk entry) claims, not merely a well-formed chunk somewhere in
	// the file.
	if expectedEntry != nil {
		if hdr.Kind != chunkKindMainPayload {
			return nil, fmt.Errorf("chunk kind %d, expected main payload", hdr.Kind)
		}
		if hdr.AssetID != expectedEntry.AssetID {
			return nil, fmt.Errorf("chunk AssetId mismatch with index entry")
		}
		if hdr.PayloadType != expectedEntry.CookedPayloadType {
			return nil, fmt.Errorf("chunk PayloadType mismatch with index entry")
		}
		if hdr.SchemaVersion != expectedEntry.CookedSchemaVersion {
			return nil, fmt.Errorf("chunk SchemaVersion mismatch with index entry")
		}
		if hdr.Compression != expectedEntry.Compression {
			return nil, fmt.Errorf("chunk Compression mismatch with index entry")
		}
	}
	if expectedBulk != nil {
		if hdr.Kind != chunkKindBulk {
			return nil, fmt.Errorf("chunk kind %d, expected bulk", hdr.Kind)
		}
		if hdr.Compression != expectedBulk.Compression {
			return nil, fmt.Errorf("bulk chunk Compression mismatch with bulk entry")
		}
		if hdr.AssetID != bulkAssetID {
			return nil, fmt.Errorf("bulk chunk AssetId mismatch: chunk belongs to a different asset")
		}
	}

	var output []byte
	if hdr.Compression == CompressionNone {
		if hdr.SizeCompressed != hdr.SizeUncompressed {
			return nil, fmt.Errorf("uncompressed chunk has mismatched sizes (%d stored, %d claimed)", hdr.SizeCompressed, hdr.SizeUncompressed)
		}
		output = make([]byte, hdr.SizeUncompressed)
		if _, err := io.ReadFull(file, output); err != nil {
			return nil, fmt.Errorf("reading chunk data: %w", err)
		}
	} else {
		compressed := make([]byte, hdr.SizeCompressed)
		if _, err := io.ReadFull(file, compressed); err != nil {
			return nil, fmt.Errorf("reading compressed chunk data: %w", err)
		}
		output, err = Decompress(compressed, int(hdr.SizeUncompressed), hdr.Compression)
		if err != nil {
			return nil, fmt.Errorf("decompressing chunk: %w", err)
		}
	}

	digest := xxh.Sum128(output)
	if digest.Hi != hdr.HashHi || digest.Lo != hdr.HashLo {
		return nil, fmt.Errorf("chunk hash mismatch: data corrupted")
	}

	return output, nil
}
