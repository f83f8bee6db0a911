// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package pack

import (
	"encoding/binary"
	"fmt"
	"os"

	"github.com/bureau-foundation/snapack/lib/xxh"
)

// Writer assembles queued assets into a .snpak file. Configure
// compression, queue assets with AddAsset, then call Write (fresh
// pack, atomic rename) or AppendUpdate (extend an existing pack in
// place).
//
// Writer is not safe for concurrent use.
type Writer struct {
	assets      []Entry
	compression Compression
	level       Level
}

// NewWriter returns a Writer with zstd/default compression.
func NewWriter() *Writer {
	return &Writer{
		compression: CompressionZstd,
		level:       LevelDefault,
	}
}

// SetCompression selects the compression mode for subsequent writes.
func (w *Writer) SetCompression(mode Compression) {
	w.compression = mode
}

// SetCompressionLevel selects the effort tier for subsequent writes.
func (w *Writer) SetCompressionLevel(level Level) {
	w.level = level
}

// SetMaxCompression toggles between the maximum and default effort
// tiers.
func (w *Writer) SetMaxCompression(enable bool) {
	if enable {
		w.level = LevelMax
	} else {
		w.level = LevelDefault
	}
}

// AddAsset queues an asset for the next Write or AppendUpdate.
func (w *Writer) AddAsset(entry Entry) {
	w.assets = append(w.assets, entry)
}

// Clear drops all queued assets.
func (w *Writer) Clear() {
	w.assets = nil
}

// PendingAssetCount returns the number of queued assets.
func (w *Writer) PendingAssetCount() int {
	return len(w.assets)
}

// stringTable interns the Name and VariantKey strings of a pack,
// assigning dense IDs in first-seen order. After freeze, introducing
// a new string is a programmer error: the string block has already
// been serialized, so a late string could never be referenced.
type stringTable struct {
	strings []string
	ids     map[string]uint32
	frozen  bool
}

func newStringTable() *stringTable {
	return &stringTable{ids: make(map[string]uint32)}
}

func (t *stringTable) add(s string) uint32 {
	if id, ok := t.ids[s]; ok {
		return id
	}
	if t.frozen {
		panic(fmt.Sprintf("pack: string table frozen: attempted to add new string %q", s))
	}
	id := uint32(len(t.strings))
	t.strings = append(t.strings, s)
	t.ids[s] = id
	return id
}

func (t *stringTable) lookup(s string) uint32 {
	id, ok := t.ids[s]
	if !ok {
		panic(fmt.Sprintf("pack: string %q not found in frozen table", s))
	}
	return id
}

// encode serializes the string block: header, offset array, then
// NUL-terminated UTF-8 bytes. The header's hash covers the string
// bytes only.
func (t *stringTable) encode() []byte {
	offsets := make([]uint32, len(t.strings))
	var stringDataSize int
	for i, s := range t.strings {
		offsets[i] = uint32(stringDataSize)
		stringDataSize += len(s) + 1
	}

	stringData := make([]byte, 0, stringDataSize)
	for _, s := range t.strings {
		stringData = append(stringData, s...)
		stringData = append(stringData, 0)
	}
	digest := xxh.Sum128(stringData)

	blockHeader := strBlockHeader{
		Version:     FormatVersion,
		BlockSize:   uint64(strBlockHeaderSize + 4*len(offsets) + len(stringData)),
		StringCount: uint32(len(t.strings)),
		HashHi:      digest.Hi,
		HashLo:      digest.Lo,
	}

	block := make([]byte, 0, blockHeader.BlockSize)
	headerBytes := blockHeader.encode()
	block = append(block, headerBytes[:]...)
	for _, offset := range offsets {
		block = binary.LittleEndian.AppendUint32(block, offset)
	}
	block = append(block, stringData...)
	return block
}

// encodeIndexBlock serializes the index block and returns it together
// with the XXH3-128 of the whole block (which goes into the pack
// header). The index header's own EntriesHash covers the entry arrays
// only.
func encodeIndexBlock(entries []indexEntry, bulkEntries []bulkEntry, prevOffset, prevSize uint64) (block []byte, blockDigest xxh.Digest128) {
	arrays := make([]byte, 0, len(entries)*indexEntrySize+len(bulkEntries)*bulkEntrySize)
	for i := range entries {
		encoded := entries[i].encode()
		arrays = append(arrays, encoded[:]...)
	}
	for i := range bulkEntries {
		encoded := bulkEntries[i].encode()
		arrays = append(arrays, encoded[:]...)
	}
	entriesDigest := xxh.Sum128(arrays)

	idxHeader := indexHeader{
		Version:             FormatVersion,
		BlockSize:           uint64(indexHeaderSize + len(arrays)),
		EntryCount:          uint32(len(entries)),
		BulkEntryCount:      uint32(len(bulkEntries)),
		EntriesHashHi:       entriesDigest.Hi,
		EntriesHashLo:       entriesDigest.Lo,
		PreviousIndexOffset: prevOffset,
		PreviousIndexSize:   prevSize,
	}
	headerBytes := idxHeader.encode()

	block = make([]byte, 0, idxHeader.BlockSize)
	block = append(block, headerBytes[:]...)
	block = append(block, arrays...)
	return block, xxh.Sum128(block)
}

// compressChunk applies mode/level to data, falling back to
// CompressionNone when the data is incompressible. Returns the stored
// bytes and the mode actually used (which is what both the chunk
// header and the index record).
func compressChunk(data []byte, mode Compression, level Level) ([]byte, Compression, error) {
	compressed, err := Compress(data, mode, level)
	if err != nil {
		if err == ErrIncompressible {
			return data, CompressionNone, nil
		}
		return nil, 0, err
	}
	return compressed, mode, nil
}

// writeTranche writes the chunks for all queued assets starting at
// fileOffset and returns the resulting index entries and bulk
// entries. Used by both fresh writes and append-updates.
func (w *Writer) writeTranche(file *os.File, fileOffset uint64, strings *stringTable) (entries []indexEntry, bulkEntries []bulkEntry, endOffset uint64, err error) {
	offset := fileOffset

	writeAll := func(data []byte) error {
		if _, err := file.Write(data); err != nil {
			return err
		}
		offset += uint64(len(data))
		return nil
	}

	for assetIndex := range w.assets {
		asset := &w.assets[assetIndex]

		entry := indexEntry{
			AssetID:             asset.ID,
			AssetKind:           asset.Kind,
			CookedPayloadType:   asset.Cooked.PayloadType,
			CookedSchemaVersion: asset.Cooked.SchemaVersion,
			NameStringID:        strings.lookup(asset.Name),
			NameHash64:          xxh.Sum64String(asset.Name),
		}
		if asset.VariantKey != "" {
			entry.VariantStringID = strings.lookup(asset.VariantKey)
			entry.VariantHash64 = xxh.Sum64String(asset.VariantKey)
		} else {
			entry.VariantStringID = noVariantStringID
		}

		// Main payload chunk.
		compressed, mode, err := compressChunk(asset.Cooked.Bytes, w.compression, w.level)
		if err != nil {
			return nil, nil, 0, fmt.Errorf("compressing payload for %q: %w", asset.Name, err)
		}
		digest := xxh.Sum128(asset.Cooked.Bytes)

		hdr := chunkHeader{
			Version:          FormatVersion,
			AssetID:          asset.ID,
			PayloadType:      asset.Cooked.PayloadType,
			SchemaVersion:    asset.Cooked.SchemaVersion,
			Compression:      mode,
			Kind:             chunkKindMainPayload,
			CompressionLevel: w.level,
			SizeCompressed:   uint64(len(compressed)),
			SizeUncompressed: uint64(len(asset.Cooked.Bytes)),
			HashHi:           digest.Hi,
			HashLo:           digest.Lo,
		}

		entry.PayloadChunkOffset = offset
		entry.PayloadChunkSizeCompressed = uint64(chunkHeaderSize + len(compressed))
		entry.PayloadChunkSizeUncompressed = uint64(len(asset.Cooked.Bytes))
		entry.Compression = mode
		entry.CompressionLevel = w.level
		entry.PayloadHashHi = digest.Hi
		entry.PayloadHashLo = digest.Lo

		headerBytes := hdr.encode()
		if err := writeAll(headerBytes[:]); err != nil {
			return nil, nil, 0, fmt.Errorf("writing payload chunk for %q: %w", asset.Name, err)
		}
		if err := writeAll(compressed); err != nil {
			return nil, nil, 0, fmt.Errorf("writing payload chunk for %q: %w", asset.Name, err)
		}

		// Bulk chunks, in authoring order. SubIndex is forced to the
		// array position; the reader verifies it.
		if len(asset.Bulk) > 0 {
			entry.Flags |= entryFlagHasBulk
			entry.BulkFirstIndex = uint32(len(bulkEntries))
			entry.BulkCount = uint32(len(asset.Bulk))

			for bulkIndex := range asset.Bulk {
				bulk := &asset.Bulk[bulkIndex]

				bulkMode := CompressionNone
				bulkLevel := LevelDefault
				var stored []byte
				if bulk.Compress {
					requestMode := w.compression
					requestLevel := w.level
					if bulk.OverrideCompression != nil {
						requestMode = *bulk.OverrideCompression
					}
					if bulk.OverrideLevel != nil {
						requestLevel = *bulk.OverrideLevel
					}
					var err error
					stored, bulkMode, err = compressChunk(bulk.Bytes, requestMode, requestLevel)
					if err != nil {
						return nil, nil, 0, fmt.Errorf("compressing bulk chunk %d for %q: %w", bulkIndex, asset.Name, err)
					}
					if bulkMode != CompressionNone {
						bulkLevel = requestLevel
					}
				} else {
					stored = bulk.Bytes
				}
				bulkDigest := xxh.Sum128(bulk.Bytes)

				bulkHdr := chunkHeader{
					Version:          FormatVersion,
					AssetID:          asset.ID,
					PayloadType:      asset.Cooked.PayloadType,
					SchemaVersion:    0,
					Compression:      bulkMode,
					Kind:             chunkKindBulk,
					CompressionLevel: bulkLevel,
					SizeCompressed:   uint64(len(stored)),
					SizeUncompressed: uint64(len(bulk.Bytes)),
					HashHi:           bulkDigest.Hi,
					HashLo:           bulkDigest.Lo,
				}

				bulkEntries = append(bulkEntries, bulkEntry{
					Semantic:         bulk.Semantic,
					SubIndex:         uint32(bulkIndex),
					ChunkOffset:      offset,
					SizeCompressed:   uint64(chunkHeaderSize + len(stored)),
					SizeUncompressed: uint64(len(bulk.Bytes)),
					Compression:      bulkMode,
					CompressionLevel: bulkLevel,
					HashHi:           bulkDigest.Hi,
					HashLo:           bulkDigest.Lo,
				})

				bulkHeaderBytes := bulkHdr.encode()
				if err := writeAll(bulkHeaderBytes[:]); err != nil {
					return nil, nil, 0, fmt.Errorf("writing bulk chunk %d for %q: %w", bulkIndex, asset.Name, err)
				}
				if err := writeAll(stored); err != nil {
					return nil, nil, 0, fmt.Errorf("writing bulk chunk %d for %q: %w", bulkIndex, asset.Name, err)
				}
			}
		}

		entries = append(entries, entry)
	}

	return entries, bulkEntries, offset, nil
}

// Write produces a fresh pack at outputPath. The pack is written to
// outputPath+".tmp" and atomically renamed into place, so a partial
// destination is never visible.
func (w *Writer) Write(outputPath string) error {
	tempPath := outputPath + ".tmp"

	file, err := os.OpenFile(tempPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("creating %s: %w", tempPath, err)
	}
	// Remove the temp file on any failure path; harmless after a
	// successful rename.
	defer os.Remove(tempPath)
	defer file.Close()

	// Intern every name and variant key, then freeze: the string
	// block is serialized before the chunks, so no new strings may
	// appear afterwards.
	strings := newStringTable()
	for i := range w.assets {
		strings.add(w.assets[i].Name)
		if w.assets[i].VariantKey != "" {
			strings.add(w.assets[i].VariantKey)
		}
	}

	// Header placeholder; rewritten with final offsets at the end.
	hdr := header{
		Version:      FormatVersion,
		HeaderSize:   headerSize,
		EndianMarker: endianMarker,
	}
	placeholder := hdr.encode()
	if _, err := file.Write(placeholder[:]); err != nil {
		return fmt.Errorf("writing pack header: %w", err)
	}
	offset := uint64(headerSize)

	stringBlock := strings.encode()
	strings.frozen = true
	if _, err := file.Write(stringBlock); err != nil {
		return fmt.Errorf("writing string block: %w", err)
	}
	hdr.StringTableOffset = offset
	hdr.StringTableSize = uint64(len(stringBlock))
	offset += uint64(len(stringBlock))

	entries, bulkEntries, offset, err := w.writeTranche(file, offset, strings)
	if err != nil {
		return err
	}

	indexBlock, indexDigest := encodeIndexBlock(entries, bulkEntries, 0, 0)
	if _, err := file.Write(indexBlock); err != nil {
		return fmt.Errorf("writing index block: %w", err)
	}
	hdr.IndexOffset = offset
	hdr.IndexSize = uint64(len(indexBlock))
	hdr.IndexHashHi = indexDigest.Hi
	hdr.IndexHashLo = indexDigest.Lo
	offset += uint64(len(indexBlock))
	hdr.FileSize = offset

	final := hdr.encode()
	if _, err := file.WriteAt(final[:], 0); err != nil {
		return fmt.Errorf("rewriting pack header: %w", err)
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("closing %s: %w", tempPath, err)
	}

	if err := os.Rename(tempPath, outputPath); err != nil {
		return fmt.Errorf("renaming %s to %s: %w", tempPath, outputPath, err)
	}
	return nil
}

// AppendUpdate extends an existing pack at packPath with the queued
// assets: a new string block, chunk tranche, and index block are
// appended, and the header is rewritten to point at the new index.
//
// The new index is a merge — entries from the prior index whose
// AssetId is not superseded by a queued asset are carried forward
// (their chunks stay where they are; their names are re-interned into
// the new string table), so readers that load only the latest index
// see both old and new assets. Prior index blocks remain in the file
// for tooling.
//
// If packPath does not exist, AppendUpdate is equivalent to Write.
func (w *Writer) AppendUpdate(packPath string) error {
	if _, err := os.Stat(packPath); os.IsNotExist(err) {
		return w.Write(packPath)
	}

	// Fully validate the existing pack (header, string table, index,
	// all hashes) before touching it.
	existing, err := Open(packPath)
	if err != nil {
		return fmt.Errorf("opening existing pack for append: %w", err)
	}
	defer existing.Close()

	superseded := make(map[[16]byte]bool, len(w.assets))
	for i := range w.assets {
		superseded[w.assets[i].ID] = true
	}

	// Build the merged string table: carried-forward names first (in
	// prior index order), then the queued assets' strings.
	strings := newStringTable()
	type carried struct {
		entry      indexEntry
		name       string
		variantKey string
	}
	var carry []carried
	for i := range existing.entries {
		entry := existing.entries[i]
		if superseded[entry.AssetID] {
			continue
		}
		name := existing.stringTable[entry.NameStringID]
		variantKey := ""
		if entry.VariantStringID != noVariantStringID {
			variantKey = existing.stringTable[entry.VariantStringID]
		}
		strings.add(name)
		if variantKey != "" {
			strings.add(variantKey)
		}
		carry = append(carry, carried{entry: entry, name: name, variantKey: variantKey})
	}
	for i := range w.assets {
		strings.add(w.assets[i].Name)
		if w.assets[i].VariantKey != "" {
			strings.add(w.assets[i].VariantKey)
		}
	}

	oldHeader := existing.header

	file, err := os.OpenFile(packPath, os.O_RDWR, 0)
	if err != nil {
		return fmt.Errorf("opening %s for append: %w", packPath, err)
	}
	defer file.Close()

	// Append from the end of the validated region. Any garbage past
	// header.FileSize (from an interrupted previous append) is
	// overwritten.
	offset := oldHeader.FileSize
	if _, err := file.Seek(int64(offset), 0); err != nil {
		return fmt.Errorf("seeking to end of pack: %w", err)
	}

	stringBlock := strings.encode()
	strings.frozen = true
	if _, err := file.Write(stringBlock); err != nil {
		return fmt.Errorf("writing string block: %w", err)
	}
	newStringTableOffset := offset
	offset += uint64(len(stringBlock))

	entries, bulkEntries, offset, err := w.writeTranche(file, offset, strings)
	if err != nil {
		return err
	}

	// Re-base carried-forward entries onto the new string table and
	// bulk array. Chunk offsets and hashes are untouched — the data
	// is already in the file.
	merged := make([]indexEntry, 0, len(carry)+len(entries))
	mergedBulk := make([]bulkEntry, 0, len(bulkEntries))
	for _, c := range carry {
		entry := c.entry
		entry.NameStringID = strings.lookup(c.name)
		if c.variantKey != "" {
			entry.VariantStringID = strings.lookup(c.variantKey)
		}
		oldFirst := entry.BulkFirstIndex
		entry.BulkFirstIndex = uint32(len(mergedBulk))
		for i := uint32(0); i < entry.BulkCount; i++ {
			mergedBulk = append(mergedBulk, existing.bulkEntries[oldFirst+i])
		}
		merged = append(merged, entry)
	}
	for _, entry := range entries {
		oldFirst := entry.BulkFirstIndex
		newFirst := uint32(len(mergedBulk))
		for i := uint32(0); i < entry.BulkCount; i++ {
			mergedBulk = append(mergedBulk, bulkEntries[oldFirst+i])
		}
		entry.BulkFirstIndex = newFirst
		merged = append(merged, entry)
	}

	indexBlock, indexDigest := encodeIndexBlock(merged, mergedBulk, oldHeader.IndexOffset, oldHeader.IndexSize)
	if _, err := file.Write(indexBlock); err != nil {
		return fmt.Errorf("writing index block: %w", err)
	}
	newIndexOffset := offset
	offset += uint64(len(indexBlock))

	newHeader := oldHeader
	newHeader.FileSize = offset
	newHeader.IndexOffset = newIndexOffset
	newHeader.IndexSize = uint64(len(indexBlock))
	newHeader.StringTableOffset = newStringTableOffset
	newHeader.StringTableSize = uint64(len(stringBlock))
	newHeader.IndexHashHi = indexDigest.Hi
	newHeader.IndexHashLo = indexDigest.Lo
	newHeader.PreviousIndexOffset = oldHeader.IndexOffset
	newHeader.PreviousIndexSize = oldHeader.IndexSize
	newHeader.Flags |= flagHasTrailingIndex

	final := newHeader.encode()
	if _, err := file.WriteAt(final[:], 0); err != nil {
		return fmt.Errorf("rewriting pack header: %w", err)
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("closing %s: %w", packPath, err)
	}
	return nil
}
