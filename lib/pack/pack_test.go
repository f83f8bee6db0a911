// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package pack

import (
	"bytes"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/bureau-foundation/snapack/lib/payload"
	"github.com/bureau-foundation/snapack/lib/uid"
)

var (
	testKind   = uid.NewType("snapack.test.texture")
	testCooked = uid.NewType("snapack.test.texture.cooked")
)

func testEntry(name, variant string, cooked []byte, bulk ...[]byte) Entry {
	entry := Entry{
		ID:         uid.DeterministicAssetID(name, variant),
		Kind:       testKind,
		Name:       name,
		VariantKey: variant,
		Cooked: payload.TypedPayload{
			PayloadType:   testCooked,
			SchemaVersion: 1,
			Bytes:         cooked,
		},
	}
	for i, data := range bulk {
		entry.Bulk = append(entry.Bulk, BulkChunk{
			Semantic: SemanticReservedLevel,
			SubIndex: uint32(i),
			Compress: true,
			Bytes:    data,
		})
	}
	return entry
}

func writePack(t *testing.T, path string, entries ...Entry) {
	t.Helper()
	writer := NewWriter()
	writer.SetCompression(CompressionZstd)
	for _, entry := range entries {
		writer.AddAsset(entry)
	}
	if err := writer.Write(path); err != nil {
		t.Fatalf("Write: %v", err)
	}
}

func TestRoundtripOneAsset(t *testing.T) {
	path := filepath.Join(t.TempDir(), "p.snpak")
	writePack(t, path, testEntry("textures/sky", "", []byte{1, 2, 3, 4}, []byte{0xAA, 0xBB}))

	reader, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer reader.Close()

	if reader.AssetCount() != 1 {
		t.Fatalf("AssetCount = %d, want 1", reader.AssetCount())
	}

	info, err := reader.AssetInfo(0)
	if err != nil {
		t.Fatalf("AssetInfo: %v", err)
	}
	if info.Name != "textures/sky" {
		t.Errorf("Name = %q, want %q", info.Name, "textures/sky")
	}
	if info.Kind != testKind || info.CookedPayloadType != testCooked {
		t.Error("asset type IDs did not round trip")
	}
	if info.SchemaVersion != 1 {
		t.Errorf("SchemaVersion = %d, want 1", info.SchemaVersion)
	}
	if info.BulkChunkCount != 1 {
		t.Errorf("BulkChunkCount = %d, want 1", info.BulkChunkCount)
	}

	cooked, err := reader.LoadCookedPayload(info.ID)
	if err != nil {
		t.Fatalf("LoadCookedPayload: %v", err)
	}
	if !bytes.Equal(cooked.Bytes, []byte{1, 2, 3, 4}) {
		t.Errorf("cooked payload = %v, want [1 2 3 4]", cooked.Bytes)
	}
	if cooked.PayloadType != testCooked || cooked.SchemaVersion != 1 {
		t.Error("cooked payload type/version did not round trip")
	}

	bulk, err := reader.LoadBulkChunk(info.ID, 0)
	if err != nil {
		t.Fatalf("LoadBulkChunk: %v", err)
	}
	if !bytes.Equal(bulk, []byte{0xAA, 0xBB}) {
		t.Errorf("bulk chunk = %v, want [AA BB]", bulk)
	}

	bulkInfo, err := reader.BulkChunkInfo(info.ID, 0)
	if err != nil {
		t.Fatalf("BulkChunkInfo: %v", err)
	}
	if bulkInfo.Semantic != SemanticReservedLevel || bulkInfo.SubIndex != 0 || bulkInfo.UncompressedSize != 2 {
		t.Errorf("BulkChunkInfo = %+v", bulkInfo)
	}

	if _, err := reader.LoadBulkChunk(info.ID, 1); err == nil {
		t.Error("LoadBulkChunk beyond BulkChunkCount succeeded")
	}
}

func TestRoundtripManyAssetsAllFields(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "many.snpak")

	entries := []Entry{
		testEntry("a/one", "", compressible(10_000), compressible(50_000), compressible(30_000)),
		testEntry("a/two", "hdr", compressible(500)),
		testEntry("b/three", "", []byte{9}),
	}
	writePack(t, path, entries...)

	reader, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer reader.Close()

	if reader.AssetCount() != len(entries) {
		t.Fatalf("AssetCount = %d, want %d", reader.AssetCount(), len(entries))
	}

	for _, want := range entries {
		info, err := reader.FindAsset(want.ID)
		if err != nil {
			t.Fatalf("FindAsset(%s): %v", want.Name, err)
		}
		if info.Name != want.Name || info.VariantKey != want.VariantKey {
			t.Errorf("info name/variant = %q/%q, want %q/%q", info.Name, info.VariantKey, want.Name, want.VariantKey)
		}
		if int(info.BulkChunkCount) != len(want.Bulk) {
			t.Errorf("%s BulkChunkCount = %d, want %d", want.Name, info.BulkChunkCount, len(want.Bulk))
		}

		cooked, err := reader.LoadCookedPayload(want.ID)
		if err != nil {
			t.Fatalf("LoadCookedPayload(%s): %v", want.Name, err)
		}
		if !bytes.Equal(cooked.Bytes, want.Cooked.Bytes) {
			t.Errorf("%s cooked payload mismatch", want.Name)
		}

		for i := range want.Bulk {
			data, err := reader.LoadBulkChunk(want.ID, uint32(i))
			if err != nil {
				t.Fatalf("LoadBulkChunk(%s, %d): %v", want.Name, i, err)
			}
			if !bytes.Equal(data, want.Bulk[i].Bytes) {
				t.Errorf("%s bulk %d mismatch", want.Name, i)
			}
		}
	}
}

func TestParallelChunkLoads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "par.snpak")
	entry := testEntry("big", "", compressible(100_000),
		compressible(80_000), compressible(60_000), compressible(40_000))
	writePack(t, path, entry)

	reader, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer reader.Close()

	// Chunk loads use private file handles; hammer them from many
	// goroutines at once.
	var wg sync.WaitGroup
	for worker := 0; worker < 8; worker++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 20; i++ {
				if _, err := reader.LoadCookedPayload(entry.ID); err != nil {
					t.Errorf("LoadCookedPayload: %v", err)
					return
				}
				for bulk := uint32(0); bulk < 3; bulk++ {
					if _, err := reader.LoadBulkChunk(entry.ID, bulk); err != nil {
						t.Errorf("LoadBulkChunk(%d): %v", bulk, err)
						return
					}
				}
			}
		}()
	}
	wg.Wait()
}

func TestVariantsCoexist(t *testing.T) {
	path := filepath.Join(t.TempDir(), "var.snpak")
	writePack(t, path,
		testEntry("mat/m", "", []byte{1}),
		testEntry("mat/m", "hdr", []byte{2}),
	)

	reader, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer reader.Close()

	variants := reader.FindAssetsByName("mat/m")
	if len(variants) != 2 {
		t.Fatalf("FindAssetsByName returned %d assets, want 2", len(variants))
	}

	info, err := reader.FindAssetByName("mat/m")
	if err != nil {
		t.Fatalf("FindAssetByName: %v", err)
	}
	if info.VariantKey != "" {
		t.Errorf("FindAssetByName preferred variant %q over the base asset", info.VariantKey)
	}
}

func TestOpenRejectsTruncatedAndOversized(t *testing.T) {
	dir := t.TempDir()

	// Smaller than the header.
	tiny := filepath.Join(dir, "tiny.snpak")
	if err := os.WriteFile(tiny, []byte("SNPAK"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Open(tiny); err == nil {
		t.Error("Open accepted a file smaller than the header")
	}

	// Header FileSize exceeding the actual size.
	path := filepath.Join(dir, "lying.snpak")
	writePack(t, path, testEntry("x", "", []byte{1}))
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, data[:len(data)-1], 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Open(path); err == nil {
		t.Error("Open accepted a truncated file whose header claims more bytes")
	}
}

func TestCorruptionDetection(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "c.snpak")
	writePack(t, path, testEntry("t/c", "", compressible(2000), compressible(3000)))

	pristine, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}

	reader, err := Open(path)
	if err != nil {
		t.Fatalf("Open pristine: %v", err)
	}
	indexOffset := reader.header.IndexOffset
	stringOffset := reader.header.StringTableOffset
	chunkOffset := reader.entries[0].PayloadChunkOffset
	assetID := reader.entries[0].AssetID
	reader.Close()

	flipByteAt := func(offset uint64) {
		corrupted := append([]byte(nil), pristine...)
		corrupted[offset] ^= 0xFF
		if err := os.WriteFile(path, corrupted, 0o644); err != nil {
			t.Fatal(err)
		}
	}

	// A flip in the index entries region fails at Open.
	flipByteAt(indexOffset + indexHeaderSize + 20)
	if _, err := Open(path); err == nil {
		t.Error("Open accepted a pack with a corrupted index entry")
	}

	// A flip in the index header's entry count fails the index block
	// size check.
	flipByteAt(indexOffset + 16)
	if _, err := Open(path); err == nil {
		t.Error("Open accepted a pack with a corrupted index header")
	}

	// A flip in the string data fails at Open.
	flipByteAt(stringOffset + strBlockHeaderSize + 4)
	if _, err := Open(path); err == nil {
		t.Error("Open accepted a pack with corrupted string data")
	}

	// A flip inside a chunk payload opens fine but fails at load.
	flipByteAt(chunkOffset + chunkHeaderSize + 1)
	corruptedReader, err := Open(path)
	if err != nil {
		t.Fatalf("Open with corrupt chunk payload: %v", err)
	}
	defer corruptedReader.Close()
	if _, err := corruptedReader.LoadCookedPayload(assetID); err == nil {
		t.Error("LoadCookedPayload returned corrupted chunk data")
	}
}

func TestAppendUpdate(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.snpak")

	assetX := testEntry("pack/x", "", []byte{0x01, 0x02}, []byte{0xF0})
	writePack(t, path, assetX)

	oldReader, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	oldIndexOffset := oldReader.header.IndexOffset
	oldReader.Close()

	assetY := testEntry("pack/y", "", []byte{0x03, 0x04})
	writer := NewWriter()
	writer.AddAsset(assetY)
	if err := writer.AppendUpdate(path); err != nil {
		t.Fatalf("AppendUpdate: %v", err)
	}

	reader, err := Open(path)
	if err != nil {
		t.Fatalf("Open after append: %v", err)
	}
	defer reader.Close()

	if reader.AssetCount() != 2 {
		t.Fatalf("AssetCount = %d, want 2", reader.AssetCount())
	}

	prevOffset, prevSize := reader.PreviousIndex()
	if prevOffset != oldIndexOffset {
		t.Errorf("PreviousIndexOffset = %d, want %d", prevOffset, oldIndexOffset)
	}
	if prevSize == 0 {
		t.Error("PreviousIndexSize = 0 after append")
	}

	// Both the carried-forward asset and the appended one load.
	cookedX, err := reader.LoadCookedPayload(assetX.ID)
	if err != nil {
		t.Fatalf("LoadCookedPayload(x): %v", err)
	}
	if !bytes.Equal(cookedX.Bytes, []byte{0x01, 0x02}) {
		t.Error("carried-forward payload mismatch")
	}
	bulkX, err := reader.LoadBulkChunk(assetX.ID, 0)
	if err != nil {
		t.Fatalf("LoadBulkChunk(x): %v", err)
	}
	if !bytes.Equal(bulkX, []byte{0xF0}) {
		t.Error("carried-forward bulk chunk mismatch")
	}

	cookedY, err := reader.LoadCookedPayload(assetY.ID)
	if err != nil {
		t.Fatalf("LoadCookedPayload(y): %v", err)
	}
	if !bytes.Equal(cookedY.Bytes, []byte{0x03, 0x04}) {
		t.Error("appended payload mismatch")
	}
}

func TestAppendUpdateSupersedes(t *testing.T) {
	path := filepath.Join(t.TempDir(), "s.snpak")

	original := testEntry("cfg/settings", "", []byte{1})
	writePack(t, path, original)

	// An appended asset with the same ID replaces the old entry in
	// the merged index.
	replacement := testEntry("cfg/settings", "", []byte{2})
	writer := NewWriter()
	writer.AddAsset(replacement)
	if err := writer.AppendUpdate(path); err != nil {
		t.Fatalf("AppendUpdate: %v", err)
	}

	reader, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer reader.Close()

	if reader.AssetCount() != 1 {
		t.Fatalf("AssetCount = %d, want 1", reader.AssetCount())
	}
	cooked, err := reader.LoadCookedPayload(replacement.ID)
	if err != nil {
		t.Fatalf("LoadCookedPayload: %v", err)
	}
	if !bytes.Equal(cooked.Bytes, []byte{2}) {
		t.Errorf("superseded asset payload = %v, want [2]", cooked.Bytes)
	}
}

func TestAppendUpdateOnMissingFileWrites(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fresh.snpak")

	writer := NewWriter()
	writer.AddAsset(testEntry("n", "", []byte{5}))
	if err := writer.AppendUpdate(path); err != nil {
		t.Fatalf("AppendUpdate on missing path: %v", err)
	}

	reader, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer reader.Close()
	if reader.AssetCount() != 1 {
		t.Errorf("AssetCount = %d, want 1", reader.AssetCount())
	}
	if offset, size := reader.PreviousIndex(); offset != 0 || size != 0 {
		t.Error("fresh pack has a previous index")
	}
}

func TestWriteIsAtomic(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "atomic.snpak")
	writePack(t, path, testEntry("a", "", []byte{1}))

	// No temp file left behind after a successful write.
	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Error("temp file survived a successful Write")
	}
}

func TestDeterministicWrites(t *testing.T) {
	dir := t.TempDir()
	entries := []Entry{
		testEntry("d/one", "", compressible(5000), compressible(2000)),
		testEntry("d/two", "low", compressible(700)),
	}

	pathA := filepath.Join(dir, "a.snpak")
	pathB := filepath.Join(dir, "b.snpak")
	writePack(t, pathA, entries...)
	writePack(t, pathB, entries...)

	dataA, err := os.ReadFile(pathA)
	if err != nil {
		t.Fatal(err)
	}
	dataB, err := os.ReadFile(pathB)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(dataA, dataB) {
		t.Error("two writes of identical input produced different bytes")
	}
}
