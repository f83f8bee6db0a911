// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package pack

import (
	"testing"

	"github.com/bureau-foundation/snapack/lib/uid"
)

// The fixed struct sizes are normative: any implementation must lay
// these out bit-for-bit. The encode functions return fixed-size
// arrays, so the sizes are checked by the compiler; these tests pin
// the constants themselves against the format specification.
func TestStructSizes(t *testing.T) {
	sizes := map[string]struct{ got, want int }{
		"pack header":         {headerSize, 180},
		"string block header": {strBlockHeaderSize, 40},
		"index header":        {indexHeaderSize, 88},
		"index entry":         {indexEntrySize, 128},
		"bulk entry":          {bulkEntrySize, 56},
		"chunk header":        {chunkHeaderSize, 80},
	}
	for name, size := range sizes {
		if size.got != size.want {
			t.Errorf("%s size = %d, want %d", name, size.got, size.want)
		}
	}
}

func TestHeaderRoundtrip(t *testing.T) {
	in := header{
		Version:             FormatVersion,
		HeaderSize:          headerSize,
		EndianMarker:        endianMarker,
		FileSize:            123456,
		IndexOffset:         1000,
		IndexSize:           2000,
		StringTableOffset:   180,
		StringTableSize:     820,
		IndexHashHi:         0xDEADBEEF12345678,
		IndexHashLo:         0x8765432100FFEE00,
		Flags:               flagHasTrailingIndex,
		PreviousIndexOffset: 500,
		PreviousIndexSize:   600,
	}
	encoded := in.encode()
	out, err := decodeHeader(encoded[:])
	if err != nil {
		t.Fatalf("decodeHeader: %v", err)
	}
	if out != in {
		t.Errorf("header round trip mismatch:\n got %+v\nwant %+v", out, in)
	}
}

func TestHeaderRejectsBadIdentity(t *testing.T) {
	good := header{Version: FormatVersion, HeaderSize: headerSize, EndianMarker: endianMarker}

	cases := map[string]func(*[headerSize]byte){
		"bad magic":         func(b *[headerSize]byte) { b[0] = 'X' },
		"bad version":       func(b *[headerSize]byte) { b[8] = 99 },
		"bad header size":   func(b *[headerSize]byte) { b[12] = 7 },
		"swapped endianism": func(b *[headerSize]byte) { b[16], b[19] = b[19], b[16] },
	}
	for name, mutate := range cases {
		encoded := good.encode()
		mutate(&encoded)
		if _, err := decodeHeader(encoded[:]); err == nil {
			t.Errorf("decodeHeader accepted %s", name)
		}
	}
}

func TestIndexEntryRoundtrip(t *testing.T) {
	in := indexEntry{
		AssetID:                      uid.New(),
		AssetKind:                    uid.NewType("snapack.test.kind"),
		CookedPayloadType:            uid.NewType("snapack.test.cooked"),
		CookedSchemaVersion:          7,
		NameStringID:                 3,
		NameHash64:                   0x1122334455667788,
		VariantStringID:              noVariantStringID,
		PayloadChunkOffset:           4096,
		PayloadChunkSizeCompressed:   512,
		PayloadChunkSizeUncompressed: 1024,
		Compression:                  CompressionZstd,
		Flags:                        entryFlagHasBulk,
		CompressionLevel:             LevelHigh,
		BulkFirstIndex:               9,
		BulkCount:                    2,
		PayloadHashHi:                1,
		PayloadHashLo:                2,
	}
	encoded := in.encode()
	if out := decodeIndexEntry(encoded[:]); out != in {
		t.Errorf("index entry round trip mismatch:\n got %+v\nwant %+v", out, in)
	}
}

func TestBulkEntryRoundtrip(t *testing.T) {
	in := bulkEntry{
		Semantic:         SemanticReservedLevel,
		SubIndex:         4,
		ChunkOffset:      8192,
		SizeCompressed:   100,
		SizeUncompressed: 300,
		Compression:      CompressionLZ4,
		CompressionLevel: LevelMax,
		HashHi:           0xAA,
		HashLo:           0xBB,
	}
	encoded := in.encode()
	if out := decodeBulkEntry(encoded[:]); out != in {
		t.Errorf("bulk entry round trip mismatch:\n got %+v\nwant %+v", out, in)
	}
}

func TestChunkHeaderRoundtrip(t *testing.T) {
	in := chunkHeader{
		Version:          FormatVersion,
		AssetID:          uid.New(),
		PayloadType:      uid.NewType("snapack.test.cooked"),
		SchemaVersion:    2,
		Compression:      CompressionLZ4HC,
		Kind:             chunkKindBulk,
		CompressionLevel: LevelFast,
		SizeCompressed:   55,
		SizeUncompressed: 99,
		HashHi:           3,
		HashLo:           4,
	}
	encoded := in.encode()
	out, err := decodeChunkHeader(encoded[:])
	if err != nil {
		t.Fatalf("decodeChunkHeader: %v", err)
	}
	if out != in {
		t.Errorf("chunk header round trip mismatch:\n got %+v\nwant %+v", out, in)
	}
}
