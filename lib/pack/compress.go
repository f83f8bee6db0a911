// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package pack

import (
	"errors"
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Compression identifies the algorithm used for a chunk. Values are
// stored in chunk headers and index entries (1 byte each) — protocol
// constants.
type Compression uint8

const (
	// CompressionNone stores data uncompressed. Also the fallback
	// when a chunk turns out to be incompressible.
	CompressionNone Compression = 0

	// CompressionLZ4 is LZ4 block compression: fast decode, modest
	// ratio. Suits bulk data where load latency matters.
	CompressionLZ4 Compression = 1

	// CompressionZstd is zstd: better ratios at higher CPU cost.
	// NewWriter's default mode for every chunk.
	CompressionZstd Compression = 2

	// CompressionLZ4HC is LZ4 with the high-compression encoder.
	// Same decode path as CompressionLZ4.
	CompressionLZ4HC Compression = 3

	// CompressionZstdFast is zstd's fastest mode, trading ratio for
	// encode speed. Decodes with the standard zstd decoder.
	CompressionZstdFast Compression = 4
)

// String returns the human-readable name of a compression mode.
func (c Compression) String() string {
	switch c {
	case CompressionNone:
		return "none"
	case CompressionLZ4:
		return "lz4"
	case CompressionZstd:
		return "zstd"
	case CompressionLZ4HC:
		return "lz4hc"
	case CompressionZstdFast:
		return "zstd-fast"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(c))
	}
}

// ParseCompression parses a compression mode from its string form.
func ParseCompression(name string) (Compression, error) {
	switch name {
	case "none":
		return CompressionNone, nil
	case "lz4":
		return CompressionLZ4, nil
	case "zstd":
		return CompressionZstd, nil
	case "lz4hc":
		return CompressionLZ4HC, nil
	case "zstd-fast":
		return CompressionZstdFast, nil
	default:
		return 0, fmt.Errorf("unknown compression mode: %q", name)
	}
}

// Level selects an effort tier within a compression mode. Stored in
// reserved header bytes for diagnostics; decode never needs it.
type Level uint8

const (
	LevelDefault Level = 0
	LevelFast    Level = 1
	LevelHigh    Level = 2
	LevelMax     Level = 3
)

// String returns the human-readable name of a level.
func (l Level) String() string {
	switch l {
	case LevelDefault:
		return "default"
	case LevelFast:
		return "fast"
	case LevelHigh:
		return "high"
	case LevelMax:
		return "max"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(l))
	}
}

// ParseLevel parses a compression level from its string form.
func ParseLevel(name string) (Level, error) {
	switch name {
	case "default":
		return LevelDefault, nil
	case "fast":
		return LevelFast, nil
	case "high":
		return LevelHigh, nil
	case "max":
		return LevelMax, nil
	default:
		return 0, fmt.Errorf("unknown compression level: %q", name)
	}
}

// ErrIncompressible is returned by Compress when the compressed output
// would not be smaller than the input. The caller should store the
// data with CompressionNone instead.
var ErrIncompressible = errors.New("data is incompressible")

// Encoder and decoder contexts are reused across calls: the zstd
// encoders/decoder are concurrency-safe and shared, the lz4 block
// compressors keep per-call state and live in sync.Pools.
var (
	zstdEncoders [4]*zstd.Encoder // indexed by Level
	zstdFastest  *zstd.Encoder
	zstdDecoder  *zstd.Decoder

	lz4Pool = sync.Pool{
		New: func() any { return new(lz4.Compressor) },
	}
	lz4HCPool = sync.Pool{
		New: func() any { return new(lz4.CompressorHC) },
	}
)

func init() {
	newEncoder := func(level zstd.EncoderLevel) *zstd.Encoder {
		enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(level))
		if err != nil {
			panic("pack: zstd encoder initialization failed: " + err.Error())
		}
		return enc
	}

	zstdEncoders[LevelDefault] = newEncoder(zstd.SpeedDefault)
	zstdEncoders[LevelFast] = newEncoder(zstd.SpeedFastest)
	zstdEncoders[LevelHigh] = newEncoder(zstd.SpeedBetterCompression)
	zstdEncoders[LevelMax] = newEncoder(zstd.SpeedBestCompression)
	// zstd's negative "fast" levels are not exposed by the encoder;
	// the fastest positive mode stands in for all ZstdFast tiers.
	zstdFastest = zstdEncoders[LevelFast]

	var err error
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("pack: zstd decoder initialization failed: " + err.Error())
	}
}

// lz4HCLevel maps the format's effort tiers onto the lz4 HC encoder's
// level range.
func lz4HCLevel(level Level) lz4.CompressionLevel {
	switch level {
	case LevelFast:
		return lz4.Level1
	case LevelHigh:
		return lz4.Level8
	case LevelMax:
		return lz4.Level9
	default:
		return lz4.Level6
	}
}

// Compress compresses data with the given mode and level. For
// CompressionNone it returns the input unchanged (no copy). Returns
// ErrIncompressible when the output would be at least as large as the
// input; callers fall back to CompressionNone and record that in the
// chunk header and index entry.
func Compress(data []byte, mode Compression, level Level) ([]byte, error) {
	if mode == CompressionNone || len(data) == 0 {
		if mode != CompressionNone {
			return nil, ErrIncompressible
		}
		return data, nil
	}

	switch mode {
	case CompressionLZ4:
		compressor := lz4Pool.Get().(*lz4.Compressor)
		defer lz4Pool.Put(compressor)

		destination := make([]byte, lz4.CompressBlockBound(len(data)))
		written, err := compressor.CompressBlock(data, destination)
		if err != nil {
			return nil, fmt.Errorf("lz4 compress: %w", err)
		}
		if written == 0 || written >= len(data) {
			return nil, ErrIncompressible
		}
		return destination[:written], nil

	case CompressionLZ4HC:
		compressor := lz4HCPool.Get().(*lz4.CompressorHC)
		defer lz4HCPool.Put(compressor)
		compressor.Level = lz4HCLevel(level)

		destination := make([]byte, lz4.CompressBlockBound(len(data)))
		written, err := compressor.CompressBlock(data, destination)
		if err != nil {
			return nil, fmt.Errorf("lz4hc compress: %w", err)
		}
		if written == 0 || written >= len(data) {
			return nil, ErrIncompressible
		}
		return destination[:written], nil

	case CompressionZstd, CompressionZstdFast:
		encoder := zstdFastest
		if mode == CompressionZstd {
			encoder = zstdEncoders[level&3]
		}
		compressed := encoder.EncodeAll(data, nil)
		if len(compressed) >= len(data) {
			return nil, ErrIncompressible
		}
		return compressed, nil

	default:
		return nil, fmt.Errorf("unsupported compression mode: %d", uint8(mode))
	}
}

// Decompress reverses Compress. The uncompressedSize must match the
// original data length exactly — this is verified and a mismatch
// returns an error.
func Decompress(compressed []byte, uncompressedSize int, mode Compression) ([]byte, error) {
	switch mode {
	case CompressionNone:
		if len(compressed) != uncompressedSize {
			return nil, fmt.Errorf("uncompressed chunk: size %d does not match expected %d",
				len(compressed), uncompressedSize)
		}
		return compressed, nil

	case CompressionLZ4, CompressionLZ4HC:
		destination := make([]byte, uncompressedSize)
		read, err := lz4.UncompressBlock(compressed, destination)
		if err != nil {
			return nil, fmt.Errorf("lz4 decompress: %w", err)
		}
		if read != uncompressedSize {
			return nil, fmt.Errorf("lz4 decompress: got %d bytes, expected %d", read, uncompressedSize)
		}
		return destination, nil

	case CompressionZstd, CompressionZstdFast:
		destination := make([]byte, 0, uncompressedSize)
		result, err := zstdDecoder.DecodeAll(compressed, destination)
		if err != nil {
			return nil, fmt.Errorf("zstd decompress: %w", err)
		}
		if len(result) != uncompressedSize {
			return nil, fmt.Errorf("zstd decompress: got %d bytes, expected %d", len(result), uncompressedSize)
		}
		return result, nil

	default:
		return nil, fmt.Errorf("unsupported compression mode: %d", uint8(mode))
	}
}
