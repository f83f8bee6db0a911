// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

//go:build darwin || linux

package mmfile

import (
	"fmt"

	"github.com/bureau-foundation/snapack/lib/pack"
)

// StreamingBulkReader serves zero-copy chunk reads from a
// memory-mapped pack file. It is the fast path for bulk-heavy loads
// (texture streaming, audio banks): the caller gets spans straight
// out of the page cache, decompressing only when asked.
type StreamingBulkReader struct {
	mapping *File
}

// NewStreamingBulkReader maps the file at path read-only.
func NewStreamingBulkReader(path string) (*StreamingBulkReader, error) {
	mapping, err := Open(path, ReadOnly)
	if err != nil {
		return nil, err
	}
	return &StreamingBulkReader{mapping: mapping}, nil
}

// Close releases the underlying mapping. Spans previously returned by
// ReadChunk must not be used afterwards.
func (r *StreamingBulkReader) Close() error {
	return r.mapping.Close()
}

// ReadChunk returns the raw (still compressed) bytes of a chunk as a
// zero-copy span into the mapping.
func (r *StreamingBulkReader) ReadChunk(offset, size int64) ([]byte, error) {
	return r.mapping.Read(offset, size)
}

// Prefetch hints that a chunk will be read soon.
func (r *StreamingBulkReader) Prefetch(offset, size int64) {
	r.mapping.Prefetch(offset, size)
}

// ReadAndDecompress reads a chunk and decompresses it with the given
// mode. The compressed input is served zero-copy from the mapping;
// only the decompressed output is allocated.
func (r *StreamingBulkReader) ReadAndDecompress(offset, size int64, uncompressedSize int, mode pack.Compression) ([]byte, error) {
	compressed, err := r.mapping.Read(offset, size)
	if err != nil {
		return nil, err
	}
	data, err := pack.Decompress(compressed, uncompressedSize, mode)
	if err != nil {
		return nil, fmt.Errorf("decompressing streamed chunk at offset %d: %w", offset, err)
	}
	if mode == pack.CompressionNone {
		// Decompress returns the input unchanged for CompressionNone;
		// copy so the caller's slice survives Close.
		data = append([]byte(nil), data...)
	}
	return data, nil
}
