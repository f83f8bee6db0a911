// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

//go:build darwin || linux

package mmfile

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// Access selects the mapping mode for a File.
type Access int

const (
	// ReadOnly maps the file PROT_READ, MAP_SHARED.
	ReadOnly Access = iota

	// ReadWrite maps the file PROT_READ|PROT_WRITE, MAP_SHARED;
	// stores are written back to the file.
	ReadWrite

	// CopyOnWrite maps the file PROT_READ|PROT_WRITE, MAP_PRIVATE;
	// stores are visible only to this mapping.
	CopyOnWrite
)

// File is a whole-file memory mapping. Data access goes through the
// map directly — no system call per read. The zero-length file case
// is handled without a mapping (mmap of length 0 is an error on most
// platforms).
type File struct {
	path   string
	file   *os.File
	data   []byte
	access Access
}

// Open maps the file at path in the given access mode.
func Open(path string, access Access) (*File, error) {
	flags := os.O_RDONLY
	if access == ReadWrite {
		flags = os.O_RDWR
	}

	file, err := os.OpenFile(path, flags, 0)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}

	stat, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("stating %s: %w", path, err)
	}
	size := stat.Size()

	m := &File{path: path, file: file, access: access}
	if size == 0 {
		return m, nil
	}

	prot := unix.PROT_READ
	mapFlags := unix.MAP_SHARED
	switch access {
	case ReadWrite:
		prot |= unix.PROT_WRITE
	case CopyOnWrite:
		prot |= unix.PROT_WRITE
		mapFlags = unix.MAP_PRIVATE
	}

	data, err := unix.Mmap(int(file.Fd()), 0, int(size), prot, mapFlags)
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("memory-mapping %s: %w", path, err)
	}
	m.data = data
	return m, nil
}

// Close unmaps the file and closes the descriptor. Byte slices
// previously returned by Bytes or Read must not be used afterwards.
func (m *File) Close() error {
	var firstErr error
	if m.data != nil {
		if err := unix.Munmap(m.data); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("unmapping %s: %w", m.path, err)
		}
		m.data = nil
	}
	if m.file != nil {
		if err := m.file.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("closing %s: %w", m.path, err)
		}
		m.file = nil
	}
	return firstErr
}

// Path returns the mapped file's path.
func (m *File) Path() string { return m.path }

// Size returns the mapped length in bytes.
func (m *File) Size() int64 { return int64(len(m.data)) }

// Bytes returns the full mapping as a zero-copy byte span. The slice
// is invalidated by Close.
func (m *File) Bytes() []byte { return m.data }

// Read returns the [offset, offset+length) sub-span of the mapping
// after bounds-checking it. Zero-copy; the slice is invalidated by
// Close.
func (m *File) Read(offset, length int64) ([]byte, error) {
	if offset < 0 || length < 0 {
		return nil, fmt.Errorf("negative offset or length (%d, %d)", offset, length)
	}
	if length > int64(len(m.data)) || offset > int64(len(m.data))-length {
		return nil, fmt.Errorf("read [%d, %d) exceeds mapped size %d", offset, offset+length, len(m.data))
	}
	return m.data[offset : offset+length], nil
}

// Prefetch hints the kernel that [offset, offset+length) will be
// needed soon (madvise WILLNEED). Out-of-range hints are clamped; the
// hint itself is best-effort and errors are ignored.
func (m *File) Prefetch(offset, length int64) {
	if offset < 0 || offset >= int64(len(m.data)) || length <= 0 {
		return
	}
	if offset+length > int64(len(m.data)) {
		length = int64(len(m.data)) - offset
	}

	// madvise requires page alignment; align the start down.
	pageSize := int64(os.Getpagesize())
	aligned := offset &^ (pageSize - 1)
	length += offset - aligned

	_ = unix.Madvise(m.data[aligned:aligned+length], unix.MADV_WILLNEED)
}

// Region is a partial mapping of a file. The requested offset is
// aligned down to the page size as mmap requires; Bytes exposes only
// the caller's requested sub-span.
type Region struct {
	mapped []byte
	skip   int64 // alignment slack before the requested offset
	length int64
}

// MapRegion maps [offset, offset+length) of the file at path in the
// given access mode.
func MapRegion(path string, offset, length int64, access Access) (*Region, error) {
	if offset < 0 || length <= 0 {
		return nil, fmt.Errorf("invalid region [%d, %d)", offset, offset+length)
	}

	flags := os.O_RDONLY
	if access == ReadWrite {
		flags = os.O_RDWR
	}
	file, err := os.OpenFile(path, flags, 0)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	defer file.Close()

	stat, err := file.Stat()
	if err != nil {
		return nil, fmt.Errorf("stating %s: %w", path, err)
	}
	if length > stat.Size() || offset > stat.Size()-length {
		return nil, fmt.Errorf("region [%d, %d) exceeds file size %d", offset, offset+length, stat.Size())
	}

	pageSize := int64(os.Getpagesize())
	aligned := offset &^ (pageSize - 1)
	skip := offset - aligned

	prot := unix.PROT_READ
	mapFlags := unix.MAP_SHARED
	switch access {
	case ReadWrite:
		prot |= unix.PROT_WRITE
	case CopyOnWrite:
		prot |= unix.PROT_WRITE
		mapFlags = unix.MAP_PRIVATE
	}

	mapped, err := unix.Mmap(int(file.Fd()), aligned, int(skip+length), prot, mapFlags)
	if err != nil {
		return nil, fmt.Errorf("memory-mapping region of %s: %w", path, err)
	}

	return &Region{mapped: mapped, skip: skip, length: length}, nil
}

// Bytes returns the requested sub-span of the region.
func (r *Region) Bytes() []byte {
	return r.mapped[r.skip : r.skip+r.length]
}

// Close unmaps the region.
func (r *Region) Close() error {
	if r.mapped == nil {
		return nil
	}
	err := unix.Munmap(r.mapped)
	r.mapped = nil
	if err != nil {
		return fmt.Errorf("unmapping region: %w", err)
	}
	return nil
}
