// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

//go:build !darwin && !linux

package assetmanager

import (
	"io"
	"os"
)

// warmPack reads the pack sequentially to pull it into the page
// cache. Platforms with mmap support use a prefetch hint instead.
func warmPack(path string) error {
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer file.Close()
	_, err = io.Copy(io.Discard, file)
	return err
}
