// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

//go:build darwin || linux

package assetmanager

import "github.com/bureau-foundation/snapack/lib/mmfile"

// warmPack pulls a pack file toward the page cache via a transient
// read-only mapping with a whole-file prefetch hint. Purely advisory.
func warmPack(path string) error {
	mapping, err := mmfile.Open(path, mmfile.ReadOnly)
	if err != nil {
		return err
	}
	defer mapping.Close()
	mapping.Prefetch(0, mapping.Size())
	return nil
}
