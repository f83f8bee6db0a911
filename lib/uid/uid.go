// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package uid provides the 16-byte identifiers used throughout the
// asset pipeline: asset IDs, asset-kind IDs, and payload-type IDs.
package uid

import (
	"fmt"

	"github.com/google/uuid"
)

// ID is a 16-byte UUID stored as raw bytes. The zero value is the nil
// UUID and means "no identifier".
type ID [16]byte

// AssetID identifies a logical asset. Two builds of the same source
// with the same logical name and variant produce the same AssetID
// (see DeterministicAssetID).
type AssetID = ID

// TypeID identifies a payload or asset-kind type. TypeIDs are minted
// once per type (usually via NewType at package init) and stored in
// pack files, so they must never change for a given type name.
type TypeID = ID

// assetNamespace is the fixed namespace UUID under which deterministic
// asset IDs are generated. Changing it changes every derived AssetID,
// invalidating all existing packs and incremental caches.
var assetNamespace = uuid.MustParse("6ba7b810-9dad-11d1-80b4-00c04fd430c8")

// New returns a random (version 4) ID.
func New() ID {
	return ID(uuid.New())
}

// NewV5 returns the version 5 (SHA-1 name-based) ID of name under the
// given namespace.
func NewV5(namespace ID, name string) ID {
	return ID(uuid.NewSHA1(uuid.UUID(namespace), []byte(name)))
}

// NewType mints the TypeID for a type name. Type IDs are name-based so
// that independently built binaries agree on them.
func NewType(typeName string) TypeID {
	return NewV5(ID(assetNamespace), "type:"+typeName)
}

// DeterministicAssetID derives the AssetID for a logical name and
// variant key. The two are joined with '|' (a character forbidden in
// logical names) so that ("a|b", "") and ("a", "b") cannot collide.
func DeterministicAssetID(logicalName, variantKey string) AssetID {
	return NewV5(ID(assetNamespace), logicalName+"|"+variantKey)
}

// IsZero reports whether id is the nil UUID.
func (id ID) IsZero() bool {
	return id == ID{}
}

// String returns the canonical hyphenated lowercase form.
func (id ID) String() string {
	return uuid.UUID(id).String()
}

// Parse parses the canonical hyphenated form into an ID.
func Parse(s string) (ID, error) {
	parsed, err := uuid.Parse(s)
	if err != nil {
		return ID{}, fmt.Errorf("parsing id %q: %w", s, err)
	}
	return ID(parsed), nil
}
