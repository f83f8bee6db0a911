// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package payload

import (
	"fmt"

	"github.com/bureau-foundation/snapack/lib/codec"
	"github.com/bureau-foundation/snapack/lib/uid"
)

// CBORSerializer is a Serializer for payload types whose wire format
// is deterministic CBOR of a Go struct. Most cooked payload types
// need nothing more; types with bespoke binary layouts implement
// Serializer directly.
type CBORSerializer[T any] struct {
	id      uid.TypeID
	name    string
	version uint32

	// migrate, if non-nil, upgrades payload bytes between schema
	// versions.
	migrate func(fromVersion, toVersion uint32, data *[]byte) error
}

// NewCBORSerializer creates a serializer for T under the given stable
// type name. The TypeID is derived from the name, so all binaries
// agree on it without coordination.
func NewCBORSerializer[T any](typeName string, schemaVersion uint32) *CBORSerializer[T] {
	return &CBORSerializer[T]{
		id:      uid.NewType(typeName),
		name:    typeName,
		version: schemaVersion,
	}
}

// WithMigration returns the serializer with a byte-level migration
// function attached.
func (s *CBORSerializer[T]) WithMigration(migrate func(fromVersion, toVersion uint32, data *[]byte) error) *CBORSerializer[T] {
	s.migrate = migrate
	return s
}

func (s *CBORSerializer[T]) TypeID() uid.TypeID    { return s.id }
func (s *CBORSerializer[T]) TypeName() string      { return s.name }
func (s *CBORSerializer[T]) SchemaVersion() uint32 { return s.version }

// Serialize encodes value, which must be a T or *T.
func (s *CBORSerializer[T]) Serialize(value any) ([]byte, error) {
	switch v := value.(type) {
	case T:
		return codec.Marshal(v)
	case *T:
		return codec.Marshal(v)
	default:
		return nil, fmt.Errorf("serializing %s: value is %T, want %T", s.name, value, *new(T))
	}
}

// Deserialize decodes data into value, which must be a *T.
func (s *CBORSerializer[T]) Deserialize(value any, data []byte) error {
	target, ok := value.(*T)
	if !ok {
		return fmt.Errorf("deserializing %s: target is %T, want *%T", s.name, value, *new(T))
	}
	if err := codec.Unmarshal(data, target); err != nil {
		return fmt.Errorf("deserializing %s: %w", s.name, err)
	}
	return nil
}

// MigrateBytes upgrades payload bytes between schema versions using
// the attached migration function, if any.
func (s *CBORSerializer[T]) MigrateBytes(fromVersion, toVersion uint32, data *[]byte) error {
	if s.migrate == nil {
		return ErrMigrationUnsupported
	}
	return s.migrate(fromVersion, toVersion, data)
}

// Encode is a convenience that serializes value into a TypedPayload
// stamped with the serializer's type and schema version.
func (s *CBORSerializer[T]) Encode(value T) (TypedPayload, error) {
	data, err := codec.Marshal(value)
	if err != nil {
		return TypedPayload{}, fmt.Errorf("encoding %s payload: %w", s.name, err)
	}
	return TypedPayload{
		PayloadType:   s.id,
		SchemaVersion: s.version,
		Bytes:         data,
	}, nil
}

// Decode is a convenience that deserializes a TypedPayload produced
// by this serializer. The payload's type must match.
func (s *CBORSerializer[T]) Decode(p TypedPayload) (T, error) {
	var value T
	if p.PayloadType != s.id {
		return value, fmt.Errorf("decoding %s payload: payload has type %s, want %s",
			s.name, p.PayloadType, s.id)
	}
	if err := codec.Unmarshal(p.Bytes, &value); err != nil {
		return value, fmt.Errorf("decoding %s payload: %w", s.name, err)
	}
	return value, nil
}
