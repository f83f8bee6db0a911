// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package payload

import "github.com/bureau-foundation/snapack/lib/uid"

// TypedPayload is a serialized value tagged with its payload type and
// schema version. Both the importer's intermediate output and the
// cooker's cooked output travel as TypedPayloads.
type TypedPayload struct {
	PayloadType   uid.TypeID
	SchemaVersion uint32
	Bytes         []byte
}

// IsEmpty reports whether the payload carries no bytes.
func (p TypedPayload) IsEmpty() bool {
	return len(p.Bytes) == 0
}

// Clear resets the payload to its zero value.
func (p *TypedPayload) Clear() {
	*p = TypedPayload{}
}

// Serializer converts between a runtime value and payload bytes for
// one payload type. Implementations are registered with a Registry
// before it is frozen.
type Serializer interface {
	// TypeID returns the payload type this serializer handles.
	TypeID() uid.TypeID

	// TypeName returns the stable, human-readable type name.
	TypeName() string

	// SchemaVersion returns the version written into new payloads.
	SchemaVersion() uint32

	// Serialize encodes value into payload bytes.
	Serialize(value any) ([]byte, error)

	// Deserialize decodes data into value, which must be a pointer to
	// the serializer's runtime type.
	Deserialize(value any, data []byte) error

	// MigrateBytes upgrades payload bytes written at fromVersion to
	// toVersion in place. Serializers that do not support migration
	// return ErrMigrationUnsupported.
	MigrateBytes(fromVersion, toVersion uint32, data *[]byte) error
}
