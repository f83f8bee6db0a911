// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec provides the deterministic CBOR configuration used for
// cooked asset payloads. Payload serializers that have no bespoke wire
// format build on this package (see payload.CBORSerializer).
package codec
