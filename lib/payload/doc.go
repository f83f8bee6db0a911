// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package payload defines typed payloads — the serialized values that
// flow from importers through cookers into packs — and the serializer
// registry that maps payload types to their codecs.
package payload
