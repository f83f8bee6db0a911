// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package pipeline

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/bureau-foundation/snapack/lib/payload"
	"github.com/bureau-foundation/snapack/lib/uid"
	"github.com/bureau-foundation/snapack/lib/xxh"
)

// Context is the environment handed to importers and cookers: file
// access, hashing, deterministic ID derivation, serializer lookup,
// build options, and structured logging.
type Context struct {
	registry *payload.Registry
	options  map[string]string
	logger   *slog.Logger
}

func newContext(registry *payload.Registry, options map[string]string, logger *slog.Logger) *Context {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Context{registry: registry, options: options, logger: logger}
}

// Logger returns the build's structured logger.
func (c *Context) Logger() *slog.Logger {
	return c.logger
}

// ReadAllBytes reads the full contents of a source URI.
func (c *Context) ReadAllBytes(uri string) ([]byte, error) {
	data, err := os.ReadFile(uri)
	if err != nil {
		return nil, fmt.Errorf("reading source %s: %w", uri, err)
	}
	return data, nil
}

// HashBytes64 returns the XXH3-64 hash of data.
func (c *Context) HashBytes64(data []byte) uint64 {
	return xxh.Sum64(data)
}

// HashBytes128 returns the XXH3-128 hash of data.
func (c *Context) HashBytes128(data []byte) xxh.Digest128 {
	return xxh.Sum128(data)
}

// DeterministicAssetID derives the stable asset ID for a logical
// name and variant key.
func (c *Context) DeterministicAssetID(logicalName, variantKey string) uid.AssetID {
	return uid.DeterministicAssetID(logicalName, variantKey)
}

// FindSerializer looks up a payload serializer by type, or nil.
func (c *Context) FindSerializer(id uid.TypeID) payload.Serializer {
	if c.registry == nil {
		return nil
	}
	return c.registry.Find(id)
}

// Registry returns the build's payload registry.
func (c *Context) Registry() *payload.Registry {
	return c.registry
}

// Option returns the build option for key, or fallback if unset.
func (c *Context) Option(key, fallback string) string {
	if value, ok := c.options[key]; ok {
		return value
	}
	return fallback
}
