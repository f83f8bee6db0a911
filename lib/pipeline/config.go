// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package pipeline

import (
	"fmt"
	"log/slog"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/bureau-foundation/snapack/lib/xxh"
)

// BuildConfig configures a build-time pipeline engine.
type BuildConfig struct {
	// SourceRoots are the directories walked for source files. At
	// least one is required.
	SourceRoots []string `yaml:"source_roots"`

	// OutputPackPath is the .snpak file produced by builds.
	// Required.
	OutputPackPath string `yaml:"output_pack"`

	// CacheDatabasePath is the incremental cache database. Empty
	// disables incremental tracking (BuildChanged rebuilds
	// everything).
	CacheDatabasePath string `yaml:"cache_database"`

	// Compression and CompressionLevel name the pack compression
	// ("none", "lz4", "lz4hc", "zstd", "zstd-fast" and "fast",
	// "default", "high", "max"). Empty means zstd/default.
	Compression      string `yaml:"compression"`
	CompressionLevel string `yaml:"compression_level"`

	// BuildOptions are free-form key/value options forwarded to
	// cookers. Their hash participates in rebuild decisions.
	BuildOptions map[string]string `yaml:"build_options"`

	// Logger receives build progress and warnings. Nil means no
	// logging.
	Logger *slog.Logger `yaml:"-"`
}

// LoadBuildConfig reads a YAML build manifest.
func LoadBuildConfig(path string) (BuildConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return BuildConfig{}, fmt.Errorf("reading build manifest %s: %w", path, err)
	}
	var config BuildConfig
	if err := yaml.Unmarshal(data, &config); err != nil {
		return BuildConfig{}, fmt.Errorf("parsing build manifest %s: %w", path, err)
	}
	return config, nil
}

// optionsHash computes a deterministic hash over build options:
// key=value pairs, sorted, NUL-separated.
func optionsHash(options map[string]string) uint64 {
	if len(options) == 0 {
		return 0
	}
	keys := make([]string, 0, len(options))
	for key := range options {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	var buffer []byte
	for _, key := range keys {
		buffer = append(buffer, key...)
		buffer = append(buffer, '=')
		buffer = append(buffer, options[key]...)
		buffer = append(buffer, 0)
	}
	return xxh.Sum64(buffer)
}
