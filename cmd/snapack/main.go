// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Command snapack is the asset pipeline front end: it builds packs
// from source trees (full or incremental), inspects pack indices, and
// lists the available importer/cooker providers.
//
// Providers are linked in statically and register themselves via
// pipeline.RegisterGlobalProvider; the -p flag selects a subset by
// name.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/snapack/lib/pack"
	"github.com/bureau-foundation/snapack/lib/pipeline"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func usage() error {
	fmt.Fprintf(os.Stderr, `usage:
  snapack build -s <dir>... -o <file> [-p <provider>]... [-c <mode>] [--compression-level <level>] [-v]
  snapack build-changed -s <dir>... -o <file> [-p <provider>]... [-c <mode>] [--compression-level <level>] [-v]
  snapack inspect <pack>
  snapack list-plugins
`)
	return fmt.Errorf("invalid usage")
}

func run(args []string) error {
	if len(args) == 0 {
		return usage()
	}

	switch args[0] {
	case "build":
		return runBuild(args[1:], false)
	case "build-changed":
		return runBuild(args[1:], true)
	case "inspect":
		return runInspect(args[1:])
	case "list-plugins":
		return runListPlugins()
	default:
		return usage()
	}
}

// selectProviders filters the global provider set by the -p flags.
// No -p flags means every registered provider.
func selectProviders(names []string) ([]pipeline.Provider, error) {
	available := pipeline.GlobalProviders()
	if len(names) == 0 {
		return available, nil
	}

	byName := make(map[string]pipeline.Provider, len(available))
	for _, provider := range available {
		byName[provider.Name()] = provider
	}

	var selected []pipeline.Provider
	for _, name := range names {
		provider, ok := byName[name]
		if !ok {
			return nil, fmt.Errorf("unknown provider: %q (run list-plugins)", name)
		}
		selected = append(selected, provider)
	}
	return selected, nil
}

func runBuild(args []string, incremental bool) error {
	flags := pflag.NewFlagSet("build", pflag.ContinueOnError)
	sourceRoots := flags.StringArrayP("source", "s", nil, "source root directory (repeatable)")
	outputPath := flags.StringP("output", "o", "", "output pack file")
	providerNames := flags.StringArrayP("provider", "p", nil, "provider to enable (repeatable; default all)")
	compression := flags.StringP("compression", "c", "", "compression mode (none, lz4, lz4hc, zstd, zstd-fast)")
	level := flags.String("compression-level", "", "compression level (fast, default, high, max)")
	cachePath := flags.String("cache", "", "incremental cache database (default <output>.cache.db)")
	verbose := flags.BoolP("verbose", "v", false, "verbose logging")
	if err := flags.Parse(args); err != nil {
		return usage()
	}

	if len(*sourceRoots) == 0 || *outputPath == "" {
		return usage()
	}

	logLevel := slog.LevelWarn
	if *verbose {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))

	providers, err := selectProviders(*providerNames)
	if err != nil {
		return err
	}

	database := *cachePath
	if database == "" {
		database = *outputPath + ".cache.db"
	}

	engine, err := pipeline.NewEngine(pipeline.BuildConfig{
		SourceRoots:       *sourceRoots,
		OutputPackPath:    *outputPath,
		CacheDatabasePath: database,
		Compression:       *compression,
		CompressionLevel:  *level,
		Logger:            logger,
	}, providers...)
	if err != nil {
		return err
	}
	defer engine.Close()

	var result pipeline.BuildResult
	if incremental {
		result = engine.BuildChanged(context.Background())
	} else {
		result = engine.BuildAll(context.Background())
	}

	for _, warning := range result.Warnings {
		fmt.Fprintf(os.Stderr, "warning: %s\n", warning)
	}
	for _, buildError := range result.Errors {
		fmt.Fprintf(os.Stderr, "error: %s\n", buildError)
	}
	fmt.Printf("built %d, skipped %d, failed %d\n",
		result.AssetsBuilt, result.AssetsSkipped, result.AssetsFailed)

	if !result.Success {
		return fmt.Errorf("build failed")
	}
	return nil
}

func runInspect(args []string) error {
	if len(args) != 1 {
		return usage()
	}

	reader, err := pack.Open(args[0])
	if err != nil {
		return err
	}
	defer reader.Close()

	fmt.Printf("%s: %d assets\n", args[0], reader.AssetCount())
	if offset, size := reader.PreviousIndex(); offset != 0 {
		fmt.Printf("previous index: offset %d, size %d\n", offset, size)
	}

	for i := 0; i < reader.AssetCount(); i++ {
		info, err := reader.AssetInfo(i)
		if err != nil {
			return err
		}
		name := info.Name
		if info.VariantKey != "" {
			name = fmt.Sprintf("%s [%s]", name, info.VariantKey)
		}
		fmt.Printf("  %s  %s  kind=%s cooked=%s v%d bulk=%d %s/%s\n",
			info.ID, name, info.Kind, info.CookedPayloadType,
			info.SchemaVersion, info.BulkChunkCount,
			info.Compression, info.CompressionLevel)
	}
	return nil
}

func runListPlugins() error {
	providers := pipeline.GlobalProviders()
	if len(providers) == 0 {
		fmt.Println("no providers registered")
		return nil
	}

	for _, provider := range providers {
		fmt.Printf("%s %s\n", provider.Name(), provider.Version())
		for _, importer := range provider.Importers() {
			fmt.Printf("  importer: %s %s\n", importer.Name(), importer.Version())
		}
		for _, cooker := range provider.Cookers() {
			fmt.Printf("  cooker: %s %s\n", cooker.Name(), cooker.Version())
		}
		for _, serializer := range provider.Serializers() {
			fmt.Printf("  serializer: %s (schema v%d)\n", serializer.TypeName(), serializer.SchemaVersion())
		}
	}
	return nil
}
