// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package pipeline

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/bureau-foundation/snapack/lib/buildcache"
	"github.com/bureau-foundation/snapack/lib/pack"
	"github.com/bureau-foundation/snapack/lib/payload"
	"github.com/bureau-foundation/snapack/lib/uid"
)

// CollaboratorInfo identifies one importer or cooker for diagnostics
// (the CLI's list-plugins output).
type CollaboratorInfo struct {
	Name    string
	Version string
}

// ProviderInfo identifies one provider.
type ProviderInfo struct {
	Name    string
	Version string
}

// Engine is the build-time pipeline: it walks source roots, routes
// each source through importer and cooker, and writes the results to
// a pack. An incremental cache (when configured) limits rebuilds to
// what actually changed.
type Engine struct {
	config   BuildConfig
	logger   *slog.Logger
	registry *payload.Registry
	context  *Context
	cache    *buildcache.Cache

	providers []ProviderInfo
	importers []Importer
	cookers   []Cooker

	compression pack.Compression
	level       pack.Level
}

// NewEngine creates an engine from a configuration and a set of
// providers. Serializers from every provider are registered and the
// registry is frozen before this returns, so cookers observe
// lock-free serializer lookups.
func NewEngine(config BuildConfig, providers ...Provider) (*Engine, error) {
	if config.OutputPackPath == "" {
		return nil, fmt.Errorf("pipeline: OutputPackPath is required")
	}
	if len(config.SourceRoots) == 0 {
		return nil, fmt.Errorf("pipeline: at least one source root is required")
	}
	for _, root := range config.SourceRoots {
		if stat, err := os.Stat(root); err != nil || !stat.IsDir() {
			return nil, fmt.Errorf("pipeline: source root does not exist: %s", root)
		}
	}

	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	compression := pack.CompressionZstd
	if config.Compression != "" {
		parsed, err := pack.ParseCompression(config.Compression)
		if err != nil {
			return nil, fmt.Errorf("pipeline: %w", err)
		}
		compression = parsed
	}
	level := pack.LevelDefault
	if config.CompressionLevel != "" {
		parsed, err := pack.ParseLevel(config.CompressionLevel)
		if err != nil {
			return nil, fmt.Errorf("pipeline: %w", err)
		}
		level = parsed
	}

	e := &Engine{
		config:      config,
		logger:      logger,
		registry:    payload.NewRegistry(),
		compression: compression,
		level:       level,
	}

	for _, provider := range providers {
		e.providers = append(e.providers, ProviderInfo{Name: provider.Name(), Version: provider.Version()})
		e.importers = append(e.importers, provider.Importers()...)
		e.cookers = append(e.cookers, provider.Cookers()...)
		for _, serializer := range provider.Serializers() {
			e.registry.Register(serializer)
		}
	}
	e.registry.Freeze()

	e.context = newContext(e.registry, config.BuildOptions, logger)

	if config.CacheDatabasePath != "" {
		cache, err := buildcache.Open(config.CacheDatabasePath, logger)
		if err != nil {
			return nil, fmt.Errorf("pipeline: opening incremental cache: %w", err)
		}
		e.cache = cache
	}

	return e, nil
}

// Close releases the engine's incremental cache.
func (e *Engine) Close() error {
	if e.cache != nil {
		return e.cache.Close()
	}
	return nil
}

// Registry returns the engine's frozen payload registry.
func (e *Engine) Registry() *payload.Registry { return e.registry }

// Providers returns the provider identities supplied at construction.
func (e *Engine) Providers() []ProviderInfo { return e.providers }

// Importers returns the registered importers' identities.
func (e *Engine) Importers() []CollaboratorInfo {
	infos := make([]CollaboratorInfo, len(e.importers))
	for i, importer := range e.importers {
		infos[i] = CollaboratorInfo{Name: importer.Name(), Version: importer.Version()}
	}
	return infos
}

// Cookers returns the registered cookers' identities.
func (e *Engine) Cookers() []CollaboratorInfo {
	infos := make([]CollaboratorInfo, len(e.cookers))
	for i, cooker := range e.cookers {
		infos[i] = CollaboratorInfo{Name: cooker.Name(), Version: cooker.Version()}
	}
	return infos
}

func (e *Engine) findImporter(source SourceRef) Importer {
	for _, importer := range e.importers {
		if importer.CanImport(source) {
			return importer
		}
	}
	return nil
}

func (e *Engine) findCooker(assetKind, intermediateType uid.TypeID) Cooker {
	for _, cooker := range e.cookers {
		if cooker.CanCook(assetKind, intermediateType) {
			return cooker
		}
	}
	return nil
}

// scanSources walks every source root and hashes each regular file.
// Hashing runs in parallel; the result is sorted by URI so build
// order (and therefore pack layout) is deterministic.
func (e *Engine) scanSources(ctx context.Context, log *buildLog) []SourceRef {
	var paths []string
	for _, root := range e.config.SourceRoots {
		err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.Type().IsRegular() {
				paths = append(paths, path)
			}
			return nil
		})
		if err != nil {
			log.warnf("failed to scan source root %s: %v", root, err)
		}
	}
	sort.Strings(paths)

	sources := make([]SourceRef, len(paths))
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(runtime.NumCPU())
	for i, path := range paths {
		group.Go(func() error {
			hash, err := e.fileHash(groupCtx, path)
			if err != nil {
				log.warnf("failed to hash source %s: %v", path, err)
				return nil
			}
			sources[i] = SourceRef{URI: path, ContentHash: hash}
			return nil
		})
	}
	_ = group.Wait()

	// Drop entries whose hash failed.
	valid := sources[:0]
	for _, source := range sources {
		if source.URI != "" {
			valid = append(valid, source)
		}
	}
	return valid
}

// fileHash returns a source file's content hash, via the mod-time
// gated cache when one is configured.
func (e *Engine) fileHash(ctx context.Context, path string) (uint64, error) {
	if e.cache != nil {
		return e.cache.CachedFileHash(ctx, path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return e.context.HashBytes64(data), nil
}

// processSource routes one source through importer and cooker and
// queues the results on the writer. Returns the cooked entries (for
// cache bookkeeping); zero entries with logged errors/warnings on
// failure.
func (e *Engine) processSource(ctx context.Context, source SourceRef, writer *pack.Writer, log *buildLog) []cookedRecord {
	importer := e.findImporter(source)
	if importer == nil {
		log.warnf("no importer found for: %s", source.URI)
		return nil
	}

	items, err := importer.Import(source, e.context)
	if err != nil {
		log.errorf("import failed for %s: %v", source.URI, err)
		return nil
	}
	if len(items) == 0 {
		log.warnf("import produced no items for: %s", source.URI)
		return nil
	}

	var records []cookedRecord
	for _, item := range items {
		cooker := e.findCooker(item.AssetKind, item.Intermediate.PayloadType)
		if cooker == nil {
			log.warnf("no cooker found for asset %s (kind %s, intermediate type %s)",
				item.LogicalName, item.AssetKind, item.Intermediate.PayloadType)
			continue
		}

		request := CookRequest{
			ID:           item.ID,
			LogicalName:  item.LogicalName,
			AssetKind:    item.AssetKind,
			VariantKey:   item.VariantKey,
			Intermediate: item.Intermediate,
			Dependencies: item.Dependencies,
			BuildOptions: e.config.BuildOptions,
		}

		result, err := cooker.Cook(request, e.context)
		if err != nil {
			log.errorf("cook failed for asset %s: %v", request.LogicalName, err)
			continue
		}

		writer.AddAsset(pack.Entry{
			ID:         request.ID,
			Kind:       request.AssetKind,
			Name:       request.LogicalName,
			VariantKey: request.VariantKey,
			Cooked:     result.Cooked,
			Bulk:       result.Bulk,
		})

		records = append(records, cookedRecord{
			source:   source,
			item:     item,
			importer: importer,
			cooker:   cooker,
			result:   result,
		})

		e.logger.Debug("cooked asset",
			"name", request.LogicalName,
			"kind", request.AssetKind.String(),
			"source", source.URI,
		)
	}

	if len(records) > 0 {
		e.recordInCache(ctx, records)
	}
	return records
}

// cookedRecord carries what the incremental cache needs to know about
// one cooked asset.
type cookedRecord struct {
	source   SourceRef
	item     ImportedItem
	importer Importer
	cooker   Cooker
	result   CookResult
}

// recordInCache stores identity and dependency records for freshly
// cooked assets. Cache write failures degrade to warnings — the build
// output is still correct, only incrementality suffers.
func (e *Engine) recordInCache(ctx context.Context, records []cookedRecord) {
	if e.cache == nil {
		return
	}

	for _, record := range records {
		entry := buildcache.Entry{
			AssetID:          record.item.ID,
			LogicalName:      record.item.LogicalName,
			VariantKey:       record.item.VariantKey,
			SourceHash:       record.source.ContentHash,
			IntermediateHash: e.context.HashBytes64(record.item.Intermediate.Bytes),
			CookedHash:       e.context.HashBytes64(record.result.Cooked.Bytes),
			OptionsHash:      optionsHash(e.config.BuildOptions),
			ImporterName:     record.importer.Name(),
			ImporterVersion:  record.importer.Version(),
			CookerName:       record.cooker.Name(),
			CookerVersion:    record.cooker.Version(),
		}

		deps := []buildcache.Dependency{{Path: record.source.URI, Type: buildcache.DependencySource}}
		for _, dep := range record.item.Dependencies {
			deps = append(deps, buildcache.Dependency{Path: dep.URI})
		}
		for _, dep := range record.result.Dependencies {
			deps = append(deps, buildcache.Dependency{Path: dep.URI})
		}

		if err := e.cache.Put(ctx, entry); err != nil {
			e.logger.Warn("incremental cache write failed", "asset", record.item.LogicalName, "error", err)
			continue
		}
		if err := e.cache.SetDependencies(ctx, record.item.ID, deps); err != nil {
			e.logger.Warn("incremental cache dependency write failed", "asset", record.item.LogicalName, "error", err)
		}
	}
}

// newWriter returns a pack writer configured from the engine.
func (e *Engine) newWriter() *pack.Writer {
	writer := pack.NewWriter()
	writer.SetCompression(e.compression)
	writer.SetCompressionLevel(e.level)
	return writer
}

// BuildAll builds every source under the configured roots into a
// fresh pack. Per-source failures are recorded and skipped; the pack
// is written with whatever succeeded.
func (e *Engine) BuildAll(ctx context.Context) BuildResult {
	result := BuildResult{Success: true}
	log := &buildLog{}

	sources := e.scanSources(ctx, log)
	if len(sources) == 0 {
		log.warnf("no source files found")
		log.drainInto(&result)
		return result
	}

	writer := e.newWriter()
	var liveIDs []uid.AssetID

	for _, source := range sources {
		records := e.processSource(ctx, source, writer, log)
		if len(records) > 0 {
			result.AssetsBuilt += len(records)
			for _, record := range records {
				liveIDs = append(liveIDs, record.item.ID)
			}
		} else {
			result.AssetsFailed++
		}
	}

	if err := writer.Write(e.config.OutputPackPath); err != nil {
		log.errorf("failed to write pack: %v", err)
	}

	if e.cache != nil && len(liveIDs) > 0 {
		if _, err := e.cache.PruneStaleEntries(ctx, liveIDs); err != nil {
			e.logger.Warn("pruning stale cache entries failed", "error", err)
		}
	}

	log.drainInto(&result)
	e.logger.Info("build complete",
		"built", result.AssetsBuilt,
		"failed", result.AssetsFailed,
		"pack", e.config.OutputPackPath,
	)
	return result
}

// BuildChanged rebuilds only the sources whose assets are out of date
// according to the incremental cache and appends them to the existing
// pack (the append merges with the prior index, so unchanged assets
// stay visible). Without a cache, or without an existing pack, it
// degrades to BuildAll.
func (e *Engine) BuildChanged(ctx context.Context) BuildResult {
	if e.cache == nil {
		return e.BuildAll(ctx)
	}
	if _, err := os.Stat(e.config.OutputPackPath); os.IsNotExist(err) {
		return e.BuildAll(ctx)
	}

	result := BuildResult{Success: true}
	log := &buildLog{}

	sources := e.scanSources(ctx, log)
	if len(sources) == 0 {
		log.warnf("no source files found")
		log.drainInto(&result)
		return result
	}

	var changed []SourceRef
	for _, source := range sources {
		rebuild, err := e.sourceNeedsRebuild(ctx, source)
		if err != nil {
			log.warnf("rebuild check failed for %s (rebuilding): %v", source.URI, err)
			rebuild = true
		}
		if rebuild {
			changed = append(changed, source)
		} else {
			result.AssetsSkipped++
		}
	}

	if len(changed) == 0 {
		log.drainInto(&result)
		e.logger.Info("build up to date", "skipped", result.AssetsSkipped)
		return result
	}

	writer := e.newWriter()
	for _, source := range changed {
		records := e.processSource(ctx, source, writer, log)
		if len(records) > 0 {
			result.AssetsBuilt += len(records)
		} else {
			result.AssetsFailed++
		}
	}

	if err := writer.AppendUpdate(e.config.OutputPackPath); err != nil {
		log.errorf("failed to append to pack: %v", err)
	}

	log.drainInto(&result)
	e.logger.Info("incremental build complete",
		"built", result.AssetsBuilt,
		"skipped", result.AssetsSkipped,
		"failed", result.AssetsFailed,
	)
	return result
}

// sourceNeedsRebuild decides whether any asset previously built from
// the source is out of date. Sources never seen before rebuild
// unconditionally.
func (e *Engine) sourceNeedsRebuild(ctx context.Context, source SourceRef) (bool, error) {
	assetIDs, err := e.cache.SourceAssets(ctx, source.URI)
	if err != nil {
		return true, err
	}
	if len(assetIDs) == 0 {
		return true, nil
	}

	options := optionsHash(e.config.BuildOptions)
	importer := e.findImporter(source)

	for _, id := range assetIDs {
		previous, err := e.cache.Get(ctx, id)
		if err != nil {
			return true, err
		}

		current := previous
		current.SourceHash = source.ContentHash
		current.OptionsHash = options

		// Collaborator identity: the importer is known from the
		// source alone; the cooker only from the intermediate type,
		// which does not exist before importing. Resolve the stored
		// cooker name against the current cooker set instead — a
		// renamed or missing cooker forces a rebuild, a version bump
		// is caught by the version comparison.
		if importer != nil {
			current.ImporterName = importer.Name()
			current.ImporterVersion = importer.Version()
		}
		current.CookerVersion = ""
		for _, cooker := range e.cookers {
			if cooker.Name() == previous.CookerName {
				current.CookerVersion = cooker.Version()
				break
			}
		}

		rebuild, err := e.cache.NeedsRebuild(ctx, current)
		if err != nil || rebuild {
			return true, err
		}
	}
	return false, nil
}

// BuildAssets builds an explicit list of source paths. With
// appendMode, results are appended to the output pack; otherwise a
// fresh pack is written. An empty outputPack falls back to the
// configured OutputPackPath.
func (e *Engine) BuildAssets(ctx context.Context, sourcePaths []string, outputPack string, appendMode bool) BuildResult {
	result := BuildResult{Success: true}
	log := &buildLog{}

	if len(sourcePaths) == 0 {
		log.warnf("no source paths provided")
		log.drainInto(&result)
		return result
	}

	packPath := outputPack
	if packPath == "" {
		packPath = e.config.OutputPackPath
	}

	var sources []SourceRef
	for _, path := range sourcePaths {
		if _, err := os.Stat(path); err != nil {
			log.errorf("source file not found: %s", path)
			result.AssetsFailed++
			continue
		}
		hash, err := e.fileHash(ctx, path)
		if err != nil {
			log.errorf("failed to hash source %s: %v", path, err)
			result.AssetsFailed++
			continue
		}
		sources = append(sources, SourceRef{URI: path, ContentHash: hash})
	}

	if len(sources) == 0 {
		log.drainInto(&result)
		return result
	}

	writer := e.newWriter()
	for _, source := range sources {
		records := e.processSource(ctx, source, writer, log)
		if len(records) > 0 {
			result.AssetsBuilt += len(records)
		} else {
			result.AssetsFailed++
		}
	}

	var err error
	if appendMode {
		err = writer.AppendUpdate(packPath)
	} else {
		err = writer.Write(packPath)
	}
	if err != nil {
		log.errorf("failed to write pack: %v", err)
	}

	log.drainInto(&result)
	return result
}
