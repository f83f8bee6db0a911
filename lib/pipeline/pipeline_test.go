// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package pipeline

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/bureau-foundation/snapack/lib/pack"
	"github.com/bureau-foundation/snapack/lib/payload"
	"github.com/bureau-foundation/snapack/lib/uid"
)

var (
	kindBlob         = uid.NewType("snapack.test.blob")
	typeIntermediate = uid.NewType("snapack.test.blob.intermediate")
	typeCooked       = uid.NewType("snapack.test.blob.cooked")
)

// blobImporter imports any .blob file as a single item whose
// intermediate payload is the raw file content.
type blobImporter struct {
	version string
}

func (i *blobImporter) Name() string    { return "blob" }
func (i *blobImporter) Version() string { return i.version }

func (i *blobImporter) CanImport(source SourceRef) bool {
	return strings.HasSuffix(source.URI, ".blob")
}

func (i *blobImporter) Import(source SourceRef, ctx *Context) ([]ImportedItem, error) {
	data, err := ctx.ReadAllBytes(source.URI)
	if err != nil {
		return nil, err
	}
	logicalName := strings.TrimSuffix(filepath.Base(source.URI), ".blob")
	return []ImportedItem{{
		ID:          ctx.DeterministicAssetID(logicalName, ""),
		LogicalName: logicalName,
		AssetKind:   kindBlob,
		Intermediate: payload.TypedPayload{
			PayloadType:   typeIntermediate,
			SchemaVersion: 1,
			Bytes:         data,
		},
	}}, nil
}

// blobCooker uppercases the intermediate bytes as its "cooked" form
// and emits the original as one bulk chunk.
type blobCooker struct {
	version  string
	failName string // cooking this logical name fails
}

func (c *blobCooker) Name() string    { return "blob-cooker" }
func (c *blobCooker) Version() string { return c.version }

func (c *blobCooker) CanCook(assetKind, intermediateType uid.TypeID) bool {
	return assetKind == kindBlob && intermediateType == typeIntermediate
}

func (c *blobCooker) Cook(req CookRequest, ctx *Context) (CookResult, error) {
	if c.failName != "" && req.LogicalName == c.failName {
		return CookResult{}, os.ErrInvalid
	}
	return CookResult{
		Cooked: payload.TypedPayload{
			PayloadType:   typeCooked,
			SchemaVersion: 1,
			Bytes:         bytes.ToUpper(req.Intermediate.Bytes),
		},
		Bulk: []pack.BulkChunk{{
			Semantic: pack.SemanticReservedAux,
			Compress: true,
			Bytes:    req.Intermediate.Bytes,
		}},
	}, nil
}

func testProvider(importerVersion, cookerVersion string) *DirectProvider {
	provider := NewDirectProvider("test-plugin", "1.0")
	provider.RegisterImporter(&blobImporter{version: importerVersion})
	provider.RegisterCooker(&blobCooker{version: cookerVersion})
	provider.RegisterSerializer(payload.NewCBORSerializer[map[string]string]("snapack.test.blob.meta", 1))
	return provider
}

func writeSources(t *testing.T, dir string, names ...string) {
	t.Helper()
	for _, name := range names {
		path := filepath.Join(dir, name+".blob")
		if err := os.WriteFile(path, []byte("content of "+name), 0o644); err != nil {
			t.Fatal(err)
		}
	}
}

func newTestEngine(t *testing.T, sourceDir, outDir string) *Engine {
	t.Helper()
	engine, err := NewEngine(BuildConfig{
		SourceRoots:       []string{sourceDir},
		OutputPackPath:    filepath.Join(outDir, "out.snpak"),
		CacheDatabasePath: filepath.Join(outDir, "cache.db"),
	}, testProvider("1.0", "1.0"))
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	t.Cleanup(func() { _ = engine.Close() })
	return engine
}

func TestBuildAllEndToEnd(t *testing.T) {
	sourceDir := t.TempDir()
	outDir := t.TempDir()
	writeSources(t, sourceDir, "alpha", "beta", "gamma")

	engine := newTestEngine(t, sourceDir, outDir)
	result := engine.BuildAll(context.Background())

	if !result.Success {
		t.Fatalf("build failed: %v", result.Errors)
	}
	if result.AssetsBuilt != 3 {
		t.Fatalf("AssetsBuilt = %d, want 3", result.AssetsBuilt)
	}

	reader, err := pack.Open(filepath.Join(outDir, "out.snpak"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer reader.Close()

	if reader.AssetCount() != 3 {
		t.Fatalf("pack has %d assets, want 3", reader.AssetCount())
	}

	info, err := reader.FindAssetByName("alpha")
	if err != nil {
		t.Fatalf("FindAssetByName: %v", err)
	}
	cooked, err := reader.LoadCookedPayload(info.ID)
	if err != nil {
		t.Fatalf("LoadCookedPayload: %v", err)
	}
	if string(cooked.Bytes) != "CONTENT OF ALPHA" {
		t.Errorf("cooked payload = %q", cooked.Bytes)
	}
	bulk, err := reader.LoadBulkChunk(info.ID, 0)
	if err != nil {
		t.Fatalf("LoadBulkChunk: %v", err)
	}
	if string(bulk) != "content of alpha" {
		t.Errorf("bulk chunk = %q", bulk)
	}
}

func TestBuildDeterminism(t *testing.T) {
	sourceDir := t.TempDir()
	writeSources(t, sourceDir, "one", "two")

	collectIDs := func(outDir string) map[string]uid.AssetID {
		engine := newTestEngine(t, sourceDir, outDir)
		if result := engine.BuildAll(context.Background()); !result.Success {
			t.Fatalf("build failed: %v", result.Errors)
		}
		reader, err := pack.Open(filepath.Join(outDir, "out.snpak"))
		if err != nil {
			t.Fatal(err)
		}
		defer reader.Close()

		ids := make(map[string]uid.AssetID)
		for i := 0; i < reader.AssetCount(); i++ {
			info, err := reader.AssetInfo(i)
			if err != nil {
				t.Fatal(err)
			}
			ids[info.Name] = info.ID
		}
		return ids
	}

	first := collectIDs(t.TempDir())
	second := collectIDs(t.TempDir())
	if len(first) != len(second) {
		t.Fatalf("asset counts differ: %d vs %d", len(first), len(second))
	}
	for name, id := range first {
		if second[name] != id {
			t.Errorf("asset %q has ID %s in one build, %s in the other", name, id, second[name])
		}
	}
}

func TestBuildChangedIncrementalSkip(t *testing.T) {
	sourceDir := t.TempDir()
	outDir := t.TempDir()
	writeSources(t, sourceDir, "a", "b", "c", "d")

	engine := newTestEngine(t, sourceDir, outDir)
	if result := engine.BuildAll(context.Background()); !result.Success {
		t.Fatalf("initial build failed: %v", result.Errors)
	}

	// Nothing changed: everything skips.
	result := engine.BuildChanged(context.Background())
	if result.AssetsBuilt != 0 || result.AssetsSkipped != 4 {
		t.Fatalf("no-op BuildChanged: built %d skipped %d, want 0/4", result.AssetsBuilt, result.AssetsSkipped)
	}

	// Modify one source; only it rebuilds.
	if err := os.WriteFile(filepath.Join(sourceDir, "b.blob"), []byte("edited b"), 0o644); err != nil {
		t.Fatal(err)
	}
	result = engine.BuildChanged(context.Background())
	if !result.Success {
		t.Fatalf("BuildChanged failed: %v", result.Errors)
	}
	if result.AssetsBuilt != 1 || result.AssetsSkipped != 3 {
		t.Fatalf("BuildChanged: built %d skipped %d, want 1/3", result.AssetsBuilt, result.AssetsSkipped)
	}

	// The appended pack still serves every asset, with the rebuilt
	// content for b.
	reader, err := pack.Open(filepath.Join(outDir, "out.snpak"))
	if err != nil {
		t.Fatal(err)
	}
	defer reader.Close()
	if reader.AssetCount() != 4 {
		t.Fatalf("pack has %d assets after incremental build, want 4", reader.AssetCount())
	}
	info, err := reader.FindAssetByName("b")
	if err != nil {
		t.Fatal(err)
	}
	cooked, err := reader.LoadCookedPayload(info.ID)
	if err != nil {
		t.Fatal(err)
	}
	if string(cooked.Bytes) != "EDITED B" {
		t.Errorf("rebuilt payload = %q, want %q", cooked.Bytes, "EDITED B")
	}
}

func TestCookerVersionBumpForcesRebuild(t *testing.T) {
	sourceDir := t.TempDir()
	outDir := t.TempDir()
	writeSources(t, sourceDir, "x", "y")

	buildWith := func(cookerVersion string) BuildResult {
		engine, err := NewEngine(BuildConfig{
			SourceRoots:       []string{sourceDir},
			OutputPackPath:    filepath.Join(outDir, "out.snpak"),
			CacheDatabasePath: filepath.Join(outDir, "cache.db"),
		}, testProvider("1.0", cookerVersion))
		if err != nil {
			t.Fatalf("NewEngine: %v", err)
		}
		defer engine.Close()
		return engine.BuildChanged(context.Background())
	}

	first := buildWith("1.0")
	if first.AssetsBuilt != 2 {
		t.Fatalf("initial build built %d, want 2", first.AssetsBuilt)
	}

	unchanged := buildWith("1.0")
	if unchanged.AssetsBuilt != 0 || unchanged.AssetsSkipped != 2 {
		t.Fatalf("same-version rebuild: built %d skipped %d, want 0/2", unchanged.AssetsBuilt, unchanged.AssetsSkipped)
	}

	bumped := buildWith("2.0")
	if bumped.AssetsBuilt != 2 {
		t.Errorf("version bump rebuilt %d assets, want 2", bumped.AssetsBuilt)
	}
}

func TestPartialFailureStillWritesPack(t *testing.T) {
	sourceDir := t.TempDir()
	outDir := t.TempDir()
	writeSources(t, sourceDir, "good", "bad")

	provider := NewDirectProvider("test-plugin", "1.0")
	provider.RegisterImporter(&blobImporter{version: "1.0"})
	provider.RegisterCooker(&blobCooker{version: "1.0", failName: "bad"})

	engine, err := NewEngine(BuildConfig{
		SourceRoots:    []string{sourceDir},
		OutputPackPath: filepath.Join(outDir, "out.snpak"),
	}, provider)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	defer engine.Close()

	result := engine.BuildAll(context.Background())
	if result.Success {
		t.Error("build with a failing cooker reported success")
	}
	if result.AssetsBuilt != 1 || result.AssetsFailed != 1 {
		t.Errorf("built %d failed %d, want 1/1", result.AssetsBuilt, result.AssetsFailed)
	}
	if len(result.Errors) == 0 {
		t.Error("no errors recorded for the failing asset")
	}

	// The partial pack contains the successful asset.
	reader, err := pack.Open(filepath.Join(outDir, "out.snpak"))
	if err != nil {
		t.Fatalf("partial pack not written: %v", err)
	}
	defer reader.Close()
	if reader.AssetCount() != 1 {
		t.Errorf("partial pack has %d assets, want 1", reader.AssetCount())
	}
}

func TestNoImporterIsWarning(t *testing.T) {
	sourceDir := t.TempDir()
	if err := os.WriteFile(filepath.Join(sourceDir, "readme.txt"), []byte("not a blob"), 0o644); err != nil {
		t.Fatal(err)
	}

	engine := newTestEngine(t, sourceDir, t.TempDir())
	result := engine.BuildAll(context.Background())

	if len(result.Warnings) == 0 {
		t.Error("no warning for a source without an importer")
	}
	if len(result.Errors) != 0 {
		t.Errorf("unexpected errors: %v", result.Errors)
	}
}

func TestBuildAssetsExplicitList(t *testing.T) {
	sourceDir := t.TempDir()
	outDir := t.TempDir()
	writeSources(t, sourceDir, "only")

	engine := newTestEngine(t, sourceDir, outDir)
	result := engine.BuildAssets(context.Background(),
		[]string{filepath.Join(sourceDir, "only.blob")}, "", false)
	if !result.Success || result.AssetsBuilt != 1 {
		t.Fatalf("BuildAssets: %+v", result)
	}

	missing := engine.BuildAssets(context.Background(),
		[]string{filepath.Join(sourceDir, "absent.blob")}, "", false)
	if missing.Success {
		t.Error("BuildAssets succeeded with a missing source")
	}
	if missing.AssetsFailed != 1 {
		t.Errorf("AssetsFailed = %d, want 1", missing.AssetsFailed)
	}
}

func TestRuntimeProcessSourceAndDedup(t *testing.T) {
	sourceDir := t.TempDir()
	writeSources(t, sourceDir, "rt")
	sourcePath := filepath.Join(sourceDir, "rt.blob")

	rt := NewRuntime(RuntimeConfig{DeterministicAssetIDs: true}, testProvider("1.0", "1.0"))

	// Concurrent requests for the same name share one cook.
	var wg sync.WaitGroup
	results := make([]RuntimeResult, 8)
	for i := 0; i < len(results); i++ {
		wg.Add(1)
		go func(slot int) {
			defer wg.Done()
			result, err := rt.ProcessSource(sourcePath, "rt")
			if err != nil {
				t.Errorf("ProcessSource: %v", err)
				return
			}
			results[slot] = result
		}(i)
	}
	wg.Wait()

	for _, result := range results {
		if result.ID != results[0].ID {
			t.Fatal("concurrent ProcessSource calls produced different IDs")
		}
	}
	if results[0].ID != uid.DeterministicAssetID("rt", "") {
		t.Error("runtime pipeline did not use deterministic asset IDs")
	}

	if !rt.HasAsset("rt") {
		t.Error("HasAsset false after ProcessSource")
	}
	asset := rt.CookedAsset("rt")
	if asset == nil {
		t.Fatal("CookedAsset nil after ProcessSource")
	}
	if string(asset.Cooked.Bytes) != "CONTENT OF RT" {
		t.Errorf("runtime cooked payload = %q", asset.Cooked.Bytes)
	}
	if rt.DirtyCount() != 1 {
		t.Errorf("DirtyCount = %d, want 1", rt.DirtyCount())
	}
}

func TestRuntimeSaveAll(t *testing.T) {
	sourceDir := t.TempDir()
	outDir := t.TempDir()
	writeSources(t, sourceDir, "saved")

	rt := NewRuntime(RuntimeConfig{
		OutputDirectory:       outDir,
		RuntimePackName:       "runtime.snpak",
		DeterministicAssetIDs: true,
	}, testProvider("1.0", "1.0"))

	if _, err := rt.ProcessSource(filepath.Join(sourceDir, "saved.blob"), "saved"); err != nil {
		t.Fatalf("ProcessSource: %v", err)
	}
	if err := rt.SaveAll(); err != nil {
		t.Fatalf("SaveAll: %v", err)
	}
	if rt.DirtyCount() != 0 {
		t.Errorf("DirtyCount after SaveAll = %d, want 0", rt.DirtyCount())
	}

	reader, err := pack.Open(filepath.Join(outDir, "runtime.snpak"))
	if err != nil {
		t.Fatalf("Open runtime pack: %v", err)
	}
	defer reader.Close()
	if _, err := reader.FindAssetByName("saved"); err != nil {
		t.Errorf("saved asset not in runtime pack: %v", err)
	}

	// Saving again with nothing dirty is a no-op.
	if err := rt.SaveAll(); err != nil {
		t.Errorf("idempotent SaveAll: %v", err)
	}
}

func TestLoadBuildConfigYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "build.yaml")
	manifest := `
source_roots:
  - assets/textures
  - assets/meshes
output_pack: dist/game.snpak
cache_database: .cache/build.db
compression: lz4hc
compression_level: max
build_options:
  platform: linux
  quality: high
`
	if err := os.WriteFile(path, []byte(manifest), 0o644); err != nil {
		t.Fatal(err)
	}

	config, err := LoadBuildConfig(path)
	if err != nil {
		t.Fatalf("LoadBuildConfig: %v", err)
	}
	if len(config.SourceRoots) != 2 || config.SourceRoots[1] != "assets/meshes" {
		t.Errorf("SourceRoots = %v", config.SourceRoots)
	}
	if config.OutputPackPath != "dist/game.snpak" {
		t.Errorf("OutputPackPath = %q", config.OutputPackPath)
	}
	if config.Compression != "lz4hc" || config.CompressionLevel != "max" {
		t.Errorf("compression = %q/%q", config.Compression, config.CompressionLevel)
	}
	if config.BuildOptions["quality"] != "high" {
		t.Errorf("BuildOptions = %v", config.BuildOptions)
	}

	if _, err := LoadBuildConfig(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Error("LoadBuildConfig succeeded on a missing file")
	}
}

func TestOptionsHashDeterministic(t *testing.T) {
	a := optionsHash(map[string]string{"x": "1", "y": "2"})
	b := optionsHash(map[string]string{"y": "2", "x": "1"})
	if a != b {
		t.Error("options hash depends on map order")
	}
	if a == optionsHash(map[string]string{"x": "1", "y": "3"}) {
		t.Error("options hash missed a changed value")
	}
	if optionsHash(nil) != 0 {
		t.Error("empty options hash not zero")
	}
}
