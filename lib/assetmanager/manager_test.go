// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package assetmanager

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/bureau-foundation/snapack/lib/assetcache"
	"github.com/bureau-foundation/snapack/lib/asyncload"
	"github.com/bureau-foundation/snapack/lib/pack"
	"github.com/bureau-foundation/snapack/lib/payload"
	"github.com/bureau-foundation/snapack/lib/testutil"
	"github.com/bureau-foundation/snapack/lib/uid"
)

var (
	kindBlob   = uid.NewType("snapack.manager-test.blob")
	cookedBlob = uid.NewType("snapack.manager-test.blob.cooked")
	cookedAlt  = uid.NewType("snapack.manager-test.alt.cooked")
)

// blob is the test runtime type.
type blob struct {
	data []byte
	bulk [][]byte
}

// blobFactory builds blobs from cooked payloads, loading every bulk
// chunk through the context.
type blobFactory struct {
	cookedType uid.TypeID
}

func (f *blobFactory) CookedPayloadType() uid.TypeID { return f.cookedType }

func (f *blobFactory) Load(ctx *LoadContext) (any, error) {
	loaded := &blob{data: ctx.Cooked.Bytes}
	for i := uint32(0); i < ctx.Info.BulkChunkCount; i++ {
		chunk, err := ctx.LoadBulk(i)
		if err != nil {
			return nil, err
		}
		loaded.bulk = append(loaded.bulk, chunk)
	}
	return loaded, nil
}

func packEntry(name string, cooked []byte, bulk ...[]byte) pack.Entry {
	entry := pack.Entry{
		ID:   uid.DeterministicAssetID(name, ""),
		Kind: kindBlob,
		Name: name,
		Cooked: payload.TypedPayload{
			PayloadType:   cookedBlob,
			SchemaVersion: 1,
			Bytes:         cooked,
		},
	}
	for i, data := range bulk {
		entry.Bulk = append(entry.Bulk, pack.BulkChunk{
			SubIndex: uint32(i),
			Compress: true,
			Bytes:    data,
		})
	}
	return entry
}

func buildPack(t *testing.T, path string, entries ...pack.Entry) {
	t.Helper()
	writer := pack.NewWriter()
	for _, entry := range entries {
		writer.AddAsset(entry)
	}
	if err := writer.Write(path); err != nil {
		t.Fatalf("writing test pack: %v", err)
	}
}

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	m := New(Config{
		Cache: assetcache.Config{MaxMemoryBytes: 1 << 20},
	})
	t.Cleanup(func() { _ = m.Close() })
	RegisterFactory[blob](m, &blobFactory{cookedType: cookedBlob})
	return m
}

func TestOverlayPriority(t *testing.T) {
	dir := t.TempDir()
	basePath := filepath.Join(dir, "base.snpak")
	patchPath := filepath.Join(dir, "patch.snpak")
	buildPack(t, basePath, packEntry("t/c", []byte{0x01}))
	buildPack(t, patchPath, packEntry("t/c", []byte{0x02}))

	m := newTestManager(t)
	if err := m.MountPack(basePath, MountOptions{Priority: 0}); err != nil {
		t.Fatalf("mount base: %v", err)
	}
	if err := m.MountPack(patchPath, MountOptions{Priority: 100}); err != nil {
		t.Fatalf("mount patch: %v", err)
	}

	loaded, err := Load[blob](m, "t/c")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !bytes.Equal(loaded.data, []byte{0x02}) {
		t.Errorf("loaded bytes = %v, want the patch pack's [2]", loaded.data)
	}

	// Unmounting the patch exposes the base asset again.
	m.UnmountPack(patchPath)
	loaded, err = Load[blob](m, "t/c")
	if err != nil {
		t.Fatalf("Load after unmount: %v", err)
	}
	if !bytes.Equal(loaded.data, []byte{0x01}) {
		t.Errorf("loaded bytes = %v, want the base pack's [1]", loaded.data)
	}
}

func TestMountPointPrefix(t *testing.T) {
	dir := t.TempDir()
	packPath := filepath.Join(dir, "dlc.snpak")
	buildPack(t, packPath, packEntry("maps/arena", []byte{7}))

	m := newTestManager(t)
	if err := m.MountPack(packPath, MountOptions{MountPoint: "dlc/"}); err != nil {
		t.Fatalf("mount: %v", err)
	}

	if _, err := Load[blob](m, "maps/arena"); err == nil {
		t.Error("load without the mount-point prefix succeeded")
	}

	loaded, err := Load[blob](m, "dlc/maps/arena")
	if err != nil {
		t.Fatalf("Load with prefix: %v", err)
	}
	if !bytes.Equal(loaded.data, []byte{7}) {
		t.Error("wrong asset behind mount point")
	}
}

func TestDoubleMountRejected(t *testing.T) {
	dir := t.TempDir()
	packPath := filepath.Join(dir, "p.snpak")
	buildPack(t, packPath, packEntry("a", []byte{1}))

	m := newTestManager(t)
	if err := m.MountPack(packPath, MountOptions{}); err != nil {
		t.Fatal(err)
	}
	if err := m.MountPack(packPath, MountOptions{}); err == nil {
		t.Error("mounting the same path twice succeeded")
	}
}

func TestFactoryTypeMismatch(t *testing.T) {
	dir := t.TempDir()
	packPath := filepath.Join(dir, "p.snpak")
	buildPack(t, packPath, packEntry("tex", []byte{1}))

	m := New(Config{Cache: assetcache.Config{MaxMemoryBytes: 1 << 20}})
	defer m.Close()
	// The registered factory consumes a different cooked type than
	// the asset carries.
	RegisterFactory[blob](m, &blobFactory{cookedType: cookedAlt})
	if err := m.MountPack(packPath, MountOptions{}); err != nil {
		t.Fatal(err)
	}

	if _, err := Load[blob](m, "tex"); err == nil {
		t.Error("load succeeded despite factory cooked-type mismatch")
	}
}

func TestNoFactoryRegistered(t *testing.T) {
	dir := t.TempDir()
	packPath := filepath.Join(dir, "p.snpak")
	buildPack(t, packPath, packEntry("tex", []byte{1}))

	m := New(Config{Cache: assetcache.Config{MaxMemoryBytes: 1 << 20}})
	defer m.Close()
	if err := m.MountPack(packPath, MountOptions{}); err != nil {
		t.Fatal(err)
	}

	if _, err := Load[blob](m, "tex"); err == nil {
		t.Error("load succeeded without a registered factory")
	}
}

func TestCachedGet(t *testing.T) {
	dir := t.TempDir()
	packPath := filepath.Join(dir, "p.snpak")
	buildPack(t, packPath, packEntry("cached", []byte{1, 2, 3}, []byte{9, 9}))

	m := newTestManager(t)
	if err := m.MountPack(packPath, MountOptions{}); err != nil {
		t.Fatal(err)
	}

	first, err := Get[blob](m, "cached")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	defer first.Release()

	second, err := Get[blob](m, "cached")
	if err != nil {
		t.Fatalf("Get (cached): %v", err)
	}
	defer second.Release()

	if first.Get() != second.Get() {
		t.Error("second Get did not hit the cache")
	}
	if m.Cache().Len() != 1 {
		t.Errorf("cache holds %d entries, want 1", m.Cache().Len())
	}

	// Size estimate = uncompressed bulk bytes.
	if usage := m.Cache().MemoryUsage(); usage != 2 {
		t.Errorf("cache usage = %d, want 2 (bulk size estimate)", usage)
	}
}

func TestEstimateAssetSizeDefaults(t *testing.T) {
	dir := t.TempDir()
	packPath := filepath.Join(dir, "p.snpak")
	buildPack(t, packPath,
		packEntry("with-bulk", []byte{1}, make([]byte, 300), make([]byte, 200)),
		packEntry("no-bulk", []byte{1}),
	)

	m := newTestManager(t)
	if err := m.MountPack(packPath, MountOptions{}); err != nil {
		t.Fatal(err)
	}

	if size := m.EstimateAssetSize(uid.DeterministicAssetID("with-bulk", "")); size != 500 {
		t.Errorf("EstimateAssetSize(with-bulk) = %d, want 500", size)
	}
	if size := m.EstimateAssetSize(uid.DeterministicAssetID("no-bulk", "")); size != 1024 {
		t.Errorf("EstimateAssetSize(no-bulk) = %d, want 1024", size)
	}
}

func TestAsyncLoadThroughManager(t *testing.T) {
	dir := t.TempDir()
	packPath := filepath.Join(dir, "p.snpak")
	buildPack(t, packPath, packEntry("async", []byte{0xA5}))

	m := newTestManager(t)
	if err := m.MountPack(packPath, MountOptions{}); err != nil {
		t.Fatal(err)
	}

	results := make(chan *blob, 1)
	handle := LoadAsync(m, "async", asyncload.PriorityHigh, asyncload.NewToken(),
		func(loaded *blob, err error) {
			if err != nil {
				t.Errorf("async load: %v", err)
			}
			results <- loaded
		})
	m.Loader().Wait(handle)

	loaded := testutil.RequireReceive(t, results, 5*time.Second, "async load result")
	if loaded == nil || !bytes.Equal(loaded.data, []byte{0xA5}) {
		t.Error("async load returned wrong asset")
	}
}

func TestVariantListing(t *testing.T) {
	dir := t.TempDir()
	packPath := filepath.Join(dir, "p.snpak")

	base := packEntry("mat/m", []byte{1})
	hdr := packEntry("mat/m", []byte{2})
	hdr.ID = uid.DeterministicAssetID("mat/m", "hdr")
	hdr.VariantKey = "hdr"
	buildPack(t, packPath, base, hdr)

	m := newTestManager(t)
	if err := m.MountPack(packPath, MountOptions{}); err != nil {
		t.Fatal(err)
	}

	variants := m.FindAssetVariants("mat/m")
	if len(variants) != 2 {
		t.Fatalf("FindAssetVariants returned %d, want 2", len(variants))
	}

	info, err := m.FindAsset("mat/m")
	if err != nil {
		t.Fatal(err)
	}
	if info.VariantKey != "" {
		t.Error("FindAsset did not prefer the variant-less asset")
	}
}

func TestHotReload(t *testing.T) {
	dir := t.TempDir()
	packPath := filepath.Join(dir, "live.snpak")
	buildPack(t, packPath, packEntry("live", []byte{1}))

	m := New(Config{
		Cache:           assetcache.Config{MaxMemoryBytes: 1 << 20},
		EnableHotReload: true,
	})
	defer m.Close()
	RegisterFactory[blob](m, &blobFactory{cookedType: cookedBlob})
	if err := m.MountPack(packPath, MountOptions{}); err != nil {
		t.Fatal(err)
	}

	var stale []uid.AssetID
	m.SetHotReloadCallback(func(ids []uid.AssetID) { stale = ids })

	// Unchanged: nothing reloads.
	if reloaded := m.CheckForChanges(); len(reloaded) != 0 {
		t.Fatalf("CheckForChanges reloaded %v without changes", reloaded)
	}

	// Backdate the mount-time stamp so the rewrite below looks newer
	// even on filesystems with coarse timestamps.
	past := time.Now().Add(-time.Hour)
	if err := os.Chtimes(packPath, past, past); err != nil {
		t.Fatal(err)
	}
	m.CheckForChanges() // adopt the backdated stamp

	buildPack(t, packPath, packEntry("live", []byte{2}))

	reloaded := m.CheckForChanges()
	if len(reloaded) != 1 || reloaded[0] != packPath {
		t.Fatalf("CheckForChanges = %v, want [%s]", reloaded, packPath)
	}
	if len(stale) != 1 || stale[0] != uid.DeterministicAssetID("live", "") {
		t.Errorf("stale asset callback got %v", stale)
	}

	// Loads now see the new content.
	loaded, err := Load[blob](m, "live")
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(loaded.data, []byte{2}) {
		t.Errorf("post-reload bytes = %v, want [2]", loaded.data)
	}
}

func TestScanForPacks(t *testing.T) {
	dir := t.TempDir()
	nested := filepath.Join(dir, "sub")
	if err := os.MkdirAll(nested, 0o755); err != nil {
		t.Fatal(err)
	}
	buildPack(t, filepath.Join(dir, "a.snpak"), packEntry("a", []byte{1}))
	buildPack(t, filepath.Join(nested, "b.snpak"), packEntry("b", []byte{2}))
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	packs := ScanForPacks([]string{dir, filepath.Join(dir, "absent")})
	if len(packs) != 2 {
		t.Fatalf("ScanForPacks found %d packs, want 2: %v", len(packs), packs)
	}

	// Auto-mount through the manager config.
	m := New(Config{
		Cache:           assetcache.Config{MaxMemoryBytes: 1 << 20},
		PackSearchPaths: []string{dir},
	})
	defer m.Close()
	if mounted := m.MountedPacks(); len(mounted) != 2 {
		t.Errorf("auto-mounted %d packs, want 2", len(mounted))
	}
}

func TestListAssets(t *testing.T) {
	dir := t.TempDir()
	buildPack(t, filepath.Join(dir, "one.snpak"), packEntry("x", []byte{1}), packEntry("y", []byte{2}))
	buildPack(t, filepath.Join(dir, "two.snpak"), packEntry("z", []byte{3}))

	m := newTestManager(t)
	for _, name := range []string{"one.snpak", "two.snpak"} {
		if err := m.MountPack(filepath.Join(dir, name), MountOptions{}); err != nil {
			t.Fatal(err)
		}
	}

	assets := m.ListAssets()
	if len(assets) != 3 {
		t.Errorf("ListAssets returned %d, want 3", len(assets))
	}
}

func TestLoadByIDAndParams(t *testing.T) {
	dir := t.TempDir()
	packPath := filepath.Join(dir, "p.snpak")
	entry := packEntry("by-id", []byte{4})
	buildPack(t, packPath, entry)

	m := New(Config{Cache: assetcache.Config{MaxMemoryBytes: 1 << 20}})
	defer m.Close()
	RegisterFactory[blob](m, &paramsFactory{})
	if err := m.MountPack(packPath, MountOptions{}); err != nil {
		t.Fatal(err)
	}

	loaded, err := LoadByID[blob](m, entry.ID, "tinted")
	if err != nil {
		t.Fatalf("LoadByID: %v", err)
	}
	if string(loaded.data) != "tinted" {
		t.Errorf("params were not forwarded to the factory: %q", loaded.data)
	}

	// Absent params are "use defaults", not an error.
	loaded, err = LoadByID[blob](m, entry.ID)
	if err != nil {
		t.Fatalf("LoadByID without params: %v", err)
	}
	if string(loaded.data) != "default" {
		t.Errorf("default params not applied: %q", loaded.data)
	}
}

// paramsFactory demonstrates the opaque-params contract: a mistyped
// or absent Params value falls back to defaults.
type paramsFactory struct{}

func (f *paramsFactory) CookedPayloadType() uid.TypeID { return cookedBlob }

func (f *paramsFactory) Load(ctx *LoadContext) (any, error) {
	mode, ok := ctx.Params.(string)
	if !ok {
		mode = "default"
	}
	return &blob{data: []byte(mode)}, nil
}

func TestMountLoadToMemory(t *testing.T) {
	dir := t.TempDir()
	packPath := filepath.Join(dir, "warm.snpak")
	buildPack(t, packPath, packEntry("warm", bytes.Repeat([]byte{3}, 4096)))

	m := newTestManager(t)
	// The warm-up is advisory; mounting and loading behave
	// identically with it enabled.
	if err := m.MountPack(packPath, MountOptions{LoadToMemory: true}); err != nil {
		t.Fatalf("mount with LoadToMemory: %v", err)
	}
	if _, err := Load[blob](m, "warm"); err != nil {
		t.Fatalf("Load: %v", err)
	}
}

func TestMountedPackOrderStableOnTies(t *testing.T) {
	dir := t.TempDir()
	for i := 0; i < 3; i++ {
		buildPack(t, filepath.Join(dir, fmt.Sprintf("p%d.snpak", i)),
			packEntry(fmt.Sprintf("asset%d", i), []byte{byte(i)}))
	}

	m := newTestManager(t)
	for i := 0; i < 3; i++ {
		if err := m.MountPack(filepath.Join(dir, fmt.Sprintf("p%d.snpak", i)), MountOptions{Priority: 5}); err != nil {
			t.Fatal(err)
		}
	}

	mounted := m.MountedPacks()
	for i := 0; i < 3; i++ {
		want := filepath.Join(dir, fmt.Sprintf("p%d.snpak", i))
		if mounted[i] != want {
			t.Fatalf("mount order not stable on equal priorities: %v", mounted)
		}
	}
}
