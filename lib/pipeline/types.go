// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package pipeline

import (
	"github.com/bureau-foundation/snapack/lib/pack"
	"github.com/bureau-foundation/snapack/lib/payload"
	"github.com/bureau-foundation/snapack/lib/uid"
)

// SourceRef identifies one source file by URI plus the XXH3-64 hash
// of its content at scan time.
type SourceRef struct {
	URI         string
	ContentHash uint64
}

// ImportedItem is one asset produced by an importer. Multi-asset
// sources (texture atlases, model files with embedded materials)
// yield several items from a single SourceRef.
type ImportedItem struct {
	ID           uid.AssetID
	LogicalName  string
	AssetKind    uid.TypeID
	VariantKey   string
	Intermediate payload.TypedPayload
	Dependencies []SourceRef
}

// CookRequest wraps an ImportedItem with the build options in effect.
type CookRequest struct {
	ID           uid.AssetID
	LogicalName  string
	AssetKind    uid.TypeID
	VariantKey   string
	Intermediate payload.TypedPayload
	Dependencies []SourceRef
	BuildOptions map[string]string
}

// CookResult is a cooker's output: the runtime-ready cooked payload,
// bulk chunks, any additional dependencies discovered while cooking,
// and free-form tags for tooling.
type CookResult struct {
	Cooked       payload.TypedPayload
	Bulk         []pack.BulkChunk
	Dependencies []SourceRef
	Tags         map[string]string
}

// Importer turns a source file into intermediate typed payloads.
// Implementations come from providers (plugins) or direct
// registration. Name and Version participate in rebuild decisions:
// bumping a version forces a rebuild of everything the importer
// produced.
type Importer interface {
	Name() string
	Version() string

	// CanImport reports whether this importer handles the source.
	// The first importer (in registration order) that returns true
	// wins.
	CanImport(source SourceRef) bool

	// Import produces one or more items from the source. Returning
	// zero items without error is reported as a pipeline warning.
	Import(source SourceRef, ctx *Context) ([]ImportedItem, error)
}

// Cooker turns an intermediate payload into a cooked payload plus
// bulk chunks. Name and Version participate in rebuild decisions like
// an importer's.
type Cooker interface {
	Name() string
	Version() string

	// CanCook reports whether this cooker handles the given asset
	// kind and intermediate payload type. First match wins.
	CanCook(assetKind, intermediateType uid.TypeID) bool

	Cook(req CookRequest, ctx *Context) (CookResult, error)
}

// Provider supplies importer/cooker/serializer collaborators to the
// engine. How a provider obtains them (dynamic loading, static
// linking, code generation) is outside the engine's concern.
type Provider interface {
	Name() string
	Version() string
	Importers() []Importer
	Cookers() []Cooker
	Serializers() []payload.Serializer
}

// DirectProvider is an in-process Provider for embedded use and
// tests: collaborators are registered directly on the value.
type DirectProvider struct {
	ProviderName    string
	ProviderVersion string

	importers   []Importer
	cookers     []Cooker
	serializers []payload.Serializer
}

// NewDirectProvider creates a provider with the given identity.
func NewDirectProvider(name, version string) *DirectProvider {
	return &DirectProvider{ProviderName: name, ProviderVersion: version}
}

// RegisterImporter appends an importer. Order matters: CanImport is
// probed in registration order.
func (p *DirectProvider) RegisterImporter(importer Importer) {
	p.importers = append(p.importers, importer)
}

// RegisterCooker appends a cooker.
func (p *DirectProvider) RegisterCooker(cooker Cooker) {
	p.cookers = append(p.cookers, cooker)
}

// RegisterSerializer appends a payload serializer.
func (p *DirectProvider) RegisterSerializer(serializer payload.Serializer) {
	p.serializers = append(p.serializers, serializer)
}

func (p *DirectProvider) Name() string                      { return p.ProviderName }
func (p *DirectProvider) Version() string                   { return p.ProviderVersion }
func (p *DirectProvider) Importers() []Importer             { return p.importers }
func (p *DirectProvider) Cookers() []Cooker                 { return p.cookers }
func (p *DirectProvider) Serializers() []payload.Serializer { return p.serializers }
