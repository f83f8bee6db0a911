// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package pipeline is the build engine: it routes source files
// through importer and cooker collaborators into pack files, with an
// incremental cache deciding what actually needs rebuilding, and a
// runtime variant that cooks sources on demand into memory.
//
// Importers, cookers, and payload serializers reach the engine
// through the Provider interface. A DirectProvider covers embedded
// use and tests; how other providers locate their collaborators
// (dynamic loading, static registration) is outside this package.
package pipeline
