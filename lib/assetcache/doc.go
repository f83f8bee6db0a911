// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package assetcache is the runtime's type-erased asset cache: a
// size-bounded map from (asset ID, runtime type) to loaded assets,
// handed out as reference-counted handles. Eviction is gated on
// reference counts and a minimum age since last access, so recently
// loaded assets are never churned out under momentary pressure.
package assetcache
