// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock abstracts time for components with time-dependent
// behavior: the asset cache's eviction age gate and the asset
// manager's hot-reload poller.
package clock
