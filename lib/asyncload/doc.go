// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package asyncload runs asset loads on a pool of worker goroutines
// drained from a priority queue, with cooperative cancellation
// tokens, waitable handles, and optional main-thread callback
// dispatch.
//
// Ordering: requests complete by priority tier, FIFO within a tier.
// There is no cross-request ordering beyond that; callbacks run on
// worker goroutines unless the request asks for main-thread dispatch.
package asyncload
