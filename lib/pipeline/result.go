// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package pipeline

import (
	"fmt"
	"sync"
)

// BuildResult summarizes one build. A batch build continues past
// per-asset failures: failed sources increment AssetsFailed and their
// errors accumulate, while the pack is still written with the
// successful assets. Success is false whenever any error was
// recorded.
type BuildResult struct {
	AssetsBuilt   int
	AssetsSkipped int
	AssetsFailed  int

	Errors   []string
	Warnings []string

	Success bool
}

// buildLog collects errors and warnings from concurrent pipeline
// stages.
type buildLog struct {
	mu       sync.Mutex
	errors   []string
	warnings []string
}

func (l *buildLog) errorf(format string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.errors = append(l.errors, fmt.Sprintf(format, args...))
}

func (l *buildLog) warnf(format string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.warnings = append(l.warnings, fmt.Sprintf(format, args...))
}

func (l *buildLog) drainInto(result *BuildResult) {
	l.mu.Lock()
	defer l.mu.Unlock()
	result.Errors = append(result.Errors, l.errors...)
	result.Warnings = append(result.Warnings, l.warnings...)
	if len(result.Errors) > 0 {
		result.Success = false
	}
}
