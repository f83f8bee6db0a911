// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package asyncload

import "sync/atomic"

// Token is a cooperative cancellation token: a shared flag checked by
// workers immediately before and after the blocking load. Cancel is
// sticky — once cancelled, always cancelled.
//
// The zero value is never cancelled and ignores Cancel; create
// cancellable tokens with NewToken or LinkTokens.
type Token struct {
	state *tokenState
}

type tokenState struct {
	cancelled atomic.Bool
	parents   []*tokenState
}

// NewToken returns a fresh, uncancelled token.
func NewToken() Token {
	return Token{state: &tokenState{}}
}

// Cancel sets the token's cancelled flag. Safe to call from any
// goroutine, any number of times.
func (t Token) Cancel() {
	if t.state != nil {
		t.state.cancelled.Store(true)
	}
}

// IsCancelled reports whether this token or any ancestor token has
// been cancelled. A nil (zero) token is never cancelled.
func (t Token) IsCancelled() bool {
	if t.state == nil {
		return false
	}
	return t.state.isCancelled()
}

func (s *tokenState) isCancelled() bool {
	if s.cancelled.Load() {
		return true
	}
	for _, parent := range s.parents {
		if parent.isCancelled() {
			return true
		}
	}
	return false
}

// LinkTokens returns a token that reports cancelled whenever either
// parent is cancelled at the time of the check, or when it is
// cancelled directly. Parent references are retained, so parents
// cancelled after linking are still observed.
func LinkTokens(a, b Token) Token {
	state := &tokenState{}
	if a.state != nil {
		state.parents = append(state.parents, a.state)
	}
	if b.state != nil {
		state.parents = append(state.parents, b.state)
	}
	return Token{state: state}
}
