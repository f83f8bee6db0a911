// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package payload

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/bureau-foundation/snapack/lib/uid"
)

// ErrMigrationUnsupported is returned by serializers that cannot
// migrate payload bytes between schema versions.
var ErrMigrationUnsupported = errors.New("payload migration not supported")

// Registry maps payload types to their serializers. It has two
// phases: before Freeze, Register is allowed under a write lock;
// after Freeze, the maps are never mutated again and Find/FindByName
// read without locking. The atomic frozen flag is the publication
// barrier for that transition.
//
// Registering a duplicate TypeID or TypeName, or registering after
// Freeze, panics: these indicate a bug in plugin wiring, not a
// recoverable condition.
type Registry struct {
	mu     sync.RWMutex
	frozen atomic.Bool

	byType map[uid.TypeID]Serializer
	byName map[string]Serializer
	all    []Serializer
}

// NewRegistry returns an empty, unfrozen registry.
func NewRegistry() *Registry {
	return &Registry{
		byType: make(map[uid.TypeID]Serializer),
		byName: make(map[string]Serializer),
	}
}

// Register adds a serializer. Panics if the registry is frozen or the
// serializer's TypeID or TypeName is already registered.
func (r *Registry) Register(s Serializer) {
	if r.frozen.Load() {
		panic("payload: Register called on a frozen registry")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	id := s.TypeID()
	name := s.TypeName()

	if _, exists := r.byType[id]; exists {
		panic("payload: TypeID already registered: " + id.String())
	}
	if _, exists := r.byName[name]; exists {
		panic("payload: TypeName already registered: " + name)
	}

	r.byType[id] = s
	r.byName[name] = s
	r.all = append(r.all, s)
}

// Freeze transitions the registry to read-only. After Freeze, lookups
// take no lock. Freeze is idempotent.
func (r *Registry) Freeze() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frozen.Store(true)
}

// IsFrozen reports whether Freeze has been called.
func (r *Registry) IsFrozen() bool {
	return r.frozen.Load()
}

// Find returns the serializer for a payload type, or nil.
func (r *Registry) Find(id uid.TypeID) Serializer {
	if r.frozen.Load() {
		return r.byType[id]
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byType[id]
}

// FindByName returns the serializer for a type name, or nil.
func (r *Registry) FindByName(name string) Serializer {
	if r.frozen.Load() {
		return r.byName[name]
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byName[name]
}

// All returns the registered serializers in registration order. The
// returned slice must not be modified.
func (r *Registry) All() []Serializer {
	if r.frozen.Load() {
		return r.all
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Serializer(nil), r.all...)
}
