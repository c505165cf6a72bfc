// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package storage

import (
	"iter"
	"reflect"
)

// -----------------------------------------------------------------------------
// Entity Data
// -----------------------------------------------------------------------------

// EntitySource names where an entity came from, e.g. the project file that
// declared it.
type EntitySource string

// EntityData is the payload of one entity.
//
// Description:
//
//	Implementations should be value types (plain structs). The storage never
//	mutates EntityData; every change through a Builder stores a new value.
//	Slice or map fields are shared between copies and must be treated as
//	read-only by callers.
type EntityData interface {
	// Kind returns the entity kind. It must be constant for a given type.
	Kind() Kind

	// Source returns the entity source.
	Source() EntitySource
}

// SymbolicEntity is implemented by entity data that carries a stable,
// human-meaningful identifier unique within a storage (e.g. a module name).
type SymbolicEntity interface {
	EntityData
	SymbolicID() string
}

// Equaler can be implemented by entity data that is not comparable with
// reflect.DeepEqual semantics.
type Equaler interface {
	Equal(other EntityData) bool
}

func dataEqual(a, b EntityData) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if eq, ok := a.(Equaler); ok {
		return eq.Equal(b)
	}
	return reflect.DeepEqual(a, b)
}

func symbolOf(data EntityData) (string, bool) {
	if s, ok := data.(SymbolicEntity); ok {
		if sym := s.SymbolicID(); sym != "" {
			return sym, true
		}
	}
	return "", false
}

// -----------------------------------------------------------------------------
// Entity Façade
// -----------------------------------------------------------------------------

// Entity is a read-only view of one entity in a storage.
//
// Description:
//
//	An Entity pairs the id with the data it had in the storage that produced
//	it. Façades from a Snapshot stay valid forever; façades from a Builder
//	reflect the data at the time of the call.
//
// Thread Safety: Immutable; safe for concurrent use.
type Entity struct {
	id      EntityID
	data    EntityData
	storage EntityStorage
}

// ID returns the entity id.
func (e *Entity) ID() EntityID { return e.id }

// Kind returns the entity kind.
func (e *Entity) Kind() Kind { return e.data.Kind() }

// Data returns the entity payload.
func (e *Entity) Data() EntityData { return e.data }

// Source returns the entity source.
func (e *Entity) Source() EntitySource { return e.data.Source() }

// Storage returns the storage the façade was read from.
func (e *Entity) Storage() EntityStorage { return e.storage }

// Parent returns the parent over conn, or nil.
func (e *Entity) Parent(conn ConnectionID) *Entity {
	return e.storage.Parent(conn, e.id)
}

// Children returns the children over conn in insertion order.
func (e *Entity) Children(conn ConnectionID) iter.Seq[*Entity] {
	return e.storage.ManyChildren(conn, e.id)
}

// DataAs returns the entity payload as T.
//
// Outputs:
//   - T: The payload, zero value if e is nil or holds another type.
//   - bool: True if the payload is a T.
func DataAs[T EntityData](e *Entity) (T, bool) {
	var zero T
	if e == nil {
		return zero, false
	}
	v, ok := e.data.(T)
	return v, ok
}

// -----------------------------------------------------------------------------
// Read Interface
// -----------------------------------------------------------------------------

// EntityStorage is the read surface shared by Snapshot and Builder.
//
// Reads never fail: absent or stale ids yield nil, false or an empty
// sequence.
type EntityStorage interface {
	// Registry returns the kind and connection registry.
	Registry() *Registry

	// EntityByID returns the entity or nil. O(1).
	EntityByID(id EntityID) *Entity

	// Contains reports whether id names a live entity. O(1).
	Contains(id EntityID) bool

	// Entities returns every entity of kind ordered by creation index.
	// The sequence can be iterated more than once.
	Entities(kind Kind) iter.Seq[*Entity]

	// EntityCount returns the number of live entities of kind. O(1).
	EntityCount(kind Kind) int

	// IsEmpty reports whether the storage holds no entity. O(1).
	IsEmpty() bool

	// OneChild returns the first child of parent over conn, or nil.
	OneChild(conn ConnectionID, parent EntityID) *Entity

	// ManyChildren returns the children of parent over conn in insertion
	// order.
	ManyChildren(conn ConnectionID, parent EntityID) iter.Seq[*Entity]

	// Parent returns the parent of child over conn, or nil.
	Parent(conn ConnectionID, child EntityID) *Entity

	// EntitiesBySource returns every entity with the given source.
	EntitiesBySource(source EntitySource) []*Entity

	// Resolve returns the entity with the given symbolic id, or nil.
	Resolve(symbolicID string) *Entity
}

// view is the raw state both storages expose to the shared read helpers.
type view interface {
	data(id EntityID) EntityData
	allocated(t EntityTypeID) uint32
	table(conn ConnectionID) *refTable
	facade(id EntityID, data EntityData) *Entity
	registryRef() *Registry
}

func entityByID(v view, id EntityID) *Entity {
	d := v.data(id)
	if d == nil {
		return nil
	}
	return v.facade(id, d)
}

func entitiesOf(v view, kind Kind) iter.Seq[*Entity] {
	return func(yield func(*Entity) bool) {
		t, ok := v.registryRef().TypeID(kind)
		if !ok {
			return
		}
		n := v.allocated(t)
		for i := uint32(0); i < n; i++ {
			id := NewEntityID(t, i)
			d := v.data(id)
			if d == nil {
				continue
			}
			if !yield(v.facade(id, d)) {
				return
			}
		}
	}
}

func oneChild(v view, conn ConnectionID, parent EntityID) *Entity {
	kids := v.table(conn).childrenOf(parent)
	if len(kids) == 0 {
		return nil
	}
	return entityByID(v, kids[0])
}

func manyChildren(v view, conn ConnectionID, parent EntityID) iter.Seq[*Entity] {
	return func(yield func(*Entity) bool) {
		for _, kid := range v.table(conn).childrenOf(parent) {
			e := entityByID(v, kid)
			if e == nil {
				continue
			}
			if !yield(e) {
				return
			}
		}
	}
}

func parentOf(v view, conn ConnectionID, child EntityID) *Entity {
	p := v.table(conn).parentOf(child)
	if p == NoEntity {
		return nil
	}
	return entityByID(v, p)
}

func entitiesBySource(v view, source EntitySource) []*Entity {
	var out []*Entity
	for _, kind := range v.registryRef().Kinds() {
		for e := range entitiesOf(v, kind) {
			if e.Source() == source {
				out = append(out, e)
			}
		}
	}
	return out
}
