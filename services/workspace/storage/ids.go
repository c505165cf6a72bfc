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

import "fmt"

// -----------------------------------------------------------------------------
// Entity Addressing
// -----------------------------------------------------------------------------

// Kind names an entity type, e.g. "Module" or "ContentRoot".
type Kind string

// String returns the kind name.
func (k Kind) String() string {
	return string(k)
}

// EntityTypeID is the dense discriminant a Registry assigns to a Kind.
//
// Zero is reserved and never assigned.
type EntityTypeID uint16

// EntityID identifies one entity inside a storage lineage.
//
// Description:
//
//	The high bits carry the EntityTypeID, the low 32 bits the per-type
//	creation index. Ids are opaque outside this package: they have no
//	serialized form and are not stable across process restarts.
type EntityID uint64

// NoEntity is the zero EntityID. It never names an entity and is used to
// express "no parent" in AddChild.
const NoEntity EntityID = 0

const indexBits = 32

// NewEntityID composes an EntityID from a type discriminant and index.
func NewEntityID(typeID EntityTypeID, index uint32) EntityID {
	return EntityID(uint64(typeID)<<indexBits | uint64(index))
}

// TypeID returns the type discriminant embedded in the id.
func (id EntityID) TypeID() EntityTypeID {
	return EntityTypeID(id >> indexBits)
}

// Index returns the per-type creation index.
func (id EntityID) Index() uint32 {
	return uint32(id)
}

// IsValid reports whether the id carries a non-reserved type discriminant.
func (id EntityID) IsValid() bool {
	return id.TypeID() != 0
}

// String returns "<type>:<index>", or "none" for NoEntity.
func (id EntityID) String() string {
	if !id.IsValid() {
		return "none"
	}
	return fmt.Sprintf("%d:%d", id.TypeID(), id.Index())
}

// -----------------------------------------------------------------------------
// Connection Addressing
// -----------------------------------------------------------------------------

// ConnectionKind is the multiplicity of a parent/child relation.
type ConnectionKind int

const (
	// OneToOne allows at most one child per parent.
	OneToOne ConnectionKind = iota + 1

	// OneToMany allows an ordered list of children per parent.
	OneToMany
)

// String returns the string representation of the ConnectionKind.
func (k ConnectionKind) String() string {
	switch k {
	case OneToOne:
		return "one_to_one"
	case OneToMany:
		return "one_to_many"
	default:
		return "unknown"
	}
}

// ConnectionID identifies a declared parent/child relation.
//
// Description:
//
//	ConnectionIDs are only produced by Registry.DeclareConnection. They are
//	comparable and may be used as map keys. Besides identity they carry the
//	relation's parent and child types, multiplicity and whether the child may
//	exist without a parent.
type ConnectionID struct {
	seq            uint32
	parent         EntityTypeID
	child          EntityTypeID
	kind           ConnectionKind
	parentNullable bool
}

// ParentType returns the discriminant of the parent side.
func (c ConnectionID) ParentType() EntityTypeID {
	return c.parent
}

// ChildType returns the discriminant of the child side.
func (c ConnectionID) ChildType() EntityTypeID {
	return c.child
}

// Kind returns the multiplicity of the relation.
func (c ConnectionID) Kind() ConnectionKind {
	return c.kind
}

// IsParentNullable reports whether a child may exist without a parent.
//
// When false, removing the parent removes the child as well.
func (c ConnectionID) IsParentNullable() bool {
	return c.parentNullable
}

// IsValid reports whether the id was produced by a Registry.
func (c ConnectionID) IsValid() bool {
	return c.seq != 0
}

// String returns a compact description, e.g. "conn#1(1->2 one_to_many required)".
func (c ConnectionID) String() string {
	nullability := "required"
	if c.parentNullable {
		nullability = "nullable"
	}
	return fmt.Sprintf("conn#%d(%d->%d %s %s)", c.seq, c.parent, c.child, c.kind, nullability)
}

// ReplaceMap translates entity ids of one builder into the id space of
// another during a merge.
type ReplaceMap map[EntityID]EntityID
