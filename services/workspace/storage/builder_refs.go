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
	"fmt"
	"slices"
)

// -----------------------------------------------------------------------------
// Validation
// -----------------------------------------------------------------------------

func (b *Builder) checkConnection(op string, conn ConnectionID) error {
	if !b.registry.isDeclared(conn) {
		return programmingError(op, NoEntity, fmt.Errorf("%w: %s", ErrInvalidConnection, conn))
	}
	return nil
}

func (b *Builder) checkParent(op string, conn ConnectionID, parent EntityID) error {
	if err := b.checkConnection(op, conn); err != nil {
		return err
	}
	if !b.Contains(parent) {
		return programmingError(op, parent, ErrEntityNotFound)
	}
	if parent.TypeID() != conn.parent {
		return programmingError(op, parent,
			fmt.Errorf("%w: not a parent of %s", ErrKindMismatch, conn))
	}
	return nil
}

func (b *Builder) checkChild(op string, conn ConnectionID, child EntityID) error {
	if !b.Contains(child) {
		return programmingError(op, child, ErrEntityNotFound)
	}
	if child.TypeID() != conn.child {
		return programmingError(op, child,
			fmt.Errorf("%w: not a child of %s", ErrKindMismatch, conn))
	}
	return nil
}

// -----------------------------------------------------------------------------
// Link writes
// -----------------------------------------------------------------------------

// ReplaceChildren sets the complete ordered child list of parent over conn.
//
// Description:
//
//	Children that are linked to another parent are moved. Children that
//	were linked to parent and are missing from the new list are removed
//	when conn requires a parent, and detached otherwise.
//
// Inputs:
//   - conn: A declared connection.
//   - parent: A live entity of conn's parent type.
//   - children: Live entities of conn's child type, without duplicates.
//     At most one for a OneToOne connection.
//
// Outputs:
//   - error: Non-nil on invalid input or a finalized builder. The builder
//     is unchanged on error.
func (b *Builder) ReplaceChildren(conn ConnectionID, parent EntityID, children []EntityID) error {
	const op = "replace children"
	if err := b.checkWritable(op); err != nil {
		return err
	}
	if err := b.checkParent(op, conn, parent); err != nil {
		return err
	}
	if conn.kind == OneToOne && len(children) > 1 {
		return programmingError(op, parent, ErrTooManyChildren)
	}
	seen := make(map[EntityID]struct{}, len(children))
	for _, kid := range children {
		if err := b.checkChild(op, conn, kid); err != nil {
			return err
		}
		if _, dup := seen[kid]; dup {
			return programmingError(op, kid, ErrDuplicateChild)
		}
		seen[kid] = struct{}{}
	}
	b.replaceChildren(conn, parent, children)
	return nil
}

// replaceChildren applies a validated child list.
func (b *Builder) replaceChildren(conn ConnectionID, parent EntityID, children []EntityID) {
	old := slices.Clone(b.table(conn).childrenOf(parent))
	if slices.Equal(old, children) {
		return
	}

	t := b.writeTable(conn)
	keep := make(map[EntityID]struct{}, len(children))
	for _, kid := range children {
		keep[kid] = struct{}{}
		if prev := t.parentOf(kid); prev != NoEntity && prev != parent {
			t.unlinkChild(prev, kid)
			b.touch(prev)
		}
	}
	t.setChildren(parent, children)

	b.touch(parent)
	wasChild := make(map[EntityID]struct{}, len(old))
	for _, kid := range old {
		wasChild[kid] = struct{}{}
	}
	for _, kid := range children {
		if _, ok := wasChild[kid]; !ok {
			b.touch(kid)
		}
	}
	for _, kid := range old {
		if _, ok := keep[kid]; ok {
			continue
		}
		if conn.parentNullable {
			b.touch(kid)
		} else {
			b.removeEntity(kid)
		}
	}
	b.markDirty()
}

// AddChild links child under parent over conn.
//
// Description:
//
//	For a OneToOne connection this replaces the current child, with the
//	same removal rules as ReplaceChildren. For a OneToMany connection the
//	child is appended. A child linked elsewhere is moved. Passing NoEntity
//	as parent detaches child, which is only legal for nullable connections.
//
// Outputs:
//   - error: ErrRequiredParent when detaching from a required connection;
//     other ProgrammingErrors on invalid input.
func (b *Builder) AddChild(conn ConnectionID, parent, child EntityID) error {
	const op = "add child"
	if err := b.checkWritable(op); err != nil {
		return err
	}
	if err := b.checkConnection(op, conn); err != nil {
		return err
	}
	if err := b.checkChild(op, conn, child); err != nil {
		return err
	}
	if parent == NoEntity {
		if !conn.parentNullable {
			return programmingError(op, child, ErrRequiredParent)
		}
		b.detach(conn, child)
		return nil
	}
	if err := b.checkParent(op, conn, parent); err != nil {
		return err
	}
	return b.addChild(conn, parent, child)
}

// addChild links validated entities.
func (b *Builder) addChild(conn ConnectionID, parent, child EntityID) error {
	if conn.kind == OneToOne {
		b.replaceChildren(conn, parent, []EntityID{child})
		return nil
	}
	t := b.table(conn)
	prev := t.parentOf(child)
	if prev == parent {
		return nil
	}
	w := b.writeTable(conn)
	if prev != NoEntity {
		w.unlinkChild(prev, child)
		b.touch(prev)
	}
	w.appendChild(parent, child)
	b.touch(parent)
	b.touch(child)
	b.markDirty()
	return nil
}

func (b *Builder) detach(conn ConnectionID, child EntityID) {
	prev := b.table(conn).parentOf(child)
	if prev == NoEntity {
		return
	}
	b.writeTable(conn).unlinkChild(prev, child)
	b.touch(prev)
	b.touch(child)
	b.markDirty()
}
