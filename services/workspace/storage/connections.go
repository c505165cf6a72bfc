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
	"maps"
	"slices"
)

// refTable is the adjacency index of one connection.
//
// Description:
//
//	children maps a parent to its ordered child list; parents maps a child
//	back to its single parent. Child slices may be shared between a snapshot
//	and a builder clone, so they are replaced on write and never modified in
//	place. All read methods accept a nil receiver.
//
// Thread Safety: NOT safe for concurrent writes. Frozen tables (owned by a
// Snapshot) are read-only.
type refTable struct {
	children map[EntityID][]EntityID
	parents  map[EntityID]EntityID
}

func newRefTable() *refTable {
	return &refTable{
		children: make(map[EntityID][]EntityID),
		parents:  make(map[EntityID]EntityID),
	}
}

// clone copies the maps. Child slices stay shared.
func (t *refTable) clone() *refTable {
	if t == nil {
		return newRefTable()
	}
	return &refTable{
		children: maps.Clone(t.children),
		parents:  maps.Clone(t.parents),
	}
}

func (t *refTable) childrenOf(parent EntityID) []EntityID {
	if t == nil {
		return nil
	}
	return t.children[parent]
}

func (t *refTable) parentOf(child EntityID) EntityID {
	if t == nil {
		return NoEntity
	}
	return t.parents[child]
}

func (t *refTable) linkCount() int {
	if t == nil {
		return 0
	}
	return len(t.parents)
}

// setChildren replaces the child list of parent. Children that were linked
// to parent lose their back-pointer; the new children must already be
// detached from any other parent.
func (t *refTable) setChildren(parent EntityID, kids []EntityID) {
	for _, old := range t.children[parent] {
		if t.parents[old] == parent {
			delete(t.parents, old)
		}
	}
	if len(kids) == 0 {
		delete(t.children, parent)
		return
	}
	t.children[parent] = slices.Clone(kids)
	for _, kid := range kids {
		t.parents[kid] = parent
	}
}

func (t *refTable) appendChild(parent, child EntityID) {
	t.children[parent] = append(slices.Clip(t.children[parent]), child)
	t.parents[child] = parent
}

func (t *refTable) unlinkChild(parent, child EntityID) {
	old := t.children[parent]
	kids := make([]EntityID, 0, len(old))
	for _, k := range old {
		if k != child {
			kids = append(kids, k)
		}
	}
	if len(kids) == 0 {
		delete(t.children, parent)
	} else {
		t.children[parent] = kids
	}
	if t.parents[child] == parent {
		delete(t.parents, child)
	}
}

// equal reports whether both tables hold the same links in the same order.
func (t *refTable) equal(o *refTable) bool {
	if t.linkCount() != o.linkCount() {
		return false
	}
	if t == nil || o == nil {
		return true
	}
	if len(t.children) != len(o.children) {
		return false
	}
	for p, kids := range t.children {
		if !slices.Equal(kids, o.children[p]) {
			return false
		}
	}
	return true
}

// parentsWithChildren returns the parents of t and o, sorted by id.
func parentsWithChildren(t, o *refTable) []EntityID {
	set := make(map[EntityID]struct{})
	if t != nil {
		for p := range t.children {
			set[p] = struct{}{}
		}
	}
	if o != nil {
		for p := range o.children {
			set[p] = struct{}{}
		}
	}
	return slices.Sorted(maps.Keys(set))
}
