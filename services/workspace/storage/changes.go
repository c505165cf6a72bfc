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

// ChangeType tags an EntityChange.
type ChangeType int

const (
	// ChangeAdded marks an entity created since the builder's base.
	ChangeAdded ChangeType = iota + 1

	// ChangeReplaced marks an entity whose data or links changed.
	ChangeReplaced

	// ChangeRemoved marks an entity that existed in the base and is gone.
	ChangeRemoved
)

// String returns the string representation of the ChangeType.
func (c ChangeType) String() string {
	switch c {
	case ChangeAdded:
		return "added"
	case ChangeReplaced:
		return "replaced"
	case ChangeRemoved:
		return "removed"
	default:
		return "unknown"
	}
}

// EntityChange is the net change of one entity since the builder's base.
//
// Old is nil for ChangeAdded, New is nil for ChangeRemoved. A Replaced
// change with equal Old and New records a link change only.
type EntityChange struct {
	Type ChangeType
	ID   EntityID
	Old  EntityData
	New  EntityData
}

// ChangeSet groups changes by entity kind; each slice is ordered by id.
type ChangeSet map[Kind][]EntityChange

// Len returns the total number of changes.
func (cs ChangeSet) Len() int {
	n := 0
	for _, changes := range cs {
		n += len(changes)
	}
	return n
}

// Count returns the number of changes of the given type.
func (cs ChangeSet) Count(t ChangeType) int {
	n := 0
	for _, changes := range cs {
		for _, c := range changes {
			if c.Type == t {
				n++
			}
		}
	}
	return n
}

// Kinds returns the kinds with changes, sorted by name.
func (cs ChangeSet) Kinds() []Kind {
	return slices.Sorted(maps.Keys(cs))
}

// changeLog keeps one coalesced record per entity.
type changeLog struct {
	records map[EntityID]*EntityChange
}

func newChangeLog() *changeLog {
	return &changeLog{records: make(map[EntityID]*EntityChange)}
}

func (l *changeLog) added(id EntityID, data EntityData) {
	l.records[id] = &EntityChange{Type: ChangeAdded, ID: id, New: data}
}

func (l *changeLog) replaced(id EntityID, old, data EntityData) {
	if rec, ok := l.records[id]; ok {
		rec.New = data
		return
	}
	l.records[id] = &EntityChange{Type: ChangeReplaced, ID: id, Old: old, New: data}
}

func (l *changeLog) removed(id EntityID, old EntityData) {
	rec, ok := l.records[id]
	if !ok {
		l.records[id] = &EntityChange{Type: ChangeRemoved, ID: id, Old: old}
		return
	}
	switch rec.Type {
	case ChangeAdded:
		delete(l.records, id)
	case ChangeReplaced:
		rec.Type = ChangeRemoved
		rec.New = nil
	}
}

// touched records a link change on a live entity.
func (l *changeLog) touched(id EntityID, data EntityData) {
	if _, ok := l.records[id]; ok {
		return
	}
	l.records[id] = &EntityChange{Type: ChangeReplaced, ID: id, Old: data, New: data}
}

func (l *changeLog) len() int { return len(l.records) }

func (l *changeLog) sortedIDs() []EntityID {
	return slices.Sorted(maps.Keys(l.records))
}

func (l *changeLog) collect(reg *Registry) ChangeSet {
	cs := make(ChangeSet)
	for _, id := range l.sortedIDs() {
		rec := l.records[id]
		kind := reg.KindOf(id.TypeID())
		cs[kind] = append(cs[kind], *rec)
	}
	return cs
}
