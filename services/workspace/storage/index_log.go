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

// IndexOp is the operation of one IndexLog record.
type IndexOp int

const (
	// IndexAdd sets the mapping value of an entity.
	IndexAdd IndexOp = iota + 1

	// IndexRemove drops the mapping value of an entity.
	IndexRemove
)

// String returns the string representation of the IndexOp.
func (op IndexOp) String() string {
	switch op {
	case IndexAdd:
		return "add"
	case IndexRemove:
		return "remove"
	default:
		return "unknown"
	}
}

// IndexRecord is one coalesced operation of an IndexLog bunch.
type IndexRecord[T comparable] struct {
	Op   IndexOp
	ID   EntityID
	Data T

	// overwrote is set when the entity already had a value before this
	// bunch started editing it. A Remove cannot erase such an Add.
	overwrote bool
	seq       uint64
}

// IndexBunch is a read-only view of one bunch: either a Clear marker or an
// ordered batch of records.
type IndexBunch[T comparable] struct {
	Clear   bool
	Records []IndexRecord[T]
}

type bunchEntry struct {
	id  EntityID
	seq uint64
}

type indexBunch[T comparable] struct {
	clear   bool
	order   []bunchEntry
	records map[EntityID]*IndexRecord[T]
}

func (b *indexBunch[T]) each(fn func(*IndexRecord[T])) {
	for _, e := range b.order {
		rec, ok := b.records[e.id]
		if !ok || rec.seq != e.seq {
			continue
		}
		fn(rec)
	}
}

// IndexLog records the edits of a mutable external mapping since it was
// opened on a builder.
//
// Description:
//
//	Edits are grouped in bunches. A Clear closes the open bunch and becomes
//	its own bunch; the next edit opens a new one. Inside the open bunch
//	records are coalesced per entity:
//
//	  - Add over Add keeps one Add with the latest value.
//	  - Add over Remove replaces the Remove record.
//	  - Remove over an Add that created the value erases the record.
//	  - Remove over an Add that overwrote an existing value, or with no
//	    record at all, is kept as a Remove record.
//
//	Replaying the log onto another mapping therefore reproduces the edit
//	history rather than a before/after diff.
//
// Thread Safety: NOT safe for concurrent use.
type IndexLog[T comparable] struct {
	bunches []*indexBunch[T]
	seq     uint64
}

func newIndexLog[T comparable]() *IndexLog[T] {
	return &IndexLog[T]{}
}

func (l *IndexLog[T]) open() *indexBunch[T] {
	if n := len(l.bunches); n > 0 && !l.bunches[n-1].clear {
		return l.bunches[n-1]
	}
	b := &indexBunch[T]{records: make(map[EntityID]*IndexRecord[T])}
	l.bunches = append(l.bunches, b)
	return b
}

func (l *IndexLog[T]) insert(b *indexBunch[T], rec *IndexRecord[T]) {
	l.seq++
	rec.seq = l.seq
	b.records[rec.ID] = rec
	b.order = append(b.order, bunchEntry{id: rec.ID, seq: rec.seq})
}

func (l *IndexLog[T]) add(id EntityID, data T, overwrote bool) {
	b := l.open()
	if rec, ok := b.records[id]; ok {
		if rec.Op == IndexRemove {
			rec.overwrote = true
		}
		rec.Op = IndexAdd
		rec.Data = data
		return
	}
	l.insert(b, &IndexRecord[T]{Op: IndexAdd, ID: id, Data: data, overwrote: overwrote})
}

func (l *IndexLog[T]) remove(id EntityID, data T) {
	b := l.open()
	if rec, ok := b.records[id]; ok {
		if rec.Op == IndexAdd && !rec.overwrote {
			delete(b.records, id)
			return
		}
		rec.Op = IndexRemove
		rec.Data = data
		return
	}
	l.insert(b, &IndexRecord[T]{Op: IndexRemove, ID: id, Data: data})
}

func (l *IndexLog[T]) clear() {
	l.bunches = append(l.bunches, &indexBunch[T]{clear: true})
}

// IsEmpty reports whether the log holds no replayable operation.
func (l *IndexLog[T]) IsEmpty() bool {
	for _, b := range l.bunches {
		if b.clear || len(b.records) > 0 {
			return false
		}
	}
	return true
}

// Bunches returns a copy of the log in replay order.
func (l *IndexLog[T]) Bunches() []IndexBunch[T] {
	out := make([]IndexBunch[T], 0, len(l.bunches))
	for _, b := range l.bunches {
		if b.clear {
			out = append(out, IndexBunch[T]{Clear: true})
			continue
		}
		view := IndexBunch[T]{}
		b.each(func(rec *IndexRecord[T]) {
			view.Records = append(view.Records, *rec)
		})
		if len(view.Records) > 0 {
			out = append(out, view)
		}
	}
	return out
}
