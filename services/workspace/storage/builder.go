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
	"iter"
	"log/slog"
	"maps"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// BuilderState is the lifecycle state of a Builder.
type BuilderState int

const (
	// BuilderFresh is a builder without edits.
	BuilderFresh BuilderState = iota

	// BuilderDirty is a builder with at least one edit.
	BuilderDirty

	// BuilderCommitted is a builder that produced a snapshot. Terminal.
	BuilderCommitted
)

// String returns the string representation of the BuilderState.
func (s BuilderState) String() string {
	switch s {
	case BuilderFresh:
		return "fresh"
	case BuilderDirty:
		return "dirty"
	case BuilderCommitted:
		return "committed"
	default:
		return "unknown"
	}
}

// Builder accumulates edits on top of a Snapshot.
//
// Description:
//
//	Entity data edits are kept in a sparse overlay over the base snapshot's
//	slot arrays. Connection tables, the symbolic index and external mappings
//	are shared with the base until first written. Every net change is
//	recorded for CollectChanges and for replay by AddDiff.
//
// Thread Safety: NOT safe for concurrent use. A Builder must be owned by one
// goroutine until ToSnapshot.
type Builder struct {
	base     *Snapshot
	registry *Registry
	state    BuilderState
	consumed bool

	// overlay holds replaced and added data; a nil value is a removed entity.
	overlay map[EntityID]EntityData
	next    []uint32 // next free index per type
	counts  []int
	total   int

	refs      map[ConnectionID]*refTable
	ownedRefs map[ConnectionID]bool

	symbols    map[string]EntityID
	ownSymbols bool

	mappings map[string]mutableMapping
	changes  *changeLog

	writes atomic.Int64
	opts   options
	logger *slog.Logger
}

func newBuilder(base *Snapshot) *Builder {
	n := base.registry.size()
	b := &Builder{
		base:      base,
		registry:  base.registry,
		overlay:   make(map[EntityID]EntityData),
		next:      make([]uint32, n),
		counts:    make([]int, n),
		total:     base.total,
		refs:      maps.Clone(base.refs),
		ownedRefs: make(map[ConnectionID]bool),
		symbols:   base.symbols,
		mappings:  make(map[string]mutableMapping),
		changes:   newChangeLog(),
		opts:      base.opts,
		logger:    base.opts.logger,
	}
	for t := range base.families {
		if t < n {
			b.next[t] = base.allocated(EntityTypeID(t))
			b.counts[t] = base.count(EntityTypeID(t))
		}
	}
	return b
}

// Base returns the snapshot the builder was derived from.
func (b *Builder) Base() *Snapshot { return b.base }

// State returns the lifecycle state.
func (b *Builder) State() BuilderState { return b.state }

// Writes returns the number of write operations performed. Diagnostic only.
func (b *Builder) Writes() int64 { return b.writes.Load() }

// -----------------------------------------------------------------------------
// Internal state
// -----------------------------------------------------------------------------

func (b *Builder) checkWritable(op string) error {
	if b.state == BuilderCommitted {
		return programmingError(op, NoEntity, ErrBuilderCommitted)
	}
	if b.consumed {
		return programmingError(op, NoEntity, ErrBuilderConsumed)
	}
	return nil
}

func (b *Builder) markDirty() {
	b.writes.Add(1)
	if b.state == BuilderFresh {
		b.state = BuilderDirty
	}
}

func (b *Builder) ensureType(t EntityTypeID) {
	for int(t) >= len(b.next) {
		b.next = append(b.next, 0)
		b.counts = append(b.counts, 0)
	}
}

func (b *Builder) data(id EntityID) EntityData {
	if d, ok := b.overlay[id]; ok {
		return d
	}
	return b.base.data(id)
}

func (b *Builder) allocated(t EntityTypeID) uint32 {
	if int(t) >= len(b.next) {
		return 0
	}
	return b.next[t]
}

func (b *Builder) table(conn ConnectionID) *refTable {
	return b.refs[conn]
}

func (b *Builder) facade(id EntityID, data EntityData) *Entity {
	return &Entity{id: id, data: data, storage: b}
}

func (b *Builder) registryRef() *Registry { return b.registry }

// writeTable returns a builder-owned copy of the table for conn.
func (b *Builder) writeTable(conn ConnectionID) *refTable {
	if b.ownedRefs[conn] {
		return b.refs[conn]
	}
	t := b.refs[conn].clone()
	b.refs[conn] = t
	b.ownedRefs[conn] = true
	return t
}

func (b *Builder) writeSymbols() map[string]EntityID {
	if !b.ownSymbols {
		b.symbols = maps.Clone(b.symbols)
		if b.symbols == nil {
			b.symbols = make(map[string]EntityID)
		}
		b.ownSymbols = true
	}
	return b.symbols
}

func (b *Builder) touch(id EntityID) {
	if d := b.data(id); d != nil {
		b.changes.touched(id, d)
	}
}

// -----------------------------------------------------------------------------
// Read surface
// -----------------------------------------------------------------------------

// Registry returns the kind and connection registry.
func (b *Builder) Registry() *Registry { return b.registry }

// EntityByID returns the entity or nil.
func (b *Builder) EntityByID(id EntityID) *Entity { return entityByID(b, id) }

// Contains reports whether id names a live entity.
func (b *Builder) Contains(id EntityID) bool { return b.data(id) != nil }

// Entities returns every entity of kind ordered by creation index.
func (b *Builder) Entities(kind Kind) iter.Seq[*Entity] { return entitiesOf(b, kind) }

// EntityCount returns the number of live entities of kind.
func (b *Builder) EntityCount(kind Kind) int {
	t, ok := b.registry.TypeID(kind)
	if !ok || int(t) >= len(b.counts) {
		return 0
	}
	return b.counts[t]
}

// IsEmpty reports whether the builder holds no entity.
func (b *Builder) IsEmpty() bool { return b.total == 0 }

// OneChild returns the first child of parent over conn, or nil.
func (b *Builder) OneChild(conn ConnectionID, parent EntityID) *Entity {
	return oneChild(b, conn, parent)
}

// ManyChildren returns the children of parent over conn in insertion order.
func (b *Builder) ManyChildren(conn ConnectionID, parent EntityID) iter.Seq[*Entity] {
	return manyChildren(b, conn, parent)
}

// Parent returns the parent of child over conn, or nil.
func (b *Builder) Parent(conn ConnectionID, child EntityID) *Entity {
	return parentOf(b, conn, child)
}

// EntitiesBySource returns every entity with the given source. O(n).
func (b *Builder) EntitiesBySource(source EntitySource) []*Entity {
	return entitiesBySource(b, source)
}

// Resolve returns the entity with the given symbolic id, or nil.
func (b *Builder) Resolve(symbolicID string) *Entity {
	id, ok := b.symbols[symbolicID]
	if !ok {
		return nil
	}
	return b.EntityByID(id)
}

// -----------------------------------------------------------------------------
// Entity writes
// -----------------------------------------------------------------------------

// AddEntity stores data as a new entity.
//
// Description:
//
//	The kind is registered on first use. The new id takes the next index of
//	its type; indices are never reused in a lineage.
//
// Inputs:
//   - data: The entity payload. Must not be nil.
//
// Outputs:
//   - EntityID: The new id.
//   - error: Non-nil on a finalized builder, nil data or a duplicate
//     symbolic id.
func (b *Builder) AddEntity(data EntityData) (EntityID, error) {
	if err := b.checkWritable("add entity"); err != nil {
		return NoEntity, err
	}
	return b.addEntity(data)
}

func (b *Builder) addEntity(data EntityData) (EntityID, error) {
	if data == nil {
		return NoEntity, programmingError("add entity", NoEntity, ErrNilData)
	}
	t, err := b.registry.Register(data.Kind())
	if err != nil {
		return NoEntity, err
	}
	sym, symbolic := symbolOf(data)
	if symbolic {
		if owner, taken := b.symbols[sym]; taken && b.Contains(owner) {
			return NoEntity, programmingError("add entity", owner,
				fmt.Errorf("%w: %q", ErrDuplicateSymbol, sym))
		}
	}

	b.ensureType(t)
	id := NewEntityID(t, b.next[t])
	b.next[t]++
	if symbolic {
		b.writeSymbols()[sym] = id
	}
	b.overlay[id] = data
	b.counts[t]++
	b.total++
	b.changes.added(id, data)
	b.markDirty()
	return id, nil
}

// AddChildEntity stores data as a new entity and links it under parent.
//
// Outputs:
//   - EntityID: The new child id.
//   - error: Non-nil if parent is absent or types do not match conn.
func (b *Builder) AddChildEntity(conn ConnectionID, parent EntityID, data EntityData) (EntityID, error) {
	if err := b.checkWritable("add child entity"); err != nil {
		return NoEntity, err
	}
	if err := b.checkParent("add child entity", conn, parent); err != nil {
		return NoEntity, err
	}
	if data == nil {
		return NoEntity, programmingError("add child entity", NoEntity, ErrNilData)
	}
	if t, ok := b.registry.TypeID(data.Kind()); !ok || t != conn.child {
		return NoEntity, programmingError("add child entity", NoEntity,
			fmt.Errorf("%w: %s is not a child of %s", ErrKindMismatch, data.Kind(), conn))
	}
	id, err := b.addEntity(data)
	if err != nil {
		return NoEntity, err
	}
	if err := b.addChild(conn, parent, id); err != nil {
		return NoEntity, err
	}
	return id, nil
}

// ModifyEntity replaces the data of id with the result of update.
//
// Description:
//
//	update receives the current data and returns the replacement, which must
//	have the same kind. The base snapshot keeps the old value.
//
// Outputs:
//   - error: ErrEntityNotFound if id is absent, ErrKindMismatch if the kind
//     changed, or the error returned by update.
func (b *Builder) ModifyEntity(id EntityID, update func(EntityData) (EntityData, error)) error {
	if err := b.checkWritable("modify entity"); err != nil {
		return err
	}
	cur := b.data(id)
	if cur == nil {
		return programmingError("modify entity", id, ErrEntityNotFound)
	}
	next, err := update(cur)
	if err != nil {
		return fmt.Errorf("modify entity %s: %w", id, err)
	}
	return b.replaceData(id, cur, next)
}

func (b *Builder) replaceData(id EntityID, cur, next EntityData) error {
	if next == nil {
		return programmingError("modify entity", id, ErrNilData)
	}
	if next.Kind() != cur.Kind() {
		return programmingError("modify entity", id,
			fmt.Errorf("%w: %s -> %s", ErrKindMismatch, cur.Kind(), next.Kind()))
	}
	oldSym, hadSym := symbolOf(cur)
	newSym, hasSym := symbolOf(next)
	if hasSym && newSym != oldSym {
		if owner, taken := b.symbols[newSym]; taken && owner != id && b.Contains(owner) {
			return programmingError("modify entity", id,
				fmt.Errorf("%w: %q", ErrDuplicateSymbol, newSym))
		}
	}
	if hadSym != hasSym || oldSym != newSym {
		syms := b.writeSymbols()
		if hadSym && syms[oldSym] == id {
			delete(syms, oldSym)
		}
		if hasSym {
			syms[newSym] = id
		}
	}

	b.overlay[id] = next
	b.changes.replaced(id, cur, next)
	b.markDirty()
	return nil
}

// Modify replaces the data of id by applying fn to a copy of its current
// value. T should be a value type.
//
// Example:
//
//	err := storage.Modify(b, moduleID, func(m *model.Module) {
//	    m.Name = "core"
//	})
func Modify[T EntityData](b *Builder, id EntityID, fn func(*T)) error {
	return b.ModifyEntity(id, func(cur EntityData) (EntityData, error) {
		v, ok := cur.(T)
		if !ok {
			return nil, fmt.Errorf("%w: %T", ErrKindMismatch, cur)
		}
		fn(&v)
		return v, nil
	})
}

// RemoveEntity removes id and everything that depends on it.
//
// Description:
//
//	Children over required connections are removed as well, walking the
//	graph breadth-first with an explicit queue. Children over nullable
//	connections are detached and kept. Removed ids are dropped from every
//	external mapping.
//
// Outputs:
//   - bool: False if id was already absent. Removing twice is a no-op.
//   - error: Non-nil only on a finalized builder.
func (b *Builder) RemoveEntity(id EntityID) (bool, error) {
	if err := b.checkWritable("remove entity"); err != nil {
		return false, err
	}
	return b.removeEntity(id), nil
}

func (b *Builder) removeEntity(id EntityID) bool {
	if !b.Contains(id) {
		return false
	}
	cascaded := 0
	queue := []EntityID{id}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		old := b.data(cur)
		if old == nil {
			continue
		}
		t := cur.TypeID()

		for _, conn := range b.registry.ConnectionsFromParent(t) {
			kids := b.table(conn).childrenOf(cur)
			if len(kids) == 0 {
				continue
			}
			b.writeTable(conn).setChildren(cur, nil)
			for _, kid := range kids {
				if conn.parentNullable {
					b.touch(kid)
				} else {
					queue = append(queue, kid)
				}
			}
		}
		for _, conn := range b.registry.ConnectionsToChild(t) {
			p := b.table(conn).parentOf(cur)
			if p == NoEntity {
				continue
			}
			b.writeTable(conn).unlinkChild(p, cur)
			b.touch(p)
		}

		if sym, ok := symbolOf(old); ok && b.symbols[sym] == cur {
			delete(b.writeSymbols(), sym)
		}
		b.dropFromMappings(cur)

		b.overlay[cur] = nil
		b.counts[t]--
		b.total--
		b.changes.removed(cur, old)
		if cur != id {
			cascaded++
		}
	}
	b.markDirty()
	recordRemoval(b.registry.KindOf(id.TypeID()), cascaded)
	b.logger.Debug("entity removed",
		slog.String("id", id.String()),
		slog.Int("cascaded", cascaded),
	)
	return true
}

func (b *Builder) dropFromMappings(id EntityID) {
	for _, m := range b.mappings {
		m.removeEntity(id)
	}
	for name, frozen := range b.base.mappings {
		if _, open := b.mappings[name]; open {
			continue
		}
		if frozen.containsEntity(id) {
			m := frozen.thawInto(b, name)
			b.mappings[name] = m
			m.removeEntity(id)
		}
	}
}

// -----------------------------------------------------------------------------
// Change inspection
// -----------------------------------------------------------------------------

// HasChanges reports whether any entity, link or mapping changed.
func (b *Builder) HasChanges() bool {
	if b.changes.len() > 0 {
		return true
	}
	for _, m := range b.mappings {
		if m.changed() {
			return true
		}
	}
	return false
}

// HasSameEntities reports whether the builder's entities and links equal
// those of its base by value. More expensive than HasChanges: it compares
// data of every changed entity and every written connection table.
func (b *Builder) HasSameEntities() bool {
	for _, rec := range b.changes.records {
		if rec.Type != ChangeReplaced {
			return false
		}
		if !dataEqual(rec.Old, b.data(rec.ID)) {
			return false
		}
	}
	for conn := range b.ownedRefs {
		if !b.refs[conn].equal(b.base.refs[conn]) {
			return false
		}
	}
	return true
}

// CollectChanges returns the net changes since the base snapshot.
func (b *Builder) CollectChanges() ChangeSet {
	return b.changes.collect(b.registry)
}

// -----------------------------------------------------------------------------
// Commit
// -----------------------------------------------------------------------------

// ToSnapshot finalizes the builder into a new Snapshot.
//
// Description:
//
//	Verifies that every added or changed entity has the parents its required
//	connections demand and that no external mapping references a missing
//	entity. On failure the builder stays usable so the caller can repair it.
//	On success the builder becomes committed and rejects further writes.
//
// Outputs:
//   - *Snapshot: The new snapshot.
//   - error: ErrOrphanedEntity, ErrDanglingMapping, ErrBuilderCommitted or
//     ErrBuilderConsumed.
//
// Thread Safety: The returned snapshot is safe for concurrent use.
func (b *Builder) ToSnapshot() (*Snapshot, error) {
	if err := b.checkWritable("to snapshot"); err != nil {
		return nil, err
	}
	start := time.Now()

	if err := b.validate(); err != nil {
		return nil, err
	}

	s := &Snapshot{
		registry: b.registry,
		lineage:  b.base.lineage,
		version:  b.base.version + 1,
		total:    b.total,
		refs:     b.refs,
		symbols:  b.symbols,
		facades:  newFacadeCache(b.opts.facadeCacheSize),
		opts:     b.opts,
	}
	s.families = b.flatten()
	s.mappings = maps.Clone(b.base.mappings)
	for name, m := range b.mappings {
		s.mappings[name] = m.freeze()
	}

	if b.opts.verifyOnCommit {
		if err := s.CheckConsistency(); err != nil {
			return nil, fmt.Errorf("verify commit: %w", err)
		}
	}

	if b.base.continued.CompareAndSwap(false, true) {
		s.ancestry = b.base.ancestry.next(s.version, uuid.Nil)
	} else {
		s.lineage = uuid.New()
		s.ancestry = b.base.ancestry.next(s.version, s.lineage)
		b.logger.Debug("lineage forked",
			slog.String("from", b.base.lineage.String()),
			slog.String("lineage", s.lineage.String()),
			slog.Uint64("version", s.version),
		)
	}
	b.state = BuilderCommitted

	recordCommit(b.registry, time.Since(start), b.changes)
	b.logger.Debug("builder committed",
		slog.Uint64("version", s.version),
		slog.Int("changes", b.changes.len()),
		slog.Int("entities", s.total),
		slog.Int64("writes", b.writes.Load()),
	)
	return s, nil
}

func (b *Builder) validate() error {
	for _, id := range b.changes.sortedIDs() {
		if !b.Contains(id) {
			continue
		}
		for _, conn := range b.registry.ConnectionsToChild(id.TypeID()) {
			if conn.parentNullable {
				continue
			}
			if b.table(conn).parentOf(id) == NoEntity {
				return programmingError("to snapshot", id,
					fmt.Errorf("%w: %s", ErrOrphanedEntity, conn))
			}
		}
	}
	for name, m := range b.mappings {
		if !m.changed() {
			continue
		}
		for id := range m.entityIDs() {
			if !b.Contains(id) {
				return programmingError("to snapshot", id,
					fmt.Errorf("%w: mapping %q", ErrDanglingMapping, name))
			}
		}
	}
	return nil
}

// flatten merges the overlay into new slot arrays. Types without edits
// share the base family.
func (b *Builder) flatten() []*family {
	families := make([]*family, len(b.next))
	copy(families, b.base.families)

	dirty := make(map[EntityTypeID][]EntityID)
	for id := range b.overlay {
		t := id.TypeID()
		dirty[t] = append(dirty[t], id)
	}
	for t, ids := range dirty {
		slots := make([]EntityData, b.next[t])
		if base := b.base.families; int(t) < len(base) && base[t] != nil {
			copy(slots, base[t].slots)
		}
		for _, id := range ids {
			slots[id.Index()] = b.overlay[id]
		}
		families[t] = &family{slots: slots, count: b.counts[t]}
	}
	return families
}
