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
	"sync/atomic"

	"github.com/google/uuid"
)

// -----------------------------------------------------------------------------
// Options
// -----------------------------------------------------------------------------

type options struct {
	logger          *slog.Logger
	facadeCacheSize int
	verifyOnCommit  bool
}

func defaultOptions() options {
	return options{
		logger:          slog.Default().With(slog.String("component", "workspace_storage")),
		facadeCacheSize: DefaultFacadeCacheSize,
	}
}

// Option configures a storage lineage. Options given to NewSnapshot are
// inherited by every builder and snapshot derived from it.
type Option func(*options)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithFacadeCacheSize sets the per-snapshot façade cache capacity.
func WithFacadeCacheSize(size int) Option {
	return func(o *options) {
		if size > 0 {
			o.facadeCacheSize = size
		}
	}
}

// WithVerifyOnCommit runs CheckConsistency on every snapshot produced by
// Builder.ToSnapshot. Intended for tests and debugging; it is O(n).
func WithVerifyOnCommit(enabled bool) Option {
	return func(o *options) {
		o.verifyOnCommit = enabled
	}
}

// -----------------------------------------------------------------------------
// Snapshot
// -----------------------------------------------------------------------------

// family is the slot array of one entity type. A nil slot is an index that
// was allocated and later removed.
type family struct {
	slots []EntityData
	count int
}

func (f *family) data(index uint32) EntityData {
	if f == nil || int(index) >= len(f.slots) {
		return nil
	}
	return f.slots[index]
}

// Snapshot is an immutable view of the entity graph.
//
// Description:
//
//	A Snapshot is produced by NewSnapshot (empty) or Builder.ToSnapshot.
//	Untouched entity families, connection tables and mappings are shared
//	structurally with the snapshot it was derived from.
//
// Thread Safety: Safe for concurrent use by any number of readers.
type Snapshot struct {
	registry *Registry
	lineage  uuid.UUID
	version  uint64
	ancestry ancestry

	// continued is set once a builder commits a child in this lineage.
	continued atomic.Bool

	families []*family // index = EntityTypeID
	total    int
	refs     map[ConnectionID]*refTable
	symbols  map[string]EntityID
	mappings map[string]frozenMapping

	facades *facadeCache
	opts    options
}

// NewSnapshot creates an empty snapshot that starts a new storage lineage.
//
// Inputs:
//   - registry: The kind and connection registry. Must not be nil.
//   - opts: Optional configuration.
//
// Outputs:
//   - *Snapshot: The empty snapshot. Never nil.
//
// Example:
//
//	reg := storage.NewRegistry()
//	conn, _ := reg.DeclareConnection("Module", "ContentRoot", storage.OneToMany, false)
//	b := storage.NewSnapshot(reg).ToBuilder()
func NewSnapshot(registry *Registry, opts ...Option) *Snapshot {
	if registry == nil {
		registry = NewRegistry()
	}
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	lineage := uuid.New()
	return &Snapshot{
		registry: registry,
		lineage:  lineage,
		ancestry: rootAncestry(lineage),
		refs:     make(map[ConnectionID]*refTable),
		symbols:  make(map[string]EntityID),
		mappings: make(map[string]frozenMapping),
		facades:  newFacadeCache(o.facadeCacheSize),
		opts:     o,
	}
}

// Registry returns the kind and connection registry.
func (s *Snapshot) Registry() *Registry { return s.registry }

// Lineage returns the id of the commit chain this snapshot belongs to.
// NewSnapshot starts a lineage, and the first builder committed from a
// snapshot continues it. A second builder committed from the same snapshot
// forks a new lineage, so entity ids are unique within one lineage.
func (s *Snapshot) Lineage() uuid.UUID { return s.lineage }

// DescendsFrom reports whether other is s or one of its ancestors.
func (s *Snapshot) DescendsFrom(other *Snapshot) bool {
	if other == nil {
		return false
	}
	return s.ancestry.includes(other.lineage, other.version)
}

// Version returns the number of commits since the empty root snapshot.
func (s *Snapshot) Version() uint64 { return s.version }

// CacheStats returns the façade cache statistics of this snapshot.
func (s *Snapshot) CacheStats() CacheStats { return s.facades.stats() }

// ToBuilder returns a fresh Builder based on this snapshot.
func (s *Snapshot) ToBuilder() *Builder {
	return newBuilder(s)
}

func (s *Snapshot) data(id EntityID) EntityData {
	t := int(id.TypeID())
	if t == 0 || t >= len(s.families) {
		return nil
	}
	return s.families[t].data(id.Index())
}

func (s *Snapshot) allocated(t EntityTypeID) uint32 {
	if int(t) >= len(s.families) || s.families[t] == nil {
		return 0
	}
	return uint32(len(s.families[t].slots))
}

func (s *Snapshot) table(conn ConnectionID) *refTable {
	return s.refs[conn]
}

func (s *Snapshot) facade(id EntityID, data EntityData) *Entity {
	if e, ok := s.facades.get(id); ok {
		return e
	}
	e := &Entity{id: id, data: data, storage: s}
	s.facades.set(e)
	return e
}

func (s *Snapshot) registryRef() *Registry { return s.registry }

func (s *Snapshot) count(t EntityTypeID) int {
	if int(t) >= len(s.families) || s.families[t] == nil {
		return 0
	}
	return s.families[t].count
}

// EntityByID returns the entity or nil.
func (s *Snapshot) EntityByID(id EntityID) *Entity { return entityByID(s, id) }

// Contains reports whether id names a live entity.
func (s *Snapshot) Contains(id EntityID) bool { return s.data(id) != nil }

// Entities returns every entity of kind ordered by creation index.
func (s *Snapshot) Entities(kind Kind) iter.Seq[*Entity] { return entitiesOf(s, kind) }

// EntityCount returns the number of live entities of kind.
func (s *Snapshot) EntityCount(kind Kind) int {
	t, ok := s.registry.TypeID(kind)
	if !ok {
		return 0
	}
	return s.count(t)
}

// IsEmpty reports whether the snapshot holds no entity.
func (s *Snapshot) IsEmpty() bool { return s.total == 0 }

// OneChild returns the first child of parent over conn, or nil.
func (s *Snapshot) OneChild(conn ConnectionID, parent EntityID) *Entity {
	return oneChild(s, conn, parent)
}

// ManyChildren returns the children of parent over conn in insertion order.
func (s *Snapshot) ManyChildren(conn ConnectionID, parent EntityID) iter.Seq[*Entity] {
	return manyChildren(s, conn, parent)
}

// Parent returns the parent of child over conn, or nil.
func (s *Snapshot) Parent(conn ConnectionID, child EntityID) *Entity {
	return parentOf(s, conn, child)
}

// EntitiesBySource returns every entity with the given source. O(n).
func (s *Snapshot) EntitiesBySource(source EntitySource) []*Entity {
	return entitiesBySource(s, source)
}

// Resolve returns the entity with the given symbolic id, or nil.
func (s *Snapshot) Resolve(symbolicID string) *Entity {
	id, ok := s.symbols[symbolicID]
	if !ok {
		return nil
	}
	return s.EntityByID(id)
}

// CheckConsistency verifies the structural invariants of the snapshot.
//
// Description:
//
//	Checks that every link points at live entities of the declared types,
//	that back-pointers agree with child lists, that every entity with a
//	required parent connection has a parent, that counters match the slot
//	arrays and that no external mapping references a missing entity.
//
// Outputs:
//   - error: nil if consistent, otherwise the first violation found.
//
// Thread Safety: Safe for concurrent use.
func (s *Snapshot) CheckConsistency() error {
	total := 0
	for t, f := range s.families {
		if f == nil {
			continue
		}
		live := 0
		for _, d := range f.slots {
			if d != nil {
				live++
			}
		}
		if live != f.count {
			return fmt.Errorf("type %d: count %d, live slots %d", t, f.count, live)
		}
		total += live
	}
	if total != s.total {
		return fmt.Errorf("total count %d, live slots %d", s.total, total)
	}

	for conn, tbl := range s.refs {
		for parent, kids := range tbl.children {
			if !s.Contains(parent) || parent.TypeID() != conn.parent {
				return fmt.Errorf("%s: invalid parent %s", conn, parent)
			}
			if conn.kind == OneToOne && len(kids) > 1 {
				return fmt.Errorf("%s: parent %s: %w", conn, parent, ErrTooManyChildren)
			}
			for _, kid := range kids {
				if !s.Contains(kid) || kid.TypeID() != conn.child {
					return fmt.Errorf("%s: invalid child %s of %s", conn, kid, parent)
				}
				if tbl.parents[kid] != parent {
					return fmt.Errorf("%s: child %s back-pointer mismatch", conn, kid)
				}
			}
		}
		if len(tbl.parents) != countLinks(tbl) {
			return fmt.Errorf("%s: dangling back-pointers", conn)
		}
	}

	for _, conn := range s.registry.Connections() {
		if conn.parentNullable {
			continue
		}
		for e := range entitiesOf(s, s.registry.KindOf(conn.child)) {
			if s.refs[conn].parentOf(e.id) == NoEntity {
				return fmt.Errorf("%s: %w", e.id, ErrOrphanedEntity)
			}
		}
	}

	for sym, id := range s.symbols {
		d := s.data(id)
		if got, ok := symbolOf(d); !ok || got != sym {
			return fmt.Errorf("symbol %q points at %s", sym, id)
		}
	}

	for name, m := range s.mappings {
		for id := range m.entityIDs() {
			if !s.Contains(id) {
				return fmt.Errorf("mapping %q: %w: %s", name, ErrDanglingMapping, id)
			}
		}
	}
	return nil
}

func countLinks(t *refTable) int {
	n := 0
	for _, kids := range t.children {
		n += len(kids)
	}
	return n
}
