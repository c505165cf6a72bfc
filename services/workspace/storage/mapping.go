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
	"maps"
	"slices"
)

// MappingKey names an external mapping and fixes its value type.
type MappingKey[T comparable] struct {
	name string
}

// NewMappingKey creates a key. Keys with equal names address the same
// mapping, so the same name must always be used with the same T.
func NewMappingKey[T comparable](name string) MappingKey[T] {
	return MappingKey[T]{name: name}
}

// Name returns the mapping name.
func (k MappingKey[T]) Name() string { return k.name }

// frozenMapping is the type-erased view a Snapshot keeps of a mapping.
type frozenMapping interface {
	entityIDs() iter.Seq[EntityID]
	containsEntity(id EntityID) bool
	thawInto(owner *Builder, name string) mutableMapping
}

// mutableMapping is the type-erased view a Builder keeps of a mapping.
type mutableMapping interface {
	entityIDs() iter.Seq[EntityID]
	containsEntity(id EntityID) bool
	removeEntity(id EntityID)
	freeze() frozenMapping
	changed() bool
	replayInto(dst *Builder, replace ReplaceMap) (int, error)
}

// -----------------------------------------------------------------------------
// ExternalMapping
// -----------------------------------------------------------------------------

// ExternalMapping associates caller data with entity ids.
//
// Description:
//
//	Each entity has at most one value; one value may belong to many
//	entities. Mappings read from a Snapshot are immutable.
//
// Thread Safety: Mappings read from a Snapshot are safe for concurrent use.
type ExternalMapping[T comparable] struct {
	index   map[EntityID]T
	reverse map[T][]EntityID
}

func newExternalMapping[T comparable]() ExternalMapping[T] {
	return ExternalMapping[T]{
		index:   make(map[EntityID]T),
		reverse: make(map[T][]EntityID),
	}
}

// DataByEntity returns the value of id.
func (m *ExternalMapping[T]) DataByEntity(id EntityID) (T, bool) {
	v, ok := m.index[id]
	return v, ok
}

// Entities returns every entity mapped to data, in mapping order.
func (m *ExternalMapping[T]) Entities(data T) []EntityID {
	return slices.Clone(m.reverse[data])
}

// FirstEntity returns the first entity mapped to data.
func (m *ExternalMapping[T]) FirstEntity(data T) (EntityID, bool) {
	ids := m.reverse[data]
	if len(ids) == 0 {
		return NoEntity, false
	}
	return ids[0], true
}

// Contains reports whether id has a value.
func (m *ExternalMapping[T]) Contains(id EntityID) bool {
	_, ok := m.index[id]
	return ok
}

// ForEach calls fn for every entry in entity id order. Iteration stops when
// fn returns false.
func (m *ExternalMapping[T]) ForEach(fn func(id EntityID, data T) bool) {
	for _, id := range slices.Sorted(maps.Keys(m.index)) {
		if !fn(id, m.index[id]) {
			return
		}
	}
}

// Size returns the number of mapped entities.
func (m *ExternalMapping[T]) Size() int { return len(m.index) }

func (m *ExternalMapping[T]) entityIDs() iter.Seq[EntityID] {
	return maps.Keys(m.index)
}

func (m *ExternalMapping[T]) containsEntity(id EntityID) bool {
	return m.Contains(id)
}

func (m *ExternalMapping[T]) thawInto(owner *Builder, name string) mutableMapping {
	return m.thaw(owner, name)
}

func (m *ExternalMapping[T]) thaw(owner *Builder, name string) *MutableExternalMapping[T] {
	return &MutableExternalMapping[T]{
		ExternalMapping: *m,
		name:            name,
		owner:           owner,
		shared:          true,
		log:             newIndexLog[T](),
	}
}

// -----------------------------------------------------------------------------
// MutableExternalMapping
// -----------------------------------------------------------------------------

// MutableExternalMapping is the writable mapping of a Builder.
//
// Description:
//
//	The maps are shared with the base snapshot until the first write.
//	Every write is recorded in an IndexLog so the edits can be replayed
//	onto another builder by ApplyChanges. A mapping created with
//	NewMutableExternalMapping has no owner: it accepts any id and
//	ApplyChanges passes untranslated ids through.
//
// Thread Safety: NOT safe for concurrent use.
type MutableExternalMapping[T comparable] struct {
	ExternalMapping[T]

	name   string
	owner  *Builder
	shared bool
	log    *IndexLog[T]
}

// NewMutableExternalMapping creates an empty mapping without an owning
// builder.
func NewMutableExternalMapping[T comparable](name string) *MutableExternalMapping[T] {
	return &MutableExternalMapping[T]{
		ExternalMapping: newExternalMapping[T](),
		name:            name,
		log:             newIndexLog[T](),
	}
}

// Name returns the mapping name.
func (m *MutableExternalMapping[T]) Name() string { return m.name }

// Log returns the edit log.
func (m *MutableExternalMapping[T]) Log() *IndexLog[T] { return m.log }

func (m *MutableExternalMapping[T]) writable(op string) error {
	if m.owner == nil {
		return nil
	}
	return m.owner.checkWritable(op)
}

func (m *MutableExternalMapping[T]) own() {
	if !m.shared {
		return
	}
	m.index = maps.Clone(m.index)
	rev := make(map[T][]EntityID, len(m.reverse))
	for k, ids := range m.reverse {
		rev[k] = slices.Clone(ids)
	}
	m.reverse = rev
	m.shared = false
}

func (m *MutableExternalMapping[T]) dropReverse(data T, id EntityID) {
	ids := slices.DeleteFunc(m.reverse[data], func(e EntityID) bool { return e == id })
	if len(ids) == 0 {
		delete(m.reverse, data)
		return
	}
	m.reverse[data] = ids
}

func (m *MutableExternalMapping[T]) put(id EntityID, data T) {
	old, had := m.index[id]
	if had && old == data {
		return
	}
	m.own()
	if had {
		m.dropReverse(old, id)
	}
	m.index[id] = data
	m.reverse[data] = append(m.reverse[data], id)
	m.log.add(id, data, had)
	m.touchOwner()
}

func (m *MutableExternalMapping[T]) drop(id EntityID) (T, bool) {
	old, had := m.index[id]
	if !had {
		var zero T
		return zero, false
	}
	m.own()
	delete(m.index, id)
	m.dropReverse(old, id)
	m.log.remove(id, old)
	m.touchOwner()
	return old, true
}

func (m *MutableExternalMapping[T]) reset() {
	m.index = make(map[EntityID]T)
	m.reverse = make(map[T][]EntityID)
	m.shared = false
	m.log.clear()
	m.touchOwner()
}

func (m *MutableExternalMapping[T]) touchOwner() {
	if m.owner != nil {
		m.owner.markDirty()
	}
}

// Add maps id to data, replacing any previous value.
//
// Writing the value id already holds is a no-op and is not logged. A
// builder that re-adds its base value therefore leaves nothing for AddDiff
// to replay, and the receiver's value for id is kept.
//
// Outputs:
//   - error: ErrEntityNotFound if the owning builder has no entity id,
//     ErrBuilderCommitted if the builder was finalized.
func (m *MutableExternalMapping[T]) Add(id EntityID, data T) error {
	if err := m.writable("mapping add"); err != nil {
		return err
	}
	if m.owner != nil && !m.owner.Contains(id) {
		return programmingError("mapping add", id, ErrEntityNotFound)
	}
	m.put(id, data)
	return nil
}

// AddIfAbsent maps id to data unless id already has a value.
//
// Outputs:
//   - bool: True if the value was added.
//   - error: As for Add.
func (m *MutableExternalMapping[T]) AddIfAbsent(id EntityID, data T) (bool, error) {
	if m.Contains(id) {
		return false, nil
	}
	if err := m.Add(id, data); err != nil {
		return false, err
	}
	return true, nil
}

// GetOrPut returns the value of id, computing and adding it when absent.
func (m *MutableExternalMapping[T]) GetOrPut(id EntityID, compute func() T) (T, error) {
	if v, ok := m.index[id]; ok {
		return v, nil
	}
	v := compute()
	if err := m.Add(id, v); err != nil {
		var zero T
		return zero, err
	}
	return v, nil
}

// Remove drops the value of id and returns it. Absent ids, and any call on
// a finalized builder, return false.
func (m *MutableExternalMapping[T]) Remove(id EntityID) (T, bool) {
	if err := m.writable("mapping remove"); err != nil {
		var zero T
		return zero, false
	}
	return m.drop(id)
}

// Clear removes every value.
func (m *MutableExternalMapping[T]) Clear() error {
	if err := m.writable("mapping clear"); err != nil {
		return err
	}
	m.reset()
	return nil
}

// ApplyChanges replays the log of other onto m.
//
// Description:
//
//	Each logged entity id is translated through replace. Ids missing from
//	replace are kept when m's owner contains them. Anything else refers to
//	an entity that did not survive the merge and is dropped. Clear bunches
//	are replayed in log order.
//
// Inputs:
//   - other: The mapping whose log is replayed. Not modified.
//   - replace: Id translation from other's id space into m's.
//
// Outputs:
//   - int: Number of dropped operations.
//   - error: ErrBuilderCommitted if m's owner was finalized.
func (m *MutableExternalMapping[T]) ApplyChanges(other *MutableExternalMapping[T], replace ReplaceMap) (int, error) {
	if err := m.writable("mapping apply changes"); err != nil {
		return 0, err
	}
	dropped := 0
	for _, bunch := range other.log.bunches {
		if bunch.clear {
			m.reset()
			continue
		}
		bunch.each(func(rec *IndexRecord[T]) {
			target, ok := m.resolve(rec.ID, replace)
			if !ok {
				dropped++
				return
			}
			switch rec.Op {
			case IndexAdd:
				m.put(target, rec.Data)
			case IndexRemove:
				m.drop(target)
			}
		})
	}
	return dropped, nil
}

func (m *MutableExternalMapping[T]) resolve(id EntityID, replace ReplaceMap) (EntityID, bool) {
	if r, ok := replace[id]; ok {
		id = r
	}
	if m.owner == nil || m.owner.Contains(id) {
		return id, true
	}
	return NoEntity, false
}

func (m *MutableExternalMapping[T]) removeEntity(id EntityID) {
	m.drop(id)
}

func (m *MutableExternalMapping[T]) freeze() frozenMapping {
	m.shared = true
	return &ExternalMapping[T]{index: m.index, reverse: m.reverse}
}

func (m *MutableExternalMapping[T]) changed() bool {
	return !m.log.IsEmpty()
}

func (m *MutableExternalMapping[T]) replayInto(dst *Builder, replace ReplaceMap) (int, error) {
	if m.log.IsEmpty() {
		return 0, nil
	}
	return MutableMapping(dst, MappingKey[T]{name: m.name}).ApplyChanges(m, replace)
}

// -----------------------------------------------------------------------------
// Accessors
// -----------------------------------------------------------------------------

func mappingTypePanic(name string, got any) {
	panic(programmingError("mapping "+name, NoEntity,
		fmt.Errorf("%w: stored as %T", ErrMappingType, got)))
}

// MutableMapping returns the writable mapping for key on b, opening it on
// first use.
//
// Description:
//
//	The mapping starts from the base snapshot's contents. Using one key
//	name with two different value types panics with a ProgrammingError.
func MutableMapping[T comparable](b *Builder, key MappingKey[T]) *MutableExternalMapping[T] {
	if existing, ok := b.mappings[key.name]; ok {
		typed, ok := existing.(*MutableExternalMapping[T])
		if !ok {
			mappingTypePanic(key.name, existing)
		}
		return typed
	}

	var m *MutableExternalMapping[T]
	if frozen, ok := b.base.mappings[key.name]; ok {
		typed, ok := frozen.(*ExternalMapping[T])
		if !ok {
			mappingTypePanic(key.name, frozen)
		}
		m = typed.thaw(b, key.name)
	} else {
		m = &MutableExternalMapping[T]{
			ExternalMapping: newExternalMapping[T](),
			name:            key.name,
			owner:           b,
			log:             newIndexLog[T](),
		}
	}
	b.mappings[key.name] = m
	return m
}

// Mapping returns the mapping for key on s. A mapping that was never
// written is returned empty.
func Mapping[T comparable](s *Snapshot, key MappingKey[T]) *ExternalMapping[T] {
	frozen, ok := s.mappings[key.name]
	if !ok {
		empty := newExternalMapping[T]()
		return &empty
	}
	typed, ok := frozen.(*ExternalMapping[T])
	if !ok {
		mappingTypePanic(key.name, frozen)
	}
	return typed
}
