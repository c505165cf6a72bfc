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
	"math"
	"sync"
)

// Registry assigns type discriminants to entity kinds and declares the
// connections between them.
//
// Description:
//
//	A Registry is shared by every snapshot and builder of one storage
//	lineage. Kinds are registered lazily the first time they are used;
//	connections must be declared before entities use them.
//
// Thread Safety: All methods are safe for concurrent use.
type Registry struct {
	mu          sync.RWMutex
	kinds       map[Kind]EntityTypeID
	names       []Kind // index = EntityTypeID; names[0] is reserved
	connections []ConnectionID
	byParent    map[EntityTypeID][]ConnectionID
	byChild     map[EntityTypeID][]ConnectionID
}

// NewRegistry creates an empty registry.
//
// Outputs:
//   - *Registry: The registry. Never nil.
func NewRegistry() *Registry {
	return &Registry{
		kinds:    make(map[Kind]EntityTypeID),
		names:    []Kind{""},
		byParent: make(map[EntityTypeID][]ConnectionID),
		byChild:  make(map[EntityTypeID][]ConnectionID),
	}
}

// Register returns the discriminant for kind, assigning one if needed.
//
// Description:
//
//	Registration is idempotent: registering the same kind twice returns the
//	same discriminant.
//
// Inputs:
//   - kind: The entity kind. Must not be empty.
//
// Outputs:
//   - EntityTypeID: The discriminant. Never zero on success.
//   - error: ErrUnknownKind for an empty kind, ErrTooManyKinds on overflow.
func (r *Registry) Register(kind Kind) (EntityTypeID, error) {
	if kind == "" {
		return 0, programmingError("register", NoEntity, ErrUnknownKind)
	}

	r.mu.RLock()
	id, ok := r.kinds[kind]
	r.mu.RUnlock()
	if ok {
		return id, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	return r.registerLocked(kind)
}

func (r *Registry) registerLocked(kind Kind) (EntityTypeID, error) {
	if id, ok := r.kinds[kind]; ok {
		return id, nil
	}
	if len(r.names) > math.MaxUint16 {
		return 0, programmingError("register", NoEntity, fmt.Errorf("%w: %s", ErrTooManyKinds, kind))
	}
	id := EntityTypeID(len(r.names))
	r.names = append(r.names, kind)
	r.kinds[kind] = id
	return id, nil
}

// TypeID returns the discriminant of a registered kind.
func (r *Registry) TypeID(kind Kind) (EntityTypeID, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.kinds[kind]
	return id, ok
}

// KindOf returns the kind for a discriminant, or "" when unknown.
func (r *Registry) KindOf(id EntityTypeID) Kind {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if id == 0 || int(id) >= len(r.names) {
		return ""
	}
	return r.names[id]
}

// Kinds returns every registered kind in registration order.
func (r *Registry) Kinds() []Kind {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Kind, len(r.names)-1)
	copy(out, r.names[1:])
	return out
}

// size returns the number of discriminant slots including the reserved one.
func (r *Registry) size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.names)
}

// DeclareConnection declares a parent/child relation between two kinds.
//
// Description:
//
//	Both kinds are registered if needed. The type-level graph formed by all
//	declared connections must stay acyclic: a declaration whose child kind
//	can already reach the parent kind (including parent == child) is
//	rejected with ErrConnectionCycle.
//
// Inputs:
//   - parent: The parent kind.
//   - child: The child kind.
//   - kind: OneToOne or OneToMany.
//   - parentNullable: Whether a child may exist without a parent.
//
// Outputs:
//   - ConnectionID: The new connection.
//   - error: Non-nil if kinds are invalid or a cycle would be created.
//
// Thread Safety: Safe for concurrent use.
func (r *Registry) DeclareConnection(parent, child Kind, kind ConnectionKind, parentNullable bool) (ConnectionID, error) {
	if kind != OneToOne && kind != OneToMany {
		return ConnectionID{}, programmingError("declare connection", NoEntity,
			fmt.Errorf("%w: unsupported kind %d", ErrInvalidConnection, kind))
	}
	if parent == "" || child == "" {
		return ConnectionID{}, programmingError("declare connection", NoEntity, ErrUnknownKind)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	parentID, err := r.registerLocked(parent)
	if err != nil {
		return ConnectionID{}, err
	}
	childID, err := r.registerLocked(child)
	if err != nil {
		return ConnectionID{}, err
	}

	if r.reachableLocked(childID, parentID) {
		return ConnectionID{}, programmingError("declare connection", NoEntity,
			fmt.Errorf("%w: %s -> %s", ErrConnectionCycle, parent, child))
	}

	conn := ConnectionID{
		seq:            uint32(len(r.connections) + 1),
		parent:         parentID,
		child:          childID,
		kind:           kind,
		parentNullable: parentNullable,
	}
	r.connections = append(r.connections, conn)
	r.byParent[parentID] = append(r.byParent[parentID], conn)
	r.byChild[childID] = append(r.byChild[childID], conn)
	return conn, nil
}

// reachableLocked reports whether target is reachable from start following
// parent -> child edges. start == target counts as reachable.
func (r *Registry) reachableLocked(start, target EntityTypeID) bool {
	visited := make(map[EntityTypeID]bool)
	stack := []EntityTypeID{start}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if cur == target {
			return true
		}
		if visited[cur] {
			continue
		}
		visited[cur] = true
		for _, c := range r.byParent[cur] {
			stack = append(stack, c.child)
		}
	}
	return false
}

// ConnectionsFromParent returns the connections whose parent side is typeID.
func (r *Registry) ConnectionsFromParent(typeID EntityTypeID) []ConnectionID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]ConnectionID(nil), r.byParent[typeID]...)
}

// ConnectionsToChild returns the connections whose child side is typeID.
func (r *Registry) ConnectionsToChild(typeID EntityTypeID) []ConnectionID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]ConnectionID(nil), r.byChild[typeID]...)
}

// Connections returns every declared connection in declaration order.
func (r *Registry) Connections() []ConnectionID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]ConnectionID(nil), r.connections...)
}

// isDeclared reports whether conn was produced by this registry.
func (r *Registry) isDeclared(conn ConnectionID) bool {
	if !conn.IsValid() {
		return false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	idx := int(conn.seq) - 1
	return idx < len(r.connections) && r.connections[idx] == conn
}
