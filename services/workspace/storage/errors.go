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
	"errors"
	"fmt"
)

// Sentinel errors for storage operations.
//
// Every error returned by a Builder or Registry wraps ErrProgramming: they
// signal misuse of the API, not an expected runtime condition. Lookups of
// absent ids never produce errors.
var (
	// ErrProgramming is the root of all storage errors.
	ErrProgramming = errors.New("storage programming error")

	// ErrEntityNotFound is returned when a required entity id is absent.
	ErrEntityNotFound = errors.New("entity not found")

	// ErrUnknownKind is returned when entity data has an unregistered kind.
	ErrUnknownKind = errors.New("unknown entity kind")

	// ErrKindMismatch is returned when an entity or replacement data has the
	// wrong kind for the operation.
	ErrKindMismatch = errors.New("entity kind mismatch")

	// ErrNilData is returned when nil entity data is supplied.
	ErrNilData = errors.New("entity data must not be nil")

	// ErrBuilderCommitted is returned by any write to a builder after
	// ToSnapshot, including a second ToSnapshot.
	ErrBuilderCommitted = errors.New("builder already committed")

	// ErrBuilderConsumed is returned when a builder that was already merged
	// via AddDiff is reused, or a builder is merged into itself.
	ErrBuilderConsumed = errors.New("builder already consumed by a merge")

	// ErrRequiredParent is returned when detaching a child from a
	// connection whose parent is not nullable.
	ErrRequiredParent = errors.New("connection requires a parent")

	// ErrOrphanedEntity is returned by ToSnapshot when an entity lacks the
	// parent of a non-nullable connection.
	ErrOrphanedEntity = errors.New("entity is missing a required parent")

	// ErrTooManyChildren is returned when a one-to-one connection is given
	// more than one child.
	ErrTooManyChildren = errors.New("one-to-one connection accepts at most one child")

	// ErrDuplicateChild is returned when a child list contains an id twice.
	ErrDuplicateChild = errors.New("duplicate child in connection")

	// ErrInvalidConnection is returned for a ConnectionID not produced by
	// the storage's registry.
	ErrInvalidConnection = errors.New("invalid connection")

	// ErrConnectionCycle is returned when declaring a connection would make
	// the type-level parent/child graph cyclic.
	ErrConnectionCycle = errors.New("connection declaration creates a cycle")

	// ErrDanglingMapping is returned by ToSnapshot when an external mapping
	// references an entity that does not exist.
	ErrDanglingMapping = errors.New("external mapping references a missing entity")

	// ErrTooManyKinds is returned when the registry runs out of
	// discriminants.
	ErrTooManyKinds = errors.New("too many entity kinds")

	// ErrDuplicateSymbol is returned when two live entities would share a
	// symbolic id.
	ErrDuplicateSymbol = errors.New("duplicate symbolic id")

	// ErrMappingType is the panic payload when one mapping name is used
	// with two value types.
	ErrMappingType = errors.New("external mapping value type mismatch")

	// ErrLineageMismatch is returned when merging a builder whose base
	// belongs to another storage lineage.
	ErrLineageMismatch = errors.New("builders belong to different storage lineages")
)

// ProgrammingError describes a misuse of the storage API.
//
// Description:
//
//	Op names the failed operation, ID the entity involved (NoEntity when not
//	applicable) and Err the specific sentinel. errors.Is matches both the
//	specific sentinel and ErrProgramming.
type ProgrammingError struct {
	Op  string
	ID  EntityID
	Err error
}

// Error implements the error interface.
func (e *ProgrammingError) Error() string {
	if e.ID.IsValid() {
		return fmt.Sprintf("%s %s: %v", e.Op, e.ID, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

// Unwrap returns the specific sentinel and ErrProgramming.
func (e *ProgrammingError) Unwrap() []error {
	return []error{e.Err, ErrProgramming}
}

func programmingError(op string, id EntityID, err error) error {
	return &ProgrammingError{Op: op, ID: id, Err: err}
}

// IsProgrammingError reports whether err signals API misuse.
func IsProgrammingError(err error) bool {
	return errors.Is(err, ErrProgramming)
}
