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
	"slices"

	"github.com/google/uuid"
)

// branchPoint is the newest version a snapshot inherits from one lineage.
type branchPoint struct {
	lineage uuid.UUID
	version uint64
}

// ancestry lists the lineages a snapshot descends from, oldest first. The
// last entry is the snapshot's own lineage and version.
//
// Within one lineage snapshots form a single chain: the first builder
// committed from a snapshot continues its lineage, every later one starts a
// new lineage. A (lineage, version) pair therefore names exactly one
// snapshot, and entity indices allocated along an ancestry are never reused.
type ancestry []branchPoint

func rootAncestry(lineage uuid.UUID) ancestry {
	return ancestry{{lineage: lineage}}
}

// includes reports whether the snapshot at version of lineage is this
// ancestry's snapshot or one of its ancestors.
func (a ancestry) includes(lineage uuid.UUID, version uint64) bool {
	for _, p := range a {
		if p.lineage == lineage {
			return version <= p.version
		}
	}
	return false
}

// next returns the ancestry of a child committed at version. A child that
// forks starts the lineage fork.
func (a ancestry) next(version uint64, fork uuid.UUID) ancestry {
	out := slices.Clone(a)
	if fork != uuid.Nil {
		return append(out, branchPoint{lineage: fork, version: version})
	}
	out[len(out)-1].version = version
	return out
}
