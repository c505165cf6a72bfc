// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package storage provides the workspace entity storage: a versioned,
// in-process graph of typed entities connected by typed parent/child
// relations.
//
// # Architecture Overview
//
//	┌──────────────────────────────────────────────────────────────────────┐
//	│                        Snapshot (immutable)                          │
//	│  ┌────────────┐ ┌───────────────┐ ┌────────────┐ ┌────────────────┐  │
//	│  │  families  │ │ connection    │ │  symbolic  │ │   external     │  │
//	│  │ (per type) │ │ tables        │ │  index     │ │   mappings     │  │
//	│  └────────────┘ └───────────────┘ └────────────┘ └────────────────┘  │
//	└──────────────────────────────┬───────────────────────────────────────┘
//	                               │ ToBuilder()
//	                               ▼
//	┌──────────────────────────────────────────────────────────────────────┐
//	│                         Builder (mutable)                            │
//	│  dirty overlay · cloned-on-write tables · change log · index logs    │
//	└──────────────┬──────────────────────────────────┬────────────────────┘
//	               │ ToSnapshot()                     │ AddDiff(other)
//	               ▼                                  ▼
//	         new Snapshot                  replay onto another Builder
//
// # Core Concepts
//
// ## Identity
//
// EntityID packs the entity type discriminant and a per-type sequential index.
// Indices are allocated monotonically and never reused inside one storage
// lineage, so a stale id read against a newer snapshot yields nil rather than
// an unrelated entity.
//
// A lineage is one chain of commits. The first builder committed from a
// snapshot continues its lineage; committing a second builder from the same
// snapshot forks a new one, because both may have allocated the same indices.
// Snapshot.DescendsFrom follows these forks.
//
// ## Snapshot
//
// A Snapshot is immutable and safe for any number of concurrent readers.
// Entity façades are cached per snapshot, never globally.
//
// ## Builder
//
// A Builder is the only write surface. It is owned by a single goroutine,
// records every net change, and is finalized exactly once by ToSnapshot.
//
// ## External mappings
//
// ExternalMapping associates caller data with entity ids. The mutable variant
// keeps an IndexLog so its edits can be replayed onto another builder while
// merging.
//
// # Errors
//
// Misuse of the API (unknown ids on required operations, committing twice,
// orphaned required children) returns errors wrapping ErrProgramming. Reads
// of absent ids are not errors: they return nil or false.
//
// # Thread Safety
//
//   - Snapshot: safe for concurrent use.
//   - Builder: NOT safe for concurrent use.
//   - Registry: safe for concurrent use; declare connections before building.
package storage
