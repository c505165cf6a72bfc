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
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"time"

	"go.opentelemetry.io/otel/codes"
)

// pendingDetach is a link removal replayed after all additions, so that
// moved children are re-parented before their old parent is rewritten.
type pendingDetach struct {
	conn    ConnectionID
	parent  EntityID
	removed map[EntityID]struct{}
}

// pendingOrder is the final child order of one parent in the replayed
// builder, translated to the receiver's ids.
type pendingOrder struct {
	conn   ConnectionID
	parent EntityID
	order  []EntityID
}

// AddDiff replays the net edits of other onto b.
//
// Description:
//
//	Entities added by other are added to b and recorded in the returned
//	ReplaceMap (other's id -> b's id). Replaced data and removals are
//	applied to the translated ids. Link edits are replayed per parent as
//	additions first, then detaches. Finally every external mapping log of
//	other is replayed with ApplyChanges. Operations on entities that do not
//	exist in b are dropped and counted. On conflicting edits the replayed
//	edit wins. Writes that left a value unchanged in other are not edits:
//	b's value is kept.
//
//	other must be based on b's base or one of its ancestors, or on an empty
//	snapshot. A snapshot committed from a sibling builder is not an
//	ancestor even when it shares b's lineage root. other is consumed: any
//	later use of it, including a second AddDiff, fails with
//	ErrBuilderConsumed.
//
// Inputs:
//   - ctx: Context for tracing.
//   - other: The builder to replay. Must not be b.
//
// Outputs:
//   - ReplaceMap: Translation of every entity other added.
//   - error: ProgrammingError on misuse. b may be partially modified if a
//     replayed edit fails validation.
//
// Thread Safety: NOT safe for concurrent use of either builder.
func (b *Builder) AddDiff(ctx context.Context, other *Builder) (ReplaceMap, error) {
	const op = "add diff"
	if err := b.checkWritable(op); err != nil {
		return nil, err
	}
	if other == b || other.consumed {
		return nil, programmingError(op, NoEntity, ErrBuilderConsumed)
	}
	if other.state == BuilderCommitted {
		return nil, programmingError(op, NoEntity, ErrBuilderCommitted)
	}
	shared := b.base.DescendsFrom(other.base)
	if !shared && !other.base.IsEmpty() {
		return nil, programmingError(op, NoEntity, ErrLineageMismatch)
	}

	ctx, span := startMergeSpan(ctx, other.changes.len())
	defer span.End()
	start := time.Now()

	m := &merger{dst: b, src: other, shared: shared, replace: make(ReplaceMap)}
	if err := m.run(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "merge failed")
		return nil, err
	}

	other.consumed = true
	setMergeSpanResult(span, len(m.replace), m.dropped)
	recordMerge(ctx, time.Since(start), len(m.replace), m.dropped)
	b.logger.Debug("builder merged",
		slog.Int("replaced", len(m.replace)),
		slog.Int("dropped", m.dropped),
		slog.Int64("writes", b.writes.Load()),
	)
	return m.replace, nil
}

type merger struct {
	dst     *Builder
	src     *Builder
	// shared is set when src's base is an ancestor of dst's base, so ids
	// that existed before src was forked name the same entities in dst.
	shared  bool
	replace ReplaceMap
	dropped int
}

func (m *merger) resolve(id EntityID) (EntityID, bool) {
	if r, ok := m.replace[id]; ok {
		return r, true
	}
	if m.shared && m.dst.Contains(id) {
		return id, true
	}
	return NoEntity, false
}

func (m *merger) run() error {
	ids := m.src.changes.sortedIDs()
	if err := m.checkSymbols(ids); err != nil {
		return err
	}

	for _, id := range ids {
		rec := m.src.changes.records[id]
		if rec.Type != ChangeAdded {
			continue
		}
		nid, err := m.dst.addEntity(rec.New)
		if err != nil {
			return err
		}
		m.replace[id] = nid
	}

	for _, id := range ids {
		rec := m.src.changes.records[id]
		if rec.Type != ChangeReplaced || dataEqual(rec.Old, rec.New) {
			continue
		}
		target, ok := m.resolve(id)
		if !ok {
			m.dropped++
			continue
		}
		cur := m.dst.data(target)
		if dataEqual(cur, rec.New) {
			continue
		}
		if err := m.dst.replaceData(target, cur, rec.New); err != nil {
			return err
		}
	}

	for _, id := range ids {
		rec := m.src.changes.records[id]
		if rec.Type != ChangeRemoved {
			continue
		}
		if target, ok := m.resolve(id); ok {
			m.dst.removeEntity(target)
		}
	}

	m.replayLinks()

	names := slices.Sorted(maps.Keys(m.src.mappings))
	for _, name := range names {
		n, err := m.src.mappings[name].replayInto(m.dst, m.replace)
		if err != nil {
			return err
		}
		m.dropped += n
	}
	return nil
}

// checkSymbols rejects the merge before any write when an added entity
// would collide with a live symbolic id in dst.
func (m *merger) checkSymbols(ids []EntityID) error {
	for _, id := range ids {
		rec := m.src.changes.records[id]
		if rec.Type != ChangeAdded {
			continue
		}
		sym, ok := symbolOf(rec.New)
		if !ok {
			continue
		}
		if owner, taken := m.dst.symbols[sym]; taken && m.dst.Contains(owner) {
			return programmingError("add diff", owner, fmt.Errorf("%w: %q", ErrDuplicateSymbol, sym))
		}
	}
	return nil
}

func (m *merger) replayLinks() {
	conns := slices.SortedFunc(maps.Keys(m.src.ownedRefs), func(a, b ConnectionID) int {
		return cmp.Compare(a.seq, b.seq)
	})

	var (
		pending []pendingDetach
		orders  []pendingOrder
	)
	for _, conn := range conns {
		cur := m.src.refs[conn]
		base := m.src.base.refs[conn]
		for _, p := range parentsWithChildren(cur, base) {
			kids := cur.childrenOf(p)
			baseKids := base.childrenOf(p)
			if slices.Equal(kids, baseKids) || !m.src.Contains(p) {
				continue
			}
			tp, ok := m.resolve(p)
			if !ok {
				m.dropped++
				continue
			}

			had := make(map[EntityID]struct{}, len(baseKids))
			for _, k := range baseKids {
				had[k] = struct{}{}
			}
			has := make(map[EntityID]struct{}, len(kids))
			order := make([]EntityID, 0, len(kids))
			for _, k := range kids {
				has[k] = struct{}{}
				if _, ok := had[k]; ok {
					if tk, ok := m.resolve(k); ok {
						order = append(order, tk)
					}
					continue
				}
				tk, ok := m.resolve(k)
				if !ok || tk.TypeID() != conn.child {
					m.dropped++
					continue
				}
				// Both ends are live and typed for conn, so addChild cannot fail.
				_ = m.dst.addChild(conn, tp, tk)
				order = append(order, tk)
			}
			if len(order) > 1 {
				orders = append(orders, pendingOrder{conn: conn, parent: tp, order: order})
			}

			if !conn.parentNullable {
				continue
			}
			removed := make(map[EntityID]struct{})
			for _, k := range baseKids {
				if _, ok := has[k]; ok {
					continue
				}
				if tk, ok := m.resolve(k); ok {
					removed[tk] = struct{}{}
				}
			}
			if len(removed) > 0 {
				pending = append(pending, pendingDetach{conn: conn, parent: tp, removed: removed})
			}
		}
	}

	for _, d := range pending {
		if !m.dst.Contains(d.parent) {
			continue
		}
		kids := m.dst.table(d.conn).childrenOf(d.parent)
		filtered := slices.DeleteFunc(slices.Clone(kids), func(k EntityID) bool {
			_, gone := d.removed[k]
			return gone
		})
		if len(filtered) != len(kids) {
			m.dst.replaceChildren(d.conn, d.parent, filtered)
		}
	}

	for _, o := range orders {
		if !m.dst.Contains(o.parent) {
			continue
		}
		kids := m.dst.table(o.conn).childrenOf(o.parent)
		if sorted := applyOrder(kids, o.order); !slices.Equal(sorted, kids) {
			m.dst.replaceChildren(o.conn, o.parent, sorted)
		}
	}
}

// applyOrder returns kids with the members of order rearranged into order's
// sequence. They keep the slots they occupy in kids; every other child keeps
// its position.
//
// Example:
//
//	applyOrder([a b x c], [c a b]) == [c a x b]
func applyOrder(kids, order []EntityID) []EntityID {
	present := make(map[EntityID]struct{}, len(kids))
	for _, k := range kids {
		present[k] = struct{}{}
	}
	seq := make([]EntityID, 0, len(order))
	member := make(map[EntityID]struct{}, len(order))
	for _, k := range order {
		if _, ok := present[k]; !ok {
			continue
		}
		if _, dup := member[k]; dup {
			continue
		}
		member[k] = struct{}{}
		seq = append(seq, k)
	}

	out := slices.Clone(kids)
	next := 0
	for i, k := range out {
		if _, ok := member[k]; ok {
			out[i] = seq[next]
			next++
		}
	}
	return out
}
