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
	"context"
	"slices"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mergeBase struct {
	f    *fixture
	snap *Snapshot
	app  EntityID
	core EntityID
	lib  EntityID
}

func newMergeBase(t *testing.T) *mergeBase {
	t.Helper()
	f := newFixture(t)
	b := f.builder()
	mb := &mergeBase{f: f}
	mb.app = mustAdd(t, b, tModule{Name: "app"})
	mustAddChild(t, b, f.contentRoots, mb.app, tContentRoot{URL: "/app"})
	mb.core = mustAdd(t, b, tModule{Name: "core"})
	mb.lib = mustAddChild(t, b, f.libraries, mb.app, tLibrary{Name: "junit"})
	mb.snap = mustCommit(t, b)
	return mb
}

func TestBuilder_AddDiff(t *testing.T) {
	ctx := context.Background()

	t.Run("translates colliding ids of added entities", func(t *testing.T) {
		mb := newMergeBase(t)
		b1 := mb.snap.ToBuilder()
		b2 := mb.snap.ToBuilder()

		x := mustAdd(t, b1, tModule{Name: "x"})
		y := mustAdd(t, b2, tModule{Name: "y"})
		yRoot := mustAddChild(t, b2, mb.f.contentRoots, y, tContentRoot{URL: "/y"})
		require.Equal(t, x, y, "both builders allocate the same next index")

		replace, err := b1.AddDiff(ctx, b2)
		require.NoError(t, err)
		require.Len(t, replace, 2)

		newY := replace[y]
		assert.NotEqual(t, x, newY)
		got, ok := DataAs[tModule](b1.EntityByID(newY))
		require.True(t, ok)
		assert.Equal(t, "y", got.Name)
		assert.Equal(t, replace[yRoot], b1.OneChild(mb.f.contentRoots, newY).ID())
		assert.Equal(t, "x", b1.Resolve("module:x").Data().(tModule).Name)
		assert.Equal(t, newY, b1.Resolve("module:y").ID())

		s := mustCommit(t, b1)
		assert.Equal(t, 4, s.EntityCount("Module"))
	})

	t.Run("replays modifications and removals", func(t *testing.T) {
		mb := newMergeBase(t)
		b1 := mb.snap.ToBuilder()
		b2 := mb.snap.ToBuilder()

		require.NoError(t, Modify(b2, mb.core, func(m *tModule) { m.Name = "core2" }))
		_, err := b2.RemoveEntity(mb.app)
		require.NoError(t, err)

		_, err = b1.AddDiff(ctx, b2)
		require.NoError(t, err)

		assert.Nil(t, b1.EntityByID(mb.app))
		assert.Equal(t, 0, b1.EntityCount("ContentRoot"))
		assert.NotNil(t, b1.EntityByID(mb.lib), "nullable child survives")
		assert.Equal(t, "core2", b1.EntityByID(mb.core).Data().(tModule).Name)
		mustCommit(t, b1)
	})

	t.Run("replays link edits", func(t *testing.T) {
		mb := newMergeBase(t)
		b1 := mb.snap.ToBuilder()
		b2 := mb.snap.ToBuilder()

		require.NoError(t, b2.AddChild(mb.f.libraries, mb.core, mb.lib))
		extra := mustAddChild(t, b1, mb.f.libraries, mb.app, tLibrary{Name: "mockito"})

		_, err := b1.AddDiff(ctx, b2)
		require.NoError(t, err)

		assert.Equal(t, mb.core, b1.Parent(mb.f.libraries, mb.lib).ID())
		assert.Equal(t, []EntityID{extra}, childIDs(b1, mb.f.libraries, mb.app),
			"edits of the receiver on the same parent are kept")
		mustCommit(t, b1)
	})

	t.Run("replays detaches", func(t *testing.T) {
		mb := newMergeBase(t)
		b1 := mb.snap.ToBuilder()
		b2 := mb.snap.ToBuilder()

		require.NoError(t, b2.AddChild(mb.f.libraries, NoEntity, mb.lib))
		_, err := b1.AddDiff(ctx, b2)
		require.NoError(t, err)

		assert.Nil(t, b1.Parent(mb.f.libraries, mb.lib))
		assert.NotNil(t, b1.EntityByID(mb.lib))
	})

	t.Run("replays mapping logs through the replace map", func(t *testing.T) {
		mb := newMergeBase(t)
		b1 := mb.snap.ToBuilder()
		b2 := mb.snap.ToBuilder()

		mustAdd(t, b1, tModule{Name: "x"})
		y := mustAdd(t, b2, tModule{Name: "y"})
		urls := MutableMapping(b2, urlKey)
		require.NoError(t, urls.Add(y, "file:///y"))
		require.NoError(t, urls.Add(mb.core, "file:///core"))

		replace, err := b1.AddDiff(ctx, b2)
		require.NoError(t, err)
		s := mustCommit(t, b1)

		merged := Mapping(s, urlKey)
		got, ok := merged.DataByEntity(replace[y])
		require.True(t, ok)
		assert.Equal(t, "file:///y", got)
		got, ok = merged.DataByEntity(mb.core)
		require.True(t, ok)
		assert.Equal(t, "file:///core", got)
		assert.Equal(t, 2, merged.Size())
	})

	t.Run("drops operations on entities the receiver removed", func(t *testing.T) {
		mb := newMergeBase(t)
		b1 := mb.snap.ToBuilder()
		b2 := mb.snap.ToBuilder()

		_, err := b1.RemoveEntity(mb.core)
		require.NoError(t, err)
		require.NoError(t, MutableMapping(b2, urlKey).Add(mb.core, "file:///core"))
		before := testutil.ToFloat64(mergeDroppedTotal)

		_, err = b1.AddDiff(ctx, b2)
		require.NoError(t, err)

		assert.Equal(t, 1.0, testutil.ToFloat64(mergeDroppedTotal)-before)
		assert.Equal(t, 0, Mapping(mustCommit(t, b1), urlKey).Size())
	})

	t.Run("merged builder is consumed", func(t *testing.T) {
		mb := newMergeBase(t)
		b1 := mb.snap.ToBuilder()
		b2 := mb.snap.ToBuilder()
		mustAdd(t, b2, tModule{Name: "y"})

		_, err := b1.AddDiff(ctx, b2)
		require.NoError(t, err)

		_, err = b1.AddDiff(ctx, b2)
		assert.ErrorIs(t, err, ErrBuilderConsumed)
		_, err = b2.AddEntity(tModule{Name: "z"})
		assert.ErrorIs(t, err, ErrBuilderConsumed)
		_, err = b2.ToSnapshot()
		assert.ErrorIs(t, err, ErrBuilderConsumed)

		_, err = b1.AddDiff(ctx, b1)
		assert.ErrorIs(t, err, ErrBuilderConsumed)
	})

	t.Run("foreign lineage", func(t *testing.T) {
		mb := newMergeBase(t)
		b1 := mb.snap.ToBuilder()

		foreign := newMergeBase(t)
		_, err := b1.AddDiff(ctx, foreign.snap.ToBuilder())
		assert.ErrorIs(t, err, ErrLineageMismatch)

		fresh := NewSnapshot(mb.f.reg).ToBuilder()
		m := mustAdd(t, fresh, tModule{Name: "imported"})
		mustAddChild(t, fresh, mb.f.contentRoots, m, tContentRoot{URL: "/imported"})
		replace, err := b1.AddDiff(ctx, fresh)
		require.NoError(t, err)
		assert.Len(t, replace, 2)
		assert.NotNil(t, b1.Resolve("module:imported"))
		mustCommit(t, b1)
	})

	t.Run("symbol collision is rejected before any write", func(t *testing.T) {
		mb := newMergeBase(t)
		b1 := mb.snap.ToBuilder()
		b2 := mb.snap.ToBuilder()
		mustAdd(t, b1, tModule{Name: "dup"})
		mustAdd(t, b2, tModule{Name: "dup"})
		mustAdd(t, b2, tModule{Name: "other"})

		_, err := b1.AddDiff(ctx, b2)
		assert.ErrorIs(t, err, ErrDuplicateSymbol)
		assert.Nil(t, b1.Resolve("module:other"))
	})

	t.Run("re-adding the base mapping value keeps the receiver's value", func(t *testing.T) {
		mb := newMergeBase(t)
		seed := mb.snap.ToBuilder()
		require.NoError(t, MutableMapping(seed, urlKey).Add(mb.core, "file:///a"))
		base := mustCommit(t, seed)

		src := base.ToBuilder()
		require.NoError(t, MutableMapping(src, urlKey).Add(mb.core, "file:///a"))
		assert.False(t, src.HasChanges())
		dst := base.ToBuilder()
		require.NoError(t, MutableMapping(dst, urlKey).Add(mb.core, "file:///b"))

		_, err := dst.AddDiff(ctx, src)
		require.NoError(t, err)
		got, ok := Mapping(mustCommit(t, dst), urlKey).DataByEntity(mb.core)
		require.True(t, ok)
		assert.Equal(t, "file:///b", got)
	})

	t.Run("rejects builders based on a sibling snapshot", func(t *testing.T) {
		mb := newMergeBase(t)
		ba := mb.snap.ToBuilder()
		x := mustAdd(t, ba, tModule{Name: "x"})
		sa := mustCommit(t, ba)
		bb := mb.snap.ToBuilder()
		y := mustAdd(t, bb, tModule{Name: "y"})
		sb := mustCommit(t, bb)
		require.Equal(t, x, y, "siblings allocate the same index")

		src := sa.ToBuilder()
		require.NoError(t, Modify(src, x, func(m *tModule) { m.Src = "changed-x" }))
		dst := sb.ToBuilder()

		_, err := dst.AddDiff(ctx, src)
		assert.ErrorIs(t, err, ErrLineageMismatch)
		assert.True(t, IsProgrammingError(err))
		assert.Equal(t, tModule{Name: "y"}, dst.EntityByID(y).Data())
		assert.False(t, dst.HasChanges())
	})

	t.Run("accepts builders based on an ancestor of a forked snapshot", func(t *testing.T) {
		mb := newMergeBase(t)
		first := mb.snap.ToBuilder()
		mustAdd(t, first, tModule{Name: "x"})
		mustCommit(t, first)
		second := mb.snap.ToBuilder()
		mustAdd(t, second, tModule{Name: "y"})
		forked := mustCommit(t, second)

		src := mb.snap.ToBuilder()
		require.NoError(t, Modify(src, mb.core, func(m *tModule) { m.Name = "core2" }))
		dst := forked.ToBuilder()

		_, err := dst.AddDiff(ctx, src)
		require.NoError(t, err)
		assert.Equal(t, "core2", dst.EntityByID(mb.core).Data().(tModule).Name)
		assert.NotNil(t, dst.Resolve("module:y"))
		assert.Nil(t, dst.Resolve("module:x"))
		mustCommit(t, dst)
	})

	t.Run("replays child reorders", func(t *testing.T) {
		mb := newMergeBase(t)
		seed := mb.snap.ToBuilder()
		mockito := mustAddChild(t, seed, mb.f.libraries, mb.app, tLibrary{Name: "mockito"})
		base := mustCommit(t, seed)
		require.Equal(t, []EntityID{mb.lib, mockito}, childIDs(base, mb.f.libraries, mb.app))

		src := base.ToBuilder()
		require.NoError(t, src.ReplaceChildren(mb.f.libraries, mb.app, []EntityID{mockito, mb.lib}))
		dst := base.ToBuilder()
		_, err := dst.AddDiff(ctx, src)
		require.NoError(t, err)

		assert.True(t, dst.HasChanges())
		assert.Equal(t, []EntityID{mockito, mb.lib}, childIDs(dst, mb.f.libraries, mb.app))
		s := mustCommit(t, dst)
		assert.Equal(t, []EntityID{mockito, mb.lib}, childIDs(s, mb.f.libraries, mb.app))
	})

	t.Run("reorders keep the receiver's own children in place", func(t *testing.T) {
		mb := newMergeBase(t)
		seed := mb.snap.ToBuilder()
		mockito := mustAddChild(t, seed, mb.f.libraries, mb.app, tLibrary{Name: "mockito"})
		base := mustCommit(t, seed)

		src := base.ToBuilder()
		require.NoError(t, src.ReplaceChildren(mb.f.libraries, mb.app, []EntityID{mockito, mb.lib}))
		dst := base.ToBuilder()
		extra := mustAddChild(t, dst, mb.f.libraries, mb.app, tLibrary{Name: "hamcrest"})

		_, err := dst.AddDiff(ctx, src)
		require.NoError(t, err)
		assert.Equal(t, []EntityID{mockito, mb.lib, extra}, childIDs(dst, mb.f.libraries, mb.app))
	})
}

func TestApplyOrder(t *testing.T) {
	a, b, c, x := NewEntityID(1, 0), NewEntityID(1, 1), NewEntityID(1, 2), NewEntityID(1, 3)

	tests := []struct {
		name  string
		kids  []EntityID
		order []EntityID
		want  []EntityID
	}{
		{"reorders members in their slots", []EntityID{a, b, x, c}, []EntityID{c, a, b}, []EntityID{c, a, x, b}},
		{"ignores ids that are not children", []EntityID{a, b}, []EntityID{x, b, a}, []EntityID{b, a}},
		{"same order is unchanged", []EntityID{a, b}, []EntityID{a, b}, []EntityID{a, b}},
		{"single member is unchanged", []EntityID{a, b}, []EntityID{b}, []EntityID{a, b}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			kids := slices.Clone(tt.kids)
			assert.Equal(t, tt.want, applyOrder(kids, tt.order))
			assert.Equal(t, tt.kids, kids, "input is not modified")
		})
	}
}
