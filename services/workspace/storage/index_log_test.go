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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ops[T comparable](bunch IndexBunch[T]) []IndexOp {
	var out []IndexOp
	for _, r := range bunch.Records {
		out = append(out, r.Op)
	}
	return out
}

func TestIndexLog_Coalescing(t *testing.T) {
	e1 := NewEntityID(1, 1)
	e2 := NewEntityID(1, 2)

	t.Run("remove erases an add that created the value", func(t *testing.T) {
		m := NewMutableExternalMapping[string]("urls")
		require.NoError(t, m.Add(e1, "a"))
		_, ok := m.Remove(e1)
		require.True(t, ok)

		assert.True(t, m.Log().IsEmpty())
		assert.Empty(t, m.Log().Bunches())
	})

	t.Run("repeated adds keep the latest value", func(t *testing.T) {
		m := NewMutableExternalMapping[string]("urls")
		require.NoError(t, m.Add(e1, "a"))
		require.NoError(t, m.Add(e2, "x"))
		require.NoError(t, m.Add(e1, "b"))

		bunches := m.Log().Bunches()
		require.Len(t, bunches, 1)
		require.Len(t, bunches[0].Records, 2)
		assert.Equal(t, e1, bunches[0].Records[0].ID)
		assert.Equal(t, "b", bunches[0].Records[0].Data)
		assert.Equal(t, e2, bunches[0].Records[1].ID)
	})

	t.Run("erased record re-added moves to the end", func(t *testing.T) {
		m := NewMutableExternalMapping[string]("urls")
		require.NoError(t, m.Add(e1, "a"))
		require.NoError(t, m.Add(e2, "x"))
		m.Remove(e1)
		require.NoError(t, m.Add(e1, "c"))

		bunches := m.Log().Bunches()
		require.Len(t, bunches, 1)
		require.Len(t, bunches[0].Records, 2)
		assert.Equal(t, e2, bunches[0].Records[0].ID)
		assert.Equal(t, e1, bunches[0].Records[1].ID)
	})

	t.Run("clear splits bunches", func(t *testing.T) {
		m := NewMutableExternalMapping[string]("urls")
		require.NoError(t, m.Add(e1, "a"))
		require.NoError(t, m.Clear())
		require.NoError(t, m.Add(e2, "b"))

		bunches := m.Log().Bunches()
		require.Len(t, bunches, 3)
		assert.Equal(t, []IndexOp{IndexAdd}, ops(bunches[0]))
		assert.True(t, bunches[1].Clear)
		assert.Equal(t, []IndexOp{IndexAdd}, ops(bunches[2]))
		assert.Equal(t, 1, m.Size())
	})

	t.Run("remove after clear of a pre-clear add is a no-op", func(t *testing.T) {
		m := NewMutableExternalMapping[string]("urls")
		require.NoError(t, m.Add(e1, "a"))
		require.NoError(t, m.Clear())
		_, ok := m.Remove(e1)
		assert.False(t, ok)
		assert.Len(t, m.Log().Bunches(), 2)
	})
}

func TestIndexLog_CommittedValues(t *testing.T) {
	f := newFixture(t)
	key := NewMappingKey[string]("urls")

	seed := f.builder()
	app := mustAdd(t, seed, tModule{Name: "app"})
	require.NoError(t, MutableMapping(seed, key).Add(app, "file:///app"))
	base := mustCommit(t, seed)

	t.Run("remove of a committed value is kept", func(t *testing.T) {
		b := base.ToBuilder()
		m := MutableMapping(b, key)
		old, ok := m.Remove(app)
		require.True(t, ok)
		assert.Equal(t, "file:///app", old)

		bunches := m.Log().Bunches()
		require.Len(t, bunches, 1)
		assert.Equal(t, []IndexOp{IndexRemove}, ops(bunches[0]))
	})

	t.Run("add over a removed committed value replaces the remove", func(t *testing.T) {
		b := base.ToBuilder()
		m := MutableMapping(b, key)
		m.Remove(app)
		require.NoError(t, m.Add(app, "file:///other"))

		bunches := m.Log().Bunches()
		require.Len(t, bunches, 1)
		require.Len(t, bunches[0].Records, 1)
		assert.Equal(t, IndexAdd, bunches[0].Records[0].Op)
		assert.Equal(t, "file:///other", bunches[0].Records[0].Data)
	})

	t.Run("remove after overwriting a committed value stays a remove", func(t *testing.T) {
		b := base.ToBuilder()
		m := MutableMapping(b, key)
		require.NoError(t, m.Add(app, "file:///other"))
		m.Remove(app)

		bunches := m.Log().Bunches()
		require.Len(t, bunches, 1)
		assert.Equal(t, []IndexOp{IndexRemove}, ops(bunches[0]))
	})

	t.Run("adding the committed value again logs nothing", func(t *testing.T) {
		b := base.ToBuilder()
		m := MutableMapping(b, key)
		require.NoError(t, m.Add(app, "file:///app"))
		assert.True(t, m.Log().IsEmpty())
		assert.False(t, b.HasChanges())
	})
}
