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

func TestCollectChanges(t *testing.T) {
	f := newFixture(t)
	seed := f.builder()
	app := mustAdd(t, seed, tModule{Name: "app"})
	lib := mustAdd(t, seed, tModule{Name: "lib"})
	root := mustAddChild(t, seed, f.contentRoots, app, tContentRoot{URL: "/app"})
	base := mustCommit(t, seed)

	t.Run("add then remove leaves no record", func(t *testing.T) {
		b := base.ToBuilder()
		tmp := mustAdd(t, b, tModule{Name: "tmp"})
		_, err := b.RemoveEntity(tmp)
		require.NoError(t, err)
		assert.Equal(t, 0, b.CollectChanges().Len())
	})

	t.Run("successive replaces coalesce against the base", func(t *testing.T) {
		b := base.ToBuilder()
		require.NoError(t, Modify(b, app, func(m *tModule) { m.Name = "one" }))
		require.NoError(t, Modify(b, app, func(m *tModule) { m.Name = "two" }))

		cs := b.CollectChanges()
		require.Len(t, cs["Module"], 1)
		c := cs["Module"][0]
		assert.Equal(t, ChangeReplaced, c.Type)
		assert.Equal(t, app, c.ID)
		assert.Equal(t, tModule{Name: "app"}, c.Old)
		assert.Equal(t, tModule{Name: "two"}, c.New)
	})

	t.Run("replace then remove yields removed with the base value", func(t *testing.T) {
		b := base.ToBuilder()
		require.NoError(t, Modify(b, lib, func(m *tModule) { m.Name = "renamed" }))
		_, err := b.RemoveEntity(lib)
		require.NoError(t, err)

		cs := b.CollectChanges()
		require.Len(t, cs["Module"], 1)
		assert.Equal(t, EntityChange{Type: ChangeRemoved, ID: lib, Old: tModule{Name: "lib"}}, cs["Module"][0])
	})

	t.Run("added entity modified stays added", func(t *testing.T) {
		b := base.ToBuilder()
		id := mustAdd(t, b, tModule{Name: "new"})
		require.NoError(t, Modify(b, id, func(m *tModule) { m.Name = "newer" }))

		cs := b.CollectChanges()
		require.Len(t, cs["Module"], 1)
		assert.Equal(t, EntityChange{Type: ChangeAdded, ID: id, New: tModule{Name: "newer"}}, cs["Module"][0])
	})

	t.Run("link changes touch both ends", func(t *testing.T) {
		b := base.ToBuilder()
		libID := mustAddChild(t, b, f.libraries, lib, tLibrary{Name: "junit"})
		require.NoError(t, b.AddChild(f.libraries, app, libID))

		cs := b.CollectChanges()
		assert.Equal(t, 1, cs.Count(ChangeAdded))
		require.Len(t, cs["Module"], 2)
		for _, c := range cs["Module"] {
			assert.Equal(t, ChangeReplaced, c.Type)
			assert.Equal(t, c.Old, c.New, "link-only change carries unchanged data")
		}
		assert.Equal(t, []Kind{"Library", "Module"}, cs.Kinds())
	})

	t.Run("touch then modify keeps the base value", func(t *testing.T) {
		b := base.ToBuilder()
		mustAddChild(t, b, f.libraries, app, tLibrary{Name: "junit"})
		require.NoError(t, Modify(b, app, func(m *tModule) { m.Name = "app2" }))

		cs := b.CollectChanges()
		var appChange EntityChange
		for _, c := range cs["Module"] {
			if c.ID == app {
				appChange = c
			}
		}
		assert.Equal(t, tModule{Name: "app"}, appChange.Old)
		assert.Equal(t, tModule{Name: "app2"}, appChange.New)
	})

	t.Run("cascade records every removed entity sorted by id", func(t *testing.T) {
		b := base.ToBuilder()
		_, err := b.RemoveEntity(app)
		require.NoError(t, err)

		cs := b.CollectChanges()
		assert.Equal(t, 2, cs.Count(ChangeRemoved))
		require.Len(t, cs["ContentRoot"], 1)
		assert.Equal(t, root, cs["ContentRoot"][0].ID)
	})

	t.Run("changes are sorted by id", func(t *testing.T) {
		b := base.ToBuilder()
		c := mustAdd(t, b, tModule{Name: "c"})
		require.NoError(t, Modify(b, lib, func(m *tModule) { m.Name = "lib2" }))
		require.NoError(t, Modify(b, app, func(m *tModule) { m.Name = "app2" }))

		var ids []EntityID
		for _, ch := range b.CollectChanges()["Module"] {
			ids = append(ids, ch.ID)
		}
		assert.Equal(t, []EntityID{app, lib, c}, ids)
	})
}

func TestChangeType_String(t *testing.T) {
	assert.Equal(t, "added", ChangeAdded.String())
	assert.Equal(t, "replaced", ChangeReplaced.String())
	assert.Equal(t, "removed", ChangeRemoved.String())
	assert.Equal(t, "unknown", ChangeType(0).String())
}
