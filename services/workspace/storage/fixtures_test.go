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
	"testing"

	"github.com/stretchr/testify/require"
)

// -----------------------------------------------------------------------------
// Test entity kinds
// -----------------------------------------------------------------------------

const testSource EntitySource = "workspace.yaml"

type tModule struct {
	Name string
	Src  EntitySource
}

func (tModule) Kind() Kind { return "Module" }
func (m tModule) Source() EntitySource { return m.Src }
func (m tModule) SymbolicID() string { return "module:" + m.Name }

type tContentRoot struct{ URL string }

func (tContentRoot) Kind() Kind { return "ContentRoot" }
func (tContentRoot) Source() EntitySource { return testSource }

type tSourceRoot struct{ URL string }

func (tSourceRoot) Kind() Kind { return "SourceRoot" }
func (tSourceRoot) Source() EntitySource { return testSource }

type tLibrary struct{ Name string }

func (tLibrary) Kind() Kind { return "Library" }
func (tLibrary) Source() EntitySource { return testSource }

type tSettings struct{ SDK string }

func (tSettings) Kind() Kind { return "Settings" }
func (tSettings) Source() EntitySource { return testSource }

type fixture struct {
	reg          *Registry
	contentRoots ConnectionID // Module -> ContentRoot, one-to-many, required
	sourceRoots  ConnectionID // ContentRoot -> SourceRoot, one-to-many, required
	libraries    ConnectionID // Module -> Library, one-to-many, nullable
	settings     ConnectionID // Module -> Settings, one-to-one, required
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	reg := NewRegistry()
	f := &fixture{reg: reg}
	var err error
	f.contentRoots, err = reg.DeclareConnection("Module", "ContentRoot", OneToMany, false)
	require.NoError(t, err)
	f.sourceRoots, err = reg.DeclareConnection("ContentRoot", "SourceRoot", OneToMany, false)
	require.NoError(t, err)
	f.libraries, err = reg.DeclareConnection("Module", "Library", OneToMany, true)
	require.NoError(t, err)
	f.settings, err = reg.DeclareConnection("Module", "Settings", OneToOne, false)
	require.NoError(t, err)
	return f
}

func (f *fixture) builder() *Builder {
	return NewSnapshot(f.reg, WithVerifyOnCommit(true)).ToBuilder()
}

func mustAdd(t *testing.T, b *Builder, data EntityData) EntityID {
	t.Helper()
	id, err := b.AddEntity(data)
	require.NoError(t, err)
	return id
}

func mustAddChild(t *testing.T, b *Builder, conn ConnectionID, parent EntityID, data EntityData) EntityID {
	t.Helper()
	id, err := b.AddChildEntity(conn, parent, data)
	require.NoError(t, err)
	return id
}

func mustCommit(t *testing.T, b *Builder) *Snapshot {
	t.Helper()
	s, err := b.ToSnapshot()
	require.NoError(t, err)
	return s
}

func childIDs(s EntityStorage, conn ConnectionID, parent EntityID) []EntityID {
	var out []EntityID
	for e := range s.ManyChildren(conn, parent) {
		out = append(out, e.ID())
	}
	return out
}

func entityIDs(s EntityStorage, kind Kind) []EntityID {
	var out []EntityID
	for e := range s.Entities(kind) {
		out = append(out, e.ID())
	}
	return out
}

func dataOf(s EntityStorage, kind Kind) []EntityData {
	var out []EntityData
	for e := range s.Entities(kind) {
		out = append(out, e.Data())
	}
	return slices.Clip(out)
}
