// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package model defines the sample project-model entity kinds stored in a
// workspace: modules, their content roots, source roots, excluded URLs and
// module-level libraries.
//
// The kinds are plain value records. Callers mutate them only through
// storage.Modify, which hands the updater a private copy.
package model

import (
	"fmt"

	"github.com/AleutianAI/WorkspaceStore/pkg/validation"
	"github.com/AleutianAI/WorkspaceStore/services/workspace/storage"
)

// Kind names.
const (
	KindModule      storage.Kind = "Module"
	KindContentRoot storage.Kind = "ContentRoot"
	KindSourceRoot  storage.Kind = "SourceRoot"
	KindExcludeURL  storage.Kind = "ExcludeURL"
	KindLibrary     storage.Kind = "Library"
)

// ModuleFileKey names the external mapping from a module to the path of the
// file that declares it.
var ModuleFileKey = storage.NewMappingKey[string]("module.file")

// -----------------------------------------------------------------------------
// Entity kinds
// -----------------------------------------------------------------------------

// Module is a named unit of the project.
type Module struct {
	Name   string
	Type   string
	Origin storage.EntitySource
}

func (Module) Kind() storage.Kind { return KindModule }
func (m Module) Source() storage.EntitySource { return m.Origin }
func (m Module) SymbolicID() string { return ModuleSymbol(m.Name) }

// ModuleSymbol returns the symbolic id under which a module is resolvable.
func ModuleSymbol(name string) string { return "module:" + name }

// ContentRoot is a directory owned by a module.
type ContentRoot struct {
	URL    string
	Origin storage.EntitySource
}

func (ContentRoot) Kind() storage.Kind { return KindContentRoot }
func (c ContentRoot) Source() storage.EntitySource { return c.Origin }

// SourceRoot is a source directory inside a content root.
type SourceRoot struct {
	URL      string
	RootType string
	Origin   storage.EntitySource
}

func (SourceRoot) Kind() storage.Kind { return KindSourceRoot }
func (s SourceRoot) Source() storage.EntitySource { return s.Origin }

// ExcludeURL is a path excluded from a content root. An exclusion whose root
// goes away survives detached.
type ExcludeURL struct {
	URL    string
	Origin storage.EntitySource
}

func (ExcludeURL) Kind() storage.Kind { return KindExcludeURL }
func (e ExcludeURL) Source() storage.EntitySource { return e.Origin }

// Library is a module-level dependency.
type Library struct {
	Name    string
	Version string
	Origin  storage.EntitySource
}

func (Library) Kind() storage.Kind { return KindLibrary }
func (l Library) Source() storage.EntitySource { return l.Origin }
func (l Library) SymbolicID() string { return LibrarySymbol(l.Name) }

// LibrarySymbol returns the symbolic id under which a library is resolvable.
func LibrarySymbol(name string) string { return "library:" + name }

// -----------------------------------------------------------------------------
// Connections
// -----------------------------------------------------------------------------

// Connections holds the declared relations between the sample kinds.
type Connections struct {
	// ContentRoots links Module -> ContentRoot (one-to-many, required).
	ContentRoots storage.ConnectionID

	// SourceRoots links ContentRoot -> SourceRoot (one-to-many, required).
	SourceRoots storage.ConnectionID

	// Excludes links ContentRoot -> ExcludeURL (one-to-many, nullable).
	Excludes storage.ConnectionID

	// Libraries links Module -> Library (one-to-many, nullable).
	Libraries storage.ConnectionID
}

// Declare registers the sample kinds and their connections on reg.
//
// Description:
//
//	Registering is idempotent for kinds, but each call declares fresh
//	connection ids; call it once per registry.
//
// Inputs:
//   - reg: The registry to declare on. Must not be nil.
//
// Outputs:
//   - Connections: The declared connection ids.
//   - error: Non-nil if any declaration fails.
func Declare(reg *storage.Registry) (Connections, error) {
	var c Connections
	decls := []struct {
		dst      *storage.ConnectionID
		parent   storage.Kind
		child    storage.Kind
		nullable bool
	}{
		{&c.ContentRoots, KindModule, KindContentRoot, false},
		{&c.SourceRoots, KindContentRoot, KindSourceRoot, false},
		{&c.Excludes, KindContentRoot, KindExcludeURL, true},
		{&c.Libraries, KindModule, KindLibrary, true},
	}
	for _, d := range decls {
		conn, err := reg.DeclareConnection(d.parent, d.child, storage.OneToMany, d.nullable)
		if err != nil {
			return Connections{}, fmt.Errorf("declare %s -> %s: %w", d.parent, d.child, err)
		}
		*d.dst = conn
	}
	return c, nil
}

// ModuleSpec describes a module to add with AddModule.
type ModuleSpec struct {
	Name      string
	Origin    storage.EntitySource
	Roots     []string
	Sources   []string // source root suffixes added under every content root
	Excludes  []string // exclusion suffixes added under every content root
	Libraries []string
	File      string // recorded in ModuleFileKey when non-empty
}

// AddModule adds a module together with its roots, exclusions and libraries.
// A library that already exists under the same name is re-parented.
//
// Outputs:
//   - storage.EntityID: The module id.
//   - error: validation.ErrInvalidName or validation.ErrInvalidURL for a
//     malformed spec, before anything is written. Otherwise non-nil if any
//     write fails; the builder may then hold a partial module.
func AddModule(b *storage.Builder, c Connections, spec ModuleSpec) (storage.EntityID, error) {
	if err := validateSpec(spec); err != nil {
		return storage.NoEntity, fmt.Errorf("add module: %w", err)
	}
	mod, err := b.AddEntity(Module{Name: spec.Name, Type: "JAVA_MODULE", Origin: spec.Origin})
	if err != nil {
		return storage.NoEntity, err
	}
	for _, url := range spec.Roots {
		root, err := b.AddChildEntity(c.ContentRoots, mod, ContentRoot{URL: url, Origin: spec.Origin})
		if err != nil {
			return storage.NoEntity, err
		}
		for _, src := range spec.Sources {
			sr := SourceRoot{URL: url + "/" + src, RootType: "java-source", Origin: spec.Origin}
			if _, err := b.AddChildEntity(c.SourceRoots, root, sr); err != nil {
				return storage.NoEntity, err
			}
		}
		for _, ex := range spec.Excludes {
			if _, err := b.AddChildEntity(c.Excludes, root, ExcludeURL{URL: url + "/" + ex, Origin: spec.Origin}); err != nil {
				return storage.NoEntity, err
			}
		}
	}
	for _, name := range spec.Libraries {
		lib := b.Resolve(LibrarySymbol(name))
		if lib == nil {
			id, err := b.AddEntity(Library{Name: name, Origin: spec.Origin})
			if err != nil {
				return storage.NoEntity, err
			}
			lib = b.EntityByID(id)
		}
		if err := b.AddChild(c.Libraries, mod, lib.ID()); err != nil {
			return storage.NoEntity, err
		}
	}
	if spec.File != "" {
		if err := storage.MutableMapping(b, ModuleFileKey).Add(mod, spec.File); err != nil {
			return storage.NoEntity, err
		}
	}
	return mod, nil
}

func validateSpec(spec ModuleSpec) error {
	if err := validation.ValidateName(spec.Name); err != nil {
		return err
	}
	for _, url := range spec.Roots {
		if err := validation.ValidateRootURL(url); err != nil {
			return err
		}
	}
	return validation.ValidateNames(spec.Libraries)
}
