// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync/atomic"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/WorkspaceStore/pkg/ux"
	"github.com/AleutianAI/WorkspaceStore/services/workspace"
	"github.com/AleutianAI/WorkspaceStore/services/workspace/model"
	"github.com/AleutianAI/WorkspaceStore/services/workspace/storage"
)

// sharedLibraries bounds the library pool modules draw from.
const sharedLibraries = 10

type simulateOptions struct {
	modules int
	roots   int
	readers int
}

type simulateReport struct {
	Modules      int
	Readers      int
	Entities     int
	Removed      int
	Remaining    int
	Reads        int64
	Versions     []uint64
	Events       int
	CacheHitRate float64
	Duration     time.Duration
}

func newSimulateCmd(a *app) *cobra.Command {
	var opts simulateOptions
	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Build a synthetic workspace and read it concurrently",
		Long: `Adds modules with content roots, source roots, exclusions and shared
libraries in one update, verifies the result from concurrent readers while
every other module is removed, and prints a change summary.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !cmd.Flags().Changed("modules") {
				opts.modules = a.cfg.Simulate.Modules
			}
			if !cmd.Flags().Changed("roots") {
				opts.roots = a.cfg.Simulate.RootsPerModule
			}
			if !cmd.Flags().Changed("readers") {
				opts.readers = a.cfg.Simulate.Readers
			}
			if opts.modules < 1 || opts.roots < 1 || opts.readers < 1 {
				return fmt.Errorf("--modules, --roots and --readers must be >= 1")
			}

			m, conns, err := a.newModel()
			if err != nil {
				return err
			}
			a.printer.Title("Workspace simulation")
			var report simulateReport
			err = a.printer.WithSpinner(fmt.Sprintf("Simulating %d modules", opts.modules), func() error {
				var err error
				report, err = runSimulate(cmd.Context(), m, conns, opts)
				return err
			})
			if err != nil {
				return err
			}
			a.printSimulate(report)
			return nil
		},
	}
	cmd.Flags().IntVar(&opts.modules, "modules", 0, "number of modules to create")
	cmd.Flags().IntVar(&opts.roots, "roots", 0, "content roots per module")
	cmd.Flags().IntVar(&opts.readers, "readers", 0, "concurrent reader goroutines")
	return cmd
}

func moduleSpec(i, roots int) model.ModuleSpec {
	name := fmt.Sprintf("module-%04d", i)
	spec := model.ModuleSpec{
		Name:      name,
		Origin:    "simulate",
		Sources:   []string{"src/main/go"},
		Excludes:  []string{"build"},
		Libraries: []string{fmt.Sprintf("lib-%02d", i%sharedLibraries)},
		File:      fmt.Sprintf("/workspace/%s/%s.mod", name, name),
	}
	for r := 0; r < roots; r++ {
		spec.Roots = append(spec.Roots, fmt.Sprintf("file:///workspace/%s/root-%d", name, r))
	}
	return spec
}

// runSimulate populates m, then removes every other module while readers
// check that each snapshot they observe is internally consistent.
func runSimulate(ctx context.Context, m *workspace.Model, conns model.Connections, opts simulateOptions) (simulateReport, error) {
	start := time.Now()
	report := simulateReport{Modules: opts.modules, Readers: opts.readers}

	unsubscribe := m.Subscribe(workspace.ListenerFuncs{
		After: func(ctx context.Context, e workspace.ChangeEvent) {
			report.Events++
			report.Versions = append(report.Versions, e.After.Version())
			slog.DebugContext(ctx, "workspace changed",
				slog.String("description", e.Description),
				slog.Int("added", e.Changes.Count(storage.ChangeAdded)),
				slog.Int("removed", e.Changes.Count(storage.ChangeRemoved)),
			)
		},
	})
	defer unsubscribe()

	res, err := m.Update(ctx, "populate", func(b *storage.Builder) error {
		for i := 0; i < opts.modules; i++ {
			if _, err := model.AddModule(b, conns, moduleSpec(i, opts.roots)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return report, err
	}
	report.Entities = res.Changes.Count(storage.ChangeAdded)

	var reads atomic.Int64
	done := make(chan struct{})
	g, gctx := errgroup.WithContext(ctx)
	for r := 0; r < opts.readers; r++ {
		g.Go(func() error {
			for {
				if err := verifySnapshot(m.Current(), conns, opts.roots); err != nil {
					return err
				}
				reads.Add(1)
				select {
				case <-done:
					return nil
				case <-gctx.Done():
					return gctx.Err()
				default:
				}
			}
		})
	}
	g.Go(func() error {
		defer close(done)
		res, err := m.Update(gctx, "remove odd modules", func(b *storage.Builder) error {
			mods := slices.Collect(b.Entities(model.KindModule))
			for i := 1; i < len(mods); i += 2 {
				if _, err := b.RemoveEntity(mods[i].ID()); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return err
		}
		report.Removed = res.Changes.Count(storage.ChangeRemoved)
		return nil
	})
	if err := g.Wait(); err != nil {
		return report, err
	}

	final := m.Current()
	if err := final.CheckConsistency(); err != nil {
		return report, err
	}
	report.Remaining = final.EntityCount(model.KindModule)
	report.Reads = reads.Load()
	report.CacheHitRate = final.CacheStats().HitRate()
	report.Duration = time.Since(start)
	return report, nil
}

// verifySnapshot walks every module of s and checks the tree shape.
func verifySnapshot(s *storage.Snapshot, conns model.Connections, roots int) error {
	for mod := range s.Entities(model.KindModule) {
		n := 0
		for root := range mod.Children(conns.ContentRoots) {
			n++
			for src := range root.Children(conns.SourceRoots) {
				if p := src.Parent(conns.SourceRoots); p == nil || p.ID() != root.ID() {
					return fmt.Errorf("v%d: source root %s has wrong parent", s.Version(), src.ID())
				}
			}
		}
		if n != roots {
			return fmt.Errorf("v%d: module %s has %d content roots, want %d", s.Version(), mod.ID(), n, roots)
		}
	}
	return nil
}

func (a *app) printSimulate(r simulateReport) {
	a.printer.Table("Summary", []ux.KV{
		{Key: "Modules created", Value: r.Modules},
		{Key: "Entities added", Value: r.Entities},
		{Key: "Entities removed", Value: r.Removed},
		{Key: "Modules remaining", Value: r.Remaining},
		{Key: "Snapshot reads", Value: r.Reads},
		{Key: "Commits observed", Value: r.Events},
		{Key: "Facade hit rate", Value: fmt.Sprintf("%.2f", r.CacheHitRate)},
		{Key: "Duration", Value: r.Duration.Round(time.Millisecond)},
	})
	a.printer.Success(fmt.Sprintf("%d readers saw only consistent snapshots", r.Readers))
}
