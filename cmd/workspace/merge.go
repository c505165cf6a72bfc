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
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/AleutianAI/WorkspaceStore/pkg/ux"
	"github.com/AleutianAI/WorkspaceStore/services/workspace"
	"github.com/AleutianAI/WorkspaceStore/services/workspace/model"
	"github.com/AleutianAI/WorkspaceStore/services/workspace/storage"
)

const mergeDroppedMetric = "workspace_storage_merge_dropped_total"

type mergeReport struct {
	Seeded      int
	Generated   int
	Replaced    int
	Modules     int
	MappingSize int
	Dropped     int
	Version     uint64
	Duration    time.Duration
}

func newMergeCmd(a *app) *cobra.Command {
	var modules int
	cmd := &cobra.Command{
		Use:   "merge",
		Short: "Merge a background builder into the workspace model",
		Long: `Seeds the model, prepares a second builder from the seeded snapshot that
adds modules and rewrites the module file mapping, removes a module in the
foreground, and then merges the background builder with AddDiff.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !cmd.Flags().Changed("modules") {
				modules = a.cfg.Simulate.Modules
			}
			if modules < 2 {
				return fmt.Errorf("--modules must be >= 2")
			}
			m, conns, err := a.newModel()
			if err != nil {
				return err
			}
			a.printer.Title("Builder merge")
			var report mergeReport
			err = a.printer.WithSpinner("Merging background builder", func() error {
				var err error
				report, err = runMerge(cmd.Context(), m, conns, modules, a.gatherer)
				return err
			})
			if err != nil {
				return err
			}
			a.printMerge(report)
			return nil
		},
	}
	cmd.Flags().IntVar(&modules, "modules", 0, "number of modules to seed")
	return cmd
}

// runMerge seeds m with modules, edits a background builder and the model
// concurrently, then applies the background builder.
func runMerge(ctx context.Context, m *workspace.Model, conns model.Connections, modules int, g prometheus.Gatherer) (mergeReport, error) {
	start := time.Now()
	report := mergeReport{Seeded: modules, Generated: modules / 2}

	if _, err := m.Update(ctx, "seed", func(b *storage.Builder) error {
		for i := 0; i < modules; i++ {
			if _, err := model.AddModule(b, conns, moduleSpec(i, 1)); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		return report, err
	}

	background := m.Current().ToBuilder()
	files := storage.MutableMapping(background, model.ModuleFileKey)
	for mod := range background.Entities(model.KindModule) {
		data, _ := storage.DataAs[model.Module](mod)
		if err := files.Add(mod.ID(), fmt.Sprintf("/index/%s.mod", data.Name)); err != nil {
			return report, err
		}
	}
	for i := 0; i < report.Generated; i++ {
		if _, err := model.AddModule(background, conns, moduleSpec(modules+i, 1)); err != nil {
			return report, err
		}
	}

	if _, err := m.Update(ctx, "remove first module", func(b *storage.Builder) error {
		first := b.Resolve(model.ModuleSymbol(moduleSpec(0, 1).Name))
		if first == nil {
			return fmt.Errorf("seeded module missing")
		}
		_, err := b.RemoveEntity(first.ID())
		return err
	}); err != nil {
		return report, err
	}

	droppedBefore, err := counterValue(g, mergeDroppedMetric)
	if err != nil {
		return report, err
	}
	res, err := m.ApplyBuilder(ctx, "apply background", background)
	if err != nil {
		return report, err
	}
	droppedAfter, err := counterValue(g, mergeDroppedMetric)
	if err != nil {
		return report, err
	}

	s := m.Current()
	report.Replaced = len(res.Replaced)
	report.Modules = s.EntityCount(model.KindModule)
	report.MappingSize = storage.Mapping(s, model.ModuleFileKey).Size()
	report.Dropped = int(droppedAfter - droppedBefore)
	report.Version = s.Version()
	report.Duration = time.Since(start)
	return report, nil
}

// counterValue sums every series of the named counter family in g.
// A family that is not registered reads as zero.
func counterValue(g prometheus.Gatherer, name string) (float64, error) {
	families, err := g.Gather()
	if err != nil {
		return 0, fmt.Errorf("gather metrics: %w", err)
	}
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		var sum float64
		for _, metric := range mf.GetMetric() {
			sum += metric.GetCounter().GetValue()
		}
		return sum, nil
	}
	return 0, nil
}

func (a *app) printMerge(r mergeReport) {
	a.printer.Table("Merge", []ux.KV{
		{Key: "Modules seeded", Value: r.Seeded},
		{Key: "Modules generated", Value: r.Generated},
		{Key: "Entities replaced", Value: r.Replaced},
		{Key: "Modules after merge", Value: r.Modules},
		{Key: "Mapping size", Value: r.MappingSize},
		{Key: "Dropped operations", Value: r.Dropped},
		{Key: "Version", Value: r.Version},
		{Key: "Duration", Value: r.Duration.Round(time.Millisecond)},
	})
	if r.Dropped > 0 {
		a.printer.Warning(fmt.Sprintf("%d replayed operations targeted removed entities", r.Dropped))
		return
	}
	a.printer.Success("all background edits applied")
}
