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
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Package-level tracer and meter for storage operations.
var (
	tracer = otel.Tracer("aleutian.workspace.storage")
	meter  = otel.Meter("aleutian.workspace.storage")
)

// =============================================================================
// Prometheus Metrics
// =============================================================================

var (
	commitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "workspace_storage_commits_total",
		Help: "Total builders committed into snapshots",
	})

	commitDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "workspace_storage_commit_duration_seconds",
		Help:    "Duration of Builder.ToSnapshot",
		Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
	})

	entityChangesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "workspace_storage_entity_changes_total",
		Help: "Committed entity changes by kind and change type",
	}, []string{"kind", "change"})

	cascadeRemovedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "workspace_storage_cascade_removed_total",
		Help: "Entities removed because a required parent was removed, by root kind",
	}, []string{"kind"})

	mergesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "workspace_storage_merges_total",
		Help: "Total AddDiff merges",
	})

	mergeDroppedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "workspace_storage_merge_dropped_total",
		Help: "Replayed operations dropped because their entity did not survive a merge",
	})
)

// =============================================================================
// OTel Metrics
// =============================================================================

var (
	mergeLatency  metric.Float64Histogram
	mergeReplaced metric.Int64Histogram

	metricsOnce sync.Once
	metricsErr  error
)

// initMetrics initializes the OTel instruments. Safe to call multiple times.
func initMetrics() error {
	metricsOnce.Do(func() {
		var err error

		mergeLatency, err = meter.Float64Histogram(
			"workspace_storage_merge_duration_seconds",
			metric.WithDescription("Duration of AddDiff merges"),
			metric.WithUnit("s"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		mergeReplaced, err = meter.Int64Histogram(
			"workspace_storage_merge_replaced_ids",
			metric.WithDescription("Entity ids translated per merge"),
		)
		if err != nil {
			metricsErr = err
			return
		}
	})
	return metricsErr
}

func recordCommit(reg *Registry, duration time.Duration, changes *changeLog) {
	commitsTotal.Inc()
	commitDuration.Observe(duration.Seconds())
	for id, rec := range changes.records {
		entityChangesTotal.WithLabelValues(string(reg.KindOf(id.TypeID())), rec.Type.String()).Inc()
	}
}

func recordRemoval(kind Kind, cascaded int) {
	if cascaded > 0 {
		cascadeRemovedTotal.WithLabelValues(string(kind)).Add(float64(cascaded))
	}
}

func recordMerge(ctx context.Context, duration time.Duration, replaced, dropped int) {
	mergesTotal.Inc()
	if dropped > 0 {
		mergeDroppedTotal.Add(float64(dropped))
	}
	if err := initMetrics(); err != nil {
		return
	}
	mergeLatency.Record(ctx, duration.Seconds())
	mergeReplaced.Record(ctx, int64(replaced))
}

// startMergeSpan creates a span for an AddDiff merge.
func startMergeSpan(ctx context.Context, changeCount int) (context.Context, trace.Span) {
	return tracer.Start(ctx, "Builder.AddDiff",
		trace.WithAttributes(
			attribute.Int("storage.merge.change_count", changeCount),
		),
	)
}

// setMergeSpanResult sets the result attributes on a merge span.
func setMergeSpanResult(span trace.Span, replaced, dropped int) {
	span.SetAttributes(
		attribute.Int("storage.merge.replaced", replaced),
		attribute.Int("storage.merge.dropped", dropped),
	)
}
