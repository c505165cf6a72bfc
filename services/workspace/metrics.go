// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package workspace

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var (
	tracer = otel.Tracer("aleutian.workspace")
	meter  = otel.Meter("aleutian.workspace")
)

// update outcomes, used as the "outcome" label.
const (
	outcomeCommitted = "committed"
	outcomeNoop      = "noop"
	outcomeError     = "error"
)

// =============================================================================
// Prometheus Metrics
// =============================================================================

var updatesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "workspace_model_updates_total",
	Help: "Workspace model updates by outcome",
}, []string{"outcome"})

// =============================================================================
// OTel Metrics
// =============================================================================

var (
	updateLatency metric.Float64Histogram

	metricsOnce sync.Once
	metricsErr  error
)

func initMetrics() error {
	metricsOnce.Do(func() {
		updateLatency, metricsErr = meter.Float64Histogram(
			"workspace_model_update_duration_seconds",
			metric.WithDescription("Duration of workspace model updates"),
			metric.WithUnit("s"),
		)
	})
	return metricsErr
}

func recordUpdate(ctx context.Context, outcome string, duration time.Duration) {
	updatesTotal.WithLabelValues(outcome).Inc()
	if err := initMetrics(); err != nil {
		return
	}
	updateLatency.Record(ctx, duration.Seconds(),
		metric.WithAttributes(attribute.String("outcome", outcome)))
}
