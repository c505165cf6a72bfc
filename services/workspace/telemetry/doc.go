// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package telemetry bootstraps OpenTelemetry for the workspace tools.
//
// The storage and workspace packages use the OTel API directly through
// otel.Tracer and otel.Meter. Until Init runs those resolve to no-op
// providers, so library users pay nothing for instrumentation they never
// configure.
//
// # Exporters
//
//   - traces: "otlp" (gRPC), "stdout", "none"
//   - metrics: "prometheus", "stdout", "none"
//
// Prometheus counters registered with promauto live in the default
// registry next to the OTel Prometheus exporter, so one /metrics handler
// or one WriteMetrics call covers both.
//
// # Usage
//
//	shutdown, err := telemetry.Init(ctx, cfg)
//	if err != nil {
//	    return fmt.Errorf("init telemetry: %w", err)
//	}
//	defer shutdown(context.Background())
//
// # Thread Safety
//
// Init should be called once at startup. Every other exported function is
// safe for concurrent use.
package telemetry
