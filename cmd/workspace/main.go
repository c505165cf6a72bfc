// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command workspace exercises the workspace entity storage.
//
// It builds synthetic projects through the workspace model, reads them from
// concurrent goroutines and merges builders prepared off the write lock.
//
// Usage:
//
//	go run ./cmd/workspace simulate --modules 500 --roots 2 --readers 16
//	go run ./cmd/workspace merge --modules 50 --output machine
//
// With telemetry:
//
//	go run ./cmd/workspace simulate --trace stdout --dump-metrics
//	go run ./cmd/workspace simulate --modules 20000 --metrics-addr :9464
//	OTEL_TRACES_EXPORTER=otlp OTEL_EXPORTER_OTLP_ENDPOINT=localhost:4317 go run ./cmd/workspace simulate
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
)

// version is overridden at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := execute(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}
