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
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/AleutianAI/WorkspaceStore/pkg/logging"
	"github.com/AleutianAI/WorkspaceStore/pkg/ux"
	"github.com/AleutianAI/WorkspaceStore/services/workspace"
	"github.com/AleutianAI/WorkspaceStore/services/workspace/config"
	"github.com/AleutianAI/WorkspaceStore/services/workspace/model"
	"github.com/AleutianAI/WorkspaceStore/services/workspace/storage"
	"github.com/AleutianAI/WorkspaceStore/services/workspace/telemetry"
)

// app holds the state shared by every subcommand. It is populated by the
// root command's PersistentPreRunE and released by close.
type app struct {
	stdout io.Writer
	stderr io.Writer

	// flags
	configPath  string
	logLevel    string
	traceExp    string
	output      string
	dumpMetrics bool
	metricsAddr string

	cfg           config.Config
	logger        *logging.Logger
	printer       *ux.Printer
	shutdown      func(context.Context) error
	gatherer      prometheus.Gatherer
	metricsServer *http.Server
	metricsURL    string
}

// execute runs the CLI with args and returns the process exit code.
func execute(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	a := &app{stdout: stdout, stderr: stderr, gatherer: prometheus.DefaultGatherer}
	root := newRootCmd(a)
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)

	err := root.ExecuteContext(ctx)
	if cerr := a.close(context.WithoutCancel(ctx)); cerr != nil {
		fmt.Fprintf(stderr, "shutdown: %v\n", cerr)
	}
	if err != nil {
		if a.printer != nil {
			a.printer.Error(err.Error())
		} else {
			fmt.Fprintf(stderr, "Error: %v\n", err)
		}
		return 1
	}
	return 0
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:           "workspace",
		Short:         "Exercise the versioned workspace entity storage",
		Long:          `Builds synthetic workspaces through the workspace model, reads them concurrently and merges builders prepared in the background.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.setup(cmd.Context())
		},
		PersistentPostRunE: func(_ *cobra.Command, _ []string) error {
			if !a.dumpMetrics {
				return nil
			}
			return telemetry.WriteMetrics(a.stdout, a.gatherer)
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&a.configPath, "config", "", "path to a YAML config file layered over the defaults")
	flags.StringVar(&a.logLevel, "log-level", "", "log level: debug, info, warn, error")
	flags.StringVar(&a.traceExp, "trace", "", "trace exporter: none, stdout, otlp")
	flags.StringVar(&a.output, "output", "", "output mode: styled, minimal, machine")
	flags.BoolVar(&a.dumpMetrics, "dump-metrics", false, "print Prometheus metrics on exit")
	flags.StringVar(&a.metricsAddr, "metrics-addr", "", "serve Prometheus metrics at this address while the command runs")

	root.AddCommand(newSimulateCmd(a), newMergeCmd(a))
	return root
}

// setup loads the configuration and starts logging and telemetry.
func (a *app) setup(ctx context.Context) error {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return err
	}
	if a.logLevel != "" {
		cfg.Logging.Level = a.logLevel
	}
	if a.traceExp != "" {
		cfg.Telemetry.TraceExporter = a.traceExp
	}
	if a.output != "" {
		cfg.Simulate.Output = a.output
	}
	if a.metricsAddr != "" {
		cfg.Telemetry.MetricExporter = "prometheus"
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid flags: %w", err)
	}
	a.cfg = cfg

	lc := cfg.Logging.LoggerConfig()
	lc.Writer = a.stderr
	a.logger = logging.New(lc)
	slog.SetDefault(a.logger.Slog())
	a.printer = ux.NewPrinter(a.stdout, ux.ForWriter(a.stdout, ux.ParseMode(cfg.Simulate.Output)))

	tc := telemetry.FromConfig(cfg.Telemetry, version)
	tc.Output = a.stderr
	shutdown, err := telemetry.Init(ctx, tc)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	a.shutdown = shutdown
	if a.metricsAddr != "" {
		if err := a.serveMetrics(); err != nil {
			return err
		}
	}

	a.logger.Debug("configuration loaded",
		slog.String("config", a.configPath),
		slog.String("trace_exporter", cfg.Telemetry.TraceExporter),
		slog.String("metric_exporter", cfg.Telemetry.MetricExporter),
	)
	return nil
}

// newModel creates a workspace model with the sample kinds declared.
func (a *app) newModel() (*workspace.Model, model.Connections, error) {
	reg := storage.NewRegistry()
	conns, err := model.Declare(reg)
	if err != nil {
		return nil, model.Connections{}, err
	}
	m := workspace.New(a.cfg.Storage, reg, workspace.WithLogger(a.logger.Slog()))
	return m, conns, nil
}

// serveMetrics exposes the Prometheus handler at /metrics on --metrics-addr
// until close.
func (a *app) serveMetrics() error {
	handler := telemetry.MetricsHandler()
	if handler == nil {
		return fmt.Errorf("serve metrics: prometheus exporter not initialized")
	}
	ln, err := net.Listen("tcp", a.metricsAddr)
	if err != nil {
		return fmt.Errorf("serve metrics: %w", err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", handler)
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	a.metricsServer = srv
	a.metricsURL = "http://" + ln.Addr().String() + "/metrics"

	logger := a.logger
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server stopped", slog.String("error", err.Error()))
		}
	}()
	a.logger.Info("serving metrics", slog.String("url", a.metricsURL))
	return nil
}

func (a *app) close(ctx context.Context) error {
	var errs []error
	if a.metricsServer != nil {
		errs = append(errs, a.metricsServer.Shutdown(ctx))
		a.metricsServer = nil
	}
	if a.shutdown != nil {
		errs = append(errs, a.shutdown(ctx))
		a.shutdown = nil
	}
	if a.logger != nil {
		errs = append(errs, a.logger.Close())
	}
	return errors.Join(errs...)
}
