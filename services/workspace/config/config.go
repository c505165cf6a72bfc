// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config provides configuration loading for the workspace tools.
//
// Configuration is layered: embedded defaults, then an optional YAML file,
// then environment variables.
//
// Thread Safety:
//
//	Config values are plain data; safe to read concurrently once loaded.
package config

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/WorkspaceStore/pkg/logging"
)

// =============================================================================
// Constants
// =============================================================================

const (
	// MaxYAMLFileSize is the maximum allowed config file size (1MB).
	MaxYAMLFileSize = 1024 * 1024

	// MaxFacadeCacheSize bounds the per-snapshot façade cache.
	MaxFacadeCacheSize = 1 << 20
)

//go:embed defaults.yaml
var defaultYAML []byte

// ErrConfigTooLarge is returned when a config file exceeds MaxYAMLFileSize.
var ErrConfigTooLarge = errors.New("config file too large")

// =============================================================================
// Types
// =============================================================================

// Config is the root configuration.
type Config struct {
	Logging   LoggingConfig   `yaml:"logging"`
	Storage   StorageConfig   `yaml:"storage"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Simulate  SimulateConfig  `yaml:"simulate"`
}

// LoggingConfig configures pkg/logging.
type LoggingConfig struct {
	Level   string `yaml:"level"`
	JSON    bool   `yaml:"json"`
	Dir     string `yaml:"dir"`
	Service string `yaml:"service"`
}

// StorageConfig configures snapshots created by the workspace model.
type StorageConfig struct {
	// FacadeCacheSize is the per-snapshot façade cache capacity.
	FacadeCacheSize int `yaml:"facade_cache_size"`

	// VerifyOnCommit runs a full consistency check on every commit.
	VerifyOnCommit bool `yaml:"verify_on_commit"`
}

// TelemetryConfig selects OpenTelemetry exporters.
type TelemetryConfig struct {
	ServiceName    string `yaml:"service_name"`
	Environment    string `yaml:"environment"`
	TraceExporter  string `yaml:"trace_exporter"`
	MetricExporter string `yaml:"metric_exporter"`
	OTLPEndpoint   string `yaml:"otlp_endpoint"`
	OTLPInsecure   bool   `yaml:"otlp_insecure"`
}

// SimulateConfig holds the demo CLI's default sizes.
type SimulateConfig struct {
	Modules        int    `yaml:"modules"`
	RootsPerModule int    `yaml:"roots_per_module"`
	Readers        int    `yaml:"readers"`
	Output         string `yaml:"output"`
}

// =============================================================================
// Loading
// =============================================================================

// Default returns the embedded default configuration.
//
// Panics if the embedded defaults do not parse, which is a build defect.
func Default() Config {
	var c Config
	if err := yaml.Unmarshal(defaultYAML, &c); err != nil {
		panic(fmt.Sprintf("config: embedded defaults: %v", err))
	}
	return c
}

// Load builds the configuration with priority env > file > defaults.
//
// Description:
//
//	Starts from the embedded defaults, overlays the YAML file at path (if
//	path is non-empty), applies WORKSPACE_* environment overrides and
//	validates the result.
//
// Inputs:
//   - path: Path to a YAML config file. Empty means defaults only. A file
//     that does not exist is an error, unlike an empty path.
//
// Outputs:
//   - Config: The merged configuration.
//   - error: Non-nil if the file cannot be read or parsed, or validation fails.
func Load(path string) (Config, error) {
	c := Default()
	if path != "" {
		data, err := readBounded(path)
		if err != nil {
			return c, fmt.Errorf("load config: %w", err)
		}
		if err := yaml.Unmarshal(data, &c); err != nil {
			return c, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	applyEnv(&c)
	if err := c.Validate(); err != nil {
		return c, fmt.Errorf("invalid config: %w", err)
	}
	return c, nil
}

func readBounded(path string) ([]byte, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolving path: %w", err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("stat file: %w", err)
	}
	if info.Size() > MaxYAMLFileSize {
		return nil, fmt.Errorf("%w: %d bytes (max %d)", ErrConfigTooLarge, info.Size(), MaxYAMLFileSize)
	}
	return os.ReadFile(abs)
}

func applyEnv(c *Config) {
	if v := os.Getenv("WORKSPACE_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("WORKSPACE_LOG_DIR"); v != "" {
		c.Logging.Dir = v
	}
	if v := os.Getenv("WORKSPACE_VERIFY_ON_COMMIT"); v != "" {
		c.Storage.VerifyOnCommit = v == "true" || v == "1"
	}
	if v := os.Getenv("WORKSPACE_FACADE_CACHE_SIZE"); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			c.Storage.FacadeCacheSize = i
		}
	}
	if v := os.Getenv("OTEL_TRACES_EXPORTER"); v != "" {
		c.Telemetry.TraceExporter = v
	}
	if v := os.Getenv("OTEL_METRICS_EXPORTER"); v != "" {
		c.Telemetry.MetricExporter = v
	}
	if v := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); v != "" {
		c.Telemetry.OTLPEndpoint = v
	}
}

// Validate checks that the configuration is usable.
//
// Outputs:
//   - error: Non-nil describing the first invalid field.
func (c Config) Validate() error {
	if _, err := logging.ParseLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("logging.level: %w", err)
	}
	if c.Storage.FacadeCacheSize < 0 || c.Storage.FacadeCacheSize > MaxFacadeCacheSize {
		return fmt.Errorf("storage.facade_cache_size must be between 0 and %d", MaxFacadeCacheSize)
	}
	switch c.Telemetry.TraceExporter {
	case "none", "stdout", "otlp":
	default:
		return fmt.Errorf("telemetry.trace_exporter: unknown exporter %q", c.Telemetry.TraceExporter)
	}
	switch c.Telemetry.MetricExporter {
	case "none", "stdout", "prometheus":
	default:
		return fmt.Errorf("telemetry.metric_exporter: unknown exporter %q", c.Telemetry.MetricExporter)
	}
	if c.Simulate.Modules < 1 {
		return fmt.Errorf("simulate.modules must be >= 1")
	}
	if c.Simulate.RootsPerModule < 1 {
		return fmt.Errorf("simulate.roots_per_module must be >= 1")
	}
	if c.Simulate.Readers < 1 {
		return fmt.Errorf("simulate.readers must be >= 1")
	}
	return nil
}

// LoggerConfig converts the logging section to a pkg/logging config.
// The level must have passed Validate.
func (c LoggingConfig) LoggerConfig() logging.Config {
	level, _ := logging.ParseLevel(c.Level)
	return logging.Config{
		Level:   level,
		JSON:    c.JSON,
		LogDir:  c.Dir,
		Service: c.Service,
	}
}
