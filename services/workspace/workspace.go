// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package workspace owns the current project model of a workspace.
//
// A Model holds the current immutable storage.Snapshot and serializes every
// write through Update:
//
//	┌──────────┐  Update(fn)   ┌──────────────┐  ToSnapshot  ┌──────────┐
//	│ Snapshot │ ───────────▶ │   Builder    │ ───────────▶ │ Snapshot │
//	│  (n)     │  ToBuilder    │  fn(builder) │              │  (n+1)   │
//	└──────────┘               └──────────────┘              └──────────┘
//	                                                              │
//	                        BeforeChanged / swap / Changed  ◀─────┘
//
// Readers call Current and keep the snapshot for as long as they need a
// consistent view; they never block writers.
package workspace

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/WorkspaceStore/services/workspace/config"
	"github.com/AleutianAI/WorkspaceStore/services/workspace/storage"
	"github.com/AleutianAI/WorkspaceStore/services/workspace/telemetry"
)

// -----------------------------------------------------------------------------
// Errors
// -----------------------------------------------------------------------------

var (
	// ErrNilContext is returned when a nil context is passed.
	ErrNilContext = errors.New("workspace: nil context")

	// ErrNilUpdate is returned when Update receives a nil function.
	ErrNilUpdate = errors.New("workspace: nil update function")

	// ErrUpdateFailed wraps errors returned by an update function.
	ErrUpdateFailed = errors.New("workspace: update failed")
)

// -----------------------------------------------------------------------------
// Listeners
// -----------------------------------------------------------------------------

// ChangeEvent describes one committed update.
type ChangeEvent struct {
	// UpdateID identifies the update in logs and traces.
	UpdateID uuid.UUID

	// Description is the caller-supplied label of the update.
	Description string

	// Before is the snapshot the update started from.
	Before *storage.Snapshot

	// After is the snapshot the update produced.
	After *storage.Snapshot

	// Changes holds the net entity changes, grouped per kind.
	Changes storage.ChangeSet
}

// Listener observes committed updates.
//
// Both methods run synchronously on the updating goroutine while the write
// lock is held: a listener must not call Update. BeforeChanged runs while
// Current still returns event.Before; Changed runs after the swap.
type Listener interface {
	BeforeChanged(ctx context.Context, event ChangeEvent)
	Changed(ctx context.Context, event ChangeEvent)
}

// ListenerFuncs adapts plain functions to Listener. Nil fields are skipped.
type ListenerFuncs struct {
	Before func(ctx context.Context, event ChangeEvent)
	After  func(ctx context.Context, event ChangeEvent)
}

// BeforeChanged implements Listener.
func (l ListenerFuncs) BeforeChanged(ctx context.Context, event ChangeEvent) {
	if l.Before != nil {
		l.Before(ctx, event)
	}
}

// Changed implements Listener.
func (l ListenerFuncs) Changed(ctx context.Context, event ChangeEvent) {
	if l.After != nil {
		l.After(ctx, event)
	}
}

type subscription struct {
	id       uint64
	listener Listener
}

// -----------------------------------------------------------------------------
// Model
// -----------------------------------------------------------------------------

// UpdateResult reports the outcome of an Update.
type UpdateResult struct {
	UpdateID uuid.UUID

	// Version is the version of the current snapshot after the update.
	Version uint64

	// Changed is false when the update function made no net change; no
	// snapshot was committed and no listener was notified.
	Changed bool

	// Changes holds the net entity changes.
	Changes storage.ChangeSet

	// Replaced is the id translation of ApplyBuilder, nil for Update.
	Replaced storage.ReplaceMap

	// Duration is the wall time of the update including notification.
	Duration time.Duration
}

// Model owns the current snapshot of a workspace.
//
// Thread Safety: Safe for concurrent use. Current is lock-free; Update and
// ApplyBuilder are serialized.
type Model struct {
	registry *storage.Registry
	logger   *slog.Logger

	current atomic.Pointer[storage.Snapshot]
	updates atomic.Int64

	writeMu sync.Mutex

	listenersMu sync.Mutex
	listeners   []subscription
	nextSubID   uint64
}

// Option configures a Model.
type Option func(*Model)

// WithLogger sets the base logger. The model and the snapshots it creates
// derive their component loggers from it.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Model) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// New creates a Model holding an empty snapshot of reg.
//
// Inputs:
//   - cfg: Storage settings (façade cache size, commit verification).
//   - reg: Registry of entity kinds and connections. Must not be nil.
//   - opts: Optional model settings.
//
// Outputs:
//   - *Model: Ready for use.
func New(cfg config.StorageConfig, reg *storage.Registry, opts ...Option) *Model {
	m := &Model{
		registry: reg,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	base := m.logger
	m.logger = base.With(slog.String("component", "workspace_model"))
	m.current.Store(storage.NewSnapshot(reg,
		storage.WithFacadeCacheSize(cfg.FacadeCacheSize),
		storage.WithVerifyOnCommit(cfg.VerifyOnCommit),
		storage.WithLogger(base.With(slog.String("component", "workspace_storage"))),
	))
	return m
}

// Registry returns the registry the model was created with.
func (m *Model) Registry() *storage.Registry { return m.registry }

// Current returns the current snapshot.
//
// Thread Safety: Safe for concurrent use; never blocks.
func (m *Model) Current() *storage.Snapshot { return m.current.Load() }

// Updates returns the number of committed updates.
func (m *Model) Updates() int64 { return m.updates.Load() }

// Subscribe registers l and returns a function that unregisters it.
// Listeners are notified in registration order.
func (m *Model) Subscribe(l Listener) (unsubscribe func()) {
	m.listenersMu.Lock()
	defer m.listenersMu.Unlock()
	m.nextSubID++
	id := m.nextSubID
	m.listeners = append(m.listeners, subscription{id: id, listener: l})

	var once sync.Once
	return func() {
		once.Do(func() {
			m.listenersMu.Lock()
			defer m.listenersMu.Unlock()
			for i, s := range m.listeners {
				if s.id == id {
					m.listeners = append(m.listeners[:i:i], m.listeners[i+1:]...)
					return
				}
			}
		})
	}
}

func (m *Model) subscribers() []Listener {
	m.listenersMu.Lock()
	defer m.listenersMu.Unlock()
	out := make([]Listener, len(m.listeners))
	for i, s := range m.listeners {
		out[i] = s.listener
	}
	return out
}

// Update applies fn to a builder derived from the current snapshot and
// commits the result.
//
// Description:
//
//	Runs fn on a fresh builder. If fn returns an error the builder is
//	abandoned and the current snapshot is untouched. Otherwise the net
//	changes are collected, the builder is committed, listeners receive
//	BeforeChanged, the snapshot is swapped and listeners receive Changed.
//	An update without net changes commits nothing.
//
// Inputs:
//   - ctx: Context for cancellation and tracing. Must not be nil.
//   - description: Human-readable label for logs and traces.
//   - fn: The mutation. Must not retain the builder.
//
// Outputs:
//   - UpdateResult: Outcome of the update.
//   - error: ErrUpdateFailed wrapping fn's error, a storage error from the
//     commit, or a context error.
//
// Thread Safety: Safe for concurrent use; updates are serialized.
func (m *Model) Update(ctx context.Context, description string, fn func(b *storage.Builder) error) (UpdateResult, error) {
	if ctx == nil {
		return UpdateResult{}, ErrNilContext
	}
	if fn == nil {
		return UpdateResult{}, ErrNilUpdate
	}
	return m.update(ctx, "Model.Update", description, func(b *storage.Builder) (storage.ReplaceMap, error) {
		return nil, fn(b)
	})
}

// ApplyBuilder merges a builder prepared off the write lock into the model.
//
// Description:
//
//	other is usually derived from an older snapshot of this model and
//	populated concurrently with other updates. Its net edits are replayed
//	with AddDiff onto a builder of the current snapshot and committed like
//	an Update. other is consumed.
//
// Outputs:
//   - UpdateResult: Outcome, with Replaced holding the id translation for
//     entities other added.
//   - error: storage.ErrLineageMismatch for a foreign builder, or any
//     error Update can return.
func (m *Model) ApplyBuilder(ctx context.Context, description string, other *storage.Builder) (UpdateResult, error) {
	if ctx == nil {
		return UpdateResult{}, ErrNilContext
	}
	return m.update(ctx, "Model.ApplyBuilder", description, func(b *storage.Builder) (storage.ReplaceMap, error) {
		return b.AddDiff(ctx, other)
	})
}

func (m *Model) update(ctx context.Context, spanName, description string,
	fn func(b *storage.Builder) (storage.ReplaceMap, error)) (UpdateResult, error) {

	if err := ctx.Err(); err != nil {
		return UpdateResult{}, err
	}

	result := UpdateResult{UpdateID: uuid.New()}
	ctx, span := tracer.Start(ctx, spanName, trace.WithAttributes(
		attribute.String("workspace.update_id", result.UpdateID.String()),
		attribute.String("workspace.description", description),
	))
	defer span.End()
	logger := telemetry.LoggerWithTrace(ctx, m.logger).With(
		slog.String("update_id", result.UpdateID.String()),
		slog.String("description", description),
	)

	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	start := time.Now()

	before := m.current.Load()
	result.Version = before.Version()
	b := before.ToBuilder()

	replaced, err := fn(b)
	result.Replaced = replaced
	if err != nil {
		recordUpdate(ctx, outcomeError, time.Since(start))
		telemetry.RecordError(span, err)
		logger.Warn("update failed", slog.String("error", err.Error()))
		return result, fmt.Errorf("%w: %w", ErrUpdateFailed, err)
	}

	if !b.HasChanges() {
		result.Duration = time.Since(start)
		recordUpdate(ctx, outcomeNoop, result.Duration)
		span.SetAttributes(attribute.Bool("workspace.changed", false))
		logger.Debug("update made no changes")
		return result, nil
	}

	result.Changes = b.CollectChanges()
	after, err := b.ToSnapshot()
	if err != nil {
		recordUpdate(ctx, outcomeError, time.Since(start))
		telemetry.RecordError(span, err)
		logger.Warn("commit failed", slog.String("error", err.Error()))
		return result, fmt.Errorf("commit %q: %w", description, err)
	}

	event := ChangeEvent{
		UpdateID:    result.UpdateID,
		Description: description,
		Before:      before,
		After:       after,
		Changes:     result.Changes,
	}
	listeners := m.subscribers()
	for _, l := range listeners {
		l.BeforeChanged(ctx, event)
	}
	m.current.Store(after)
	m.updates.Add(1)
	for _, l := range listeners {
		l.Changed(ctx, event)
	}

	result.Version = after.Version()
	result.Changed = true
	result.Duration = time.Since(start)
	recordUpdate(ctx, outcomeCommitted, result.Duration)

	span.SetAttributes(
		attribute.Bool("workspace.changed", true),
		attribute.Int64("workspace.version", int64(after.Version())),
		attribute.Int("workspace.change_count", result.Changes.Len()),
	)
	logger.Info("update committed",
		slog.Uint64("version", after.Version()),
		slog.Int("changes", result.Changes.Len()),
		slog.Int("listeners", len(listeners)),
		slog.Duration("duration", result.Duration),
	)
	return result, nil
}
