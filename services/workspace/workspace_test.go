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
	"errors"
	"fmt"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/WorkspaceStore/services/workspace/config"
	"github.com/AleutianAI/WorkspaceStore/services/workspace/model"
	"github.com/AleutianAI/WorkspaceStore/services/workspace/storage"
)

func newTestModel(t *testing.T) (*Model, model.Connections) {
	t.Helper()
	reg := storage.NewRegistry()
	conns, err := model.Declare(reg)
	require.NoError(t, err)
	cfg := config.Default().Storage
	cfg.VerifyOnCommit = true
	return New(cfg, reg), conns
}

func addModule(conns model.Connections, name string) func(b *storage.Builder) error {
	return func(b *storage.Builder) error {
		_, err := model.AddModule(b, conns, model.ModuleSpec{
			Name:    name,
			Roots:   []string{"file:///ws/" + name},
			Sources: []string{"src"},
		})
		return err
	}
}

type recordingListener struct {
	m      *Model
	events []string
}

func (l *recordingListener) BeforeChanged(_ context.Context, e ChangeEvent) {
	l.events = append(l.events, fmt.Sprintf("before:%s:%t", e.Description, l.m.Current() == e.Before))
}

func (l *recordingListener) Changed(_ context.Context, e ChangeEvent) {
	l.events = append(l.events, fmt.Sprintf("after:%s:%t", e.Description, l.m.Current() == e.After))
}

func TestModel_Update(t *testing.T) {
	ctx := context.Background()
	m, conns := newTestModel(t)
	first := m.Current()
	assert.True(t, first.IsEmpty())

	res, err := m.Update(ctx, "add app", addModule(conns, "app"))
	require.NoError(t, err)

	assert.True(t, res.Changed)
	assert.NotSame(t, first, m.Current())
	assert.Equal(t, m.Current().Version(), res.Version)
	assert.Equal(t, 3, res.Changes.Count(storage.ChangeAdded))
	assert.Equal(t, int64(1), m.Updates())
	assert.NotNil(t, m.Current().Resolve(model.ModuleSymbol("app")))
	assert.True(t, first.IsEmpty(), "older snapshots are untouched")
}

func TestModel_Listeners(t *testing.T) {
	ctx := context.Background()
	m, conns := newTestModel(t)

	l1 := &recordingListener{m: m}
	var order []string
	unsubscribe := m.Subscribe(l1)
	m.Subscribe(ListenerFuncs{
		Before: func(context.Context, ChangeEvent) { order = append(order, "second-before") },
	})
	m.Subscribe(ListenerFuncs{
		After: func(_ context.Context, e ChangeEvent) {
			order = append(order, "third-after")
			assert.Equal(t, 3, e.Changes.Count(storage.ChangeAdded))
		},
	})

	_, err := m.Update(ctx, "one", addModule(conns, "a"))
	require.NoError(t, err)
	assert.Equal(t, []string{"before:one:true", "after:one:true"}, l1.events)
	assert.Equal(t, []string{"second-before", "third-after"}, order)

	unsubscribe()
	unsubscribe()
	_, err = m.Update(ctx, "two", addModule(conns, "b"))
	require.NoError(t, err)
	assert.Len(t, l1.events, 2, "unsubscribed listener is not notified")
	assert.Len(t, order, 4)
}

func TestModel_UpdateWithoutChanges(t *testing.T) {
	ctx := context.Background()
	m, conns := newTestModel(t)
	_, err := m.Update(ctx, "seed", addModule(conns, "app"))
	require.NoError(t, err)
	before := m.Current()

	notified := false
	m.Subscribe(ListenerFuncs{After: func(context.Context, ChangeEvent) { notified = true }})
	noops := testutil.ToFloat64(updatesTotal.WithLabelValues(outcomeNoop))

	res, err := m.Update(ctx, "add and remove", func(b *storage.Builder) error {
		id, err := b.AddEntity(model.Module{Name: "tmp"})
		if err != nil {
			return err
		}
		_, err = b.RemoveEntity(id)
		return err
	})
	require.NoError(t, err)
	assert.False(t, res.Changed)
	assert.Same(t, before, m.Current())
	assert.False(t, notified)
	assert.Equal(t, 1.0, testutil.ToFloat64(updatesTotal.WithLabelValues(outcomeNoop))-noops)
}

func TestModel_UpdateErrors(t *testing.T) {
	ctx := context.Background()
	m, conns := newTestModel(t)
	_, err := m.Update(ctx, "seed", addModule(conns, "app"))
	require.NoError(t, err)
	before := m.Current()

	t.Run("function error abandons the builder", func(t *testing.T) {
		boom := errors.New("boom")
		errs := testutil.ToFloat64(updatesTotal.WithLabelValues(outcomeError))
		_, err := m.Update(ctx, "fails", func(b *storage.Builder) error {
			if _, err := b.AddEntity(model.Module{Name: "half"}); err != nil {
				return err
			}
			return boom
		})
		assert.ErrorIs(t, err, ErrUpdateFailed)
		assert.ErrorIs(t, err, boom)
		assert.Same(t, before, m.Current())
		assert.Equal(t, 1.0, testutil.ToFloat64(updatesTotal.WithLabelValues(outcomeError))-errs)
	})

	t.Run("orphan fails the commit", func(t *testing.T) {
		_, err := m.Update(ctx, "orphan", func(b *storage.Builder) error {
			_, err := b.AddEntity(model.ContentRoot{URL: "file:///nowhere"})
			return err
		})
		assert.ErrorIs(t, err, storage.ErrOrphanedEntity)
		assert.Same(t, before, m.Current())
	})

	t.Run("programming errors propagate", func(t *testing.T) {
		_, err := m.Update(ctx, "unknown id", func(b *storage.Builder) error {
			return b.ModifyEntity(storage.NewEntityID(1, 999), func(d storage.EntityData) (storage.EntityData, error) {
				return d, nil
			})
		})
		assert.True(t, storage.IsProgrammingError(err))
	})

	t.Run("invalid arguments", func(t *testing.T) {
		//nolint:staticcheck // deliberately nil
		_, err := m.Update(nil, "nil ctx", addModule(conns, "x"))
		assert.ErrorIs(t, err, ErrNilContext)
		_, err = m.Update(ctx, "nil fn", nil)
		assert.ErrorIs(t, err, ErrNilUpdate)

		cancelled, cancel := context.WithCancel(ctx)
		cancel()
		_, err = m.Update(cancelled, "cancelled", addModule(conns, "x"))
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestModel_ApplyBuilder(t *testing.T) {
	ctx := context.Background()
	m, conns := newTestModel(t)
	_, err := m.Update(ctx, "seed", addModule(conns, "app"))
	require.NoError(t, err)

	background := m.Current().ToBuilder()
	bg, err := model.AddModule(background, conns, model.ModuleSpec{
		Name:  "indexed",
		Roots: []string{"file:///ws/indexed"},
		File:  "/ws/indexed/indexed.iml",
	})
	require.NoError(t, err)

	_, err = m.Update(ctx, "foreground", addModule(conns, "typed"))
	require.NoError(t, err)

	res, err := m.ApplyBuilder(ctx, "merge background", background)
	require.NoError(t, err)
	require.True(t, res.Changed)

	s := m.Current()
	assert.Equal(t, 3, s.EntityCount(model.KindModule))
	merged := s.Resolve(model.ModuleSymbol("indexed"))
	require.NotNil(t, merged)
	assert.Equal(t, res.Replaced[bg], merged.ID())
	file, ok := storage.Mapping(s, model.ModuleFileKey).DataByEntity(merged.ID())
	require.True(t, ok)
	assert.Equal(t, "/ws/indexed/indexed.iml", file)

	_, err = m.ApplyBuilder(ctx, "again", background)
	assert.ErrorIs(t, err, storage.ErrBuilderConsumed)
}

func TestModel_ConcurrentUpdatesAndReaders(t *testing.T) {
	ctx := context.Background()
	m, conns := newTestModel(t)

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < 8; i++ {
		g.Go(func() error {
			for j := 0; j < 10; j++ {
				if _, err := m.Update(gctx, "add", addModule(conns, fmt.Sprintf("m%d-%d", i, j))); err != nil {
					return err
				}
			}
			return nil
		})
		g.Go(func() error {
			for j := 0; j < 50; j++ {
				s := m.Current()
				for mod := range s.Entities(model.KindModule) {
					if s.OneChild(conns.ContentRoots, mod.ID()) == nil {
						return fmt.Errorf("module %s without content root in v%d", mod.ID(), s.Version())
					}
				}
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	assert.Equal(t, 80, m.Current().EntityCount(model.KindModule))
	assert.Equal(t, int64(80), m.Updates())
	assert.NoError(t, m.Current().CheckConsistency())
}

func TestModel_UpdateSpan(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	m, conns := newTestModel(t)
	res, err := m.Update(context.Background(), "traced", addModule(conns, "app"))
	require.NoError(t, err)

	var found bool
	for _, span := range recorder.Ended() {
		if span.Name() != "Model.Update" {
			continue
		}
		found = true
		attrs := map[string]string{}
		for _, kv := range span.Attributes() {
			attrs[string(kv.Key)] = kv.Value.Emit()
		}
		assert.Equal(t, res.UpdateID.String(), attrs["workspace.update_id"])
		assert.Equal(t, "traced", attrs["workspace.description"])
		assert.Equal(t, "true", attrs["workspace.changed"])
	}
	assert.True(t, found)
}
