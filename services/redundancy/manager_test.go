// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package redundancy

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// fakeComponent is a scriptable Component.
type fakeComponent struct {
	name string

	mu         sync.Mutex
	healthErr  error
	recoverErr error
	opErr      error

	// recoverHonorsCtx makes Recover fail on a done context.
	recoverHonorsCtx bool

	operations atomic.Int32
	recovers   atomic.Int32
}

func (f *fakeComponent) Operate(ctx context.Context) error {
	f.operations.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.opErr
}

func (f *fakeComponent) HealthCheck(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.healthErr
}

func (f *fakeComponent) Recover(ctx context.Context) error {
	f.recovers.Add(1)
	if f.recoverHonorsCtx {
		if err := ctx.Err(); err != nil {
			return err
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.recoverErr == nil {
		f.healthErr = nil
		f.opErr = nil
	}
	return f.recoverErr
}

func (f *fakeComponent) setHealth(err error) {
	f.mu.Lock()
	f.healthErr = err
	f.mu.Unlock()
}

func newPool(names ...string) ([]*fakeComponent, []*RedundantComponent[*fakeComponent]) {
	fakes := make([]*fakeComponent, len(names))
	comps := make([]*RedundantComponent[*fakeComponent], len(names))
	for i, n := range names {
		fakes[i] = &fakeComponent{name: n}
		comps[i] = NewComponent(n, fakes[i], 0)
	}
	return fakes, comps
}

func newTestManager(t *testing.T, comps []*RedundantComponent[*fakeComponent], opts ...Option) *Manager[*fakeComponent] {
	t.Helper()
	opts = append([]Option{WithBaseDelay(time.Millisecond)}, opts...)
	m, err := NewManager(comps, opts...)
	require.NoError(t, err)
	return m
}

func TestNewManager_Errors(t *testing.T) {
	_, err := NewManager[*fakeComponent](nil)
	assert.ErrorIs(t, err, ErrEmptyPool)

	_, comps := newPool("a", "a")
	_, err = NewManager(comps)
	assert.ErrorIs(t, err, ErrDuplicateComponent)
}

func TestInitialize(t *testing.T) {
	fakes, comps := newPool("a", "b", "c")
	fakes[0].setHealth(errors.New("down"))

	m := newTestManager(t, comps)
	require.NoError(t, m.Initialize(context.Background()))

	h := m.Health()
	assert.Equal(t, 3, h.Total)
	assert.Equal(t, 3, h.RedundancyLevel)
	assert.Equal(t, 2, h.Healthy)
	assert.Equal(t, 1, h.Failed)
	assert.True(t, h.Operational)
	assert.Equal(t, "b", h.Active)
}

func TestInitialize_NoneHealthy(t *testing.T) {
	fakes, comps := newPool("a")
	fakes[0].setHealth(errors.New("down"))

	m := newTestManager(t, comps)
	assert.ErrorIs(t, m.Initialize(context.Background()), ErrNoActiveComponent)
	assert.False(t, m.Health().Operational)
}

func TestStrategies_SingleHealthyComponentAlwaysSelected(t *testing.T) {
	for _, s := range []Strategy{PrimaryBackup, RoundRobin, LeastLoaded, HighestPriority} {
		t.Run(s.String(), func(t *testing.T) {
			_, comps := newPool("a", "b", "c")
			m := newTestManager(t, comps, WithStrategy(s))
			require.NoError(t, m.Initialize(context.Background()))
			require.NoError(t, m.MarkFailed("a", nil))
			require.NoError(t, m.MarkFailed("c", nil))

			for i := 0; i < 3; i++ {
				name, ok := m.Reselect()
				require.True(t, ok)
				assert.Equal(t, "b", name)
			}
		})
	}
}

func TestRoundRobin_CyclesWithoutRepeats(t *testing.T) {
	_, comps := newPool("a", "b", "c")
	m := newTestManager(t, comps, WithStrategy(RoundRobin))
	require.NoError(t, m.Initialize(context.Background()))

	seen := map[string]int{}
	for i := 0; i < 3; i++ {
		name, ok := m.Reselect()
		require.True(t, ok)
		seen[name]++
	}
	assert.Equal(t, map[string]int{"a": 1, "b": 1, "c": 1}, seen)
}

func TestRoundRobin_AdvancesPerExecute(t *testing.T) {
	_, comps := newPool("a", "b")
	m := newTestManager(t, comps, WithStrategy(RoundRobin))
	require.NoError(t, m.Initialize(context.Background()))

	var used []string
	for i := 0; i < 4; i++ {
		require.NoError(t, m.Execute(context.Background(), func(_ context.Context, c *fakeComponent) error {
			used = append(used, c.name)
			return nil
		}))
	}
	assert.Equal(t, []string{"a", "b", "a", "b"}, used)
}

func TestLeastLoaded(t *testing.T) {
	_, comps := newPool("a", "b", "c")
	m := newTestManager(t, comps, WithStrategy(LeastLoaded))
	require.NoError(t, m.Initialize(context.Background()))

	require.NoError(t, m.SetLoad("a", 5))
	require.NoError(t, m.SetLoad("b", 1))
	require.NoError(t, m.SetLoad("c", 1))
	name, _ := m.Reselect()
	assert.Equal(t, "b", name, "ties go to list order")

	assert.ErrorIs(t, m.SetLoad("zzz", 1), ErrUnknownComponent)
}

func TestLeastLoaded_ReportedLoadSurvivesExecute(t *testing.T) {
	fakes, comps := newPool("a", "b")
	m := newTestManager(t, comps, WithStrategy(LeastLoaded))
	require.NoError(t, m.Initialize(context.Background()))
	require.NoError(t, m.SetLoad("a", 2))
	require.NoError(t, m.SetLoad("b", 3))

	for i := 0; i < 5; i++ {
		require.NoError(t, m.Run(context.Background()))
	}
	assert.Equal(t, int32(5), fakes[0].operations.Load())

	for _, c := range m.Components() {
		assert.Zero(t, c.InFlight, c.Name)
		switch c.Name {
		case "a":
			assert.Equal(t, int64(2), c.Load)
		case "b":
			assert.Equal(t, int64(3), c.Load)
		}
	}
	name, _ := m.Reselect()
	assert.Equal(t, "a", name)
}

func TestLeastLoaded_CountsInFlightCalls(t *testing.T) {
	_, comps := newPool("a", "b")
	m := newTestManager(t, comps, WithStrategy(LeastLoaded))
	require.NoError(t, m.Initialize(context.Background()))
	require.NoError(t, m.SetLoad("b", 1))

	entered := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- m.Execute(context.Background(), func(context.Context, *fakeComponent) error {
			close(entered)
			<-release
			return nil
		})
	}()
	<-entered

	name, _ := m.Reselect()
	assert.Equal(t, "a", name, "ties go to list order")

	require.NoError(t, m.SetLoad("b", 0))
	name, _ = m.Reselect()
	assert.Equal(t, "b", name, "a holds one in-flight call")

	close(release)
	require.NoError(t, <-done)
}

func TestHighestPriority(t *testing.T) {
	comps := []*RedundantComponent[*fakeComponent]{
		NewComponent("low", &fakeComponent{name: "low"}, 1),
		NewComponent("high", &fakeComponent{name: "high"}, 10),
		NewComponent("high2", &fakeComponent{name: "high2"}, 10),
	}
	m := newTestManager(t, comps, WithStrategy(HighestPriority))
	require.NoError(t, m.Initialize(context.Background()))

	name, _ := m.Active()
	assert.Equal(t, "high", name)

	require.NoError(t, m.MarkFailed("high", errors.New("x")))
	name, _ = m.Active()
	assert.Equal(t, "high2", name)
}

func TestExecute_FailsOverToHealthyComponent(t *testing.T) {
	fakes, comps := newPool("primary", "backup")
	fakes[0].opErr = errors.New("primary broke")

	reg := prometheus.NewRegistry()
	m := newTestManager(t, comps, WithRegisterer(reg))
	require.NoError(t, m.Initialize(context.Background()))

	err := m.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, int32(1), fakes[0].operations.Load())
	assert.Equal(t, int32(1), fakes[1].operations.Load())

	snap := m.Components()
	assert.Equal(t, StatusFailed, snap[0].Status)
	assert.Equal(t, 1, snap[0].FailureCount)
	assert.Equal(t, "primary broke", snap[0].LastError)
	assert.False(t, snap[0].LastFailure.IsZero())
	assert.True(t, snap[1].Active)

	assert.Equal(t, float64(1), testutil.ToFloat64(m.metrics.failovers))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.metrics.executions.WithLabelValues("success")))
	assert.Equal(t, float64(StatusFailed), testutil.ToFloat64(m.metrics.componentStatus.WithLabelValues("primary")))
}

func TestExecute_ZeroHealthyAttemptsRecoveryThenFails(t *testing.T) {
	fakes, comps := newPool("a", "b")
	for _, f := range fakes {
		f.healthErr = errors.New("down")
		f.recoverErr = errors.New("still down")
	}

	m := newTestManager(t, comps, WithMaxRetries(2))
	_ = m.Initialize(context.Background())
	assert.False(t, m.Health().Operational)

	err := m.Run(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRetriesExhausted)
	assert.ErrorIs(t, err, ErrNoActiveComponent)

	var exhausted *ExhaustedError
	require.ErrorAs(t, err, &exhausted)
	assert.Equal(t, 2, exhausted.Attempts)

	for _, f := range fakes {
		assert.GreaterOrEqual(t, f.recovers.Load(), int32(1))
		assert.Zero(t, f.operations.Load())
	}
	assert.Equal(t, 2, m.Health().Failed)
}

func TestExecute_RecoversFailedComponents(t *testing.T) {
	fakes, comps := newPool("a")
	fakes[0].healthErr = errors.New("down")

	m := newTestManager(t, comps)
	_ = m.Initialize(context.Background())

	var changes []StatusChange
	m.Subscribe(func(ch StatusChange) { changes = append(changes, ch) })

	require.NoError(t, m.Run(context.Background()))
	assert.Equal(t, int32(1), fakes[0].recovers.Load())
	assert.True(t, m.Health().Operational)

	require.Len(t, changes, 2)
	assert.Equal(t, StatusRecovering, changes[0].To)
	assert.Equal(t, StatusHealthy, changes[1].To)
	assert.Equal(t, "a", changes[1].Active)
}

func TestRecovery_IgnoresCallerCancellation(t *testing.T) {
	fakes, comps := newPool("a")
	fakes[0].healthErr = errors.New("down")
	fakes[0].recoverHonorsCtx = true

	m := newTestManager(t, comps)
	_ = m.Initialize(context.Background())
	require.False(t, m.Health().Operational)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	m.recoverFailed(ctx)

	assert.Equal(t, int32(1), fakes[0].recovers.Load())
	assert.True(t, m.Health().Operational, "a shared recovery pass outlives the caller that started it")
}

func TestExecute_ExhaustedWrapsLastError(t *testing.T) {
	_, comps := newPool("a", "b", "c")
	m := newTestManager(t, comps, WithBaseDelay(10*time.Millisecond))
	require.NoError(t, m.Initialize(context.Background()))

	sentinel := errors.New("always")
	start := time.Now()
	err := m.Execute(context.Background(), func(context.Context, *fakeComponent) error { return sentinel })

	assert.ErrorIs(t, err, sentinel)
	assert.ErrorIs(t, err, ErrRetriesExhausted)
	// Linear backoff: 1*10ms + 2*10ms between three attempts.
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
	assert.Equal(t, 3, m.Health().Failed)
}

func TestExecute_CanceledContextDoesNotMarkFailure(t *testing.T) {
	_, comps := newPool("a", "b")
	m := newTestManager(t, comps)
	require.NoError(t, m.Initialize(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	err := m.Execute(ctx, func(ctx context.Context, _ *fakeComponent) error {
		cancel()
		return ctx.Err()
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 2, m.Health().Healthy)
}

func TestExecuteWithTimeout(t *testing.T) {
	_, comps := newPool("a")
	m := newTestManager(t, comps)
	require.NoError(t, m.Initialize(context.Background()))

	release := make(chan struct{})
	defer close(release)

	err := m.ExecuteWithTimeout(context.Background(), func(ctx context.Context, _ *fakeComponent) error {
		<-release
		return nil
	}, 20*time.Millisecond)

	assert.ErrorIs(t, err, ErrOperationTimeout)
	assert.NotErrorIs(t, err, ErrRetriesExhausted)

	err = m.ExecuteWithTimeout(context.Background(), func(context.Context, *fakeComponent) error {
		return nil
	}, time.Second)
	assert.NoError(t, err)
}

func TestMarkFailed_ActiveTriggersImmediateReselection(t *testing.T) {
	_, comps := newPool("a", "b")
	m := newTestManager(t, comps)
	require.NoError(t, m.Initialize(context.Background()))

	var got []StatusChange
	m.Subscribe(func(ch StatusChange) { got = append(got, ch) })

	require.NoError(t, m.MarkFailed("a", errors.New("detected elsewhere")))

	name, ok := m.Active()
	require.True(t, ok)
	assert.Equal(t, "b", name)

	require.Len(t, got, 1)
	assert.True(t, got[0].WasActive)
	assert.Equal(t, "b", got[0].Active)
	assert.Equal(t, StatusHealthy, got[0].From)
	assert.Equal(t, StatusFailed, got[0].To)

	assert.ErrorIs(t, m.MarkFailed("nope", nil), ErrUnknownComponent)
}

func TestSubscriberMayCallBackIntoManager(t *testing.T) {
	_, comps := newPool("a", "b")
	m := newTestManager(t, comps)
	require.NoError(t, m.Initialize(context.Background()))

	var health SystemHealth
	m.Subscribe(func(StatusChange) { health = m.Health() })

	require.NoError(t, m.MarkStatus("b", StatusDegraded))
	assert.Equal(t, 1, health.Degraded)
}

func TestCheckHealth_DegradesThenFails(t *testing.T) {
	fakes, comps := newPool("a", "b")
	m := newTestManager(t, comps, WithFailureThreshold(2))
	require.NoError(t, m.Initialize(context.Background()))

	fakes[0].setHealth(errors.New("flaky"))
	m.CheckHealth(context.Background())

	snap := m.Components()
	assert.Equal(t, StatusDegraded, snap[0].Status)
	name, _ := m.Active()
	assert.Equal(t, "b", name, "degraded active component is replaced")

	m.CheckHealth(context.Background())
	assert.Equal(t, StatusFailed, m.Components()[0].Status)

	fakes[0].setHealth(nil)
	m.CheckHealth(context.Background())
	assert.Equal(t, StatusHealthy, m.Components()[0].Status)
	name, _ = m.Active()
	assert.Equal(t, "b", name, "primary-backup fails back on next acquire, not on health check")
}

func TestStartHealthMonitor(t *testing.T) {
	fakes, comps := newPool("a")
	m := newTestManager(t, comps, WithFailureThreshold(1))
	require.NoError(t, m.Initialize(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.StartHealthMonitor(ctx, 5*time.Millisecond)

	fakes[0].setHealth(errors.New("down"))
	require.Eventually(t, func() bool { return !m.Health().Operational }, time.Second, 5*time.Millisecond)

	fakes[0].setHealth(nil)
	require.Eventually(t, func() bool { return m.Health().Operational }, time.Second, 5*time.Millisecond)
}

func TestExecute_RecordsSpan(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))

	fakes, comps := newPool("a", "b")
	fakes[0].opErr = errors.New("x")
	m := newTestManager(t, comps, WithTracerProvider(tp))
	require.NoError(t, m.Initialize(context.Background()))
	require.NoError(t, m.Run(context.Background()))

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "redundancy.Execute", spans[0].Name())

	attempts := 0
	for _, ev := range spans[0].Events() {
		if ev.Name == "attempt" {
			attempts++
		}
	}
	assert.Equal(t, 2, attempts)
}

func TestExecute_FailoverLogCarriesTraceID(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	fakes, comps := newPool("a", "b")
	fakes[0].opErr = errors.New("x")
	m := newTestManager(t, comps, WithTracerProvider(tp), WithLogger(logger))
	require.NoError(t, m.Initialize(context.Background()))
	require.NoError(t, m.Run(context.Background()))

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, codes.Ok, spans[0].Status().Code)
	assert.Contains(t, buf.String(), "operation failed, failing over")
	assert.Contains(t, buf.String(), spans[0].SpanContext().TraceID().String())
}

func TestExecute_ExhaustedSpanStatus(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))

	_, comps := newPool("a")
	m := newTestManager(t, comps, WithTracerProvider(tp), WithMaxRetries(1))
	require.NoError(t, m.Initialize(context.Background()))
	err := m.Execute(context.Background(), func(context.Context, *fakeComponent) error { return errors.New("nope") })
	require.Error(t, err)

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, codes.Error, spans[0].Status().Code)
	require.NotEmpty(t, spans[0].Events())
	assert.Equal(t, "exception", spans[0].Events()[len(spans[0].Events())-1].Name)
}

func TestParse(t *testing.T) {
	s, err := ParseStrategy("round-robin")
	require.NoError(t, err)
	assert.Equal(t, RoundRobin, s)
	_, err = ParseStrategy("random")
	assert.Error(t, err)

	st, err := ParseStatus("degraded")
	require.NoError(t, err)
	assert.Equal(t, StatusDegraded, st)
}
