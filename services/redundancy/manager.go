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
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"github.com/AleutianAI/sentinel/pkg/observability"
)

const tracerName = "github.com/AleutianAI/sentinel/services/redundancy"

const (
	// DefaultMaxRetries is the number of Execute attempts.
	DefaultMaxRetries = 3

	// DefaultBaseDelay is multiplied by the attempt number between retries.
	DefaultBaseDelay = 100 * time.Millisecond

	// DefaultFailureThreshold is the number of consecutive failed health
	// checks that moves a Degraded component to Failed.
	DefaultFailureThreshold = 3

	// DefaultCheckTimeout bounds a single HealthCheck call.
	DefaultCheckTimeout = 2 * time.Second
)

type settings struct {
	strategy         Strategy
	maxRetries       int
	baseDelay        time.Duration
	failureThreshold int
	checkTimeout     time.Duration
	logger           *slog.Logger
	registerer       prometheus.Registerer
	tracer           trace.Tracer
	now              func() time.Time
}

// Option configures a Manager.
type Option func(*settings)

// WithStrategy sets the selection strategy. Default: PrimaryBackup.
func WithStrategy(s Strategy) Option {
	return func(o *settings) { o.strategy = s }
}

// WithMaxRetries sets the number of Execute attempts. Values below 1 are
// ignored.
func WithMaxRetries(n int) Option {
	return func(o *settings) {
		if n >= 1 {
			o.maxRetries = n
		}
	}
}

// WithBaseDelay sets the retry delay unit. Attempt k waits k*d.
func WithBaseDelay(d time.Duration) Option {
	return func(o *settings) {
		if d >= 0 {
			o.baseDelay = d
		}
	}
}

// WithFailureThreshold sets the consecutive failed health checks needed
// to mark a component Failed.
func WithFailureThreshold(n int) Option {
	return func(o *settings) {
		if n >= 1 {
			o.failureThreshold = n
		}
	}
}

// WithCheckTimeout bounds each HealthCheck call and each recovery pass.
func WithCheckTimeout(d time.Duration) Option {
	return func(o *settings) {
		if d > 0 {
			o.checkTimeout = d
		}
	}
}

// WithLogger sets the manager logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *settings) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithRegisterer registers the manager's metrics with reg.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *settings) { o.registerer = reg }
}

// WithTracerProvider sets the tracer provider for Execute spans.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *settings) {
		if tp != nil {
			o.tracer = tp.Tracer(tracerName)
		}
	}
}

// WithClock replaces time.Now for failure timestamps.
func WithClock(now func() time.Time) Option {
	return func(o *settings) {
		if now != nil {
			o.now = now
		}
	}
}

// Manager executes operations against a pool of components.
//
// # Thread Safety
//
// Safe for concurrent use.
type Manager[T Component] struct {
	settings

	mu         sync.Mutex
	components []*RedundantComponent[T]
	byName     map[string]int
	activeIdx  int
	pending    []StatusChange

	metrics  *metrics
	recovery singleflight.Group

	subsMu      sync.RWMutex
	subscribers []func(StatusChange)
}

// NewManager creates a Manager over components.
//
// # Description
//
// The redundancy level is fixed at len(components). Each component's
// notify callback is bound to the manager here. No component is active
// until Initialize or a status change makes one Healthy.
//
// # Outputs
//
//   - *Manager[T]: The manager.
//   - error: ErrEmptyPool or ErrDuplicateComponent.
func NewManager[T Component](components []*RedundantComponent[T], opts ...Option) (*Manager[T], error) {
	if len(components) == 0 {
		return nil, ErrEmptyPool
	}

	s := settings{
		strategy:         PrimaryBackup,
		maxRetries:       DefaultMaxRetries,
		baseDelay:        DefaultBaseDelay,
		failureThreshold: DefaultFailureThreshold,
		checkTimeout:     DefaultCheckTimeout,
		logger:           slog.Default(),
		tracer:           otel.Tracer(tracerName),
		now:              time.Now,
	}
	for _, opt := range opts {
		opt(&s)
	}
	s.logger = s.logger.With(slog.String("component", "redundancy"))

	m := &Manager[T]{
		settings:   s,
		components: slices.Clone(components),
		byName:     make(map[string]int, len(components)),
		activeIdx:  -1,
		metrics:    newMetrics(s.registerer),
	}
	for i, c := range m.components {
		if _, dup := m.byName[c.name]; dup {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateComponent, c.name)
		}
		m.byName[c.name] = i
		c.notify = m.handleStatusChange
		m.metrics.componentStatus.WithLabelValues(c.name).Set(float64(c.status))
	}
	return m, nil
}

// =============================================================================
// Lifecycle
// =============================================================================

// Initialize health-checks every component and selects the active one.
//
// # Description
//
// Components move to Initializing, then to Healthy or Failed depending on
// their HealthCheck result. Checks run concurrently.
//
// # Outputs
//
//   - error: ErrNoActiveComponent when no component came up Healthy. The
//     manager stays usable; Execute will attempt recovery.
func (m *Manager[T]) Initialize(ctx context.Context) error {
	m.mu.Lock()
	for i := range m.components {
		m.transitionLocked(i, StatusInitializing, nil)
	}
	m.unlockAndDeliver()

	results := m.checkAll(ctx)

	m.mu.Lock()
	for i, err := range results {
		if err != nil {
			m.markFailedLocked(i, err)
			continue
		}
		m.components[i].consecutiveFailures = 0
		m.transitionLocked(i, StatusHealthy, nil)
	}
	// Selection starts over from the head of the list.
	m.activeIdx = -1
	m.reselectLocked()
	active := m.activeIdx
	m.unlockAndDeliver()

	if active < 0 {
		return ErrNoActiveComponent
	}
	m.logger.Info("redundancy initialized",
		slog.String("active", m.components[active].name),
		slog.String("strategy", m.strategy.String()),
		slog.Int("redundancy_level", len(m.components)))
	return nil
}

// Subscribe registers fn to receive every status change after the
// manager's own handling. fn runs on the goroutine that caused the change.
func (m *Manager[T]) Subscribe(fn func(StatusChange)) {
	if fn == nil {
		return
	}
	m.subsMu.Lock()
	m.subscribers = append(m.subscribers, fn)
	m.subsMu.Unlock()
}

// =============================================================================
// Execution
// =============================================================================

// Execute runs op against the active component with retry and failover.
//
// # Description
//
// Each attempt resolves the active component (recovering Failed components
// first when none is Healthy) and calls op with its instance. When op
// fails, the component is marked Failed, a new active component is
// selected, and the next attempt runs after attempt*baseDelay.
//
// # Inputs
//
//   - ctx: Cancels retries and is passed to op.
//   - op: The operation. Must respect ctx for ExecuteWithTimeout to
//     release the component promptly.
//
// # Outputs
//
//   - error: nil on success; ctx.Err() when canceled; otherwise an
//     *ExhaustedError referencing the last failure.
func (m *Manager[T]) Execute(ctx context.Context, op func(context.Context, T) error) error {
	ctx, span := m.tracer.Start(ctx, "redundancy.Execute",
		trace.WithAttributes(
			attribute.String("redundancy.strategy", m.strategy.String()),
			attribute.Int("redundancy.max_retries", m.maxRetries),
		))
	defer span.End()

	start := time.Now()
	defer func() { m.metrics.executeDuration.Observe(time.Since(start).Seconds()) }()

	var lastErr error
	for attempt := 1; attempt <= m.maxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return m.finishCanceled(span, err)
		}

		idx, err := m.acquire(ctx)
		if err != nil {
			lastErr = err
			span.AddEvent("no_active_component", trace.WithAttributes(attribute.Int("attempt", attempt)))
		} else {
			c := m.components[idx]
			span.AddEvent("attempt", trace.WithAttributes(
				attribute.Int("attempt", attempt),
				attribute.String("component", c.name),
			))

			err = op(ctx, c.instance)
			m.release(idx, err == nil)
			if err == nil {
				m.metrics.executions.WithLabelValues("success").Inc()
				span.SetAttributes(attribute.String("redundancy.component", c.name))
				observability.SetSpanOK(span)
				return nil
			}
			if ctxErr := ctx.Err(); ctxErr != nil {
				return m.finishCanceled(span, ctxErr)
			}

			lastErr = err
			observability.LoggerWithTrace(ctx, m.logger).Warn("operation failed, failing over",
				slog.String("component", c.name),
				slog.Int("attempt", attempt),
				slog.String("error", err.Error()))
			m.mu.Lock()
			m.markFailedLocked(idx, err)
			m.unlockAndDeliver()
		}

		if attempt < m.maxRetries {
			if err := sleep(ctx, time.Duration(attempt)*m.baseDelay); err != nil {
				return m.finishCanceled(span, err)
			}
		}
	}

	m.metrics.executions.WithLabelValues("exhausted").Inc()
	exhausted := &ExhaustedError{Attempts: m.maxRetries, Last: lastErr}
	observability.RecordError(span, exhausted)
	return exhausted
}

// ExecuteWithTimeout is Execute bounded by timeout.
//
// # Description
//
// When the deadline passes first, the call returns ErrOperationTimeout
// immediately. The in-flight operation is abandoned, not killed; its
// context is canceled and its result discarded.
func (m *Manager[T]) ExecuteWithTimeout(ctx context.Context, op func(context.Context, T) error, timeout time.Duration) error {
	tctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- m.Execute(tctx, op) }()

	select {
	case err := <-done:
		if err != nil && ctx.Err() == nil && errors.Is(tctx.Err(), context.DeadlineExceeded) {
			m.metrics.executions.WithLabelValues("timeout").Inc()
			return fmt.Errorf("%w after %s", ErrOperationTimeout, timeout)
		}
		return err
	case <-tctx.Done():
		if err := ctx.Err(); err != nil {
			return err
		}
		m.metrics.executions.WithLabelValues("timeout").Inc()
		m.logger.Warn("operation timed out", slog.Duration("timeout", timeout))
		return fmt.Errorf("%w after %s", ErrOperationTimeout, timeout)
	}
}

// Run executes each component's Operate through Execute.
func (m *Manager[T]) Run(ctx context.Context) error {
	return m.Execute(ctx, func(ctx context.Context, c T) error {
		return c.Operate(ctx)
	})
}

func (m *Manager[T]) finishCanceled(span trace.Span, err error) error {
	m.metrics.executions.WithLabelValues("canceled").Inc()
	observability.RecordError(span, err)
	return err
}

// acquire resolves the active component and counts the call in flight.
func (m *Manager[T]) acquire(ctx context.Context) (int, error) {
	m.mu.Lock()
	if m.strategy != RoundRobin || m.activeIdx < 0 {
		m.reselectLocked()
	}
	if m.activeIdx < 0 {
		m.unlockAndDeliver()

		m.recoverFailed(ctx)

		m.mu.Lock()
		m.reselectLocked()
		if m.activeIdx < 0 {
			m.unlockAndDeliver()
			return -1, ErrNoActiveComponent
		}
	}
	idx := m.activeIdx
	m.components[idx].inFlight++
	m.unlockAndDeliver()
	return idx, nil
}

// release ends the in-flight call counted by acquire. Round-robin advances
// after each success.
func (m *Manager[T]) release(idx int, success bool) {
	m.mu.Lock()
	if m.components[idx].inFlight > 0 {
		m.components[idx].inFlight--
	}
	if success && m.strategy == RoundRobin && m.activeIdx == idx {
		m.reselectLocked()
	}
	m.unlockAndDeliver()
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// =============================================================================
// Status management
// =============================================================================

// MarkFailed marks the named component Failed, recording err.
func (m *Manager[T]) MarkFailed(name string, err error) error {
	m.mu.Lock()
	idx, ok := m.byName[name]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownComponent, name)
	}
	m.markFailedLocked(idx, err)
	m.unlockAndDeliver()
	return nil
}

// MarkStatus sets the named component's status.
func (m *Manager[T]) MarkStatus(name string, status Status) error {
	if status == StatusFailed {
		return m.MarkFailed(name, nil)
	}
	m.mu.Lock()
	idx, ok := m.byName[name]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownComponent, name)
	}
	if status == StatusHealthy {
		m.components[idx].consecutiveFailures = 0
	}
	m.transitionLocked(idx, status, nil)
	if m.activeIdx < 0 {
		m.reselectLocked()
	}
	m.unlockAndDeliver()
	return nil
}

// SetLoad records an externally measured load for the named component.
// Least-loaded selection adds the component's in-flight Execute calls to it;
// Execute never changes the reported value.
func (m *Manager[T]) SetLoad(name string, load int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	idx, ok := m.byName[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownComponent, name)
	}
	m.components[idx].load = load
	return nil
}

// Reselect runs the strategy now and returns the active component.
func (m *Manager[T]) Reselect() (string, bool) {
	m.mu.Lock()
	m.reselectLocked()
	name, ok := m.activeNameLocked()
	m.unlockAndDeliver()
	return name, ok
}

// markFailedLocked records a failure and moves the component to Failed.
func (m *Manager[T]) markFailedLocked(idx int, err error) {
	c := m.components[idx]
	c.failureCount++
	c.lastFailure = m.now()
	if err != nil {
		c.lastErr = err
	}
	m.transitionLocked(idx, StatusFailed, err)
}

// transitionLocked changes a component's status and queues the
// notification. When the active component leaves Healthy, or a component
// becomes Healthy while none is active, selection runs before the lock is
// released.
func (m *Manager[T]) transitionLocked(idx int, to Status, cause error) {
	c := m.components[idx]
	from := c.status
	if from == to {
		return
	}
	c.status = to
	m.metrics.componentStatus.WithLabelValues(c.name).Set(float64(to))

	wasActive := idx == m.activeIdx
	switch {
	case wasActive && to != StatusHealthy:
		m.reselectLocked()
	case to == StatusHealthy && m.activeIdx < 0:
		m.reselectLocked()
	}
	active, _ := m.activeNameLocked()

	m.pending = append(m.pending, StatusChange{
		Component: c.name,
		ID:        c.id,
		From:      from,
		To:        to,
		Err:       cause,
		At:        m.now(),
		WasActive: wasActive,
		Active:    active,
	})
}

// reselectLocked applies the strategy using the current active component
// as the round-robin reference.
func (m *Manager[T]) reselectLocked() {
	prev := m.activeIdx
	next := selectIndex(m.strategy, m.components, prev)
	m.activeIdx = next

	if next == prev {
		return
	}
	if prev >= 0 && m.components[prev].status != StatusHealthy {
		if next >= 0 {
			m.metrics.failovers.Inc()
			m.logger.Warn("failover",
				slog.String("from", m.components[prev].name),
				slog.String("to", m.components[next].name))
		} else {
			m.logger.Error("no healthy component available",
				slog.String("last_active", m.components[prev].name))
		}
	}
}

func (m *Manager[T]) activeNameLocked() (string, bool) {
	if m.activeIdx < 0 {
		return "", false
	}
	return m.components[m.activeIdx].name, true
}

// unlockAndDeliver releases m.mu and then delivers queued notifications
// through each component's bound callback.
func (m *Manager[T]) unlockAndDeliver() {
	changes := m.pending
	m.pending = nil
	m.mu.Unlock()

	for _, ch := range changes {
		if c := m.components[m.byName[ch.Component]]; c.notify != nil {
			c.notify(ch)
		}
	}
}

// handleStatusChange is the callback bound to every component.
func (m *Manager[T]) handleStatusChange(ch StatusChange) {
	attrs := []any{
		slog.String("component", ch.Component),
		slog.String("from", ch.From.String()),
		slog.String("to", ch.To.String()),
		slog.String("active", ch.Active),
	}
	if ch.Err != nil {
		attrs = append(attrs, slog.String("error", ch.Err.Error()))
	}
	if ch.To == StatusFailed {
		m.logger.Warn("component status changed", attrs...)
	} else {
		m.logger.Debug("component status changed", attrs...)
	}

	// A component that stopped being Healthy while still active means the
	// change happened outside transitionLocked's reselection.
	if ch.To != StatusHealthy {
		if name, ok := m.Active(); ok && name == ch.Component {
			m.Reselect()
		}
	}

	m.subsMu.RLock()
	subs := slices.Clone(m.subscribers)
	m.subsMu.RUnlock()
	for _, fn := range subs {
		fn(ch)
	}
}

// =============================================================================
// Queries
// =============================================================================

// Health aggregates component status.
func (m *Manager[T]) Health() SystemHealth {
	m.mu.Lock()
	defer m.mu.Unlock()

	h := SystemHealth{
		Total:           len(m.components),
		RedundancyLevel: len(m.components),
		Strategy:        m.strategy,
	}
	for _, c := range m.components {
		switch c.status {
		case StatusHealthy:
			h.Healthy++
		case StatusDegraded:
			h.Degraded++
		case StatusFailed:
			h.Failed++
		}
	}
	h.Operational = h.Healthy > 0
	h.Active, _ = m.activeNameLocked()
	return h
}

// Active returns the name of the active component.
func (m *Manager[T]) Active() (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.activeNameLocked()
}

// Components returns a snapshot of every component in list order.
func (m *Manager[T]) Components() []ComponentSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]ComponentSnapshot, len(m.components))
	for i, c := range m.components {
		out[i] = c.snapshot(i == m.activeIdx)
	}
	return out
}

// Strategy returns the configured selection strategy.
func (m *Manager[T]) Strategy() Strategy {
	return m.strategy
}
