// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package telemetry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/sentinel/pkg/observability"
	"github.com/AleutianAI/sentinel/pkg/ringbuffer"
	"github.com/AleutianAI/sentinel/pkg/validation"
)

const tracerName = "github.com/AleutianAI/sentinel/services/telemetry"

const (
	// DefaultFrequency is the sampling frequency in Hz.
	DefaultFrequency = 100.0

	// DefaultDrainInterval is the drain cadence (10 Hz).
	DefaultDrainInterval = 100 * time.Millisecond

	// DefaultBufferSize is the per-channel ring buffer capacity.
	DefaultBufferSize = 1000

	// DefaultSourceTimeout bounds a single source read.
	DefaultSourceTimeout = 50 * time.Millisecond

	// DefaultSinkTimeout bounds a single sink write or flush.
	DefaultSinkTimeout = 5 * time.Second

	// DefaultSinkConcurrency caps concurrent sink writes per batch.
	DefaultSinkConcurrency = 4
)

type pipelineState int

const (
	stateIdle pipelineState = iota
	stateRunning
	stateStopped
)

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithFrequency sets the sampling frequency in Hz.
func WithFrequency(hz float64) Option {
	return func(p *Pipeline) {
		if hz > 0 {
			p.frequency = hz
		}
	}
}

// WithDrainInterval sets the drain cadence.
func WithDrainInterval(d time.Duration) Option {
	return func(p *Pipeline) {
		if d > 0 {
			p.drainInterval = d
		}
	}
}

// WithBufferSize sets the default channel buffer capacity.
func WithBufferSize(n int) Option {
	return func(p *Pipeline) {
		if n > 0 {
			p.bufferSize = n
		}
	}
}

// WithSourceTimeout sets the default per-read timeout.
func WithSourceTimeout(d time.Duration) Option {
	return func(p *Pipeline) {
		if d > 0 {
			p.sourceTimeout = d
		}
	}
}

// WithSinkTimeout bounds each sink write and flush.
func WithSinkTimeout(d time.Duration) Option {
	return func(p *Pipeline) {
		if d > 0 {
			p.sinkTimeout = d
		}
	}
}

// WithSinkConcurrency caps how many sinks are written at once.
func WithSinkConcurrency(n int) Option {
	return func(p *Pipeline) {
		if n > 0 {
			p.sinkConcurrency = n
		}
	}
}

// WithLogger sets the pipeline logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Pipeline) {
		if l != nil {
			p.logger = l
		}
	}
}

// WithRegisterer registers the pipeline metrics with reg.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(p *Pipeline) { p.metrics = newMetrics(reg) }
}

// WithClock replaces time.Now for sample and batch timestamps.
func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) {
		if now != nil {
			p.now = now
		}
	}
}

// Pipeline samples channels and delivers batches to sinks.
//
// # Thread Safety
//
// Safe for concurrent use. Registration must happen before Start.
type Pipeline struct {
	frequency       float64
	drainInterval   time.Duration
	bufferSize      int
	sourceTimeout   time.Duration
	sinkTimeout     time.Duration
	sinkConcurrency int
	logger          *slog.Logger
	metrics         *metrics
	now             func() time.Time

	mu       sync.RWMutex
	state    pipelineState
	channels []*channel
	byName   map[string]*channel
	sinks    []Sink

	// tickMu serializes sampling ticks.
	tickMu sync.Mutex
	// drainMu serializes drains so batches leave in order.
	drainMu sync.Mutex

	stopSampling chan struct{}
	samplerDone  chan struct{}
	stopDraining chan struct{}
	drainerDone  chan struct{}
}

// NewPipeline creates an idle Pipeline.
func NewPipeline(opts ...Option) *Pipeline {
	p := &Pipeline{
		frequency:       DefaultFrequency,
		drainInterval:   DefaultDrainInterval,
		bufferSize:      DefaultBufferSize,
		sourceTimeout:   DefaultSourceTimeout,
		sinkTimeout:     DefaultSinkTimeout,
		sinkConcurrency: DefaultSinkConcurrency,
		logger:          slog.Default(),
		now:             time.Now,
		byName:          make(map[string]*channel),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.metrics == nil {
		p.metrics = newMetrics(nil)
	}
	p.logger = p.logger.With(slog.String("component", "telemetry"))
	return p
}

// =============================================================================
// Registration
// =============================================================================

// RegisterChannel adds a channel read from source.
//
// # Inputs
//
//   - name: Unique channel name.
//   - source: Value producer. Must not be nil.
//   - opts: Optional bounds, timeout, frequency, buffer size, and unit.
//
// # Outputs
//
//   - error: ErrInvalidChannel, ErrChannelExists, ErrPipelineRunning, or
//     ErrPipelineStopped.
func (p *Pipeline) RegisterChannel(name string, source Source, opts ChannelOptions) error {
	if source == nil {
		return fmt.Errorf("%w: %s: nil source", ErrInvalidChannel, name)
	}
	return p.register(&channel{name: name, source: source}, opts)
}

// RegisterComputedChannel adds a channel whose value is computed at
// frequency Hz (bounded above by the pipeline frequency). Zero samples on
// every tick.
func (p *Pipeline) RegisterComputedChannel(name string, fn ComputeFunc, frequency float64, opts ChannelOptions) error {
	if fn == nil {
		return fmt.Errorf("%w: %s: nil compute function", ErrInvalidChannel, name)
	}
	opts.Frequency = frequency
	return p.register(&channel{name: name, compute: fn}, opts)
}

func (p *Pipeline) register(c *channel, opts ChannelOptions) error {
	if err := validation.ValidateName(c.name); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidChannel, err)
	}
	if b := opts.Bounds; b != nil && b.Min > b.Max {
		return fmt.Errorf("%w: %s: min %v > max %v", ErrInvalidChannel, c.name, b.Min, b.Max)
	}
	if opts.Frequency < 0 {
		return fmt.Errorf("%w: %s: negative frequency", ErrInvalidChannel, c.name)
	}

	size := p.bufferSize
	if opts.BufferSize > 0 {
		size = opts.BufferSize
	}
	c.timeout = p.sourceTimeout
	if opts.Timeout > 0 {
		c.timeout = opts.Timeout
	}
	if opts.Frequency > 0 {
		c.period = time.Duration(float64(time.Second) / opts.Frequency)
	}
	if opts.Bounds != nil {
		b := *opts.Bounds
		c.bounds = &b
	}
	c.unit = opts.Unit
	c.buffer = ringbuffer.New[Sample](size)
	c.history = ringbuffer.New[Sample](size)
	c.enabled.Store(true)

	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.checkIdleLocked(); err != nil {
		return err
	}
	if _, exists := p.byName[c.name]; exists {
		return fmt.Errorf("%w: %s", ErrChannelExists, c.name)
	}
	p.channels = append(p.channels, c)
	p.byName[c.name] = c
	return nil
}

// AddSink registers a sink. The pipeline owns it and closes it on Stop.
func (p *Pipeline) AddSink(s Sink) error {
	if s == nil {
		return errors.New("telemetry: nil sink")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.checkIdleLocked(); err != nil {
		return err
	}
	p.sinks = append(p.sinks, s)
	return nil
}

func (p *Pipeline) checkIdleLocked() error {
	switch p.state {
	case stateRunning:
		return ErrPipelineRunning
	case stateStopped:
		return ErrPipelineStopped
	}
	return nil
}

// SetEnabled turns sampling of a channel on or off.
func (p *Pipeline) SetEnabled(name string, enabled bool) error {
	c, err := p.channel(name)
	if err != nil {
		return err
	}
	c.enabled.Store(enabled)
	return nil
}

// =============================================================================
// Lifecycle
// =============================================================================

// Start launches the sampling and drain loops. Sources and sinks receive
// contexts derived from ctx; canceling ctx stops both loops after a final
// drain.
func (p *Pipeline) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch p.state {
	case stateRunning:
		return ErrPipelineRunning
	case stateStopped:
		return ErrPipelineStopped
	}
	p.state = stateRunning

	p.stopSampling = make(chan struct{})
	p.samplerDone = make(chan struct{})
	p.stopDraining = make(chan struct{})
	p.drainerDone = make(chan struct{})

	go p.sampleLoop(ctx)
	go p.drainLoop(ctx)

	p.logger.Info("telemetry pipeline started",
		slog.Float64("frequency_hz", p.frequency),
		slog.Duration("drain_interval", p.drainInterval),
		slog.Int("channels", len(p.channels)),
		slog.Int("sinks", len(p.sinks)))
	return nil
}

// Stop shuts the pipeline down.
//
// # Description
//
// Sampling stops first so no new samples arrive. The drain loop then
// performs a final drain, flushes every sink once, and closes them.
//
// # Outputs
//
//   - error: ctx.Err() if ctx ends before shutdown completes, joined with
//     any sink flush or close errors. Sinks are closed on both paths; an
//     expired ctx skips the flush.
func (p *Pipeline) Stop(ctx context.Context) error {
	p.mu.Lock()
	if p.state != stateRunning {
		p.mu.Unlock()
		if p.state == stateStopped {
			return ErrPipelineStopped
		}
		p.state = stateStopped
		return p.closeSinks()
	}
	p.state = stateStopped
	p.mu.Unlock()

	close(p.stopSampling)
	select {
	case <-p.samplerDone:
	case <-ctx.Done():
		close(p.stopDraining)
		return p.abortStop(ctx)
	}

	close(p.stopDraining)
	select {
	case <-p.drainerDone:
	case <-ctx.Done():
		return p.abortStop(ctx)
	}

	err := p.flushSinks(ctx)
	if cerr := p.closeSinks(); cerr != nil {
		err = errors.Join(err, cerr)
	}
	p.logger.Info("telemetry pipeline stopped")
	return err
}

// abortStop releases sink handles when shutdown overran ctx.
func (p *Pipeline) abortStop(ctx context.Context) error {
	p.logger.Warn("telemetry pipeline stop timed out, closing sinks",
		slog.String("error", ctx.Err().Error()))
	return errors.Join(ctx.Err(), p.closeSinks())
}

func (p *Pipeline) sampleLoop(ctx context.Context) {
	defer close(p.samplerDone)

	ticker := time.NewTicker(time.Duration(float64(time.Second) / p.frequency))
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopSampling:
			return
		case <-ticker.C:
			p.Tick(ctx)
		}
	}
}

func (p *Pipeline) drainLoop(ctx context.Context) {
	defer close(p.drainerDone)

	ticker := time.NewTicker(p.drainInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			// Samples already buffered still go out.
			_ = p.Drain(context.WithoutCancel(ctx))
			return
		case <-p.stopDraining:
			_ = p.Drain(ctx)
			return
		case <-ticker.C:
			_ = p.Drain(ctx)
		}
	}
}

// =============================================================================
// Sampling and draining
// =============================================================================

// Tick runs one sampling pass over every enabled channel. The sampling
// loop calls it on every timer tick; it is exported for deterministic
// driving in tests and tools.
func (p *Pipeline) Tick(ctx context.Context) {
	p.tickMu.Lock()
	defer p.tickMu.Unlock()

	p.mu.RLock()
	channels := p.channels
	p.mu.RUnlock()

	for _, c := range channels {
		if !c.enabled.Load() {
			continue
		}
		now := p.now()
		if !c.due(now) {
			continue
		}
		p.sampleChannel(ctx, c, now)
	}
}

func (p *Pipeline) sampleChannel(ctx context.Context, c *channel, now time.Time) {
	s, outcome, err := c.produce(ctx, now)
	p.metrics.samples.WithLabelValues(c.name, outcome).Inc()

	switch outcome {
	case outcomeAccepted:
		if c.failing.CompareAndSwap(true, false) {
			p.logger.Info("telemetry source recovered", slog.String("channel", c.name))
		}
		if c.buffer.Push(s) {
			p.metrics.dropped.WithLabelValues(c.name).Inc()
		}
		c.history.Push(s)

	case outcomeRejected:
		c.rejected.Add(1)
		p.logger.Debug("sample out of bounds, discarded",
			slog.String("channel", c.name),
			slog.Float64("value", s.Value),
			slog.Float64("min", c.bounds.Min),
			slog.Float64("max", c.bounds.Max))

	case outcomeError, outcomeTimeout:
		c.failures.Add(1)
		if c.failing.CompareAndSwap(false, true) {
			p.logger.Warn("telemetry source unavailable, skipping",
				slog.String("channel", c.name),
				slog.String("error", err.Error()))
		} else {
			p.logger.Debug("telemetry source read failed",
				slog.String("channel", c.name),
				slog.String("error", err.Error()))
		}
	}
}

// Drain empties every channel buffer into one batch and dispatches it to
// all sinks. Returns the joined *SinkError values, nil when every sink
// succeeded or there was nothing to send.
func (p *Pipeline) Drain(ctx context.Context) error {
	p.drainMu.Lock()
	defer p.drainMu.Unlock()

	p.mu.RLock()
	channels := p.channels
	sinks := p.sinks
	p.mu.RUnlock()

	var samples []Sample
	for _, c := range channels {
		samples = append(samples, c.buffer.Drain()...)
	}
	if len(samples) == 0 {
		return nil
	}

	batch := Batch{ID: uuid.New(), CreatedAt: p.now(), Samples: samples}
	p.metrics.batchSize.Observe(float64(len(samples)))
	return p.dispatch(ctx, sinks, batch)
}

// dispatch writes batch to every sink concurrently. A failing sink is
// logged and counted; it does not affect the others.
func (p *Pipeline) dispatch(ctx context.Context, sinks []Sink, batch Batch) error {
	if len(sinks) == 0 {
		return nil
	}

	ctx, span := observability.StartSpan(ctx, tracerName, "telemetry.Dispatch",
		trace.WithAttributes(
			attribute.String("telemetry.batch_id", batch.ID.String()),
			attribute.Int("telemetry.samples", len(batch.Samples)),
			attribute.Int("telemetry.sinks", len(sinks)),
		))
	defer span.End()
	logger := observability.LoggerWithTrace(ctx, p.logger)

	errs := make([]error, len(sinks))
	var g errgroup.Group
	g.SetLimit(p.sinkConcurrency)
	for i, s := range sinks {
		g.Go(func() error {
			wctx, cancel := context.WithTimeout(ctx, p.sinkTimeout)
			defer cancel()

			if err := s.Write(wctx, batch); err != nil {
				p.metrics.sinkWrites.WithLabelValues(s.Name(), "error").Inc()
				logger.Warn("sink write failed",
					slog.String("sink", s.Name()),
					slog.String("batch_id", batch.ID.String()),
					slog.Int("samples", len(batch.Samples)),
					slog.String("error", err.Error()))
				errs[i] = &SinkError{Sink: s.Name(), Op: "write", Err: err}
				return nil
			}
			p.metrics.sinkWrites.WithLabelValues(s.Name(), "success").Inc()
			return nil
		})
	}
	_ = g.Wait()

	err := errors.Join(errs...)
	if err != nil {
		observability.RecordError(span, err)
	} else {
		observability.SetSpanOK(span)
	}
	return err
}

func (p *Pipeline) flushSinks(ctx context.Context) error {
	p.mu.RLock()
	sinks := p.sinks
	p.mu.RUnlock()

	var errs []error
	for _, s := range sinks {
		fctx, cancel := context.WithTimeout(ctx, p.sinkTimeout)
		if err := s.Flush(fctx); err != nil {
			errs = append(errs, &SinkError{Sink: s.Name(), Op: "flush", Err: err})
		}
		cancel()
	}
	return errors.Join(errs...)
}

func (p *Pipeline) closeSinks() error {
	p.mu.RLock()
	sinks := p.sinks
	p.mu.RUnlock()

	var errs []error
	for _, s := range sinks {
		if err := s.Close(); err != nil {
			errs = append(errs, &SinkError{Sink: s.Name(), Op: "close", Err: err})
		}
	}
	return errors.Join(errs...)
}

// =============================================================================
// Queries
// =============================================================================

func (p *Pipeline) channel(name string) (*channel, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	c, ok := p.byName[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrChannelNotFound, name)
	}
	return c, nil
}

// RecentSamples returns up to count of the newest samples for name,
// oldest first.
func (p *Pipeline) RecentSamples(name string, count int) ([]Sample, error) {
	c, err := p.channel(name)
	if err != nil {
		return nil, err
	}
	return c.history.Last(count), nil
}

// Statistics summarizes the retained samples for name. Cost is linear in
// the number of retained samples.
func (p *Pipeline) Statistics(name string) (Statistics, error) {
	c, err := p.channel(name)
	if err != nil {
		return Statistics{}, err
	}
	return computeStatistics(name, c.history.Snapshot(), c.buffer.Dropped()), nil
}

// DroppedSamples returns how many samples name's buffer overwrote.
func (p *Pipeline) DroppedSamples(name string) (int64, error) {
	c, err := p.channel(name)
	if err != nil {
		return 0, err
	}
	return c.buffer.Dropped(), nil
}

// Channels describes every registered channel in registration order.
func (p *Pipeline) Channels() []ChannelInfo {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]ChannelInfo, len(p.channels))
	for i, c := range p.channels {
		out[i] = c.info(c.compute != nil)
	}
	return out
}
