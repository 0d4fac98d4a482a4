// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package sinks provides telemetry.Sink implementations.
//
// # Sinks
//
//   - LogSink: structured log line per batch (slog).
//   - MemorySink: in-process retention for inspection and tests.
//   - InfluxSink: InfluxDB points through the blocking write API.
//   - BadgerSink: embedded key-value store with time-range queries.
//   - RedisSink: one Redis stream entry per sample (XADD, capped).
//   - SQLiteSink: rows in a telemetry_samples table.
//   - GCSSink: one newline-delimited JSON object per batch in Cloud Storage.
//   - WebSocketSink: live JSON broadcast to connected clients.
//
// Every sink is safe for concurrent use.
package sinks

import (
	"context"
	"log/slog"
	"sync"

	"github.com/AleutianAI/sentinel/services/telemetry"
)

var (
	_ telemetry.Sink = (*LogSink)(nil)
	_ telemetry.Sink = (*MemorySink)(nil)
)

// LogSink logs a summary line per batch, and each sample at debug level.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink creates a LogSink. Nil logger uses slog.Default().
func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{logger: logger.With(slog.String("sink", "log"))}
}

func (s *LogSink) Name() string { return "log" }

func (s *LogSink) Write(ctx context.Context, b telemetry.Batch) error {
	s.logger.InfoContext(ctx, "telemetry batch",
		slog.String("batch_id", b.ID.String()),
		slog.Int("samples", len(b.Samples)))
	if s.logger.Enabled(ctx, slog.LevelDebug) {
		for _, smp := range b.Samples {
			s.logger.DebugContext(ctx, "telemetry sample",
				slog.String("channel", smp.Channel),
				slog.Float64("value", smp.Value),
				slog.String("quality", smp.Quality.String()),
				slog.Time("timestamp", smp.Timestamp))
		}
	}
	return nil
}

func (s *LogSink) Flush(context.Context) error { return nil }
func (s *LogSink) Close() error                { return nil }

// MemorySink keeps the most recent samples in memory.
type MemorySink struct {
	mu      sync.Mutex
	limit   int
	batches int
	samples []telemetry.Sample
	flushes int
	closed  bool
}

// NewMemorySink creates a MemorySink retaining at most limit samples.
// limit <= 0 retains everything.
func NewMemorySink(limit int) *MemorySink {
	return &MemorySink{limit: limit}
}

func (s *MemorySink) Name() string { return "memory" }

func (s *MemorySink) Write(_ context.Context, b telemetry.Batch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches++
	s.samples = append(s.samples, b.Samples...)
	if s.limit > 0 && len(s.samples) > s.limit {
		s.samples = append(s.samples[:0:0], s.samples[len(s.samples)-s.limit:]...)
	}
	return nil
}

func (s *MemorySink) Flush(context.Context) error {
	s.mu.Lock()
	s.flushes++
	s.mu.Unlock()
	return nil
}

func (s *MemorySink) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

// Samples returns a copy of the retained samples.
func (s *MemorySink) Samples() []telemetry.Sample {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]telemetry.Sample, len(s.samples))
	copy(out, s.samples)
	return out
}

// Batches returns how many batches were written.
func (s *MemorySink) Batches() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.batches
}

// Closed reports whether Close was called.
func (s *MemorySink) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
