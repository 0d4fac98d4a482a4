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
	"time"

	"github.com/google/uuid"
)

var (
	// ErrChannelExists is returned when registering a duplicate name.
	ErrChannelExists = errors.New("telemetry: channel already registered")

	// ErrChannelNotFound is returned for an unknown channel name.
	ErrChannelNotFound = errors.New("telemetry: channel not found")

	// ErrInvalidChannel is returned for an unusable registration.
	ErrInvalidChannel = errors.New("telemetry: invalid channel")

	// ErrPipelineRunning is returned when registering after Start.
	ErrPipelineRunning = errors.New("telemetry: pipeline is running")

	// ErrPipelineStopped is returned when using a stopped pipeline.
	ErrPipelineStopped = errors.New("telemetry: pipeline is stopped")

	// ErrSourceUnavailable may be returned by a Source with no value this
	// tick. The tick is skipped for that channel.
	ErrSourceUnavailable = errors.New("telemetry: source unavailable")
)

// Quality tags how trustworthy a sample is.
type Quality int

const (
	QualityGood Quality = iota
	QualityQuestionable
	QualityBad
	QualityNoData
)

func (q Quality) String() string {
	switch q {
	case QualityGood:
		return "good"
	case QualityQuestionable:
		return "questionable"
	case QualityBad:
		return "bad"
	case QualityNoData:
		return "no_data"
	default:
		return fmt.Sprintf("quality(%d)", int(q))
	}
}

// MarshalText renders the quality name in JSON.
func (q Quality) MarshalText() ([]byte, error) {
	return []byte(q.String()), nil
}

// UnmarshalText parses a quality name.
func (q *Quality) UnmarshalText(b []byte) error {
	for _, c := range []Quality{QualityGood, QualityQuestionable, QualityBad, QualityNoData} {
		if c.String() == string(b) {
			*q = c
			return nil
		}
	}
	return fmt.Errorf("telemetry: unknown quality %q", b)
}

// QualityError lets a source return a value with an explicit quality.
// A value tagged QualityNoData is not buffered.
type QualityError struct {
	Quality Quality
	Err     error
}

func (e *QualityError) Error() string {
	if e.Err == nil {
		return "telemetry: sample quality " + e.Quality.String()
	}
	return fmt.Sprintf("telemetry: sample quality %s: %v", e.Quality, e.Err)
}

func (e *QualityError) Unwrap() error { return e.Err }

// Sample is one timestamped channel value.
type Sample struct {
	Channel   string    `json:"channel"`
	Value     float64   `json:"value"`
	Timestamp time.Time `json:"timestamp"`
	Quality   Quality   `json:"quality"`
	Unit      string    `json:"unit,omitempty"`
}

// Batch is the unit of delivery to sinks. Samples for one channel appear in
// timestamp order.
type Batch struct {
	ID        uuid.UUID `json:"id"`
	CreatedAt time.Time `json:"created_at"`
	Samples   []Sample  `json:"samples"`
}

// Sink receives batches from the drain loop.
//
// Write is called from the drain loop concurrently with other sinks'
// writes, never concurrently with itself. Flush and Close are called once
// during Stop.
type Sink interface {
	Name() string
	Write(ctx context.Context, batch Batch) error
	Flush(ctx context.Context) error
	Close() error
}

// SinkError reports a failure of one sink.
type SinkError struct {
	Sink string
	Op   string
	Err  error
}

func (e *SinkError) Error() string {
	return fmt.Sprintf("telemetry: sink %s %s: %v", e.Sink, e.Op, e.Err)
}

func (e *SinkError) Unwrap() error { return e.Err }

// Source produces a channel value on demand.
type Source interface {
	Read(ctx context.Context) (float64, error)
}

// SourceFunc adapts a function to Source.
type SourceFunc func(ctx context.Context) (float64, error)

// Read calls f.
func (f SourceFunc) Read(ctx context.Context) (float64, error) { return f(ctx) }

// ComputeFunc derives a value, usually from other state, on its own
// schedule.
type ComputeFunc func(ctx context.Context) (float64, error)

// Bounds is an inclusive valid range for a channel.
type Bounds struct {
	Min float64 `json:"min"`
	Max float64 `json:"max"`
}

// questionableMargin is the fraction of the range at each edge where a
// sample is tagged Questionable.
const questionableMargin = 0.05

// classify returns the quality of v and false when v is out of bounds.
func (b *Bounds) classify(v float64) (Quality, bool) {
	if b == nil {
		return QualityGood, true
	}
	if !(v >= b.Min && v <= b.Max) {
		return QualityBad, false
	}
	margin := (b.Max - b.Min) * questionableMargin
	if v < b.Min+margin || v > b.Max-margin {
		return QualityQuestionable, true
	}
	return QualityGood, true
}

// ChannelOptions configures a channel registration.
type ChannelOptions struct {
	// Bounds discards samples outside [Min, Max]. Nil accepts everything.
	Bounds *Bounds

	// Timeout bounds a single source read. Zero uses the pipeline default.
	Timeout time.Duration

	// Frequency in Hz overrides the pipeline frequency when lower. Zero
	// samples on every tick.
	Frequency float64

	// BufferSize overrides the pipeline buffer size.
	BufferSize int

	// Unit is attached to every sample.
	Unit string
}

// ChannelInfo describes a registered channel.
type ChannelInfo struct {
	Name      string  `json:"name"`
	Unit      string  `json:"unit,omitempty"`
	Enabled   bool    `json:"enabled"`
	Computed  bool    `json:"computed"`
	Bounds    *Bounds `json:"bounds,omitempty"`
	Frequency float64 `json:"frequency_hz,omitempty"`
	Buffered  int     `json:"buffered"`
	Capacity  int     `json:"capacity"`
	Dropped   int64   `json:"dropped"`
	Rejected  int64   `json:"rejected"`
	Failures  int64   `json:"failures"`
}

// Statistics summarizes a channel's recent samples.
type Statistics struct {
	Channel  string    `json:"channel"`
	Count    int       `json:"count"`
	Min      float64   `json:"min"`
	Max      float64   `json:"max"`
	Mean     float64   `json:"mean"`
	StdDev   float64   `json:"std_dev"`
	Latest   float64   `json:"latest"`
	LatestAt time.Time `json:"latest_at"`
	Dropped  int64     `json:"dropped"`
}
