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
	"math"
	"sync/atomic"
	"time"

	"github.com/AleutianAI/sentinel/pkg/ringbuffer"
)

// outcome labels for sentinel_telemetry_samples_total.
const (
	outcomeAccepted = "accepted"
	outcomeRejected = "rejected"
	outcomeError    = "error"
	outcomeTimeout  = "timeout"
	outcomeNoData   = "no_data"
)

// channel binds a name to exactly one of a source or a compute function.
type channel struct {
	name     string
	unit     string
	source   Source
	compute  ComputeFunc
	bounds   *Bounds
	timeout  time.Duration
	period   time.Duration
	nextDue  time.Time // sampler goroutine only
	enabled  atomic.Bool
	failing  atomic.Bool
	rejected atomic.Int64
	failures atomic.Int64
	inFlight atomic.Bool

	// buffer carries samples to the drain loop.
	buffer *ringbuffer.RingBuffer[Sample]

	// history retains recent samples for queries after draining.
	history *ringbuffer.RingBuffer[Sample]
}

func (c *channel) read(ctx context.Context) (float64, error) {
	if c.compute != nil {
		return c.compute(ctx)
	}
	return c.source.Read(ctx)
}

// errReadInFlight reports a tick skipped because an abandoned read has not
// returned yet. It counts as a timeout.
var errReadInFlight = fmt.Errorf("previous read still in flight: %w", context.DeadlineExceeded)

// readWithTimeout bounds the read by the channel timeout even when the
// source ignores ctx. A read that overruns is abandoned, and at most one read
// per channel is outstanding.
func (c *channel) readWithTimeout(ctx context.Context) (float64, error) {
	if !c.inFlight.CompareAndSwap(false, true) {
		return 0, errReadInFlight
	}
	rctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	type result struct {
		v   float64
		err error
	}
	done := make(chan result, 1)
	go func() {
		v, err := c.read(rctx)
		c.inFlight.Store(false)
		done <- result{v, err}
	}()

	select {
	case r := <-done:
		return r.v, r.err
	case <-rctx.Done():
		return 0, rctx.Err()
	}
}

// due reports whether a per-channel frequency allows sampling at now and
// advances the schedule.
func (c *channel) due(now time.Time) bool {
	if c.period <= 0 {
		return true
	}
	if now.Before(c.nextDue) {
		return false
	}
	c.nextDue = now.Add(c.period)
	return true
}

// produce reads one value and classifies it. Only samples with
// outcomeAccepted are buffered.
func (c *channel) produce(ctx context.Context, now time.Time) (s Sample, outcome string, err error) {
	v, err := c.readWithTimeout(ctx)

	quality := QualityGood
	if err != nil {
		var qe *QualityError
		switch {
		case errors.As(err, &qe) && qe.Quality != QualityNoData:
			quality = qe.Quality
		case errors.As(err, &qe):
			return Sample{}, outcomeNoData, nil
		case errors.Is(err, context.DeadlineExceeded):
			return Sample{}, outcomeTimeout, err
		default:
			return Sample{}, outcomeError, err
		}
	}

	bq, inBounds := c.bounds.classify(v)
	if !inBounds {
		return Sample{Channel: c.name, Value: v, Timestamp: now}, outcomeRejected, nil
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		quality = QualityBad
	}
	if bq > quality {
		quality = bq
	}

	return Sample{
		Channel:   c.name,
		Value:     v,
		Timestamp: now,
		Quality:   quality,
		Unit:      c.unit,
	}, outcomeAccepted, nil
}

func (c *channel) info(computed bool) ChannelInfo {
	info := ChannelInfo{
		Name:     c.name,
		Unit:     c.unit,
		Enabled:  c.enabled.Load(),
		Computed: computed,
		Bounds:   c.bounds,
		Buffered: c.buffer.Len(),
		Capacity: c.buffer.Cap(),
		Dropped:  c.buffer.Dropped(),
		Rejected: c.rejected.Load(),
		Failures: c.failures.Load(),
	}
	if c.period > 0 {
		info.Frequency = float64(time.Second) / float64(c.period)
	}
	return info
}

// computeStatistics summarizes samples using the population standard
// deviation.
func computeStatistics(name string, samples []Sample, dropped int64) Statistics {
	st := Statistics{Channel: name, Count: len(samples), Dropped: dropped}
	if len(samples) == 0 {
		return st
	}

	st.Min = math.Inf(1)
	st.Max = math.Inf(-1)
	var sum float64
	for _, s := range samples {
		sum += s.Value
		st.Min = math.Min(st.Min, s.Value)
		st.Max = math.Max(st.Max, s.Value)
	}
	st.Mean = sum / float64(len(samples))

	var sq float64
	for _, s := range samples {
		d := s.Value - st.Mean
		sq += d * d
	}
	st.StdDev = math.Sqrt(sq / float64(len(samples)))

	last := samples[len(samples)-1]
	st.Latest = last.Value
	st.LatestAt = last.Timestamp
	return st
}
