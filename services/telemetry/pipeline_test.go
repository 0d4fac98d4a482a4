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
	"bytes"
	"context"
	"errors"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// recordingSink keeps every batch it receives.
type recordingSink struct {
	name     string
	writeErr error

	mu      sync.Mutex
	batches []Batch
	flushed atomic.Int32
	closed  atomic.Int32
}

func (s *recordingSink) Name() string { return s.name }

func (s *recordingSink) Write(_ context.Context, b Batch) error {
	if s.writeErr != nil {
		return s.writeErr
	}
	s.mu.Lock()
	s.batches = append(s.batches, b)
	s.mu.Unlock()
	return nil
}

func (s *recordingSink) Flush(context.Context) error { s.flushed.Add(1); return nil }
func (s *recordingSink) Close() error                { s.closed.Add(1); return nil }

func (s *recordingSink) samples() []Sample {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Sample
	for _, b := range s.batches {
		out = append(out, b.Samples...)
	}
	return out
}

// stallingSink blocks every Write until release is closed, ignoring ctx.
type stallingSink struct {
	release chan struct{}
	closed  atomic.Int32
}

func (s *stallingSink) Name() string { return "stalling" }

func (s *stallingSink) Write(context.Context, Batch) error {
	<-s.release
	return nil
}

func (s *stallingSink) Flush(context.Context) error { return nil }
func (s *stallingSink) Close() error                { s.closed.Add(1); return nil }

type stepClock struct {
	mu  sync.Mutex
	now time.Time
}

func newStepClock() *stepClock {
	return &stepClock{now: time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *stepClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// counterSource returns 1, 2, 3, ...
func counterSource() SourceFunc {
	var n atomic.Int64
	return func(context.Context) (float64, error) {
		return float64(n.Add(1)), nil
	}
}

func constSource(v float64) SourceFunc {
	return func(context.Context) (float64, error) { return v, nil }
}

func TestRegister_Validation(t *testing.T) {
	p := NewPipeline()

	assert.ErrorIs(t, p.RegisterChannel("x", nil, ChannelOptions{}), ErrInvalidChannel)
	assert.ErrorIs(t, p.RegisterComputedChannel("x", nil, 1, ChannelOptions{}), ErrInvalidChannel)
	assert.ErrorIs(t, p.RegisterChannel("", constSource(1), ChannelOptions{}), ErrInvalidChannel)
	assert.ErrorIs(t, p.RegisterChannel("a/b", constSource(1), ChannelOptions{}), ErrInvalidChannel)
	assert.ErrorIs(t, p.RegisterChannel("x", constSource(1), ChannelOptions{Bounds: &Bounds{Min: 2, Max: 1}}), ErrInvalidChannel)

	require.NoError(t, p.RegisterChannel("x", constSource(1), ChannelOptions{}))
	assert.ErrorIs(t, p.RegisterChannel("x", constSource(1), ChannelOptions{}), ErrChannelExists)

	_, err := p.Statistics("missing")
	assert.ErrorIs(t, err, ErrChannelNotFound)
}

func TestRegister_RejectedWhileRunning(t *testing.T) {
	p := NewPipeline(WithDrainInterval(time.Hour), WithFrequency(1))
	require.NoError(t, p.Start(context.Background()))

	assert.ErrorIs(t, p.RegisterChannel("late", constSource(1), ChannelOptions{}), ErrPipelineRunning)
	assert.ErrorIs(t, p.AddSink(&recordingSink{name: "late"}), ErrPipelineRunning)
	assert.ErrorIs(t, p.Start(context.Background()), ErrPipelineRunning)

	require.NoError(t, p.Stop(context.Background()))
	assert.ErrorIs(t, p.Start(context.Background()), ErrPipelineStopped)
	assert.ErrorIs(t, p.Stop(context.Background()), ErrPipelineStopped)
}

func TestTickAndDrain_DeliversInOrder(t *testing.T) {
	clock := newStepClock()
	p := NewPipeline(WithClock(clock.Now))
	sink := &recordingSink{name: "rec"}
	require.NoError(t, p.AddSink(sink))
	require.NoError(t, p.RegisterChannel("temp", counterSource(), ChannelOptions{Unit: "C"}))

	for i := 0; i < 3; i++ {
		p.Tick(context.Background())
		clock.Advance(10 * time.Millisecond)
	}
	require.NoError(t, p.Drain(context.Background()))

	got := sink.samples()
	require.Len(t, got, 3)
	for i, s := range got {
		assert.Equal(t, float64(i+1), s.Value)
		assert.Equal(t, "temp", s.Channel)
		assert.Equal(t, "C", s.Unit)
		assert.Equal(t, QualityGood, s.Quality)
		if i > 0 {
			assert.True(t, s.Timestamp.After(got[i-1].Timestamp))
		}
	}
	assert.NotEqual(t, [16]byte{}, [16]byte(sink.batches[0].ID))

	// Drained samples stay queryable.
	recent, err := p.RecentSamples("temp", 2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, 2.0, recent[0].Value)
	assert.Equal(t, 3.0, recent[1].Value)

	// Nothing new: no empty batch.
	require.NoError(t, p.Drain(context.Background()))
	assert.Len(t, sink.batches, 1)
}

func TestOutOfBoundsChannelNeverBuffers(t *testing.T) {
	reg := prometheus.NewRegistry()
	p := NewPipeline(WithRegisterer(reg))
	sink := &recordingSink{name: "rec"}
	require.NoError(t, p.AddSink(sink))
	require.NoError(t, p.RegisterChannel("hot", constSource(500), ChannelOptions{Bounds: &Bounds{Min: 0, Max: 100}}))
	require.NoError(t, p.RegisterChannel("ok", constSource(50), ChannelOptions{Bounds: &Bounds{Min: 0, Max: 100}}))

	for i := 0; i < 5; i++ {
		p.Tick(context.Background())
	}
	require.NoError(t, p.Drain(context.Background()))

	for _, s := range sink.samples() {
		assert.Equal(t, "ok", s.Channel)
	}
	assert.Len(t, sink.samples(), 5)

	st, err := p.Statistics("hot")
	require.NoError(t, err)
	assert.Zero(t, st.Count)

	infos := p.Channels()
	require.Len(t, infos, 2)
	assert.Equal(t, int64(5), infos[0].Rejected)
	assert.Equal(t, float64(5), testutil.ToFloat64(p.metrics.samples.WithLabelValues("hot", outcomeRejected)))
	assert.Equal(t, float64(5), testutil.ToFloat64(p.metrics.samples.WithLabelValues("ok", outcomeAccepted)))
}

func TestQuality(t *testing.T) {
	tests := []struct {
		name  string
		value float64
		err   error
		want  Quality
		kept  bool
	}{
		{"middle", 50, nil, QualityGood, true},
		{"near min", 3, nil, QualityQuestionable, true},
		{"near max", 97, nil, QualityQuestionable, true},
		{"at bound", 100, nil, QualityQuestionable, true},
		{"source says bad", 50, &QualityError{Quality: QualityBad}, QualityBad, true},
		{"no data", 0, &QualityError{Quality: QualityNoData}, 0, false},
		{"unavailable", 0, ErrSourceUnavailable, 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := NewPipeline()
			src := SourceFunc(func(context.Context) (float64, error) { return tt.value, tt.err })
			require.NoError(t, p.RegisterChannel("c", src, ChannelOptions{Bounds: &Bounds{Min: 0, Max: 100}}))

			p.Tick(context.Background())
			recent, err := p.RecentSamples("c", 1)
			require.NoError(t, err)
			if !tt.kept {
				assert.Empty(t, recent)
				return
			}
			require.Len(t, recent, 1)
			assert.Equal(t, tt.want, recent[0].Quality)
		})
	}
}

func TestFailingSinkIsIsolated(t *testing.T) {
	reg := prometheus.NewRegistry()
	p := NewPipeline(WithRegisterer(reg))
	bad := &recordingSink{name: "bad", writeErr: errors.New("disk full")}
	good := &recordingSink{name: "good"}
	require.NoError(t, p.AddSink(bad))
	require.NoError(t, p.AddSink(good))
	require.NoError(t, p.RegisterChannel("c", counterSource(), ChannelOptions{}))

	p.Tick(context.Background())
	err := p.Drain(context.Background())

	var sinkErr *SinkError
	require.ErrorAs(t, err, &sinkErr)
	assert.Equal(t, "bad", sinkErr.Sink)
	assert.Len(t, good.samples(), 1)

	// At-most-once: the failed batch is not redelivered.
	p.Tick(context.Background())
	_ = p.Drain(context.Background())
	got := good.samples()
	require.Len(t, got, 2)
	assert.Equal(t, 2.0, got[1].Value)

	assert.Equal(t, float64(2), testutil.ToFloat64(p.metrics.sinkWrites.WithLabelValues("bad", "error")))
	assert.Equal(t, float64(2), testutil.ToFloat64(p.metrics.sinkWrites.WithLabelValues("good", "success")))
}

func TestFullBufferOverwritesOldest(t *testing.T) {
	p := NewPipeline(WithRegisterer(prometheus.NewRegistry()))
	sink := &recordingSink{name: "rec"}
	require.NoError(t, p.AddSink(sink))
	require.NoError(t, p.RegisterChannel("c", counterSource(), ChannelOptions{BufferSize: 2}))

	for i := 0; i < 5; i++ {
		p.Tick(context.Background())
	}
	dropped, err := p.DroppedSamples("c")
	require.NoError(t, err)
	assert.Equal(t, int64(3), dropped)
	assert.Equal(t, float64(3), testutil.ToFloat64(p.metrics.dropped.WithLabelValues("c")))

	require.NoError(t, p.Drain(context.Background()))
	got := sink.samples()
	require.Len(t, got, 2)
	assert.Equal(t, 4.0, got[0].Value)
	assert.Equal(t, 5.0, got[1].Value)
}

func TestSourceTimeoutSkipsTick(t *testing.T) {
	p := NewPipeline(WithSourceTimeout(10 * time.Millisecond))
	block := make(chan struct{})
	defer close(block)

	slow := SourceFunc(func(context.Context) (float64, error) {
		<-block
		return 1, nil
	})
	require.NoError(t, p.RegisterChannel("slow", slow, ChannelOptions{}))
	require.NoError(t, p.RegisterChannel("fast", constSource(2), ChannelOptions{}))

	p.Tick(context.Background())

	slowRecent, _ := p.RecentSamples("slow", 10)
	fastRecent, _ := p.RecentSamples("fast", 10)
	assert.Empty(t, slowRecent)
	assert.Len(t, fastRecent, 1)
	assert.Equal(t, int64(1), p.Channels()[0].Failures)
	assert.Equal(t, float64(1), testutil.ToFloat64(p.metrics.samples.WithLabelValues("slow", outcomeTimeout)))
}

func TestHungSourceKeepsOneReadOutstanding(t *testing.T) {
	p := NewPipeline(WithSourceTimeout(time.Millisecond))
	block := make(chan struct{})
	defer close(block)

	var reads atomic.Int32
	hung := SourceFunc(func(context.Context) (float64, error) {
		reads.Add(1)
		<-block
		return 1, nil
	})
	require.NoError(t, p.RegisterChannel("hung", hung, ChannelOptions{}))

	before := runtime.NumGoroutine()
	for i := 0; i < 500; i++ {
		p.Tick(context.Background())
	}

	assert.LessOrEqual(t, runtime.NumGoroutine(), before+5)
	assert.Equal(t, int32(1), reads.Load())
	assert.Equal(t, int64(500), p.Channels()[0].Failures)
	assert.Equal(t, float64(500), testutil.ToFloat64(p.metrics.samples.WithLabelValues("hung", outcomeTimeout)))
}

func TestComputedChannelFrequency(t *testing.T) {
	clock := newStepClock()
	p := NewPipeline(WithClock(clock.Now))

	var calls atomic.Int32
	fn := ComputeFunc(func(context.Context) (float64, error) {
		calls.Add(1)
		return 1, nil
	})
	require.NoError(t, p.RegisterComputedChannel("derived", fn, 10, ChannelOptions{}))

	for i := 0; i < 10; i++ { // 10 ticks at 100 Hz = 100ms
		p.Tick(context.Background())
		clock.Advance(10 * time.Millisecond)
	}
	p.Tick(context.Background())

	assert.Equal(t, int32(2), calls.Load())
	info := p.Channels()[0]
	assert.True(t, info.Computed)
	assert.InDelta(t, 10.0, info.Frequency, 0.001)
}

func TestSetEnabled(t *testing.T) {
	p := NewPipeline()
	require.NoError(t, p.RegisterChannel("c", constSource(1), ChannelOptions{}))
	require.NoError(t, p.SetEnabled("c", false))
	assert.ErrorIs(t, p.SetEnabled("nope", false), ErrChannelNotFound)

	p.Tick(context.Background())
	st, _ := p.Statistics("c")
	assert.Zero(t, st.Count)

	require.NoError(t, p.SetEnabled("c", true))
	p.Tick(context.Background())
	st, _ = p.Statistics("c")
	assert.Equal(t, 1, st.Count)
}

func TestComputeStatistics(t *testing.T) {
	ts := time.Unix(100, 0)
	values := []float64{2, 4, 4, 4, 5, 5, 7, 9}
	samples := make([]Sample, len(values))
	for i, v := range values {
		samples[i] = Sample{Value: v, Timestamp: ts.Add(time.Duration(i) * time.Second)}
	}

	st := computeStatistics("c", samples, 3)
	assert.Equal(t, 8, st.Count)
	assert.Equal(t, 2.0, st.Min)
	assert.Equal(t, 9.0, st.Max)
	assert.InDelta(t, 5.0, st.Mean, 1e-9)
	assert.InDelta(t, 2.0, st.StdDev, 1e-9)
	assert.Equal(t, 9.0, st.Latest)
	assert.Equal(t, ts.Add(7*time.Second), st.LatestAt)
	assert.Equal(t, int64(3), st.Dropped)

	empty := computeStatistics("c", nil, 0)
	assert.Zero(t, empty.Count)
	assert.Zero(t, empty.Min)
}

func TestStartStop_FinalDrainAndFlush(t *testing.T) {
	p := NewPipeline(WithFrequency(1000), WithDrainInterval(time.Hour))
	sink := &recordingSink{name: "rec"}
	require.NoError(t, p.AddSink(sink))
	require.NoError(t, p.RegisterChannel("c", counterSource(), ChannelOptions{}))

	require.NoError(t, p.Start(context.Background()))
	require.Eventually(t, func() bool {
		st, _ := p.Statistics("c")
		return st.Count >= 5
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, p.Stop(context.Background()))

	// The drain interval never fired; everything arrived through the
	// final drain, and nothing was sampled after it.
	st, _ := p.Statistics("c")
	assert.Equal(t, st.Count, len(sink.samples()))
	assert.Equal(t, int32(1), sink.flushed.Load())
	assert.Equal(t, int32(1), sink.closed.Load())
}

func TestStop_TimeoutStillClosesSinks(t *testing.T) {
	p := NewPipeline(WithFrequency(1000), WithDrainInterval(time.Hour), WithSinkTimeout(time.Hour))
	sink := &stallingSink{release: make(chan struct{})}
	defer close(sink.release)
	require.NoError(t, p.AddSink(sink))
	require.NoError(t, p.RegisterChannel("c", counterSource(), ChannelOptions{}))

	require.NoError(t, p.Start(context.Background()))
	require.Eventually(t, func() bool {
		st, _ := p.Statistics("c")
		return st.Count >= 1
	}, 2*time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := p.Stop(ctx)

	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, int32(1), sink.closed.Load())
	assert.ErrorIs(t, p.Stop(context.Background()), ErrPipelineStopped)
}

func TestDispatch_RecordsSpanAndTracedLogs(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	var buf bytes.Buffer
	p := NewPipeline(WithRegisterer(prometheus.NewRegistry()), WithLogger(slog.New(slog.NewJSONHandler(&buf, nil))))
	require.NoError(t, p.AddSink(&recordingSink{name: "bad", writeErr: errors.New("disk full")}))
	require.NoError(t, p.AddSink(&recordingSink{name: "good"}))
	require.NoError(t, p.RegisterChannel("c", counterSource(), ChannelOptions{}))

	p.Tick(context.Background())
	require.Error(t, p.Drain(context.Background()))

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "telemetry.Dispatch", spans[0].Name())
	assert.Equal(t, codes.Error, spans[0].Status().Code)
	assert.Contains(t, buf.String(), "sink write failed")
	assert.Contains(t, buf.String(), spans[0].SpanContext().TraceID().String())

	ok := NewPipeline(WithRegisterer(prometheus.NewRegistry()))
	require.NoError(t, ok.AddSink(&recordingSink{name: "good"}))
	require.NoError(t, ok.RegisterChannel("c", counterSource(), ChannelOptions{}))
	ok.Tick(context.Background())
	require.NoError(t, ok.Drain(context.Background()))
	spans = recorder.Ended()
	require.Len(t, spans, 2)
	assert.Equal(t, codes.Ok, spans[1].Status().Code)
}

func TestQualityText(t *testing.T) {
	var q Quality
	require.NoError(t, q.UnmarshalText([]byte("questionable")))
	assert.Equal(t, QualityQuestionable, q)
	assert.Error(t, q.UnmarshalText([]byte("meh")))
}
