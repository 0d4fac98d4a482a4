// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"runtime"
	"runtime/metrics"

	"github.com/AleutianAI/sentinel/services/ratelimit"
	"github.com/AleutianAI/sentinel/services/redundancy"
	"github.com/AleutianAI/sentinel/services/telemetry"
)

const (
	metricHeapObjects = "/gc/heap/objects:objects"
	metricHeapLive    = "/gc/heap/live:bytes"
	metricGCCycles    = "/gc/cycles/total:gc-cycles"
)

// readRuntimeMetric reads one runtime/metrics sample as float64.
func readRuntimeMetric(name string) (float64, error) {
	s := []metrics.Sample{{Name: name}}
	metrics.Read(s)
	switch s[0].Value.Kind() {
	case metrics.KindUint64:
		return float64(s[0].Value.Uint64()), nil
	case metrics.KindFloat64:
		return s[0].Value.Float64(), nil
	default:
		return 0, &telemetry.QualityError{Quality: telemetry.QualityNoData, Err: telemetry.ErrSourceUnavailable}
	}
}

func runtimeSource(name string) telemetry.SourceFunc {
	return func(context.Context) (float64, error) { return readRuntimeMetric(name) }
}

// registerNodeChannels registers the process and subsystem channels
// sampled by a running node.
func registerNodeChannels(p *telemetry.Pipeline, health func() redundancy.SystemHealth, limiter *ratelimit.Limiter) error {
	channels := []struct {
		name   string
		source telemetry.Source
		opts   telemetry.ChannelOptions
	}{
		{
			name: "runtime.goroutines",
			source: telemetry.SourceFunc(func(context.Context) (float64, error) {
				return float64(runtime.NumGoroutine()), nil
			}),
			opts: telemetry.ChannelOptions{Unit: "goroutines", Bounds: &telemetry.Bounds{Min: 0, Max: 100000}},
		},
		{name: "runtime.heap_live", source: runtimeSource(metricHeapLive), opts: telemetry.ChannelOptions{Unit: "bytes", Frequency: 10}},
		{name: "runtime.heap_objects", source: runtimeSource(metricHeapObjects), opts: telemetry.ChannelOptions{Unit: "objects", Frequency: 10}},
		{name: "runtime.gc_cycles", source: runtimeSource(metricGCCycles), opts: telemetry.ChannelOptions{Unit: "cycles", Frequency: 1}},
	}
	for _, c := range channels {
		if err := p.RegisterChannel(c.name, c.source, c.opts); err != nil {
			return err
		}
	}

	computed := []struct {
		name string
		fn   telemetry.ComputeFunc
		unit string
	}{
		{"redundancy.healthy", func(context.Context) (float64, error) { return float64(health().Healthy), nil }, "components"},
		{"redundancy.level", func(context.Context) (float64, error) { return float64(health().RedundancyLevel), nil }, "components"},
		{"ratelimit.buckets", func(context.Context) (float64, error) { return float64(limiter.Len()), nil }, "buckets"},
	}
	for _, c := range computed {
		if err := p.RegisterComputedChannel(c.name, c.fn, 1, telemetry.ChannelOptions{Unit: c.unit}); err != nil {
			return err
		}
	}
	return nil
}
