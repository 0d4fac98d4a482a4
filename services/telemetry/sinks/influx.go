// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package sinks

import (
	"context"
	"fmt"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/AleutianAI/sentinel/services/telemetry"
)

var _ telemetry.Sink = (*InfluxSink)(nil)

// influxMeasurement is the measurement every sample is written under.
const influxMeasurement = "telemetry"

// InfluxSink writes samples as InfluxDB points.
//
// Each sample becomes one point in measurement "telemetry" with tags
// channel, quality, and unit, and a single field "value".
type InfluxSink struct {
	writer api.WriteAPIBlocking
	client influxdb2.Client
}

// NewInfluxSink connects to InfluxDB and writes into org/bucket.
func NewInfluxSink(url, token, org, bucket string) *InfluxSink {
	client := influxdb2.NewClient(url, token)
	return &InfluxSink{writer: client.WriteAPIBlocking(org, bucket), client: client}
}

// NewInfluxSinkWithWriter uses an existing write API. The caller keeps
// ownership of the underlying client.
func NewInfluxSinkWithWriter(writer api.WriteAPIBlocking) *InfluxSink {
	return &InfluxSink{writer: writer}
}

func (s *InfluxSink) Name() string { return "influx" }

func (s *InfluxSink) Write(ctx context.Context, b telemetry.Batch) error {
	if len(b.Samples) == 0 {
		return nil
	}
	points := make([]*write.Point, 0, len(b.Samples))
	for _, smp := range b.Samples {
		tags := map[string]string{
			"channel": smp.Channel,
			"quality": smp.Quality.String(),
		}
		if smp.Unit != "" {
			tags["unit"] = smp.Unit
		}
		points = append(points, influxdb2.NewPoint(
			influxMeasurement,
			tags,
			map[string]interface{}{"value": smp.Value},
			smp.Timestamp,
		))
	}
	if err := s.writer.WritePoint(ctx, points...); err != nil {
		return fmt.Errorf("influx write %d points: %w", len(points), err)
	}
	return nil
}

func (s *InfluxSink) Flush(ctx context.Context) error {
	return s.writer.Flush(ctx)
}

func (s *InfluxSink) Close() error {
	if s.client != nil {
		s.client.Close()
	}
	return nil
}
