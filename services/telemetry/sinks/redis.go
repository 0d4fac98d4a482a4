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
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/AleutianAI/sentinel/services/telemetry"
)

var _ telemetry.Sink = (*RedisSink)(nil)

// DefaultRedisStream is the stream key used when none is configured.
const DefaultRedisStream = "sentinel:telemetry"

// RedisSink appends each sample to a Redis stream with XADD.
//
// Entries carry the fields channel, value, quality, unit, ts (unix nanos)
// and batch. The stream is trimmed approximately to MaxLen entries.
type RedisSink struct {
	client redis.UniversalClient
	stream string
	maxLen int64
	owned  bool
}

// RedisOptions configures a RedisSink.
type RedisOptions struct {
	Stream string
	// MaxLen caps the stream length. Zero disables trimming.
	MaxLen int64
}

// NewRedisSink writes through client. The caller keeps ownership of client.
func NewRedisSink(client redis.UniversalClient, opts RedisOptions) *RedisSink {
	if opts.Stream == "" {
		opts.Stream = DefaultRedisStream
	}
	return &RedisSink{client: client, stream: opts.Stream, maxLen: opts.MaxLen}
}

// DialRedisSink connects to addr and verifies the connection with PING.
// Close closes the connection.
func DialRedisSink(ctx context.Context, addr, password string, db int, opts RedisOptions) (*RedisSink, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", addr, err)
	}
	s := NewRedisSink(client, opts)
	s.owned = true
	return s, nil
}

func (s *RedisSink) Name() string { return "redis" }

// Write pipelines one XADD per sample.
func (s *RedisSink) Write(ctx context.Context, b telemetry.Batch) error {
	if len(b.Samples) == 0 {
		return nil
	}
	batchID := b.ID.String()
	_, err := s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, smp := range b.Samples {
			pipe.XAdd(ctx, &redis.XAddArgs{
				Stream: s.stream,
				MaxLen: s.maxLen,
				Approx: s.maxLen > 0,
				Values: map[string]interface{}{
					"channel": smp.Channel,
					"value":   strconv.FormatFloat(smp.Value, 'g', -1, 64),
					"quality": smp.Quality.String(),
					"unit":    smp.Unit,
					"ts":      strconv.FormatInt(smp.Timestamp.UnixNano(), 10),
					"batch":   batchID,
				},
			})
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis xadd %s: %w", s.stream, err)
	}
	return nil
}

// Len returns the current stream length.
func (s *RedisSink) Len(ctx context.Context) (int64, error) {
	return s.client.XLen(ctx, s.stream).Result()
}

// Range reads entries back as samples, oldest first, up to count.
func (s *RedisSink) Range(ctx context.Context, count int64) ([]telemetry.Sample, error) {
	msgs, err := s.client.XRangeN(ctx, s.stream, "-", "+", count).Result()
	if err != nil {
		return nil, fmt.Errorf("redis xrange %s: %w", s.stream, err)
	}
	out := make([]telemetry.Sample, 0, len(msgs))
	for _, m := range msgs {
		smp, err := decodeStreamEntry(m.Values)
		if err != nil {
			return nil, fmt.Errorf("entry %s: %w", m.ID, err)
		}
		out = append(out, smp)
	}
	return out, nil
}

func decodeStreamEntry(v map[string]interface{}) (telemetry.Sample, error) {
	var smp telemetry.Sample
	smp.Channel, _ = v["channel"].(string)
	smp.Unit, _ = v["unit"].(string)

	raw, _ := v["value"].(string)
	val, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return smp, fmt.Errorf("value: %w", err)
	}
	smp.Value = val

	rawTS, _ := v["ts"].(string)
	ns, err := strconv.ParseInt(rawTS, 10, 64)
	if err != nil {
		return smp, fmt.Errorf("ts: %w", err)
	}
	smp.Timestamp = time.Unix(0, ns)

	q, _ := v["quality"].(string)
	if err := smp.Quality.UnmarshalText([]byte(q)); err != nil {
		return smp, err
	}
	return smp, nil
}

func (s *RedisSink) Flush(context.Context) error { return nil }

func (s *RedisSink) Close() error {
	if s.owned {
		return s.client.Close()
	}
	return nil
}
