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
	"errors"
	"fmt"
	"log/slog"

	"github.com/AleutianAI/sentinel/services/config"
	"github.com/AleutianAI/sentinel/services/telemetry"
	"github.com/AleutianAI/sentinel/services/telemetry/sinks"
)

// enabledSinkNames lists the sinks cfg turns on, in build order.
func enabledSinkNames(cfg config.SinksConfig) []string {
	var names []string
	if cfg.Log {
		names = append(names, "log")
	}
	if cfg.WebSocket {
		names = append(names, "websocket")
	}
	if cfg.Influx.URL != "" {
		names = append(names, "influx")
	}
	if cfg.Badger.Path != "" || cfg.Badger.InMemory {
		names = append(names, "badger")
	}
	if cfg.Redis.Addr != "" {
		names = append(names, "redis")
	}
	if cfg.SQLite.DSN != "" {
		names = append(names, "sqlite")
	}
	if cfg.GCS.Bucket != "" {
		names = append(names, "gcs")
	}
	return names
}

// buildSinks constructs every enabled sink. On error, sinks already opened
// are closed. The WebSocket sink is also returned so the API can mount it.
func buildSinks(ctx context.Context, cfg config.SinksConfig, logger *slog.Logger) ([]telemetry.Sink, *sinks.WebSocketSink, error) {
	var (
		out []telemetry.Sink
		ws  *sinks.WebSocketSink
	)
	fail := func(name string, err error) ([]telemetry.Sink, *sinks.WebSocketSink, error) {
		return nil, nil, errors.Join(fmt.Errorf("%s sink: %w", name, err), closeSinks(out))
	}

	if cfg.Log {
		out = append(out, sinks.NewLogSink(logger))
	}
	if cfg.WebSocket {
		ws = sinks.NewWebSocketSink(logger)
		out = append(out, ws)
	}
	if cfg.Influx.URL != "" {
		out = append(out, sinks.NewInfluxSink(cfg.Influx.URL, cfg.Influx.Token, cfg.Influx.Org, cfg.Influx.Bucket))
	}
	if cfg.Badger.Path != "" || cfg.Badger.InMemory {
		s, err := sinks.OpenBadgerSink(sinks.BadgerConfig{
			Path:       cfg.Badger.Path,
			InMemory:   cfg.Badger.InMemory,
			SyncWrites: false,
			TTL:        cfg.Badger.TTL,
			GCInterval: cfg.Badger.GCInterval,
			Logger:     logger.With(slog.String("sink", "badger")),
		})
		if err != nil {
			return fail("badger", err)
		}
		out = append(out, s)
	}
	if cfg.Redis.Addr != "" {
		s, err := sinks.DialRedisSink(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB,
			sinks.RedisOptions{Stream: cfg.Redis.Stream, MaxLen: cfg.Redis.MaxLen})
		if err != nil {
			return fail("redis", err)
		}
		out = append(out, s)
	}
	if cfg.SQLite.DSN != "" {
		s, err := sinks.OpenSQLiteSink(cfg.SQLite.DSN)
		if err != nil {
			return fail("sqlite", err)
		}
		out = append(out, s)
	}
	if cfg.GCS.Bucket != "" {
		s, err := sinks.NewGCSSink(ctx, cfg.GCS.Bucket, cfg.GCS.Prefix, cfg.GCS.CredentialsFile)
		if err != nil {
			return fail("gcs", err)
		}
		out = append(out, s)
	}
	return out, ws, nil
}

// closeSinks closes sinks that never reached a pipeline.
func closeSinks(built []telemetry.Sink) error {
	var errs []error
	for _, s := range built {
		errs = append(errs, s.Close())
	}
	return errors.Join(errs...)
}
