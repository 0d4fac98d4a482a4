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
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/AleutianAI/sentinel/services/telemetry"
)

var _ telemetry.Sink = (*BadgerSink)(nil)

// badgerKeyPrefix namespaces sample keys: sample/<channel>/<unix nanos>.
const badgerKeyPrefix = "sample/"

// BadgerConfig configures a BadgerSink.
type BadgerConfig struct {
	// Path is the database directory. Ignored when InMemory is true.
	Path string

	// InMemory keeps everything in RAM. Useful for testing.
	InMemory bool

	// SyncWrites fsyncs every commit.
	SyncWrites bool

	// TTL expires samples after the given age. Zero keeps them forever.
	TTL time.Duration

	// GCInterval is how often value log GC runs. Zero disables it.
	GCInterval time.Duration

	// Logger receives BadgerDB's internal logs. Nil silences them.
	Logger *slog.Logger
}

// badgerLogger adapts slog.Logger to BadgerDB's Logger interface.
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Info(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

// BadgerSink persists samples in an embedded BadgerDB.
//
// Keys sort by channel then timestamp, so Query is a bounded prefix scan.
// Values are the JSON encoding of telemetry.Sample.
type BadgerSink struct {
	db       *badger.DB
	ttl      time.Duration
	inMemory bool
	stopGC   chan struct{}
	gcDone   chan struct{}
	once     sync.Once
}

// OpenBadgerSink opens (creating if needed) the database described by cfg.
func OpenBadgerSink(cfg BadgerConfig) (*BadgerSink, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("badger sink: path is required for persistent database")
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0750); err != nil {
			return nil, fmt.Errorf("create database directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).WithNumVersionsToKeep(1)
	if cfg.Logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: cfg.Logger})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger database: %w", err)
	}

	s := &BadgerSink{db: db, ttl: cfg.TTL, inMemory: cfg.InMemory}
	if cfg.GCInterval > 0 && !cfg.InMemory {
		s.stopGC = make(chan struct{})
		s.gcDone = make(chan struct{})
		go s.gcLoop(cfg.GCInterval)
	}
	return s, nil
}

func (s *BadgerSink) gcLoop(interval time.Duration) {
	defer close(s.gcDone)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopGC:
			return
		case <-ticker.C:
			// Run until there is nothing left to rewrite.
			for s.db.RunValueLogGC(0.5) == nil {
			}
		}
	}
}

func sampleKey(channel string, ts time.Time) []byte {
	return []byte(fmt.Sprintf("%s%s/%020d", badgerKeyPrefix, channel, ts.UnixNano()))
}

func (s *BadgerSink) Name() string { return "badger" }

// Write stores the batch in a single write batch.
func (s *BadgerSink) Write(ctx context.Context, b telemetry.Batch) error {
	if len(b.Samples) == 0 {
		return nil
	}
	wb := s.db.NewWriteBatch()
	defer wb.Cancel()

	for _, smp := range b.Samples {
		if err := ctx.Err(); err != nil {
			return err
		}
		val, err := json.Marshal(smp)
		if err != nil {
			return fmt.Errorf("marshal sample %s: %w", smp.Channel, err)
		}
		e := badger.NewEntry(sampleKey(smp.Channel, smp.Timestamp), val)
		if s.ttl > 0 {
			e = e.WithTTL(s.ttl)
		}
		if err := wb.SetEntry(e); err != nil {
			return fmt.Errorf("badger set: %w", err)
		}
	}
	if err := wb.Flush(); err != nil {
		return fmt.Errorf("badger flush batch: %w", err)
	}
	return nil
}

// Query returns the stored samples for channel with from <= ts < to, in
// timestamp order. Zero from or to leaves that end unbounded.
func (s *BadgerSink) Query(ctx context.Context, channel string, from, to time.Time) ([]telemetry.Sample, error) {
	prefix := []byte(badgerKeyPrefix + channel + "/")
	start := prefix
	if !from.IsZero() {
		start = sampleKey(channel, from)
	}
	var upper []byte
	if !to.IsZero() {
		upper = sampleKey(channel, to)
	}

	var out []telemetry.Sample
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{PrefetchValues: true, PrefetchSize: 100, Prefix: prefix})
		defer it.Close()
		for it.Seek(start); it.ValidForPrefix(prefix); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			item := it.Item()
			if upper != nil && string(item.Key()) >= string(upper) {
				break
			}
			err := item.Value(func(val []byte) error {
				var smp telemetry.Sample
				if err := json.Unmarshal(val, &smp); err != nil {
					return fmt.Errorf("decode %s: %w", item.Key(), err)
				}
				out = append(out, smp)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Flush syncs the write-ahead and value logs. No-op in memory.
func (s *BadgerSink) Flush(context.Context) error {
	if s.inMemory {
		return nil
	}
	return s.db.Sync()
}

func (s *BadgerSink) Close() error {
	var err error
	s.once.Do(func() {
		if s.stopGC != nil {
			close(s.stopGC)
			<-s.gcDone
		}
		err = s.db.Close()
	})
	return err
}
