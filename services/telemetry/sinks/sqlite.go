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
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/AleutianAI/sentinel/services/telemetry"
)

var _ telemetry.Sink = (*SQLiteSink)(nil)

// SQLiteSink stores samples as rows in the telemetry_samples table.
type SQLiteSink struct {
	db *sql.DB
}

// OpenSQLiteSink opens (or creates) the database at dsn and initialises the
// schema. Use ":memory:" for an in-memory database.
func OpenSQLiteSink(dsn string) (*SQLiteSink, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// Each connection to :memory: is a separate database.
	if dsn == ":memory:" || strings.Contains(dsn, "mode=memory") {
		db.SetMaxOpenConns(1)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS telemetry_samples (
			id        INTEGER PRIMARY KEY AUTOINCREMENT,
			batch_id  TEXT NOT NULL,
			channel   TEXT NOT NULL,
			value     REAL NOT NULL,
			quality   TEXT NOT NULL,
			unit      TEXT NOT NULL DEFAULT '',
			ts_nanos  INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS telemetry_samples_channel_ts
			ON telemetry_samples (channel, ts_nanos);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create table: %w", err)
	}
	return &SQLiteSink{db: db}, nil
}

func (s *SQLiteSink) Name() string { return "sqlite" }

// Write inserts the batch in one transaction.
func (s *SQLiteSink) Write(ctx context.Context, b telemetry.Batch) error {
	if len(b.Samples) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO telemetry_samples (batch_id, channel, value, quality, unit, ts_nanos) VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	batchID := b.ID.String()
	for _, smp := range b.Samples {
		if _, err := stmt.ExecContext(ctx,
			batchID, smp.Channel, smp.Value, smp.Quality.String(), smp.Unit, smp.Timestamp.UnixNano(),
		); err != nil {
			return fmt.Errorf("insert %s: %w", smp.Channel, err)
		}
	}
	return tx.Commit()
}

// Count returns the number of stored rows for channel, or all rows when
// channel is empty.
func (s *SQLiteSink) Count(ctx context.Context, channel string) (int64, error) {
	var n int64
	var err error
	if channel == "" {
		err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM telemetry_samples`).Scan(&n)
	} else {
		err = s.db.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM telemetry_samples WHERE channel = ?`, channel).Scan(&n)
	}
	return n, err
}

// Query returns up to limit of the newest samples for channel, oldest first.
func (s *SQLiteSink) Query(ctx context.Context, channel string, limit int) ([]telemetry.Sample, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT channel, value, quality, unit, ts_nanos FROM (
			SELECT id, channel, value, quality, unit, ts_nanos
			FROM telemetry_samples WHERE channel = ?
			ORDER BY id DESC LIMIT ?
		) ORDER BY id ASC`, channel, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []telemetry.Sample
	for rows.Next() {
		var (
			smp     telemetry.Sample
			quality string
			ns      int64
		)
		if err := rows.Scan(&smp.Channel, &smp.Value, &quality, &smp.Unit, &ns); err != nil {
			return nil, err
		}
		if err := smp.Quality.UnmarshalText([]byte(quality)); err != nil {
			return nil, err
		}
		smp.Timestamp = time.Unix(0, ns)
		out = append(out, smp)
	}
	return out, rows.Err()
}

func (s *SQLiteSink) Flush(context.Context) error { return nil }

func (s *SQLiteSink) Close() error {
	return s.db.Close()
}
