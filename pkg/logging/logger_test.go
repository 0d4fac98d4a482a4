// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package logging

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Level Tests
// =============================================================================

func TestLevel_String(t *testing.T) {
	tests := []struct {
		level Level
		want  string
	}{
		{LevelDebug, "DEBUG"},
		{LevelInfo, "INFO"},
		{LevelWarn, "WARN"},
		{LevelError, "ERROR"},
		{Level(42), "UNKNOWN"},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.level.String())
		})
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    Level
		wantErr bool
	}{
		{"debug", LevelDebug, false},
		{"INFO", LevelInfo, false},
		{"", LevelInfo, false},
		{"warning", LevelWarn, false},
		{" error ", LevelError, false},
		{"verbose", LevelInfo, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseLevel(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

// =============================================================================
// Logger Tests
// =============================================================================

func TestNew_WritesJSONWhenStderrIsNotTerminal(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Service: "test", stderr: &buf})
	defer logger.Close()

	logger.Info("hello", "count", 3)

	var record map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
	assert.Equal(t, "hello", record["msg"])
	assert.Equal(t, "test", record["service"])
	assert.Equal(t, float64(3), record["count"])
}

func TestNew_LevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Level: LevelWarn, stderr: &buf})
	defer logger.Close()

	logger.Debug("debug")
	logger.Info("info")
	logger.Warn("warn")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 1)
	assert.Contains(t, lines[0], `"msg":"warn"`)
}

func TestNew_QuietDiscardsStderr(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Quiet: true, stderr: &buf})
	defer logger.Close()

	logger.Error("nobody hears this")
	assert.Empty(t, buf.String())
}

func TestNew_WithLogDirRotatesIntoServiceFile(t *testing.T) {
	dir := t.TempDir()
	logger := New(Config{LogDir: dir, Service: "pipeline", Quiet: true})

	logger.Info("written to file", "channel", "cpu")
	require.NoError(t, logger.Close())

	data, err := os.ReadFile(filepath.Join(dir, "pipeline.log"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "written to file")
	assert.Contains(t, string(data), `"channel":"cpu"`)
}

func TestNew_DefaultFileNameWithoutService(t *testing.T) {
	dir := t.TempDir()
	logger := New(Config{LogDir: dir, Quiet: true})
	logger.Info("x")
	require.NoError(t, logger.Close())

	_, err := os.Stat(filepath.Join(dir, "sentinel.log"))
	assert.NoError(t, err)
}

func TestLogger_ExporterReceivesEntries(t *testing.T) {
	exporter := NewBufferedExporter()
	logger := New(Config{Level: LevelInfo, Exporter: exporter, Quiet: true, Service: "svc"})
	defer logger.Close()

	logger.Debug("filtered")
	logger.Warn("retry", "attempt", 2)

	require.Eventually(t, func() bool { return len(exporter.Entries()) == 1 }, time.Second, 5*time.Millisecond)
	entry := exporter.Entries()[0]
	assert.Equal(t, LevelWarn, entry.Level)
	assert.Equal(t, "retry", entry.Message)
	assert.Equal(t, "svc", entry.Service)
	assert.Equal(t, 2, entry.Attrs["attempt"])
}

func TestLogger_WithAddsAttributes(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{stderr: &buf})
	defer logger.Close()

	logger.With("component", "primary").Info("selected")
	assert.Contains(t, buf.String(), `"component":"primary"`)
}

func TestLogger_MultiHandlerWritesBoth(t *testing.T) {
	var buf bytes.Buffer
	dir := t.TempDir()
	logger := New(Config{LogDir: dir, Service: "both", stderr: &buf})

	logger.Info("twice")
	require.NoError(t, logger.Close())

	assert.Contains(t, buf.String(), "twice")
	data, err := os.ReadFile(filepath.Join(dir, "both.log"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "twice")
}

func TestArgsToMap(t *testing.T) {
	got := argsToMap([]any{"a", 1, "b", "two", 3, "ignored", "dangling"})
	assert.Equal(t, map[string]any{"a": 1, "b": "two"}, got)
}
