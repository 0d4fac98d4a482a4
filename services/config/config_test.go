// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/sentinel/pkg/logging"
	"github.com/AleutianAI/sentinel/services/ratelimit"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestDefault_IsValid(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default().Redundancy.Strategy, cfg.Redundancy.Strategy)
	assert.Equal(t, 100.0, cfg.Telemetry.FrequencyHz)
}

func TestLoad_YAML(t *testing.T) {
	path := writeFile(t, t.TempDir(), "sentinel.yaml", `
logging:
  level: debug
redundancy:
  strategy: round_robin
  max_retries: 5
  base_delay: 250ms
  components: [a, b]
rate_limit:
  policies:
    login:
      requests_per_window: 5
      window: 1m
      algorithm: fixed_window
      block_on_limit: true
telemetry:
  frequency_hz: 20
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "round_robin", cfg.Redundancy.Strategy)
	assert.Equal(t, 5, cfg.Redundancy.MaxRetries)
	assert.Equal(t, 250*time.Millisecond, cfg.Redundancy.BaseDelay)
	assert.Equal(t, []string{"a", "b"}, cfg.Redundancy.Components)
	assert.Equal(t, 20.0, cfg.Telemetry.FrequencyHz)

	login, err := cfg.RateLimit.Policies["login"].ToPolicy("login")
	require.NoError(t, err)
	assert.Equal(t, ratelimit.Policy{
		Name:              "login",
		RequestsPerWindow: 5,
		Window:            time.Minute,
		Algorithm:         ratelimit.FixedWindow,
		BlockOnLimit:      true,
	}, login)
}

func TestLoad_JSONFallback(t *testing.T) {
	path := writeFile(t, t.TempDir(), "sentinel.json", `{"server": {"http_addr": ":9999"}}`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":9999", cfg.Server.HTTPAddr)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := writeFile(t, t.TempDir(), "sentinel.yaml", "redundancy:\n  strategy: round_robin\n")
	t.Setenv("SENTINEL_REDUNDANCY_STRATEGY", "least_loaded")
	t.Setenv("SENTINEL_REDUNDANCY_MAX_RETRIES", "7")
	t.Setenv("SENTINEL_TELEMETRY_ENABLED", "false")
	t.Setenv("SENTINEL_REDIS_ADDR", "localhost:6379")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "least_loaded", cfg.Redundancy.Strategy)
	assert.Equal(t, 7, cfg.Redundancy.MaxRetries)
	assert.False(t, cfg.Telemetry.Enabled)
	assert.Equal(t, "localhost:6379", cfg.Sinks.Redis.Addr)
}

func TestLoad_InvalidPolicyFailsFast(t *testing.T) {
	path := writeFile(t, t.TempDir(), "sentinel.yaml", `
rate_limit:
  policies:
    broken:
      requests_per_window: 0
      window: 1s
`)
	_, err := Load(path)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown strategy", func(c *Config) { c.Redundancy.Strategy = "random" }},
		{"zero retries", func(c *Config) { c.Redundancy.MaxRetries = 0 }},
		{"duplicate components", func(c *Config) { c.Redundancy.Components = []string{"a", "a"} }},
		{"component name with slash", func(c *Config) { c.Redundancy.Components = []string{"a/b"} }},
		{"zero frequency", func(c *Config) { c.Telemetry.FrequencyHz = 0 }},
		{"bad log level", func(c *Config) { c.Logging.Level = "loud" }},
		{"influx without org", func(c *Config) { c.Sinks.Influx.URL = "http://localhost:8086" }},
		{"bad algorithm", func(c *Config) {
			c.RateLimit.Policies = map[string]PolicyConfig{"x": {RequestsPerWindow: 1, Window: time.Second, Algorithm: "leaky"}}
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			assert.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)
		})
	}
}

func TestConversions(t *testing.T) {
	cfg := Default()
	cfg.Logging.Level = "warn"

	lc := cfg.ToLogging("sentinel")
	assert.Equal(t, logging.LevelWarn, lc.Level)
	assert.Equal(t, "sentinel", lc.Service)

	oc := cfg.ToObservability("sentinel", "1.2.3")
	assert.Equal(t, "1.2.3", oc.ServiceVersion)
	assert.Equal(t, "prometheus", oc.MetricExporter)

	policies, err := cfg.RateLimitPolicies()
	require.NoError(t, err)
	require.Len(t, policies, 1)
	assert.Equal(t, "default", policies[0].Name)
}

func TestWatcher_ReloadsValidChanges(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "sentinel.yaml", "redundancy:\n  strategy: round_robin\n")

	reloaded := make(chan Config, 4)
	w, err := NewWatcher(path, func(c Config) { reloaded <- c }, nil)
	require.NoError(t, err)
	w.debounce = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, w.Start(ctx))
	defer w.Stop()

	// Invalid edit is ignored.
	writeFile(t, dir, "sentinel.yaml", "redundancy:\n  strategy: nonsense\n")
	select {
	case c := <-reloaded:
		t.Fatalf("unexpected reload with strategy %q", c.Redundancy.Strategy)
	case <-time.After(200 * time.Millisecond):
	}

	writeFile(t, dir, "sentinel.yaml", "redundancy:\n  strategy: highest_priority\n")
	select {
	case c := <-reloaded:
		assert.Equal(t, "highest_priority", c.Redundancy.Strategy)
	case <-time.After(2 * time.Second):
		t.Fatal("config was not reloaded")
	}
}
