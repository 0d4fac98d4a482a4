// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads Sentinel configuration.
//
// # Description
//
// Configuration is resolved in priority order:
//
//  1. Environment variables (SENTINEL_*)
//  2. Config file (YAML, with JSON fallback)
//  3. Built-in defaults
//
// A missing config file is not an error; defaults are used. The resolved
// configuration is validated with go-playground/validator plus cross-field
// checks before it is returned.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/sentinel/pkg/logging"
	"github.com/AleutianAI/sentinel/pkg/observability"
	"github.com/AleutianAI/sentinel/pkg/validation"
	"github.com/AleutianAI/sentinel/services/ratelimit"
)

// ErrInvalidConfig wraps every validation failure.
var ErrInvalidConfig = errors.New("config: invalid configuration")

// Config is the root Sentinel configuration.
//
// Thread Safety: Safe to read concurrently. Not safe to modify after Load.
type Config struct {
	Logging       LoggingConfig       `json:"logging" yaml:"logging"`
	Observability ObservabilityConfig `json:"observability" yaml:"observability"`
	Server        ServerConfig        `json:"server" yaml:"server"`
	RateLimit     RateLimitConfig     `json:"rate_limit" yaml:"rate_limit"`
	Redundancy    RedundancyConfig    `json:"redundancy" yaml:"redundancy"`
	Telemetry     TelemetryConfig     `json:"telemetry" yaml:"telemetry"`
	Sinks         SinksConfig         `json:"sinks" yaml:"sinks"`
}

// LoggingConfig configures pkg/logging.
type LoggingConfig struct {
	Level      string `json:"level" yaml:"level" validate:"oneof=debug info warn warning error"`
	Dir        string `json:"dir" yaml:"dir"`
	JSON       bool   `json:"json" yaml:"json"`
	MaxSizeMB  int    `json:"max_size_mb" yaml:"max_size_mb" validate:"gte=0"`
	MaxBackups int    `json:"max_backups" yaml:"max_backups" validate:"gte=0"`
	MaxAgeDays int    `json:"max_age_days" yaml:"max_age_days" validate:"gte=0"`
	Compress   bool   `json:"compress" yaml:"compress"`
}

// ObservabilityConfig configures pkg/observability.
type ObservabilityConfig struct {
	TraceExporter  string `json:"trace_exporter" yaml:"trace_exporter" validate:"oneof=otlp stdout none"`
	MetricExporter string `json:"metric_exporter" yaml:"metric_exporter" validate:"oneof=prometheus stdout none"`
	OTLPEndpoint   string `json:"otlp_endpoint" yaml:"otlp_endpoint"`
	OTLPInsecure   bool   `json:"otlp_insecure" yaml:"otlp_insecure"`
	Environment    string `json:"environment" yaml:"environment"`
}

// ServerConfig configures the admin HTTP API and gRPC health server.
type ServerConfig struct {
	HTTPAddr        string        `json:"http_addr" yaml:"http_addr" validate:"required"`
	GRPCAddr        string        `json:"grpc_addr" yaml:"grpc_addr"`
	ShutdownTimeout time.Duration `json:"shutdown_timeout" yaml:"shutdown_timeout" validate:"gt=0"`
}

// RateLimitConfig configures the limiter and its named policies.
type RateLimitConfig struct {
	CleanupInterval time.Duration           `json:"cleanup_interval" yaml:"cleanup_interval" validate:"gt=0"`
	GracePeriod     time.Duration           `json:"grace_period" yaml:"grace_period" validate:"gte=0"`
	Policies        map[string]PolicyConfig `json:"policies" yaml:"policies" validate:"dive"`
}

// PolicyConfig is the file form of ratelimit.Policy.
type PolicyConfig struct {
	RequestsPerWindow int           `json:"requests_per_window" yaml:"requests_per_window" validate:"gt=0"`
	Window            time.Duration `json:"window" yaml:"window" validate:"gt=0"`
	Algorithm         string        `json:"algorithm" yaml:"algorithm" validate:"omitempty,oneof=sliding_window token_bucket fixed_window"`
	BlockOnLimit      bool          `json:"block_on_limit" yaml:"block_on_limit"`
}

// RedundancyConfig configures the redundancy manager.
type RedundancyConfig struct {
	Strategy            string        `json:"strategy" yaml:"strategy" validate:"oneof=primary_backup round_robin least_loaded highest_priority"`
	MaxRetries          int           `json:"max_retries" yaml:"max_retries" validate:"gte=1"`
	BaseDelay           time.Duration `json:"base_delay" yaml:"base_delay" validate:"gte=0"`
	HealthCheckInterval time.Duration `json:"health_check_interval" yaml:"health_check_interval" validate:"gte=0"`
	FailureThreshold    int           `json:"failure_threshold" yaml:"failure_threshold" validate:"gte=1"`
	Components          []string      `json:"components" yaml:"components" validate:"dive,required"`
}

// TelemetryConfig configures the telemetry pipeline.
type TelemetryConfig struct {
	Enabled         bool          `json:"enabled" yaml:"enabled"`
	FrequencyHz     float64       `json:"frequency_hz" yaml:"frequency_hz" validate:"gt=0,lte=10000"`
	DrainInterval   time.Duration `json:"drain_interval" yaml:"drain_interval" validate:"gt=0"`
	BufferSize      int           `json:"buffer_size" yaml:"buffer_size" validate:"gt=0"`
	SourceTimeout   time.Duration `json:"source_timeout" yaml:"source_timeout" validate:"gt=0"`
	SinkTimeout     time.Duration `json:"sink_timeout" yaml:"sink_timeout" validate:"gt=0"`
	SinkConcurrency int           `json:"sink_concurrency" yaml:"sink_concurrency" validate:"gte=1"`
}

// SinksConfig enables telemetry sinks. A sink with an empty address or
// path is disabled.
type SinksConfig struct {
	Log       bool         `json:"log" yaml:"log"`
	WebSocket bool         `json:"websocket" yaml:"websocket"`
	Influx    InfluxConfig `json:"influx" yaml:"influx"`
	Badger    BadgerConfig `json:"badger" yaml:"badger"`
	Redis     RedisConfig  `json:"redis" yaml:"redis"`
	SQLite    SQLiteConfig `json:"sqlite" yaml:"sqlite"`
	GCS       GCSConfig    `json:"gcs" yaml:"gcs"`
}

// InfluxConfig configures the InfluxDB sink.
type InfluxConfig struct {
	URL    string `json:"url" yaml:"url" validate:"omitempty,url"`
	Token  string `json:"-" yaml:"token"`
	Org    string `json:"org" yaml:"org" validate:"required_with=URL"`
	Bucket string `json:"bucket" yaml:"bucket" validate:"required_with=URL"`
}

// BadgerConfig configures the Badger sink.
type BadgerConfig struct {
	Path       string        `json:"path" yaml:"path"`
	InMemory   bool          `json:"in_memory" yaml:"in_memory"`
	TTL        time.Duration `json:"ttl" yaml:"ttl" validate:"gte=0"`
	GCInterval time.Duration `json:"gc_interval" yaml:"gc_interval" validate:"gte=0"`
}

// RedisConfig configures the Redis stream sink.
type RedisConfig struct {
	Addr     string `json:"addr" yaml:"addr"`
	Password string `json:"-" yaml:"password"`
	DB       int    `json:"db" yaml:"db" validate:"gte=0"`
	Stream   string `json:"stream" yaml:"stream"`
	MaxLen   int64  `json:"max_len" yaml:"max_len" validate:"gte=0"`
}

// SQLiteConfig configures the SQLite sink.
type SQLiteConfig struct {
	DSN string `json:"dsn" yaml:"dsn"`
}

// GCSConfig configures the Cloud Storage archive sink.
type GCSConfig struct {
	Bucket          string `json:"bucket" yaml:"bucket"`
	Prefix          string `json:"prefix" yaml:"prefix"`
	CredentialsFile string `json:"credentials_file" yaml:"credentials_file"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Logging: LoggingConfig{
			Level:      "info",
			MaxSizeMB:  50,
			MaxBackups: 5,
			MaxAgeDays: 14,
		},
		Observability: ObservabilityConfig{
			TraceExporter:  "none",
			MetricExporter: "prometheus",
			OTLPEndpoint:   "localhost:4317",
			OTLPInsecure:   true,
			Environment:    "development",
		},
		Server: ServerConfig{
			HTTPAddr:        ":8089",
			GRPCAddr:        ":9089",
			ShutdownTimeout: 10 * time.Second,
		},
		RateLimit: RateLimitConfig{
			CleanupInterval: ratelimit.DefaultCleanupInterval,
			GracePeriod:     ratelimit.DefaultGracePeriod,
			Policies: map[string]PolicyConfig{
				"default": {RequestsPerWindow: 100, Window: time.Minute, Algorithm: "sliding_window"},
			},
		},
		Redundancy: RedundancyConfig{
			Strategy:            "primary_backup",
			MaxRetries:          3,
			BaseDelay:           100 * time.Millisecond,
			HealthCheckInterval: 5 * time.Second,
			FailureThreshold:    3,
			Components:          []string{"primary", "secondary", "tertiary"},
		},
		Telemetry: TelemetryConfig{
			Enabled:         true,
			FrequencyHz:     100,
			DrainInterval:   100 * time.Millisecond,
			BufferSize:      1000,
			SourceTimeout:   50 * time.Millisecond,
			SinkTimeout:     5 * time.Second,
			SinkConcurrency: 4,
		},
		Sinks: SinksConfig{
			Log:       false,
			WebSocket: true,
			Badger:    BadgerConfig{GCInterval: 5 * time.Minute},
			Redis:     RedisConfig{Stream: "sentinel:telemetry", MaxLen: 100000},
		},
	}
}

// Load resolves configuration from defaults, the file at path, and the
// environment.
//
// # Inputs
//
//   - path: Config file. Empty or missing means defaults only.
//
// # Outputs
//
//   - Config: The resolved configuration.
//   - error: Parse failure or ErrInvalidConfig.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		if err := loadFile(path, &cfg); err != nil {
			return cfg, fmt.Errorf("load config file: %w", err)
		}
	}

	loadFromEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return parse(data, cfg)
}

// parse decodes YAML, falling back to JSON.
func parse(data []byte, cfg *Config) error {
	if err := yaml.Unmarshal(data, cfg); err != nil {
		if jsonErr := json.Unmarshal(data, cfg); jsonErr != nil {
			return fmt.Errorf("parse config (tried YAML and JSON): YAML error: %v, JSON error: %w", err, jsonErr)
		}
	}
	return nil
}

func loadFromEnv(cfg *Config) {
	// Logging
	if v := os.Getenv("SENTINEL_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = strings.ToLower(v)
	}
	if v := os.Getenv("SENTINEL_LOG_DIR"); v != "" {
		cfg.Logging.Dir = v
	}
	if v := os.Getenv("SENTINEL_LOG_JSON"); v != "" {
		cfg.Logging.JSON = parseBool(v)
	}

	// Observability
	if v := os.Getenv("SENTINEL_TRACE_EXPORTER"); v != "" {
		cfg.Observability.TraceExporter = v
	}
	if v := os.Getenv("SENTINEL_METRIC_EXPORTER"); v != "" {
		cfg.Observability.MetricExporter = v
	}
	if v := os.Getenv("SENTINEL_OTLP_ENDPOINT"); v != "" {
		cfg.Observability.OTLPEndpoint = v
	}
	if v := os.Getenv("SENTINEL_ENV"); v != "" {
		cfg.Observability.Environment = v
	}

	// Server
	if v := os.Getenv("SENTINEL_HTTP_ADDR"); v != "" {
		cfg.Server.HTTPAddr = v
	}
	if v := os.Getenv("SENTINEL_GRPC_ADDR"); v != "" {
		cfg.Server.GRPCAddr = v
	}

	// Rate limit
	if v := os.Getenv("SENTINEL_RATELIMIT_CLEANUP_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.RateLimit.CleanupInterval = d
		}
	}

	// Redundancy
	if v := os.Getenv("SENTINEL_REDUNDANCY_STRATEGY"); v != "" {
		cfg.Redundancy.Strategy = v
	}
	if v := os.Getenv("SENTINEL_REDUNDANCY_MAX_RETRIES"); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			cfg.Redundancy.MaxRetries = i
		}
	}
	if v := os.Getenv("SENTINEL_REDUNDANCY_BASE_DELAY"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Redundancy.BaseDelay = d
		}
	}

	// Telemetry
	if v := os.Getenv("SENTINEL_TELEMETRY_ENABLED"); v != "" {
		cfg.Telemetry.Enabled = parseBool(v)
	}
	if v := os.Getenv("SENTINEL_TELEMETRY_FREQUENCY_HZ"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Telemetry.FrequencyHz = f
		}
	}
	if v := os.Getenv("SENTINEL_TELEMETRY_BUFFER_SIZE"); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			cfg.Telemetry.BufferSize = i
		}
	}

	// Sinks
	if v := os.Getenv("SENTINEL_INFLUX_URL"); v != "" {
		cfg.Sinks.Influx.URL = v
	}
	if v := os.Getenv("SENTINEL_INFLUX_TOKEN"); v != "" {
		cfg.Sinks.Influx.Token = v
	}
	if v := os.Getenv("SENTINEL_REDIS_ADDR"); v != "" {
		cfg.Sinks.Redis.Addr = v
	}
	if v := os.Getenv("SENTINEL_REDIS_PASSWORD"); v != "" {
		cfg.Sinks.Redis.Password = v
	}
	if v := os.Getenv("SENTINEL_SQLITE_DSN"); v != "" {
		cfg.Sinks.SQLite.DSN = v
	}
	if v := os.Getenv("SENTINEL_GCS_BUCKET"); v != "" {
		cfg.Sinks.GCS.Bucket = v
	}
	if v := os.Getenv("GOOGLE_APPLICATION_CREDENTIALS"); v != "" && cfg.Sinks.GCS.CredentialsFile == "" {
		cfg.Sinks.GCS.CredentialsFile = v
	}
}

func parseBool(v string) bool {
	return v == "true" || v == "1"
}

var validate = validator.New()

// Validate checks struct tags and cross-field constraints.
//
// # Outputs
//
//   - error: Wraps ErrInvalidConfig, nil when valid.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	for name, p := range c.RateLimit.Policies {
		policy, err := p.ToPolicy(name)
		if err != nil {
			return fmt.Errorf("%w: policy %q: %w", ErrInvalidConfig, name, err)
		}
		if err := policy.Validate(); err != nil {
			return fmt.Errorf("%w: policy %q: %w", ErrInvalidConfig, name, err)
		}
	}
	if err := validation.ValidateNames(c.Redundancy.Components); err != nil {
		return fmt.Errorf("%w: redundancy components: %w", ErrInvalidConfig, err)
	}
	seen := make(map[string]bool, len(c.Redundancy.Components))
	for _, name := range c.Redundancy.Components {
		if seen[name] {
			return fmt.Errorf("%w: duplicate redundancy component %q", ErrInvalidConfig, name)
		}
		seen[name] = true
	}
	return nil
}

// ToPolicy converts the file form into a ratelimit.Policy named name.
func (p PolicyConfig) ToPolicy(name string) (ratelimit.Policy, error) {
	algo, err := ratelimit.ParseAlgorithm(p.Algorithm)
	if err != nil {
		return ratelimit.Policy{}, err
	}
	return ratelimit.Policy{
		Name:              name,
		RequestsPerWindow: p.RequestsPerWindow,
		Window:            p.Window,
		Algorithm:         algo,
		BlockOnLimit:      p.BlockOnLimit,
	}, nil
}

// RateLimitPolicies converts every configured policy.
func (c Config) RateLimitPolicies() ([]ratelimit.Policy, error) {
	out := make([]ratelimit.Policy, 0, len(c.RateLimit.Policies))
	for name, p := range c.RateLimit.Policies {
		policy, err := p.ToPolicy(name)
		if err != nil {
			return nil, err
		}
		out = append(out, policy)
	}
	return out, nil
}

// ToLogging converts the logging section for pkg/logging.
func (c Config) ToLogging(service string) logging.Config {
	level, err := logging.ParseLevel(c.Logging.Level)
	if err != nil {
		level = logging.LevelInfo
	}
	return logging.Config{
		Level:      level,
		LogDir:     c.Logging.Dir,
		Service:    service,
		JSON:       c.Logging.JSON,
		MaxSizeMB:  c.Logging.MaxSizeMB,
		MaxBackups: c.Logging.MaxBackups,
		MaxAgeDays: c.Logging.MaxAgeDays,
		Compress:   c.Logging.Compress,
	}
}

// ToObservability converts the observability section for
// pkg/observability.
func (c Config) ToObservability(service, version string) observability.Config {
	return observability.Config{
		ServiceName:    service,
		ServiceVersion: version,
		Environment:    c.Observability.Environment,
		TraceExporter:  c.Observability.TraceExporter,
		MetricExporter: c.Observability.MetricExporter,
		OTLPEndpoint:   c.Observability.OTLPEndpoint,
		OTLPInsecure:   c.Observability.OTLPInsecure,
	}
}
