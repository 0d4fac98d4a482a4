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
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/AleutianAI/sentinel/pkg/logging"
	"github.com/AleutianAI/sentinel/pkg/observability"
	"github.com/AleutianAI/sentinel/services/api"
	"github.com/AleutianAI/sentinel/services/config"
	"github.com/AleutianAI/sentinel/services/ratelimit"
	"github.com/AleutianAI/sentinel/services/redundancy"
	"github.com/AleutianAI/sentinel/services/redundancy/grpchealth"
	"github.com/AleutianAI/sentinel/services/telemetry"
)

const (
	// heartbeatInterval paces the pool's background Run loop.
	heartbeatInterval = time.Second
	// grpcHealthService is the service name published on grpc.health.v1.
	grpcHealthService = "sentinel.redundancy"
)

// runServe starts every subsystem and blocks until SIGINT or SIGTERM.
func runServe(parent context.Context, configPath string) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger := logging.New(cfg.ToLogging(serviceName))
	defer logger.Close()
	slogger := logger.Slog()
	slog.SetDefault(slogger)

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	obsCfg := cfg.ToObservability(serviceName, version)
	obsCfg.Registerer = reg
	shutdownObs, err := observability.Init(ctx, obsCfg)
	if err != nil {
		return fmt.Errorf("init observability: %w", err)
	}
	started := false
	defer func() {
		if !started {
			_ = shutdownObs(context.Background())
		}
	}()

	// --- Rate limiter ---
	limiter := ratelimit.NewLimiter(
		ratelimit.WithLogger(slogger),
		ratelimit.WithRegisterer(reg),
		ratelimit.WithCleanupInterval(cfg.RateLimit.CleanupInterval),
		ratelimit.WithGracePeriod(cfg.RateLimit.GracePeriod),
	)
	if err := registerPolicies(limiter, cfg); err != nil {
		return err
	}
	limiter.Start(ctx)

	// --- Redundancy pool ---
	strategy, err := redundancy.ParseStrategy(cfg.Redundancy.Strategy)
	if err != nil {
		return err
	}
	manager, err := redundancy.NewManager(
		newBackendPool(cfg.Redundancy.Components, 5*time.Millisecond, 0),
		redundancy.WithStrategy(strategy),
		redundancy.WithMaxRetries(cfg.Redundancy.MaxRetries),
		redundancy.WithBaseDelay(cfg.Redundancy.BaseDelay),
		redundancy.WithFailureThreshold(cfg.Redundancy.FailureThreshold),
		redundancy.WithLogger(slogger),
		redundancy.WithRegisterer(reg),
	)
	if err != nil {
		return fmt.Errorf("build redundancy pool: %w", err)
	}
	if err := manager.Initialize(ctx); err != nil {
		slogger.Warn("redundancy pool initialized without a healthy component", slog.String("error", err.Error()))
	}
	manager.StartHealthMonitor(ctx, cfg.Redundancy.HealthCheckInterval)
	go heartbeat(ctx, manager, slogger)

	// --- gRPC health ---
	var grpcServer *grpc.Server
	if cfg.Server.GRPCAddr != "" {
		lis, err := net.Listen("tcp", cfg.Server.GRPCAddr)
		if err != nil {
			return fmt.Errorf("listen grpc %s: %w", cfg.Server.GRPCAddr, err)
		}
		grpcServer = grpc.NewServer()
		hs := health.NewServer()
		healthpb.RegisterHealthServer(grpcServer, hs)
		grpchealth.New(hs, grpcHealthService, manager, slogger)
		go func() {
			if err := grpcServer.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				slogger.Error("grpc server stopped", slog.String("error", err.Error()))
			}
		}()
		slogger.Info("grpc health listening", slog.String("addr", cfg.Server.GRPCAddr))
	}

	// --- Telemetry ---
	var pipeline *telemetry.Pipeline
	deps := api.Deps{
		ServiceName: serviceName,
		Version:     version,
		Limiter:     limiter,
		APIPolicy:   apiPolicyName(cfg),
		Redundancy:  manager,
		Gatherer:    reg,
	}
	if cfg.Telemetry.Enabled {
		pipeline = telemetry.NewPipeline(
			telemetry.WithFrequency(cfg.Telemetry.FrequencyHz),
			telemetry.WithDrainInterval(cfg.Telemetry.DrainInterval),
			telemetry.WithBufferSize(cfg.Telemetry.BufferSize),
			telemetry.WithSourceTimeout(cfg.Telemetry.SourceTimeout),
			telemetry.WithSinkTimeout(cfg.Telemetry.SinkTimeout),
			telemetry.WithSinkConcurrency(cfg.Telemetry.SinkConcurrency),
			telemetry.WithLogger(slogger),
			telemetry.WithRegisterer(reg),
		)
		if err := registerNodeChannels(pipeline, manager.Health, limiter); err != nil {
			return fmt.Errorf("register telemetry channels: %w", err)
		}
		built, ws, err := buildSinks(ctx, cfg.Sinks, slogger)
		if err != nil {
			return err
		}
		for _, s := range built {
			if err := pipeline.AddSink(s); err != nil {
				_ = closeSinks(built)
				return err
			}
		}
		if err := pipeline.Start(ctx); err != nil {
			_ = closeSinks(built)
			return fmt.Errorf("start telemetry: %w", err)
		}
		deps.Telemetry = pipeline
		if ws != nil {
			deps.Stream = ws
		}
	}

	// --- Admin API ---
	httpServer := &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           api.NewRouter(deps),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slogger.Error("http server stopped", slog.String("error", err.Error()))
			stop()
		}
	}()
	slogger.Info("admin api listening", slog.String("addr", cfg.Server.HTTPAddr))

	// --- Config reload ---
	var watcher *config.Watcher
	if configPath != "" {
		watcher, err = config.NewWatcher(configPath, func(next config.Config) {
			if err := registerPolicies(limiter, next); err != nil {
				slogger.Warn("reloaded policies rejected", slog.String("error", err.Error()))
				return
			}
			slogger.Info("rate limit policies reloaded", slog.Int("policies", len(next.RateLimit.Policies)))
		}, slogger)
		if err != nil {
			return err
		}
		if err := watcher.Start(ctx); err != nil {
			return err
		}
	}

	slogger.Info("sentinel started",
		slog.String("version", version),
		slog.String("strategy", strategy.String()),
		slog.Int("components", len(cfg.Redundancy.Components)))

	started = true
	<-ctx.Done()
	slogger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	var errs []error
	if watcher != nil {
		watcher.Stop()
	}
	errs = append(errs, httpServer.Shutdown(shutdownCtx))
	if grpcServer != nil {
		grpcServer.GracefulStop()
	}
	if pipeline != nil {
		errs = append(errs, pipeline.Stop(shutdownCtx))
	}
	errs = append(errs, limiter.Close())
	errs = append(errs, shutdownObs(shutdownCtx))

	if err := errors.Join(errs...); err != nil {
		slogger.Error("shutdown completed with errors", slog.String("error", err.Error()))
		return err
	}
	slogger.Info("shutdown complete")
	return nil
}

// registerPolicies registers every configured policy.
func registerPolicies(limiter *ratelimit.Limiter, cfg config.Config) error {
	policies, err := cfg.RateLimitPolicies()
	if err != nil {
		return err
	}
	for _, p := range policies {
		if err := limiter.Register(p); err != nil {
			return fmt.Errorf("register policy %s: %w", p.Name, err)
		}
	}
	return nil
}

// apiPolicyName returns the policy guarding the admin API, if configured.
func apiPolicyName(cfg config.Config) string {
	if _, ok := cfg.RateLimit.Policies["api"]; ok {
		return "api"
	}
	return ""
}

// heartbeat drives the pool so failures surface between health checks.
func heartbeat(ctx context.Context, m *redundancy.Manager[*localBackend], logger *slog.Logger) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.Run(ctx); err != nil && ctx.Err() == nil {
				logger.Warn("heartbeat failed", slog.String("error", err.Error()))
			}
		}
	}
}
