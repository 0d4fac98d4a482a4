// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package grpchealth publishes redundancy health on the standard gRPC
// health service.
package grpchealth

import (
	"log/slog"

	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/AleutianAI/sentinel/services/redundancy"
)

// HealthSource is the subset of redundancy.Manager the bridge needs.
type HealthSource interface {
	Health() redundancy.SystemHealth
	Subscribe(fn func(redundancy.StatusChange))
}

// Bridge keeps a gRPC health service in step with a redundancy pool.
//
// The service is SERVING while at least one component is Healthy and
// NOT_SERVING otherwise.
type Bridge struct {
	server  *health.Server
	service string
	source  HealthSource
	logger  *slog.Logger
}

// New creates a Bridge, publishes the current status, and subscribes to
// future status changes.
func New(server *health.Server, service string, source HealthSource, logger *slog.Logger) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	b := &Bridge{
		server:  server,
		service: service,
		source:  source,
		logger:  logger.With(slog.String("component", "grpchealth")),
	}
	b.Sync()
	source.Subscribe(func(redundancy.StatusChange) { b.Sync() })
	return b
}

// Sync publishes the current pool status.
func (b *Bridge) Sync() {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if b.source.Health().Operational {
		status = healthpb.HealthCheckResponse_SERVING
	}
	b.server.SetServingStatus(b.service, status)
	b.logger.Debug("health status published",
		slog.String("service", b.service),
		slog.String("status", status.String()))
}
