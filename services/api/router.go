// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package api exposes the admin HTTP surface of a sentinel node.
//
// # Routes
//
//	GET /healthz                                 liveness plus pool summary
//	GET /metrics                                 Prometheus exposition
//	GET /v1/redundancy/health                    SystemHealth
//	GET /v1/redundancy/components                []ComponentSnapshot
//	GET /v1/telemetry/channels                   []ChannelInfo
//	GET /v1/telemetry/channels/:name/stats       Statistics
//	GET /v1/telemetry/channels/:name/recent      []Sample (?count=N)
//	GET /v1/telemetry/stream                     WebSocket batch stream
//	GET /v1/ratelimit/:policy/:identifier        rate limit probe
//
// The /v1 group is itself rate limited per client IP when Deps.APIPolicy
// names a registered policy.
package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/AleutianAI/sentinel/services/ratelimit"
	"github.com/AleutianAI/sentinel/services/redundancy"
	"github.com/AleutianAI/sentinel/services/telemetry"
)

// DefaultRecentCount is used when ?count is absent.
const DefaultRecentCount = 100

// RedundancyView is the read side of a redundancy.Manager.
type RedundancyView interface {
	Health() redundancy.SystemHealth
	Components() []redundancy.ComponentSnapshot
}

// TelemetryView is the read side of a telemetry.Pipeline.
type TelemetryView interface {
	Channels() []telemetry.ChannelInfo
	Statistics(name string) (telemetry.Statistics, error)
	RecentSamples(name string, count int) ([]telemetry.Sample, error)
}

// Deps are the collaborators behind the routes. Nil members disable
// their routes.
type Deps struct {
	ServiceName string
	Version     string
	Limiter     *ratelimit.Limiter
	APIPolicy   string
	Redundancy  RedundancyView
	Telemetry   TelemetryView
	Stream      http.Handler
	Gatherer    prometheus.Gatherer
}

// NewRouter builds the gin engine for deps.
func NewRouter(deps Deps) *gin.Engine {
	if deps.ServiceName == "" {
		deps.ServiceName = "sentinel"
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware(deps.ServiceName))

	h := &handlers{deps: deps}
	router.GET("/healthz", h.healthz)

	gatherer := deps.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))

	v1 := router.Group("/v1")
	if deps.Limiter != nil && deps.APIPolicy != "" {
		v1.Use(RateLimit(deps.Limiter, deps.APIPolicy))
	}
	{
		if deps.Redundancy != nil {
			v1.GET("/redundancy/health", h.redundancyHealth)
			v1.GET("/redundancy/components", h.redundancyComponents)
		}
		if deps.Telemetry != nil {
			tel := v1.Group("/telemetry")
			{
				tel.GET("/channels", h.channels)
				tel.GET("/channels/:name/stats", h.channelStats)
				tel.GET("/channels/:name/recent", h.channelRecent)
			}
		}
		if deps.Stream != nil {
			v1.GET("/telemetry/stream", gin.WrapH(deps.Stream))
		}
		if deps.Limiter != nil {
			v1.GET("/ratelimit/:policy/:identifier", h.rateLimitProbe)
		}
	}
	return router
}

type handlers struct {
	deps Deps
}

func (h *handlers) healthz(c *gin.Context) {
	body := gin.H{"status": "ok", "service": h.deps.ServiceName, "version": h.deps.Version}
	code := http.StatusOK
	if h.deps.Redundancy != nil {
		health := h.deps.Redundancy.Health()
		body["redundancy"] = health
		if !health.Operational {
			body["status"] = "degraded"
			code = http.StatusServiceUnavailable
		}
	}
	c.JSON(code, body)
}

func (h *handlers) redundancyHealth(c *gin.Context) {
	c.JSON(http.StatusOK, h.deps.Redundancy.Health())
}

func (h *handlers) redundancyComponents(c *gin.Context) {
	c.JSON(http.StatusOK, h.deps.Redundancy.Components())
}

func (h *handlers) channels(c *gin.Context) {
	c.JSON(http.StatusOK, h.deps.Telemetry.Channels())
}

func (h *handlers) channelStats(c *gin.Context) {
	stats, err := h.deps.Telemetry.Statistics(c.Param("name"))
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

func (h *handlers) channelRecent(c *gin.Context) {
	count := DefaultRecentCount
	if raw := c.Query("count"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "count must be a positive integer"})
			return
		}
		count = n
	}
	samples, err := h.deps.Telemetry.RecentSamples(c.Param("name"), count)
	if err != nil {
		abortWithError(c, err)
		return
	}
	if samples == nil {
		samples = []telemetry.Sample{}
	}
	c.JSON(http.StatusOK, samples)
}

// rateLimitProbe consumes one request for identifier under the named
// policy and reports the decision without rejecting. Probe identifiers live
// in their own key space.
func (h *handlers) rateLimitProbe(c *gin.Context) {
	policy := c.Param("policy")
	res, err := h.deps.Limiter.CheckNamed(probeKey(policy, c.Param("identifier")), policy)
	if err != nil {
		abortWithError(c, err)
		return
	}
	setRateLimitHeaders(c, res)
	c.JSON(http.StatusOK, res)
}

func abortWithError(c *gin.Context, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, telemetry.ErrChannelNotFound), errors.Is(err, ratelimit.ErrUnknownPolicy):
		code = http.StatusNotFound
	case errors.Is(err, ratelimit.ErrLimiterClosed):
		code = http.StatusServiceUnavailable
	}
	c.AbortWithStatusJSON(code, gin.H{"error": err.Error()})
}
