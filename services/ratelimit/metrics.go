// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package ratelimit

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	metricsNamespace = "sentinel"
	metricsSubsystem = "ratelimit"
)

// metrics holds the limiter's Prometheus collectors.
//
// Collectors are registered against the Registerer passed to
// WithRegisterer. With no registerer they are created but not registered,
// which keeps tests and multiple limiters in one process independent.
type metrics struct {
	// checks counts Check calls. Labels: result (allowed, blocked).
	checks *prometheus.CounterVec

	// buckets tracks the number of live buckets.
	buckets prometheus.Gauge

	// evictions counts buckets removed by cleanup.
	evictions prometheus.Counter
}

func newMetrics(reg prometheus.Registerer) *metrics {
	factory := promauto.With(reg)
	return &metrics{
		checks: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "checks_total",
			Help:      "Rate limit checks by result.",
		}, []string{"result"}),
		buckets: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "buckets",
			Help:      "Number of live rate limit buckets.",
		}),
		evictions: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "evictions_total",
			Help:      "Idle buckets evicted by cleanup.",
		}),
	}
}

func (m *metrics) recordCheck(allowed bool) {
	if allowed {
		m.checks.WithLabelValues("allowed").Inc()
		return
	}
	m.checks.WithLabelValues("blocked").Inc()
}
