// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package redundancy

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	metricsNamespace = "sentinel"
	metricsSubsystem = "redundancy"
)

// metrics holds the manager's Prometheus collectors.
type metrics struct {
	// executions counts Execute calls.
	// Labels: result (success, exhausted, canceled, timeout)
	executions *prometheus.CounterVec

	// failovers counts active-component changes caused by a failure.
	failovers prometheus.Counter

	// componentStatus reports each component's Status as its numeric value.
	// Labels: component
	componentStatus *prometheus.GaugeVec

	// executeDuration measures Execute latency including retries.
	executeDuration prometheus.Histogram
}

func newMetrics(reg prometheus.Registerer) *metrics {
	factory := promauto.With(reg)
	return &metrics{
		executions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "executions_total",
			Help:      "Execute calls by result.",
		}, []string{"result"}),
		failovers: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "failovers_total",
			Help:      "Active component changes caused by a failure.",
		}),
		componentStatus: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "component_status",
			Help:      "Component status (0=unknown 1=initializing 2=healthy 3=degraded 4=failed 5=recovering).",
		}, []string{"component"}),
		executeDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "execute_duration_seconds",
			Help:      "Execute latency including retries and backoff.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 8),
		}),
	}
}
