// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	metricsNamespace = "sentinel"
	metricsSubsystem = "telemetry"
)

type metrics struct {
	// samples counts sampling attempts.
	// Labels: channel, outcome (accepted, rejected, error, timeout, no_data)
	samples *prometheus.CounterVec

	// dropped counts samples overwritten in a full buffer.
	// Labels: channel
	dropped *prometheus.CounterVec

	// sinkWrites counts batch writes.
	// Labels: sink, result (success, error)
	sinkWrites *prometheus.CounterVec

	// batchSize observes samples per dispatched batch.
	batchSize prometheus.Histogram
}

func newMetrics(reg prometheus.Registerer) *metrics {
	factory := promauto.With(reg)
	return &metrics{
		samples: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "samples_total",
			Help:      "Sampling attempts by channel and outcome.",
		}, []string{"channel", "outcome"}),
		dropped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "dropped_samples_total",
			Help:      "Samples overwritten because the channel buffer was full.",
		}, []string{"channel"}),
		sinkWrites: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "sink_writes_total",
			Help:      "Batch writes by sink and result.",
		}, []string{"sink", "result"}),
		batchSize: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "batch_size",
			Help:      "Samples per dispatched batch.",
			Buckets:   prometheus.ExponentialBuckets(1, 4, 8),
		}),
	}
}
