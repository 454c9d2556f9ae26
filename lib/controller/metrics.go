// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package controller

import (
	"github.com/prometheus/client_golang/prometheus"
)

type metrics struct {
	executions       *prometheus.CounterVec
	spawns           *prometheus.CounterVec
	crashes          *prometheus.CounterVec
	queueDepth       *prometheus.GaugeVec
	dirtyPagesMerged prometheus.Counter
	flattens         prometheus.Counter
	latency          prometheus.Histogram
}

func newMetrics(registerer prometheus.Registerer) (*metrics, error) {
	m := &metrics{
		executions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "canister",
			Name:      "executions_total",
			Help:      "Executions finished, by result kind.",
		}, []string{"kind"}),
		spawns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "canister",
			Name:      "worker_spawns_total",
			Help:      "Worker processes started, by pool.",
		}, []string{"pool"}),
		crashes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "canister",
			Name:      "worker_crashes_total",
			Help:      "Workers lost to a crash, a timeout, or an unexpected exit, by pool.",
		}, []string{"pool"}),
		queueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "canister",
			Name:      "queue_depth",
			Help:      "Requests waiting for a worker, by pool.",
		}, []string{"pool"}),
		dirtyPagesMerged: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "canister",
			Name:      "dirty_pages_merged_total",
			Help:      "Heap pages merged into canister state by completed executions.",
		}),
		flattens: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "canister",
			Name:      "flattens_total",
			Help:      "Page maps flattened by maintenance.",
		}),
		latency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "canister",
			Name:      "execution_duration_seconds",
			Help:      "Time from dispatch to result.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 4, 10),
		}),
	}
	for _, collector := range []prometheus.Collector{
		m.executions, m.spawns, m.crashes, m.queueDepth, m.dirtyPagesMerged, m.flattens, m.latency,
	} {
		if err := registerer.Register(collector); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func poolLabel(privileged bool) string {
	if privileged {
		return "privileged"
	}
	return "regular"
}
