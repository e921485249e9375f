// Copyright 2023 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package bigpeer

import (
	"net/http"
	"time"

	"github.com/grailbio/bigpeer/wire"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// metrics holds a node's prometheus metrics. Each node has its own
// registry, so that multiple nodes may share a process.
type metrics struct {
	registry *prometheus.Registry

	exchanges   *prometheus.CounterVec
	discoveries prometheus.Counter
	failures    prometheus.Counter
	jobs        *prometheus.CounterVec
	jobDuration prometheus.Histogram
	deliveries  *prometheus.CounterVec
}

func newMetrics(n *Node) *metrics {
	m := &metrics{
		registry: prometheus.NewRegistry(),
		exchanges: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "bigpeer",
				Name:      "exchanges_total",
				Help:      "Total number of outbound protocol exchanges, by outcome.",
			},
			[]string{"outcome"},
		),
		discoveries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "bigpeer",
			Name:      "peers_found_total",
			Help:      "Total number of peers added to the overlay.",
		}),
		failures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "bigpeer",
			Name:      "peers_failed_total",
			Help:      "Total number of peers declared failed.",
		}),
		jobs: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "bigpeer",
				Name:      "jobs_total",
				Help:      "Total number of jobs, by lifecycle event.",
			},
			[]string{"event"},
		),
		jobDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "bigpeer",
			Name:      "job_duration_seconds",
			Help:      "Run time of finished jobs.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 12),
		}),
		deliveries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "bigpeer",
				Name:      "deliveries_total",
				Help:      "Total number of data deliveries to local jobs, by outcome.",
			},
			[]string{"outcome"},
		),
	}
	peers := prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: "bigpeer",
			Name:      "peers",
			Help:      "Number of peers in the overlay.",
		},
		func() float64 { return float64(n.overlay.Len()) },
	)
	running := prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: "bigpeer",
			Name:      "jobs_running",
			Help:      "Number of jobs that have not finished.",
		},
		func() float64 { return float64(len(n.jobs.Jobs())) },
	)
	beacons := prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: "bigpeer",
			Name:      "watchdog_beacons",
			Help:      "Number of peers beaconed by the watchdog.",
		},
		func() float64 { return float64(len(n.watchdog.Beacons())) },
	)
	receivers := prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: "bigpeer",
			Name:      "watchdog_receivers",
			Help:      "Number of peers from which the watchdog expects beacons.",
		},
		func() float64 { return float64(len(n.watchdog.Receivers())) },
	)
	m.registry.MustRegister(
		m.exchanges, m.discoveries, m.failures, m.jobs, m.jobDuration, m.deliveries,
		peers, running, beacons, receivers,
	)
	return m
}

func (m *metrics) exchange(err error) {
	var outcome string
	switch {
	case err == nil:
		outcome = "ok"
	case wire.IsUnreachable(err):
		outcome = "unreachable"
	case wire.IsShuttingDown(err):
		outcome = "shutting_down"
	case wire.IsStateUnknown(err):
		outcome = "state_unknown"
	case wire.IsMalformed(err):
		outcome = "malformed"
	default:
		outcome = "error"
	}
	m.exchanges.WithLabelValues(outcome).Inc()
}

func (m *metrics) jobFinished(job *Job) {
	m.jobs.WithLabelValues("finished").Inc()
	m.jobDuration.Observe(time.Since(job.Started).Seconds())
}

func (m *metrics) delivered(err error) {
	if err != nil {
		m.deliveries.WithLabelValues("error").Inc()
	} else {
		m.deliveries.WithLabelValues("ok").Inc()
	}
}

func (m *metrics) handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
