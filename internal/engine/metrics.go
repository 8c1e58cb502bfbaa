package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Package-level metrics, registered once at process start, mirroring the
// NayanaChandrika99-DocReasoner/tree_db internal/metrics pattern of
// promauto-registered gauges/counters/histograms rather than a
// per-instance Metrics struct — BtShared itself is a process-wide
// singleton registry, so its metrics are naturally process-wide too.
var (
	sharedDatabasesOpen = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fitreedb_engine_shared_databases_open",
		Help: "Number of distinct database files with a live BtShared in this process.",
	})

	connectionsOpen = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "fitreedb_engine_connections_open",
		Help: "Number of open connections, per database file.",
	}, []string{"path"})

	connectOpsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fitreedb_engine_connect_total",
		Help: "Total Open/Close calls against the BtShared registry.",
	}, []string{"op"})

	mergeDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "fitreedb_engine_merge_duration_seconds",
		Help:    "Wall-clock duration of a fast-insert tree merge cycle driven through a Conn.",
		Buckets: prometheus.DefBuckets,
	})
)
