package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Define global variables for metrics.
// We use 'promauto' which automatically registers metrics without complex initialization.

var (
	// 1. HTTP Requests Total (Counter)
	// Counts how many requests arrive, labeled by method, route pattern, and status code.
	HttpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kektorvec_http_requests_total",
			Help: "Total number of HTTP requests processed",
		},
		[]string{"method", "path", "status"},
	)

	// 2. HTTP Request Duration (Histogram)
	// Buckets span a cached search (sub-millisecond) to a slow embedding call.
	HttpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kektorvec_http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds",
			Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"method", "path"},
	)

	// 3. Vector Count (Gauge)
	TotalVectors = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "kektorvec_vectors_total",
			Help: "Number of live vectors",
		},
		[]string{"index_name"},
	)

	// 4. Tombstones (Gauge)
	// Deleted vectors still occupying the graph until the next compaction.
	TombstonedVectors = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "kektorvec_vectors_tombstoned",
			Help: "Number of deleted vectors awaiting compaction",
		},
		[]string{"index_name"},
	)

	InsertsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kektorvec_inserts_total",
			Help: "Total number of vectors inserted",
		},
		[]string{"index_name"},
	)

	DeletesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kektorvec_deletes_total",
			Help: "Total number of vectors deleted",
		},
		[]string{"index_name"},
	)

	// SearchesTotal is labelled with "ok" or the error class of the failure.
	SearchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kektorvec_searches_total",
			Help: "Total number of searches by outcome",
		},
		[]string{"index_name", "status"},
	)

	SearchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kektorvec_search_duration_seconds",
			Help:    "Duration of index searches in seconds",
			Buckets: prometheus.ExponentialBuckets(0.0001, 2, 14),
		},
		[]string{"index_name"},
	)

	CompactionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kektorvec_compactions_total",
			Help: "Total number of compactions run",
		},
		[]string{"index_name"},
	)

	CompactedNodesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kektorvec_compacted_nodes_total",
			Help: "Total number of tombstoned nodes physically removed",
		},
		[]string{"index_name"},
	)

	SnapshotsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kektorvec_snapshots_total",
			Help: "Total number of snapshots written",
		},
		[]string{"index_name"},
	)

	SnapshotDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kektorvec_snapshot_duration_seconds",
			Help:    "Duration of snapshot writes in seconds",
			Buckets: prometheus.ExponentialBuckets(0.001, 4, 10),
		},
		[]string{"index_name"},
	)
)
