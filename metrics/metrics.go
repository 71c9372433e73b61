// Package metrics holds the prometheus collectors of the service.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "legalrag"

var (
	// Queries counts answered questions by outcome.
	Queries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "rag",
			Name:      "queries_total",
			Help:      "Questions processed by the RAG pipeline",
		},
		[]string{"status"},
	)

	// StageDuration observes each pipeline stage.
	StageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "rag",
			Name:      "stage_duration_seconds",
			Help:      "Time spent in each RAG stage",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 14),
		},
		[]string{"stage"},
	)

	// Confidence observes confidence scores of answers.
	Confidence = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "rag",
			Name:      "confidence",
			Help:      "Confidence of produced answers (0-100)",
			Buckets:   prometheus.LinearBuckets(0, 10, 11),
		},
	)

	// UpstreamRequests counts calls to model endpoints by outcome.
	UpstreamRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "upstream",
			Name:      "requests_total",
			Help:      "Requests sent to remote model endpoints",
		},
		[]string{"op", "outcome"},
	)

	// UpstreamRetries counts retried upstream calls.
	UpstreamRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "upstream",
			Name:      "retries_total",
			Help:      "Retried requests to remote model endpoints",
		},
		[]string{"op"},
	)

	// EmbeddingCache counts cache lookups.
	EmbeddingCache = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "embedding",
			Name:      "cache_lookups_total",
			Help:      "Embedding cache lookups by result",
		},
		[]string{"result"},
	)

	// IndexedDocuments counts documents handled by indexing runs.
	IndexedDocuments = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "index",
			Name:      "documents_total",
			Help:      "Documents processed by indexing runs",
		},
		[]string{"outcome"},
	)

	// IndexRuns counts finished indexing runs.
	IndexRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "index",
			Name:      "runs_total",
			Help:      "Indexing runs by final status",
		},
		[]string{"status"},
	)

	// HTTPRequests counts API requests.
	HTTPRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests by route and status code",
		},
		[]string{"method", "route", "code"},
	)

	// HTTPDuration observes API latency.
	HTTPDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)
)

// ObserveStage records the duration of a pipeline stage.
func ObserveStage(stage string, d time.Duration) {
	StageDuration.WithLabelValues(stage).Observe(d.Seconds())
}
