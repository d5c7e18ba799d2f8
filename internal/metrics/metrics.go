package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "ride_query"

var (
	QueriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "queries_total", Help: "Ride queries by sort order and outcome"},
		[]string{"sort", "outcome"},
	)
	QueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "query_duration_seconds",
			Help:      "Ride query latency by sort order",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"sort"},
	)
	QueryCandidates = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "query_candidates",
		Help:      "Candidate set size after filtering",
		Buckets:   []float64{0, 10, 100, 1000, 5000, 10000, 50000},
	})
	DistanceSortRefusals = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Name: "distance_sort_refusals_total", Help: "Distance sorts refused for exceeding the candidate cap",
	})

	EventsAppended = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "events_appended_total", Help: "Ride events appended"},
		[]string{"kind"},
	)
	IllegalTransitions = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Name: "illegal_transitions_total", Help: "Status-change events rejected as illegal",
	})
	PublishFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "publish_failures_total", Help: "Bus publish failures by topic"},
		[]string{"topic"},
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
