package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "engram_http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "engram_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	MemorySearchesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "engram_memory_searches_total",
			Help: "Total number of archival memory searches.",
		},
	)

	MemoriesCreatedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "engram_memories_created_total",
			Help: "Total number of archival memories stored.",
		},
	)

	MemoriesDeduplicatedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "engram_memories_deduplicated_total",
			Help: "Total number of extracted facts skipped as near-duplicates.",
		},
	)

	FactsRefreshesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "engram_facts_refreshes_total",
			Help: "Total number of core facts block rebuilds.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		MemorySearchesTotal,
		MemoriesCreatedTotal,
		MemoriesDeduplicatedTotal,
		FactsRefreshesTotal,
	)
}
