// Package metrics registers the Prometheus instruments exposed on the
// admin /metrics endpoint.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RandomRequestsTotal counts /random outcomes by result label
	// (ok, no_match, error).
	RandomRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "random_requests_total",
		Help: "Random image requests by result.",
	}, []string{"result"})

	// RandomLatencySeconds observes end-to-end /random latency.
	RandomLatencySeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "random_latency_seconds",
		Help:    "Random image request latency.",
		Buckets: prometheus.DefBuckets,
	})

	// JobsProcessedTotal counts worker job outcomes by type and result
	// (completed, failed, dlq, deferred).
	JobsProcessedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "jobs_processed_total",
		Help: "Background jobs processed by type and result.",
	}, []string{"type", "result"})

	// UpstreamFetchTotal counts streaming fetches by classified outcome.
	UpstreamFetchTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "upstream_fetch_total",
		Help: "Upstream image fetches by outcome code.",
	}, []string{"code"})
)
