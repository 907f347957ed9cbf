// Package metrics holds the Prometheus collectors for msgrelay.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"msgrelay/internal/domain"
)

var (
	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "msgrelay_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "msgrelay_http_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "route"},
	)

	// Ingress metrics
	WebhookRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "msgrelay_webhook_requests_total",
			Help: "Webhook deliveries by platform and outcome",
		},
		[]string{"platform", "outcome"}, // accepted, duplicate, ignored, dropped, bad_signature, bad_payload, unknown_platform
	)

	DedupEntries = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "msgrelay_dedup_entries",
			Help: "Message ids currently held by the dedup cache",
		},
	)

	// Pool metrics
	PoolInUse = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "msgrelay_pool_in_use",
			Help: "Pooled agent clients currently held by a session",
		},
	)

	PoolAvailable = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "msgrelay_pool_available",
			Help: "Pooled agent clients currently free",
		},
	)

	PoolAcquireWait = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "msgrelay_pool_acquire_wait_seconds",
			Help:    "Time spent waiting for a pooled client",
			Buckets: []float64{.001, .01, .05, .1, .5, 1, 5, 15, 30},
		},
	)

	PoolAcquireTimeouts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "msgrelay_pool_acquire_timeouts_total",
			Help: "Acquisitions that gave up before a client became free",
		},
	)

	// Processing metrics
	BackgroundTasks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "msgrelay_background_tasks_total",
			Help: "Background tasks by result",
		},
		[]string{"result"}, // ok, busy, agent_error, send_error, dropped
	)

	AgentLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "msgrelay_agent_latency_seconds",
			Help:    "Agent turn latency",
			Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120},
		},
	)

	OutboundChunks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "msgrelay_outbound_chunks_total",
			Help: "Outbound message chunks by platform and result",
		},
		[]string{"platform", "result"},
	)
)

// ObserveChunk records the result of sending one outbound chunk.
func ObserveChunk(platform domain.Platform, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	OutboundChunks.WithLabelValues(string(platform), result).Inc()
}

// ObservePool publishes a pool occupancy snapshot.
func ObservePool(inUse, available int) {
	PoolInUse.Set(float64(inUse))
	PoolAvailable.Set(float64(available))
}
