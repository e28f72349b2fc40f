// Package metrics registers the Prometheus collectors shared across the
// service. Collectors live on the default registry and are exposed through
// the /metrics endpoint.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTPRequests counts dispatched requests by route, method and status.
	HTTPRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "settld_http_requests_total",
			Help: "Total HTTP requests handled",
		},
		[]string{"route", "method", "status"},
	)

	// HTTPDuration observes request latency by route.
	HTTPDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "settld_http_request_duration_seconds",
			Help:    "HTTP request latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)

	// OutboxDeliveries counts delivery attempts by outcome.
	OutboxDeliveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "settld_outbox_deliveries_total",
			Help: "Webhook delivery attempts by outcome",
		},
		[]string{"outcome"}, // delivered, retry, dlq
	)

	// OutboxPending gauges the pending backlog seen at the last pump.
	OutboxPending = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "settld_outbox_pending",
			Help: "Pending outbox messages claimed at the last pump",
		},
	)

	// SettlementsResolved counts settlement resolutions by outcome.
	SettlementsResolved = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "settld_settlements_resolved_total",
			Help: "Settlements resolved by outcome",
		},
		[]string{"outcome"}, // released, refunded, split, manual_review
	)

	// DisputesOpen counts dispute lifecycle transitions.
	DisputesOpen = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "settld_disputes_total",
			Help: "Dispute transitions by phase",
		},
		[]string{"phase"}, // open, escalated, closed
	)

	// SchedulerTicks counts autotick passes by task.
	SchedulerTicks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "settld_scheduler_ticks_total",
			Help: "Background scheduler task executions",
		},
		[]string{"task"},
	)
)
