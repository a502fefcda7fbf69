// Package metrics holds the process-wide Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "companiond_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "companiond_http_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: []float64{.005, .01, .05, .1, .5, 1, 2.5, 5, 10, 30},
		},
		[]string{"method", "route"},
	)

	// Routing metrics
	MessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "companiond_messages_total",
			Help: "Conversation entries appended",
		},
		[]string{"source", "role"},
	)

	CommandsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "companiond_commands_total",
			Help: "Control commands handled",
		},
		[]string{"command"},
	)

	CompletionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "companiond_completion_duration_seconds",
			Help:    "AI completion latency",
			Buckets: []float64{.25, .5, 1, 2, 5, 10, 20, 45, 90},
		},
		[]string{"provider", "outcome"},
	)

	// Proactive metrics
	ProactiveSentTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "companiond_proactive_sent_total",
			Help: "Proactive messages emitted",
		},
		[]string{"companion"},
	)

	ProactiveFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "companiond_proactive_failures_total",
			Help: "Proactive emissions abandoned",
		},
		[]string{"stage"}, // "synthesize" or "persist"
	)

	// Webhook metrics
	WebhookDeliveriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "companiond_webhook_deliveries_total",
			Help: "Webhook delivery attempts",
		},
		[]string{"event", "result"}, // "ok", "failed", "dropped"
	)

	WebhookSubscribers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "companiond_webhook_subscribers",
			Help: "Registered webhook subscribers",
		},
	)
)
