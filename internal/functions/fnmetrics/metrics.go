package fnmetrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// WebhookRequestsTotal counts Stripe webhook requests by event type and status.
	WebhookRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "weldqai",
		Subsystem: "functions",
		Name:      "webhook_requests_total",
		Help:      "Total Stripe webhook requests by event type and HTTP status.",
	}, []string{"event_type", "status"})

	// WebhookDuration tracks Stripe webhook processing latency.
	WebhookDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "weldqai",
		Subsystem: "functions",
		Name:      "webhook_duration_seconds",
		Help:      "Stripe webhook processing duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"event_type"})

	// ReconcileOutcomes counts entitlement reconciliation results per event type.
	ReconcileOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "weldqai",
		Subsystem: "functions",
		Name:      "reconcile_outcomes_total",
		Help:      "Entitlement reconciliation outcomes by event type.",
	}, []string{"event_type", "outcome"})

	// CallableRequestsTotal counts callable invocations by method and result code.
	CallableRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "weldqai",
		Subsystem: "functions",
		Name:      "callable_requests_total",
		Help:      "Total callable invocations by method and result code.",
	}, []string{"method", "code"})

	// PushSendTotal counts push notification deliveries per token.
	PushSendTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "weldqai",
		Subsystem: "functions",
		Name:      "push_send_total",
		Help:      "Push notification sends by result.",
	}, []string{"result"})

	// EventsPruned counts webhook event records removed by the retention loop.
	EventsPruned = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "weldqai",
		Subsystem: "functions",
		Name:      "webhook_events_pruned_total",
		Help:      "Processed webhook event records removed by retention.",
	})
)

// Reconcile outcome labels.
const (
	OutcomeApplied   = "applied"
	OutcomeDuplicate = "duplicate"
	OutcomeSkipped   = "skipped"
	OutcomeNotFound  = "not_found"
	OutcomeIgnored   = "ignored"
	OutcomeError     = "error"
)
