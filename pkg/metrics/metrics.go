// Package metrics provides Prometheus metrics instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RequestDuration tracks HTTP request duration.
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "api_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"method", "path", "status"},
	)

	// RequestsTotal tracks total HTTP requests.
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "api_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// WebhookEventsTotal tracks inbound webhook events by type and result.
	WebhookEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "webhook_events_total",
			Help: "Inbound webhook events",
		},
		[]string{"type", "result"},
	)

	// MessagesTotal tracks stored messages by direction and sender.
	MessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "messages_total",
			Help: "Total messages stored",
		},
		[]string{"direction", "sender"},
	)

	// PaymentsTotal tracks payment records reaching a terminal status.
	PaymentsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "payments_total",
			Help: "Payment records by terminal status",
		},
		[]string{"status"},
	)

	// EscalationsTotal tracks conversations escalated to a human operator.
	EscalationsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "escalations_total",
			Help: "Conversations escalated to a human operator",
		},
	)

	// BillingRequestDuration tracks billing API call duration.
	BillingRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "billing_request_duration_seconds",
			Help:    "Billing API request duration",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		},
		[]string{"operation", "status"},
	)

	// BillingRetriesTotal tracks retried billing API calls.
	BillingRetriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "billing_retries_total",
			Help: "Retried billing API calls",
		},
		[]string{"operation"},
	)

	// WhatsAppSendDuration tracks outbound WhatsApp send duration.
	WhatsAppSendDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "whatsapp_send_duration_seconds",
			Help:    "Outbound WhatsApp message send duration",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		},
		[]string{"status"},
	)

	// ClassifierDuration tracks classifier call duration.
	ClassifierDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "classifier_duration_seconds",
			Help:    "Classifier call duration",
			Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10, 20, 30},
		},
		[]string{"operation", "provider", "status"},
	)

	// DispatchQueueDepth tracks queued events per active conversation key.
	DispatchQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "dispatch_queue_depth",
			Help: "Events waiting in per-conversation dispatch queues",
		},
	)

	// EventPublishFailures tracks failed real-time event publishes.
	EventPublishFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "event_publish_failures_total",
			Help: "Failed NATS event publishes",
		},
		[]string{"kind"},
	)
)

// RecordRequest records metrics for an HTTP request.
func RecordRequest(method, path, status string, duration float64) {
	RequestDuration.WithLabelValues(method, path, status).Observe(duration)
	RequestsTotal.WithLabelValues(method, path, status).Inc()
}

// RecordBillingRequest records metrics for a billing API call.
func RecordBillingRequest(operation, status string, duration float64) {
	BillingRequestDuration.WithLabelValues(operation, status).Observe(duration)
}

// RecordWhatsAppSend records metrics for an outbound WhatsApp send.
func RecordWhatsAppSend(status string, duration float64) {
	WhatsAppSendDuration.WithLabelValues(status).Observe(duration)
}

// RecordClassifier records metrics for a classifier call.
func RecordClassifier(operation, provider, status string, duration float64) {
	ClassifierDuration.WithLabelValues(operation, provider, status).Observe(duration)
}
