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
		[]string{"method", "route", "status"},
	)

	// RequestsTotal tracks total HTTP requests.
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "api_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	// ThreadsTotal tracks threads prepared.
	ThreadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scheduling_threads_total",
			Help: "Total scheduling threads prepared",
		},
		[]string{"mode"},
	)

	// ResponsesTotal tracks persisted invitee responses.
	ResponsesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scheduling_responses_total",
			Help: "Total invitee responses recorded",
		},
		[]string{"mode", "answer"},
	)

	// SlotClaimsTotal tracks open-slot claim outcomes.
	SlotClaimsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scheduling_slot_claims_total",
			Help: "Open slot claim attempts by result",
		},
		[]string{"result"},
	)

	// FinalizationsTotal tracks confirmed threads.
	FinalizationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scheduling_finalizations_total",
			Help: "Total threads finalized",
		},
		[]string{"trigger"},
	)

	// ReproposalsTotal tracks reproposals.
	ReproposalsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "scheduling_reproposals_total",
			Help: "Total reproposals appended to threads",
		},
	)

	// NotificationsTotal tracks events handed to notifier sinks.
	NotificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scheduling_notifications_total",
			Help: "Notifier bridge events by sink and result",
		},
		[]string{"type", "sink", "result"},
	)

	// SSEConnections tracks open thread event streams.
	SSEConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sse_active_connections",
			Help: "Number of active SSE connections",
		},
	)

	// NATSStreamMessages tracks messages in NATS stream.
	NATSStreamMessages = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "nats_stream_messages",
			Help: "Number of messages in NATS stream",
		},
		[]string{"stream"},
	)
)

// Claim results.
const (
	ClaimWon   = "won"
	ClaimLost  = "lost"
	ClaimError = "error"
)

// RecordRequest records metrics for an HTTP request.
func RecordRequest(method, route, status string, duration float64) {
	RequestDuration.WithLabelValues(method, route, status).Observe(duration)
	RequestsTotal.WithLabelValues(method, route, status).Inc()
}

// IncrementSSEConnections increments the active SSE connections gauge.
func IncrementSSEConnections() {
	SSEConnections.Inc()
}

// DecrementSSEConnections decrements the active SSE connections gauge.
func DecrementSSEConnections() {
	SSEConnections.Dec()
}

// RecordSlotClaim records the outcome of an open-slot claim.
func RecordSlotClaim(result string) {
	SlotClaimsTotal.WithLabelValues(result).Inc()
}

// RecordNotification records delivery of an event to one sink.
func RecordNotification(eventType, sink string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	NotificationsTotal.WithLabelValues(eventType, sink, result).Inc()
}
