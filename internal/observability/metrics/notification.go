// Package metrics provides the Prometheus collectors for the alert pipeline.
package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Circuit breaker states as exported by NotificationMetrics.
const (
	BreakerClosed   = 0
	BreakerHalfOpen = 1
	BreakerOpen     = 2
)

// NotificationMetrics contains the metrics for outbound alert delivery.
type NotificationMetrics struct {
	DeliveriesTotal     *prometheus.CounterVec   // Sends by provider and resulting status
	DeliveryDuration    *prometheus.HistogramVec // Send latency by provider
	DeliveryErrors      *prometheus.CounterVec   // Failed sends by provider and error class
	CircuitBreakerState *prometheus.GaugeVec     // 0=closed, 1=half-open, 2=open
	RetryAttempts       *prometheus.CounterVec   // retryFailed resends by outcome
	DuplicateDispatches prometheus.Counter       // Dispatch calls that found an existing row

	registry *prometheus.Registry
}

// NewNotificationMetrics creates and registers the notification metrics.
func NewNotificationMetrics(registry *prometheus.Registry) (*NotificationMetrics, error) {
	m := &NotificationMetrics{registry: registry}
	m.initMetrics()
	if err := registry.Register(m); err != nil {
		return nil, fmt.Errorf("failed to register notification metrics: %w", err)
	}
	return m, nil
}

func (m *NotificationMetrics) initMetrics() {
	m.DeliveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "alertai_delivery_attempts_total",
			Help: "Total number of alert sends by provider and resulting delivery status",
		},
		[]string{"provider", "status"},
	)

	m.DeliveryDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "alertai_delivery_duration_seconds",
			Help:    "Time taken to send one alert by provider",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1.0, 2.0, 5.0, 10.0, 30.0},
		},
		[]string{"provider"},
	)

	m.DeliveryErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "alertai_delivery_errors_total",
			Help: "Total number of failed alert sends by provider and error class",
		},
		[]string{"provider", "error_class"},
	)

	m.CircuitBreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "alertai_notifier_circuit_breaker_state",
			Help: "Circuit breaker state per notification provider (0=closed, 1=half-open, 2=open)",
		},
		[]string{"provider"},
	)

	m.RetryAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "alertai_delivery_retries_total",
			Help: "Total number of retried deliveries by outcome status",
		},
		[]string{"status"},
	)

	m.DuplicateDispatches = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "alertai_delivery_duplicates_total",
			Help: "Dispatch calls skipped because the recipient already had a delivery attempt",
		},
	)
}

// RecordDelivery records one send and its outcome. A nil receiver is a no-op.
func (m *NotificationMetrics) RecordDelivery(provider, status, errorClass string, duration time.Duration) {
	if m == nil {
		return
	}
	m.DeliveriesTotal.WithLabelValues(provider, status).Inc()
	m.DeliveryDuration.WithLabelValues(provider).Observe(duration.Seconds())
	if errorClass != "" && errorClass != "none" {
		m.DeliveryErrors.WithLabelValues(provider, errorClass).Inc()
	}
}

// RecordRetry records the outcome of one retried delivery.
func (m *NotificationMetrics) RecordRetry(status string) {
	if m == nil {
		return
	}
	m.RetryAttempts.WithLabelValues(status).Inc()
}

// RecordDuplicate counts a dispatch that found an existing attempt.
func (m *NotificationMetrics) RecordDuplicate() {
	if m == nil {
		return
	}
	m.DuplicateDispatches.Inc()
}

// UpdateCircuitBreakerState sets the breaker gauge for provider.
func (m *NotificationMetrics) UpdateCircuitBreakerState(provider string, state int) {
	if m == nil {
		return
	}
	m.CircuitBreakerState.WithLabelValues(provider).Set(float64(state))
}

// Describe implements the prometheus.Collector interface.
func (m *NotificationMetrics) Describe(ch chan<- *prometheus.Desc) {
	m.DeliveriesTotal.Describe(ch)
	m.DeliveryDuration.Describe(ch)
	m.DeliveryErrors.Describe(ch)
	m.CircuitBreakerState.Describe(ch)
	m.RetryAttempts.Describe(ch)
	m.DuplicateDispatches.Describe(ch)
}

// Collect implements the prometheus.Collector interface.
func (m *NotificationMetrics) Collect(ch chan<- prometheus.Metric) {
	m.DeliveriesTotal.Collect(ch)
	m.DeliveryDuration.Collect(ch)
	m.DeliveryErrors.Collect(ch)
	m.CircuitBreakerState.Collect(ch)
	m.RetryAttempts.Collect(ch)
	m.DuplicateDispatches.Collect(ch)
}

// StartDeliveryTimer creates a timer for measuring delivery duration.
func (m *NotificationMetrics) StartDeliveryTimer() *DeliveryTimer {
	return &DeliveryTimer{startTime: time.Now(), metrics: m}
}

// DeliveryTimer measures one send.
type DeliveryTimer struct {
	startTime time.Time
	metrics   *NotificationMetrics
}

// ObserveDuration stops the timer and records the send.
func (dt *DeliveryTimer) ObserveDuration(provider, status, errorClass string) {
	dt.metrics.RecordDelivery(provider, status, errorClass, time.Since(dt.startTime))
}
