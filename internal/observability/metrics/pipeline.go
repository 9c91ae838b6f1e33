package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PipelineMetrics covers ingestion, verification and fan-out.
type PipelineMetrics struct {
	IngestTotal          *prometheus.CounterVec   // Ingested events by resulting status
	VerificationDuration *prometheus.HistogramVec // Verifier latency by outcome
	FanoutMatchedUsers   prometheus.Histogram     // Users matched per fanned-out event
	FanoutDuration       prometheus.Histogram     // Time to dispatch one event to all recipients
}

// NewPipelineMetrics creates and registers the pipeline metrics.
func NewPipelineMetrics(registry *prometheus.Registry) (*PipelineMetrics, error) {
	m := &PipelineMetrics{
		IngestTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "alertai_ingest_events_total",
				Help: "Total number of ingested emergency events by status (verified, rejected, pending, invalid)",
			},
			[]string{"status"},
		),
		VerificationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "alertai_verification_duration_seconds",
				Help:    "Verifier latency by outcome (verified, rejected, unavailable)",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 20, 30, 60},
			},
			[]string{"outcome"},
		),
		FanoutMatchedUsers: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "alertai_fanout_matched_users",
				Help:    "Number of users within the radius of a verified event",
				Buckets: []float64{0, 1, 2, 5, 10, 25, 50, 100, 250},
			},
		),
		FanoutDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "alertai_fanout_duration_seconds",
				Help:    "Time to dispatch one verified event to every recipient",
				Buckets: prometheus.DefBuckets,
			},
		),
	}

	for _, c := range []prometheus.Collector{m.IngestTotal, m.VerificationDuration, m.FanoutMatchedUsers, m.FanoutDuration} {
		if err := registry.Register(c); err != nil {
			return nil, fmt.Errorf("failed to register pipeline metrics: %w", err)
		}
	}
	return m, nil
}

// RecordIngest counts one ingested event by status. A nil receiver is a no-op.
func (m *PipelineMetrics) RecordIngest(status string) {
	if m == nil {
		return
	}
	m.IngestTotal.WithLabelValues(status).Inc()
}

// RecordVerification observes one verifier call.
func (m *PipelineMetrics) RecordVerification(outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.VerificationDuration.WithLabelValues(outcome).Observe(duration.Seconds())
}

// RecordFanout observes one completed fan-out.
func (m *PipelineMetrics) RecordFanout(matched int, duration time.Duration) {
	if m == nil {
		return
	}
	m.FanoutMatchedUsers.Observe(float64(matched))
	m.FanoutDuration.Observe(duration.Seconds())
}
