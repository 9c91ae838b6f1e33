package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

// DetectionMetrics covers the confirmation controllers of a detect process.
type DetectionMetrics struct {
	FramesTotal      *prometheus.CounterVec // Observed frames by detector and whether above threshold
	ControllerState  *prometheus.GaugeVec   // 1 for the detector's current state, 0 otherwise
	SubmissionsTotal *prometheus.CounterVec // Submissions by detector and outcome (sent, held)
}

var controllerStates = []string{"IDLE", "CANDIDATE", "SENT", "HELD"}

// NewDetectionMetrics creates and registers the detection metrics.
func NewDetectionMetrics(registry *prometheus.Registry) (*DetectionMetrics, error) {
	m := &DetectionMetrics{
		FramesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "alertai_detector_frames_total",
				Help: "Total number of scored frames by detector and threshold result",
			},
			[]string{"detector", "above_threshold"},
		),
		ControllerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "alertai_detector_state",
				Help: "Confirmation state per detector (1 marks the current state)",
			},
			[]string{"detector", "state"},
		),
		SubmissionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "alertai_detector_submissions_total",
				Help: "Total number of submissions to the gateway by detector and outcome",
			},
			[]string{"detector", "outcome"},
		),
	}

	for _, c := range []prometheus.Collector{m.FramesTotal, m.ControllerState, m.SubmissionsTotal} {
		if err := registry.Register(c); err != nil {
			return nil, fmt.Errorf("failed to register detection metrics: %w", err)
		}
	}
	return m, nil
}

// RecordFrame counts one observed frame. A nil receiver is a no-op.
func (m *DetectionMetrics) RecordFrame(detector string, above bool) {
	if m == nil {
		return
	}
	label := "false"
	if above {
		label = "true"
	}
	m.FramesTotal.WithLabelValues(detector, label).Inc()
}

// SetState marks state as the detector's current state.
func (m *DetectionMetrics) SetState(detector, state string) {
	if m == nil {
		return
	}
	for _, s := range controllerStates {
		v := 0.0
		if s == state {
			v = 1
		}
		m.ControllerState.WithLabelValues(detector, s).Set(v)
	}
}

// RecordSubmission counts one submission attempt by outcome.
func (m *DetectionMetrics) RecordSubmission(detector, outcome string) {
	if m == nil {
		return
	}
	m.SubmissionsTotal.WithLabelValues(detector, outcome).Inc()
}
