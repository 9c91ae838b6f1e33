// Package detection turns a noisy stream of per-frame confidence scores into
// at most one emergency submission per genuine event.
//
// A Controller owns one detection session and moves through four states:
//
//	IDLE ──above──▶ CANDIDATE ──window elapsed, ack──▶ SENT
//	                    │                               │
//	                    └──window elapsed, error──▶ HELD
//
// SENT returns to IDLE after the cooldown or on Reset. HELD returns to IDLE
// only on Reset; Retry resubmits the held frame. Frames seen while SENT or
// HELD are ignored, so an unreachable gateway never causes an alert storm.
package detection

import (
	"context"
	"sync"
	"time"

	"github.com/alertai/alertai/internal/emergency"
	"github.com/alertai/alertai/internal/errors"
	"github.com/alertai/alertai/internal/logger"
	"github.com/alertai/alertai/internal/observability/metrics"
)

// State is a controller submission state.
type State string

const (
	StateIdle      State = "IDLE"
	StateCandidate State = "CANDIDATE"
	StateSent      State = "SENT"
	StateHeld      State = "HELD"
)

var (
	// ErrNotHeld is returned by Retry outside the HELD state.
	ErrNotHeld = errors.NewStd("no held submission to retry")
	// ErrNothingToRetry is returned by Retry when the held confidence is below threshold.
	ErrNothingToRetry = errors.NewStd("held detection is below threshold")
	// ErrSubmissionInFlight is returned by Retry while a submission is outstanding.
	ErrSubmissionInFlight = errors.NewStd("submission already in flight")
)

// GetLogger returns the detection module logger.
func GetLogger() logger.Logger {
	return logger.Global().Module("detection")
}

// Submitter delivers a confirmed detection to the ingestion gateway. A non-nil
// error means the outcome is unknown; the returned acknowledgement may still
// carry an event id.
type Submitter interface {
	Submit(ctx context.Context, sub emergency.Submission) (emergency.Acknowledgement, error)
}

// Config holds the per-detector parameters.
type Config struct {
	Name          string
	EmergencyType emergency.Type
	Threshold     float64
	ConfirmWindow time.Duration
	DropoutGrace  time.Duration // below-threshold run tolerated while CANDIDATE
	Cooldown      time.Duration // SENT auto-resets after this long, 0 disables
	Building      string
	Floor         string
	Location      emergency.Location
}

// Status is a snapshot of a controller for operators.
type Status struct {
	Detector           string     `json:"detector"`
	EmergencyType      string     `json:"emergency_type"`
	State              State      `json:"state"`
	Submitting         bool       `json:"submitting"`
	LastConfidence     float64    `json:"last_confidence"`
	LastFrame          string     `json:"last_frame,omitempty"`
	CandidateStartedAt *time.Time `json:"candidate_started_at,omitempty"`
	ConfirmRemaining   float64    `json:"confirm_remaining_seconds"`
	LastEmergencyAt    *time.Time `json:"last_emergency_at,omitempty"`
	CooldownRemaining  float64    `json:"cooldown_remaining_seconds"`
	LastEventID        string     `json:"last_event_id,omitempty"`
	LastError          string     `json:"last_error,omitempty"`
}

// Controller is the confirmation state machine for one detector.
type Controller struct {
	cfg       Config
	submitter Submitter
	metrics   *metrics.DetectionMetrics
	log       logger.Logger

	mu                 sync.Mutex
	state              State
	candidateStartedAt time.Time
	belowSince         time.Time
	lastConfidence     float64
	lastFrame          string
	lastEmergencyAt    time.Time
	lastEventID        string
	lastError          string
	submitting         bool
	generation         uint64 // bumped on reset; stale submission results are dropped
}

// NewController creates a controller in the IDLE state. m may be nil.
func NewController(cfg Config, submitter Submitter, m *metrics.DetectionMetrics) *Controller {
	c := &Controller{
		cfg:       cfg,
		submitter: submitter,
		metrics:   m,
		log:       GetLogger().With(logger.String("detector", cfg.Name)),
		state:     StateIdle,
	}
	m.SetState(cfg.Name, string(StateIdle))
	return c
}

// Observe feeds one frame score. When the score has stayed at or above the
// threshold for the confirm window the detection is submitted synchronously.
// It returns the state after the frame was processed.
func (c *Controller) Observe(ctx context.Context, confidence float64, frame string) State {
	c.mu.Lock()
	now := time.Now()
	c.expireCooldownLocked(now)

	above := confidence >= c.cfg.Threshold
	c.metrics.RecordFrame(c.cfg.Name, above)

	if c.submitting || c.state == StateSent || c.state == StateHeld {
		state := c.state
		c.mu.Unlock()
		return state
	}

	if !above {
		if c.state == StateCandidate {
			if c.belowSince.IsZero() {
				c.belowSince = now
			}
			if now.Sub(c.belowSince) >= c.cfg.DropoutGrace {
				c.log.Debug("confidence dropped below threshold, streak ended",
					logger.Float64("confidence", confidence),
					logger.Duration("streak", now.Sub(c.candidateStartedAt)))
				c.clearLocked()
			}
		}
		state := c.state
		c.mu.Unlock()
		return state
	}

	c.belowSince = time.Time{}
	c.lastConfidence = confidence
	if frame != "" {
		c.lastFrame = frame
	}

	if c.state == StateIdle {
		c.setStateLocked(StateCandidate)
		c.candidateStartedAt = now
		c.log.Info("detection above threshold, confirming",
			logger.Float64("confidence", confidence),
			logger.Float64("threshold", c.cfg.Threshold),
			logger.Duration("confirm_window", c.cfg.ConfirmWindow))
	}

	if now.Sub(c.candidateStartedAt) < c.cfg.ConfirmWindow {
		c.mu.Unlock()
		return StateCandidate
	}

	sub, gen := c.beginSubmitLocked(now)
	c.mu.Unlock()

	c.log.Info("detection confirmed, submitting",
		logger.Float64("confidence", confidence),
		logger.Duration("streak", now.Sub(c.candidateStartedAt)))
	return c.submit(ctx, sub, gen)
}

// Retry resubmits the held detection. It fails with ErrNotHeld outside HELD
// and with ErrNothingToRetry when the held confidence is below threshold.
// A failed resubmission leaves the controller HELD without returning an error;
// the cause is reported by Status.
func (c *Controller) Retry(ctx context.Context) (State, error) {
	c.mu.Lock()
	switch {
	case c.submitting:
		c.mu.Unlock()
		return c.stateSnapshot(), ErrSubmissionInFlight
	case c.state != StateHeld:
		state := c.state
		c.mu.Unlock()
		return state, ErrNotHeld
	case c.lastConfidence < c.cfg.Threshold:
		c.mu.Unlock()
		return StateHeld, ErrNothingToRetry
	}

	sub, gen := c.beginSubmitLocked(time.Now())
	c.mu.Unlock()

	c.log.Info("retrying held submission", logger.Float64("confidence", sub.Confidence))
	return c.submit(ctx, sub, gen), nil
}

// Reset clears the session and returns to IDLE. A submission still in flight
// completes but its outcome is discarded.
func (c *Controller) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.clearLocked()
	c.lastEmergencyAt = time.Time{}
	c.lastEventID = ""
	c.lastError = ""
	c.log.Info("detection state reset")
}

// Status reports the current session.
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	c.expireCooldownLocked(now)

	st := Status{
		Detector:       c.cfg.Name,
		EmergencyType:  string(c.cfg.EmergencyType),
		State:          c.state,
		Submitting:     c.submitting,
		LastConfidence: c.lastConfidence,
		LastFrame:      c.lastFrame,
		LastEventID:    c.lastEventID,
		LastError:      c.lastError,
	}
	if !c.candidateStartedAt.IsZero() {
		started := c.candidateStartedAt
		st.CandidateStartedAt = &started
		if c.state == StateCandidate {
			st.ConfirmRemaining = max(0, (c.cfg.ConfirmWindow - now.Sub(started)).Seconds())
		}
	}
	if !c.lastEmergencyAt.IsZero() {
		at := c.lastEmergencyAt
		st.LastEmergencyAt = &at
		if c.state == StateSent && c.cfg.Cooldown > 0 {
			st.CooldownRemaining = max(0, (c.cfg.Cooldown - now.Sub(at)).Seconds())
		}
	}
	return st
}

func (c *Controller) stateSnapshot() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// beginSubmitLocked marks a submission in flight and builds its payload.
func (c *Controller) beginSubmitLocked(now time.Time) (emergency.Submission, uint64) {
	c.submitting = true
	c.lastEmergencyAt = now
	ts := now.UTC()
	return emergency.Submission{
		EmergencyType: string(c.cfg.EmergencyType),
		Confidence:    c.lastConfidence,
		Location:      c.cfg.Location,
		Building:      c.cfg.Building,
		Floor:         c.cfg.Floor,
		ImageURL:      c.lastFrame,
		Timestamp:     &ts,
		Source:        c.cfg.Name,
	}, c.generation
}

// submit calls the submitter without holding the lock and applies the outcome.
func (c *Controller) submit(ctx context.Context, sub emergency.Submission, gen uint64) State {
	ack, err := c.submitter.Submit(ctx, sub)

	c.mu.Lock()
	defer c.mu.Unlock()

	if gen != c.generation {
		c.log.Info("discarding submission outcome after reset", logger.String("event_id", ack.EventID))
		return c.state
	}
	c.submitting = false
	if ack.EventID != "" {
		c.lastEventID = ack.EventID
	}

	if err != nil {
		c.lastError = err.Error()
		c.setStateLocked(StateHeld)
		c.metrics.RecordSubmission(c.cfg.Name, "held")
		c.log.Warn("submission outcome unknown, holding until reset or retry",
			logger.String("event_id", ack.EventID),
			logger.Error(err))
		return c.state
	}

	c.lastError = ""
	c.setStateLocked(StateSent)
	c.metrics.RecordSubmission(c.cfg.Name, "sent")
	c.log.Info("submission acknowledged",
		logger.String("event_id", ack.EventID),
		logger.String("status", ack.Status),
		logger.Int("matched_users", ack.MatchedUsers))
	return c.state
}

// expireCooldownLocked returns a SENT controller to IDLE once the cooldown has passed.
func (c *Controller) expireCooldownLocked(now time.Time) {
	if c.state != StateSent || c.submitting || c.cfg.Cooldown <= 0 {
		return
	}
	if now.Sub(c.lastEmergencyAt) < c.cfg.Cooldown {
		return
	}
	c.log.Info("cooldown elapsed, ready for new detections", logger.Duration("cooldown", c.cfg.Cooldown))
	c.clearLocked()
}

// clearLocked drops the streak and any in-flight result. Event id, error and
// lastEmergencyAt survive for Status.
func (c *Controller) clearLocked() {
	c.generation++
	c.submitting = false
	c.candidateStartedAt = time.Time{}
	c.belowSince = time.Time{}
	c.lastConfidence = 0
	c.lastFrame = ""
	c.setStateLocked(StateIdle)
}

func (c *Controller) setStateLocked(s State) {
	if c.state == s {
		return
	}
	c.log.Debug("state transition", logger.String("from", string(c.state)), logger.String("to", string(s)))
	c.state = s
	c.metrics.SetState(c.cfg.Name, string(s))
}
