// Package ingest accepts emergency submissions, asks the verifier for a
// verdict and starts fan-out for verified events.
package ingest

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/alertai/alertai/internal/datastore"
	"github.com/alertai/alertai/internal/datastore/entities"
	"github.com/alertai/alertai/internal/emergency"
	"github.com/alertai/alertai/internal/errors"
	"github.com/alertai/alertai/internal/fanout"
	"github.com/alertai/alertai/internal/logger"
	"github.com/alertai/alertai/internal/observability/metrics"
	"github.com/alertai/alertai/internal/verifier"
)

const (
	DefaultVerifyTimeout = 30 * time.Second
	defaultSource        = "manual"
)

var (
	// ErrVerificationUnavailable means no verdict could be obtained. The
	// event stays PENDING and can be re-verified later.
	ErrVerificationUnavailable = errors.NewStd("verification unavailable")

	// ErrAlreadyVerified is returned by Reverify for rejected events, which
	// have a final verdict and nothing left to deliver.
	ErrAlreadyVerified = errors.NewStd("event already has a verdict")

	// ErrFanOutIncomplete means the event is VERIFIED but its recipients
	// could not be resolved. Reverify resumes the fan-out.
	ErrFanOutIncomplete = errors.NewStd("fan-out incomplete")
)

// GetLogger returns the ingest module logger.
func GetLogger() logger.Logger {
	return logger.Global().Module("ingest")
}

// FanOuter alerts recipients of a verified event.
type FanOuter interface {
	FanOut(ctx context.Context, event *entities.EmergencyEvent) (fanout.Result, error)
}

// Result is the outcome of an ingest. EventID is set whenever the event
// was stored, including when an error is returned.
type Result struct {
	EventID      string                      `json:"event_id"`
	Status       entities.VerificationStatus `json:"status"`
	MatchedUsers int                         `json:"matched_users"`
	Rationale    string                      `json:"rationale,omitempty"`
}

// Acknowledgement converts r into the wire answer sent to detectors.
func (r Result) Acknowledgement(err error) emergency.Acknowledgement {
	ack := emergency.Acknowledgement{
		EventID:      r.EventID,
		Status:       string(r.Status),
		MatchedUsers: r.MatchedUsers,
		Rationale:    r.Rationale,
	}
	if err != nil {
		ack.Error = err.Error()
	}
	return ack
}

// Gateway is the ingestion entry point.
type Gateway struct {
	events   *datastore.EventRepository
	verifier verifier.Verifier
	fanout   FanOuter
	timeout  time.Duration
	metrics  *metrics.PipelineMetrics
	now      func() time.Time
}

// New creates a Gateway. A timeout of 0 uses DefaultVerifyTimeout; m may be nil.
func New(events *datastore.EventRepository, v verifier.Verifier, f FanOuter, timeout time.Duration, m *metrics.PipelineMetrics) *Gateway {
	if timeout <= 0 {
		timeout = DefaultVerifyTimeout
	}
	return &Gateway{
		events:   events,
		verifier: v,
		fanout:   f,
		timeout:  timeout,
		metrics:  m,
		now:      time.Now,
	}
}

// Ingest validates and stores a submission as PENDING, then verifies it.
// Verified events are fanned out before Ingest returns; rejected events are
// only recorded. When the verifier cannot answer, the event stays PENDING
// and the error wraps ErrVerificationUnavailable.
func (g *Gateway) Ingest(ctx context.Context, s *emergency.Submission) (Result, error) {
	t, err := Validate(s)
	if err != nil {
		g.metrics.RecordIngest("invalid")
		return Result{}, err
	}

	detectedAt := g.now().UTC()
	if s.Timestamp != nil && !s.Timestamp.IsZero() {
		detectedAt = s.Timestamp.UTC()
	}
	source := strings.TrimSpace(s.Source)
	if source == "" {
		source = defaultSource
	}

	event := &entities.EmergencyEvent{
		ID:                 uuid.NewString(),
		Type:               string(t),
		Confidence:         s.Confidence,
		Lat:                s.Location.Lat,
		Lon:                s.Location.Lon,
		Building:           strings.TrimSpace(s.Building),
		Floor:              strings.TrimSpace(s.Floor),
		ImageRef:           strings.TrimSpace(s.ImageURL),
		Source:             source,
		DetectedAt:         detectedAt,
		VerificationStatus: entities.StatusPending,
	}
	if err := g.events.Create(ctx, event); err != nil {
		g.metrics.RecordIngest("error")
		return Result{}, err
	}

	GetLogger().Info("emergency received",
		logger.String("event_id", event.ID),
		logger.String("type", event.Type),
		logger.Float64("confidence", event.Confidence),
		logger.String("building", event.Building),
		logger.String("source", source))

	return g.verify(ctx, event)
}

// Reverify re-runs verification for a PENDING event. For a VERIFIED event
// it resumes fan-out, which is a no-op returning the stored match count when
// the event was already fanned out. Rejected events return
// ErrAlreadyVerified.
func (g *Gateway) Reverify(ctx context.Context, eventID string) (Result, error) {
	event, err := g.events.Get(ctx, eventID)
	if err != nil {
		return Result{}, err
	}
	switch event.VerificationStatus {
	case entities.StatusPending:
		return g.verify(ctx, event)
	case entities.StatusVerified:
		res := Result{EventID: event.ID, Status: event.VerificationStatus, Rationale: event.Rationale}
		return g.fanOut(context.WithoutCancel(ctx), event, res)
	default:
		return Result{EventID: event.ID, Status: event.VerificationStatus, Rationale: event.Rationale},
			errors.New(ErrAlreadyVerified).
				Component("ingest").
				Category(errors.CategoryConflict).
				Context("event_id", event.ID).
				Context("status", string(event.VerificationStatus)).
				Build()
	}
}

func (g *Gateway) verify(ctx context.Context, event *entities.EmergencyEvent) (Result, error) {
	log := GetLogger().With(logger.String("event_id", event.ID))
	res := Result{EventID: event.ID, Status: entities.StatusPending}

	vctx, cancel := context.WithTimeout(ctx, g.timeout)
	started := time.Now()
	verdict, err := g.verifier.Verify(vctx, event.ImageRef, event.Type)
	cancel()
	elapsed := time.Since(started)

	if err != nil {
		g.metrics.RecordVerification("unavailable", elapsed)
		g.metrics.RecordIngest("pending")
		log.Warn("verification unavailable, event left pending",
			logger.Duration("elapsed", elapsed),
			logger.Error(err))

		category := errors.CategoryVerification
		if errors.Is(err, context.DeadlineExceeded) || errors.IsCategory(err, errors.CategoryTimeout) {
			category = errors.CategoryTimeout
		}
		return res, errors.Newf("%w: %w", ErrVerificationUnavailable, err).
			Component("ingest").
			Category(category).
			Context("event_id", event.ID).
			Timing("verify", elapsed).
			Build()
	}

	status := entities.StatusRejected
	if verdict.Verified {
		status = entities.StatusVerified
	}
	g.metrics.RecordVerification(strings.ToLower(string(status)), elapsed)

	// The verdict is persisted even if the caller has gone away.
	storeCtx := context.WithoutCancel(ctx)
	updated, err := g.events.CompleteVerification(storeCtx, event.ID, status, verdict.Rationale, g.now())
	if err != nil {
		g.metrics.RecordIngest("error")
		return res, err
	}
	if !updated {
		// A concurrent verification finished first; its verdict stands.
		current, err := g.events.Get(storeCtx, event.ID)
		if err != nil {
			return res, err
		}
		event = current
		log.Info("verification already completed by another caller",
			logger.String("status", string(current.VerificationStatus)))
	} else {
		event.VerificationStatus = status
		event.Rationale = verdict.Rationale
	}

	res.Status = event.VerificationStatus
	res.Rationale = event.Rationale

	if event.VerificationStatus != entities.StatusVerified {
		g.metrics.RecordIngest("rejected")
		log.Info("emergency rejected by verifier", logger.String("rationale", event.Rationale))
		return res, nil
	}

	g.metrics.RecordIngest("verified")
	log.Info("emergency verified", logger.String("rationale", event.Rationale))

	return g.fanOut(storeCtx, event, res)
}

// fanOut alerts the recipients of a VERIFIED event. A failure leaves the
// event VERIFIED without a processed record, so the error wraps
// ErrFanOutIncomplete and Reverify can retry it.
func (g *Gateway) fanOut(ctx context.Context, event *entities.EmergencyEvent, res Result) (Result, error) {
	fr, err := g.fanout.FanOut(ctx, event)
	if err != nil {
		GetLogger().Error("fan-out failed, event awaits reverify",
			logger.String("event_id", event.ID),
			logger.Error(err))
		return res, errors.Newf("%w: %w", ErrFanOutIncomplete, err).
			Component("ingest").
			Category(errors.CategoryDatabase).
			Context("event_id", event.ID).
			Build()
	}
	res.MatchedUsers = fr.MatchedUsers
	return res, nil
}
