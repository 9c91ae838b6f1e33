// Package fanout turns a verified emergency into one alert per nearby
// recipient. Each event is fanned out at most once.
package fanout

import (
	"context"
	"slices"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alertai/alertai/internal/conf"
	"github.com/alertai/alertai/internal/datastore"
	"github.com/alertai/alertai/internal/datastore/entities"
	"github.com/alertai/alertai/internal/errors"
	"github.com/alertai/alertai/internal/geo"
	"github.com/alertai/alertai/internal/logger"
	"github.com/alertai/alertai/internal/notifier"
	"github.com/alertai/alertai/internal/observability/metrics"
)

const (
	DefaultRadiusMeters   = 100.0
	DefaultMaxLocationAge = time.Hour
	DefaultWorkers        = 8

	responderPrefix = "responder:"
)

// ErrNotVerified is returned when fan-out is asked for an event that has
// not been verified.
var ErrNotVerified = errors.NewStd("event is not verified")

// GetLogger returns the fanout module logger.
func GetLogger() logger.Logger {
	return logger.Global().Module("fanout")
}

// Dispatcher delivers one payload to one recipient.
type Dispatcher interface {
	Dispatch(ctx context.Context, eventID, userID, channel string, payload notifier.Payload) (*entities.DeliveryAttempt, error)
}

// Options configures an Engine.
type Options struct {
	RadiusMeters   float64
	MaxLocationAge time.Duration // 0 accepts locations of any age
	Workers        int
	Responders     []conf.Responder
}

// OptionsFromSettings builds Options from configuration.
func OptionsFromSettings(f *conf.FanoutSettings, n *conf.NotificationSettings) Options {
	return Options{
		RadiusMeters:   f.RadiusMeters,
		MaxLocationAge: f.MaxLocationAge,
		Workers:        f.Workers,
		Responders:     n.Responders,
	}
}

// Result reports the outcome of FanOut.
type Result struct {
	MatchedUsers     int  `json:"matched_users"`
	AlreadyProcessed bool `json:"already_processed"`
}

// Engine matches users to verified events and hands one payload per
// recipient to the Dispatcher.
type Engine struct {
	users      *datastore.UserRepository
	processed  *datastore.ProcessedRepository
	dispatcher Dispatcher
	opts       Options
	metrics    *metrics.PipelineMetrics
	now        func() time.Time
}

// New creates an Engine. m may be nil.
func New(users *datastore.UserRepository, processed *datastore.ProcessedRepository, d Dispatcher, opts Options, m *metrics.PipelineMetrics) *Engine {
	if opts.RadiusMeters <= 0 {
		opts.RadiusMeters = DefaultRadiusMeters
	}
	if opts.MaxLocationAge < 0 {
		opts.MaxLocationAge = 0
	}
	if opts.Workers <= 0 {
		opts.Workers = DefaultWorkers
	}
	return &Engine{
		users:      users,
		processed:  processed,
		dispatcher: d,
		opts:       opts,
		metrics:    m,
		now:        time.Now,
	}
}

// FanOut alerts every user within the radius of a VERIFIED event, plus the
// configured responders. A second call for the same event returns the
// first call's match count with AlreadyProcessed set and sends nothing.
// Per-recipient delivery failures are recorded by the Dispatcher and never
// fail the fan-out.
func (e *Engine) FanOut(ctx context.Context, event *entities.EmergencyEvent) (Result, error) {
	if event.VerificationStatus != entities.StatusVerified {
		return Result{}, errors.New(ErrNotVerified).
			Component("fanout").
			Category(errors.CategoryState).
			Context("event_id", event.ID).
			Context("status", string(event.VerificationStatus)).
			Build()
	}

	start := e.now()
	log := GetLogger().With(logger.String("event_id", event.ID), logger.String("type", event.Type))

	snapshot, err := e.users.Snapshot(ctx)
	if err != nil {
		return Result{}, err
	}
	matched := e.match(event, snapshot, start)

	claimed, err := e.processed.InsertIfAbsent(ctx, event.ID, len(matched), start)
	if err != nil {
		return Result{}, err
	}
	if !claimed {
		prior, err := e.processed.Get(ctx, event.ID)
		if err != nil {
			return Result{}, err
		}
		res := Result{AlreadyProcessed: true}
		if prior != nil {
			res.MatchedUsers = prior.MatchedCount
		}
		log.Info("event already fanned out", logger.Int("matched_users", res.MatchedUsers))
		return res, nil
	}

	recipients := slices.Concat(matched, e.responders())
	log.Info("fanning out verified event",
		logger.Int("users", len(snapshot)),
		logger.Int("matched_users", len(matched)),
		logger.Int("responders", len(recipients)-len(matched)),
		logger.Float64("radius_meters", e.opts.RadiusMeters))

	e.dispatchAll(ctx, event, recipients)

	e.metrics.RecordFanout(len(matched), time.Since(start))
	return Result{MatchedUsers: len(matched)}, nil
}

// match returns the users whose fresh location lies within the radius.
func (e *Engine) match(event *entities.EmergencyEvent, users []entities.User, now time.Time) []recipient {
	origin := geo.Point{Lat: event.Lat, Lon: event.Lon}

	var out []recipient
	for i := range users {
		u := &users[i]
		point, observedAt, ok := u.Location()
		if !ok {
			continue
		}
		if e.opts.MaxLocationAge > 0 && (observedAt.IsZero() || now.Sub(observedAt) > e.opts.MaxLocationAge) {
			GetLogger().Debug("skipping stale location",
				logger.String("user_id", u.ID),
				logger.Time("observed_at", observedAt))
			continue
		}
		d := geo.Distance(origin, point)
		if !geo.Within(origin, point, e.opts.RadiusMeters) {
			continue
		}
		out = append(out, recipient{ID: u.ID, Name: u.Name, Channel: u.ContactChannel, Distance: d})
	}
	return out
}

func (e *Engine) responders() []recipient {
	out := make([]recipient, 0, len(e.opts.Responders))
	for _, r := range e.opts.Responders {
		out = append(out, recipient{ID: responderPrefix + r.Name, Name: r.Name, Channel: r.Channel})
	}
	return out
}

// dispatchAll sends to every recipient on a bounded pool and waits for all
// of them. Sends continue if ctx is cancelled; each is bounded by the
// Dispatcher's own timeout.
func (e *Engine) dispatchAll(ctx context.Context, event *entities.EmergencyEvent, recipients []recipient) {
	ctx = context.WithoutCancel(ctx)

	var g errgroup.Group
	g.SetLimit(e.opts.Workers)

	for _, r := range recipients {
		g.Go(func() error {
			payload, err := BuildPayload(event, r.ID, r.Name, r.Distance)
			if err != nil {
				GetLogger().Error("failed to build alert payload",
					logger.String("event_id", event.ID),
					logger.String("user_id", r.ID),
					logger.Error(err))
				return nil
			}
			if _, err := e.dispatcher.Dispatch(ctx, event.ID, r.ID, r.Channel, payload); err != nil {
				GetLogger().Error("failed to dispatch alert",
					logger.String("event_id", event.ID),
					logger.String("user_id", r.ID),
					logger.Error(err))
			}
			return nil
		})
	}
	_ = g.Wait()
}
