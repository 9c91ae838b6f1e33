package detection

import (
	"context"
	"time"

	"github.com/alertai/alertai/internal/conf"
	"github.com/alertai/alertai/internal/emergency"
	"github.com/alertai/alertai/internal/errors"
	"github.com/alertai/alertai/internal/httpclient"
	"github.com/alertai/alertai/internal/logger"
)

// Runner polls a Detector at a fixed interval and feeds its controller.
type Runner struct {
	detector   Detector
	controller *Controller
	interval   time.Duration
}

// NewRunner creates a runner. interval defaults to one second.
func NewRunner(d Detector, c *Controller, interval time.Duration) *Runner {
	if interval <= 0 {
		interval = time.Second
	}
	return &Runner{detector: d, controller: c, interval: interval}
}

// Run scores the first frame immediately and then once per interval until ctx
// is done or the detector is exhausted. Scoring errors are logged and skipped.
func (r *Runner) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		obs, err := r.detector.ScoreFrame(ctx)
		switch {
		case errors.Is(err, ErrDetectorExhausted):
			GetLogger().Info("detector exhausted, stopping runner")
			return nil
		case ctx.Err() != nil:
			return nil
		case err != nil:
			GetLogger().Warn("frame scoring failed", logger.Error(err))
		default:
			r.controller.Observe(ctx, obs.Confidence, obs.Frame)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// ConfigFromSettings maps detection settings onto a controller Config.
func ConfigFromSettings(s *conf.DetectionSettings) (Config, error) {
	t, ok := emergency.ParseType(s.EmergencyType)
	if !ok {
		return Config{}, errors.Newf("unknown emergency type %q", s.EmergencyType).
			Component("detection").
			Category(errors.CategoryConfiguration).
			Build()
	}
	return Config{
		Name:          s.Name,
		EmergencyType: t,
		Threshold:     s.Threshold,
		ConfirmWindow: s.ConfirmWindow,
		DropoutGrace:  s.DropoutGrace,
		Cooldown:      s.Cooldown,
		Building:      s.Building,
		Floor:         s.Floor,
		Location:      emergency.Location{Lat: s.Latitude, Lon: s.Longitude},
	}, nil
}

// NewDetector builds the configured frame source.
func NewDetector(s *conf.DetectorSource, client *httpclient.Client) (Detector, error) {
	switch s.Kind {
	case "scripted":
		return NewScriptedDetector(s.Script, s.Frame, false), nil
	case "http":
		return NewHTTPDetector(s.URL, client), nil
	default:
		return nil, errors.Newf("unknown detector kind %q", s.Kind).
			Component("detection").
			Category(errors.CategoryConfiguration).
			Build()
	}
}
