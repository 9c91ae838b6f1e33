package notifier

import (
	"context"
	"net/url"

	"github.com/alertai/alertai/internal/logger"
)

// LogProvider writes alerts to the log instead of sending them. Channels look
// like log://<anything>.
type LogProvider struct {
	log logger.Logger
}

// NewLogProvider creates a log provider. A nil logger uses the module logger.
func NewLogProvider(l logger.Logger) *LogProvider {
	if l == nil {
		l = GetLogger().Module("log")
	}
	return &LogProvider{log: l}
}

// Name implements Provider.
func (p *LogProvider) Name() string { return "log" }

// Send implements Provider.
func (p *LogProvider) Send(ctx context.Context, target *url.URL, payload Payload) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.log.Info("alert",
		logger.String("channel", target.Host+target.Path),
		logger.String("event_id", payload.EventID),
		logger.String("recipient_id", payload.RecipientID),
		logger.String("type", payload.Type),
		logger.String("building", payload.Building),
		logger.Float64("distance_meters", payload.DistanceMeters),
		logger.String("instruction", payload.Instruction))
	return nil
}
