// Package detect runs a detection controller against a frame source.
package detect

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	api "github.com/alertai/alertai/internal/api/v2"
	"github.com/alertai/alertai/internal/conf"
	"github.com/alertai/alertai/internal/detection"
	"github.com/alertai/alertai/internal/httpclient"
	"github.com/alertai/alertai/internal/logger"
	"github.com/alertai/alertai/internal/observability"
)

// Command creates the detect command.
func Command(settings *conf.Settings) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "detect",
		Short: "Run a detection controller",
		Long:  "Score frames, confirm sustained detections and submit them to the gateway.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return Run(cmd.Context(), settings)
		},
	}

	if err := setupFlags(cmd, settings); err != nil {
		panic(err)
	}

	return cmd
}

// setupFlags configures flags specific to the detect command.
func setupFlags(cmd *cobra.Command, settings *conf.Settings) error {
	cmd.Flags().StringVar(&settings.Detection.Name, "name", viper.GetString("detection.name"), "Detector name reported to the gateway")
	cmd.Flags().StringVar(&settings.Detection.GatewayURL, "gateway", viper.GetString("detection.gateway_url"), "Base URL of the ingestion gateway")
	cmd.Flags().StringVar(&settings.Detection.ControlListen, "control", viper.GetString("detection.control_listen"), "Listen address of the operator API, empty disables")
	cmd.Flags().Float64Var(&settings.Detection.Threshold, "threshold", viper.GetFloat64("detection.threshold"), "Confidence threshold between 0 and 1")

	for key, name := range map[string]string{
		"detection.name":           "name",
		"detection.gateway_url":    "gateway",
		"detection.control_listen": "control",
		"detection.threshold":      "threshold",
	} {
		if err := viper.BindPFlag(key, cmd.Flags().Lookup(name)); err != nil {
			return fmt.Errorf("error binding flags: %w", err)
		}
	}

	return nil
}

// Run polls the configured detector until it is exhausted or ctx ends. When
// a control address is set the operator API keeps serving until ctx ends.
func Run(ctx context.Context, settings *conf.Settings) error {
	log := logger.Global().Module("detect")

	cfg, err := detection.ConfigFromSettings(&settings.Detection)
	if err != nil {
		return err
	}

	m, err := observability.NewMetrics()
	if err != nil {
		return err
	}

	client := httpclient.New(nil)
	defer client.Close()

	detector, err := detection.NewDetector(&settings.Detection.Detector, client)
	if err != nil {
		return err
	}

	submitter := detection.NewHTTPSubmitter(settings.Detection.GatewayURL, client, settings.Detection.SubmitTimeout)
	controller := detection.NewController(cfg, submitter, m.Detection)
	runner := detection.NewRunner(detector, controller, settings.Detection.Interval)

	log.Info("detector ready",
		logger.String("name", cfg.Name),
		logger.String("type", string(cfg.EmergencyType)),
		logger.Float64("threshold", cfg.Threshold),
		logger.Duration("confirm_window", cfg.ConfirmWindow),
		logger.String("gateway", logger.RedactURL(settings.Detection.GatewayURL)))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return runner.Run(gctx)
	})

	if settings.Detection.ControlListen != "" {
		e := api.NewEcho()
		api.New(e, settings,
			api.WithDetector(controller),
			api.WithMetrics(m))
		g.Go(func() error {
			return api.Serve(gctx, e, settings.Detection.ControlListen)
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}

	status := controller.Status()
	log.Info("detector stopped",
		logger.String("state", string(status.State)),
		logger.String("event_id", status.LastEventID))
	return nil
}
