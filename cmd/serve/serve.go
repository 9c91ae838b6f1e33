// Package serve runs the ingestion gateway and its HTTP API.
package serve

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	api "github.com/alertai/alertai/internal/api/v2"
	"github.com/alertai/alertai/internal/conf"
	"github.com/alertai/alertai/internal/datastore"
	"github.com/alertai/alertai/internal/dispatch"
	"github.com/alertai/alertai/internal/fanout"
	"github.com/alertai/alertai/internal/httpclient"
	"github.com/alertai/alertai/internal/ingest"
	"github.com/alertai/alertai/internal/logger"
	"github.com/alertai/alertai/internal/notifier"
	"github.com/alertai/alertai/internal/observability"
	"github.com/alertai/alertai/internal/verifier"
)

// Command creates the serve command.
func Command(settings *conf.Settings) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the ingestion gateway",
		Long:  "Accept detections over HTTP, verify them and alert nearby users and responders.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return Run(cmd.Context(), settings)
		},
	}

	if err := setupFlags(cmd, settings); err != nil {
		panic(err)
	}

	return cmd
}

// setupFlags configures flags specific to the serve command.
func setupFlags(cmd *cobra.Command, settings *conf.Settings) error {
	cmd.Flags().StringVar(&settings.Server.Listen, "listen", viper.GetString("server.listen"), "Listen address of the HTTP API")
	cmd.Flags().StringVar(&settings.Verifier.Provider, "verifier", viper.GetString("verifier.provider"), "Verifier provider (gemini, http or static)")
	cmd.Flags().Float64Var(&settings.Fanout.RadiusMeters, "radius", viper.GetFloat64("fanout.radius_meters"), "Alert radius in meters")

	for key, name := range map[string]string{
		"server.listen":        "listen",
		"verifier.provider":    "verifier",
		"fanout.radius_meters": "radius",
	} {
		if err := viper.BindPFlag(key, cmd.Flags().Lookup(name)); err != nil {
			return fmt.Errorf("error binding flags: %w", err)
		}
	}

	return nil
}

// Run builds the pipeline from settings and serves the API until ctx ends.
func Run(ctx context.Context, settings *conf.Settings) error {
	log := logger.Global().Module("serve")

	store, err := datastore.Open(settings.Database)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Warn("failed to close datastore", logger.Error(err))
		}
	}()

	m, err := observability.NewMetrics()
	if err != nil {
		return err
	}

	client := httpclient.New(nil)
	defer client.Close()

	v, err := verifier.New(&settings.Verifier, client)
	if err != nil {
		return err
	}

	router := notifier.New(&settings.Notification, client, m.Notification)
	defer router.Close()

	dispatcher := dispatch.New(store.Deliveries(), router, dispatch.Options{
		SendTimeout:  settings.Notification.Timeout,
		RetryWorkers: settings.Notification.RetryWorkers,
	}, m.Notification)
	engine := fanout.New(store.Users(), store.Processed(), dispatcher,
		fanout.OptionsFromSettings(&settings.Fanout, &settings.Notification), m.Pipeline)
	gateway := ingest.New(store.Events(), v, engine, settings.Verifier.Timeout, m.Pipeline)

	e := api.NewEcho()
	api.New(e, settings,
		api.WithPipeline(store, gateway, dispatcher),
		api.WithMetrics(m))

	log.Info("gateway ready",
		logger.String("database", store.Dialect()),
		logger.String("verifier", settings.Verifier.Provider),
		logger.Float64("radius_meters", settings.Fanout.RadiusMeters),
		logger.Int("responders", len(settings.Notification.Responders)))

	return api.Serve(ctx, e, settings.Server.Listen)
}
