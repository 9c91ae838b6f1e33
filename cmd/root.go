// Package cmd wires the alertai command line.
package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	configcmd "github.com/alertai/alertai/cmd/config"
	"github.com/alertai/alertai/cmd/deliveries"
	"github.com/alertai/alertai/cmd/detect"
	"github.com/alertai/alertai/cmd/serve"
	"github.com/alertai/alertai/internal/conf"
	"github.com/alertai/alertai/internal/errors"
	"github.com/alertai/alertai/internal/logger"
)

// RootCommand creates and returns the root command
func RootCommand(settings *conf.Settings, version string) *cobra.Command {
	var configFile string

	rootCmd := &cobra.Command{
		Use:           "alertai",
		Short:         "Emergency detection and proximity alerting",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	// Set up the global flags for the root command.
	if err := setupFlags(rootCmd, settings, &configFile); err != nil {
		panic(err)
	}

	rootCmd.AddCommand(
		serve.Command(settings),
		detect.Command(settings),
		deliveries.Command(settings),
		configcmd.Command(settings),
	)

	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		if _, ok := cmd.Annotations[configcmd.SkipInitAnnotation]; ok {
			return nil
		}
		return initialize(settings, configFile, version)
	}

	rootCmd.PersistentPostRunE = func(cmd *cobra.Command, args []string) error {
		if _, ok := cmd.Annotations[configcmd.SkipInitAnnotation]; ok {
			return nil
		}
		errors.FlushTelemetry()
		return logger.Global().Close()
	}

	return rootCmd
}

// initialize loads the configuration and brings up logging and telemetry
// before any subcommand runs. Flags bound to viper take precedence over the
// file and environment.
func initialize(settings *conf.Settings, configFile, version string) error {
	loaded, err := conf.Load(configFile)
	if err != nil {
		return err
	}
	*settings = *loaded

	if settings.Debug {
		settings.Logging.DefaultLevel = "debug"
		if settings.Logging.Console != nil {
			settings.Logging.Console.Level = "debug"
		}
	}

	central, err := logger.NewCentralLogger(&settings.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logging: %w", err)
	}
	logger.SetGlobal(central)

	if settings.Sentry.Enabled {
		if err := errors.InitSentry(settings.Sentry.DSN, settings.Sentry.Environment, version); err != nil {
			// Telemetry is optional; keep running without it.
			central.Module("main").Warn("sentry disabled", logger.Error(err))
		}
	}

	central.Module("main").Info("alertai starting",
		logger.String("version", version),
		logger.Bool("debug", settings.Debug))
	return nil
}

// setupFlags defines flags that are global to the command line interface
func setupFlags(rootCmd *cobra.Command, settings *conf.Settings, configFile *string) error {
	rootCmd.PersistentFlags().StringVarP(configFile, "config", "c", "", "Path to the configuration file")
	rootCmd.PersistentFlags().BoolVarP(&settings.Debug, "debug", "d", viper.GetBool("debug"), "Enable debug output")

	if err := viper.BindPFlag("debug", rootCmd.PersistentFlags().Lookup("debug")); err != nil {
		return fmt.Errorf("error binding flags: %w", err)
	}

	return nil
}
