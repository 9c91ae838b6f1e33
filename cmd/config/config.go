// Package config writes and prints alertai configuration files.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/alertai/alertai/internal/conf"
)

// SkipInitAnnotation marks commands that run without loading the configuration.
const SkipInitAnnotation = "skip-init"

const redacted = "[REDACTED]"

// Command creates the config command and its subcommands.
func Command(settings *conf.Settings) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage the configuration file",
	}

	var force bool
	initCmd := &cobra.Command{
		Use:         "init [path]",
		Short:       "Write a configuration file with default values",
		Args:        cobra.MaximumNArgs(1),
		Annotations: map[string]string{SkipInitAnnotation: "true"},
		RunE: func(cmd *cobra.Command, args []string) error {
			path := defaultPath()
			if len(args) == 1 {
				path = args[0]
			}
			if err := writeDefault(path, force); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", path)
			return nil
		},
	}
	initCmd.Flags().BoolVarP(&force, "force", "f", false, "Overwrite an existing file")

	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration with secrets redacted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := yaml.Marshal(redact(*settings))
			if err != nil {
				return fmt.Errorf("error marshaling settings: %w", err)
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	}

	cmd.AddCommand(initCmd, showCmd)
	return cmd
}

// defaultPath is the first user-level default config location.
func defaultPath() string {
	paths := conf.GetDefaultConfigPaths()
	if len(paths) > 1 {
		return filepath.Join(paths[1], "config.yaml")
	}
	return "config.yaml"
}

func writeDefault(path string, force bool) error {
	if _, err := os.Stat(path); err == nil && !force {
		return fmt.Errorf("%s already exists, use --force to overwrite", path)
	}
	data, err := conf.DefaultYAML()
	if err != nil {
		return fmt.Errorf("error rendering default config: %w", err)
	}
	return conf.SaveYAMLConfig(path, data)
}

// redact blanks credentials in a copy of s.
func redact(s conf.Settings) conf.Settings {
	if s.Database.MySQL.Password != "" {
		s.Database.MySQL.Password = redacted
	}
	if s.Verifier.Gemini.APIKey != "" {
		s.Verifier.Gemini.APIKey = redacted
	}
	if s.Notification.MQTT.Password != "" {
		s.Notification.MQTT.Password = redacted
	}
	if s.Sentry.DSN != "" {
		s.Sentry.DSN = redacted
	}

	responders := make([]conf.Responder, len(s.Notification.Responders))
	for i, r := range s.Notification.Responders {
		responders[i] = conf.Responder{Name: r.Name, Channel: redactChannel(r.Channel)}
	}
	s.Notification.Responders = responders
	return s
}

// redactChannel keeps the scheme of a contact channel and hides the rest,
// which usually carries tokens or phone numbers.
func redactChannel(channel string) string {
	for i := range len(channel) {
		if channel[i] == ':' {
			return channel[:i] + "://" + redacted
		}
	}
	return redacted
}
