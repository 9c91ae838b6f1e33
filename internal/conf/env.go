package conf

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// envPrefix namespaces automatic environment overrides, so fanout.radius_meters
// can be set with ALERTAI_FANOUT_RADIUS_METERS.
const envPrefix = "ALERTAI"

// envBinding holds metadata for an explicit environment variable binding.
type envBinding struct {
	ConfigKey string             // Viper config key
	EnvVar    string             // Environment variable name
	Validate  func(string) error // Optional validation function
}

// getEnvBindings returns the short-named environment variables operators use most.
func getEnvBindings() []envBinding {
	return []envBinding{
		// Verification
		{"verifier.provider", "ALERTAI_VERIFIER", validateEnvProvider},
		{"verifier.gemini.api_key", "ALERTAI_GEMINI_API_KEY", nil},
		{"verifier.gemini.model", "ALERTAI_GEMINI_MODEL", nil},

		// Storage
		{"database.type", "ALERTAI_DB_TYPE", validateEnvDatabaseType},
		{"database.sqlite.path", "ALERTAI_DB_PATH", nil},
		{"database.mysql.host", "ALERTAI_MYSQL_HOST", nil},
		{"database.mysql.password", "ALERTAI_MYSQL_PASSWORD", nil},

		// Proximity
		{"fanout.radius_meters", "ALERTAI_PROXIMITY_RADIUS_METERS", validateEnvRadius},
		{"fanout.max_location_age", "ALERTAI_MAX_LOCATION_AGE", validateEnvDuration},

		// Detector
		{"detection.threshold", "ALERTAI_THRESHOLD", validateEnvThreshold},
		{"detection.latitude", "ALERTAI_LATITUDE", validateEnvLatitude},
		{"detection.longitude", "ALERTAI_LONGITUDE", validateEnvLongitude},
		{"detection.gateway_url", "ALERTAI_GATEWAY_URL", validateEnvURL},

		// Delivery
		{"notification.mqtt.broker", "ALERTAI_MQTT_BROKER", validateEnvURL},
		{"sentry.dsn", "SENTRY_DSN", nil},
		{"debug", "ALERTAI_DEBUG", validateEnvBool},
	}
}

// bindEnvVars binds every explicit variable and validates the ones that are set.
func bindEnvVars(v *viper.Viper) error {
	var warnings []string

	for _, binding := range getEnvBindings() {
		if err := v.BindEnv(binding.ConfigKey, binding.EnvVar); err != nil {
			warnings = append(warnings, fmt.Sprintf("failed to bind %s: %v", binding.EnvVar, err))
			continue
		}

		if binding.Validate == nil {
			continue
		}
		if envValue := os.Getenv(binding.EnvVar); envValue != "" {
			if err := binding.Validate(envValue); err != nil {
				warnings = append(warnings, fmt.Sprintf("invalid %s value %q: %v", binding.EnvVar, envValue, err))
			}
		}
	}

	if len(warnings) > 0 {
		return fmt.Errorf("environment variable issues:\n  - %s", strings.Join(warnings, "\n  - "))
	}
	return nil
}

func validateEnvBool(value string) error {
	if _, err := strconv.ParseBool(strings.TrimSpace(value)); err != nil {
		return fmt.Errorf("invalid boolean value %q: must be true/false or 1/0", value)
	}
	return nil
}

func validateEnvProvider(value string) error {
	switch value {
	case "gemini", "http", "static":
		return nil
	}
	return fmt.Errorf("must be one of: gemini, http, static")
}

func validateEnvDatabaseType(value string) error {
	switch value {
	case "sqlite", "mysql":
		return nil
	}
	return fmt.Errorf("must be one of: sqlite, mysql")
}

func validateEnvRadius(value string) error {
	r, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return fmt.Errorf("invalid radius: %w", err)
	}
	if r <= 0 {
		return fmt.Errorf("radius must be positive, got %g", r)
	}
	return nil
}

func validateEnvDuration(value string) error {
	d, err := time.ParseDuration(value)
	if err != nil {
		return fmt.Errorf("invalid duration: %w", err)
	}
	if d < 0 {
		return fmt.Errorf("duration must not be negative, got %s", d)
	}
	return nil
}

func validateEnvThreshold(value string) error {
	threshold, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return fmt.Errorf("invalid threshold: %w", err)
	}
	if threshold <= 0.0 || threshold > 1.0 {
		return fmt.Errorf("threshold must be in (0.0, 1.0], got %g", threshold)
	}
	return nil
}

func validateEnvLatitude(value string) error {
	lat, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return fmt.Errorf("invalid latitude: %w", err)
	}
	if lat < -90 || lat > 90 {
		return fmt.Errorf("latitude must be between -90 and 90, got %g", lat)
	}
	return nil
}

func validateEnvLongitude(value string) error {
	lng, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return fmt.Errorf("invalid longitude: %w", err)
	}
	if lng < -180 || lng > 180 {
		return fmt.Errorf("longitude must be between -180 and 180, got %g", lng)
	}
	return nil
}

func validateEnvURL(value string) error {
	u, err := url.Parse(value)
	if err != nil {
		return fmt.Errorf("invalid url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("url must include scheme and host, got %q", value)
	}
	return nil
}

// configureEnvironmentVariables enables ALERTAI_* overrides for every key
// and binds the explicit short names.
func configureEnvironmentVariables(v *viper.Viper) error {
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	return bindEnvVars(v)
}
