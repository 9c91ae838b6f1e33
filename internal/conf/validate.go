package conf

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/alertai/alertai/internal/emergency"
)

// ValidationError represents a collection of validation errors
type ValidationError struct {
	Errors []string
}

// Error returns a string representation of the validation errors
func (ve ValidationError) Error() string {
	return "validation errors: " + strings.Join(ve.Errors, "; ")
}

// ValidateSettings validates the entire Settings struct
func ValidateSettings(settings *Settings) error {
	ve := ValidationError{}

	validators := []func(*Settings) []string{
		validateDatabaseSettings,
		validateServerSettings,
		validateDetectionSettings,
		validateVerifierSettings,
		validateFanoutSettings,
		validateNotificationSettings,
	}
	for _, validate := range validators {
		ve.Errors = append(ve.Errors, validate(settings)...)
	}

	if len(ve.Errors) > 0 {
		return ve
	}
	return nil
}

func validateDatabaseSettings(s *Settings) []string {
	var errs []string
	switch s.Database.Type {
	case "sqlite":
		if s.Database.SQLite.Path == "" {
			errs = append(errs, "database.sqlite.path must not be empty")
		}
	case "mysql":
		m := s.Database.MySQL
		if m.Host == "" || m.Database == "" {
			errs = append(errs, "database.mysql host and database must be set")
		}
		if m.Port <= 0 || m.Port > 65535 {
			errs = append(errs, fmt.Sprintf("database.mysql.port %d out of range", m.Port))
		}
	default:
		errs = append(errs, fmt.Sprintf("database.type %q must be sqlite or mysql", s.Database.Type))
	}
	return errs
}

func validateServerSettings(s *Settings) []string {
	var errs []string
	if s.Server.Listen == "" {
		errs = append(errs, "server.listen must not be empty")
	}
	if s.Server.RecentWindow <= 0 {
		errs = append(errs, "server.recent_window must be positive")
	}
	if s.Server.RateLimit < 0 {
		errs = append(errs, "server.rate_limit must not be negative")
	}
	return errs
}

func validateDetectionSettings(s *Settings) []string {
	d := s.Detection
	var errs []string

	if d.Threshold <= 0 || d.Threshold > 1 {
		errs = append(errs, fmt.Sprintf("detection.threshold must be in (0, 1], got %g", d.Threshold))
	}
	if d.ConfirmWindow <= 0 {
		errs = append(errs, "detection.confirm_window must be positive")
	}
	if d.DropoutGrace < 0 {
		errs = append(errs, "detection.dropout_grace must not be negative")
	}
	if d.Cooldown < 0 {
		errs = append(errs, "detection.cooldown must not be negative")
	}
	if d.Interval <= 0 {
		errs = append(errs, "detection.interval must be positive")
	}
	if d.SubmitTimeout <= 0 {
		errs = append(errs, "detection.submit_timeout must be positive")
	}
	if !emergency.Type(d.EmergencyType).Valid() {
		errs = append(errs, fmt.Sprintf("detection.emergency_type %q must be one of %v",
			d.EmergencyType, emergency.Types()))
	}
	if d.Latitude < -90 || d.Latitude > 90 {
		errs = append(errs, "detection.latitude must be between -90 and 90")
	}
	if d.Longitude < -180 || d.Longitude > 180 {
		errs = append(errs, "detection.longitude must be between -180 and 180")
	}
	if err := validateEnvURL(d.GatewayURL); err != nil {
		errs = append(errs, fmt.Sprintf("detection.gateway_url: %v", err))
	}
	switch d.Detector.Kind {
	case "scripted":
	case "http":
		if err := validateEnvURL(d.Detector.URL); err != nil {
			errs = append(errs, fmt.Sprintf("detection.detector.url: %v", err))
		}
	default:
		errs = append(errs, fmt.Sprintf("detection.detector.kind %q must be scripted or http", d.Detector.Kind))
	}
	return errs
}

func validateVerifierSettings(s *Settings) []string {
	v := s.Verifier
	var errs []string

	if err := validateEnvProvider(v.Provider); err != nil {
		errs = append(errs, fmt.Sprintf("verifier.provider %q: %v", v.Provider, err))
	}
	if v.Provider == "http" {
		if err := validateEnvURL(v.HTTP.URL); err != nil {
			errs = append(errs, fmt.Sprintf("verifier.http.url: %v", err))
		}
	}
	if v.Timeout <= 0 {
		errs = append(errs, "verifier.timeout must be positive")
	}
	if v.CacheTTL < 0 {
		errs = append(errs, "verifier.cache_ttl must not be negative")
	}
	return errs
}

func validateFanoutSettings(s *Settings) []string {
	f := s.Fanout
	var errs []string

	if f.RadiusMeters <= 0 {
		errs = append(errs, fmt.Sprintf("fanout.radius_meters must be positive, got %g", f.RadiusMeters))
	}
	if f.MaxLocationAge < 0 {
		errs = append(errs, "fanout.max_location_age must not be negative")
	}
	if f.Workers < 1 {
		errs = append(errs, "fanout.workers must be at least 1")
	}
	return errs
}

func validateNotificationSettings(s *Settings) []string {
	n := s.Notification
	var errs []string

	if n.Timeout <= 0 {
		errs = append(errs, "notification.timeout must be positive")
	}
	if n.RateLimit < 0 {
		errs = append(errs, "notification.rate_limit must not be negative")
	}
	if n.RetryWorkers < 1 {
		errs = append(errs, "notification.retry_workers must be at least 1")
	}
	if n.CircuitBreaker.MaxFailures < 1 {
		errs = append(errs, "notification.circuit_breaker.max_failures must be at least 1")
	}
	if n.MQTT.QoS > 2 {
		errs = append(errs, fmt.Sprintf("notification.mqtt.qos must be 0, 1 or 2, got %d", n.MQTT.QoS))
	}
	if n.MQTT.Broker != "" {
		if err := validateEnvURL(n.MQTT.Broker); err != nil {
			errs = append(errs, fmt.Sprintf("notification.mqtt.broker: %v", err))
		}
	}

	seen := make(map[string]bool, len(n.Responders))
	for i, r := range n.Responders {
		if r.Name == "" {
			errs = append(errs, fmt.Sprintf("notification.responders[%d] needs a name", i))
		} else if seen[r.Name] {
			errs = append(errs, fmt.Sprintf("notification.responders[%d] duplicate name %q", i, r.Name))
		}
		seen[r.Name] = true
		if u, err := url.Parse(r.Channel); err != nil || u.Scheme == "" {
			errs = append(errs, fmt.Sprintf("notification.responders[%d] channel must be a URL", i))
		}
	}
	return errs
}
