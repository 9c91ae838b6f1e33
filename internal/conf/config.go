package conf

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/alertai/alertai/internal/logger"
)

// Settings is the root configuration object.
type Settings struct {
	Debug        bool                 `mapstructure:"debug" yaml:"debug"`
	Logging      logger.LoggingConfig `mapstructure:"logging" yaml:"logging"`
	Database     DatabaseSettings     `mapstructure:"database" yaml:"database"`
	Server       ServerSettings       `mapstructure:"server" yaml:"server"`
	Detection    DetectionSettings    `mapstructure:"detection" yaml:"detection"`
	Verifier     VerifierSettings     `mapstructure:"verifier" yaml:"verifier"`
	Fanout       FanoutSettings       `mapstructure:"fanout" yaml:"fanout"`
	Notification NotificationSettings `mapstructure:"notification" yaml:"notification"`
	Sentry       SentrySettings       `mapstructure:"sentry" yaml:"sentry"`
}

// DatabaseSettings selects and configures the persistent store.
type DatabaseSettings struct {
	Type               string         `mapstructure:"type" yaml:"type"` // sqlite or mysql
	SQLite             SQLiteSettings `mapstructure:"sqlite" yaml:"sqlite"`
	MySQL              MySQLSettings  `mapstructure:"mysql" yaml:"mysql"`
	SlowQueryThreshold time.Duration  `mapstructure:"slow_query_threshold" yaml:"slow_query_threshold"`
}

// SQLiteSettings configures the sqlite backend.
type SQLiteSettings struct {
	Path string `mapstructure:"path" yaml:"path"`
}

// MySQLSettings configures the mysql backend.
type MySQLSettings struct {
	Host     string `mapstructure:"host" yaml:"host"`
	Port     int    `mapstructure:"port" yaml:"port"`
	Username string `mapstructure:"username" yaml:"username"`
	Password string `mapstructure:"password" yaml:"password"`
	Database string `mapstructure:"database" yaml:"database"`
}

// ServerSettings configures the HTTP API of the serve command.
type ServerSettings struct {
	Listen       string        `mapstructure:"listen" yaml:"listen"`
	RecentWindow time.Duration `mapstructure:"recent_window" yaml:"recent_window"` // default lookback for recent emergencies
	RateLimit    float64       `mapstructure:"rate_limit" yaml:"rate_limit"`       // requests per second per client, 0 disables
	RateBurst    int           `mapstructure:"rate_burst" yaml:"rate_burst"`
	Metrics      bool          `mapstructure:"metrics" yaml:"metrics"` // expose /metrics
}

// DetectionSettings configures a detection controller and its runner.
type DetectionSettings struct {
	Name          string         `mapstructure:"name" yaml:"name"`
	EmergencyType string         `mapstructure:"emergency_type" yaml:"emergency_type"`
	Threshold     float64        `mapstructure:"threshold" yaml:"threshold"`
	ConfirmWindow time.Duration  `mapstructure:"confirm_window" yaml:"confirm_window"`
	DropoutGrace  time.Duration  `mapstructure:"dropout_grace" yaml:"dropout_grace"`
	Cooldown      time.Duration  `mapstructure:"cooldown" yaml:"cooldown"`
	Interval      time.Duration  `mapstructure:"interval" yaml:"interval"`
	Building      string         `mapstructure:"building" yaml:"building"`
	Floor         string         `mapstructure:"floor" yaml:"floor"`
	Latitude      float64        `mapstructure:"latitude" yaml:"latitude"`
	Longitude     float64        `mapstructure:"longitude" yaml:"longitude"`
	GatewayURL    string         `mapstructure:"gateway_url" yaml:"gateway_url"`
	SubmitTimeout time.Duration  `mapstructure:"submit_timeout" yaml:"submit_timeout"`
	ControlListen string         `mapstructure:"control_listen" yaml:"control_listen"` // operator API, empty disables
	Detector      DetectorSource `mapstructure:"detector" yaml:"detector"`
}

// DetectorSource selects where frame scores come from.
type DetectorSource struct {
	Kind   string    `mapstructure:"kind" yaml:"kind"` // scripted or http
	URL    string    `mapstructure:"url" yaml:"url"`
	Script []float64 `mapstructure:"script" yaml:"script"`
	Frame  string    `mapstructure:"frame" yaml:"frame"` // image reference reported by the scripted detector
}

// VerifierSettings configures the AI verification collaborator.
type VerifierSettings struct {
	Provider string         `mapstructure:"provider" yaml:"provider"` // gemini, http or static
	Timeout  time.Duration  `mapstructure:"timeout" yaml:"timeout"`
	CacheTTL time.Duration  `mapstructure:"cache_ttl" yaml:"cache_ttl"` // 0 disables the verdict cache
	Gemini   GeminiSettings `mapstructure:"gemini" yaml:"gemini"`
	HTTP     HTTPVerifier   `mapstructure:"http" yaml:"http"`
	Static   StaticVerifier `mapstructure:"static" yaml:"static"`
}

// GeminiSettings configures the Generative Language API verifier.
type GeminiSettings struct {
	APIKey   string `mapstructure:"api_key" yaml:"api_key"`
	Model    string `mapstructure:"model" yaml:"model"`
	Endpoint string `mapstructure:"endpoint" yaml:"endpoint"` // override for testing, empty uses the public API
}

// HTTPVerifier configures a JSON verification endpoint.
type HTTPVerifier struct {
	URL string `mapstructure:"url" yaml:"url"`
}

// StaticVerifier always returns the configured verdict.
type StaticVerifier struct {
	Verdict   bool   `mapstructure:"verdict" yaml:"verdict"`
	Rationale string `mapstructure:"rationale" yaml:"rationale"`
}

// FanoutSettings configures proximity matching.
type FanoutSettings struct {
	RadiusMeters   float64       `mapstructure:"radius_meters" yaml:"radius_meters"`
	MaxLocationAge time.Duration `mapstructure:"max_location_age" yaml:"max_location_age"` // 0 disables staleness filtering
	Workers        int           `mapstructure:"workers" yaml:"workers"`
}

// NotificationSettings configures outbound delivery.
type NotificationSettings struct {
	Timeout        time.Duration          `mapstructure:"timeout" yaml:"timeout"`
	RateLimit      float64                `mapstructure:"rate_limit" yaml:"rate_limit"` // sends per second, 0 disables
	RateBurst      int                    `mapstructure:"rate_burst" yaml:"rate_burst"`
	RetryWorkers   int                    `mapstructure:"retry_workers" yaml:"retry_workers"`
	CircuitBreaker CircuitBreakerSettings `mapstructure:"circuit_breaker" yaml:"circuit_breaker"`
	Responders     []Responder            `mapstructure:"responders" yaml:"responders"`
	MQTT           MQTTSettings           `mapstructure:"mqtt" yaml:"mqtt"`
}

// CircuitBreakerSettings configures per-provider circuit breakers.
type CircuitBreakerSettings struct {
	MaxFailures int           `mapstructure:"max_failures" yaml:"max_failures"`
	Timeout     time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

// Responder is an emergency contact alerted for every verified event.
type Responder struct {
	Name    string `mapstructure:"name" yaml:"name"`
	Channel string `mapstructure:"channel" yaml:"channel"`
}

// MQTTSettings configures the broker used by mqtt:// contact channels.
type MQTTSettings struct {
	Broker   string `mapstructure:"broker" yaml:"broker"` // tcp://host:port, empty disables mqtt delivery
	ClientID string `mapstructure:"client_id" yaml:"client_id"`
	Username string `mapstructure:"username" yaml:"username"`
	Password string `mapstructure:"password" yaml:"password"`
	QoS      byte   `mapstructure:"qos" yaml:"qos"`
}

// SentrySettings configures optional error telemetry.
type SentrySettings struct {
	Enabled     bool   `mapstructure:"enabled" yaml:"enabled"`
	DSN         string `mapstructure:"dsn" yaml:"dsn"`
	Environment string `mapstructure:"environment" yaml:"environment"`
}

// Load reads the configuration file (if any), applies environment overrides
// and validates the result. An empty configFile searches the default paths.
func Load(configFile string) (*Settings, error) {
	if err := initViper(configFile); err != nil {
		return nil, fmt.Errorf("error initializing viper: %w", err)
	}

	settings := &Settings{}
	if err := viper.Unmarshal(settings); err != nil {
		return nil, fmt.Errorf("error unmarshaling config into struct: %w", err)
	}

	if err := ValidateSettings(settings); err != nil {
		return nil, fmt.Errorf("error validating settings: %w", err)
	}

	return settings, nil
}

// initViper sets defaults and environment bindings and reads the config file.
func initViper(configFile string) error {
	setDefaultConfig(viper.GetViper())

	if err := configureEnvironmentVariables(viper.GetViper()); err != nil {
		// Warn only; ValidateSettings rejects values that cannot be used.
		GetLogger().Warn("environment configuration issues", logger.Error(err))
	}

	if configFile != "" {
		viper.SetConfigFile(configFile)
	} else {
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
		for _, path := range GetDefaultConfigPaths() {
			viper.AddConfigPath(path)
		}
	}

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			GetLogger().Info("no config file found, using defaults")
			return nil
		}
		return fmt.Errorf("error reading config file: %w", err)
	}

	GetLogger().Info("loaded config file", logger.String("path", viper.ConfigFileUsed()))
	return nil
}

// GetDefaultConfigPaths returns the directories searched for config.yaml.
func GetDefaultConfigPaths() []string {
	paths := []string{"."}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "alertai"))
	}
	return append(paths, "/etc/alertai")
}

// DefaultYAML renders the default configuration as YAML.
func DefaultYAML() ([]byte, error) {
	v := viper.New()
	setDefaultConfig(v)
	return yaml.Marshal(v.AllSettings())
}

// SaveYAMLConfig writes settings to path atomically via a temp file and rename.
func SaveYAMLConfig(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), "config-*.yaml")
	if err != nil {
		return fmt.Errorf("error creating temporary file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("error writing to temporary file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("error closing temporary file: %w", err)
	}

	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("error replacing config file: %w", err)
	}
	return nil
}
