package conf

import "github.com/spf13/viper"

// setDefaultConfig registers a default for every configuration key.
// Durations are strings so DefaultYAML renders them readably.
func setDefaultConfig(v *viper.Viper) {
	v.SetDefault("debug", false)

	v.SetDefault("logging.default_level", "info")
	v.SetDefault("logging.timezone", "Local")
	v.SetDefault("logging.console.enabled", true)
	v.SetDefault("logging.console.level", "info")
	v.SetDefault("logging.file_output.enabled", false)
	v.SetDefault("logging.file_output.path", "logs/alertai.log")
	v.SetDefault("logging.file_output.level", "info")

	v.SetDefault("database.type", "sqlite")
	v.SetDefault("database.sqlite.path", "alertai.db")
	v.SetDefault("database.mysql.host", "localhost")
	v.SetDefault("database.mysql.port", 3306)
	v.SetDefault("database.mysql.username", "alertai")
	v.SetDefault("database.mysql.password", "")
	v.SetDefault("database.mysql.database", "alertai")
	v.SetDefault("database.slow_query_threshold", "200ms")

	v.SetDefault("server.listen", ":5000")
	v.SetDefault("server.recent_window", "2h")
	v.SetDefault("server.rate_limit", 20.0)
	v.SetDefault("server.rate_burst", 40)
	v.SetDefault("server.metrics", true)

	v.SetDefault("detection.name", "detector-1")
	v.SetDefault("detection.emergency_type", "fire")
	v.SetDefault("detection.threshold", 0.80)
	v.SetDefault("detection.confirm_window", "5s")
	v.SetDefault("detection.dropout_grace", "0s")
	v.SetDefault("detection.cooldown", "300s")
	v.SetDefault("detection.interval", "1s")
	v.SetDefault("detection.building", "Main Building")
	v.SetDefault("detection.floor", "")
	v.SetDefault("detection.latitude", 11.849010)
	v.SetDefault("detection.longitude", 13.056751)
	v.SetDefault("detection.gateway_url", "http://localhost:5000")
	v.SetDefault("detection.submit_timeout", "10s")
	v.SetDefault("detection.control_listen", ":5001")
	v.SetDefault("detection.detector.kind", "scripted")
	v.SetDefault("detection.detector.url", "")
	v.SetDefault("detection.detector.script", []float64{})
	v.SetDefault("detection.detector.frame", "")

	v.SetDefault("verifier.provider", "gemini")
	v.SetDefault("verifier.timeout", "30s")
	v.SetDefault("verifier.cache_ttl", "10m")
	v.SetDefault("verifier.gemini.api_key", "")
	v.SetDefault("verifier.gemini.model", "gemini-2.0-flash")
	v.SetDefault("verifier.gemini.endpoint", "")
	v.SetDefault("verifier.http.url", "")
	v.SetDefault("verifier.static.verdict", true)
	v.SetDefault("verifier.static.rationale", "static verifier")

	v.SetDefault("fanout.radius_meters", 100.0)
	v.SetDefault("fanout.max_location_age", "1h")
	v.SetDefault("fanout.workers", 8)

	v.SetDefault("notification.timeout", "10s")
	v.SetDefault("notification.rate_limit", 10.0)
	v.SetDefault("notification.rate_burst", 20)
	v.SetDefault("notification.retry_workers", 4)
	v.SetDefault("notification.circuit_breaker.max_failures", 5)
	v.SetDefault("notification.circuit_breaker.timeout", "30s")
	v.SetDefault("notification.responders", []map[string]string{})
	v.SetDefault("notification.mqtt.broker", "")
	v.SetDefault("notification.mqtt.client_id", "alertai")
	v.SetDefault("notification.mqtt.username", "")
	v.SetDefault("notification.mqtt.password", "")
	v.SetDefault("notification.mqtt.qos", 1)

	v.SetDefault("sentry.enabled", false)
	v.SetDefault("sentry.dsn", "")
	v.SetDefault("sentry.environment", "production")
}
