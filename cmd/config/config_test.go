package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/alertai/alertai/internal/conf"
)

func TestWriteDefault(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "nested", "config.yaml")
	require.NoError(t, writeDefault(path, false))

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var parsed map[string]any
	require.NoError(t, yaml.Unmarshal(data, &parsed))
	assert.Contains(t, parsed, "server")
	assert.Contains(t, parsed, "fanout")

	err = writeDefault(path, false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already exists")

	require.NoError(t, writeDefault(path, true))
}

func TestRedact(t *testing.T) {
	t.Parallel()

	var s conf.Settings
	s.Database.MySQL.Password = "hunter2"
	s.Verifier.Gemini.APIKey = "key"
	s.Sentry.DSN = "https://abc@sentry.example/1"
	s.Notification.Responders = []conf.Responder{
		{Name: "security", Channel: "telegram://token@telegram?chats=123"},
		{Name: "desk", Channel: "no-scheme"},
	}

	out := redact(s)
	assert.Equal(t, redacted, out.Database.MySQL.Password)
	assert.Equal(t, redacted, out.Verifier.Gemini.APIKey)
	assert.Equal(t, redacted, out.Sentry.DSN)
	assert.Empty(t, out.Notification.MQTT.Password)
	assert.Equal(t, "telegram://"+redacted, out.Notification.Responders[0].Channel)
	assert.Equal(t, redacted, out.Notification.Responders[1].Channel)
	assert.Equal(t, "security", out.Notification.Responders[0].Name)

	// The input is not modified.
	assert.Equal(t, "hunter2", s.Database.MySQL.Password)
	assert.Equal(t, "telegram://token@telegram?chats=123", s.Notification.Responders[0].Channel)
}
