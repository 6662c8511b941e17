package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, "https://api.openai.com/v1", cfg.OpenAI.APIBase)
	assert.Equal(t, "gpt-4o", cfg.Assistant.Model)
	assert.Equal(t, 30*time.Minute, cfg.Sessions.MaxIdle.Std())
	assert.Equal(t, time.Minute, cfg.Sessions.ReapInterval.Std())
	assert.Equal(t, 5, cfg.Tools.Search.MaxResults)
	assert.False(t, cfg.Channels.Telegram.Enabled)
}

func TestLoadConfigMissingFileYieldsDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestLoadConfigOverlaysDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := `
channels:
  telegram:
    enabled: true
    token: "123:abc"
    allowFrom: ["42", "alice"]
  feishu:
    enabled: true
    appId: cli_x
    appSecret: sec
openai:
  apiKey: sk-file
assistant:
  model: gpt-4o-mini
  instructions: Keep it short.
sessions:
  maxIdle: 5m
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.True(t, cfg.Channels.Telegram.Enabled)
	assert.Equal(t, "123:abc", cfg.Channels.Telegram.Token)
	assert.Equal(t, []string{"42", "alice"}, cfg.Channels.Telegram.AllowFrom)
	assert.True(t, cfg.Channels.Feishu.Enabled)
	assert.Equal(t, "cli_x", cfg.Channels.Feishu.AppID)
	assert.Equal(t, "sk-file", cfg.OpenAI.APIKey)
	assert.Equal(t, "gpt-4o-mini", cfg.Assistant.Model)
	assert.Equal(t, "Keep it short.", cfg.Assistant.Instructions)
	assert.Equal(t, 5*time.Minute, cfg.Sessions.MaxIdle.Std())

	// Untouched sections keep their defaults.
	assert.Equal(t, "https://api.openai.com/v1", cfg.OpenAI.APIBase)
	assert.Equal(t, time.Minute, cfg.Sessions.ReapInterval.Std())
}

func TestLoadConfigRejectsBadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("channels: ["), 0o644))

	_, err := LoadConfig(path)
	assert.Error(t, err)
}

func TestLoadConfigRejectsBadDuration(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("sessions:\n  maxIdle: soon\n"), 0o644))

	_, err := LoadConfig(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid duration")
}

func TestResolveAPIKey(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "sk-env")

	cfg := DefaultConfig()
	assert.Equal(t, "sk-env", cfg.ResolveAPIKey(), "env fallback when config has no key")

	cfg.OpenAI.APIKey = "sk-file"
	assert.Equal(t, "sk-file", cfg.ResolveAPIKey(), "config key wins over env")

	t.Setenv("OPENAI_API_KEY", "")
	cfg.OpenAI.APIKey = ""
	assert.Empty(t, cfg.ResolveAPIKey())
}
