package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeTempConfig(t, `
telegram:
  token: "123:abc"
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, RunModeLongpoll, cfg.Telegram.RunMode)
	assert.Equal(t, ":8080", cfg.API.Listen)
	assert.Equal(t, "flow_default", cfg.Flow.DefaultFlowID)
	assert.Equal(t, 10*time.Second, cfg.AITimeout())
}

func TestLoadEnvOverridesFile(t *testing.T) {
	path := writeTempConfig(t, `
telegram:
  token: "from-file"
flow:
  default_flow_id: "flow_file"
`)
	t.Setenv("BOT_TOKEN", "from-env")
	t.Setenv("FLOW_DEFAULT_ID", "flow_env")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.Telegram.Token)
	assert.Equal(t, "flow_env", cfg.Flow.DefaultFlowID)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read config file")
}

func TestLoadMalformedYAML(t *testing.T) {
	path := writeTempConfig(t, "telegram: [broken")
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse YAML config")
}

func TestNormalizeRequiresToken(t *testing.T) {
	err := Normalize(&Config{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "telegram token is required")
}

func TestNormalizeRunModes(t *testing.T) {
	t.Run("polling alias", func(t *testing.T) {
		cfg := &Config{Telegram: TelegramConfig{Token: "t", RunMode: "Polling"}}
		require.NoError(t, Normalize(cfg))
		assert.Equal(t, RunModeLongpoll, cfg.Telegram.RunMode)
	})

	t.Run("webhook requires url listen and port", func(t *testing.T) {
		cfg := &Config{Telegram: TelegramConfig{Token: "t", RunMode: RunModeWebhook}}
		require.Error(t, Normalize(cfg))

		cfg.Webhook = WebhookConfig{URL: "https://bot.example.com/hook", Listen: "0.0.0.0", Port: 8443}
		require.NoError(t, Normalize(cfg))
	})

	t.Run("unknown mode rejected", func(t *testing.T) {
		cfg := &Config{Telegram: TelegramConfig{Token: "t", RunMode: "carrier-pigeon"}}
		err := Normalize(cfg)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "invalid telegram.run_mode")
	})
}

func TestNormalizeRejectsNegativeTunables(t *testing.T) {
	base := func() *Config {
		return &Config{Telegram: TelegramConfig{Token: "t"}}
	}

	cfg := base()
	cfg.AI.TimeoutSeconds = -1
	require.Error(t, Normalize(cfg))

	cfg = base()
	cfg.RateLimit.IntervalMS = -5
	require.Error(t, Normalize(cfg))

	cfg = base()
	cfg.Sender.Workers = -1
	require.Error(t, Normalize(cfg))

	cfg = base()
	cfg.Telegram.LongPollTimeoutSeconds = -1
	require.Error(t, Normalize(cfg))
}

func TestAITimeoutConfigured(t *testing.T) {
	cfg := &Config{AI: AIConfig{TimeoutSeconds: 25}}
	assert.Equal(t, 25*time.Second, cfg.AITimeout())
}
