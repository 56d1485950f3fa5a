package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDefaults(t *testing.T) {
	cfg, err := Parse([]byte("trading:\n  users:\n    - id: \"42\"\n"))
	require.NoError(t, err)

	assert.Equal(t, 45.0, cfg.Tracking.WinThresholdPct)
	assert.Equal(t, 5*time.Second, cfg.Tracking.YoungPollInterval)
	assert.Equal(t, 240*time.Second, cfg.Tracking.MaturePollInterval)
	assert.Equal(t, 168*time.Hour, cfg.Tracking.MatureWindow)
	assert.Zero(t, cfg.Tracking.RetryWindow)
	assert.Equal(t, 30*time.Minute, cfg.Gate.Deadline())
	assert.Equal(t, 1000.0, cfg.Trading.Users[0].Capital)
	assert.Equal(t, 150.0, cfg.Trading.Capital.MaxTradeSize)
	assert.Equal(t, "sqlite", cfg.Storage.Backend)
	assert.Equal(t, []string{"CRITICAL", "HIGH", "MEDIUM", "LOW"}, cfg.Feeds.ValidGrades)
}

func TestParseDurations(t *testing.T) {
	cfg, err := Parse([]byte(`
tracking:
  retry_window: 60s
  young_window: 12h
gate:
  epoch_length: 30s
  max_epochs: 10
`))
	require.NoError(t, err)
	assert.Equal(t, time.Minute, cfg.Tracking.RetryWindow)
	assert.Equal(t, 12*time.Hour, cfg.Tracking.YoungWindow)
	assert.Equal(t, 5*time.Minute, cfg.Gate.Deadline())
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"both feed locations", "feeds:\n  alpha:\n    path: a.json\n    url: http://x\n"},
		{"unknown backend", "storage:\n  backend: mongo\n"},
		{"redis without addr", "storage:\n  backend: redis\n"},
		{"telegram without token", "telegram:\n  enabled: true\n"},
		{"duplicate users", "trading:\n  users:\n    - id: a\n    - id: a\n"},
		{"bad pass rate", "gate:\n  promote_pass_rate: 1.5\n"},
		{"bad stats date", "tracking:\n  stats_since: yesterday\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("REDIS_ADDR", "")
			t.Setenv("TELEGRAM_BOT_TOKEN", "")
			_, err := Parse([]byte(tt.yaml))
			assert.Error(t, err)
		})
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("TELEGRAM_BOT_TOKEN", "123:abc")
	t.Setenv("REDIS_ADDR", "localhost:6379")

	cfg, err := Parse([]byte("telegram:\n  enabled: true\nstorage:\n  backend: redis\n"))
	require.NoError(t, err)
	assert.Equal(t, "123:abc", cfg.Telegram.BotToken)
	assert.Equal(t, "localhost:6379", cfg.Storage.Redis.Addr)
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("web:\n  port: 9090\n"), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 9090, cfg.Web.Port)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
