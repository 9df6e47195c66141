package config

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("GAMIFY_ENV", "test")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Server.Port)
	assert.Equal(t, []string{"*"}, cfg.Server.AllowedOrigins)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "console", cfg.Logging.Format)
	assert.Equal(t, 15*time.Minute, cfg.Leaderboard.Interval)
	assert.Equal(t, 4, cfg.Leaderboard.Concurrency)
	assert.Equal(t, int64(50), cfg.Points.Survey)
	assert.Equal(t, int64(100), cfg.Points.Referral)
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("GAMIFY_ENV", "staging")
	t.Setenv("GAMIFY_PORT", "9090")
	t.Setenv("GAMIFY_LEADERBOARD_INTERVAL", "1m")
	t.Setenv("GAMIFY_RETRY_MAX_ATTEMPTS", "3")
	t.Setenv("GAMIFY_ALLOWED_ORIGINS", "https://a.example, https://b.example")
	t.Setenv("GAMIFY_LEVEL_BASE", "200")
	t.Setenv("GAMIFY_LEVEL_GROWTH", "2")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Server.Port)
	assert.Equal(t, "json", cfg.Logging.Format)
	assert.Equal(t, time.Minute, cfg.Leaderboard.Interval)
	assert.Equal(t, 3, cfg.Retry.MaxAttempts)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.Server.AllowedOrigins)

	curve := cfg.LevelCurve()
	assert.True(t, curve.Base.Equal(decimal.NewFromInt(200)))
	assert.Equal(t, 2, curve.LevelFor(200))
	assert.Equal(t, 3, curve.LevelFor(600))
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name  string
		key   string
		value string
	}{
		{"unknown env", "GAMIFY_ENV", "qa"},
		{"port not numeric", "GAMIFY_PORT", "http"},
		{"log level", "GAMIFY_LOG_LEVEL", "verbose"},
		{"growth below one", "GAMIFY_LEVEL_GROWTH", "0.5"},
		{"growth not a number", "GAMIFY_LEVEL_GROWTH", "fast"},
		{"zero concurrency", "GAMIFY_LEADERBOARD_CONCURRENCY", "0"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.key != "GAMIFY_ENV" {
				t.Setenv("GAMIFY_ENV", "test")
			}
			t.Setenv(tt.key, tt.value)

			_, err := Load()
			assert.Error(t, err)
		})
	}
}
