/*
Package config loads server configuration from .env files and the environment.

LOAD ORDER:
  1. .env.<GAMIFY_ENV> if present, otherwise .env (skipped in production)
  2. Process environment (GAMIFY_* keys)
  3. Command-line flags applied by cmd/server on top

KEYS:
  GAMIFY_ENV                      development | staging | production
  GAMIFY_PORT                     HTTP port (8080)
  GAMIFY_DB_PATH                  SQLite file (./data/progression.db)
  GAMIFY_LOG_LEVEL                debug | info | warn | error
  GAMIFY_LOG_FORMAT               json | console
  GAMIFY_CATALOG_PATH             JSON catalog; empty seeds the built-in catalog
  GAMIFY_LEADERBOARD_INTERVAL     recomputation interval (15m)
  GAMIFY_LEADERBOARD_CONCURRENCY  leaderboards recomputed at once (4)
  GAMIFY_SWEEP_INTERVAL           challenge reconciliation interval (1h)
  GAMIFY_RETRY_MAX_ATTEMPTS       unit-of-work attempts (5)
  GAMIFY_RETRY_INITIAL_INTERVAL   first retry wait (10ms)
  GAMIFY_LEVEL_BASE               points for level 2 (100)
  GAMIFY_LEVEL_GROWTH             per-level step multiplier (1.5)
  GAMIFY_LEVEL_MAX                level cap (100)
  GAMIFY_SURVEY_POINTS            points per completed survey (50)
  GAMIFY_REFERRAL_POINTS          points per referral (100)
  GAMIFY_ALLOWED_ORIGINS          comma-separated CORS origins (*)
*/
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"

	"github.com/warp/progression-engine/engine"
)

type Config struct {
	Env         string `validate:"oneof=development staging production test"`
	Server      ServerConfig
	Database    DatabaseConfig
	Logging     LoggingConfig
	Catalog     CatalogConfig
	Leaderboard LeaderboardConfig
	Retry       RetryConfig
	Levels      LevelConfig
	Points      PointsConfig
}

type ServerConfig struct {
	Port            string        `validate:"required,numeric"`
	AllowedOrigins  []string      `validate:"min=1"`
	ReadTimeout     time.Duration `validate:"gt=0"`
	WriteTimeout    time.Duration `validate:"gt=0"`
	ShutdownTimeout time.Duration `validate:"gt=0"`
}

type DatabaseConfig struct {
	Path string `validate:"required"`
}

type LoggingConfig struct {
	Level  string `validate:"oneof=debug info warn error"`
	Format string `validate:"oneof=json console"`
}

type CatalogConfig struct {
	Path string
}

type LeaderboardConfig struct {
	Interval      time.Duration `validate:"gt=0"`
	Concurrency   int           `validate:"gte=1"`
	SweepInterval time.Duration `validate:"gt=0"`
}

type RetryConfig struct {
	MaxAttempts     int           `validate:"gte=1,lte=20"`
	InitialInterval time.Duration `validate:"gt=0"`
}

type LevelConfig struct {
	Base     int64  `validate:"gte=1"`
	Growth   string `validate:"required"`
	MaxLevel int    `validate:"gte=0"`
}

type PointsConfig struct {
	Survey   int64 `validate:"gte=0"`
	Referral int64 `validate:"gte=0"`
}

// Load reads configuration and validates it.
func Load() (*Config, error) {
	env := getEnv("GAMIFY_ENV", "development")
	if env != "production" {
		envFile := fmt.Sprintf(".env.%s", env)
		if _, err := os.Stat(envFile); err == nil {
			_ = godotenv.Load(envFile)
		} else {
			_ = godotenv.Load()
		}
	}

	cfg := &Config{
		Env: env,
		Server: ServerConfig{
			Port:            getEnv("GAMIFY_PORT", "8080"),
			AllowedOrigins:  getListEnv("GAMIFY_ALLOWED_ORIGINS", "*"),
			ReadTimeout:     getDurationEnv("GAMIFY_READ_TIMEOUT", 15*time.Second),
			WriteTimeout:    getDurationEnv("GAMIFY_WRITE_TIMEOUT", 15*time.Second),
			ShutdownTimeout: getDurationEnv("GAMIFY_SHUTDOWN_TIMEOUT", 10*time.Second),
		},
		Database: DatabaseConfig{
			Path: getEnv("GAMIFY_DB_PATH", "./data/progression.db"),
		},
		Logging: LoggingConfig{
			Level:  getEnv("GAMIFY_LOG_LEVEL", defaultLogLevel(env)),
			Format: getEnv("GAMIFY_LOG_FORMAT", defaultLogFormat(env)),
		},
		Catalog: CatalogConfig{
			Path: getEnv("GAMIFY_CATALOG_PATH", ""),
		},
		Leaderboard: LeaderboardConfig{
			Interval:      getDurationEnv("GAMIFY_LEADERBOARD_INTERVAL", 15*time.Minute),
			Concurrency:   getIntEnv("GAMIFY_LEADERBOARD_CONCURRENCY", 4),
			SweepInterval: getDurationEnv("GAMIFY_SWEEP_INTERVAL", time.Hour),
		},
		Retry: RetryConfig{
			MaxAttempts:     getIntEnv("GAMIFY_RETRY_MAX_ATTEMPTS", engine.DefaultMaxAttempts),
			InitialInterval: getDurationEnv("GAMIFY_RETRY_INITIAL_INTERVAL", engine.DefaultInitialInterval),
		},
		Levels: LevelConfig{
			Base:     getInt64Env("GAMIFY_LEVEL_BASE", 100),
			Growth:   getEnv("GAMIFY_LEVEL_GROWTH", "1.5"),
			MaxLevel: getIntEnv("GAMIFY_LEVEL_MAX", 100),
		},
		Points: PointsConfig{
			Survey:   getInt64Env("GAMIFY_SURVEY_POINTS", 50),
			Referral: getInt64Env("GAMIFY_REFERRAL_POINTS", 100),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks struct tags and cross-field rules.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				fields = append(fields, fmt.Sprintf("%s (%s)", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("invalid configuration: %s", strings.Join(fields, ", "))
		}
		return fmt.Errorf("invalid configuration: %w", err)
	}

	growth, err := decimal.NewFromString(c.Levels.Growth)
	if err != nil {
		return fmt.Errorf("invalid configuration: GAMIFY_LEVEL_GROWTH %q: %w", c.Levels.Growth, err)
	}
	if growth.LessThan(decimal.NewFromInt(1)) {
		return fmt.Errorf("invalid configuration: GAMIFY_LEVEL_GROWTH must be at least 1, got %s", growth)
	}
	return nil
}

// LevelCurve builds the curve described by the level settings.
func (c *Config) LevelCurve() engine.LevelCurve {
	curve := engine.DefaultLevelCurve()
	curve.Base = decimal.NewFromInt(c.Levels.Base)
	if g, err := decimal.NewFromString(c.Levels.Growth); err == nil {
		curve.Growth = g
	}
	curve.MaxLevel = c.Levels.MaxLevel
	return curve
}

func defaultLogLevel(env string) string {
	if env == "production" {
		return "info"
	}
	return "debug"
}

func defaultLogFormat(env string) string {
	if env == "development" || env == "test" {
		return "console"
	}
	return "json"
}

// =============================================================================
// ENV HELPERS
// =============================================================================

func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value, exists := os.LookupEnv(key); exists {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getInt64Env(key string, defaultValue int64) int64 {
	if value, exists := os.LookupEnv(key); exists {
		if intValue, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value, exists := os.LookupEnv(key); exists {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getListEnv(key, defaultValue string) []string {
	var out []string
	for _, part := range strings.Split(getEnv(key, defaultValue), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
