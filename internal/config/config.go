// Package config loads service configuration from the environment, reading a
// .env file first when one exists.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

// Config holds service configuration.
type Config struct {
	Port        string
	DatabaseURL string // empty selects the in-memory store
	RedisURL    string // only used together with DatabaseURL
	CacheTTL    time.Duration
	LogLevel    slog.Level

	MaxConcurrentSimulations int64
	MaxSimulationSteps       int64 // NumSimulations·NumTrades ceiling per request

	HistoryRetention time.Duration // zero disables pruning
	PruneSchedule    string        // cron spec, e.g. "@hourly"

	MaxPerMarket decimal.Decimal // fraction of capital; zero disables
	MaxPerEvent  decimal.Decimal // fraction of capital; zero disables

	ArchiveBucket string // S3 bucket for run history; empty disables archiving
	ArchivePrefix string
	CORSOrigins   []string
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	env := &envReader{}
	cfg := &Config{
		Port:                     getEnv("PORT", "8080"),
		DatabaseURL:              getEnv("DATABASE_URL", ""),
		RedisURL:                 getEnv("REDIS_URL", ""),
		CacheTTL:                 env.getEnvAsDuration("CACHE_TTL", 30*time.Second),
		LogLevel:                 env.getEnvAsLevel("LOG_LEVEL", slog.LevelInfo),
		MaxConcurrentSimulations: int64(env.getEnvAsInt("MAX_CONCURRENT_SIMULATIONS", 4)),
		MaxSimulationSteps:       int64(env.getEnvAsInt("MAX_SIMULATION_STEPS", 5_000_000)),
		HistoryRetention:         env.getEnvAsDuration("HISTORY_RETENTION", 30*24*time.Hour),
		PruneSchedule:            getEnv("PRUNE_SCHEDULE", "@hourly"),
		MaxPerMarket:             env.getEnvAsDecimal("MAX_PER_MARKET", decimal.RequireFromString("0.25")),
		MaxPerEvent:              env.getEnvAsDecimal("MAX_PER_EVENT", decimal.RequireFromString("0.40")),
		ArchiveBucket:            getEnv("ARCHIVE_BUCKET", ""),
		ArchivePrefix:            getEnv("ARCHIVE_PREFIX", "risk-engine"),
		CORSOrigins:              getEnvAsList("CORS_ORIGINS", []string{"*"}),
	}

	if err := errors.Join(env.errs...); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks value ranges.
func (c *Config) Validate() error {
	if _, err := strconv.Atoi(c.Port); err != nil {
		return fmt.Errorf("config: PORT must be numeric, got %q", c.Port)
	}
	if c.MaxConcurrentSimulations < 1 {
		return fmt.Errorf("config: MAX_CONCURRENT_SIMULATIONS must be at least 1, got %d", c.MaxConcurrentSimulations)
	}
	if c.MaxSimulationSteps < 1 {
		return fmt.Errorf("config: MAX_SIMULATION_STEPS must be at least 1, got %d", c.MaxSimulationSteps)
	}
	if c.CacheTTL <= 0 {
		return fmt.Errorf("config: CACHE_TTL must be positive, got %s", c.CacheTTL)
	}
	if c.HistoryRetention < 0 {
		return fmt.Errorf("config: HISTORY_RETENTION must not be negative, got %s", c.HistoryRetention)
	}
	one := decimal.NewFromInt(1)
	for name, v := range map[string]decimal.Decimal{"MAX_PER_MARKET": c.MaxPerMarket, "MAX_PER_EVENT": c.MaxPerEvent} {
		if v.IsNegative() || v.GreaterThan(one) {
			return fmt.Errorf("config: %s must be a fraction in [0, 1], got %s", name, v)
		}
	}
	return nil
}

// Helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsList(key string, defaultValue []string) []string {
	var out []string
	for _, v := range strings.Split(os.Getenv(key), ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}

// envReader parses typed variables and collects every malformed value so
// Load can report them together instead of silently using the default.
type envReader struct {
	errs []error
}

func (e *envReader) invalid(key, value, kind string) {
	e.errs = append(e.errs, fmt.Errorf("config: %s=%q is not a valid %s", key, value, kind))
}

func (e *envReader) getEnvAsInt(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	intVal, err := strconv.Atoi(value)
	if err != nil {
		e.invalid(key, value, "integer")
		return defaultValue
	}
	return intVal
}

func (e *envReader) getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		e.invalid(key, value, "duration (e.g. 720h)")
		return defaultValue
	}
	return d
}

func (e *envReader) getEnvAsDecimal(key string, defaultValue decimal.Decimal) decimal.Decimal {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	d, err := decimal.NewFromString(value)
	if err != nil {
		e.invalid(key, value, "decimal")
		return defaultValue
	}
	return d
}

func (e *envReader) getEnvAsLevel(key string, defaultValue slog.Level) slog.Level {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(value)); err != nil {
		e.invalid(key, value, "log level")
		return defaultValue
	}
	return level
}
