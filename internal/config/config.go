// Package config loads runtime configuration from the environment.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all runtime configuration for the order book engine.
type Config struct {
	Port     int
	LogLevel string

	// DatabaseURL selects PostgreSQL; empty runs on the in-memory store.
	DatabaseURL    string
	RedisURL       string
	CacheTTL       time.Duration
	MigrateOnStart bool

	MatchPriority  string
	OrderRateLimit float64 // orders per second per user; 0 disables
	OrderRateBurst int

	SettleInterval time.Duration // 0 disables the sweeper
	SettleWorkers  int

	StreamChannel string

	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
}

// Load reads a .env file if present, then configuration from environment
// variables, applies defaults, and validates values.
func Load() (*Config, error) {
	// A missing .env is normal outside local development.
	_ = godotenv.Load()

	port, err := getInt("PORT", 8080)
	if err != nil {
		return nil, fmt.Errorf("invalid PORT: %w", err)
	}
	if port < 1 || port > 65535 {
		return nil, fmt.Errorf("invalid PORT: %d out of range", port)
	}

	logLevel := getStr("LOG_LEVEL", "info")
	if _, ok := ParseLogLevel(logLevel); !ok {
		return nil, fmt.Errorf("invalid LOG_LEVEL: %q, must be one of: debug, info, warn, error", logLevel)
	}

	cacheTTL, err := getDuration("CACHE_TTL", 5*time.Minute)
	if err != nil {
		return nil, fmt.Errorf("invalid CACHE_TTL: %w", err)
	}

	migrateOnStart, err := getBool("MIGRATE_ON_START", true)
	if err != nil {
		return nil, fmt.Errorf("invalid MIGRATE_ON_START: %w", err)
	}

	priority := getStr("MATCH_PRIORITY", "time")
	if priority != "time" && priority != "price_time" {
		return nil, fmt.Errorf("invalid MATCH_PRIORITY: %q, must be one of: time, price_time", priority)
	}

	rateLimit, err := getFloat("ORDER_RATE_LIMIT", 10)
	if err != nil {
		return nil, fmt.Errorf("invalid ORDER_RATE_LIMIT: %w", err)
	}
	if rateLimit < 0 {
		return nil, fmt.Errorf("invalid ORDER_RATE_LIMIT: must not be negative")
	}

	rateBurst, err := getInt("ORDER_RATE_BURST", 20)
	if err != nil {
		return nil, fmt.Errorf("invalid ORDER_RATE_BURST: %w", err)
	}
	if rateLimit > 0 && rateBurst < 1 {
		return nil, fmt.Errorf("invalid ORDER_RATE_BURST: must be at least 1")
	}

	settleInterval, err := getDuration("SETTLE_INTERVAL", 0)
	if err != nil {
		return nil, fmt.Errorf("invalid SETTLE_INTERVAL: %w", err)
	}

	settleWorkers, err := getInt("SETTLE_WORKERS", 4)
	if err != nil {
		return nil, fmt.Errorf("invalid SETTLE_WORKERS: %w", err)
	}
	if settleWorkers < 1 {
		return nil, fmt.Errorf("invalid SETTLE_WORKERS: must be at least 1")
	}

	readTimeout, err := getDuration("READ_TIMEOUT", 10*time.Second)
	if err != nil {
		return nil, fmt.Errorf("invalid READ_TIMEOUT: %w", err)
	}

	writeTimeout, err := getDuration("WRITE_TIMEOUT", 30*time.Second)
	if err != nil {
		return nil, fmt.Errorf("invalid WRITE_TIMEOUT: %w", err)
	}

	idleTimeout, err := getDuration("IDLE_TIMEOUT", 60*time.Second)
	if err != nil {
		return nil, fmt.Errorf("invalid IDLE_TIMEOUT: %w", err)
	}

	shutdownTimeout, err := getDuration("SHUTDOWN_TIMEOUT", 10*time.Second)
	if err != nil {
		return nil, fmt.Errorf("invalid SHUTDOWN_TIMEOUT: %w", err)
	}

	return &Config{
		Port:            port,
		LogLevel:        logLevel,
		DatabaseURL:     os.Getenv("DATABASE_URL"),
		RedisURL:        os.Getenv("REDIS_URL"),
		CacheTTL:        cacheTTL,
		MigrateOnStart:  migrateOnStart,
		MatchPriority:   priority,
		OrderRateLimit:  rateLimit,
		OrderRateBurst:  rateBurst,
		SettleInterval:  settleInterval,
		SettleWorkers:   settleWorkers,
		StreamChannel:   getStr("STREAM_CHANNEL", "orderbook:market-updates"),
		ReadTimeout:     readTimeout,
		WriteTimeout:    writeTimeout,
		IdleTimeout:     idleTimeout,
		ShutdownTimeout: shutdownTimeout,
	}, nil
}

// ParseLogLevel maps a LOG_LEVEL value to a slog level.
func ParseLogLevel(level string) (slog.Level, bool) {
	switch level {
	case "debug":
		return slog.LevelDebug, true
	case "info":
		return slog.LevelInfo, true
	case "warn":
		return slog.LevelWarn, true
	case "error":
		return slog.LevelError, true
	}
	return slog.LevelInfo, false
}

func getStr(key, defaultVal string) string {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	return v
}

func getInt(key string, defaultVal int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	return strconv.Atoi(v)
}

func getFloat(key string, defaultVal float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	return strconv.ParseFloat(v, 64)
}

func getBool(key string, defaultVal bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	return strconv.ParseBool(v)
}

func getDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	return time.ParseDuration(v)
}
