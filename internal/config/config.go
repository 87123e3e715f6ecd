package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config contains all runtime settings for the conversation engine.
type Config struct {
	BindAddr         string
	ShutdownTimeout  time.Duration
	MetricsNamespace string
	LogFormat        string
	LogLevel         string

	AllowAnyOrigin bool

	SessionMaxDuration   time.Duration
	SessionSweepInterval time.Duration

	MaxConnsPerIdentity int
	MaxConnsPerOrigin   int
	MessagesPerMinute   int
	MessagesPerHour     int

	ReplyProvider string
	ReplyHTTPURL  string
	ReplyTimeout  time.Duration

	AuthDevToken string

	DatabaseURL string
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:             envOrDefault("APP_BIND_ADDR", ":8080"),
		MetricsNamespace:     envOrDefault("APP_METRICS_NAMESPACE", "duet"),
		LogFormat:            envOrDefault("APP_LOG_FORMAT", "console"),
		LogLevel:             envOrDefault("APP_LOG_LEVEL", "info"),
		AllowAnyOrigin:       false,
		SessionMaxDuration:   30 * time.Minute,
		SessionSweepInterval: 5 * time.Second,
		MaxConnsPerIdentity:  5,
		MaxConnsPerOrigin:    20,
		MessagesPerMinute:    60,
		MessagesPerHour:      1000,
		ReplyProvider:        envOrDefault("REPLY_PROVIDER", "auto"),
		ReplyHTTPURL:         trimmedEnv("REPLY_HTTP_URL"),
		ReplyTimeout:         10 * time.Second,
		AuthDevToken:         trimmedEnv("AUTH_DEV_TOKEN"),
		DatabaseURL:          trimmedEnv("DATABASE_URL"),
		ShutdownTimeout:      15 * time.Second,
	}

	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.SessionMaxDuration, err = durationFromEnv("APP_SESSION_MAX_DURATION", cfg.SessionMaxDuration)
	if err != nil {
		return Config{}, err
	}
	cfg.SessionSweepInterval, err = durationFromEnv("APP_SESSION_SWEEP_INTERVAL", cfg.SessionSweepInterval)
	if err != nil {
		return Config{}, err
	}
	cfg.ReplyTimeout, err = durationFromEnv("REPLY_TIMEOUT", cfg.ReplyTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}
	cfg.MaxConnsPerIdentity, err = intFromEnv("RATE_MAX_CONNS_PER_IDENTITY", cfg.MaxConnsPerIdentity)
	if err != nil {
		return Config{}, err
	}
	cfg.MaxConnsPerOrigin, err = intFromEnv("RATE_MAX_CONNS_PER_ORIGIN", cfg.MaxConnsPerOrigin)
	if err != nil {
		return Config{}, err
	}
	cfg.MessagesPerMinute, err = intFromEnv("RATE_MESSAGES_PER_MINUTE", cfg.MessagesPerMinute)
	if err != nil {
		return Config{}, err
	}
	cfg.MessagesPerHour, err = intFromEnv("RATE_MESSAGES_PER_HOUR", cfg.MessagesPerHour)
	if err != nil {
		return Config{}, err
	}

	if cfg.SessionMaxDuration < time.Minute {
		return Config{}, fmt.Errorf("APP_SESSION_MAX_DURATION must be at least 1m")
	}
	if cfg.SessionSweepInterval < time.Second {
		return Config{}, fmt.Errorf("APP_SESSION_SWEEP_INTERVAL must be at least 1s")
	}
	if cfg.MaxConnsPerIdentity <= 0 || cfg.MaxConnsPerOrigin <= 0 {
		return Config{}, fmt.Errorf("connection ceilings must be positive")
	}
	if cfg.MessagesPerMinute <= 0 || cfg.MessagesPerHour < cfg.MessagesPerMinute {
		return Config{}, fmt.Errorf("message limits must be positive and hourly >= per-minute")
	}
	switch cfg.ReplyProvider {
	case "auto", "http", "scripted":
	default:
		return Config{}, fmt.Errorf("invalid REPLY_PROVIDER: %q (expected auto|http|scripted)", cfg.ReplyProvider)
	}

	return cfg, nil
}

func envOrDefault(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func trimmedEnv(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := trimmedEnv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := trimmedEnv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(trimmedEnv(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
