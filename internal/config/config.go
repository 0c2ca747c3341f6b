// Package config loads configuration from environment variables.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all preview server configuration.
type Config struct {
	// Server
	ListenAddr  string
	MetricsAddr string
	CORSOrigins []string

	// Logging
	LogLevel  string
	LogFormat string

	// Upstream collaborators
	GeneratorURL    string
	MetadataURL     string
	UpstreamTimeout time.Duration

	// Sessions
	SessionSecret      string
	SessionTTL         time.Duration
	SessionIdleTimeout time.Duration
	MaxSessions        int

	// Preview pipeline
	DebounceWindow    time.Duration
	RetryCount        int
	RetryBaseWait     time.Duration
	RetryMaxWait      time.Duration
	MetadataTTL       time.Duration
	TokenCapacity     int
	LineCapacity      int
	SnapshotCacheSize int
	DefaultTheme      string
}

// Load reads configuration from environment variables with defaults. A
// .env file in the working directory is applied first when present;
// variables already set in the environment win.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	generatorURL := envOr("GENERATOR_URL", "")
	cfg := &Config{
		ListenAddr:         envOr("LISTEN_ADDR", ":8080"),
		MetricsAddr:        envOr("METRICS_ADDR", ":9090"),
		CORSOrigins:        envList("CORS_ORIGINS", "http://localhost:3000"),
		LogLevel:           envOr("LOG_LEVEL", "info"),
		LogFormat:          envOr("LOG_FORMAT", "json"),
		GeneratorURL:       generatorURL,
		MetadataURL:        envOr("METADATA_URL", generatorURL),
		UpstreamTimeout:    envDuration("UPSTREAM_TIMEOUT", 30*time.Second),
		SessionSecret:      envOr("SESSION_SECRET", ""),
		SessionTTL:         envDuration("SESSION_TTL", 12*time.Hour),
		SessionIdleTimeout: envDuration("SESSION_IDLE_TIMEOUT", 30*time.Minute),
		MaxSessions:        envInt("MAX_SESSIONS", 1000),
		DebounceWindow:     envDuration("DEBOUNCE_WINDOW", 350*time.Millisecond),
		RetryCount:         envInt("RETRY_COUNT", 2),
		RetryBaseWait:      envDuration("RETRY_BASE_WAIT", time.Second),
		RetryMaxWait:       envDuration("RETRY_MAX_WAIT", 8*time.Second),
		MetadataTTL:        envDuration("METADATA_TTL", 5*time.Minute),
		TokenCapacity:      envInt("HIGHLIGHT_TOKEN_CAPACITY", 96),
		LineCapacity:       envInt("HIGHLIGHT_LINE_CAPACITY", 192),
		SnapshotCacheSize:  envInt("SNAPSHOT_CACHE_SIZE", 32),
		DefaultTheme:       envOr("DEFAULT_THEME", "github"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks required values and numeric bounds.
func (c *Config) Validate() error {
	if c.GeneratorURL == "" {
		return fmt.Errorf("GENERATOR_URL is required")
	}
	if c.SessionSecret == "" {
		return fmt.Errorf("SESSION_SECRET is required")
	}
	if c.RetryCount < 0 {
		return fmt.Errorf("RETRY_COUNT must not be negative")
	}
	if c.RetryBaseWait <= 0 || c.RetryMaxWait <= 0 {
		return fmt.Errorf("RETRY_BASE_WAIT and RETRY_MAX_WAIT must be positive")
	}
	if c.RetryMaxWait < c.RetryBaseWait {
		return fmt.Errorf("RETRY_MAX_WAIT must not be below RETRY_BASE_WAIT")
	}
	if c.DebounceWindow < 0 {
		return fmt.Errorf("DEBOUNCE_WINDOW must not be negative")
	}
	for name, v := range map[string]int{
		"HIGHLIGHT_TOKEN_CAPACITY": c.TokenCapacity,
		"HIGHLIGHT_LINE_CAPACITY":  c.LineCapacity,
		"SNAPSHOT_CACHE_SIZE":      c.SnapshotCacheSize,
		"MAX_SESSIONS":             c.MaxSessions,
	} {
		if v <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}
	return nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return i
}

// envDuration accepts Go durations ("350ms") or bare milliseconds ("350").
func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
		return time.Duration(ms) * time.Millisecond
	}
	return fallback
}

func envList(key, fallback string) []string {
	var out []string
	for _, s := range strings.Split(envOr(key, fallback), ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
