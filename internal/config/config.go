// Package config loads server configuration from the environment, with an
// optional YAML file for overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration values
type Config struct {
	Addr        string `yaml:"addr"`
	LogLevel    string `yaml:"log_level"`
	Environment string `yaml:"environment"`

	SupabaseURL        string `yaml:"supabase_url"`
	SupabaseServiceKey string `yaml:"supabase_service_key"`

	MapsTable         string `yaml:"maps_table"`
	ParticipantsTable string `yaml:"participants_table"`

	AllowedOrigins []string `yaml:"allowed_origins"`

	// WebSocket limits
	MaxConnectionsPerUser int `yaml:"max_connections_per_user"`

	// Persistence retry budget
	PersistMaxRetries int           `yaml:"persist_max_retries"`
	PersistQueueSize  int           `yaml:"persist_queue_size"`
	PersistTimeout    time.Duration `yaml:"persist_timeout"`

	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	// Distributed tracing (OTLP gRPC export)
	TracingEnabled  bool   `yaml:"tracing_enabled"`
	TracingEndpoint string `yaml:"tracing_endpoint"`
}

// New creates a configuration from environment variables. If MAPSYNC_CONFIG
// points at a YAML file it is loaded first and the environment overrides it.
func New() (*Config, error) {
	cfg := defaults()

	if path := os.Getenv("MAPSYNC_CONFIG"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	cfg.Addr = getEnv("ADDR", cfg.Addr)
	cfg.LogLevel = getEnv("LOG_LEVEL", cfg.LogLevel)
	cfg.Environment = getEnv("ENVIRONMENT", cfg.Environment)
	cfg.SupabaseURL = getEnv("SUPABASE_URL", cfg.SupabaseURL)
	cfg.SupabaseServiceKey = getEnv("SUPABASE_SERVICE_ROLE_KEY", cfg.SupabaseServiceKey)
	cfg.MapsTable = getEnv("MAPS_TABLE", cfg.MapsTable)
	cfg.ParticipantsTable = getEnv("PARTICIPANTS_TABLE", cfg.ParticipantsTable)
	if v := os.Getenv("ALLOWED_ORIGINS"); v != "" {
		cfg.AllowedOrigins = splitAndTrim(v)
	}
	cfg.MaxConnectionsPerUser = getEnvInt("MAX_CONNECTIONS_PER_USER", cfg.MaxConnectionsPerUser)
	cfg.PersistMaxRetries = getEnvInt("PERSIST_MAX_RETRIES", cfg.PersistMaxRetries)
	cfg.PersistQueueSize = getEnvInt("PERSIST_QUEUE_SIZE", cfg.PersistQueueSize)
	cfg.TracingEnabled = getEnvBool("TRACING_ENABLED", cfg.TracingEnabled)
	cfg.TracingEndpoint = getEnv("TRACING_ENDPOINT", cfg.TracingEndpoint)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func defaults() *Config {
	return &Config{
		Addr:                  ":8080",
		LogLevel:              "info",
		Environment:           "development",
		TracingEndpoint:       "localhost:4317",
		MapsTable:             "maps",
		ParticipantsTable:     "map_participants",
		AllowedOrigins:        []string{"*"},
		MaxConnectionsPerUser: 10,
		PersistMaxRetries:     5,
		PersistQueueSize:      64,
		PersistTimeout:        10 * time.Second,
		ShutdownTimeout:       15 * time.Second,
	}
}

// Validate checks that required values are present and limits are sane
func (c *Config) Validate() error {
	if c.SupabaseURL == "" {
		return fmt.Errorf("SUPABASE_URL is required")
	}
	if c.SupabaseServiceKey == "" {
		return fmt.Errorf("SUPABASE_SERVICE_ROLE_KEY is required")
	}
	if c.MaxConnectionsPerUser <= 0 {
		return fmt.Errorf("max_connections_per_user must be positive")
	}
	if c.PersistMaxRetries < 0 {
		return fmt.Errorf("persist_max_retries must not be negative")
	}
	if c.PersistQueueSize <= 0 {
		return fmt.Errorf("persist_queue_size must be positive")
	}
	return nil
}

// getEnv gets an environment variable with a fallback default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func splitAndTrim(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
