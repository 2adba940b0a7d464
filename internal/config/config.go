// Package config reads service settings from the environment, after loading
// the first .env file found.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// MemoryDSN selects the in-process store instead of Postgres.
const MemoryDSN = "memory"

var envPaths = []string{
	".env",
	"../.env",
	"/app/.env", // Docker
}

type Config struct {
	// Storage
	DatabaseURL string

	// Service addresses
	HTTPAddr string
	NatsURL  string

	// Import behavior
	DefaultIntegration string
	MaxUploadBytes     int64
	AllowedExtensions  []string
	MaxReportedErrors  int
	MappingCacheSize   int

	LogLevel slog.Level

	// EnvFile is the .env file that was loaded, if any.
	EnvFile string
}

func Load() (*Config, error) {
	cfg := &Config{}
	for _, path := range envPaths {
		if err := godotenv.Load(path); err == nil {
			cfg.EnvFile = path
			break
		}
	}

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	cfg.HTTPAddr = getEnvOrDefault("HTTP_ADDR", ":8080")
	cfg.NatsURL = os.Getenv("NATS_URL")
	cfg.DefaultIntegration = getEnvOrDefault("DEFAULT_INTEGRATION", "Nessus")
	cfg.AllowedExtensions = parseExtensions(getEnvOrDefault("ALLOWED_EXTENSIONS", ".nessus,.xml"))

	var err error
	if cfg.MaxUploadBytes, err = strconv.ParseInt(getEnvOrDefault("MAX_UPLOAD_BYTES", "104857600"), 10, 64); err != nil {
		return nil, fmt.Errorf("invalid MAX_UPLOAD_BYTES: %w", err)
	}
	if cfg.MaxReportedErrors, err = strconv.Atoi(getEnvOrDefault("MAX_REPORTED_ERRORS", "50")); err != nil {
		return nil, fmt.Errorf("invalid MAX_REPORTED_ERRORS: %w", err)
	}
	if cfg.MappingCacheSize, err = strconv.Atoi(getEnvOrDefault("MAPPING_CACHE_SIZE", "32")); err != nil {
		return nil, fmt.Errorf("invalid MAPPING_CACHE_SIZE: %w", err)
	}
	if err := cfg.LogLevel.UnmarshalText([]byte(getEnvOrDefault("LOG_LEVEL", "info"))); err != nil {
		return nil, fmt.Errorf("invalid LOG_LEVEL: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate returns the first problem found.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.DatabaseURL) == "" {
		return errors.New("DATABASE_URL is required (use \"memory\" for an in-process store)")
	}
	if strings.TrimSpace(c.DefaultIntegration) == "" {
		return errors.New("DEFAULT_INTEGRATION must not be empty")
	}
	if c.MaxUploadBytes <= 0 {
		return errors.New("MAX_UPLOAD_BYTES must be positive")
	}
	if len(c.AllowedExtensions) == 0 {
		return errors.New("ALLOWED_EXTENSIONS must list at least one extension")
	}
	if c.MaxReportedErrors < 1 {
		return errors.New("MAX_REPORTED_ERRORS must be at least 1")
	}
	if c.MappingCacheSize < 1 {
		return errors.New("MAPPING_CACHE_SIZE must be at least 1")
	}
	if c.NatsURL != "" && !strings.HasPrefix(c.NatsURL, "nats://") && !strings.HasPrefix(c.NatsURL, "tls://") {
		return fmt.Errorf("NATS_URL %q must use nats:// or tls://", c.NatsURL)
	}
	return nil
}

// UsesMemoryStore reports whether DATABASE_URL selects the in-process store.
func (c *Config) UsesMemoryStore() bool {
	return strings.EqualFold(strings.TrimSpace(c.DatabaseURL), MemoryDSN)
}

// parseExtensions lower-cases entries and adds the leading dot.
func parseExtensions(raw string) []string {
	var out []string
	for _, ext := range strings.Split(raw, ",") {
		ext = strings.ToLower(strings.TrimSpace(ext))
		if ext == "" {
			continue
		}
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		out = append(out, ext)
	}
	return out
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
