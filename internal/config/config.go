// Package config loads process configuration from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Defaults for optional settings.
const (
	DefaultModel           = "claude-sonnet-4-20250514"
	DefaultPromptVersion   = "v3"
	DefaultMaxOutputTokens = 4096
	DefaultPort            = 8080
	DefaultLogLevel        = "info"
	DefaultConcurrency     = 5
	DefaultThreshold       = 0.9
	DefaultDedupWindow     = 10 * time.Minute
	DefaultDBMaxConns      = 20
)

// Config is the process-wide configuration, constructed once at startup.
type Config struct {
	DatabaseURL     string
	RedisURL        string
	AnthropicAPIKey string

	// ExtractionModel and PromptVersion are stamped into every aiMeta the
	// pipeline produces.
	ExtractionModel string
	PromptVersion   string
	MaxOutputTokens int

	APIKeyPepper string
	CORSOrigins  []string
	Port         int
	LogLevel     string

	// WorkerConcurrency caps the extract and organize queues.
	WorkerConcurrency   int
	ConfidenceThreshold float64
	DedupWindow         time.Duration

	DBMaxConns int
}

// FromEnv reads the recognized environment options and validates required
// settings. All missing required settings are reported in one error.
func FromEnv() (*Config, error) {
	cfg := &Config{
		DatabaseURL:         os.Getenv("DATABASE_URL"),
		RedisURL:            os.Getenv("REDIS_URL"),
		AnthropicAPIKey:     os.Getenv("ANTHROPIC_API_KEY"),
		ExtractionModel:     envOr("ANTHROPIC_EXTRACTION_MODEL", DefaultModel),
		PromptVersion:       DefaultPromptVersion,
		MaxOutputTokens:     DefaultMaxOutputTokens,
		APIKeyPepper:        os.Getenv("API_KEY_HASH_PEPPER"),
		LogLevel:            envOr("LOG_LEVEL", DefaultLogLevel),
		DBMaxConns:          DefaultDBMaxConns,
		WorkerConcurrency:   DefaultConcurrency,
		ConfidenceThreshold: DefaultThreshold,
		DedupWindow:         DefaultDedupWindow,
		Port:                DefaultPort,
	}

	if origins := os.Getenv("CORS_ORIGINS"); origins != "" {
		for _, o := range strings.Split(origins, ",") {
			if o = strings.TrimSpace(o); o != "" {
				cfg.CORSOrigins = append(cfg.CORSOrigins, o)
			}
		}
	}

	var errs []string
	if v := os.Getenv("PORT"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 65535 {
			errs = append(errs, fmt.Sprintf("PORT: invalid value %q", v))
		} else {
			cfg.Port = n
		}
	}
	if v := os.Getenv("BULLMQ_CONCURRENCY"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			errs = append(errs, fmt.Sprintf("BULLMQ_CONCURRENCY: invalid value %q", v))
		} else {
			cfg.WorkerConcurrency = n
		}
	}
	if v := os.Getenv("CONFIDENCE_THRESHOLD"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil || f <= 0 || f > 1 {
			errs = append(errs, fmt.Sprintf("CONFIDENCE_THRESHOLD: must be in (0,1], got %q", v))
		} else {
			cfg.ConfidenceThreshold = f
		}
	}
	if v := os.Getenv("DEDUP_WINDOW_MS"); v != "" {
		ms, err := strconv.Atoi(v)
		if err != nil || ms < 0 {
			errs = append(errs, fmt.Sprintf("DEDUP_WINDOW_MS: invalid value %q", v))
		} else {
			cfg.DedupWindow = time.Duration(ms) * time.Millisecond
		}
	}

	for _, req := range []struct{ name, val string }{
		{"DATABASE_URL", cfg.DatabaseURL},
		{"REDIS_URL", cfg.RedisURL},
		{"ANTHROPIC_API_KEY", cfg.AnthropicAPIKey},
		{"API_KEY_HASH_PEPPER", cfg.APIKeyPepper},
	} {
		if req.val == "" {
			errs = append(errs, req.name+": required")
		}
	}

	if len(errs) > 0 {
		return nil, fmt.Errorf("invalid configuration:\n  %s", strings.Join(errs, "\n  "))
	}
	return cfg, nil
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
