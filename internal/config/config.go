// Package config provides environment-based configuration for the API
// server and the pipeline workers.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/xuan1250/transfer2read/internal/types"
)

// Config holds the full runtime configuration. Values are read from the
// environment; a .env file is loaded by the CLI entry point before Load
// runs. Tier limits are carried here and passed explicitly into ledger
// calls, never read from ambient state.
type Config struct {
	// Serving
	Port int

	// Backends
	DatabaseURL string
	RedisAddr   string

	// Object storage
	StorageProvider string // "minio", "aws-s3" or "filesystem"
	StorageEndpoint string
	StorageBucket   string
	StorageRegion   string
	StorageID       string
	StorageSecret   string

	// AI providers
	GeminiAPIKey  string
	PrimaryModel  string
	FallbackModel string

	// Pipeline tuning
	Workers          int
	PageConcurrency  int
	MaxPages         int
	CallRetries      int           // per-call provider retries (ModelRouter)
	CallRetryBase    time.Duration // base backoff for call-level retries
	JobRetryCeiling  int           // job-level stage retry ceiling
	JobRetryUnit     time.Duration // unit for the 1/5/15 backoff schedule
	JobTimeout       time.Duration // wall clock since QUEUED
	LeaseTTL         time.Duration
	DownloadURLTTL   time.Duration
	LowConfidence    float64 // warning threshold for quality signals
	TierLimits       map[types.AccountTier]int
	ProgressEventTTL time.Duration
}

// Load reads configuration from the environment, applying defaults for
// everything except the backend endpoints and the API key.
func Load() (*Config, error) {
	cfg := &Config{
		Port:            envIntOr("PORT", 8080),
		DatabaseURL:     os.Getenv("DATABASE_URL"),
		RedisAddr:       envOr("REDIS_ADDR", "localhost:6379"),
		StorageProvider: envOr("STORAGE_PROVIDER", "filesystem"),
		StorageEndpoint: os.Getenv("STORAGE_ENDPOINT"),
		StorageBucket:   envOr("STORAGE_BUCKET", "transfer2read"),
		StorageRegion:   envOr("STORAGE_REGION", "us-east-1"),
		StorageID:       os.Getenv("STORAGE_ACCESS_ID"),
		StorageSecret:   os.Getenv("STORAGE_ACCESS_SECRET"),
		GeminiAPIKey:    os.Getenv("GEMINI_API_KEY"),
		PrimaryModel:    envOr("PRIMARY_MODEL", "gemini-2.5-pro"),
		FallbackModel:   envOr("FALLBACK_MODEL", "gemini-2.5-flash"),
		Workers:         envIntOr("WORKERS", 4),
		PageConcurrency: envIntOr("PAGE_CONCURRENCY", 4),
		MaxPages:        envIntOr("MAX_PAGES", 500),
		CallRetries:     envIntOr("CALL_RETRIES", 3),
		CallRetryBase:   envDurationOr("CALL_RETRY_BASE", 500*time.Millisecond),
		JobRetryCeiling: envIntOr("JOB_RETRY_CEILING", 3),
		JobRetryUnit:    envDurationOr("JOB_RETRY_UNIT", time.Second),
		JobTimeout:      envDurationOr("JOB_TIMEOUT", 30*time.Minute),
		LeaseTTL:        envDurationOr("LEASE_TTL", 2*time.Minute),
		DownloadURLTTL:  envDurationOr("DOWNLOAD_URL_TTL", 15*time.Minute),
		LowConfidence:   envFloatOr("LOW_CONFIDENCE_THRESHOLD", 80),
		TierLimits: map[types.AccountTier]int{
			types.TierFree:      envIntOr("TIER_LIMIT_FREE", 5),
			types.TierPro:       envIntOr("TIER_LIMIT_PRO", 100),
			types.TierUnlimited: -1,
		},
		ProgressEventTTL: envDurationOr("PROGRESS_EVENT_TTL", 24*time.Hour),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that required values are present and ranges are sane.
func (c *Config) Validate() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("config error: DATABASE_URL is required")
	}
	if c.GeminiAPIKey == "" {
		return fmt.Errorf("config error: GEMINI_API_KEY is required")
	}
	if c.StorageProvider != "filesystem" && (c.StorageID == "" || c.StorageSecret == "") {
		return fmt.Errorf("config error: STORAGE_ACCESS_ID and STORAGE_ACCESS_SECRET are required for provider %q", c.StorageProvider)
	}
	if c.PageConcurrency < 1 {
		return fmt.Errorf("config error: PAGE_CONCURRENCY must be at least 1")
	}
	if c.JobRetryCeiling < 0 {
		return fmt.Errorf("config error: JOB_RETRY_CEILING must be non-negative")
	}
	if c.LowConfidence < 0 || c.LowConfidence > 100 {
		return fmt.Errorf("config error: LOW_CONFIDENCE_THRESHOLD must be in [0, 100]")
	}
	return nil
}

// TierLimit returns the monthly conversion limit for a tier. A negative
// limit means unlimited.
func (c *Config) TierLimit(tier types.AccountTier) int {
	if limit, ok := c.TierLimits[tier]; ok {
		return limit
	}
	return c.TierLimits[types.TierFree]
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envIntOr(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return i
}

func envFloatOr(key string, def float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}

func envDurationOr(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}
