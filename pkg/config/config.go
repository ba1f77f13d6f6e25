// Package config loads platform configuration from environment variables
// with sensible development defaults. Production (strict mode) refuses to
// start with an ephemeral policy key.
package config

import (
	"encoding/base64"
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds the platform core configuration.
type Config struct {
	Env      string
	LogLevel string

	ScreeningPolicyVersion string
	MinCohortSize          int
	ManualReviewThreshold  float64

	CoordinatorPolicyVersion string
	CoordinatorPolicyKey     string // base64; empty means ephemeral (dev only)
	CoordinatorProfilePath   string

	PlanGrantKey string // base64; empty means ephemeral (dev only)

	CapsuleDefaultTTL   time.Duration
	PRBDefaultAllocated float64

	LinkageWindow              time.Duration
	LinkageMaxPerWindow        int
	LinkageSimilarityThreshold float64
	LinkageMaxSimilar          int

	YCTransfersEnabled bool

	DatabaseDSN    string
	RedisAddr      string
	AnchorProvider string
	AnchorBucket   string
	OTLPEndpoint   string
}

// Load reads configuration from the environment.
func Load() *Config {
	return &Config{
		Env:      getEnv("DATAPACT_ENV", "development"),
		LogLevel: getEnv("DATAPACT_LOG_LEVEL", "INFO"),

		ScreeningPolicyVersion: getEnv("DATAPACT_SCREENING_POLICY_VERSION", "screening-v1"),
		MinCohortSize:          getInt("DATAPACT_SCREENING_MIN_COHORT_SIZE", 50),
		ManualReviewThreshold:  getFloat("DATAPACT_SCREENING_MANUAL_REVIEW_THRESHOLD", 0.5),

		CoordinatorPolicyVersion: getEnv("DATAPACT_COORDINATOR_POLICY_VERSION", "coordinator-v1"),
		CoordinatorPolicyKey:     getEnv("DATAPACT_COORDINATOR_POLICY_KEY", ""),
		CoordinatorProfilePath:   getEnv("DATAPACT_COORDINATOR_PROFILE_PATH", ""),

		PlanGrantKey: getEnv("DATAPACT_PLAN_GRANT_KEY", ""),

		CapsuleDefaultTTL:   getSeconds("DATAPACT_CAPSULE_DEFAULT_TTL_SECONDS", 259200),
		PRBDefaultAllocated: getFloat("DATAPACT_PRB_DEFAULT_ALLOCATED", 1.0),

		LinkageWindow:              getSeconds("DATAPACT_LINKAGE_WINDOW_SECONDS", 86400),
		LinkageMaxPerWindow:        getInt("DATAPACT_LINKAGE_MAX_PER_WINDOW", 10),
		LinkageSimilarityThreshold: getFloat("DATAPACT_LINKAGE_SIMILARITY_THRESHOLD", 0.8),
		LinkageMaxSimilar:          getInt("DATAPACT_LINKAGE_MAX_SIMILAR", 3),

		YCTransfersEnabled: getEnv("DATAPACT_YC_TRANSFERS_ENABLED", "false") == "true",

		DatabaseDSN:    getEnv("DATAPACT_DB_DSN", ""),
		RedisAddr:      getEnv("DATAPACT_REDIS_ADDR", ""),
		AnchorProvider: getEnv("DATAPACT_ANCHOR_PROVIDER", "memory"),
		AnchorBucket:   getEnv("DATAPACT_ANCHOR_BUCKET", ""),
		OTLPEndpoint:   getEnv("DATAPACT_OTLP_ENDPOINT", ""),
	}
}

// Strict reports whether the process runs with production guarantees.
func (c *Config) Strict() bool {
	return c.Env == "production"
}

// Validate checks option ranges and strict-mode requirements.
func (c *Config) Validate() error {
	if c.MinCohortSize < 1 {
		return fmt.Errorf("min cohort size must be >= 1, got %d", c.MinCohortSize)
	}
	if c.ManualReviewThreshold < 0 || c.ManualReviewThreshold > 1 {
		return fmt.Errorf("manual review threshold must be in [0,1], got %v", c.ManualReviewThreshold)
	}
	if c.LinkageSimilarityThreshold < 0 || c.LinkageSimilarityThreshold > 1 {
		return fmt.Errorf("linkage similarity threshold must be in [0,1], got %v", c.LinkageSimilarityThreshold)
	}
	if c.PRBDefaultAllocated < 0 {
		return fmt.Errorf("default PRB allocation must be >= 0, got %v", c.PRBDefaultAllocated)
	}
	if c.CapsuleDefaultTTL <= 0 {
		return fmt.Errorf("capsule TTL must be positive, got %v", c.CapsuleDefaultTTL)
	}
	if c.Strict() && c.CoordinatorPolicyKey == "" {
		return fmt.Errorf("DATAPACT_COORDINATOR_POLICY_KEY is required in production")
	}
	if c.Strict() && c.PlanGrantKey == "" {
		return fmt.Errorf("DATAPACT_PLAN_GRANT_KEY is required in production")
	}
	if c.CoordinatorPolicyKey != "" {
		if _, err := c.PolicyKeyBytes(); err != nil {
			return err
		}
	}
	if c.PlanGrantKey != "" {
		if _, err := base64.StdEncoding.DecodeString(c.PlanGrantKey); err != nil {
			return fmt.Errorf("plan grant key is not valid base64: %w", err)
		}
	}
	if c.AnchorProvider != "memory" && c.AnchorBucket == "" {
		return fmt.Errorf("anchor bucket is required for provider %q", c.AnchorProvider)
	}
	return nil
}

// PolicyKeyBytes decodes the configured coordinator policy key.
func (c *Config) PolicyKeyBytes() ([]byte, error) {
	key, err := base64.StdEncoding.DecodeString(c.CoordinatorPolicyKey)
	if err != nil {
		return nil, fmt.Errorf("coordinator policy key is not valid base64: %w", err)
	}
	if len(key) < 16 {
		return nil, fmt.Errorf("coordinator policy key must be at least 16 bytes, got %d", len(key))
	}
	return key, nil
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getSeconds(key string, def int) time.Duration {
	return time.Duration(getInt(key, def)) * time.Second
}
