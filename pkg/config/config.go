// Copyright 2025 BioPassport Project
//
// Service configuration from environment variables.

package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Config holds all configuration for the BioPassport registry service
type Config struct {
	// Server Configuration
	ListenAddr  string
	MetricsAddr string

	// Registry Configuration
	AdminAddress string // hex address of the registry admin
	DataDir      string // directory for the KV snapshot store; empty = in-memory
	QueueDepth   int    // write queue depth

	// Database Configuration (evaluation archive, optional)
	DatabaseURL      string
	DatabaseRequired bool // If true, startup fails if database connection fails

	// Artifact Store Configuration
	ArtifactTimeout time.Duration // per-fetch deadline for integrity checks

	// Service Configuration
	ServiceID string
	LogLevel  string

	// Evaluation Configuration
	EvalArtifactDir string // directory evaluation artifacts are written to
	EvalPresetFile  string // optional YAML overriding the built-in presets
}

// Load reads configuration from environment variables.
//
// SECURITY: BIOPASSPORT_ADMIN_ADDRESS has no default and must be explicitly
// set; call Validate() after Load().
func Load() (*Config, error) {
	cfg := &Config{
		// Server Configuration - safe defaults
		ListenAddr:  getEnv("API_HOST", "0.0.0.0") + ":" + getEnv("API_PORT", "8080"),
		MetricsAddr: getEnv("API_HOST", "0.0.0.0") + ":" + getEnv("METRICS_PORT", "9090"),

		// Registry Configuration
		AdminAddress: getEnv("BIOPASSPORT_ADMIN_ADDRESS", ""),
		DataDir:      getEnv("DATA_DIR", "./data"),
		QueueDepth:   getEnvInt("WRITE_QUEUE_DEPTH", 256),

		// Database Configuration - no default for security
		DatabaseURL:      getEnv("DATABASE_URL", ""),
		DatabaseRequired: getEnvBool("DATABASE_REQUIRED", false),

		// Artifact Store Configuration
		ArtifactTimeout: getEnvDuration("ARTIFACT_FETCH_TIMEOUT", 10*time.Second),

		// Service Configuration
		ServiceID: getEnv("SERVICE_ID", "biopassport-registry"),
		LogLevel:  getEnv("LOG_LEVEL", "info"),

		// Evaluation Configuration
		EvalArtifactDir: getEnv("EVAL_ARTIFACT_DIR", "./eval-artifacts"),
		EvalPresetFile:  getEnv("EVAL_PRESET_FILE", ""),
	}
	return cfg, nil
}

// Validate checks that required configuration is present and well-formed.
func (c *Config) Validate() error {
	if c.AdminAddress == "" {
		return fmt.Errorf("BIOPASSPORT_ADMIN_ADDRESS is required")
	}
	if !common.IsHexAddress(c.AdminAddress) {
		return fmt.Errorf("BIOPASSPORT_ADMIN_ADDRESS %q is not a valid hex address", c.AdminAddress)
	}
	if c.QueueDepth <= 0 {
		return fmt.Errorf("WRITE_QUEUE_DEPTH must be positive, got %d", c.QueueDepth)
	}
	return nil
}

// Admin returns the parsed admin address. Validate must have passed.
func (c *Config) Admin() common.Address {
	return common.HexToAddress(c.AdminAddress)
}

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultValue
}
