// Package config loads kernel configuration from environment variables,
// with optional named YAML profiles for execution defaults.
package config

import (
	"os"
	"strconv"
)

// Config holds kernel configuration.
type Config struct {
	LogLevel string

	// DatabaseURL enables the Postgres item store when set.
	DatabaseURL string
	// RedisURL enables the shared lockfile cache when set.
	RedisURL string

	DataDir    string
	LedgerPath string

	RequireSignatures bool
	MaxChainDepth     int
	MaxInFlight       int

	OTLPEndpoint         string
	ObservabilityEnabled bool
}

// Load reads configuration from environment variables.
func Load() *Config {
	logLevel := os.Getenv("KEEL_LOG_LEVEL")
	if logLevel == "" {
		logLevel = "INFO"
	}

	dataDir := os.Getenv("KEEL_DATA_DIR")
	if dataDir == "" {
		dataDir = "data"
	}

	ledgerPath := os.Getenv("KEEL_LEDGER_PATH")
	if ledgerPath == "" {
		ledgerPath = dataDir + "/receipts.db"
	}

	return &Config{
		LogLevel:             logLevel,
		DatabaseURL:          os.Getenv("KEEL_DATABASE_URL"),
		RedisURL:             os.Getenv("KEEL_REDIS_URL"),
		DataDir:              dataDir,
		LedgerPath:           ledgerPath,
		RequireSignatures:    os.Getenv("KEEL_REQUIRE_SIGNATURES") == "true",
		MaxChainDepth:        envInt("KEEL_MAX_CHAIN_DEPTH", 16),
		MaxInFlight:          envInt("KEEL_MAX_IN_FLIGHT", 8),
		OTLPEndpoint:         os.Getenv("KEEL_OTLP_ENDPOINT"),
		ObservabilityEnabled: os.Getenv("KEEL_OBSERVABILITY") == "true",
	}
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}
