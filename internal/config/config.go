// Package config provides configuration management functionality.
//
// Configuration is loaded from environment variables, with an optional .env
// file picked up at startup. Job schedules, database pool tunables and
// identity-provider settings all have sensible defaults so a bare
// DATABASE_URL is enough to run locally.
package config

import (
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// JobConfig holds the per-job knobs recognized as <JOB>_ENABLED,
// <JOB>_SCHEDULE and <JOB>_LIMIT.
type JobConfig struct {
	Enabled  bool
	Schedule string // cron expression
	Limit    int    // job-specific batch limit (e.g. top-N assets)
}

// DatabaseConfig holds connection pool tunables.
type DatabaseConfig struct {
	URL                string
	MaxConnections     int
	MinConnections     int
	ConnectTimeoutSecs int
	AcquireTimeoutSecs int
	IdleTimeoutSecs    int
	MaxLifetimeSecs    int
}

// IdentityConfig names the external identity provider. The core only
// consumes the verified subject; these values configure the outer adapter.
type IdentityConfig struct {
	Server   string
	Realm    string
	Audience string
}

// Config holds application configuration.
type Config struct {
	Port           int
	LogLevel       string
	LogPretty      bool
	Database       DatabaseConfig
	Identity       IdentityConfig
	CredentialsKey string // hex-encoded 32-byte key for sealing exchange credentials
	ChainRegistry  string // optional YAML seed file for the chain/token registry

	ReferenceRefresh JobConfig // market_reference_refresh
	PriceCollection  JobConfig // price_collection
	EODSnapshot      JobConfig // eod_snapshot

	PriceStalenessSecs int // valuation marks prices older than this as stale
}

// Load reads configuration from environment variables. A .env file is loaded
// first when present; real environment variables win over file entries that
// godotenv leaves untouched.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:      getEnvAsInt("PORT", 8080),
		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogPretty: getEnvAsBool("LOG_PRETTY", false),
		Database: DatabaseConfig{
			URL:                getEnv("DATABASE_URL", "data/butler.db"),
			MaxConnections:     getEnvAsInt("DB_MAX_CONNECTIONS", 100),
			MinConnections:     getEnvAsInt("DB_MIN_CONNECTIONS", 5),
			ConnectTimeoutSecs: getEnvAsInt("DB_CONNECT_TIMEOUT_SECS", 5),
			AcquireTimeoutSecs: getEnvAsInt("DB_ACQUIRE_TIMEOUT_SECS", 30),
			IdleTimeoutSecs:    getEnvAsInt("DB_IDLE_TIMEOUT_SECS", 600),
			MaxLifetimeSecs:    getEnvAsInt("DB_MAX_LIFETIME_SECS", 1800),
		},
		Identity: IdentityConfig{
			Server:   getEnv("IDP_SERVER", ""),
			Realm:    getEnv("IDP_REALM", ""),
			Audience: getEnv("IDP_AUDIENCE", ""),
		},
		CredentialsKey: getEnv("CREDENTIALS_KEY", ""),
		ChainRegistry:  getEnv("CHAIN_REGISTRY_FILE", ""),

		ReferenceRefresh:   loadJobConfig("MARKET_REFERENCE_REFRESH", "0 0 * * *", 0),
		PriceCollection:    loadJobConfig("PRICE_COLLECTION", "*/15 * * * *", 100),
		EODSnapshot:        loadJobConfig("EOD_SNAPSHOT", "0 23 * * *", 0),
		PriceStalenessSecs: getEnvAsInt("PRICE_STALENESS_SECS", 3600),
	}

	return cfg, nil
}

// loadJobConfig reads the three per-job keys for the given prefix.
func loadJobConfig(prefix, defaultSchedule string, defaultLimit int) JobConfig {
	return JobConfig{
		Enabled:  getEnvAsBool(prefix+"_ENABLED", true),
		Schedule: getEnv(prefix+"_SCHEDULE", defaultSchedule),
		Limit:    getEnvAsInt(prefix+"_LIMIT", defaultLimit),
	}
}

// ==========================================
// Helper Functions
// ==========================================

// getEnv retrieves an environment variable with a default value.
func getEnv(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt retrieves an environment variable as an integer with a default value.
func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvAsBool retrieves an environment variable as a boolean with a default value.
func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}
