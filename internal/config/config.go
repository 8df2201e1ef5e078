// Package config loads SODME's bootstrap configuration: data directory,
// broker credentials, HTTP port, and rate-limit/breaker tuning. Per-strategy
// Strategy Settings (spec §3) are not here — they live in the Strategy
// Store and are read from SQLite at runtime.
//
// Configuration Loading Order:
// 1. Load from .env file (if exists)
// 2. Load from environment variables
// 3. Update from strategy-store settings (takes precedence for credentials)
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration, loaded from environment variables
// and optionally refined from the strategy store.
type Config struct {
	DataDir  string // Base directory for all SQLite databases (always absolute)
	Port     int    // HTTP server port
	DevMode  bool   // Development mode flag (pretty console logging)
	LogLevel string // Log level (debug, info, warn, error)

	BrokerAPIKey      string // Zerodha Kite API key (may be overridden by strategy store)
	BrokerAPISecret   string // Zerodha Kite API secret (may be overridden by strategy store)
	BrokerAccessToken string // Kite access token from the login/checksum exchange (empty until a session is established)
	BrokerBaseURL     string // Broker REST base URL
	BrokerTickerURL   string // Broker streaming quote WebSocket URL

	OrdersPerSecond   float64 // Broker Gateway rate limit: order placements/sec (§4.7 default 10)
	MarginCallsPerSec float64 // Broker Gateway rate limit: margin-basket calls/sec (§4.7 default 0.2)

	CircuitBreakerFailureThreshold int           // Consecutive failures before the breaker opens (§4.7)
	CircuitBreakerWindow           time.Duration // Window over which failures are counted
	CircuitBreakerHalfOpenAfter    time.Duration // Cooldown before a half-open probe

	ReadTimeout    time.Duration // Bounded deadline for broker reads (§5, default 2s)
	WriteTimeout   time.Duration // Bounded deadline for broker writes (§5, default 5s)
	MarginTimeout  time.Duration // Bounded deadline for margin-basket calls (§5, default 10s)
	ShutdownWindow time.Duration // Global drain timeout on shutdown (§5)

	Exchange string // "NSE" or "BSE" — governs the scheduler's local-time calendar (§4.5)
}

// SettingsReader is the narrow interface Config needs from the strategy
// store to resolve credentials at startup — kept minimal to avoid an import
// cycle between config and strategystore.
type SettingsReader interface {
	Get(key string) (*string, error)
}

// Load reads configuration from environment variables.
//
// dataDirOverride - Optional CLI flag override for data directory (highest priority)
func Load(dataDirOverride ...string) (*Config, error) {
	_ = godotenv.Load()

	var dataDir string
	if len(dataDirOverride) > 0 && dataDirOverride[0] != "" {
		dataDir = dataDirOverride[0]
	} else {
		dataDir = getEnv("SODME_DATA_DIR", "")
		if dataDir == "" {
			dataDir = "./data"
		}
	}

	absDataDir, err := filepath.Abs(dataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve data directory path: %w", err)
	}
	if err := os.MkdirAll(absDataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	cfg := &Config{
		DataDir:  absDataDir,
		Port:     getEnvAsInt("SODME_PORT", 8010),
		DevMode:  getEnvAsBool("SODME_DEV_MODE", false),
		LogLevel: getEnv("SODME_LOG_LEVEL", "info"),

		BrokerAPIKey:      getEnv("KITE_API_KEY", ""),
		BrokerAPISecret:   getEnv("KITE_API_SECRET", ""),
		BrokerAccessToken: getEnv("KITE_ACCESS_TOKEN", ""),
		BrokerBaseURL:     getEnv("KITE_BASE_URL", "https://api.kite.trade"),
		BrokerTickerURL:   getEnv("KITE_TICKER_URL", "wss://ws.kite.trade"),

		OrdersPerSecond:   getEnvAsFloat("SODME_ORDERS_PER_SEC", 10.0),
		MarginCallsPerSec: getEnvAsFloat("SODME_MARGIN_CALLS_PER_SEC", 0.2),

		CircuitBreakerFailureThreshold: getEnvAsInt("SODME_BREAKER_FAILURE_THRESHOLD", 5),
		CircuitBreakerWindow:           time.Duration(getEnvAsInt("SODME_BREAKER_WINDOW_SECONDS", 30)) * time.Second,
		CircuitBreakerHalfOpenAfter:    time.Duration(getEnvAsInt("SODME_BREAKER_HALF_OPEN_SECONDS", 15)) * time.Second,

		ReadTimeout:    time.Duration(getEnvAsInt("SODME_READ_TIMEOUT_SECONDS", 2)) * time.Second,
		WriteTimeout:   time.Duration(getEnvAsInt("SODME_WRITE_TIMEOUT_SECONDS", 5)) * time.Second,
		MarginTimeout:  time.Duration(getEnvAsInt("SODME_MARGIN_TIMEOUT_SECONDS", 10)) * time.Second,
		ShutdownWindow: time.Duration(getEnvAsInt("SODME_SHUTDOWN_WINDOW_SECONDS", 10)) * time.Second,

		Exchange: getEnv("SODME_EXCHANGE", "NSE"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// UpdateFromSettings refines credentials from the strategy store, which
// takes precedence over environment variables (mirrors the teacher's
// settings-DB-overrides-env-at-boot convention).
func (c *Config) UpdateFromSettings(reader SettingsReader) error {
	if apiKey, err := reader.Get("broker_api_key"); err != nil {
		return fmt.Errorf("failed to get broker_api_key from settings: %w", err)
	} else if apiKey != nil && *apiKey != "" {
		c.BrokerAPIKey = *apiKey
	}

	if apiSecret, err := reader.Get("broker_api_secret"); err != nil {
		return fmt.Errorf("failed to get broker_api_secret from settings: %w", err)
	} else if apiSecret != nil && *apiSecret != "" {
		c.BrokerAPISecret = *apiSecret
	}

	return nil
}

// Validate checks required configuration. Broker credentials are optional
// at boot — the Broker Gateway degrades to the internal margin path and
// rejects order placement until credentials are set (§4.7 session handling).
func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Port)
	}
	return nil
}

// ==========================================
// Helper Functions
// ==========================================

// getEnv retrieves an environment variable with a default value.
//
// key - Environment variable name
// defaultValue - Default value if environment variable is not set
// Returns string - Environment variable value or default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt retrieves an environment variable as an integer with a default value.
//
// key - Environment variable name
// defaultValue - Default value if environment variable is not set or invalid
// Returns int - Environment variable value as integer or default
func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvAsBool retrieves an environment variable as a boolean with a default value.
//
// key - Environment variable name
// defaultValue - Default value if environment variable is not set or invalid
// Returns bool - Environment variable value as boolean or default
func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

// getEnvAsFloat retrieves an environment variable as a float64 with a default value.
func getEnvAsFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
	}
	return defaultValue
}
