// Package config loads daemon configuration from environment variables.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds server configuration.
type Config struct {
	Port     string
	LogLevel string

	// Ledger access.
	LedgerURL string
	ParamTTL  time.Duration

	// Toll terms and bridge routing.
	TollAssetID          uint64
	TollAmount           uint64
	TreasuryAddress      string
	BridgeReserveAddress string

	// Signing. SignerSeed is the hex seed of the settlement key; empty
	// means an ephemeral key is generated at startup.
	SignerSeed string
	JWTSecret  string

	// Shared state. Empty RedisAddr disables the shared counter store,
	// keyring and audit trail.
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// Rate limiting.
	AuthRateLimit int
	AnonRateLimit int
	RateWindow    time.Duration
}

// Load loads configuration from environment variables.
func Load() *Config {
	return &Config{
		Port:     getenv("PORT", "8080"),
		LogLevel: getenv("LOG_LEVEL", "INFO"),

		LedgerURL: getenv("LEDGER_URL", "http://localhost:4001"),
		ParamTTL:  getdur("PARAM_TTL", 5*time.Second),

		TollAssetID:          getuint("TOLL_ASSET_ID", 0),
		TollAmount:           getuint("TOLL_AMOUNT", 1000),
		TreasuryAddress:      os.Getenv("TREASURY_ADDRESS"),
		BridgeReserveAddress: os.Getenv("BRIDGE_RESERVE_ADDRESS"),

		SignerSeed: os.Getenv("SIGNER_SEED"),
		JWTSecret:  os.Getenv("JWT_SECRET"),

		RedisAddr:     os.Getenv("REDIS_ADDR"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		RedisDB:       getint("REDIS_DB", 0),

		AuthRateLimit: getint("AUTH_RATE_LIMIT", 60),
		AnonRateLimit: getint("ANON_RATE_LIMIT", 10),
		RateWindow:    getdur("RATE_WINDOW", time.Minute),
	}
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getint(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getuint(key string, fallback uint64) uint64 {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			return n
		}
	}
	return fallback
}

func getdur(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
