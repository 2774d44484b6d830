// Package config loads daemon configuration from the environment, with an
// optional YAML network-profile file for settings that vary by
// mainnet/testnet/signet (§6 CLI surface). Grounded on pkg/config/config.go's
// getEnv+strconv struct-building idiom.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds every setting the daemon needs at startup.
type Config struct {
	// Network identifies which Bitcoin network profile to use
	// (mainnet/testnet/signet); selects the NetworkProfile loaded from
	// the optional YAML file.
	Network string

	ListenAddr  string
	MetricsAddr string

	DatabaseURL         string
	DatabaseMaxOpenConns int
	DatabaseMaxIdleConns int
	DatabaseConnMaxIdle  time.Duration
	DatabaseConnMaxLife  time.Duration

	WalletRPCURL string
	OracleURL    string

	RolloverScanInterval time.Duration
	LogLevel             string

	// NetworkProfilePath, if set, points to a YAML file (see
	// NetworkProfile) overriding per-network defaults like fee bumps and
	// the settlement-event oracle base URL.
	NetworkProfilePath string
}

// Load builds a Config from the process environment.
func Load() (*Config, error) {
	cfg := &Config{
		Network:     getEnv("CFDD_NETWORK", "testnet"),
		ListenAddr:  getEnv("CFDD_LISTEN_ADDR", "0.0.0.0:9999"),
		MetricsAddr: getEnv("CFDD_METRICS_ADDR", "0.0.0.0:9090"),

		DatabaseURL:          getEnv("CFDD_DATABASE_URL", ""),
		DatabaseMaxOpenConns: getEnvInt("CFDD_DB_MAX_OPEN_CONNS", 25),
		DatabaseMaxIdleConns: getEnvInt("CFDD_DB_MAX_IDLE_CONNS", 5),
		DatabaseConnMaxIdle:  getEnvDuration("CFDD_DB_CONN_MAX_IDLE", 5*time.Minute),
		DatabaseConnMaxLife:  getEnvDuration("CFDD_DB_CONN_MAX_LIFE", time.Hour),

		WalletRPCURL: getEnv("CFDD_WALLET_RPC_URL", ""),
		OracleURL:    getEnv("CFDD_ORACLE_URL", ""),

		RolloverScanInterval: getEnvDuration("CFDD_ROLLOVER_SCAN_INTERVAL", 5*time.Minute),
		LogLevel:             getEnv("CFDD_LOG_LEVEL", "info"),

		NetworkProfilePath: getEnv("CFDD_NETWORK_PROFILE", ""),
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("config: CFDD_DATABASE_URL is required")
	}
	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}
