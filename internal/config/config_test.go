package config

import (
	"os"
	"testing"
	"time"
)

func TestLoadRequiresDatabaseURL(t *testing.T) {
	os.Unsetenv("CFDD_DATABASE_URL")
	if _, err := Load(); err == nil {
		t.Error("expected error when CFDD_DATABASE_URL is unset")
	}
}

func TestLoadAppliesDefaults(t *testing.T) {
	t.Setenv("CFDD_DATABASE_URL", "postgres://localhost/cfdd")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Network != "testnet" {
		t.Errorf("Network = %q, want testnet", cfg.Network)
	}
	if cfg.RolloverScanInterval != 5*time.Minute {
		t.Errorf("RolloverScanInterval = %v, want 5m", cfg.RolloverScanInterval)
	}
}

func TestLoadOverridesFromEnv(t *testing.T) {
	t.Setenv("CFDD_DATABASE_URL", "postgres://localhost/cfdd")
	t.Setenv("CFDD_NETWORK", "mainnet")
	t.Setenv("CFDD_ROLLOVER_SCAN_INTERVAL", "1m")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Network != "mainnet" {
		t.Errorf("Network = %q, want mainnet", cfg.Network)
	}
	if cfg.RolloverScanInterval != time.Minute {
		t.Errorf("RolloverScanInterval = %v, want 1m", cfg.RolloverScanInterval)
	}
}

func TestDefaultNetworkProfileVariesByNetwork(t *testing.T) {
	main := DefaultNetworkProfile("mainnet")
	test := DefaultNetworkProfile("testnet")
	if main.MinConfirmations == test.MinConfirmations {
		t.Error("expected mainnet and testnet to differ in MinConfirmations")
	}
}
