package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// NetworkProfile carries settings that vary by Bitcoin network, loaded
// from an optional YAML file (grounded on pkg/config/anchor_config.go's
// yaml-tagged settings structs). A daemon run without
// NetworkProfilePath set falls back to DefaultNetworkProfile(cfg.Network).
type NetworkProfile struct {
	Network            string        `yaml:"network"`
	OracleBaseURL       string        `yaml:"oracle_base_url"`
	DefaultFeeRateSatVb uint64        `yaml:"default_fee_rate_sat_vb"`
	MinConfirmations    int           `yaml:"min_confirmations"`
	SettlementInterval  time.Duration `yaml:"settlement_interval"`
}

// LoadNetworkProfile reads and parses a YAML network-profile file.
func LoadNetworkProfile(path string) (NetworkProfile, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return NetworkProfile{}, fmt.Errorf("config: read network profile %s: %w", path, err)
	}
	var p NetworkProfile
	if err := yaml.Unmarshal(b, &p); err != nil {
		return NetworkProfile{}, fmt.Errorf("config: parse network profile %s: %w", path, err)
	}
	return p, nil
}

// DefaultNetworkProfile returns built-in defaults for a named network, used
// when no NetworkProfilePath is configured.
func DefaultNetworkProfile(network string) NetworkProfile {
	switch network {
	case "mainnet":
		return NetworkProfile{Network: "mainnet", DefaultFeeRateSatVb: 1, MinConfirmations: 3, SettlementInterval: 24 * time.Hour}
	case "signet":
		return NetworkProfile{Network: "signet", DefaultFeeRateSatVb: 1, MinConfirmations: 1, SettlementInterval: time.Hour}
	default:
		return NetworkProfile{Network: "testnet", DefaultFeeRateSatVb: 1, MinConfirmations: 1, SettlementInterval: time.Hour}
	}
}
