// Package config loads and persists the wallet client configuration file.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

const (
	configSubdir   = "config"
	configFileName = "wallet_client.json"

	dirPerms  = 0o750
	filePerms = 0o600
)

// Config holds every tunable of the wallet client. Zero values are replaced
// with defaults during validation so a partial file is always usable.
type Config struct {
	// Log config
	LogLevel  int    `json:"log_level"`  // zerolog levels: -1 trace .. 5 panic
	LogFormat string `json:"log_format"` // "json" or "console"

	// Node config
	NodeHome     string `json:"node_home"`     // base directory (default: ~/.walletclient)
	DatabaseFile string `json:"database_file"` // SQLite file for sealed shares (default: shares.db)

	// Coordinator transport
	CoordinatorWSURL   string `json:"coordinator_ws_url"`   // websocket endpoint of the custodian coordinator
	DialTimeoutSeconds int    `json:"dial_timeout_seconds"` // websocket dial bound (default: 15)

	// Protocol timing
	AuthTimeoutSeconds       int `json:"auth_timeout_seconds"`       // auth round-trip bound (default: 10)
	ProtocolTimeoutSeconds   int `json:"protocol_timeout_seconds"`   // DKG/signing overall bound (default: 120)
	HeartbeatIntervalSeconds int `json:"heartbeat_interval_seconds"` // ping cadence once connected (default: 30)

	// Share sealing
	KDFIterations     int `json:"kdf_iterations"`      // PBKDF2 iteration count (default: 310000, minimum enforced)
	PasswordMinLength int `json:"password_min_length"` // password policy minimum (default: 8)
}

func validateConfig(cfg *Config) error {
	if cfg.LogLevel < -1 || cfg.LogLevel > 5 {
		return fmt.Errorf("log level must be between -1 and 5")
	}
	if cfg.LogFormat == "" {
		cfg.LogFormat = "console"
	}
	if cfg.LogFormat != "json" && cfg.LogFormat != "console" {
		return fmt.Errorf("log format must be 'json' or 'console'")
	}

	if cfg.NodeHome == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("failed to resolve home directory: %w", err)
		}
		cfg.NodeHome = filepath.Join(home, ".walletclient")
	}
	if cfg.DatabaseFile == "" {
		cfg.DatabaseFile = "shares.db"
	}

	if cfg.DialTimeoutSeconds == 0 {
		cfg.DialTimeoutSeconds = 15
	}
	if cfg.AuthTimeoutSeconds == 0 {
		cfg.AuthTimeoutSeconds = 10
	}
	if cfg.ProtocolTimeoutSeconds == 0 {
		cfg.ProtocolTimeoutSeconds = 120
	}
	if cfg.HeartbeatIntervalSeconds == 0 {
		cfg.HeartbeatIntervalSeconds = 30
	}

	if cfg.KDFIterations == 0 {
		cfg.KDFIterations = 310_000
	}
	// The KDF cost is the only thing standing between a stolen share file and an
	// offline brute force; never allow a weaker setting through config.
	if cfg.KDFIterations < 300_000 {
		return fmt.Errorf("kdf_iterations must be at least 300000, got %d", cfg.KDFIterations)
	}
	if cfg.PasswordMinLength == 0 {
		cfg.PasswordMinLength = 8
	}

	return nil
}

// Default returns a validated config populated with defaults.
func Default() (*Config, error) {
	cfg := &Config{}
	if err := validateConfig(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Load reads <basePath>/config/wallet_client.json, applying defaults for any
// missing fields. A missing file is not an error: defaults are returned.
func Load(basePath string) (*Config, error) {
	path := filepath.Join(basePath, configSubdir, configFileName)

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg, derr := Default()
			if derr != nil {
				return nil, derr
			}
			if basePath != "" {
				cfg.NodeHome = basePath
			}
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := &Config{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	if cfg.NodeHome == "" {
		cfg.NodeHome = basePath
	}
	if err := validateConfig(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// Save writes the config to <basePath>/config/wallet_client.json.
func Save(cfg *Config, basePath string) error {
	if err := validateConfig(cfg); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	configDir := filepath.Join(basePath, configSubdir)
	if err := os.MkdirAll(configDir, dirPerms); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	path := filepath.Join(configDir, configFileName)
	if err := os.WriteFile(path, data, filePerms); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}
