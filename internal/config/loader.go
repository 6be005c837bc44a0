package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Load reads and parses configuration from a file. Missing fields keep
// their defaults from Defaults().
func Load(configPath string) (*Config, error) {
	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve config path %q: %w", configPath, err)
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("config file not found: %s\n"+
			"Hint: Check the path or run with --config flag", absPath)
	}

	cfg := Defaults()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// validate checks that the loaded configuration is internally consistent.
func validate(cfg *Config) error {
	if cfg.Service.Listen == "" {
		return fmt.Errorf("service.listen must not be empty")
	}
	if cfg.Transport.KeepAliveTimeout < 0 {
		return fmt.Errorf("transport.keep_alive_timeout must not be negative, got %d", cfg.Transport.KeepAliveTimeout)
	}
	if cfg.Transport.DisconnectTimeout < 0 {
		return fmt.Errorf("transport.disconnect_timeout must not be negative, got %d", cfg.Transport.DisconnectTimeout)
	}
	if cfg.Transport.MaxFrameSize <= 0 {
		return fmt.Errorf("transport.max_frame_size must be positive, got %d", cfg.Transport.MaxFrameSize)
	}
	if cfg.Admin.Enabled && cfg.Admin.Listen == "" {
		return fmt.Errorf("admin.listen must not be empty when admin.enabled is true")
	}
	return nil
}
