// Package config holds the meshtopo-cli configuration file.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// DefaultConfigPath returns the default CLI config file path.
func DefaultConfigPath() string {
	homeDir, _ := os.UserHomeDir()
	return filepath.Join(homeDir, ".meshtopo", "cli.yaml")
}

// Load loads CLI configuration from file. A missing file yields the
// defaults.
func Load(path string) (*CLIConfig, error) {
	if path == "" {
		path = DefaultConfigPath()
	}

	cfg := Default()
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if cfg.Profiles == nil {
		cfg.Profiles = make(map[string]Profile)
	}
	if cfg.CurrentProfile != "" {
		if _, ok := cfg.Profiles[cfg.CurrentProfile]; !ok {
			return nil, fmt.Errorf("%s: current_profile %q is not defined", path, cfg.CurrentProfile)
		}
	}
	return cfg, nil
}

// Save writes CLI configuration to file, readable by the owner only.
func Save(cfg *CLIConfig, path string) error {
	if path == "" {
		path = DefaultConfigPath()
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}

	// Write then rename so a failed write never truncates the old file.
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// Resolve returns the server and token to use. Explicit values win over
// the named profile, which wins over the current profile and defaults.
func (c *CLIConfig) Resolve(profile, server, token string) (string, string, error) {
	if profile == "" {
		profile = c.CurrentProfile
	}
	var p Profile
	if profile != "" {
		var ok bool
		if p, ok = c.Profiles[profile]; !ok {
			return "", "", fmt.Errorf("unknown profile %q", profile)
		}
	}
	if server == "" {
		server = p.Server
	}
	if server == "" {
		server = c.DefaultServer
	}
	if token == "" {
		token = p.Token
	}
	return server, token, nil
}
