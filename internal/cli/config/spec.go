// Package config holds the meshtopo-cli configuration file.
package config

// CLIConfig is the configuration for meshtopo-cli.
type CLIConfig struct {
	// DefaultServer is used when no profile is selected.
	DefaultServer string `yaml:"default_server"`
	DefaultOutput string `yaml:"default_output"` // table, json, yaml

	// Profiles are named admin endpoints.
	Profiles map[string]Profile `yaml:"profiles,omitempty"`

	// CurrentProfile is used when --profile is not given.
	CurrentProfile string `yaml:"current_profile,omitempty"`
}

// Profile stores the admin endpoint of one cluster node.
type Profile struct {
	Server string `yaml:"server"`
	// Token is the admin bearer token. The file is written 0600.
	Token string `yaml:"token,omitempty"`
}

// Default returns the default CLI configuration.
func Default() *CLIConfig {
	return &CLIConfig{
		DefaultServer: "http://127.0.0.1:5080",
		DefaultOutput: "table",
		Profiles:      make(map[string]Profile),
	}
}
