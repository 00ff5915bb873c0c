// Package config defines the server configuration structure.
package config

import (
	"slices"
	"strings"
)

// Sanitize returns a copy of the config with sensitive fields masked.
//
// This is used for logging configuration without exposing secrets.
func Sanitize(cfg *ServerConfig) *ServerConfig {
	sanitized := *cfg
	sanitized.Stores = slices.Clone(cfg.Stores)
	sanitized.Membership.Seeds = slices.Clone(cfg.Membership.Seeds)
	sanitized.Admin.AllowList = slices.Clone(cfg.Admin.AllowList)

	if sanitized.Admin.Token != "" {
		sanitized.Admin.Token = maskSecret(sanitized.Admin.Token)
	}

	return &sanitized
}

// maskSecret masks a secret value for safe logging.
func maskSecret(s string) string {
	if len(s) <= 4 {
		return "****"
	}
	return s[:2] + strings.Repeat("*", len(s)-4) + s[len(s)-2:]
}
