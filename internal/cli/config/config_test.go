package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	if cfg.DefaultServer != "http://127.0.0.1:5080" {
		t.Errorf("DefaultServer = %q", cfg.DefaultServer)
	}
	if cfg.DefaultOutput != "table" {
		t.Errorf("DefaultOutput = %q, want table", cfg.DefaultOutput)
	}
	if cfg.Profiles == nil {
		t.Error("Profiles should not be nil")
	}
}

func TestDefaultConfigPath(t *testing.T) {
	path := DefaultConfigPath()
	if !strings.HasSuffix(path, filepath.Join(".meshtopo", "cli.yaml")) {
		t.Errorf("DefaultConfigPath() = %q", path)
	}
}

func TestLoad_NonExistentFile(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.DefaultServer != Default().DefaultServer {
		t.Error("Load should return defaults for a missing file")
	}
}

func TestSaveLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "cli.yaml")

	cfg := Default()
	cfg.DefaultOutput = "yaml"
	cfg.Profiles["prod"] = Profile{Server: "https://node-a:5080", Token: "s3cret"}
	cfg.CurrentProfile = "prod"
	if err := Save(cfg, path); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat() error = %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		t.Errorf("file mode = %o, want 600", perm)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if loaded.DefaultOutput != "yaml" || loaded.CurrentProfile != "prod" {
		t.Errorf("loaded = %+v", loaded)
	}
	if loaded.Profiles["prod"].Token != "s3cret" {
		t.Errorf("profile = %+v", loaded.Profiles["prod"])
	}
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"bad yaml", "profiles: [unclosed"},
		{"undefined current profile", "current_profile: staging\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "cli.yaml")
			if err := os.WriteFile(path, []byte(tt.content), 0600); err != nil {
				t.Fatal(err)
			}
			if _, err := Load(path); err == nil {
				t.Error("Load() should fail")
			}
		})
	}
}

func TestResolve(t *testing.T) {
	cfg := Default()
	cfg.Profiles["prod"] = Profile{Server: "http://prod:5080", Token: "prod-token"}
	cfg.Profiles["dev"] = Profile{Server: "http://dev:5080"}

	tests := []struct {
		name                   string
		current                string
		profile, server, token string
		wantServer, wantToken  string
		wantErr                bool
	}{
		{name: "defaults", wantServer: "http://127.0.0.1:5080"},
		{name: "named profile", profile: "prod", wantServer: "http://prod:5080", wantToken: "prod-token"},
		{name: "current profile", current: "dev", wantServer: "http://dev:5080"},
		{name: "flags win", profile: "prod", server: "http://x:1", token: "t", wantServer: "http://x:1", wantToken: "t"},
		{name: "unknown profile", profile: "qa", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg.CurrentProfile = tt.current
			server, token, err := cfg.Resolve(tt.profile, tt.server, tt.token)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Resolve() error = %v, wantErr %v", err, tt.wantErr)
			}
			if server != tt.wantServer || token != tt.wantToken {
				t.Errorf("Resolve() = %q, %q; want %q, %q", server, token, tt.wantServer, tt.wantToken)
			}
		})
	}
}
