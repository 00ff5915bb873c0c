package config

import (
	"strings"
	"testing"
	"time"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Node.RPCAddr != DefaultRPCAddr {
		t.Errorf("Node.RPCAddr = %q, want %q", cfg.Node.RPCAddr, DefaultRPCAddr)
	}
	if cfg.Membership.Backend != DefaultBackend {
		t.Errorf("Membership.Backend = %q, want %q", cfg.Membership.Backend, DefaultBackend)
	}
	if cfg.Membership.GossipPort != DefaultGossipPort {
		t.Errorf("GossipPort = %d, want %d", cfg.Membership.GossipPort, DefaultGossipPort)
	}
	if cfg.Topology.RPCTimeout != DefaultRPCTimeout {
		t.Errorf("RPCTimeout = %v, want %v", cfg.Topology.RPCTimeout, DefaultRPCTimeout)
	}
	if cfg.Topology.PartitionStrategy != DefaultPartitionStrategy {
		t.Errorf("PartitionStrategy = %q, want %q", cfg.Topology.PartitionStrategy, DefaultPartitionStrategy)
	}
	if cfg.Admin.Addr != DefaultAdminAddr {
		t.Errorf("Admin.Addr = %q, want %q", cfg.Admin.Addr, DefaultAdminAddr)
	}
	if !cfg.Admin.Metrics {
		t.Error("metrics should be enabled by default")
	}
	if cfg.Log.Level != DefaultLogLevel {
		t.Errorf("Log.Level = %q, want %q", cfg.Log.Level, DefaultLogLevel)
	}
	if cfg.Log.Format != DefaultLogFormat {
		t.Errorf("Log.Format = %q, want %q", cfg.Log.Format, DefaultLogFormat)
	}

	if err := Verify(cfg); err != nil {
		t.Errorf("Verify(Default()) error = %v", err)
	}
}

func TestVerify(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*ServerConfig)
		wantErr string
	}{
		{"defaults", func(*ServerConfig) {}, ""},
		{"missing rpc addr", func(c *ServerConfig) { c.Node.RPCAddr = "" }, "node.rpc_addr is required"},
		{"bad rpc addr", func(c *ServerConfig) { c.Node.RPCAddr = "nohostport" }, "node.rpc_addr"},
		{"bad advertise addr", func(c *ServerConfig) { c.Node.AdvertiseAddr = "x" }, "node.advertise_addr"},
		{"unknown backend", func(c *ServerConfig) { c.Membership.Backend = "zk" }, "membership.backend"},
		{"raft without data dir", func(c *ServerConfig) {
			c.Membership.Backend = "raft"
			c.Membership.DataDir = ""
		}, "membership.data_dir"},
		{"raft ok", func(c *ServerConfig) { c.Membership.Backend = "raft" }, ""},
		{"gossip port range", func(c *ServerConfig) { c.Membership.GossipPort = 70000 }, "gossip_port"},
		{"negative timeout", func(c *ServerConfig) { c.Topology.RPCTimeout = -time.Second }, "durations"},
		{"negative workers", func(c *ServerConfig) { c.Topology.Workers = -1 }, "must not be negative"},
		{"unknown strategy", func(c *ServerConfig) { c.Topology.PartitionStrategy = "none" }, "partition_strategy"},
		{"store ok", func(c *ServerConfig) { c.Stores = []StoreSection{{Name: "users"}} }, ""},
		{"store without name", func(c *ServerConfig) { c.Stores = []StoreSection{{}} }, "stores[0].name"},
		{"duplicate store", func(c *ServerConfig) {
			c.Stores = []StoreSection{{Name: "users"}, {Name: "users"}}
		}, "duplicate store"},
		{"unknown hash factory", func(c *ServerConfig) {
			c.Stores = []StoreSection{{Name: "users", HashFactory: "modulo"}}
		}, "hash_factory"},
		{"negative owners", func(c *ServerConfig) {
			c.Stores = []StoreSection{{Name: "users", NumOwners: -1}}
		}, "num owners"},
		{"negative capacity", func(c *ServerConfig) {
			c.Stores = []StoreSection{{Name: "users", CapacityFactor: -1}}
		}, "capacity factor"},
		{"admin disabled", func(c *ServerConfig) { c.Admin.Addr = "" }, ""},
		{"bad admin addr", func(c *ServerConfig) { c.Admin.Addr = "5080" }, "admin.addr"},
		{"tls cert without key", func(c *ServerConfig) { c.Admin.TLS.CertFile = "/etc/meshtopo/admin.crt" }, "both cert_file and key_file"},
		{"tls complete", func(c *ServerConfig) {
			c.Admin.TLS = AdminTLSSection{CertFile: "/etc/meshtopo/admin.crt", KeyFile: "/etc/meshtopo/admin.key"}
		}, ""},
		{"client ca without tls", func(c *ServerConfig) { c.Admin.TLS.ClientCAFile = "/etc/meshtopo/ca.crt" }, "client_ca_file"},
		{"bad log level", func(c *ServerConfig) { c.Log.Level = "trace" }, "log.level"},
		{"bad log format", func(c *ServerConfig) { c.Log.Format = "xml" }, "log.format"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.modify(cfg)
			err := Verify(cfg)
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Verify() error = %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Verify() error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestVerify_Nil(t *testing.T) {
	if err := Verify(nil); err == nil {
		t.Error("Verify(nil) should fail")
	}
}

func TestSanitize(t *testing.T) {
	cfg := Default()
	cfg.Admin.Token = "super-secret-token-1234567890"
	cfg.Admin.AllowList = []string{"10.0.0.0/8"}

	sanitized := Sanitize(cfg)

	if cfg.Admin.Token != "super-secret-token-1234567890" {
		t.Error("original config should not be modified")
	}
	if sanitized.Admin.Token == cfg.Admin.Token {
		t.Error("token should be masked")
	}
	if !strings.HasPrefix(sanitized.Admin.Token, "su") || !strings.HasSuffix(sanitized.Admin.Token, "90") {
		t.Errorf("masked token = %q", sanitized.Admin.Token)
	}

	sanitized.Admin.AllowList[0] = "0.0.0.0/0"
	if cfg.Admin.AllowList[0] != "10.0.0.0/8" {
		t.Error("allow list should be copied")
	}
}

func TestMaskSecret(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"", "****"},
		{"abc", "****"},
		{"abcd", "****"},
		{"abcde", "ab*de"},
		{"secret-key", "se******ey"},
	}
	for _, tt := range tests {
		if got := maskSecret(tt.input); got != tt.want {
			t.Errorf("maskSecret(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}
}
