// Package config defines the server configuration structure.
package config

import (
	"errors"
	"fmt"
	"net"

	"github.com/yndnr/meshtopo/internal/consistenthash"
	"github.com/yndnr/meshtopo/internal/partition"
)

// Verify validates the configuration. All problems are reported together.
func Verify(cfg *ServerConfig) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	return errors.Join(
		verifyNode(&cfg.Node),
		verifyMembership(&cfg.Membership),
		verifyTopology(&cfg.Topology),
		verifyStores(cfg.Stores),
		verifyAdmin(&cfg.Admin),
		verifyLog(&cfg.Log),
	)
}

func verifyNode(cfg *NodeSection) error {
	if err := verifyHostPort("node.rpc_addr", cfg.RPCAddr); err != nil {
		return err
	}
	if cfg.AdvertiseAddr != "" {
		return verifyHostPort("node.advertise_addr", cfg.AdvertiseAddr)
	}
	return nil
}

func verifyMembership(cfg *MembershipSection) error {
	if cfg.GossipPort < 0 || cfg.GossipPort > 65535 {
		return fmt.Errorf("membership.gossip_port %d out of range", cfg.GossipPort)
	}
	switch cfg.Backend {
	case "gossip", "":
		return nil
	case "raft":
		if cfg.DataDir == "" {
			return errors.New("membership.data_dir is required for the raft backend")
		}
		return verifyHostPort("membership.raft_addr", cfg.RaftAddr)
	default:
		return fmt.Errorf("membership.backend %q is not one of gossip, raft", cfg.Backend)
	}
}

func verifyTopology(cfg *TopologySection) error {
	if cfg.RPCTimeout < 0 || cfg.ViewWaitQuantum < 0 || cfg.JoinRetryInterval < 0 || cfg.RebalanceWindow < 0 {
		return errors.New("topology durations must not be negative")
	}
	if cfg.Workers < 0 || cfg.QueueSize < 0 || cfg.MaxFanout < 0 {
		return errors.New("topology.workers, queue_size and max_fanout must not be negative")
	}
	switch cfg.PartitionStrategy {
	case partition.StrategyQuorum, partition.StrategyAllowAll, "":
		return nil
	default:
		return fmt.Errorf("topology.partition_strategy %q is not one of %s, %s",
			cfg.PartitionStrategy, partition.StrategyQuorum, partition.StrategyAllowAll)
	}
}

func verifyStores(stores []StoreSection) error {
	factories := consistenthash.Factories()
	seen := make(map[string]bool, len(stores))
	for i, s := range stores {
		if s.Name == "" {
			return fmt.Errorf("stores[%d].name is required", i)
		}
		if seen[s.Name] {
			return fmt.Errorf("stores[%d]: duplicate store %q", i, s.Name)
		}
		seen[s.Name] = true
		if s.HashFactory != "" {
			if _, ok := factories[s.HashFactory]; !ok {
				return fmt.Errorf("stores[%d]: unknown hash_factory %q", i, s.HashFactory)
			}
		}
		if err := toJoinInfo(s).Validate(); err != nil {
			return fmt.Errorf("stores[%d] %q: %w", i, s.Name, err)
		}
	}
	return nil
}

func verifyAdmin(cfg *AdminSection) error {
	if cfg.Addr == "" {
		return nil
	}
	if cfg.RateLimit < 0 {
		return errors.New("admin.rate_limit must not be negative")
	}
	if cfg.TLS.Enabled() && (cfg.TLS.CertFile == "" || cfg.TLS.KeyFile == "") {
		return errors.New("admin.tls requires both cert_file and key_file")
	}
	if cfg.TLS.ClientCAFile != "" && !cfg.TLS.Enabled() {
		return errors.New("admin.tls.client_ca_file requires cert_file and key_file")
	}
	return verifyHostPort("admin.addr", cfg.Addr)
}

func verifyLog(cfg *LogSection) error {
	switch cfg.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level %q is not one of debug, info, warn, error", cfg.Level)
	}
	switch cfg.Format {
	case "", "json", "text":
	default:
		return fmt.Errorf("log.format %q is not one of json, text", cfg.Format)
	}
	return nil
}

func verifyHostPort(field, addr string) error {
	if addr == "" {
		return fmt.Errorf("%s is required", field)
	}
	if _, _, err := net.SplitHostPort(addr); err != nil {
		return fmt.Errorf("%s: %w", field, err)
	}
	return nil
}
