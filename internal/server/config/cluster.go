// Package config defines the server configuration structure.
package config

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"

	"github.com/yndnr/meshtopo/internal/consistenthash"
	"github.com/yndnr/meshtopo/internal/server/clusterserver"
	"github.com/yndnr/meshtopo/internal/topology"
)

// ToClusterConfig converts ServerConfig to clusterserver.Config.
//
// This handles store defaults, NodeID generation, and field mapping.
func ToClusterConfig(cfg *ServerConfig, logger *slog.Logger) (clusterserver.Config, error) {
	if cfg == nil {
		return clusterserver.Config{}, fmt.Errorf("server config is nil")
	}
	if logger == nil {
		logger = slog.Default()
	}

	nodeID := cfg.Node.ID
	if nodeID == "" {
		generated, err := generateNodeID()
		if err != nil {
			return clusterserver.Config{}, fmt.Errorf("generate node ID: %w", err)
		}
		nodeID = generated
		logger.Info("generated cluster node ID", "node_id", nodeID)
	}

	stores := make([]clusterserver.StoreConfig, 0, len(cfg.Stores))
	for _, s := range cfg.Stores {
		stores = append(stores, clusterserver.StoreConfig{Name: s.Name, JoinInfo: toJoinInfo(s)})
	}

	m := cfg.Membership
	t := cfg.Topology
	return clusterserver.Config{
		NodeID:        nodeID,
		RPCAddr:       cfg.Node.RPCAddr,
		AdvertiseAddr: cfg.Node.AdvertiseAddr,
		Membership: clusterserver.MembershipConfig{
			Backend:        m.Backend,
			GossipBindAddr: m.GossipAddr,
			GossipBindPort: m.GossipPort,
			Seeds:          m.Seeds,
			RaftBindAddr:   m.RaftAddr,
			RaftDataDir:    m.DataDir,
			Bootstrap:      m.Bootstrap,
			LeaveTimeout:   m.LeaveTimeout,
		},
		Topology: clusterserver.TopologyConfig{
			RPCTimeout:        t.RPCTimeout,
			ViewWaitQuantum:   t.ViewWaitQuantum,
			JoinRetryInterval: t.JoinRetryInterval,
			RebalanceWindow:   t.RebalanceWindow,
			Workers:           t.Workers,
			QueueSize:         t.QueueSize,
			PartitionStrategy: t.PartitionStrategy,
			MaxFanout:         t.MaxFanout,
		},
		Stores: stores,
		Logger: logger,
	}, nil
}

// toJoinInfo fills unset store parameters with defaults.
func toJoinInfo(s StoreSection) topology.JoinInfo {
	info := topology.JoinInfo{
		HashFactory:    s.HashFactory,
		HashFunction:   s.HashFunction,
		NumOwners:      s.NumOwners,
		NumSegments:    s.NumSegments,
		CapacityFactor: s.CapacityFactor,
		Timeout:        s.Timeout,
	}
	if info.HashFactory == "" {
		info.HashFactory = topology.DefaultHashFactory
	}
	if info.HashFunction == "" {
		info.HashFunction = consistenthash.HashMurmur3
	}
	if info.NumOwners == 0 {
		info.NumOwners = DefaultNumOwners
	}
	if info.NumSegments == 0 {
		info.NumSegments = DefaultNumSegments
	}
	if info.CapacityFactor == 0 {
		info.CapacityFactor = 1
	}
	return info
}

// generateNodeID generates a unique node identifier.
//
// Format: mtnode-<16 hex chars> (e.g., "mtnode-a1b2c3d4e5f67890")
func generateNodeID() (string, error) {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("read random bytes: %w", err)
	}
	return "mtnode-" + hex.EncodeToString(buf), nil
}
