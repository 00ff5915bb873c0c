package config

import (
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/yndnr/meshtopo/internal/consistenthash"
	"github.com/yndnr/meshtopo/internal/topology"
)

func TestToClusterConfig_ValidConfig(t *testing.T) {
	cfg := Default()
	cfg.Node.ID = "test-node-01"
	cfg.Node.AdvertiseAddr = "10.0.0.1:5343"
	cfg.Membership.Backend = "raft"
	cfg.Membership.Seeds = []string{"127.0.0.1:5344", "127.0.0.1:5346"}
	cfg.Membership.Bootstrap = true
	cfg.Topology.Workers = 8
	cfg.Topology.PartitionStrategy = "allow_all"
	cfg.Stores = []StoreSection{{Name: "users", NumOwners: 3, NumSegments: 64, Timeout: time.Second}}

	result, err := ToClusterConfig(cfg, slog.Default())
	if err != nil {
		t.Fatalf("ToClusterConfig failed: %v", err)
	}

	if result.NodeID != "test-node-01" {
		t.Errorf("NodeID = %q, want %q", result.NodeID, "test-node-01")
	}
	if result.RPCAddr != DefaultRPCAddr || result.AdvertiseAddr != "10.0.0.1:5343" {
		t.Errorf("RPC addresses = %q, %q", result.RPCAddr, result.AdvertiseAddr)
	}
	m := result.Membership
	if m.Backend != "raft" || !m.Bootstrap || len(m.Seeds) != 2 {
		t.Errorf("Membership = %+v", m)
	}
	if m.GossipBindAddr != DefaultGossipAddr || m.GossipBindPort != DefaultGossipPort {
		t.Errorf("gossip bind = %s:%d", m.GossipBindAddr, m.GossipBindPort)
	}
	if m.RaftBindAddr != DefaultRaftAddr || m.RaftDataDir != DefaultDataDir {
		t.Errorf("raft = %s %s", m.RaftBindAddr, m.RaftDataDir)
	}
	if result.Topology.Workers != 8 || result.Topology.PartitionStrategy != "allow_all" {
		t.Errorf("Topology = %+v", result.Topology)
	}
	if result.Topology.RPCTimeout != DefaultRPCTimeout {
		t.Errorf("RPCTimeout = %v", result.Topology.RPCTimeout)
	}
	if len(result.Stores) != 1 {
		t.Fatalf("Stores = %d, want 1", len(result.Stores))
	}
	info := result.Stores[0].JoinInfo
	if result.Stores[0].Name != "users" || info.NumOwners != 3 || info.NumSegments != 64 || info.Timeout != time.Second {
		t.Errorf("Stores[0] = %+v", result.Stores[0])
	}
	if result.Logger == nil {
		t.Error("Logger should not be nil")
	}
}

func TestToClusterConfig_AutoGenerateNodeID(t *testing.T) {
	cfg := Default()

	first, err := ToClusterConfig(cfg, nil)
	if err != nil {
		t.Fatalf("ToClusterConfig failed: %v", err)
	}
	second, err := ToClusterConfig(cfg, nil)
	if err != nil {
		t.Fatalf("ToClusterConfig failed: %v", err)
	}

	if !strings.HasPrefix(first.NodeID, "mtnode-") || len(first.NodeID) != len("mtnode-")+16 {
		t.Errorf("NodeID = %q, want mtnode-<16 hex>", first.NodeID)
	}
	if first.NodeID == second.NodeID {
		t.Error("generated node IDs should differ")
	}
}

func TestToClusterConfig_Nil(t *testing.T) {
	if _, err := ToClusterConfig(nil, nil); err == nil {
		t.Error("ToClusterConfig(nil) should fail")
	}
}

func TestToJoinInfo_Defaults(t *testing.T) {
	info := toJoinInfo(StoreSection{Name: "users"})

	want := topology.JoinInfo{
		HashFactory:    topology.DefaultHashFactory,
		HashFunction:   consistenthash.HashMurmur3,
		NumOwners:      DefaultNumOwners,
		NumSegments:    DefaultNumSegments,
		CapacityFactor: 1,
	}
	if info != want {
		t.Errorf("toJoinInfo() = %+v, want %+v", info, want)
	}
	if err := info.Validate(); err != nil {
		t.Errorf("Validate() error = %v", err)
	}
}

func TestToJoinInfo_KeepsExplicitValues(t *testing.T) {
	info := toJoinInfo(StoreSection{
		Name:           "orders",
		HashFactory:    consistenthash.RingName,
		NumOwners:      1,
		NumSegments:    8,
		CapacityFactor: 0.5,
	})
	if info.HashFactory != consistenthash.RingName || info.NumOwners != 1 || info.NumSegments != 8 || info.CapacityFactor != 0.5 {
		t.Errorf("toJoinInfo() = %+v", info)
	}
}
