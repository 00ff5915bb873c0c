// Package config defines the server configuration structure.
package config

import "time"

// ServerConfig is the root configuration for meshtopo-server.
type ServerConfig struct {
	Node       NodeSection       `koanf:"node"`
	Membership MembershipSection `koanf:"membership"`
	Topology   TopologySection   `koanf:"topology"`
	Stores     []StoreSection    `koanf:"stores"`
	Admin      AdminSection      `koanf:"admin"`
	Log        LogSection        `koanf:"log"`
}

// NodeSection identifies the node.
type NodeSection struct {
	// ID is the unique identifier for this cluster node.
	// If empty, a random ID will be generated at startup.
	ID string `koanf:"id"`

	// RPCAddr is the control RPC bind address (e.g., "0.0.0.0:5343").
	RPCAddr string `koanf:"rpc_addr"`

	// AdvertiseAddr is the RPC address other nodes dial. Defaults to the
	// bound RPC address.
	AdvertiseAddr string `koanf:"advertise_addr"`
}

// MembershipSection configures the membership view source.
type MembershipSection struct {
	// Backend is "gossip" or "raft".
	Backend string `koanf:"backend"`

	// GossipAddr is the Gossip TCP/UDP bind address (e.g., "192.168.1.10").
	GossipAddr string `koanf:"gossip_addr"`

	// GossipPort is the Gossip bind port (e.g., 5344).
	GossipPort int `koanf:"gossip_port"`

	// Seeds is the list of seed node addresses to join an existing cluster.
	// Format: ["192.168.1.10:5344", "192.168.1.11:5344"]
	Seeds []string `koanf:"seeds"`

	// RaftAddr is the Raft TCP bind address (raft backend only).
	RaftAddr string `koanf:"raft_addr"`

	// DataDir is the directory for Raft log and snapshot storage.
	DataDir string `koanf:"data_dir"`

	// Bootstrap indicates if this node bootstraps a new Raft cluster.
	Bootstrap bool `koanf:"bootstrap"`

	LeaveTimeout time.Duration `koanf:"leave_timeout"`
}

// TopologySection tunes topology coordination.
type TopologySection struct {
	// RPCTimeout bounds every synchronous control command.
	RPCTimeout time.Duration `koanf:"rpc_timeout"`

	// ViewWaitQuantum is how long a node waits for a view it has been
	// told about before retrying.
	ViewWaitQuantum time.Duration `koanf:"view_wait_quantum"`

	JoinRetryInterval time.Duration `koanf:"join_retry_interval"`

	// RebalanceWindow batches rebalance triggers per store.
	RebalanceWindow time.Duration `koanf:"rebalance_window"`

	Workers   int `koanf:"workers"`
	QueueSize int `koanf:"queue_size"`

	// PartitionStrategy is "quorum" or "allow_all".
	PartitionStrategy string `koanf:"partition_strategy"`

	// MaxFanout limits concurrent RPCs of a broadcast.
	MaxFanout int `koanf:"max_fanout"`
}

// StoreSection names a store this node joins at startup.
type StoreSection struct {
	Name           string        `koanf:"name"`
	HashFactory    string        `koanf:"hash_factory"`
	HashFunction   string        `koanf:"hash_function"`
	NumOwners      int           `koanf:"num_owners"`
	NumSegments    int           `koanf:"num_segments"`
	CapacityFactor float32       `koanf:"capacity_factor"`
	Timeout        time.Duration `koanf:"timeout"`
}

// AdminSection configures the admin HTTP server.
type AdminSection struct {
	Addr string `koanf:"addr"`

	// Token, when set, is required as a bearer token on /admin/v1.
	Token string `koanf:"token"`

	// AllowList is the IP/CIDR allowlist for the admin API.
	AllowList []string `koanf:"allow_list"`

	// RateLimit is the per-IP request rate (requests/second); 0 disables.
	RateLimit int `koanf:"rate_limit"`

	Audit bool `koanf:"audit"`

	// Metrics exposes /metrics on the admin server.
	Metrics bool `koanf:"metrics"`

	TLS AdminTLSSection `koanf:"tls"`
}

// AdminTLSSection enables HTTPS on the admin server. The key pair is
// reloaded when the files change.
type AdminTLSSection struct {
	CertFile string `koanf:"cert_file"`
	KeyFile  string `koanf:"key_file"`

	// ClientCAFile, when set, requires client certificates signed by it.
	ClientCAFile string `koanf:"client_ca_file"`
}

// Enabled reports whether HTTPS is configured.
func (t AdminTLSSection) Enabled() bool {
	return t.CertFile != "" || t.KeyFile != ""
}

// LogSection configures logging.
type LogSection struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}
