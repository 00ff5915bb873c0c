// Package config defines the server configuration structure.
package config

import "time"

// Default configuration values.
const (
	DefaultRPCAddr    = "127.0.0.1:5343"
	DefaultGossipAddr = "127.0.0.1"
	DefaultGossipPort = 5344
	DefaultRaftAddr   = "127.0.0.1:5345"
	DefaultAdminAddr  = "127.0.0.1:5080"
	DefaultDataDir    = "/var/lib/meshtopo-server/raft"
	DefaultBackend    = "gossip"

	DefaultLeaveTimeout      = 5 * time.Second
	DefaultRPCTimeout        = 30 * time.Second
	DefaultViewWaitQuantum   = time.Second
	DefaultJoinRetryInterval = 500 * time.Millisecond
	DefaultRebalanceWindow   = 200 * time.Millisecond
	DefaultWorkers           = 4
	DefaultQueueSize         = 256
	DefaultPartitionStrategy = "quorum"
	DefaultMaxFanout         = 16
	DefaultAdminRateLimit    = 100

	DefaultNumOwners   = 2
	DefaultNumSegments = 256

	DefaultLogLevel  = "info"
	DefaultLogFormat = "json"
)

// Default returns the default server configuration.
func Default() *ServerConfig {
	return &ServerConfig{
		Node: NodeSection{
			RPCAddr: DefaultRPCAddr,
		},
		Membership: MembershipSection{
			Backend:      DefaultBackend,
			GossipAddr:   DefaultGossipAddr,
			GossipPort:   DefaultGossipPort,
			RaftAddr:     DefaultRaftAddr,
			DataDir:      DefaultDataDir,
			LeaveTimeout: DefaultLeaveTimeout,
		},
		Topology: TopologySection{
			RPCTimeout:        DefaultRPCTimeout,
			ViewWaitQuantum:   DefaultViewWaitQuantum,
			JoinRetryInterval: DefaultJoinRetryInterval,
			RebalanceWindow:   DefaultRebalanceWindow,
			Workers:           DefaultWorkers,
			QueueSize:         DefaultQueueSize,
			PartitionStrategy: DefaultPartitionStrategy,
			MaxFanout:         DefaultMaxFanout,
		},
		Admin: AdminSection{
			Addr:      DefaultAdminAddr,
			RateLimit: DefaultAdminRateLimit,
			Audit:     true,
			Metrics:   true,
		},
		Log: LogSection{
			Level:  DefaultLogLevel,
			Format: DefaultLogFormat,
		},
	}
}
