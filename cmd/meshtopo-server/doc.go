// Package main provides the entry point for meshtopo-server.
//
// A meshtopo-server process is one cluster node. It provides:
//
//   - Membership over gossip (memberlist) or Raft
//   - Control RPCs between nodes for store topology coordination
//   - The admin HTTP API, health probes and Prometheus metrics
//
// Usage:
//
//	meshtopo-server [flags]
//	meshtopo-server --config /etc/meshtopo/server.yaml
//
// Every configuration key can also be set through the environment, e.g.
// MESHTOPO_NODE__ID=node-a or MESHTOPO_MEMBERSHIP__SEEDS=10.0.0.1:5344.
package main
