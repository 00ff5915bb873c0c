// Package topology coordinates cache topologies across a meshtopo cluster.
//
// A single coordinator, elected by the membership layer, owns the
// authoritative ClusterCacheStatus of every named store. It handles join,
// leave and rebalance-confirmation requests, reacts to membership views and
// broadcasts versioned CacheTopology updates through a Transport:
//
//   - ClusterTopologyManager runs the coordinator side
//   - LocalTopologyManager runs on every node and applies topology updates
//   - Dispatcher routes the closed set of control commands to either side
//   - RebalancePolicy decides when a rebalance is started
//   - PartitionHandlingStrategy decides between AVAILABLE and DEGRADED_MODE
//
// Topology ids of a store are strictly increasing and every node installs
// them in order; stale or duplicated updates are ignored.
package topology
