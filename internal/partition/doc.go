// Package partition decides and enforces store availability when the
// cluster splits.
//
// Strategies run on the coordinator and choose between AVAILABLE and
// DEGRADED_MODE for each membership change. The Manager runs on every node:
// it follows installed topologies and views, and rejects reads and writes
// of keys whose owners are not all reachable while a store is degraded.
package partition
