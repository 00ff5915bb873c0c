// Package clusterserver runs a cluster node.
//
// It carries the control commands of the topology protocol between nodes
// over Connect RPC with a JSON codec, and assembles the node: membership
// source, transport, coordinator and node-side topology managers, the
// command dispatcher and the partition availability tracker.
//
// Every command is sent to ClusterService/Invoke. Command failures travel
// in the response body; Connect errors mean the command never ran.
package clusterserver
