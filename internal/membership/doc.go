// Package membership produces the ordered membership views that drive
// topology coordination.
//
// Two sources are provided:
//
//   - Gossip: hashicorp/memberlist. Every node computes views from the
//     alive member set; the smallest node id is the coordinator. View ids
//     are Lamport clocks carried in node metadata, and a view that absorbs
//     members of another partition is flagged as a merge.
//   - Raft: hashicorp/raft. The leader is the coordinator and appends each
//     view to the replicated log, so the log index is the view id and every
//     node sees the same views in the same order. Peers are discovered
//     through a gossip layer running in discovery-only mode.
//
// Both sources hand views to a ViewSink one at a time, in increasing id
// order.
package membership
