// Package consistenthash provides the segment-to-owner assignments used by
// the topology coordinator.
//
// Two factories are available:
//
//   - Rendezvous: weighted highest-random-weight hashing per segment
//   - Ring: a virtual node ring, capacity factor scales the node count
//
// Both are pure: equal inputs produce equal hashes on every node. Scores
// and ring positions use MurmurHash3, as does the key partitioner.
package consistenthash
