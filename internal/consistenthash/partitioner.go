// Package consistenthash provides segment-to-owner assignments.
package consistenthash

import (
	"github.com/spaolacci/murmur3"

	"github.com/yndnr/meshtopo/internal/topology"
)

// HashMurmur3 is the key hash function name stored in topology.Hash.
const HashMurmur3 = "murmur3"

// KeyPartitioner maps keys to segments.
type KeyPartitioner struct{}

// Segment returns the segment of key for a hash with numSegments segments.
func (KeyPartitioner) Segment(key []byte, numSegments int) int {
	if numSegments <= 0 {
		return 0
	}
	return int(murmur3.Sum32(key) % uint32(numSegments))
}

// Owners returns the owners of key in h.
func (p KeyPartitioner) Owners(h *topology.Hash, key []byte) []topology.Address {
	if h == nil {
		return nil
	}
	return h.LocateOwners(p.Segment(key, h.NumSegments))
}
