// Package topology coordinates cache topologies across a meshtopo cluster.
package topology

import (
	"fmt"
	"slices"
)

// Address identifies a cluster node.
type Address string

// Hash is an immutable assignment of segments to owning nodes.
//
// Owners[s] lists the owners of segment s, primary owner first.
type Hash struct {
	HashFunction    string              `json:"hash_function"`
	NumOwners       int                 `json:"num_owners"`
	NumSegments     int                 `json:"num_segments"`
	Members         []Address           `json:"members"`
	Owners          [][]Address         `json:"owners"`
	CapacityFactors map[Address]float32 `json:"capacity_factors,omitempty"`
}

// ConsistentHashFactory builds hash assignments.
//
// Implementations must be pure: identical inputs yield equal hashes on every
// node.
type ConsistentHashFactory interface {
	// Create builds a fresh assignment for members.
	Create(hashFunction string, numOwners, numSegments int, members []Address, capacityFactors map[Address]float32) *Hash

	// UpdateMembers returns a copy of base whose member list is exactly
	// newMembers. Leavers lose their segments; joiners own nothing yet.
	UpdateMembers(base *Hash, newMembers []Address, capacityFactors map[Address]float32) *Hash

	// Rebalance returns the balanced assignment for base's members.
	Rebalance(base *Hash) *Hash
}

// LocateOwners returns the owners of a segment.
func (h *Hash) LocateOwners(segment int) []Address {
	if h == nil || segment < 0 || segment >= len(h.Owners) {
		return nil
	}
	return h.Owners[segment]
}

// HasMember reports whether addr is a member of the hash.
func (h *Hash) HasMember(addr Address) bool {
	if h == nil {
		return false
	}
	return slices.Contains(h.Members, addr)
}

// SegmentsOwnedBy returns the segments owned by addr.
func (h *Hash) SegmentsOwnedBy(addr Address) []int {
	if h == nil {
		return nil
	}
	var segments []int
	for s, owners := range h.Owners {
		if slices.Contains(owners, addr) {
			segments = append(segments, s)
		}
	}
	return segments
}

// Equal reports whether two hashes assign the same owners to the same members.
func (h *Hash) Equal(other *Hash) bool {
	if h == nil || other == nil {
		return h == other
	}
	if h.NumOwners != other.NumOwners || h.NumSegments != other.NumSegments {
		return false
	}
	if !slices.Equal(h.Members, other.Members) || len(h.Owners) != len(other.Owners) {
		return false
	}
	for s := range h.Owners {
		if !slices.Equal(h.Owners[s], other.Owners[s]) {
			return false
		}
	}
	return true
}

func (h *Hash) String() string {
	if h == nil {
		return "<nil>"
	}
	return fmt.Sprintf("Hash{members=%v, owners=%d, segments=%d}", h.Members, h.NumOwners, h.NumSegments)
}

// unionMembers returns the members of a followed by those of b not in a.
func unionMembers(a, b *Hash) []Address {
	var members []Address
	if a != nil {
		members = append(members, a.Members...)
	}
	if b != nil {
		for _, m := range b.Members {
			if !slices.Contains(members, m) {
				members = append(members, m)
			}
		}
	}
	return members
}

// intersect returns the elements of a also present in b, in a's order.
func intersect(a, b []Address) []Address {
	out := make([]Address, 0, len(a))
	for _, x := range a {
		if slices.Contains(b, x) {
			out = append(out, x)
		}
	}
	return out
}

// subtract returns the elements of a absent from b.
func subtract(a, b []Address) []Address {
	out := make([]Address, 0)
	for _, x := range a {
		if !slices.Contains(b, x) {
			out = append(out, x)
		}
	}
	return out
}

func containsAll(set, sub []Address) bool {
	for _, x := range sub {
		if !slices.Contains(set, x) {
			return false
		}
	}
	return true
}
