package consistenthash

import (
	"encoding/binary"
	"math"
	"slices"
	"sort"

	"github.com/spaolacci/murmur3"

	"github.com/yndnr/meshtopo/internal/topology"
)

// DefaultVirtualNodeCount is the number of ring points of a member with
// capacity factor 1.
const DefaultVirtualNodeCount = 64

// Ring places virtual nodes of every member on a hash ring and gives each
// segment to the first distinct members clockwise from the segment's
// position.
type Ring struct {
	virtualNodes int
}

// NewRing returns a ring factory with virtualNodes points per unit of
// capacity.
func NewRing(virtualNodes int) *Ring {
	if virtualNodes <= 0 {
		virtualNodes = DefaultVirtualNodeCount
	}
	return &Ring{virtualNodes: virtualNodes}
}

type ringPoint struct {
	hash uint64
	addr topology.Address
}

// Create implements topology.ConsistentHashFactory.
func (f *Ring) Create(hashFunction string, numOwners, numSegments int, members []topology.Address, capacityFactors map[topology.Address]float32) *topology.Hash {
	cfs := memberFactors(members, capacityFactors)
	h := &topology.Hash{
		HashFunction:    hashFunction,
		NumOwners:       numOwners,
		NumSegments:     numSegments,
		Members:         slices.Clone(members),
		CapacityFactors: cfs,
		Owners:          make([][]topology.Address, numSegments),
	}
	ring := f.build(members, cfs)
	for s := 0; s < numSegments; s++ {
		h.Owners[s] = walk(ring, segmentPosition(s), numOwners)
	}
	return h
}

// UpdateMembers implements topology.ConsistentHashFactory.
func (f *Ring) UpdateMembers(base *topology.Hash, newMembers []topology.Address, capacityFactors map[topology.Address]float32) *topology.Hash {
	return updateMembers(base, newMembers, capacityFactors, func(segment int, candidates []topology.Address, cfs map[topology.Address]float32, n int) []topology.Address {
		return walk(f.build(candidates, cfs), segmentPosition(segment), n)
	})
}

// Rebalance implements topology.ConsistentHashFactory.
func (f *Ring) Rebalance(base *topology.Hash) *topology.Hash {
	return f.Create(base.HashFunction, base.NumOwners, base.NumSegments, base.Members, cloneFactors(base.CapacityFactors))
}

func (f *Ring) build(members []topology.Address, cfs map[topology.Address]float32) []ringPoint {
	w := weights(members, cfs)
	var ring []ringPoint
	for _, m := range sortedMembers(members) {
		if w[m] <= 0 {
			continue
		}
		n := max(1, int(math.Round(float64(f.virtualNodes)*w[m])))
		for i := 0; i < n; i++ {
			ring = append(ring, ringPoint{hash: hashVirtualNode(m, i), addr: m})
		}
	}
	slices.SortFunc(ring, func(a, b ringPoint) int {
		switch {
		case a.hash < b.hash:
			return -1
		case a.hash > b.hash:
			return 1
		case a.addr < b.addr:
			return -1
		case a.addr > b.addr:
			return 1
		}
		return 0
	})
	return ring
}

// walk collects up to n distinct members clockwise from pos.
func walk(ring []ringPoint, pos uint64, n int) []topology.Address {
	if len(ring) == 0 || n <= 0 {
		return []topology.Address{}
	}
	start := sort.Search(len(ring), func(i int) bool { return ring[i].hash >= pos })
	owners := make([]topology.Address, 0, n)
	for i := 0; i < len(ring) && len(owners) < n; i++ {
		p := ring[(start+i)%len(ring)]
		if !slices.Contains(owners, p.addr) {
			owners = append(owners, p.addr)
		}
	}
	return owners
}

func hashVirtualNode(member topology.Address, index int) uint64 {
	h := murmur3.New64()
	h.Write([]byte(member))
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], uint32(index))
	h.Write(buf[:])
	return h.Sum64()
}

func segmentPosition(segment int) uint64 {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], uint32(segment))
	return murmur3.Sum64(buf[:])
}
