// Package consistenthash provides segment-to-owner assignments.
package consistenthash

import (
	"cmp"
	"math"
	"slices"

	"github.com/spaolacci/murmur3"

	"github.com/yndnr/meshtopo/internal/topology"
)

// Rendezvous assigns each segment to the members with the highest weighted
// score -w/ln(u), where u is a uniform hash of (segment, member). Adding a
// member only moves the segments it wins.
type Rendezvous struct{}

// NewRendezvous returns a rendezvous factory.
func NewRendezvous() *Rendezvous {
	return &Rendezvous{}
}

// Create implements topology.ConsistentHashFactory.
func (f *Rendezvous) Create(hashFunction string, numOwners, numSegments int, members []topology.Address, capacityFactors map[topology.Address]float32) *topology.Hash {
	cfs := memberFactors(members, capacityFactors)
	h := &topology.Hash{
		HashFunction:    hashFunction,
		NumOwners:       numOwners,
		NumSegments:     numSegments,
		Members:         slices.Clone(members),
		CapacityFactors: cfs,
		Owners:          make([][]topology.Address, numSegments),
	}
	for s := 0; s < numSegments; s++ {
		h.Owners[s] = f.pick(s, members, cfs, numOwners)
	}
	return h
}

// UpdateMembers implements topology.ConsistentHashFactory.
func (f *Rendezvous) UpdateMembers(base *topology.Hash, newMembers []topology.Address, capacityFactors map[topology.Address]float32) *topology.Hash {
	return updateMembers(base, newMembers, capacityFactors, f.pick)
}

// Rebalance implements topology.ConsistentHashFactory.
func (f *Rendezvous) Rebalance(base *topology.Hash) *topology.Hash {
	return f.Create(base.HashFunction, base.NumOwners, base.NumSegments, base.Members, cloneFactors(base.CapacityFactors))
}

type scored struct {
	addr  topology.Address
	score float64
}

func (f *Rendezvous) pick(segment int, candidates []topology.Address, cfs map[topology.Address]float32, n int) []topology.Address {
	w := weights(candidates, cfs)
	ranked := make([]scored, 0, len(candidates))
	for _, m := range sortedMembers(candidates) {
		if w[m] <= 0 {
			continue
		}
		ranked = append(ranked, scored{addr: m, score: score(segment, m, w[m])})
	}
	slices.SortFunc(ranked, func(a, b scored) int {
		if c := cmp.Compare(b.score, a.score); c != 0 {
			return c
		}
		return cmp.Compare(a.addr, b.addr)
	})

	n = min(n, len(ranked))
	owners := make([]topology.Address, n)
	for i := range owners {
		owners[i] = ranked[i].addr
	}
	return owners
}

func score(segment int, member topology.Address, weight float64) float64 {
	h := murmur3.Sum64WithSeed([]byte(member), uint32(segment))
	// 53 high bits give a uniform value in (0, 1).
	u := (float64(h>>11) + 0.5) / (1 << 53)
	return -weight / math.Log(u)
}
