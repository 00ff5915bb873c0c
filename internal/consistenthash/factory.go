// Package consistenthash provides the segment-to-owner assignments used by
// the topology coordinator.
//
// Factories are looked up by name so that every member of a store builds
// hashes the same way.
package consistenthash

import (
	"maps"
	"slices"

	"github.com/yndnr/meshtopo/internal/topology"
)

// Factory names accepted in JoinInfo.HashFactory.
const (
	RendezvousName = "rendezvous"
	RingName       = "ring"
)

// Factories returns every built-in factory by name.
func Factories() map[string]topology.ConsistentHashFactory {
	return map[string]topology.ConsistentHashFactory{
		RendezvousName: NewRendezvous(),
		RingName:       NewRing(DefaultVirtualNodeCount),
	}
}

// pickFunc selects up to n owners for a segment among candidates.
type pickFunc func(segment int, candidates []topology.Address, cfs map[topology.Address]float32, n int) []topology.Address

// updateMembers keeps the owners of base that are still members. A segment
// left without owners gets one picked from the new members; joiners own
// nothing until the next rebalance.
func updateMembers(base *topology.Hash, newMembers []topology.Address, cfs map[topology.Address]float32, pick pickFunc) *topology.Hash {
	h := &topology.Hash{
		HashFunction:    base.HashFunction,
		NumOwners:       base.NumOwners,
		NumSegments:     base.NumSegments,
		Members:         slices.Clone(newMembers),
		CapacityFactors: memberFactors(newMembers, cfs),
		Owners:          make([][]topology.Address, base.NumSegments),
	}
	for s := 0; s < base.NumSegments; s++ {
		kept := make([]topology.Address, 0, base.NumOwners)
		for _, o := range base.LocateOwners(s) {
			if slices.Contains(newMembers, o) {
				kept = append(kept, o)
			}
		}
		if len(kept) == 0 && len(newMembers) > 0 {
			kept = pick(s, newMembers, h.CapacityFactors, 1)
		}
		h.Owners[s] = kept
	}
	return h
}

// memberFactors copies the capacity factors of members, defaulting to 1.
func memberFactors(members []topology.Address, cfs map[topology.Address]float32) map[topology.Address]float32 {
	out := make(map[topology.Address]float32, len(members))
	for _, m := range members {
		cf, ok := cfs[m]
		if !ok {
			cf = 1
		}
		out[m] = cf
	}
	return out
}

// weights returns the effective weight of each member. When every member
// has a zero capacity factor all of them weigh the same.
func weights(members []topology.Address, cfs map[topology.Address]float32) map[topology.Address]float64 {
	w := make(map[topology.Address]float64, len(members))
	total := 0.0
	for _, m := range members {
		cf, ok := cfs[m]
		if !ok {
			cf = 1
		}
		w[m] = float64(cf)
		total += float64(cf)
	}
	if total == 0 {
		for _, m := range members {
			w[m] = 1
		}
	}
	return w
}

func sortedMembers(members []topology.Address) []topology.Address {
	out := slices.Clone(members)
	slices.Sort(out)
	return slices.Compact(out)
}

func cloneFactors(cfs map[topology.Address]float32) map[topology.Address]float32 {
	if cfs == nil {
		return nil
	}
	return maps.Clone(cfs)
}
