// Package membership produces the ordered membership views that drive topology coordination.
package membership

import (
	"maps"
	"slices"

	"github.com/yndnr/meshtopo/internal/topology"
)

// viewTracker derives gossip views from the alive member set.
//
// View ids follow a Lamport clock: a membership change installs
// max(own id, highest advertised id)+1, and a higher id advertised by a
// peer is adopted for the same member set, so nodes that saw the same
// change converge on the same id. The smallest node id is the coordinator.
type viewTracker struct {
	self  topology.Address
	alive map[topology.Address]nodeMeta
	last  topology.View
}

func newViewTracker(self topology.Address) *viewTracker {
	return &viewTracker{
		self:  self,
		alive: make(map[topology.Address]nodeMeta),
	}
}

func (t *viewTracker) upsert(id topology.Address, meta nodeMeta) {
	t.alive[id] = meta
}

func (t *viewTracker) remove(id topology.Address) {
	delete(t.alive, id)
}

// next returns the view to install, if the member set changed or a peer
// advertises a newer view id.
func (t *viewTracker) next() (topology.View, bool) {
	members := slices.Sorted(maps.Keys(t.alive))
	if len(members) == 0 {
		return topology.View{}, false
	}
	var seen int64
	for id, m := range t.alive {
		if id != t.self && m.ViewID > seen {
			seen = m.ViewID
		}
	}

	if !slices.Equal(members, t.last.Members) {
		v := topology.View{
			ID:          max(t.last.ID, seen) + 1,
			Members:     members,
			Coordinator: members[0],
			Merge:       t.absorbsEstablishedMember(members),
		}
		t.last = v
		return v, true
	}
	if seen > t.last.ID {
		v := topology.View{ID: seen, Members: members, Coordinator: members[0]}
		t.last = v
		return v, true
	}
	return topology.View{}, false
}

// absorbsEstablishedMember reports whether members adds a node that already
// installed views elsewhere: it advertises a view id or a coordinator. Such
// a node may run stores the local coordinator does not know about, so the
// view is a merge. A node that has not installed any view yet advertises
// neither.
func (t *viewTracker) absorbsEstablishedMember(members []topology.Address) bool {
	if len(t.last.Members) == 0 {
		return false
	}
	for _, id := range members {
		if id == t.self || slices.Contains(t.last.Members, id) {
			continue
		}
		if m := t.alive[id]; m.ViewID > 0 || m.Coordinator != "" {
			return true
		}
	}
	return false
}
