// Package partition decides and enforces store availability when the
// cluster splits.
//
// Manager follows topology and view events and answers, per key, whether
// this node may read or write it.
package partition

import (
	"cmp"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/yndnr/meshtopo/internal/topology"
)

// ErrAvailability is returned for a key that cannot be served in degraded
// mode.
var ErrAvailability = errors.New("partition: key not available in degraded mode")

// Partitioner maps keys to segments.
type Partitioner interface {
	Segment(key []byte, numSegments int) int
}

// StoreState is the availability of a store as seen by this node.
type StoreState struct {
	Store        string
	TopologyID   int
	Availability topology.AvailabilityMode
}

// Manager tracks availability per store from topology and view events.
type Manager struct {
	partitioner Partitioner
	logger      *slog.Logger

	mu      sync.RWMutex
	members []topology.Address
	stores  map[string]topology.TopologyChangedEvent

	unsubscribe []func()
}

// NewManager creates a manager and subscribes it synchronously to n, so its
// state changes in the order events are published.
func NewManager(n *topology.Notifier, p Partitioner, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		partitioner: p,
		logger:      logger.With("component", "partition"),
		stores:      make(map[string]topology.TopologyChangedEvent),
	}
	if n != nil {
		m.unsubscribe = append(m.unsubscribe,
			n.SubscribeViews(m.onView, true),
			n.SubscribeTopologies(m.onTopology, true),
		)
	}
	return m
}

// Close unsubscribes from the notifier.
func (m *Manager) Close() {
	for _, fn := range m.unsubscribe {
		fn()
	}
	m.unsubscribe = nil
}

func (m *Manager) onView(e topology.ViewChangedEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.members = slices.Clone(e.Members)
}

func (m *Manager) onTopology(e topology.TopologyChangedEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	prev, ok := m.stores[e.Store]
	if ok && prev.Availability != e.Availability {
		m.logger.Info("availability changed", "store", e.Store,
			"from", prev.Availability, "to", e.Availability, "topology_id", e.Topology.TopologyID)
	}
	m.stores[e.Store] = e
}

// State returns the availability state of a store.
func (m *Manager) State(store string) (StoreState, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.stores[store]
	if !ok {
		return StoreState{}, false
	}
	return StoreState{Store: store, TopologyID: e.Topology.TopologyID, Availability: e.Availability}, true
}

// States returns the availability state of every known store.
func (m *Manager) States() []StoreState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]StoreState, 0, len(m.stores))
	for store, e := range m.stores {
		out = append(out, StoreState{Store: store, TopologyID: e.Topology.TopologyID, Availability: e.Availability})
	}
	slices.SortFunc(out, func(a, b StoreState) int { return cmp.Compare(a.Store, b.Store) })
	return out
}

// Location describes where a key lives and whether this node may serve it.
type Location struct {
	Store        string
	TopologyID   int
	Segment      int
	ReadOwners   []topology.Address
	WriteOwners  []topology.Address
	Availability topology.AvailabilityMode
	ReadErr      error
	WriteErr     error
}

// Locate maps key to its segment and owners in the installed topology of
// store. It returns false if the store has no topology yet.
func (m *Manager) Locate(store string, key []byte) (Location, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.stores[store]
	if !ok || e.Topology == nil {
		return Location{}, false
	}
	loc := Location{
		Store:        store,
		TopologyID:   e.Topology.TopologyID,
		Segment:      -1,
		Availability: e.Availability,
		ReadErr:      m.checkLocked(store, key, false),
		WriteErr:     m.checkLocked(store, key, true),
	}
	if ch := e.Topology.ReadCH(); ch != nil {
		loc.Segment = m.partitioner.Segment(key, ch.NumSegments)
		loc.ReadOwners = slices.Clone(ch.LocateOwners(loc.Segment))
	}
	if ch := e.Topology.WriteCH(); ch != nil && loc.Segment >= 0 {
		loc.WriteOwners = slices.Clone(ch.LocateOwners(loc.Segment))
	}
	return loc, true
}

// CheckRead returns ErrAvailability if key may not be read.
func (m *Manager) CheckRead(store string, key []byte) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.checkLocked(store, key, false)
}

// CheckWrite returns ErrAvailability if key may not be written.
func (m *Manager) CheckWrite(store string, key []byte) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.checkLocked(store, key, true)
}

func (m *Manager) checkLocked(store string, key []byte, write bool) error {
	e, ok := m.stores[store]
	if !ok || e.Availability == topology.Available {
		return nil
	}
	ch := e.Topology.ReadCH()
	if write {
		ch = e.Topology.WriteCH()
	}
	if ch == nil {
		return fmt.Errorf("%w: store %s has no hash", ErrAvailability, store)
	}

	segment := m.partitioner.Segment(key, ch.NumSegments)
	for _, owner := range ch.LocateOwners(segment) {
		if !slices.Contains(m.members, owner) {
			return fmt.Errorf("%w: store %s segment %d owner %s unreachable", ErrAvailability, store, segment, owner)
		}
	}
	return nil
}
