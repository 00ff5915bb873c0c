// Package topology provides the coordinator's per-store cache status.
package topology

import (
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
)

// ClusterCacheStatus is the coordinator's authoritative state for one store.
//
// Every exported mutation is atomic with respect to the others. Join, leave,
// rebalance start and rebalance completion of the same store are therefore
// linearized, while different stores proceed independently.
type ClusterCacheStatus struct {
	name     string
	strategy PartitionHandlingStrategy
	logger   *slog.Logger

	mu              sync.Mutex
	joinInfo        *JoinInfo
	factory         ConsistentHashFactory
	members         []Address
	capacityFactors map[Address]float32
	topology        *CacheTopology
	stable          *CacheTopology
	availability    AvailabilityMode

	// expected is nil when no rebalance is in progress.
	expected            []Address
	confirmed           map[Address]struct{}
	rebalanceTopologyID int
	rebalances          int
}

// NewClusterCacheStatus creates the empty status of a store. A nil strategy
// keeps the store available on every membership change.
func NewClusterCacheStatus(name string, strategy PartitionHandlingStrategy, logger *slog.Logger) *ClusterCacheStatus {
	if logger == nil {
		logger = slog.Default()
	}
	return &ClusterCacheStatus{
		name:            name,
		strategy:        strategy,
		logger:          logger.With("store", name),
		capacityFactors: make(map[Address]float32),
	}
}

// Name returns the store name.
func (s *ClusterCacheStatus) Name() string { return s.name }

// JoinInfo returns the join parameters of the first joiner.
func (s *ClusterCacheStatus) JoinInfo() (JoinInfo, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.joinInfo == nil {
		return JoinInfo{}, false
	}
	return *s.joinInfo, true
}

// Members returns a copy of the member list in join order.
func (s *ClusterCacheStatus) Members() []Address {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.members)
}

// CapacityFactor returns the capacity factor of a member.
func (s *ClusterCacheStatus) CapacityFactor(addr Address) (float32, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cf, ok := s.capacityFactors[addr]
	return cf, ok
}

// Topology returns the current topology, nil before the first join.
func (s *ClusterCacheStatus) Topology() *CacheTopology {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.topology
}

// StableTopology returns the last topology installed after a completed
// rebalance.
func (s *ClusterCacheStatus) StableTopology() *CacheTopology {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stable
}

// Availability returns the availability mode of the store.
func (s *ClusterCacheStatus) Availability() AvailabilityMode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.availability
}

// RebalanceInProgress reports whether confirmations are being collected.
func (s *ClusterCacheStatus) RebalanceInProgress() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.expected != nil
}

// ConfirmedNodes returns the members that confirmed the running rebalance.
func (s *ClusterCacheStatus) ConfirmedNodes() []Address {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Address, 0, len(s.confirmed))
	for _, m := range s.expected {
		if _, ok := s.confirmed[m]; ok {
			out = append(out, m)
		}
	}
	return out
}

// Snapshot returns the status in the form reported by GET_STATUS.
func (s *ClusterCacheStatus) Snapshot() StoreStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := StoreStatus{
		Topology:       s.topology,
		StableTopology: s.stable,
		Availability:   s.availability,
	}
	if s.joinInfo != nil {
		st.JoinInfo = *s.joinInfo
	}
	return st
}

// AddMember adds a member or updates the capacity factor of an existing one.
// It reports whether the member is new.
func (s *ClusterCacheStatus) AddMember(addr Address, capacityFactor float32) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addMemberLocked(addr, capacityFactor)
}

// RemoveMember removes a member from both hashes and then from the member
// list. It reports whether addr was a member.
func (s *ClusterCacheStatus) RemoveMember(addr Address) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.removeMembersLocked([]Address{addr})
}

// StartRebalance installs a topology with a pending hash and starts
// collecting confirmations from the current members.
func (s *ClusterCacheStatus) StartRebalance(t *CacheTopology) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.startRebalanceLocked(t)
}

// ConfirmRebalanceOnNode records that addr finished the rebalance of
// topologyID. It returns true exactly once, when the last expected member
// confirms. Confirmations for an older topology, from non-members or
// duplicates are ignored. A confirmation for a store that never started a
// rebalance is an ErrNoRebalanceInProgress error.
func (s *ClusterCacheStatus) ConfirmRebalanceOnNode(addr Address, topologyID int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.confirmLocked(addr, topologyID)
}

// EndRebalance promotes the pending hash to current under the next topology
// id and makes the result the stable topology.
func (s *ClusterCacheStatus) EndRebalance() (*CacheTopology, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.expected == nil {
		return nil, fmt.Errorf("%w: store %s", ErrNoRebalanceInProgress, s.name)
	}
	return s.endRebalanceLocked(), nil
}

// join records a joiner. The first member of an empty store gets an initial
// topology right away; initial reports that case.
func (s *ClusterCacheStatus) join(addr Address, info JoinInfo, factory ConsistentHashFactory) (t *CacheTopology, initial bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.joinInfo == nil {
		ji := info
		s.joinInfo = &ji
	}
	if s.factory == nil {
		s.factory = factory
	}
	first := len(s.members) == 0 && s.expected == nil && (s.topology == nil || s.topology.CurrentCH == nil)
	s.addMemberLocked(addr, info.CapacityFactor)
	if !first {
		return s.topology, false
	}

	s.installInitialLocked(s.nextTopologyIDLocked())
	s.logger.Info("initial topology installed", "node", addr, "topology_id", s.topology.TopologyID)
	return s.topology, true
}

// prepareRebalance computes the balanced hash and starts a rebalance if it
// differs from the current one. It returns nil when there is nothing to do.
func (s *ClusterCacheStatus) prepareRebalance() *CacheTopology {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case s.expected != nil:
		s.logger.Debug("rebalance already in progress")
		return nil
	case len(s.members) == 0:
		s.logger.Debug("no members, skipping rebalance")
		return nil
	case s.topology == nil || s.topology.CurrentCH == nil || s.factory == nil:
		s.logger.Debug("no topology yet, skipping rebalance")
		return nil
	case s.availability == DegradedMode:
		s.logger.Debug("degraded mode, skipping rebalance")
		return nil
	case !containsAll(s.members, s.topology.CurrentCH.Members):
		s.logger.Debug("leavers not yet removed, skipping rebalance",
			"hash_members", s.topology.CurrentCH.Members, "members", s.members)
		return nil
	}

	base := s.factory.UpdateMembers(s.topology.CurrentCH, s.members, s.capacityFactors)
	balanced := s.factory.Rebalance(base)
	if balanced.Equal(s.topology.CurrentCH) {
		s.logger.Debug("hash already balanced", "topology_id", s.topology.TopologyID)
		return nil
	}

	t := &CacheTopology{
		TopologyID: s.nextTopologyIDLocked(),
		CurrentCH:  base,
		PendingCH:  balanced,
	}
	if err := s.startRebalanceLocked(t); err != nil {
		s.logger.Error("start rebalance", "error", err)
		return nil
	}
	return t
}

// confirm records a confirmation and ends the rebalance when it completes.
// ended is non-nil only for the confirmation that completed it.
func (s *ClusterCacheStatus) confirm(addr Address, topologyID int) (ended *CacheTopology, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	done, err := s.confirmLocked(addr, topologyID)
	if err != nil || !done {
		return nil, err
	}
	return s.endRebalanceLocked(), nil
}

// leave removes a member that left gracefully. It returns the topology to
// broadcast and whether anything changed.
func (s *ClusterCacheStatus) leave(addr Address) (*CacheTopology, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.removeMembersLocked([]Address{addr}) {
		return nil, false
	}
	if s.rebalanceCompleteLocked() {
		s.endRebalanceLocked()
	}
	return s.topology, true
}

// processMembershipChange removes members missing from a new view, letting
// the partition strategy decide the availability. It returns the topology to
// broadcast, or nil if none of the members left.
func (s *ClusterCacheStatus) processMembershipChange(viewMembers []Address) *CacheTopology {
	s.mu.Lock()
	defer s.mu.Unlock()

	leavers := subtract(s.members, viewMembers)
	if len(leavers) == 0 {
		return nil
	}
	remaining := subtract(s.members, leavers)

	mode := s.availability
	if mode == Available && s.strategy != nil && s.topology != nil {
		pctx := NewPartitionContext(s.name, s.numOwnersLocked(), s.stable, s.topology, remaining, false, mode)
		s.strategy.OnMembershipChanged(pctx)
		mode = pctx.Mode()
	}

	if mode == DegradedMode {
		s.logger.Warn("members lost, entering degraded mode", "lost", leavers)
		s.enterDegradedLocked(leavers)
		return s.topology
	}

	s.logger.Info("members left", "lost", leavers)
	s.removeMembersLocked(leavers)
	if s.rebalanceCompleteLocked() {
		s.endRebalanceLocked()
	}
	return s.topology
}

// memberReport is one node's GET_STATUS answer for a single store.
type memberReport struct {
	Node   Address
	Status StoreStatus
}

// reconcile replaces the state with one rebuilt from the reports of every
// member that runs the store. The new topology id is higher than any
// reported one; the partition strategy decides whether the reconciled
// members may keep serving.
func (s *ClusterCacheStatus) reconcile(reports []memberReport, factory ConsistentHashFactory, merge bool) *CacheTopology {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.joinInfo == nil && len(reports) > 0 {
		ji := reports[0].Status.JoinInfo
		s.joinInfo = &ji
	}
	if s.factory == nil {
		s.factory = factory
	}

	maxTopology, maxStable := s.topology, s.stable
	degraded := false
	s.members = nil
	s.capacityFactors = make(map[Address]float32)
	for _, r := range reports {
		s.addMemberLocked(r.Node, r.Status.JoinInfo.CapacityFactor)
		if t := r.Status.Topology; t != nil {
			if maxTopology == nil || t.TopologyID > maxTopology.TopologyID {
				maxTopology = t
			}
			// A rebalance may have run before the reports were taken, so late
			// confirmations for it are expected.
			if t.PendingCH != nil || t.TopologyID > 1 {
				s.rebalances = max(s.rebalances, 1)
			}
		}
		if t := r.Status.StableTopology; t != nil && (maxStable == nil || t.TopologyID > maxStable.TopologyID) {
			maxStable = t
		}
		if r.Status.Availability == DegradedMode {
			degraded = true
		}
	}

	s.expected, s.confirmed = nil, nil
	nextID := 1
	if maxTopology != nil {
		nextID = maxTopology.TopologyID + 1
	}
	if s.topology != nil && s.topology.TopologyID >= nextID {
		nextID = s.topology.TopologyID + 1
	}

	if maxTopology == nil || maxTopology.CurrentCH == nil {
		// Members joined but no topology was ever broadcast.
		if len(s.members) == 0 {
			return s.topology
		}
		s.installInitialLocked(nextID)
		return s.topology
	}
	if maxStable == nil {
		maxStable = maxTopology
	}

	mode := Available
	if degraded && !merge {
		mode = DegradedMode
	}
	if s.strategy != nil {
		pctx := NewPartitionContext(s.name, s.numOwnersLocked(), maxStable, maxTopology, slices.Clone(s.members), merge, mode)
		s.strategy.OnMembershipChanged(pctx)
		mode = pctx.Mode()
	}

	s.stable = maxStable
	s.availability = mode
	if mode == DegradedMode {
		ch := maxStable.CurrentCH
		if ch == nil {
			ch = maxTopology.CurrentCH
		}
		s.topology = &CacheTopology{TopologyID: nextID, CurrentCH: ch}
	} else {
		s.topology = &CacheTopology{
			TopologyID: nextID,
			CurrentCH:  s.factory.UpdateMembers(maxTopology.CurrentCH, s.members, s.capacityFactors),
		}
	}
	s.logger.Info("topology reconciled",
		"topology_id", nextID, "members", s.members, "availability", mode, "merge", merge)
	return s.topology
}

func (s *ClusterCacheStatus) addMemberLocked(addr Address, capacityFactor float32) bool {
	s.capacityFactors[addr] = capacityFactor
	if slices.Contains(s.members, addr) {
		return false
	}
	s.members = append(s.members, addr)
	return true
}

// removeMembersLocked prunes leavers from the hashes, then drops them from
// the member list and the rebalance bookkeeping.
func (s *ClusterCacheStatus) removeMembersLocked(leavers []Address) bool {
	present := intersect(leavers, s.members)
	if len(present) == 0 {
		return false
	}
	remaining := subtract(s.members, present)
	cfs := maps.Clone(s.capacityFactors)
	for _, a := range present {
		delete(cfs, a)
	}

	if s.topology != nil && s.availability == Available {
		s.topology = s.prunedTopologyLocked(remaining, cfs)
	}

	s.members = remaining
	s.capacityFactors = cfs
	for _, a := range present {
		delete(s.confirmed, a)
	}
	if s.expected != nil {
		s.expected = subtract(s.expected, present)
	}
	if len(s.members) == 0 {
		s.expected, s.confirmed = nil, nil
	}
	return true
}

func (s *ClusterCacheStatus) prunedTopologyLocked(members []Address, cfs map[Address]float32) *CacheTopology {
	next := &CacheTopology{TopologyID: s.nextTopologyIDLocked()}
	if len(members) == 0 || s.factory == nil {
		return next
	}
	if s.topology.CurrentCH != nil {
		next.CurrentCH = s.factory.UpdateMembers(s.topology.CurrentCH, members, cfs)
	}
	if s.topology.PendingCH != nil {
		next.PendingCH = s.factory.UpdateMembers(s.topology.PendingCH, members, cfs)
	}
	return next
}

// enterDegradedLocked drops the leavers from the member list but keeps the
// stable hash, so segments owned by unreachable members stay unavailable.
func (s *ClusterCacheStatus) enterDegradedLocked(leavers []Address) {
	s.members = subtract(s.members, leavers)
	for _, a := range leavers {
		delete(s.capacityFactors, a)
	}
	s.expected, s.confirmed = nil, nil

	ch := s.topology.CurrentCH
	if s.stable != nil && s.stable.CurrentCH != nil {
		ch = s.stable.CurrentCH
	}
	s.topology = &CacheTopology{TopologyID: s.nextTopologyIDLocked(), CurrentCH: ch}
	s.availability = DegradedMode
}

func (s *ClusterCacheStatus) installInitialLocked(id int) {
	ji := s.joinInfo
	if ji == nil || s.factory == nil {
		return
	}
	ch := s.factory.Create(ji.HashFunction, ji.NumOwners, ji.NumSegments, slices.Clone(s.members), maps.Clone(s.capacityFactors))
	s.topology = &CacheTopology{TopologyID: id, CurrentCH: ch}
	s.stable = s.topology
	s.availability = Available
}

func (s *ClusterCacheStatus) startRebalanceLocked(t *CacheTopology) error {
	if s.expected != nil {
		return fmt.Errorf("%w: store %s", ErrRebalanceInProgress, s.name)
	}
	if t == nil || t.PendingCH == nil {
		return fmt.Errorf("store %s: rebalance topology has no pending hash", s.name)
	}
	if s.topology != nil && t.TopologyID <= s.topology.TopologyID {
		return fmt.Errorf("store %s: rebalance topology id %d not above %d", s.name, t.TopologyID, s.topology.TopologyID)
	}
	s.topology = t
	s.expected = slices.Clone(s.members)
	s.confirmed = make(map[Address]struct{}, len(s.expected))
	s.rebalanceTopologyID = t.TopologyID
	s.rebalances++
	s.logger.Info("rebalance started", "topology_id", t.TopologyID, "expected", s.expected)
	return nil
}

func (s *ClusterCacheStatus) confirmLocked(addr Address, topologyID int) (bool, error) {
	if s.expected == nil {
		if s.rebalances == 0 {
			return false, fmt.Errorf("%w: store %s", ErrNoRebalanceInProgress, s.name)
		}
		s.logger.Debug("ignoring confirmation, no rebalance running", "node", addr, "topology_id", topologyID)
		return false, nil
	}
	if topologyID < s.rebalanceTopologyID {
		s.logger.Debug("ignoring stale confirmation",
			"node", addr, "topology_id", topologyID, "rebalance_topology_id", s.rebalanceTopologyID)
		return false, nil
	}
	if !slices.Contains(s.expected, addr) {
		s.logger.Debug("ignoring confirmation from non-member", "node", addr)
		return false, nil
	}
	if _, ok := s.confirmed[addr]; ok {
		return false, nil
	}
	s.confirmed[addr] = struct{}{}
	return len(s.confirmed) == len(s.expected), nil
}

func (s *ClusterCacheStatus) rebalanceCompleteLocked() bool {
	return s.expected != nil && len(s.confirmed) == len(s.expected)
}

func (s *ClusterCacheStatus) endRebalanceLocked() *CacheTopology {
	t := &CacheTopology{TopologyID: s.nextTopologyIDLocked(), CurrentCH: s.topology.PendingCH}
	if t.CurrentCH == nil {
		t.CurrentCH = s.topology.CurrentCH
	}
	s.topology = t
	s.stable = t
	s.expected, s.confirmed = nil, nil
	s.logger.Info("rebalance completed", "topology_id", t.TopologyID)
	return t
}

func (s *ClusterCacheStatus) nextTopologyIDLocked() int {
	if s.topology == nil {
		return 1
	}
	return s.topology.TopologyID + 1
}

func (s *ClusterCacheStatus) numOwnersLocked() int {
	if s.joinInfo == nil {
		return 0
	}
	return s.joinInfo.NumOwners
}
