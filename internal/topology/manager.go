// Package topology coordinates cache topologies across a meshtopo cluster.
//
// ClusterTopologyManager runs on every node and acts only while its node is
// the coordinator of the current view.
package topology

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/yndnr/meshtopo/internal/telemetry/metric"
	"github.com/yndnr/meshtopo/pkg/cmap"
)

// DefaultHashFactory names the factory used when a join does not name one.
const DefaultHashFactory = "rendezvous"

// Executor runs coordination work off the calling goroutine.
type Executor interface {
	Submit(name string, task func(ctx context.Context) error) error
}

// ClusterConfig configures a ClusterTopologyManager.
type ClusterConfig struct {
	Transport Transport
	Policy    RebalancePolicy
	Strategy  PartitionHandlingStrategy

	// HashFactories maps JoinInfo.HashFactory names to factories.
	HashFactories map[string]ConsistentHashFactory

	Executor Executor
	Notifier *Notifier
	Metrics  *metric.Registry
	Logger   *slog.Logger

	// RPCTimeout bounds every remote invocation.
	RPCTimeout time.Duration

	// ViewWaitQuantum is the period joins re-check the view id while
	// waiting for the coordinator to catch up.
	ViewWaitQuantum time.Duration
}

// ClusterTopologyManager computes, versions and broadcasts the topologies of
// every store. Only the coordinator acts on requests; other nodes answer
// joins with a retry signal.
type ClusterTopologyManager struct {
	transport   Transport
	policy      RebalancePolicy
	strategy    PartitionHandlingStrategy
	factories   map[string]ConsistentHashFactory
	executor    Executor
	notifier    *Notifier
	metrics     *metric.Registry
	logger      *slog.Logger
	rpcTimeout  time.Duration
	waitQuantum time.Duration

	self  Address
	local *LocalTopologyManager

	statuses *cmap.Map[string, *ClusterCacheStatus]

	// viewHandlingMu serializes view processing.
	viewHandlingMu sync.Mutex
	coordinator    atomic.Bool
	shuttingDown   atomic.Bool

	viewMu   sync.Mutex
	viewID   int64
	viewWake chan struct{}
}

// NewClusterTopologyManager creates a coordinator-side manager.
func NewClusterTopologyManager(cfg ClusterConfig) (*ClusterTopologyManager, error) {
	if cfg.Transport == nil {
		return nil, errors.New("topology: transport is required")
	}
	if len(cfg.HashFactories) == 0 {
		return nil, errors.New("topology: at least one hash factory is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Policy == nil {
		cfg.Policy = NewClusterRebalancePolicy(0, cfg.Logger)
	}
	if cfg.Executor == nil {
		cfg.Executor = goExecutor{logger: cfg.Logger}
	}
	if cfg.RPCTimeout <= 0 {
		cfg.RPCTimeout = 30 * time.Second
	}
	if cfg.ViewWaitQuantum <= 0 {
		cfg.ViewWaitQuantum = time.Second
	}

	m := &ClusterTopologyManager{
		transport:   cfg.Transport,
		policy:      cfg.Policy,
		strategy:    cfg.Strategy,
		factories:   cfg.HashFactories,
		executor:    cfg.Executor,
		notifier:    cfg.Notifier,
		metrics:     cfg.Metrics,
		logger:      cfg.Logger.With("component", "cluster_topology"),
		rpcTimeout:  cfg.RPCTimeout,
		waitQuantum: cfg.ViewWaitQuantum,
		self:        cfg.Transport.Address(),
		statuses:    cmap.New[string, *ClusterCacheStatus](),
		viewID:      -1,
		viewWake:    make(chan struct{}),
	}
	m.policy.Bind(m.TriggerRebalance)
	return m, nil
}

// BindLocal attaches the node-side manager that serves this node's own
// GET_STATUS and receives the coordinator's broadcasts locally.
func (m *ClusterTopologyManager) BindLocal(local *LocalTopologyManager) {
	m.local = local
}

// Stop releases pending join waits and stops rebalance triggers.
func (m *ClusterTopologyManager) Stop() {
	if m.shuttingDown.Swap(true) {
		return
	}
	m.logger.Info("stopping cluster topology manager")
	m.publishViewID(math.MaxInt64)
	m.policy.Stop()
}

// ViewID returns the last fully processed view id.
func (m *ClusterTopologyManager) ViewID() int64 {
	m.viewMu.Lock()
	defer m.viewMu.Unlock()
	return m.viewID
}

// IsCoordinator reports whether this node coordinates the cluster.
func (m *ClusterTopologyManager) IsCoordinator() bool {
	return m.coordinator.Load()
}

// Status returns the status of a store.
func (m *ClusterTopologyManager) Status(store string) (*ClusterCacheStatus, bool) {
	return m.statuses.Get(store)
}

// Statuses returns a snapshot of every store status.
func (m *ClusterTopologyManager) Statuses() map[string]StoreStatus {
	out := make(map[string]StoreStatus)
	for _, status := range m.statuses.Values() {
		out[status.Name()] = status.Snapshot()
	}
	return out
}

// HandleJoin adds joiner to a store. It waits until this node has processed
// viewID. The first member receives the initial topology directly; later
// joiners receive the current topology and are placed by the next rebalance.
func (m *ClusterTopologyManager) HandleJoin(ctx context.Context, store string, joiner Address, info JoinInfo, viewID int64) (*JoinResponse, error) {
	if err := m.waitForView(ctx, viewID); err != nil {
		m.metrics.RecordJoin(store, "error")
		return nil, err
	}
	if m.shuttingDown.Load() || !m.coordinator.Load() {
		m.logger.Debug("asking joiner to retry", "store", store, "node", joiner,
			"shutting_down", m.shuttingDown.Load())
		m.metrics.RecordJoin(store, "retry")
		return &JoinResponse{Retry: true}, nil
	}
	if err := info.Validate(); err != nil {
		m.metrics.RecordJoin(store, "error")
		return nil, fmt.Errorf("join %s: %w", store, err)
	}
	factory, err := m.factory(info.HashFactory)
	if err != nil {
		m.metrics.RecordJoin(store, "error")
		return nil, fmt.Errorf("join %s: %w", store, err)
	}

	status, _ := m.statuses.GetOrCompute(store, func() *ClusterCacheStatus {
		return NewClusterCacheStatus(store, m.strategy, m.logger)
	})
	t, initial := status.join(joiner, info, factory)
	if initial {
		m.metrics.RecordJoin(store, "initial")
		return &JoinResponse{Topology: t, Availability: Available}, nil
	}

	snap := status.Snapshot()
	m.logger.Info("node joined", "store", store, "node", joiner, "topology", snap.Topology)
	m.metrics.RecordJoin(store, "joined")
	m.policy.UpdateCacheStatus(status)
	return &JoinResponse{Topology: snap.Topology, Availability: snap.Availability}, nil
}

// HandleLeave removes leaver from a store and broadcasts the pruned topology
// right away.
func (m *ClusterTopologyManager) HandleLeave(ctx context.Context, store string, leaver Address, viewID int64) error {
	if err := m.waitForView(ctx, viewID); err != nil {
		return err
	}
	if m.shuttingDown.Load() {
		m.logger.Debug("ignoring leave while shutting down", "store", store, "node", leaver)
		return nil
	}
	if !m.coordinator.Load() {
		return fmt.Errorf("leave %s: %w", store, ErrNotCoordinator)
	}
	status, ok := m.statuses.Get(store)
	if !ok {
		return nil
	}
	t, changed := status.leave(leaver)
	if !changed {
		return nil
	}
	m.logger.Info("node left", "store", store, "node", leaver, "topology", t)
	m.broadcastTopology(ctx, store, CmdCHUpdate, status.Snapshot())
	m.policy.UpdateCacheStatus(status)
	return nil
}

// HandleRebalanceCompleted records the confirmation of node for topologyID.
// A non-empty rebalanceErr is logged and counted as a confirmation, so one
// failed member cannot block the rebalance. When the last member confirms,
// the pending hash becomes current and is broadcast.
func (m *ClusterTopologyManager) HandleRebalanceCompleted(ctx context.Context, store string, node Address, topologyID int, rebalanceErr string, viewID int64) error {
	if m.shuttingDown.Load() {
		return nil
	}
	status, ok := m.statuses.Get(store)
	if !ok {
		return fmt.Errorf("%w: store %s has no status", ErrNoRebalanceInProgress, store)
	}
	if rebalanceErr != "" {
		m.logger.Warn("rebalance failed on member, treating it as confirmed",
			"store", store, "node", node, "topology_id", topologyID, "error", rebalanceErr)
		m.metrics.IncRebalanceError(store)
	} else {
		m.logger.Debug("rebalance confirmed", "store", store, "node", node,
			"topology_id", topologyID, "view_id", viewID)
	}

	ended, err := status.confirm(node, topologyID)
	if err != nil {
		return err
	}
	if ended == nil {
		return nil
	}
	m.metrics.IncRebalanceCompleted(store)
	m.broadcastTopology(ctx, store, CmdCHUpdate, status.Snapshot())
	m.policy.UpdateCacheStatus(status)
	return nil
}

// TriggerRebalance queues a rebalance of store on the executor.
func (m *ClusterTopologyManager) TriggerRebalance(store string) {
	if m.shuttingDown.Load() || !m.coordinator.Load() {
		return
	}
	err := m.executor.Submit("rebalance "+store, func(ctx context.Context) error {
		return m.startRebalance(ctx, store)
	})
	if err != nil {
		m.logger.Error("queue rebalance", "store", store, "error", err)
	}
}

func (m *ClusterTopologyManager) startRebalance(ctx context.Context, store string) error {
	status, ok := m.statuses.Get(store)
	if !ok {
		return nil
	}
	t := status.prepareRebalance()
	if t == nil {
		return nil
	}
	m.metrics.IncRebalanceStarted(store)
	snap := status.Snapshot()
	snap.Topology = t
	m.broadcastTopology(ctx, store, CmdRebalanceStart, snap)
	return nil
}

// HandleView processes a membership view. Views are handled one at a time
// and views not newer than the last processed one are ignored. Becoming
// coordinator, or a merge view, triggers cluster status recovery; other
// views on the coordinator prune departed members. The view id is published
// only once that work is done.
func (m *ClusterTopologyManager) HandleView(ctx context.Context, view View) error {
	m.viewHandlingMu.Lock()
	defer m.viewHandlingMu.Unlock()

	if m.shuttingDown.Load() {
		return nil
	}
	if view.ID <= m.ViewID() {
		m.logger.Debug("ignoring old view", "view_id", view.ID, "last_view_id", m.ViewID())
		return nil
	}

	wasCoordinator := m.coordinator.Load()
	isCoordinator := view.Coordinator == m.self
	m.coordinator.Store(isCoordinator)
	m.metrics.SetCoordinator(isCoordinator)
	m.logger.Info("new view", "view_id", view.ID, "members", view.Members,
		"coordinator", view.Coordinator, "merge", view.Merge)

	var err error
	switch {
	case isCoordinator && (!wasCoordinator || view.Merge):
		start := time.Now()
		err = m.recoverClusterStatus(ctx, view)
		m.metrics.ObserveRecovery(time.Since(start), err)
		if err != nil {
			m.logger.Error("cluster status recovery failed", "view_id", view.ID, "error", err)
		}
	case isCoordinator:
		m.updateClusterMembers(ctx, view.Members)
	case wasCoordinator:
		m.logger.Info("no longer coordinator", "view_id", view.ID, "coordinator", view.Coordinator)
		for _, store := range m.statuses.Keys() {
			m.policy.RemoveCache(store)
		}
		m.statuses.Clear()
	}

	m.publishViewID(view.ID)
	m.notifier.NotifyViewChanged(ViewChangedEvent{
		ViewID:        view.ID,
		Members:       slices.Clone(view.Members),
		Coordinator:   view.Coordinator,
		IsCoordinator: isCoordinator,
		Merge:         view.Merge,
	})
	return err
}

// recoverClusterStatus rebuilds every store status from the GET_STATUS
// answers of all members, then broadcasts the reconciled topologies.
func (m *ClusterTopologyManager) recoverClusterStatus(ctx context.Context, view View) error {
	m.logger.Info("recovering cluster status", "view_id", view.ID)
	cmd, err := NewCommand(CmdGetStatus, m.self, view.ID, "", nil)
	if err != nil {
		return err
	}
	responses, err := m.executeOnClusterSync(ctx, cmd)
	if err != nil {
		return fmt.Errorf("recover cluster status: %w", err)
	}

	reports := make(map[string][]memberReport)
	var stores []string
	for _, member := range view.Members {
		resp, ok := responses[member]
		if !ok {
			continue
		}
		for store, st := range resp.Stores {
			if _, seen := reports[store]; !seen {
				stores = append(stores, store)
			}
			reports[store] = append(reports[store], memberReport{Node: member, Status: st})
		}
	}
	slices.Sort(stores)

	recovered := make([]*ClusterCacheStatus, 0, len(stores))
	for _, store := range stores {
		rs := reports[store]
		factory, err := m.factory(rs[0].Status.JoinInfo.HashFactory)
		if err != nil {
			m.logger.Error("cannot recover store", "store", store, "error", err)
			continue
		}
		status := NewClusterCacheStatus(store, m.strategy, m.logger)
		status.reconcile(rs, factory, view.Merge)
		recovered = append(recovered, status)
	}

	for _, store := range m.statuses.Keys() {
		m.policy.RemoveCache(store)
	}
	m.statuses.Clear()
	for _, status := range recovered {
		m.statuses.Set(status.Name(), status)
	}

	for _, status := range recovered {
		if status.Topology() != nil {
			m.broadcastTopology(ctx, status.Name(), CmdCHUpdate, status.Snapshot())
		}
		m.policy.InitCache(status)
	}
	m.logger.Info("cluster status recovered", "view_id", view.ID, "stores", len(recovered))
	return nil
}

// updateClusterMembers prunes members that left the cluster from every
// store and broadcasts the resulting topologies.
func (m *ClusterTopologyManager) updateClusterMembers(ctx context.Context, members []Address) {
	for _, status := range m.statuses.Values() {
		if status.processMembershipChange(members) == nil {
			continue
		}
		m.broadcastTopology(ctx, status.Name(), CmdCHUpdate, status.Snapshot())
		m.policy.UpdateCacheStatus(status)
	}
}

// executeOnClusterSync runs a GET_STATUS on every member, this node
// included. Any failed response fails the whole call; members that left
// meanwhile are skipped.
func (m *ClusterTopologyManager) executeOnClusterSync(ctx context.Context, cmd Command) (map[Address]StatusResponse, error) {
	rctx, cancel := context.WithTimeout(ctx, m.rpcTimeout)
	defer cancel()

	resps, err := m.transport.InvokeRemotely(rctx, nil, cmd, SyncIgnoreLeavers)
	if err != nil {
		return nil, err
	}
	out := make(map[Address]StatusResponse, len(resps)+1)
	for member, resp := range resps {
		var sr StatusResponse
		if err := decodeResponse(member, resp, &sr); err != nil {
			return nil, err
		}
		out[member] = sr
	}
	if m.local != nil {
		out[m.self] = *m.local.HandleStatusRequest(cmd.ViewID)
	}
	return out, nil
}

// broadcastTopology sends a CH_UPDATE or REBALANCE_START without waiting for
// responses and applies it to this node.
func (m *ClusterTopologyManager) broadcastTopology(ctx context.Context, store string, typ CommandType, st StoreStatus) {
	if st.Topology == nil {
		return
	}
	payload := TopologyPayload{
		Topology:       st.Topology,
		StableTopology: st.StableTopology,
		Availability:   st.Availability,
	}
	viewID := m.ViewID()
	cmd, err := NewCommand(typ, m.self, viewID, store, payload)
	if err != nil {
		m.logger.Error("build topology command", "store", store, "error", err)
		return
	}

	var targets []Address
	if typ == CmdRebalanceStart {
		targets = slices.DeleteFunc(st.Topology.Members(), func(a Address) bool { return a == m.self })
	}
	m.logger.Debug("broadcasting topology", "store", store, "type", typ,
		"topology_id", st.Topology.TopologyID, "availability", st.Availability)

	if typ != CmdRebalanceStart || len(targets) > 0 {
		bctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.rpcTimeout)
		_, err = m.transport.InvokeRemotely(bctx, targets, cmd, Async)
		cancel()
		if err != nil {
			m.logger.Warn("broadcast topology", "store", store, "type", typ, "error", err)
		}
	}

	if m.local == nil {
		return
	}
	switch typ {
	case CmdCHUpdate:
		m.local.HandleTopologyUpdate(store, payload, viewID)
	case CmdRebalanceStart:
		if slices.Contains(st.Topology.Members(), m.self) {
			if err := m.local.HandleRebalanceStart(ctx, store, payload, viewID); err != nil {
				m.logger.Warn("local rebalance", "store", store, "error", err)
			}
		}
	}
}

// waitForView blocks until viewID has been processed, re-checking every
// wait quantum. It never times out by itself.
func (m *ClusterTopologyManager) waitForView(ctx context.Context, viewID int64) error {
	for {
		m.viewMu.Lock()
		current, wake := m.viewID, m.viewWake
		m.viewMu.Unlock()
		if current >= viewID {
			return nil
		}

		m.logger.Debug("waiting for view", "view_id", viewID, "current_view_id", current)
		timer := time.NewTimer(m.waitQuantum)
		select {
		case <-wake:
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
		timer.Stop()
	}
}

func (m *ClusterTopologyManager) publishViewID(id int64) {
	m.viewMu.Lock()
	if id > m.viewID {
		m.viewID = id
	}
	close(m.viewWake)
	m.viewWake = make(chan struct{})
	m.viewMu.Unlock()

	if id != math.MaxInt64 {
		m.metrics.SetViewID(id)
	}
}

func (m *ClusterTopologyManager) factory(name string) (ConsistentHashFactory, error) {
	if name == "" {
		name = DefaultHashFactory
	}
	f, ok := m.factories[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownHashFactory, name)
	}
	return f, nil
}

// goExecutor runs every task on its own goroutine.
type goExecutor struct {
	logger *slog.Logger
}

func (e goExecutor) Submit(name string, task func(ctx context.Context) error) error {
	go func() {
		if err := task(context.Background()); err != nil {
			e.logger.Error("task failed", "task", name, "error", err)
		}
	}()
	return nil
}
