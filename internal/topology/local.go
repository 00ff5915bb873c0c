// Package topology provides the member side of topology coordination.
//
// LocalTopologyManager installs the topologies sent by the coordinator and
// confirms rebalances once local state transfer is done.
package topology

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/yndnr/meshtopo/internal/telemetry/metric"
	"github.com/yndnr/meshtopo/pkg/cmap"
)

// RebalanceHandler moves the data of a store to the owners of the pending
// hash. It is the state-transfer collaborator of the local node.
type RebalanceHandler interface {
	Rebalance(ctx context.Context, store string, t *CacheTopology) error
}

// RebalanceHandlerFunc adapts a function to RebalanceHandler.
type RebalanceHandlerFunc func(ctx context.Context, store string, t *CacheTopology) error

// Rebalance implements RebalanceHandler.
func (f RebalanceHandlerFunc) Rebalance(ctx context.Context, store string, t *CacheTopology) error {
	return f(ctx, store, t)
}

// LocalConfig configures a LocalTopologyManager.
type LocalConfig struct {
	Transport Transport
	// Coordinator handles requests when this node is the coordinator.
	Coordinator *ClusterTopologyManager
	Rebalancer  RebalanceHandler
	Notifier    *Notifier
	Metrics     *metric.Registry
	Logger      *slog.Logger

	RPCTimeout        time.Duration
	JoinRetryInterval time.Duration
}

// LocalTopologyManager is the node side of the protocol. It joins and
// leaves stores through the coordinator, installs topologies in increasing
// id order and runs local rebalances.
type LocalTopologyManager struct {
	transport     Transport
	coordinator   *ClusterTopologyManager
	rebalancer    RebalanceHandler
	notifier      *Notifier
	metrics       *metric.Registry
	logger        *slog.Logger
	rpcTimeout    time.Duration
	retryInterval time.Duration

	self   Address
	stores *cmap.Map[string, *localStore]
}

type localStore struct {
	mu           sync.Mutex
	joinInfo     JoinInfo
	topology     *CacheTopology
	stable       *CacheTopology
	availability AvailabilityMode
	// rebalancedID is the topology id of the last local rebalance.
	rebalancedID int
}

// NewLocalTopologyManager creates a node-side manager. A nil Rebalancer
// confirms every rebalance immediately.
func NewLocalTopologyManager(cfg LocalConfig) (*LocalTopologyManager, error) {
	if cfg.Transport == nil {
		return nil, errors.New("topology: transport is required")
	}
	if cfg.Coordinator == nil {
		return nil, errors.New("topology: coordinator is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Rebalancer == nil {
		cfg.Rebalancer = RebalanceHandlerFunc(func(context.Context, string, *CacheTopology) error { return nil })
	}
	if cfg.RPCTimeout <= 0 {
		cfg.RPCTimeout = 30 * time.Second
	}
	if cfg.JoinRetryInterval <= 0 {
		cfg.JoinRetryInterval = 500 * time.Millisecond
	}

	m := &LocalTopologyManager{
		transport:     cfg.Transport,
		coordinator:   cfg.Coordinator,
		rebalancer:    cfg.Rebalancer,
		notifier:      cfg.Notifier,
		metrics:       cfg.Metrics,
		logger:        cfg.Logger.With("component", "local_topology"),
		rpcTimeout:    cfg.RPCTimeout,
		retryInterval: cfg.JoinRetryInterval,
		self:          cfg.Transport.Address(),
		stores:        cmap.New[string, *localStore](),
	}
	cfg.Coordinator.BindLocal(m)
	return m, nil
}

// Join registers store locally and joins it through the coordinator,
// retrying while the coordinator asks to or cannot be reached. The store is
// registered before the request is sent so that a coordinator recovering
// the cluster status sees this node as a member.
func (m *LocalTopologyManager) Join(ctx context.Context, store string, info JoinInfo) (*CacheTopology, error) {
	if err := info.Validate(); err != nil {
		return nil, fmt.Errorf("join %s: %w", store, err)
	}
	ls, _ := m.stores.GetOrCompute(store, func() *localStore {
		return &localStore{joinInfo: info}
	})
	if info.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, info.Timeout)
		defer cancel()
	}

	for attempt := 1; ; attempt++ {
		resp, err := m.sendJoin(ctx, store, info)
		switch {
		case err == nil && !resp.Retry:
			m.install(store, ls, resp.Topology, nil, resp.Availability)
			t := ls.currentTopology()
			m.logger.Info("joined store", "store", store, "topology", t, "attempt", attempt)
			return t, nil
		case errors.Is(err, ErrUnknownHashFactory):
			m.stores.Delete(store)
			return nil, err
		case err != nil:
			m.logger.Warn("join failed, retrying", "store", store, "attempt", attempt, "error", err)
		default:
			m.logger.Debug("coordinator asked to retry join", "store", store, "attempt", attempt)
		}

		timer := time.NewTimer(m.retryInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			m.stores.Delete(store)
			return nil, fmt.Errorf("join %s: %w", store, ctx.Err())
		case <-timer.C:
		}
	}
}

func (m *LocalTopologyManager) sendJoin(ctx context.Context, store string, info JoinInfo) (*JoinResponse, error) {
	coord, viewID := m.transport.Coordinator(), m.transport.ViewID()
	if coord == m.self {
		return m.coordinator.HandleJoin(ctx, store, m.self, info, viewID)
	}
	cmd, err := NewCommand(CmdJoin, m.self, viewID, store, JoinPayload{JoinInfo: info})
	if err != nil {
		return nil, err
	}
	var resp JoinResponse
	if err := m.invokeCoordinator(ctx, coord, cmd, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Leave unregisters store and tells the coordinator.
func (m *LocalTopologyManager) Leave(ctx context.Context, store string) error {
	if _, ok := m.stores.Pop(store); !ok {
		return nil
	}
	coord, viewID := m.transport.Coordinator(), m.transport.ViewID()
	m.logger.Info("leaving store", "store", store)
	if coord == m.self {
		return m.coordinator.HandleLeave(ctx, store, m.self, viewID)
	}
	cmd, err := NewCommand(CmdLeave, m.self, viewID, store, nil)
	if err != nil {
		return err
	}
	return m.invokeCoordinator(ctx, coord, cmd, nil)
}

// HandleTopologyUpdate installs a CH_UPDATE. Topologies not newer than the
// installed one are ignored.
func (m *LocalTopologyManager) HandleTopologyUpdate(store string, p TopologyPayload, viewID int64) {
	ls, ok := m.stores.Get(store)
	if !ok {
		m.logger.Debug("ignoring topology for store not running here", "store", store, "view_id", viewID)
		return
	}
	m.install(store, ls, p.Topology, p.StableTopology, p.Availability)
}

// HandleRebalanceStart installs a rebalance topology, runs the local
// rebalance and confirms it to the coordinator. A failed local rebalance is
// confirmed with its error.
func (m *LocalTopologyManager) HandleRebalanceStart(ctx context.Context, store string, p TopologyPayload, viewID int64) error {
	if p.Topology == nil {
		return fmt.Errorf("rebalance start for %s without topology", store)
	}
	ls, ok := m.stores.Get(store)
	if !ok {
		m.logger.Warn("rebalance start for store not running here", "store", store)
		return m.confirm(ctx, store, p.Topology.TopologyID, fmt.Sprintf("store %s is not running on %s", store, m.self))
	}

	m.install(store, ls, p.Topology, p.StableTopology, p.Availability)
	t, run := ls.beginRebalance()
	if !run {
		m.logger.Debug("ignoring stale rebalance start", "store", store,
			"topology_id", p.Topology.TopologyID, "view_id", viewID)
		return nil
	}

	var rebalanceErr string
	if err := m.rebalancer.Rebalance(ctx, store, t); err != nil {
		m.logger.Warn("local rebalance failed", "store", store, "topology_id", t.TopologyID, "error", err)
		rebalanceErr = err.Error()
	}
	return m.confirm(ctx, store, t.TopologyID, rebalanceErr)
}

func (m *LocalTopologyManager) confirm(ctx context.Context, store string, topologyID int, rebalanceErr string) error {
	coord, viewID := m.transport.Coordinator(), m.transport.ViewID()
	if coord == m.self {
		return m.coordinator.HandleRebalanceCompleted(ctx, store, m.self, topologyID, rebalanceErr, viewID)
	}
	cmd, err := NewCommand(CmdRebalanceConfirm, m.self, viewID, store, RebalanceConfirmPayload{
		TopologyID: topologyID,
		Error:      rebalanceErr,
	})
	if err != nil {
		return err
	}
	return m.invokeCoordinator(ctx, coord, cmd, nil)
}

// HandleStatusRequest reports every store running on this node.
func (m *LocalTopologyManager) HandleStatusRequest(viewID int64) *StatusResponse {
	resp := &StatusResponse{Stores: make(map[string]StoreStatus)}
	m.stores.Range(func(store string, ls *localStore) bool {
		resp.Stores[store] = ls.status()
		return true
	})
	m.logger.Debug("reporting local status", "view_id", viewID, "stores", len(resp.Stores))
	return resp
}

// Topology returns the installed topology of a store.
func (m *LocalTopologyManager) Topology(store string) (*CacheTopology, bool) {
	ls, ok := m.stores.Get(store)
	if !ok {
		return nil, false
	}
	return ls.currentTopology(), true
}

// Availability returns the availability mode of a store.
func (m *LocalTopologyManager) Availability(store string) (AvailabilityMode, bool) {
	ls, ok := m.stores.Get(store)
	if !ok {
		return Available, false
	}
	return ls.status().Availability, true
}

// Stores returns the names of the stores running on this node.
func (m *LocalTopologyManager) Stores() []string {
	return m.stores.Keys()
}

func (m *LocalTopologyManager) invokeCoordinator(ctx context.Context, coord Address, cmd Command, out any) error {
	rctx, cancel := context.WithTimeout(ctx, m.rpcTimeout)
	defer cancel()

	resps, err := m.transport.InvokeRemotely(rctx, []Address{coord}, cmd, Sync)
	if err != nil {
		return fmt.Errorf("invoke %s on %s: %w", cmd.Type, coord, err)
	}
	resp, ok := resps[coord]
	if !ok {
		return &RemoteError{Member: coord, Reason: "no response"}
	}
	return decodeResponse(coord, resp, out)
}

// install records t if it is newer than the installed topology and
// publishes a TopologyChangedEvent.
func (m *LocalTopologyManager) install(store string, ls *localStore, t, stable *CacheTopology, mode AvailabilityMode) bool {
	if t == nil {
		return false
	}
	ls.mu.Lock()
	prev := ls.topology
	if prev != nil && t.TopologyID <= prev.TopologyID {
		ls.mu.Unlock()
		m.logger.Debug("ignoring old topology", "store", store,
			"topology_id", t.TopologyID, "installed_topology_id", prev.TopologyID)
		return false
	}
	ls.topology = t
	if stable != nil && (ls.stable == nil || stable.TopologyID >= ls.stable.TopologyID) {
		ls.stable = stable
	}
	ls.availability = mode
	ev := TopologyChangedEvent{
		Store:          store,
		Previous:       prev,
		Topology:       t,
		StableTopology: ls.stable,
		Availability:   mode,
	}
	ls.mu.Unlock()

	m.logger.Debug("topology installed", "store", store, "topology", t, "availability", mode)
	m.metrics.SetTopology(store, t.TopologyID, mode == DegradedMode)
	m.notifier.NotifyTopologyChanged(ev)
	return true
}

// beginRebalance returns the installed topology if it carries a pending hash
// that was not rebalanced locally yet.
func (ls *localStore) beginRebalance() (*CacheTopology, bool) {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	t := ls.topology
	if t == nil || t.PendingCH == nil || t.TopologyID <= ls.rebalancedID {
		return nil, false
	}
	ls.rebalancedID = t.TopologyID
	return t, true
}

func (ls *localStore) currentTopology() *CacheTopology {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	return ls.topology
}

func (ls *localStore) status() StoreStatus {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	return StoreStatus{
		JoinInfo:       ls.joinInfo,
		Topology:       ls.topology,
		StableTopology: ls.stable,
		Availability:   ls.availability,
	}
}
