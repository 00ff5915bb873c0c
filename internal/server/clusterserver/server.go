// Package clusterserver provides the cluster node server.
//
// It wires a membership backend, the topology managers and the control
// RPC transport, and exposes the node to the admin HTTP API.
package clusterserver

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"slices"
	"sync"
	"time"

	"connectrpc.com/connect"

	adminv1 "github.com/yndnr/meshtopo/api/admin/v1"
	"github.com/yndnr/meshtopo/internal/consistenthash"
	"github.com/yndnr/meshtopo/internal/infra/workerpool"
	"github.com/yndnr/meshtopo/internal/membership"
	"github.com/yndnr/meshtopo/internal/partition"
	"github.com/yndnr/meshtopo/internal/telemetry/metric"
	"github.com/yndnr/meshtopo/internal/topology"
)

// Membership backends.
const (
	BackendGossip = "gossip"
	BackendRaft   = "raft"
)

// Config holds node configuration.
type Config struct {
	// NodeID is the unique node identifier and topology address.
	NodeID string

	// RPCAddr is the control RPC listen address. AdvertiseAddr is the
	// address other nodes dial; it defaults to the bound RPC address.
	RPCAddr       string
	AdvertiseAddr string

	Membership MembershipConfig
	Topology   TopologyConfig

	// Stores are joined once the node has started.
	Stores []StoreConfig

	// Rebalancer runs local state transfers. Nil confirms immediately.
	Rebalancer topology.RebalanceHandler

	Metrics *metric.Registry
	Logger  *slog.Logger
}

// MembershipConfig selects and configures the view source.
type MembershipConfig struct {
	Backend string

	GossipBindAddr string
	GossipBindPort int
	Seeds          []string
	// LocalProfile selects memberlist's loopback timings.
	LocalProfile bool

	RaftBindAddr string
	RaftDataDir  string
	RaftInMemory bool
	Bootstrap    bool

	LeaveTimeout time.Duration
}

// TopologyConfig tunes the topology managers.
type TopologyConfig struct {
	RPCTimeout        time.Duration
	ViewWaitQuantum   time.Duration
	JoinRetryInterval time.Duration
	RebalanceWindow   time.Duration
	Workers           int
	QueueSize         int
	PartitionStrategy string
	MaxFanout         int
}

// StoreConfig names a store this node runs.
type StoreConfig struct {
	Name     string
	JoinInfo topology.JoinInfo
}

// Server is a cluster node.
type Server struct {
	cfg     Config
	logger  *slog.Logger
	metrics *metric.Registry

	gossip *membership.Gossip
	raft   *membership.Raft
	source membership.Source

	transport  *Transport
	notifier   *topology.Notifier
	policy     *topology.ClusterRebalancePolicy
	cluster    *topology.ClusterTopologyManager
	local      *topology.LocalTopologyManager
	dispatcher *topology.Dispatcher
	partitions *partition.Manager
	pool       *workerpool.Pool

	listener   net.Listener
	httpServer *http.Server

	// firstView is closed once the first membership view was handled.
	firstView     chan struct{}
	firstViewOnce sync.Once

	startedAt time.Time
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup

	mu       sync.Mutex
	started  bool
	shutdown bool
}

// New assembles a node. The RPC listener is bound here so the advertised
// address is known before membership starts.
func New(cfg Config) (*Server, error) {
	if cfg.NodeID == "" {
		return nil, errors.New("clusterserver: node id is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Membership.Backend == "" {
		cfg.Membership.Backend = BackendGossip
	}
	if cfg.Membership.LeaveTimeout <= 0 {
		cfg.Membership.LeaveTimeout = 5 * time.Second
	}
	for _, sc := range cfg.Stores {
		if sc.Name == "" {
			return nil, errors.New("clusterserver: store name is required")
		}
		if err := sc.JoinInfo.Validate(); err != nil {
			return nil, fmt.Errorf("clusterserver: store %s: %w", sc.Name, err)
		}
	}

	strategy, err := partition.NewStrategy(cfg.Topology.PartitionStrategy, cfg.Logger)
	if err != nil {
		return nil, fmt.Errorf("clusterserver: %w", err)
	}

	s := &Server{
		cfg:       cfg,
		logger:    cfg.Logger.With("node", cfg.NodeID),
		metrics:   cfg.Metrics,
		firstView: make(chan struct{}),
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())

	ln, err := net.Listen("tcp", cfg.RPCAddr)
	if err != nil {
		s.cancel()
		return nil, fmt.Errorf("clusterserver: listen %s: %w", cfg.RPCAddr, err)
	}
	s.listener = ln
	advertise := cfg.AdvertiseAddr
	if advertise == "" {
		advertise = ln.Addr().String()
	}

	if err := s.initMembership(advertise); err != nil {
		ln.Close()
		s.cancel()
		return nil, err
	}

	s.transport, err = NewTransport(TransportConfig{
		Self:         topology.Address(cfg.NodeID),
		Directory:    s.source.Directory(),
		MaxFanout:    cfg.Topology.MaxFanout,
		AsyncTimeout: cfg.Topology.RPCTimeout,
		Interceptors: []connect.Interceptor{NewLoggingInterceptor(s.logger)},
		Metrics:      cfg.Metrics,
		Logger:       s.logger,
	})
	if err != nil {
		s.closeEarly()
		return nil, err
	}

	s.pool = workerpool.New(workerpool.Config{
		Name:      "topology",
		Workers:   cfg.Topology.Workers,
		QueueSize: cfg.Topology.QueueSize,
		Metrics:   cfg.Metrics,
		Logger:    s.logger,
	})
	s.notifier = topology.NewNotifier(s.logger)
	s.policy = topology.NewClusterRebalancePolicy(cfg.Topology.RebalanceWindow, s.logger)

	s.cluster, err = topology.NewClusterTopologyManager(topology.ClusterConfig{
		Transport:       s.transport,
		Policy:          s.policy,
		Strategy:        strategy,
		HashFactories:   consistenthash.Factories(),
		Executor:        s.pool,
		Notifier:        s.notifier,
		Metrics:         cfg.Metrics,
		Logger:          s.logger,
		RPCTimeout:      cfg.Topology.RPCTimeout,
		ViewWaitQuantum: cfg.Topology.ViewWaitQuantum,
	})
	if err != nil {
		s.closeEarly()
		return nil, err
	}
	s.local, err = topology.NewLocalTopologyManager(topology.LocalConfig{
		Transport:         s.transport,
		Coordinator:       s.cluster,
		Rebalancer:        cfg.Rebalancer,
		Notifier:          s.notifier,
		Metrics:           cfg.Metrics,
		Logger:            s.logger,
		RPCTimeout:        cfg.Topology.RPCTimeout,
		JoinRetryInterval: cfg.Topology.JoinRetryInterval,
	})
	if err != nil {
		s.closeEarly()
		return nil, err
	}
	s.dispatcher = topology.NewDispatcher(s.cluster, s.local, cfg.Metrics, s.logger)
	s.partitions = partition.NewManager(s.notifier, consistenthash.KeyPartitioner{}, s.logger)

	path, handler := NewServiceHandler(NewHandler(s.dispatcher, s.logger),
		connect.WithInterceptors(DefaultInterceptors(s.source.Directory(), s.logger)...))
	mux := http.NewServeMux()
	mux.Handle(path, handler)
	s.httpServer = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s, nil
}

func (s *Server) initMembership(advertise string) error {
	mc := s.cfg.Membership
	g, err := membership.NewGossip(membership.GossipConfig{
		NodeID:       s.cfg.NodeID,
		BindAddr:     mc.GossipBindAddr,
		BindPort:     mc.GossipBindPort,
		RPCAddr:      advertise,
		RaftAddr:     mc.RaftBindAddr,
		Seeds:        mc.Seeds,
		EmitViews:    mc.Backend == BackendGossip,
		LocalProfile: mc.LocalProfile,
		Logger:       s.logger,
	})
	if err != nil {
		return fmt.Errorf("clusterserver: %w", err)
	}
	s.gossip = g

	switch mc.Backend {
	case BackendGossip:
		s.source = g
	case BackendRaft:
		r, err := membership.NewRaft(membership.RaftConfig{
			NodeID:    s.cfg.NodeID,
			BindAddr:  mc.RaftBindAddr,
			DataDir:   mc.RaftDataDir,
			Bootstrap: mc.Bootstrap,
			InMemory:  mc.RaftInMemory,
			Logger:    s.logger,
		}, g)
		if err != nil {
			g.Shutdown()
			return fmt.Errorf("clusterserver: %w", err)
		}
		s.raft = r
		s.source = r
	default:
		g.Shutdown()
		return fmt.Errorf("clusterserver: unknown membership backend %q", mc.Backend)
	}
	return nil
}

func (s *Server) closeEarly() {
	s.cancel()
	if s.pool != nil {
		s.pool.Stop(time.Second)
	}
	s.source.Shutdown()
	s.listener.Close()
}

// Start serves control RPCs, starts membership and joins the configured
// stores in the background. Store joins wait for the first view, so a node
// never claims a store alone while it is still joining the cluster.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started || s.shutdown {
		s.mu.Unlock()
		return errors.New("clusterserver: already started")
	}
	s.started = true
	s.startedAt = time.Now()
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.httpServer.Serve(s.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("cluster rpc server failed", "error", err)
		}
	}()

	if err := s.source.Start(ctx, s.handleView); err != nil {
		return fmt.Errorf("clusterserver: start membership: %w", err)
	}
	s.logger.Info("cluster node started", "rpc_addr", s.listener.Addr().String(),
		"backend", s.cfg.Membership.Backend)

	for _, sc := range s.cfg.Stores {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			select {
			case <-s.firstView:
			case <-s.ctx.Done():
				return
			}
			if _, err := s.JoinStore(s.ctx, sc.Name, sc.JoinInfo); err != nil && s.ctx.Err() == nil {
				s.logger.Error("failed to join store", "store", sc.Name, "error", err)
			}
		}()
	}
	return nil
}

func (s *Server) handleView(ctx context.Context, v topology.View) error {
	s.transport.SetView(v)
	err := s.cluster.HandleView(ctx, v)
	s.firstViewOnce.Do(func() { close(s.firstView) })
	return err
}

// JoinStore joins a store through the coordinator.
func (s *Server) JoinStore(ctx context.Context, name string, info topology.JoinInfo) (*topology.CacheTopology, error) {
	return s.local.Join(ctx, name, info)
}

// LeaveStore leaves a store.
func (s *Server) LeaveStore(ctx context.Context, name string) error {
	return s.local.Leave(ctx, name)
}

// Addr returns the bound control RPC address.
func (s *Server) Addr() string {
	return s.listener.Addr().String()
}

// GossipAddr returns the bound gossip address, for use as a seed.
func (s *Server) GossipAddr() string {
	return s.gossip.GossipAddr()
}

// Partitions returns the availability tracker of this node.
func (s *Server) Partitions() *partition.Manager {
	return s.partitions
}

// Notifier returns the event registry of this node.
func (s *Server) Notifier() *topology.Notifier {
	return s.notifier
}

// Shutdown leaves every store and the cluster, then stops the node.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return nil
	}
	s.shutdown = true
	started := s.started
	s.mu.Unlock()

	s.logger.Info("shutting down cluster node")
	if started {
		for _, store := range s.local.Stores() {
			if err := s.local.Leave(ctx, store); err != nil {
				s.logger.Warn("failed to leave store", "store", store, "error", err)
			}
		}
	}
	s.cancel()
	s.cluster.Stop()

	var errs []error
	if started {
		if err := s.source.Leave(s.cfg.Membership.LeaveTimeout); err != nil {
			s.logger.Warn("failed to leave cluster", "error", err)
		}
	}
	if err := s.source.Shutdown(); err != nil {
		errs = append(errs, fmt.Errorf("membership shutdown: %w", err))
	}
	if err := s.httpServer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("rpc server shutdown: %w", err))
	}
	if !started {
		s.listener.Close()
	}
	s.wg.Wait()

	s.partitions.Close()
	s.notifier.Close()
	if err := s.pool.Stop(5 * time.Second); err != nil {
		errs = append(errs, fmt.Errorf("worker pool stop: %w", err))
	}
	s.logger.Info("cluster node stopped")
	return errors.Join(errs...)
}

// Status describes this node and its view.
func (s *Server) Status() adminv1.NodeStatus {
	view := s.source.View()
	dir := s.source.Directory()
	members := make([]adminv1.Member, 0, len(view.Members))
	for _, id := range view.Members {
		addr, _ := dir.RPCAddr(id)
		members = append(members, adminv1.Member{ID: string(id), RPCAddr: addr})
	}
	st := adminv1.NodeStatus{
		NodeID:             s.cfg.NodeID,
		RPCAddr:            s.Addr(),
		Backend:            s.cfg.Membership.Backend,
		ViewID:             s.cluster.ViewID(),
		Coordinator:        string(view.Coordinator),
		IsCoordinator:      s.cluster.IsCoordinator(),
		Members:            members,
		RebalancingEnabled: s.policy.RebalancingEnabled(),
	}
	s.mu.Lock()
	if s.started {
		st.Uptime = time.Since(s.startedAt).Truncate(time.Second).String()
	}
	s.mu.Unlock()
	return st
}

// Ready reports whether the node has processed a view.
func (s *Server) Ready() bool {
	return s.cluster.ViewID() >= 0
}

// Stores lists the stores known to this node. The coordinator reports the
// cluster status of every store; other nodes report their installed
// topologies.
func (s *Server) Stores() []adminv1.StoreSummary {
	var out []adminv1.StoreSummary
	if s.cluster.IsCoordinator() {
		for name, st := range s.cluster.Statuses() {
			out = append(out, summarize(name, st.JoinInfo, st.Topology, st.Availability, "coordinator"))
		}
	} else {
		for _, name := range s.local.Stores() {
			d, ok := s.Store(name)
			if ok {
				out = append(out, d.StoreSummary)
			}
		}
	}
	slices.SortFunc(out, func(a, b adminv1.StoreSummary) int { return cmp.Compare(a.Name, b.Name) })
	return out
}

// Store returns the topology of a store.
func (s *Server) Store(name string) (adminv1.StoreDetail, bool) {
	if s.cluster.IsCoordinator() {
		status, ok := s.cluster.Status(name)
		if !ok {
			return adminv1.StoreDetail{}, false
		}
		snap := status.Snapshot()
		d := detail(name, snap.JoinInfo, snap.Topology, snap.StableTopology, snap.Availability, "coordinator")
		for _, addr := range status.ConfirmedNodes() {
			d.Confirmed = append(d.Confirmed, string(addr))
		}
		for _, addr := range status.Members() {
			cf, _ := status.CapacityFactor(addr)
			d.Capacity = append(d.Capacity, adminv1.Capacity{Member: string(addr), Factor: cf})
		}
		return d, true
	}

	t, ok := s.local.Topology(name)
	if !ok {
		return adminv1.StoreDetail{}, false
	}
	mode, _ := s.local.Availability(name)
	return detail(name, topology.JoinInfo{}, t, nil, mode, "local"), true
}

// LocateKey reports the segment, owners and availability of key in the
// topology this node has installed for a store.
func (s *Server) LocateKey(store, key string) (adminv1.KeyLocation, error) {
	loc, ok := s.partitions.Locate(store, []byte(key))
	if !ok {
		return adminv1.KeyLocation{}, fmt.Errorf("%w: %s", topology.ErrUnknownStore, store)
	}
	out := adminv1.KeyLocation{
		Store:        store,
		Key:          key,
		TopologyID:   loc.TopologyID,
		Segment:      loc.Segment,
		Availability: loc.Availability.String(),
		Readable:     loc.ReadErr == nil,
		Writable:     loc.WriteErr == nil,
	}
	for _, a := range loc.ReadOwners {
		out.ReadOwners = append(out.ReadOwners, string(a))
	}
	for _, a := range loc.WriteOwners {
		out.WriteOwners = append(out.WriteOwners, string(a))
	}
	return out, nil
}

// TriggerRebalance starts a rebalance of a store. Only the coordinator can
// do that.
func (s *Server) TriggerRebalance(name string) error {
	if !s.cluster.IsCoordinator() {
		return topology.ErrNotCoordinator
	}
	if _, ok := s.cluster.Status(name); !ok {
		return fmt.Errorf("%w: %s", topology.ErrUnknownStore, name)
	}
	s.cluster.TriggerRebalance(name)
	return nil
}

// SetRebalancingEnabled toggles automatic rebalancing on this node.
func (s *Server) SetRebalancingEnabled(enabled bool) {
	s.policy.SetRebalancingEnabled(enabled)
}

// RebalancingEnabled reports whether automatic rebalancing is enabled.
func (s *Server) RebalancingEnabled() bool {
	return s.policy.RebalancingEnabled()
}

func summarize(name string, info topology.JoinInfo, t *topology.CacheTopology, mode topology.AvailabilityMode, source string) adminv1.StoreSummary {
	sum := adminv1.StoreSummary{
		Name:         name,
		Availability: mode.String(),
		NumOwners:    info.NumOwners,
		NumSegments:  info.NumSegments,
		Source:       source,
	}
	if t != nil {
		sum.TopologyID = t.TopologyID
		sum.Members = len(t.Members())
		sum.RebalanceInProgress = t.RebalanceInProgress()
		if ch := t.CurrentCH; ch != nil {
			sum.NumOwners = ch.NumOwners
			sum.NumSegments = ch.NumSegments
		}
	}
	return sum
}

func detail(name string, info topology.JoinInfo, t, stable *topology.CacheTopology, mode topology.AvailabilityMode, source string) adminv1.StoreDetail {
	d := adminv1.StoreDetail{
		StoreSummary: summarize(name, info, t, mode, source),
		HashFactory:  info.HashFactory,
		HashFunction: info.HashFunction,
	}
	if t != nil {
		d.CurrentCH = hashSummary(t.CurrentCH)
		d.PendingCH = hashSummary(t.PendingCH)
		if d.HashFunction == "" && t.CurrentCH != nil {
			d.HashFunction = t.CurrentCH.HashFunction
		}
	}
	if stable != nil {
		d.StableCH = hashSummary(stable.CurrentCH)
	}
	return d
}

func hashSummary(h *topology.Hash) *adminv1.Hash {
	if h == nil {
		return nil
	}
	out := &adminv1.Hash{
		NumSegments: h.NumSegments,
		NumOwners:   h.NumOwners,
		Owned:       make(map[string]int, len(h.Members)),
	}
	for _, m := range h.Members {
		out.Members = append(out.Members, string(m))
		out.Owned[string(m)] = len(h.SegmentsOwnedBy(m))
	}
	return out
}
