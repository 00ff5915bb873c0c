// Package membership provides Raft consensus integration.
package membership

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"

	"github.com/yndnr/meshtopo/internal/topology"
)

// RaftConfig configures the Raft membership source.
type RaftConfig struct {
	// NodeID is the unique node identifier.
	NodeID string

	// BindAddr is the address to bind for Raft communication.
	BindAddr string

	// DataDir holds the Bolt log and stable stores and snapshots.
	DataDir string

	// Bootstrap forms a single node cluster on first start.
	Bootstrap bool

	// ApplyTimeout bounds log appends and configuration changes.
	ApplyTimeout time.Duration

	// InMemory keeps the log, snapshots and transport in memory.
	InMemory bool

	Logger *slog.Logger
}

type peerEvent struct {
	join   bool
	member Member
}

// Raft is a membership source where the Raft leader is the coordinator and
// every view is a committed log entry. Peers are discovered through gossip.
type Raft struct {
	cfg       RaftConfig
	raft      *raft.Raft
	transport raft.Transport
	fsm       *viewFSM
	gossip    *Gossip
	queue     *viewQueue
	logger    *slog.Logger
	self      topology.Address

	logStore    *raftboltdb.BoltStore
	stableStore *raftboltdb.BoltStore
	observer    *raft.Observer

	leaderCh      chan bool
	observationCh chan raft.Observation
	events        chan peerEvent

	// Leader side bookkeeping, owned by the loop goroutine.
	unreachable map[topology.Address]bool
	departed    map[topology.Address]bool

	stop      chan struct{}
	wg        sync.WaitGroup
	startOnce sync.Once
	closeOnce sync.Once
}

// NewRaft creates the Raft node. gossip provides peer discovery and must run
// with EmitViews disabled.
func NewRaft(cfg RaftConfig, gossip *Gossip) (*Raft, error) {
	if gossip == nil {
		return nil, errors.New("membership: raft requires gossip discovery")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.ApplyTimeout <= 0 {
		cfg.ApplyTimeout = 10 * time.Second
	}
	if cfg.DataDir == "" && !cfg.InMemory {
		return nil, fmt.Errorf("raft: data_dir is required")
	}

	n := &Raft{
		cfg:           cfg,
		gossip:        gossip,
		queue:         newViewQueue(),
		logger:        cfg.Logger.With("component", "raft"),
		self:          topology.Address(cfg.NodeID),
		leaderCh:      make(chan bool, 10),
		observationCh: make(chan raft.Observation, 64),
		events:        make(chan peerEvent, 64),
		unreachable:   make(map[topology.Address]bool),
		departed:      make(map[topology.Address]bool),
		stop:          make(chan struct{}),
	}
	n.fsm = newViewFSM(n.queue.push, n.logger)

	hcLogger := newHCLogAdapter(cfg.Logger, "raft")
	raftConfig := raft.DefaultConfig()
	raftConfig.LocalID = raft.ServerID(cfg.NodeID)
	raftConfig.Logger = hcLogger
	raftConfig.NotifyCh = n.leaderCh

	// Tuning for lower latency
	raftConfig.HeartbeatTimeout = 1000 * time.Millisecond
	raftConfig.ElectionTimeout = 1000 * time.Millisecond
	raftConfig.CommitTimeout = 50 * time.Millisecond
	raftConfig.LeaderLeaseTimeout = 500 * time.Millisecond

	var (
		logStore    raft.LogStore
		stableStore raft.StableStore
		snapshots   raft.SnapshotStore
	)
	if cfg.InMemory {
		store := raft.NewInmemStore()
		logStore, stableStore = store, store
		snapshots = raft.NewInmemSnapshotStore()
		_, trans := raft.NewInmemTransport(raft.ServerAddress(cfg.NodeID))
		n.transport = trans
	} else {
		if err := n.openDisk(hcLogger); err != nil {
			return nil, err
		}
		logStore, stableStore = n.logStore, n.stableStore
		var err error
		snapshots, err = raft.NewFileSnapshotStoreWithLogger(cfg.DataDir, 3, hcLogger.Named("snapshot"))
		if err != nil {
			n.closeStores()
			return nil, fmt.Errorf("create snapshot store: %w", err)
		}
	}

	r, err := raft.NewRaft(raftConfig, n.fsm, logStore, stableStore, snapshots, n.transport)
	if err != nil {
		n.closeStores()
		return nil, fmt.Errorf("create raft: %w", err)
	}
	n.raft = r

	n.observer = raft.NewObserver(n.observationCh, false, func(o *raft.Observation) bool {
		switch o.Data.(type) {
		case raft.FailedHeartbeatObservation, raft.ResumedHeartbeatObservation:
			return true
		}
		return false
	})
	r.RegisterObserver(n.observer)

	if cfg.Bootstrap {
		configuration := raft.Configuration{
			Servers: []raft.Server{{
				ID:      raft.ServerID(cfg.NodeID),
				Address: n.transport.LocalAddr(),
			}},
		}
		if err := r.BootstrapCluster(configuration).Error(); err != nil && !errors.Is(err, raft.ErrCantBootstrap) {
			n.Shutdown()
			return nil, fmt.Errorf("bootstrap cluster: %w", err)
		}
		n.logger.Info("raft cluster bootstrapped", "node_id", cfg.NodeID, "addr", n.transport.LocalAddr())
	}

	n.logger.Info("raft node created", "node_id", cfg.NodeID, "bind_addr", cfg.BindAddr,
		"bootstrap", cfg.Bootstrap, "in_memory", cfg.InMemory)
	return n, nil
}

func (n *Raft) openDisk(logger *hclogAdapter) error {
	if err := os.MkdirAll(n.cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	addr, err := net.ResolveTCPAddr("tcp", n.cfg.BindAddr)
	if err != nil {
		return fmt.Errorf("resolve bind addr: %w", err)
	}
	trans, err := raft.NewTCPTransportWithLogger(n.cfg.BindAddr, addr, 3, 10*time.Second, logger.Named("transport"))
	if err != nil {
		return fmt.Errorf("create transport: %w", err)
	}
	n.transport = trans

	n.logStore, err = raftboltdb.NewBoltStore(filepath.Join(n.cfg.DataDir, "raft-log.db"))
	if err != nil {
		n.closeStores()
		return fmt.Errorf("create log store: %w", err)
	}
	n.stableStore, err = raftboltdb.NewBoltStore(filepath.Join(n.cfg.DataDir, "raft-stable.db"))
	if err != nil {
		n.closeStores()
		return fmt.Errorf("create stable store: %w", err)
	}
	return nil
}

// Start starts gossip discovery and delivers committed views to sink until
// the node shuts down.
func (n *Raft) Start(ctx context.Context, sink ViewSink) error {
	if sink == nil {
		return errors.New("membership: view sink is required")
	}
	started := false
	n.startOnce.Do(func() {
		started = true
		n.gossip.OnJoin(func(m Member) { n.enqueue(peerEvent{join: true, member: m}) })
		n.gossip.OnLeave(func(id topology.Address) { n.enqueue(peerEvent{member: Member{ID: id}}) })

		n.wg.Add(2)
		go func() {
			defer n.wg.Done()
			n.queue.run(n.stop, func(v topology.View) {
				if err := sink(ctx, v); err != nil {
					n.logger.Error("view handling failed", "view_id", v.ID, "error", err)
				}
			})
		}()
		go func() {
			defer n.wg.Done()
			n.loop()
		}()
	})
	if !started {
		return errors.New("membership: raft already started")
	}
	return n.gossip.Start(ctx, nil)
}

func (n *Raft) enqueue(ev peerEvent) {
	select {
	case n.events <- ev:
	case <-n.stop:
	default:
		n.logger.Warn("dropping peer event, queue full", "node_id", ev.member.ID, "join", ev.join)
	}
}

// loop runs the leader side: configuration changes and view proposals.
func (n *Raft) loop() {
	for {
		select {
		case <-n.stop:
			return

		case isLeader := <-n.leaderCh:
			if !isLeader {
				n.logger.Info("lost raft leadership")
				continue
			}
			n.logger.Info("acquired raft leadership")
			clear(n.unreachable)
			n.reconcilePeers()
			n.propose(false)

		case ev := <-n.events:
			if !n.IsLeader() {
				continue
			}
			if ev.join {
				merge := n.departed[ev.member.ID]
				delete(n.departed, ev.member.ID)
				if err := n.addVoter(ev.member); err != nil {
					n.logger.Warn("add voter failed", "node_id", ev.member.ID, "error", err)
					continue
				}
				n.propose(merge)
			} else {
				n.departed[ev.member.ID] = true
				delete(n.unreachable, ev.member.ID)
				if err := n.removeServer(ev.member.ID); err != nil {
					n.logger.Warn("remove server failed", "node_id", ev.member.ID, "error", err)
					continue
				}
				n.propose(false)
			}

		case o := <-n.observationCh:
			if !n.IsLeader() {
				continue
			}
			switch data := o.Data.(type) {
			case raft.FailedHeartbeatObservation:
				id := topology.Address(data.PeerID)
				if n.unreachable[id] {
					continue
				}
				n.logger.Warn("peer unreachable", "node_id", id, "last_contact", data.LastContact)
				n.unreachable[id] = true
				n.propose(false)
			case raft.ResumedHeartbeatObservation:
				id := topology.Address(data.PeerID)
				if !n.unreachable[id] {
					continue
				}
				n.logger.Info("peer reachable again", "node_id", id)
				delete(n.unreachable, id)
				n.propose(true)
			}
		}
	}
}

// reconcilePeers adds gossip members missing from the Raft configuration.
func (n *Raft) reconcilePeers() {
	servers, err := n.servers()
	if err != nil {
		n.logger.Warn("read raft configuration", "error", err)
		return
	}
	for _, m := range n.gossip.Members() {
		if m.ID == n.self || m.RaftAddr == "" {
			continue
		}
		if slices.ContainsFunc(servers, func(s raft.Server) bool { return string(s.ID) == string(m.ID) }) {
			continue
		}
		if err := n.addVoter(m); err != nil {
			n.logger.Warn("add voter failed", "node_id", m.ID, "error", err)
		}
	}
}

// propose appends a view made of the reachable voters.
func (n *Raft) propose(merge bool) {
	servers, err := n.servers()
	if err != nil {
		n.logger.Warn("read raft configuration", "error", err)
		return
	}
	var members []topology.Address
	for _, s := range servers {
		id := topology.Address(s.ID)
		if s.Suffrage != raft.Voter || n.unreachable[id] {
			continue
		}
		members = append(members, id)
	}
	slices.Sort(members)

	data, err := encodeViewEntry(viewEntry{Members: members, Coordinator: n.self, Merge: merge})
	if err != nil {
		n.logger.Error("encode view", "error", err)
		return
	}
	if err := n.raft.Apply(data, n.cfg.ApplyTimeout).Error(); err != nil {
		n.logger.Warn("propose view failed", "members", members, "error", err)
	}
}

func (n *Raft) servers() ([]raft.Server, error) {
	f := n.raft.GetConfiguration()
	if err := f.Error(); err != nil {
		return nil, fmt.Errorf("get configuration: %w", err)
	}
	return f.Configuration().Servers, nil
}

func (n *Raft) addVoter(m Member) error {
	if m.RaftAddr == "" {
		return fmt.Errorf("node %s advertises no raft address", m.ID)
	}
	f := n.raft.AddVoter(raft.ServerID(m.ID), raft.ServerAddress(m.RaftAddr), 0, n.cfg.ApplyTimeout)
	if err := f.Error(); err != nil {
		return fmt.Errorf("add voter: %w", err)
	}
	n.logger.Info("voter added", "node_id", m.ID, "raft_addr", m.RaftAddr)
	return nil
}

func (n *Raft) removeServer(id topology.Address) error {
	f := n.raft.RemoveServer(raft.ServerID(id), 0, n.cfg.ApplyTimeout)
	if err := f.Error(); err != nil {
		return fmt.Errorf("remove server: %w", err)
	}
	n.logger.Info("server removed", "node_id", id)
	return nil
}

// IsLeader reports whether this node leads the Raft cluster.
func (n *Raft) IsLeader() bool {
	return n.raft.State() == raft.Leader
}

// LeaderID returns the current leader id.
func (n *Raft) LeaderID() string {
	_, id := n.raft.LeaderWithID()
	return string(id)
}

// View returns the last committed view.
func (n *Raft) View() topology.View {
	return n.fsm.View()
}

// Directory returns the address directory maintained by gossip.
func (n *Raft) Directory() *Directory {
	return n.gossip.Directory()
}

// Stats returns Raft statistics.
func (n *Raft) Stats() map[string]string {
	return n.raft.Stats()
}

// Leave hands over leadership if held and leaves gossip so the leader
// removes this node.
func (n *Raft) Leave(timeout time.Duration) error {
	if n.IsLeader() {
		if err := n.raft.LeadershipTransfer().Error(); err != nil {
			n.logger.Warn("leadership transfer failed", "error", err)
		}
	}
	return n.gossip.Leave(timeout)
}

// Shutdown stops Raft, its stores and gossip.
func (n *Raft) Shutdown() error {
	n.closeOnce.Do(func() {
		n.logger.Info("shutting down raft node")
		close(n.stop)
		if n.raft != nil {
			n.raft.DeregisterObserver(n.observer)
			if err := n.raft.Shutdown().Error(); err != nil {
				n.logger.Error("raft shutdown failed", "error", err)
			}
		}
		n.wg.Wait()
		n.closeStores()
		if err := n.gossip.Shutdown(); err != nil {
			n.logger.Error("gossip shutdown failed", "error", err)
		}
		n.logger.Info("raft node shutdown complete")
	})
	return nil
}

func (n *Raft) closeStores() {
	if n.stableStore != nil {
		if err := n.stableStore.Close(); err != nil {
			n.logger.Error("close stable store failed", "error", err)
		}
	}
	if n.logStore != nil {
		if err := n.logStore.Close(); err != nil {
			n.logger.Error("close log store failed", "error", err)
		}
	}
	if c, ok := n.transport.(raft.WithClose); ok {
		if err := c.Close(); err != nil {
			n.logger.Error("close transport failed", "error", err)
		}
	}
}
