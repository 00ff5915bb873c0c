// Package membership provides view discovery over the gossip protocol.
//
// Nodes advertise their view id and coordinator in memberlist metadata so
// that a node absorbing an established member detects a merge.
package membership

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/hashicorp/memberlist"

	"github.com/yndnr/meshtopo/internal/topology"
)

// GossipConfig configures the gossip membership source.
type GossipConfig struct {
	// NodeID is the unique node identifier and topology address.
	NodeID string

	// BindAddr and BindPort are the gossip listen address. Port 0 picks a
	// free port.
	BindAddr string
	BindPort int

	// RPCAddr is the control RPC address advertised to other nodes.
	RPCAddr string

	// RaftAddr is advertised when the Raft source uses gossip for discovery.
	RaftAddr string

	// Seeds are gossip addresses (host:port) joined at start.
	Seeds []string

	// EmitViews makes Start compute views and deliver them to the sink.
	// When false gossip only discovers peers.
	EmitViews bool

	// UpdateTimeout bounds metadata broadcasts.
	UpdateTimeout time.Duration

	// LocalProfile selects memberlist's loopback timings.
	LocalProfile bool

	Logger *slog.Logger
}

// Gossip is a memberlist based membership source.
type Gossip struct {
	cfg    GossipConfig
	ML     *memberlist.Memberlist
	dir    *Directory
	self   topology.Address
	logger *slog.Logger

	mu         sync.Mutex
	meta       nodeMeta
	advertised []byte
	tracker    *viewTracker

	cbMu    sync.RWMutex
	onJoin  func(Member)
	onLeave func(topology.Address)

	kick         chan struct{}
	stop         chan struct{}
	done         chan struct{}
	started      bool
	shutdownOnce sync.Once
}

// NewGossip creates the memberlist instance. The node does not contact any
// seed until Start.
func NewGossip(cfg GossipConfig) (*Gossip, error) {
	if cfg.NodeID == "" {
		return nil, errors.New("membership: node id is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.UpdateTimeout <= 0 {
		cfg.UpdateTimeout = 5 * time.Second
	}

	g := &Gossip{
		cfg:     cfg,
		dir:     NewDirectory(),
		self:    topology.Address(cfg.NodeID),
		logger:  cfg.Logger.With("component", "gossip"),
		meta:    nodeMeta{RPCAddr: cfg.RPCAddr, RaftAddr: cfg.RaftAddr},
		tracker: newViewTracker(topology.Address(cfg.NodeID)),
		kick:    make(chan struct{}, 1),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}

	mlConfig := memberlist.DefaultLANConfig()
	if cfg.LocalProfile {
		mlConfig = memberlist.DefaultLocalConfig()
	}
	mlConfig.Name = cfg.NodeID
	mlConfig.BindAddr = cfg.BindAddr
	mlConfig.BindPort = cfg.BindPort
	mlConfig.AdvertisePort = cfg.BindPort
	mlConfig.Delegate = &metaDelegate{gossip: g}
	mlConfig.Events = &eventDelegate{gossip: g}
	mlConfig.LogOutput = &slogWriter{logger: g.logger}

	ml, err := memberlist.Create(mlConfig)
	if err != nil {
		return nil, fmt.Errorf("create memberlist: %w", err)
	}
	g.ML = ml
	return g, nil
}

// Start joins the seeds and, with EmitViews, delivers views to sink until
// ctx is canceled or the source shuts down. Views are computed only after
// the seed join returned, so the first view already holds the seed members
// and a joining node never installs a view of itself alone.
func (g *Gossip) Start(ctx context.Context, sink ViewSink) error {
	if g.cfg.EmitViews && sink == nil {
		return errors.New("membership: view sink is required")
	}
	g.mu.Lock()
	if g.started {
		g.mu.Unlock()
		return errors.New("membership: gossip already started")
	}
	g.started = true
	g.mu.Unlock()

	if len(g.cfg.Seeds) > 0 {
		n, err := g.ML.Join(g.cfg.Seeds)
		if err != nil {
			close(g.done)
			return fmt.Errorf("join seed nodes: %w", err)
		}
		g.logger.Info("joined cluster", "node_id", g.cfg.NodeID, "seed_nodes", g.cfg.Seeds, "joined_count", n)
	} else {
		g.logger.Info("started gossip (bootstrap mode)", "node_id", g.cfg.NodeID)
	}

	if !g.cfg.EmitViews {
		close(g.done)
		return nil
	}
	go g.run(ctx, sink)
	g.signal()
	return nil
}

func (g *Gossip) run(ctx context.Context, sink ViewSink) {
	defer close(g.done)
	for {
		select {
		case <-ctx.Done():
			return
		case <-g.stop:
			return
		case <-g.kick:
		}

		g.mu.Lock()
		v, changed := g.tracker.next()
		g.meta.ViewID = g.tracker.last.ID
		g.meta.Coordinator = g.tracker.last.Coordinator
		g.mu.Unlock()

		if changed {
			g.logger.Info("installing view", "view_id", v.ID, "coordinator", v.Coordinator,
				"members", v.Members, "merge", v.Merge)
			if err := sink(ctx, v); err != nil {
				g.logger.Error("view handling failed", "view_id", v.ID, "error", err)
			}
		}
		g.advertise()
	}
}

// advertise broadcasts the local metadata when it changed.
func (g *Gossip) advertise() {
	g.mu.Lock()
	data, err := encodeMeta(g.meta, memberlist.MetaMaxSize)
	same := err == nil && bytes.Equal(data, g.advertised)
	g.mu.Unlock()
	if err != nil {
		g.logger.Error("encode node metadata", "error", err)
		return
	}
	if same {
		return
	}
	if err := g.ML.UpdateNode(g.cfg.UpdateTimeout); err != nil {
		g.logger.Warn("broadcast node metadata", "error", err)
	}
}

func (g *Gossip) signal() {
	select {
	case g.kick <- struct{}{}:
	default:
	}
}

// OnJoin registers a callback for peers joining. Callbacks run on the
// memberlist goroutine and must not block.
func (g *Gossip) OnJoin(fn func(Member)) {
	g.cbMu.Lock()
	g.onJoin = fn
	g.cbMu.Unlock()
}

// OnLeave registers a callback for peers leaving or failing.
func (g *Gossip) OnLeave(fn func(topology.Address)) {
	g.cbMu.Lock()
	g.onLeave = fn
	g.cbMu.Unlock()
}

// Local returns the local member.
func (g *Gossip) Local() Member {
	return Member{ID: g.self, RPCAddr: g.cfg.RPCAddr, RaftAddr: g.cfg.RaftAddr}
}

// GossipAddr returns the bound gossip address, usable as a seed.
func (g *Gossip) GossipAddr() string {
	n := g.ML.LocalNode()
	return net.JoinHostPort(n.Addr.String(), strconv.Itoa(int(n.Port)))
}

// Members returns the alive members.
func (g *Gossip) Members() []Member {
	return g.dir.Members()
}

// Directory returns the address directory kept in sync with gossip.
func (g *Gossip) Directory() *Directory {
	return g.dir
}

// View returns the last computed view.
func (g *Gossip) View() topology.View {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.tracker.last
}

// Leave broadcasts a graceful leave.
func (g *Gossip) Leave(timeout time.Duration) error {
	if err := g.ML.Leave(timeout); err != nil {
		g.logger.Error("failed to leave cluster", "error", err)
		return err
	}
	g.logger.Info("left cluster")
	return nil
}

// Shutdown stops the view loop and memberlist.
func (g *Gossip) Shutdown() error {
	var err error
	g.shutdownOnce.Do(func() {
		close(g.stop)
		g.mu.Lock()
		started := g.started
		g.mu.Unlock()
		if started {
			<-g.done
		}
		if e := g.ML.Shutdown(); e != nil {
			err = fmt.Errorf("shutdown memberlist: %w", e)
			return
		}
		g.logger.Info("gossip shutdown complete")
	})
	return err
}

func (g *Gossip) nodeJoined(node *memberlist.Node) {
	meta, err := decodeMeta(node.Meta)
	if err != nil {
		g.logger.Warn("ignoring node with unreadable metadata", "node_id", node.Name, "error", err)
		return
	}
	m := Member{ID: topology.Address(node.Name), RPCAddr: meta.RPCAddr, RaftAddr: meta.RaftAddr}
	g.dir.Set(m)

	g.mu.Lock()
	g.tracker.upsert(m.ID, meta)
	g.mu.Unlock()
	g.signal()

	if m.ID == g.self {
		return
	}
	g.logger.Info("node joined", "node_id", node.Name, "gossip_addr", node.Address(), "rpc_addr", meta.RPCAddr)
	g.cbMu.RLock()
	fn := g.onJoin
	g.cbMu.RUnlock()
	if fn != nil {
		fn(m)
	}
}

func (g *Gossip) nodeLeft(node *memberlist.Node) {
	id := topology.Address(node.Name)
	g.dir.Delete(id)

	g.mu.Lock()
	g.tracker.remove(id)
	g.mu.Unlock()
	g.signal()

	g.logger.Info("node left", "node_id", node.Name, "addr", node.Addr.String())
	g.cbMu.RLock()
	fn := g.onLeave
	g.cbMu.RUnlock()
	if fn != nil {
		fn(id)
	}
}

func (g *Gossip) nodeUpdated(node *memberlist.Node) {
	meta, err := decodeMeta(node.Meta)
	if err != nil {
		g.logger.Warn("ignoring unreadable metadata update", "node_id", node.Name, "error", err)
		return
	}
	id := topology.Address(node.Name)
	g.dir.Set(Member{ID: id, RPCAddr: meta.RPCAddr, RaftAddr: meta.RaftAddr})

	g.mu.Lock()
	g.tracker.upsert(id, meta)
	g.mu.Unlock()
	g.signal()
	g.logger.Debug("node updated", "node_id", node.Name, "view_id", meta.ViewID)
}

// eventDelegate implements memberlist.EventDelegate.
type eventDelegate struct {
	gossip *Gossip
}

func (e *eventDelegate) NotifyJoin(node *memberlist.Node)   { e.gossip.nodeJoined(node) }
func (e *eventDelegate) NotifyLeave(node *memberlist.Node)  { e.gossip.nodeLeft(node) }
func (e *eventDelegate) NotifyUpdate(node *memberlist.Node) { e.gossip.nodeUpdated(node) }

// metaDelegate publishes the local nodeMeta.
type metaDelegate struct {
	gossip *Gossip
}

// NodeMeta implements memberlist.Delegate.
func (d *metaDelegate) NodeMeta(limit int) []byte {
	g := d.gossip
	g.mu.Lock()
	defer g.mu.Unlock()
	data, err := encodeMeta(g.meta, limit)
	if err != nil {
		g.logger.Error("encode node metadata", "error", err)
		return g.advertised
	}
	g.advertised = data
	return data
}

func (d *metaDelegate) NotifyMsg([]byte)                           {}
func (d *metaDelegate) GetBroadcasts(overhead, limit int) [][]byte { return nil }
func (d *metaDelegate) LocalState(join bool) []byte                { return nil }
func (d *metaDelegate) MergeRemoteState(buf []byte, join bool)     {}

// slogWriter adapts slog.Logger to io.Writer for memberlist.
type slogWriter struct {
	logger *slog.Logger
}

// Write implements io.Writer.
func (w *slogWriter) Write(p []byte) (n int, err error) {
	w.logger.Debug(string(bytes.TrimSpace(p)))
	return len(p), nil
}
