package topology

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"slices"
	"sync"
	"testing"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// inlineExecutor runs tasks on the submitting goroutine.
type inlineExecutor struct{}

func (inlineExecutor) Submit(_ string, task func(ctx context.Context) error) error {
	return task(context.Background())
}

// manualPolicy never triggers a rebalance by itself; tests call
// TriggerRebalance explicitly.
type manualPolicy struct {
	mu      sync.Mutex
	updates map[string]int
}

func newManualPolicy() *manualPolicy {
	return &manualPolicy{updates: make(map[string]int)}
}

func (p *manualPolicy) Bind(func(store string)) {}

func (p *manualPolicy) InitCache(s *ClusterCacheStatus) { p.UpdateCacheStatus(s) }

func (p *manualPolicy) UpdateCacheStatus(s *ClusterCacheStatus) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.updates[s.Name()]++
}

func (p *manualPolicy) RemoveCache(string) {}

func (p *manualPolicy) Stop() {}

func (p *manualPolicy) count(store string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.updates[store]
}

// minorityStrategy degrades a store when fewer than a majority of the stable
// members remain.
type minorityStrategy struct{}

func (minorityStrategy) OnMembershipChanged(ctx *PartitionContext) {
	stable := ctx.StableMembers()
	present := len(intersect(stable, ctx.NewMembers))
	if present < len(stable)/2+1 {
		ctx.EnterDegradedMode()
		return
	}
	ctx.EnterAvailableMode()
}

type harnessOptions struct {
	strategy   PartitionHandlingStrategy
	autoPolicy bool
	rebalancer func(node Address) RebalanceHandler
}

// harness wires several nodes together over an in-memory transport. Views
// are installed explicitly; a node only reaches the members of its own view.
type harness struct {
	t *testing.T

	mu      sync.Mutex
	nodes   map[Address]*testNode
	crashed map[Address]bool
	hold    bool
	queued  []queuedCommand
}

type queuedCommand struct {
	from    Address
	to      Address
	members []Address
	cmd     Command
}

type testNode struct {
	addr       Address
	transport  *memTransport
	cluster    *ClusterTopologyManager
	local      *LocalTopologyManager
	dispatcher *Dispatcher
	notifier   *Notifier
	policy     *manualPolicy
}

func newHarness(t *testing.T, opts harnessOptions, addrs ...Address) *harness {
	t.Helper()
	h := &harness{
		t:       t,
		nodes:   make(map[Address]*testNode),
		crashed: make(map[Address]bool),
	}
	for _, addr := range addrs {
		n := &testNode{
			addr:      addr,
			transport: &memTransport{h: h, self: addr, view: View{ID: -1}},
			notifier:  NewNotifier(discardLogger()),
		}
		var policy RebalancePolicy
		if opts.autoPolicy {
			policy = NewClusterRebalancePolicy(0, discardLogger())
		} else {
			n.policy = newManualPolicy()
			policy = n.policy
		}
		cluster, err := NewClusterTopologyManager(ClusterConfig{
			Transport:     n.transport,
			Policy:        policy,
			Strategy:      opts.strategy,
			HashFactories: map[string]ConsistentHashFactory{DefaultHashFactory: testFactory{}},
			Executor:      inlineExecutor{},
			Notifier:      n.notifier,
			Logger:        discardLogger(),
		})
		if err != nil {
			t.Fatalf("NewClusterTopologyManager(%s) error = %v", addr, err)
		}
		var rebalancer RebalanceHandler
		if opts.rebalancer != nil {
			rebalancer = opts.rebalancer(addr)
		}
		local, err := NewLocalTopologyManager(LocalConfig{
			Transport:   n.transport,
			Coordinator: cluster,
			Rebalancer:  rebalancer,
			Notifier:    n.notifier,
			Logger:      discardLogger(),
		})
		if err != nil {
			t.Fatalf("NewLocalTopologyManager(%s) error = %v", addr, err)
		}
		n.cluster = cluster
		n.local = local
		n.dispatcher = NewDispatcher(cluster, local, nil, discardLogger())
		h.nodes[addr] = n
	}
	t.Cleanup(func() {
		for _, n := range h.nodes {
			n.cluster.Stop()
			n.notifier.Close()
		}
	})
	return h
}

func (h *harness) node(addr Address) *testNode {
	h.mu.Lock()
	defer h.mu.Unlock()
	n, ok := h.nodes[addr]
	if !ok {
		h.t.Fatalf("unknown node %s", addr)
	}
	return n
}

// installView gives every member the same view and lets the coordinator
// process it first.
func (h *harness) installView(id int64, coordinator Address, merge bool, members ...Address) {
	h.t.Helper()
	view := View{ID: id, Members: members, Coordinator: coordinator, Merge: merge}
	for _, m := range members {
		h.node(m).transport.setView(view)
	}
	order := append([]Address{coordinator}, slices.DeleteFunc(slices.Clone(members), func(a Address) bool { return a == coordinator })...)
	for _, m := range order {
		if err := h.node(m).cluster.HandleView(context.Background(), view); err != nil {
			h.t.Fatalf("HandleView(%s, %d) error = %v", m, id, err)
		}
	}
}

func (h *harness) join(addr Address, store string) *CacheTopology {
	h.t.Helper()
	t, err := h.node(addr).local.Join(context.Background(), store, testJoinInfo())
	if err != nil {
		h.t.Fatalf("Join(%s, %s) error = %v", addr, store, err)
	}
	return t
}

func (h *harness) crash(addr Address) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.crashed[addr] = true
	h.queued = slices.DeleteFunc(h.queued, func(q queuedCommand) bool { return q.from == addr || q.to == addr })
}

// holdAsync queues asynchronous commands until they are flushed.
func (h *harness) holdAsync(hold bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.hold = hold
}

func (h *harness) flush() {
	h.deliverQueued(func(queuedCommand) bool { return true })
}

// deliverQueued delivers the queued commands matching pred, including the
// ones queued while delivering, and keeps the rest.
func (h *harness) deliverQueued(pred func(queuedCommand) bool) {
	for {
		h.mu.Lock()
		var batch, rest []queuedCommand
		for _, q := range h.queued {
			if pred(q) {
				batch = append(batch, q)
			} else {
				rest = append(rest, q)
			}
		}
		h.queued = rest
		h.mu.Unlock()
		if len(batch) == 0 {
			return
		}
		for _, q := range batch {
			h.deliver(context.Background(), q.from, q.to, q.members, q.cmd)
		}
	}
}

func (h *harness) pending() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.queued)
}

func (h *harness) deliver(ctx context.Context, from, to Address, members []Address, cmd Command) (Response, bool) {
	h.mu.Lock()
	target, ok := h.nodes[to]
	down := h.crashed[to] || h.crashed[from]
	h.mu.Unlock()
	if !ok || down || !slices.Contains(members, to) {
		return Response{}, false
	}

	res, err := target.dispatcher.HandleCommand(ctx, cmd)
	if err != nil {
		return Response{Error: err.Error()}, true
	}
	if res == nil {
		return Response{}, true
	}
	data, err := json.Marshal(res)
	if err != nil {
		return Response{Error: err.Error()}, true
	}
	return Response{Value: data}, true
}

// memTransport is a Transport over the harness.
type memTransport struct {
	h    *harness
	self Address

	mu   sync.Mutex
	view View
}

func (t *memTransport) setView(v View) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.view = v
}

func (t *memTransport) Address() Address { return t.self }

func (t *memTransport) Members() []Address {
	t.mu.Lock()
	defer t.mu.Unlock()
	return slices.Clone(t.view.Members)
}

func (t *memTransport) ViewID() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.view.ID
}

func (t *memTransport) Coordinator() Address {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.view.Coordinator
}

func (t *memTransport) IsCoordinator() bool { return t.Coordinator() == t.self }

func (t *memTransport) InvokeRemotely(ctx context.Context, targets []Address, cmd Command, mode ResponseMode) (map[Address]Response, error) {
	members := t.Members()
	if targets == nil {
		targets = members
	}
	out := make(map[Address]Response, len(targets))
	for _, target := range targets {
		if target == t.self {
			continue
		}
		if mode == Async {
			t.h.mu.Lock()
			if t.h.hold {
				t.h.queued = append(t.h.queued, queuedCommand{from: t.self, to: target, members: members, cmd: cmd})
				t.h.mu.Unlock()
				continue
			}
			t.h.mu.Unlock()
		}
		resp, ok := t.h.deliver(ctx, t.self, target, members, cmd)
		switch {
		case !ok && mode == Sync:
			out[target] = Response{Error: "member unreachable"}
		case ok && mode != Async:
			out[target] = resp
		}
	}
	if mode == Async {
		return nil, nil
	}
	return out, nil
}

func (h *harness) localTopology(addr Address, store string) *CacheTopology {
	h.t.Helper()
	t, ok := h.node(addr).local.Topology(store)
	if !ok {
		h.t.Fatalf("node %s does not run store %s", addr, store)
	}
	return t
}

func (h *harness) status(addr Address, store string) *ClusterCacheStatus {
	h.t.Helper()
	s, ok := h.node(addr).cluster.Status(store)
	if !ok {
		h.t.Fatalf("node %s has no status for store %s", addr, store)
	}
	return s
}

func sameMembers(got, want []Address) bool {
	return len(got) == len(want) && containsAll(got, want) && containsAll(want, got)
}
