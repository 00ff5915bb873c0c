package clusterserver

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/yndnr/meshtopo/internal/telemetry/metric"
	"github.com/yndnr/meshtopo/internal/topology"
)

var usersStore = StoreConfig{
	Name: "users",
	JoinInfo: topology.JoinInfo{
		HashFactory:    topology.DefaultHashFactory,
		HashFunction:   "murmur3",
		NumOwners:      2,
		NumSegments:    16,
		CapacityFactor: 1,
	},
}

func testConfig(id string, seeds ...string) Config {
	return Config{
		NodeID:  id,
		RPCAddr: "127.0.0.1:0",
		Membership: MembershipConfig{
			Backend:        BackendGossip,
			GossipBindAddr: "127.0.0.1",
			Seeds:          seeds,
			LocalProfile:   true,
			LeaveTimeout:   time.Second,
		},
		Topology: TopologyConfig{
			RPCTimeout:        5 * time.Second,
			ViewWaitQuantum:   50 * time.Millisecond,
			JoinRetryInterval: 50 * time.Millisecond,
			Workers:           2,
		},
		Stores:  []StoreConfig{usersStore},
		Metrics: metric.NewRegistry(),
		Logger:  discardLogger(),
	}
}

func startServer(t *testing.T, cfg Config) *Server {
	t.Helper()
	s, err := New(cfg)
	if err != nil {
		t.Fatalf("New(%s) error = %v", cfg.NodeID, err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		s.Shutdown(ctx)
	})
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start(%s) error = %v", cfg.NodeID, err)
	}
	return s
}

func eventually(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestNew_Validation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing node id", func(c *Config) { c.NodeID = "" }},
		{"invalid store", func(c *Config) { c.Stores = []StoreConfig{{Name: "bad"}} }},
		{"unnamed store", func(c *Config) { c.Stores = []StoreConfig{{JoinInfo: usersStore.JoinInfo}} }},
		{"unknown strategy", func(c *Config) { c.Topology.PartitionStrategy = "optimistic" }},
		{"unknown backend", func(c *Config) { c.Membership.Backend = "zookeeper" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig("node-a")
			tt.mutate(&cfg)
			if s, err := New(cfg); err == nil {
				s.Shutdown(context.Background())
				t.Error("New() returned nil error")
			}
		})
	}
}

func TestServer_SingleNodeGossip(t *testing.T) {
	s := startServer(t, testConfig("node-a"))

	eventually(t, 10*time.Second, "store joined", func() bool {
		d, ok := s.Store("users")
		return ok && d.Members == 1
	})

	st := s.Status()
	if !st.IsCoordinator || st.Coordinator != "node-a" || st.ViewID < 0 {
		t.Errorf("Status() = %+v", st)
	}
	if !s.Ready() {
		t.Error("Ready() = false after the first view")
	}

	stores := s.Stores()
	if len(stores) != 1 || stores[0].Name != "users" || stores[0].Source != "coordinator" {
		t.Fatalf("Stores() = %+v", stores)
	}
	d, _ := s.Store("users")
	if d.CurrentCH == nil || d.CurrentCH.Owned["node-a"] != 16 {
		t.Errorf("current hash = %+v, want node-a owning every segment", d.CurrentCH)
	}
	eventually(t, 5*time.Second, "partition state", func() bool {
		state, ok := s.Partitions().State("users")
		return ok && state.Availability == topology.Available
	})

	loc, err := s.LocateKey("users", "alice")
	if err != nil {
		t.Fatalf("LocateKey() error = %v", err)
	}
	if !slices.Equal(loc.ReadOwners, []string{"node-a"}) || !loc.Readable || !loc.Writable {
		t.Errorf("LocateKey() = %+v, want node-a serving the key", loc)
	}
	if _, err := s.LocateKey("orders", "alice"); !errors.Is(err, topology.ErrUnknownStore) {
		t.Errorf("LocateKey(unknown) error = %v", err)
	}

	if err := s.TriggerRebalance("users"); err != nil {
		t.Errorf("TriggerRebalance() error = %v", err)
	}
	if err := s.TriggerRebalance("orders"); !errors.Is(err, topology.ErrUnknownStore) {
		t.Errorf("TriggerRebalance(unknown) error = %v", err)
	}

	s.SetRebalancingEnabled(false)
	if s.RebalancingEnabled() || s.Status().RebalancingEnabled {
		t.Error("rebalancing still enabled")
	}
}

func TestServer_TwoNodeGossipCluster(t *testing.T) {
	a := startServer(t, testConfig("node-a"))
	b := startServer(t, testConfig("node-b", a.GossipAddr()))

	eventually(t, 20*time.Second, "both nodes own segments", func() bool {
		d, ok := a.Store("users")
		return ok && d.Members == 2 && !d.RebalanceInProgress &&
			d.CurrentCH != nil && d.CurrentCH.Owned["node-b"] > 0
	})

	// node-b sees the coordinator's topology.
	eventually(t, 10*time.Second, "node-b installs the balanced topology", func() bool {
		da, _ := a.Store("users")
		db, ok := b.Store("users")
		return ok && db.Source == "local" && db.TopologyID == da.TopologyID
	})

	if b.Status().IsCoordinator {
		t.Error("node-b claims to be coordinator")
	}
	if err := b.TriggerRebalance("users"); !errors.Is(err, topology.ErrNotCoordinator) {
		t.Errorf("TriggerRebalance on non-coordinator error = %v", err)
	}
}

func TestServer_JoiningNodeDoesNotClaimStoresAlone(t *testing.T) {
	a := startServer(t, testConfig("node-a"))
	eventually(t, 10*time.Second, "node-a runs the store", func() bool {
		d, ok := a.Store("users")
		return ok && d.Members == 1
	})

	b, err := New(testConfig("node-b", a.GossipAddr()))
	if err != nil {
		t.Fatalf("New(node-b) error = %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		b.Shutdown(ctx)
	})
	var (
		mu    sync.Mutex
		views []topology.ViewChangedEvent
	)
	b.Notifier().SubscribeViews(func(e topology.ViewChangedEvent) {
		mu.Lock()
		views = append(views, e)
		mu.Unlock()
	}, true)
	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("Start(node-b) error = %v", err)
	}

	eventually(t, 20*time.Second, "node-b joins the coordinator's store", func() bool {
		d, ok := a.Store("users")
		return ok && d.Members == 2
	})
	mu.Lock()
	defer mu.Unlock()
	for _, v := range views {
		if !slices.Contains(v.Members, "node-a") || v.IsCoordinator {
			t.Errorf("node-b installed view %+v without node-a coordinating", v)
		}
	}
	if db, _ := b.Store("users"); db.Source != "local" {
		t.Errorf("node-b store source = %q, want local", db.Source)
	}
}

func TestServer_IndependentNodesMerge(t *testing.T) {
	a := startServer(t, testConfig("node-a"))
	b := startServer(t, testConfig("node-b"))
	for _, s := range []*Server{a, b} {
		eventually(t, 10*time.Second, "store claimed alone", func() bool {
			d, ok := s.Store("users")
			return ok && d.Members == 1 && d.TopologyID == 1
		})
	}

	if _, err := b.gossip.ML.Join([]string{a.GossipAddr()}); err != nil {
		t.Fatalf("gossip join error = %v", err)
	}

	eventually(t, 20*time.Second, "one topology covering both nodes", func() bool {
		d, ok := a.Store("users")
		return ok && d.Source == "coordinator" && d.Members == 2 && d.TopologyID > 1 &&
			!d.RebalanceInProgress && d.CurrentCH != nil && d.CurrentCH.Owned["node-b"] > 0
	})
	eventually(t, 10*time.Second, "node-b installs the merged topology", func() bool {
		da, _ := a.Store("users")
		db, ok := b.Store("users")
		return ok && db.Source == "local" && db.TopologyID == da.TopologyID
	})
}

func TestServer_SingleNodeRaft(t *testing.T) {
	cfg := testConfig("node-a")
	cfg.Membership.Backend = BackendRaft
	cfg.Membership.RaftInMemory = true
	cfg.Membership.Bootstrap = true
	s := startServer(t, cfg)

	eventually(t, 20*time.Second, "store joined under raft", func() bool {
		d, ok := s.Store("users")
		return ok && d.Members == 1
	})
	if st := s.Status(); st.Backend != BackendRaft || !st.IsCoordinator {
		t.Errorf("Status() = %+v", st)
	}
}

func TestServer_ShutdownBeforeStart(t *testing.T) {
	s, err := New(testConfig("node-a"))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := s.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown() error = %v", err)
	}
	if err := s.Start(context.Background()); err == nil {
		t.Error("Start() after Shutdown returned nil error")
	}
}
