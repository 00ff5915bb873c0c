// Package tests holds end-to-end tests that run several meshtopo nodes in
// one process and drive them through the admin API and the CLI.
package tests

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/urfave/cli/v2"

	adminv1 "github.com/yndnr/meshtopo/api/admin/v1"
	"github.com/yndnr/meshtopo/internal/cli/command"
	"github.com/yndnr/meshtopo/internal/server/clusterserver"
	"github.com/yndnr/meshtopo/internal/server/config"
	"github.com/yndnr/meshtopo/internal/server/httpserver"
	"github.com/yndnr/meshtopo/internal/telemetry/metric"
)

const adminToken = "integration-token"

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// startNode builds a node the way meshtopo-server does, from a verified
// ServerConfig.
func startNode(t *testing.T, id string, seeds ...string) (*clusterserver.Server, *metric.Registry) {
	t.Helper()

	cfg := config.Default()
	cfg.Node.ID = id
	cfg.Node.RPCAddr = "127.0.0.1:0"
	cfg.Membership.GossipAddr = "127.0.0.1"
	cfg.Membership.GossipPort = 0
	cfg.Membership.Seeds = seeds
	cfg.Membership.LeaveTimeout = time.Second
	cfg.Topology.ViewWaitQuantum = 50 * time.Millisecond
	cfg.Topology.JoinRetryInterval = 50 * time.Millisecond
	cfg.Topology.RPCTimeout = 5 * time.Second
	cfg.Stores = []config.StoreSection{{Name: "users", NumOwners: 2, NumSegments: 16}}
	if err := config.Verify(cfg); err != nil {
		t.Fatalf("Verify() error = %v", err)
	}

	clusterCfg, err := config.ToClusterConfig(cfg, discardLogger())
	if err != nil {
		t.Fatalf("ToClusterConfig() error = %v", err)
	}
	clusterCfg.Membership.LocalProfile = true
	reg := metric.NewRegistry()
	clusterCfg.Metrics = reg

	node, err := clusterserver.New(clusterCfg)
	if err != nil {
		t.Fatalf("clusterserver.New(%s) error = %v", id, err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		node.Shutdown(ctx)
	})
	if err := node.Start(context.Background()); err != nil {
		t.Fatalf("Start(%s) error = %v", id, err)
	}
	return node, reg
}

// cliRunner runs meshtopo-cli against one admin endpoint.
type cliRunner struct {
	t          *testing.T
	server     string
	configPath string
}

func (r *cliRunner) run(args ...string) (string, error) {
	r.t.Helper()
	var stdout bytes.Buffer
	app := command.App()
	app.Writer = &stdout
	app.ErrWriter = io.Discard
	app.ExitErrHandler = func(*cli.Context, error) {}

	full := append([]string{"meshtopo-cli", "--config", r.configPath, "--server", r.server, "--token", adminToken}, args...)
	err := app.Run(full)
	return stdout.String(), err
}

func (r *cliRunner) store(name string) (adminv1.StoreDetail, error) {
	out, err := r.run("-o", "json", "store", name)
	if err != nil {
		return adminv1.StoreDetail{}, err
	}
	var d adminv1.StoreDetail
	err = json.Unmarshal([]byte(out), &d)
	return d, err
}

func eventually(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(50 * time.Millisecond)
	}
}

// TestCluster_ThreeNode_Integration starts three gossip nodes, checks the
// balanced topology through the CLI and then removes a node.
func TestCluster_ThreeNode_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	a, reg := startNode(t, "node-a")
	b, _ := startNode(t, "node-b", a.GossipAddr())
	c, _ := startNode(t, "node-c", a.GossipAddr())

	admin := httptest.NewServer(httpserver.NewRouter(&httpserver.RouterConfig{
		Node:       a,
		Logger:     discardLogger(),
		AdminToken: adminToken,
		Metrics:    reg.Handler(),
	}))
	defer admin.Close()

	cliCtl := &cliRunner{t: t, server: admin.URL, configPath: filepath.Join(t.TempDir(), "cli.yaml")}

	if _, err := cliCtl.run("ready"); err != nil {
		t.Fatalf("ready: %v", err)
	}

	eventually(t, 30*time.Second, "three balanced members", func() bool {
		d, err := cliCtl.store("users")
		return err == nil && d.Members == 3 && !d.RebalanceInProgress &&
			d.CurrentCH != nil && len(d.CurrentCH.Members) == 3
	})

	st := a.Status()
	if !st.IsCoordinator {
		t.Fatalf("node-a is not the coordinator: %+v", st)
	}

	if _, err := cliCtl.run("rebalance", "--wait", "--interval", "50ms", "--timeout", "20s", "users"); err != nil {
		t.Fatalf("rebalance --wait: %v", err)
	}

	d, err := cliCtl.store("users")
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	total := 0
	for _, m := range []string{"node-a", "node-b", "node-c"} {
		owned := d.CurrentCH.Owned[m]
		if owned == 0 {
			t.Errorf("%s owns no segments: %+v", m, d.CurrentCH.Owned)
		}
		total += owned
	}
	if want := d.NumSegments * d.NumOwners; total != want {
		t.Errorf("owned segment slots = %d, want %d", total, want)
	}

	eventually(t, 10*time.Second, "node-b installs the coordinator topology", func() bool {
		db, ok := b.Store("users")
		return ok && db.TopologyID == d.TopologyID
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := c.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown(node-c) error = %v", err)
	}

	eventually(t, 30*time.Second, "node-c removed from the topology", func() bool {
		d, err := cliCtl.store("users")
		return err == nil && d.Members == 2 && !d.RebalanceInProgress &&
			d.CurrentCH != nil && d.CurrentCH.Owned["node-c"] == 0
	})

	resp, err := http.Get(admin.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if !strings.Contains(string(body), "topology_id") {
		t.Error("/metrics does not expose topology_id")
	}
}
