package metric

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func scrape(t *testing.T, h http.Handler) string {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}
	body, _ := io.ReadAll(rec.Body)
	return string(body)
}

func TestNewRegistry(t *testing.T) {
	r := NewRegistry()
	if r == nil {
		t.Fatal("NewRegistry() returned nil")
	}
	if r.registry == nil {
		t.Error("registry field is nil")
	}
	if r.TopologyID == nil || r.CommandsTotal == nil || r.RecoveryDuration == nil {
		t.Error("metric vectors not initialized")
	}
}

func TestGlobal(t *testing.T) {
	if Global() != Global() {
		t.Error("Global() should return the same instance")
	}
	if Handler() == nil {
		t.Fatal("Handler() returned nil")
	}
}

func TestRegistry_Recorders(t *testing.T) {
	r := NewRegistry()
	r.SetViewID(7)
	r.SetCoordinator(true)
	r.SetTopology("c1", 4, true)
	r.IncRebalanceStarted("c1")
	r.IncRebalanceCompleted("c1")
	r.IncRebalanceError("c1")
	r.RecordJoin("c1", "joined")
	r.ObserveRecovery(20*time.Millisecond, errors.New("timeout"))
	r.RecordCommand("JOIN", nil)
	r.RecordCommand("LEAVE", errors.New("not coordinator"))
	r.RecordTask("coordinator", "ok")
	r.SetQueueLength("coordinator", 3)

	body := scrape(t, r.Handler())
	for _, want := range []string{
		"meshtopo_view_id 7",
		"meshtopo_coordinator 1",
		`meshtopo_topology_id{store="c1"} 4`,
		`meshtopo_degraded_mode{store="c1"} 1`,
		`meshtopo_rebalances_started_total{store="c1"} 1`,
		`meshtopo_rebalances_completed_total{store="c1"} 1`,
		`meshtopo_rebalance_confirm_errors_total{store="c1"} 1`,
		`meshtopo_joins_total{result="joined",store="c1"} 1`,
		"meshtopo_status_recovery_failures_total 1",
		"meshtopo_status_recovery_duration_seconds_count 1",
		`meshtopo_commands_total{result="ok",type="JOIN"} 1`,
		`meshtopo_commands_total{result="error",type="LEAVE"} 1`,
		`meshtopo_worker_tasks_total{pool="coordinator",result="ok"} 1`,
		`meshtopo_worker_queue_length{pool="coordinator"} 3`,
		"go_goroutines",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}

func TestRegistry_NilSafe(t *testing.T) {
	var r *Registry
	r.SetViewID(1)
	r.SetCoordinator(true)
	r.SetTopology("c1", 1, false)
	r.IncRebalanceStarted("c1")
	r.IncRebalanceCompleted("c1")
	r.IncRebalanceError("c1")
	r.RecordJoin("c1", "initial")
	r.ObserveRecovery(time.Second, nil)
	r.RecordCommand("JOIN", nil)
	r.RecordTask("p", "ok")
	r.SetQueueLength("p", 0)
}
