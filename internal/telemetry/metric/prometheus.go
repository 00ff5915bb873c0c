// Package metric provides Prometheus metrics for meshtopo.
//
// It exposes view, topology and rebalance counters of a node.
package metric

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "meshtopo"

// Registry holds all application metrics.
//
// Every recording method is safe on a nil *Registry, so components can run
// without metrics in tests.
type Registry struct {
	registry *prometheus.Registry

	// Membership metrics
	ViewID      prometheus.Gauge
	Coordinator prometheus.Gauge

	// Topology metrics
	TopologyID        *prometheus.GaugeVec
	Availability      *prometheus.GaugeVec
	RebalancesStarted *prometheus.CounterVec
	RebalancesDone    *prometheus.CounterVec
	RebalanceErrors   *prometheus.CounterVec
	JoinsTotal        *prometheus.CounterVec
	RecoveryDuration  prometheus.Histogram
	RecoveryFailures  prometheus.Counter
	CommandsTotal     *prometheus.CounterVec
	WorkerTasksTotal  *prometheus.CounterVec
	WorkerQueueLength *prometheus.GaugeVec

	// Transport metrics
	RPCDuration *prometheus.HistogramVec
}

var (
	globalOnce     sync.Once
	globalRegistry *Registry
)

// Global returns the process-wide registry.
func Global() *Registry {
	globalOnce.Do(func() {
		globalRegistry = NewRegistry()
	})
	return globalRegistry
}

// Handler returns the /metrics handler of the global registry.
func Handler() http.Handler {
	return Global().Handler()
}

// NewRegistry creates a registry with runtime collectors and all meshtopo
// metrics registered.
func NewRegistry() *Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	r := &Registry{
		registry: reg,
		ViewID: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "view_id",
			Help:      "Id of the last processed membership view.",
		}),
		Coordinator: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "coordinator",
			Help:      "1 when this node is the cluster coordinator.",
		}),
		TopologyID: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "topology_id",
			Help:      "Id of the installed cache topology.",
		}, []string{"store"}),
		Availability: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "degraded_mode",
			Help:      "1 when the store is in degraded mode.",
		}, []string{"store"}),
		RebalancesStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rebalances_started_total",
			Help:      "Rebalances started by the coordinator.",
		}, []string{"store"}),
		RebalancesDone: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rebalances_completed_total",
			Help:      "Rebalances confirmed by every member.",
		}, []string{"store"}),
		RebalanceErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rebalance_confirm_errors_total",
			Help:      "Rebalance confirmations that carried an error.",
		}, []string{"store"}),
		JoinsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "joins_total",
			Help:      "Join requests handled by the coordinator.",
		}, []string{"store", "result"}),
		RecoveryDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "status_recovery_duration_seconds",
			Help:      "Duration of cluster status recovery.",
			Buckets:   prometheus.DefBuckets,
		}),
		RecoveryFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "status_recovery_failures_total",
			Help:      "Cluster status recoveries that failed.",
		}),
		CommandsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_total",
			Help:      "Control commands handled, by type and result.",
		}, []string{"type", "result"}),
		WorkerTasksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "worker_tasks_total",
			Help:      "Worker pool tasks by outcome.",
		}, []string{"pool", "result"}),
		WorkerQueueLength: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "worker_queue_length",
			Help:      "Tasks waiting in the worker pool queue.",
		}, []string{"pool"}),
		RPCDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "rpc_duration_seconds",
			Help:      "Outbound control RPC latency by command type and result.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"type", "result"}),
	}

	reg.MustRegister(
		r.ViewID, r.Coordinator,
		r.TopologyID, r.Availability,
		r.RebalancesStarted, r.RebalancesDone, r.RebalanceErrors,
		r.JoinsTotal, r.RecoveryDuration, r.RecoveryFailures,
		r.CommandsTotal, r.WorkerTasksTotal, r.WorkerQueueLength,
		r.RPCDuration,
	)
	return r
}

// Handler returns an HTTP handler for the /metrics endpoint.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{Registry: r.registry})
}

// SetViewID records the last processed view id.
func (r *Registry) SetViewID(id int64) {
	if r == nil {
		return
	}
	r.ViewID.Set(float64(id))
}

// SetCoordinator records the coordinator role.
func (r *Registry) SetCoordinator(coordinator bool) {
	if r == nil {
		return
	}
	r.Coordinator.Set(boolToFloat(coordinator))
}

// SetTopology records the topology id and availability of a store.
func (r *Registry) SetTopology(store string, topologyID int, degraded bool) {
	if r == nil {
		return
	}
	r.TopologyID.WithLabelValues(store).Set(float64(topologyID))
	r.Availability.WithLabelValues(store).Set(boolToFloat(degraded))
}

// IncRebalanceStarted counts a started rebalance.
func (r *Registry) IncRebalanceStarted(store string) {
	if r == nil {
		return
	}
	r.RebalancesStarted.WithLabelValues(store).Inc()
}

// IncRebalanceCompleted counts a completed rebalance.
func (r *Registry) IncRebalanceCompleted(store string) {
	if r == nil {
		return
	}
	r.RebalancesDone.WithLabelValues(store).Inc()
}

// IncRebalanceError counts a confirmation that carried an error.
func (r *Registry) IncRebalanceError(store string) {
	if r == nil {
		return
	}
	r.RebalanceErrors.WithLabelValues(store).Inc()
}

// RecordJoin counts a join request by result ("initial", "joined", "retry", "error").
func (r *Registry) RecordJoin(store, result string) {
	if r == nil {
		return
	}
	r.JoinsTotal.WithLabelValues(store, result).Inc()
}

// ObserveRecovery records the duration and outcome of a status recovery.
func (r *Registry) ObserveRecovery(d time.Duration, err error) {
	if r == nil {
		return
	}
	r.RecoveryDuration.Observe(d.Seconds())
	if err != nil {
		r.RecoveryFailures.Inc()
	}
}

// RecordCommand counts a handled control command.
func (r *Registry) RecordCommand(kind string, err error) {
	if r == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	r.CommandsTotal.WithLabelValues(kind, result).Inc()
}

// RecordTask counts a finished worker pool task ("ok", "error", "panic", "rejected").
func (r *Registry) RecordTask(pool, result string) {
	if r == nil {
		return
	}
	r.WorkerTasksTotal.WithLabelValues(pool, result).Inc()
}

// SetQueueLength records the worker pool backlog.
func (r *Registry) SetQueueLength(pool string, n int) {
	if r == nil {
		return
	}
	r.WorkerQueueLength.WithLabelValues(pool).Set(float64(n))
}

// ObserveRPC records an outbound control RPC.
func (r *Registry) ObserveRPC(kind string, d time.Duration, err error) {
	if r == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	r.RPCDuration.WithLabelValues(kind, result).Observe(d.Seconds())
}

func boolToFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
