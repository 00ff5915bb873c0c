// Package topology provides the cluster rebalance policy.
package topology

import (
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RebalancePolicy decides when a store is rebalanced.
type RebalancePolicy interface {
	// Bind sets the function that starts a rebalance of a store.
	Bind(trigger func(store string))
	// InitCache is called when the coordinator creates or recovers a status.
	InitCache(status *ClusterCacheStatus)
	// UpdateCacheStatus is called after the members of a status changed.
	UpdateCacheStatus(status *ClusterCacheStatus)
	// RemoveCache forgets a store.
	RemoveCache(store string)
	// Stop cancels deferred triggers.
	Stop()
}

// ClusterRebalancePolicy triggers a rebalance on every status update, but
// batches bursts: each store is triggered at most once per window and
// updates arriving inside the window collapse into one deferred trigger.
type ClusterRebalancePolicy struct {
	window time.Duration
	logger *slog.Logger

	mu       sync.Mutex
	trigger  func(store string)
	limiters map[string]*rate.Limiter
	deferred map[string]*time.Timer
	enabled  bool
	stopped  bool
}

// NewClusterRebalancePolicy creates a policy. A zero window triggers on
// every update.
func NewClusterRebalancePolicy(window time.Duration, logger *slog.Logger) *ClusterRebalancePolicy {
	if logger == nil {
		logger = slog.Default()
	}
	return &ClusterRebalancePolicy{
		window:   window,
		logger:   logger,
		limiters: make(map[string]*rate.Limiter),
		deferred: make(map[string]*time.Timer),
		enabled:  true,
	}
}

// Bind implements RebalancePolicy.
func (p *ClusterRebalancePolicy) Bind(trigger func(store string)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.trigger = trigger
}

// InitCache implements RebalancePolicy.
func (p *ClusterRebalancePolicy) InitCache(status *ClusterCacheStatus) {
	p.UpdateCacheStatus(status)
}

// UpdateCacheStatus implements RebalancePolicy.
func (p *ClusterRebalancePolicy) UpdateCacheStatus(status *ClusterCacheStatus) {
	store := status.Name()
	p.mu.Lock()
	if p.stopped || !p.enabled || p.trigger == nil {
		p.mu.Unlock()
		return
	}
	if _, pending := p.deferred[store]; pending {
		p.mu.Unlock()
		return
	}
	if p.window <= 0 {
		trigger := p.trigger
		p.mu.Unlock()
		trigger(store)
		return
	}

	lim, ok := p.limiters[store]
	if !ok {
		lim = rate.NewLimiter(rate.Every(p.window), 1)
		p.limiters[store] = lim
	}
	r := lim.Reserve()
	delay := r.Delay()
	if delay == 0 {
		trigger := p.trigger
		p.mu.Unlock()
		trigger(store)
		return
	}

	p.logger.Debug("deferring rebalance", "store", store, "delay", delay)
	p.deferred[store] = time.AfterFunc(delay, func() {
		p.mu.Lock()
		delete(p.deferred, store)
		trigger, run := p.trigger, !p.stopped && p.enabled
		p.mu.Unlock()
		if run && trigger != nil {
			trigger(store)
		}
	})
	p.mu.Unlock()
}

// RemoveCache implements RebalancePolicy.
func (p *ClusterRebalancePolicy) RemoveCache(store string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if t, ok := p.deferred[store]; ok {
		t.Stop()
		delete(p.deferred, store)
	}
	delete(p.limiters, store)
}

// SetRebalancingEnabled suspends or resumes automatic rebalancing.
func (p *ClusterRebalancePolicy) SetRebalancingEnabled(enabled bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.enabled = enabled
}

// RebalancingEnabled reports whether automatic rebalancing is on.
func (p *ClusterRebalancePolicy) RebalancingEnabled() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.enabled
}

// Stop implements RebalancePolicy.
func (p *ClusterRebalancePolicy) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopped = true
	for store, t := range p.deferred {
		t.Stop()
		delete(p.deferred, store)
	}
}
