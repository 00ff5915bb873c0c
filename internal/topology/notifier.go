// Package topology coordinates cache topologies across a meshtopo cluster.
package topology

import (
	"log/slog"
	"sync"
)

const asyncListenerBuffer = 64

// ViewChangedEvent is published after a membership view is processed.
type ViewChangedEvent struct {
	ViewID        int64
	Members       []Address
	Coordinator   Address
	IsCoordinator bool
	Merge         bool
}

// TopologyChangedEvent is published when a node installs a topology.
type TopologyChangedEvent struct {
	Store          string
	Previous       *CacheTopology
	Topology       *CacheTopology
	StableTopology *CacheTopology
	Availability   AvailabilityMode
}

// Notifier is a publish/subscribe registry for view and topology events.
//
// Synchronous listeners run on the publishing goroutine, in publish order.
// Asynchronous listeners get their own goroutine and a bounded buffer; when
// the buffer is full the event is dropped for that listener.
type Notifier struct {
	logger *slog.Logger

	mu         sync.RWMutex
	nextID     int
	views      map[int]*listener[ViewChangedEvent]
	topologies map[int]*listener[TopologyChangedEvent]
	closed     bool
}

type listener[E any] struct {
	fn    func(E)
	queue chan E
	done  chan struct{}
}

// NewNotifier creates an empty registry.
func NewNotifier(logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{
		logger:     logger,
		views:      make(map[int]*listener[ViewChangedEvent]),
		topologies: make(map[int]*listener[TopologyChangedEvent]),
	}
}

// SubscribeViews registers fn for view events and returns its unsubscribe func.
func (n *Notifier) SubscribeViews(fn func(ViewChangedEvent), sync bool) func() {
	n.mu.Lock()
	defer n.mu.Unlock()
	id := n.nextID
	n.nextID++
	n.views[id] = newListener(fn, sync)
	return func() { n.remove(func() { stopListener(n.views, id) }) }
}

// SubscribeTopologies registers fn for topology events and returns its
// unsubscribe func.
func (n *Notifier) SubscribeTopologies(fn func(TopologyChangedEvent), sync bool) func() {
	n.mu.Lock()
	defer n.mu.Unlock()
	id := n.nextID
	n.nextID++
	n.topologies[id] = newListener(fn, sync)
	return func() { n.remove(func() { stopListener(n.topologies, id) }) }
}

// NotifyViewChanged publishes a view event.
func (n *Notifier) NotifyViewChanged(e ViewChangedEvent) {
	if n == nil {
		return
	}
	n.mu.RLock()
	defer n.mu.RUnlock()
	for _, l := range n.views {
		deliverTo(n, l, e)
	}
}

// NotifyTopologyChanged publishes a topology event.
func (n *Notifier) NotifyTopologyChanged(e TopologyChangedEvent) {
	if n == nil {
		return
	}
	n.mu.RLock()
	defer n.mu.RUnlock()
	for _, l := range n.topologies {
		deliverTo(n, l, e)
	}
}

// Close stops all asynchronous listeners.
func (n *Notifier) Close() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return
	}
	n.closed = true
	for id := range n.views {
		stopListener(n.views, id)
	}
	for id := range n.topologies {
		stopListener(n.topologies, id)
	}
}

func (n *Notifier) remove(fn func()) {
	n.mu.Lock()
	defer n.mu.Unlock()
	fn()
}

func deliverTo[E any](n *Notifier, l *listener[E], e E) {
	if n.closed {
		return
	}
	if l.queue == nil {
		l.fn(e)
		return
	}
	select {
	case l.queue <- e:
	default:
		n.logger.Warn("notifier: listener queue full, dropping event")
	}
}

func newListener[E any](fn func(E), sync bool) *listener[E] {
	l := &listener[E]{fn: fn}
	if sync {
		return l
	}
	l.queue = make(chan E, asyncListenerBuffer)
	l.done = make(chan struct{})
	go func() {
		for {
			select {
			case e := <-l.queue:
				l.fn(e)
			case <-l.done:
				return
			}
		}
	}()
	return l
}

func stopListener[E any](m map[int]*listener[E], id int) {
	l, ok := m[id]
	if !ok {
		return
	}
	delete(m, id)
	if l.done != nil {
		close(l.done)
	}
}
