// Package membership provides the Raft-backed membership log.
package membership

import (
	"compress/gzip"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/hashicorp/raft"

	"github.com/yndnr/meshtopo/internal/topology"
)

// logEntryType tags Raft log entries.
type logEntryType uint8

const (
	// logEntryView installs a membership view.
	logEntryView logEntryType = 1
)

// logEntry is the Raft log record.
type logEntry struct {
	Type    logEntryType    `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// viewEntry is the payload of logEntryView. The view id is the log index.
type viewEntry struct {
	Members     []topology.Address `json:"members"`
	Coordinator topology.Address   `json:"coordinator"`
	Merge       bool               `json:"merge,omitempty"`
}

func encodeViewEntry(e viewEntry) ([]byte, error) {
	payload, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encode view entry: %w", err)
	}
	return json.Marshal(logEntry{Type: logEntryView, Payload: payload})
}

// viewFSM applies committed views and hands them to an ordered queue.
type viewFSM struct {
	mu     sync.RWMutex
	view   topology.View
	out    func(topology.View)
	logger *slog.Logger
}

func newViewFSM(out func(topology.View), logger *slog.Logger) *viewFSM {
	if logger == nil {
		logger = slog.Default()
	}
	return &viewFSM{out: out, logger: logger, view: topology.View{ID: -1}}
}

// Apply implements raft.FSM. Committed entries that cannot be decoded mean
// the log is corrupt, so Apply panics.
func (f *viewFSM) Apply(log *raft.Log) interface{} {
	var entry logEntry
	if err := json.Unmarshal(log.Data, &entry); err != nil {
		f.logger.Error("FATAL: failed to unmarshal log entry",
			"error", err, "log_index", log.Index, "log_term", log.Term)
		panic(fmt.Sprintf("viewFSM.Apply: unmarshal failed at index=%d: %v", log.Index, err))
	}

	switch entry.Type {
	case logEntryView:
		var e viewEntry
		if err := json.Unmarshal(entry.Payload, &e); err != nil {
			f.logger.Error("FATAL: failed to unmarshal view entry", "error", err, "log_index", log.Index)
			panic(fmt.Sprintf("viewFSM.Apply: view payload at index=%d: %v", log.Index, err))
		}
		v := topology.View{
			ID:          int64(log.Index),
			Members:     e.Members,
			Coordinator: e.Coordinator,
			Merge:       e.Merge,
		}
		f.mu.Lock()
		f.view = v
		f.mu.Unlock()
		f.logger.Info("view committed", "view_id", v.ID, "coordinator", v.Coordinator,
			"members", v.Members, "merge", v.Merge)
		if f.out != nil {
			f.out(v)
		}
	default:
		f.logger.Error("FATAL: unknown log entry type", "type", entry.Type, "log_index", log.Index)
		panic(fmt.Sprintf("viewFSM.Apply: unknown log type %d at index=%d", entry.Type, log.Index))
	}
	return nil
}

// View returns the last committed view.
func (f *viewFSM) View() topology.View {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.view
}

// Snapshot implements raft.FSM.
func (f *viewFSM) Snapshot() (raft.FSMSnapshot, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	v := f.view
	v.Members = append([]topology.Address(nil), f.view.Members...)
	return &viewSnapshot{view: v}, nil
}

// Restore implements raft.FSM. The restored view is delivered like a
// committed one; the sink drops it if it already saw a newer view.
func (f *viewFSM) Restore(r io.ReadCloser) error {
	defer r.Close()

	gzReader, err := gzip.NewReader(r)
	if err != nil {
		return fmt.Errorf("create gzip reader: %w", err)
	}
	defer gzReader.Close()

	var v topology.View
	if err := json.NewDecoder(gzReader).Decode(&v); err != nil {
		return fmt.Errorf("decode snapshot: %w", err)
	}

	f.mu.Lock()
	f.view = v
	f.mu.Unlock()
	f.logger.Info("view restored from snapshot", "view_id", v.ID, "members", v.Members)
	if f.out != nil && v.ID >= 0 {
		f.out(v)
	}
	return nil
}

// viewSnapshot implements raft.FSMSnapshot.
type viewSnapshot struct {
	view topology.View
}

// Persist writes the gzip compressed view to the sink.
func (s *viewSnapshot) Persist(sink raft.SnapshotSink) error {
	err := func() error {
		gzWriter := gzip.NewWriter(sink)
		if err := json.NewEncoder(gzWriter).Encode(s.view); err != nil {
			gzWriter.Close()
			return fmt.Errorf("encode snapshot: %w", err)
		}
		if err := gzWriter.Close(); err != nil {
			return fmt.Errorf("close gzip writer: %w", err)
		}
		return nil
	}()
	if err != nil {
		sink.Cancel()
		return err
	}
	return sink.Close()
}

func (s *viewSnapshot) Release() {}

// viewQueue delivers views to a sink in order without blocking producers.
type viewQueue struct {
	mu      sync.Mutex
	pending []topology.View
	wake    chan struct{}
}

func newViewQueue() *viewQueue {
	return &viewQueue{wake: make(chan struct{}, 1)}
}

func (q *viewQueue) push(v topology.View) {
	q.mu.Lock()
	q.pending = append(q.pending, v)
	q.mu.Unlock()
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *viewQueue) drain() []topology.View {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.pending
	q.pending = nil
	return out
}

// run delivers queued views until stop is closed.
func (q *viewQueue) run(stop <-chan struct{}, deliver func(topology.View)) {
	for {
		select {
		case <-stop:
			return
		case <-q.wake:
		}
		for _, v := range q.drain() {
			deliver(v)
		}
	}
}
