package membership

import (
	"bytes"
	"io"
	"log/slog"
	"slices"
	"testing"
	"time"

	"github.com/hashicorp/raft"

	"github.com/yndnr/meshtopo/internal/topology"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// memorySink implements raft.SnapshotSink in memory.
type memorySink struct {
	bytes.Buffer
	closed   bool
	canceled bool
}

func (s *memorySink) ID() string    { return "mem" }
func (s *memorySink) Close() error  { s.closed = true; return nil }
func (s *memorySink) Cancel() error { s.canceled = true; return nil }

func applyView(t *testing.T, f *viewFSM, index uint64, e viewEntry) {
	t.Helper()
	data, err := encodeViewEntry(e)
	if err != nil {
		t.Fatalf("encodeViewEntry() error = %v", err)
	}
	if resp := f.Apply(&raft.Log{Index: index, Term: 1, Type: raft.LogCommand, Data: data}); resp != nil {
		t.Fatalf("Apply() = %v, want nil", resp)
	}
}

func TestViewFSM_ApplyUsesLogIndex(t *testing.T) {
	var got []topology.View
	f := newViewFSM(func(v topology.View) { got = append(got, v) }, discardLogger())

	applyView(t, f, 3, viewEntry{Members: []topology.Address{"A"}, Coordinator: "A"})
	applyView(t, f, 7, viewEntry{Members: []topology.Address{"A", "B"}, Coordinator: "A", Merge: true})

	if len(got) != 2 {
		t.Fatalf("delivered %d views, want 2", len(got))
	}
	if got[0].ID != 3 || got[1].ID != 7 {
		t.Errorf("view ids = %d, %d; want 3, 7", got[0].ID, got[1].ID)
	}
	if !got[1].Merge || !slices.Equal(got[1].Members, []topology.Address{"A", "B"}) {
		t.Errorf("second view = %+v", got[1])
	}
	if v := f.View(); v.ID != 7 {
		t.Errorf("View().ID = %d, want 7", v.ID)
	}
}

func TestViewFSM_ApplyPanicsOnCorruptEntry(t *testing.T) {
	f := newViewFSM(nil, discardLogger())
	defer func() {
		if recover() == nil {
			t.Error("Apply() on corrupt data did not panic")
		}
	}()
	f.Apply(&raft.Log{Index: 1, Data: []byte("{not json")})
}

func TestViewFSM_ApplyPanicsOnUnknownType(t *testing.T) {
	f := newViewFSM(nil, discardLogger())
	defer func() {
		if recover() == nil {
			t.Error("Apply() on unknown entry type did not panic")
		}
	}()
	f.Apply(&raft.Log{Index: 1, Data: []byte(`{"type":99,"payload":{}}`)})
}

func TestViewFSM_SnapshotRestore(t *testing.T) {
	src := newViewFSM(nil, discardLogger())
	applyView(t, src, 12, viewEntry{Members: []topology.Address{"A", "B", "C"}, Coordinator: "A"})

	snap, err := src.Snapshot()
	if err != nil {
		t.Fatalf("Snapshot() error = %v", err)
	}
	sink := &memorySink{}
	if err := snap.Persist(sink); err != nil {
		t.Fatalf("Persist() error = %v", err)
	}
	snap.Release()
	if !sink.closed || sink.canceled {
		t.Errorf("sink closed = %v, canceled = %v", sink.closed, sink.canceled)
	}

	var restored []topology.View
	dst := newViewFSM(func(v topology.View) { restored = append(restored, v) }, discardLogger())
	if err := dst.Restore(io.NopCloser(bytes.NewReader(sink.Bytes()))); err != nil {
		t.Fatalf("Restore() error = %v", err)
	}
	v := dst.View()
	if v.ID != 12 || v.Coordinator != "A" || !slices.Equal(v.Members, []topology.Address{"A", "B", "C"}) {
		t.Errorf("restored view = %+v", v)
	}
	if len(restored) != 1 || restored[0].ID != 12 {
		t.Errorf("restore delivered %v, want the snapshot view", restored)
	}
}

func TestViewFSM_RestoreRejectsUncompressed(t *testing.T) {
	f := newViewFSM(nil, discardLogger())
	if err := f.Restore(io.NopCloser(bytes.NewReader([]byte(`{"id":1}`)))); err == nil {
		t.Error("Restore() of plain JSON returned nil error")
	}
}

func TestViewQueue_DeliversInOrder(t *testing.T) {
	q := newViewQueue()
	stop := make(chan struct{})
	got := make(chan int64, 16)
	done := make(chan struct{})
	go func() {
		defer close(done)
		q.run(stop, func(v topology.View) { got <- v.ID })
	}()

	for i := int64(1); i <= 10; i++ {
		q.push(topology.View{ID: i})
	}
	for want := int64(1); want <= 10; want++ {
		select {
		case id := <-got:
			if id != want {
				t.Fatalf("delivered view %d, want %d", id, want)
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("view %d not delivered", want)
		}
	}
	close(stop)
	<-done
}
