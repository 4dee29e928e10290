package cluster

import (
	"bytes"
	"io"
	"log/slog"
	"testing"

	"github.com/hashicorp/raft"

	"github.com/agleyzer/hiitsim/internal/segment"
	"github.com/agleyzer/hiitsim/internal/session"
)

func createTestFSM(t *testing.T) (*SessionFSM, *[]session.Replicated) {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(bytes.NewBuffer(nil), nil))
	fsm := NewSessionFSM(logger)

	var changes []session.Replicated
	fsm.SetListener(func(r session.Replicated) {
		changes = append(changes, r)
	})
	return fsm, &changes
}

func encode(t *testing.T, cmd Command) *raft.Log {
	t.Helper()

	data, err := EncodeCommand(cmd)
	if err != nil {
		t.Fatalf("failed to encode command: %v", err)
	}
	return &raft.Log{Data: data}
}

func loadLog(t *testing.T, durations ...int) *raft.Log {
	t.Helper()

	segs := make([]segment.Segment, len(durations))
	for i, d := range durations {
		segs[i] = segment.Segment{Kind: segment.KindWork, DurationSec: d, Meta: map[string]any{"stage_index": i + 1}}
	}
	data, err := segment.Marshal(segs)
	if err != nil {
		t.Fatalf("failed to encode segments: %v", err)
	}
	return encode(t, Command{
		Type: CommandLoad,
		Data: LoadCommand{Sequence: data, Base: data, Note: "loaded"},
	})
}

func transportLog(t *testing.T, op session.Op, elapsed float64) *raft.Log {
	t.Helper()
	return encode(t, Command{
		Type: CommandTransport,
		Data: TransportCommand{Op: string(op), Elapsed: elapsed, AtUnixNano: 1000},
	})
}

func TestSessionFSM_Apply_Load(t *testing.T) {
	fsm, changes := createTestFSM(t)

	if res := fsm.Apply(loadLog(t, 40, 20, 40)); res != nil {
		t.Fatalf("Apply() = %v, want nil", res)
	}

	state := fsm.GetState()
	if state.Epoch != 1 || len(state.Durations) != 3 || state.Note != "loaded" {
		t.Errorf("unexpected state: %+v", state)
	}

	if len(*changes) != 1 {
		t.Fatalf("listener called %d times, want 1", len(*changes))
	}
	rec := (*changes)[0].Load
	if rec == nil || len(rec.Sequence) != 3 {
		t.Fatalf("listener got %+v, want a 3-segment load", (*changes)[0])
	}
	if rec.Sequence[1].Meta["stage_index"] == nil {
		t.Error("meta should survive replication")
	}
}

func TestSessionFSM_Apply_Transport(t *testing.T) {
	fsm, changes := createTestFSM(t)
	fsm.Apply(loadLog(t, 40, 20, 40))

	tests := []struct {
		name        string
		op          session.Op
		elapsed     float64
		wantRunning bool
		wantAnchor  float64
	}{
		{"start", session.OpStart, 0, true, 0},
		{"start again is ignored", session.OpStart, 5, true, 0},
		{"pause", session.OpPause, 12, false, 12},
		{"skip while paused", session.OpSkip, 12, false, 40},
		{"toggle starts", session.OpToggle, 40, true, 40},
		{"skip to last", session.OpSkip, 45, true, 60},
		{"skip on last", session.OpSkip, 61, true, 100},
		{"reset", session.OpReset, 100, false, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if res := fsm.Apply(transportLog(t, tt.op, tt.elapsed)); res != nil {
				t.Fatalf("Apply() = %v", res)
			}
			state := fsm.GetState()

			if state.Running != tt.wantRunning {
				t.Errorf("Running = %v, want %v", state.Running, tt.wantRunning)
			}
			if state.AnchorElapsed != tt.wantAnchor {
				t.Errorf("AnchorElapsed = %v, want %v", state.AnchorElapsed, tt.wantAnchor)
			}
			if state.LastOp != string(tt.op) {
				t.Errorf("LastOp = %q, want %q", state.LastOp, tt.op)
			}
		})
	}

	if n := len(*changes); n != 1+len(tests) {
		t.Errorf("listener called %d times, want %d", n, 1+len(tests))
	}
	if last := (*changes)[len(*changes)-1]; last.Op != session.OpReset {
		t.Errorf("last change op = %q, want reset", last.Op)
	}
}

func TestSessionFSM_Apply_Invalid(t *testing.T) {
	fsm, changes := createTestFSM(t)

	if res := fsm.Apply(&raft.Log{Data: []byte("garbage")}); res == nil {
		t.Error("expected error for undecodable command")
	}
	if res := fsm.Apply(transportLog(t, "rewind", 0)); res == nil {
		t.Error("expected error for unknown op")
	}
	if res := fsm.Apply(encode(t, Command{Type: 99, Data: LoadCommand{}})); res == nil {
		t.Error("expected error for unknown command type")
	}
	if len(*changes) != 0 {
		t.Errorf("listener called %d times for failed commands", len(*changes))
	}
}

func TestSessionFSM_Snapshot_Restore(t *testing.T) {
	fsm, _ := createTestFSM(t)
	fsm.Apply(loadLog(t, 40, 20))
	fsm.Apply(transportLog(t, session.OpStart, 0))
	fsm.Apply(transportLog(t, session.OpSkip, 10))

	// Create snapshot
	snapshot, err := fsm.Snapshot()
	if err != nil {
		t.Fatalf("Snapshot() error = %v", err)
	}

	// Persist snapshot
	var buf bytes.Buffer
	sink := &mockSnapshotSink{buf: &buf}
	if err := snapshot.Persist(sink); err != nil {
		t.Fatalf("Persist() error = %v", err)
	}

	// Create new FSM and restore
	fsm2, changes := createTestFSM(t)
	if err := fsm2.Restore(io.NopCloser(&buf)); err != nil {
		t.Fatalf("Restore() error = %v", err)
	}

	state := fsm2.GetState()
	if state.Epoch != 1 || state.Ops != 2 || !state.Running || state.AnchorElapsed != 40 {
		t.Errorf("unexpected restored state: %+v", state)
	}

	if len(*changes) != 1 {
		t.Fatalf("listener called %d times, want 1", len(*changes))
	}
	c := (*changes)[0]
	if !c.Sync || !c.Running || c.AnchorElapsed != 40 || c.Load == nil || len(c.Load.Sequence) != 2 {
		t.Errorf("unexpected sync change: %+v", c)
	}
}

func TestSessionFSM_GetState_Concurrent(t *testing.T) {
	fsm, _ := createTestFSM(t)
	fsm.SetListener(nil)
	fsm.Apply(loadLog(t, 40, 20))

	// Concurrent reads and writes
	done := make(chan bool)
	for i := 0; i < 10; i++ {
		go func() {
			for j := 0; j < 100; j++ {
				_ = fsm.GetState()
			}
			done <- true
		}()
	}

	toggle := transportLog(t, session.OpToggle, 1)
	go func() {
		for j := 0; j < 50; j++ {
			fsm.Apply(toggle)
		}
		done <- true
	}()

	// Wait for all goroutines
	for i := 0; i < 11; i++ {
		<-done
	}

	state := fsm.GetState()
	if state.Ops != 50 {
		t.Errorf("Ops = %d, want 50", state.Ops)
	}
	if state.Running {
		t.Error("an even number of toggles should leave playback stopped")
	}
}

func TestNextBoundary(t *testing.T) {
	tests := []struct {
		elapsed float64
		want    float64
	}{
		{0, 40},
		{39.9, 40},
		{40, 60},
		{59, 60},
		{60, 100},
		{100, 100},
	}

	for _, tt := range tests {
		if got := nextBoundary([]int{40, 20, 40}, tt.elapsed); got != tt.want {
			t.Errorf("nextBoundary(%v) = %v, want %v", tt.elapsed, got, tt.want)
		}
	}
}

// mockSnapshotSink implements raft.SnapshotSink for testing.
type mockSnapshotSink struct {
	buf *bytes.Buffer
}

func (m *mockSnapshotSink) Write(p []byte) (n int, err error) {
	return m.buf.Write(p)
}

func (m *mockSnapshotSink) Close() error {
	return nil
}

func (m *mockSnapshotSink) ID() string {
	return "mock"
}

func (m *mockSnapshotSink) Cancel() error {
	return nil
}
