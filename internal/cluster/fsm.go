// Package cluster replicates a workout session over Raft so several gym
// displays play the same sequence in lockstep.
package cluster

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/hashicorp/raft"

	"github.com/agleyzer/hiitsim/internal/segment"
	"github.com/agleyzer/hiitsim/internal/session"
)

func init() {
	// Register types for gob encoding/decoding
	gob.Register(LoadCommand{})
	gob.Register(TransportCommand{})
}

// SessionState is the replicated state of the session. Sequences travel as
// JSON so opaque meta values survive unchanged.
type SessionState struct {
	// Epoch counts sequence loads.
	Epoch    uint64
	Sequence []byte
	Base     []byte
	Note     string
	Capped   bool
	// Durations of Sequence, for anchor arithmetic.
	Durations []int

	// Running, AnchorElapsed and AnchorUnixNano describe where playback
	// was at the last transport control, for nodes joining mid-workout.
	Running        bool
	AnchorElapsed  float64
	AnchorUnixNano int64

	LastOp string
	// Ops counts transport controls applied.
	Ops uint64
}

// CommandType identifies the type of Raft command.
type CommandType uint8

const (
	// CommandLoad installs a new sequence.
	CommandLoad CommandType = 1
	// CommandTransport applies a transport control.
	CommandTransport CommandType = 2
)

// Command represents a Raft log command.
type Command struct {
	Type CommandType
	Data any
}

// LoadCommand installs a new sequence.
type LoadCommand struct {
	Sequence []byte
	Base     []byte
	Note     string
	Capped   bool
}

// TransportCommand applies a transport control. Elapsed is the leader's
// playback position when the control was issued.
type TransportCommand struct {
	Op         string
	Elapsed    float64
	AtUnixNano int64
}

// Listener receives every committed change after the FSM has applied it.
type Listener func(session.Replicated)

// SessionFSM implements the raft.FSM interface for session state.
type SessionFSM struct {
	mu       sync.RWMutex
	state    SessionState
	listener Listener
	logger   *slog.Logger
}

// NewSessionFSM creates a new SessionFSM.
func NewSessionFSM(logger *slog.Logger) *SessionFSM {
	return &SessionFSM{logger: logger}
}

// SetListener sets the function notified of committed changes.
func (f *SessionFSM) SetListener(l Listener) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listener = l
}

// Apply applies a Raft log entry to the FSM.
func (f *SessionFSM) Apply(log *raft.Log) any {
	var cmd Command
	if err := gob.NewDecoder(bytes.NewReader(log.Data)).Decode(&cmd); err != nil {
		f.logger.Error("failed to decode command", "error", err)
		return fmt.Errorf("decode command: %w", err)
	}

	f.mu.Lock()
	var (
		change session.Replicated
		err    error
	)
	switch cmd.Type {
	case CommandLoad:
		change, err = f.applyLoad(cmd.Data)
	case CommandTransport:
		change, err = f.applyTransport(cmd.Data)
	default:
		err = fmt.Errorf("unknown command type: %d", cmd.Type)
	}
	listener := f.listener
	f.mu.Unlock()

	if err != nil {
		f.logger.Error("failed to apply command", "type", cmd.Type, "error", err)
		return err
	}
	if listener != nil {
		listener(change)
	}
	return nil
}

// applyLoad installs a sequence. Caller must hold the write lock.
func (f *SessionFSM) applyLoad(data any) (session.Replicated, error) {
	cmd, ok := data.(LoadCommand)
	if !ok {
		return session.Replicated{}, fmt.Errorf("invalid load command data")
	}

	rec, err := decodeRecord(cmd.Sequence, cmd.Base, cmd.Note, cmd.Capped)
	if err != nil {
		return session.Replicated{}, err
	}

	durations := make([]int, len(rec.Sequence))
	for i, s := range rec.Sequence {
		durations[i] = s.DurationSec
	}

	f.state = SessionState{
		Epoch:     f.state.Epoch + 1,
		Sequence:  cmd.Sequence,
		Base:      cmd.Base,
		Note:      cmd.Note,
		Capped:    cmd.Capped,
		Durations: durations,
		Ops:       f.state.Ops,
	}

	f.logger.Info("replicated sequence loaded", "epoch", f.state.Epoch, "segments", len(durations))
	return session.Replicated{Load: &rec}, nil
}

// applyTransport moves the playback anchor. Caller must hold the write lock.
func (f *SessionFSM) applyTransport(data any) (session.Replicated, error) {
	cmd, ok := data.(TransportCommand)
	if !ok {
		return session.Replicated{}, fmt.Errorf("invalid transport command data")
	}
	op, err := session.ParseOp(cmd.Op)
	if err != nil {
		return session.Replicated{}, err
	}

	total := 0.0
	for _, d := range f.state.Durations {
		total += float64(d)
	}

	s := &f.state
	start := func() {
		if !s.Running && cmd.Elapsed < total {
			s.Running = true
			s.AnchorElapsed = cmd.Elapsed
			s.AnchorUnixNano = cmd.AtUnixNano
		}
	}
	pause := func() {
		if s.Running {
			s.Running = false
			s.AnchorElapsed = cmd.Elapsed
			s.AnchorUnixNano = cmd.AtUnixNano
		}
	}

	switch op {
	case session.OpStart:
		start()
	case session.OpPause:
		pause()
	case session.OpToggle:
		if s.Running {
			pause()
		} else {
			start()
		}
	case session.OpSkip:
		s.AnchorElapsed = nextBoundary(s.Durations, cmd.Elapsed)
		s.AnchorUnixNano = cmd.AtUnixNano
	case session.OpReset:
		s.Running = false
		s.AnchorElapsed = 0
		s.AnchorUnixNano = cmd.AtUnixNano
	}
	s.LastOp = string(op)
	s.Ops++

	f.logger.Debug("replicated transport control", "op", op, "running", s.Running, "anchor", s.AnchorElapsed)
	return session.Replicated{Op: op}, nil
}

// nextBoundary returns the start of the segment after the one playing at
// elapsed, or the total on the last segment.
func nextBoundary(durations []int, elapsed float64) float64 {
	start := 0.0
	for i, d := range durations {
		end := start + float64(d)
		if elapsed < end || i == len(durations)-1 {
			return end
		}
		start = end
	}
	return start
}

// Snapshot returns an FSMSnapshot for creating a point-in-time snapshot.
func (f *SessionFSM) Snapshot() (raft.FSMSnapshot, error) {
	return &fsmSnapshot{state: f.GetState()}, nil
}

// Restore restores the FSM state from a snapshot and resyncs the listener
// to the restored anchor.
func (f *SessionFSM) Restore(snapshot io.ReadCloser) error {
	defer snapshot.Close()

	var state SessionState
	if err := gob.NewDecoder(snapshot).Decode(&state); err != nil {
		return fmt.Errorf("decode snapshot: %w", err)
	}

	f.mu.Lock()
	f.state = state
	listener := f.listener
	f.mu.Unlock()

	f.logger.Info("restored FSM state from snapshot", "epoch", state.Epoch, "segments", len(state.Durations))

	if listener == nil || state.Epoch == 0 {
		return nil
	}
	rec, err := decodeRecord(state.Sequence, state.Base, state.Note, state.Capped)
	if err != nil {
		return fmt.Errorf("restore sequence: %w", err)
	}
	listener(session.Replicated{
		Load:          &rec,
		Sync:          true,
		Running:       state.Running,
		AnchorElapsed: state.AnchorElapsed,
		AnchorAt:      time.Unix(0, state.AnchorUnixNano),
	})
	return nil
}

// GetState returns a copy of the current FSM state.
func (f *SessionFSM) GetState() SessionState {
	f.mu.RLock()
	defer f.mu.RUnlock()

	stateCopy := f.state
	stateCopy.Sequence = slices.Clone(f.state.Sequence)
	stateCopy.Base = slices.Clone(f.state.Base)
	stateCopy.Durations = slices.Clone(f.state.Durations)
	return stateCopy
}

func decodeRecord(sequence, base []byte, note string, capped bool) (session.LoadRecord, error) {
	seq, err := segment.Unmarshal(sequence)
	if err != nil {
		return session.LoadRecord{}, fmt.Errorf("decode sequence: %w", err)
	}
	b, err := segment.Unmarshal(base)
	if err != nil {
		return session.LoadRecord{}, fmt.Errorf("decode base: %w", err)
	}
	return session.LoadRecord{Sequence: seq, Base: b, Note: note, Capped: capped}, nil
}

// fsmSnapshot implements raft.FSMSnapshot.
type fsmSnapshot struct {
	state SessionState
}

// Persist writes the snapshot to the given sink.
func (s *fsmSnapshot) Persist(sink raft.SnapshotSink) error {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(s.state); err != nil {
		sink.Cancel()
		return fmt.Errorf("encode snapshot: %w", err)
	}

	if _, err := sink.Write(buf.Bytes()); err != nil {
		sink.Cancel()
		return fmt.Errorf("write snapshot: %w", err)
	}

	return sink.Close()
}

// Release releases any resources held by the snapshot.
func (s *fsmSnapshot) Release() {}

// EncodeCommand encodes a command for Raft submission.
func EncodeCommand(cmd Command) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(cmd); err != nil {
		return nil, fmt.Errorf("encode command: %w", err)
	}
	return buf.Bytes(), nil
}
