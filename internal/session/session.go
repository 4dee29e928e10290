// Package session owns the engine playing one workout, the sequence it was
// built from and the base sequence caps are computed against.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agleyzer/hiitsim/internal/engine"
	"github.com/agleyzer/hiitsim/internal/events"
	"github.com/agleyzer/hiitsim/internal/filler"
	"github.com/agleyzer/hiitsim/internal/segment"
	"github.com/agleyzer/hiitsim/internal/timecap"
)

var (
	// ErrNoSequence is returned by controls before any sequence is loaded.
	ErrNoSequence = errors.New("no sequence loaded")
	// ErrUnknownOp is returned by ParseOp.
	ErrUnknownOp = errors.New("unknown transport operation")
	// ErrNotCapped is returned by UndoCap when no cap is applied.
	ErrNotCapped = errors.New("no time cap applied")
)

// Op is a transport control.
type Op string

const (
	OpStart  Op = "start"
	OpPause  Op = "pause"
	OpToggle Op = "toggle"
	OpSkip   Op = "skip"
	OpReset  Op = "reset"
)

// ParseOp validates a transport control name.
func ParseOp(s string) (Op, error) {
	switch op := Op(s); op {
	case OpStart, OpPause, OpToggle, OpSkip, OpReset:
		return op, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownOp, s)
}

// LoadRecord describes a sequence to install.
type LoadRecord struct {
	Sequence []segment.Segment
	Base     []segment.Segment
	Note     string
	Capped   bool
}

// Replicated is a committed change delivered by a Replicator to every node.
type Replicated struct {
	// Load, when set, replaces the sequence.
	Load *LoadRecord
	// Op, when set, is replayed on the local engine.
	Op Op
	// Sync asks the node to jump to the anchor below instead of replaying.
	// It is set for nodes restoring from a snapshot.
	Sync          bool
	Running       bool
	AnchorElapsed float64
	AnchorAt      time.Time
}

// Replicator orders sequence loads and transport controls across nodes.
// Committed changes come back through Session.ApplyReplicated, on this node
// as well as on the others.
type Replicator interface {
	ReplicateLoad(ctx context.Context, rec LoadRecord) error
	ReplicateControl(ctx context.Context, op Op, elapsed float64) error
}

// Config configures a Session.
type Config struct {
	// ID defaults to a random UUID.
	ID        string
	TimeScale float64

	// Catalog and FillerOptions feed cap-filler generation. An empty catalog
	// still yields a single generic filler segment.
	Catalog       []filler.Move
	FillerOptions filler.Options
	Rand          *rand.Rand

	// Clock and Frames are passed to every engine; nil uses the defaults.
	Clock  engine.Clock
	Frames engine.FrameScheduler
}

// CapRequest asks for a time cap on the base sequence.
type CapRequest struct {
	TargetSeconds float64          `json:"target_seconds"`
	Pool          segment.Pool     `json:"pool"`
	UnderStrategy timecap.Strategy `json:"under_strategy"`
	// Filler overrides the session's filler options for this request.
	Filler *filler.Options `json:"filler,omitempty"`
}

// View is a point-in-time description of the session for status endpoints.
type View struct {
	ID        string           `json:"id"`
	State     string           `json:"state"`
	Snapshot  engine.Snapshot  `json:"snapshot"`
	Segment   *segment.Segment `json:"segment,omitempty"`
	Length    int              `json:"length"`
	Capped    bool             `json:"capped"`
	Note      string           `json:"note,omitempty"`
	Epoch     uint64           `json:"epoch"`
	TimeScale float64          `json:"time_scale"`
}

// Session plays one workout at a time.
type Session struct {
	mu sync.RWMutex
	// swapMu serializes Load, ApplyCap and UndoCap from read to commit.
	swapMu sync.Mutex

	id         string
	config     Config
	bus        *events.Bus
	logger     *slog.Logger
	replicator Replicator

	eng     *engine.Engine
	base    []segment.Segment
	current []segment.Segment
	note    string
	capped  bool
	epoch   uint64
}

// New creates a Session with no sequence. Engine notifications are
// published on bus.
func New(config Config, bus *events.Bus, logger *slog.Logger) *Session {
	if config.ID == "" {
		config.ID = uuid.NewString()
	}
	if config.Rand == nil {
		config.Rand = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &Session{
		id:     config.ID,
		config: config,
		bus:    bus,
		logger: logger.With("session", config.ID),
	}
}

// SetReplicator routes loads and controls through r. Call before serving.
func (s *Session) SetReplicator(r Replicator) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.replicator = r
}

// ID returns the session id.
func (s *Session) ID() string {
	return s.id
}

// Load replaces the base sequence and clears any cap.
func (s *Session) Load(ctx context.Context, segments []segment.Segment) error {
	if len(segments) == 0 {
		return engine.ErrNoSegments
	}
	if err := segment.ValidateAll(segments); err != nil {
		return fmt.Errorf("load sequence: %w", err)
	}

	s.swapMu.Lock()
	defer s.swapMu.Unlock()

	note := fmt.Sprintf("Loaded %d segments (%s).", len(segments), segment.FormatClock(segment.TotalDuration(segments)))
	return s.commit(ctx, LoadRecord{
		Sequence: segment.Clone(segments),
		Base:     segment.Clone(segments),
		Note:     note,
	})
}

// ApplyCap caps the base sequence and plays the result. Repeated caps never
// compound because they always start from the base.
func (s *Session) ApplyCap(ctx context.Context, req CapRequest) (timecap.Result, error) {
	s.swapMu.Lock()
	defer s.swapMu.Unlock()

	s.mu.RLock()
	base := s.base
	s.mu.RUnlock()

	if base == nil {
		return timecap.Result{}, ErrNoSequence
	}

	pool := req.Pool
	if pool == "" {
		pool = segment.PoolAll
	}

	opts := timecap.Options{UnderStrategy: req.UnderStrategy}
	if req.UnderStrategy == timecap.StrategyFinisher {
		fillerOpts := s.config.FillerOptions
		if req.Filler != nil {
			fillerOpts = *req.Filler
		}
		b := filler.NewBuilder(s.config.Catalog, fillerOpts, s.nextRand())
		opts.FinisherBuilder = b.Build
		opts.FinisherName = filler.FillerName
	}

	res, err := timecap.Apply(base, req.TargetSeconds, pool, opts)
	if err != nil {
		return timecap.Result{}, err
	}

	if err := s.commit(ctx, LoadRecord{
		Sequence: res.Segments,
		Base:     base,
		Note:     res.Note,
		Capped:   true,
	}); err != nil {
		return timecap.Result{}, err
	}

	s.logger.Info("time cap applied",
		"target", req.TargetSeconds,
		"pool", pool,
		"before", res.TotalBefore,
		"after", res.TotalAfter)
	return res, nil
}

// UndoCap restores the base sequence.
func (s *Session) UndoCap(ctx context.Context) error {
	s.swapMu.Lock()
	defer s.swapMu.Unlock()

	s.mu.RLock()
	base, capped := s.base, s.capped
	s.mu.RUnlock()

	if base == nil {
		return ErrNoSequence
	}
	if !capped {
		return ErrNotCapped
	}
	return s.commit(ctx, LoadRecord{
		Sequence: base,
		Base:     base,
		Note:     "Time cap removed.",
	})
}

// Control applies a transport control.
func (s *Session) Control(ctx context.Context, op Op) error {
	if _, err := ParseOp(string(op)); err != nil {
		return err
	}

	s.mu.RLock()
	eng, r := s.eng, s.replicator
	s.mu.RUnlock()

	if eng == nil {
		return ErrNoSequence
	}
	if r != nil {
		if err := r.ReplicateControl(ctx, op, eng.Snapshot().Elapsed); err != nil {
			return fmt.Errorf("replicate %s: %w", op, err)
		}
		return nil
	}

	s.apply(eng, op)
	return nil
}

// ApplyReplicated installs a change committed by the Replicator.
func (s *Session) ApplyReplicated(r Replicated) {
	if r.Load != nil {
		s.install(*r.Load)
	}

	s.mu.RLock()
	eng := s.eng
	s.mu.RUnlock()
	if eng == nil {
		return
	}

	if r.Sync {
		elapsed := r.AnchorElapsed
		if r.Running {
			elapsed += time.Since(r.AnchorAt).Seconds() * eng.TimeScale()
		}
		eng.Pause()
		eng.Seek(elapsed)
		if r.Running {
			eng.Start()
		}
		s.logger.Info("synced to cluster", "elapsed", elapsed, "running", r.Running)
		return
	}

	if r.Op != "" {
		s.apply(eng, r.Op)
	}
}

func (s *Session) apply(eng *engine.Engine, op Op) {
	switch op {
	case OpStart:
		eng.Start()
	case OpPause:
		eng.Pause()
	case OpToggle:
		eng.Toggle()
	case OpSkip:
		eng.Skip()
	case OpReset:
		eng.Reset()
	}
	s.bus.Publish(events.Event{SessionID: s.id, Type: events.TypeControl, Message: string(op)})
	s.logger.Debug("transport control", "op", op)
}

func (s *Session) commit(ctx context.Context, rec LoadRecord) error {
	s.mu.RLock()
	r := s.replicator
	s.mu.RUnlock()

	if r != nil {
		if err := r.ReplicateLoad(ctx, rec); err != nil {
			return fmt.Errorf("replicate load: %w", err)
		}
		return nil
	}

	return s.install(rec)
}

// install swaps in a new engine. The previous engine is closed first so its
// frames can no longer publish.
func (s *Session) install(rec LoadRecord) error {
	cfg := s.bus.Attach(engine.Config{
		TimeScale: s.config.TimeScale,
		Clock:     s.config.Clock,
		Frames:    s.config.Frames,
	}, s.id)

	eng, err := engine.New(rec.Sequence, cfg, s.logger)
	if err != nil {
		s.logger.Error("failed to build engine", "error", err)
		return fmt.Errorf("build engine: %w", err)
	}

	s.mu.Lock()
	if s.eng != nil {
		s.eng.Close()
	}
	s.eng = eng
	s.current = segment.Clone(rec.Sequence)
	s.base = segment.Clone(rec.Base)
	s.note = rec.Note
	s.capped = rec.Capped
	s.epoch++
	epoch := s.epoch
	s.mu.Unlock()

	typ := events.TypeLoad
	if rec.Capped {
		typ = events.TypeCap
	}
	s.bus.Publish(events.Event{SessionID: s.id, Type: typ, Message: rec.Note})
	eng.Reset()

	s.logger.Info("sequence installed",
		"segments", len(rec.Sequence),
		"total", segment.FormatClock(segment.TotalDuration(rec.Sequence)),
		"capped", rec.Capped,
		"epoch", epoch)
	return nil
}

func (s *Session) nextRand() *rand.Rand {
	s.mu.Lock()
	defer s.mu.Unlock()
	return rand.New(rand.NewSource(s.config.Rand.Int63()))
}

// Engine returns the engine playing the current sequence, or nil.
func (s *Session) Engine() *engine.Engine {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.eng
}

// Segments returns a copy of the sequence being played.
func (s *Session) Segments() []segment.Segment {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return segment.Clone(s.current)
}

// Base returns a copy of the uncapped sequence.
func (s *Session) Base() []segment.Segment {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return segment.Clone(s.base)
}

// View describes the session for status endpoints.
func (s *Session) View() View {
	s.mu.RLock()
	defer s.mu.RUnlock()

	v := View{
		ID:     s.id,
		State:  "empty",
		Length: len(s.current),
		Capped: s.capped,
		Note:   s.note,
		Epoch:  s.epoch,
	}
	if s.eng != nil {
		seg := s.eng.CurrentSegment()
		v.State = s.eng.State().String()
		v.Snapshot = s.eng.Snapshot()
		v.Segment = &seg
		v.TimeScale = s.eng.TimeScale()
	}
	return v
}

// GetStats returns session statistics.
func (s *Session) GetStats() map[string]any {
	v := s.View()
	stats := map[string]any{
		"session_id": v.ID,
		"state":      v.State,
		"segments":   v.Length,
		"capped":     v.Capped,
		"epoch":      v.Epoch,
	}
	if v.Segment != nil {
		stats["index"] = v.Snapshot.Index
		stats["remaining"] = math.Round(v.Snapshot.Remaining)
		stats["total"] = v.Snapshot.Total
	}
	return stats
}

// Close stops the engine.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.eng != nil {
		s.eng.Close()
	}
}

// CurrentIndex returns the index of the segment playing, or 0 before any
// sequence is loaded.
func (s *Session) CurrentIndex() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.eng == nil {
		return 0
	}
	return s.eng.CurrentIndex()
}
