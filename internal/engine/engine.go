// Package engine drives a workout segment sequence in real time.
//
// The engine is a state machine (Idle -> Running <-> Paused -> Complete)
// stepped by frames from a FrameScheduler. Every frame recomputes elapsed
// time from a Clock sample taken against the moment playback last started,
// so late, dropped or coalesced frames never make the countdown drift.
package engine

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/agleyzer/hiitsim/internal/segment"
)

// ErrNoSegments is returned by New for an empty sequence.
var ErrNoSegments = errors.New("cannot create engine with zero segments")

// State is the transport state of an Engine.
type State int

const (
	StateIdle State = iota
	StateRunning
	StatePaused
	StateComplete
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StatePaused:
		return "paused"
	case StateComplete:
		return "complete"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Snapshot is the timing picture delivered with every tick. All values are
// in seconds of scaled workout time.
type Snapshot struct {
	Elapsed      float64 `json:"elapsed"`
	Total        float64 `json:"total"`
	Index        int     `json:"index"`
	Remaining    float64 `json:"remaining"`
	SegRemaining float64 `json:"seg_remaining"`
	SegElapsed   float64 `json:"seg_elapsed"`

	// Initial is set on the tick that follows Reset or Seek.
	Initial bool `json:"initial,omitempty"`
}

// SegmentChange announces the segment now playing. Initial is set when the
// notification syncs observers (start, reset, seek) rather than reporting a
// boundary crossing.
type SegmentChange struct {
	Index   int             `json:"index"`
	Segment segment.Segment `json:"segment"`
	Initial bool            `json:"initial,omitempty"`
}

// Config wires the observers and timing sources of an Engine.
type Config struct {
	OnTick          func(Snapshot)
	OnSegmentChange func(SegmentChange)
	OnComplete      func()

	// TimeScale multiplies wall-clock time; 4 plays a workout four times as
	// fast. Non-positive values mean 1.
	TimeScale float64

	// Clock defaults to SystemClock, Frames to an IntervalScheduler at
	// DefaultFrameInterval.
	Clock  Clock
	Frames FrameScheduler
}

// Engine plays one segment sequence. Transport controls may be called from
// any goroutine and never fail; a control that does not apply in the current
// state is ignored. Observers run with no engine lock held, so they may call
// back into the Engine. Notifications are delivered one at a time in the
// order their calls and frames took effect, and those made stale by a later
// Start, Reset, Seek or Close are not delivered.
type Engine struct {
	mu sync.Mutex

	segments  []segment.Segment
	starts    []float64 // starts[i] is the offset of segment i; starts[len] is total
	total     float64
	timeScale float64

	onTick          func(Snapshot)
	onSegmentChange func(SegmentChange)
	onComplete      func()

	clock  Clock
	frames FrameScheduler
	logger *slog.Logger

	state       State
	index       int
	elapsed     float64
	baseElapsed float64   // elapsed when playback last started
	startedAt   time.Time // clock sample when playback last started
	cancelFrame func()
	gen         uint64 // bumped whenever pending frames must be ignored
	closed      bool

	resync      uint64  // bumped whenever a control resyncs observers
	queue       []batch // notifications waiting for delivery, oldest first
	dispatching bool
}

// batch is the notifications produced by one call or frame, tagged with the
// resync they belong to.
type batch struct {
	resync uint64
	out    []func()
}

// New creates an idle Engine over a copy of segments.
func New(segments []segment.Segment, cfg Config, logger *slog.Logger) (*Engine, error) {
	if len(segments) == 0 {
		return nil, ErrNoSegments
	}
	if err := segment.ValidateAll(segments); err != nil {
		return nil, fmt.Errorf("invalid sequence: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}

	scale := cfg.TimeScale
	if math.IsNaN(scale) || math.IsInf(scale, 0) || scale <= 0 {
		if scale != 0 {
			logger.Warn("invalid time scale, using 1", "timeScale", scale)
		}
		scale = 1
	}

	clock := cfg.Clock
	if clock == nil {
		clock = SystemClock()
	}
	frames := cfg.Frames
	if frames == nil {
		frames = IntervalScheduler{Interval: DefaultFrameInterval}
	}

	segs := segment.Clone(segments)
	starts := make([]float64, len(segs)+1)
	for i, s := range segs {
		starts[i+1] = starts[i] + float64(s.DurationSec)
	}

	return &Engine{
		segments:        segs,
		starts:          starts,
		total:           starts[len(segs)],
		timeScale:       scale,
		onTick:          cfg.OnTick,
		onSegmentChange: cfg.OnSegmentChange,
		onComplete:      cfg.OnComplete,
		clock:           clock,
		frames:          frames,
		logger:          logger,
		state:           StateIdle,
	}, nil
}

// Start begins or resumes playback. It immediately reports the current
// segment as an initial change so observers can sync before the first tick.
// No-op while running, after completion, or once closed.
func (e *Engine) Start() {
	e.mu.Lock()
	if e.closed || e.state == StateRunning || e.state == StateComplete {
		e.mu.Unlock()
		return
	}

	e.state = StateRunning
	e.startedAt = e.clock.Now()
	e.baseElapsed = e.elapsed
	e.gen++
	e.resync++
	gen := e.gen

	out := []func(){e.segmentEvent(e.index, true)}
	e.cancelFrame = e.frames.RequestFrame(func() { e.frame(gen) })

	e.logger.Debug("timer started", "index", e.index, "elapsed", e.elapsed)
	e.queueLocked(out)
	e.mu.Unlock()

	e.dispatch()
}

// Pause freezes elapsed time at the last computed value. After Pause
// returns no earlier frame request can change the engine. No-op unless
// running.
func (e *Engine) Pause() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed || e.state != StateRunning {
		return
	}
	e.stopLocked()
	e.state = StatePaused

	e.logger.Debug("timer paused", "index", e.index, "elapsed", e.elapsed)
}

// Toggle pauses a running engine and starts any other.
func (e *Engine) Toggle() {
	if e.IsRunning() {
		e.Pause()
	} else {
		e.Start()
	}
}

// Reset stops playback and rewinds to the first segment. Observers receive an
// initial segment change and a tick with the full remaining time.
func (e *Engine) Reset() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}

	e.stopLocked()
	e.state = StateIdle
	e.elapsed = 0
	e.baseElapsed = 0
	e.index = 0
	e.resync++

	out := []func(){
		e.segmentEvent(0, true),
		e.tickEvent(e.syncSnapshotLocked()),
	}

	e.logger.Debug("timer reset")
	e.queueLocked(out)
	e.mu.Unlock()

	e.dispatch()
}

// Skip jumps to the start of the next segment. On the last segment it jumps
// to the end, and the next frame completes the workout. No-op once complete.
func (e *Engine) Skip() {
	e.mu.Lock()
	if e.closed || e.state == StateComplete {
		e.mu.Unlock()
		return
	}

	if e.index >= len(e.segments)-1 {
		e.elapsed = e.total
	} else {
		e.index++
		e.elapsed = e.starts[e.index]
	}

	switch e.state {
	case StateRunning:
		e.baseElapsed = e.elapsed
		e.startedAt = e.clock.Now()
	case StateIdle:
		e.state = StatePaused
	}

	out := []func(){e.segmentEvent(e.index, false)}

	e.logger.Debug("timer skipped", "index", e.index, "elapsed", e.elapsed)
	e.queueLocked(out)
	e.mu.Unlock()

	e.dispatch()
}

// Seek positions a stopped engine at elapsed seconds (clamped to the
// workout) and reports the segment there as an initial change followed by a
// tick. Replicas use it to join a session already in progress. No-op while
// running.
func (e *Engine) Seek(elapsed float64) {
	e.mu.Lock()
	if e.closed || e.state == StateRunning {
		e.mu.Unlock()
		return
	}

	if math.IsNaN(elapsed) || elapsed < 0 {
		elapsed = 0
	}
	elapsed = math.Min(elapsed, e.total)

	e.elapsed = elapsed
	e.baseElapsed = elapsed
	e.index = e.indexAt(elapsed)
	if elapsed > 0 || e.state != StateIdle {
		e.state = StatePaused
	}
	e.resync++

	out := []func(){
		e.segmentEvent(e.index, true),
		e.tickEvent(e.syncSnapshotLocked()),
	}
	e.queueLocked(out)
	e.mu.Unlock()

	e.dispatch()
}

// Close disposes the engine: the pending frame is cancelled and every later
// call is a no-op.
func (e *Engine) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return
	}
	e.stopLocked()
	e.resync++
	e.closed = true
}

// CurrentIndex returns the index of the segment now playing.
func (e *Engine) CurrentIndex() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.index
}

// CurrentSegment returns a copy of the segment now playing.
func (e *Engine) CurrentSegment() segment.Segment {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.segments[e.index].Clone()
}

// IsRunning reports whether frames are being scheduled.
func (e *Engine) IsRunning() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state == StateRunning
}

// State returns the transport state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Snapshot returns the timing picture as of the last frame or control.
func (e *Engine) Snapshot() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snapshotLocked()
}

// Total returns the workout length in seconds.
func (e *Engine) Total() float64 {
	return e.total
}

// TimeScale returns the effective playback multiplier.
func (e *Engine) TimeScale() float64 {
	return e.timeScale
}

// Len returns the number of segments.
func (e *Engine) Len() int {
	return len(e.segments)
}

// Segments returns a copy of the sequence being played.
func (e *Engine) Segments() []segment.Segment {
	return segment.Clone(e.segments)
}

// frame is one scheduled update. gen ties it to the run that requested it.
func (e *Engine) frame(gen uint64) {
	e.mu.Lock()
	if e.state != StateRunning || gen != e.gen {
		e.mu.Unlock()
		return
	}
	e.cancelFrame = nil

	elapsed := e.baseElapsed + e.clock.Now().Sub(e.startedAt).Seconds()*e.timeScale
	e.elapsed = math.Min(math.Max(elapsed, e.baseElapsed), e.total)

	// Report every boundary crossed since the last frame, in order.
	var out []func()
	for e.index < len(e.segments)-1 && e.elapsed >= e.starts[e.index+1] {
		e.index++
		out = append(out, e.segmentEvent(e.index, false))
	}

	if e.elapsed >= e.total {
		e.state = StateComplete
		out = append(out,
			e.tickEvent(Snapshot{Elapsed: e.total, Total: e.total, Index: e.index}),
			e.completeEvent(),
		)
		e.logger.Debug("timer complete", "total", e.total)
	} else {
		out = append(out, e.tickEvent(e.snapshotLocked()))
		e.cancelFrame = e.frames.RequestFrame(func() { e.frame(gen) })
	}
	e.queueLocked(out)
	e.mu.Unlock()

	e.dispatch()
}

// stopLocked invalidates and cancels any pending frame.
func (e *Engine) stopLocked() {
	e.gen++
	if e.cancelFrame != nil {
		e.cancelFrame()
		e.cancelFrame = nil
	}
}

func (e *Engine) indexAt(elapsed float64) int {
	i := 0
	for i < len(e.segments)-1 && elapsed >= e.starts[i+1] {
		i++
	}
	return i
}

func (e *Engine) snapshotLocked() Snapshot {
	segElapsed := e.elapsed - e.starts[e.index]
	return Snapshot{
		Elapsed:      e.elapsed,
		Total:        e.total,
		Index:        e.index,
		Remaining:    math.Max(0, e.total-e.elapsed),
		SegRemaining: math.Max(0, float64(e.segments[e.index].DurationSec)-segElapsed),
		SegElapsed:   segElapsed,
	}
}

// syncSnapshotLocked is the snapshot sent when a control resyncs observers
// outside the frame loop.
func (e *Engine) syncSnapshotLocked() Snapshot {
	s := e.snapshotLocked()
	s.Initial = true
	return s
}

func (e *Engine) segmentEvent(index int, initial bool) func() {
	change := SegmentChange{Index: index, Segment: e.segments[index].Clone(), Initial: initial}
	return func() {
		if e.onSegmentChange != nil {
			e.onSegmentChange(change)
		}
	}
}

func (e *Engine) tickEvent(s Snapshot) func() {
	return func() {
		if e.onTick != nil {
			e.onTick(s)
		}
	}
}

func (e *Engine) completeEvent() func() {
	return func() {
		if e.onComplete != nil {
			e.onComplete()
		}
	}
}

// queueLocked schedules out for delivery after every earlier batch.
func (e *Engine) queueLocked(out []func()) {
	e.queue = append(e.queue, batch{resync: e.resync, out: out})
}

// dispatch delivers queued notifications one at a time. Only one goroutine
// delivers at once; a call made while another delivery is in progress (from
// an observer, for instance) leaves its batch to that delivery. What is left
// of a batch once Start, Reset, Seek or Close has resynced observers is
// dropped. A panicking observer is logged and skipped; it must not
// stop the countdown.
func (e *Engine) dispatch() {
	e.mu.Lock()
	if e.dispatching {
		e.mu.Unlock()
		return
	}
	e.dispatching = true

	for len(e.queue) > 0 {
		b := e.queue[0]
		e.queue = e.queue[1:]

		for _, fn := range b.out {
			if e.closed || b.resync != e.resync {
				break
			}
			e.mu.Unlock()
			e.notify(fn)
			e.mu.Lock()
		}
	}

	e.dispatching = false
	e.mu.Unlock()
}

func (e *Engine) notify(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("timer observer panicked", "panic", r)
		}
	}()
	fn()
}
