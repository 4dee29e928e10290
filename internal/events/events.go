// Package events records session notifications in a bounded, sequenced
// buffer and fans them out to live subscribers.
package events

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/agleyzer/hiitsim/internal/engine"
)

// Type classifies an Event.
type Type string

const (
	TypeTick     Type = "tick"
	TypeSegment  Type = "segment"
	TypeComplete Type = "complete"
	TypeLoad     Type = "load"
	TypeCap      Type = "cap"
	TypeControl  Type = "control"
)

// Event is one sequenced notification. Exactly one of Tick or Segment is
// set for tick and segment events; the others carry Message.
type Event struct {
	Seq       int64                 `json:"seq"`
	Timestamp time.Time             `json:"timestamp"`
	SessionID string                `json:"sessionId,omitempty"`
	Type      Type                  `json:"type"`
	Tick      *engine.Snapshot      `json:"tick,omitempty"`
	Segment   *engine.SegmentChange `json:"segment,omitempty"`
	Message   string                `json:"message,omitempty"`
}

// subscriberBuffer is the channel depth of each subscriber.
const subscriberBuffer = 64

// Bus stores recent events and provides incremental reads and live
// subscriptions.
type Bus struct {
	mu        sync.RWMutex
	nextSeq   int64
	maxEvents int
	events    []Event

	ticks        *rate.Limiter
	droppedTicks int64

	subs    map[int]chan Event
	nextSub int
	lagged  int64
}

// NewBus creates a bus holding at most maxEvents. tickRate limits how many
// tick events per second are recorded; zero or negative records every tick.
func NewBus(maxEvents int, tickRate float64) *Bus {
	if maxEvents <= 0 {
		maxEvents = 500
	}

	b := &Bus{
		maxEvents: maxEvents,
		events:    make([]Event, 0, maxEvents),
		subs:      make(map[int]chan Event),
	}
	if tickRate > 0 {
		b.ticks = rate.NewLimiter(rate.Limit(tickRate), 1)
	}
	return b
}

// Publish appends one event, assigns its sequence and timestamp, and hands
// it to subscribers. A throttled tick is dropped and reported with false.
// Only ticks from running frames are throttled: the final zero-remaining
// tick and the ticks that follow a reset or seek always pass.
func (b *Bus) Publish(event Event) (Event, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if event.Type == TypeTick && b.ticks != nil {
		exempt := event.Tick != nil && (event.Tick.Remaining == 0 || event.Tick.Initial)
		if !exempt && !b.ticks.Allow() {
			b.droppedTicks++
			return event, false
		}
	}

	b.nextSeq++
	event.Seq = b.nextSeq
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	b.events = append(b.events, event)
	if len(b.events) > b.maxEvents {
		trim := len(b.events) - b.maxEvents
		b.events = append([]Event(nil), b.events[trim:]...)
	}

	for _, ch := range b.subs {
		select {
		case ch <- event:
		default:
			b.lagged++
		}
	}

	return event, true
}

// Since returns events with sequence strictly greater than seq.
func (b *Bus) Since(seq int64) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if len(b.events) == 0 {
		return nil
	}

	out := make([]Event, 0, len(b.events))
	for _, event := range b.events {
		if event.Seq > seq {
			out = append(out, event)
		}
	}
	return out
}

// LastSeq returns the sequence of the newest event, or 0.
func (b *Bus) LastSeq() int64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.nextSeq
}

// Subscribe returns a channel receiving every event published from now on,
// and a func that ends the subscription and closes the channel. A subscriber
// that falls behind misses events rather than blocking the publisher.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextSub++
	id := b.nextSub
	ch := make(chan Event, subscriberBuffer)
	b.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			delete(b.subs, id)
			close(ch)
		})
	}
}

// Attach returns cfg with its observers extended to publish engine
// notifications for sessionID. Observers already set on cfg still run first.
func (b *Bus) Attach(cfg engine.Config, sessionID string) engine.Config {
	onTick, onChange, onComplete := cfg.OnTick, cfg.OnSegmentChange, cfg.OnComplete

	cfg.OnTick = func(s engine.Snapshot) {
		if onTick != nil {
			onTick(s)
		}
		b.Publish(Event{SessionID: sessionID, Type: TypeTick, Tick: &s})
	}
	cfg.OnSegmentChange = func(c engine.SegmentChange) {
		if onChange != nil {
			onChange(c)
		}
		b.Publish(Event{SessionID: sessionID, Type: TypeSegment, Segment: &c})
	}
	cfg.OnComplete = func() {
		if onComplete != nil {
			onComplete()
		}
		b.Publish(Event{SessionID: sessionID, Type: TypeComplete})
	}
	return cfg
}

// GetStats returns bus statistics.
func (b *Bus) GetStats() map[string]any {
	b.mu.RLock()
	defer b.mu.RUnlock()

	return map[string]any{
		"last_seq":      b.nextSeq,
		"buffered":      len(b.events),
		"subscribers":   len(b.subs),
		"dropped_ticks": b.droppedTicks,
		"lagged":        b.lagged,
	}
}
