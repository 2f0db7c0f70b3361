// Package events distributes pipeline observability records to in-process
// subscribers. The capture loop and session manager emit [Event] values
// describing state changes, wake triggers, utterances and turns; consumers
// such as the admin WebSocket endpoint subscribe and receive them as they
// happen.
//
// Emission is fire-and-forget. A slow subscriber loses its oldest queued
// events rather than back-pressuring the audio pipeline, and a [Bus] with no
// subscribers costs one mutex acquisition per event.
package events

import (
	"log/slog"
	"slices"
	"sync"
	"time"
)

// Kind classifies an event.
type Kind string

// Event kinds emitted by the pipeline.
const (
	KindStateChange  Kind = "state_change"
	KindWakeTrigger  Kind = "wake_trigger"
	KindUtterance    Kind = "utterance"
	KindTurn         Kind = "turn"
	KindSessionStart Kind = "session_start"
	KindSessionEnd   Kind = "session_end"
	KindForcedUnmute Kind = "forced_unmute"
	KindRecalibrated Kind = "recalibrated"
)

// Event is one append-only observability record.
type Event struct {
	// Seq is a bus-wide monotonically increasing sequence number, starting
	// at 1.
	Seq uint64 `json:"seq"`
	// Time is the wall-clock emission time.
	Time time.Time `json:"time"`
	// SessionID identifies the session the event belongs to, when any.
	SessionID string `json:"session_id,omitempty"`
	// Kind classifies the event.
	Kind Kind `json:"kind"`
	// Data carries a small kind-specific payload.
	Data map[string]any `json:"data,omitempty"`
}

const (
	// defaultRetention is how many recent events are replayed to new
	// subscribers.
	defaultRetention = 256

	// defaultSubscriberBuffer is the queue depth per subscriber before the
	// bus starts dropping that subscriber's oldest events.
	defaultSubscriberBuffer = 64
)

// Option is a functional option for configuring a [Bus].
type Option func(*Bus)

// WithRetention sets how many recent events are kept for replay to late
// subscribers. The default is 256.
func WithRetention(n int) Option {
	return func(b *Bus) { b.retain = n }
}

// WithSubscriberBuffer sets the per-subscriber queue depth. Larger buffers
// reduce the chance of dropping events when a consumer is slow. The default
// is 64.
func WithSubscriberBuffer(n int) Option {
	return func(b *Bus) { b.subBuf = n }
}

// WithLogger sets the logger used for drop warnings.
func WithLogger(l *slog.Logger) Option {
	return func(b *Bus) { b.logger = l }
}

// Bus fans events out to subscribers and retains a bounded tail for replay.
type Bus struct {
	logger *slog.Logger
	retain int
	subBuf int

	mu     sync.Mutex
	seq    uint64
	tail   []Event
	subs   map[*Subscription]struct{}
	closed bool
}

// NewBus creates a Bus ready for use.
func NewBus(opts ...Option) *Bus {
	b := &Bus{
		logger: slog.Default(),
		retain: defaultRetention,
		subBuf: defaultSubscriberBuffer,
		subs:   make(map[*Subscription]struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.retain < 0 {
		b.retain = 0
	}
	// A zero-capacity queue would deadlock the drop-oldest send below.
	if b.subBuf < 1 {
		b.subBuf = 1
	}
	return b
}

// Emit publishes one event. The sequence number and timestamp are assigned
// here. Emit never blocks on subscribers and is a no-op after Close.
func (b *Bus) Emit(kind Kind, sessionID string, data map[string]any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}

	b.seq++
	ev := Event{
		Seq:       b.seq,
		Time:      time.Now(),
		SessionID: sessionID,
		Kind:      kind,
		Data:      data,
	}

	if b.retain > 0 {
		if len(b.tail) == b.retain {
			copy(b.tail, b.tail[1:])
			b.tail = b.tail[:b.retain-1]
		}
		b.tail = append(b.tail, ev)
	}

	for sub := range b.subs {
		select {
		case sub.ch <- ev:
		default:
			// Subscriber is behind. Drop its oldest queued event; the
			// freed slot cannot be refilled by anyone else because all
			// sends happen under b.mu.
			select {
			case <-sub.ch:
			default:
			}
			sub.ch <- ev
			sub.dropped++
			if sub.dropped == 1 || sub.dropped%100 == 0 {
				b.logger.Warn("dropping events, subscriber too slow",
					"dropped", sub.dropped)
			}
		}
	}
}

// Subscribe registers a consumer. The returned slice is the retained tail,
// oldest first; later events arrive on the subscription channel. After Close
// the tail is still returned but the channel is already closed.
func (b *Bus) Subscribe() ([]Event, *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	tail := slices.Clone(b.tail)
	sub := &Subscription{ch: make(chan Event, b.subBuf), bus: b}
	if b.closed {
		close(sub.ch)
		return tail, sub
	}
	b.subs[sub] = struct{}{}
	return tail, sub
}

// Close detaches every subscriber and closes its channel. Further Emit calls
// are ignored. Safe to call more than once.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for sub := range b.subs {
		delete(b.subs, sub)
		close(sub.ch)
	}
}

// Subscription is one consumer's view of the bus.
type Subscription struct {
	ch  chan Event
	bus *Bus

	// dropped is guarded by bus.mu.
	dropped int
}

// Events returns the channel live events arrive on. It is closed when the
// subscription is cancelled or the bus closes.
func (s *Subscription) Events() <-chan Event { return s.ch }

// Dropped reports how many events this subscriber lost to queue overflow.
func (s *Subscription) Dropped() int {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	return s.dropped
}

// Cancel detaches the subscription and closes its channel. Safe to call more
// than once and after bus Close.
func (s *Subscription) Cancel() {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	if _, ok := s.bus.subs[s]; !ok {
		return
	}
	delete(s.bus.subs, s)
	close(s.ch)
}
