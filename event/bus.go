package event

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultBufferSize is the default per-subscriber event buffer.
const DefaultBufferSize = 256

// Bus fans published events out to all current subscribers. Publication
// assigns the next global sequence number atomically. Delivery to each
// subscriber is isolated: a slow subscriber drops events rather than
// stalling the fan-out loop or other subscribers.
type Bus struct {
	mu   sync.RWMutex
	subs map[string]*Subscriber

	seq            atomic.Uint64
	totalPublished atomic.Int64
	totalDropped   atomic.Int64

	bufferSize int
	logger     *slog.Logger
	closed     atomic.Bool
}

// BusOption configures a Bus.
type BusOption func(*Bus)

// WithBufferSize sets the per-subscriber event buffer size.
func WithBufferSize(size int) BusOption {
	return func(b *Bus) { b.bufferSize = size }
}

// WithLogger sets the bus logger.
func WithLogger(logger *slog.Logger) BusOption {
	return func(b *Bus) { b.logger = logger }
}

// NewBus creates an event bus with no subscribers.
func NewBus(opts ...BusOption) *Bus {
	b := &Bus{
		subs:       make(map[string]*Subscriber),
		bufferSize: DefaultBufferSize,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Publish stamps evt with the next sequence number and the current time,
// then fans it out to every subscriber whose filter matches. The stamped
// event is returned. Publish never blocks on slow subscribers.
func (b *Bus) Publish(evt Event) Event {
	evt.Seq = b.seq.Add(1)
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}

	// Snapshot under read lock so registration and removal cannot race
	// with the fan-out iteration.
	b.mu.RLock()
	targets := make([]*Subscriber, 0, len(b.subs))
	for _, sub := range b.subs {
		targets = append(targets, sub)
	}
	b.mu.RUnlock()

	for _, sub := range targets {
		if !sub.send(&evt) {
			b.totalDropped.Add(1)
		}
	}
	b.totalPublished.Add(1)
	return evt
}

// Subscribe registers a new subscriber and returns it. The subscriber
// receives every event published after this call (no history replay)
// until Unsubscribe or Close.
func (b *Bus) Subscribe(subID string, opts ...SubscriberOption) *Subscriber {
	sub := newSubscriber(subID, b.bufferSize, opts...)
	b.mu.Lock()
	b.subs[subID] = sub
	b.mu.Unlock()
	return sub
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Bus) Unsubscribe(subID string) {
	b.mu.Lock()
	sub, ok := b.subs[subID]
	delete(b.subs, subID)
	b.mu.Unlock()
	if ok {
		sub.Close()
	}
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Stats returns bus counters.
func (b *Bus) Stats() Stats {
	return Stats{
		Subscribers: b.SubscriberCount(),
		Published:   b.totalPublished.Load(),
		Dropped:     b.totalDropped.Load(),
	}
}

// Stats contains bus metrics.
type Stats struct {
	Subscribers int   `json:"subscribers"`
	Published   int64 `json:"published"`
	Dropped     int64 `json:"dropped"`
}

// Close closes every subscriber channel and drops all registrations.
// Safe to call multiple times.
func (b *Bus) Close() {
	if !b.closed.CompareAndSwap(false, true) {
		return
	}
	b.mu.Lock()
	subs := b.subs
	b.subs = make(map[string]*Subscriber)
	b.mu.Unlock()
	for _, sub := range subs {
		sub.Close()
	}
	b.logger.Debug("event bus closed")
}
