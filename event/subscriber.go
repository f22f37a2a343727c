package event

import "sync"

// Subscriber receives published events on a buffered channel. Delivery
// is non-blocking: when the buffer is full the event is dropped for this
// subscriber only. Consumers tolerate gaps because events are pure
// invalidation signals.
type Subscriber struct {
	id    string
	ch    chan *Event
	types map[Type]struct{}

	// mu orders send against Close; a send may otherwise land on the
	// channel in the instant after Close closes it and panic the
	// publishing goroutine.
	mu     sync.Mutex
	closed bool
}

// SubscriberOption configures a Subscriber at creation.
type SubscriberOption func(*Subscriber)

// WithTypes restricts delivery to the given event types. The default is
// all types.
func WithTypes(types ...Type) SubscriberOption {
	return func(s *Subscriber) {
		s.types = make(map[Type]struct{}, len(types))
		for _, t := range types {
			s.types[t] = struct{}{}
		}
	}
}

func newSubscriber(id string, bufferSize int, opts ...SubscriberOption) *Subscriber {
	s := &Subscriber{
		id: id,
		ch: make(chan *Event, bufferSize),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ID returns the subscriber identifier.
func (s *Subscriber) ID() string { return s.id }

// C returns the read-only event channel. It is closed when the
// subscriber is removed from the bus.
func (s *Subscriber) C() <-chan *Event { return s.ch }

// Matches reports whether the subscriber's type filter accepts t.
func (s *Subscriber) Matches(t Type) bool {
	if len(s.types) == 0 {
		return true
	}
	_, ok := s.types[t]
	return ok
}

// send attempts delivery. Returns false if the event was filtered out,
// the subscriber is closed, or its buffer is full.
func (s *Subscriber) send(evt *Event) bool {
	if !s.Matches(evt.Type) {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.ch <- evt:
		return true
	default:
		return false
	}
}

// Close closes the subscriber channel. Safe to call multiple times.
func (s *Subscriber) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.ch)
}
