package chat

import (
	"context"
	"io"
	"sync"
	"time"
)

// DefaultSubscriberBuffer is the per-subscriber queue capacity used when none is configured.
const DefaultSubscriberBuffer = 64

// Bus fans published events out to every live subscription.
//
// Publish never blocks on a slow subscriber: when a subscription's queue is
// full its oldest event is evicted and the subscription is marked lagged.
// A lagged subscription reports *LaggedError from then on.
type Bus struct {
	mu       sync.Mutex
	subs     map[*Subscription]struct{}
	capacity int
	closed   bool
}

func NewBus(capacity int) *Bus {
	if capacity <= 0 {
		capacity = DefaultSubscriberBuffer
	}
	return &Bus{
		subs:     make(map[*Subscription]struct{}),
		capacity: capacity,
	}
}

// Subscribe returns a handle that observes every event published after this call.
func (b *Bus) Subscribe() (*Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrBusClosed
	}
	s := &Subscription{
		bus:    b,
		queue:  make([]Event, b.capacity),
		notify: make(chan struct{}, 1),
	}
	b.subs[s] = struct{}{}
	return s, nil
}

// Publish delivers ev to all current subscriptions and returns how many were reached.
// The bus lock is held for the whole fan-out, so every subscriber sees one global order.
func (b *Bus) Publish(ev Event) (int, error) {
	start := time.Now()
	defer func() {
		EventProcessingDuration.WithLabelValues("publish_" + ev.Type.String()).Observe(time.Since(start).Seconds())
	}()

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return 0, ErrBusClosed
	}
	n := 0
	for s := range b.subs {
		if s.push(ev) {
			n++
		}
	}
	MessagesTotal.WithLabelValues(ev.Type.String()).Inc()
	return n, nil
}

// Len reports the number of live subscriptions.
func (b *Bus) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Close terminates every subscription; pending events are still readable.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for s := range b.subs {
		s.close()
		delete(b.subs, s)
	}
}

func (b *Bus) remove(s *Subscription) {
	b.mu.Lock()
	delete(b.subs, s)
	b.mu.Unlock()
}

// Subscription is a bounded ring of events for one receiver.
type Subscription struct {
	bus *Bus

	mu     sync.Mutex
	queue  []Event
	head   int
	size   int
	missed uint64
	closed bool

	notify chan struct{}
}

// push enqueues ev, evicting the oldest entry if full. It reports false when
// the subscription is closed or already lagged.
func (s *Subscription) push(ev Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	if s.missed > 0 {
		s.missed++
		return false
	}
	if s.size == len(s.queue) {
		s.head = (s.head + 1) % len(s.queue)
		s.size--
		s.missed++
		LaggedSubscribersTotal.Inc()
	}
	s.queue[(s.head+s.size)%len(s.queue)] = ev
	s.size++
	s.signal()
	return s.missed == 0
}

func (s *Subscription) signal() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *Subscription) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.signal()
}

// Ready fires when events may be available. Drain with Poll after each signal.
func (s *Subscription) Ready() <-chan struct{} {
	return s.notify
}

// Poll returns the next queued event without blocking. ok is false when the
// queue is empty. A lagged subscription returns *LaggedError; a closed and
// drained one returns io.EOF.
func (s *Subscription) Poll() (ev Event, ok bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.missed > 0 {
		return Event{}, false, &LaggedError{Missed: s.missed}
	}
	if s.size == 0 {
		if s.closed {
			return Event{}, false, io.EOF
		}
		return Event{}, false, nil
	}
	ev = s.queue[s.head]
	s.queue[s.head] = Event{}
	s.head = (s.head + 1) % len(s.queue)
	s.size--
	return ev, true, nil
}

// Next blocks until an event is available, the subscription fails, or ctx is done.
func (s *Subscription) Next(ctx context.Context) (Event, error) {
	for {
		ev, ok, err := s.Poll()
		if err != nil {
			return Event{}, err
		}
		if ok {
			return ev, nil
		}
		select {
		case <-s.notify:
		case <-ctx.Done():
			return Event{}, ctx.Err()
		}
	}
}

// Close detaches the subscription from its bus. It is safe to call more than once.
func (s *Subscription) Close() {
	s.bus.remove(s)
	s.close()
}
