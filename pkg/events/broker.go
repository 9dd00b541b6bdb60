package events

import (
	"context"
	"sync"
	"sync/atomic"
)

// DefaultSubscriberBuffer is the channel capacity given to each stream subscriber.
const DefaultSubscriberBuffer = 64

type subscriber struct {
	ch chan Event
}

// Broker fans events out to per-session stream subscribers. A subscriber whose
// buffer is full misses the event; it is expected to resync from a snapshot.
type Broker struct {
	mu      sync.Mutex
	subs    map[string]map[*subscriber]struct{}
	buffer  int
	dropped atomic.Uint64
	closed  bool
}

func NewBroker(buffer int) *Broker {
	if buffer <= 0 {
		buffer = DefaultSubscriberBuffer
	}
	return &Broker{subs: make(map[string]map[*subscriber]struct{}), buffer: buffer}
}

// Subscribe returns a channel of events for sessionID and a func that unsubscribes
// and closes the channel. The func is safe to call more than once.
func (b *Broker) Subscribe(sessionID string) (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := &subscriber{ch: make(chan Event, b.buffer)}
	if b.closed {
		close(s.ch)
		return s.ch, func() {}
	}
	if b.subs[sessionID] == nil {
		b.subs[sessionID] = make(map[*subscriber]struct{})
	}
	b.subs[sessionID][s] = struct{}{}

	var once sync.Once
	return s.ch, func() {
		once.Do(func() { b.remove(sessionID, s) })
	}
}

func (b *Broker) remove(sessionID string, s *subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	set, ok := b.subs[sessionID]
	if !ok {
		return
	}
	if _, ok := set[s]; !ok {
		return
	}
	delete(set, s)
	close(s.ch)
	if len(set) == 0 {
		delete(b.subs, sessionID)
	}
}

// HandleEvent implements Listener. It never blocks.
func (b *Broker) HandleEvent(_ context.Context, ev Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for s := range b.subs[ev.SessionID] {
		select {
		case s.ch <- ev:
		default:
			b.dropped.Add(1)
		}
	}
	return nil
}

// Subscribers returns the number of live subscribers for a session.
func (b *Broker) Subscribers(sessionID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[sessionID])
}

// Dropped returns how many deliveries were skipped because a subscriber was full.
func (b *Broker) Dropped() uint64 {
	return b.dropped.Load()
}

// Close closes every subscriber channel. Later subscriptions get a closed channel.
func (b *Broker) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, set := range b.subs {
		for s := range set {
			close(s.ch)
		}
		delete(b.subs, id)
	}
}
