// Package eventbus provides the in-process typed event bus. Publishing is
// fire-and-forget: subscribers hold a bounded buffer and a slow subscriber
// loses its oldest events rather than blocking the publisher. Events produced
// inside a store transaction are staged and flushed only after commit.
package eventbus

import (
	"sync"
	"sync/atomic"
)

// subscriberBuffer bounds each subscription's backlog. Overflow drops the
// oldest buffered event and increments the subscription's drop count.
const subscriberBuffer = 256

// Bus fans events out to subscribers.
type Bus struct {
	mu   sync.RWMutex
	subs map[int64]*Subscription
	seq  atomic.Int64
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{subs: make(map[int64]*Subscription)}
}

// Subscribe registers a subscriber for the given topics; no topics means all.
// The caller must drain Events() and call Unsubscribe when done.
func (b *Bus) Subscribe(topics ...Topic) *Subscription {
	s := &Subscription{
		id:  b.seq.Add(1),
		bus: b,
		ch:  make(chan Event, subscriberBuffer),
	}
	if len(topics) > 0 {
		s.topics = make(map[Topic]struct{}, len(topics))
		for _, t := range topics {
			s.topics[t] = struct{}{}
		}
	}

	b.mu.Lock()
	b.subs[s.id] = s
	b.mu.Unlock()
	return s
}

// Publish delivers the event to every matching subscriber. It never blocks:
// a full subscriber buffer sheds its oldest event first.
func (b *Bus) Publish(ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, s := range b.subs {
		if !s.wants(ev.Topic) {
			continue
		}
		s.deliver(ev)
	}
}

// SubscriberCount returns the number of active subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

func (b *Bus) unsubscribe(id int64) {
	b.mu.Lock()
	s, ok := b.subs[id]
	if ok {
		delete(b.subs, id)
	}
	b.mu.Unlock()
	if ok {
		close(s.ch)
	}
}

// Subscription is one subscriber's handle on the bus.
type Subscription struct {
	id      int64
	bus     *Bus
	topics  map[Topic]struct{} // nil matches every topic
	ch      chan Event
	dropped atomic.Uint64
	once    sync.Once
}

// Events returns the subscriber's delivery channel. The channel is closed by
// Unsubscribe.
func (s *Subscription) Events() <-chan Event { return s.ch }

// Dropped returns how many events this subscriber has lost to overflow.
func (s *Subscription) Dropped() uint64 { return s.dropped.Load() }

// Unsubscribe removes the subscription and closes its channel. Safe to call
// more than once.
func (s *Subscription) Unsubscribe() {
	s.once.Do(func() { s.bus.unsubscribe(s.id) })
}

func (s *Subscription) wants(t Topic) bool {
	if s.topics == nil {
		return true
	}
	_, ok := s.topics[t]
	return ok
}

func (s *Subscription) deliver(ev Event) {
	select {
	case s.ch <- ev:
		return
	default:
	}
	// Buffer full: shed the oldest event, then retry once. A concurrent
	// reader may have drained in between, so the retry can still lose the
	// race; count the new event as dropped in that case.
	select {
	case <-s.ch:
		s.dropped.Add(1)
	default:
	}
	select {
	case s.ch <- ev:
	default:
		s.dropped.Add(1)
	}
}

// Staged accumulates events produced during a transaction. Flush publishes
// them in order after commit; a failed transaction simply discards the stage.
type Staged struct {
	mu     sync.Mutex
	bus    *Bus
	events []Event
}

// Stage creates an empty event stage bound to the bus.
func (b *Bus) Stage() *Staged {
	return &Staged{bus: b}
}

// Publish buffers an event until Flush.
func (st *Staged) Publish(ev Event) {
	st.mu.Lock()
	st.events = append(st.events, ev)
	st.mu.Unlock()
}

// Len returns the number of staged events.
func (st *Staged) Len() int {
	st.mu.Lock()
	defer st.mu.Unlock()
	return len(st.events)
}

// Flush publishes all staged events in the order they were staged and empties
// the stage.
func (st *Staged) Flush() {
	st.mu.Lock()
	events := st.events
	st.events = nil
	st.mu.Unlock()
	for _, ev := range events {
		st.bus.Publish(ev)
	}
}
