// Package broadcast fans out every committed append to every live
// projection subscription. Unlike a typical pub/sub broker, it never drops:
// a slow subscriber blocks the broadcaster until it keeps up, per the
// spec's one-event-in-flight back-pressure invariant.
package broadcast

import (
	"sync"

	"github.com/thalo-rs/thalo/pkg/event"
)

// Subscriber is a channel a subscription reads committed events from.
type Subscriber chan []event.Record

// Broadcaster distributes committed batches of events to every current
// subscriber, blocking on a full subscriber instead of dropping.
type Broadcaster struct {
	mu          sync.RWMutex
	subscribers map[Subscriber]struct{}
	eventCh     chan []event.Record
	stopCh      chan struct{}
	stopOnce    sync.Once
}

// New constructs a Broadcaster. Call Start to begin its distribution loop.
func New() *Broadcaster {
	return &Broadcaster{
		subscribers: make(map[Subscriber]struct{}),
		eventCh:     make(chan []event.Record, 256),
		stopCh:      make(chan struct{}),
	}
}

// Start begins the broadcaster's distribution loop in its own goroutine.
func (b *Broadcaster) Start() {
	go b.run()
}

// Stop halts distribution. In-flight Publish calls return without
// blocking; subscribers are not closed (callers own their own teardown via
// Unsubscribe).
func (b *Broadcaster) Stop() {
	b.stopOnce.Do(func() { close(b.stopCh) })
}

// Subscribe registers a new subscriber with the given buffer size (the
// projection gateway uses a buffer of 256 batches; the one-event-in-flight
// limit is enforced per subscription by its own state machine).
func (b *Broadcaster) Subscribe(buffer int) Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := make(Subscriber, buffer)
	b.subscribers[sub] = struct{}{}
	return sub
}

// Unsubscribe removes and closes sub.
func (b *Broadcaster) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subscribers[sub]; ok {
		delete(b.subscribers, sub)
		close(sub)
	}
}

// Publish enqueues records for distribution to every subscriber.
func (b *Broadcaster) Publish(records []event.Record) {
	if len(records) == 0 {
		return
	}
	select {
	case b.eventCh <- records:
	case <-b.stopCh:
	}
}

func (b *Broadcaster) run() {
	for {
		select {
		case records := <-b.eventCh:
			b.broadcast(records)
		case <-b.stopCh:
			return
		}
	}
}

// broadcast blocks on each subscriber in turn until its send succeeds or the
// broadcaster is stopped; it never drops. The read lock is held across the
// sends, so Unsubscribe (which closes the channel) waits for an in-progress
// send instead of closing the channel under it; a blocked send simply means
// this subscription's consumer hasn't caught up yet — the back-pressure.
func (b *Broadcaster) broadcast(records []event.Record) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	subs := make([]Subscriber, 0, len(b.subscribers))
	for sub := range b.subscribers {
		subs = append(subs, sub)
	}

	for _, sub := range subs {
		select {
		case sub <- records:
		case <-b.stopCh:
			return
		}
	}
}

// SubscriberCount returns the number of active subscribers.
func (b *Broadcaster) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
