package projection

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/thalo-rs/thalo/internal/log"
	"github.com/thalo-rs/thalo/pkg/event"
	"github.com/thalo-rs/thalo/pkg/eventstore"
)

// subscriptionState is one of the three states a subscription's cursor
// moves through, in order, never backward.
type subscriptionState int

const (
	stateCatchUp subscriptionState = iota
	stateBridge
	stateLive
)

func (s subscriptionState) next() subscriptionState {
	switch s {
	case stateCatchUp:
		return stateBridge
	case stateBridge:
		return stateLive
	default:
		return stateLive
	}
}

type subMsg struct {
	newEvent *event.Record
	ack      *uint64
}

// subscription is a single named projection's state machine. Position
// fields (seenGlobalID, relevantGlobalID) are written only by the Gateway's
// single goroutine via notifySeen/position; every other field is owned
// exclusively by this subscription's own goroutine.
type subscription struct {
	name     string
	store    eventstore.Store
	interest []Interest
	tx       chan<- event.Record

	inbox    chan subMsg
	closedCh chan struct{}

	logger zerolog.Logger

	// Position fields: gateway-goroutine-owned.
	seenGlobalID     eventstore.ExpectedSequence
	relevantGlobalID eventstore.ExpectedSequence
}

func newSubscription(ctx context.Context, store eventstore.Store, name string, interest []Interest, tx chan<- event.Record, pos eventstore.Position) *subscription {
	s := &subscription{
		name:             name,
		store:            store,
		interest:         interest,
		tx:               tx,
		inbox:            make(chan subMsg, 1024),
		closedCh:         make(chan struct{}),
		logger:           log.WithSubscription("projection_subscription", name),
		seenGlobalID:     pos.LastSeenGlobalID,
		relevantGlobalID: pos.LastRelevantGlobalID,
	}
	go s.run(ctx, pos.LastRelevantGlobalID)
	return s
}

// notifySeen is called by the gateway for every observed event, relevant or
// not, updating the persisted position.
func (s *subscription) notifySeen(globalID uint64, relevant bool) {
	s.seenGlobalID = eventstore.Seq(globalID)
	if relevant {
		s.relevantGlobalID = eventstore.Seq(globalID)
	}
}

// seenSequence returns the last global sequence this subscription has
// observed (relevant or not), or 0 before the first event.
func (s *subscription) seenSequence() uint64 {
	if s.seenGlobalID == nil {
		return 0
	}
	return *s.seenGlobalID
}

func (s *subscription) position() eventstore.Position {
	return eventstore.Position{LastSeenGlobalID: s.seenGlobalID, LastRelevantGlobalID: s.relevantGlobalID}
}

// newEvent forwards a relevant live event into the subscription's own
// goroutine. It may block briefly if the inbox is saturated; it never
// drops.
func (s *subscription) newEvent(rec event.Record) {
	select {
	case s.inbox <- subMsg{newEvent: &rec}:
	case <-s.closedCh:
	}
}

// acknowledge forwards a client AcknowledgeEvent to the subscription's own
// goroutine.
func (s *subscription) acknowledge(globalID uint64) {
	select {
	case s.inbox <- subMsg{ack: &globalID}:
	case <-s.closedCh:
	}
}

func (s *subscription) txClosed() bool {
	select {
	case <-s.closedCh:
		return true
	default:
		return false
	}
}

func (s *subscription) close() {
	select {
	case <-s.closedCh:
	default:
		close(s.closedCh)
	}
}

// run drives the subscription's lifetime: seed the catch-up iterator from
// lastRelevantGlobalID+1, process one inbox message at a time, and emit at
// most one outstanding event on tx.
func (s *subscription) run(ctx context.Context, seed eventstore.ExpectedSequence) {
	from := uint64(0)
	if seed != nil {
		from = *seed + 1
	}
	it, err := s.store.IterGlobal(ctx, from)
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to open catch-up iterator")
		s.close()
		return
	}

	m := &machine{
		store:    s.store,
		name:     s.name,
		interest: s.interest,
		tx:       s.tx,
		iter:     it,
		state:    stateCatchUp,
	}
	defer it.Close()

	m.processPending(ctx)

	heartbeat := time.NewTicker(HeartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			s.close()
			return
		case <-s.closedCh:
			return
		case msg := <-s.inbox:
			switch {
			case msg.newEvent != nil:
				m.onNewEvent(ctx, *msg.newEvent)
			case msg.ack != nil:
				m.onAcknowledge(ctx, *msg.ack)
			}
		case <-heartbeat.C:
			// Liveness tick only. A reader that stops draining tx is not
			// detected here; the subscription ends when ctx is cancelled
			// (the gateway's heartbeat then removes it) or when it is
			// replaced by a new StartProjection for the same name.
		}
	}
}

// machine is the part of subscription state exclusively owned by its own
// goroutine: the three-state cursor, the catch-up iterator, and the live
// event buffer. There is no handshake back to the gateway for the Bridge
// transition — the gateway (Gateway.run) forwards every committed event to
// every subscription unconditionally, and a subscription simply buffers
// whatever it cannot yet emit, so the state machine advances independently
// of what the gateway is doing.
type machine struct {
	store    eventstore.Store
	name     string
	interest []Interest
	tx       chan<- event.Record

	iter  eventstore.RecordIterator
	state subscriptionState

	lastAcknowledgedID *uint64
	lastProcessedID    *uint64
	pendingEvents      []event.Record
}

func (m *machine) onNewEvent(ctx context.Context, rec event.Record) {
	switch m.state {
	case stateCatchUp:
		// The gateway forwards every committed event to every subscription
		// unconditionally, regardless of state, so live events routinely
		// arrive before catch-up has exhausted the durable iterator. Buffer
		// them. The buffer is not de-duplicated against the iterator: an
		// event that advanceIterator also reaches is emitted once during
		// catch-up and again from the buffer once the state is Live.
		m.pendingEvents = append(m.pendingEvents, rec)
	case stateBridge:
		m.pendingEvents = append(m.pendingEvents, rec)
	case stateLive:
		m.pendingEvents = append(m.pendingEvents, rec)
		m.processPending(ctx)
	}
}

func (m *machine) onAcknowledge(ctx context.Context, globalID uint64) {
	m.lastAcknowledgedID = &globalID
	if sequenceEqual(m.lastProcessedID, m.lastAcknowledgedID) {
		m.processPending(ctx)
	}
}

// processPending drives the state machine forward as far as it can without
// blocking indefinitely: during CatchUp/Bridge it walks the durable
// iterator; during Live it drains the pending buffer. It loops instead of
// recursing so an unbounded run of uninteresting events cannot grow the
// call stack.
func (m *machine) processPending(ctx context.Context) {
	for {
		switch m.state {
		case stateCatchUp, stateBridge:
			emitted, exhausted := m.advanceIterator(ctx)
			if emitted {
				return
			}
			if !exhausted {
				return
			}
			m.state = m.state.next()
			continue
		case stateLive:
			m.emitNextPending(ctx)
			return
		}
	}
}

// advanceIterator walks the durable iterator looking for the next event of
// interest eligible to emit (the previous one, if any, must already be
// acknowledged). Returns emitted=true if it sent one event; exhausted=true
// if the iterator ran out without emitting.
func (m *machine) advanceIterator(ctx context.Context) (emitted, exhausted bool) {
	for {
		rec, ok, err := m.iter.Next(ctx)
		if err != nil {
			return false, true
		}
		if !ok {
			return false, true
		}
		if !matchesAny(m.interest, rec) {
			continue
		}
		if m.lastProcessedID != nil && !sequenceEqual(m.lastProcessedID, m.lastAcknowledgedID) {
			// Previous emission still outstanding; this implementation
			// treats catch-up as strictly sequential, so push it back by
			// buffering and waiting for the ack before continuing scan.
			m.pendingEvents = append([]event.Record{rec}, m.pendingEvents...)
			return false, false
		}
		select {
		case m.tx <- rec:
		case <-ctx.Done():
			return false, false
		}
		id := rec.GlobalSequence
		m.lastProcessedID = &id
		return true, false
	}
}

func (m *machine) emitNextPending(ctx context.Context) {
	if len(m.pendingEvents) == 0 {
		return
	}
	if m.lastProcessedID != nil && !sequenceEqual(m.lastProcessedID, m.lastAcknowledgedID) {
		return
	}
	next := m.pendingEvents[0]
	m.pendingEvents = m.pendingEvents[1:]
	select {
	case m.tx <- next:
	case <-ctx.Done():
		return
	}
	id := next.GlobalSequence
	m.lastProcessedID = &id
}

func sequenceEqual(a, b *uint64) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}
