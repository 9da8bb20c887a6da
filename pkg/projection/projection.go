// Package projection implements the Projection Gateway and its per-name
// Subscription state machine: catch-up over the durable global log,
// bridging into live broadcast events, then steady-state live delivery,
// one event in flight at a time.
package projection

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/thalo-rs/thalo/internal/broadcast"
	"github.com/thalo-rs/thalo/internal/log"
	"github.com/thalo-rs/thalo/internal/metrics"
	"github.com/thalo-rs/thalo/pkg/errs"
	"github.com/thalo-rs/thalo/pkg/event"
	"github.com/thalo-rs/thalo/pkg/eventstore"
)

// Interest is one predicate of a subscription's interest filter; an event
// matches when both fields equal. An empty Interest slice matches every
// event.
type Interest struct {
	Category  string
	EventType string
}

func matchesAny(interests []Interest, rec event.Record) bool {
	if len(interests) == 0 {
		return true
	}
	category, _, _ := splitCategory(rec.StreamName)
	for _, i := range interests {
		if i.Category == category && i.EventType == rec.EventType {
			return true
		}
	}
	return false
}

// FlushInterval is the default period at which dirty projection positions
// are persisted.
const FlushInterval = 500 * time.Millisecond

// HeartbeatInterval is how often the gateway removes subscriptions that
// have shut down (context cancelled, or catch-up iterator failed to open).
// A tx channel whose reader has gone away is not detected.
const HeartbeatInterval = time.Second

// Gateway owns every live Subscription, the shared broadcast feed, and a
// periodic flusher for projection positions.
type Gateway struct {
	store       eventstore.Store
	broadcaster *broadcast.Broadcaster
	feed        broadcast.Subscriber

	logger zerolog.Logger

	cmds chan gatewayCmd
	done chan struct{}
}

type gatewayCmd struct {
	start *startCmd
	ack   *ackCmd
}

type startCmd struct {
	name     string
	interest []Interest
	tx       chan<- event.Record
	reply    chan error
}

type ackCmd struct {
	name     string
	globalID uint64
	reply    chan error
}

// NewGateway constructs a Gateway. Call Start to begin its goroutines.
func NewGateway(store eventstore.Store, broadcaster *broadcast.Broadcaster) *Gateway {
	return &Gateway{
		store:       store,
		broadcaster: broadcaster,
		logger:      log.WithComponent("projection_gateway"),
		cmds:        make(chan gatewayCmd),
		done:        make(chan struct{}),
	}
}

// Start subscribes to the broadcast feed and begins the gateway's single
// command-processing goroutine, which owns the name->subscription map
// exclusively (no locks needed).
func (g *Gateway) Start(ctx context.Context) {
	g.feed = g.broadcaster.Subscribe(256)
	go g.run(ctx)
}

func (g *Gateway) run(ctx context.Context) {
	defer close(g.done)

	subs := make(map[string]*subscription)
	flushTicker := time.NewTicker(FlushInterval)
	defer flushTicker.Stop()
	heartbeat := time.NewTicker(HeartbeatInterval)
	defer heartbeat.Stop()

	dirty := make(map[string]struct{})

	for {
		select {
		case <-ctx.Done():
			for _, s := range subs {
				s.close()
			}
			return

		case records, ok := <-g.feed:
			if !ok {
				for _, s := range subs {
					s.close()
				}
				return
			}
			for _, rec := range records {
				for name, s := range subs {
					lag := rec.GlobalSequence - s.seenSequence()
					metrics.SubscriptionLag.WithLabelValues(name).Set(float64(lag))

					relevant := matchesAny(s.interest, rec)
					s.notifySeen(rec.GlobalSequence, relevant)
					dirty[name] = struct{}{}
					if relevant {
						s.newEvent(rec)
					}
				}
			}

		case cmd := <-g.cmds:
			switch {
			case cmd.start != nil:
				g.handleStart(ctx, subs, cmd.start)
			case cmd.ack != nil:
				g.handleAck(subs, dirty, cmd.ack)
			}

		case <-flushTicker.C:
			g.flushDirty(ctx, subs, dirty)

		case <-heartbeat.C:
			for name, s := range subs {
				if s.txClosed() {
					s.close()
					delete(subs, name)
					metrics.SubscriptionsActive.Dec()
				}
			}
		}
	}
}

func (g *Gateway) flushDirty(ctx context.Context, subs map[string]*subscription, dirty map[string]struct{}) {
	for name := range dirty {
		s, ok := subs[name]
		if !ok {
			delete(dirty, name)
			continue
		}
		pos := s.position()
		if err := g.store.SaveProjectionPosition(ctx, name, pos); err != nil {
			g.logger.Warn().Str("subscription", name).Err(err).Msg("failed to flush projection position")
			continue
		}
		delete(dirty, name)
	}
}

func (g *Gateway) handleStart(ctx context.Context, subs map[string]*subscription, cmd *startCmd) {
	if old, ok := subs[cmd.name]; ok {
		old.close()
	}

	pos, err := g.store.LoadProjectionPosition(ctx, cmd.name)
	if err != nil {
		cmd.reply <- errs.IO(err)
		return
	}

	s := newSubscription(ctx, g.store, cmd.name, cmd.interest, cmd.tx, pos)
	subs[cmd.name] = s
	metrics.SubscriptionsActive.Inc()
	cmd.reply <- nil
}

func (g *Gateway) handleAck(subs map[string]*subscription, dirty map[string]struct{}, cmd *ackCmd) {
	s, ok := subs[cmd.name]
	if !ok {
		cmd.reply <- errs.Validation("projection: no subscription named %q", cmd.name)
		return
	}
	s.acknowledge(cmd.globalID)
	dirty[cmd.name] = struct{}{}
	cmd.reply <- nil
}

// StartProjection creates or replaces the subscription named name. The
// subscription's persisted last_relevant_global_id seeds its catch-up
// cursor. An empty interest matches every event.
func (g *Gateway) StartProjection(ctx context.Context, name string, interest []Interest, tx chan<- event.Record) error {
	reply := make(chan error, 1)
	select {
	case g.cmds <- gatewayCmd{start: &startCmd{name: name, interest: interest, tx: tx, reply: reply}}:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// AcknowledgeEvent records globalID as acknowledged for name, unblocking
// the next queued/iterated event if it is now eligible to emit.
func (g *Gateway) AcknowledgeEvent(ctx context.Context, name string, globalID uint64) error {
	reply := make(chan error, 1)
	select {
	case g.cmds <- gatewayCmd{ack: &ackCmd{name: name, globalID: globalID, reply: reply}}:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop halts the gateway's goroutine and unsubscribes from the broadcast
// feed.
func (g *Gateway) Stop() {
	g.broadcaster.Unsubscribe(g.feed)
	<-g.done
}

func splitCategory(streamName string) (category, id string, ok bool) {
	for i, r := range streamName {
		if r == '-' {
			return streamName[:i], streamName[i+1:], true
		}
	}
	return streamName, "", false
}
