package broadcast

import (
	"testing"
	"time"

	"github.com/thalo-rs/thalo/pkg/event"
)

func TestPublishDeliversToAllSubscribers(t *testing.T) {
	b := New()
	b.Start()
	defer b.Stop()

	sub1 := b.Subscribe(1)
	sub2 := b.Subscribe(1)

	b.Publish([]event.Record{{EventType: "Incremented"}})

	select {
	case got := <-sub1:
		if len(got) != 1 || got[0].EventType != "Incremented" {
			t.Fatalf("sub1 got %+v", got)
		}
	case <-time.After(time.Second):
		t.Fatal("sub1 did not receive the published batch")
	}
	select {
	case got := <-sub2:
		if len(got) != 1 {
			t.Fatalf("sub2 got %+v", got)
		}
	case <-time.After(time.Second):
		t.Fatal("sub2 did not receive the published batch")
	}
}

func TestPublishBlocksOnFullSubscriber(t *testing.T) {
	b := New()
	b.Start()
	defer b.Stop()

	sub := b.Subscribe(1)
	b.Publish([]event.Record{{EventType: "A"}})
	// sub's single buffer slot is now full and unread, so the distribution
	// loop blocks on the next batch; Publish keeps returning until the
	// broadcaster's own queue is full as well.
	b.Publish([]event.Record{{EventType: "B"}})
	for i := 0; i < cap(b.eventCh); i++ {
		b.Publish([]event.Record{{EventType: "queued"}})
	}

	delivered := make(chan struct{})
	go func() {
		b.Publish([]event.Record{{EventType: "C"}})
		close(delivered)
	}()

	select {
	case <-delivered:
		t.Fatal("publish should block while the subscriber and the queue are full")
	case <-time.After(100 * time.Millisecond):
	}

	<-sub // drain the first event, unblocking the broadcaster

	select {
	case <-delivered:
	case <-time.After(time.Second):
		t.Fatal("blocked publish did not unblock after drain")
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := New()
	b.Start()
	defer b.Stop()

	sub := b.Subscribe(1)
	b.Unsubscribe(sub)

	if b.SubscriberCount() != 0 {
		t.Fatalf("expected 0 subscribers, got %d", b.SubscriberCount())
	}
	if _, ok := <-sub; ok {
		t.Fatal("expected sub channel to be closed")
	}
}
