package eventbus

import (
	"testing"
	"time"

	"github.com/inkwell-pm/inkwell/internal/types"
)

func TestPublishReachesAllSubscribers(t *testing.T) {
	bus := New()
	s1 := bus.Subscribe()
	s2 := bus.Subscribe()
	defer s1.Unsubscribe()
	defer s2.Unsubscribe()

	bus.Publish(Event{Topic: TopicEntityCreated, Payload: EntityCreated{ID: "e1", Type: types.TypeTask}})

	for i, s := range []*Subscription{s1, s2} {
		select {
		case ev := <-s.Events():
			if ev.Topic != TopicEntityCreated {
				t.Errorf("subscriber %d: topic = %s", i, ev.Topic)
			}
			payload, ok := ev.Payload.(EntityCreated)
			if !ok || payload.ID != "e1" {
				t.Errorf("subscriber %d: payload = %+v", i, ev.Payload)
			}
		case <-time.After(time.Second):
			t.Fatalf("subscriber %d: no event", i)
		}
	}
}

func TestTopicFilter(t *testing.T) {
	bus := New()
	sub := bus.Subscribe(TopicReviewCreated, TopicReviewResolved)
	defer sub.Unsubscribe()

	bus.Publish(Event{Topic: TopicEntityUpdated, Payload: EntityUpdated{ID: "e1"}})
	bus.Publish(Event{Topic: TopicReviewResolved, Payload: ReviewResolved{ID: "r1", Status: types.ReviewAccepted}})

	select {
	case ev := <-sub.Events():
		if ev.Topic != TopicReviewResolved {
			t.Errorf("got filtered-out topic %s", ev.Topic)
		}
	case <-time.After(time.Second):
		t.Fatal("no event")
	}

	select {
	case ev := <-sub.Events():
		t.Errorf("unexpected second event: %s", ev.Topic)
	default:
	}
}

func TestSlowSubscriberDropsOldest(t *testing.T) {
	bus := New()
	sub := bus.Subscribe()
	defer sub.Unsubscribe()

	const total = subscriberBuffer + 44
	for i := 0; i < total; i++ {
		bus.Publish(Event{Topic: TopicEntityUpdated, Payload: EntityUpdated{ID: string(rune('a' + i%26))}, Origin: ""})
	}

	if got := sub.Dropped(); got != 44 {
		t.Errorf("Dropped() = %d, want 44", got)
	}
	// The publisher never blocked: all sends above returned. The buffer holds
	// exactly its bound.
	if got := len(sub.ch); got != subscriberBuffer {
		t.Errorf("buffered = %d, want %d", got, subscriberBuffer)
	}
}

func TestDropOldestKeepsNewest(t *testing.T) {
	bus := New()
	sub := bus.Subscribe()
	defer sub.Unsubscribe()

	const total = subscriberBuffer + 10
	for i := 0; i < total; i++ {
		bus.Publish(Event{Topic: TopicEntityUpdated, Payload: i})
	}

	first := <-sub.Events()
	if got := first.Payload.(int); got != 10 {
		t.Errorf("first surviving event = %d, want 10 (oldest shed first)", got)
	}

	// Drain; the final event must be the newest.
	last := first
	for len(sub.ch) > 0 {
		last = <-sub.Events()
	}
	if got := last.Payload.(int); got != total-1 {
		t.Errorf("last event = %d, want %d", got, total-1)
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	bus := New()
	sub := bus.Subscribe()
	sub.Unsubscribe()
	sub.Unsubscribe() // idempotent

	if _, ok := <-sub.Events(); ok {
		t.Error("channel must be closed after Unsubscribe")
	}
	if bus.SubscriberCount() != 0 {
		t.Errorf("SubscriberCount() = %d, want 0", bus.SubscriberCount())
	}

	// Publishing after unsubscribe must not panic.
	bus.Publish(Event{Topic: TopicEntityUpdated, Payload: EntityUpdated{ID: "e1"}})
}

func TestStagedFlushOrder(t *testing.T) {
	bus := New()
	sub := bus.Subscribe()
	defer sub.Unsubscribe()

	st := bus.Stage()
	st.Publish(Event{Topic: TopicEntityCreated, Payload: EntityCreated{ID: "e1", Type: types.TypeTask}})
	st.Publish(Event{Topic: TopicEntityUpdated, Payload: EntityUpdated{ID: "e1"}})
	st.Publish(Event{Topic: TopicNoteProcessed, Payload: NoteProcessed{RawNoteID: "n1", EntityIDs: []string{"e1"}}})

	// Nothing reaches subscribers before the transaction commits.
	select {
	case ev := <-sub.Events():
		t.Fatalf("event leaked before flush: %s", ev.Topic)
	default:
	}
	if st.Len() != 3 {
		t.Fatalf("Len() = %d, want 3", st.Len())
	}

	st.Flush()

	want := []Topic{TopicEntityCreated, TopicEntityUpdated, TopicNoteProcessed}
	for i, w := range want {
		select {
		case ev := <-sub.Events():
			if ev.Topic != w {
				t.Errorf("event %d: topic = %s, want %s", i, ev.Topic, w)
			}
		case <-time.After(time.Second):
			t.Fatalf("missing event %d", i)
		}
	}
	if st.Len() != 0 {
		t.Errorf("Len() after flush = %d, want 0", st.Len())
	}
}

func TestStagedDiscardOnNoFlush(t *testing.T) {
	bus := New()
	sub := bus.Subscribe()
	defer sub.Unsubscribe()

	st := bus.Stage()
	st.Publish(Event{Topic: TopicEntityCreated, Payload: EntityCreated{ID: "e1", Type: types.TypeTask}})
	st = nil // rollback path: the stage is simply dropped
	_ = st

	select {
	case ev := <-sub.Events():
		t.Fatalf("discarded stage leaked event: %s", ev.Topic)
	case <-time.After(50 * time.Millisecond):
	}
}
