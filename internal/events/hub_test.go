package events

import (
	"testing"
	"time"

	"github.com/google/uuid"
)

func recvOne(t *testing.T, sub *Subscriber) Event {
	t.Helper()
	select {
	case ev := <-sub.Events():
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func TestHubDeliversInPublishOrder(t *testing.T) {
	h := NewHub(8)
	checkID := uuid.New()
	sub := h.Subscribe(checkID)
	defer sub.Close()

	for _, stage := range []string{"first", "second", "third"} {
		h.Publish(Event{Kind: KindLog, CheckID: checkID, Stage: stage})
	}

	for _, want := range []string{"first", "second", "third"} {
		if got := recvOne(t, sub).Stage; got != want {
			t.Errorf("stage = %q, want %q", got, want)
		}
	}
}

func TestHubScopesDeliveryToCheck(t *testing.T) {
	h := NewHub(8)
	mine := uuid.New()
	other := uuid.New()

	sub := h.Subscribe(mine)
	defer sub.Close()

	h.Publish(Event{Kind: KindLog, CheckID: other, Stage: "noise"})
	h.Publish(Event{Kind: KindLog, CheckID: mine, Stage: "signal"})

	if got := recvOne(t, sub).Stage; got != "signal" {
		t.Errorf("received %q, want only this check's events", got)
	}
	select {
	case ev := <-sub.Events():
		t.Errorf("unexpected extra event: %+v", ev)
	default:
	}
}

func TestHubSlowSubscriberDropsWithoutBlocking(t *testing.T) {
	h := NewHub(2)
	checkID := uuid.New()

	slow := h.Subscribe(checkID)
	defer slow.Close()
	fast := h.Subscribe(checkID)
	defer fast.Close()

	// Drain the fast subscriber concurrently; the slow one never reads.
	received := make(chan int)
	go func() {
		n := 0
		for range fast.Events() {
			n++
			if n == 5 {
				break
			}
		}
		received <- n
	}()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 5; i++ {
			h.Publish(Event{Kind: KindLog, CheckID: checkID})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}
	if n := <-received; n != 5 {
		t.Errorf("fast subscriber received %d events, want 5", n)
	}

	// The slow subscriber keeps what fit in its buffer, no more.
	drained := 0
	for {
		select {
		case <-slow.Events():
			drained++
			continue
		default:
		}
		break
	}
	if drained != 2 {
		t.Errorf("slow subscriber buffered %d events, want 2", drained)
	}
}

func TestSubscriberCloseReleasesSlot(t *testing.T) {
	h := NewHub(4)
	checkID := uuid.New()

	sub := h.Subscribe(checkID)
	if got := h.SubscriberCount(checkID); got != 1 {
		t.Fatalf("count = %d, want 1", got)
	}

	sub.Close()
	sub.Close() // idempotent
	if got := h.SubscriberCount(checkID); got != 0 {
		t.Fatalf("count = %d after close, want 0", got)
	}

	if _, ok := <-sub.Events(); ok {
		t.Error("channel still open after Close")
	}

	// Publishing to a check with no subscribers is a no-op.
	h.Publish(Event{Kind: KindLog, CheckID: checkID})
}

func TestPublishStampsTimestamp(t *testing.T) {
	h := NewHub(4)
	checkID := uuid.New()
	sub := h.Subscribe(checkID)
	defer sub.Close()

	h.Publish(Event{Kind: KindLog, CheckID: checkID})
	if ev := recvOne(t, sub); ev.Timestamp.IsZero() {
		t.Error("published event has no timestamp")
	}
}
