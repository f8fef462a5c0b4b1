package fanout

import (
	"testing"
	"time"

	"github.com/ucmmonitor/ucmmonitor/internal/correlator"
)

func TestPublishDeliversToAllSubscribers(t *testing.T) {
	r := NewRegistry()
	_, ch1 := r.Subscribe()
	_, ch2 := r.Subscribe()

	r.Publish(correlator.Event{Type: correlator.EventRing, CorrelationID: "L1"})

	select {
	case e := <-ch1:
		if e.CorrelationID != "L1" {
			t.Errorf("ch1 got %+v", e)
		}
	case <-time.After(time.Second):
		t.Fatal("ch1 did not receive event")
	}

	select {
	case e := <-ch2:
		if e.CorrelationID != "L1" {
			t.Errorf("ch2 got %+v", e)
		}
	case <-time.After(time.Second):
		t.Fatal("ch2 did not receive event")
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	r := NewRegistry()
	id, ch := r.Subscribe()
	r.Unsubscribe(id)

	_, ok := <-ch
	if ok {
		t.Fatal("expected channel to be closed after unsubscribe")
	}
	if r.SubscriberCount() != 0 {
		t.Fatalf("expected 0 subscribers, got %d", r.SubscriberCount())
	}
}

// S6 — slow subscriber does not block the publisher, and other subscribers
// are unaffected.
func TestSlowSubscriberDoesNotBlockPublishOrOthers(t *testing.T) {
	r := NewRegistry()
	_, slow := r.Subscribe()
	_, fast := r.Subscribe()

	done := make(chan struct{})
	go func() {
		for i := 0; i < defaultBufferSize+10; i++ {
			r.Publish(correlator.Event{Type: correlator.EventRing, CorrelationID: "L1"})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked on a slow subscriber")
	}

	drained := 0
	for {
		select {
		case <-slow:
			drained++
			continue
		default:
		}
		break
	}
	if drained > defaultBufferSize {
		t.Fatalf("expected slow subscriber to see at most %d events, got %d", defaultBufferSize, drained)
	}

	fastDrained := 0
loop:
	for {
		select {
		case <-fast:
			fastDrained++
		default:
			break loop
		}
	}
	if fastDrained == 0 {
		t.Fatal("expected the other subscriber to receive events unaffected by the slow one")
	}
	if r.DroppedCount() == 0 {
		t.Error("expected at least one dropped event to be counted")
	}
}
