package engine

import (
	"testing"

	"github.com/rs/zerolog"
)

func TestBroadcasterFanOut(t *testing.T) {
	b := NewBroadcaster(4, zerolog.Nop())

	s1 := b.Subscribe()
	s2 := b.Subscribe()
	if got := b.SubscriberCount(); got != 2 {
		t.Fatalf("SubscriberCount() = %d, want 2", got)
	}

	doc := NewEventDocument("run-1", 1, map[string]float64{"det1": 0.5}, nil)
	b.Publish(doc)

	for i, sub := range []*Subscription{s1, s2} {
		got := <-sub.C
		if got.RunUID != "run-1" || got.Seq != 1 {
			t.Errorf("subscriber %d got %+v", i, got)
		}
		if got.Data["det1"] != 0.5 {
			t.Errorf("subscriber %d data = %v", i, got.Data)
		}
	}
}

func TestBroadcasterSlowSubscriberDrops(t *testing.T) {
	b := NewBroadcaster(2, zerolog.Nop())

	slow := b.Subscribe()
	fast := b.Subscribe()

	for i := 1; i <= 5; i++ {
		b.Publish(NewEventDocument("run-1", i, nil, nil))
		// Keep the fast subscriber drained so only the slow one fills up.
		<-fast.C
	}

	if got := slow.Dropped(); got != 3 {
		t.Errorf("Dropped() = %d, want 3", got)
	}
	if got := fast.Dropped(); got != 0 {
		t.Errorf("fast Dropped() = %d, want 0", got)
	}

	// The slow subscriber still sees the oldest buffered documents.
	first := <-slow.C
	if first.Seq != 1 {
		t.Errorf("first buffered seq = %d, want 1", first.Seq)
	}
}

func TestBroadcasterUnsubscribeClosesChannel(t *testing.T) {
	b := NewBroadcaster(0, zerolog.Nop())

	sub := b.Subscribe()
	b.Unsubscribe(sub)

	if _, ok := <-sub.C; ok {
		t.Fatal("channel still open after Unsubscribe")
	}
	if got := b.SubscriberCount(); got != 0 {
		t.Errorf("SubscriberCount() = %d, want 0", got)
	}

	// Unsubscribing twice must not panic.
	b.Unsubscribe(sub)
}

func TestEventDocumentCopiesMaps(t *testing.T) {
	data := map[string]float64{"det1": 1.0}
	doc := NewEventDocument("run-1", 1, data, nil)

	data["det1"] = 2.0
	if doc.Data["det1"] != 1.0 {
		t.Errorf("document data changed with caller map: %v", doc.Data)
	}
}

func TestStopDocumentFields(t *testing.T) {
	doc := NewStopDocument("run-9", ExitAbort, "operator abort", 12)
	if doc.Kind != DocumentStop {
		t.Errorf("Kind = %q, want %q", doc.Kind, DocumentStop)
	}
	if doc.ExitStatus != ExitAbort || doc.Reason != "operator abort" || doc.NumEvents != 12 {
		t.Errorf("unexpected stop document %+v", doc)
	}
}
