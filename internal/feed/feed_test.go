package feed

import (
	"encoding/json"
	"errors"
	"testing"
)

func event(s string) Event {
	return Event{Type: ChildAdded, Doc: json.RawMessage(`"` + s + `"`)}
}

func docStrings(batches [][]Event) []string {
	var out []string
	for _, batch := range batches {
		for _, ev := range batch {
			var s string
			json.Unmarshal(ev.Doc, &s)
			out = append(out, s)
		}
	}
	return out
}

func TestPublishReachesSubscriber(t *testing.T) {
	b := NewBroker()

	var got [][]Event
	b.Subscribe("topic", func(events []Event) {
		got = append(got, events)
	}, nil)

	b.Publish("topic", event("a"), event("b"))
	b.Publish("topic", event("c"))

	docs := docStrings(got)
	want := []string{"a", "b", "c"}
	if len(docs) != len(want) {
		t.Fatalf("expected %d events, got %d", len(want), len(docs))
	}
	for i := range want {
		if docs[i] != want[i] {
			t.Fatalf("event %d: expected %q, got %q", i, want[i], docs[i])
		}
	}
}

func TestPublishOtherTopicNotDelivered(t *testing.T) {
	b := NewBroker()

	delivered := false
	b.Subscribe("topic-a", func(events []Event) {
		delivered = true
	}, nil)

	b.Publish("topic-b", event("x"))

	if delivered {
		t.Fatal("subscriber of topic-a received topic-b events")
	}
}

func TestCancelStopsDelivery(t *testing.T) {
	b := NewBroker()

	count := 0
	sub := b.Subscribe("topic", func(events []Event) {
		count++
	}, nil)

	b.Publish("topic", event("a"))
	sub.Cancel()
	b.Publish("topic", event("b"))

	if count != 1 {
		t.Fatalf("expected exactly 1 delivery, got %d", count)
	}
	if n := b.SubscriberCount("topic"); n != 0 {
		t.Fatalf("expected 0 subscribers after cancel, got %d", n)
	}
}

func TestCancelTwiceIsSafe(t *testing.T) {
	b := NewBroker()
	sub := b.Subscribe("topic", func([]Event) {}, nil)
	sub.Cancel()
	sub.Cancel()
}

func TestCloseTopicDeliversTerminalError(t *testing.T) {
	b := NewBroker()

	var got error
	deliveries := 0
	b.Subscribe("topic", func([]Event) {
		deliveries++
	}, func(err error) {
		got = err
	})

	want := errors.New("store gone")
	b.CloseTopic("topic", want)

	if got == nil || got.Error() != want.Error() {
		t.Fatalf("expected terminal error %v, got %v", want, got)
	}

	// Nothing after the terminal error.
	b.Publish("topic", event("late"))
	if deliveries != 0 {
		t.Fatalf("expected no deliveries after CloseTopic, got %d", deliveries)
	}
	if n := b.SubscriberCount("topic"); n != 0 {
		t.Fatalf("expected 0 subscribers after CloseTopic, got %d", n)
	}
}

func TestMultipleSubscribersEachReceive(t *testing.T) {
	b := NewBroker()

	first, second := 0, 0
	b.Subscribe("topic", func(events []Event) { first += len(events) }, nil)
	b.Subscribe("topic", func(events []Event) { second += len(events) }, nil)

	b.Publish("topic", event("a"), event("b"))

	if first != 2 || second != 2 {
		t.Fatalf("expected both subscribers to get 2 events, got %d and %d", first, second)
	}
}

func TestEventTypeString(t *testing.T) {
	cases := map[EventType]string{
		ChildAdded:   "child_added",
		ChildChanged: "child_changed",
		ChildRemoved: "child_removed",
	}
	for typ, want := range cases {
		if got := typ.String(); got != want {
			t.Fatalf("expected %q, got %q", want, got)
		}
	}
}
