package chat

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"sync"
	"testing"

	"tutoring-backend/internal/feed"
	"tutoring-backend/internal/model"
)

// fakeMessageStore mirrors the production store: appended messages are
// persisted and published on the production thread topic, read stamping
// produces child-changed events. Write calls are recorded in order.
type fakeMessageStore struct {
	mu     sync.Mutex
	broker *feed.Broker
	rows   map[string][]model.ChatMessage
	calls  []string

	failMessages bool
}

func newFakeMessageStore() *fakeMessageStore {
	return &fakeMessageStore{
		broker: feed.NewBroker(),
		rows:   make(map[string][]model.ChatMessage),
	}
}

func (f *fakeMessageStore) Messages(ctx context.Context, chatID string) ([]MessageDoc, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failMessages {
		return nil, errors.New("store unavailable")
	}
	rows := f.rows[chatID]
	docs := make([]MessageDoc, len(rows))
	for i := range rows {
		docs[i] = docOf(&rows[i])
	}
	return docs, nil
}

func (f *fakeMessageStore) Append(ctx context.Context, msg *model.ChatMessage) error {
	f.mu.Lock()
	msg.ID = int64(len(f.rows[msg.ChatID]) + 1)
	f.rows[msg.ChatID] = append(f.rows[msg.ChatID], *msg)
	f.calls = append(f.calls, "append")
	f.mu.Unlock()

	raw, _ := json.Marshal(docOf(msg))
	f.broker.Publish(messageTopic(msg.ChatID), feed.Event{Type: feed.ChildAdded, Doc: raw})
	return nil
}

func (f *fakeMessageStore) AddParticipant(ctx context.Context, chatID string, userID int64) error {
	f.mu.Lock()
	f.calls = append(f.calls, "participant")
	f.mu.Unlock()
	return nil
}

func (f *fakeMessageStore) SetRead(ctx context.Context, chatID string, readerID int64) error {
	key := strconv.FormatInt(readerID, 10)

	f.mu.Lock()
	var changed []feed.Event
	rows := f.rows[chatID]
	for i := range rows {
		readBy := decodeReadBy(rows[i].ReadBy)
		if readBy[key] {
			continue
		}
		readBy[key] = true
		encoded, _ := json.Marshal(readBy)
		rows[i].ReadBy = string(encoded)
		raw, _ := json.Marshal(docOf(&rows[i]))
		changed = append(changed, feed.Event{Type: feed.ChildChanged, Doc: raw})
	}
	f.mu.Unlock()

	if len(changed) > 0 {
		f.broker.Publish(messageTopic(chatID), changed...)
	}
	return nil
}

func (f *fakeMessageStore) Subscribe(chatID string, onEvents feed.Handler, onError feed.ErrorHandler) (*feed.Subscription, error) {
	return f.broker.Subscribe(messageTopic(chatID), onEvents, onError), nil
}

func (f *fakeMessageStore) seed(chatID string, senderID int64, text string, timestamp int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rows[chatID] = append(f.rows[chatID], model.ChatMessage{
		ChatID:    chatID,
		SenderID:  senderID,
		Text:      text,
		Timestamp: timestamp,
		ReadBy:    "{}",
	})
}

func latest(t *testing.T, st *Stream) []Message {
	t.Helper()
	select {
	case snap := <-st.Snapshots:
		return snap
	default:
		t.Fatal("expected a pending snapshot")
		return nil
	}
}

func TestMessagesBulkLoad(t *testing.T) {
	store := newFakeMessageStore()
	store.seed("1_2", 1, "hello", 100)
	store.seed("1_2", 2, "hi there", 150)

	engine := NewEngine(store)
	st := engine.Messages(context.Background(), "1_2")
	defer st.Cancel()

	msgs := latest(t, st)
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgs))
	}
	if msgs[0].Text != "hello" || msgs[1].Text != "hi there" {
		t.Fatalf("unexpected order: %+v", msgs)
	}
}

func TestDuplicateTupleDropped(t *testing.T) {
	store := newFakeMessageStore()
	store.seed("1_2", 1, "hi", 100)

	engine := NewEngine(store)
	st := engine.Messages(context.Background(), "1_2")
	defer st.Cancel()

	// The same message arrives again as a live event, then a new one lands.
	dup, _ := json.Marshal(MessageDoc{ChatID: "1_2", SenderID: 1, Text: "hi", Timestamp: 100, ReadBy: map[string]bool{}})
	store.broker.Publish(messageTopic("1_2"), feed.Event{Type: feed.ChildAdded, Doc: dup})

	fresh, _ := json.Marshal(MessageDoc{ChatID: "1_2", SenderID: 2, Text: "yo", Timestamp: 150, ReadBy: map[string]bool{}})
	store.broker.Publish(messageTopic("1_2"), feed.Event{Type: feed.ChildAdded, Doc: fresh})

	msgs := latest(t, st)
	if len(msgs) != 2 {
		t.Fatalf("expected exactly 2 messages after duplicate delivery, got %d", len(msgs))
	}
	if msgs[0].Text != "hi" || msgs[1].Text != "yo" {
		t.Fatalf("unexpected messages: %+v", msgs)
	}
}

func TestDuplicateTupleWithinBulkDropped(t *testing.T) {
	store := newFakeMessageStore()
	// A rapid double send persisted the same tuple twice.
	store.seed("1_2", 1, "hi", 100)
	store.seed("1_2", 1, "hi", 100)

	engine := NewEngine(store)
	st := engine.Messages(context.Background(), "1_2")
	defer st.Cancel()

	msgs := latest(t, st)
	if len(msgs) != 1 {
		t.Fatalf("expected 1 message after duplicate bulk rows, got %d", len(msgs))
	}
}

func TestDuplicateTupleWithinBatchDropped(t *testing.T) {
	store := newFakeMessageStore()

	engine := NewEngine(store)
	st := engine.Messages(context.Background(), "1_2")
	defer st.Cancel()

	doc, _ := json.Marshal(MessageDoc{ChatID: "1_2", SenderID: 1, Text: "hi", Timestamp: 100, ReadBy: map[string]bool{}})
	store.broker.Publish(messageTopic("1_2"),
		feed.Event{Type: feed.ChildAdded, Doc: doc},
		feed.Event{Type: feed.ChildAdded, Doc: doc},
	)

	msgs := latest(t, st)
	if len(msgs) != 1 {
		t.Fatalf("expected 1 message after a batch carrying duplicates, got %d", len(msgs))
	}
}

func TestSendRegistersParticipantsBeforeAppend(t *testing.T) {
	store := newFakeMessageStore()
	engine := NewEngine(store)

	engine.Send(context.Background(), "1_2", 1, 2, "hello")

	store.mu.Lock()
	calls := append([]string(nil), store.calls...)
	store.mu.Unlock()

	want := []string{"participant", "participant", "append"}
	if len(calls) != len(want) {
		t.Fatalf("expected calls %v, got %v", want, calls)
	}
	for i := range want {
		if calls[i] != want[i] {
			t.Fatalf("expected calls %v, got %v", want, calls)
		}
	}
}

func TestChildChangedReplacesInPlace(t *testing.T) {
	store := newFakeMessageStore()
	store.seed("1_2", 1, "hi", 100)
	store.seed("1_2", 1, "still there?", 200)

	engine := NewEngine(store)
	st := engine.Messages(context.Background(), "1_2")
	defer st.Cancel()
	latest(t, st)

	if err := engine.MarkMessagesAsRead(context.Background(), "1_2", 2); err != nil {
		t.Fatalf("MarkMessagesAsRead failed: %v", err)
	}

	msgs := latest(t, st)
	if len(msgs) != 2 {
		t.Fatalf("read stamping must not grow the list, got %d messages", len(msgs))
	}
	for i, msg := range msgs {
		if !msg.ReadBy["2"] {
			t.Fatalf("message %d not stamped as read: %+v", i, msg)
		}
	}
}

func TestChildChangedWithoutMatchIgnored(t *testing.T) {
	store := newFakeMessageStore()
	store.seed("1_2", 1, "hi", 100)

	engine := NewEngine(store)
	st := engine.Messages(context.Background(), "1_2")
	defer st.Cancel()
	latest(t, st)

	ghost, _ := json.Marshal(MessageDoc{ChatID: "1_2", SenderID: 9, Text: "never seen", Timestamp: 1, ReadBy: map[string]bool{"9": true}})
	store.broker.Publish(messageTopic("1_2"), feed.Event{Type: feed.ChildChanged, Doc: ghost})

	msgs := latest(t, st)
	if len(msgs) != 1 || msgs[0].Text != "hi" {
		t.Fatalf("unmatched change must leave the list untouched, got %+v", msgs)
	}
}

func TestMarkMessagesAsReadIdempotent(t *testing.T) {
	store := newFakeMessageStore()
	store.seed("1_2", 1, "hi", 100)

	engine := NewEngine(store)
	st := engine.Messages(context.Background(), "1_2")
	defer st.Cancel()
	latest(t, st)

	engine.MarkMessagesAsRead(context.Background(), "1_2", 2)
	latest(t, st)

	// Nothing left to stamp; no new snapshot may appear.
	engine.MarkMessagesAsRead(context.Background(), "1_2", 2)
	select {
	case <-st.Snapshots:
		t.Fatal("idempotent re-read must not emit events")
	default:
	}
}

func TestSendStampsSenderAsReader(t *testing.T) {
	store := newFakeMessageStore()
	engine := NewEngine(store)

	st := engine.Messages(context.Background(), "1_2")
	defer st.Cancel()

	engine.Send(context.Background(), "1_2", 1, 2, "hello")

	msgs := latest(t, st)
	if len(msgs) != 1 {
		t.Fatalf("expected 1 message, got %d", len(msgs))
	}
	msg := msgs[0]
	if msg.SenderID != 1 || msg.Text != "hello" {
		t.Fatalf("unexpected message %+v", msg)
	}
	if !msg.ReadBy["1"] {
		t.Fatal("sender must be stamped as having read their own message")
	}
	if msg.ReadBy["2"] {
		t.Fatal("recipient must not be stamped on send")
	}
	if msg.Timestamp == 0 {
		t.Fatal("expected a send timestamp")
	}
}

func TestSendEmptyTextIgnored(t *testing.T) {
	store := newFakeMessageStore()
	engine := NewEngine(store)

	engine.Send(context.Background(), "1_2", 1, 2, "")

	store.mu.Lock()
	defer store.mu.Unlock()
	if len(store.rows["1_2"]) != 0 {
		t.Fatal("empty message must not be persisted")
	}
}

func TestBulkLoadFailureKeepsStreamAlive(t *testing.T) {
	store := newFakeMessageStore()
	store.failMessages = true

	engine := NewEngine(store)
	st := engine.Messages(context.Background(), "1_2")
	defer st.Cancel()

	select {
	case err := <-st.Err:
		t.Fatalf("a failed bulk load must not be terminal, got %v", err)
	default:
	}

	// Live events still flow.
	doc, _ := json.Marshal(MessageDoc{ChatID: "1_2", SenderID: 1, Text: "still here", Timestamp: 1})
	store.broker.Publish(messageTopic("1_2"), feed.Event{Type: feed.ChildAdded, Doc: doc})

	msgs := latest(t, st)
	if len(msgs) != 1 || msgs[0].Text != "still here" {
		t.Fatalf("expected the live event after a failed bulk load, got %+v", msgs)
	}
}

func TestTopicFailureSurfacesOnErr(t *testing.T) {
	store := newFakeMessageStore()
	store.seed("1_2", 1, "hi", 100)

	engine := NewEngine(store)
	st := engine.Messages(context.Background(), "1_2")
	latest(t, st)

	store.broker.CloseTopic(messageTopic("1_2"), errors.New("listener detached"))

	select {
	case err := <-st.Err:
		if err == nil {
			t.Fatal("expected the topic error")
		}
	default:
		t.Fatal("expected an error on the stream")
	}
}

func TestCancelStopsSnapshots(t *testing.T) {
	store := newFakeMessageStore()
	store.seed("1_2", 1, "hi", 100)

	engine := NewEngine(store)
	st := engine.Messages(context.Background(), "1_2")
	latest(t, st)

	st.Cancel()
	st.Cancel() // safe twice

	doc, _ := json.Marshal(MessageDoc{ChatID: "1_2", SenderID: 2, Text: "late", Timestamp: 200})
	store.broker.Publish(messageTopic("1_2"), feed.Event{Type: feed.ChildAdded, Doc: doc})

	select {
	case <-st.Snapshots:
		t.Fatal("canceled stream must not emit snapshots")
	default:
	}
	if n := store.broker.SubscriberCount(messageTopic("1_2")); n != 0 {
		t.Fatalf("expected 0 subscribers after cancel, got %d", n)
	}
}

func TestSnapshotsLatestWins(t *testing.T) {
	store := newFakeMessageStore()
	engine := NewEngine(store)

	st := engine.Messages(context.Background(), "1_2")
	defer st.Cancel()

	// Three sends without a read in between; only the newest state remains.
	engine.Send(context.Background(), "1_2", 1, 2, "one")
	engine.Send(context.Background(), "1_2", 1, 2, "two")
	engine.Send(context.Background(), "1_2", 1, 2, "three")

	msgs := latest(t, st)
	if len(msgs) != 3 {
		t.Fatalf("expected the newest snapshot with 3 messages, got %d", len(msgs))
	}

	select {
	case <-st.Snapshots:
		t.Fatal("only the latest snapshot may be buffered")
	default:
	}
}
