package notify

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"tutoring-backend/internal/chat"
	"tutoring-backend/internal/feed"
)

type fakeSink struct {
	mu   sync.Mutex
	sent map[int64][]Notification
}

func newFakeSink() *fakeSink {
	return &fakeSink{sent: make(map[int64][]Notification)}
}

func (f *fakeSink) SendToUser(userID int64, n Notification) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent[userID] = append(f.sent[userID], n)
}

func (f *fakeSink) count(userID int64) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent[userID])
}

type fakeParticipants struct {
	members map[string][]int64
}

func (f *fakeParticipants) Participants(ctx context.Context, chatID string) ([]int64, error) {
	return f.members[chatID], nil
}

func publishMessage(broker *feed.Broker, chatID string, senderID int64, text string, timestamp int64) {
	doc, _ := json.Marshal(chat.MessageDoc{
		ChatID:    chatID,
		SenderID:  senderID,
		Text:      text,
		Timestamp: timestamp,
		ReadBy:    map[string]bool{},
	})
	broker.Publish(chat.TopicChats, feed.Event{Type: feed.ChildAdded, Doc: doc})
}

func publishInvitation(broker *feed.Broker, doc InvitationDoc) {
	raw, _ := json.Marshal(doc)
	broker.Publish(TopicInvitations, feed.Event{Type: feed.ChildAdded, Doc: raw})
}

func TestChatMessageNotifiesRecipientOnly(t *testing.T) {
	broker := feed.NewBroker()
	sink := newFakeSink()
	participants := &fakeParticipants{members: map[string][]int64{"1_2": {1, 2}}}

	n := NewNotifier(sink, participants, 0)
	n.Start(broker)
	defer n.Stop()

	publishMessage(broker, "1_2", 1, "hello", 100)

	if sink.count(2) != 1 {
		t.Fatalf("expected 1 notification for the recipient, got %d", sink.count(2))
	}
	if sink.count(1) != 0 {
		t.Fatalf("sender must not be notified, got %d", sink.count(1))
	}

	got := sink.sent[2][0]
	if got.Kind != "chat_message" || got.Body != "hello" || got.RefID != "1_2" || got.SenderID != 1 {
		t.Fatalf("unexpected notification %+v", got)
	}
}

func TestRedeliveredEventNotifiesOnce(t *testing.T) {
	broker := feed.NewBroker()
	sink := newFakeSink()
	participants := &fakeParticipants{members: map[string][]int64{"1_2": {1, 2}}}

	n := NewNotifier(sink, participants, 0)
	n.Start(broker)
	defer n.Stop()

	publishMessage(broker, "1_2", 1, "hello", 100)
	publishMessage(broker, "1_2", 1, "hello", 100)

	if sink.count(2) != 1 {
		t.Fatalf("expected a single notification for a re-delivered event, got %d", sink.count(2))
	}

	// A genuinely new message pings again.
	publishMessage(broker, "1_2", 1, "more", 200)
	if sink.count(2) != 2 {
		t.Fatalf("expected 2 notifications after a new message, got %d", sink.count(2))
	}
}

func TestClearUserForgetsDedupState(t *testing.T) {
	broker := feed.NewBroker()
	sink := newFakeSink()
	participants := &fakeParticipants{members: map[string][]int64{"1_2": {1, 2}}}

	n := NewNotifier(sink, participants, 0)
	n.Start(broker)
	defer n.Stop()

	publishMessage(broker, "1_2", 1, "hello", 100)
	n.ClearUser(2)
	publishMessage(broker, "1_2", 1, "hello", 100)

	if sink.count(2) != 2 {
		t.Fatalf("expected the event to ping again after ClearUser, got %d", sink.count(2))
	}
}

func TestInvitationNotifiesStudent(t *testing.T) {
	broker := feed.NewBroker()
	sink := newFakeSink()

	n := NewNotifier(sink, &fakeParticipants{}, 0)
	n.Start(broker)
	defer n.Stop()

	publishInvitation(broker, InvitationDoc{
		ID:           "inv-1",
		SessionID:    "sess-1",
		InstructorID: 1,
		StudentID:    2,
		Subject:      "Algebra",
		Status:       "PENDING",
	})

	if sink.count(2) != 1 {
		t.Fatalf("expected 1 invitation notification, got %d", sink.count(2))
	}
	got := sink.sent[2][0]
	if got.Kind != "invitation" || got.RefID != "inv-1" || got.Body != "Algebra" || got.SenderID != 1 {
		t.Fatalf("unexpected notification %+v", got)
	}
	if sink.count(1) != 0 {
		t.Fatal("instructor must not be notified about their own invitation")
	}
}

func TestDedupCacheIsBounded(t *testing.T) {
	broker := feed.NewBroker()
	sink := newFakeSink()
	participants := &fakeParticipants{members: map[string][]int64{}}

	n := NewNotifier(sink, participants, 2)
	n.Start(broker)
	defer n.Stop()

	for i := int64(1); i <= 5; i++ {
		publishInvitation(broker, InvitationDoc{ID: "inv", StudentID: i, Subject: "Math"})
	}

	n.mu.Lock()
	size := len(n.lastSent)
	n.mu.Unlock()
	if size > 2 {
		t.Fatalf("dedup cache exceeded its bound: %d entries", size)
	}
}

func TestStopDetachesSubscriptions(t *testing.T) {
	broker := feed.NewBroker()
	sink := newFakeSink()
	participants := &fakeParticipants{members: map[string][]int64{"1_2": {1, 2}}}

	n := NewNotifier(sink, participants, 0)
	n.Start(broker)
	n.Stop()

	publishMessage(broker, "1_2", 1, "hello", 100)
	if sink.count(2) != 0 {
		t.Fatal("stopped notifier must not deliver")
	}
	if broker.SubscriberCount(chat.TopicChats) != 0 || broker.SubscriberCount(TopicInvitations) != 0 {
		t.Fatal("expected subscriptions to be detached after Stop")
	}
}
