package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"

	"tutoring-backend/internal/chat"
	"tutoring-backend/internal/feed"
)

// TopicInvitations is the feed topic carrying newly created invitations.
const TopicInvitations = "invitations"

// InvitationDoc is the wire form of an invitation as published on the feed.
type InvitationDoc struct {
	ID           string `json:"id"`
	SessionID    string `json:"sessionId"`
	InstructorID int64  `json:"instructorId"`
	StudentID    int64  `json:"studentId"`
	Subject      string `json:"subject"`
	Status       string `json:"status"`
}

// Notification is one user-facing alert.
type Notification struct {
	Kind      string `json:"kind"` // chat_message, invitation
	Title     string `json:"title"`
	Body      string `json:"body"`
	RefID     string `json:"ref_id"` // chat id or invitation id
	SenderID  int64  `json:"sender_id,omitempty"`
	Timestamp int64  `json:"timestamp,omitempty"`
}

// Sink delivers a notification to a user's live connections.
type Sink interface {
	SendToUser(userID int64, n Notification)
}

// ParticipantSource resolves the members of a chat thread.
type ParticipantSource interface {
	Participants(ctx context.Context, chatID string) ([]int64, error)
}

// Notifier turns feed events into per-user notifications. Each Notifier
// instance owns its own state; callers construct one per process and hand it
// to whatever needs it, there is no package-level instance.
//
// The dedup cache remembers the last notification key sent per user so a
// re-delivered event does not ping twice. It is bounded: when the user count
// exceeds maxUsers the cache is dropped wholesale, trading a possible repeat
// ping for a hard memory cap.
type Notifier struct {
	sink         Sink
	participants ParticipantSource
	maxUsers     int

	mu       sync.Mutex
	lastSent map[int64]string
	subs     []*feed.Subscription
}

// DefaultMaxUsers bounds the dedup cache when no explicit limit is given.
const DefaultMaxUsers = 10000

// NewNotifier creates a notifier delivering through sink. maxUsers bounds
// the dedup cache; zero or negative selects DefaultMaxUsers.
func NewNotifier(sink Sink, participants ParticipantSource, maxUsers int) *Notifier {
	if maxUsers <= 0 {
		maxUsers = DefaultMaxUsers
	}
	return &Notifier{
		sink:         sink,
		participants: participants,
		maxUsers:     maxUsers,
		lastSent:     make(map[int64]string),
	}
}

// Start subscribes the notifier to the chat and invitation feeds.
func (n *Notifier) Start(broker *feed.Broker) {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.subs = append(n.subs,
		broker.Subscribe(chat.TopicChats, n.onChatEvents, nil),
		broker.Subscribe(TopicInvitations, n.onInvitationEvents, nil),
	)
}

// Stop cancels the feed subscriptions.
func (n *Notifier) Stop() {
	n.mu.Lock()
	subs := n.subs
	n.subs = nil
	n.mu.Unlock()

	for _, sub := range subs {
		sub.Cancel()
	}
}

// ClearUser forgets the dedup state of one user. Called on logout; the next
// event for that user always produces a notification.
func (n *Notifier) ClearUser(userID int64) {
	n.mu.Lock()
	delete(n.lastSent, userID)
	n.mu.Unlock()
}

func (n *Notifier) onChatEvents(events []feed.Event) {
	for _, ev := range events {
		if ev.Type != feed.ChildAdded {
			continue
		}
		var doc chat.MessageDoc
		if err := json.Unmarshal(ev.Doc, &doc); err != nil {
			log.Printf("[Notifier] Dropping undecodable chat event: %v", err)
			continue
		}

		members, err := n.participants.Participants(context.Background(), doc.ChatID)
		if err != nil {
			log.Printf("[Notifier] Failed to resolve participants for chat %s: %v", doc.ChatID, err)
			continue
		}

		key := fmt.Sprintf("chat:%s:%d:%d", doc.ChatID, doc.SenderID, doc.Timestamp)
		for _, userID := range members {
			if userID == doc.SenderID {
				continue
			}
			n.send(userID, key, Notification{
				Kind:      "chat_message",
				Title:     "New message",
				Body:      doc.Text,
				RefID:     doc.ChatID,
				SenderID:  doc.SenderID,
				Timestamp: doc.Timestamp,
			})
		}
	}
}

func (n *Notifier) onInvitationEvents(events []feed.Event) {
	for _, ev := range events {
		if ev.Type != feed.ChildAdded {
			continue
		}
		var doc InvitationDoc
		if err := json.Unmarshal(ev.Doc, &doc); err != nil {
			log.Printf("[Notifier] Dropping undecodable invitation event: %v", err)
			continue
		}

		n.send(doc.StudentID, "invite:"+doc.ID, Notification{
			Kind:     "invitation",
			Title:    "Session invitation",
			Body:     doc.Subject,
			RefID:    doc.ID,
			SenderID: doc.InstructorID,
		})
	}
}

// send delivers unless the key matches the user's last sent notification.
func (n *Notifier) send(userID int64, key string, notification Notification) {
	n.mu.Lock()
	if n.lastSent[userID] == key {
		n.mu.Unlock()
		return
	}
	if _, ok := n.lastSent[userID]; !ok && len(n.lastSent) >= n.maxUsers {
		n.lastSent = make(map[int64]string)
	}
	n.lastSent[userID] = key
	n.mu.Unlock()

	n.sink.SendToUser(userID, notification)
}
