package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"tutoring-backend/internal/feed"
	"tutoring-backend/internal/model"
)

// TopicChats is the global feed topic carrying every appended chat message.
// The notifier listens here; per-thread engines listen on the thread topic.
const TopicChats = "chats"

func messageTopic(chatID string) string {
	return "chats/" + chatID + "/messages"
}

// MessageDoc is the wire form of a chat message as published on the feed.
type MessageDoc struct {
	ChatID    string          `json:"chatId"`
	SenderID  int64           `json:"senderId"`
	Text      string          `json:"text"`
	Timestamp int64           `json:"timestamp"`
	ReadBy    map[string]bool `json:"readBy"`
}

// MessageStore is the remote-store surface the chat engine depends on.
type MessageStore interface {
	// Messages returns the thread's full history ordered by timestamp.
	Messages(ctx context.Context, chatID string) ([]MessageDoc, error)
	Append(ctx context.Context, msg *model.ChatMessage) error
	AddParticipant(ctx context.Context, chatID string, userID int64) error
	// SetRead stamps readerID as a reader on every message of the thread it
	// has not read yet. Already-stamped messages are left untouched.
	SetRead(ctx context.Context, chatID string, readerID int64) error

	// Subscribe registers a listener for one thread's message events.
	Subscribe(chatID string, onEvents feed.Handler, onError feed.ErrorHandler) (*feed.Subscription, error)
}

// GormMessageStore is the Postgres-backed MessageStore.
type GormMessageStore struct {
	db     *gorm.DB
	broker *feed.Broker
}

// NewGormMessageStore creates a MessageStore over the given database and broker.
func NewGormMessageStore(db *gorm.DB, broker *feed.Broker) *GormMessageStore {
	return &GormMessageStore{db: db, broker: broker}
}

// Messages returns a thread's history ordered by timestamp.
func (s *GormMessageStore) Messages(ctx context.Context, chatID string) ([]MessageDoc, error) {
	var rows []model.ChatMessage
	err := s.db.WithContext(ctx).
		Where("chat_id = ?", chatID).
		Order("timestamp ASC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load messages for chat %s: %w", chatID, err)
	}

	docs := make([]MessageDoc, len(rows))
	for i := range rows {
		docs[i] = docOf(&rows[i])
	}
	return docs, nil
}

// Append persists one message and publishes it to the thread topic and the
// global chats topic.
func (s *GormMessageStore) Append(ctx context.Context, msg *model.ChatMessage) error {
	if err := s.db.WithContext(ctx).Create(msg).Error; err != nil {
		return fmt.Errorf("failed to append message to chat %s: %w", msg.ChatID, err)
	}

	raw, err := json.Marshal(docOf(msg))
	if err != nil {
		return fmt.Errorf("failed to encode message for chat %s: %w", msg.ChatID, err)
	}
	ev := feed.Event{Type: feed.ChildAdded, Doc: raw}
	s.broker.Publish(messageTopic(msg.ChatID), ev)
	s.broker.Publish(TopicChats, ev)
	return nil
}

// AddParticipant records a user as a member of a thread. Re-adding an
// existing member is a no-op.
func (s *GormMessageStore) AddParticipant(ctx context.Context, chatID string, userID int64) error {
	row := model.ChatParticipant{ChatID: chatID, UserID: userID}
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&row).Error
	if err != nil {
		return fmt.Errorf("failed to add participant %d to chat %s: %w", userID, chatID, err)
	}
	return nil
}

// SetRead stamps readerID on every message of the thread it has not yet
// read, publishing one child-changed event per updated message. Calling it
// again with nothing left to stamp publishes nothing.
func (s *GormMessageStore) SetRead(ctx context.Context, chatID string, readerID int64) error {
	var rows []model.ChatMessage
	err := s.db.WithContext(ctx).
		Where("chat_id = ?", chatID).
		Order("timestamp ASC").
		Find(&rows).Error
	if err != nil {
		return fmt.Errorf("failed to load messages for chat %s: %w", chatID, err)
	}

	key := strconv.FormatInt(readerID, 10)
	var changed []feed.Event
	for i := range rows {
		readBy := decodeReadBy(rows[i].ReadBy)
		if readBy[key] {
			continue
		}
		readBy[key] = true

		encoded, err := json.Marshal(readBy)
		if err != nil {
			return fmt.Errorf("failed to encode read state for chat %s: %w", chatID, err)
		}
		rows[i].ReadBy = string(encoded)

		err = s.db.WithContext(ctx).
			Model(&model.ChatMessage{}).
			Where("id = ?", rows[i].ID).
			Update("read_by", rows[i].ReadBy).Error
		if err != nil {
			return fmt.Errorf("failed to mark message %d read: %w", rows[i].ID, err)
		}

		raw, err := json.Marshal(docOf(&rows[i]))
		if err != nil {
			return fmt.Errorf("failed to encode message for chat %s: %w", chatID, err)
		}
		changed = append(changed, feed.Event{Type: feed.ChildChanged, Doc: raw})
	}

	if len(changed) > 0 {
		s.broker.Publish(messageTopic(chatID), changed...)
	}
	return nil
}

// Participants returns the user ids recorded on a thread.
func (s *GormMessageStore) Participants(ctx context.Context, chatID string) ([]int64, error) {
	var ids []int64
	err := s.db.WithContext(ctx).
		Model(&model.ChatParticipant{}).
		Where("chat_id = ?", chatID).
		Pluck("user_id", &ids).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load participants for chat %s: %w", chatID, err)
	}
	return ids, nil
}

// Subscribe registers the listener on the thread topic. Backfill is the
// engine's job; it bulk-loads history after subscribing and de-duplicates
// any event racing the load.
func (s *GormMessageStore) Subscribe(chatID string, onEvents feed.Handler, onError feed.ErrorHandler) (*feed.Subscription, error) {
	return s.broker.Subscribe(messageTopic(chatID), onEvents, onError), nil
}

func docOf(msg *model.ChatMessage) MessageDoc {
	return MessageDoc{
		ChatID:    msg.ChatID,
		SenderID:  msg.SenderID,
		Text:      msg.Text,
		Timestamp: msg.Timestamp,
		ReadBy:    decodeReadBy(msg.ReadBy),
	}
}

func decodeReadBy(raw string) map[string]bool {
	readBy := make(map[string]bool)
	if raw == "" {
		return readBy
	}
	if err := json.Unmarshal([]byte(raw), &readBy); err != nil {
		return make(map[string]bool)
	}
	return readBy
}
