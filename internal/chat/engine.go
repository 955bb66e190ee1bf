package chat

import (
	"context"
	"encoding/json"
	"log"
	"sort"
	"strconv"
	"sync"
	"time"

	"tutoring-backend/internal/feed"
	"tutoring-backend/internal/model"
)

// Message is the client-visible form of one chat message. Identity within a
// thread is the (SenderID, Text, Timestamp) tuple; the store's row id is
// server-side bookkeeping and never reaches clients.
type Message struct {
	SenderID  int64           `json:"sender_id"`
	Text      string          `json:"text"`
	Timestamp int64           `json:"timestamp"`
	ReadBy    map[string]bool `json:"read_by"`
}

type tupleKey struct {
	senderID  int64
	text      string
	timestamp int64
}

func keyOf(doc MessageDoc) tupleKey {
	return tupleKey{senderID: doc.SenderID, text: doc.Text, timestamp: doc.Timestamp}
}

// Stream is one live, reconciled view of a thread. Snapshots carries the
// full message list after every change, latest-wins: a slow consumer only
// ever misses intermediate states, never the newest one. Err carries at most
// one terminal error; after it fires the stream is dead.
type Stream struct {
	Snapshots chan []Message
	Err       chan error

	mu       sync.Mutex
	canceled bool
	sub      *feed.Subscription
	known    map[tupleKey]int
	order    []Message
}

// Engine reconciles per-thread message feeds and performs thread writes.
type Engine struct {
	store MessageStore
}

// NewEngine creates an engine over the given store.
func NewEngine(store MessageStore) *Engine {
	return &Engine{store: store}
}

// Messages opens a reconciled stream over one thread. The listener is
// registered before the bulk history load, so nothing published in between
// is lost; anything delivered twice is dropped by tuple identity. A failed
// bulk load is logged and the stream continues on live events alone; a
// listener failure surfaces on Stream.Err and is terminal.
func (e *Engine) Messages(ctx context.Context, chatID string) *Stream {
	st := &Stream{
		Snapshots: make(chan []Message, 1),
		Err:       make(chan error, 1),
		known:     make(map[tupleKey]int),
	}

	sub, err := e.store.Subscribe(chatID,
		func(events []feed.Event) { st.onEvents(events) },
		func(err error) { st.fail(err) },
	)
	if err != nil {
		st.fail(err)
		return st
	}

	st.mu.Lock()
	if st.canceled {
		st.mu.Unlock()
		sub.Cancel()
		return st
	}
	st.sub = sub
	st.mu.Unlock()

	docs, err := e.store.Messages(ctx, chatID)
	if err != nil {
		log.Printf("[ChatEngine] Bulk load for chat %s failed, continuing on live events: %v", chatID, err)
		return st
	}
	st.merge(docs, nil)
	return st
}

// Send appends one message to a thread, fire and forget: persistence
// failures are logged, never surfaced to the sender. Both participants are
// recorded on the thread before the append, so anything reacting to the new
// message already sees the full participant registry; the message is stamped
// as already read by its sender.
func (e *Engine) Send(ctx context.Context, chatID string, senderID, recipientID int64, text string) {
	if text == "" {
		return
	}

	if err := e.store.AddParticipant(ctx, chatID, senderID); err != nil {
		log.Printf("[ChatEngine] Failed to record participant %d on chat %s: %v", senderID, chatID, err)
	}
	if err := e.store.AddParticipant(ctx, chatID, recipientID); err != nil {
		log.Printf("[ChatEngine] Failed to record participant %d on chat %s: %v", recipientID, chatID, err)
	}

	readBy := `{"` + strconv.FormatInt(senderID, 10) + `":true}`
	msg := model.ChatMessage{
		ChatID:     chatID,
		SenderID:   senderID,
		ReceiverID: recipientID,
		Text:       text,
		Timestamp:  time.Now().UnixMilli(),
		ReadBy:     readBy,
	}
	if err := e.store.Append(ctx, &msg); err != nil {
		log.Printf("[ChatEngine] Failed to send message to chat %s: %v", chatID, err)
	}
}

// MarkMessagesAsRead stamps readerID on every unread message of the thread.
// Calling it again when everything is already stamped changes nothing.
func (e *Engine) MarkMessagesAsRead(ctx context.Context, chatID string, readerID int64) error {
	return e.store.SetRead(ctx, chatID, readerID)
}

// onEvents folds one live event batch into the stream.
func (st *Stream) onEvents(events []feed.Event) {
	var added []MessageDoc
	var changed []MessageDoc
	for _, ev := range events {
		var doc MessageDoc
		if err := json.Unmarshal(ev.Doc, &doc); err != nil {
			log.Printf("[ChatEngine] Dropping undecodable message event: %v", err)
			continue
		}
		switch ev.Type {
		case feed.ChildAdded:
			added = append(added, doc)
		case feed.ChildChanged:
			changed = append(changed, doc)
		}
	}
	st.merge(added, changed)
}

// merge applies additions and in-place changes, then emits one snapshot.
// Additions matching a known tuple are duplicates and dropped; changes with
// no matching tuple have nothing to update and are ignored.
func (st *Stream) merge(added, changed []MessageDoc) {
	st.mu.Lock()
	if st.canceled {
		st.mu.Unlock()
		return
	}

	dirty := false
	for _, doc := range added {
		key := keyOf(doc)
		if _, ok := st.known[key]; ok {
			continue
		}
		st.order = append(st.order, Message{
			SenderID:  doc.SenderID,
			Text:      doc.Text,
			Timestamp: doc.Timestamp,
			ReadBy:    doc.ReadBy,
		})
		// Index immediately so a second copy in the same batch is dropped;
		// the re-sort below rebuilds the positions.
		st.known[key] = len(st.order) - 1
		dirty = true
	}
	if dirty {
		sort.SliceStable(st.order, func(i, j int) bool {
			return st.order[i].Timestamp < st.order[j].Timestamp
		})
		st.reindex()
	}

	for _, doc := range changed {
		idx, ok := st.known[keyOf(doc)]
		if !ok {
			continue
		}
		st.order[idx].ReadBy = doc.ReadBy
		dirty = true
	}

	if !dirty && len(added)+len(changed) > 0 {
		// Every event was a duplicate or unmatched; the view is unchanged
		// but the snapshot is still re-emitted so late subscribers converge.
		dirty = true
	}
	if !dirty {
		st.mu.Unlock()
		return
	}

	snap := make([]Message, len(st.order))
	copy(snap, st.order)
	st.mu.Unlock()

	st.emit(snap)
}

// reindex rebuilds the tuple index after a re-sort. Caller holds st.mu.
func (st *Stream) reindex() {
	for i := range st.order {
		st.known[tupleKey{
			senderID:  st.order[i].SenderID,
			text:      st.order[i].Text,
			timestamp: st.order[i].Timestamp,
		}] = i
	}
}

// emit replaces any pending snapshot with the newest one.
func (st *Stream) emit(snap []Message) {
	select {
	case <-st.Snapshots:
	default:
	}
	select {
	case st.Snapshots <- snap:
	default:
	}
}

// fail delivers the terminal error and tears the stream down. The error
// channel holds one slot; a second failure after the first is discarded.
func (st *Stream) fail(err error) {
	st.mu.Lock()
	if st.canceled {
		st.mu.Unlock()
		return
	}
	st.canceled = true
	sub := st.sub
	st.sub = nil
	st.mu.Unlock()

	if sub != nil {
		sub.Cancel()
	}
	select {
	case st.Err <- err:
	default:
	}
}

// Cancel detaches the stream from its feed. It is synchronous: once it
// returns no further snapshot will be emitted. Cancelling twice is safe.
func (st *Stream) Cancel() {
	st.mu.Lock()
	if st.canceled {
		st.mu.Unlock()
		return
	}
	st.canceled = true
	sub := st.sub
	st.sub = nil
	st.mu.Unlock()

	if sub != nil {
		sub.Cancel()
	}
}
