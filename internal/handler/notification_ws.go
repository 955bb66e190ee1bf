package handler

import (
	"encoding/json"
	"log"
	"sync"

	"github.com/gofiber/contrib/websocket"

	"tutoring-backend/internal/notify"
)

// NotificationHub fans notifications out to a user's live WebSocket
// connections. It implements notify.Sink. One hub is constructed at wiring
// time and shared; there is deliberately no package-level instance.
type NotificationHub struct {
	clients map[int64]map[*websocket.Conn]bool // userID -> connections
	mu      sync.RWMutex
}

// NotificationWSMessage notification WebSocket envelope
type NotificationWSMessage struct {
	Type    string      `json:"type"` // notification, ping, pong
	Payload interface{} `json:"payload,omitempty"`
}

// NewNotificationHub creates an empty hub.
func NewNotificationHub() *NotificationHub {
	return &NotificationHub{
		clients: make(map[int64]map[*websocket.Conn]bool),
	}
}

// HandleWebSocket keeps one notification connection registered until it drops.
func (h *NotificationHub) HandleWebSocket(c *websocket.Conn) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[NotificationHub] Recovered from panic: %v", r)
		}
	}()

	userID, ok := c.Locals("userId").(int64)
	if !ok {
		c.WriteMessage(websocket.TextMessage, []byte(`{"type":"error","message":"invalid session"}`))
		c.Close()
		return
	}

	h.mu.Lock()
	if h.clients[userID] == nil {
		h.clients[userID] = make(map[*websocket.Conn]bool)
	}
	h.clients[userID][c] = true
	h.mu.Unlock()

	log.Printf("[NotificationHub] Connected: user=%d", userID)

	defer func() {
		h.mu.Lock()
		delete(h.clients[userID], c)
		if len(h.clients[userID]) == 0 {
			delete(h.clients, userID)
		}
		h.mu.Unlock()
		c.Close()
		log.Printf("[NotificationHub] Disconnected: user=%d", userID)
	}()

	// Keepalive loop
	for {
		_, msgBytes, err := c.ReadMessage()
		if err != nil {
			break
		}

		var msg NotificationWSMessage
		if err := json.Unmarshal(msgBytes, &msg); err != nil {
			continue
		}

		if msg.Type == "ping" {
			pong := NotificationWSMessage{Type: "pong"}
			pongBytes, _ := json.Marshal(pong)
			c.WriteMessage(websocket.TextMessage, pongBytes)
		}
	}
}

// SendToUser pushes one notification to every connection of a user.
func (h *NotificationHub) SendToUser(userID int64, notification notify.Notification) {
	msg := NotificationWSMessage{
		Type:    "notification",
		Payload: notification,
	}

	msgBytes, err := json.Marshal(msg)
	if err != nil {
		log.Printf("[NotificationHub] Failed to encode notification: %v", err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for conn := range h.clients[userID] {
		if err := conn.WriteMessage(websocket.TextMessage, msgBytes); err != nil {
			log.Printf("[NotificationHub] Send failed: user=%d err=%v", userID, err)
		}
	}
}

// ConnectedUsers reports how many users have at least one live connection.
func (h *NotificationHub) ConnectedUsers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
