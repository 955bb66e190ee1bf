package handler

import (
	"context"
	"encoding/json"
	"log"
	"strconv"

	"github.com/gofiber/contrib/websocket"

	"tutoring-backend/internal/chat"
)

// ChatWSHandler direct-message WebSocket handler. Each connection opens one
// reconciled stream over the thread between the caller and a peer; the full
// message list is pushed after every change.
type ChatWSHandler struct {
	engine *chat.Engine
}

// ChatWSMessage WebSocket envelope
type ChatWSMessage struct {
	Type    string      `json:"type"` // messages, send, mark_read, error, ping, pong
	Payload interface{} `json:"payload,omitempty"`
}

// SendPayload outgoing message payload
type SendPayload struct {
	Text string `json:"text"`
}

// NewChatWSHandler creates a ChatWSHandler.
func NewChatWSHandler(engine *chat.Engine) *ChatWSHandler {
	return &ChatWSHandler{engine: engine}
}

// HandleWebSocket serves one direct-message connection.
func (h *ChatWSHandler) HandleWebSocket(c *websocket.Conn) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[ChatWS] Recovered from panic: %v", r)
		}
	}()

	userID, ok := c.Locals("userId").(int64)
	if !ok {
		c.WriteMessage(websocket.TextMessage, []byte(`{"type":"error","message":"invalid session"}`))
		c.Close()
		return
	}

	peerID, err := strconv.ParseInt(c.Params("peerId"), 10, 64)
	if err != nil || peerID == userID {
		c.WriteMessage(websocket.TextMessage, []byte(`{"type":"error","message":"invalid peer"}`))
		c.Close()
		return
	}

	chatID := chat.ThreadKey(userID, peerID)
	stream := h.engine.Messages(context.Background(), chatID)

	log.Printf("[ChatWS] Connected: chat=%s user=%d", chatID, userID)

	// Outbound pump; the only goroutine that writes to the socket.
	done := make(chan struct{})
	out := make(chan ChatWSMessage, 8)
	go func() {
		for {
			select {
			case snap := <-stream.Snapshots:
				h.write(c, ChatWSMessage{Type: "messages", Payload: snap})
			case err := <-stream.Err:
				h.write(c, ChatWSMessage{Type: "error", Payload: err.Error()})
				c.Close()
				return
			case msg := <-out:
				h.write(c, msg)
			case <-done:
				return
			}
		}
	}()

	defer func() {
		close(done)
		stream.Cancel()
		c.Close()
		log.Printf("[ChatWS] Disconnected: chat=%s user=%d", chatID, userID)
	}()

	for {
		_, msgBytes, err := c.ReadMessage()
		if err != nil {
			break
		}

		var msg ChatWSMessage
		if err := json.Unmarshal(msgBytes, &msg); err != nil {
			continue
		}

		switch msg.Type {
		case "send":
			payloadBytes, _ := json.Marshal(msg.Payload)
			var payload SendPayload
			if err := json.Unmarshal(payloadBytes, &payload); err != nil {
				continue
			}
			if len(payload.Text) > 2000 {
				payload.Text = payload.Text[:2000]
			}
			h.engine.Send(context.Background(), chatID, userID, peerID, payload.Text)
		case "mark_read":
			if err := h.engine.MarkMessagesAsRead(context.Background(), chatID, userID); err != nil {
				log.Printf("[ChatWS] Failed to mark chat %s read for user %d: %v", chatID, userID, err)
			}
		case "ping":
			select {
			case out <- ChatWSMessage{Type: "pong"}:
			default:
			}
		}
	}
}

func (h *ChatWSHandler) write(c *websocket.Conn, msg ChatWSMessage) {
	msgBytes, err := json.Marshal(msg)
	if err != nil {
		return
	}
	if err := c.WriteMessage(websocket.TextMessage, msgBytes); err != nil {
		log.Printf("[ChatWS] Write failed: %v", err)
	}
}
