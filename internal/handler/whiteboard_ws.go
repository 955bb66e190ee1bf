package handler

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/gofiber/contrib/websocket"

	"tutoring-backend/internal/model"
	"tutoring-backend/internal/presence"
	"tutoring-backend/internal/whiteboard"
)

// WhiteboardWSHandler whiteboard WebSocket handler. Every connection gets its
// own page lifecycle manager; page lists and stroke snapshots are pushed as
// they change.
type WhiteboardWSHandler struct {
	store    whiteboard.PageStore
	presence *presence.Tracker // nil when presence is disabled
}

// NewWhiteboardWSHandler creates a WhiteboardWSHandler.
func NewWhiteboardWSHandler(store whiteboard.PageStore, tracker *presence.Tracker) *WhiteboardWSHandler {
	return &WhiteboardWSHandler{store: store, presence: tracker}
}

// WhiteboardWSMessage WebSocket envelope
type WhiteboardWSMessage struct {
	Type    string      `json:"type"` // pages, strokes, stroke, new_page, set_page, prev_page, next_page, error, ping, pong
	Payload interface{} `json:"payload,omitempty"`
}

// StrokePayload incoming stroke payload
type StrokePayload struct {
	Points      []model.Point `json:"points"`
	Color       string        `json:"color"`
	StrokeWidth float64       `json:"stroke_width"`
}

// SetPagePayload page navigation payload
type SetPagePayload struct {
	Index int `json:"index"`
}

// HandleWebSocket serves one whiteboard connection.
func (h *WhiteboardWSHandler) HandleWebSocket(c *websocket.Conn) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[WhiteboardWS] Recovered from panic: %v", r)
		}
	}()

	userID, ok := c.Locals("userId").(int64)
	if !ok {
		c.WriteMessage(websocket.TextMessage, []byte(`{"type":"error","message":"invalid session"}`))
		c.Close()
		return
	}
	sessionID := c.Params("sessionId")
	if sessionID == "" {
		c.WriteMessage(websocket.TextMessage, []byte(`{"type":"error","message":"missing session id"}`))
		c.Close()
		return
	}

	// Single-writer pump. Manager callbacks fire on other clients'
	// goroutines; a full buffer drops the update because a newer snapshot
	// is always on the way.
	out := make(chan WhiteboardWSMessage, 16)
	done := make(chan struct{})
	go func() {
		for {
			select {
			case msg := <-out:
				msgBytes, err := json.Marshal(msg)
				if err != nil {
					continue
				}
				if err := c.WriteMessage(websocket.TextMessage, msgBytes); err != nil {
					return
				}
			case <-done:
				return
			}
		}
	}()

	send := func(msg WhiteboardWSMessage) {
		select {
		case out <- msg:
		default:
			log.Printf("[WhiteboardWS] Dropping update for slow client: session=%s user=%d", sessionID, userID)
		}
	}

	manager := whiteboard.NewManager(h.store, userID,
		func(pages whiteboard.PageList) {
			send(WhiteboardWSMessage{Type: "pages", Payload: pages})
		},
		func(snap whiteboard.Snapshot) {
			send(WhiteboardWSMessage{Type: "strokes", Payload: snap})
		},
		func(pageID string, err error) {
			send(WhiteboardWSMessage{Type: "error", Payload: err.Error()})
		},
	)

	ctx := context.Background()
	if err := manager.Initialize(ctx, sessionID); err != nil {
		log.Printf("[WhiteboardWS] Initialize failed: session=%s user=%d err=%v", sessionID, userID, err)
		c.WriteMessage(websocket.TextMessage, []byte(`{"type":"error","message":"failed to join whiteboard"}`))
		c.Close()
		close(done)
		return
	}

	h.heartbeat(ctx, sessionID, userID)
	log.Printf("[WhiteboardWS] Connected: session=%s user=%d", sessionID, userID)

	defer func() {
		manager.Close()
		close(done)
		if h.presence != nil {
			h.presence.Leave(ctx, sessionID, userID)
		}
		c.Close()
		log.Printf("[WhiteboardWS] Disconnected: session=%s user=%d", sessionID, userID)
	}()

	for {
		_, msgBytes, err := c.ReadMessage()
		if err != nil {
			break
		}

		var msg WhiteboardWSMessage
		if err := json.Unmarshal(msgBytes, &msg); err != nil {
			continue
		}

		switch msg.Type {
		case "stroke":
			payloadBytes, _ := json.Marshal(msg.Payload)
			var payload StrokePayload
			if err := json.Unmarshal(payloadBytes, &payload); err != nil {
				continue
			}
			if err := manager.AddStroke(ctx, payload.Points, payload.Color, payload.StrokeWidth); err != nil {
				log.Printf("[WhiteboardWS] AddStroke failed: session=%s user=%d err=%v", sessionID, userID, err)
			}
		case "new_page":
			if err := manager.CreateNewPage(ctx); err != nil {
				log.Printf("[WhiteboardWS] CreateNewPage failed: session=%s user=%d err=%v", sessionID, userID, err)
				send(WhiteboardWSMessage{Type: "error", Payload: "failed to create page"})
			}
		case "set_page":
			payloadBytes, _ := json.Marshal(msg.Payload)
			var payload SetPagePayload
			if err := json.Unmarshal(payloadBytes, &payload); err != nil {
				continue
			}
			manager.SetCurrentPage(payload.Index)
		case "prev_page":
			manager.NavigateToPreviousPage()
		case "next_page":
			manager.NavigateToNextPage()
		case "ping":
			h.heartbeat(ctx, sessionID, userID)
			send(WhiteboardWSMessage{Type: "pong"})
		}
	}
}

func (h *WhiteboardWSHandler) heartbeat(ctx context.Context, sessionID string, userID int64) {
	if h.presence == nil {
		return
	}
	hbCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	h.presence.Heartbeat(hbCtx, sessionID, userID)
}
