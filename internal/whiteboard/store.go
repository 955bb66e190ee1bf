package whiteboard

import (
	"context"
	"encoding/json"
	"fmt"

	"gorm.io/gorm"

	"tutoring-backend/internal/feed"
	"tutoring-backend/internal/model"
)

// PageStore is the remote-store surface the whiteboard engines depend on.
// The production implementation persists to Postgres and publishes stroke
// documents to the feed broker; tests substitute fakes.
type PageStore interface {
	// PagesBySession returns the session's pages ordered by page number.
	PagesBySession(ctx context.Context, sessionID string) ([]model.WhiteboardPage, error)
	CreatePage(ctx context.Context, page *model.WhiteboardPage) error
	SetPageActive(ctx context.Context, pageID string, active bool) error
	CreateStroke(ctx context.Context, stroke *model.DrawingStroke) error

	// SubscribeStrokes registers a listener for one page's stroke documents.
	// Existing strokes are delivered as one initial batch through the same
	// handler before live events.
	SubscribeStrokes(pageID string, onEvents feed.Handler, onError feed.ErrorHandler) (*feed.Subscription, error)
}

// StrokeDoc is the wire form of a stroke record as published on the feed.
type StrokeDoc struct {
	ID          string          `json:"id"`
	UserID      int64           `json:"userId"`
	Points      json.RawMessage `json:"points"`
	Color       string          `json:"color"`
	StrokeWidth float64         `json:"strokeWidth"`
	Timestamp   int64           `json:"timestamp"`
}

// GormStore is the Postgres-backed PageStore.
type GormStore struct {
	db     *gorm.DB
	broker *feed.Broker
}

// NewGormStore creates a PageStore over the given database and broker.
func NewGormStore(db *gorm.DB, broker *feed.Broker) *GormStore {
	return &GormStore{db: db, broker: broker}
}

func strokeTopic(pageID string) string {
	return "whiteboard_pages/" + pageID + "/strokes"
}

// PagesBySession returns all pages of a session ordered by page number.
func (s *GormStore) PagesBySession(ctx context.Context, sessionID string) ([]model.WhiteboardPage, error) {
	var pages []model.WhiteboardPage
	err := s.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("page_number ASC").
		Find(&pages).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load pages for session %s: %w", sessionID, err)
	}
	return pages, nil
}

// CreatePage persists a new page record.
func (s *GormStore) CreatePage(ctx context.Context, page *model.WhiteboardPage) error {
	if err := s.db.WithContext(ctx).Create(page).Error; err != nil {
		return fmt.Errorf("failed to create page %d for session %s: %w", page.PageNumber, page.SessionID, err)
	}
	return nil
}

// SetPageActive flips a page's active flag.
func (s *GormStore) SetPageActive(ctx context.Context, pageID string, active bool) error {
	err := s.db.WithContext(ctx).
		Model(&model.WhiteboardPage{}).
		Where("id = ?", pageID).
		Update("is_active", active).Error
	if err != nil {
		return fmt.Errorf("failed to set page %s active=%v: %w", pageID, active, err)
	}
	return nil
}

// CreateStroke persists one immutable stroke and publishes it to the page's
// stroke topic. Strokes are never updated or deleted.
func (s *GormStore) CreateStroke(ctx context.Context, stroke *model.DrawingStroke) error {
	if err := s.db.WithContext(ctx).Create(stroke).Error; err != nil {
		return fmt.Errorf("failed to create stroke on page %s: %w", stroke.PageID, err)
	}

	s.broker.Publish(strokeTopic(stroke.PageID), feed.Event{
		Type: feed.ChildAdded,
		Doc:  strokeDocOf(stroke),
	})
	return nil
}

// SubscribeStrokes registers the listener first, then backfills the page's
// existing strokes as one batch. A live event racing the backfill can be
// delivered twice; the reconciliation engine de-duplicates by stroke id.
func (s *GormStore) SubscribeStrokes(pageID string, onEvents feed.Handler, onError feed.ErrorHandler) (*feed.Subscription, error) {
	sub := s.broker.Subscribe(strokeTopic(pageID), onEvents, onError)

	var strokes []model.DrawingStroke
	err := s.db.
		Where("page_id = ?", pageID).
		Order("timestamp ASC").
		Find(&strokes).Error
	if err != nil {
		sub.Cancel()
		return nil, fmt.Errorf("failed to load strokes for page %s: %w", pageID, err)
	}

	if len(strokes) > 0 {
		backfill := make([]feed.Event, len(strokes))
		for i := range strokes {
			backfill[i] = feed.Event{Type: feed.ChildAdded, Doc: strokeDocOf(&strokes[i])}
		}
		onEvents(backfill)
	}

	return sub, nil
}

func strokeDocOf(stroke *model.DrawingStroke) json.RawMessage {
	doc, err := json.Marshal(StrokeDoc{
		ID:          stroke.ID,
		UserID:      stroke.UserID,
		Points:      json.RawMessage(stroke.Points),
		Color:       stroke.Color,
		StrokeWidth: stroke.StrokeWidth,
		Timestamp:   stroke.Timestamp,
	})
	if err != nil {
		// Points column holds invalid JSON; ship the record anyway so the
		// subscriber still sees the contribution, degraded.
		doc, _ = json.Marshal(StrokeDoc{
			ID:        stroke.ID,
			UserID:    stroke.UserID,
			Color:     stroke.Color,
			Timestamp: stroke.Timestamp,
		})
	}
	return doc
}
