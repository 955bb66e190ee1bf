package model

import (
	"time"
)

// WhiteboardPage is one canvas of a session. Exactly one page per session is
// active (receives new strokes) at a time; that invariant is enforced by the
// page lifecycle manager, not by the database. Pages are never deleted.
type WhiteboardPage struct {
	ID         string    `gorm:"type:varchar(64);primaryKey" json:"id"`
	SessionID  string    `gorm:"type:varchar(64);not null;index:idx_session_page" json:"session_id"`
	PageNumber int       `gorm:"not null;index:idx_session_page" json:"page_number"` // contiguous, starts at 1
	IsActive   bool      `gorm:"default:false;index" json:"is_active"`
	CreatedBy  int64     `gorm:"not null" json:"created_by"`
	CreatedAt  time.Time `gorm:"autoCreateTime" json:"created_at"`
}

func (WhiteboardPage) TableName() string {
	return "whiteboard_pages"
}

// DrawingStroke is one immutable pen gesture on a page. Strokes are only
// ever appended; ordering is by capture timestamp at read time.
type DrawingStroke struct {
	ID          string    `gorm:"type:varchar(64);primaryKey" json:"id"`
	PageID      string    `gorm:"type:varchar(64);not null;index:idx_page_timestamp" json:"page_id"`
	UserID      int64     `gorm:"not null" json:"user_id"`
	Points      string    `gorm:"type:jsonb;not null" json:"points"` // JSON array of points
	Color       string    `gorm:"type:varchar(20);not null" json:"color"`
	StrokeWidth float64   `gorm:"not null" json:"stroke_width"`
	Timestamp   int64     `gorm:"not null;index:idx_page_timestamp" json:"timestamp"` // unix millis at capture
	CreatedAt   time.Time `gorm:"autoCreateTime" json:"created_at"`
}

func (DrawingStroke) TableName() string {
	return "drawing_strokes"
}

// Point is one device-space coordinate of a stroke polyline.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}
