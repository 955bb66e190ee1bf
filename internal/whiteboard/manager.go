package whiteboard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"tutoring-backend/internal/model"
)

// ErrNotInitialized is returned by page operations before Initialize succeeds.
var ErrNotInitialized = errors.New("whiteboard: session not initialized")

// PageList is the manager's published view: the session's ordered pages and
// which one the client is currently looking at.
type PageList struct {
	SessionID string                 `json:"session_id"`
	Pages     []model.WhiteboardPage `json:"pages"`
	Current   int                    `json:"current"`
}

// Manager owns the whiteboard page lifecycle for one connected client:
// idempotent session initialization, single-active-page bookkeeping,
// navigation over the locally cached page list, and stroke writes.
//
// The already-initialized guard is process-local state on this instance, not
// a distributed lock: two devices joining a fresh session at the same moment
// can still both mint page 1. That race is an accepted consequence of the
// design and is not papered over here.
type Manager struct {
	store        PageStore
	engine       *StrokeEngine
	userID       int64
	publishPages func(PageList)

	mu          sync.Mutex
	initialized map[string]bool
	sessionID   string
	pages       []model.WhiteboardPage
	current     int
	activePage  string
}

// NewManager creates a manager for one client identified by userID. Stroke
// snapshots for the watched page go to onStrokes; page-list changes go to
// onPages; subscription failures go to onError (may be nil).
func NewManager(store PageStore, userID int64, onPages func(PageList), onStrokes func(Snapshot), onError func(pageID string, err error)) *Manager {
	return &Manager{
		store:        store,
		engine:       NewStrokeEngine(store, onStrokes, onError),
		userID:       userID,
		publishPages: onPages,
		initialized:  make(map[string]bool),
	}
}

// Initialize joins a session, creating page 1 if the session has none and
// reactivating the last page if the session is being resumed. Calling it
// again for the same session on this instance is a no-op. On store failure
// the guard is cleared so the caller can retry; no partial state is kept.
func (m *Manager) Initialize(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.initialized[sessionID] {
		return nil
	}
	m.initialized[sessionID] = true

	pages, err := m.store.PagesBySession(ctx, sessionID)
	if err != nil {
		delete(m.initialized, sessionID)
		return err
	}

	if len(pages) == 0 {
		page := model.WhiteboardPage{
			ID:         uuid.New().String(),
			SessionID:  sessionID,
			PageNumber: 1,
			IsActive:   true,
			CreatedBy:  m.userID,
			CreatedAt:  time.Now(),
		}
		if err := m.store.CreatePage(ctx, &page); err != nil {
			delete(m.initialized, sessionID)
			return err
		}
		pages = []model.WhiteboardPage{page}
	} else {
		last := &pages[len(pages)-1]
		if !last.IsActive {
			// Resumed session: continue on the last page instead of
			// silently starting a new one.
			if err := m.store.SetPageActive(ctx, last.ID, true); err != nil {
				delete(m.initialized, sessionID)
				return err
			}
			last.IsActive = true
		}
	}

	m.sessionID = sessionID
	m.pages = pages
	m.current = len(pages) - 1
	m.activePage = pages[len(pages)-1].ID

	if err := m.engine.SetPage(m.activePage); err != nil {
		delete(m.initialized, sessionID)
		return err
	}

	m.emitPages()
	return nil
}

// CreateNewPage deactivates the current active page, mints the next page
// number and switches the stroke subscription to the new page. This is the
// only way a page number is ever issued; numbers are never reused.
func (m *Manager) CreateNewPage(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.sessionID == "" {
		return ErrNotInitialized
	}

	if err := m.store.SetPageActive(ctx, m.activePage, false); err != nil {
		return fmt.Errorf("failed to deactivate page %s: %w", m.activePage, err)
	}
	for i := range m.pages {
		if m.pages[i].ID == m.activePage {
			m.pages[i].IsActive = false
		}
	}

	page := model.WhiteboardPage{
		ID:         uuid.New().String(),
		SessionID:  m.sessionID,
		PageNumber: m.pages[len(m.pages)-1].PageNumber + 1,
		IsActive:   true,
		CreatedBy:  m.userID,
		CreatedAt:  time.Now(),
	}
	if err := m.store.CreatePage(ctx, &page); err != nil {
		return err
	}

	m.pages = append(m.pages, page)
	m.current = len(m.pages) - 1
	m.activePage = page.ID

	if err := m.engine.SetPage(page.ID); err != nil {
		return err
	}

	m.emitPages()
	return nil
}

// SetCurrentPage changes which page's strokes are displayed. It only moves
// the local index and the stroke subscription; remote state is untouched.
// Out-of-range indices are a no-op.
func (m *Manager) SetCurrentPage(index int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if index < 0 || index >= len(m.pages) {
		return
	}
	m.current = index
	if err := m.engine.SetPage(m.pages[index].ID); err != nil {
		return
	}
	m.emitPages()
}

// NavigateToPreviousPage moves one page back, if possible.
func (m *Manager) NavigateToPreviousPage() {
	m.mu.Lock()
	index := m.current - 1
	m.mu.Unlock()
	m.SetCurrentPage(index)
}

// NavigateToNextPage moves one page forward, if possible.
func (m *Manager) NavigateToNextPage() {
	m.mu.Lock()
	index := m.current + 1
	m.mu.Unlock()
	m.SetCurrentPage(index)
}

// AddStroke writes one immutable stroke to the session's ACTIVE page, which
// may differ from the page being displayed. With no authenticated actor, no
// active page or no points the call is a silent no-op.
func (m *Manager) AddStroke(ctx context.Context, points []model.Point, color string, width float64) error {
	m.mu.Lock()
	pageID := m.activePage
	m.mu.Unlock()

	if m.userID == 0 || pageID == "" || len(points) == 0 {
		return nil
	}

	raw, err := json.Marshal(points)
	if err != nil {
		return nil
	}

	stroke := model.DrawingStroke{
		ID:          uuid.New().String(),
		PageID:      pageID,
		UserID:      m.userID,
		Points:      string(raw),
		Color:       color,
		StrokeWidth: width,
		Timestamp:   time.Now().UnixMilli(),
	}
	return m.store.CreateStroke(ctx, &stroke)
}

// PageCount reports the number of cached pages.
func (m *Manager) PageCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pages)
}

// CurrentIndex reports the displayed page index.
func (m *Manager) CurrentIndex() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// ActivePageID reports the page currently receiving strokes.
func (m *Manager) ActivePageID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.activePage
}

// Close tears down the stroke subscription.
func (m *Manager) Close() {
	m.engine.Stop()
}

// emitPages publishes the current page list. Caller holds m.mu.
func (m *Manager) emitPages() {
	if m.publishPages == nil {
		return
	}
	m.publishPages(PageList{
		SessionID: m.sessionID,
		Pages:     append([]model.WhiteboardPage(nil), m.pages...),
		Current:   m.current,
	})
}
