package whiteboard

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"tutoring-backend/internal/feed"
	"tutoring-backend/internal/model"
)

// fakePageStore keeps pages and strokes in memory and routes stroke events
// through a real broker, mirroring the production store's behavior.
type fakePageStore struct {
	mu      sync.Mutex
	broker  *feed.Broker
	pages   map[string][]model.WhiteboardPage
	strokes map[string][]model.DrawingStroke

	failPages   bool
	failCreate  bool
	pageCreates int
}

func newFakePageStore() *fakePageStore {
	return &fakePageStore{
		broker:  feed.NewBroker(),
		pages:   make(map[string][]model.WhiteboardPage),
		strokes: make(map[string][]model.DrawingStroke),
	}
}

func (f *fakePageStore) PagesBySession(ctx context.Context, sessionID string) ([]model.WhiteboardPage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failPages {
		return nil, errors.New("store unavailable")
	}
	return append([]model.WhiteboardPage(nil), f.pages[sessionID]...), nil
}

func (f *fakePageStore) CreatePage(ctx context.Context, page *model.WhiteboardPage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failCreate {
		return errors.New("store unavailable")
	}
	f.pageCreates++
	f.pages[page.SessionID] = append(f.pages[page.SessionID], *page)
	return nil
}

func (f *fakePageStore) SetPageActive(ctx context.Context, pageID string, active bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for sessionID := range f.pages {
		for i := range f.pages[sessionID] {
			if f.pages[sessionID][i].ID == pageID {
				f.pages[sessionID][i].IsActive = active
			}
		}
	}
	return nil
}

func (f *fakePageStore) CreateStroke(ctx context.Context, stroke *model.DrawingStroke) error {
	f.mu.Lock()
	f.strokes[stroke.PageID] = append(f.strokes[stroke.PageID], *stroke)
	f.mu.Unlock()

	doc, _ := json.Marshal(StrokeDoc{
		ID:          stroke.ID,
		UserID:      stroke.UserID,
		Points:      json.RawMessage(stroke.Points),
		Color:       stroke.Color,
		StrokeWidth: stroke.StrokeWidth,
		Timestamp:   stroke.Timestamp,
	})
	f.broker.Publish("strokes/"+stroke.PageID, feed.Event{Type: feed.ChildAdded, Doc: doc})
	return nil
}

func (f *fakePageStore) SubscribeStrokes(pageID string, onEvents feed.Handler, onError feed.ErrorHandler) (*feed.Subscription, error) {
	return f.broker.Subscribe("strokes/"+pageID, onEvents, onError), nil
}

func (f *fakePageStore) strokeCount(pageID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.strokes[pageID])
}

func TestInitializeCreatesFirstPage(t *testing.T) {
	store := newFakePageStore()

	var pages PageList
	m := NewManager(store, 7, func(p PageList) { pages = p }, nil, nil)
	defer m.Close()

	if err := m.Initialize(context.Background(), "sess"); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}

	if len(pages.Pages) != 1 {
		t.Fatalf("expected 1 page, got %d", len(pages.Pages))
	}
	if pages.Pages[0].PageNumber != 1 || !pages.Pages[0].IsActive {
		t.Fatalf("expected active page 1, got %+v", pages.Pages[0])
	}
	if pages.Pages[0].CreatedBy != 7 {
		t.Fatalf("expected page created by user 7, got %d", pages.Pages[0].CreatedBy)
	}
}

func TestInitializeIsIdempotent(t *testing.T) {
	store := newFakePageStore()
	m := NewManager(store, 7, nil, nil, nil)
	defer m.Close()

	ctx := context.Background()
	if err := m.Initialize(ctx, "sess"); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	if err := m.Initialize(ctx, "sess"); err != nil {
		t.Fatalf("second Initialize failed: %v", err)
	}

	if store.pageCreates != 1 {
		t.Fatalf("expected a single page creation, got %d", store.pageCreates)
	}
}

func TestInitializeRetriesAfterStoreError(t *testing.T) {
	store := newFakePageStore()
	store.failPages = true

	m := NewManager(store, 7, nil, nil, nil)
	defer m.Close()

	ctx := context.Background()
	if err := m.Initialize(ctx, "sess"); err == nil {
		t.Fatal("expected Initialize to fail while the store is down")
	}

	store.mu.Lock()
	store.failPages = false
	store.mu.Unlock()

	if err := m.Initialize(ctx, "sess"); err != nil {
		t.Fatalf("retry after store recovery failed: %v", err)
	}
	if store.pageCreates != 1 {
		t.Fatalf("expected 1 page after retry, got %d", store.pageCreates)
	}
}

func TestInitializeReactivatesLastPageOnResume(t *testing.T) {
	store := newFakePageStore()
	store.pages["sess"] = []model.WhiteboardPage{
		{ID: "p1", SessionID: "sess", PageNumber: 1, IsActive: false},
		{ID: "p2", SessionID: "sess", PageNumber: 2, IsActive: false},
	}

	var pages PageList
	m := NewManager(store, 7, func(p PageList) { pages = p }, nil, nil)
	defer m.Close()

	if err := m.Initialize(context.Background(), "sess"); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}

	if store.pageCreates != 0 {
		t.Fatal("resume must not mint a new page")
	}
	if !pages.Pages[1].IsActive {
		t.Fatal("expected the last page to be reactivated")
	}
	if m.ActivePageID() != "p2" {
		t.Fatalf("expected active page p2, got %s", m.ActivePageID())
	}
	if pages.Current != 1 {
		t.Fatalf("expected current index 1, got %d", pages.Current)
	}
}

func TestCreateNewPageMintsNextNumber(t *testing.T) {
	store := newFakePageStore()

	var pages PageList
	m := NewManager(store, 7, func(p PageList) { pages = p }, nil, nil)
	defer m.Close()

	ctx := context.Background()
	if err := m.Initialize(ctx, "sess"); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	firstID := m.ActivePageID()

	if err := m.CreateNewPage(ctx); err != nil {
		t.Fatalf("CreateNewPage failed: %v", err)
	}

	if len(pages.Pages) != 2 {
		t.Fatalf("expected 2 pages, got %d", len(pages.Pages))
	}
	if pages.Pages[0].IsActive {
		t.Fatal("previous page must be deactivated")
	}
	if pages.Pages[1].PageNumber != 2 || !pages.Pages[1].IsActive {
		t.Fatalf("expected active page 2, got %+v", pages.Pages[1])
	}
	if m.ActivePageID() == firstID {
		t.Fatal("active page did not switch")
	}
	if pages.Current != 1 {
		t.Fatalf("expected current index to follow the new page, got %d", pages.Current)
	}
}

func TestCreateNewPageBeforeInitialize(t *testing.T) {
	store := newFakePageStore()
	m := NewManager(store, 7, nil, nil, nil)
	defer m.Close()

	if err := m.CreateNewPage(context.Background()); !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("expected ErrNotInitialized, got %v", err)
	}
}

func TestNavigationStaysInBounds(t *testing.T) {
	store := newFakePageStore()

	var pages PageList
	m := NewManager(store, 7, func(p PageList) { pages = p }, nil, nil)
	defer m.Close()

	ctx := context.Background()
	m.Initialize(ctx, "sess")
	m.CreateNewPage(ctx)

	m.NavigateToPreviousPage()
	if pages.Current != 0 {
		t.Fatalf("expected index 0 after prev, got %d", pages.Current)
	}

	m.NavigateToPreviousPage() // already at the first page
	if m.CurrentIndex() != 0 {
		t.Fatalf("expected index to stay at 0, got %d", m.CurrentIndex())
	}

	m.NavigateToNextPage()
	if pages.Current != 1 {
		t.Fatalf("expected index 1 after next, got %d", pages.Current)
	}

	m.NavigateToNextPage() // already at the last page
	if m.CurrentIndex() != 1 {
		t.Fatalf("expected index to stay at 1, got %d", m.CurrentIndex())
	}

	m.SetCurrentPage(99)
	if m.CurrentIndex() != 1 {
		t.Fatalf("out-of-range SetCurrentPage must be ignored, got %d", m.CurrentIndex())
	}
}

func TestStrokesFollowActivePageNotDisplayed(t *testing.T) {
	store := newFakePageStore()
	m := NewManager(store, 7, nil, nil, nil)
	defer m.Close()

	ctx := context.Background()
	m.Initialize(ctx, "sess")
	m.CreateNewPage(ctx)
	activeID := m.ActivePageID()

	// Look back at page 1; strokes still land on the active page 2.
	m.NavigateToPreviousPage()
	if err := m.AddStroke(ctx, []model.Point{{X: 1, Y: 2}}, "#000000", 5); err != nil {
		t.Fatalf("AddStroke failed: %v", err)
	}

	if store.strokeCount(activeID) != 1 {
		t.Fatalf("expected stroke on active page, got %d", store.strokeCount(activeID))
	}
}

func TestAddStrokeSilentNoOps(t *testing.T) {
	store := newFakePageStore()
	ctx := context.Background()

	// No active page yet.
	m := NewManager(store, 7, nil, nil, nil)
	if err := m.AddStroke(ctx, []model.Point{{X: 1, Y: 1}}, "#000", 5); err != nil {
		t.Fatalf("expected silent no-op without active page, got %v", err)
	}
	m.Close()

	// No authenticated user.
	anon := NewManager(store, 0, nil, nil, nil)
	anon.Initialize(ctx, "sess")
	if err := anon.AddStroke(ctx, []model.Point{{X: 1, Y: 1}}, "#000", 5); err != nil {
		t.Fatalf("expected silent no-op without user, got %v", err)
	}
	anon.Close()

	// Empty stroke.
	m2 := NewManager(store, 7, nil, nil, nil)
	m2.Initialize(ctx, "sess")
	if err := m2.AddStroke(ctx, nil, "#000", 5); err != nil {
		t.Fatalf("expected silent no-op for empty points, got %v", err)
	}
	m2.Close()

	for _, strokes := range store.strokes {
		if len(strokes) != 0 {
			t.Fatalf("no stroke should have been written, found %d", len(strokes))
		}
	}
}

func TestAddStrokeDeliveredToSubscribers(t *testing.T) {
	store := newFakePageStore()

	var last Snapshot
	m := NewManager(store, 7, nil, func(s Snapshot) { last = s }, nil)
	defer m.Close()

	ctx := context.Background()
	m.Initialize(ctx, "sess")

	if err := m.AddStroke(ctx, []model.Point{{X: 1, Y: 2}, {X: 3, Y: 4}}, "#123456", 2.5); err != nil {
		t.Fatalf("AddStroke failed: %v", err)
	}

	if len(last.Strokes) != 1 {
		t.Fatalf("expected 1 stroke in snapshot, got %d", len(last.Strokes))
	}
	stroke := last.Strokes[0]
	if stroke.UserID != 7 || stroke.Color != "#123456" || stroke.StrokeWidth != 2.5 {
		t.Fatalf("unexpected stroke %+v", stroke)
	}
	if len(stroke.Points) != 2 {
		t.Fatalf("expected 2 points, got %d", len(stroke.Points))
	}
	if stroke.Timestamp == 0 {
		t.Fatal("expected a capture timestamp")
	}
}
