package whiteboard

import (
	"encoding/json"
	"log"
	"sort"
	"sync"

	"tutoring-backend/internal/feed"
	"tutoring-backend/internal/model"
)

// Defaults substituted for missing or malformed stroke fields. A malformed
// record is degraded, never dropped: the visible history must not silently
// lose a contribution.
const (
	DefaultStrokeWidth = 5.0
	DefaultStrokeColor = "#000000"
)

// Stroke is the client-visible form of a stroke record, decoded with
// defaults substituted for malformed fields.
type Stroke struct {
	ID          string        `json:"id"`
	UserID      int64         `json:"user_id"`
	Points      []model.Point `json:"points"`
	Color       string        `json:"color"`
	StrokeWidth float64       `json:"stroke_width"`
	Timestamp   int64         `json:"timestamp"`
}

// Snapshot is one atomic, fully sorted view of a page's strokes. Consumers
// never see a partial or interleaved set.
type Snapshot struct {
	PageID  string   `json:"page_id"`
	Strokes []Stroke `json:"strokes"`
}

// StrokeSource is the subset of PageStore the engine needs.
type StrokeSource interface {
	SubscribeStrokes(pageID string, onEvents feed.Handler, onError feed.ErrorHandler) (*feed.Subscription, error)
}

// StrokeEngine reconciles one page's stroke events into an ordered view.
// It holds at most one live subscription; switching pages tears the previous
// one down before the next is registered.
type StrokeEngine struct {
	source  StrokeSource
	publish func(Snapshot)
	onError func(pageID string, err error)

	mu     sync.Mutex
	gen    uint64
	pageID string
	sub    *feed.Subscription
	seen   map[string]bool
	order  []Stroke
}

// NewStrokeEngine creates an engine publishing snapshots through publish.
// onError receives the terminal error of a failed subscription; it may be nil.
func NewStrokeEngine(source StrokeSource, publish func(Snapshot), onError func(pageID string, err error)) *StrokeEngine {
	return &StrokeEngine{
		source:  source,
		publish: publish,
		onError: onError,
		seen:    make(map[string]bool),
	}
}

// SetPage switches the engine to a different page. The previous subscription
// is cancelled before the new one is established, so no stale events can
// reach the fresh accumulator.
func (e *StrokeEngine) SetPage(pageID string) error {
	e.mu.Lock()
	if e.pageID == pageID && e.sub != nil {
		e.mu.Unlock()
		return nil
	}
	old := e.sub
	e.sub = nil
	e.gen++
	gen := e.gen
	e.pageID = pageID
	e.seen = make(map[string]bool)
	e.order = nil
	e.mu.Unlock()

	if old != nil {
		old.Cancel()
	}

	sub, err := e.source.SubscribeStrokes(pageID,
		func(events []feed.Event) { e.onEvents(gen, pageID, events) },
		func(err error) { e.onSubError(gen, pageID, err) },
	)
	if err != nil {
		return err
	}

	e.mu.Lock()
	if e.gen != gen {
		// Another SetPage won the race while we were subscribing.
		e.mu.Unlock()
		sub.Cancel()
		return nil
	}
	e.sub = sub
	e.mu.Unlock()
	return nil
}

// Stop cancels the current subscription, if any.
func (e *StrokeEngine) Stop() {
	e.mu.Lock()
	old := e.sub
	e.sub = nil
	e.gen++
	e.mu.Unlock()

	if old != nil {
		old.Cancel()
	}
}

// onEvents merges one event batch, re-sorts the full known set and publishes
// it as a single snapshot.
func (e *StrokeEngine) onEvents(gen uint64, pageID string, events []feed.Event) {
	e.mu.Lock()
	if e.gen != gen {
		e.mu.Unlock()
		return
	}

	for _, ev := range events {
		stroke := DecodeStroke(ev.Doc)
		if stroke.ID != "" {
			if e.seen[stroke.ID] {
				continue
			}
			e.seen[stroke.ID] = true
		}
		e.order = append(e.order, stroke)
	}

	sort.SliceStable(e.order, func(i, j int) bool {
		return e.order[i].Timestamp < e.order[j].Timestamp
	})

	snap := Snapshot{
		PageID:  pageID,
		Strokes: append([]Stroke(nil), e.order...),
	}
	e.mu.Unlock()

	e.publish(snap)
}

func (e *StrokeEngine) onSubError(gen uint64, pageID string, err error) {
	e.mu.Lock()
	stale := e.gen != gen
	if !stale {
		e.sub = nil
	}
	e.mu.Unlock()

	if stale {
		return
	}
	log.Printf("[StrokeEngine] Subscription for page %s failed: %v", pageID, err)
	if e.onError != nil {
		e.onError(pageID, err)
	}
}

// DecodeStroke parses a raw stroke document, substituting defaults for
// missing or malformed fields instead of rejecting the record.
func DecodeStroke(doc json.RawMessage) Stroke {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(doc, &raw); err != nil {
		raw = nil
	}

	stroke := Stroke{
		ID:          stringField(raw, "id", ""),
		UserID:      int64(numberField(raw, "userId", 0)),
		Color:       stringField(raw, "color", DefaultStrokeColor),
		StrokeWidth: numberField(raw, "strokeWidth", DefaultStrokeWidth),
		Timestamp:   int64(numberField(raw, "timestamp", 0)),
		Points:      decodePoints(raw["points"]),
	}
	if stroke.StrokeWidth <= 0 {
		stroke.StrokeWidth = DefaultStrokeWidth
	}
	if stroke.Color == "" {
		stroke.Color = DefaultStrokeColor
	}
	return stroke
}

func decodePoints(raw json.RawMessage) []model.Point {
	if len(raw) == 0 {
		return nil
	}

	var entries []map[string]json.RawMessage
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil
	}

	points := make([]model.Point, len(entries))
	for i, entry := range entries {
		points[i] = model.Point{
			X: numberField(entry, "x", 0),
			Y: numberField(entry, "y", 0),
		}
	}
	return points
}

func numberField(raw map[string]json.RawMessage, key string, def float64) float64 {
	if raw == nil {
		return def
	}
	var n float64
	if err := json.Unmarshal(raw[key], &n); err != nil {
		return def
	}
	return n
}

func stringField(raw map[string]json.RawMessage, key, def string) string {
	if raw == nil {
		return def
	}
	var s string
	if err := json.Unmarshal(raw[key], &s); err != nil {
		return def
	}
	return s
}
