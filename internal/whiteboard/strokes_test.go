package whiteboard

import (
	"encoding/json"
	"testing"

	"tutoring-backend/internal/feed"
)

type fakeStrokeSource struct {
	broker *feed.Broker
}

func newFakeStrokeSource() *fakeStrokeSource {
	return &fakeStrokeSource{broker: feed.NewBroker()}
}

func (f *fakeStrokeSource) SubscribeStrokes(pageID string, onEvents feed.Handler, onError feed.ErrorHandler) (*feed.Subscription, error) {
	return f.broker.Subscribe("strokes/"+pageID, onEvents, onError), nil
}

func (f *fakeStrokeSource) publish(pageID string, docs ...string) {
	events := make([]feed.Event, len(docs))
	for i, doc := range docs {
		events[i] = feed.Event{Type: feed.ChildAdded, Doc: json.RawMessage(doc)}
	}
	f.broker.Publish("strokes/"+pageID, events...)
}

func TestEngineOrdersByTimestamp(t *testing.T) {
	source := newFakeStrokeSource()

	var last Snapshot
	engine := NewStrokeEngine(source, func(s Snapshot) { last = s }, nil)
	if err := engine.SetPage("p1"); err != nil {
		t.Fatalf("SetPage failed: %v", err)
	}

	source.publish("p1",
		`{"id":"s2","userId":1,"timestamp":200,"color":"#ff0000","strokeWidth":3,"points":[{"x":1,"y":2}]}`,
		`{"id":"s1","userId":1,"timestamp":100,"color":"#00ff00","strokeWidth":2,"points":[{"x":3,"y":4}]}`,
	)

	if len(last.Strokes) != 2 {
		t.Fatalf("expected 2 strokes, got %d", len(last.Strokes))
	}
	if last.Strokes[0].ID != "s1" || last.Strokes[1].ID != "s2" {
		t.Fatalf("expected order s1,s2 got %s,%s", last.Strokes[0].ID, last.Strokes[1].ID)
	}
	if last.PageID != "p1" {
		t.Fatalf("expected page p1, got %s", last.PageID)
	}
}

func TestEngineDropsDuplicateIDs(t *testing.T) {
	source := newFakeStrokeSource()

	var last Snapshot
	engine := NewStrokeEngine(source, func(s Snapshot) { last = s }, nil)
	engine.SetPage("p1")

	doc := `{"id":"s1","userId":1,"timestamp":100}`
	source.publish("p1", doc)
	source.publish("p1", doc)

	if len(last.Strokes) != 1 {
		t.Fatalf("expected 1 stroke after duplicate delivery, got %d", len(last.Strokes))
	}
}

func TestEngineSetPageIsolatesPages(t *testing.T) {
	source := newFakeStrokeSource()

	var last Snapshot
	engine := NewStrokeEngine(source, func(s Snapshot) { last = s }, nil)
	engine.SetPage("p1")
	source.publish("p1", `{"id":"a","timestamp":1}`)

	engine.SetPage("p2")
	source.publish("p2", `{"id":"b","timestamp":2}`)

	if last.PageID != "p2" {
		t.Fatalf("expected snapshot for p2, got %s", last.PageID)
	}
	if len(last.Strokes) != 1 || last.Strokes[0].ID != "b" {
		t.Fatalf("expected only stroke b on p2, got %+v", last.Strokes)
	}

	// Events on the abandoned page must not surface.
	before := last
	source.publish("p1", `{"id":"c","timestamp":3}`)
	if last.PageID != before.PageID || len(last.Strokes) != len(before.Strokes) {
		t.Fatal("stale page event reached the engine after SetPage")
	}
}

func TestEngineStopCancelsSubscription(t *testing.T) {
	source := newFakeStrokeSource()

	published := 0
	engine := NewStrokeEngine(source, func(Snapshot) { published++ }, nil)
	engine.SetPage("p1")
	engine.Stop()

	source.publish("p1", `{"id":"a","timestamp":1}`)
	if published != 0 {
		t.Fatalf("expected no snapshots after Stop, got %d", published)
	}
	if n := source.broker.SubscriberCount("strokes/p1"); n != 0 {
		t.Fatalf("expected 0 subscribers after Stop, got %d", n)
	}
}

func TestDecodeStrokeDefaults(t *testing.T) {
	stroke := DecodeStroke(json.RawMessage(`{"id":"s1"}`))

	if stroke.StrokeWidth != DefaultStrokeWidth {
		t.Fatalf("expected default width %v, got %v", DefaultStrokeWidth, stroke.StrokeWidth)
	}
	if stroke.Color != DefaultStrokeColor {
		t.Fatalf("expected default color %q, got %q", DefaultStrokeColor, stroke.Color)
	}
	if stroke.Timestamp != 0 {
		t.Fatalf("expected zero timestamp, got %d", stroke.Timestamp)
	}
	if len(stroke.Points) != 0 {
		t.Fatalf("expected no points, got %d", len(stroke.Points))
	}
}

func TestDecodeStrokeMalformedFields(t *testing.T) {
	stroke := DecodeStroke(json.RawMessage(
		`{"id":"s1","strokeWidth":"wide","color":123,"timestamp":"later","points":"not-a-list"}`,
	))

	if stroke.ID != "s1" {
		t.Fatalf("expected id s1, got %q", stroke.ID)
	}
	if stroke.StrokeWidth != DefaultStrokeWidth {
		t.Fatalf("malformed width should fall back to %v, got %v", DefaultStrokeWidth, stroke.StrokeWidth)
	}
	if stroke.Color != DefaultStrokeColor {
		t.Fatalf("malformed color should fall back to %q, got %q", DefaultStrokeColor, stroke.Color)
	}
	if stroke.Timestamp != 0 {
		t.Fatalf("malformed timestamp should fall back to 0, got %d", stroke.Timestamp)
	}
	if stroke.Points != nil {
		t.Fatalf("malformed points should decode to nil, got %+v", stroke.Points)
	}
}

func TestDecodeStrokeNonPositiveWidth(t *testing.T) {
	stroke := DecodeStroke(json.RawMessage(`{"id":"s1","strokeWidth":0}`))
	if stroke.StrokeWidth != DefaultStrokeWidth {
		t.Fatalf("zero width should fall back to %v, got %v", DefaultStrokeWidth, stroke.StrokeWidth)
	}
}

func TestDecodeStrokeValidPoints(t *testing.T) {
	stroke := DecodeStroke(json.RawMessage(`{"id":"s1","points":[{"x":1.5,"y":-2},{"x":0,"y":3}]}`))
	if len(stroke.Points) != 2 {
		t.Fatalf("expected 2 points, got %d", len(stroke.Points))
	}
	if stroke.Points[0].X != 1.5 || stroke.Points[0].Y != -2 {
		t.Fatalf("unexpected first point: %+v", stroke.Points[0])
	}
}

func TestDecodeStrokeGarbageDocument(t *testing.T) {
	stroke := DecodeStroke(json.RawMessage(`not json at all`))
	if stroke.Color != DefaultStrokeColor || stroke.StrokeWidth != DefaultStrokeWidth {
		t.Fatalf("garbage document should decode to defaults, got %+v", stroke)
	}
}
