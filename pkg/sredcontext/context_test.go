package sredcontext

import (
	"testing"

	"github.com/quadgate/sred/pkg/event"
)

func TestNewCopiesInitialLocal(t *testing.T) {
	initial := map[string]interface{}{"a": 1}
	ctx := New("i1", "start", initial)
	initial["a"] = 2
	if v, _ := ctx.GetLocalInt("a"); v != 1 {
		t.Fatalf("expected context to hold a defensive copy, got %d", v)
	}
}

func TestMergeLocalIsImmutable(t *testing.T) {
	ctx := New("i1", "start", nil)
	next := ctx.MergeLocal(map[string]interface{}{"k": "v"})

	if _, ok := ctx.GetLocal("k"); ok {
		t.Fatal("expected original context to be unaffected")
	}
	if v, ok := next.GetLocalString("k"); !ok || v != "v" {
		t.Fatalf("expected merged context to carry k=v, got %v %v", v, ok)
	}
}

func TestWithEventTruncatesToCapacity(t *testing.T) {
	ctx := New("i1", "start", nil)
	ctx.recentEventsCap = 2
	e1 := event.New(event.Type{Namespace: "x", Name: "one"}, "one")
	e2 := event.New(event.Type{Namespace: "x", Name: "two"}, "two")
	e3 := event.New(event.Type{Namespace: "x", Name: "three"}, "three")

	ctx = ctx.WithEvent(e1).WithEvent(e2).WithEvent(e3)
	events := ctx.RecentEvents()
	if len(events) != 2 {
		t.Fatalf("expected bounded to 2 events, got %d", len(events))
	}
	if events[0].Name() != "two" || events[1].Name() != "three" {
		t.Fatalf("expected [two,three] newest-last, got %v", events)
	}
}

func TestPauseMarkersRoundTrip(t *testing.T) {
	ctx := New("i1", "await_confirm", nil)
	paused := ctx.WithMetadata(map[string]interface{}{
		MetaPausedAt:     "2026-01-01T00:00:00Z",
		MetaPausedState:  "await_confirm",
		MetaPauseTimeout: -1,
	})
	if !paused.IsPaused() {
		t.Fatal("expected IsPaused true after setting markers")
	}

	resumed := paused.WithoutMetadataKeys(MetaPausedAt, MetaPausedState, MetaPauseTimeout)
	if resumed.IsPaused() {
		t.Fatal("expected IsPaused false after clearing markers")
	}
	meta := resumed.Metadata()
	if _, ok := meta[MetaPausedAt]; ok {
		t.Fatal("expected _pausedAt removed from metadata")
	}
}
