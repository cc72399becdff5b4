package collab_test

import (
	"testing"

	"github.com/MarcoPoloResearchLab/huddle/internal/collab"
)

func TestRingEvictsOldest(t *testing.T) {
	ring := collab.NewRing[int](3)
	for value := 1; value <= 5; value++ {
		evicted := ring.Push(value)
		if wantEvicted := value > 3; evicted != wantEvicted {
			t.Fatalf("push %d: expected evicted=%v, got %v", value, wantEvicted, evicted)
		}
	}
	items := ring.Items()
	if len(items) != 3 || items[0] != 3 || items[2] != 5 {
		t.Fatalf("unexpected items %v", items)
	}
	if last := ring.Last(2); len(last) != 2 || last[0] != 4 || last[1] != 5 {
		t.Fatalf("unexpected last two %v", last)
	}
	if last := ring.Last(10); len(last) != 3 {
		t.Fatalf("expected last to clamp to size, got %v", last)
	}
	if ring.Len() != 3 || ring.Cap() != 3 {
		t.Fatalf("unexpected len/cap %d/%d", ring.Len(), ring.Cap())
	}
}

func TestRingUpdateMatchesNewest(t *testing.T) {
	ring := collab.NewRing[collab.ChatMessage](4)
	ring.Push(collab.ChatMessage{ID: "a", Content: "first"})
	ring.Push(collab.ChatMessage{ID: "a", Content: "second"})

	found := ring.Update(
		func(message collab.ChatMessage) bool { return message.ID == "a" },
		func(message *collab.ChatMessage) { message.Content = "edited" },
	)
	if !found {
		t.Fatalf("expected match")
	}
	items := ring.Items()
	if items[0].Content != "first" || items[1].Content != "edited" {
		t.Fatalf("expected newest match updated, got %+v", items)
	}
	if ring.Update(func(collab.ChatMessage) bool { return false }, func(*collab.ChatMessage) {}) {
		t.Fatalf("expected no match")
	}
}

func TestEmptyRingReturnsEmptySlice(t *testing.T) {
	ring := collab.NewRing[string](0)
	if ring.Cap() != 1 {
		t.Fatalf("expected minimum capacity of one, got %d", ring.Cap())
	}
	if items := ring.Items(); items == nil || len(items) != 0 {
		t.Fatalf("expected empty non-nil slice, got %#v", items)
	}
}
