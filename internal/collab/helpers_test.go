package collab_test

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/huddle/internal/collab"
	"github.com/MarcoPoloResearchLab/huddle/internal/store/memstore"
)

type inlinePersister struct {
	mu   sync.Mutex
	ops  []string
	errs []error
}

func (p *inlinePersister) Enqueue(roomID collab.RoomID, operation string, job func(ctx context.Context) error) {
	err := job(context.Background())
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ops = append(p.ops, operation)
	if err != nil {
		p.errs = append(p.errs, err)
	}
}

func (p *inlinePersister) operations() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.ops...)
}

type sentEvent struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type recordingSink struct {
	mu       sync.Mutex
	frames   [][]byte
	closed   bool
	capacity int
}

func (s *recordingSink) Deliver(frame []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	if s.capacity > 0 && len(s.frames) >= s.capacity {
		return false
	}
	s.frames = append(s.frames, frame)
	return true
}

func (s *recordingSink) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
}

func (s *recordingSink) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *recordingSink) events(t *testing.T) []sentEvent {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	events := make([]sentEvent, 0, len(s.frames))
	for _, frame := range s.frames {
		var event sentEvent
		if err := json.Unmarshal(frame, &event); err != nil {
			t.Fatalf("decode frame %s: %v", frame, err)
		}
		events = append(events, event)
	}
	return events
}

func (s *recordingSink) eventsOfType(t *testing.T, eventType collab.EventType) []sentEvent {
	t.Helper()
	var matching []sentEvent
	for _, event := range s.events(t) {
		if event.Type == string(eventType) {
			matching = append(matching, event)
		}
	}
	return matching
}

func (s *recordingSink) reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = nil
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 10, 14, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type sequenceIDs struct {
	mu     sync.Mutex
	prefix string
	next   int
}

func (p *sequenceIDs) NewID() (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.next++
	return p.prefix + strconv.Itoa(p.next), nil
}

type registryFixture struct {
	registry  *collab.Registry
	store     *memstore.Store
	persister *inlinePersister
	clock     *fakeClock
}

func newRegistryFixture(t *testing.T, autoCreate bool) registryFixture {
	t.Helper()
	store := memstore.New()
	persister := &inlinePersister{}
	clock := newFakeClock()
	registry, err := collab.NewRegistry(collab.RegistryConfig{
		Store:      store,
		Persister:  persister,
		MessageIDs: &sequenceIDs{prefix: "msg-"},
		Clock:      clock.Now,
		AutoCreate: autoCreate,
	})
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	return registryFixture{registry: registry, store: store, persister: persister, clock: clock}
}

func mustRoomID(t *testing.T, raw string) collab.RoomID {
	t.Helper()
	id, err := collab.NewRoomID(raw)
	if err != nil {
		t.Fatalf("unexpected room id error: %v", err)
	}
	return id
}

func mustGuest(t *testing.T, id string) collab.Identity {
	t.Helper()
	identity, err := collab.NewGuestIdentity(id)
	if err != nil {
		t.Fatalf("unexpected identity error: %v", err)
	}
	return identity
}

func mustUser(t *testing.T, id string) collab.Identity {
	t.Helper()
	identity, err := collab.NewUserIdentity(id)
	if err != nil {
		t.Fatalf("unexpected identity error: %v", err)
	}
	return identity
}

func (f registryFixture) join(t *testing.T, roomID collab.RoomID, connID string, identity collab.Identity, name string) *recordingSink {
	t.Helper()
	sink := &recordingSink{}
	if _, err := f.registry.AddParticipant(context.Background(), roomID, collab.JoinRequest{
		ConnID:      collab.ConnID(connID),
		Identity:    identity,
		DisplayName: name,
		Sink:        sink,
	}); err != nil {
		t.Fatalf("join %s: %v", connID, err)
	}
	return sink
}

func decodePayload[T any](t *testing.T, event sentEvent) T {
	t.Helper()
	var payload T
	if err := json.Unmarshal(event.Payload, &payload); err != nil {
		t.Fatalf("decode %s payload: %v", event.Type, err)
	}
	return payload
}

func waitFor(t *testing.T, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met before deadline")
}
