package collab_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/huddle/internal/collab"
)

func newLifecycle(t *testing.T, f registryFixture, roomIDs func() (collab.RoomID, error)) *collab.Lifecycle {
	t.Helper()
	lifecycle, err := collab.NewLifecycle(collab.LifecycleConfig{
		Store:    f.store,
		Registry: f.registry,
		RoomIDs:  roomIDs,
		Clock:    f.clock.Now,
	})
	if err != nil {
		t.Fatalf("new lifecycle: %v", err)
	}
	return lifecycle
}

func scriptedRoomIDs(ids ...collab.RoomID) func() (collab.RoomID, error) {
	index := 0
	return func() (collab.RoomID, error) {
		id := ids[index%len(ids)]
		index++
		return id, nil
	}
}

func TestCreateSessionRetriesOnCollision(t *testing.T) {
	f := newRegistryFixture(t, true)
	seedSession(t, f, "TAKEN001", collab.DefaultSettings(), "")
	lifecycle := newLifecycle(t, f, scriptedRoomIDs("TAKEN001", "FRESH001"))

	settings := collab.Settings{IsPublic: true, AllowGuests: false, MaxParticipants: 80}
	session, err := lifecycle.CreateSession(context.Background(), collab.CreateSessionRequest{
		Creator:  mustUser(t, "google:7"),
		Title:    "  Interview prep ",
		Language: collab.LanguageRust,
		Settings: &settings,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if session.RoomID != "FRESH001" {
		t.Fatalf("expected collision retry, got %s", session.RoomID)
	}
	if session.Title != "Interview prep" || session.Language != collab.LanguageRust {
		t.Fatalf("unexpected session %+v", session)
	}
	if session.Settings.MaxParticipants != collab.MaxParticipantsCeiling || session.Settings.AllowGuests {
		t.Fatalf("expected normalized settings, got %+v", session.Settings)
	}
	if session.CreatedBy != "user:google:7" || !session.IsActive {
		t.Fatalf("unexpected creator or active flag %+v", session)
	}
	stored, err := f.store.Load(context.Background(), "FRESH001")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if stored.Title != "Interview prep" {
		t.Fatalf("expected persisted session, got %+v", stored)
	}
}

func TestCreateSessionGivesUpAfterRepeatedCollisions(t *testing.T) {
	f := newRegistryFixture(t, true)
	seedSession(t, f, "TAKEN001", collab.DefaultSettings(), "")
	lifecycle := newLifecycle(t, f, scriptedRoomIDs("TAKEN001"))

	_, err := lifecycle.CreateSession(context.Background(), collab.CreateSessionRequest{Creator: mustGuest(t, "g")})
	if err == nil {
		t.Fatalf("expected exhaustion error")
	}
}

func TestCreateSessionValidatesInput(t *testing.T) {
	f := newRegistryFixture(t, true)
	lifecycle := newLifecycle(t, f, scriptedRoomIDs("VALID001"))
	ctx := context.Background()

	if _, err := lifecycle.CreateSession(ctx, collab.CreateSessionRequest{}); !errors.Is(err, collab.ErrInvalidIdentity) {
		t.Fatalf("expected missing creator rejected, got %v", err)
	}
	_, err := lifecycle.CreateSession(ctx, collab.CreateSessionRequest{
		Creator: mustGuest(t, "g"),
		Title:   strings.Repeat("t", 121),
	})
	if collab.CodeOf(err) != collab.CodeInvalidEvent {
		t.Fatalf("expected long title rejected, got %v", err)
	}

	f.store.SetFailure(errors.New("disk full"))
	_, err = lifecycle.CreateSession(ctx, collab.CreateSessionRequest{Creator: mustGuest(t, "g")})
	if !errors.Is(err, collab.ErrStorageUnavailable) {
		t.Fatalf("expected storage unavailable, got %v", err)
	}
}

func TestGetSessionOverlaysLiveState(t *testing.T) {
	f := newRegistryFixture(t, true)
	lifecycle := newLifecycle(t, f, scriptedRoomIDs("LIVE0001"))
	ctx := context.Background()

	if _, err := lifecycle.GetSession(ctx, "LIVE0001"); !errors.Is(err, collab.ErrRoomNotFound) {
		t.Fatalf("expected room not found, got %v", err)
	}
	if _, err := lifecycle.CreateSession(ctx, collab.CreateSessionRequest{Creator: mustGuest(t, "a")}); err != nil {
		t.Fatalf("create: %v", err)
	}
	f.join(t, "LIVE0001", "conn-a", mustGuest(t, "a"), "Ada")
	if err := f.registry.UpdateCode(ctx, "LIVE0001", "conn-a", "let x = 1", ""); err != nil {
		t.Fatalf("update: %v", err)
	}

	session, err := lifecycle.GetSession(ctx, "LIVE0001")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if session.Code != "let x = 1" || !session.IsActive {
		t.Fatalf("expected live overlay, got %+v", session)
	}
}

func TestListingsFilterAndClamp(t *testing.T) {
	f := newRegistryFixture(t, true)
	lifecycle := newLifecycle(t, f, scriptedRoomIDs("PUBLIC01", "PRIVATE1", "PUBLIC02"))
	ctx := context.Background()

	public := collab.DefaultSettings()
	public.IsPublic = true
	requests := []collab.CreateSessionRequest{
		{Creator: mustGuest(t, "a"), Title: "Graph algorithms", Settings: &public},
		{Creator: mustGuest(t, "a"), Title: "Graph secrets"},
		{Creator: mustGuest(t, "b"), Title: "Sorting", Settings: &public},
	}
	for _, request := range requests {
		f.clock.Advance(time.Minute)
		if _, err := lifecycle.CreateSession(ctx, request); err != nil {
			t.Fatalf("create: %v", err)
		}
	}

	found, err := lifecycle.ListPublic(ctx, "graph", 0)
	if err != nil {
		t.Fatalf("list public: %v", err)
	}
	if len(found) != 1 || found[0].RoomID != "PUBLIC01" {
		t.Fatalf("expected only the public graph session, got %+v", found)
	}
	all, err := lifecycle.ListPublic(ctx, "", 500)
	if err != nil {
		t.Fatalf("list public: %v", err)
	}
	if len(all) != 2 || all[0].RoomID != "PUBLIC02" {
		t.Fatalf("expected newest first, got %+v", all)
	}

	f.join(t, "PRIVATE1", "conn-c", mustGuest(t, "c"), "Cy")
	mine, err := lifecycle.ListForParticipant(ctx, mustGuest(t, "c"), 10)
	if err != nil {
		t.Fatalf("list for participant: %v", err)
	}
	if len(mine) != 1 || mine[0].RoomID != "PRIVATE1" || mine[0].ActiveParticipants != 1 {
		t.Fatalf("unexpected participant history %+v", mine)
	}
}

func TestCleanupSweepsEmptyRoomsAndKeepsConnectedOnes(t *testing.T) {
	f := newRegistryFixture(t, true)
	lifecycle := newLifecycle(t, f, scriptedRoomIDs("IDLE0001"))
	ctx := context.Background()

	stale := collab.NewSession("STALE001", f.clock.Now())
	if err := f.store.Create(ctx, stale); err != nil {
		t.Fatalf("seed: %v", err)
	}
	f.join(t, "IDLE0001", "conn-idle", mustGuest(t, "idle"), "Ida")
	busyA := f.join(t, "BUSY0001", "conn-busy-a", mustGuest(t, "busy-a"), "Bea")
	busyB := f.join(t, "BUSY0001", "conn-busy-b", mustGuest(t, "busy-b"), "Ben")
	f.clock.Advance(30 * time.Minute)
	if err := f.registry.RemoveParticipant(ctx, "IDLE0001", "conn-idle"); err != nil {
		t.Fatalf("remove idle: %v", err)
	}
	for step := 0; step < 6; step++ {
		f.clock.Advance(30 * time.Minute)
		if err := f.registry.UpdateCursor("BUSY0001", "conn-busy-a", collab.CursorPosition{Line: step, Column: 1}, nil); err != nil {
			t.Fatalf("cursor: %v", err)
		}
		if err := f.registry.SetTyping("BUSY0001", "conn-busy-b", step%2 == 0); err != nil {
			t.Fatalf("typing: %v", err)
		}
	}

	report, err := lifecycle.CleanupInactiveRooms(ctx)
	if err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if len(report.RoomsClosed) != 1 || report.RoomsClosed[0] != "IDLE0001" {
		t.Fatalf("expected only the empty room swept, got %+v", report.RoomsClosed)
	}
	if busyA.isClosed() || busyB.isClosed() {
		t.Fatalf("expected connected sockets to stay open")
	}
	if state, ok := f.registry.LiveState("BUSY0001"); !ok || len(state.Participants) != 2 {
		t.Fatalf("expected busy room to stay live with both participants, got %+v (%v)", state, ok)
	}
	if stats := f.registry.Stats(); stats.Dormant != 0 || stats.Connections != 2 {
		t.Fatalf("unexpected stats after sweep %+v", stats)
	}
	idle, err := f.store.Load(ctx, "IDLE0001")
	if err != nil {
		t.Fatalf("load idle: %v", err)
	}
	if idle.IsActive || idle.Participants[0].Active {
		t.Fatalf("expected idle session and participant inactive, got %+v", idle)
	}
	if idle.Participants[0].TimeInSession != 30*time.Minute {
		t.Fatalf("expected accumulated time, got %v", idle.Participants[0].TimeInSession)
	}

	f.clock.Advance(24 * time.Hour)
	report, err = lifecycle.CleanupInactiveRooms(ctx)
	if err != nil {
		t.Fatalf("second cleanup: %v", err)
	}
	if len(report.RoomsClosed) != 0 {
		t.Fatalf("expected connected room to survive a quiet day, got %+v", report.RoomsClosed)
	}
	if report.SessionsIdle != 1 {
		t.Fatalf("expected the stale durable session marked idle, got %d", report.SessionsIdle)
	}
	busy, err := f.store.Load(ctx, "BUSY0001")
	if err != nil {
		t.Fatalf("load busy: %v", err)
	}
	if !busy.IsActive || busyA.isClosed() {
		t.Fatalf("expected busy session to stay active while sockets are connected")
	}
}

func TestCleanupSweepsRoomAfterLastSocketLeaves(t *testing.T) {
	f := newRegistryFixture(t, true)
	lifecycle := newLifecycle(t, f, scriptedRoomIDs("LATE0001"))
	ctx := context.Background()

	f.join(t, "LATE0001", "conn-a", mustGuest(t, "a"), "Ada")
	f.clock.Advance(3 * time.Hour)
	report, err := lifecycle.CleanupInactiveRooms(ctx)
	if err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if len(report.RoomsClosed) != 0 {
		t.Fatalf("expected connected room kept, got %+v", report.RoomsClosed)
	}

	if err := f.registry.RemoveParticipant(ctx, "LATE0001", "conn-a"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	f.clock.Advance(time.Hour)
	if report, _ = lifecycle.CleanupInactiveRooms(ctx); len(report.RoomsClosed) != 0 {
		t.Fatalf("expected recently emptied room kept dormant, got %+v", report.RoomsClosed)
	}
	f.clock.Advance(90 * time.Minute)
	if report, _ = lifecycle.CleanupInactiveRooms(ctx); len(report.RoomsClosed) != 1 || report.RoomsClosed[0] != "LATE0001" {
		t.Fatalf("expected emptied room swept, got %+v", report.RoomsClosed)
	}
	if stats := f.registry.Stats(); stats.Rooms != 0 || stats.Dormant != 0 {
		t.Fatalf("expected no in-memory rooms, got %+v", stats)
	}
}

func TestPurgeRemovesExpiredInactiveSessions(t *testing.T) {
	f := newRegistryFixture(t, true)
	lifecycle := newLifecycle(t, f, scriptedRoomIDs("KEEP0001"))
	ctx := context.Background()

	expired := collab.NewSession("EXPIRED1", f.clock.Now())
	expired.IsActive = false
	live := collab.NewSession("KEEP0001", f.clock.Now())
	for _, session := range []*collab.Session{expired, live} {
		if err := f.store.Create(ctx, session); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}
	f.clock.Advance(8 * 24 * time.Hour)

	purged, err := lifecycle.PurgeExpiredSessions(ctx)
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if purged != 1 {
		t.Fatalf("expected one purge, got %d", purged)
	}
	if _, err := f.store.Load(ctx, "EXPIRED1"); !errors.Is(err, collab.ErrSessionNotFound) {
		t.Fatalf("expected expired session gone, got %v", err)
	}
	if _, err := f.store.Load(ctx, "KEEP0001"); err != nil {
		t.Fatalf("expected active session kept, got %v", err)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	f := newRegistryFixture(t, true)
	lifecycle, err := collab.NewLifecycle(collab.LifecycleConfig{
		Store:           f.store,
		Registry:        f.registry,
		CleanupInterval: time.Millisecond,
		PurgeInterval:   time.Millisecond,
	})
	if err != nil {
		t.Fatalf("new lifecycle: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		lifecycle.Run(ctx)
		close(done)
	}()
	time.Sleep(10 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("expected Run to return after cancel")
	}
}
