package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/MarcoPoloResearchLab/huddle/internal/auth"
	"github.com/MarcoPoloResearchLab/huddle/internal/collab"
)

type wireEvent struct {
	Type    collab.EventType `json:"type"`
	Payload json.RawMessage  `json:"payload"`
}

func dialSocket(t *testing.T, server *httptest.Server, token string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws"
	if token != "" {
		url += "?" + auth.AccessTokenQueryParameter + "=" + token
	}
	conn, response, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		status := 0
		if response != nil {
			status = response.StatusCode
		}
		t.Fatalf("dial websocket (status %d): %v", status, err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func sendEvent(t *testing.T, conn *websocket.Conn, eventType collab.EventType, payload any) {
	t.Helper()
	if err := conn.WriteJSON(map[string]any{"type": eventType, "payload": payload}); err != nil {
		t.Fatalf("write %s: %v", eventType, err)
	}
}

// awaitEvent reads until an event of the wanted type arrives.
func awaitEvent(t *testing.T, conn *websocket.Conn, want collab.EventType) wireEvent {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		_ = conn.SetReadDeadline(deadline)
		var event wireEvent
		if err := conn.ReadJSON(&event); err != nil {
			t.Fatalf("waiting for %s: %v", want, err)
		}
		if event.Type == want {
			return event
		}
	}
}

func TestWebsocketJoinAndChat(t *testing.T) {
	fixture := newRouterFixture(t)
	server := httptest.NewServer(fixture.handler)
	t.Cleanup(server.Close)
	if err := fixture.store.Ensure(context.Background(), collab.NewSession("PAIR2026", time.Now())); err != nil {
		t.Fatalf("seed session: %v", err)
	}

	owner := dialSocket(t, server, fixture.token(t, "grace"))
	sendEvent(t, owner, collab.EventJoinRoom, map[string]any{
		"roomId":      "PAIR2026",
		"participant": map[string]any{"name": "Grace"},
	})
	var state collab.Snapshot
	if err := json.Unmarshal(awaitEvent(t, owner, collab.EventRoomState).Payload, &state); err != nil {
		t.Fatalf("decode room state: %v", err)
	}
	if state.RoomID != "PAIR2026" || state.Self.Key != "user:grace" || state.Self.Role != collab.RoleOwner {
		t.Fatalf("unexpected room state %+v", state)
	}

	guest := dialSocket(t, server, "")
	sendEvent(t, guest, collab.EventJoinRoom, map[string]any{
		"roomId":      "pair2026",
		"participant": map[string]any{"name": "Ada", "identityKey": "guest:ada"},
	})
	awaitEvent(t, guest, collab.EventRoomState)
	awaitEvent(t, owner, collab.EventParticipantJoined)

	sendEvent(t, guest, collab.EventSendMessage, map[string]any{"roomId": "PAIR2026", "content": "hello"})
	for _, conn := range []*websocket.Conn{owner, guest} {
		var message collab.ChatMessage
		if err := json.Unmarshal(awaitEvent(t, conn, collab.EventNewMessage).Payload, &message); err != nil {
			t.Fatalf("decode message: %v", err)
		}
		if message.Content != "hello" || message.SenderKey != "guest:ada" {
			t.Fatalf("unexpected message %+v", message)
		}
	}

	live := fixture.do(t, http.MethodGet, "/sessions/PAIR2026", "", nil)
	if view := decodeBody[sessionView](t, live); view.LiveParticipants != 2 {
		t.Fatalf("expected two live participants, got %+v", view)
	}

	_ = guest.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	awaitEvent(t, owner, collab.EventParticipantLeft)
}

func TestWebsocketErrorsDoNotCloseSocket(t *testing.T) {
	fixture := newRouterFixture(t)
	server := httptest.NewServer(fixture.handler)
	t.Cleanup(server.Close)

	conn := dialSocket(t, server, "")
	if err := conn.WriteMessage(websocket.TextMessage, []byte("{not json")); err != nil {
		t.Fatalf("write: %v", err)
	}
	var failure collab.ErrorPayload
	if err := json.Unmarshal(awaitEvent(t, conn, collab.EventError).Payload, &failure); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if failure.Code != collab.CodeInvalidEvent {
		t.Fatalf("expected invalid event, got %+v", failure)
	}

	sendEvent(t, conn, collab.EventPing, map[string]any{})
	awaitEvent(t, conn, collab.EventPong)
}

func TestWebsocketRejectsInvalidToken(t *testing.T) {
	fixture := newRouterFixture(t)
	server := httptest.NewServer(fixture.handler)
	t.Cleanup(server.Close)

	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws?" + auth.AccessTokenQueryParameter + "=garbage"
	_, response, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatalf("expected dial to fail")
	}
	if response == nil || response.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected unauthorized handshake, got %v", response)
	}
}
