package server

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/huddle/internal/auth"
	"github.com/MarcoPoloResearchLab/huddle/internal/collab"
)

const (
	websocketReadLimit  = 1 << 20
	websocketWriteWait  = 10 * time.Second
	websocketPongWait   = 60 * time.Second
	websocketPingPeriod = (websocketPongWait * 9) / 10
	closeLeaveTimeout   = 5 * time.Second
)

type websocketUpgrader interface {
	Upgrade(w http.ResponseWriter, r *http.Request, responseHeader http.Header) (*websocket.Conn, error)
}

func newUpgrader(origins []string) *websocket.Upgrader {
	allowed := make(map[string]struct{}, len(origins))
	for _, origin := range origins {
		allowed[strings.ToLower(strings.TrimRight(origin, "/"))] = struct{}{}
	}
	anyOrigin := allowsAnyOrigin(origins)
	return &websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" || anyOrigin {
				return true
			}
			parsed, err := url.Parse(origin)
			if err != nil || parsed.Host == "" {
				return false
			}
			_, ok := allowed[strings.ToLower(strings.TrimRight(origin, "/"))]
			return ok
		},
	}
}

// handleWebsocket upgrades the request and runs one collaboration socket.
// A token is optional; without one the client joins as the guest it claims.
func (h *httpHandler) handleWebsocket(c *gin.Context) {
	var identity *collab.Identity
	var email string
	claims, err := h.tokens.ValidateRequest(c.Request)
	switch {
	case err == nil:
		resolved, identityErr := claims.Identity()
		if identityErr != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		identity = &resolved
		email = claims.Email
	case errors.Is(err, auth.ErrMissingToken):
	default:
		h.logTokenFailure(err)
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	outbox := collab.NewOutbox(0)
	client := h.hub.Connect(collab.ClientOptions{
		ConnID:   collab.ConnID(uuid.NewString()),
		Identity: identity,
		Email:    email,
		Sink:     outbox,
	})
	h.logger.Debug("websocket connected", zap.String("conn_id", string(client.ConnID())))

	go h.writePump(conn, outbox)
	h.readPump(conn, client)
}

func (h *httpHandler) readPump(conn *websocket.Conn, client *collab.Client) {
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), closeLeaveTimeout)
		client.Close(ctx)
		cancel()
		h.logger.Debug("websocket disconnected", zap.String("conn_id", string(client.ConnID())))
	}()

	conn.SetReadLimit(websocketReadLimit)
	_ = conn.SetReadDeadline(time.Now().Add(websocketPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(websocketPongWait))
	})

	for {
		messageType, frame, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Info("websocket read failed",
					zap.String("conn_id", string(client.ConnID())),
					zap.Error(err))
			}
			return
		}
		if messageType != websocket.TextMessage && messageType != websocket.BinaryMessage {
			continue
		}
		_ = conn.SetReadDeadline(time.Now().Add(websocketPongWait))
		client.Handle(context.Background(), frame)
	}
}

// writePump is the only writer on conn. It exits once the outbox is closed.
func (h *httpHandler) writePump(conn *websocket.Conn, outbox *collab.Outbox) {
	ticker := time.NewTicker(websocketPingPeriod)
	defer func() {
		ticker.Stop()
		_ = conn.Close()
	}()

	for {
		select {
		case frame, ok := <-outbox.Frames():
			_ = conn.SetWriteDeadline(time.Now().Add(websocketWriteWait))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				outbox.Close()
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(websocketWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				outbox.Close()
				return
			}
		}
	}
}
