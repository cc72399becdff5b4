package collab

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/huddle/internal/telemetry"
)

// ConnectionState is the per-socket protocol state.
type ConnectionState int

const (
	StateConnected ConnectionState = iota
	StateJoined
	StateDisconnected
)

func (s ConnectionState) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateJoined:
		return "joined"
	case StateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// Client is the protocol endpoint for one socket. Handle is called from the
// socket's read loop; Close may be called from anywhere.
type Client struct {
	hub           *Hub
	connID        ConnID
	authenticated *Identity
	profileEmail  string
	sink          Sink

	mu       sync.Mutex
	state    ConnectionState
	roomID   RoomID
	identity Identity
}

// ConnID returns the socket identifier.
func (c *Client) ConnID() ConnID {
	return c.connID
}

// State returns the current protocol state.
func (c *Client) State() ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// RoomID returns the joined room, if any.
func (c *Client) RoomID() RoomID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.roomID
}

// Identity returns the identity the socket joined with.
func (c *Client) Identity() Identity {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.identity
}

// Handle processes one inbound frame. Failures are reported to the sender as
// error events and never terminate the connection.
func (c *Client) Handle(ctx context.Context, frame []byte) {
	eventType, payload, err := c.hub.decoder.Decode(frame)
	ctx, span := telemetry.StartSpan(ctx, "collab.handle_event",
		attribute.String("collab.event_type", string(eventType)),
		attribute.String("collab.conn_id", string(c.connID)))
	defer span.End()

	if err == nil {
		err = c.dispatch(ctx, payload)
	}
	if err == nil {
		return
	}
	telemetry.AddSpanError(span, err)
	if CodeOf(err) == CodeInternal {
		c.hub.logger.Error("socket event failed",
			zap.String("conn_id", string(c.connID)),
			zap.String("event_type", string(eventType)),
			zap.Error(err))
	}
	c.sink.Deliver(EncodeError(eventType, err))
}

func (c *Client) dispatch(ctx context.Context, payload any) error {
	if c.State() == StateDisconnected {
		return ErrNotJoined
	}
	registry := c.hub.registry
	switch p := payload.(type) {
	case *PingPayload:
		return c.reply(EventPong, pongPayload{Timestamp: c.hub.clock().UTC()})
	case *JoinRoomPayload:
		return c.join(ctx, p)
	case *LeaveRoomPayload:
		if _, err := c.joinedRoom(p.RoomID); err != nil {
			return err
		}
		return c.leave(ctx)
	case *CodeChangePayload:
		roomID, err := c.joinedRoom(p.RoomID)
		if err != nil {
			return err
		}
		var language Language
		if p.Language != "" {
			if language, err = ParseLanguage(p.Language); err != nil {
				return err
			}
		}
		return registry.UpdateCode(ctx, roomID, c.connID, p.Code, language)
	case *LanguageChangePayload:
		roomID, err := c.joinedRoom(p.RoomID)
		if err != nil {
			return err
		}
		language, err := ParseLanguage(p.Language)
		if err != nil {
			return err
		}
		return registry.UpdateLanguage(ctx, roomID, c.connID, language)
	case *CursorMovePayload:
		roomID, err := c.joinedRoom(p.RoomID)
		if err != nil {
			return err
		}
		return registry.UpdateCursor(roomID, c.connID, p.Position, p.Selection)
	case *TypingPayload:
		roomID, err := c.joinedRoom(p.RoomID)
		if err != nil {
			return err
		}
		return registry.SetTyping(roomID, c.connID, p.IsTyping)
	case *SendMessagePayload:
		roomID, err := c.joinedRoom(p.RoomID)
		if err != nil {
			return err
		}
		_, err = registry.SendMessage(ctx, roomID, c.connID, p.Content)
		return err
	case *ExecuteRequestPayload:
		return c.execute(p)
	case *AddReactionPayload:
		roomID, err := c.joinedRoom(p.RoomID)
		if err != nil {
			return err
		}
		return registry.React(ctx, roomID, c.connID, p.MessageID, strings.TrimSpace(p.Symbol))
	case *UpdateRolePayload:
		roomID, err := c.joinedRoom(p.RoomID)
		if err != nil {
			return err
		}
		role, err := ParseRole(p.NewRole)
		if err != nil {
			return err
		}
		return registry.UpdateRole(ctx, roomID, c.connID, strings.TrimSpace(p.TargetParticipantKey), role)
	default:
		return fmt.Errorf("%w: unsupported payload %T", ErrInvalidEvent, payload)
	}
}

func (c *Client) join(ctx context.Context, p *JoinRoomPayload) error {
	if c.State() == StateJoined {
		return ErrAlreadyJoined
	}
	roomID, err := NewRoomID(p.RoomID)
	if err != nil {
		return err
	}
	identity, err := c.resolveIdentity(p.Participant.IdentityKey)
	if err != nil {
		return err
	}
	email := p.Participant.Email
	if c.authenticated != nil && c.profileEmail != "" {
		email = c.profileEmail
	}
	if _, err := c.hub.registry.AddParticipant(ctx, roomID, JoinRequest{
		ConnID:      c.connID,
		Identity:    identity,
		DisplayName: p.Participant.Name,
		Email:       email,
		Sink:        c.sink,
	}); err != nil {
		return err
	}

	c.mu.Lock()
	c.state = StateJoined
	c.roomID = roomID
	c.identity = identity
	c.mu.Unlock()
	return nil
}

// resolveIdentity prefers the token identity. Anonymous sockets may only claim
// guest identities and receive a generated one when they claim none.
func (c *Client) resolveIdentity(claimedKey string) (Identity, error) {
	if c.authenticated != nil {
		return *c.authenticated, nil
	}
	claimed := strings.TrimSpace(claimedKey)
	switch {
	case claimed == "":
		guestID, err := c.hub.guestIDs.NewID()
		if err != nil {
			return Identity{}, err
		}
		return NewGuestIdentity(guestID)
	case strings.HasPrefix(claimed, identityUserPrefix):
		return Identity{}, fmt.Errorf("%w: user identities require a token", ErrPermissionDenied)
	case strings.HasPrefix(claimed, identityGuestPrefix):
		return ParseIdentityKey(claimed)
	default:
		return NewGuestIdentity(claimed)
	}
}

func (c *Client) leave(ctx context.Context) error {
	c.mu.Lock()
	roomID := c.roomID
	c.state = StateConnected
	c.roomID = ""
	c.identity = Identity{}
	c.mu.Unlock()
	return c.hub.registry.RemoveParticipant(ctx, roomID, c.connID)
}

func (c *Client) execute(p *ExecuteRequestPayload) error {
	roomID, err := c.joinedRoom(p.RoomID)
	if err != nil {
		return err
	}
	language, err := ParseLanguage(p.Language)
	if err != nil {
		return err
	}
	author, err := c.hub.registry.BeginExecution(roomID, c.connID, language)
	if err != nil {
		return err
	}
	c.hub.runExecution(roomID, author, ExecutionRequest{
		Code:     p.Code,
		Language: language,
		Stdin:    p.Stdin,
	})
	return nil
}

// joinedRoom checks that the socket has joined the room named in a payload.
func (c *Client) joinedRoom(rawRoomID string) (RoomID, error) {
	c.mu.Lock()
	state, current := c.state, c.roomID
	c.mu.Unlock()
	if state != StateJoined {
		return "", ErrNotJoined
	}
	roomID, err := NewRoomID(rawRoomID)
	if err != nil {
		return "", err
	}
	if roomID != current {
		return "", fmt.Errorf("%w: connection is in room %s", ErrNotJoined, current)
	}
	return roomID, nil
}

func (c *Client) reply(eventType EventType, payload any) error {
	frame, err := EncodeEvent(eventType, payload)
	if err != nil {
		return err
	}
	c.sink.Deliver(frame)
	return nil
}

// Close removes the socket from its room and stops delivery. It is idempotent.
func (c *Client) Close(ctx context.Context) {
	c.mu.Lock()
	if c.state == StateDisconnected {
		c.mu.Unlock()
		return
	}
	wasJoined := c.state == StateJoined
	roomID := c.roomID
	c.state = StateDisconnected
	c.mu.Unlock()

	if wasJoined {
		if err := c.hub.registry.RemoveParticipant(ctx, roomID, c.connID); err != nil {
			c.hub.logger.Warn("remove participant on close failed",
				zap.String("room_id", roomID.String()),
				zap.String("conn_id", string(c.connID)),
				zap.Error(err))
		}
	}
	c.sink.Close()
}
