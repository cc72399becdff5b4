package collab

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// EventType names a message on the socket.
type EventType string

// Client to server events.
const (
	EventJoinRoom       EventType = "join-room"
	EventLeaveRoom      EventType = "leave-room"
	EventCodeChange     EventType = "code-change"
	EventLanguageChange EventType = "language-change"
	EventCursorMove     EventType = "cursor-move"
	EventTyping         EventType = "typing"
	EventSendMessage    EventType = "send-message"
	EventExecuteRequest EventType = "execute-request"
	EventAddReaction    EventType = "add-reaction"
	EventUpdateRole     EventType = "update-role"
	EventPing           EventType = "ping"
)

// Server to client events.
const (
	EventRoomState         EventType = "room-state"
	EventParticipantJoined EventType = "participant-joined"
	EventParticipantLeft   EventType = "participant-left"
	EventCodeUpdate        EventType = "code-update"
	EventLanguageUpdate    EventType = "language-update"
	EventCursorUpdate      EventType = "cursor-update"
	EventTypingUpdate      EventType = "typing-update"
	EventNewMessage        EventType = "new-message"
	EventExecutionStarted  EventType = "execution-started"
	EventExecutionResult   EventType = "execution-result"
	EventReactionUpdated   EventType = "reaction-updated"
	EventRoleUpdated       EventType = "role-updated"
	EventPong              EventType = "pong"
	EventError             EventType = "error"
)

// Envelope is the tagged frame exchanged over the socket.
type Envelope struct {
	Type    EventType       `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type outboundEnvelope struct {
	Type    EventType `json:"type"`
	Payload any       `json:"payload,omitempty"`
}

// ParticipantInfo is the self-description sent with join-room.
type ParticipantInfo struct {
	Name        string `json:"name" validate:"required,max=64"`
	Email       string `json:"email,omitempty" validate:"omitempty,email,max=320"`
	IdentityKey string `json:"identityKey,omitempty" validate:"omitempty,max=200"`
}

type JoinRoomPayload struct {
	RoomID      string          `json:"roomId" validate:"required,len=8,alphanum"`
	Participant ParticipantInfo `json:"participant"`
}

type LeaveRoomPayload struct {
	RoomID string `json:"roomId" validate:"required"`
}

type CodeChangePayload struct {
	RoomID   string `json:"roomId" validate:"required"`
	Code     string `json:"code" validate:"max=524288"`
	Language string `json:"language,omitempty" validate:"omitempty,max=32"`
}

type LanguageChangePayload struct {
	RoomID   string `json:"roomId" validate:"required"`
	Language string `json:"language" validate:"required,max=32"`
}

type CursorMovePayload struct {
	RoomID    string         `json:"roomId" validate:"required"`
	Position  CursorPosition `json:"position"`
	Selection *Selection     `json:"selection,omitempty"`
}

type TypingPayload struct {
	RoomID   string `json:"roomId" validate:"required"`
	IsTyping bool   `json:"isTyping"`
}

type SendMessagePayload struct {
	RoomID  string `json:"roomId" validate:"required"`
	Content string `json:"content" validate:"required,max=4000"`
	Type    string `json:"type,omitempty" validate:"omitempty,oneof=text"`
}

type ExecuteRequestPayload struct {
	RoomID   string `json:"roomId" validate:"required"`
	Code     string `json:"code" validate:"required,max=524288"`
	Language string `json:"language" validate:"required,max=32"`
	Stdin    string `json:"stdin,omitempty" validate:"max=65536"`
}

type AddReactionPayload struct {
	RoomID    string `json:"roomId" validate:"required"`
	MessageID string `json:"messageId" validate:"required,max=64"`
	Symbol    string `json:"symbol" validate:"required,max=16"`
}

type UpdateRolePayload struct {
	RoomID               string `json:"roomId" validate:"required"`
	TargetParticipantKey string `json:"targetParticipantKey" validate:"required,max=200"`
	NewRole              string `json:"newRole" validate:"required,oneof=owner editor viewer"`
}

type PingPayload struct{}

// ParticipantView is the wire form of a participant inside a room.
type ParticipantView struct {
	Key                  string          `json:"participantId"`
	Name                 string          `json:"name"`
	Email                string          `json:"email,omitempty"`
	Role                 Role            `json:"role"`
	Color                string          `json:"color"`
	IsActive             bool            `json:"isActive"`
	IsGuest              bool            `json:"isGuest"`
	JoinedAt             time.Time       `json:"joinedAt"`
	Cursor               *CursorPosition `json:"cursor,omitempty"`
	Selection            *Selection      `json:"selection,omitempty"`
	IsTyping             bool            `json:"isTyping"`
	TimeInSessionSeconds int64           `json:"timeInSessionSeconds"`
}

// Snapshot is the full room state sent to a joining socket.
type Snapshot struct {
	RoomID           RoomID            `json:"roomId"`
	Title            string            `json:"title"`
	Description      string            `json:"description,omitempty"`
	Code             string            `json:"code"`
	Language         Language          `json:"language"`
	Settings         Settings          `json:"settings"`
	OwnerKey         string            `json:"ownerId,omitempty"`
	Participants     []ParticipantView `json:"participants"`
	RecentChat       []ChatMessage     `json:"recentChat"`
	RecentExecutions []ExecutionRecord `json:"recentExecutions"`
	Self             ParticipantView   `json:"self"`
	Executing        bool              `json:"isExecuting"`
	LastActivityAt   time.Time         `json:"lastActivityAt"`
}

type participantLeftPayload struct {
	ParticipantKey string `json:"participantKey"`
}

type codeUpdatePayload struct {
	Code      string    `json:"code"`
	Language  Language  `json:"language,omitempty"`
	AuthorKey string    `json:"authorId"`
	Timestamp time.Time `json:"timestamp"`
}

type languageUpdatePayload struct {
	Language  Language  `json:"language"`
	AuthorKey string    `json:"authorId"`
	Timestamp time.Time `json:"timestamp"`
}

type cursorUpdatePayload struct {
	AuthorKey string         `json:"authorId"`
	Color     string         `json:"color"`
	Position  CursorPosition `json:"position"`
	Selection *Selection     `json:"selection,omitempty"`
}

type typingUpdatePayload struct {
	AuthorKey string `json:"authorId"`
	IsTyping  bool   `json:"isTyping"`
}

type executionStartedPayload struct {
	AuthorKey string    `json:"authorId"`
	Language  Language  `json:"language"`
	Timestamp time.Time `json:"timestamp"`
}

type reactionUpdatedPayload struct {
	MessageID string     `json:"messageId"`
	Reactions []Reaction `json:"reactions"`
}

type roleUpdatedPayload struct {
	TargetParticipantKey string `json:"targetParticipantKey"`
	NewRole              Role   `json:"newRole"`
}

type pongPayload struct {
	Timestamp time.Time `json:"timestamp"`
}

// ErrorPayload is the body of an error event.
type ErrorPayload struct {
	Code        ErrorCode `json:"code"`
	Message     string    `json:"message"`
	RequestType EventType `json:"requestType,omitempty"`
}

var inboundPayloads = map[EventType]func() any{
	EventJoinRoom:       func() any { return &JoinRoomPayload{} },
	EventLeaveRoom:      func() any { return &LeaveRoomPayload{} },
	EventCodeChange:     func() any { return &CodeChangePayload{} },
	EventLanguageChange: func() any { return &LanguageChangePayload{} },
	EventCursorMove:     func() any { return &CursorMovePayload{} },
	EventTyping:         func() any { return &TypingPayload{} },
	EventSendMessage:    func() any { return &SendMessagePayload{} },
	EventExecuteRequest: func() any { return &ExecuteRequestPayload{} },
	EventAddReaction:    func() any { return &AddReactionPayload{} },
	EventUpdateRole:     func() any { return &UpdateRolePayload{} },
	EventPing:           func() any { return &PingPayload{} },
}

// Decoder parses and validates inbound frames.
type Decoder struct {
	validate *validator.Validate
}

// NewDecoder constructs a Decoder with the payload validation rules registered.
func NewDecoder() *Decoder {
	return &Decoder{validate: validator.New(validator.WithRequiredStructEnabled())}
}

// Decode returns the event type and a pointer to its validated payload struct.
// The event type is returned even when the payload is rejected.
func (d *Decoder) Decode(frame []byte) (EventType, any, error) {
	var envelope Envelope
	if err := json.Unmarshal(frame, &envelope); err != nil {
		return "", nil, fmt.Errorf("%w: malformed frame: %v", ErrInvalidEvent, err)
	}
	factory, ok := inboundPayloads[envelope.Type]
	if !ok {
		return envelope.Type, nil, fmt.Errorf("%w: unknown event type %q", ErrInvalidEvent, envelope.Type)
	}
	payload := factory()
	raw := envelope.Payload
	if len(raw) == 0 || string(raw) == "null" {
		raw = json.RawMessage("{}")
	}
	if err := json.Unmarshal(raw, payload); err != nil {
		return envelope.Type, nil, fmt.Errorf("%w: malformed %s payload: %v", ErrInvalidEvent, envelope.Type, err)
	}
	if err := d.validate.Struct(payload); err != nil {
		return envelope.Type, nil, fmt.Errorf("%w: %s", ErrInvalidEvent, describeValidation(err))
	}
	return envelope.Type, payload, nil
}

func describeValidation(err error) string {
	var fieldErrors validator.ValidationErrors
	if !errors.As(err, &fieldErrors) {
		return err.Error()
	}
	parts := make([]string, 0, len(fieldErrors))
	for _, fieldErr := range fieldErrors {
		parts = append(parts, fmt.Sprintf("%s failed %s", fieldErr.Namespace(), fieldErr.Tag()))
	}
	return strings.Join(parts, "; ")
}

// EncodeEvent marshals an outbound frame.
func EncodeEvent(eventType EventType, payload any) ([]byte, error) {
	return json.Marshal(outboundEnvelope{Type: eventType, Payload: payload})
}

// EncodeError marshals an error event for err.
func EncodeError(requestType EventType, err error) []byte {
	payload := ErrorPayload{Code: CodeOf(err), Message: err.Error(), RequestType: requestType}
	if payload.Code == CodeInternal {
		payload.Message = "internal error"
	}
	frame, marshalErr := EncodeEvent(EventError, payload)
	if marshalErr != nil {
		return []byte(`{"type":"error","payload":{"code":"internal_error","message":"internal error"}}`)
	}
	return frame
}
