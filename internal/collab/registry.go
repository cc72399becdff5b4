package collab

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const (
	maxJoinAttempts = 3

	opRegistryNew = "collab.registry.new"
	opLoadRoom    = "collab.registry.load_room"
	opJoin        = "collab.registry.join"
	opBroadcast   = "collab.registry.broadcast"
)

var (
	errMissingStore     = errors.New("session store is required")
	errMissingPersister = errors.New("persister is required")
	noOpLogger          = zap.NewNop()
)

// RegistryConfig wires the registry's collaborators.
type RegistryConfig struct {
	Store      Store
	Persister  Persister
	Activity   ActivityRecorder
	MessageIDs IDProvider
	Clock      func() time.Time
	Logger     *zap.Logger
	// AutoCreate admits unknown room ids by creating a fresh session.
	AutoCreate bool
}

// JoinRequest describes a socket entering a room.
type JoinRequest struct {
	ConnID      ConnID
	Identity    Identity
	DisplayName string
	Email       string
	Sink        Sink
}

// Stats is a point-in-time view of registry occupancy.
type Stats struct {
	Rooms       int `json:"rooms"`
	Connections int `json:"connections"`
	Dormant     int `json:"dormant"`
}

// Registry owns every live Room. Empty rooms leave the live set immediately and
// are kept dormant until the idle sweep so that a quick rejoin does not race
// queued writes against a reload from the store.
type Registry struct {
	mu      sync.Mutex
	rooms   map[RoomID]*Room
	dormant map[RoomID]*Room
	loads   singleflight.Group

	store      Store
	persister  Persister
	activity   ActivityRecorder
	messageIDs IDProvider
	clock      func() time.Time
	logger     *zap.Logger
	autoCreate bool
}

// NewRegistry validates cfg and returns an empty registry.
func NewRegistry(cfg RegistryConfig) (*Registry, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("%s: %w", opRegistryNew, errMissingStore)
	}
	if cfg.Persister == nil {
		return nil, fmt.Errorf("%s: %w", opRegistryNew, errMissingPersister)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	messageIDs := cfg.MessageIDs
	if messageIDs == nil {
		messageIDs = NewKSUIDProvider()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Registry{
		rooms:      make(map[RoomID]*Room),
		dormant:    make(map[RoomID]*Room),
		store:      cfg.Store,
		persister:  cfg.Persister,
		activity:   cfg.Activity,
		messageIDs: messageIDs,
		clock:      clock,
		logger:     logger,
		autoCreate: cfg.AutoCreate,
	}, nil
}

// Lookup returns the live room for roomID.
func (r *Registry) Lookup(roomID RoomID) (*Room, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	room, ok := r.rooms[roomID]
	return room, ok
}

// GetOrCreateRoom returns the live room, reviving a dormant one or loading the
// durable session when necessary. Concurrent callers share one load.
func (r *Registry) GetOrCreateRoom(ctx context.Context, roomID RoomID) (*Room, error) {
	if room, ok := r.liveOrRevived(roomID); ok {
		return room, nil
	}
	value, err, _ := r.loads.Do(roomID.String(), func() (interface{}, error) {
		if room, ok := r.liveOrRevived(roomID); ok {
			return room, nil
		}
		session, err := r.loadSession(ctx, roomID)
		if err != nil {
			return nil, err
		}
		room := newRoom(session)
		r.mu.Lock()
		defer r.mu.Unlock()
		if existing, ok := r.rooms[roomID]; ok {
			return existing, nil
		}
		r.rooms[roomID] = room
		r.logger.Info("room opened", zap.String("room_id", roomID.String()))
		return room, nil
	})
	if err != nil {
		return nil, err
	}
	return value.(*Room), nil
}

func (r *Registry) liveOrRevived(roomID RoomID) (*Room, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if room, ok := r.rooms[roomID]; ok {
		return room, true
	}
	room, ok := r.dormant[roomID]
	if !ok {
		return nil, false
	}
	delete(r.dormant, roomID)
	room.mu.Lock()
	room.closed = false
	room.mu.Unlock()
	r.rooms[roomID] = room
	return room, true
}

func (r *Registry) loadSession(ctx context.Context, roomID RoomID) (*Session, error) {
	session, err := r.store.Load(ctx, roomID)
	switch {
	case err == nil:
		return session, nil
	case errors.Is(err, ErrSessionNotFound):
		if !r.autoCreate {
			return nil, fmt.Errorf("%w: %s", ErrRoomNotFound, roomID)
		}
	default:
		r.logError(opLoadRoom, "store_unavailable", err, zap.String("room_id", roomID.String()))
	}
	session = NewSession(roomID, r.clock().UTC())
	seed := *session
	r.persister.Enqueue(roomID, "ensure_session", func(ctx context.Context) error {
		return r.store.Ensure(ctx, &seed)
	})
	return session, nil
}

// detach moves a closed room out of the live set.
func (r *Registry) detach(room *Room) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if current, ok := r.rooms[room.id]; ok && current == room {
		delete(r.rooms, room.id)
		r.dormant[room.id] = room
		r.logger.Info("room closed", zap.String("room_id", room.id.String()))
	}
}

// AddParticipant admits a socket into the room, sends it the room-state
// snapshot and announces it to the other sockets.
func (r *Registry) AddParticipant(ctx context.Context, roomID RoomID, req JoinRequest) (Snapshot, error) {
	if err := req.Identity.Validate(); err != nil {
		return Snapshot{}, err
	}
	if req.ConnID == "" || req.Sink == nil {
		return Snapshot{}, fmt.Errorf("%w: connection is required", ErrInvalidEvent)
	}
	for attempt := 0; attempt < maxJoinAttempts; attempt++ {
		room, err := r.GetOrCreateRoom(ctx, roomID)
		if err != nil {
			return Snapshot{}, err
		}
		snapshot, err := r.join(room, req)
		if errors.Is(err, errRoomClosed) {
			r.detach(room)
			continue
		}
		return snapshot, err
	}
	r.logError(opJoin, "room_closed_during_join", errRoomClosed, zap.String("room_id", roomID.String()))
	return Snapshot{}, fmt.Errorf("%w: %s", ErrRoomNotFound, roomID)
}

func (r *Registry) join(room *Room, req JoinRequest) (Snapshot, error) {
	now := r.clock().UTC()
	key := req.Identity.Key()

	room.mu.Lock()
	defer room.mu.Unlock()

	if room.closed {
		return Snapshot{}, errRoomClosed
	}
	if _, joined := room.members[req.ConnID]; joined {
		return Snapshot{}, ErrAlreadyJoined
	}
	if req.Identity.IsGuest() && !room.settings.AllowGuests {
		return Snapshot{}, fmt.Errorf("%w: guests are not allowed in room %s", ErrPermissionDenied, room.id)
	}
	previousConn, reconnecting := room.byIdentity[key]
	if !reconnecting && len(room.byIdentity) >= room.settings.MaxParticipants {
		return Snapshot{}, fmt.Errorf("%w: %d of %d participants", ErrRoomFull, len(room.byIdentity), room.settings.MaxParticipants)
	}

	participant, known := room.participants[key]
	switch {
	case !known:
		participant = &Participant{
			Identity:    req.Identity,
			Role:        room.initialRole(key),
			JoinedAt:    now,
			ActiveSince: now,
			Active:      true,
		}
		room.participants[key] = participant
		if participant.Role == RoleOwner {
			room.ownerKey = key
		}
	case !participant.Active:
		participant.Active = true
		participant.ActiveSince = now
		participant.LeftAt = nil
	}
	if name := truncateDisplayName(req.DisplayName); name != "" {
		participant.DisplayName = name
	}
	if email := strings.TrimSpace(req.Email); email != "" {
		participant.Email = email
	}

	color := ""
	if reconnecting {
		if previous := room.members[previousConn]; previous != nil {
			color = previous.color
		}
		delete(room.members, previousConn)
		room.channel.evict(previousConn)
	}
	if color == "" {
		color = room.assignColor()
	}
	m := &member{connID: req.ConnID, key: key, color: color}
	room.members[req.ConnID] = m
	room.byIdentity[key] = req.ConnID
	room.channel.subscribe(req.ConnID, req.Sink)
	room.lastActivity = now

	if active := len(room.byIdentity); active > room.metadata.PeakParticipants {
		room.metadata.PeakParticipants = active
		r.persister.Enqueue(room.id, "bump_peak", func(ctx context.Context) error {
			return r.store.BumpPeak(ctx, room.id, active)
		})
	}

	view := room.participantView(participant, m, now)
	if !reconnecting {
		r.broadcast(room, EventParticipantJoined, view, req.ConnID)
	}
	snapshot := room.snapshot(view, now)
	r.sendTo(room, req.ConnID, EventRoomState, snapshot)

	stored := *participant
	r.persister.Enqueue(room.id, "upsert_participant", func(ctx context.Context) error {
		return r.store.UpsertParticipant(ctx, room.id, stored)
	})
	if !reconnecting {
		r.recordActivity(room.id, Activity{IdentityKey: key, At: now, Sessions: 1})
	}
	return snapshot, nil
}

// RemoveParticipant detaches a socket. Unknown rooms and sockets are ignored.
// The room leaves the live set once its last socket is gone.
func (r *Registry) RemoveParticipant(ctx context.Context, roomID RoomID, connID ConnID) error {
	room, ok := r.Lookup(roomID)
	if !ok {
		return nil
	}
	now := r.clock().UTC()

	room.mu.Lock()
	m, ok := room.members[connID]
	if !ok {
		room.mu.Unlock()
		return nil
	}
	delete(room.members, connID)
	room.channel.unsubscribe(connID)
	if room.byIdentity[m.key] == connID {
		delete(room.byIdentity, m.key)
	}
	room.lastActivity = now
	if participant := room.participants[m.key]; participant != nil && participant.Active {
		elapsed := closeParticipant(participant, now)
		r.persistDeparture(room, m.key, now, elapsed)
	}
	r.broadcast(room, EventParticipantLeft, participantLeftPayload{ParticipantKey: m.key}, "")

	empty := len(room.members) == 0
	if empty {
		room.closed = true
		r.persister.Enqueue(room.id, "set_inactive", func(ctx context.Context) error {
			return r.store.SetActive(ctx, room.id, false, now)
		})
	}
	room.mu.Unlock()

	if empty {
		r.detach(room)
	}
	return nil
}

func (r *Registry) persistDeparture(room *Room, key string, now time.Time, elapsed time.Duration) {
	r.persister.Enqueue(room.id, "mark_participant_left", func(ctx context.Context) error {
		return r.store.MarkParticipantLeft(ctx, room.id, key, now, elapsed)
	})
	r.recordActivity(room.id, Activity{IdentityKey: key, At: now, Seconds: int64(elapsed / time.Second)})
}

// UpdateCode replaces the shared code. Viewers are rejected.
func (r *Registry) UpdateCode(ctx context.Context, roomID RoomID, connID ConnID, code string, language Language) error {
	return r.withMember(roomID, connID, func(room *Room, m *member, participant *Participant) error {
		if !participant.Role.CanEdit() {
			return fmt.Errorf("%w: %s may not edit code", ErrPermissionDenied, participant.Role)
		}
		now := r.clock().UTC()
		room.code = code
		if language != "" {
			room.language = language
		}
		edit := CodeEdit{Code: code, Language: room.language, AuthorKey: m.key, At: now}
		room.codeHistory.Push(edit)
		room.metadata.TotalCodeChanges++
		room.lastActivity = now

		r.broadcast(room, EventCodeUpdate, codeUpdatePayload{
			Code:      code,
			Language:  language,
			AuthorKey: m.key,
			Timestamp: now,
		}, m.connID)
		r.persister.Enqueue(room.id, "append_code_edit", func(ctx context.Context) error {
			return r.store.AppendCodeEdit(ctx, room.id, edit)
		})
		r.recordActivity(room.id, Activity{IdentityKey: m.key, At: now, CodeChanges: 1})
		return nil
	})
}

// UpdateLanguage switches the room language. Viewers are rejected.
func (r *Registry) UpdateLanguage(ctx context.Context, roomID RoomID, connID ConnID, language Language) error {
	return r.withMember(roomID, connID, func(room *Room, m *member, participant *Participant) error {
		if !participant.Role.CanEdit() {
			return fmt.Errorf("%w: %s may not change the language", ErrPermissionDenied, participant.Role)
		}
		now := r.clock().UTC()
		room.language = language
		room.lastActivity = now
		r.broadcast(room, EventLanguageUpdate, languageUpdatePayload{
			Language:  language,
			AuthorKey: m.key,
			Timestamp: now,
		}, m.connID)
		r.persister.Enqueue(room.id, "set_language", func(ctx context.Context) error {
			return r.store.SetLanguage(ctx, room.id, language, now)
		})
		return nil
	})
}

// UpdateCursor relays presence. Cursor state is not persisted.
func (r *Registry) UpdateCursor(roomID RoomID, connID ConnID, position CursorPosition, selection *Selection) error {
	return r.withMember(roomID, connID, func(room *Room, m *member, _ *Participant) error {
		m.cursor = &position
		m.selection = selection
		room.lastActivity = r.clock().UTC()
		r.broadcast(room, EventCursorUpdate, cursorUpdatePayload{
			AuthorKey: m.key,
			Color:     m.color,
			Position:  position,
			Selection: selection,
		}, m.connID)
		return nil
	})
}

// SetTyping relays the typing indicator.
func (r *Registry) SetTyping(roomID RoomID, connID ConnID, typing bool) error {
	return r.withMember(roomID, connID, func(room *Room, m *member, _ *Participant) error {
		m.typing = typing
		room.lastActivity = r.clock().UTC()
		r.broadcast(room, EventTypingUpdate, typingUpdatePayload{AuthorKey: m.key, IsTyping: typing}, m.connID)
		return nil
	})
}

// SendMessage appends a text message authored by the socket's participant.
func (r *Registry) SendMessage(ctx context.Context, roomID RoomID, connID ConnID, content string) (ChatMessage, error) {
	var message ChatMessage
	err := r.withMember(roomID, connID, func(room *Room, m *member, participant *Participant) error {
		trimmed := strings.TrimSpace(content)
		if trimmed == "" {
			return fmt.Errorf("%w: message content is empty", ErrInvalidEvent)
		}
		id, err := r.messageIDs.NewID()
		if err != nil {
			return err
		}
		message = ChatMessage{
			ID:          id,
			Type:        MessageText,
			Content:     trimmed,
			SenderKey:   m.key,
			SenderName:  participant.DisplayName,
			SenderColor: m.color,
			At:          r.clock().UTC(),
			Reactions:   []Reaction{},
		}
		r.appendMessage(room, message)
		r.recordActivity(room.id, Activity{IdentityKey: m.key, At: message.At, Messages: 1})
		return nil
	})
	return message, err
}

// RecordMessage appends a server-authored message such as a system notice.
func (r *Registry) RecordMessage(ctx context.Context, roomID RoomID, message ChatMessage) error {
	if message.ID == "" {
		id, err := r.messageIDs.NewID()
		if err != nil {
			return err
		}
		message.ID = id
	}
	if message.Type == "" {
		message.Type = MessageSystem
	}
	if message.At.IsZero() {
		message.At = r.clock().UTC()
	}
	if message.Reactions == nil {
		message.Reactions = []Reaction{}
	}
	room, ok := r.historyRoom(roomID)
	if !ok {
		r.persister.Enqueue(roomID, "append_message", func(ctx context.Context) error {
			return r.store.AppendMessage(ctx, roomID, message)
		})
		return nil
	}
	room.mu.Lock()
	defer room.mu.Unlock()
	r.appendMessage(room, message)
	return nil
}

func (r *Registry) appendMessage(room *Room, message ChatMessage) {
	room.chat.Push(message)
	room.metadata.TotalMessages++
	room.lastActivity = message.At
	r.broadcast(room, EventNewMessage, message, "")
	r.persister.Enqueue(room.id, "append_message", func(ctx context.Context) error {
		return r.store.AppendMessage(ctx, room.id, message)
	})
}

// React toggles the socket participant's reaction on a retained message.
func (r *Registry) React(ctx context.Context, roomID RoomID, connID ConnID, messageID, symbol string) error {
	return r.withMember(roomID, connID, func(room *Room, m *member, _ *Participant) error {
		now := r.clock().UTC()
		var reactions []Reaction
		found := room.chat.Update(
			func(message ChatMessage) bool { return message.ID == messageID },
			func(message *ChatMessage) {
				message.Reactions = ApplyReaction(message.Reactions, m.key, symbol, now)
				reactions = message.Reactions
			},
		)
		if !found {
			return fmt.Errorf("%w: %s", ErrMessageNotFound, messageID)
		}
		room.lastActivity = now
		r.broadcast(room, EventReactionUpdated, reactionUpdatedPayload{MessageID: messageID, Reactions: reactions}, "")
		r.persister.Enqueue(room.id, "update_reactions", func(ctx context.Context) error {
			return r.store.UpdateReactions(ctx, room.id, messageID, reactions)
		})
		return nil
	})
}

// UpdateRole lets the owner reassign another participant's role. Granting
// ownership transfers it, demoting the previous owner to editor.
func (r *Registry) UpdateRole(ctx context.Context, roomID RoomID, connID ConnID, targetKey string, role Role) error {
	return r.withMember(roomID, connID, func(room *Room, m *member, requester *Participant) error {
		if requester.Role != RoleOwner {
			return fmt.Errorf("%w: only the owner may change roles", ErrPermissionDenied)
		}
		if targetKey == m.key {
			return fmt.Errorf("%w: the owner may not change their own role", ErrPermissionDenied)
		}
		target, ok := room.participants[targetKey]
		if !ok {
			return fmt.Errorf("%w: %s", ErrParticipantNotFound, targetKey)
		}
		r.assignRole(room, target, role)
		if role == RoleOwner {
			room.ownerKey = targetKey
			r.assignRole(room, requester, RoleEditor)
		}
		return nil
	})
}

func (r *Registry) assignRole(room *Room, participant *Participant, role Role) {
	participant.Role = role
	key := participant.Identity.Key()
	r.broadcast(room, EventRoleUpdated, roleUpdatedPayload{TargetParticipantKey: key, NewRole: role}, "")
	r.persister.Enqueue(room.id, "update_role", func(ctx context.Context) error {
		return r.store.UpdateRole(ctx, room.id, key, role)
	})
}

// BeginExecution claims the room's single execution slot and announces it.
// It returns the author key to attribute the result to.
func (r *Registry) BeginExecution(roomID RoomID, connID ConnID, language Language) (string, error) {
	var author string
	err := r.withMember(roomID, connID, func(room *Room, m *member, _ *Participant) error {
		if room.executing {
			return ErrExecutionInProgress
		}
		now := r.clock().UTC()
		room.executing = true
		room.lastActivity = now
		author = m.key
		r.broadcast(room, EventExecutionStarted, executionStartedPayload{
			AuthorKey: m.key,
			Language:  language,
			Timestamp: now,
		}, "")
		return nil
	})
	return author, err
}

// RecordExecution stores a completed execution, releases the execution slot and
// posts the result to every socket plus the chat.
func (r *Registry) RecordExecution(ctx context.Context, roomID RoomID, record ExecutionRecord) error {
	messageID, err := r.messageIDs.NewID()
	if err != nil {
		r.logger.Warn("message id generation failed",
			zap.String("room_id", roomID.String()),
			zap.String("execution_id", record.ID),
			zap.Error(err))
		messageID = "msg-" + record.ID
	}
	executionCopy := record
	message := ChatMessage{
		ID:        messageID,
		Type:      MessageExecution,
		Content:   describeExecution(record),
		Execution: &executionCopy,
		SenderKey: record.AuthorKey,
		At:        record.At,
		Reactions: []Reaction{},
	}
	if record.AuthorKey != "" {
		r.recordActivity(roomID, Activity{IdentityKey: record.AuthorKey, At: record.At, Executions: 1})
	}

	room, ok := r.historyRoom(roomID)
	if !ok {
		r.logger.Warn("execution finished for room without live state", zap.String("room_id", roomID.String()))
		r.persister.Enqueue(roomID, "append_execution", func(ctx context.Context) error {
			return r.store.AppendExecution(ctx, roomID, record)
		})
		r.persister.Enqueue(roomID, "append_message", func(ctx context.Context) error {
			return r.store.AppendMessage(ctx, roomID, message)
		})
		return nil
	}

	room.mu.Lock()
	defer room.mu.Unlock()
	room.executing = false
	room.executions.Push(record)
	room.metadata.TotalExecutions++
	room.lastActivity = record.At
	if participant := room.participants[record.AuthorKey]; participant != nil {
		message.SenderName = participant.DisplayName
	}
	message.SenderColor = room.colorFor(record.AuthorKey)

	r.broadcast(room, EventExecutionResult, record, "")
	r.persister.Enqueue(room.id, "append_execution", func(ctx context.Context) error {
		return r.store.AppendExecution(ctx, room.id, record)
	})
	r.appendMessage(room, message)
	return nil
}

func describeExecution(record ExecutionRecord) string {
	return fmt.Sprintf("%s run finished with status %s (exit %d, %dms)",
		record.Language, record.Status, record.ExitCode, record.DurationMs)
}

// historyRoom returns the live or dormant room so late results still land in memory.
func (r *Registry) historyRoom(roomID RoomID) (*Room, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if room, ok := r.rooms[roomID]; ok {
		return room, true
	}
	room, ok := r.dormant[roomID]
	return room, ok
}

// CloseIdleRooms forgets rooms that have had no sockets and no activity since
// the threshold and re-asserts their sessions inactive. Rooms with connected
// sockets are never swept.
func (r *Registry) CloseIdleRooms(threshold time.Duration) []RoomID {
	now := r.clock().UTC()
	cutoff := now.Add(-threshold)
	var closed []RoomID

	r.mu.Lock()
	defer r.mu.Unlock()
	sweep := func(id RoomID, room *Room, from map[RoomID]*Room) {
		room.mu.Lock()
		idle := len(room.members) == 0 && room.lastActivity.Before(cutoff)
		if idle {
			room.closed = true
		}
		room.mu.Unlock()
		if !idle {
			return
		}
		delete(from, id)
		r.persister.Enqueue(id, "set_inactive", func(ctx context.Context) error {
			return r.store.SetActive(ctx, id, false, now)
		})
		closed = append(closed, id)
	}
	for id, room := range r.rooms {
		sweep(id, room, r.rooms)
	}
	for id, room := range r.dormant {
		sweep(id, room, r.dormant)
	}
	return closed
}

// LiveRoomIDs lists rooms that currently have in-memory state.
func (r *Registry) LiveRoomIDs() []RoomID {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]RoomID, 0, len(r.rooms))
	for id := range r.rooms {
		ids = append(ids, id)
	}
	return ids
}

// LiveState returns a snapshot of a live room without a self view.
func (r *Registry) LiveState(roomID RoomID) (Snapshot, bool) {
	room, ok := r.Lookup(roomID)
	if !ok {
		return Snapshot{}, false
	}
	room.mu.Lock()
	defer room.mu.Unlock()
	return room.snapshot(ParticipantView{}, r.clock().UTC()), true
}

// Stats reports registry occupancy.
func (r *Registry) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	stats := Stats{Rooms: len(r.rooms), Dormant: len(r.dormant)}
	for _, room := range r.rooms {
		room.mu.Lock()
		stats.Connections += len(room.members)
		room.mu.Unlock()
	}
	return stats
}

func (r *Registry) withMember(roomID RoomID, connID ConnID, fn func(room *Room, m *member, participant *Participant) error) error {
	room, ok := r.Lookup(roomID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrRoomNotFound, roomID)
	}
	room.mu.Lock()
	defer room.mu.Unlock()
	if room.closed {
		return fmt.Errorf("%w: %s", ErrRoomNotFound, roomID)
	}
	m, ok := room.members[connID]
	if !ok {
		return ErrNotJoined
	}
	participant := room.participants[m.key]
	if participant == nil {
		return ErrNotJoined
	}
	return fn(room, m, participant)
}

// broadcast publishes to every socket in the room except the excluded one.
// Callers hold room.mu.
func (r *Registry) broadcast(room *Room, eventType EventType, payload any, except ConnID) {
	frame, err := EncodeEvent(eventType, payload)
	if err != nil {
		r.logError(opBroadcast, "encode_failed", err, zap.String("room_id", room.id.String()))
		return
	}
	for _, dropped := range room.channel.publish(frame, except) {
		r.logger.Warn("slow consumer disconnected",
			zap.String("room_id", room.id.String()),
			zap.String("conn_id", string(dropped)),
			zap.String("event_type", string(eventType)))
	}
}

func (r *Registry) sendTo(room *Room, connID ConnID, eventType EventType, payload any) {
	frame, err := EncodeEvent(eventType, payload)
	if err != nil {
		r.logError(opBroadcast, "encode_failed", err, zap.String("room_id", room.id.String()))
		return
	}
	if !room.channel.send(connID, frame) {
		r.logger.Warn("slow consumer disconnected",
			zap.String("room_id", room.id.String()),
			zap.String("conn_id", string(connID)),
			zap.String("event_type", string(eventType)))
	}
}

func (r *Registry) recordActivity(roomID RoomID, activity Activity) {
	if r.activity == nil {
		return
	}
	r.persister.Enqueue(roomID, "record_activity", func(ctx context.Context) error {
		return r.activity.Record(ctx, activity)
	})
}

func (r *Registry) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	r.logger.Error("collab registry error", attrs...)
}

func truncateDisplayName(name string) string {
	trimmed := strings.TrimSpace(name)
	runes := []rune(trimmed)
	if len(runes) > maxDisplayName {
		return string(runes[:maxDisplayName])
	}
	return trimmed
}
