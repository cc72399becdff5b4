package collab

import (
	"sync"
	"time"
)

const (
	snapshotChatLimit      = 50
	snapshotExecutionLimit = 10
)

var participantPalette = []string{
	"#E57373", "#64B5F6", "#81C784", "#FFD54F",
	"#BA68C8", "#4DB6AC", "#FF8A65", "#A1887F",
	"#90A4AE", "#F06292", "#7986CB", "#AED581",
}

// ConnID identifies one socket.
type ConnID string

type member struct {
	connID    ConnID
	key       string
	color     string
	cursor    *CursorPosition
	selection *Selection
	typing    bool
}

// Room is the live in-memory state of one session. All fields are guarded by mu,
// and every broadcast is published while mu is held so that sockets observe
// mutations in the order they were applied.
type Room struct {
	mu sync.Mutex

	id          RoomID
	title       string
	description string
	settings    Settings
	createdBy   string
	ownerKey    string
	createdAt   time.Time

	code     string
	language Language

	participants map[string]*Participant
	members      map[ConnID]*member
	byIdentity   map[string]ConnID
	channel      *channel

	chat        *Ring[ChatMessage]
	executions  *Ring[ExecutionRecord]
	codeHistory *Ring[CodeEdit]
	metadata    Metadata

	lastActivity time.Time
	executing    bool
	closed       bool
}

func newRoom(session *Session) *Room {
	room := &Room{
		id:           session.RoomID,
		title:        session.Title,
		description:  session.Description,
		settings:     session.Settings.Normalized(),
		createdBy:    session.CreatedBy,
		createdAt:    session.CreatedAt,
		code:         session.Code,
		language:     session.Language,
		participants: make(map[string]*Participant, len(session.Participants)),
		members:      make(map[ConnID]*member),
		byIdentity:   make(map[string]ConnID),
		channel:      newChannel(),
		chat:         NewRing[ChatMessage](ChatHistoryCap),
		executions:   NewRing[ExecutionRecord](ExecutionHistoryCap),
		codeHistory:  NewRing[CodeEdit](CodeHistoryCap),
		metadata:     session.Metadata,
		lastActivity: session.LastActivityAt,
	}
	if room.language == "" {
		room.language = DefaultLanguage
	}
	if room.ownerKey == "" {
		room.ownerKey = session.CreatedBy
	}
	for index := range session.Participants {
		participant := session.Participants[index]
		participant.Active = false
		room.participants[participant.Identity.Key()] = &participant
		if participant.Role == RoleOwner {
			room.ownerKey = participant.Identity.Key()
		}
	}
	for _, edit := range session.CodeHistory {
		room.codeHistory.Push(edit)
	}
	for _, record := range session.Executions {
		room.executions.Push(record)
	}
	for _, message := range session.Chat {
		room.chat.Push(message)
	}
	return room
}

// ID returns the room code.
func (r *Room) ID() RoomID {
	return r.id
}

func (r *Room) initialRole(key string) Role {
	if key == r.createdBy {
		return RoleOwner
	}
	if r.createdBy == "" && r.ownerKey == "" {
		return RoleOwner
	}
	return RoleEditor
}

func (r *Room) assignColor() string {
	used := make(map[string]struct{}, len(r.members))
	for _, m := range r.members {
		used[m.color] = struct{}{}
	}
	for _, color := range participantPalette {
		if _, taken := used[color]; !taken {
			return color
		}
	}
	return participantPalette[len(r.members)%len(participantPalette)]
}

func (r *Room) colorFor(key string) string {
	if connID, ok := r.byIdentity[key]; ok {
		if m := r.members[connID]; m != nil {
			return m.color
		}
	}
	return ""
}

func (r *Room) participantView(participant *Participant, m *member, now time.Time) ParticipantView {
	view := ParticipantView{
		Key:      participant.Identity.Key(),
		Name:     participant.DisplayName,
		Email:    participant.Email,
		Role:     participant.Role,
		IsActive: participant.Active,
		IsGuest:  participant.Identity.IsGuest(),
		JoinedAt: participant.JoinedAt,
	}
	accumulated := participant.TimeInSession
	if participant.Active && now.After(participant.ActiveSince) {
		accumulated += now.Sub(participant.ActiveSince)
	}
	view.TimeInSessionSeconds = int64(accumulated / time.Second)
	if m != nil {
		view.Color = m.color
		view.Cursor = m.cursor
		view.Selection = m.selection
		view.IsTyping = m.typing
	}
	return view
}

func (r *Room) snapshot(self ParticipantView, now time.Time) Snapshot {
	participants := make([]ParticipantView, 0, len(r.byIdentity))
	for key, connID := range r.byIdentity {
		participant := r.participants[key]
		if participant == nil {
			continue
		}
		participants = append(participants, r.participantView(participant, r.members[connID], now))
	}
	return Snapshot{
		RoomID:           r.id,
		Title:            r.title,
		Description:      r.description,
		Code:             r.code,
		Language:         r.language,
		Settings:         r.settings,
		OwnerKey:         r.ownerKey,
		Participants:     participants,
		RecentChat:       r.chat.Last(snapshotChatLimit),
		RecentExecutions: r.executions.Last(snapshotExecutionLimit),
		Self:             self,
		Executing:        r.executing,
		LastActivityAt:   r.lastActivity,
	}
}

// closeParticipant ends the participant's active window and returns the elapsed time.
func closeParticipant(participant *Participant, now time.Time) time.Duration {
	elapsed := now.Sub(participant.ActiveSince)
	if elapsed < 0 {
		elapsed = 0
	}
	participant.Active = false
	participant.TimeInSession += elapsed
	leftAt := now
	participant.LeftAt = &leftAt
	return elapsed
}
