package server

import (
	"time"

	"github.com/MarcoPoloResearchLab/huddle/internal/collab"
)

type participantView struct {
	ParticipantID        string      `json:"participantId"`
	DisplayName          string      `json:"displayName"`
	Role                 collab.Role `json:"role"`
	IsGuest              bool        `json:"isGuest"`
	IsActive             bool        `json:"isActive"`
	JoinedAt             time.Time   `json:"joinedAt"`
	LeftAt               *time.Time  `json:"leftAt,omitempty"`
	TimeInSessionSeconds int64       `json:"timeInSessionSeconds"`
}

type sessionView struct {
	RoomID             collab.RoomID            `json:"roomId"`
	Title              string                   `json:"title"`
	Description        string                   `json:"description,omitempty"`
	Code               string                   `json:"code"`
	Language           collab.Language          `json:"language"`
	Settings           collab.Settings          `json:"settings"`
	CreatedBy          string                   `json:"createdBy"`
	IsActive           bool                     `json:"isActive"`
	CreatedAt          time.Time                `json:"createdAt"`
	LastActivityAt     time.Time                `json:"lastActivityAt"`
	Metadata           collab.Metadata          `json:"metadata"`
	Participants       []participantView        `json:"participants"`
	LiveParticipants   int                      `json:"liveParticipants"`
	RecentChat         []collab.ChatMessage     `json:"recentChat"`
	RecentExecutions   []collab.ExecutionRecord `json:"recentExecutions"`
	CodeHistoryEntries int                      `json:"codeHistoryEntries"`
}

const (
	viewChatEntries      = 50
	viewExecutionEntries = 10
)

func newSessionView(session *collab.Session, live int) sessionView {
	participants := make([]participantView, 0, len(session.Participants))
	for _, participant := range session.Participants {
		participants = append(participants, participantView{
			ParticipantID:        participant.Identity.Key(),
			DisplayName:          participant.DisplayName,
			Role:                 participant.Role,
			IsGuest:              participant.Identity.IsGuest(),
			IsActive:             participant.Active,
			JoinedAt:             participant.JoinedAt,
			LeftAt:               participant.LeftAt,
			TimeInSessionSeconds: int64(participant.TimeInSession / time.Second),
		})
	}
	return sessionView{
		RoomID:             session.RoomID,
		Title:              session.Title,
		Description:        session.Description,
		Code:               session.Code,
		Language:           session.Language,
		Settings:           session.Settings,
		CreatedBy:          session.CreatedBy,
		IsActive:           session.IsActive,
		CreatedAt:          session.CreatedAt,
		LastActivityAt:     session.LastActivityAt,
		Metadata:           session.Metadata,
		Participants:       participants,
		LiveParticipants:   live,
		RecentChat:         tail(session.Chat, viewChatEntries),
		RecentExecutions:   tail(session.Executions, viewExecutionEntries),
		CodeHistoryEntries: len(session.CodeHistory),
	}
}

func tail[T any](values []T, limit int) []T {
	if len(values) <= limit {
		if values == nil {
			return []T{}
		}
		return values
	}
	return values[len(values)-limit:]
}
