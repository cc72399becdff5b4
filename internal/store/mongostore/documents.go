package mongostore

import (
	"time"

	"github.com/MarcoPoloResearchLab/huddle/internal/collab"
)

type sessionDocument struct {
	RoomID         string                `bson:"roomId"`
	Title          string                `bson:"title"`
	Description    string                `bson:"description,omitempty"`
	Settings       settingsDocument      `bson:"settings"`
	Code           string                `bson:"code"`
	Language       string                `bson:"language"`
	CreatedBy      string                `bson:"createdBy,omitempty"`
	Participants   []participantDocument `bson:"participants"`
	CodeHistory    []codeEditDocument    `bson:"codeHistory"`
	Executions     []executionDocument   `bson:"executions"`
	Chat           []messageDocument     `bson:"chat"`
	IsActive       bool                  `bson:"isActive"`
	CreatedAt      time.Time             `bson:"createdAt"`
	LastActivityAt time.Time             `bson:"lastActivityAt"`
	ExpiresAt      *time.Time            `bson:"expiresAt,omitempty"`
	Metadata       metadataDocument      `bson:"metadata"`
}

type settingsDocument struct {
	IsPublic        bool `bson:"isPublic"`
	AllowGuests     bool `bson:"allowGuests"`
	MaxParticipants int  `bson:"maxParticipants"`
	AutoSave        bool `bson:"autoSave"`
}

type metadataDocument struct {
	TotalExecutions  int64 `bson:"totalExecutions"`
	TotalMessages    int64 `bson:"totalMessages"`
	TotalCodeChanges int64 `bson:"totalCodeChanges"`
	PeakParticipants int   `bson:"peakParticipants"`
}

type participantDocument struct {
	IdentityKey     string     `bson:"identityKey"`
	UserID          string     `bson:"userId,omitempty"`
	GuestID         string     `bson:"guestId,omitempty"`
	DisplayName     string     `bson:"displayName"`
	Email           string     `bson:"email,omitempty"`
	Role            string     `bson:"role"`
	JoinedAt        time.Time  `bson:"joinedAt"`
	ActiveSince     time.Time  `bson:"activeSince"`
	LeftAt          *time.Time `bson:"leftAt,omitempty"`
	IsActive        bool       `bson:"isActive"`
	TimeInSessionMs int64      `bson:"timeInSessionMs"`
}

type codeEditDocument struct {
	Code      string    `bson:"code"`
	Language  string    `bson:"language"`
	AuthorKey string    `bson:"authorId,omitempty"`
	At        time.Time `bson:"timestamp"`
}

type executionDocument struct {
	ID         string    `bson:"id"`
	Code       string    `bson:"code"`
	Language   string    `bson:"language"`
	Stdin      string    `bson:"stdin,omitempty"`
	Stdout     string    `bson:"stdout"`
	Stderr     string    `bson:"stderr"`
	ExitCode   int       `bson:"exitCode"`
	DurationMs int64     `bson:"durationMs"`
	Status     string    `bson:"status"`
	Error      string    `bson:"error,omitempty"`
	AuthorKey  string    `bson:"authorId,omitempty"`
	At         time.Time `bson:"timestamp"`
}

type reactionDocument struct {
	ParticipantKey string    `bson:"participantId"`
	Symbol         string    `bson:"symbol"`
	At             time.Time `bson:"timestamp"`
}

type messageDocument struct {
	ID          string             `bson:"id"`
	Type        string             `bson:"type"`
	Content     string             `bson:"content"`
	Execution   *executionDocument `bson:"execution,omitempty"`
	SenderKey   string             `bson:"authorId,omitempty"`
	SenderName  string             `bson:"authorName,omitempty"`
	SenderColor string             `bson:"authorColor,omitempty"`
	Reactions   []reactionDocument `bson:"reactions"`
	At          time.Time          `bson:"timestamp"`
}

func newSessionDocument(session *collab.Session) sessionDocument {
	settings := session.Settings.Normalized()
	document := sessionDocument{
		RoomID:      session.RoomID.String(),
		Title:       session.Title,
		Description: session.Description,
		Settings: settingsDocument{
			IsPublic:        settings.IsPublic,
			AllowGuests:     settings.AllowGuests,
			MaxParticipants: settings.MaxParticipants,
			AutoSave:        settings.AutoSave,
		},
		Code:           session.Code,
		Language:       string(session.Language),
		CreatedBy:      session.CreatedBy,
		Participants:   make([]participantDocument, 0, len(session.Participants)),
		CodeHistory:    make([]codeEditDocument, 0, len(session.CodeHistory)),
		Executions:     make([]executionDocument, 0, len(session.Executions)),
		Chat:           make([]messageDocument, 0, len(session.Chat)),
		IsActive:       session.IsActive,
		CreatedAt:      session.CreatedAt.UTC(),
		LastActivityAt: session.LastActivityAt.UTC(),
		Metadata: metadataDocument{
			TotalExecutions:  session.Metadata.TotalExecutions,
			TotalMessages:    session.Metadata.TotalMessages,
			TotalCodeChanges: session.Metadata.TotalCodeChanges,
			PeakParticipants: session.Metadata.PeakParticipants,
		},
	}
	for _, participant := range session.Participants {
		document.Participants = append(document.Participants, newParticipantDocument(participant))
	}
	for _, edit := range session.CodeHistory {
		document.CodeHistory = append(document.CodeHistory, newCodeEditDocument(edit))
	}
	for _, record := range session.Executions {
		document.Executions = append(document.Executions, newExecutionDocument(record))
	}
	for _, message := range session.Chat {
		document.Chat = append(document.Chat, newMessageDocument(message))
	}
	return document
}

func (d sessionDocument) toSession() *collab.Session {
	session := &collab.Session{
		RoomID:      collab.RoomID(d.RoomID),
		Title:       d.Title,
		Description: d.Description,
		Settings: collab.Settings{
			IsPublic:        d.Settings.IsPublic,
			AllowGuests:     d.Settings.AllowGuests,
			MaxParticipants: d.Settings.MaxParticipants,
			AutoSave:        d.Settings.AutoSave,
		},
		Code:           d.Code,
		Language:       collab.Language(d.Language),
		CreatedBy:      d.CreatedBy,
		IsActive:       d.IsActive,
		CreatedAt:      d.CreatedAt.UTC(),
		LastActivityAt: d.LastActivityAt.UTC(),
		Metadata: collab.Metadata{
			TotalExecutions:  d.Metadata.TotalExecutions,
			TotalMessages:    d.Metadata.TotalMessages,
			TotalCodeChanges: d.Metadata.TotalCodeChanges,
			PeakParticipants: d.Metadata.PeakParticipants,
		},
	}
	for _, participant := range d.Participants {
		session.Participants = append(session.Participants, participant.toParticipant())
	}
	for _, edit := range d.CodeHistory {
		session.CodeHistory = append(session.CodeHistory, collab.CodeEdit{
			Code:      edit.Code,
			Language:  collab.Language(edit.Language),
			AuthorKey: edit.AuthorKey,
			At:        edit.At.UTC(),
		})
	}
	for _, record := range d.Executions {
		session.Executions = append(session.Executions, record.toRecord())
	}
	for _, message := range d.Chat {
		session.Chat = append(session.Chat, message.toMessage())
	}
	return session
}

func newParticipantDocument(participant collab.Participant) participantDocument {
	document := participantDocument{
		IdentityKey:     participant.Identity.Key(),
		UserID:          participant.Identity.UserID,
		GuestID:         participant.Identity.GuestID,
		DisplayName:     participant.DisplayName,
		Email:           participant.Email,
		Role:            string(participant.Role),
		JoinedAt:        participant.JoinedAt.UTC(),
		ActiveSince:     participant.ActiveSince.UTC(),
		IsActive:        participant.Active,
		TimeInSessionMs: participant.TimeInSession.Milliseconds(),
	}
	if participant.LeftAt != nil {
		leftAt := participant.LeftAt.UTC()
		document.LeftAt = &leftAt
	}
	return document
}

func (d participantDocument) toParticipant() collab.Participant {
	participant := collab.Participant{
		Identity:      collab.Identity{UserID: d.UserID, GuestID: d.GuestID},
		DisplayName:   d.DisplayName,
		Email:         d.Email,
		Role:          collab.Role(d.Role),
		JoinedAt:      d.JoinedAt.UTC(),
		ActiveSince:   d.ActiveSince.UTC(),
		Active:        d.IsActive,
		TimeInSession: time.Duration(d.TimeInSessionMs) * time.Millisecond,
	}
	if d.LeftAt != nil {
		leftAt := d.LeftAt.UTC()
		participant.LeftAt = &leftAt
	}
	return participant
}

func newCodeEditDocument(edit collab.CodeEdit) codeEditDocument {
	return codeEditDocument{
		Code:      edit.Code,
		Language:  string(edit.Language),
		AuthorKey: edit.AuthorKey,
		At:        edit.At.UTC(),
	}
}

func newExecutionDocument(record collab.ExecutionRecord) executionDocument {
	return executionDocument{
		ID:         record.ID,
		Code:       record.Code,
		Language:   string(record.Language),
		Stdin:      record.Stdin,
		Stdout:     record.Stdout,
		Stderr:     record.Stderr,
		ExitCode:   record.ExitCode,
		DurationMs: record.DurationMs,
		Status:     string(record.Status),
		Error:      record.Error,
		AuthorKey:  record.AuthorKey,
		At:         record.At.UTC(),
	}
}

func (d executionDocument) toRecord() collab.ExecutionRecord {
	return collab.ExecutionRecord{
		ID:         d.ID,
		Code:       d.Code,
		Language:   collab.Language(d.Language),
		Stdin:      d.Stdin,
		Stdout:     d.Stdout,
		Stderr:     d.Stderr,
		ExitCode:   d.ExitCode,
		DurationMs: d.DurationMs,
		Status:     collab.ExecutionStatus(d.Status),
		Error:      d.Error,
		AuthorKey:  d.AuthorKey,
		At:         d.At.UTC(),
	}
}

func newReactionDocuments(reactions []collab.Reaction) []reactionDocument {
	documents := make([]reactionDocument, 0, len(reactions))
	for _, reaction := range reactions {
		documents = append(documents, reactionDocument{
			ParticipantKey: reaction.ParticipantKey,
			Symbol:         reaction.Symbol,
			At:             reaction.At.UTC(),
		})
	}
	return documents
}

func newMessageDocument(message collab.ChatMessage) messageDocument {
	document := messageDocument{
		ID:          message.ID,
		Type:        string(message.Type),
		Content:     message.Content,
		SenderKey:   message.SenderKey,
		SenderName:  message.SenderName,
		SenderColor: message.SenderColor,
		Reactions:   newReactionDocuments(message.Reactions),
		At:          message.At.UTC(),
	}
	if message.Execution != nil {
		execution := newExecutionDocument(*message.Execution)
		document.Execution = &execution
	}
	return document
}

func (d messageDocument) toMessage() collab.ChatMessage {
	message := collab.ChatMessage{
		ID:          d.ID,
		Type:        collab.MessageType(d.Type),
		Content:     d.Content,
		SenderKey:   d.SenderKey,
		SenderName:  d.SenderName,
		SenderColor: d.SenderColor,
		At:          d.At.UTC(),
		Reactions:   make([]collab.Reaction, 0, len(d.Reactions)),
	}
	for _, reaction := range d.Reactions {
		message.Reactions = append(message.Reactions, collab.Reaction{
			ParticipantKey: reaction.ParticipantKey,
			Symbol:         reaction.Symbol,
			At:             reaction.At.UTC(),
		})
	}
	if d.Execution != nil {
		execution := d.Execution.toRecord()
		message.Execution = &execution
	}
	return message
}
