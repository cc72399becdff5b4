package collab

import (
	"context"
	"time"
)

// Store is the durable backing for sessions. Implementations enforce the history
// caps and treat every write as a conditional update against the stored record.
type Store interface {
	// Create inserts a new session and fails with ErrRoomIDTaken on collision.
	Create(ctx context.Context, session *Session) error
	// Ensure inserts session only when no record exists for its room id.
	Ensure(ctx context.Context, session *Session) error
	// Load returns the stored session or ErrSessionNotFound.
	Load(ctx context.Context, roomID RoomID) (*Session, error)

	UpsertParticipant(ctx context.Context, roomID RoomID, participant Participant) error
	MarkParticipantLeft(ctx context.Context, roomID RoomID, participantKey string, leftAt time.Time, elapsed time.Duration) error
	UpdateRole(ctx context.Context, roomID RoomID, participantKey string, role Role) error

	AppendCodeEdit(ctx context.Context, roomID RoomID, edit CodeEdit) error
	SetLanguage(ctx context.Context, roomID RoomID, language Language, at time.Time) error
	AppendExecution(ctx context.Context, roomID RoomID, record ExecutionRecord) error
	AppendMessage(ctx context.Context, roomID RoomID, message ChatMessage) error
	UpdateReactions(ctx context.Context, roomID RoomID, messageID string, reactions []Reaction) error

	SetActive(ctx context.Context, roomID RoomID, active bool, at time.Time) error
	BumpPeak(ctx context.Context, roomID RoomID, peak int) error

	ListPublic(ctx context.Context, query string, limit int) ([]SessionSummary, error)
	ListByParticipant(ctx context.Context, participantKey string, limit int) ([]SessionSummary, error)

	// MarkIdle deactivates sessions whose last activity precedes before, skipping live rooms.
	MarkIdle(ctx context.Context, before time.Time, live []RoomID) (int64, error)
	// PurgeInactive deletes inactive sessions whose last activity precedes before.
	PurgeInactive(ctx context.Context, before time.Time) (int64, error)
}

// Persister runs store writes off the broadcast path. Jobs for one room run in
// enqueue order.
type Persister interface {
	Enqueue(roomID RoomID, operation string, job func(ctx context.Context) error)
}

// Activity is one increment of per-participant usage, bucketed by UTC day.
type Activity struct {
	IdentityKey string
	At          time.Time
	Seconds     int64
	Sessions    int64
	Executions  int64
	Messages    int64
	CodeChanges int64
}

// ActivityRecorder accumulates participant activity.
type ActivityRecorder interface {
	Record(ctx context.Context, activity Activity) error
}

// ExecutionRequest is the input handed to an Executor.
type ExecutionRequest struct {
	Code     string
	Language Language
	Stdin    string
}

// ExecutionResult is the raw outcome of running code.
type ExecutionResult struct {
	Stdout    string
	Stderr    string
	ExitCode  int
	Duration  time.Duration
	Truncated bool
}

// Executor runs code. Implementations return ErrExecutionTimeout or
// ErrExecutionOutputLimit alongside partial results when bounds are hit.
type Executor interface {
	Execute(ctx context.Context, request ExecutionRequest) (ExecutionResult, error)
}
