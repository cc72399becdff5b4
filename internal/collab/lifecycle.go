package collab

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	defaultIdleThreshold    = 2 * time.Hour
	defaultInactivityWindow = 24 * time.Hour
	defaultRetention        = 7 * 24 * time.Hour
	defaultCleanupInterval  = 30 * time.Minute
	defaultPurgeInterval    = 24 * time.Hour

	maxRoomIDAttempts = 10
	maxTitleLength    = 120
	maxDescription    = 1000
	defaultListLimit  = 20
	maxListLimit      = 100

	opCreateSession = "collab.lifecycle.create_session"
	opCleanup       = "collab.lifecycle.cleanup"
	opPurge         = "collab.lifecycle.purge"
)

var errRoomIDsExhausted = errors.New("collab: could not allocate a unique room id")

// LifecycleConfig wires the lifecycle manager.
type LifecycleConfig struct {
	Store    Store
	Registry *Registry
	RoomIDs  func() (RoomID, error)
	Clock    func() time.Time
	Logger   *zap.Logger

	IdleThreshold    time.Duration
	InactivityWindow time.Duration
	Retention        time.Duration
	CleanupInterval  time.Duration
	PurgeInterval    time.Duration
}

// CreateSessionRequest carries the creator's choices for a new session.
type CreateSessionRequest struct {
	Creator     Identity
	Title       string
	Description string
	Language    Language
	Settings    *Settings
}

// CleanupReport summarizes one cleanup pass.
type CleanupReport struct {
	RoomsClosed  []RoomID `json:"roomsClosed"`
	SessionsIdle int64    `json:"sessionsMarkedIdle"`
}

// Lifecycle creates sessions and periodically retires idle rooms and expired sessions.
type Lifecycle struct {
	store    Store
	registry *Registry
	roomIDs  func() (RoomID, error)
	clock    func() time.Time
	logger   *zap.Logger

	idleThreshold    time.Duration
	inactivityWindow time.Duration
	retention        time.Duration
	cleanupInterval  time.Duration
	purgeInterval    time.Duration
}

// NewLifecycle validates cfg and applies default windows.
func NewLifecycle(cfg LifecycleConfig) (*Lifecycle, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("collab.lifecycle.new: %w", errMissingStore)
	}
	if cfg.Registry == nil {
		return nil, fmt.Errorf("collab.lifecycle.new: %w", errMissingRegistry)
	}
	roomIDs := cfg.RoomIDs
	if roomIDs == nil {
		roomIDs = func() (RoomID, error) { return GenerateRoomID(nil) }
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Lifecycle{
		store:            cfg.Store,
		registry:         cfg.Registry,
		roomIDs:          roomIDs,
		clock:            clock,
		logger:           logger,
		idleThreshold:    durationOrDefault(cfg.IdleThreshold, defaultIdleThreshold),
		inactivityWindow: durationOrDefault(cfg.InactivityWindow, defaultInactivityWindow),
		retention:        durationOrDefault(cfg.Retention, defaultRetention),
		cleanupInterval:  durationOrDefault(cfg.CleanupInterval, defaultCleanupInterval),
		purgeInterval:    durationOrDefault(cfg.PurgeInterval, defaultPurgeInterval),
	}, nil
}

func durationOrDefault(value, fallback time.Duration) time.Duration {
	if value <= 0 {
		return fallback
	}
	return value
}

// CreateSession allocates a fresh room code and persists the session. The
// creator becomes owner when they first join.
func (l *Lifecycle) CreateSession(ctx context.Context, req CreateSessionRequest) (*Session, error) {
	if err := req.Creator.Validate(); err != nil {
		return nil, err
	}
	now := l.clock().UTC()
	settings := DefaultSettings()
	if req.Settings != nil {
		settings = req.Settings.Normalized()
	}
	language := req.Language
	if language == "" {
		language = DefaultLanguage
	}
	title := strings.TrimSpace(req.Title)
	if title == "" {
		title = defaultTitle
	}
	if len(title) > maxTitleLength {
		return nil, fmt.Errorf("%w: title exceeds %d characters", ErrInvalidEvent, maxTitleLength)
	}
	description := strings.TrimSpace(req.Description)
	if len(description) > maxDescription {
		return nil, fmt.Errorf("%w: description exceeds %d characters", ErrInvalidEvent, maxDescription)
	}

	for attempt := 0; attempt < maxRoomIDAttempts; attempt++ {
		roomID, err := l.roomIDs()
		if err != nil {
			return nil, err
		}
		session := NewSession(roomID, now)
		session.Title = title
		session.Description = description
		session.Settings = settings
		session.Language = language
		session.CreatedBy = req.Creator.Key()

		err = l.store.Create(ctx, session)
		switch {
		case err == nil:
			l.logger.Info("session created",
				zap.String("room_id", roomID.String()),
				zap.String("created_by", session.CreatedBy))
			return session, nil
		case errors.Is(err, ErrRoomIDTaken):
			continue
		default:
			l.logError(opCreateSession, "store_create_failed", err, zap.String("room_id", roomID.String()))
			return nil, fmt.Errorf("%w: %w", ErrStorageUnavailable, err)
		}
	}
	return nil, errRoomIDsExhausted
}

// GetSession returns the durable session, overlaying live state when the room is open.
func (l *Lifecycle) GetSession(ctx context.Context, roomID RoomID) (*Session, error) {
	session, err := l.store.Load(ctx, roomID)
	if errors.Is(err, ErrSessionNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrRoomNotFound, roomID)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStorageUnavailable, err)
	}
	if live, ok := l.registry.LiveState(roomID); ok {
		session.Code = live.Code
		session.Language = live.Language
		session.IsActive = true
	}
	return session, nil
}

// ListPublic searches public sessions by title and description.
func (l *Lifecycle) ListPublic(ctx context.Context, query string, limit int) ([]SessionSummary, error) {
	summaries, err := l.store.ListPublic(ctx, strings.TrimSpace(query), clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStorageUnavailable, err)
	}
	return summaries, nil
}

// ListForParticipant lists sessions the identity has joined.
func (l *Lifecycle) ListForParticipant(ctx context.Context, identity Identity, limit int) ([]SessionSummary, error) {
	if err := identity.Validate(); err != nil {
		return nil, err
	}
	summaries, err := l.store.ListByParticipant(ctx, identity.Key(), clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStorageUnavailable, err)
	}
	return summaries, nil
}

func clampLimit(limit int) int {
	switch {
	case limit <= 0:
		return defaultListLimit
	case limit > maxListLimit:
		return maxListLimit
	default:
		return limit
	}
}

// CleanupInactiveRooms closes idle rooms and marks long-idle sessions inactive.
func (l *Lifecycle) CleanupInactiveRooms(ctx context.Context) (CleanupReport, error) {
	report := CleanupReport{RoomsClosed: l.registry.CloseIdleRooms(l.idleThreshold)}
	if report.RoomsClosed == nil {
		report.RoomsClosed = []RoomID{}
	}
	before := l.clock().UTC().Add(-l.inactivityWindow)
	marked, err := l.store.MarkIdle(ctx, before, l.registry.LiveRoomIDs())
	if err != nil {
		l.logError(opCleanup, "mark_idle_failed", err)
		return report, fmt.Errorf("%w: %w", ErrStorageUnavailable, err)
	}
	report.SessionsIdle = marked
	if len(report.RoomsClosed) > 0 || marked > 0 {
		l.logger.Info("inactive rooms cleaned up",
			zap.Int("rooms_closed", len(report.RoomsClosed)),
			zap.Int64("sessions_marked_idle", marked))
	}
	return report, nil
}

// PurgeExpiredSessions deletes inactive sessions past the retention window.
func (l *Lifecycle) PurgeExpiredSessions(ctx context.Context) (int64, error) {
	before := l.clock().UTC().Add(-l.retention)
	purged, err := l.store.PurgeInactive(ctx, before)
	if err != nil {
		l.logError(opPurge, "purge_failed", err)
		return 0, fmt.Errorf("%w: %w", ErrStorageUnavailable, err)
	}
	if purged > 0 {
		l.logger.Info("expired sessions purged", zap.Int64("sessions_purged", purged))
	}
	return purged, nil
}

// Run drives the periodic cleanup and purge passes until ctx is cancelled.
func (l *Lifecycle) Run(ctx context.Context) {
	cleanup := time.NewTicker(l.cleanupInterval)
	defer cleanup.Stop()
	purge := time.NewTicker(l.purgeInterval)
	defer purge.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-cleanup.C:
			_, _ = l.CleanupInactiveRooms(ctx)
		case <-purge.C:
			_, _ = l.PurgeExpiredSessions(ctx)
		}
	}
}

func (l *Lifecycle) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	l.logger.Error("collab lifecycle error", attrs...)
}
