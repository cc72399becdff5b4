// Package gormstore persists sessions in a relational database through GORM.
// Counters are incremented in SQL and history tables are trimmed to their caps
// inside the same transaction as the insert, so concurrent writers never
// overwrite each other's updates.
package gormstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/MarcoPoloResearchLab/huddle/internal/collab"
)

var errMissingDatabase = errors.New("gormstore: database connection required")

// Config wires the store.
type Config struct {
	Database *gorm.DB
	Logger   *zap.Logger
}

// Store implements collab.Store on GORM.
type Store struct {
	db     *gorm.DB
	logger *zap.Logger
}

var _ collab.Store = (*Store)(nil)

// New constructs a Store. The schema must already be migrated.
func New(cfg Config) (*Store, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{db: cfg.Database, logger: logger}, nil
}

func (s *Store) Create(ctx context.Context, session *collab.Session) error {
	record := sessionToRecord(session)
	result := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&record)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("%w: %s", collab.ErrRoomIDTaken, session.RoomID)
	}
	return nil
}

func (s *Store) Ensure(ctx context.Context, session *collab.Session) error {
	record := sessionToRecord(session)
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&record).Error
}

func (s *Store) Load(ctx context.Context, roomID collab.RoomID) (*collab.Session, error) {
	db := s.db.WithContext(ctx)
	var record SessionRecord
	err := db.Where("room_id = ?", roomID.String()).Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, collab.ErrSessionNotFound
	}
	if err != nil {
		return nil, err
	}
	session := recordToSession(record)

	var participants []ParticipantRecord
	if err := db.Where("room_id = ?", record.RoomID).Order("joined_at_ms ASC").Find(&participants).Error; err != nil {
		return nil, err
	}
	for _, participant := range participants {
		session.Participants = append(session.Participants, recordToParticipant(participant))
	}

	var edits []CodeEditRecord
	if err := db.Where("room_id = ?", record.RoomID).Order("seq ASC").Find(&edits).Error; err != nil {
		return nil, err
	}
	for _, edit := range edits {
		session.CodeHistory = append(session.CodeHistory, collab.CodeEdit{
			Code:      edit.Code,
			Language:  collab.Language(edit.Language),
			AuthorKey: edit.AuthorKey,
			At:        fromMillis(edit.AtMs),
		})
	}

	var executions []ExecutionRecord
	if err := db.Where("room_id = ?", record.RoomID).Order("seq ASC").Find(&executions).Error; err != nil {
		return nil, err
	}
	for _, execution := range executions {
		session.Executions = append(session.Executions, recordToExecution(execution))
	}

	var messages []MessageRecord
	if err := db.Where("room_id = ?", record.RoomID).Order("seq ASC").Find(&messages).Error; err != nil {
		return nil, err
	}
	for _, message := range messages {
		decoded, err := recordToMessage(message)
		if err != nil {
			s.logger.Warn("skipping undecodable chat message",
				zap.String("room_id", record.RoomID),
				zap.String("message_id", message.MessageID),
				zap.Error(err))
			continue
		}
		session.Chat = append(session.Chat, decoded)
	}
	return session, nil
}

func (s *Store) UpsertParticipant(ctx context.Context, roomID collab.RoomID, participant collab.Participant) error {
	record := participantToRecord(roomID, participant)
	record.IsActive = true
	record.LeftAtMs = nil
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := touchSession(tx, roomID, participant.ActiveSince, map[string]any{"is_active": true}); err != nil {
			return err
		}
		return tx.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "room_id"}, {Name: "identity_key"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"display_name", "email", "role", "active_since_ms", "left_at_ms", "is_active",
			}),
		}).Create(&record).Error
	})
}

func (s *Store) MarkParticipantLeft(ctx context.Context, roomID collab.RoomID, participantKey string, leftAt time.Time, elapsed time.Duration) error {
	leftAtMs := toMillis(leftAt)
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := touchSession(tx, roomID, leftAt, nil); err != nil {
			return err
		}
		return tx.Model(&ParticipantRecord{}).
			Where("room_id = ? AND identity_key = ?", roomID.String(), participantKey).
			Updates(map[string]any{
				"is_active":          false,
				"left_at_ms":         leftAtMs,
				"time_in_session_ms": gorm.Expr("time_in_session_ms + ?", elapsed.Milliseconds()),
			}).Error
	})
}

func (s *Store) UpdateRole(ctx context.Context, roomID collab.RoomID, participantKey string, role collab.Role) error {
	return s.db.WithContext(ctx).Model(&ParticipantRecord{}).
		Where("room_id = ? AND identity_key = ?", roomID.String(), participantKey).
		Update("role", string(role)).Error
}

func (s *Store) AppendCodeEdit(ctx context.Context, roomID collab.RoomID, edit collab.CodeEdit) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := touchSession(tx, roomID, edit.At, map[string]any{
			"code":               edit.Code,
			"language":           string(edit.Language),
			"total_code_changes": gorm.Expr("total_code_changes + ?", 1),
		}); err != nil {
			return err
		}
		record := CodeEditRecord{
			RoomID:    roomID.String(),
			Code:      edit.Code,
			Language:  string(edit.Language),
			AuthorKey: edit.AuthorKey,
			AtMs:      toMillis(edit.At),
		}
		if err := tx.Create(&record).Error; err != nil {
			return err
		}
		return trimHistory(tx, CodeEditRecord{}.TableName(), roomID, collab.CodeHistoryCap)
	})
}

func (s *Store) SetLanguage(ctx context.Context, roomID collab.RoomID, language collab.Language, at time.Time) error {
	return touchSession(s.db.WithContext(ctx), roomID, at, map[string]any{"language": string(language)})
}

func (s *Store) AppendExecution(ctx context.Context, roomID collab.RoomID, record collab.ExecutionRecord) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := touchSession(tx, roomID, record.At, map[string]any{
			"total_executions": gorm.Expr("total_executions + ?", 1),
		}); err != nil {
			return err
		}
		row := executionToRecord(roomID, record)
		if err := tx.Create(&row).Error; err != nil {
			return err
		}
		return trimHistory(tx, ExecutionRecord{}.TableName(), roomID, collab.ExecutionHistoryCap)
	})
}

func (s *Store) AppendMessage(ctx context.Context, roomID collab.RoomID, message collab.ChatMessage) error {
	row, err := messageToRecord(roomID, message)
	if err != nil {
		return err
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := touchSession(tx, roomID, message.At, map[string]any{
			"total_messages": gorm.Expr("total_messages + ?", 1),
		}); err != nil {
			return err
		}
		if err := tx.Create(&row).Error; err != nil {
			return err
		}
		return trimHistory(tx, MessageRecord{}.TableName(), roomID, collab.ChatHistoryCap)
	})
}

func (s *Store) UpdateReactions(ctx context.Context, roomID collab.RoomID, messageID string, reactions []collab.Reaction) error {
	encoded, err := encodeReactions(reactions)
	if err != nil {
		return err
	}
	return s.db.WithContext(ctx).Model(&MessageRecord{}).
		Where("room_id = ? AND message_id = ?", roomID.String(), messageID).
		Update("reactions_json", encoded).Error
}

func (s *Store) SetActive(ctx context.Context, roomID collab.RoomID, active bool, at time.Time) error {
	return touchSession(s.db.WithContext(ctx), roomID, at, map[string]any{"is_active": active})
}

func (s *Store) BumpPeak(ctx context.Context, roomID collab.RoomID, peak int) error {
	return s.db.WithContext(ctx).Model(&SessionRecord{}).
		Where("room_id = ? AND peak_participants < ?", roomID.String(), peak).
		Update("peak_participants", peak).Error
}

func (s *Store) ListPublic(ctx context.Context, query string, limit int) ([]collab.SessionSummary, error) {
	db := s.db.WithContext(ctx).Where("is_public = ?", true)
	if needle := strings.ToLower(strings.TrimSpace(query)); needle != "" {
		pattern := "%" + escapeLike(needle) + "%"
		db = db.Where("(LOWER(title) LIKE ? ESCAPE '\\' OR LOWER(description) LIKE ? ESCAPE '\\')", pattern, pattern)
	}
	return s.summaries(ctx, db, limit)
}

func (s *Store) ListByParticipant(ctx context.Context, participantKey string, limit int) ([]collab.SessionSummary, error) {
	rooms := s.db.WithContext(ctx).Model(&ParticipantRecord{}).
		Select("room_id").
		Where("identity_key = ?", participantKey)
	db := s.db.WithContext(ctx).Where("room_id IN (?)", rooms)
	return s.summaries(ctx, db, limit)
}

type participantCounts struct {
	RoomID string
	Total  int
	Active int
}

func (s *Store) summaries(ctx context.Context, scoped *gorm.DB, limit int) ([]collab.SessionSummary, error) {
	var records []SessionRecord
	if limit > 0 {
		scoped = scoped.Limit(limit)
	}
	if err := scoped.Order("last_activity_ms DESC").Find(&records).Error; err != nil {
		return nil, err
	}
	summaries := make([]collab.SessionSummary, 0, len(records))
	if len(records) == 0 {
		return summaries, nil
	}
	roomIDs := make([]string, 0, len(records))
	for _, record := range records {
		roomIDs = append(roomIDs, record.RoomID)
	}
	var counts []participantCounts
	if err := s.db.WithContext(ctx).Model(&ParticipantRecord{}).
		Select("room_id, COUNT(*) AS total, SUM(CASE WHEN is_active THEN 1 ELSE 0 END) AS active").
		Where("room_id IN ?", roomIDs).
		Group("room_id").
		Scan(&counts).Error; err != nil {
		return nil, err
	}
	byRoom := make(map[string]participantCounts, len(counts))
	for _, count := range counts {
		byRoom[count.RoomID] = count
	}
	for _, record := range records {
		summary := recordToSession(record).Summary()
		summary.ParticipantCount = byRoom[record.RoomID].Total
		summary.ActiveParticipants = byRoom[record.RoomID].Active
		summaries = append(summaries, summary)
	}
	return summaries, nil
}

func (s *Store) MarkIdle(ctx context.Context, before time.Time, live []collab.RoomID) (int64, error) {
	db := s.db.WithContext(ctx).Model(&SessionRecord{}).
		Where("is_active = ? AND last_activity_ms < ?", true, toMillis(before))
	if len(live) > 0 {
		ids := make([]string, 0, len(live))
		for _, id := range live {
			ids = append(ids, id.String())
		}
		db = db.Where("room_id NOT IN ?", ids)
	}
	result := db.Update("is_active", false)
	return result.RowsAffected, result.Error
}

func (s *Store) PurgeInactive(ctx context.Context, before time.Time) (int64, error) {
	var purged int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var roomIDs []string
		if err := tx.Model(&SessionRecord{}).
			Where("is_active = ? AND last_activity_ms < ?", false, toMillis(before)).
			Pluck("room_id", &roomIDs).Error; err != nil {
			return err
		}
		if len(roomIDs) == 0 {
			return nil
		}
		for _, model := range []any{&ParticipantRecord{}, &CodeEditRecord{}, &ExecutionRecord{}, &MessageRecord{}} {
			if err := tx.Where("room_id IN ?", roomIDs).Delete(model).Error; err != nil {
				return err
			}
		}
		result := tx.Where("room_id IN ?", roomIDs).Delete(&SessionRecord{})
		purged = result.RowsAffected
		return result.Error
	})
	if err != nil {
		return 0, err
	}
	return purged, nil
}

// touchSession applies updates plus the activity timestamp and fails with
// collab.ErrSessionNotFound when the row does not exist.
func touchSession(tx *gorm.DB, roomID collab.RoomID, at time.Time, updates map[string]any) error {
	columns := map[string]any{"last_activity_ms": toMillis(at)}
	for column, value := range updates {
		columns[column] = value
	}
	result := tx.Model(&SessionRecord{}).Where("room_id = ?", roomID.String()).Updates(columns)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return collab.ErrSessionNotFound
	}
	return nil
}

func trimHistory(tx *gorm.DB, table string, roomID collab.RoomID, limit int) error {
	statement := fmt.Sprintf(
		"DELETE FROM %[1]s WHERE room_id = ? AND seq NOT IN (SELECT seq FROM %[1]s WHERE room_id = ? ORDER BY seq DESC LIMIT ?)",
		table)
	return tx.Exec(statement, roomID.String(), roomID.String(), limit).Error
}

func escapeLike(value string) string {
	replacer := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return replacer.Replace(value)
}

func toMillis(at time.Time) int64 {
	if at.IsZero() {
		return 0
	}
	return at.UTC().UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func sessionToRecord(session *collab.Session) SessionRecord {
	settings := session.Settings.Normalized()
	return SessionRecord{
		RoomID:           session.RoomID.String(),
		Title:            session.Title,
		Description:      session.Description,
		IsPublic:         settings.IsPublic,
		AllowGuests:      settings.AllowGuests,
		MaxParticipants:  settings.MaxParticipants,
		AutoSave:         settings.AutoSave,
		Code:             session.Code,
		Language:         string(session.Language),
		CreatedBy:        session.CreatedBy,
		IsActive:         session.IsActive,
		CreatedAtMs:      toMillis(session.CreatedAt),
		LastActivityMs:   toMillis(session.LastActivityAt),
		TotalExecutions:  session.Metadata.TotalExecutions,
		TotalMessages:    session.Metadata.TotalMessages,
		TotalCodeChanges: session.Metadata.TotalCodeChanges,
		PeakParticipants: session.Metadata.PeakParticipants,
	}
}

func recordToSession(record SessionRecord) *collab.Session {
	return &collab.Session{
		RoomID:      collab.RoomID(record.RoomID),
		Title:       record.Title,
		Description: record.Description,
		Settings: collab.Settings{
			IsPublic:        record.IsPublic,
			AllowGuests:     record.AllowGuests,
			MaxParticipants: record.MaxParticipants,
			AutoSave:        record.AutoSave,
		},
		Code:           record.Code,
		Language:       collab.Language(record.Language),
		CreatedBy:      record.CreatedBy,
		IsActive:       record.IsActive,
		CreatedAt:      fromMillis(record.CreatedAtMs),
		LastActivityAt: fromMillis(record.LastActivityMs),
		Metadata: collab.Metadata{
			TotalExecutions:  record.TotalExecutions,
			TotalMessages:    record.TotalMessages,
			TotalCodeChanges: record.TotalCodeChanges,
			PeakParticipants: record.PeakParticipants,
		},
	}
}

func participantToRecord(roomID collab.RoomID, participant collab.Participant) ParticipantRecord {
	record := ParticipantRecord{
		RoomID:          roomID.String(),
		IdentityKey:     participant.Identity.Key(),
		UserID:          participant.Identity.UserID,
		GuestID:         participant.Identity.GuestID,
		DisplayName:     participant.DisplayName,
		Email:           participant.Email,
		Role:            string(participant.Role),
		JoinedAtMs:      toMillis(participant.JoinedAt),
		ActiveSinceMs:   toMillis(participant.ActiveSince),
		IsActive:        participant.Active,
		TimeInSessionMs: participant.TimeInSession.Milliseconds(),
	}
	if participant.LeftAt != nil {
		leftAt := toMillis(*participant.LeftAt)
		record.LeftAtMs = &leftAt
	}
	return record
}

func recordToParticipant(record ParticipantRecord) collab.Participant {
	participant := collab.Participant{
		Identity:      collab.Identity{UserID: record.UserID, GuestID: record.GuestID},
		DisplayName:   record.DisplayName,
		Email:         record.Email,
		Role:          collab.Role(record.Role),
		JoinedAt:      fromMillis(record.JoinedAtMs),
		ActiveSince:   fromMillis(record.ActiveSinceMs),
		Active:        record.IsActive,
		TimeInSession: time.Duration(record.TimeInSessionMs) * time.Millisecond,
	}
	if record.LeftAtMs != nil {
		leftAt := fromMillis(*record.LeftAtMs)
		participant.LeftAt = &leftAt
	}
	return participant
}

func executionToRecord(roomID collab.RoomID, record collab.ExecutionRecord) ExecutionRecord {
	return ExecutionRecord{
		RoomID:      roomID.String(),
		ExecutionID: record.ID,
		Code:        record.Code,
		Language:    string(record.Language),
		Stdin:       record.Stdin,
		Stdout:      record.Stdout,
		Stderr:      record.Stderr,
		ExitCode:    record.ExitCode,
		DurationMs:  record.DurationMs,
		Status:      string(record.Status),
		Error:       record.Error,
		AuthorKey:   record.AuthorKey,
		AtMs:        toMillis(record.At),
	}
}

func recordToExecution(row ExecutionRecord) collab.ExecutionRecord {
	return collab.ExecutionRecord{
		ID:         row.ExecutionID,
		Code:       row.Code,
		Language:   collab.Language(row.Language),
		Stdin:      row.Stdin,
		Stdout:     row.Stdout,
		Stderr:     row.Stderr,
		ExitCode:   row.ExitCode,
		DurationMs: row.DurationMs,
		Status:     collab.ExecutionStatus(row.Status),
		Error:      row.Error,
		AuthorKey:  row.AuthorKey,
		At:         fromMillis(row.AtMs),
	}
}

func messageToRecord(roomID collab.RoomID, message collab.ChatMessage) (MessageRecord, error) {
	reactions, err := encodeReactions(message.Reactions)
	if err != nil {
		return MessageRecord{}, err
	}
	record := MessageRecord{
		RoomID:        roomID.String(),
		MessageID:     message.ID,
		Type:          string(message.Type),
		Content:       message.Content,
		SenderKey:     message.SenderKey,
		SenderName:    message.SenderName,
		SenderColor:   message.SenderColor,
		ReactionsJSON: reactions,
		AtMs:          toMillis(message.At),
	}
	if message.Execution != nil {
		encoded, err := json.Marshal(message.Execution)
		if err != nil {
			return MessageRecord{}, fmt.Errorf("gormstore: encode execution attachment: %w", err)
		}
		record.ExecutionJSON = string(encoded)
	}
	return record, nil
}

func recordToMessage(record MessageRecord) (collab.ChatMessage, error) {
	message := collab.ChatMessage{
		ID:          record.MessageID,
		Type:        collab.MessageType(record.Type),
		Content:     record.Content,
		SenderKey:   record.SenderKey,
		SenderName:  record.SenderName,
		SenderColor: record.SenderColor,
		At:          fromMillis(record.AtMs),
		Reactions:   []collab.Reaction{},
	}
	if record.ReactionsJSON != "" {
		if err := json.Unmarshal([]byte(record.ReactionsJSON), &message.Reactions); err != nil {
			return collab.ChatMessage{}, fmt.Errorf("gormstore: decode reactions: %w", err)
		}
	}
	if record.ExecutionJSON != "" {
		var execution collab.ExecutionRecord
		if err := json.Unmarshal([]byte(record.ExecutionJSON), &execution); err != nil {
			return collab.ChatMessage{}, fmt.Errorf("gormstore: decode execution attachment: %w", err)
		}
		message.Execution = &execution
	}
	return message, nil
}

func encodeReactions(reactions []collab.Reaction) (string, error) {
	if reactions == nil {
		reactions = []collab.Reaction{}
	}
	encoded, err := json.Marshal(reactions)
	if err != nil {
		return "", fmt.Errorf("gormstore: encode reactions: %w", err)
	}
	return string(encoded), nil
}
