package database

import (
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/MarcoPoloResearchLab/huddle/internal/collab"
	"github.com/MarcoPoloResearchLab/huddle/internal/store/gormstore"
)

const (
	migrationNormalizeRoomIDs        = "2026-09-22_normalize_room_ids"
	migrationClampParticipantCeiling = "2026-10-06_clamp_participant_ceiling"
)

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB) error
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	migrations := []migrationDefinition{
		{name: migrationNormalizeRoomIDs, apply: normalizeRoomIDs},
		{name: migrationClampParticipantCeiling, apply: clampParticipantCeiling},
	}

	for _, migration := range migrations {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if err := db.Transaction(migration.apply); err != nil {
			return fmt.Errorf("database: migration %s: %w", migration.name, err)
		}
		appliedAt := time.Now().UTC().Unix()
		if err := db.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error; err != nil {
			return err
		}
		logger.Info("database migration applied", zap.String("migration", migration.name))
	}
	return nil
}

// normalizeRoomIDs upper-cases room ids written by clients that predate
// case-insensitive joins.
func normalizeRoomIDs(tx *gorm.DB) error {
	tables := []string{
		gormstore.SessionRecord{}.TableName(),
		gormstore.ParticipantRecord{}.TableName(),
		gormstore.CodeEditRecord{}.TableName(),
		gormstore.ExecutionRecord{}.TableName(),
		gormstore.MessageRecord{}.TableName(),
	}
	for _, table := range tables {
		statement := fmt.Sprintf("UPDATE %s SET room_id = UPPER(room_id) WHERE room_id <> UPPER(room_id)", table)
		if err := tx.Exec(statement).Error; err != nil {
			return err
		}
	}
	return nil
}

func clampParticipantCeiling(tx *gorm.DB) error {
	if err := tx.Model(&gormstore.SessionRecord{}).
		Where("max_participants > ?", collab.MaxParticipantsCeiling).
		Update("max_participants", collab.MaxParticipantsCeiling).Error; err != nil {
		return err
	}
	return tx.Model(&gormstore.SessionRecord{}).
		Where("max_participants < ?", 1).
		Update("max_participants", collab.DefaultMaxParticipants).Error
}
