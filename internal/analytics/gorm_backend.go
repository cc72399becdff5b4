package analytics

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var errMissingDatabase = errors.New("analytics: database connection required")

// ActivityRecord is one row of participant_daily_activity.
type ActivityRecord struct {
	IdentityKey string `gorm:"column:identity_key;primaryKey;size:200;not null"`
	Day         string `gorm:"column:day;primaryKey;size:10;not null"`
	Seconds     int64  `gorm:"column:seconds;not null;default:0"`
	Sessions    int64  `gorm:"column:sessions;not null;default:0"`
	Executions  int64  `gorm:"column:executions;not null;default:0"`
	Messages    int64  `gorm:"column:messages;not null;default:0"`
	CodeChanges int64  `gorm:"column:code_changes;not null;default:0"`
}

// TableName provides the explicit table binding for GORM.
func (ActivityRecord) TableName() string {
	return "participant_daily_activity"
}

// GormBackend keeps activity in a relational table, adding to existing rows on conflict.
type GormBackend struct {
	db *gorm.DB
}

var _ Backend = (*GormBackend)(nil)

// NewGormBackend constructs a GormBackend. The table must already be migrated.
func NewGormBackend(database *gorm.DB) (*GormBackend, error) {
	if database == nil {
		return nil, errMissingDatabase
	}
	return &GormBackend{db: database}, nil
}

func (b *GormBackend) Add(ctx context.Context, activity DailyActivity) error {
	record := ActivityRecord{
		IdentityKey: activity.IdentityKey,
		Day:         formatDay(activity.Day),
		Seconds:     activity.Seconds,
		Sessions:    activity.Sessions,
		Executions:  activity.Executions,
		Messages:    activity.Messages,
		CodeChanges: activity.CodeChanges,
	}
	return b.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "identity_key"}, {Name: "day"}},
		DoUpdates: clause.Assignments(map[string]any{
			"seconds":      gorm.Expr("participant_daily_activity.seconds + ?", record.Seconds),
			"sessions":     gorm.Expr("participant_daily_activity.sessions + ?", record.Sessions),
			"executions":   gorm.Expr("participant_daily_activity.executions + ?", record.Executions),
			"messages":     gorm.Expr("participant_daily_activity.messages + ?", record.Messages),
			"code_changes": gorm.Expr("participant_daily_activity.code_changes + ?", record.CodeChanges),
		}),
	}).Create(&record).Error
}

func (b *GormBackend) Range(ctx context.Context, identityKey string, from, to time.Time) ([]DailyActivity, error) {
	var records []ActivityRecord
	err := b.db.WithContext(ctx).
		Where("identity_key = ? AND day >= ? AND day <= ?", identityKey, formatDay(from), formatDay(to)).
		Order("day ASC").
		Find(&records).Error
	if err != nil {
		return nil, err
	}
	activity := make([]DailyActivity, 0, len(records))
	for _, record := range records {
		day, err := parseDay(record.Day)
		if err != nil {
			return nil, err
		}
		activity = append(activity, DailyActivity{
			IdentityKey: record.IdentityKey,
			Day:         day,
			Seconds:     record.Seconds,
			Sessions:    record.Sessions,
			Executions:  record.Executions,
			Messages:    record.Messages,
			CodeChanges: record.CodeChanges,
		})
	}
	return activity, nil
}
