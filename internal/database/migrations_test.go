package database

import (
	"errors"
	"path/filepath"
	"testing"

	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/MarcoPoloResearchLab/huddle/internal/collab"
	"github.com/MarcoPoloResearchLab/huddle/internal/store/gormstore"
)

func TestApplyMigrationsRepairsLegacyRows(testContext *testing.T) {
	tempDir := testContext.TempDir()
	databasePath := filepath.Join(tempDir, "migration.db")

	database, err := gorm.Open(sqlite.Open(databasePath), &gorm.Config{})
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}
	models := append(gormstore.Models(), &migrationRecord{})
	if err := database.AutoMigrate(models...); err != nil {
		testContext.Fatalf("failed to migrate schema: %v", err)
	}

	legacy := gormstore.SessionRecord{RoomID: "ab12cd34", Title: "legacy", Language: "python", MaxParticipants: 500}
	if err := database.Create(&legacy).Error; err != nil {
		testContext.Fatalf("failed to insert session: %v", err)
	}
	edit := gormstore.CodeEditRecord{RoomID: "ab12cd34", Code: "print(1)", Language: "python"}
	if err := database.Create(&edit).Error; err != nil {
		testContext.Fatalf("failed to insert edit: %v", err)
	}
	empty := gormstore.SessionRecord{RoomID: "ZERO0001", Title: "empty", Language: "go", MaxParticipants: 0}
	if err := database.Create(&empty).Error; err != nil {
		testContext.Fatalf("failed to insert session: %v", err)
	}

	if err := applyMigrations(database, zap.NewNop()); err != nil {
		testContext.Fatalf("failed to apply migrations: %v", err)
	}

	var stored gormstore.SessionRecord
	if err := database.Where("room_id = ?", "AB12CD34").Take(&stored).Error; err != nil {
		testContext.Fatalf("expected upper-cased room id: %v", err)
	}
	if stored.MaxParticipants != collab.MaxParticipantsCeiling {
		testContext.Fatalf("expected ceiling clamp, got %d", stored.MaxParticipants)
	}
	var edits int64
	if err := database.Model(&gormstore.CodeEditRecord{}).Where("room_id = ?", "AB12CD34").Count(&edits).Error; err != nil {
		testContext.Fatalf("failed to count edits: %v", err)
	}
	if edits != 1 {
		testContext.Fatalf("expected history rows to follow the room id, got %d", edits)
	}
	var repaired gormstore.SessionRecord
	if err := database.Where("room_id = ?", "ZERO0001").Take(&repaired).Error; err != nil {
		testContext.Fatalf("failed to reload session: %v", err)
	}
	if repaired.MaxParticipants != collab.DefaultMaxParticipants {
		testContext.Fatalf("expected default capacity, got %d", repaired.MaxParticipants)
	}

	var records []migrationRecord
	if err := database.Find(&records).Error; err != nil {
		testContext.Fatalf("failed to list migration records: %v", err)
	}
	if len(records) != 2 {
		testContext.Fatalf("expected two migration records, got %d", len(records))
	}
	for _, record := range records {
		if record.AppliedAtSeconds == 0 {
			testContext.Fatalf("expected migration timestamp to be set for %s", record.Name)
		}
	}

	if err := applyMigrations(database, zap.NewNop()); err != nil {
		testContext.Fatalf("expected reapplying migrations to be a no-op: %v", err)
	}
}

func TestOpenCreatesSchema(testContext *testing.T) {
	databasePath := filepath.Join(testContext.TempDir(), "huddle.db")
	database, err := Open(Config{Driver: DriverSQLite, Path: databasePath}, nil)
	if err != nil {
		testContext.Fatalf("failed to open database: %v", err)
	}
	for _, table := range []string{"collab_sessions", "collab_messages", "participant_daily_activity", "db_migrations"} {
		if !database.Migrator().HasTable(table) {
			testContext.Fatalf("expected table %s to exist", table)
		}
	}
}

func TestOpenValidatesConfig(testContext *testing.T) {
	if _, err := Open(Config{Driver: "oracle"}, nil); !errors.Is(err, ErrUnsupportedDriver) {
		testContext.Fatalf("expected unsupported driver, got %v", err)
	}
	if _, err := Open(Config{Driver: DriverSQLite}, nil); !errors.Is(err, errMissingPath) {
		testContext.Fatalf("expected missing path, got %v", err)
	}
	if _, err := Open(Config{Driver: DriverPostgres}, nil); !errors.Is(err, errMissingDSN) {
		testContext.Fatalf("expected missing dsn, got %v", err)
	}
}
