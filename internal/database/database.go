// Package database opens the relational store and keeps its schema current.
package database

import (
	"errors"
	"fmt"
	"strings"

	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/MarcoPoloResearchLab/huddle/internal/analytics"
	"github.com/MarcoPoloResearchLab/huddle/internal/store/gormstore"
)

const (
	// DriverSQLite selects the embedded SQLite database.
	DriverSQLite = "sqlite"
	// DriverPostgres selects PostgreSQL.
	DriverPostgres = "postgres"
)

var (
	// ErrUnsupportedDriver indicates an unknown relational driver.
	ErrUnsupportedDriver = errors.New("database: unsupported driver")
	errMissingPath       = errors.New("database: sqlite path is required")
	errMissingDSN        = errors.New("database: postgres dsn is required")
)

// Config selects and locates the database.
type Config struct {
	Driver string
	Path   string
	DSN    string
}

// Open connects to the configured database and applies schema migrations.
func Open(cfg Config, logger *zap.Logger) (*gorm.DB, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	gormConfig := &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Silent)}

	var (
		db     *gorm.DB
		err    error
		target string
	)
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", DriverSQLite:
		if strings.TrimSpace(cfg.Path) == "" {
			return nil, errMissingPath
		}
		target = cfg.Path
		db, err = gorm.Open(sqlite.Open(cfg.Path), gormConfig)
		if err != nil {
			return nil, err
		}
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		sqlDB.SetMaxOpenConns(1)
	case DriverPostgres:
		if strings.TrimSpace(cfg.DSN) == "" {
			return nil, errMissingDSN
		}
		target = "postgres"
		db, err = gorm.Open(postgres.Open(cfg.DSN), gormConfig)
		if err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedDriver, cfg.Driver)
	}

	if err := Migrate(db, logger); err != nil {
		return nil, err
	}
	logger.Info("database initialized", zap.String("driver", db.Dialector.Name()), zap.String("target", target))
	return db, nil
}

// Migrate creates the session and analytics tables and applies named data migrations.
func Migrate(db *gorm.DB, logger *zap.Logger) error {
	models := append(gormstore.Models(), &analytics.ActivityRecord{}, &migrationRecord{})
	if err := db.AutoMigrate(models...); err != nil {
		return err
	}
	return applyMigrations(db, logger)
}
