// Package store persists canonical cost data in a relational database and
// serves read queries for the dashboard and analysis consumers.
package store

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/lvonguyen/finops-dashboard/internal/config"
)

// ErrPersistence reports that the relational store was unreachable or a
// constraint was violated. The failing batch is rolled back in full; the
// caller must treat the operation as not applied.
var ErrPersistence = errors.New("persistence failure")

// ErrNotFound reports a lookup that matched no row.
var ErrNotFound = errors.New("not found")

// Store owns every persisted row. Writers go through the upsert methods;
// feed builders and other consumers only read.
type Store struct {
	db     *gorm.DB
	logger *zap.Logger
}

// New wraps an existing gorm handle, used by tests with an in-memory DB.
func New(db *gorm.DB, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{db: db, logger: logger}
}

// Open connects to postgres with a small pool; the workload is low-QPS and
// human-driven.
func Open(cfg config.DatabaseConfig, logger *zap.Logger) (*Store, error) {
	db, err := gorm.Open(postgres.Open(cfg.DSN()), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: open database: %v", ErrPersistence, err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("%w: pool handle: %v", ErrPersistence, err)
	}
	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)

	return New(db, logger), nil
}

// Migrate creates or updates the schema for every persisted entity.
func (s *Store) Migrate(ctx context.Context) error {
	err := s.db.WithContext(ctx).AutoMigrate(
		&costRow{},
		&ForecastPoint{},
		&Recommendation{},
		&UserSettings{},
		&ChatMessage{},
	)
	if err != nil {
		return fmt.Errorf("%w: migrate: %v", ErrPersistence, err)
	}
	return nil
}

// GrantReadOnly gives the named role SELECT-only access across the schema.
// The LLM adapters query through that role so the model layer can never
// mutate billing records. Postgres only; a no-op elsewhere.
func (s *Store) GrantReadOnly(ctx context.Context, role string) error {
	if role == "" {
		return nil
	}
	if s.db.Dialector.Name() != "postgres" {
		s.logger.Debug("read-only grant skipped", zap.String("dialect", s.db.Dialector.Name()))
		return nil
	}
	stmts := []string{
		fmt.Sprintf("GRANT USAGE ON SCHEMA public TO %q", role),
		fmt.Sprintf("GRANT SELECT ON ALL TABLES IN SCHEMA public TO %q", role),
		fmt.Sprintf("ALTER DEFAULT PRIVILEGES IN SCHEMA public GRANT SELECT ON TABLES TO %q", role),
	}
	for _, stmt := range stmts {
		if err := s.db.WithContext(ctx).Exec(stmt).Error; err != nil {
			return fmt.Errorf("%w: grant: %v", ErrPersistence, err)
		}
	}
	return nil
}
