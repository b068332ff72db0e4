package audit

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// SQLiteStore implements Store backed by a single SQLite file. Uses
// modernc.org/sqlite (pure Go, no CGO) through the glebarez/sqlite GORM
// driver, with WAL mode for concurrent readers.
type SQLiteStore struct {
	db     *gorm.DB
	logger *slog.Logger
}

// OpenSQLite creates a SQLite-backed audit store at path.
func OpenSQLite(path string, slogger *slog.Logger) (*SQLiteStore, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}
	if slogger == nil {
		slogger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("creating database directory %s: %w", dir, err)
	}

	dsn := fmt.Sprintf("%s?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(ON)", path)

	gormLogger := logger.New(
		slogAdapter{slogger},
		logger.Config{
			SlowThreshold:             200 * time.Millisecond,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
		},
	)

	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:  gormLogger,
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		return nil, fmt.Errorf("opening sqlite database: %w", err)
	}

	slogger.Info("sqlite audit store opened", slog.String("path", path))
	return &SQLiteStore{db: db, logger: slogger}, nil
}

// Migrate runs GORM AutoMigrate for the audit tables.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	return s.db.AutoMigrate(&ExecutionRecord{}, &CallRecord{})
}

func (s *SQLiteStore) RecordExecution(ctx context.Context, rec *ExecutionRecord) error {
	return s.db.WithContext(ctx).Create(rec).Error
}

func (s *SQLiteStore) RecordCall(ctx context.Context, rec *CallRecord) error {
	return s.db.WithContext(ctx).Create(rec).Error
}

func (s *SQLiteStore) ListExecutions(ctx context.Context, filter ListFilter) ([]ExecutionRecord, error) {
	return listExecutions(ctx, s.db, filter)
}

func (s *SQLiteStore) ListCalls(ctx context.Context, executionID string) ([]CallRecord, error) {
	return listCalls(ctx, s.db, executionID)
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Driver returns "sqlite".
func (s *SQLiteStore) Driver() string { return DriverSQLite }

// listExecutions and listCalls are shared by both backends; GORM's dialects
// handle the SQL differences.
func listExecutions(ctx context.Context, db *gorm.DB, filter ListFilter) ([]ExecutionRecord, error) {
	q := db.WithContext(ctx).Order("id DESC").Limit(filter.limit())
	if filter.SessionID != "" {
		q = q.Where("session_id = ?", filter.SessionID)
	}
	var recs []ExecutionRecord
	if err := q.Find(&recs).Error; err != nil {
		return nil, err
	}
	return recs, nil
}

func listCalls(ctx context.Context, db *gorm.DB, executionID string) ([]CallRecord, error) {
	var recs []CallRecord
	err := db.WithContext(ctx).
		Where("execution_id = ?", executionID).
		Order("id ASC").
		Find(&recs).Error
	if err != nil {
		return nil, err
	}
	return recs, nil
}

// slogAdapter wraps *slog.Logger for GORM's logger.Writer interface.
type slogAdapter struct {
	logger *slog.Logger
}

func (s slogAdapter) Printf(format string, args ...any) {
	s.logger.Info(fmt.Sprintf(format, args...))
}

// compile-time interface check
var _ Store = (*SQLiteStore)(nil)
