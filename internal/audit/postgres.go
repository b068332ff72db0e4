package audit

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // PostgreSQL driver.
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// PostgresStore implements Store backed by PostgreSQL. Connects through the
// pgx stdlib driver so the audit store shares a pool configuration with any
// other pgx consumers.
type PostgresStore struct {
	db     *gorm.DB
	logger *slog.Logger
}

// OpenPostgres connects to PostgreSQL and configures the connection pool.
func OpenPostgres(dsn string, slogger *slog.Logger) (*PostgresStore, error) {
	if dsn == "" {
		return nil, fmt.Errorf("postgres dsn is required")
	}
	if slogger == nil {
		slogger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	sqlDB, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening postgres connection: %w", err)
	}
	sqlDB.SetMaxOpenConns(25)
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetConnMaxLifetime(30 * time.Minute)
	sqlDB.SetConnMaxIdleTime(10 * time.Minute)

	gormLogger := logger.New(
		slogAdapter{slogger},
		logger.Config{
			SlowThreshold:             200 * time.Millisecond,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
		},
	)

	db, err := gorm.Open(postgres.New(postgres.Config{Conn: sqlDB}), &gorm.Config{
		Logger:  gormLogger,
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}

	slogger.Info("postgres audit store connected")
	return &PostgresStore{db: db, logger: slogger}, nil
}

// Migrate runs GORM AutoMigrate for the audit tables.
func (s *PostgresStore) Migrate(_ context.Context) error {
	return s.db.AutoMigrate(&ExecutionRecord{}, &CallRecord{})
}

func (s *PostgresStore) RecordExecution(ctx context.Context, rec *ExecutionRecord) error {
	return s.db.WithContext(ctx).Create(rec).Error
}

func (s *PostgresStore) RecordCall(ctx context.Context, rec *CallRecord) error {
	return s.db.WithContext(ctx).Create(rec).Error
}

func (s *PostgresStore) ListExecutions(ctx context.Context, filter ListFilter) ([]ExecutionRecord, error) {
	return listExecutions(ctx, s.db, filter)
}

func (s *PostgresStore) ListCalls(ctx context.Context, executionID string) ([]CallRecord, error) {
	return listCalls(ctx, s.db, executionID)
}

// Ping checks the database connection for readiness probes.
func (s *PostgresStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close releases the connection pool.
func (s *PostgresStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Driver returns "postgres".
func (s *PostgresStore) Driver() string { return DriverPostgres }

// compile-time interface check
var _ Store = (*PostgresStore)(nil)
