// Package audit persists the execution and capability-call trail.
// Two backends are provided: SQLite (default, zero-config) and PostgreSQL.
// All GORM usage is confined to this package.
package audit

import (
	"context"
	"time"
)

// DriverSQLite is the SQLite driver name.
const DriverSQLite = "sqlite"

// DriverPostgres is the PostgreSQL driver name.
const DriverPostgres = "postgres"

// ExecutionRecord is one finished guest execution.
type ExecutionRecord struct {
	ID          uint      `gorm:"primaryKey" json:"-"`
	ExecutionID string    `gorm:"uniqueIndex;size:64" json:"execution_id"`
	SessionID   string    `gorm:"index;size:128" json:"session_id"`
	Success     bool      `json:"success"`
	TimedOut    bool      `json:"timed_out"`
	Output      string    `gorm:"type:text" json:"output"`
	Error       string    `gorm:"type:text" json:"error,omitempty"`
	DurationMS  int64     `json:"duration_ms"`
	CallCount   int       `json:"call_count"`
	CreatedAt   time.Time `json:"created_at"`
}

// TableName sets the executions table name.
func (ExecutionRecord) TableName() string { return "audit_executions" }

// CallRecord is one capability call made during an execution, including
// rejected ones.
type CallRecord struct {
	ID          uint      `gorm:"primaryKey" json:"-"`
	ExecutionID string    `gorm:"index;size:64" json:"execution_id"`
	SessionID   string    `gorm:"index;size:128" json:"session_id"`
	Path        string    `gorm:"size:256" json:"path"`
	Status      string    `gorm:"size:32" json:"status"` // "ok", "denied", "not_found", "error"
	DurationMS  int64     `json:"duration_ms"`
	CreatedAt   time.Time `json:"created_at"`
}

// TableName sets the calls table name.
func (CallRecord) TableName() string { return "audit_calls" }

// ListFilter narrows ListExecutions results. Zero values mean "any".
type ListFilter struct {
	SessionID string
	Limit     int
}

func (f ListFilter) limit() int {
	if f.Limit > 0 {
		return f.Limit
	}
	return 100
}

// Store is the audit persistence interface. Both backends implement it.
type Store interface {
	RecordExecution(ctx context.Context, rec *ExecutionRecord) error
	RecordCall(ctx context.Context, rec *CallRecord) error
	ListExecutions(ctx context.Context, filter ListFilter) ([]ExecutionRecord, error)
	ListCalls(ctx context.Context, executionID string) ([]CallRecord, error)

	Migrate(ctx context.Context) error
	Close() error
	Driver() string
}
