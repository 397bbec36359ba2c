// Package history records task outcomes per run for post-hoc diagnostics
// and the status --history view. The event log stays diagnostic and the
// state store authoritative; history is a queryable archive.
package history

import (
	"fmt"
	"strings"
	"time"
)

// TaskOutcome is one recorded attempt outcome.
type TaskOutcome struct {
	ID              int64     `json:"id"`
	Feature         string    `json:"feature"`
	TaskID          string    `json:"task_id"`
	Level           int       `json:"level"`
	Status          string    `json:"status"`
	Retries         int       `json:"retries"`
	DurationSeconds float64   `json:"duration_seconds"`
	Error           string    `json:"error,omitempty"`
	RecordedAt      time.Time `json:"recorded_at"`
}

// RunOutcome is one recorded run result.
type RunOutcome struct {
	ID         int64     `json:"id"`
	Feature    string    `json:"feature"`
	State      string    `json:"state"`
	Completed  int       `json:"completed"`
	Failed     int       `json:"failed"`
	Retried    int       `json:"retried"`
	RecordedAt time.Time `json:"recorded_at"`
}

// Store persists run history.
type Store interface {
	RecordTask(outcome TaskOutcome) error
	RecordRun(outcome RunOutcome) error
	TaskHistory(feature string, limit int) ([]TaskOutcome, error)
	RunHistory(feature string, limit int) ([]RunOutcome, error)
	Close() error
}

// StoreConfig selects the storage backend.
type StoreConfig struct {
	Type             string // "sqlite" or "postgres"
	ConnectionString string // file path for SQLite, DSN for Postgres
}

// NewStore creates a Store based on the provided configuration.
func NewStore(config StoreConfig) (Store, error) {
	switch strings.ToLower(config.Type) {
	case "postgres", "postgresql":
		if config.ConnectionString == "" {
			return nil, fmt.Errorf("postgres connection string is required")
		}
		return NewPostgresStore(config.ConnectionString)
	case "sqlite", "sqlite3", "":
		if config.ConnectionString == "" {
			config.ConnectionString = ".zerg/history.db"
		}
		return NewSQLiteStore(config.ConnectionString)
	default:
		return nil, fmt.Errorf("unsupported store type: %s", config.Type)
	}
}
