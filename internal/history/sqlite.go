package history

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens the history database and applies migrations.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create history directory: %w", err)
		}
	}

	// WAL mode and a 5s busy timeout for concurrent readers
	dsn := fmt.Sprintf("%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open history database: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping history database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate history database: %w", err)
	}
	return store, nil
}

func (s *SQLiteStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS task_outcomes (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		feature TEXT NOT NULL,
		task_id TEXT NOT NULL,
		level INTEGER NOT NULL,
		status TEXT NOT NULL,
		retries INTEGER NOT NULL DEFAULT 0,
		duration_seconds REAL NOT NULL DEFAULT 0,
		error TEXT,
		recorded_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_task_outcomes_feature ON task_outcomes(feature);

	CREATE TABLE IF NOT EXISTS run_outcomes (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		feature TEXT NOT NULL,
		state TEXT NOT NULL,
		completed INTEGER NOT NULL DEFAULT 0,
		failed INTEGER NOT NULL DEFAULT 0,
		retried INTEGER NOT NULL DEFAULT 0,
		recorded_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_run_outcomes_feature ON run_outcomes(feature);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// RecordTask inserts one task outcome.
func (s *SQLiteStore) RecordTask(o TaskOutcome) error {
	_, err := s.db.Exec(
		`INSERT INTO task_outcomes (feature, task_id, level, status, retries, duration_seconds, error) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		o.Feature, o.TaskID, o.Level, o.Status, o.Retries, o.DurationSeconds, o.Error,
	)
	if err != nil {
		return fmt.Errorf("failed to record task outcome: %w", err)
	}
	return nil
}

// RecordRun inserts one run outcome.
func (s *SQLiteStore) RecordRun(o RunOutcome) error {
	_, err := s.db.Exec(
		`INSERT INTO run_outcomes (feature, state, completed, failed, retried) VALUES (?, ?, ?, ?, ?)`,
		o.Feature, o.State, o.Completed, o.Failed, o.Retried,
	)
	if err != nil {
		return fmt.Errorf("failed to record run outcome: %w", err)
	}
	return nil
}

// TaskHistory returns the newest task outcomes for a feature.
func (s *SQLiteStore) TaskHistory(feature string, limit int) ([]TaskOutcome, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(
		`SELECT id, feature, task_id, level, status, retries, duration_seconds, COALESCE(error, ''), recorded_at
		 FROM task_outcomes WHERE feature = ? ORDER BY id DESC LIMIT ?`,
		feature, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query task history: %w", err)
	}
	defer rows.Close()

	var outcomes []TaskOutcome
	for rows.Next() {
		var o TaskOutcome
		if err := rows.Scan(&o.ID, &o.Feature, &o.TaskID, &o.Level, &o.Status, &o.Retries, &o.DurationSeconds, &o.Error, &o.RecordedAt); err != nil {
			return nil, fmt.Errorf("failed to scan task outcome: %w", err)
		}
		outcomes = append(outcomes, o)
	}
	return outcomes, rows.Err()
}

// RunHistory returns the newest run outcomes for a feature.
func (s *SQLiteStore) RunHistory(feature string, limit int) ([]RunOutcome, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.Query(
		`SELECT id, feature, state, completed, failed, retried, recorded_at
		 FROM run_outcomes WHERE feature = ? ORDER BY id DESC LIMIT ?`,
		feature, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query run history: %w", err)
	}
	defer rows.Close()

	var outcomes []RunOutcome
	for rows.Next() {
		var o RunOutcome
		if err := rows.Scan(&o.ID, &o.Feature, &o.State, &o.Completed, &o.Failed, &o.Retried, &o.RecordedAt); err != nil {
			return nil, fmt.Errorf("failed to scan run outcome: %w", err)
		}
		outcomes = append(outcomes, o)
	}
	return outcomes, rows.Err()
}
