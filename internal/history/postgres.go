package history

import (
	"database/sql"
	"fmt"

	_ "github.com/lib/pq" // Postgres driver
)

// PostgresStore implements Store using PostgreSQL, for deployments where
// several machines share one history archive.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore connects with the given DSN and applies migrations.
func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres connection: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}

	store := &PostgresStore{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate postgres: %w", err)
	}
	return store, nil
}

func (s *PostgresStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS task_outcomes (
		id BIGSERIAL PRIMARY KEY,
		feature TEXT NOT NULL,
		task_id TEXT NOT NULL,
		level INTEGER NOT NULL,
		status TEXT NOT NULL,
		retries INTEGER NOT NULL DEFAULT 0,
		duration_seconds DOUBLE PRECISION NOT NULL DEFAULT 0,
		error TEXT,
		recorded_at TIMESTAMPTZ DEFAULT NOW()
	);
	CREATE INDEX IF NOT EXISTS idx_task_outcomes_feature ON task_outcomes(feature);

	CREATE TABLE IF NOT EXISTS run_outcomes (
		id BIGSERIAL PRIMARY KEY,
		feature TEXT NOT NULL,
		state TEXT NOT NULL,
		completed INTEGER NOT NULL DEFAULT 0,
		failed INTEGER NOT NULL DEFAULT 0,
		retried INTEGER NOT NULL DEFAULT 0,
		recorded_at TIMESTAMPTZ DEFAULT NOW()
	);
	CREATE INDEX IF NOT EXISTS idx_run_outcomes_feature ON run_outcomes(feature);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the connection pool.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// RecordTask inserts one task outcome.
func (s *PostgresStore) RecordTask(o TaskOutcome) error {
	_, err := s.db.Exec(
		`INSERT INTO task_outcomes (feature, task_id, level, status, retries, duration_seconds, error) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		o.Feature, o.TaskID, o.Level, o.Status, o.Retries, o.DurationSeconds, o.Error,
	)
	if err != nil {
		return fmt.Errorf("failed to record task outcome: %w", err)
	}
	return nil
}

// RecordRun inserts one run outcome.
func (s *PostgresStore) RecordRun(o RunOutcome) error {
	_, err := s.db.Exec(
		`INSERT INTO run_outcomes (feature, state, completed, failed, retried) VALUES ($1, $2, $3, $4, $5)`,
		o.Feature, o.State, o.Completed, o.Failed, o.Retried,
	)
	if err != nil {
		return fmt.Errorf("failed to record run outcome: %w", err)
	}
	return nil
}

// TaskHistory returns the newest task outcomes for a feature.
func (s *PostgresStore) TaskHistory(feature string, limit int) ([]TaskOutcome, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(
		`SELECT id, feature, task_id, level, status, retries, duration_seconds, COALESCE(error, ''), recorded_at
		 FROM task_outcomes WHERE feature = $1 ORDER BY id DESC LIMIT $2`,
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
func (s *PostgresStore) RunHistory(feature string, limit int) ([]RunOutcome, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.Query(
		`SELECT id, feature, state, completed, failed, retried, recorded_at
		 FROM run_outcomes WHERE feature = $1 ORDER BY id DESC LIMIT $2`,
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
