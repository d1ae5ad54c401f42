package migration

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Migration state record statuses. Older deployments wrote "done" for a
// finished migration; it is treated as StatusSucceeded on read.
const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"

	legacyStatusDone = "done"
)

// State is the durable per-migration record, one row per migration name.
type State struct {
	Name       string
	Status     string
	StartedAt  *time.Time
	FinishedAt *time.Time
	LastError  string
	Details    map[string]int64
}

// Succeeded reports whether this record marks a completed migration.
func (s *State) Succeeded() bool {
	return s != nil && (s.Status == StatusSucceeded || s.Status == legacyStatusDone)
}

// StateStore persists migration state records in the target database.
type StateStore interface {
	// Get returns the record for name, or nil if none exists.
	Get(ctx context.Context, name string) (*State, error)
	// MarkRunning upserts the record to running with a fresh started_at.
	MarkRunning(ctx context.Context, name string) error
	// MarkSucceeded finalizes the record with row counts per entity type.
	MarkSucceeded(ctx context.Context, name string, details map[string]int64) error
	// MarkFailed finalizes the record with the error text.
	MarkFailed(ctx context.Context, name string, cause error) error
}

// PostgresStateStore keeps migration state in plugin_db_migration_states on
// the target database.
type PostgresStateStore struct {
	db *sql.DB
}

func NewPostgresStateStore(db *sql.DB) (*PostgresStateStore, error) {
	s := &PostgresStateStore{db: db}
	if err := s.initSchema(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *PostgresStateStore) initSchema() error {
	const schema = `
CREATE TABLE IF NOT EXISTS plugin_db_migration_states (
	name TEXT PRIMARY KEY,
	status TEXT NOT NULL DEFAULT 'pending',
	started_at TIMESTAMPTZ,
	finished_at TIMESTAMPTZ,
	last_error TEXT,
	details TEXT,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_plugin_db_migration_states_status ON plugin_db_migration_states(status);
`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("apply migration state schema: %w", err)
	}
	return nil
}

func (s *PostgresStateStore) Get(ctx context.Context, name string) (*State, error) {
	var st State
	var lastError, details sql.NullString
	err := s.db.QueryRowContext(ctx, `
SELECT name, status, started_at, finished_at, last_error, details
FROM plugin_db_migration_states WHERE name = $1`, name).
		Scan(&st.Name, &st.Status, &st.StartedAt, &st.FinishedAt, &lastError, &details)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read migration state %s: %w", name, err)
	}
	st.LastError = lastError.String
	if details.Valid && details.String != "" {
		if err := json.Unmarshal([]byte(details.String), &st.Details); err != nil {
			return nil, fmt.Errorf("decode migration details %s: %w", name, err)
		}
	}
	return &st, nil
}

func (s *PostgresStateStore) MarkRunning(ctx context.Context, name string) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO plugin_db_migration_states (name, status, started_at, finished_at, last_error)
VALUES ($1, $2, NOW(), NULL, NULL)
ON CONFLICT (name) DO UPDATE SET
	status = EXCLUDED.status,
	started_at = EXCLUDED.started_at,
	finished_at = NULL,
	last_error = NULL,
	updated_at = NOW()`, name, StatusRunning)
	if err != nil {
		return fmt.Errorf("mark migration %s running: %w", name, err)
	}
	return nil
}

func (s *PostgresStateStore) MarkSucceeded(ctx context.Context, name string, details map[string]int64) error {
	var encoded any
	if details != nil {
		data, err := json.Marshal(details)
		if err != nil {
			return fmt.Errorf("encode migration details: %w", err)
		}
		encoded = string(data)
	}
	_, err := s.db.ExecContext(ctx, `
UPDATE plugin_db_migration_states
SET status = $2, finished_at = NOW(), last_error = NULL, details = $3, updated_at = NOW()
WHERE name = $1`, name, StatusSucceeded, encoded)
	if err != nil {
		return fmt.Errorf("mark migration %s succeeded: %w", name, err)
	}
	return nil
}

func (s *PostgresStateStore) MarkFailed(ctx context.Context, name string, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	_, err := s.db.ExecContext(ctx, `
UPDATE plugin_db_migration_states
SET status = $2, finished_at = NOW(), last_error = $3, updated_at = NOW()
WHERE name = $1`, name, StatusFailed, msg)
	if err != nil {
		return fmt.Errorf("mark migration %s failed: %w", name, err)
	}
	return nil
}
