package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/antihub/antihub-ops/internal/userstore"
)

// Store implements userstore.Store backed by Postgres.
type Store struct {
	db *sql.DB
}

// New opens a Postgres-backed user store using the provided DSN.
func New(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres db: %w", err)
	}
	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

// NewWithDB wraps an existing connection, sharing it with other stores on the
// same target database.
func NewWithDB(db *sql.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) initSchema() error {
	const schema = `
CREATE TABLE IF NOT EXISTS users (
	id SERIAL PRIMARY KEY,
	email TEXT NOT NULL UNIQUE,
	role TEXT NOT NULL,
	display_name TEXT,
	status TEXT NOT NULL DEFAULT 'active',
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS plugin_user_mappings (
	external_id TEXT PRIMARY KEY,
	user_id INTEGER NOT NULL REFERENCES users(id) ON DELETE CASCADE,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_users_role ON users(role);
CREATE INDEX IF NOT EXISTS idx_plugin_user_mappings_user ON plugin_user_mappings(user_id);
`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// Close releases underlying resources.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) EnsureRootAdmin(ctx context.Context, email string) (*userstore.User, error) {
	email = normalizeEmail(email)
	if email == "" {
		email = "admin@local"
	}

	var existing userstore.User
	row := s.db.QueryRowContext(ctx,
		`SELECT id, email, role, display_name, status, created_at, updated_at FROM users WHERE role = $1 LIMIT 1`,
		userstore.RoleRootAdmin)
	err := scanInto(row, &existing)
	if err == nil {
		if !strings.EqualFold(existing.Email, email) {
			if _, err := s.db.ExecContext(ctx,
				`UPDATE users SET email = $1, updated_at = NOW() WHERE id = $2`, email, existing.ID); err != nil {
				return nil, err
			}
			existing.Email = email
		}
		return &existing, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}

	var created userstore.User
	created.Email = email
	created.Role = userstore.RoleRootAdmin
	created.Status = userstore.StatusActive
	err = s.db.QueryRowContext(ctx,
		`INSERT INTO users(email, role, status) VALUES($1, $2, $3) RETURNING id, created_at, updated_at`,
		email, userstore.RoleRootAdmin, userstore.StatusActive,
	).Scan(&created.ID, &created.CreatedAt, &created.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &created, nil
}

func (s *Store) FindByEmail(ctx context.Context, email string) (*userstore.User, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, email, role, display_name, status, created_at, updated_at FROM users WHERE email = $1 LIMIT 1`,
		normalizeEmail(email))
	return scanUser(row)
}

func (s *Store) GetUser(ctx context.Context, id int64) (*userstore.User, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, email, role, display_name, status, created_at, updated_at FROM users WHERE id = $1`, id)
	return scanUser(row)
}

func (s *Store) CreateUser(ctx context.Context, email string, role userstore.Role, displayName string) (*userstore.User, error) {
	email = normalizeEmail(email)
	if email == "" {
		return nil, errors.New("email required")
	}
	if role != userstore.RoleAdmin && role != userstore.RoleUser {
		return nil, fmt.Errorf("unsupported role %s", role)
	}
	var u userstore.User
	u.Email = email
	u.Role = role
	u.DisplayName = displayName
	u.Status = userstore.StatusActive
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO users(email, role, display_name, status) VALUES($1, $2, $3, $4) RETURNING id, created_at, updated_at`,
		email, role, displayName, userstore.StatusActive,
	).Scan(&u.ID, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "duplicate") {
			return nil, fmt.Errorf("user with email %s already exists", email)
		}
		return nil, err
	}
	return &u, nil
}

func (s *Store) RecordPluginUser(ctx context.Context, externalID string, userID int64) error {
	if strings.TrimSpace(externalID) == "" {
		return errors.New("external id required")
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO plugin_user_mappings(external_id, user_id) VALUES($1, $2)
ON CONFLICT (external_id) DO UPDATE SET user_id = EXCLUDED.user_id`,
		externalID, userID)
	if err != nil {
		return fmt.Errorf("record plugin user mapping: %w", err)
	}
	return nil
}

func (s *Store) LookupPluginUser(ctx context.Context, externalID string) (int64, bool, error) {
	var userID int64
	err := s.db.QueryRowContext(ctx,
		`SELECT user_id FROM plugin_user_mappings WHERE external_id = $1`, externalID).Scan(&userID)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return userID, true, nil
}

func scanUser(row *sql.Row) (*userstore.User, error) {
	var u userstore.User
	if err := scanInto(row, &u); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &u, nil
}

func scanInto(scanner interface{ Scan(dest ...any) error }, u *userstore.User) error {
	var displayName sql.NullString
	var createdAt, updatedAt time.Time
	if err := scanner.Scan(&u.ID, &u.Email, &u.Role, &displayName, &u.Status, &createdAt, &updatedAt); err != nil {
		return err
	}
	u.DisplayName = displayName.String
	u.CreatedAt = createdAt
	u.UpdatedAt = updatedAt
	if u.Status == "" {
		u.Status = userstore.StatusActive
	}
	return nil
}

func normalizeEmail(email string) string {
	return strings.TrimSpace(strings.ToLower(email))
}
