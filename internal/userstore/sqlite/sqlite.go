package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/antihub/antihub-ops/internal/userstore"
)

// Store implements userstore.Store backed by SQLite, for single-node
// deployments and tests.
type Store struct {
	db *sql.DB
}

// New opens (or creates) a SQLite user store at the supplied path.
func New(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create identity directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}
	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initSchema() error {
	const schema = `
CREATE TABLE IF NOT EXISTS users (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	email TEXT NOT NULL UNIQUE,
	role TEXT NOT NULL,
	display_name TEXT,
	status TEXT NOT NULL DEFAULT 'active',
	created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
	updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS plugin_user_mappings (
	external_id TEXT PRIMARY KEY,
	user_id INTEGER NOT NULL REFERENCES users(id) ON DELETE CASCADE,
	created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
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

	existing, err := s.findByRole(ctx, userstore.RoleRootAdmin)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		if !strings.EqualFold(existing.Email, email) {
			if _, err := s.db.ExecContext(ctx,
				`UPDATE users SET email = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`, email, existing.ID); err != nil {
				return nil, err
			}
			existing.Email = email
		}
		return existing, nil
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO users(email, role, status) VALUES(?, ?, ?)`,
		email, userstore.RoleRootAdmin, userstore.StatusActive)
	if err != nil {
		return nil, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	return s.GetUser(ctx, id)
}

func (s *Store) findByRole(ctx context.Context, role userstore.Role) (*userstore.User, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, email, role, display_name, status, created_at, updated_at FROM users WHERE role = ? LIMIT 1`, role)
	return scanUser(row)
}

func (s *Store) FindByEmail(ctx context.Context, email string) (*userstore.User, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, email, role, display_name, status, created_at, updated_at FROM users WHERE email = ? LIMIT 1`,
		normalizeEmail(email))
	return scanUser(row)
}

func (s *Store) GetUser(ctx context.Context, id int64) (*userstore.User, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, email, role, display_name, status, created_at, updated_at FROM users WHERE id = ?`, id)
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
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO users(email, role, display_name, status) VALUES(?, ?, ?, ?)`,
		email, role, displayName, userstore.StatusActive)
	if err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "unique") {
			return nil, fmt.Errorf("user with email %s already exists", email)
		}
		return nil, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	return s.GetUser(ctx, id)
}

func (s *Store) RecordPluginUser(ctx context.Context, externalID string, userID int64) error {
	if strings.TrimSpace(externalID) == "" {
		return errors.New("external id required")
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO plugin_user_mappings(external_id, user_id) VALUES(?, ?)
ON CONFLICT(external_id) DO UPDATE SET user_id = excluded.user_id`,
		externalID, userID)
	if err != nil {
		return fmt.Errorf("record plugin user mapping: %w", err)
	}
	return nil
}

func (s *Store) LookupPluginUser(ctx context.Context, externalID string) (int64, bool, error) {
	var userID int64
	err := s.db.QueryRowContext(ctx,
		`SELECT user_id FROM plugin_user_mappings WHERE external_id = ?`, externalID).Scan(&userID)
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
	var displayName sql.NullString
	var createdAt, updatedAt time.Time
	err := row.Scan(&u.ID, &u.Email, &u.Role, &displayName, &u.Status, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	u.DisplayName = displayName.String
	u.CreatedAt = createdAt
	u.UpdatedAt = updatedAt
	if u.Status == "" {
		u.Status = userstore.StatusActive
	}
	return &u, nil
}

func normalizeEmail(email string) string {
	return strings.TrimSpace(strings.ToLower(email))
}
