package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"

	"github.com/antihub/antihub-ops/internal/accountstore"
)

// Store implements accountstore.Store backed by SQLite, for single-node
// deployments and tests.
type Store struct {
	db *sql.DB
	q  queryer
}

type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// New opens (or creates) a SQLite account store at the supplied path.
func New(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data directory: %w", err)
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
	s := &Store{db: db, q: db}
	if err := s.initSchema(); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initSchema() error {
	const schema = `
CREATE TABLE IF NOT EXISTS kiro_accounts (
	account_id TEXT PRIMARY KEY,
	user_id INTEGER NOT NULL,
	account_name TEXT,
	auth_method TEXT,
	region TEXT,
	machineid TEXT,
	email TEXT,
	upstream_id TEXT,
	subscription TEXT,
	subscription_type TEXT,
	status INTEGER NOT NULL DEFAULT 1,
	need_refresh INTEGER NOT NULL DEFAULT 0,
	token_expires_at TIMESTAMP,
	current_usage REAL,
	usage_limit REAL,
	reset_date TIMESTAMP,
	bonus_usage REAL,
	bonus_limit REAL,
	credentials TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
	updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
	last_used_at TIMESTAMP
);

CREATE TABLE IF NOT EXISTS qwen_accounts (
	account_id TEXT PRIMARY KEY,
	user_id INTEGER NOT NULL,
	account_name TEXT,
	email TEXT,
	resource_url TEXT,
	status INTEGER NOT NULL DEFAULT 1,
	need_refresh INTEGER NOT NULL DEFAULT 0,
	token_expires_at TIMESTAMP,
	last_refresh_at TIMESTAMP,
	credentials TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
	updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS model_quotas (
	account_id TEXT NOT NULL,
	model_id TEXT NOT NULL,
	remaining REAL,
	quota_limit REAL,
	reset_at TIMESTAMP,
	updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
	PRIMARY KEY (account_id, model_id)
);

CREATE TABLE IF NOT EXISTS kiro_subscription_models (
	subscription TEXT PRIMARY KEY,
	allowed_model_ids TEXT,
	created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
	updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_kiro_accounts_user ON kiro_accounts(user_id);
CREATE INDEX IF NOT EXISTS idx_qwen_accounts_user ON qwen_accounts(user_id);
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

// InTx runs fn against a store bound to a single transaction.
func (s *Store) InTx(ctx context.Context, fn func(accountstore.Store) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	txStore := &Store{db: s.db, q: tx}
	if err := fn(txStore); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// UpsertKiroAccount inserts or updates the account keyed by account_id. On
// update, user_id is left untouched.
func (s *Store) UpsertKiroAccount(ctx context.Context, a accountstore.KiroAccount) error {
	if a.AccountID == "" {
		return errors.New("account id required")
	}
	_, err := s.q.ExecContext(ctx, `
INSERT INTO kiro_accounts (
	account_id, user_id, account_name, auth_method, region, machineid, email,
	upstream_id, subscription, subscription_type, status, need_refresh,
	token_expires_at, current_usage, usage_limit, reset_date, bonus_usage,
	bonus_limit, credentials, last_used_at
) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
ON CONFLICT(account_id) DO UPDATE SET
	account_name = excluded.account_name,
	auth_method = excluded.auth_method,
	region = excluded.region,
	machineid = excluded.machineid,
	email = excluded.email,
	upstream_id = excluded.upstream_id,
	subscription = excluded.subscription,
	subscription_type = excluded.subscription_type,
	status = excluded.status,
	need_refresh = excluded.need_refresh,
	token_expires_at = excluded.token_expires_at,
	current_usage = excluded.current_usage,
	usage_limit = excluded.usage_limit,
	reset_date = excluded.reset_date,
	bonus_usage = excluded.bonus_usage,
	bonus_limit = excluded.bonus_limit,
	credentials = excluded.credentials,
	last_used_at = excluded.last_used_at,
	updated_at = CURRENT_TIMESTAMP`,
		a.AccountID, a.UserID, a.AccountName, a.AuthMethod, a.Region, a.MachineID,
		a.Email, a.UpstreamID, a.Subscription, a.SubscriptionType, a.Status,
		a.NeedRefresh, a.TokenExpiresAt, a.CurrentUsage, a.UsageLimit, a.ResetDate,
		a.BonusUsage, a.BonusLimit, a.Credentials, a.LastUsedAt)
	if err != nil {
		return fmt.Errorf("upsert kiro account %s: %w", a.AccountID, err)
	}
	return nil
}

func (s *Store) GetKiroAccount(ctx context.Context, accountID string) (*accountstore.KiroAccount, error) {
	row := s.q.QueryRowContext(ctx, `
SELECT account_id, user_id, account_name, auth_method, region, machineid, email,
	upstream_id, subscription, subscription_type, status, need_refresh,
	token_expires_at, current_usage, usage_limit, reset_date, bonus_usage,
	bonus_limit, credentials, created_at, updated_at, last_used_at
FROM kiro_accounts WHERE account_id = ?`, accountID)
	a, err := scanKiro(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return a, nil
}

func (s *Store) ListKiroAccounts(ctx context.Context) ([]accountstore.KiroAccount, error) {
	rows, err := s.q.QueryContext(ctx, `
SELECT account_id, user_id, account_name, auth_method, region, machineid, email,
	upstream_id, subscription, subscription_type, status, need_refresh,
	token_expires_at, current_usage, usage_limit, reset_date, bonus_usage,
	bonus_limit, credentials, created_at, updated_at, last_used_at
FROM kiro_accounts ORDER BY account_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []accountstore.KiroAccount
	for rows.Next() {
		a, err := scanKiro(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

func scanKiro(scan func(dest ...any) error) (*accountstore.KiroAccount, error) {
	var a accountstore.KiroAccount
	var name, method, region, machine, email, upstream, sub, subType sql.NullString
	err := scan(&a.AccountID, &a.UserID, &name, &method, &region, &machine, &email,
		&upstream, &sub, &subType, &a.Status, &a.NeedRefresh,
		&a.TokenExpiresAt, &a.CurrentUsage, &a.UsageLimit, &a.ResetDate,
		&a.BonusUsage, &a.BonusLimit, &a.Credentials, &a.CreatedAt, &a.UpdatedAt,
		&a.LastUsedAt)
	if err != nil {
		return nil, err
	}
	a.AccountName = name.String
	a.AuthMethod = method.String
	a.Region = region.String
	a.MachineID = machine.String
	a.Email = email.String
	a.UpstreamID = upstream.String
	a.Subscription = sub.String
	a.SubscriptionType = subType.String
	return &a, nil
}

func (s *Store) UpsertQwenAccount(ctx context.Context, a accountstore.QwenAccount) error {
	if a.AccountID == "" {
		return errors.New("account id required")
	}
	_, err := s.q.ExecContext(ctx, `
INSERT INTO qwen_accounts (
	account_id, user_id, account_name, email, resource_url, status,
	need_refresh, token_expires_at, last_refresh_at, credentials
) VALUES (?,?,?,?,?,?,?,?,?,?)
ON CONFLICT(account_id) DO UPDATE SET
	account_name = excluded.account_name,
	email = excluded.email,
	resource_url = excluded.resource_url,
	status = excluded.status,
	need_refresh = excluded.need_refresh,
	token_expires_at = excluded.token_expires_at,
	last_refresh_at = excluded.last_refresh_at,
	credentials = excluded.credentials,
	updated_at = CURRENT_TIMESTAMP`,
		a.AccountID, a.UserID, a.AccountName, a.Email, a.ResourceURL, a.Status,
		a.NeedRefresh, a.TokenExpiresAt, a.LastRefreshAt, a.Credentials)
	if err != nil {
		return fmt.Errorf("upsert qwen account %s: %w", a.AccountID, err)
	}
	return nil
}

func (s *Store) GetQwenAccount(ctx context.Context, accountID string) (*accountstore.QwenAccount, error) {
	row := s.q.QueryRowContext(ctx, `
SELECT account_id, user_id, account_name, email, resource_url, status,
	need_refresh, token_expires_at, last_refresh_at, credentials, created_at, updated_at
FROM qwen_accounts WHERE account_id = ?`, accountID)
	a, err := scanQwen(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return a, nil
}

func (s *Store) ListQwenAccounts(ctx context.Context) ([]accountstore.QwenAccount, error) {
	rows, err := s.q.QueryContext(ctx, `
SELECT account_id, user_id, account_name, email, resource_url, status,
	need_refresh, token_expires_at, last_refresh_at, credentials, created_at, updated_at
FROM qwen_accounts ORDER BY account_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []accountstore.QwenAccount
	for rows.Next() {
		a, err := scanQwen(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

func scanQwen(scan func(dest ...any) error) (*accountstore.QwenAccount, error) {
	var a accountstore.QwenAccount
	var name, email, resource sql.NullString
	err := scan(&a.AccountID, &a.UserID, &name, &email, &resource, &a.Status,
		&a.NeedRefresh, &a.TokenExpiresAt, &a.LastRefreshAt, &a.Credentials,
		&a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}
	a.AccountName = name.String
	a.Email = email.String
	a.ResourceURL = resource.String
	return &a, nil
}

func (s *Store) UpsertModelQuota(ctx context.Context, q accountstore.ModelQuota) error {
	if q.AccountID == "" || q.ModelID == "" {
		return errors.New("account id and model id required")
	}
	_, err := s.q.ExecContext(ctx, `
INSERT INTO model_quotas (account_id, model_id, remaining, quota_limit, reset_at)
VALUES (?,?,?,?,?)
ON CONFLICT(account_id, model_id) DO UPDATE SET
	remaining = excluded.remaining,
	quota_limit = excluded.quota_limit,
	reset_at = excluded.reset_at,
	updated_at = CURRENT_TIMESTAMP`,
		q.AccountID, q.ModelID, q.Remaining, q.Limit, q.ResetAt)
	if err != nil {
		return fmt.Errorf("upsert model quota %s/%s: %w", q.AccountID, q.ModelID, err)
	}
	return nil
}

func (s *Store) ListModelQuotas(ctx context.Context, accountID string) ([]accountstore.ModelQuota, error) {
	rows, err := s.q.QueryContext(ctx, `
SELECT account_id, model_id, remaining, quota_limit, reset_at, updated_at
FROM model_quotas WHERE account_id = ? ORDER BY model_id`, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []accountstore.ModelQuota
	for rows.Next() {
		var q accountstore.ModelQuota
		if err := rows.Scan(&q.AccountID, &q.ModelID, &q.Remaining, &q.Limit, &q.ResetAt, &q.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, q)
	}
	return out, rows.Err()
}

func (s *Store) UpsertSubscriptionModels(ctx context.Context, sm accountstore.SubscriptionModels) error {
	if sm.Subscription == "" {
		return errors.New("subscription required")
	}
	var encoded any
	if sm.ModelIDs != nil {
		data, err := json.Marshal(sm.ModelIDs)
		if err != nil {
			return fmt.Errorf("encode model ids: %w", err)
		}
		encoded = string(data)
	}
	_, err := s.q.ExecContext(ctx, `
INSERT INTO kiro_subscription_models (subscription, allowed_model_ids)
VALUES (?, ?)
ON CONFLICT(subscription) DO UPDATE SET
	allowed_model_ids = excluded.allowed_model_ids,
	updated_at = CURRENT_TIMESTAMP`,
		sm.Subscription, encoded)
	if err != nil {
		return fmt.Errorf("upsert subscription models %s: %w", sm.Subscription, err)
	}
	return nil
}

func (s *Store) GetSubscriptionModels(ctx context.Context, subscription string) (*accountstore.SubscriptionModels, error) {
	var sm accountstore.SubscriptionModels
	var encoded sql.NullString
	err := s.q.QueryRowContext(ctx, `
SELECT subscription, allowed_model_ids, created_at, updated_at
FROM kiro_subscription_models WHERE subscription = ?`, subscription).
		Scan(&sm.Subscription, &encoded, &sm.CreatedAt, &sm.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if encoded.Valid {
		if err := json.Unmarshal([]byte(encoded.String), &sm.ModelIDs); err != nil {
			return nil, fmt.Errorf("decode model ids: %w", err)
		}
	}
	return &sm, nil
}
