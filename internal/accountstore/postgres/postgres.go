package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/lib/pq"

	"github.com/antihub/antihub-ops/internal/accountstore"
)

// Store implements accountstore.Store backed by Postgres.
type Store struct {
	db *sql.DB
	q  queryer
}

type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// New opens a Postgres-backed account store using the provided DSN.
func New(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres db: %w", err)
	}
	return NewWithDB(db)
}

// NewWithDB wraps an existing connection.
func NewWithDB(db *sql.DB) (*Store, error) {
	s := &Store{db: db, q: db}
	if err := s.initSchema(); err != nil {
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
	need_refresh BOOLEAN NOT NULL DEFAULT FALSE,
	token_expires_at TIMESTAMPTZ,
	current_usage DOUBLE PRECISION,
	usage_limit DOUBLE PRECISION,
	reset_date TIMESTAMPTZ,
	bonus_usage DOUBLE PRECISION,
	bonus_limit DOUBLE PRECISION,
	credentials TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	last_used_at TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS qwen_accounts (
	account_id TEXT PRIMARY KEY,
	user_id INTEGER NOT NULL,
	account_name TEXT,
	email TEXT,
	resource_url TEXT,
	status INTEGER NOT NULL DEFAULT 1,
	need_refresh BOOLEAN NOT NULL DEFAULT FALSE,
	token_expires_at TIMESTAMPTZ,
	last_refresh_at TIMESTAMPTZ,
	credentials TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS model_quotas (
	account_id TEXT NOT NULL,
	model_id TEXT NOT NULL,
	remaining DOUBLE PRECISION,
	quota_limit DOUBLE PRECISION,
	reset_at TIMESTAMPTZ,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	PRIMARY KEY (account_id, model_id)
);

CREATE TABLE IF NOT EXISTS kiro_subscription_models (
	subscription TEXT PRIMARY KEY,
	allowed_model_ids TEXT[],
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_kiro_accounts_user ON kiro_accounts(user_id);
CREATE INDEX IF NOT EXISTS idx_kiro_accounts_email ON kiro_accounts(email);
CREATE INDEX IF NOT EXISTS idx_qwen_accounts_user ON qwen_accounts(user_id);
CREATE INDEX IF NOT EXISTS idx_qwen_accounts_email ON qwen_accounts(email);
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

// InTx runs fn against a store bound to a single transaction. A non-nil error
// from fn rolls the transaction back.
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
// update, user_id is left untouched: the ownership recorded on first insert
// is the source of truth.
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
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20)
ON CONFLICT (account_id) DO UPDATE SET
	account_name = EXCLUDED.account_name,
	auth_method = EXCLUDED.auth_method,
	region = EXCLUDED.region,
	machineid = EXCLUDED.machineid,
	email = EXCLUDED.email,
	upstream_id = EXCLUDED.upstream_id,
	subscription = EXCLUDED.subscription,
	subscription_type = EXCLUDED.subscription_type,
	status = EXCLUDED.status,
	need_refresh = EXCLUDED.need_refresh,
	token_expires_at = EXCLUDED.token_expires_at,
	current_usage = EXCLUDED.current_usage,
	usage_limit = EXCLUDED.usage_limit,
	reset_date = EXCLUDED.reset_date,
	bonus_usage = EXCLUDED.bonus_usage,
	bonus_limit = EXCLUDED.bonus_limit,
	credentials = EXCLUDED.credentials,
	last_used_at = EXCLUDED.last_used_at,
	updated_at = NOW()`,
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
FROM kiro_accounts WHERE account_id = $1`, accountID)
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

// UpsertQwenAccount inserts or updates the account keyed by account_id,
// preserving existing ownership on update.
func (s *Store) UpsertQwenAccount(ctx context.Context, a accountstore.QwenAccount) error {
	if a.AccountID == "" {
		return errors.New("account id required")
	}
	_, err := s.q.ExecContext(ctx, `
INSERT INTO qwen_accounts (
	account_id, user_id, account_name, email, resource_url, status,
	need_refresh, token_expires_at, last_refresh_at, credentials
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
ON CONFLICT (account_id) DO UPDATE SET
	account_name = EXCLUDED.account_name,
	email = EXCLUDED.email,
	resource_url = EXCLUDED.resource_url,
	status = EXCLUDED.status,
	need_refresh = EXCLUDED.need_refresh,
	token_expires_at = EXCLUDED.token_expires_at,
	last_refresh_at = EXCLUDED.last_refresh_at,
	credentials = EXCLUDED.credentials,
	updated_at = NOW()`,
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
FROM qwen_accounts WHERE account_id = $1`, accountID)
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
VALUES ($1,$2,$3,$4,$5)
ON CONFLICT (account_id, model_id) DO UPDATE SET
	remaining = EXCLUDED.remaining,
	quota_limit = EXCLUDED.quota_limit,
	reset_at = EXCLUDED.reset_at,
	updated_at = NOW()`,
		q.AccountID, q.ModelID, q.Remaining, q.Limit, q.ResetAt)
	if err != nil {
		return fmt.Errorf("upsert model quota %s/%s: %w", q.AccountID, q.ModelID, err)
	}
	return nil
}

func (s *Store) ListModelQuotas(ctx context.Context, accountID string) ([]accountstore.ModelQuota, error) {
	rows, err := s.q.QueryContext(ctx, `
SELECT account_id, model_id, remaining, quota_limit, reset_at, updated_at
FROM model_quotas WHERE account_id = $1 ORDER BY model_id`, accountID)
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
	_, err := s.q.ExecContext(ctx, `
INSERT INTO kiro_subscription_models (subscription, allowed_model_ids)
VALUES ($1, $2)
ON CONFLICT (subscription) DO UPDATE SET
	allowed_model_ids = EXCLUDED.allowed_model_ids,
	updated_at = NOW()`,
		sm.Subscription, pq.Array(sm.ModelIDs))
	if err != nil {
		return fmt.Errorf("upsert subscription models %s: %w", sm.Subscription, err)
	}
	return nil
}

func (s *Store) GetSubscriptionModels(ctx context.Context, subscription string) (*accountstore.SubscriptionModels, error) {
	var sm accountstore.SubscriptionModels
	err := s.q.QueryRowContext(ctx, `
SELECT subscription, allowed_model_ids, created_at, updated_at
FROM kiro_subscription_models WHERE subscription = $1`, subscription).
		Scan(&sm.Subscription, pq.Array(&sm.ModelIDs), &sm.CreatedAt, &sm.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &sm, nil
}
