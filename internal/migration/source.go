package migration

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// Legacy entity rows as read from the plugin database. Credentials arrive as
// plaintext field maps and must be envelope-encrypted before any target
// write. UserID is the plugin's own user identifier, an opaque string that
// only means something through the plugin_user_mappings table.

type LegacyKiroAccount struct {
	AccountID        string
	UserID           string
	AccountName      string
	AuthMethod       string
	Region           string
	MachineID        string
	Email            string
	UpstreamID       string
	Subscription     string
	SubscriptionType string
	Status           int
	NeedRefresh      bool
	TokenExpiresAt   *time.Time
	CurrentUsage     *float64
	UsageLimit       *float64
	ResetDate        *time.Time
	BonusUsage       *float64
	BonusLimit       *float64
	LastUsedAt       *time.Time
	Credentials      map[string]string
}

type LegacyQwenAccount struct {
	AccountID      string
	UserID         string
	AccountName    string
	Email          string
	ResourceURL    string
	Status         int
	NeedRefresh    bool
	TokenExpiresAt *time.Time
	LastRefreshAt  *time.Time
	Credentials    map[string]string
}

type LegacyModelQuota struct {
	AccountID string
	ModelID   string
	Remaining *float64
	Limit     *float64
	ResetAt   *time.Time
}

type LegacySubscriptionModels struct {
	Subscription string
	ModelIDs     []string
}

// Source reads current-state entities from the legacy plugin database.
// Append-only usage history is deliberately not part of this interface.
type Source interface {
	ListKiroAccounts(ctx context.Context) ([]LegacyKiroAccount, error)
	ListQwenAccounts(ctx context.Context) ([]LegacyQwenAccount, error)
	ListModelQuotas(ctx context.Context) ([]LegacyModelQuota, error)
	ListSubscriptionModels(ctx context.Context) ([]LegacySubscriptionModels, error)
	Close() error
}

// PostgresSource reads the plugin schema over a plain connection.
type PostgresSource struct {
	db *sql.DB
}

// OpenSource connects to the legacy plugin database and verifies
// reachability.
func OpenSource(ctx context.Context, dsn string) (*PostgresSource, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open legacy source: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping legacy source: %w", err)
	}
	return &PostgresSource{db: db}, nil
}

func (s *PostgresSource) Close() error {
	return s.db.Close()
}

func (s *PostgresSource) ListKiroAccounts(ctx context.Context) ([]LegacyKiroAccount, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT account_id, COALESCE(user_id, ''), COALESCE(account_name, ''),
	COALESCE(auth_method, ''), COALESCE(region, ''), COALESCE(machineid, ''),
	COALESCE(email, ''), COALESCE(userid, ''), COALESCE(subscription, ''),
	COALESCE(subscription_type, ''), status, need_refresh, token_expires_at,
	current_usage, usage_limit, reset_date, bonus_usage, bonus_limit,
	last_used_at, credentials
FROM kiro_accounts ORDER BY account_id`)
	if err != nil {
		return nil, fmt.Errorf("list legacy kiro accounts: %w", err)
	}
	defer rows.Close()

	var out []LegacyKiroAccount
	for rows.Next() {
		var a LegacyKiroAccount
		var creds sql.NullString
		if err := rows.Scan(&a.AccountID, &a.UserID, &a.AccountName, &a.AuthMethod,
			&a.Region, &a.MachineID, &a.Email, &a.UpstreamID, &a.Subscription,
			&a.SubscriptionType, &a.Status, &a.NeedRefresh, &a.TokenExpiresAt,
			&a.CurrentUsage, &a.UsageLimit, &a.ResetDate, &a.BonusUsage,
			&a.BonusLimit, &a.LastUsedAt, &creds); err != nil {
			return nil, fmt.Errorf("scan legacy kiro account: %w", err)
		}
		if a.Credentials, err = decodeCredentials(creds); err != nil {
			return nil, fmt.Errorf("legacy kiro account %s: %w", a.AccountID, err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *PostgresSource) ListQwenAccounts(ctx context.Context) ([]LegacyQwenAccount, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT account_id, COALESCE(user_id, ''), COALESCE(account_name, ''),
	COALESCE(email, ''), COALESCE(resource_url, ''), status, need_refresh,
	token_expires_at, last_refresh_at, credentials
FROM qwen_accounts ORDER BY account_id`)
	if err != nil {
		return nil, fmt.Errorf("list legacy qwen accounts: %w", err)
	}
	defer rows.Close()

	var out []LegacyQwenAccount
	for rows.Next() {
		var a LegacyQwenAccount
		var creds sql.NullString
		if err := rows.Scan(&a.AccountID, &a.UserID, &a.AccountName, &a.Email,
			&a.ResourceURL, &a.Status, &a.NeedRefresh, &a.TokenExpiresAt,
			&a.LastRefreshAt, &creds); err != nil {
			return nil, fmt.Errorf("scan legacy qwen account: %w", err)
		}
		if a.Credentials, err = decodeCredentials(creds); err != nil {
			return nil, fmt.Errorf("legacy qwen account %s: %w", a.AccountID, err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *PostgresSource) ListModelQuotas(ctx context.Context) ([]LegacyModelQuota, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT account_id, model_id, remaining, quota_limit, reset_at
FROM kiro_model_quotas ORDER BY account_id, model_id`)
	if err != nil {
		return nil, fmt.Errorf("list legacy model quotas: %w", err)
	}
	defer rows.Close()

	var out []LegacyModelQuota
	for rows.Next() {
		var q LegacyModelQuota
		if err := rows.Scan(&q.AccountID, &q.ModelID, &q.Remaining, &q.Limit, &q.ResetAt); err != nil {
			return nil, fmt.Errorf("scan legacy model quota: %w", err)
		}
		out = append(out, q)
	}
	return out, rows.Err()
}

func (s *PostgresSource) ListSubscriptionModels(ctx context.Context) ([]LegacySubscriptionModels, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT subscription, allowed_model_ids
FROM kiro_subscription_models ORDER BY subscription`)
	if err != nil {
		return nil, fmt.Errorf("list legacy subscription models: %w", err)
	}
	defer rows.Close()

	var out []LegacySubscriptionModels
	for rows.Next() {
		var sm LegacySubscriptionModels
		var encoded sql.NullString
		if err := rows.Scan(&sm.Subscription, &encoded); err != nil {
			return nil, fmt.Errorf("scan legacy subscription models: %w", err)
		}
		if encoded.Valid && encoded.String != "" {
			if err := json.Unmarshal([]byte(encoded.String), &sm.ModelIDs); err != nil {
				return nil, fmt.Errorf("legacy subscription %s model ids: %w", sm.Subscription, err)
			}
		}
		out = append(out, sm)
	}
	return out, rows.Err()
}

// decodeCredentials parses a plaintext JSON credential column. A null or
// empty column yields an empty map.
func decodeCredentials(raw sql.NullString) (map[string]string, error) {
	if !raw.Valid || raw.String == "" {
		return map[string]string{}, nil
	}
	var creds map[string]string
	if err := json.Unmarshal([]byte(raw.String), &creds); err != nil {
		return nil, fmt.Errorf("decode credentials: %w", err)
	}
	return creds, nil
}
