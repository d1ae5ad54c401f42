// Package accountstore persists the consolidated provider account data the
// plugin service used to own: Kiro and Qwen accounts, per-model quota
// snapshots, and subscription model whitelists.
//
// All writes are keyed upserts on the entity's natural external identifier
// (the plugin-era string account id), never on legacy numeric primary keys.
// Credential material is stored only as an encrypted envelope.
package accountstore

import (
	"context"
	"time"
)

// Account status values, carried over from the plugin schema.
const (
	StatusDisabled = 0
	StatusEnabled  = 1
)

// KiroAccount is a consolidated Kiro (AWS) provider account.
type KiroAccount struct {
	AccountID        string // natural key, plugin-era uuid string
	UserID           int64  // owning local user
	AccountName      string
	AuthMethod       string // Social / IdC
	Region           string
	MachineID        string
	Email            string
	UpstreamID       string // provider-side user id
	Subscription     string
	SubscriptionType string
	Status           int
	NeedRefresh      bool
	TokenExpiresAt   *time.Time

	// Usage-limit snapshot, refreshed from the provider.
	CurrentUsage *float64
	UsageLimit   *float64
	ResetDate    *time.Time
	BonusUsage   *float64
	BonusLimit   *float64

	// Credentials holds the encrypted envelope; never plaintext.
	Credentials string

	CreatedAt  time.Time
	UpdatedAt  time.Time
	LastUsedAt *time.Time
}

// QwenAccount is a consolidated Qwen provider account.
type QwenAccount struct {
	AccountID      string // natural key
	UserID         int64
	AccountName    string
	Email          string
	ResourceURL    string
	Status         int
	NeedRefresh    bool
	TokenExpiresAt *time.Time
	LastRefreshAt  *time.Time

	// Credentials holds the encrypted envelope; never plaintext.
	Credentials string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// ModelQuota is a current-state quota snapshot for one model of one account.
type ModelQuota struct {
	AccountID string
	ModelID   string
	Remaining *float64
	Limit     *float64
	ResetAt   *time.Time
	UpdatedAt time.Time
}

// SubscriptionModels whitelists model ids for a subscription tier. A nil
// model list means unconfigured (default allow).
type SubscriptionModels struct {
	Subscription string
	ModelIDs     []string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Store persists consolidated provider accounts. Upserts are idempotent: a
// second apply of the same data changes nothing, and an upsert over an
// existing row never overwrites the row's ownership (user_id) — the mapping
// recorded on first insert wins.
type Store interface {
	UpsertKiroAccount(ctx context.Context, a KiroAccount) error
	GetKiroAccount(ctx context.Context, accountID string) (*KiroAccount, error)
	ListKiroAccounts(ctx context.Context) ([]KiroAccount, error)

	UpsertQwenAccount(ctx context.Context, a QwenAccount) error
	GetQwenAccount(ctx context.Context, accountID string) (*QwenAccount, error)
	ListQwenAccounts(ctx context.Context) ([]QwenAccount, error)

	UpsertModelQuota(ctx context.Context, q ModelQuota) error
	ListModelQuotas(ctx context.Context, accountID string) ([]ModelQuota, error)

	UpsertSubscriptionModels(ctx context.Context, sm SubscriptionModels) error
	GetSubscriptionModels(ctx context.Context, subscription string) (*SubscriptionModels, error)

	Close() error
}

// TxRunner is implemented by stores that can scope a batch of writes to a
// single transaction: fn runs against a transaction-bound Store, and a non-nil
// error rolls every write in the batch back.
type TxRunner interface {
	InTx(ctx context.Context, fn func(Store) error) error
}
