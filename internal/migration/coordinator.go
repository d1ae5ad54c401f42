// Package migration performs the one-time copy of plugin-database entities
// into the consolidated schema. It is run on every process startup; a durable
// state record plus a cluster-wide lock make the copy happen exactly once no
// matter how many instances start concurrently.
package migration

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/antihub/antihub-ops/internal/accountstore"
	"github.com/antihub/antihub-ops/internal/secrets"
	"github.com/antihub/antihub-ops/internal/userstore"
)

// DefaultName identifies the plugin consolidation migration in the state
// table and the advisory lock space.
const DefaultName = "plugin_db_v1"

// DefaultLockWait bounds how long an instance waits for the migration lock
// before deciding another instance owns the run.
const DefaultLockWait = 15 * time.Second

// Outcome classifies how a coordinator run ended.
type Outcome int

const (
	// OutcomeDisabled means the migration flag is unset; nothing was done.
	OutcomeDisabled Outcome = iota
	// OutcomeAlreadyMigrated means the state record already reads succeeded.
	OutcomeAlreadyMigrated
	// OutcomeSkippedConcurrent means another instance holds the lock.
	OutcomeSkippedConcurrent
	// OutcomeMigrated means this run performed the copy.
	OutcomeMigrated
)

func (o Outcome) String() string {
	switch o {
	case OutcomeDisabled:
		return "disabled"
	case OutcomeAlreadyMigrated:
		return "already-migrated"
	case OutcomeSkippedConcurrent:
		return "skipped-concurrent"
	case OutcomeMigrated:
		return "migrated"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Result reports a run's outcome and, for a performed copy, per-entity-type
// row counts.
type Result struct {
	Outcome Outcome
	Counts  map[string]int64
}

// AccountStore is the consolidated store the coordinator writes to. Writes
// for one entity type are scoped to one transaction.
type AccountStore interface {
	accountstore.Store
	accountstore.TxRunner
}

// Coordinator copies legacy plugin entities into the consolidated schema.
type Coordinator struct {
	Name     string
	Enabled  bool
	LockWait time.Duration

	State    StateStore
	Lock     Locker
	Users    userstore.Store
	Accounts AccountStore
	Secrets  *secrets.Box
	Logger   *log.Logger

	// OpenSource connects to the legacy plugin database. It is only called
	// once this instance holds the lock and the copy is actually needed.
	OpenSource func(ctx context.Context) (Source, error)

	// AdminEmail names the administrative account used as the ownership
	// fallback for unmapped legacy users.
	AdminEmail string
}

// Run executes the coordinator state machine. A non-nil error means the
// migration failed; with the flag enabled the caller must treat that as
// fatal to startup.
func (c *Coordinator) Run(ctx context.Context) (Result, error) {
	if !c.Enabled {
		return Result{Outcome: OutcomeDisabled}, nil
	}
	name := c.Name
	if name == "" {
		name = DefaultName
	}
	wait := c.LockWait
	if wait <= 0 {
		wait = DefaultLockWait
	}

	// Fast path: a previously succeeded record means no lock traffic at all.
	st, err := c.State.Get(ctx, name)
	if err != nil {
		return Result{}, fmt.Errorf("read migration state: %w", err)
	}
	if st.Succeeded() {
		return Result{Outcome: OutcomeAlreadyMigrated, Counts: st.Details}, nil
	}

	release, ok, err := c.Lock.Acquire(ctx, name, wait)
	if err != nil {
		return Result{}, fmt.Errorf("acquire migration lock: %w", err)
	}
	if !ok {
		c.logf("migration %s: lock held elsewhere, skipping (another instance owns the run)", name)
		return Result{Outcome: OutcomeSkippedConcurrent}, nil
	}
	defer release()

	// Re-check under the lock: the previous holder may have finished while
	// this instance was waiting.
	st, err = c.State.Get(ctx, name)
	if err != nil {
		return Result{}, fmt.Errorf("read migration state: %w", err)
	}
	if st.Succeeded() {
		return Result{Outcome: OutcomeAlreadyMigrated, Counts: st.Details}, nil
	}

	if err := c.State.MarkRunning(ctx, name); err != nil {
		return Result{}, err
	}

	counts, err := c.copyAll(ctx)
	if err != nil {
		if markErr := c.State.MarkFailed(ctx, name, err); markErr != nil {
			c.logf("migration %s: failed to record failure: %v", name, markErr)
		}
		return Result{}, fmt.Errorf("migration %s: %w", name, err)
	}

	if err := c.State.MarkSucceeded(ctx, name, counts); err != nil {
		return Result{}, err
	}
	c.logf("migration %s: succeeded (kiro=%d qwen=%d quotas=%d subscriptions=%d)",
		name, counts["kiro_accounts"], counts["qwen_accounts"],
		counts["model_quotas"], counts["subscription_models"])
	return Result{Outcome: OutcomeMigrated, Counts: counts}, nil
}

// copyAll migrates every entity type in a fixed order: accounts first, then
// quota rows that reference account keys, then subscription whitelists. Each
// type runs in its own transaction so a midway failure never leaves a type
// half-copied, while earlier completed types stay committed.
func (c *Coordinator) copyAll(ctx context.Context) (map[string]int64, error) {
	admin, err := c.Users.FindByEmail(ctx, c.AdminEmail)
	if err != nil {
		return nil, fmt.Errorf("resolve administrative account: %w", err)
	}
	if admin == nil {
		return nil, fmt.Errorf("administrative account %s not found", c.AdminEmail)
	}

	src, err := c.OpenSource(ctx)
	if err != nil {
		return nil, err
	}
	defer src.Close()

	resolver := newUserResolver(c.Users, admin.ID)
	counts := make(map[string]int64)

	n, err := c.copyKiroAccounts(ctx, src, resolver)
	if err != nil {
		return nil, fmt.Errorf("copy kiro accounts: %w", err)
	}
	counts["kiro_accounts"] = n

	n, err = c.copyQwenAccounts(ctx, src, resolver)
	if err != nil {
		return nil, fmt.Errorf("copy qwen accounts: %w", err)
	}
	counts["qwen_accounts"] = n

	n, err = c.copyModelQuotas(ctx, src)
	if err != nil {
		return nil, fmt.Errorf("copy model quotas: %w", err)
	}
	counts["model_quotas"] = n

	n, err = c.copySubscriptionModels(ctx, src)
	if err != nil {
		return nil, fmt.Errorf("copy subscription models: %w", err)
	}
	counts["subscription_models"] = n

	return counts, nil
}

// encrypt seals a legacy credential map. Rows with no credential material
// (null column in the plugin schema) store an empty envelope.
func (c *Coordinator) encrypt(creds map[string]string) (string, error) {
	if len(creds) == 0 {
		return "", nil
	}
	return c.Secrets.EncryptCredentials(creds)
}

func (c *Coordinator) copyKiroAccounts(ctx context.Context, src Source, resolver *userResolver) (int64, error) {
	legacy, err := src.ListKiroAccounts(ctx)
	if err != nil {
		return 0, err
	}
	var n int64
	err = c.Accounts.InTx(ctx, func(tx accountstore.Store) error {
		for _, la := range legacy {
			ownerID, err := resolver.resolve(ctx, la.UserID)
			if err != nil {
				return err
			}
			envelope, err := c.encrypt(la.Credentials)
			if err != nil {
				return fmt.Errorf("encrypt credentials for %s: %w", la.AccountID, err)
			}
			a := accountstore.KiroAccount{
				AccountID:        la.AccountID,
				UserID:           ownerID,
				AccountName:      la.AccountName,
				AuthMethod:       la.AuthMethod,
				Region:           la.Region,
				MachineID:        la.MachineID,
				Email:            la.Email,
				UpstreamID:       la.UpstreamID,
				Subscription:     la.Subscription,
				SubscriptionType: la.SubscriptionType,
				Status:           la.Status,
				NeedRefresh:      la.NeedRefresh,
				TokenExpiresAt:   la.TokenExpiresAt,
				CurrentUsage:     la.CurrentUsage,
				UsageLimit:       la.UsageLimit,
				ResetDate:        la.ResetDate,
				BonusUsage:       la.BonusUsage,
				BonusLimit:       la.BonusLimit,
				LastUsedAt:       la.LastUsedAt,
				Credentials:      envelope,
			}
			if err := tx.UpsertKiroAccount(ctx, a); err != nil {
				return err
			}
			n++
		}
		return nil
	})
	return n, err
}

func (c *Coordinator) copyQwenAccounts(ctx context.Context, src Source, resolver *userResolver) (int64, error) {
	legacy, err := src.ListQwenAccounts(ctx)
	if err != nil {
		return 0, err
	}
	var n int64
	err = c.Accounts.InTx(ctx, func(tx accountstore.Store) error {
		for _, la := range legacy {
			ownerID, err := resolver.resolve(ctx, la.UserID)
			if err != nil {
				return err
			}
			envelope, err := c.encrypt(la.Credentials)
			if err != nil {
				return fmt.Errorf("encrypt credentials for %s: %w", la.AccountID, err)
			}
			a := accountstore.QwenAccount{
				AccountID:      la.AccountID,
				UserID:         ownerID,
				AccountName:    la.AccountName,
				Email:          la.Email,
				ResourceURL:    la.ResourceURL,
				Status:         la.Status,
				NeedRefresh:    la.NeedRefresh,
				TokenExpiresAt: la.TokenExpiresAt,
				LastRefreshAt:  la.LastRefreshAt,
				Credentials:    envelope,
			}
			if err := tx.UpsertQwenAccount(ctx, a); err != nil {
				return err
			}
			n++
		}
		return nil
	})
	return n, err
}

func (c *Coordinator) copyModelQuotas(ctx context.Context, src Source) (int64, error) {
	legacy, err := src.ListModelQuotas(ctx)
	if err != nil {
		return 0, err
	}
	var n int64
	err = c.Accounts.InTx(ctx, func(tx accountstore.Store) error {
		for _, lq := range legacy {
			q := accountstore.ModelQuota{
				AccountID: lq.AccountID,
				ModelID:   lq.ModelID,
				Remaining: lq.Remaining,
				Limit:     lq.Limit,
				ResetAt:   lq.ResetAt,
			}
			if err := tx.UpsertModelQuota(ctx, q); err != nil {
				return err
			}
			n++
		}
		return nil
	})
	return n, err
}

func (c *Coordinator) copySubscriptionModels(ctx context.Context, src Source) (int64, error) {
	legacy, err := src.ListSubscriptionModels(ctx)
	if err != nil {
		return 0, err
	}
	var n int64
	err = c.Accounts.InTx(ctx, func(tx accountstore.Store) error {
		for _, lsm := range legacy {
			sm := accountstore.SubscriptionModels{
				Subscription: lsm.Subscription,
				ModelIDs:     lsm.ModelIDs,
			}
			if err := tx.UpsertSubscriptionModels(ctx, sm); err != nil {
				return err
			}
			n++
		}
		return nil
	})
	return n, err
}

func (c *Coordinator) logf(format string, args ...any) {
	if c.Logger != nil {
		c.Logger.Printf(format, args...)
	}
}

// userResolver translates legacy external user ids to local user ids,
// caching lookups for the duration of one run. Unmapped ids (including the
// empty id of previously shared accounts) fall back to the administrative
// account.
type userResolver struct {
	users   userstore.Store
	adminID int64
	cache   map[string]int64
}

func newUserResolver(users userstore.Store, adminID int64) *userResolver {
	return &userResolver{users: users, adminID: adminID, cache: make(map[string]int64)}
}

func (r *userResolver) resolve(ctx context.Context, externalID string) (int64, error) {
	if externalID == "" {
		return r.adminID, nil
	}
	if id, ok := r.cache[externalID]; ok {
		return id, nil
	}
	id, ok, err := r.users.LookupPluginUser(ctx, externalID)
	if err != nil {
		return 0, fmt.Errorf("lookup plugin user %s: %w", externalID, err)
	}
	if !ok {
		id = r.adminID
	}
	r.cache[externalID] = id
	return id, nil
}
