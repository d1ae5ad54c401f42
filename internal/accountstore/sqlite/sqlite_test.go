package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/antihub/antihub-ops/internal/accountstore"
)

func setupStore(t *testing.T) *Store {
	t.Helper()
	store, err := New(filepath.Join(t.TempDir(), "accounts.db"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestKiroAccountUpsertPreservesOwner(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	usage := 12.5

	first := accountstore.KiroAccount{
		AccountID:    "acc-1",
		UserID:       7,
		AccountName:  "primary",
		AuthMethod:   "Social",
		Region:       "us-east-1",
		Status:       accountstore.StatusEnabled,
		CurrentUsage: &usage,
		Credentials:  "envelope-1",
	}
	if err := store.UpsertKiroAccount(ctx, first); err != nil {
		t.Fatalf("UpsertKiroAccount: %v", err)
	}

	// Re-apply under a different owner: everything but ownership updates.
	second := first
	second.UserID = 99
	second.AccountName = "renamed"
	second.Credentials = "envelope-2"
	if err := store.UpsertKiroAccount(ctx, second); err != nil {
		t.Fatalf("UpsertKiroAccount update: %v", err)
	}

	got, err := store.GetKiroAccount(ctx, "acc-1")
	if err != nil {
		t.Fatalf("GetKiroAccount: %v", err)
	}
	if got == nil {
		t.Fatal("account not found")
	}
	if got.UserID != 7 {
		t.Fatalf("ownership overwritten: user_id=%d", got.UserID)
	}
	if got.AccountName != "renamed" || got.Credentials != "envelope-2" {
		t.Fatalf("non-ownership fields not updated: %+v", got)
	}
	if got.CurrentUsage == nil || *got.CurrentUsage != usage {
		t.Fatalf("usage snapshot lost: %v", got.CurrentUsage)
	}

	missing, err := store.GetKiroAccount(ctx, "acc-nope")
	if err != nil {
		t.Fatalf("GetKiroAccount missing: %v", err)
	}
	if missing != nil {
		t.Fatalf("expected nil for missing account")
	}
}

func TestQwenAccountUpsert(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	exp := time.Now().Add(time.Hour).UTC().Truncate(time.Second)

	a := accountstore.QwenAccount{
		AccountID:      "qwen-1",
		UserID:         3,
		Email:          "q@example.com",
		ResourceURL:    "https://portal.qwen.ai",
		Status:         accountstore.StatusEnabled,
		NeedRefresh:    true,
		TokenExpiresAt: &exp,
		Credentials:    "envelope",
	}
	if err := store.UpsertQwenAccount(ctx, a); err != nil {
		t.Fatalf("UpsertQwenAccount: %v", err)
	}
	a.UserID = 44
	a.NeedRefresh = false
	if err := store.UpsertQwenAccount(ctx, a); err != nil {
		t.Fatalf("UpsertQwenAccount update: %v", err)
	}

	got, err := store.GetQwenAccount(ctx, "qwen-1")
	if err != nil || got == nil {
		t.Fatalf("GetQwenAccount: %+v %v", got, err)
	}
	if got.UserID != 3 {
		t.Fatalf("ownership overwritten: user_id=%d", got.UserID)
	}
	if got.NeedRefresh {
		t.Fatal("need_refresh not updated")
	}
}

func TestModelQuotas(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	remaining, limit := 80.0, 100.0

	q := accountstore.ModelQuota{AccountID: "acc-1", ModelID: "claude-sonnet", Remaining: &remaining, Limit: &limit}
	if err := store.UpsertModelQuota(ctx, q); err != nil {
		t.Fatalf("UpsertModelQuota: %v", err)
	}
	remaining = 40.0
	if err := store.UpsertModelQuota(ctx, q); err != nil {
		t.Fatalf("UpsertModelQuota update: %v", err)
	}

	quotas, err := store.ListModelQuotas(ctx, "acc-1")
	if err != nil {
		t.Fatalf("ListModelQuotas: %v", err)
	}
	if len(quotas) != 1 {
		t.Fatalf("expected one quota row, got %d", len(quotas))
	}
	if quotas[0].Remaining == nil || *quotas[0].Remaining != 40.0 {
		t.Fatalf("remaining not updated: %v", quotas[0].Remaining)
	}
}

func TestSubscriptionModelsRoundTrip(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	sm := accountstore.SubscriptionModels{
		Subscription: "pro",
		ModelIDs:     []string{"claude-sonnet", "claude-haiku"},
	}
	if err := store.UpsertSubscriptionModels(ctx, sm); err != nil {
		t.Fatalf("UpsertSubscriptionModels: %v", err)
	}
	got, err := store.GetSubscriptionModels(ctx, "pro")
	if err != nil || got == nil {
		t.Fatalf("GetSubscriptionModels: %+v %v", got, err)
	}
	if len(got.ModelIDs) != 2 || got.ModelIDs[0] != "claude-sonnet" {
		t.Fatalf("model ids mismatch: %v", got.ModelIDs)
	}

	// Unconfigured tier reads back as nil list (default allow).
	if err := store.UpsertSubscriptionModels(ctx, accountstore.SubscriptionModels{Subscription: "free"}); err != nil {
		t.Fatalf("UpsertSubscriptionModels nil list: %v", err)
	}
	free, err := store.GetSubscriptionModels(ctx, "free")
	if err != nil || free == nil {
		t.Fatalf("GetSubscriptionModels free: %+v %v", free, err)
	}
	if free.ModelIDs != nil {
		t.Fatalf("expected nil model list, got %v", free.ModelIDs)
	}
}

func TestInTxRollsBackOnError(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	boom := errors.New("boom")

	err := store.InTx(ctx, func(tx accountstore.Store) error {
		if err := tx.UpsertKiroAccount(ctx, accountstore.KiroAccount{
			AccountID: "tx-acc", UserID: 1, Credentials: "envelope",
		}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected fn error back, got %v", err)
	}

	got, err := store.GetKiroAccount(ctx, "tx-acc")
	if err != nil {
		t.Fatalf("GetKiroAccount: %v", err)
	}
	if got != nil {
		t.Fatal("write survived rolled-back transaction")
	}

	// A clean run commits.
	err = store.InTx(ctx, func(tx accountstore.Store) error {
		return tx.UpsertKiroAccount(ctx, accountstore.KiroAccount{
			AccountID: "tx-acc", UserID: 1, Credentials: "envelope",
		})
	})
	if err != nil {
		t.Fatalf("InTx commit: %v", err)
	}
	got, err = store.GetKiroAccount(ctx, "tx-acc")
	if err != nil || got == nil {
		t.Fatalf("committed write missing: %+v %v", got, err)
	}
}
