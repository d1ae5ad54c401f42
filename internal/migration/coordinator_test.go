package migration

import (
	"context"
	"errors"
	"log"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	accsqlite "github.com/antihub/antihub-ops/internal/accountstore/sqlite"
	"github.com/antihub/antihub-ops/internal/secrets"
	"github.com/antihub/antihub-ops/internal/userstore"
	usersqlite "github.com/antihub/antihub-ops/internal/userstore/sqlite"
)

// memStateStore is an in-memory StateStore for coordinator tests.
type memStateStore struct {
	mu     sync.Mutex
	states map[string]*State
}

func newMemStateStore() *memStateStore {
	return &memStateStore{states: make(map[string]*State)}
}

func (m *memStateStore) Get(_ context.Context, name string) (*State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.states[name]
	if !ok {
		return nil, nil
	}
	cp := *st
	return &cp, nil
}

func (m *memStateStore) MarkRunning(_ context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	m.states[name] = &State{Name: name, Status: StatusRunning, StartedAt: &now}
	return nil
}

func (m *memStateStore) MarkSucceeded(_ context.Context, name string, details map[string]int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.states[name]
	now := time.Now()
	st.Status = StatusSucceeded
	st.FinishedAt = &now
	st.Details = details
	return nil
}

func (m *memStateStore) MarkFailed(_ context.Context, name string, cause error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.states[name]
	now := time.Now()
	st.Status = StatusFailed
	st.FinishedAt = &now
	st.LastError = cause.Error()
	return nil
}

// fakeSource serves canned legacy rows, with per-type error injection.
type fakeSource struct {
	kiro    []LegacyKiroAccount
	qwen    []LegacyQwenAccount
	quotas  []LegacyModelQuota
	subs    []LegacySubscriptionModels
	qwenErr error
}

func (f *fakeSource) ListKiroAccounts(context.Context) ([]LegacyKiroAccount, error) {
	return f.kiro, nil
}

func (f *fakeSource) ListQwenAccounts(context.Context) ([]LegacyQwenAccount, error) {
	if f.qwenErr != nil {
		return nil, f.qwenErr
	}
	return f.qwen, nil
}

func (f *fakeSource) ListModelQuotas(context.Context) ([]LegacyModelQuota, error) {
	return f.quotas, nil
}

func (f *fakeSource) ListSubscriptionModels(context.Context) ([]LegacySubscriptionModels, error) {
	return f.subs, nil
}

func (f *fakeSource) Close() error { return nil }

type fixture struct {
	coord     *Coordinator
	users     *usersqlite.Store
	accounts  *accsqlite.Store
	states    *memStateStore
	box       *secrets.Box
	src       *fakeSource
	openCalls int
	admin     *userstore.User
	mapped    *userstore.User
}

func setup(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()

	users, err := usersqlite.New(filepath.Join(dir, "identity.db"))
	if err != nil {
		t.Fatalf("open user store: %v", err)
	}
	t.Cleanup(func() { users.Close() })

	accounts, err := accsqlite.New(filepath.Join(dir, "accounts.db"))
	if err != nil {
		t.Fatalf("open account store: %v", err)
	}
	t.Cleanup(func() { accounts.Close() })

	ctx := context.Background()
	admin, err := users.EnsureRootAdmin(ctx, "ops@example.com")
	if err != nil {
		t.Fatalf("EnsureRootAdmin: %v", err)
	}
	mapped, err := users.CreateUser(ctx, "mapped@example.com", userstore.RoleUser, "Mapped")
	if err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	if err := users.RecordPluginUser(ctx, "plugin-user-1", mapped.ID); err != nil {
		t.Fatalf("RecordPluginUser: %v", err)
	}

	box, err := secrets.NewBox("test-key")
	if err != nil {
		t.Fatalf("NewBox: %v", err)
	}

	f := &fixture{
		users:    users,
		accounts: accounts,
		states:   newMemStateStore(),
		box:      box,
		src:      sampleSource(),
		admin:    admin,
		mapped:   mapped,
	}
	f.coord = &Coordinator{
		Enabled:    true,
		State:      f.states,
		Lock:       NewLocalLocker(),
		Users:      users,
		Accounts:   accounts,
		Secrets:    box,
		Logger:     log.New(&strings.Builder{}, "[test] ", 0),
		AdminEmail: "ops@example.com",
		OpenSource: func(context.Context) (Source, error) {
			f.openCalls++
			return f.src, nil
		},
	}
	return f
}

func sampleSource() *fakeSource {
	remaining, limit := 80.0, 100.0
	return &fakeSource{
		kiro: []LegacyKiroAccount{
			{
				AccountID:   "acct-mapped",
				UserID:      "plugin-user-1",
				AccountName: "mapped account",
				Region:      "us-east-1",
				Status:      1,
				Credentials: map[string]string{"refresh_token": "rt-secret-1"},
			},
			{
				AccountID:   "acct-123",
				UserID:      "plugin-user-unknown",
				Status:      1,
				Credentials: map[string]string{"refresh_token": "rt-secret-2"},
			},
		},
		qwen: []LegacyQwenAccount{
			{
				AccountID:   "qwen-1",
				UserID:      "",
				Email:       "q@example.com",
				Status:      1,
				Credentials: map[string]string{"access_token": "at-secret"},
			},
		},
		quotas: []LegacyModelQuota{
			{AccountID: "acct-mapped", ModelID: "claude-sonnet", Remaining: &remaining, Limit: &limit},
		},
		subs: []LegacySubscriptionModels{
			{Subscription: "KIRO PRO+", ModelIDs: []string{"claude-sonnet", "claude-haiku"}},
		},
	}
}

func TestRunDisabled(t *testing.T) {
	f := setup(t)
	f.coord.Enabled = false

	res, err := f.coord.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Outcome != OutcomeDisabled {
		t.Fatalf("unexpected outcome %s", res.Outcome)
	}
	if f.openCalls != 0 {
		t.Fatal("source opened while disabled")
	}
}

func TestRunMigratesOnce(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	res, err := f.coord.Run(ctx)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Outcome != OutcomeMigrated {
		t.Fatalf("unexpected outcome %s", res.Outcome)
	}
	want := map[string]int64{
		"kiro_accounts": 2, "qwen_accounts": 1,
		"model_quotas": 1, "subscription_models": 1,
	}
	for k, v := range want {
		if res.Counts[k] != v {
			t.Fatalf("count %s = %d, want %d", k, res.Counts[k], v)
		}
	}

	// Mapped external id resolves through the mapping table.
	mapped, err := f.accounts.GetKiroAccount(ctx, "acct-mapped")
	if err != nil || mapped == nil {
		t.Fatalf("GetKiroAccount mapped: %+v %v", mapped, err)
	}
	if mapped.UserID != f.mapped.ID {
		t.Fatalf("mapped owner = %d, want %d", mapped.UserID, f.mapped.ID)
	}

	// Unmapped external id falls back to the administrative account.
	fallback, err := f.accounts.GetKiroAccount(ctx, "acct-123")
	if err != nil || fallback == nil {
		t.Fatalf("GetKiroAccount fallback: %+v %v", fallback, err)
	}
	if fallback.UserID != f.admin.ID {
		t.Fatalf("fallback owner = %d, want admin %d", fallback.UserID, f.admin.ID)
	}

	// Credentials land encrypted, and the envelope opens back to the source
	// fields.
	if strings.Contains(fallback.Credentials, "rt-secret-2") {
		t.Fatal("plaintext token leaked into credentials column")
	}
	creds, err := f.box.DecryptCredentials(fallback.Credentials)
	if err != nil {
		t.Fatalf("DecryptCredentials: %v", err)
	}
	if creds["refresh_token"] != "rt-secret-2" {
		t.Fatalf("credential round trip mismatch: %v", creds)
	}

	// A second run takes the fast path: no lock, no source connection.
	res, err = f.coord.Run(ctx)
	if err != nil {
		t.Fatalf("Run second: %v", err)
	}
	if res.Outcome != OutcomeAlreadyMigrated {
		t.Fatalf("unexpected second outcome %s", res.Outcome)
	}
	if f.openCalls != 1 {
		t.Fatalf("source reopened on fast-path run: %d opens", f.openCalls)
	}
}

func TestRunLegacyDoneStatusSkips(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	// Records written by older deployments read "done" instead of
	// "succeeded".
	f.states.states[DefaultName] = &State{Name: DefaultName, Status: "done"}

	res, err := f.coord.Run(ctx)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Outcome != OutcomeAlreadyMigrated {
		t.Fatalf("unexpected outcome %s", res.Outcome)
	}
	if f.openCalls != 0 {
		t.Fatal("source opened despite completed record")
	}
}

func TestRunFailureRecordsStateAndAllowsRetry(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.src.qwenErr = errors.New("legacy source gone")

	_, err := f.coord.Run(ctx)
	if err == nil {
		t.Fatal("expected failure")
	}
	st, _ := f.states.Get(ctx, DefaultName)
	if st == nil || st.Status != StatusFailed {
		t.Fatalf("state not failed: %+v", st)
	}
	if !strings.Contains(st.LastError, "legacy source gone") {
		t.Fatalf("error text not recorded: %q", st.LastError)
	}

	// Entity types completed before the failure stay committed.
	kiro, err := f.accounts.ListKiroAccounts(ctx)
	if err != nil {
		t.Fatalf("ListKiroAccounts: %v", err)
	}
	if len(kiro) != 2 {
		t.Fatalf("expected committed kiro accounts, got %d", len(kiro))
	}

	// The failed type left nothing half-written.
	qwen, err := f.accounts.ListQwenAccounts(ctx)
	if err != nil {
		t.Fatalf("ListQwenAccounts: %v", err)
	}
	if len(qwen) != 0 {
		t.Fatalf("half-migrated qwen rows present: %d", len(qwen))
	}

	// Retry after the source recovers: succeeds, and the re-upserted kiro
	// rows keep their original ownership.
	f.src.qwenErr = nil
	res, err := f.coord.Run(ctx)
	if err != nil {
		t.Fatalf("Run retry: %v", err)
	}
	if res.Outcome != OutcomeMigrated {
		t.Fatalf("unexpected retry outcome %s", res.Outcome)
	}
	mapped, err := f.accounts.GetKiroAccount(ctx, "acct-mapped")
	if err != nil || mapped == nil {
		t.Fatalf("GetKiroAccount: %+v %v", mapped, err)
	}
	if mapped.UserID != f.mapped.ID {
		t.Fatalf("retry changed ownership: %d", mapped.UserID)
	}
}

func TestRunSkipsWhenLockHeldElsewhere(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.coord.LockWait = 50 * time.Millisecond

	locker := f.coord.Lock.(*LocalLocker)
	release, ok, err := locker.Acquire(ctx, DefaultName, time.Second)
	if err != nil || !ok {
		t.Fatalf("pre-acquire lock: ok=%v err=%v", ok, err)
	}
	defer release()

	res, err := f.coord.Run(ctx)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Outcome != OutcomeSkippedConcurrent {
		t.Fatalf("unexpected outcome %s", res.Outcome)
	}
	if f.openCalls != 0 {
		t.Fatal("source opened without holding the lock")
	}
}

func TestRunFailsWithoutAdminAccount(t *testing.T) {
	f := setup(t)
	f.coord.AdminEmail = "nobody@example.com"

	_, err := f.coord.Run(context.Background())
	if err == nil {
		t.Fatal("expected failure when admin account is unresolvable")
	}
	if !strings.Contains(err.Error(), "administrative account") {
		t.Fatalf("unexpected error: %v", err)
	}
	st, _ := f.states.Get(context.Background(), DefaultName)
	if st == nil || st.Status != StatusFailed {
		t.Fatalf("state not failed: %+v", st)
	}
}
