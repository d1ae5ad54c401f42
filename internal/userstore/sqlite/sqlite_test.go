package sqlite

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/antihub/antihub-ops/internal/userstore"
)

func setupStore(t *testing.T) *Store {
	t.Helper()
	store, err := New(filepath.Join(t.TempDir(), "identity.db"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestEnsureRootAdmin(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	admin, err := store.EnsureRootAdmin(ctx, "Ops@Example.Com")
	if err != nil {
		t.Fatalf("EnsureRootAdmin: %v", err)
	}
	if admin.Email != "ops@example.com" {
		t.Fatalf("email not normalized: %s", admin.Email)
	}
	if admin.Role != userstore.RoleRootAdmin {
		t.Fatalf("unexpected role %s", admin.Role)
	}

	// Second call returns the same account, updating the email if changed.
	again, err := store.EnsureRootAdmin(ctx, "new-ops@example.com")
	if err != nil {
		t.Fatalf("EnsureRootAdmin second call: %v", err)
	}
	if again.ID != admin.ID {
		t.Fatalf("root admin duplicated: %d vs %d", again.ID, admin.ID)
	}
	if again.Email != "new-ops@example.com" {
		t.Fatalf("email not updated: %s", again.Email)
	}
}

func TestCreateAndFindUser(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	u, err := store.CreateUser(ctx, "alice@example.com", userstore.RoleUser, "Alice")
	if err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	found, err := store.FindByEmail(ctx, "ALICE@example.com")
	if err != nil {
		t.Fatalf("FindByEmail: %v", err)
	}
	if found == nil || found.ID != u.ID {
		t.Fatalf("lookup mismatch: %+v", found)
	}
	if _, err := store.CreateUser(ctx, "alice@example.com", userstore.RoleUser, ""); err == nil {
		t.Fatalf("expected duplicate email error")
	}
	missing, err := store.FindByEmail(ctx, "nobody@example.com")
	if err != nil {
		t.Fatalf("FindByEmail missing: %v", err)
	}
	if missing != nil {
		t.Fatalf("expected nil for missing user")
	}
}

func TestPluginUserMapping(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	u, err := store.CreateUser(ctx, "bob@example.com", userstore.RoleUser, "Bob")
	if err != nil {
		t.Fatalf("CreateUser: %v", err)
	}

	if _, ok, err := store.LookupPluginUser(ctx, "plugin-user-9"); err != nil || ok {
		t.Fatalf("expected no mapping, got ok=%v err=%v", ok, err)
	}

	if err := store.RecordPluginUser(ctx, "plugin-user-9", u.ID); err != nil {
		t.Fatalf("RecordPluginUser: %v", err)
	}
	id, ok, err := store.LookupPluginUser(ctx, "plugin-user-9")
	if err != nil || !ok || id != u.ID {
		t.Fatalf("lookup after record: id=%d ok=%v err=%v", id, ok, err)
	}

	// Re-recording with a different target updates in place.
	admin, err := store.EnsureRootAdmin(ctx, "root@example.com")
	if err != nil {
		t.Fatalf("EnsureRootAdmin: %v", err)
	}
	if err := store.RecordPluginUser(ctx, "plugin-user-9", admin.ID); err != nil {
		t.Fatalf("RecordPluginUser update: %v", err)
	}
	id, ok, err = store.LookupPluginUser(ctx, "plugin-user-9")
	if err != nil || !ok || id != admin.ID {
		t.Fatalf("lookup after update: id=%d ok=%v err=%v", id, ok, err)
	}
}
