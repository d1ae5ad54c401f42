package auth

import (
	"context"
	"testing"
	"time"

	"github.com/antihub/antihub-ops/internal/kvstore"
)

func newManager(t *testing.T) *Manager {
	t.Helper()
	kv := kvstore.NewMemoryStore()
	t.Cleanup(func() { kv.Close() })
	m, err := NewManager("test-secret", kv)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	return m
}

func TestNewManagerValidation(t *testing.T) {
	if _, err := NewManager("", kvstore.NewMemoryStore()); err == nil {
		t.Fatal("expected error for empty secret")
	}
	if _, err := NewManager("secret", nil); err == nil {
		t.Fatal("expected error for nil store")
	}
}

func TestChallengeLifecycle(t *testing.T) {
	m := newManager(t)
	ctx := context.Background()

	id, code, expires, err := m.CreateChallenge(ctx, "ops@example.com")
	if err != nil {
		t.Fatalf("CreateChallenge: %v", err)
	}
	if id == "" || len(code) != 6 {
		t.Fatalf("unexpected challenge id=%q code=%q", id, code)
	}
	if !expires.After(time.Now()) {
		t.Fatalf("expiry in the past: %v", expires)
	}

	if _, err := m.VerifyChallenge(ctx, id, "000000x"); err == nil {
		t.Fatal("expected rejection of wrong code")
	}
	email, err := m.VerifyChallenge(ctx, id, code)
	if err != nil {
		t.Fatalf("VerifyChallenge: %v", err)
	}
	if email != "ops@example.com" {
		t.Fatalf("unexpected email %q", email)
	}

	// Verification consumes the challenge.
	if _, err := m.VerifyChallenge(ctx, id, code); err == nil {
		t.Fatal("expected challenge to be single-use")
	}
}

func TestVerifyUnknownChallenge(t *testing.T) {
	m := newManager(t)
	if _, err := m.VerifyChallenge(context.Background(), "missing", "123456"); err == nil {
		t.Fatal("expected error for unknown challenge")
	}
}

func TestTokenRoundTrip(t *testing.T) {
	m := newManager(t)

	token, err := m.IssueToken("ops@example.com", time.Hour)
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}
	email, err := m.ValidateToken(token)
	if err != nil {
		t.Fatalf("ValidateToken: %v", err)
	}
	if email != "ops@example.com" {
		t.Fatalf("unexpected email %q", email)
	}
}

func TestTokenTamperRejected(t *testing.T) {
	m := newManager(t)

	token, err := m.IssueToken("ops@example.com", time.Hour)
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}
	if _, err := m.ValidateToken(token + "x"); err == nil {
		t.Fatal("expected tampered token rejection")
	}
	if _, err := m.ValidateToken("not-a-token"); err == nil {
		t.Fatal("expected malformed token rejection")
	}

	other := newManager(t)
	otherToken, err := other.IssueToken("ops@example.com", time.Hour)
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}
	// Same secret validates across managers; different secret would not.
	if _, err := m.ValidateToken(otherToken); err != nil {
		t.Fatalf("same-secret token rejected: %v", err)
	}
}

func TestExpiredTokenRejected(t *testing.T) {
	m := newManager(t)

	token, err := m.IssueToken("ops@example.com", -time.Minute)
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}
	if _, err := m.ValidateToken(token); err == nil {
		t.Fatal("expected expired token rejection")
	}
}
