package secrets

import (
	"strings"
	"testing"
)

func TestEncryptDecryptRoundTrip(t *testing.T) {
	box, err := NewBox("test-key")
	if err != nil {
		t.Fatalf("NewBox: %v", err)
	}
	creds := map[string]string{
		"access_token":  "ya29.secret-access",
		"refresh_token": "1//refresh-secret",
		"client_secret": "GOCSPX-abc",
	}
	envelope, err := box.EncryptCredentials(creds)
	if err != nil {
		t.Fatalf("EncryptCredentials: %v", err)
	}
	for _, v := range creds {
		if strings.Contains(envelope, v) {
			t.Fatalf("envelope leaks plaintext %q", v)
		}
	}
	got, err := box.DecryptCredentials(envelope)
	if err != nil {
		t.Fatalf("DecryptCredentials: %v", err)
	}
	if len(got) != len(creds) {
		t.Fatalf("field count mismatch: got %d want %d", len(got), len(creds))
	}
	for k, v := range creds {
		if got[k] != v {
			t.Errorf("field %s: got %q want %q", k, got[k], v)
		}
	}
}

func TestDecryptWrongKey(t *testing.T) {
	box1, _ := NewBox("key-one")
	box2, _ := NewBox("key-two")
	envelope, err := box1.EncryptCredentials(map[string]string{"refresh_token": "rt"})
	if err != nil {
		t.Fatalf("EncryptCredentials: %v", err)
	}
	if _, err := box2.DecryptCredentials(envelope); err == nil {
		t.Fatalf("expected decryption failure with wrong key")
	}
}

func TestEncryptDistinctNonces(t *testing.T) {
	box, _ := NewBox("test-key")
	creds := map[string]string{"refresh_token": "rt"}
	a, err := box.EncryptCredentials(creds)
	if err != nil {
		t.Fatalf("EncryptCredentials: %v", err)
	}
	b, err := box.EncryptCredentials(creds)
	if err != nil {
		t.Fatalf("EncryptCredentials: %v", err)
	}
	if a == b {
		t.Fatalf("expected nonce to vary between envelopes")
	}
}

func TestNewBoxRequiresKey(t *testing.T) {
	if _, err := NewBox(""); err == nil {
		t.Fatalf("expected error for empty key")
	}
}

func TestDecryptGarbage(t *testing.T) {
	box, _ := NewBox("test-key")
	if _, err := box.DecryptCredentials("not-base64!!"); err == nil {
		t.Fatalf("expected error for invalid base64")
	}
	if _, err := box.DecryptCredentials("YWJj"); err == nil {
		t.Fatalf("expected error for short envelope")
	}
}
