// Package auth issues login challenges and signed session tokens for the ops
// API. Challenge state lives in the kvstore so verification works no matter
// which instance handles the follow-up request.
package auth

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/antihub/antihub-ops/internal/kvstore"
)

// Manager handles email challenges and session token issuance.
type Manager struct {
	secret []byte
	kv     kvstore.Store
	ttl    time.Duration
}

type challenge struct {
	Email string `json:"email"`
	Code  string `json:"code"`
}

// NewManager creates a Manager with the provided signing secret and challenge
// store.
func NewManager(secret string, kv kvstore.Store) (*Manager, error) {
	if secret == "" {
		return nil, errors.New("auth manager requires non-empty secret")
	}
	if kv == nil {
		return nil, errors.New("auth manager requires a challenge store")
	}
	return &Manager{
		secret: []byte(secret),
		kv:     kv,
		ttl:    10 * time.Minute,
	}, nil
}

func challengeKey(id string) string {
	return "auth:challenge:" + id
}

// CreateChallenge registers a verification code for the email.
func (m *Manager) CreateChallenge(ctx context.Context, email string) (challengeID, code string, expires time.Time, err error) {
	if email == "" {
		return "", "", time.Time{}, errors.New("email required")
	}
	id, err := randomID()
	if err != nil {
		return "", "", time.Time{}, err
	}
	code, err = randomCode()
	if err != nil {
		return "", "", time.Time{}, err
	}
	payload, err := json.Marshal(challenge{Email: email, Code: code})
	if err != nil {
		return "", "", time.Time{}, err
	}
	if err := m.kv.Set(ctx, challengeKey(id), payload, m.ttl); err != nil {
		return "", "", time.Time{}, fmt.Errorf("store challenge: %w", err)
	}
	return id, code, time.Now().Add(m.ttl), nil
}

// VerifyChallenge validates the code and returns the associated email. A
// successful verification consumes the challenge.
func (m *Manager) VerifyChallenge(ctx context.Context, challengeID, code string) (string, error) {
	raw, err := m.kv.Get(ctx, challengeKey(challengeID))
	if errors.Is(err, kvstore.ErrNotFound) {
		return "", errors.New("challenge not found or expired")
	}
	if err != nil {
		return "", fmt.Errorf("load challenge: %w", err)
	}
	var c challenge
	if err := json.Unmarshal(raw, &c); err != nil {
		return "", fmt.Errorf("decode challenge: %w", err)
	}
	if c.Code != code {
		return "", errors.New("invalid verification code")
	}
	_ = m.kv.Delete(ctx, challengeKey(challengeID))
	return c.Email, nil
}

// IssueToken issues a signed session token for the email.
func (m *Manager) IssueToken(email string, ttl time.Duration) (string, error) {
	if ttl == 0 {
		ttl = 24 * time.Hour
	}
	expires := time.Now().Add(ttl).Unix()
	payload := fmt.Sprintf("%s|%d", email, expires)
	sig := m.sign([]byte(payload))
	token := fmt.Sprintf("%s.%s", base64.RawURLEncoding.EncodeToString([]byte(payload)), base64.RawURLEncoding.EncodeToString(sig))
	return token, nil
}

// ValidateToken validates and returns the embedded email.
func (m *Manager) ValidateToken(token string) (string, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 2 {
		return "", errors.New("invalid token format")
	}
	payloadBytes, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return "", errors.New("invalid token payload")
	}
	sigBytes, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return "", errors.New("invalid token signature")
	}
	if !hmac.Equal(sigBytes, m.sign(payloadBytes)) {
		return "", errors.New("signature mismatch")
	}
	payload := string(payloadBytes)
	sep := strings.LastIndex(payload, "|")
	if sep == -1 {
		return "", errors.New("invalid payload")
	}
	email := payload[:sep]
	expiry, err := strconv.ParseInt(payload[sep+1:], 10, 64)
	if err != nil {
		return "", errors.New("invalid expiry")
	}
	if time.Now().Unix() > expiry {
		return "", errors.New("token expired")
	}
	return email, nil
}

func (m *Manager) sign(payload []byte) []byte {
	h := hmac.New(sha256.New, m.secret)
	h.Write(payload)
	return h.Sum(nil)
}

func randomID() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

func randomCode() (string, error) {
	var b [3]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", err
	}
	value := int(b[0])<<16 | int(b[1])<<8 | int(b[2])
	return fmt.Sprintf("%06d", value%1000000), nil
}
