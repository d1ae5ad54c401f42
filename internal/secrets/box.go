// Package secrets envelope-encrypts credential material before it is written
// to the database. Token-like fields (access/refresh tokens, client secrets)
// are stored only as a single opaque ciphertext column, never as plaintext.
package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// Box seals and opens credential payloads with a symmetric key.
type Box struct {
	key []byte
}

// NewBox derives an AES-256 key from the configured secret.
func NewBox(secret string) (*Box, error) {
	if secret == "" {
		return nil, errors.New("encryption key required")
	}
	sum := sha256.Sum256([]byte(secret))
	return &Box{key: sum[:]}, nil
}

// EncryptCredentials serializes the credential map and seals it with
// AES-256-GCM. The returned string is base64(nonce || ciphertext), suitable
// for a single text column.
func (b *Box) EncryptCredentials(creds map[string]string) (string, error) {
	if len(creds) == 0 {
		return "", errors.New("empty credential map")
	}
	plaintext, err := json.Marshal(creds)
	if err != nil {
		return "", fmt.Errorf("serialize credentials: %w", err)
	}
	return b.seal(plaintext)
}

// DecryptCredentials opens an envelope produced by EncryptCredentials.
func (b *Box) DecryptCredentials(envelope string) (map[string]string, error) {
	plaintext, err := b.open(envelope)
	if err != nil {
		return nil, err
	}
	var creds map[string]string
	if err := json.Unmarshal(plaintext, &creds); err != nil {
		return nil, fmt.Errorf("parse credentials: %w", err)
	}
	return creds, nil
}

func (b *Box) seal(plaintext []byte) (string, error) {
	block, err := aes.NewCipher(b.key)
	if err != nil {
		return "", err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	sealed := gcm.Seal(nonce, nonce, plaintext, nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

func (b *Box) open(envelope string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(envelope)
	if err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	block, err := aes.NewCipher(b.key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	if len(raw) < gcm.NonceSize() {
		return nil, errors.New("envelope too short")
	}
	nonce, ciphertext := raw[:gcm.NonceSize()], raw[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, errors.New("decrypt failed: wrong key or corrupted envelope")
	}
	return plaintext, nil
}
