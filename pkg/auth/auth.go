// Package auth holds the API key verification used by the REST control
// surface. Keys are random 256-bit values; the daemon stores only bcrypt
// hashes, so a leaked config file does not leak the keys themselves.
package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/crypto/bcrypt"
)

var ErrInvalidHash = errors.New("api key hash is not a bcrypt hash")

// Keyring verifies presented API keys against stored bcrypt hashes. An empty
// keyring disables authentication, which the daemon warns about at startup.
type Keyring struct {
	mu     sync.RWMutex
	hashes [][]byte
}

// NewKeyring builds a keyring from bcrypt hash strings
func NewKeyring(hashes []string) (*Keyring, error) {
	k := &Keyring{}
	for _, h := range hashes {
		if err := k.Add(h); err != nil {
			return nil, err
		}
	}
	return k, nil
}

// Add registers one bcrypt hash
func (k *Keyring) Add(hash string) error {
	hash = strings.TrimSpace(hash)
	if !strings.HasPrefix(hash, "$2") {
		return fmt.Errorf("%w: %q", ErrInvalidHash, truncate(hash, 12))
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	k.hashes = append(k.hashes, []byte(hash))
	return nil
}

// Empty reports whether any keys are registered
func (k *Keyring) Empty() bool {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return len(k.hashes) == 0
}

// Verify checks a presented key against every stored hash. bcrypt comparison
// is constant-time per hash.
func (k *Keyring) Verify(apiKey string) bool {
	if apiKey == "" {
		return false
	}
	k.mu.RLock()
	defer k.mu.RUnlock()
	for _, hash := range k.hashes {
		if bcrypt.CompareHashAndPassword(hash, []byte(apiKey)) == nil {
			return true
		}
	}
	return false
}

// GenerateAPIKey creates a new random key and its bcrypt hash. The key is
// shown once to the operator; only the hash is persisted.
func GenerateAPIKey() (key, hash string, err error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", "", fmt.Errorf("failed to generate api key: %w", err)
	}
	key = base64.URLEncoding.EncodeToString(raw)

	hashed, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	if err != nil {
		return "", "", fmt.Errorf("failed to hash api key: %w", err)
	}
	return key, string(hashed), nil
}

// SecureCompare performs constant-time comparison of two strings
func SecureCompare(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
