package auth

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/crypto/bcrypt"
)

const (
	BcryptCost     = 12
	MaxSecretBytes = 72 // bcrypt ignores input beyond this
)

// CredentialVerifier checks a presented secret against its stored hash
type CredentialVerifier interface {
	Verify(stored, presented string) bool
}

// BcryptVerifier implements CredentialVerifier with bcrypt
type BcryptVerifier struct {
	cost      int
	dummyOnce sync.Once
	dummy     string
}

// NewBcryptVerifier returns a verifier hashing at cost. Out-of-range costs use BcryptCost.
func NewBcryptVerifier(cost int) *BcryptVerifier {
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		cost = BcryptCost
	}
	return &BcryptVerifier{cost: cost}
}

// Verify reports whether presented matches stored. Malformed hashes never match.
func (v *BcryptVerifier) Verify(stored, presented string) bool {
	if stored == "" || presented == "" || len(presented) > MaxSecretBytes {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(stored), []byte(presented)) == nil
}

// Hash produces a bcrypt hash for secret
func (v *BcryptVerifier) Hash(secret string) (string, error) {
	if secret == "" {
		return "", errors.New("secret cannot be empty")
	}
	if len(secret) > MaxSecretBytes {
		return "", fmt.Errorf("secret exceeds %d bytes", MaxSecretBytes)
	}

	hashed, err := bcrypt.GenerateFromPassword([]byte(secret), v.cost)
	if err != nil {
		return "", fmt.Errorf("failed to hash secret: %w", err)
	}
	return string(hashed), nil
}

// DummyHash returns a valid hash to compare against when the handle is
// unknown, so the unknown-handle path costs the same as a wrong secret.
func (v *BcryptVerifier) DummyHash() string {
	v.dummyOnce.Do(func() {
		buf := make([]byte, 16)
		_, _ = rand.Read(buf)
		hashed, err := bcrypt.GenerateFromPassword([]byte(hex.EncodeToString(buf)), v.cost)
		if err == nil {
			v.dummy = string(hashed)
		}
	})
	return v.dummy
}
