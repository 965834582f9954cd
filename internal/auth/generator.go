package auth

import (
	"crypto/rand"
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

const (
	// KeyPrefix marks every key this gateway issues.
	KeyPrefix = "tg_"

	// KeyLength is the total plaintext length, prefix included.
	KeyLength = 64

	// LookupPrefixLength is how much of the plaintext is stored in clear
	// for indexed lookup. The rest only exists as a bcrypt hash.
	LookupPrefixLength = 8
)

const base62 = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"

type KeyGenerator struct{}

func NewKeyGenerator() *KeyGenerator {
	return &KeyGenerator{}
}

// Generate creates a new API key.
// Returns: (plaintext_key, bcrypt_hash, error). The plaintext is shown to
// the caller exactly once; only the hash and lookup prefix are persisted.
func (kg *KeyGenerator) Generate() (string, string, error) {
	random, err := randomBase62(KeyLength - len(KeyPrefix))
	if err != nil {
		return "", "", fmt.Errorf("failed to generate random key: %w", err)
	}
	fullKey := KeyPrefix + random

	hash, err := bcrypt.GenerateFromPassword([]byte(fullKey), bcrypt.DefaultCost)
	if err != nil {
		return "", "", fmt.Errorf("failed to hash key: %w", err)
	}

	return fullKey, string(hash), nil
}

// LookupPrefix returns the indexed portion of a key.
func LookupPrefix(key string) string {
	if len(key) < LookupPrefixLength {
		return key
	}
	return key[:LookupPrefixLength]
}

// ValidateKeyFormat checks shape without touching storage, so malformed
// credentials are rejected before any database work.
func ValidateKeyFormat(key string) error {
	if !strings.HasPrefix(key, KeyPrefix) {
		return fmt.Errorf("invalid key format: missing %s prefix", KeyPrefix)
	}
	if len(key) != KeyLength {
		return fmt.Errorf("invalid key format: expected %d characters", KeyLength)
	}
	for _, c := range key[len(KeyPrefix):] {
		if !strings.ContainsRune(base62, c) {
			return fmt.Errorf("invalid key format: unexpected character")
		}
	}
	return nil
}

// randomBase62 draws n characters using rejection sampling so every
// character is uniform.
func randomBase62(n int) (string, error) {
	out := make([]byte, 0, n)
	buf := make([]byte, n*2)
	for len(out) < n {
		if _, err := rand.Read(buf); err != nil {
			return "", err
		}
		for _, b := range buf {
			// 248 is the largest multiple of 62 that fits a byte.
			if b >= 248 {
				continue
			}
			out = append(out, base62[int(b)%len(base62)])
			if len(out) == n {
				break
			}
		}
	}
	return string(out), nil
}
