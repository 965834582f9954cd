package auth

import (
	"strings"
	"testing"

	"golang.org/x/crypto/bcrypt"
)

func TestKeyGenerator_Generate(t *testing.T) {
	kg := NewKeyGenerator()

	key, hash, err := kg.Generate()
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}

	if !strings.HasPrefix(key, KeyPrefix) {
		t.Errorf("Expected %s prefix, got %s", KeyPrefix, key[:4])
	}
	if len(key) != KeyLength {
		t.Errorf("Expected %d characters, got %d", KeyLength, len(key))
	}
	if err := ValidateKeyFormat(key); err != nil {
		t.Errorf("Generated key fails its own format check: %v", err)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(key)); err != nil {
		t.Errorf("Hash does not verify the plaintext: %v", err)
	}

	other, _, err := kg.Generate()
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	if key == other {
		t.Error("Expected distinct keys from consecutive generations")
	}
}

func TestLookupPrefix(t *testing.T) {
	if got := LookupPrefix("tg_abcdefghij"); got != "tg_abcde" {
		t.Errorf("Expected tg_abcde, got %s", got)
	}
	if got := LookupPrefix("tg_a"); got != "tg_a" {
		t.Errorf("Expected short keys returned whole, got %s", got)
	}
}

func TestValidateKeyFormat(t *testing.T) {
	valid := KeyPrefix + strings.Repeat("a", KeyLength-len(KeyPrefix))

	cases := []struct {
		name    string
		key     string
		wantErr bool
	}{
		{"Valid", valid, false},
		{"Empty", "", true},
		{"MissingPrefix", "sk_" + strings.Repeat("a", KeyLength-3), true},
		{"TooShort", KeyPrefix + "abc", true},
		{"TooLong", valid + "a", true},
		{"BadCharacter", KeyPrefix + strings.Repeat("a", KeyLength-len(KeyPrefix)-1) + "!", true},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			err := ValidateKeyFormat(c.key)
			if c.wantErr && err == nil {
				t.Errorf("Expected %q to be rejected", c.key)
			}
			if !c.wantErr && err != nil {
				t.Errorf("Expected %q to pass, got %v", c.key, err)
			}
		})
	}
}
