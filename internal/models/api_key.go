package models

import "time"

// APIKey stores only the bcrypt hash of the 64-char secret plus an 8-char
// prefix for indexed lookup. The plaintext is returned exactly once at
// creation and is never persisted.
type APIKey struct {
	BaseModel
	TenantID   uint       `gorm:"index;not null" json:"tenant_id"`
	Tenant     *Tenant    `gorm:"foreignKey:TenantID" json:"-"`
	Name       string     `json:"name"`
	KeyPrefix  string     `gorm:"index;size:8;not null" json:"key_prefix"`
	KeyHash    string     `gorm:"not null" json:"-"`
	Active     bool       `gorm:"default:true" json:"active"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
}

// IsUsable reports whether the key can authenticate a request right now.
func (k *APIKey) IsUsable(now time.Time) bool {
	if !k.Active {
		return false
	}
	if k.ExpiresAt != nil && now.After(*k.ExpiresAt) {
		return false
	}
	return true
}
