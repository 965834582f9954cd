package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTenant_EffectiveRateLimit(t *testing.T) {
	t.Run("DefaultWhenUnset", func(t *testing.T) {
		tenant := &Tenant{Name: "acme"}
		assert.Equal(t, 600, tenant.EffectiveRateLimit(600))
	})

	t.Run("OverrideWins", func(t *testing.T) {
		limit := 60
		tenant := &Tenant{Name: "acme", RateLimitPerMin: &limit}
		assert.Equal(t, 60, tenant.EffectiveRateLimit(600))
	})

	t.Run("StoredZeroMeansUnlimited", func(t *testing.T) {
		zero := 0
		tenant := &Tenant{Name: "acme", RateLimitPerMin: &zero}
		assert.Greater(t, tenant.EffectiveRateLimit(600), 1<<30)
	})
}
