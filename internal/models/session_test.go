package models

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestSession_OverBudget(t *testing.T) {
	t.Run("NoBudgetNeverOver", func(t *testing.T) {
		s := &Session{SID: "7:job-1"}
		assert.False(t, s.OverBudget(decimal.NewFromInt(1_000_000)))
	})

	t.Run("UnderBudget", func(t *testing.T) {
		budget := decimal.NewFromInt(5)
		s := &Session{SID: "7:job-1", EffectiveBudgetUSD: &budget}
		assert.False(t, s.OverBudget(decimal.NewFromFloat(4.99)))
	})

	t.Run("AtBudgetIsOver", func(t *testing.T) {
		budget := decimal.NewFromInt(5)
		s := &Session{SID: "7:job-1", EffectiveBudgetUSD: &budget}
		assert.True(t, s.OverBudget(decimal.NewFromInt(5)))
	})

	t.Run("PastBudgetIsOver", func(t *testing.T) {
		budget := decimal.NewFromInt(5)
		s := &Session{SID: "7:job-1", EffectiveBudgetUSD: &budget}
		assert.True(t, s.OverBudget(decimal.NewFromFloat(5.01)))
	})
}
