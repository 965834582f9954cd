// Package usage answers reporting queries over accounted spend. Tag
// queries walk the projection chain cheapest-first; tenant summaries
// come straight from the relational ledger.
package usage

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/tollgate/tollgate/internal/models"
	"github.com/tollgate/tollgate/internal/services/budget"
	redissvc "github.com/tollgate/tollgate/internal/services/redis"
)

// Source identifies which store answered a spend query.
type Source string

const (
	SourceAggregate  Source = "aggregate"
	SourceProjection Source = "projection"
	SourceDatabase   Source = "database"
)

// TagSpend is the spend of one tag's subtree over one window.
type TagSpend struct {
	TagID       uint          `json:"tag_id"`
	TagName     string        `json:"tag_name"`
	TagPath     string        `json:"tag_path"`
	Period      models.Period `json:"period"`
	PeriodKey   string        `json:"period_key"`
	WindowStart time.Time     `json:"window_start"`
	WindowEnd   time.Time     `json:"window_end"`
	SpendUSD    float64       `json:"spend_usd"`
	RealtimeUSD float64       `json:"realtime_usd"`
	Source      Source        `json:"source"`
}

// ModelUsage is one model's share of a tenant window.
type ModelUsage struct {
	Model            string  `json:"model"`
	Requests         int64   `json:"requests"`
	SpendUSD         float64 `json:"spend_usd"`
	PromptTokens     int64   `json:"prompt_tokens"`
	CompletionTokens int64   `json:"completion_tokens"`
}

// TenantUsage is a tenant's ledger summary over one window.
type TenantUsage struct {
	TenantID         uint          `json:"tenant_id"`
	Period           models.Period `json:"period"`
	PeriodKey        string        `json:"period_key"`
	WindowStart      time.Time     `json:"window_start"`
	WindowEnd        time.Time     `json:"window_end"`
	SpendUSD         float64       `json:"spend_usd"`
	Requests         int64         `json:"requests"`
	PromptTokens     int64         `json:"prompt_tokens"`
	CompletionTokens int64         `json:"completion_tokens"`
	Models           []ModelUsage  `json:"models"`
}

type Service struct {
	db        *gorm.DB
	analytics *redissvc.AnalyticsStore
	logger    *zap.Logger
}

func NewService(db *gorm.DB, analytics *redissvc.AnalyticsStore, logger *zap.Logger) *Service {
	return &Service{db: db, analytics: analytics, logger: logger}
}

// TagSpendFor reads a tag's recurring-window spend through the
// projection chain: aggregate counter, then zset range sum, then the
// relational attribution sum. First hit wins; each step only runs when
// the one before had nothing.
func (s *Service) TagSpendFor(ctx context.Context, tenantID uint, tag *models.Tag, period models.Period, now time.Time) (*TagSpend, error) {
	w, ok := budget.RecurringWindow(period, now)
	if !ok {
		return nil, fmt.Errorf("period %s has no recurring window", period)
	}

	out := &TagSpend{
		TagID:       tag.ID,
		TagName:     tag.Name,
		TagPath:     tag.Path,
		Period:      period,
		PeriodKey:   w.Key,
		WindowStart: w.Start,
		WindowEnd:   w.End,
	}

	if rt, err := s.analytics.RealtimeSpend(ctx, tenantID, tag.ID); err == nil {
		out.RealtimeUSD = rt
	}

	spend, hit, err := s.analytics.AggregateSpend(ctx, tenantID, tag.ID, w.Key)
	if err != nil && err != redissvc.ErrUnavailable {
		s.logger.Warn("Aggregate read failed, trying projection",
			zap.Uint("tag_id", tag.ID),
			zap.Error(err))
	}
	if err == nil && hit {
		out.SpendUSD = spend
		out.Source = SourceAggregate
		return out, nil
	}

	spend, hit, err = s.analytics.RangeSpend(ctx, tenantID, tag.ID, string(period), w.Start, w.End)
	if err != nil && err != redissvc.ErrUnavailable {
		s.logger.Warn("Projection read failed, falling back to database",
			zap.Uint("tag_id", tag.ID),
			zap.Error(err))
	}
	if err == nil && hit {
		out.SpendUSD = spend
		out.Source = SourceProjection
		return out, nil
	}

	spend, err = s.subtreeSum(ctx, tag, w.Start, w.End)
	if err != nil {
		return nil, err
	}
	out.SpendUSD = spend
	out.Source = SourceDatabase
	return out, nil
}

// TagSpendRange answers an explicit window. Arbitrary bounds have no
// projection keys, so this always reads the relational ledger.
func (s *Service) TagSpendRange(ctx context.Context, tag *models.Tag, start, end time.Time) (*TagSpend, error) {
	spend, err := s.subtreeSum(ctx, tag, start, end)
	if err != nil {
		return nil, err
	}
	return &TagSpend{
		TagID:       tag.ID,
		TagName:     tag.Name,
		TagPath:     tag.Path,
		Period:      models.PeriodCustom,
		PeriodKey:   budget.PeriodKey(models.PeriodCustom, end, start, end),
		WindowStart: start,
		WindowEnd:   end,
		SpendUSD:    spend,
		Source:      SourceDatabase,
	}, nil
}

// subtreeSum rolls up attributed spend for the tag and everything under
// its path, matching how the counters and projections attribute to
// ancestors.
func (s *Service) subtreeSum(ctx context.Context, tag *models.Tag, start, end time.Time) (float64, error) {
	var total float64
	err := s.db.WithContext(ctx).Model(&models.RequestTag{}).
		Select("COALESCE(SUM(request_tags.weighted_cost_usd), 0)").
		Joins("JOIN usage_ledgers ON usage_ledgers.id = request_tags.usage_ledger_id").
		Joins("JOIN tags ON tags.id = request_tags.tag_id").
		Where("(request_tags.tag_id = ? OR tags.path LIKE ?) AND usage_ledgers.timestamp >= ? AND usage_ledgers.timestamp < ?",
			tag.ID, tag.Path+"/%", start, end).
		Scan(&total).Error
	if err != nil {
		return 0, fmt.Errorf("failed to sum tag spend: %w", err)
	}
	return total, nil
}

// TenantUsageFor summarizes a tenant's ledger over a recurring window,
// with a per-model breakdown.
func (s *Service) TenantUsageFor(ctx context.Context, tenantID uint, period models.Period, now time.Time) (*TenantUsage, error) {
	w, ok := budget.RecurringWindow(period, now)
	if !ok {
		return nil, fmt.Errorf("period %s has no recurring window", period)
	}
	return s.tenantWindow(ctx, tenantID, period, w.Key, w.Start, w.End)
}

// TenantUsageRange summarizes a tenant's ledger over explicit bounds.
func (s *Service) TenantUsageRange(ctx context.Context, tenantID uint, start, end time.Time) (*TenantUsage, error) {
	key := budget.PeriodKey(models.PeriodCustom, end, start, end)
	return s.tenantWindow(ctx, tenantID, models.PeriodCustom, key, start, end)
}

func (s *Service) tenantWindow(ctx context.Context, tenantID uint, period models.Period, key string, start, end time.Time) (*TenantUsage, error) {
	var perModel []ModelUsage
	err := s.db.WithContext(ctx).Model(&models.UsageLedger{}).
		Select("model, COUNT(*) AS requests, COALESCE(SUM(cost_usd), 0) AS spend_usd, COALESCE(SUM(prompt_tokens), 0) AS prompt_tokens, COALESCE(SUM(completion_tokens), 0) AS completion_tokens").
		Where("tenant_id = ? AND timestamp >= ? AND timestamp < ?", tenantID, start, end).
		Group("model").
		Order("spend_usd DESC").
		Scan(&perModel).Error
	if err != nil {
		return nil, fmt.Errorf("failed to summarize tenant usage: %w", err)
	}

	out := &TenantUsage{
		TenantID:    tenantID,
		Period:      period,
		PeriodKey:   key,
		WindowStart: start,
		WindowEnd:   end,
		Models:      perModel,
	}
	for _, m := range perModel {
		out.SpendUSD += m.SpendUSD
		out.Requests += m.Requests
		out.PromptTokens += m.PromptTokens
		out.CompletionTokens += m.CompletionTokens
	}
	return out, nil
}
