// Package ledger is the post-response accounting hook. It turns a
// completed dispatch into a durable stream event, moves the admission
// counters, and charges the session, in that order.
package ledger

import (
	"context"
	"net/http"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/tollgate/tollgate/internal/middleware"
	"github.com/tollgate/tollgate/internal/models"
	"github.com/tollgate/tollgate/internal/services/budget"
	"github.com/tollgate/tollgate/internal/services/pricing"
	"github.com/tollgate/tollgate/internal/services/providers"
	redissvc "github.com/tollgate/tollgate/internal/services/redis"
	"github.com/tollgate/tollgate/internal/services/session"
	"github.com/tollgate/tollgate/internal/services/tags"
	"github.com/tollgate/tollgate/internal/services/tokenizer"
)

const (
	// hookTimeout bounds the whole accounting pass. The response is
	// already flushed when the hook runs, so an overrun costs nothing
	// client-visible.
	hookTimeout = 2 * time.Second

	// counterSlack keeps counters alive past their window end so reads
	// racing a rollover still resolve.
	counterSlack = time.Hour
)

// Entry carries one completed dispatch into the hook.
type Entry struct {
	Tenant   *models.Tenant
	Route    string
	Request  []byte
	Response *providers.Response
	Tags     []redissvc.CachedTag
	Session  *session.State
}

// Recorder accounts dispatches. The stream event is emitted before any
// counter moves, so a drain from the stream always reconstructs at least
// the counted state.
type Recorder struct {
	events    *redissvc.EventPublisher
	counters  *redissvc.CounterStore
	evaluator *budget.Evaluator
	resolver  *tags.Resolver
	sessions  *session.Tracker
	pricing   *pricing.Service
	estimator *tokenizer.Estimator
	db        *gorm.DB
	periods   []models.Period
	logger    *zap.Logger
}

func NewRecorder(
	events *redissvc.EventPublisher,
	counters *redissvc.CounterStore,
	evaluator *budget.Evaluator,
	resolver *tags.Resolver,
	sessions *session.Tracker,
	pricingSvc *pricing.Service,
	db *gorm.DB,
	periods []models.Period,
	logger *zap.Logger,
) *Recorder {
	return &Recorder{
		events:    events,
		counters:  counters,
		evaluator: evaluator,
		resolver:  resolver,
		sessions:  sessions,
		pricing:   pricingSvc,
		estimator: tokenizer.New(),
		db:        db,
		periods:   periods,
		logger:    logger,
	}
}

// Record accounts one dispatch. Safe to call for every outcome: non-200
// responses and responses carrying an error field are skipped. Runs on
// its own deadline, detached from the request context, because the
// client may already be gone.
func (r *Recorder) Record(e *Entry) {
	if e.Response == nil || e.Response.StatusCode != http.StatusOK {
		return
	}
	if gjson.GetBytes(e.Response.Body, "error").Exists() {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), hookTimeout)
	defer cancel()

	// The response model carries the tier suffix, so it prices the row.
	model := e.Response.Model
	if model == "" {
		model = gjson.GetBytes(e.Request, "model").String()
	}

	promptTok := int(gjson.GetBytes(e.Response.Body, "usage.prompt_tokens").Int())
	compTok := int(gjson.GetBytes(e.Response.Body, "usage.completion_tokens").Int())
	if promptTok == 0 && compTok == 0 {
		promptTok = r.estimator.EstimateRequest(e.Request)
		compTok = r.estimator.EstimateResponse(e.Response.Body)
	}

	var usd float64
	if cost, err := r.pricing.Cost(ctx, model, promptTok, compTok); err == nil {
		usd = cost.InexactFloat64()
	} else {
		r.logger.Warn("no pricing for accounted model, cost recorded as zero",
			zap.String("model", model),
			zap.Error(err))
	}

	middleware.RecordTokens(model, promptTok, compTok)
	middleware.RecordSpend(e.Tenant.Name, usd)

	now := time.Now().UTC()
	var sid string
	if e.Session != nil {
		sid = e.Session.SID
	}

	ev := &redissvc.LedgerEvent{
		EventKey:         redissvc.ComputeEventKey(now, e.Tenant.Name, e.Route, model, usd, promptTok, compTok, sid),
		Timestamp:        now,
		TenantID:         e.Tenant.ID,
		Tenant:           e.Tenant.Name,
		Route:            e.Route,
		Model:            model,
		CostUSD:          usd,
		PromptTokens:     promptTok,
		CompletionTokens: compTok,
		SessionSID:       sid,
		Tags:             eventTags(e.Tags),
	}

	if err := r.events.Publish(ctx, ev); err != nil {
		if err != redissvc.ErrUnavailable {
			r.logger.Error("ledger event publish failed, writing synchronously",
				zap.String("event_key", ev.EventKey),
				zap.Error(err))
		}
		// No counters without a stream event behind them; the ledger row
		// keeps the audit complete and database reads see the spend.
		r.persistSync(ctx, ev)
		r.recordSession(ctx, e, usd)
		return
	}

	r.moveTenantCounters(ctx, e.Tenant, usd, now)
	r.moveTagCounters(ctx, e.Tenant, e.Tags, usd, now)
	r.recordSession(ctx, e, usd)
}

func eventTags(resolved []redissvc.CachedTag) []redissvc.EventTag {
	if len(resolved) == 0 {
		return nil
	}
	out := make([]redissvc.EventTag, 0, len(resolved))
	for _, t := range resolved {
		out = append(out, redissvc.EventTag{
			ID:     t.ID,
			Name:   t.Name,
			Path:   t.Path,
			Weight: t.Weight,
		})
	}
	return out
}

func (r *Recorder) moveTenantCounters(ctx context.Context, tenant *models.Tenant, usd float64, now time.Time) {
	for _, w := range r.tenantCountingWindows(ctx, tenant, now) {
		ttl := w.End.Sub(w.Start) + counterSlack
		if _, err := r.counters.IncrTenantSpend(ctx, tenant.Name, w.Key, usd, ttl); err != nil && err != redissvc.ErrUnavailable {
			r.logger.Warn("tenant counter increment failed",
				zap.String("tenant", tenant.Name),
				zap.String("period_key", w.Key),
				zap.Error(err))
		}
	}
}

// tenantCountingWindows always includes the recurring periods, whether
// or not a budget row exists, so a cap added mid-period sees the full
// spend. Custom windows count only while their row is active.
func (r *Recorder) tenantCountingWindows(ctx context.Context, tenant *models.Tenant, now time.Time) []budget.Window {
	wins := make([]budget.Window, 0, len(r.periods)+1)
	for _, p := range r.periods {
		if w, ok := budget.RecurringWindow(p, now); ok {
			wins = append(wins, w)
		}
	}
	budgeted, err := r.evaluator.TenantWindows(ctx, tenant)
	if err != nil {
		r.logger.Warn("tenant windows unavailable, custom counters skipped",
			zap.String("tenant", tenant.Name),
			zap.Error(err))
		return wins
	}
	for _, w := range budgeted {
		if w.Period == models.PeriodCustom {
			wins = append(wins, w)
		}
	}
	return wins
}

// moveTagCounters attributes the spend to every declared tag and each of
// its ancestors at the declared tag's weight. Overlapping walks add up:
// declaring both a tag and its parent charges the parent twice, once per
// declared weight, matching the database roll-up.
func (r *Recorder) moveTagCounters(ctx context.Context, tenant *models.Tenant, resolved []redissvc.CachedTag, usd float64, now time.Time) {
	if len(resolved) == 0 {
		return
	}

	nodes := make(map[uint]redissvc.CachedTag, len(resolved)*2)
	contrib := make(map[uint]float64, len(resolved)*2)
	for _, tag := range resolved {
		walk := []redissvc.CachedTag{tag}
		ancestors, err := r.resolver.Ancestors(ctx, tenant.ID, tag)
		if err != nil {
			r.logger.Warn("ancestor walk failed, counting declared tag only",
				zap.Uint("tag_id", tag.ID),
				zap.Error(err))
		} else {
			walk = append(walk, ancestors...)
		}
		for _, node := range walk {
			nodes[node.ID] = node
			contrib[node.ID] += usd * tag.Weight
		}
	}

	for id, node := range nodes {
		for _, w := range r.tagCountingWindows(ctx, node, now) {
			ttl := w.End.Sub(w.Start) + counterSlack
			if _, err := r.counters.IncrTagSpend(ctx, tenant.Name, id, w.Key, contrib[id], ttl); err != nil && err != redissvc.ErrUnavailable {
				r.logger.Warn("tag counter increment failed",
					zap.Uint("tag_id", id),
					zap.String("period_key", w.Key),
					zap.Error(err))
			}
		}
	}
}

func (r *Recorder) tagCountingWindows(ctx context.Context, node redissvc.CachedTag, now time.Time) []budget.Window {
	wins := make([]budget.Window, 0, len(r.periods)+1)
	for _, p := range r.periods {
		if w, ok := budget.RecurringWindow(p, now); ok {
			wins = append(wins, w)
		}
	}
	return append(wins, r.evaluator.TagCustomWindows(ctx, node.ID, now)...)
}

func (r *Recorder) recordSession(ctx context.Context, e *Entry, usd float64) {
	if e.Session == nil {
		return
	}
	if _, _, err := r.sessions.RecordSpend(ctx, e.Session.SID, usd, e.Session.BudgetUSD); err != nil {
		r.logger.Warn("session spend record failed",
			zap.String("sid", e.Session.SID),
			zap.Error(err))
	}
}

// persistSync is the degraded path: no stream, so the ledger row is
// written inline. Tag attribution rows cover the declared tags only;
// ancestor roll-up happens at query time over paths.
func (r *Recorder) persistSync(ctx context.Context, ev *redissvc.LedgerEvent) {
	row := &models.UsageLedger{
		EventKey:         ev.EventKey,
		Timestamp:        ev.Timestamp,
		TenantID:         ev.TenantID,
		TenantName:       ev.Tenant,
		Route:            ev.Route,
		Model:            ev.Model,
		CostUSD:          decimal.NewFromFloat(ev.CostUSD),
		PromptTokens:     ev.PromptTokens,
		CompletionTokens: ev.CompletionTokens,
	}
	if ev.SessionSID != "" {
		sid := ev.SessionSID
		row.SessionSID = &sid
	}
	for _, t := range ev.Tags {
		row.Tags = append(row.Tags, models.RequestTag{
			TagID:           t.ID,
			TagName:         t.Name,
			TagPath:         t.Path,
			Weight:          t.Weight,
			WeightedCostUSD: decimal.NewFromFloat(ev.CostUSD * t.Weight),
		})
	}
	if err := r.db.WithContext(ctx).Create(row).Error; err != nil {
		r.logger.Error("degraded ledger write failed",
			zap.String("event_key", ev.EventKey),
			zap.Error(err))
	}
}
