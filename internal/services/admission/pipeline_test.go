package admission

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/tollgate/tollgate/internal/models"
	"github.com/tollgate/tollgate/internal/services/budget"
	"github.com/tollgate/tollgate/internal/services/policy"
	redissvc "github.com/tollgate/tollgate/internal/services/redis"
	"github.com/tollgate/tollgate/internal/services/session"
	"github.com/tollgate/tollgate/internal/services/tags"
)

type fakeTagStore struct {
	tags []models.Tag
}

func (f *fakeTagStore) ActiveTags(ctx context.Context, tenantID uint) ([]models.Tag, error) {
	return f.tags, nil
}

type fakeBudgetStore struct {
	budgets    []models.Budget
	tagBudgets map[uint][]models.TagBudget
	budgetsErr error
}

func (f *fakeBudgetStore) TenantBudgets(ctx context.Context, tenantID uint) ([]models.Budget, error) {
	if f.budgetsErr != nil {
		return nil, f.budgetsErr
	}
	return f.budgets, nil
}

func (f *fakeBudgetStore) TagBudgets(ctx context.Context, tagID uint) ([]models.TagBudget, error) {
	return f.tagBudgets[tagID], nil
}

func (f *fakeBudgetStore) TenantWindowSpend(ctx context.Context, tenantID uint, start, end time.Time) (float64, error) {
	return 0, nil
}

func (f *fakeBudgetStore) TagWindowSpend(ctx context.Context, tagID uint, path string, start, end time.Time) (float64, error) {
	return 0, nil
}

type fakeSessionStore struct {
	mu      sync.Mutex
	rows    map[string]*models.Session
	created int
}

func newFakeSessionStore() *fakeSessionStore {
	return &fakeSessionStore{rows: make(map[string]*models.Session)}
}

func (m *fakeSessionStore) BySID(ctx context.Context, sid string) (*models.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.rows[sid]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	cp := *row
	return &cp, nil
}

func (m *fakeSessionStore) Create(ctx context.Context, s *models.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows[s.SID] = s
	m.created++
	return nil
}

func (m *fakeSessionStore) UpdateStatus(ctx context.Context, sid string, status models.SessionStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if row, ok := m.rows[sid]; ok {
		row.Status = status
	}
	return nil
}

func (m *fakeSessionStore) TouchLastActive(ctx context.Context, sid string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if row, ok := m.rows[sid]; ok {
		row.LastActiveAt = at
	}
	return nil
}

func (m *fakeSessionStore) AddCost(ctx context.Context, sid string, usd decimal.Decimal) (decimal.Decimal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.rows[sid]
	if !ok {
		return decimal.Zero, gorm.ErrRecordNotFound
	}
	row.CurrentCostUSD = row.CurrentCostUSD.Add(usd)
	return row.CurrentCostUSD, nil
}

func (m *fakeSessionStore) SetCost(ctx context.Context, sid string, usd decimal.Decimal, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if row, ok := m.rows[sid]; ok {
		row.CurrentCostUSD = usd
		row.LastActiveAt = at
	}
	return nil
}

func (m *fakeSessionStore) createdCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.created
}

// scriptedEngine answers every Evaluate with a fixed decision and
// remembers the last input it saw.
type scriptedEngine struct {
	mu    sync.Mutex
	dec   policy.Decision
	err   error
	calls int
	last  policy.Input
}

func (e *scriptedEngine) Evaluate(ctx context.Context, in policy.Input) (policy.Decision, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls++
	e.last = in
	return e.dec, e.err
}

func (e *scriptedEngine) callCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls
}

func (e *scriptedEngine) lastInput() policy.Input {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.last
}

type gateFixture struct {
	pipeline *Pipeline
	resolver *tags.Resolver
	tracker  *session.Tracker
	budgets  *budget.Evaluator
	counters *redissvc.CounterStore
	engine   *scriptedEngine
	sessions *fakeSessionStore
	logger   *zap.Logger
}

// newGate wires a full pipeline against miniredis with fake stores. The
// counter store seeds spend under the keys the evaluator reads.
func newGate(t *testing.T, tagStore *fakeTagStore, store *fakeBudgetStore) (*gateFixture, func()) {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("Failed to start miniredis: %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	logger, _ := zap.NewDevelopment()
	resolver := tags.NewResolver(tagStore, redissvc.NewTagCache(client, logger), logger)
	sessions := newFakeSessionStore()
	tracker := session.NewTracker(sessions, redissvc.NewSessionCache(client, logger, time.Hour), logger)
	counters := redissvc.NewCounterStore(client, logger)
	ev := budget.NewEvaluator(store, counters, redissvc.NewBudgetCache(client, logger), resolver, budget.Defaults{}, logger)
	engine := &scriptedEngine{dec: policy.Decision{Allow: true}}

	fix := &gateFixture{
		pipeline: NewPipeline(resolver, tracker, ev, engine, logger),
		resolver: resolver,
		tracker:  tracker,
		budgets:  ev,
		counters: counters,
		engine:   engine,
		sessions: sessions,
		logger:   logger,
	}
	cleanup := func() {
		_ = client.Close()
		mr.Close()
	}
	return fix, cleanup
}

func gateTenant() *models.Tenant {
	return &models.Tenant{
		BaseModel: models.BaseModel{ID: 42},
		Name:      "acme",
		Active:    true,
	}
}

func engTagStore() *fakeTagStore {
	return &fakeTagStore{tags: []models.Tag{
		{BaseModel: models.BaseModel{ID: 1}, TenantID: 42, Name: "eng", Path: "eng", Active: true},
	}}
}

func chatInput(tenant *models.Tenant) *Input {
	return &Input{
		Tenant:    tenant,
		Route:     "/v1/chat/completions",
		Model:     "gpt-4o",
		TagHeader: "eng",
	}
}

func TestPipeline_Admit(t *testing.T) {
	ctx := context.Background()

	t.Run("CarriesGateState", func(t *testing.T) {
		store := &fakeBudgetStore{budgets: []models.Budget{{
			BaseModel: models.BaseModel{ID: 1},
			TenantID:  42,
			Period:    models.PeriodDaily,
			AmountUSD: decimal.NewFromInt(100),
			Active:    true,
		}}}
		fix, cleanup := newGate(t, engTagStore(), store)
		defer cleanup()

		tenant := gateTenant()
		dailyKey := budget.PeriodKey(models.PeriodDaily, time.Now(), time.Time{}, time.Time{})
		if _, err := fix.counters.IncrTenantSpend(ctx, tenant.Name, dailyKey, 3.25, time.Hour); err != nil {
			t.Fatalf("Failed to seed spend: %v", err)
		}

		in := chatInput(tenant)
		in.SessionID = "job-1"
		adm, err := fix.pipeline.Admit(ctx, in)
		if err != nil {
			t.Fatalf("Admit failed: %v", err)
		}

		if len(adm.Tags) != 1 || adm.Tags[0].Name != "eng" {
			t.Errorf("Expected resolved tag eng, got %+v", adm.Tags)
		}
		if adm.Session == nil {
			t.Fatal("Expected a session on the admission")
		}
		if adm.Session.SID != "42:job-1" {
			t.Errorf("Expected namespaced SID 42:job-1, got %s", adm.Session.SID)
		}
		if got := adm.PeriodSpend["daily"]; got != 3.25 {
			t.Errorf("Expected daily spend 3.25 in admission, got %f", got)
		}
	})

	t.Run("PolicyInputMirrorsAdmission", func(t *testing.T) {
		store := &fakeBudgetStore{budgets: []models.Budget{{
			BaseModel: models.BaseModel{ID: 1},
			TenantID:  42,
			Period:    models.PeriodDaily,
			AmountUSD: decimal.NewFromInt(100),
			Active:    true,
		}}}
		fix, cleanup := newGate(t, engTagStore(), store)
		defer cleanup()

		if _, err := fix.pipeline.Admit(ctx, chatInput(gateTenant())); err != nil {
			t.Fatalf("Admit failed: %v", err)
		}

		if fix.engine.callCount() != 1 {
			t.Fatalf("Expected one policy evaluation, got %d", fix.engine.callCount())
		}
		in := fix.engine.lastInput()
		if in.TenantID != 42 || in.TenantName != "acme" {
			t.Errorf("Expected tenant 42/acme in policy input, got %d/%s", in.TenantID, in.TenantName)
		}
		if in.Route != "/v1/chat/completions" || in.Model != "gpt-4o" {
			t.Errorf("Unexpected route/model in policy input: %s %s", in.Route, in.Model)
		}
		if len(in.Tags) != 1 || in.Tags[0] != "eng" {
			t.Errorf("Expected tags [eng] in policy input, got %v", in.Tags)
		}
		if _, ok := in.PeriodSpend["daily"]; !ok {
			t.Error("Expected daily period spend forwarded to the policy input")
		}
	})

	t.Run("EmptySessionIDSkipsSessionPhase", func(t *testing.T) {
		fix, cleanup := newGate(t, engTagStore(), &fakeBudgetStore{})
		defer cleanup()

		adm, err := fix.pipeline.Admit(ctx, chatInput(gateTenant()))
		if err != nil {
			t.Fatalf("Admit failed: %v", err)
		}
		if adm.Session != nil {
			t.Errorf("Expected no session without a session id, got %+v", adm.Session)
		}
		if fix.sessions.createdCount() != 0 {
			t.Errorf("Expected no session rows created, got %d", fix.sessions.createdCount())
		}
	})

	t.Run("NilEngineAllows", func(t *testing.T) {
		fix, cleanup := newGate(t, engTagStore(), &fakeBudgetStore{})
		defer cleanup()

		p := NewPipeline(fix.resolver, fix.tracker, fix.budgets, nil, fix.logger)
		if _, err := p.Admit(ctx, chatInput(gateTenant())); err != nil {
			t.Errorf("Expected nil engine to admit, got %v", err)
		}
	})
}

func TestPipeline_TagValidation(t *testing.T) {
	ctx := context.Background()
	fix, cleanup := newGate(t, engTagStore(), &fakeBudgetStore{})
	defer cleanup()

	in := chatInput(gateTenant())
	in.TagHeader = "eng, ghost"
	in.SessionID = "job-2"
	_, err := fix.pipeline.Admit(ctx, in)

	var verr *tags.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("Expected ValidationError, got %v", err)
	}
	if len(verr.Missing) != 1 || verr.Missing[0] != "ghost" {
		t.Errorf("Expected missing tag ghost, got %v", verr.Missing)
	}
	// Resolution refuses before the session phase runs.
	if fix.sessions.createdCount() != 0 {
		t.Errorf("Expected no session created on refusal, got %d", fix.sessions.createdCount())
	}
	if fix.engine.callCount() != 0 {
		t.Errorf("Expected no policy evaluation on refusal, got %d", fix.engine.callCount())
	}
}

func TestPipeline_TenantBudget(t *testing.T) {
	ctx := context.Background()

	t.Run("ExceededRefuses", func(t *testing.T) {
		store := &fakeBudgetStore{budgets: []models.Budget{{
			BaseModel: models.BaseModel{ID: 1},
			TenantID:  42,
			Period:    models.PeriodDaily,
			AmountUSD: decimal.NewFromInt(10),
			Active:    true,
		}}}
		fix, cleanup := newGate(t, engTagStore(), store)
		defer cleanup()

		tenant := gateTenant()
		dailyKey := budget.PeriodKey(models.PeriodDaily, time.Now(), time.Time{}, time.Time{})
		if _, err := fix.counters.IncrTenantSpend(ctx, tenant.Name, dailyKey, 12, time.Hour); err != nil {
			t.Fatalf("Failed to seed spend: %v", err)
		}

		_, err := fix.pipeline.Admit(ctx, chatInput(tenant))
		var ex *budget.ExceededError
		if !errors.As(err, &ex) {
			t.Fatalf("Expected ExceededError, got %v", err)
		}
		if ex.Period != models.PeriodDaily {
			t.Errorf("Expected daily period on refusal, got %s", ex.Period)
		}
		if fix.engine.callCount() != 0 {
			t.Errorf("Expected no policy evaluation on refusal, got %d", fix.engine.callCount())
		}
	})

	t.Run("FailsClosedWhenStateUnavailable", func(t *testing.T) {
		// No Redis and a failing budget load: the gate cannot establish
		// budget state, so the error is not a client refusal.
		store := &fakeBudgetStore{budgetsErr: errors.New("database down")}
		logger, _ := zap.NewDevelopment()
		resolver := tags.NewResolver(engTagStore(), redissvc.NewTagCache(nil, logger), logger)
		tracker := session.NewTracker(newFakeSessionStore(), redissvc.NewSessionCache(nil, logger, time.Hour), logger)
		ev := budget.NewEvaluator(store, redissvc.NewCounterStore(nil, logger), redissvc.NewBudgetCache(nil, logger), resolver, budget.Defaults{}, logger)
		p := NewPipeline(resolver, tracker, ev, policy.Static{}, logger)

		_, err := p.Admit(ctx, chatInput(gateTenant()))
		if err == nil {
			t.Fatal("Expected admission to fail closed")
		}
		var ex *budget.ExceededError
		if errors.As(err, &ex) {
			t.Errorf("Expected an internal error, got a budget refusal: %v", err)
		}
	})
}

func TestPipeline_TagBudget(t *testing.T) {
	ctx := context.Background()
	store := &fakeBudgetStore{tagBudgets: map[uint][]models.TagBudget{
		1: {{
			BaseModel:   models.BaseModel{ID: 1},
			TagID:       1,
			Period:      models.PeriodDaily,
			AmountUSD:   decimal.NewFromInt(5),
			Inheritance: models.InheritanceLenient,
			Active:      true,
		}},
	}}
	fix, cleanup := newGate(t, engTagStore(), store)
	defer cleanup()

	tenant := gateTenant()
	dailyKey := budget.PeriodKey(models.PeriodDaily, time.Now(), time.Time{}, time.Time{})
	if _, err := fix.counters.IncrTagSpend(ctx, tenant.Name, 1, dailyKey, 6, time.Hour); err != nil {
		t.Fatalf("Failed to seed tag spend: %v", err)
	}

	_, err := fix.pipeline.Admit(ctx, chatInput(tenant))
	var ex *budget.TagExceededError
	if !errors.As(err, &ex) {
		t.Fatalf("Expected TagExceededError, got %v", err)
	}
	if ex.TagName != "eng" {
		t.Errorf("Expected refusal to name tag eng, got %s", ex.TagName)
	}
	if fix.engine.callCount() != 0 {
		t.Errorf("Expected no policy evaluation on refusal, got %d", fix.engine.callCount())
	}
}

func TestPipeline_SessionBudget(t *testing.T) {
	ctx := context.Background()
	fix, cleanup := newGate(t, engTagStore(), &fakeBudgetStore{})
	defer cleanup()

	capUSD := decimal.NewFromInt(5)
	tenant := gateTenant()
	tenant.DefaultSessionBudgetUSD = &capUSD

	in := chatInput(tenant)
	in.SessionID = "job-9"
	adm, err := fix.pipeline.Admit(ctx, in)
	if err != nil {
		t.Fatalf("First admit failed: %v", err)
	}
	if adm.Session.BudgetUSD == nil || *adm.Session.BudgetUSD != 5 {
		t.Fatalf("Expected elected session budget 5, got %+v", adm.Session.BudgetUSD)
	}

	_, crossed, err := fix.tracker.RecordSpend(ctx, adm.Session.SID, 7.5, adm.Session.BudgetUSD)
	if err != nil {
		t.Fatalf("RecordSpend failed: %v", err)
	}
	if !crossed {
		t.Fatal("Expected spend to cross the session cap")
	}

	_, err = fix.pipeline.Admit(ctx, in)
	if !errors.Is(err, ErrSessionBudgetExceeded) {
		t.Errorf("Expected ErrSessionBudgetExceeded, got %v", err)
	}
}

func TestPipeline_Policy(t *testing.T) {
	ctx := context.Background()

	t.Run("DenyCarriesReason", func(t *testing.T) {
		fix, cleanup := newGate(t, engTagStore(), &fakeBudgetStore{})
		defer cleanup()
		fix.engine.dec = policy.Decision{Allow: false, Reason: "model not allowed after hours"}

		_, err := fix.pipeline.Admit(ctx, chatInput(gateTenant()))
		var denied *PolicyDeniedError
		if !errors.As(err, &denied) {
			t.Fatalf("Expected PolicyDeniedError, got %v", err)
		}
		if denied.Reason != "model not allowed after hours" {
			t.Errorf("Expected engine reason on refusal, got %q", denied.Reason)
		}
	})

	t.Run("EngineFailureAdmits", func(t *testing.T) {
		fix, cleanup := newGate(t, engTagStore(), &fakeBudgetStore{})
		defer cleanup()
		fix.engine.err = errors.New("decision point unreachable")

		adm, err := fix.pipeline.Admit(ctx, chatInput(gateTenant()))
		if err != nil {
			t.Fatalf("Expected engine failure to admit, got %v", err)
		}
		if adm == nil {
			t.Fatal("Expected an admission")
		}
	})
}
