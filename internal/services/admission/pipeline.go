// Package admission runs the pre-dispatch gate: tag resolution, session
// tracking, budget evaluation at every scope, and the policy hook.
// Phases run in a fixed order because each feeds the next; the first
// refusal wins.
package admission

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/tollgate/tollgate/internal/models"
	"github.com/tollgate/tollgate/internal/services/budget"
	"github.com/tollgate/tollgate/internal/services/policy"
	redissvc "github.com/tollgate/tollgate/internal/services/redis"
	"github.com/tollgate/tollgate/internal/services/session"
	"github.com/tollgate/tollgate/internal/services/tags"
)

// ErrSessionBudgetExceeded refuses requests on a session whose running
// cost has crossed its effective budget.
var ErrSessionBudgetExceeded = errors.New("session budget exceeded")

// PolicyDeniedError carries the engine's reason to the 403 body.
type PolicyDeniedError struct {
	Reason string
}

func (e *PolicyDeniedError) Error() string {
	return fmt.Sprintf("request blocked by policy: %s", e.Reason)
}

// Input is one authenticated request about to be dispatched.
type Input struct {
	Tenant      *models.Tenant
	Route       string
	Model       string
	TagHeader   string
	SessionID   string
	SessionName string
	SessionPath string
}

// Admission is the state the gate accumulated while admitting; the
// dispatch and the ledger hook both consume it.
type Admission struct {
	Tags        []redissvc.CachedTag
	Session     *session.State
	PeriodSpend map[string]float64
}

type Pipeline struct {
	resolver *tags.Resolver
	sessions *session.Tracker
	budgets  *budget.Evaluator
	policy   policy.Engine
	logger   *zap.Logger
}

func NewPipeline(resolver *tags.Resolver, sessions *session.Tracker, budgets *budget.Evaluator, engine policy.Engine, logger *zap.Logger) *Pipeline {
	if engine == nil {
		engine = policy.Static{}
	}
	return &Pipeline{
		resolver: resolver,
		sessions: sessions,
		budgets:  budgets,
		policy:   engine,
		logger:   logger,
	}
}

// Admit runs every gate phase. The error's type tells the handler which
// refusal to map: *tags.ValidationError, *budget.ExceededError,
// *budget.TagExceededError, ErrSessionBudgetExceeded and
// *PolicyDeniedError are client refusals; anything else means admission
// state could not be established and the request fails closed.
func (p *Pipeline) Admit(ctx context.Context, in *Input) (*Admission, error) {
	adm := &Admission{}

	resolved, err := p.resolver.Resolve(ctx, in.Tenant.ID, in.TagHeader)
	if err != nil {
		return nil, err
	}
	adm.Tags = resolved

	if in.SessionID != "" {
		st, err := p.sessions.GetOrCreate(ctx, in.Tenant, in.SessionID, in.SessionName, in.SessionPath, resolved)
		if err != nil {
			return nil, err
		}
		adm.Session = st
	}

	spend, err := p.budgets.CheckTenant(ctx, in.Tenant)
	if err != nil {
		return nil, err
	}
	adm.PeriodSpend = spend

	if err := p.budgets.CheckTags(ctx, in.Tenant, resolved); err != nil {
		return nil, err
	}

	if adm.Session != nil && adm.Session.OverBudget() {
		return nil, ErrSessionBudgetExceeded
	}

	dec, err := p.policy.Evaluate(ctx, p.policyInput(in, adm))
	if err != nil {
		p.logger.Warn("policy engine unavailable, allowing request",
			zap.String("tenant", in.Tenant.Name),
			zap.Error(err))
	} else if !dec.Allow {
		return nil, &PolicyDeniedError{Reason: dec.Reason}
	}

	return adm, nil
}

func (p *Pipeline) policyInput(in *Input, adm *Admission) policy.Input {
	names := make([]string, 0, len(adm.Tags))
	for _, t := range adm.Tags {
		names = append(names, t.Name)
	}
	return policy.Input{
		TenantID:    in.Tenant.ID,
		TenantName:  in.Tenant.Name,
		Route:       in.Route,
		Model:       in.Model,
		HourOfDay:   time.Now().UTC().Hour(),
		Tags:        names,
		PeriodSpend: adm.PeriodSpend,
	}
}
