package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/tollgate/tollgate/internal/middleware"
	"github.com/tollgate/tollgate/internal/models"
	redissvc "github.com/tollgate/tollgate/internal/services/redis"
	"github.com/tollgate/tollgate/internal/services/session"
)

const (
	// maintenanceLock serializes the periodic jobs across worker
	// instances. The short TTL means a wedged holder frees the schedule
	// within a minute.
	maintenanceLock = "ledger-maintenance"
	lockTTL         = 60 * time.Second

	jobTimeout = 5 * time.Minute
)

// Maintenance runs the worker's periodic jobs: folding cache-tier
// session costs back into the database, trimming the event stream and
// analytics projections, and republishing model availability gauges.
type Maintenance struct {
	db        *gorm.DB
	logger    *zap.Logger
	client    *redis.Client
	sessions  *redissvc.SessionCache
	store     *session.GormStore
	analytics *redissvc.AnalyticsStore
	locks     *redissvc.LockManager
	cron      *cron.Cron
}

type MaintenanceConfig struct {
	DB        *gorm.DB
	Logger    *zap.Logger
	Client    *redis.Client
	Sessions  *redissvc.SessionCache
	Store     *session.GormStore
	Analytics *redissvc.AnalyticsStore
	Locks     *redissvc.LockManager
}

func NewMaintenance(config *MaintenanceConfig) *Maintenance {
	return &Maintenance{
		db:        config.DB,
		logger:    config.Logger,
		client:    config.Client,
		sessions:  config.Sessions,
		store:     config.Store,
		analytics: config.Analytics,
		locks:     config.Locks,
		cron:      cron.New(),
	}
}

// Start registers the schedule and begins running jobs.
func (m *Maintenance) Start(ctx context.Context) error {
	if m.client == nil {
		return redissvc.ErrUnavailable
	}

	jobs := []struct {
		spec string
		name string
		run  func(context.Context) error
	}{
		{"@every 5m", "session_reconciliation", m.reconcileSessions},
		{"@hourly", "projection_trim", m.trimProjections},
		{"@daily", "availability_gauges", m.republishAvailability},
	}
	for _, job := range jobs {
		if _, err := m.cron.AddFunc(job.spec, m.guarded(ctx, job.name, job.run)); err != nil {
			return fmt.Errorf("failed to schedule %s: %w", job.name, err)
		}
	}

	m.logger.Info("Starting maintenance schedule", zap.Int("jobs", len(jobs)))
	m.cron.Start()
	return nil
}

// Stop halts the schedule and waits for a running job to finish.
func (m *Maintenance) Stop() error {
	m.logger.Info("Stopping maintenance schedule")
	<-m.cron.Stop().Done()
	return nil
}

// guarded wraps a job in the cross-instance lock. A lock held elsewhere
// means another worker is on it this round.
func (m *Maintenance) guarded(ctx context.Context, name string, job func(context.Context) error) func() {
	return func() {
		err := m.locks.WithLock(ctx, maintenanceLock, lockTTL, func() error {
			jobCtx, cancel := context.WithTimeout(ctx, jobTimeout)
			defer cancel()
			return job(jobCtx)
		})
		if err == nil {
			return
		}
		if errors.Is(err, redissvc.ErrLockHeld) {
			m.logger.Debug("Maintenance lock held elsewhere, skipping",
				zap.String("job", name))
			return
		}
		m.logger.Error("Maintenance job failed",
			zap.String("job", name),
			zap.Error(err))
	}
}

// reconcileSessions folds every live session_cost counter into the
// persisted session row. The cache counter is the runtime authority, so
// the fold overwrites rather than adds.
func (m *Maintenance) reconcileSessions(ctx context.Context) error {
	var folded int
	err := m.sessions.ScanCosts(ctx, func(sid string, cost float64) error {
		if err := m.store.ReconcileCost(ctx, sid, decimal.NewFromFloat(cost)); err != nil {
			m.logger.Warn("Session cost fold failed",
				zap.String("sid", sid),
				zap.Error(err))
		} else {
			folded++
		}
		return nil
	})
	if err != nil && err != redissvc.ErrUnavailable {
		return fmt.Errorf("session cost scan failed: %w", err)
	}

	if folded > 0 {
		m.logger.Info("Reconciled session costs", zap.Int("sessions", folded))
	}
	return nil
}

// trimProjections bounds the event stream and drops zset members older
// than their retention, then prunes aggregates that decayed to zero.
func (m *Maintenance) trimProjections(ctx context.Context) error {
	if err := m.client.XTrimMaxLenApprox(ctx, redissvc.LedgerStream, redissvc.DefaultStreamMaxLen, 0).Err(); err != nil {
		m.logger.Warn("Event stream trim failed", zap.Error(err))
	}

	var tags []models.Tag
	if err := m.db.WithContext(ctx).Select("id", "tenant_id").Find(&tags).Error; err != nil {
		return fmt.Errorf("failed to list tags for trim: %w", err)
	}

	now := time.Now()
	for _, tag := range tags {
		if err := m.analytics.TrimBefore(ctx, tag.TenantID, tag.ID, "daily", now.Add(-redissvc.DailyRetention)); err != nil {
			m.logger.Warn("Daily projection trim failed",
				zap.Uint("tag_id", tag.ID),
				zap.Error(err))
		}
		if err := m.analytics.TrimBefore(ctx, tag.TenantID, tag.ID, "monthly", now.Add(-redissvc.MonthlyRetention)); err != nil {
			m.logger.Warn("Monthly projection trim failed",
				zap.Uint("tag_id", tag.ID),
				zap.Error(err))
		}
	}

	pruned, err := m.analytics.PruneAggregates(ctx)
	if err != nil {
		m.logger.Warn("Aggregate prune failed", zap.Error(err))
		return nil
	}
	if pruned > 0 {
		m.logger.Info("Pruned empty aggregates", zap.Int("count", pruned))
	}
	return nil
}

// republishAvailability resets the model availability gauges from the
// rate card, so a restarted metrics scrape sees every known model.
func (m *Maintenance) republishAvailability(ctx context.Context) error {
	var rows []models.ModelPricing
	if err := m.db.WithContext(ctx).Find(&rows).Error; err != nil {
		return fmt.Errorf("failed to list pricing for gauges: %w", err)
	}

	for _, row := range rows {
		middleware.SetModelAvailable(row.ModelID, string(row.Provider), row.Active)
	}
	m.logger.Debug("Republished model availability gauges", zap.Int("models", len(rows)))
	return nil
}
