// Package worker drains the ledger event stream into the relational
// ledger and maintains the cache-tier analytics projections. It runs as
// its own binary so a slow database never backs up the gateway.
package worker

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/tollgate/tollgate/internal/middleware"
	"github.com/tollgate/tollgate/internal/models"
	"github.com/tollgate/tollgate/internal/services/budget"
	redissvc "github.com/tollgate/tollgate/internal/services/redis"
	"github.com/tollgate/tollgate/internal/services/retry"
)

const (
	// ConsumerGroup is shared by every worker instance; the stream
	// tracks per-consumer pending entries under it.
	ConsumerGroup = "ledger-workers"

	// claimMinIdle is how long a pending entry sits with a dead or
	// stuck consumer before another instance may claim it.
	claimMinIdle = time.Minute
	claimEvery   = 30 * time.Second

	// deadLetterAfter is the delivery count at which an unparseable
	// event stops being retried and moves to the dead stream.
	deadLetterAfter = 3
)

// Drainer consumes ledger events and makes them durable: one
// UsageLedger row (plus RequestTag rows) per event key, then the
// per-tag analytics projections for the declared tags and their
// ancestors.
type Drainer struct {
	db        *gorm.DB
	logger    *zap.Logger
	client    *redis.Client
	markers   *redissvc.MarkerStore
	analytics *redissvc.AnalyticsStore
	consumer  string
	group     string
	batch     int
	block     time.Duration
	stopCh    chan struct{}
}

type DrainerConfig struct {
	DB        *gorm.DB
	Logger    *zap.Logger
	Client    *redis.Client
	Markers   *redissvc.MarkerStore
	Analytics *redissvc.AnalyticsStore
	Group     string
	BatchSize int
	Block     time.Duration
}

func NewDrainer(config *DrainerConfig) *Drainer {
	if config.Group == "" {
		config.Group = ConsumerGroup
	}
	if config.BatchSize == 0 {
		config.BatchSize = 128
	}
	if config.Block == 0 {
		config.Block = 5 * time.Second
	}

	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		hostname = "worker"
	}

	return &Drainer{
		db:        config.DB,
		logger:    config.Logger,
		client:    config.Client,
		markers:   config.Markers,
		analytics: config.Analytics,
		consumer:  fmt.Sprintf("%s-%d", hostname, os.Getpid()),
		group:     config.Group,
		batch:     config.BatchSize,
		block:     config.Block,
		stopCh:    make(chan struct{}),
	}
}

// Start creates the consumer group if needed and begins draining.
func (d *Drainer) Start(ctx context.Context) error {
	if d.client == nil {
		return redissvc.ErrUnavailable
	}
	if err := d.ensureGroup(ctx); err != nil {
		return err
	}

	d.logger.Info("Starting ledger drainer",
		zap.String("consumer", d.consumer),
		zap.String("group", d.group),
		zap.Int("batch_size", d.batch))

	go d.drainLoop(ctx)
	go d.claimLoop(ctx)
	return nil
}

// Stop signals the loops to exit after their current batch.
func (d *Drainer) Stop() error {
	d.logger.Info("Stopping ledger drainer")
	close(d.stopCh)
	return nil
}

func (d *Drainer) ensureGroup(ctx context.Context) error {
	err := d.client.XGroupCreateMkStream(ctx, redissvc.LedgerStream, d.group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("failed to create consumer group: %w", err)
	}
	return nil
}

func (d *Drainer) drainLoop(ctx context.Context) {
	b := retry.NewBackoff(nil)
	for {
		select {
		case <-ctx.Done():
			return
		case <-d.stopCh:
			return
		default:
		}

		streams, err := d.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    d.group,
			Consumer: d.consumer,
			Streams:  []string{redissvc.LedgerStream, ">"},
			Count:    int64(d.batch),
			Block:    d.block,
		}).Result()
		if err == redis.Nil {
			b.Reset()
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			d.logger.Error("Stream read failed, reconnecting", zap.Error(err))
			if b.Sleep(ctx) != nil {
				return
			}
			continue
		}
		b.Reset()

		var batch int
		for _, stream := range streams {
			batch += len(stream.Messages)
			for _, msg := range stream.Messages {
				d.handle(ctx, msg)
			}
		}
		middleware.ObserveWorkerBatch(batch)
		if depth, err := d.client.XLen(ctx, redissvc.LedgerStream).Result(); err == nil {
			middleware.SetStreamDepth(depth)
		}
	}
}

// claimLoop re-delivers entries left pending by crashed consumers or by
// parse failures, one page per tick.
func (d *Drainer) claimLoop(ctx context.Context) {
	ticker := time.NewTicker(claimEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-d.stopCh:
			return
		case <-ticker.C:
			msgs, _, err := d.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
				Stream:   redissvc.LedgerStream,
				Group:    d.group,
				Consumer: d.consumer,
				MinIdle:  claimMinIdle,
				Start:    "0-0",
				Count:    int64(d.batch),
			}).Result()
			if err != nil {
				if ctx.Err() == nil {
					d.logger.Warn("Pending entry claim failed", zap.Error(err))
				}
				continue
			}
			for _, msg := range msgs {
				d.handle(ctx, msg)
			}
		}
	}
}

// handle takes one stream entry to completion. Persistence errors are
// retried with backoff and never acked away: during a database outage
// the loop parks here and the stream buffers behind it.
func (d *Drainer) handle(ctx context.Context, msg redis.XMessage) {
	ev, err := redissvc.ParseEvent(msg.Values)
	if err != nil {
		d.handleMalformed(ctx, msg, err)
		return
	}

	b := retry.NewBackoff(nil)
	for {
		err := d.process(ctx, ev)
		if err == nil {
			break
		}
		d.logger.Error("Ledger event persistence failed, backing off",
			zap.String("event_key", ev.EventKey),
			zap.String("message_id", msg.ID),
			zap.Error(err))
		if b.Sleep(ctx) != nil {
			return
		}
	}

	d.ack(ctx, msg.ID)
}

func (d *Drainer) process(ctx context.Context, ev *redissvc.LedgerEvent) error {
	claimed, err := d.markers.ClaimEvent(ctx, ev.EventKey)
	if err != nil {
		return err
	}
	if !claimed {
		// Another delivery already persisted this key.
		return nil
	}

	if err := d.persist(ctx, ev); err != nil {
		// Give the marker back so the retry can claim it again.
		if relErr := d.markers.ReleaseEvent(ctx, ev.EventKey); relErr != nil {
			d.logger.Warn("Failed to release event marker",
				zap.String("event_key", ev.EventKey),
				zap.Error(relErr))
		}
		return err
	}

	d.project(ctx, ev)
	return nil
}

// persist writes the ledger row and its tag attributions in one
// transaction. The unique event key backstops the marker: a double
// delivery inserts nothing.
func (d *Drainer) persist(ctx context.Context, ev *redissvc.LedgerEvent) error {
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

	tagRows := make([]models.RequestTag, 0, len(ev.Tags))
	for _, t := range ev.Tags {
		tagRows = append(tagRows, models.RequestTag{
			TagID:           t.ID,
			TagName:         t.Name,
			TagPath:         t.Path,
			Weight:          t.Weight,
			WeightedCostUSD: decimal.NewFromFloat(ev.CostUSD * t.Weight),
		})
	}

	return d.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "event_key"}},
			DoNothing: true,
		}).Create(row)
		if res.Error != nil {
			return fmt.Errorf("failed to insert ledger row: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			// Lost the race to another writer; its transaction owns
			// the attribution rows too.
			return nil
		}

		if len(tagRows) == 0 {
			return nil
		}
		for i := range tagRows {
			tagRows[i].UsageLedgerID = row.ID
		}
		if err := tx.Create(&tagRows).Error; err != nil {
			return fmt.Errorf("failed to insert attribution rows: %w", err)
		}
		return nil
	})
}

// project applies the analytics projections for every declared tag and
// each of its ancestors. Contributions merge per node before anything
// is written, so overlapping declarations produce one attribution per
// node per event, each guarded by its own marker.
func (d *Drainer) project(ctx context.Context, ev *redissvc.LedgerEvent) {
	if len(ev.Tags) == 0 {
		return
	}

	weights := d.nodeWeights(ctx, ev)
	periodKeys := aggregateWindows(ev.Timestamp)

	for tagID, weight := range weights {
		claimed, err := d.markers.ClaimTag(ctx, ev.EventKey, tagID)
		if err != nil {
			d.logger.Warn("Tag marker claim failed",
				zap.Uint("tag_id", tagID),
				zap.String("event_key", ev.EventKey),
				zap.Error(err))
			continue
		}
		if !claimed {
			continue
		}

		att := &redissvc.Attribution{
			USD:    ev.CostUSD,
			Weight: weight,
			TS:     ev.Timestamp,
			SID:    ev.SessionSID,
			Model:  ev.Model,
		}
		if err := d.analytics.Record(ctx, ev.TenantID, tagID, att, periodKeys); err != nil {
			d.logger.Warn("Tag analytics record failed",
				zap.Uint("tag_id", tagID),
				zap.String("event_key", ev.EventKey),
				zap.Error(err))
		}
	}
}

// nodeWeights folds the declared attributions into one weight per tag
// node. Each declared tag contributes its weight to itself and every
// ancestor, so overlapping declarations add up, matching the admission
// counters and the database roll-up.
func (d *Drainer) nodeWeights(ctx context.Context, ev *redissvc.LedgerEvent) map[uint]float64 {
	weights := make(map[uint]float64, len(ev.Tags)*2)

	pathSet := make(map[string]struct{})
	for _, t := range ev.Tags {
		weights[t.ID] += t.Weight
		for _, p := range (&models.Tag{Path: t.Path}).AncestorPaths() {
			pathSet[p] = struct{}{}
		}
	}
	if len(pathSet) == 0 {
		return weights
	}

	paths := make([]string, 0, len(pathSet))
	for p := range pathSet {
		paths = append(paths, p)
	}

	var ancestors []models.Tag
	err := d.db.WithContext(ctx).
		Where("tenant_id = ? AND path IN ? AND active = ?", ev.TenantID, paths, true).
		Find(&ancestors).Error
	if err != nil {
		d.logger.Warn("Ancestor lookup failed, projecting declared tags only",
			zap.String("event_key", ev.EventKey),
			zap.Error(err))
		return weights
	}

	byPath := make(map[string]uint, len(ancestors))
	for _, a := range ancestors {
		byPath[a.Path] = a.ID
	}
	for _, t := range ev.Tags {
		for _, p := range (&models.Tag{Path: t.Path}).AncestorPaths() {
			if id, ok := byPath[p]; ok {
				weights[id] += t.Weight
			}
		}
	}
	return weights
}

// aggregateWindows maps the recurring period keys at the event's
// timestamp to aggregate-counter TTLs, the window remainder plus an
// hour of slack.
func aggregateWindows(ts time.Time) map[string]time.Duration {
	keys := make(map[string]time.Duration, 2)
	for _, p := range []models.Period{models.PeriodDaily, models.PeriodMonthly} {
		w, ok := budget.RecurringWindow(p, ts)
		if !ok {
			continue
		}
		ttl := time.Until(w.End) + time.Hour
		if ttl <= 0 {
			continue
		}
		keys[w.Key] = ttl
	}
	return keys
}

// handleMalformed counts deliveries of an unparseable entry and moves
// it to the dead stream once it has burned its retries. Until then the
// entry stays pending and comes back through the claim loop.
func (d *Drainer) handleMalformed(ctx context.Context, msg redis.XMessage, parseErr error) {
	deliveries := d.deliveryCount(ctx, msg.ID)
	if deliveries < deadLetterAfter {
		d.logger.Warn("Failed to parse ledger event, leaving pending",
			zap.String("message_id", msg.ID),
			zap.Int64("deliveries", deliveries),
			zap.Error(parseErr))
		return
	}

	d.logger.Error("Moving malformed ledger event to dead stream",
		zap.String("message_id", msg.ID),
		zap.Int64("deliveries", deliveries),
		zap.Error(parseErr))

	if err := d.client.XAdd(ctx, &redis.XAddArgs{
		Stream: redissvc.DeadLedgerStream,
		Values: msg.Values,
	}).Err(); err != nil {
		// Keep it pending rather than lose it.
		d.logger.Error("Failed to copy event to dead stream",
			zap.String("message_id", msg.ID),
			zap.Error(err))
		return
	}
	d.ack(ctx, msg.ID)
}

func (d *Drainer) deliveryCount(ctx context.Context, msgID string) int64 {
	pending, err := d.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: redissvc.LedgerStream,
		Group:  d.group,
		Start:  msgID,
		End:    msgID,
		Count:  1,
	}).Result()
	if err != nil || len(pending) == 0 {
		return 1
	}
	return pending[0].RetryCount
}

func (d *Drainer) ack(ctx context.Context, msgID string) {
	if err := d.client.XAck(ctx, redissvc.LedgerStream, d.group, msgID).Err(); err != nil {
		d.logger.Warn("Failed to ack stream entry",
			zap.String("message_id", msgID),
			zap.Error(err))
	}
}
