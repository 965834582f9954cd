package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// CachedSession is the admission-time view of a session. The running cost
// lives in a sibling float-string key so it can move under INCRBYFLOAT
// without rewriting the record.
type CachedSession struct {
	SID       string   `json:"sid"`
	TenantID  uint     `json:"tenant_id"`
	Name      string   `json:"name,omitempty"`
	Path      string   `json:"path,omitempty"`
	BudgetUSD *float64 `json:"budget_usd,omitempty"`
	Status    string   `json:"status"`
}

// SessionCache holds session records and live costs.
//
//	session:<sid>       JSON record
//	session_cost:<sid>  float string
type SessionCache struct {
	client *redis.Client
	logger *zap.Logger
	ttl    time.Duration
}

func NewSessionCache(client *redis.Client, logger *zap.Logger, ttl time.Duration) *SessionCache {
	if ttl == 0 {
		ttl = 24 * time.Hour
	}
	return &SessionCache{client: client, logger: logger, ttl: ttl}
}

func sessionKey(sid string) string     { return fmt.Sprintf("session:%s", sid) }
func sessionCostKey(sid string) string { return fmt.Sprintf("session_cost:%s", sid) }

// Get returns the cached session record, refreshing its TTL on hit.
func (sc *SessionCache) Get(ctx context.Context, sid string) (*CachedSession, bool, error) {
	if sc.client == nil {
		return nil, false, ErrUnavailable
	}

	data, err := sc.client.GetEx(ctx, sessionKey(sid), sc.ttl).Result()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to read session: %w", err)
	}

	var s CachedSession
	if err := json.Unmarshal([]byte(data), &s); err != nil {
		return nil, false, fmt.Errorf("failed to unmarshal session: %w", err)
	}
	return &s, true, nil
}

// Put stores the record and initializes the cost counter when absent.
// SetNX on the cost key keeps a concurrent writer from zeroing live spend.
func (sc *SessionCache) Put(ctx context.Context, s *CachedSession, initialCost float64) error {
	if sc.client == nil {
		return ErrUnavailable
	}

	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}

	pipe := sc.client.Pipeline()
	pipe.Set(ctx, sessionKey(s.SID), data, sc.ttl)
	pipe.SetNX(ctx, sessionCostKey(s.SID), strconv.FormatFloat(initialCost, 'f', -1, 64), sc.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to cache session: %w", err)
	}
	return nil
}

// Cost reads the live running cost. Missing key reads as zero.
func (sc *SessionCache) Cost(ctx context.Context, sid string) (float64, error) {
	if sc.client == nil {
		return 0, ErrUnavailable
	}

	val, err := sc.client.Get(ctx, sessionCostKey(sid)).Result()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read session cost: %w", err)
	}

	cost, err := strconv.ParseFloat(val, 64)
	if err != nil {
		return 0, fmt.Errorf("session cost is not numeric: %w", err)
	}
	return cost, nil
}

// IncrCost adds usd to the running cost and returns the new total.
func (sc *SessionCache) IncrCost(ctx context.Context, sid string, usd float64) (float64, error) {
	if sc.client == nil {
		return 0, ErrUnavailable
	}

	pipe := sc.client.Pipeline()
	incr := pipe.IncrByFloat(ctx, sessionCostKey(sid), usd)
	pipe.Expire(ctx, sessionCostKey(sid), sc.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("failed to increment session cost: %w", err)
	}
	return incr.Val(), nil
}

// MarkExceeded rewrites the cached record with the exceeded status so the
// next admission check rejects without recomputing.
func (sc *SessionCache) MarkExceeded(ctx context.Context, sid string) error {
	s, ok, err := sc.Get(ctx, sid)
	if err != nil || !ok {
		return err
	}
	s.Status = "budget_exceeded"

	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}
	return sc.client.Set(ctx, sessionKey(sid), data, sc.ttl).Err()
}

// Invalidate drops the record and cost counter together.
func (sc *SessionCache) Invalidate(ctx context.Context, sid string) error {
	if sc.client == nil {
		return ErrUnavailable
	}

	pipe := sc.client.Pipeline()
	pipe.Del(ctx, sessionKey(sid))
	pipe.Del(ctx, sessionCostKey(sid))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to invalidate session: %w", err)
	}
	return nil
}

// ScanCosts walks session_cost:* keys in batches, yielding (sid, cost) to
// the callback. Used by the worker's reconciliation sweep.
func (sc *SessionCache) ScanCosts(ctx context.Context, fn func(sid string, cost float64) error) error {
	if sc.client == nil {
		return ErrUnavailable
	}

	var cursor uint64
	prefix := "session_cost:"
	for {
		keys, next, err := sc.client.Scan(ctx, cursor, prefix+"*", 100).Result()
		if err != nil {
			return fmt.Errorf("failed to scan session costs: %w", err)
		}

		for _, key := range keys {
			val, err := sc.client.Get(ctx, key).Result()
			if err == redis.Nil {
				continue
			}
			if err != nil {
				return err
			}
			cost, err := strconv.ParseFloat(val, 64)
			if err != nil {
				sc.logger.Warn("Skipping non-numeric session cost", zap.String("key", key))
				continue
			}
			if err := fn(key[len(prefix):], cost); err != nil {
				return err
			}
		}

		cursor = next
		if cursor == 0 {
			return nil
		}
	}
}
