package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/tollgate/tollgate/internal/config"
)

// ErrUnavailable is returned by every cache-tier operation when the process
// runs without Redis. Callers degrade per their own contract: the rate
// limiter allows, budget evaluation falls back to the database, the ledger
// hook writes synchronously.
var ErrUnavailable = errors.New("redis unavailable")

// New connects from config. An empty URL is not an error: it returns a nil
// client and the services built on it run in degraded mode.
func New(cfg config.RedisConfig) (*redis.Client, error) {
	if cfg.URL == "" {
		return nil, nil
	}

	opt, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	if cfg.Password != "" {
		opt.Password = cfg.Password
	}
	if cfg.DB != 0 {
		opt.DB = cfg.DB
	}
	if cfg.PoolSize != 0 {
		opt.PoolSize = cfg.PoolSize
	}

	// Cache ops sit on the request path; a stalled Redis must surface as
	// an error quickly so callers can take their database fallback.
	// Blocking stream reads are exempt: go-redis derives their deadline
	// from the command's own block duration.
	opt.ReadTimeout = time.Second
	opt.WriteTimeout = time.Second

	client := redis.NewClient(opt)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}

	return client, nil
}
