package ratelimit

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func newTestLimiter(t *testing.T) (*FixedWindowLimiter, *miniredis.Miniredis, func()) {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("Failed to start miniredis: %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	logger, _ := zap.NewDevelopment()
	limiter := NewFixedWindowLimiter(client, logger)
	cleanup := func() {
		_ = client.Close()
		mr.Close()
	}
	return limiter, mr, cleanup
}

func TestFixedWindowLimiter(t *testing.T) {
	ctx := context.Background()

	t.Run("AllowsUpToLimit", func(t *testing.T) {
		limiter, _, cleanup := newTestLimiter(t)
		defer cleanup()

		for i := 0; i < 3; i++ {
			allowed, err := limiter.Allow(ctx, "ratelimit:tenant:acme", 3, time.Hour)
			if err != nil {
				t.Fatalf("Allow %d failed: %v", i, err)
			}
			if !allowed {
				t.Fatalf("Expected request %d to be allowed", i)
			}
		}

		allowed, err := limiter.Allow(ctx, "ratelimit:tenant:acme", 3, time.Hour)
		if err != nil {
			t.Fatalf("Allow failed: %v", err)
		}
		if allowed {
			t.Error("Expected the fourth request to be denied")
		}
	})

	t.Run("DenialRollsBackTheCounter", func(t *testing.T) {
		limiter, _, cleanup := newTestLimiter(t)
		defer cleanup()

		for i := 0; i < 2; i++ {
			if _, err := limiter.Allow(ctx, "ratelimit:ip:10.0.0.1", 2, time.Hour); err != nil {
				t.Fatalf("Allow failed: %v", err)
			}
		}
		if allowed, _ := limiter.Allow(ctx, "ratelimit:ip:10.0.0.1", 2, time.Hour); allowed {
			t.Fatal("Expected denial at the limit")
		}

		// The rejected request must not consume quota: remaining is zero,
		// not negative, and stays zero across repeated denials.
		remaining, err := limiter.GetRemaining(ctx, "ratelimit:ip:10.0.0.1", 2, time.Hour)
		if err != nil {
			t.Fatalf("GetRemaining failed: %v", err)
		}
		if remaining != 0 {
			t.Errorf("Expected 0 remaining after rollback, got %d", remaining)
		}
	})

	t.Run("WindowKeyCarriesExpiry", func(t *testing.T) {
		limiter, mr, cleanup := newTestLimiter(t)
		defer cleanup()

		if _, err := limiter.Allow(ctx, "ratelimit:key:tg_abc", 10, time.Minute); err != nil {
			t.Fatalf("Allow failed: %v", err)
		}

		keys := mr.Keys()
		if len(keys) != 1 {
			t.Fatalf("Expected a single window key, got %v", keys)
		}
		if want := fmt.Sprintf("ratelimit:key:tg_abc:%d", time.Now().Truncate(time.Minute).Unix()); keys[0] != want {
			// Tolerate a window rollover between the call and the check.
			prev := fmt.Sprintf("ratelimit:key:tg_abc:%d", time.Now().Add(-time.Minute).Truncate(time.Minute).Unix())
			if keys[0] != prev {
				t.Fatalf("Expected window key %s, got %s", want, keys[0])
			}
		}
		if ttl := mr.TTL(keys[0]); ttl != 90*time.Second {
			t.Errorf("Expected window key TTL of 90s, got %v", ttl)
		}
	})

	t.Run("AllowNCountsBatches", func(t *testing.T) {
		limiter, _, cleanup := newTestLimiter(t)
		defer cleanup()

		allowed, err := limiter.AllowN(ctx, "ratelimit:tenant:batch", 5, 10, time.Hour)
		if err != nil {
			t.Fatalf("AllowN failed: %v", err)
		}
		if !allowed {
			t.Fatal("Expected a batch of 5 under limit 10 to be allowed")
		}

		allowed, err = limiter.AllowN(ctx, "ratelimit:tenant:batch", 6, 10, time.Hour)
		if err != nil {
			t.Fatalf("AllowN failed: %v", err)
		}
		if allowed {
			t.Error("Expected a batch of 6 to be denied with 5 already counted")
		}

		remaining, err := limiter.GetRemaining(ctx, "ratelimit:tenant:batch", 10, time.Hour)
		if err != nil {
			t.Fatalf("GetRemaining failed: %v", err)
		}
		if remaining != 5 {
			t.Errorf("Expected 5 remaining after the rolled back batch, got %d", remaining)
		}
	})

	t.Run("ResetClearsAllWindows", func(t *testing.T) {
		limiter, _, cleanup := newTestLimiter(t)
		defer cleanup()

		if _, err := limiter.Allow(ctx, "ratelimit:tenant:reset-me", 5, time.Hour); err != nil {
			t.Fatalf("Allow failed: %v", err)
		}
		if err := limiter.Reset(ctx, "ratelimit:tenant:reset-me"); err != nil {
			t.Fatalf("Reset failed: %v", err)
		}

		remaining, err := limiter.GetRemaining(ctx, "ratelimit:tenant:reset-me", 5, time.Hour)
		if err != nil {
			t.Fatalf("GetRemaining failed: %v", err)
		}
		if remaining != 5 {
			t.Errorf("Expected full quota after reset, got %d remaining", remaining)
		}
	})

	t.Run("GetRemainingOnEmptyWindow", func(t *testing.T) {
		limiter, _, cleanup := newTestLimiter(t)
		defer cleanup()

		remaining, err := limiter.GetRemaining(ctx, "ratelimit:tenant:fresh", 7, time.Hour)
		if err != nil {
			t.Fatalf("GetRemaining failed: %v", err)
		}
		if remaining != 7 {
			t.Errorf("Expected full quota on an untouched window, got %d", remaining)
		}
	})
}

func TestFixedWindowLimiter_NoRedis(t *testing.T) {
	ctx := context.Background()
	logger, _ := zap.NewDevelopment()
	limiter := NewFixedWindowLimiter(nil, logger)

	// Without Redis there is nothing to count against, so the limiter
	// fails open rather than walling off all traffic.
	allowed, err := limiter.Allow(ctx, "ratelimit:tenant:acme", 1, time.Minute)
	if err != nil {
		t.Fatalf("Allow failed: %v", err)
	}
	if !allowed {
		t.Error("Expected limiter without Redis to allow")
	}

	remaining, err := limiter.GetRemaining(ctx, "ratelimit:tenant:acme", 9, time.Minute)
	if err != nil {
		t.Fatalf("GetRemaining failed: %v", err)
	}
	if remaining != 9 {
		t.Errorf("Expected full quota without Redis, got %d", remaining)
	}

	if err := limiter.Reset(ctx, "ratelimit:tenant:acme"); err != nil {
		t.Errorf("Expected Reset without Redis to be a no-op, got %v", err)
	}
}

func TestRetryAfter(t *testing.T) {
	d := RetryAfter(time.Minute)
	if d <= 0 || d > time.Minute {
		t.Errorf("Expected retry-after within (0, 1m], got %v", d)
	}
}
