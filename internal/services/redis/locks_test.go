package redis

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func TestLockManager(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("Failed to start miniredis: %v", err)
	}
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer func() { _ = client.Close() }()

	logger, _ := zap.NewDevelopment()
	manager := NewLockManager(client, logger)
	ctx := context.Background()

	t.Run("AcquireAndRelease", func(t *testing.T) {
		defer client.FlushDB(ctx)

		lock, err := manager.AcquireLock(ctx, "maintenance", time.Minute)
		if err != nil {
			t.Fatalf("AcquireLock failed: %v", err)
		}

		if !mr.Exists("lock:maintenance") {
			t.Error("Expected lock key to exist after acquire")
		}

		// A second acquire against the held lock fails fast.
		if _, err := manager.AcquireLock(ctx, "maintenance", time.Minute); !errors.Is(err, ErrLockHeld) {
			t.Errorf("Expected ErrLockHeld, got %v", err)
		}

		if err := lock.Release(ctx); err != nil {
			t.Fatalf("Release failed: %v", err)
		}
		if mr.Exists("lock:maintenance") {
			t.Error("Expected lock key to be gone after release")
		}

		// Released lock is available again.
		lock2, err := manager.AcquireLock(ctx, "maintenance", time.Minute)
		if err != nil {
			t.Fatalf("Re-acquire failed: %v", err)
		}
		_ = lock2.Release(ctx)
	})

	t.Run("Release_RefusesForeignLock", func(t *testing.T) {
		defer client.FlushDB(ctx)

		lock, err := manager.AcquireLock(ctx, "maintenance", time.Minute)
		if err != nil {
			t.Fatalf("AcquireLock failed: %v", err)
		}

		// Another instance takes over after our lease expired.
		if err := client.Set(ctx, "lock:maintenance", "someone-else", time.Minute).Err(); err != nil {
			t.Fatalf("Failed to overwrite lock: %v", err)
		}

		if err := lock.Release(ctx); err == nil {
			t.Error("Expected release of a foreign lock to fail")
		}
		if !mr.Exists("lock:maintenance") {
			t.Error("Expected foreign lock to survive the refused release")
		}
	})

	t.Run("Extend_PushesExpiryWhileOwned", func(t *testing.T) {
		defer client.FlushDB(ctx)

		lock, err := manager.AcquireLock(ctx, "maintenance", time.Minute)
		if err != nil {
			t.Fatalf("AcquireLock failed: %v", err)
		}
		defer func() { _ = lock.Release(ctx) }()

		if err := lock.Extend(ctx, time.Minute); err != nil {
			t.Fatalf("Extend failed: %v", err)
		}
		if ttl := mr.TTL("lock:maintenance"); ttl != 2*time.Minute {
			t.Errorf("Expected TTL of 2m after extend, got %v", ttl)
		}

		// A foreign takeover makes further extends fail.
		if err := client.Set(ctx, "lock:maintenance", "someone-else", time.Minute).Err(); err != nil {
			t.Fatalf("Failed to overwrite lock: %v", err)
		}
		if err := lock.Extend(ctx, time.Minute); err == nil {
			t.Error("Expected extend of a foreign lock to fail")
		}
	})

	t.Run("WithLock_RunsAndReleases", func(t *testing.T) {
		defer client.FlushDB(ctx)

		ran := false
		err := manager.WithLock(ctx, "job", time.Minute, func() error {
			ran = true
			if !mr.Exists("lock:job") {
				t.Error("Expected lock to be held inside fn")
			}
			return nil
		})
		if err != nil {
			t.Fatalf("WithLock failed: %v", err)
		}
		if !ran {
			t.Error("Expected fn to run")
		}
		if mr.Exists("lock:job") {
			t.Error("Expected lock to be released after fn")
		}
	})

	t.Run("WithLock_SkipsWhenHeld", func(t *testing.T) {
		defer client.FlushDB(ctx)

		held, err := manager.AcquireLock(ctx, "job", time.Minute)
		if err != nil {
			t.Fatalf("AcquireLock failed: %v", err)
		}
		defer func() { _ = held.Release(ctx) }()

		ran := false
		err = manager.WithLock(ctx, "job", time.Minute, func() error {
			ran = true
			return nil
		})
		if !errors.Is(err, ErrLockHeld) {
			t.Errorf("Expected ErrLockHeld, got %v", err)
		}
		if ran {
			t.Error("Expected fn not to run while lock is held elsewhere")
		}
	})

	t.Run("WithLock_PropagatesFnError", func(t *testing.T) {
		defer client.FlushDB(ctx)

		boom := errors.New("job blew up")
		err := manager.WithLock(ctx, "job", time.Minute, func() error {
			return boom
		})
		if !errors.Is(err, boom) {
			t.Errorf("Expected fn error, got %v", err)
		}
		if mr.Exists("lock:job") {
			t.Error("Expected lock to be released after fn error")
		}
	})
}

func TestLockManager_NilClient(t *testing.T) {
	logger, _ := zap.NewDevelopment()
	manager := NewLockManager(nil, logger)

	if _, err := manager.AcquireLock(context.Background(), "job", time.Minute); !errors.Is(err, ErrUnavailable) {
		t.Errorf("Expected ErrUnavailable, got %v", err)
	}
}
