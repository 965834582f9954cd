// Package retry provides the backoff primitives used around flaky
// dependencies: bounded retries for one-shot calls and an unbounded
// backoff iterator for drain loops that must outlive an outage.
package retry

import (
	"context"
	"errors"
	"math/rand"
	"time"
)

// Config defines backoff behavior.
type Config struct {
	MaxAttempts  int           // Maximum number of attempts, including the first. Ignored by Backoff.
	InitialDelay time.Duration // Delay before the second attempt
	MaxDelay     time.Duration // Delay cap
	Multiplier   float64       // Growth factor between attempts
	Jitter       bool          // Randomize delays to spread thundering herds
}

// DefaultConfig matches the stream worker's persistence retry: 1s
// doubling to 30s with jitter.
func DefaultConfig() *Config {
	return &Config{
		MaxAttempts:  3,
		InitialDelay: 1 * time.Second,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
		Jitter:       true,
	}
}

// RetryableFunc is one attempt of the guarded operation.
type RetryableFunc func(ctx context.Context) error

// IsRetryable reports whether an error is worth another attempt.
type IsRetryable func(error) bool

// Do runs fn up to MaxAttempts times, backing off between attempts.
// A nil isRetryable retries everything except context errors.
func Do(ctx context.Context, config *Config, fn RetryableFunc, isRetryable IsRetryable) error {
	if config == nil {
		config = DefaultConfig()
	}
	if isRetryable == nil {
		isRetryable = func(err error) bool {
			return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
		}
	}

	b := NewBackoff(config)
	var lastErr error
	for attempt := 0; attempt < config.MaxAttempts; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		if !isRetryable(err) {
			return err
		}
		if attempt == config.MaxAttempts-1 {
			break
		}

		select {
		case <-time.After(b.Next()):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return lastErr
}

// Backoff yields successive delays for an open-ended retry loop. Unlike
// Do it never gives up; callers decide when to stop, typically on
// context cancellation.
type Backoff struct {
	config *Config
	delay  time.Duration
}

func NewBackoff(config *Config) *Backoff {
	if config == nil {
		config = DefaultConfig()
	}
	return &Backoff{config: config}
}

// Next returns the delay to sleep before the next attempt, growing
// toward MaxDelay.
func (b *Backoff) Next() time.Duration {
	if b.delay == 0 {
		b.delay = b.config.InitialDelay
	} else {
		b.delay = time.Duration(float64(b.delay) * b.config.Multiplier)
		if b.delay > b.config.MaxDelay {
			b.delay = b.config.MaxDelay
		}
	}

	if !b.config.Jitter {
		return b.delay
	}
	return b.delay + time.Duration(rand.Float64()*float64(b.delay)*0.3)
}

// Reset returns the iterator to its initial delay after a success.
func (b *Backoff) Reset() {
	b.delay = 0
}

// Sleep waits for the next backoff delay or until the context ends.
func (b *Backoff) Sleep(ctx context.Context) error {
	select {
	case <-time.After(b.Next()):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
