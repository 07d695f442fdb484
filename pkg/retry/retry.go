// Package retry provides bounded retries with exponential backoff and
// optional jitter. It is used for short contended operations, primarily
// acquiring SQLite write locks that surface as SQLITE_BUSY.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"
)

// Config defines retry behaviour.
type Config struct {
	// MaxAttempts is the maximum number of attempts, including the first one.
	MaxAttempts int
	// InitialDelay is the delay before the second attempt.
	InitialDelay time.Duration
	// MaxDelay caps the backoff delay.
	MaxDelay time.Duration
	// Multiplier is the exponential backoff multiplier.
	Multiplier float64
	// Jitter randomizes each delay within [delay/2, delay].
	Jitter bool
	// OnRetry, if set, is called before each sleep for observability.
	OnRetry func(attempt int, err error, nextDelay time.Duration)
}

// DefaultConfig returns a configuration suitable for short contended
// operations such as acquiring a write lock on a busy database.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:  3,
		InitialDelay: 10 * time.Millisecond,
		MaxDelay:     500 * time.Millisecond,
		Multiplier:   2.0,
		Jitter:       true,
	}
}

func (c *Config) normalize() error {
	if c.MaxAttempts <= 0 {
		return errors.New("retry: MaxAttempts must be positive")
	}
	if c.InitialDelay <= 0 {
		c.InitialDelay = 10 * time.Millisecond
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 30 * time.Second
	}
	if c.MaxDelay < c.InitialDelay {
		return errors.New("retry: MaxDelay cannot be less than InitialDelay")
	}
	if c.Multiplier < 1.0 {
		c.Multiplier = 2.0
	}
	return nil
}

// RetryableFunc is one attempt of the operation being retried.
type RetryableFunc func(ctx context.Context) error

// IsRetryableFunc decides whether an error is worth another attempt.
type IsRetryableFunc func(err error) bool

// ExhaustedError is returned when all attempts failed with a retryable error.
type ExhaustedError struct {
	LastError error
	Attempts  int
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("retry: giving up after %d attempts: %v", e.Attempts, e.LastError)
}

func (e *ExhaustedError) Unwrap() error {
	return e.LastError
}

// Do runs fn up to cfg.MaxAttempts times, sleeping with exponential backoff
// between attempts. A non-retryable error is returned as-is immediately;
// exhausting the attempts returns an *ExhaustedError wrapping the last error.
// Context cancellation aborts the backoff sleep, never a running attempt.
// A nil retryable treats every error as retryable.
func Do(ctx context.Context, cfg Config, fn RetryableFunc, retryable IsRetryableFunc) error {
	if err := cfg.normalize(); err != nil {
		return err
	}

	delay := cfg.InitialDelay
	var lastErr error

	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if attempt == cfg.MaxAttempts {
			break
		}
		if retryable != nil && !retryable(lastErr) {
			return lastErr
		}

		sleep := delay
		if cfg.Jitter {
			sleep = delay/2 + time.Duration(rand.Int63n(int64(delay/2)+1))
		}
		if cfg.OnRetry != nil {
			cfg.OnRetry(attempt, lastErr, sleep)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(sleep):
		}

		delay = time.Duration(float64(delay) * cfg.Multiplier)
		if delay > cfg.MaxDelay {
			delay = cfg.MaxDelay
		}
	}

	return &ExhaustedError{LastError: lastErr, Attempts: cfg.MaxAttempts}
}
