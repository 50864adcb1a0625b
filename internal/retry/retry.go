// Package retry provides exponential-backoff retry helpers used by the
// signature worker and by TreeStore backend calls (remote RemoteClient
// calls, local filesystem scans recovering from transient I/O errors).
package retry

import (
	"context"
	"math/rand"
	"time"

	"github.com/outlet-sync/outlet/internal/errors"
	"github.com/outlet-sync/outlet/internal/logging"
)

// Func is a retryable operation with no result.
type Func func() error

// FuncWithResult is a retryable operation that produces a result.
type FuncWithResult[T any] func() (T, error)

// Classifier decides whether an error is worth retrying.
type Classifier func(error) bool

// Config holds the backoff schedule and which errors qualify for retry.
type Config struct {
	MaxRetries      int
	InitialDelay    time.Duration
	MaxDelay        time.Duration
	Multiplier      float64
	Jitter          float64
	RetryableErrors []Classifier
}

// AlwaysRetry treats every error as transient; the signature worker uses
// it for its stat and hash retries. Callers that retry only some errors
// supply their own classifier instead.
func AlwaysRetry(error) bool { return true }

// DefaultConfig is a moderate backoff schedule: 3 retries, 1s initial
// delay doubling up to 30s, with 20% jitter.
func DefaultConfig() Config {
	return Config{
		MaxRetries:      3,
		InitialDelay:    1 * time.Second,
		MaxDelay:        30 * time.Second,
		Multiplier:      2.0,
		Jitter:          0.2,
		RetryableErrors: []Classifier{AlwaysRetry},
	}
}

func (c Config) shouldRetry(err error) bool {
	for _, classify := range c.RetryableErrors {
		if classify(err) {
			return true
		}
	}
	return false
}

func nextDelay(delay time.Duration, cfg Config) time.Duration {
	next := time.Duration(float64(delay) * cfg.Multiplier)
	if next > cfg.MaxDelay {
		next = cfg.MaxDelay
	}
	return next
}

func waitDelay(delay time.Duration, cfg Config) time.Duration {
	jitterRange := float64(delay) * cfg.Jitter
	return delay + time.Duration(rand.Float64()*jitterRange)
}

// Do retries op with exponential backoff until it succeeds, exhausts
// MaxRetries, or ctx is cancelled.
func Do(ctx context.Context, op Func, cfg Config) error {
	var err error
	delay := cfg.InitialDelay

	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		if err = op(); err == nil {
			return nil
		}
		if !cfg.shouldRetry(err) || attempt == cfg.MaxRetries {
			return err
		}

		wait := waitDelay(delay, cfg)
		logging.Info().Err(err).Int("attempt", attempt+1).Int("max_retries", cfg.MaxRetries).
			Dur("delay", wait).Msg("operation failed, retrying")

		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return errors.Wrap(ctx.Err(), "retry canceled by context")
		}
		delay = nextDelay(delay, cfg)
	}
	return err
}

// DoWithResult is Do for operations that return a value.
func DoWithResult[T any](ctx context.Context, op FuncWithResult[T], cfg Config) (T, error) {
	var result T
	var err error
	delay := cfg.InitialDelay

	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		if result, err = op(); err == nil {
			return result, nil
		}
		if !cfg.shouldRetry(err) || attempt == cfg.MaxRetries {
			return result, err
		}

		wait := waitDelay(delay, cfg)
		logging.Info().Err(err).Int("attempt", attempt+1).Int("max_retries", cfg.MaxRetries).
			Dur("delay", wait).Msg("operation failed, retrying")

		select {
		case <-time.After(wait):
		case <-ctx.Done():
			var zero T
			return zero, errors.Wrap(ctx.Err(), "retry canceled by context")
		}
		delay = nextDelay(delay, cfg)
	}
	return result, err
}
