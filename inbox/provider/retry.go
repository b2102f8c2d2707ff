// Package provider hosts the storage provider contract's retry wrapper;
// the shared contract test suite exercised against every backend lives
// in its contracttest subpackage.
//
// The backoff loop follows the same jittered exponential-backoff-over-
// a-classifier shape used elsewhere in this codebase for outbound call
// retries.
package provider

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"github.com/mixaill76/reliable-inbox/inbox"
)

// Classifier distinguishes transient faults (connection loss,
// serialization failure, deadlock, timeout, "server busy") from
// permanent ones. Only transient faults are retried.
type Classifier func(err error) bool

// RetryConfig configures the exponential-backoff retry executor wrapping
// every storage provider operation.
type RetryConfig struct {
	MaxAttempts  int
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	Jitter       bool // +/-25% jitter, as specified
	Classify     Classifier
}

// DefaultRetryConfig mirrors this codebase's usual outbound retry defaults.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:  5,
		InitialDelay: 100 * time.Millisecond,
		Multiplier:   2.0,
		MaxDelay:     5 * time.Second,
		Jitter:       true,
		Classify:     AlwaysTransient,
	}
}

// AlwaysTransient treats every non-nil, non-cancellation error as
// transient. Backends should supply a tighter Classifier.
func AlwaysTransient(err error) bool {
	return err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, inbox.ErrOperationCanceled)
}

// Execute runs fn, retrying per cfg until it succeeds, a permanent error
// is classified, MaxAttempts is exhausted, or ctx is canceled.
// context.Canceled (and inbox.ErrOperationCanceled) are never retried;
// cancellation is honored inside the backoff delay.
func Execute(ctx context.Context, cfg RetryConfig, fn func(ctx context.Context) error) error {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if cfg.Classify == nil {
		cfg.Classify = AlwaysTransient
	}

	delay := cfg.InitialDelay
	var lastErr error

	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		if errors.Is(err, context.Canceled) || errors.Is(err, inbox.ErrOperationCanceled) {
			return err
		}
		if !cfg.Classify(err) {
			return err // permanent: surfaced immediately
		}
		if attempt == cfg.MaxAttempts {
			break
		}

		wait := delay
		if cfg.Jitter {
			wait = jitter(wait)
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		delay = time.Duration(float64(delay) * cfg.Multiplier)
		if cfg.MaxDelay > 0 && delay > cfg.MaxDelay {
			delay = cfg.MaxDelay
		}
	}

	return lastErr
}

// jitter applies +/-25% jitter to d.
func jitter(d time.Duration) time.Duration {
	if d <= 0 {
		return d
	}
	spread := float64(d) * 0.25
	offset := (rand.Float64()*2 - 1) * spread
	return time.Duration(float64(d) + offset)
}
