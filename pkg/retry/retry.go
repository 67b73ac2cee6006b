// Package retry re-issues transient-failure operations with exponential
// backoff and jitter. The directory client wraps every RPC in a Retryer so
// a flaky network hop does not surface as a failed S3 request; errors the
// directory itself reports (404s, bad requests) are never retried.
package retry

import (
	"context"
	stderr "errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/skystore/skyproxy/pkg/errors"
)

// Config bounds how often and how long a Retryer keeps trying.
type Config struct {
	// MaxAttempts counts the initial call plus retries.
	MaxAttempts int `yaml:"max_attempts"`

	// InitialDelay is the pause before the first retry; each subsequent
	// pause is the previous one times Multiplier, capped at MaxDelay.
	InitialDelay time.Duration `yaml:"initial_delay"`
	MaxDelay     time.Duration `yaml:"max_delay"`
	Multiplier   float64       `yaml:"multiplier"`

	// Jitter spreads concurrent retries by randomizing each pause ±20%.
	Jitter bool `yaml:"jitter"`

	// RetryableErrors names codes to retry beyond those already flagged
	// Retryable on the error itself.
	RetryableErrors []errors.ErrorCode `yaml:"retryable_errors"`

	// OnRetry, if set, observes each retry before its pause.
	OnRetry func(attempt int, err error, delay time.Duration) `yaml:"-"`
}

// DefaultConfig makes up to five attempts (four retries) on the transient
// network-failure codes, pausing about 100ms, 200ms, 400ms and 800ms
// between them: roughly 1.5 seconds of backoff in all.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:  5,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
		Jitter:       true,
		RetryableErrors: []errors.ErrorCode{
			errors.ErrCodeConnectionTimeout,
			errors.ErrCodeConnectionFailed,
			errors.ErrCodeNetworkError,
			errors.ErrCodeOperationTimeout,
		},
	}
}

// Retryer drives one operation through the retry loop.
type Retryer struct {
	config Config
}

// New builds a Retryer, filling zero config fields from DefaultConfig.
func New(config Config) *Retryer {
	defaults := DefaultConfig()
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = defaults.MaxAttempts
	}
	if config.InitialDelay <= 0 {
		config.InitialDelay = defaults.InitialDelay
	}
	if config.MaxDelay <= 0 {
		config.MaxDelay = defaults.MaxDelay
	}
	if config.Multiplier <= 0 {
		config.Multiplier = defaults.Multiplier
	}
	return &Retryer{config: config}
}

// Do runs fn until it succeeds, fails terminally, or exhausts the
// attempt budget.
func (r *Retryer) Do(fn func() error) error {
	return r.DoWithContext(context.Background(), func(context.Context) error { return fn() })
}

// DoWithContext is Do with cancellation: a done context aborts both an
// upcoming attempt and a pause between attempts.
func (r *Retryer) DoWithContext(ctx context.Context, fn func(context.Context) error) error {
	var lastErr error
	for attempt := 1; ; attempt++ {
		if ctx.Err() != nil {
			return fmt.Errorf("operation canceled: %w", ctx.Err())
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if !r.retryable(lastErr) {
			return lastErr
		}
		if attempt >= r.config.MaxAttempts {
			return lastErr
		}

		delay := r.backoff(attempt)
		if r.config.OnRetry != nil {
			r.config.OnRetry(attempt, lastErr, delay)
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("operation canceled after %d attempts: %w", attempt, ctx.Err())
		case <-time.After(delay):
		}
	}
}

// retryable reports whether err is worth another attempt: only typed
// proxy errors carrying the Retryable flag or one of the configured
// codes qualify. Anything else (including untyped errors) fails fast.
func (r *Retryer) retryable(err error) bool {
	var pe *errors.ProxyError
	if !stderr.As(err, &pe) {
		return false
	}
	if pe.Retryable {
		return true
	}
	for _, code := range r.config.RetryableErrors {
		if pe.Code == code {
			return true
		}
	}
	return false
}

// backoff computes the pause after the given attempt number.
func (r *Retryer) backoff(attempt int) time.Duration {
	delay := float64(r.config.InitialDelay) * math.Pow(r.config.Multiplier, float64(attempt-1))
	if delay > float64(r.config.MaxDelay) {
		delay = float64(r.config.MaxDelay)
	}
	if r.config.Jitter {
		delay += delay * 0.2 * (rand.Float64()*2 - 1)
	}
	return time.Duration(delay)
}
