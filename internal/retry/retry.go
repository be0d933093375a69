// Package retry provides utilities for retrying operations with exponential
// backoff and additive jitter.
package retry

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"
)

// Config configures retry behavior.
type Config struct {
	// MaxAttempts is the maximum number of attempts (including the first).
	MaxAttempts int
	// InitialDelay is the delay after the first failure.
	InitialDelay time.Duration
	// MaxDelay caps the exponential delay between attempts.
	MaxDelay time.Duration
	// Factor is the multiplier for exponential backoff.
	Factor float64
	// Jitter, when positive, adds a uniform random duration in [0, Jitter)
	// to every delay.
	Jitter time.Duration
}

// DefaultConfig returns the backoff schedule used for provider calls:
// up to three retries with delays of 1s, 2s, 4s (capped at 8s) plus up to
// 500ms of jitter.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:  4,
		InitialDelay: time.Second,
		MaxDelay:     8 * time.Second,
		Factor:       2.0,
		Jitter:       500 * time.Millisecond,
	}
}

// Result contains the outcome of a retry operation.
type Result struct {
	// Attempts is the number of attempts made.
	Attempts int
	// Err is the last error (nil if successful).
	Err error
	// Duration is the total time spent retrying.
	Duration time.Duration
}

// Do executes the operation with retries. A nil return from op ends the loop;
// an error wrapped with Permanent is returned without further attempts.
func Do(ctx context.Context, config Config, op func() error) Result {
	start := time.Now()
	result := Result{}

	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 1
	}
	if config.InitialDelay <= 0 {
		config.InitialDelay = time.Second
	}
	if config.MaxDelay <= 0 {
		config.MaxDelay = 8 * time.Second
	}
	if config.Factor <= 0 {
		config.Factor = 2.0
	}

	delay := config.InitialDelay

	for attempt := 1; attempt <= config.MaxAttempts; attempt++ {
		result.Attempts = attempt

		if ctx.Err() != nil {
			result.Err = ctx.Err()
			result.Duration = time.Since(start)
			return result
		}

		err := op()
		if err == nil {
			result.Err = nil
			result.Duration = time.Since(start)
			return result
		}

		result.Err = err

		if IsPermanent(err) {
			result.Duration = time.Since(start)
			return result
		}

		if attempt >= config.MaxAttempts {
			break
		}

		sleep := delay
		if config.Jitter > 0 {
			sleep += time.Duration(rand.Int63n(int64(config.Jitter))) // #nosec G404 -- jitter does not require cryptographic randomness
		}

		select {
		case <-ctx.Done():
			result.Err = ctx.Err()
			result.Duration = time.Since(start)
			return result
		case <-time.After(sleep):
		}

		delay = time.Duration(float64(delay) * config.Factor)
		if delay > config.MaxDelay {
			delay = config.MaxDelay
		}
	}

	result.Duration = time.Since(start)
	return result
}

// DoWithValue executes an operation that returns a value with retries.
func DoWithValue[T any](ctx context.Context, config Config, op func() (T, error)) (T, Result) {
	var value T
	result := Do(ctx, config, func() error {
		var err error
		value, err = op()
		return err
	})
	return value, result
}

// PermanentError is an error that should not be retried.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string {
	return e.Err.Error()
}

func (e *PermanentError) Unwrap() error {
	return e.Err
}

// Permanent wraps an error to indicate it should not be retried.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsPermanent checks if an error is permanent (shouldn't retry).
func IsPermanent(err error) bool {
	var permanent *PermanentError
	return errors.As(err, &permanent)
}

// Backoff calculates the base backoff duration for a given attempt
// (1-indexed) without jitter.
func Backoff(attempt int, initial, max time.Duration, factor float64) time.Duration {
	if attempt <= 0 {
		attempt = 1
	}
	if initial <= 0 {
		initial = time.Second
	}
	if max <= 0 {
		max = 8 * time.Second
	}
	if factor <= 0 {
		factor = 2.0
	}

	delay := float64(initial) * math.Pow(factor, float64(attempt-1))
	if delay > float64(max) {
		delay = float64(max)
	}
	return time.Duration(delay)
}
