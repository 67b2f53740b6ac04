// Package retry is the single retry policy shared by the message router's
// delivery path and component-side clients (heartbeat sender, registration).
package retry

import (
	"context"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/tekton/hermes/errors"
)

// Policy describes exponential backoff with a capped attempt count.
type Policy struct {
	MaxAttempts int           // total attempts including the first; >= 1
	BaseDelay   time.Duration // delay before the second attempt
	MaxDelay    time.Duration // cap on any single delay
	Multiplier  float64       // growth factor per attempt, typically 2
	Jitter      float64       // randomization factor in [0,1)
}

// DefaultPolicy returns the policy used when configuration leaves it unset.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 5,
		BaseDelay:   200 * time.Millisecond,
		MaxDelay:    10 * time.Second,
		Multiplier:  2.0,
		Jitter:      0.2,
	}
}

// Validate checks that the policy is usable.
func (p Policy) Validate() error {
	if p.MaxAttempts < 1 {
		return fmt.Errorf("retry: max attempts must be at least 1")
	}
	if p.BaseDelay <= 0 {
		return fmt.Errorf("retry: base delay must be positive")
	}
	if p.MaxDelay < p.BaseDelay {
		return fmt.Errorf("retry: max delay must be >= base delay")
	}
	if p.Multiplier < 1 {
		return fmt.Errorf("retry: multiplier must be >= 1")
	}
	if p.Jitter < 0 || p.Jitter >= 1 {
		return fmt.Errorf("retry: jitter must be in [0,1)")
	}
	return nil
}

// NewBackOff returns a fresh backoff that yields MaxAttempts-1 delays and
// then backoff.Stop. Each call returns independent state.
func (p Policy) NewBackOff() backoff.BackOff {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = p.BaseDelay
	exp.MaxInterval = p.MaxDelay
	exp.Multiplier = p.Multiplier
	exp.RandomizationFactor = p.Jitter
	exp.MaxElapsedTime = 0
	exp.Reset()

	retries := p.MaxAttempts - 1
	if retries < 0 {
		retries = 0
	}
	return backoff.WithMaxRetries(exp, uint64(retries))
}

// NonRetryableError marks an error that must stop the retry loop.
type NonRetryableError struct {
	Err error
}

func (e *NonRetryableError) Error() string {
	return fmt.Sprintf("non-retryable: %v", e.Err)
}

func (e *NonRetryableError) Unwrap() error {
	return e.Err
}

// NonRetryable wraps err so Do returns it immediately.
func NonRetryable(err error) error {
	if err == nil {
		return nil
	}
	return &NonRetryableError{Err: err}
}

// IsNonRetryable reports whether err should stop retries: either explicitly
// marked, or a coded error whose code is not retryable.
func IsNonRetryable(err error) bool {
	var nre *NonRetryableError
	if stderrors.As(err, &nre) {
		return true
	}
	if coded := errors.As(err); coded != nil {
		return !coded.Retryable()
	}
	return false
}

// Do runs fn until it succeeds, returns a non-retryable error, the policy's
// attempts are exhausted, or ctx is done.
func Do(ctx context.Context, p Policy, fn func(ctx context.Context) error) error {
	if err := p.Validate(); err != nil {
		return err
	}

	attempts := 0
	var lastErr error
	op := func() error {
		attempts++
		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err
		if IsNonRetryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	err := backoff.Retry(op, backoff.WithContext(p.NewBackOff(), ctx))
	if err == nil {
		return nil
	}
	if IsNonRetryable(err) {
		return err
	}
	if ctxErr := ctx.Err(); ctxErr != nil && lastErr != nil {
		return fmt.Errorf("retry canceled after %d attempts: %w", attempts, lastErr)
	}
	return fmt.Errorf("retry failed after %d attempts: %w", attempts, err)
}

// DoWithResult is Do for functions that return a value.
func DoWithResult[T any](ctx context.Context, p Policy, fn func(ctx context.Context) (T, error)) (T, error) {
	var result T
	err := Do(ctx, p, func(ctx context.Context) error {
		var innerErr error
		result, innerErr = fn(ctx)
		return innerErr
	})
	return result, err
}
