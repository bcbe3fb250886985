// Package retry provides a bounded exponential backoff policy.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog/log"
)

// ErrAttemptsExhausted is returned when a retryable failure persists past MaxAttempts.
var ErrAttemptsExhausted = errors.New("retry attempts exhausted")

// Policy describes when and how long to wait between attempts.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Multiplier  float64
	MaxDelay    time.Duration

	// Retryable decides whether an error is worth another attempt.
	// A nil predicate retries nothing.
	Retryable func(error) bool

	// Sleep waits between attempts; nil means a context-aware timer.
	Sleep func(ctx context.Context, d time.Duration) error

	// OnRetry is called before every backoff wait.
	OnRetry func(op string, attempt int, err error)
}

// DefaultPolicy returns sensible retry defaults: four attempts, 1s doubling.
func DefaultPolicy(retryable func(error) bool) *Policy {
	return &Policy{
		MaxAttempts: 4,
		BaseDelay:   time.Second,
		Multiplier:  2.0,
		MaxDelay:    30 * time.Second,
		Retryable:   retryable,
	}
}

// Func is an operation that can be retried.
type Func[T any] func(ctx context.Context) (T, error)

// Do runs fn, retrying retryable failures with exponential backoff.
// Non-retryable errors are returned unchanged on first occurrence.
func Do[T any](ctx context.Context, p *Policy, op string, fn Func[T]) (T, error) {
	var zero T
	var lastErr error

	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, err
		}

		result, err := fn(ctx)
		if err == nil {
			return result, nil
		}
		if p.Retryable == nil || !p.Retryable(err) {
			return zero, err
		}

		lastErr = err
		if attempt == attempts {
			break
		}

		backoff := p.Backoff(attempt - 1)
		log.Warn().
			Str("operation", op).
			Int("attempt", attempt).
			Int("max_attempts", attempts).
			Dur("backoff", backoff).
			Err(err).
			Msg("Operation failed, retrying")
		if p.OnRetry != nil {
			p.OnRetry(op, attempt, err)
		}

		if err := p.sleep(ctx, backoff); err != nil {
			return zero, err
		}
	}

	return zero, fmt.Errorf("operation '%s' failed after %d attempts: %w: %w", op, attempts, ErrAttemptsExhausted, lastErr)
}

// Exec is Do for operations without a result.
func Exec(ctx context.Context, p *Policy, op string, fn func(ctx context.Context) error) error {
	_, err := Do(ctx, p, op, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// Backoff returns the wait before retry number n (zero based).
func (p *Policy) Backoff(n int) time.Duration {
	mult := p.Multiplier
	if mult < 1 {
		mult = 1
	}
	backoff := time.Duration(float64(p.BaseDelay) * math.Pow(mult, float64(n)))
	if p.MaxDelay > 0 && backoff > p.MaxDelay {
		backoff = p.MaxDelay
	}
	return backoff
}

func (p *Policy) sleep(ctx context.Context, d time.Duration) error {
	if p.Sleep != nil {
		return p.Sleep(ctx, d)
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
