package ai

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"time"

	backoff "github.com/cenkalti/backoff/v4"

	"github.com/seanebones-lang/prompt-optimizer/internal/adapter/observability"
	"github.com/seanebones-lang/prompt-optimizer/internal/domain"
)

// RetryPolicy bounds a fallible call: at most MaxAttempts invocations,
// exponential delays of initial*multiplier^i capped at MaxDelay, each
// scaled by uniform jitter.
type RetryPolicy struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
}

// DefaultRetryPolicy mirrors the configured production defaults.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, InitialDelay: 2 * time.Second, MaxDelay: 30 * time.Second, Multiplier: 2.0}
}

// Permanent marks err non-retryable so it bubbles immediately.
func Permanent(err error) error { return backoff.Permanent(err) }

// IsRetryable classifies an error against the retryable failure kinds.
// Pool timeouts are excluded so the attempt budget is preserved for
// genuine transient upstream failures; validation and open-circuit
// failures never retry.
func IsRetryable(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, domain.ErrInvalidArgument),
		errors.Is(err, domain.ErrOpenCircuit),
		errors.Is(err, domain.ErrPoolTimeout),
		errors.Is(err, domain.ErrParse):
		return false
	default:
		return true
	}
}

// halfJitter scales each delay by a uniform factor in [0.5, 1.0), so
// the actual wait sits between half the capped nominal interval and
// the interval itself.
type halfJitter struct{ backoff.BackOff }

func (h halfJitter) NextBackOff() time.Duration {
	d := h.BackOff.NextBackOff()
	if d == backoff.Stop {
		return d
	}
	return time.Duration(float64(d) * (0.5 + rand.Float64()/2))
}

// Retry runs fn under the policy. Non-retryable errors (wrapped with
// Permanent, or classified by IsRetryable) stop immediately; otherwise
// the last error is surfaced after the attempt budget is spent.
func Retry(ctx context.Context, operation string, policy RetryPolicy, fn func() error) error {
	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = policy.InitialDelay
	expo.MaxInterval = policy.MaxDelay
	expo.Multiplier = policy.Multiplier
	// Jitter is applied by halfJitter below so the capped nominal
	// interval is never exceeded.
	expo.RandomizationFactor = 0
	expo.MaxElapsedTime = 0

	attempts := policy.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	attempt := 0
	wrapped := func() error {
		attempt++
		err := fn()
		if err == nil {
			return nil
		}
		if !IsRetryable(err) {
			return backoff.Permanent(err)
		}
		observability.RetriesTotal.WithLabelValues(operation).Inc()
		slog.Warn("retryable failure",
			slog.String("operation", operation),
			slog.Int("attempt", attempt),
			slog.Int("max_attempts", attempts),
			slog.Any("error", err))
		return err
	}

	bo := backoff.WithContext(backoff.WithMaxRetries(halfJitter{expo}, uint64(attempts-1)), ctx)
	if err := backoff.Retry(wrapped, bo); err != nil {
		var perm *backoff.PermanentError
		if errors.As(err, &perm) {
			return perm.Err
		}
		return err
	}
	return nil
}
