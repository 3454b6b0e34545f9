package ai

import (
	"context"
	"fmt"
	"testing"
	"time"

	backoff "github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"

	"github.com/seanebones-lang/prompt-optimizer/internal/domain"
)

var testRetryPolicy = RetryPolicy{
	MaxAttempts:  3,
	InitialDelay: time.Millisecond,
	MaxDelay:     5 * time.Millisecond,
	Multiplier:   2.0,
}

func TestRetrySucceedsAfterTransientFailures(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), "test", testRetryPolicy, func() error {
		calls++
		if calls < 3 {
			return fmt.Errorf("%w: 503", domain.ErrTransient)
		}
		return nil
	})
	assert.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetryExhaustsAttemptBudget(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), "test", testRetryPolicy, func() error {
		calls++
		return fmt.Errorf("%w: 503", domain.ErrTransient)
	})
	assert.ErrorIs(t, err, domain.ErrTransient)
	assert.Equal(t, 3, calls)
}

func TestRetryStopsOnNonRetryable(t *testing.T) {
	cases := []struct {
		name string
		err  error
	}{
		{"invalid argument", domain.ErrInvalidArgument},
		{"open circuit", domain.ErrOpenCircuit},
		{"pool timeout", domain.ErrPoolTimeout},
		{"parse failure", domain.ErrParse},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			calls := 0
			err := Retry(context.Background(), "test", testRetryPolicy, func() error {
				calls++
				return fmt.Errorf("%w: nope", tc.err)
			})
			assert.ErrorIs(t, err, tc.err)
			assert.Equal(t, 1, calls)
		})
	}
}

func TestRetryHonorsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := Retry(ctx, "test", testRetryPolicy, func() error {
		calls++
		cancel()
		return fmt.Errorf("%w: 503", domain.ErrTransient)
	})
	assert.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestIsRetryable(t *testing.T) {
	assert.False(t, IsRetryable(nil))
	assert.False(t, IsRetryable(domain.ErrInvalidArgument))
	assert.False(t, IsRetryable(domain.ErrOpenCircuit))
	assert.False(t, IsRetryable(domain.ErrPoolTimeout))
	assert.False(t, IsRetryable(domain.ErrParse))
	assert.True(t, IsRetryable(domain.ErrTransient))
	assert.True(t, IsRetryable(domain.ErrUpstreamTimeout))
	assert.True(t, IsRetryable(fmt.Errorf("plain")))
}

func TestHalfJitterStaysWithinNominalInterval(t *testing.T) {
	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = 100 * time.Millisecond
	expo.MaxInterval = 150 * time.Millisecond
	expo.Multiplier = 2.0
	expo.RandomizationFactor = 0
	expo.MaxElapsedTime = 0
	bo := halfJitter{expo}

	// Delay i is min(initial·multiplierⁱ, max) scaled into [0.5, 1.0).
	nominals := []time.Duration{100 * time.Millisecond, 150 * time.Millisecond, 150 * time.Millisecond}
	for i, nominal := range nominals {
		d := bo.NextBackOff()
		assert.GreaterOrEqual(t, d, nominal/2, "delay %d below half the nominal interval", i)
		assert.LessOrEqual(t, d, nominal, "delay %d exceeds the nominal interval", i)
	}
}

func TestHalfJitterPassesStopThrough(t *testing.T) {
	bo := halfJitter{&backoff.StopBackOff{}}
	assert.Equal(t, backoff.Stop, bo.NextBackOff())
}

func TestRetrySingleAttemptPolicy(t *testing.T) {
	calls := 0
	policy := RetryPolicy{MaxAttempts: 1, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 2.0}
	err := Retry(context.Background(), "test", policy, func() error {
		calls++
		return fmt.Errorf("%w: 503", domain.ErrTransient)
	})
	assert.ErrorIs(t, err, domain.ErrTransient)
	assert.Equal(t, 1, calls)
}
