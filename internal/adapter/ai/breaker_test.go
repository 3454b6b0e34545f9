package ai

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seanebones-lang/prompt-optimizer/internal/domain"
)

func newTestBreaker(t *testing.T) (*CircuitBreaker, *time.Time) {
	t.Helper()
	cb := NewCircuitBreaker(5, 2, 60*time.Second)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	cb.now = func() time.Time { return now }
	return cb, &now
}

func failOnce(t *testing.T, cb *CircuitBreaker) {
	t.Helper()
	release, err := cb.Allow()
	require.NoError(t, err)
	release(true)
}

func TestBreakerOpensAfterThreshold(t *testing.T) {
	cb, _ := newTestBreaker(t)

	for i := 0; i < 4; i++ {
		failOnce(t, cb)
		assert.Equal(t, StateClosed, cb.State())
	}
	failOnce(t, cb)
	assert.Equal(t, StateOpen, cb.State())

	release, err := cb.Allow()
	assert.Nil(t, release)
	assert.True(t, errors.Is(err, domain.ErrOpenCircuit))
}

func TestBreakerSuccessResetsFailureCount(t *testing.T) {
	cb, _ := newTestBreaker(t)

	for i := 0; i < 4; i++ {
		failOnce(t, cb)
	}
	release, err := cb.Allow()
	require.NoError(t, err)
	release(false)

	// The streak restarted; four more failures still leave it closed.
	for i := 0; i < 4; i++ {
		failOnce(t, cb)
	}
	assert.Equal(t, StateClosed, cb.State())
}

func TestBreakerHalfOpenProbeSerialized(t *testing.T) {
	cb, now := newTestBreaker(t)
	for i := 0; i < 5; i++ {
		failOnce(t, cb)
	}
	require.Equal(t, StateOpen, cb.State())

	*now = now.Add(61 * time.Second)

	release, err := cb.Allow()
	require.NoError(t, err)
	assert.Equal(t, StateHalfOpen, cb.State())

	// Second caller is rejected while the probe is in flight.
	second, err := cb.Allow()
	assert.Nil(t, second)
	assert.True(t, errors.Is(err, domain.ErrOpenCircuit))

	release(false)

	// Probe slot freed; the next caller is admitted.
	next, err := cb.Allow()
	require.NoError(t, err)
	next(false)
	assert.Equal(t, StateClosed, cb.State())
}

func TestBreakerReopensOnHalfOpenFailure(t *testing.T) {
	cb, now := newTestBreaker(t)
	for i := 0; i < 5; i++ {
		failOnce(t, cb)
	}
	*now = now.Add(61 * time.Second)

	release, err := cb.Allow()
	require.NoError(t, err)
	release(true)
	assert.Equal(t, StateOpen, cb.State())

	// Freshly quarantined; rejection resumes.
	_, err = cb.Allow()
	assert.True(t, errors.Is(err, domain.ErrOpenCircuit))
}

func TestBreakerStats(t *testing.T) {
	cb, _ := newTestBreaker(t)
	failOnce(t, cb)

	stats := cb.Stats()
	assert.Equal(t, "closed", stats["state"])
	assert.Equal(t, 1, stats["fail_count"])
	assert.Equal(t, 5, stats["failure_threshold"])
}
