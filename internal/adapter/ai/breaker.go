package ai

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/seanebones-lang/prompt-optimizer/internal/adapter/observability"
	"github.com/seanebones-lang/prompt-optimizer/internal/domain"
)

// BreakerState represents the state of the circuit breaker.
type BreakerState int

const (
	// StateClosed indicates the circuit is closed and calls are admitted.
	StateClosed BreakerState = iota
	// StateOpen indicates calls are rejected until the open timeout elapses.
	StateOpen
	// StateHalfOpen indicates single probe calls are admitted to test recovery.
	StateHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreaker protects the upstream endpoint. Closed admits calls and
// opens after failureThreshold consecutive counted failures; Open rejects
// immediately until openTimeout has elapsed since the last failure;
// HalfOpen admits one probe at a time and closes after successThreshold
// consecutive successes.
type CircuitBreaker struct {
	mu sync.Mutex

	failureThreshold int
	successThreshold int
	openTimeout      time.Duration

	state        BreakerState
	failCount    int
	succCount    int
	lastFailure  time.Time
	probeRunning bool

	now func() time.Time
}

// NewCircuitBreaker creates a breaker in the Closed state.
func NewCircuitBreaker(failureThreshold, successThreshold int, openTimeout time.Duration) *CircuitBreaker {
	return &CircuitBreaker{
		failureThreshold: failureThreshold,
		successThreshold: successThreshold,
		openTimeout:      openTimeout,
		state:            StateClosed,
		now:              time.Now,
	}
}

// Allow reports whether a call may proceed. The returned release func
// must be called with the call's outcome; it is nil only when the call
// was rejected. Rejections return domain.ErrOpenCircuit.
func (cb *CircuitBreaker) Allow() (func(failed bool), error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		return cb.release, nil
	case StateOpen:
		if cb.now().Sub(cb.lastFailure) < cb.openTimeout {
			return nil, fmt.Errorf("%w: upstream quarantined", domain.ErrOpenCircuit)
		}
		cb.transition(StateHalfOpen)
		cb.probeRunning = true
		return cb.release, nil
	case StateHalfOpen:
		// One probe at a time.
		if cb.probeRunning {
			return nil, fmt.Errorf("%w: recovery probe in flight", domain.ErrOpenCircuit)
		}
		cb.probeRunning = true
		return cb.release, nil
	default:
		return nil, fmt.Errorf("%w: unknown breaker state", domain.ErrOpenCircuit)
	}
}

// release records the call outcome and drives state transitions.
func (cb *CircuitBreaker) release(failed bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		if failed {
			cb.failCount++
			cb.lastFailure = cb.now()
			if cb.failCount >= cb.failureThreshold {
				cb.transition(StateOpen)
				slog.Warn("circuit breaker opened",
					slog.Int("fail_count", cb.failCount),
					slog.Int("failure_threshold", cb.failureThreshold))
			}
			return
		}
		cb.failCount = 0
	case StateHalfOpen:
		cb.probeRunning = false
		if failed {
			cb.lastFailure = cb.now()
			cb.succCount = 0
			cb.transition(StateOpen)
			slog.Warn("circuit breaker re-opened from half-open")
			return
		}
		cb.succCount++
		if cb.succCount >= cb.successThreshold {
			cb.failCount = 0
			cb.succCount = 0
			cb.transition(StateClosed)
			slog.Info("circuit breaker closed after recovery",
				slog.Int("success_threshold", cb.successThreshold))
		}
	case StateOpen:
		// A call admitted before the transition finished; only count
		// failures so a stale success cannot mask the outage.
		if failed {
			cb.lastFailure = cb.now()
		}
	}
}

func (cb *CircuitBreaker) transition(to BreakerState) {
	from := cb.state
	cb.state = to
	if to == StateHalfOpen {
		cb.succCount = 0
	}
	if to == StateOpen && from != StateOpen {
		observability.CircuitOpensTotal.Inc()
	}
	observability.CircuitState.Set(float64(to))
	slog.Debug("circuit breaker transition",
		slog.String("from", from.String()),
		slog.String("to", to.String()))
}

// State returns the current state.
func (cb *CircuitBreaker) State() BreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Stats returns a snapshot for health and admin surfaces.
func (cb *CircuitBreaker) Stats() map[string]any {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return map[string]any{
		"state":             cb.state.String(),
		"fail_count":        cb.failCount,
		"succ_count":        cb.succCount,
		"failure_threshold": cb.failureThreshold,
		"success_threshold": cb.successThreshold,
		"open_timeout":      cb.openTimeout.String(),
		"last_failure":      cb.lastFailure.Format(time.RFC3339),
	}
}
