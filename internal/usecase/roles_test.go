package usecase

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	ai "github.com/seanebones-lang/prompt-optimizer/internal/adapter/ai"
	"github.com/seanebones-lang/prompt-optimizer/internal/adapter/ai/stub"
	"github.com/seanebones-lang/prompt-optimizer/internal/domain"
)

var fastRetry = ai.RetryPolicy{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, Multiplier: 2.0}

func newTestAgents(client domain.ChatClient, cache *ai.ResponseCache, breaker *ai.CircuitBreaker) *RoleAgents {
	return NewRoleAgents(DefaultRoleConfigs(), client, cache, breaker, fastRetry, nil)
}

func TestCallCacheableRoleServedFromCache(t *testing.T) {
	client := stub.New()
	client.Responses["deconstructor"] = "1. Core intent: clarity."
	agents := newTestAgents(client, ai.NewResponseCache(16, time.Hour, ""), nil)

	first, err := agents.Deconstruct(context.Background(), "write a poem", domain.CategoryCreative, nil)
	require.NoError(t, err)
	second, err := agents.Deconstruct(context.Background(), "write a poem", domain.CategoryCreative, nil)
	require.NoError(t, err)

	assert.Equal(t, first.Content, second.Content)
	// The second call never reached the client.
	assert.Len(t, client.Calls(), 1)
}

func TestCallDesignerNeverCached(t *testing.T) {
	client := stub.New()
	agents := newTestAgents(client, ai.NewResponseCache(16, time.Hour, ""), nil)

	_, err := agents.Design(context.Background(), "raw", "decon", "diag", domain.CategoryGeneral, nil, nil, nil)
	require.NoError(t, err)
	_, err = agents.Design(context.Background(), "raw", "decon", "diag", domain.CategoryGeneral, nil, nil, nil)
	require.NoError(t, err)

	assert.Len(t, client.Calls(), 2)
}

func TestCallRetriesTransientFailures(t *testing.T) {
	client := stub.New()
	client.Err = fmt.Errorf("%w: chat status 503", domain.ErrTransient)
	agents := newTestAgents(client, nil, nil)

	out, err := agents.Deconstruct(context.Background(), "write a poem", domain.CategoryCreative, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrTransient)
	assert.False(t, out.Success)
	assert.Len(t, client.Calls(), fastRetry.MaxAttempts)
}

func TestSampleAndEvaluateUseReducedRetryBudget(t *testing.T) {
	client := stub.New()
	client.Err = fmt.Errorf("%w: chat status 503", domain.ErrTransient)
	agents := newTestAgents(client, nil, nil)

	_, err := agents.Sample(context.Background(), "optimized", domain.CategoryGeneral, nil)
	require.Error(t, err)
	assert.Len(t, client.Calls(), 2)

	client2 := stub.New()
	client2.Err = fmt.Errorf("%w: chat status 503", domain.ErrTransient)
	agents2 := newTestAgents(client2, nil, nil)

	_, err = agents2.Evaluate(context.Background(), "raw", "opt", "sample", domain.CategoryGeneral, nil)
	require.Error(t, err)
	assert.Len(t, client2.Calls(), 2)
}

func TestCallOpenCircuitFailsFastWithoutRetry(t *testing.T) {
	client := stub.New()
	client.Err = fmt.Errorf("%w: chat status 503", domain.ErrTransient)
	breaker := ai.NewCircuitBreaker(1, 1, time.Hour)
	agents := newTestAgents(client, nil, breaker)

	// First call trips the breaker (threshold 1); later attempts inside
	// the same retry loop already see it open and stop immediately.
	_, err := agents.Deconstruct(context.Background(), "write a poem", domain.CategoryCreative, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrOpenCircuit)
	assert.Len(t, client.Calls(), 1)
	assert.Equal(t, ai.StateOpen, breaker.State())
}

func TestCallParseFailureDoesNotTripBreaker(t *testing.T) {
	client := stub.New()
	client.Err = fmt.Errorf("%w: empty completion content", domain.ErrParse)
	breaker := ai.NewCircuitBreaker(1, 1, time.Hour)
	agents := newTestAgents(client, nil, breaker)

	_, err := agents.Deconstruct(context.Background(), "write a poem", domain.CategoryCreative, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrParse)
	assert.Equal(t, ai.StateClosed, breaker.State())
}

func TestDiagnosePreliminarySkipsCacheAndCapsTokens(t *testing.T) {
	client := stub.New()
	agents := newTestAgents(client, ai.NewResponseCache(16, time.Hour, ""), nil)

	_, err := agents.DiagnosePreliminary(context.Background(), "write a poem", domain.CategoryCreative)
	require.NoError(t, err)
	_, err = agents.DiagnosePreliminary(context.Background(), "write a poem", domain.CategoryCreative)
	require.NoError(t, err)

	calls := client.Calls()
	require.Len(t, calls, 2)
	assert.Equal(t, preliminaryDiagnosisTokens, calls[0].MaxTokens)
	assert.Equal(t, string(domain.RoleDiagnoser), calls[0].Operation)
}

func TestRequestConfigOverridesApply(t *testing.T) {
	client := stub.New()
	agents := newTestAgents(client, nil, nil)

	cfg := &domain.RequestConfig{
		Temperature: map[domain.RoleName]float64{domain.RoleDesigner: 0.2},
		MaxTokens:   map[domain.RoleName]int{domain.RoleDesigner: 777},
	}
	_, err := agents.Design(context.Background(), "raw", "decon", "diag", domain.CategoryGeneral, nil, nil, cfg)
	require.NoError(t, err)

	calls := client.Calls()
	require.Len(t, calls, 1)
	assert.InDelta(t, 0.2, calls[0].Temperature, 1e-9)
	assert.Equal(t, 777, calls[0].MaxTokens)
}

func TestDesignAppendsRetrievedContext(t *testing.T) {
	client := stub.New()
	agents := newTestAgents(client, nil, nil)

	retrieved := []string{"Example A", "Example B"}
	_, err := agents.Design(context.Background(), "raw", "decon", "diag", domain.CategoryGeneral, retrieved, nil, nil)
	require.NoError(t, err)

	calls := client.Calls()
	require.Len(t, calls, 1)
	assert.Contains(t, calls[0].SystemPrompt, "Example A")
	assert.Contains(t, calls[0].SystemPrompt, "Example B")
	assert.Contains(t, calls[0].SystemPrompt, "Cite the techniques")
}

func TestSampleUsesNeutralSystemPrompt(t *testing.T) {
	client := stub.New()
	agents := newTestAgents(client, nil, nil)

	_, err := agents.Sample(context.Background(), "the optimized prompt", domain.CategoryGeneral, nil)
	require.NoError(t, err)

	calls := client.Calls()
	require.Len(t, calls, 1)
	assert.Empty(t, calls[0].SystemPrompt)
	assert.Equal(t, "the optimized prompt", calls[0].UserPrompt)
	assert.True(t, calls[0].EnforcePersona)
}

func TestSplitUsage(t *testing.T) {
	p, c := splitUsage(100, "aaaa", "aaaa")
	assert.Equal(t, 50, p)
	assert.Equal(t, 50, c)

	p, c = splitUsage(0, "x", "y")
	assert.Equal(t, 0, p)
	assert.Equal(t, 0, c)

	p, c = splitUsage(10, "", "")
	assert.Equal(t, 10, p)
	assert.Equal(t, 0, c)
}
