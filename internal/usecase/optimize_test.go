package usecase

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	ai "github.com/seanebones-lang/prompt-optimizer/internal/adapter/ai"
	"github.com/seanebones-lang/prompt-optimizer/internal/domain"
)

// scriptedClient answers per-operation and can fail selected operations.
type scriptedClient struct {
	mu        sync.Mutex
	calls     []domain.CompletionRequest
	responses map[string]string
	failOps   map[string]error
}

func newScriptedClient() *scriptedClient {
	return &scriptedClient{
		responses: map[string]string{
			"deconstructor": "Core intent: a haiku about autumn.",
			"diagnoser":     "1. Too vague.\n2. No format given.",
			"designer":      "Optimized Prompt:\nWrite a vivid three-line haiku about autumn dusk.\n\nKey Improvements:\n- Added specificity.",
			"sampler":       "Crimson leaves drift down",
			"evaluator":     "Strong improvement across all axes.\nOverall score: 85/100",
		},
		failOps: map[string]error{},
	}
}

func (c *scriptedClient) Complete(_ context.Context, req domain.CompletionRequest) (domain.RoleOutput, error) {
	c.mu.Lock()
	c.calls = append(c.calls, req)
	c.mu.Unlock()

	if err, ok := c.failOps[req.Operation]; ok {
		return domain.RoleOutput{Success: false, Model: "scripted", Errors: []string{err.Error()}}, err
	}
	content := c.responses[req.Operation]
	return domain.RoleOutput{Success: true, Content: content, TokensUsed: 10, Model: "scripted"}, nil
}

func (c *scriptedClient) ops() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.calls))
	for i, call := range c.calls {
		out[i] = call.Operation
	}
	return out
}

func (c *scriptedClient) callsFor(op string) []domain.CompletionRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []domain.CompletionRequest
	for _, call := range c.calls {
		if call.Operation == op {
			out = append(out, call)
		}
	}
	return out
}

func newTestOptimizer(client domain.ChatClient, recordCache *ai.RecordCache) *Optimizer {
	agents := NewRoleAgents(DefaultRoleConfigs(), client, nil, nil, fastRetry, nil)
	return NewOptimizer(agents, OptimizerConfig{
		ParallelCategories: []string{"build_agent", "system_prompt", "code_generation"},
		ParallelThreshold:  500,
	}, nil, nil, recordCache)
}

func TestOptimizeHappyPathSequential(t *testing.T) {
	client := newScriptedClient()
	o := newTestOptimizer(client, nil)

	rec, err := o.Optimize(context.Background(), "write a haiku", "creative", nil)
	require.NoError(t, err)

	assert.NotEmpty(t, rec.ID)
	assert.Equal(t, domain.WorkflowSequential, rec.WorkflowMode)
	assert.Equal(t, domain.CategoryCreative, rec.Category)
	assert.Empty(t, rec.Errors)

	require.NotNil(t, rec.Deconstruction)
	require.NotNil(t, rec.Diagnosis)
	require.NotNil(t, rec.OptimizedPrompt)
	require.NotNil(t, rec.SampleOutput)
	require.NotNil(t, rec.Evaluation)
	require.NotNil(t, rec.QualityScore)

	assert.Equal(t, "Write a vivid three-line haiku about autumn dusk.", *rec.OptimizedPrompt)
	assert.Equal(t, 85, *rec.QualityScore)

	assert.Equal(t, []string{"deconstructor", "diagnoser", "designer", "sampler", "evaluator"}, client.ops())
}

func TestOptimizeParallelCategory(t *testing.T) {
	client := newScriptedClient()
	o := newTestOptimizer(client, nil)

	rec, err := o.Optimize(context.Background(), "build me an agent that reviews PRs", "build_agent", nil)
	require.NoError(t, err)
	assert.Equal(t, domain.WorkflowParallel, rec.WorkflowMode)
	assert.Empty(t, rec.Errors)
	require.NotNil(t, rec.QualityScore)

	// The advisory diagnosis runs alongside deconstruction, then the
	// full diagnosis follows: diagnoser appears twice.
	assert.Len(t, client.callsFor("diagnoser"), 2)
	assert.Len(t, client.callsFor("deconstructor"), 1)
}

// gatedClient holds the deconstruction and advisory-diagnosis calls
// until both are in flight, and records whether the full diagnosis
// started before deconstruction returned.
type gatedClient struct {
	inner *scriptedClient

	mu            sync.Mutex
	arrived       int
	bothInFlight  chan struct{}
	deconDone     bool
	diagCalls     int
	fullDiagEarly bool
}

func newGatedClient() *gatedClient {
	return &gatedClient{inner: newScriptedClient(), bothInFlight: make(chan struct{})}
}

func (c *gatedClient) Complete(ctx context.Context, req domain.CompletionRequest) (domain.RoleOutput, error) {
	hold := false
	c.mu.Lock()
	switch req.Operation {
	case "deconstructor":
		hold = true
	case "diagnoser":
		c.diagCalls++
		if c.diagCalls == 1 {
			hold = true
		} else if !c.deconDone {
			c.fullDiagEarly = true
		}
	}
	if hold {
		c.arrived++
		if c.arrived == 2 {
			close(c.bothInFlight)
		}
	}
	c.mu.Unlock()

	if hold {
		select {
		case <-c.bothInFlight:
		case <-time.After(2 * time.Second):
			return domain.RoleOutput{Success: false, Errors: []string{"peer call never arrived"}}, domain.ErrInternal
		}
	}
	out, err := c.inner.Complete(ctx, req)
	if req.Operation == "deconstructor" {
		c.mu.Lock()
		c.deconDone = true
		c.mu.Unlock()
	}
	return out, err
}

func TestOptimizeParallelBranchRunsConcurrently(t *testing.T) {
	client := newGatedClient()
	o := newTestOptimizer(client, nil)

	rec, err := o.Optimize(context.Background(), "build me an agent that reviews PRs", "build_agent", nil)
	require.NoError(t, err)
	assert.Equal(t, domain.WorkflowParallel, rec.WorkflowMode)
	assert.Empty(t, rec.Errors)

	// Both gated calls released each other, so they overlapped in time.
	select {
	case <-client.bothInFlight:
	default:
		t.Fatal("deconstruction and advisory diagnosis were never in flight together")
	}
	// The full diagnosis only starts once deconstruction has returned.
	assert.False(t, client.fullDiagEarly, "full diagnosis started before deconstruction returned")
	assert.Len(t, client.inner.callsFor("diagnoser"), 2)
}

func TestOptimizeParallelByLength(t *testing.T) {
	client := newScriptedClient()
	o := newTestOptimizer(client, nil)

	long := strings.Repeat("describe the system in detail ", 30) // well over 500 runes
	rec, err := o.Optimize(context.Background(), long, "general", nil)
	require.NoError(t, err)
	assert.Equal(t, domain.WorkflowParallel, rec.WorkflowMode)
}

func TestOptimizeParallelFoldsPreliminaryFindings(t *testing.T) {
	client := newScriptedClient()
	o := newTestOptimizer(client, nil)

	_, err := o.Optimize(context.Background(), "build me an agent", "build_agent", nil)
	require.NoError(t, err)

	diagCalls := client.callsFor("diagnoser")
	require.Len(t, diagCalls, 2)
	// The second (full) diagnosis carries the advisory findings.
	assert.Contains(t, diagCalls[1].UserPrompt, "Preliminary findings:")
}

func TestOptimizeValidationFailure(t *testing.T) {
	client := newScriptedClient()
	o := newTestOptimizer(client, nil)

	rec, err := o.Optimize(context.Background(), "   ", "general", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
	// The record carries the bare message, without the sentinel prefix.
	assert.Equal(t, []string{"Prompt cannot be empty"}, rec.Errors)
	assert.Empty(t, client.ops())
}

func TestOptimizeDiagnosisFailureShortCircuits(t *testing.T) {
	client := newScriptedClient()
	client.failOps["diagnoser"] = fmt.Errorf("%w: chat status 503", domain.ErrTransient)
	o := newTestOptimizer(client, nil)

	rec, err := o.Optimize(context.Background(), "write a haiku", "creative", nil)
	require.NoError(t, err)

	require.NotNil(t, rec.Deconstruction)
	assert.Nil(t, rec.Diagnosis)
	assert.Nil(t, rec.OptimizedPrompt)
	assert.Nil(t, rec.QualityScore)
	require.NotEmpty(t, rec.Errors)
	assert.Contains(t, rec.Errors[0], "503")
	assert.Empty(t, client.callsFor("designer"))
}

func TestOptimizeSampleFailureDegrades(t *testing.T) {
	client := newScriptedClient()
	client.failOps["sampler"] = fmt.Errorf("%w: chat status 503", domain.ErrTransient)
	o := newTestOptimizer(client, nil)

	rec, err := o.Optimize(context.Background(), "write a haiku", "creative", nil)
	require.NoError(t, err)

	require.NotNil(t, rec.OptimizedPrompt)
	assert.Nil(t, rec.SampleOutput)
	require.NotNil(t, rec.Evaluation)
	require.NotNil(t, rec.QualityScore)
	assert.Equal(t, 85, *rec.QualityScore)
	require.NotEmpty(t, rec.Errors)

	// The evaluator saw the placeholder, not a fabricated sample.
	evalCalls := client.callsFor("evaluator")
	require.Len(t, evalCalls, 1)
	assert.Contains(t, evalCalls[0].UserPrompt, samplePlaceholder)
}

func TestOptimizeEvaluationFailureDegrades(t *testing.T) {
	client := newScriptedClient()
	client.failOps["evaluator"] = fmt.Errorf("%w: chat status 503", domain.ErrTransient)
	o := newTestOptimizer(client, nil)

	rec, err := o.Optimize(context.Background(), "write a haiku", "creative", nil)
	require.NoError(t, err)

	require.NotNil(t, rec.OptimizedPrompt)
	require.NotNil(t, rec.SampleOutput)
	assert.Nil(t, rec.Evaluation)
	assert.Nil(t, rec.QualityScore)
	require.NotEmpty(t, rec.Errors)
}

func TestOptimizeScoreDefaultsWhenUnparseable(t *testing.T) {
	client := newScriptedClient()
	client.responses["evaluator"] = "A purely qualitative judgement without any number."
	o := newTestOptimizer(client, nil)

	rec, err := o.Optimize(context.Background(), "write a haiku", "creative", nil)
	require.NoError(t, err)

	require.NotNil(t, rec.QualityScore)
	assert.Equal(t, DefaultQualityScore, *rec.QualityScore)
	assert.Contains(t, rec.Errors, "quality_score defaulted")
}

func TestOptimizeRecordCacheHit(t *testing.T) {
	mr := miniredis.RunT(t)
	rc, err := ai.NewRecordCache("redis://"+mr.Addr(), time.Hour)
	require.NoError(t, err)

	client := newScriptedClient()
	o := newTestOptimizer(client, rc)

	first, err := o.Optimize(context.Background(), "write a haiku", "creative", nil)
	require.NoError(t, err)
	callsAfterFirst := len(client.ops())

	second, err := o.Optimize(context.Background(), "write a haiku", "creative", nil)
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	// Served entirely from the shared record cache.
	assert.Len(t, client.ops(), callsAfterFirst)
}

func TestOptimizeDegradedRecordNotCached(t *testing.T) {
	mr := miniredis.RunT(t)
	rc, err := ai.NewRecordCache("redis://"+mr.Addr(), time.Hour)
	require.NoError(t, err)

	client := newScriptedClient()
	client.failOps["sampler"] = fmt.Errorf("%w: chat status 503", domain.ErrTransient)
	o := newTestOptimizer(client, rc)

	first, err := o.Optimize(context.Background(), "write a haiku", "creative", nil)
	require.NoError(t, err)
	require.NotEmpty(t, first.Errors)

	second, err := o.Optimize(context.Background(), "write a haiku", "creative", nil)
	require.NoError(t, err)
	// A degraded record must be recomputed, never replayed.
	assert.NotEqual(t, first.ID, second.ID)
}

type staticRetriever struct{ examples []string }

func (r staticRetriever) Retrieve(_ context.Context, _ string, _ int) ([]string, error) {
	return r.examples, nil
}

func TestOptimizeInjectsRetrievedExamples(t *testing.T) {
	client := newScriptedClient()
	agents := NewRoleAgents(DefaultRoleConfigs(), client, nil, nil, fastRetry, nil)
	o := NewOptimizer(agents, OptimizerConfig{ParallelThreshold: 500},
		nil, staticRetriever{examples: []string{"Exemplary prompt A"}}, nil)

	_, err := o.Optimize(context.Background(), "write a haiku", "creative", nil)
	require.NoError(t, err)

	designCalls := client.callsFor("designer")
	require.Len(t, designCalls, 1)
	assert.Contains(t, designCalls[0].SystemPrompt, "Exemplary prompt A")
}
