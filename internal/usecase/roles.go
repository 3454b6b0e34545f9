package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	ai "github.com/seanebones-lang/prompt-optimizer/internal/adapter/ai"
	"github.com/seanebones-lang/prompt-optimizer/internal/adapter/observability"
	"github.com/seanebones-lang/prompt-optimizer/internal/domain"
)

const deconstructorSystemPrompt = `You are an expert prompt analyst. Deconstruct the user's raw prompt into:
1. Core intent — what the author actually wants.
2. Key entities and constraints mentioned or implied.
3. Required output format, if any.
4. Missing context the prompt assumes but never states.
Be concrete and terse. Use short labelled sections.`

const diagnoserSystemPrompt = `You are an expert prompt critic. Given a raw prompt and its deconstruction, enumerate the prompt's weaknesses:
ambiguity, missing constraints, conflicting instructions, absent output format, unstated audience, and scope problems.
Number each weakness and state it in one sentence.`

const preliminaryDiagnoserSystemPrompt = `You are an expert prompt critic. List the three most obvious weaknesses of the raw prompt below. One sentence each.`

const designerSystemPrompt = `You are an expert prompt engineer. Using the raw prompt, its deconstruction, and its diagnosis, write a substantially improved prompt.
Respond with a section titled "Optimized Prompt:" containing only the rewritten prompt, followed by a section titled "Key Improvements:" explaining what changed and why.`

const evaluatorSystemPrompt = `You are an expert prompt evaluator. Compare the original prompt, the optimized prompt, and the sample output it produced.
Rate the optimization across clarity, specificity, structure, and fitness for purpose, then give a single integer quality score.
End your response with a line of the form "Overall score: N/100".`

// preliminaryDiagnosisTokens bounds the faster advisory variant run
// concurrently with deconstruction.
const preliminaryDiagnosisTokens = 600

// DefaultRoleConfigs returns the frozen per-role configuration map.
func DefaultRoleConfigs() map[domain.RoleName]domain.RoleConfig {
	return map[domain.RoleName]domain.RoleConfig{
		domain.RoleDeconstructor: {
			Name:         domain.RoleDeconstructor,
			SystemPrompt: deconstructorSystemPrompt,
			Temperature:  0.5,
			MaxTokens:    1500,
			Cacheable:    true,
		},
		domain.RoleDiagnoser: {
			Name:         domain.RoleDiagnoser,
			SystemPrompt: diagnoserSystemPrompt,
			Temperature:  0.4,
			MaxTokens:    1200,
			Cacheable:    true,
		},
		domain.RoleDesigner: {
			Name:         domain.RoleDesigner,
			SystemPrompt: designerSystemPrompt,
			Temperature:  0.8,
			MaxTokens:    2000,
			Cacheable:    false,
		},
		domain.RoleEvaluator: {
			Name:         domain.RoleEvaluator,
			SystemPrompt: evaluatorSystemPrompt,
			Temperature:  0.3,
			MaxTokens:    1000,
			Cacheable:    true,
		},
		domain.RoleSampler: {
			Name:         domain.RoleSampler,
			SystemPrompt: "",
			Temperature:  0.7,
			MaxTokens:    1500,
			Cacheable:    false,
		},
	}
}

// RoleAgents executes role calls through the reliability envelope:
// Retry -> Cache (idempotent roles) -> Circuit Breaker -> Pool -> Model
// Client -> Persona sanitiser. Agents carry only immutable configuration.
type RoleAgents struct {
	configs map[domain.RoleName]domain.RoleConfig
	client  domain.ChatClient
	cache   *ai.ResponseCache
	breaker *ai.CircuitBreaker
	retry   ai.RetryPolicy
	ledger  *ai.CostLedger
}

// NewRoleAgents wires the agents. cache, breaker, and ledger may be nil
// in tests; each layer degrades to pass-through.
func NewRoleAgents(configs map[domain.RoleName]domain.RoleConfig, client domain.ChatClient, cache *ai.ResponseCache, breaker *ai.CircuitBreaker, retry ai.RetryPolicy, ledger *ai.CostLedger) *RoleAgents {
	frozen := make(map[domain.RoleName]domain.RoleConfig, len(configs))
	for k, v := range configs {
		frozen[k] = v
	}
	return &RoleAgents{configs: frozen, client: client, cache: cache, breaker: breaker, retry: retry, ledger: ledger}
}

// callOpts carries per-call adjustments without mutating RoleConfig.
type callOpts struct {
	maxTokensOverride   int
	temperatureOverride *float64
	systemSuffix        string
	tools               []domain.ToolDefinition
	retryOverride       *ai.RetryPolicy
	category            domain.Category
	skipCache           bool
}

// Call executes one role with the full envelope.
func (a *RoleAgents) Call(ctx context.Context, role domain.RoleName, userPrompt string, opts callOpts) (domain.RoleOutput, error) {
	cfg, ok := a.configs[role]
	if !ok {
		return domain.RoleOutput{Errors: []string{"unknown role"}}, fmt.Errorf("%w: unknown role %q", domain.ErrInternal, role)
	}

	systemPrompt := cfg.SystemPrompt
	if opts.systemSuffix != "" {
		systemPrompt = strings.TrimSpace(systemPrompt + "\n\n" + opts.systemSuffix)
	}
	temperature := cfg.Temperature
	if opts.temperatureOverride != nil {
		temperature = *opts.temperatureOverride
	}
	maxTokens := cfg.MaxTokens
	if opts.maxTokensOverride > 0 {
		maxTokens = opts.maxTokensOverride
	}

	key := ai.Fingerprint(string(role), userPrompt, systemPrompt)
	cacheable := cfg.Cacheable && !opts.skipCache && a.cache != nil
	if cacheable {
		if cached, hit := a.cache.Get(key); hit {
			slog.Debug("role served from cache", slog.String("role", string(role)))
			return cached, nil
		}
	}

	req := domain.CompletionRequest{
		UserPrompt:     userPrompt,
		SystemPrompt:   systemPrompt,
		Temperature:    temperature,
		MaxTokens:      maxTokens,
		Tools:          opts.tools,
		EnforcePersona: true,
		Operation:      string(role),
	}

	policy := a.retry
	if opts.retryOverride != nil {
		policy = *opts.retryOverride
	}

	start := time.Now()
	var out domain.RoleOutput
	err := ai.Retry(ctx, string(role), policy, func() error {
		var callErr error
		out, callErr = a.completeThroughBreaker(ctx, req)
		return callErr
	})
	observability.RoleDuration.WithLabelValues(string(role)).Observe(time.Since(start).Seconds())

	if err != nil {
		if len(out.Errors) == 0 {
			out.Errors = []string{err.Error()}
		}
		out.Success = false
		return out, err
	}

	if cacheable {
		a.cache.Put(key, out, 0)
	}
	if a.ledger != nil {
		// Upstream usage is a combined total; split it by the prompt's
		// share of the text for accounting purposes.
		promptTokens, completionTokens := splitUsage(out.TokensUsed, systemPrompt+userPrompt, out.Content)
		a.ledger.Record(ctx, out.Model, promptTokens, completionTokens, string(role), string(opts.category))
	}
	return out, nil
}

// completeThroughBreaker admits the call through the circuit breaker and
// reports only circuit-affecting failure classes back to it.
func (a *RoleAgents) completeThroughBreaker(ctx context.Context, req domain.CompletionRequest) (domain.RoleOutput, error) {
	if a.breaker == nil {
		return a.client.Complete(ctx, req)
	}
	release, err := a.breaker.Allow()
	if err != nil {
		return domain.RoleOutput{Success: false, Errors: []string{err.Error()}}, err
	}
	out, err := a.client.Complete(ctx, req)
	release(isCircuitAffecting(err))
	return out, err
}

// isCircuitAffecting classifies the failure kinds the breaker counts:
// transport, 5xx, timeout. Validation and parse failures are not
// circuit-affecting.
func isCircuitAffecting(err error) bool {
	return err != nil &&
		(errors.Is(err, domain.ErrTransient) || errors.Is(err, domain.ErrUpstreamTimeout))
}

// splitUsage apportions a combined token total between prompt and
// completion by text length when the upstream reports only a sum.
func splitUsage(total int, promptText, completion string) (int, int) {
	if total <= 0 {
		return 0, 0
	}
	promptLen := len(promptText)
	sum := promptLen + len(completion)
	if sum == 0 {
		return total, 0
	}
	p := total * promptLen / sum
	return p, total - p
}

// Deconstruct runs the Deconstructor role.
func (a *RoleAgents) Deconstruct(ctx context.Context, rawPrompt string, category domain.Category, cfg *domain.RequestConfig) (domain.RoleOutput, error) {
	user := fmt.Sprintf("Category: %s\n\nRaw prompt:\n%s", category, rawPrompt)
	return a.Call(ctx, domain.RoleDeconstructor, user, a.optsFor(domain.RoleDeconstructor, category, cfg))
}

// Diagnose runs the full Diagnoser role over the deconstruction.
func (a *RoleAgents) Diagnose(ctx context.Context, rawPrompt, deconstruction string, category domain.Category, cfg *domain.RequestConfig) (domain.RoleOutput, error) {
	user := fmt.Sprintf("Category: %s\n\nRaw prompt:\n%s\n\nDeconstruction:\n%s", category, rawPrompt, deconstruction)
	return a.Call(ctx, domain.RoleDiagnoser, user, a.optsFor(domain.RoleDiagnoser, category, cfg))
}

// DiagnosePreliminary runs the faster advisory variant used only when
// dispatched concurrently with Deconstruct.
func (a *RoleAgents) DiagnosePreliminary(ctx context.Context, rawPrompt string, category domain.Category) (domain.RoleOutput, error) {
	user := fmt.Sprintf("Category: %s\n\nRaw prompt:\n%s", category, rawPrompt)
	opts := callOpts{maxTokensOverride: preliminaryDiagnosisTokens, category: category, skipCache: true}
	out, err := a.Call(ctx, domain.RoleDiagnoser, user, opts)
	return out, err
}

// Design runs the Designer role. Retrieved context, when present, is
// appended to the system prompt with an instruction to cite it; tool
// definitions pass through to the completion call.
func (a *RoleAgents) Design(ctx context.Context, rawPrompt, deconstruction, diagnosis string, category domain.Category, retrieved []string, tools []domain.ToolDefinition, cfg *domain.RequestConfig) (domain.RoleOutput, error) {
	opts := a.optsFor(domain.RoleDesigner, category, cfg)
	opts.tools = tools
	if len(retrieved) > 0 {
		opts.systemSuffix = "Reference examples of strong prompts follow. Cite the techniques you borrow from them in Key Improvements.\n\n" +
			strings.Join(retrieved, "\n---\n")
	}
	user := fmt.Sprintf("Category: %s\n\nRaw prompt:\n%s\n\nDeconstruction:\n%s\n\nDiagnosis:\n%s",
		category, rawPrompt, deconstruction, diagnosis)
	return a.Call(ctx, domain.RoleDesigner, user, opts)
}

// Sample issues a single model call with a neutral system prompt and the
// redesigned prompt as user input.
func (a *RoleAgents) Sample(ctx context.Context, optimizedPrompt string, category domain.Category, cfg *domain.RequestConfig) (domain.RoleOutput, error) {
	opts := a.optsFor(domain.RoleSampler, category, cfg)
	opts.retryOverride = &ai.RetryPolicy{MaxAttempts: 2, InitialDelay: a.retry.InitialDelay, MaxDelay: a.retry.MaxDelay, Multiplier: a.retry.Multiplier}
	return a.Call(ctx, domain.RoleSampler, optimizedPrompt, opts)
}

// Evaluate runs the Evaluator role over the optimization artefacts.
func (a *RoleAgents) Evaluate(ctx context.Context, rawPrompt, optimizedPrompt, sampleOutput string, category domain.Category, cfg *domain.RequestConfig) (domain.RoleOutput, error) {
	opts := a.optsFor(domain.RoleEvaluator, category, cfg)
	opts.retryOverride = &ai.RetryPolicy{MaxAttempts: 2, InitialDelay: a.retry.InitialDelay, MaxDelay: a.retry.MaxDelay, Multiplier: a.retry.Multiplier}
	user := fmt.Sprintf("Category: %s\n\nOriginal prompt:\n%s\n\nOptimized prompt:\n%s\n\nSample output:\n%s",
		category, rawPrompt, optimizedPrompt, sampleOutput)
	return a.Call(ctx, domain.RoleEvaluator, user, opts)
}

func (a *RoleAgents) optsFor(role domain.RoleName, category domain.Category, cfg *domain.RequestConfig) callOpts {
	opts := callOpts{category: category}
	if cfg == nil {
		return opts
	}
	if t, ok := cfg.Temperature[role]; ok {
		opts.temperatureOverride = &t
	}
	if m, ok := cfg.MaxTokens[role]; ok && m > 0 {
		opts.maxTokensOverride = m
	}
	return opts
}
