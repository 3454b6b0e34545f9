// Package domain defines the core entities, ports, and error taxonomy of
// the prompt-optimization engine.
package domain

import (
	"context"
	"errors"
	"strings"
	"time"
)

// Error taxonomy (sentinels)
var (
	ErrInvalidArgument = errors.New("invalid argument")
	ErrOpenCircuit     = errors.New("circuit open")
	ErrPoolTimeout     = errors.New("pool timeout")
	ErrUpstreamTimeout = errors.New("upstream timeout")
	ErrTransient       = errors.New("transient upstream failure")
	ErrParse           = errors.New("unparseable model output")
	ErrInternal        = errors.New("internal error")
)

// Category is the closed prompt-category enumeration. Unknown values are
// rejected at validation time.
type Category string

const (
	CategoryCreative      Category = "creative"
	CategoryTechnical     Category = "technical"
	CategoryAnalytical    Category = "analytical"
	CategoryMarketing     Category = "marketing"
	CategoryEducational   Category = "educational"
	CategoryBuildAgent    Category = "build_agent"
	CategorySystemPrompt  Category = "system_prompt"
	CategoryCodeGen       Category = "code_generation"
	CategoryDocumentation Category = "documentation"
	CategoryGeneral       Category = "general"
)

// Categories lists every valid category in canonical form.
var Categories = []Category{
	CategoryCreative, CategoryTechnical, CategoryAnalytical,
	CategoryMarketing, CategoryEducational, CategoryBuildAgent,
	CategorySystemPrompt, CategoryCodeGen, CategoryDocumentation,
	CategoryGeneral,
}

// ParseCategory canonicalizes a category string (case-insensitive accept).
func ParseCategory(s string) (Category, bool) {
	c := Category(strings.ToLower(strings.TrimSpace(s)))
	for _, v := range Categories {
		if c == v {
			return v, true
		}
	}
	return "", false
}

// RoleName identifies one of the cooperating reasoning roles.
type RoleName string

const (
	RoleDeconstructor RoleName = "deconstructor"
	RoleDiagnoser     RoleName = "diagnoser"
	RoleDesigner      RoleName = "designer"
	RoleEvaluator     RoleName = "evaluator"
	RoleSampler       RoleName = "sampler"
)

// RoleConfig is the immutable per-role configuration, frozen at
// construction. Temperature overrides come in via PromptRequest.Config,
// never by mutating this struct.
type RoleConfig struct {
	Name         RoleName
	SystemPrompt string
	Temperature  float64
	MaxTokens    int
	// Cacheable marks roles whose outputs may be served from the
	// response cache for identical (role, user, system) triples.
	Cacheable bool
}

// RequestConfig carries optional per-request overrides.
type RequestConfig struct {
	Temperature map[RoleName]float64 `json:"temperature,omitempty"`
	MaxTokens   map[RoleName]int     `json:"max_tokens,omitempty"`
}

// PromptRequest is the validated ingress unit, scoped to one optimization.
type PromptRequest struct {
	RawText  string
	Category Category
	Config   *RequestConfig
}

// RoleOutput is the result of a single role call.
// Invariant: Success implies Content != ""; !Success implies len(Errors) > 0.
type RoleOutput struct {
	Success    bool     `json:"success"`
	Content    string   `json:"content"`
	TokensUsed int      `json:"tokens_used"`
	Model      string   `json:"model"`
	DurationMS int64    `json:"duration_ms"`
	Errors     []string `json:"errors,omitempty"`
}

// WorkflowMode records the dispatch choice made per request.
type WorkflowMode string

const (
	WorkflowSequential WorkflowMode = "sequential"
	WorkflowParallel   WorkflowMode = "parallel"
)

// OptimizationRecord is the structured result of one pipeline run.
// Partial completion is explicit: any nil intermediate field is
// accompanied by at least one entry in Errors.
type OptimizationRecord struct {
	ID              string       `json:"id"`
	Original        string       `json:"original"`
	Category        Category     `json:"category"`
	Deconstruction  *string      `json:"deconstruction"`
	Diagnosis       *string      `json:"diagnosis"`
	OptimizedPrompt *string      `json:"optimized_prompt"`
	SampleOutput    *string      `json:"sample_output"`
	Evaluation      *string      `json:"evaluation"`
	QualityScore    *int         `json:"quality_score"`
	WorkflowMode    WorkflowMode `json:"workflow_mode"`
	Errors          []string     `json:"errors"`
	CreatedAt       time.Time    `json:"created_at"`
}

// CostRecord is one append-only cost accounting entry.
type CostRecord struct {
	TS               time.Time `json:"ts"`
	Model            string    `json:"model"`
	PromptTokens     int       `json:"prompt_tokens"`
	CompletionTokens int       `json:"completion_tokens"`
	CostUSD          float64   `json:"cost_usd"`
	Operation        string    `json:"operation"`
	Category         string    `json:"category"`
}

// Message is one chat-completion message.
type Message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
}

// ToolCall is an upstream tool invocation.
type ToolCall struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

// ToolDefinition is passed through to the chat-completion tools field.
type ToolDefinition map[string]any

// ToolHandler executes a registered tool and returns its textual result.
type ToolHandler func(ctx context.Context, arguments string) (string, error)

// CompletionRequest describes one model-client call.
type CompletionRequest struct {
	UserPrompt     string
	SystemPrompt   string
	Temperature    float64
	MaxTokens      int
	Tools          []ToolDefinition
	EnforcePersona bool
	// Operation labels the call for metrics and cost accounting.
	Operation string
}

// ChatClient (port) issues a single chat completion. The returned
// RoleOutput is always populated; on failure it carries Success=false
// and at least one error string, and err is a typed sentinel wrap so
// retry and breaker layers can classify the failure.
type ChatClient interface {
	Complete(ctx context.Context, req CompletionRequest) (RoleOutput, error)
}

// SessionStore (port) is the narrow interface to the external store.
// Persistence is not part of the core's correctness model; any backing
// store satisfying this is acceptable.
type SessionStore interface {
	SaveSession(ctx context.Context, rec OptimizationRecord) error
	AppendCost(ctx context.Context, rec CostRecord) error
	CheckUsage(ctx context.Context, user string) (bool, error)
	Ping(ctx context.Context) error
}

// Retriever (port) optionally injects example context into Designer
// calls. Absence is never an error.
type Retriever interface {
	Retrieve(ctx context.Context, query string, limit int) ([]string, error)
}
