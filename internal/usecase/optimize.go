package usecase

import (
	"context"
	"crypto/rand"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/oklog/ulid/v2"
	"golang.org/x/sync/errgroup"

	ai "github.com/seanebones-lang/prompt-optimizer/internal/adapter/ai"
	"github.com/seanebones-lang/prompt-optimizer/internal/adapter/observability"
	"github.com/seanebones-lang/prompt-optimizer/internal/domain"
)

// samplePlaceholder feeds the Evaluator when sampling failed.
const samplePlaceholder = "(sample output unavailable)"

// maxWorkersPerRequest bounds concurrent role calls within one request.
const maxWorkersPerRequest = 3

// FileSearchTool is the retrieval tool definition passed through the
// chat-completion tools field when collections are enabled.
func FileSearchTool(collectionIDs map[string]string) domain.ToolDefinition {
	ids := make([]string, 0, len(collectionIDs))
	for _, id := range collectionIDs {
		ids = append(ids, id)
	}
	return domain.ToolDefinition{
		"type": "function",
		"function": map[string]any{
			"name":        "file_search",
			"description": "Search the configured prompt-example collections for relevant reference material.",
			"parameters": map[string]any{
				"type": "object",
				"properties": map[string]any{
					"query": map[string]any{"type": "string", "description": "search query"},
				},
				"required": []string{"query"},
			},
			"collection_ids": ids,
		},
	}
}

// OptimizerConfig carries the dispatch policy frozen at construction.
type OptimizerConfig struct {
	ParallelCategories []string
	ParallelThreshold  int
	EnableCollections  bool
	CollectionIDs      map[string]string
}

// Optimizer is the pipeline state machine:
//
//	Init -> Validate -> (Deconstruct ||? Preliminary-Diagnose) -> Diagnose ->
//	Design -> Sample -> Evaluate -> Done
//
// It owns per-request state exclusively; all shared components (cache,
// breaker, ledger, metrics) live behind RoleAgents.
type Optimizer struct {
	agents      *RoleAgents
	store       domain.SessionStore
	retriever   domain.Retriever
	recordCache *ai.RecordCache

	parallelCategories map[domain.Category]bool
	parallelThreshold  int
	tools              []domain.ToolDefinition
}

// NewOptimizer wires the orchestrator. store, retriever, and recordCache
// may be nil; each is optional.
func NewOptimizer(agents *RoleAgents, cfg OptimizerConfig, store domain.SessionStore, retriever domain.Retriever, recordCache *ai.RecordCache) *Optimizer {
	pc := make(map[domain.Category]bool, len(cfg.ParallelCategories))
	for _, c := range cfg.ParallelCategories {
		if cat, ok := domain.ParseCategory(c); ok {
			pc[cat] = true
		}
	}
	threshold := cfg.ParallelThreshold
	if threshold <= 0 {
		threshold = 500
	}
	var tools []domain.ToolDefinition
	if cfg.EnableCollections {
		tools = []domain.ToolDefinition{FileSearchTool(cfg.CollectionIDs)}
	}
	return &Optimizer{
		agents:             agents,
		store:              store,
		retriever:          retriever,
		recordCache:        recordCache,
		parallelCategories: pc,
		parallelThreshold:  threshold,
		tools:              tools,
	}
}

// Optimize runs the full pipeline for one raw prompt. The returned error
// is non-nil only for validation failures; every downstream failure
// degrades the record instead.
func (o *Optimizer) Optimize(ctx context.Context, rawText, category string, reqCfg *domain.RequestConfig) (domain.OptimizationRecord, error) {
	start := time.Now()

	rec := domain.OptimizationRecord{
		ID:        ulid.MustNew(ulid.Timestamp(start), rand.Reader).String(),
		Original:  rawText,
		Errors:    []string{},
		CreatedAt: start.UTC(),
	}

	req, err := ValidateRequest(rawText, category)
	if err != nil {
		rec.WorkflowMode = domain.WorkflowSequential
		// The record carries the bare message; the sentinel wrap stays on
		// the returned error for transport mapping.
		rec.Errors = append(rec.Errors, strings.TrimPrefix(err.Error(), domain.ErrInvalidArgument.Error()+": "))
		return rec, err
	}
	rec.Original = req.RawText
	rec.Category = req.Category
	req.Config = reqCfg

	fingerprint := ai.Fingerprint("record", req.RawText, string(req.Category))
	if cached, hit := o.recordCache.Get(ctx, fingerprint); hit {
		slog.Info("optimization served from record cache", slog.String("id", cached.ID))
		return cached, nil
	}

	rec.WorkflowMode = o.dispatchMode(req)
	o.runPipeline(ctx, req, &rec)

	observability.OptimizationDuration.WithLabelValues(string(rec.WorkflowMode)).Observe(time.Since(start).Seconds())
	if rec.QualityScore != nil {
		observability.QualityScoreHistogram.Observe(float64(*rec.QualityScore))
	}

	if len(rec.Errors) == 0 {
		o.recordCache.Put(ctx, fingerprint, rec)
	}
	if o.store != nil {
		if err := o.store.SaveSession(ctx, rec); err != nil {
			slog.Warn("session save failed", slog.String("id", rec.ID), slog.Any("error", err))
		}
	}
	return rec, nil
}

// dispatchMode picks parallel when the category is parallel-eligible or
// the prompt is long enough to amortize the concurrent advisory call.
func (o *Optimizer) dispatchMode(req domain.PromptRequest) domain.WorkflowMode {
	if o.parallelCategories[req.Category] || utf8.RuneCountInString(req.RawText) > o.parallelThreshold {
		return domain.WorkflowParallel
	}
	return domain.WorkflowSequential
}

func (o *Optimizer) runPipeline(ctx context.Context, req domain.PromptRequest, rec *domain.OptimizationRecord) {
	var deconstruction, diagnosis string

	if rec.WorkflowMode == domain.WorkflowParallel {
		deconOut, prelimOut := o.runParallelBranch(ctx, req)
		if !deconOut.Success {
			rec.Errors = append(rec.Errors, firstError(deconOut, "deconstruction failed"))
			return
		}
		deconstruction = deconOut.Content
		rec.Deconstruction = &deconstruction

		diagInput := deconstruction
		if prelimOut.Success {
			// Advisory only; folded into the full diagnosis input.
			diagInput += "\n\nPreliminary findings:\n" + prelimOut.Content
		}
		diagOut, err := o.agents.Diagnose(ctx, req.RawText, diagInput, req.Category, req.Config)
		if err != nil || !diagOut.Success {
			rec.Errors = append(rec.Errors, firstError(diagOut, "diagnosis failed"))
			return
		}
		diagnosis = diagOut.Content
		rec.Diagnosis = &diagnosis
	} else {
		deconOut, err := o.agents.Deconstruct(ctx, req.RawText, req.Category, req.Config)
		if err != nil || !deconOut.Success {
			rec.Errors = append(rec.Errors, firstError(deconOut, "deconstruction failed"))
			return
		}
		deconstruction = deconOut.Content
		rec.Deconstruction = &deconstruction

		diagOut, err := o.agents.Diagnose(ctx, req.RawText, deconstruction, req.Category, req.Config)
		if err != nil || !diagOut.Success {
			rec.Errors = append(rec.Errors, firstError(diagOut, "diagnosis failed"))
			return
		}
		diagnosis = diagOut.Content
		rec.Diagnosis = &diagnosis
	}

	// Design always follows a successful Diagnose.
	retrieved := o.retrieve(ctx, req.RawText)
	designOut, err := o.agents.Design(ctx, req.RawText, deconstruction, diagnosis, req.Category, retrieved, o.tools, req.Config)
	if err != nil || !designOut.Success {
		rec.Errors = append(rec.Errors, firstError(designOut, "design failed"))
		return
	}
	optimized := ExtractOptimizedPrompt(designOut.Content)
	rec.OptimizedPrompt = &optimized

	// Failures from here on degrade the record but never fail it.
	sampleText := samplePlaceholder
	sampleOut, err := o.agents.Sample(ctx, optimized, req.Category, req.Config)
	if err != nil || !sampleOut.Success {
		rec.Errors = append(rec.Errors, firstError(sampleOut, "sample generation failed"))
	} else {
		sampleText = sampleOut.Content
		rec.SampleOutput = &sampleText
	}

	evalOut, err := o.agents.Evaluate(ctx, req.RawText, optimized, sampleText, req.Category, req.Config)
	if err != nil || !evalOut.Success {
		rec.Errors = append(rec.Errors, firstError(evalOut, "evaluation failed"))
		return
	}
	evaluation := evalOut.Content
	rec.Evaluation = &evaluation

	score, found := ExtractScore(evaluation)
	rec.QualityScore = &score
	if !found {
		rec.Errors = append(rec.Errors, "quality_score defaulted")
		slog.Warn("evaluator emitted no parseable score; defaulting",
			slog.String("id", rec.ID),
			slog.Int("default", DefaultQualityScore))
	}
}

// runParallelBranch submits Deconstruct and the preliminary Diagnose
// concurrently, joined before the full Diagnose. Worker concurrency is
// bounded per request.
func (o *Optimizer) runParallelBranch(ctx context.Context, req domain.PromptRequest) (decon, prelim domain.RoleOutput) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxWorkersPerRequest)

	g.Go(func() error {
		decon, _ = o.agents.Deconstruct(gctx, req.RawText, req.Category, req.Config)
		return nil
	})
	g.Go(func() error {
		prelim, _ = o.agents.DiagnosePreliminary(gctx, req.RawText, req.Category)
		return nil
	})
	_ = g.Wait()
	return decon, prelim
}

func (o *Optimizer) retrieve(ctx context.Context, query string) []string {
	if o.retriever == nil {
		return nil
	}
	examples, err := o.retriever.Retrieve(ctx, query, 3)
	if err != nil {
		// Retrieval is a hint; absence is never an error.
		slog.Debug("retrieval unavailable", slog.Any("error", err))
		return nil
	}
	return examples
}

func firstError(out domain.RoleOutput, fallback string) string {
	if len(out.Errors) > 0 {
		return out.Errors[0]
	}
	return fallback
}
