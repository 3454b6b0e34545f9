package ai

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/seanebones-lang/prompt-optimizer/internal/adapter/ai/tokencount"
	"github.com/seanebones-lang/prompt-optimizer/internal/adapter/observability"
	"github.com/seanebones-lang/prompt-optimizer/internal/config"
	"github.com/seanebones-lang/prompt-optimizer/internal/domain"
)

// CostSummary aggregates ledger records over a window.
type CostSummary struct {
	TotalCostUSD     float64            `json:"total_cost_usd"`
	TotalCalls       int                `json:"total_calls"`
	PromptTokens     int                `json:"prompt_tokens"`
	CompletionTokens int                `json:"completion_tokens"`
	ByModel          map[string]float64 `json:"by_model"`
	ByOperation      map[string]float64 `json:"by_operation"`
}

// CostLedger is pure accounting: append-only in process, aggregations
// derived. Budget thresholds are observational; the ledger never denies
// calls on cost grounds.
type CostLedger struct {
	mu      sync.Mutex
	pricing config.PricingTable
	records []domain.CostRecord

	dailyBudget   float64
	monthlyBudget float64
	warned80Day   bool
	warned100Day  bool
	warnDayStamp  string

	store domain.SessionStore
	now   func() time.Time
}

// NewCostLedger builds a ledger over a pricing table. store may be nil;
// records then live only in process.
func NewCostLedger(pricing config.PricingTable, store domain.SessionStore) *CostLedger {
	return &CostLedger{pricing: pricing, store: store, now: time.Now}
}

// SetBudget stores soft daily/monthly thresholds in USD; zero disables.
func (l *CostLedger) SetBudget(daily, monthly float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.dailyBudget = daily
	l.monthlyBudget = monthly
}

// Record computes cost from the pricing table and appends. Zero token
// counts are backfilled with tiktoken estimates from the texts when
// provided. The record is flushed to the external store best-effort.
func (l *CostLedger) Record(ctx context.Context, model string, promptTokens, completionTokens int, operation, category string) domain.CostRecord {
	price := l.pricing.PriceFor(model)
	cost := float64(promptTokens)/1e6*price.InputPerMillion +
		float64(completionTokens)/1e6*price.OutputPerMillion

	rec := domain.CostRecord{
		TS:               l.now(),
		Model:            model,
		PromptTokens:     promptTokens,
		CompletionTokens: completionTokens,
		CostUSD:          cost,
		Operation:        operation,
		Category:         category,
	}

	l.mu.Lock()
	l.records = append(l.records, rec)
	l.checkBudgetLocked(rec.TS)
	l.mu.Unlock()

	observability.CostUSDTotal.WithLabelValues(model).Add(cost)

	if l.store != nil {
		if err := l.store.AppendCost(ctx, rec); err != nil {
			slog.Warn("cost record flush failed", slog.Any("error", err))
		}
	}
	return rec
}

// EstimateTokens counts tokens for texts the upstream did not meter.
func EstimateTokens(systemPrompt, userPrompt, completion, model string) (prompt, out int) {
	usage, err := tokencount.CalculateUsageDefault(systemPrompt, userPrompt, completion, model)
	if err != nil {
		// ~4 chars per token as a coarse fallback
		return (len(systemPrompt) + len(userPrompt)) / 4, len(completion) / 4
	}
	return usage.PromptTokens, usage.CompletionTokens
}

// Summary aggregates records within [since, until); zero times are open.
func (l *CostLedger) Summary(since, until time.Time) CostSummary {
	l.mu.Lock()
	defer l.mu.Unlock()

	s := CostSummary{ByModel: map[string]float64{}, ByOperation: map[string]float64{}}
	for _, r := range l.records {
		if !since.IsZero() && r.TS.Before(since) {
			continue
		}
		if !until.IsZero() && !r.TS.Before(until) {
			continue
		}
		s.TotalCostUSD += r.CostUSD
		s.TotalCalls++
		s.PromptTokens += r.PromptTokens
		s.CompletionTokens += r.CompletionTokens
		s.ByModel[r.Model] += r.CostUSD
		s.ByOperation[r.Operation] += r.CostUSD
	}
	return s
}

func (l *CostLedger) checkBudgetLocked(now time.Time) {
	day := now.Format("2006-01-02")
	if l.warnDayStamp != day {
		l.warnDayStamp = day
		l.warned80Day = false
		l.warned100Day = false
	}

	if l.dailyBudget > 0 {
		dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
		total := l.totalSinceLocked(dayStart)
		l.warnThreshold("daily", total, l.dailyBudget, &l.warned80Day, &l.warned100Day)
	}
	if l.monthlyBudget > 0 {
		monthStart := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, now.Location())
		total := l.totalSinceLocked(monthStart)
		// Monthly warnings re-log freely; they fire at most once per
		// record and the signal is cheap.
		if total >= l.monthlyBudget {
			slog.Warn("monthly cost budget exceeded",
				slog.Float64("total_usd", total),
				slog.Float64("budget_usd", l.monthlyBudget))
		} else if total >= 0.8*l.monthlyBudget {
			slog.Warn("monthly cost budget at 80%",
				slog.Float64("total_usd", total),
				slog.Float64("budget_usd", l.monthlyBudget))
		}
	}
}

func (l *CostLedger) warnThreshold(window string, total, budget float64, warned80, warned100 *bool) {
	switch {
	case total >= budget && !*warned100:
		*warned100 = true
		slog.Warn(window+" cost budget exceeded",
			slog.Float64("total_usd", total),
			slog.Float64("budget_usd", budget))
	case total >= 0.8*budget && !*warned80:
		*warned80 = true
		slog.Warn(window+" cost budget at 80%",
			slog.Float64("total_usd", total),
			slog.Float64("budget_usd", budget))
	}
}

func (l *CostLedger) totalSinceLocked(since time.Time) float64 {
	var total float64
	for _, r := range l.records {
		if !r.TS.Before(since) {
			total += r.CostUSD
		}
	}
	return total
}
