// Package postgres persists optimization sessions and cost entries.
//
// Persistence is best-effort by design: the pipeline stays correct
// without a store, so callers treat every error here as a warning.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.opentelemetry.io/otel"

	"github.com/seanebones-lang/prompt-optimizer/internal/domain"
)

// PgxPool is the subset of pgxpool.Pool used here; narrow so tests can
// substitute a mock.
type PgxPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	BeginTx(ctx context.Context, txOptions pgx.TxOptions) (pgx.Tx, error)
}

// Store implements domain.SessionStore on PostgreSQL.
type Store struct{ Pool PgxPool }

// NewStore constructs a Store with the given pool.
func NewStore(p PgxPool) *Store { return &Store{Pool: p} }

// Startup creates the schema if it does not exist. Called once from
// main before the store is handed to the pipeline; idempotent.
func (s *Store) Startup(ctx context.Context) error {
	tracer := otel.Tracer("repo.schema")
	ctx, span := tracer.Start(ctx, "schema.Startup")
	defer span.End()

	ddl := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			original TEXT NOT NULL,
			category TEXT NOT NULL,
			workflow_mode TEXT NOT NULL,
			quality_score INT,
			stages JSONB NOT NULL,
			errors JSONB NOT NULL,
			created_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS sessions_created_at_idx ON sessions (created_at)`,
		`CREATE TABLE IF NOT EXISTS cost_entries (
			id BIGSERIAL PRIMARY KEY,
			ts TIMESTAMPTZ NOT NULL,
			model TEXT NOT NULL,
			prompt_tokens BIGINT NOT NULL,
			completion_tokens BIGINT NOT NULL,
			cost_usd DOUBLE PRECISION NOT NULL,
			operation TEXT NOT NULL,
			category TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS cost_entries_ts_idx ON cost_entries (ts)`,
	}
	for _, q := range ddl {
		if _, err := s.Pool.Exec(ctx, q); err != nil {
			return fmt.Errorf("op=schema.startup: %w", err)
		}
	}
	return nil
}

// SaveSession upserts one optimization record by id. Intermediate
// outputs and errors are stored as JSONB so the schema survives
// pipeline changes.
func (s *Store) SaveSession(ctx context.Context, rec domain.OptimizationRecord) error {
	tracer := otel.Tracer("repo.sessions")
	ctx, span := tracer.Start(ctx, "sessions.Save")
	defer span.End()

	stages, err := json.Marshal(map[string]*string{
		"deconstruction":   rec.Deconstruction,
		"diagnosis":        rec.Diagnosis,
		"optimized_prompt": rec.OptimizedPrompt,
		"sample_output":    rec.SampleOutput,
		"evaluation":       rec.Evaluation,
	})
	if err != nil {
		return fmt.Errorf("op=session.marshal: %w", err)
	}
	errsJSON, err := json.Marshal(rec.Errors)
	if err != nil {
		return fmt.Errorf("op=session.marshal: %w", err)
	}

	q := `INSERT INTO sessions (id, original, category, workflow_mode, quality_score, stages, errors, created_at)
	VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	ON CONFLICT (id)
	DO UPDATE SET workflow_mode=EXCLUDED.workflow_mode, quality_score=EXCLUDED.quality_score, stages=EXCLUDED.stages, errors=EXCLUDED.errors`
	_, err = s.Pool.Exec(ctx, q, rec.ID, rec.Original, string(rec.Category), string(rec.WorkflowMode), rec.QualityScore, stages, errsJSON, rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("op=session.save: %w", err)
	}
	return nil
}

// GetSession loads one optimization record by id.
func (s *Store) GetSession(ctx context.Context, id string) (domain.OptimizationRecord, error) {
	tracer := otel.Tracer("repo.sessions")
	ctx, span := tracer.Start(ctx, "sessions.Get")
	defer span.End()

	q := `SELECT id, original, category, workflow_mode, quality_score, stages, errors, created_at FROM sessions WHERE id=$1`
	row := s.Pool.QueryRow(ctx, q, id)

	var (
		rec       domain.OptimizationRecord
		category  string
		mode      string
		stages    []byte
		errsJSON  []byte
		stageVals map[string]*string
	)
	if err := row.Scan(&rec.ID, &rec.Original, &category, &mode, &rec.QualityScore, &stages, &errsJSON, &rec.CreatedAt); err != nil {
		return domain.OptimizationRecord{}, fmt.Errorf("op=session.get: %w", err)
	}
	rec.Category = domain.Category(category)
	rec.WorkflowMode = domain.WorkflowMode(mode)
	if err := json.Unmarshal(stages, &stageVals); err != nil {
		return domain.OptimizationRecord{}, fmt.Errorf("op=session.get: %w", err)
	}
	rec.Deconstruction = stageVals["deconstruction"]
	rec.Diagnosis = stageVals["diagnosis"]
	rec.OptimizedPrompt = stageVals["optimized_prompt"]
	rec.SampleOutput = stageVals["sample_output"]
	rec.Evaluation = stageVals["evaluation"]
	if err := json.Unmarshal(errsJSON, &rec.Errors); err != nil {
		return domain.OptimizationRecord{}, fmt.Errorf("op=session.get: %w", err)
	}
	return rec, nil
}

// AppendCost records one append-only cost entry.
func (s *Store) AppendCost(ctx context.Context, rec domain.CostRecord) error {
	tracer := otel.Tracer("repo.costs")
	ctx, span := tracer.Start(ctx, "costs.Append")
	defer span.End()

	q := `INSERT INTO cost_entries (ts, model, prompt_tokens, completion_tokens, cost_usd, operation, category)
	VALUES ($1,$2,$3,$4,$5,$6,$7)`
	_, err := s.Pool.Exec(ctx, q, rec.TS, rec.Model, rec.PromptTokens, rec.CompletionTokens, rec.CostUSD, rec.Operation, rec.Category)
	if err != nil {
		return fmt.Errorf("op=cost.append: %w", err)
	}
	return nil
}

// CheckUsage reports whether the given user stays within the rolling
// 24h session allowance. An unlimited allowance (dailyLimit <= 0) always
// passes; for now the allowance is a fixed constant.
const dailySessionLimit = 200

func (s *Store) CheckUsage(ctx context.Context, user string) (bool, error) {
	tracer := otel.Tracer("repo.sessions")
	ctx, span := tracer.Start(ctx, "sessions.CheckUsage")
	defer span.End()

	q := `SELECT COUNT(*) FROM sessions WHERE created_at > $1`
	row := s.Pool.QueryRow(ctx, q, time.Now().UTC().Add(-24*time.Hour))
	var n int
	if err := row.Scan(&n); err != nil {
		return false, fmt.Errorf("op=usage.check: %w", err)
	}
	_ = user // per-user attribution lands with auth
	return n < dailySessionLimit, nil
}

// Ping verifies connectivity for the readiness probe.
func (s *Store) Ping(ctx context.Context) error {
	var one int
	if err := s.Pool.QueryRow(ctx, `SELECT 1`).Scan(&one); err != nil {
		return fmt.Errorf("op=store.ping: %w", err)
	}
	return nil
}
