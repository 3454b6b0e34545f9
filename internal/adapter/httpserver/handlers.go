package httpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"

	ai "github.com/seanebones-lang/prompt-optimizer/internal/adapter/ai"
	"github.com/seanebones-lang/prompt-optimizer/internal/config"
	"github.com/seanebones-lang/prompt-optimizer/internal/domain"
	"github.com/seanebones-lang/prompt-optimizer/internal/usecase"
)

// maxRequestBytes bounds the optimize request body. Prompts are capped
// far below this; the slack covers per-role config overrides.
const maxRequestBytes = 1 << 20

// Server aggregates handler dependencies.
type Server struct {
	Cfg       config.Config
	Optimizer *usecase.Optimizer
	Breaker   *ai.CircuitBreaker
	Ledger    *ai.CostLedger
	Cache     *ai.ResponseCache

	// StoreCheck is nil when no session store is configured.
	StoreCheck func(ctx context.Context) error
	// RecordCacheCheck is nil when the shared record cache is disabled.
	RecordCacheCheck func(ctx context.Context) error
}

var (
	vldOnce sync.Once
	vld     *validator.Validate
)

func getValidator() *validator.Validate {
	vldOnce.Do(func() { vld = validator.New() })
	return vld
}

// NewServer constructs the HTTP façade with all handlers and probes wired.
func NewServer(cfg config.Config, opt *usecase.Optimizer, breaker *ai.CircuitBreaker, ledger *ai.CostLedger, cache *ai.ResponseCache, storeCheck, recordCacheCheck func(context.Context) error) *Server {
	return &Server{
		Cfg:              cfg,
		Optimizer:        opt,
		Breaker:          breaker,
		Ledger:           ledger,
		Cache:            cache,
		StoreCheck:       storeCheck,
		RecordCacheCheck: recordCacheCheck,
	}
}

type optimizeRequest struct {
	RawText  string                `json:"raw_text" validate:"required"`
	Category string                `json:"category" validate:"required"`
	Config   *domain.RequestConfig `json:"config"`
}

// OptimizeHandler runs the full pipeline synchronously and returns the
// optimization record. Downstream failures degrade the record; only
// validation errors produce a non-2xx response.
func (s *Server) OptimizeHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if ct := r.Header.Get("Content-Type"); ct != "" && !strings.Contains(ct, "application/json") {
			writeError(w, r, fmt.Errorf("%w: content-type must be application/json", domain.ErrInvalidArgument), nil)
			return
		}
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBytes)
		body, err := io.ReadAll(r.Body)
		if err != nil {
			writeError(w, r, fmt.Errorf("%w: request body too large or unreadable", domain.ErrInvalidArgument), nil)
			return
		}
		var req optimizeRequest
		if err := json.Unmarshal(body, &req); err != nil {
			writeError(w, r, fmt.Errorf("%w: invalid JSON body", domain.ErrInvalidArgument), nil)
			return
		}
		if err := getValidator().Struct(req); err != nil {
			writeError(w, r, fmt.Errorf("%w: raw_text and category are required", domain.ErrInvalidArgument), err.Error())
			return
		}

		rec, err := s.Optimizer.Optimize(r.Context(), req.RawText, req.Category, req.Config)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, rec)
	}
}

// CategoriesHandler lists the accepted prompt categories.
func (s *Server) CategoriesHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"categories": domain.Categories})
	}
}

// CostSummaryHandler aggregates the in-process cost ledger. Optional
// since/until query parameters accept RFC 3339 timestamps.
func (s *Server) CostSummaryHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var since, until time.Time
		if v := r.URL.Query().Get("since"); v != "" {
			t, err := time.Parse(time.RFC3339, v)
			if err != nil {
				writeError(w, r, fmt.Errorf("%w: since must be RFC 3339", domain.ErrInvalidArgument), nil)
				return
			}
			since = t
		}
		if v := r.URL.Query().Get("until"); v != "" {
			t, err := time.Parse(time.RFC3339, v)
			if err != nil {
				writeError(w, r, fmt.Errorf("%w: until must be RFC 3339", domain.ErrInvalidArgument), nil)
				return
			}
			until = t
		}
		writeJSON(w, http.StatusOK, s.Ledger.Summary(since, until))
	}
}

// StatsHandler exposes breaker and cache state for operators.
func (s *Server) StatsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"circuit": s.Breaker.Stats(),
			"cache":   s.Cache.Stats(),
		})
	}
}

// HealthzHandler is the liveness probe.
func (s *Server) HealthzHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

// ReadyzHandler is the readiness probe. Ready means the upstream
// credential and base URL are configured, the circuit is not Open, and
// every configured optional dependency answers a ping. Absent optional
// dependencies never fail readiness.
func (s *Server) ReadyzHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		checks := map[string]string{}
		ready := true

		if s.Cfg.XAIAPIKey == "" || s.Cfg.XAIAPIBase == "" {
			checks["upstream"] = "unconfigured"
			ready = false
		} else {
			checks["upstream"] = "configured"
		}

		if st := s.Breaker.State(); st == ai.StateOpen {
			checks["circuit"] = st.String()
			ready = false
		} else {
			checks["circuit"] = st.String()
		}

		if s.StoreCheck != nil {
			if err := s.StoreCheck(ctx); err != nil {
				checks["store"] = "unreachable"
				ready = false
				slog.Warn("readiness: store ping failed", slog.Any("error", err))
			} else {
				checks["store"] = "ok"
			}
		} else {
			checks["store"] = "disabled"
		}

		if s.RecordCacheCheck != nil {
			if err := s.RecordCacheCheck(ctx); err != nil {
				checks["record_cache"] = "unreachable"
				ready = false
			} else {
				checks["record_cache"] = "ok"
			}
		} else {
			checks["record_cache"] = "disabled"
		}

		status := http.StatusOK
		state := "ready"
		if !ready {
			status = http.StatusServiceUnavailable
			state = "not ready"
		}
		writeJSON(w, status, map[string]any{"status": state, "checks": checks})
	}
}
