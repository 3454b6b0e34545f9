// Command server starts the prompt-optimization HTTP server.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	ai "github.com/seanebones-lang/prompt-optimizer/internal/adapter/ai"
	"github.com/seanebones-lang/prompt-optimizer/internal/adapter/ai/xai"
	httpserver "github.com/seanebones-lang/prompt-optimizer/internal/adapter/httpserver"
	"github.com/seanebones-lang/prompt-optimizer/internal/adapter/observability"
	"github.com/seanebones-lang/prompt-optimizer/internal/adapter/repo/postgres"
	"github.com/seanebones-lang/prompt-optimizer/internal/app"
	"github.com/seanebones-lang/prompt-optimizer/internal/config"
	"github.com/seanebones-lang/prompt-optimizer/internal/domain"
	"github.com/seanebones-lang/prompt-optimizer/internal/usecase"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)

	if err := cfg.Validate(); err != nil {
		slog.Error("configuration invalid", slog.Any("error", err))
		os.Exit(1)
	}

	observability.InitMetrics()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	ctx := context.Background()

	// Session store is optional; the pipeline runs fully in-process
	// without it.
	var (
		store      domain.SessionStore
		storeCheck func(context.Context) error
	)
	if cfg.DatabaseURL != "" {
		pool, err := postgres.NewPool(ctx, cfg.DatabaseURL)
		if err != nil {
			slog.Error("db connect failed", slog.Any("error", err))
			os.Exit(1)
		}
		defer pool.Close()
		pg := postgres.NewStore(pool)
		if err := pg.Startup(ctx); err != nil {
			slog.Error("schema startup failed", slog.Any("error", err))
			os.Exit(1)
		}
		store = pg
		storeCheck = pg.Ping
	}

	pricing := config.DefaultPricing()
	if cfg.PricingFile != "" {
		pricing, err = config.LoadPricing(cfg.PricingFile)
		if err != nil {
			slog.Error("pricing file invalid", slog.String("path", cfg.PricingFile), slog.Any("error", err))
			os.Exit(1)
		}
	}

	ledger := ai.NewCostLedger(pricing, store)
	ledger.SetBudget(cfg.DailyBudget, cfg.MonthlyBudget)

	cache := ai.NewResponseCache(cfg.CacheSize, cfg.CacheTTL, cfg.CachePersistPath)

	var (
		recordCache      *ai.RecordCache
		recordCacheCheck func(context.Context) error
	)
	if cfg.RedisURL != "" {
		recordCache, err = ai.NewRecordCache(cfg.RedisURL, cfg.RecordCacheTTL)
		if err != nil {
			slog.Error("redis connect failed", slog.Any("error", err))
			os.Exit(1)
		}
		recordCacheCheck = recordCache.Ping
	}

	pool := ai.NewConnectionPool(ai.PoolConfig{
		MaxIdle:        cfg.PoolMaxIdle,
		MaxInFlight:    cfg.PoolMaxInFlight,
		IdleTimeout:    cfg.PoolIdleTimeout,
		AcquireTimeout: cfg.PoolAcquireTimeout,
		RequestTimeout: cfg.RequestTimeout,
	})
	breaker := ai.NewCircuitBreaker(cfg.BreakerFailureThreshold, cfg.BreakerSuccessThreshold, cfg.BreakerOpenTimeout)

	attempts, initial, maxDelay, multiplier := cfg.GetRetryConfig()
	retry := ai.RetryPolicy{
		MaxAttempts:  attempts,
		InitialDelay: initial,
		MaxDelay:     maxDelay,
		Multiplier:   multiplier,
	}

	client := xai.New(cfg, pool, nil)

	agents := usecase.NewRoleAgents(usecase.DefaultRoleConfigs(), client, cache, breaker, retry, ledger)
	optimizer := usecase.NewOptimizer(agents, usecase.OptimizerConfig{
		ParallelCategories: cfg.ParallelCategories,
		ParallelThreshold:  cfg.ParallelThreshold,
		EnableCollections:  cfg.EnableCollections,
		CollectionIDs:      cfg.CollectionIDs,
	}, store, nil, recordCache)

	srv := httpserver.NewServer(cfg, optimizer, breaker, ledger, cache, storeCheck, recordCacheCheck)
	handler := app.BuildRouter(cfg, srv)

	srvHTTP := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           handler,
		ReadTimeout:       cfg.HTTPReadTimeout,
		WriteTimeout:      cfg.HTTPWriteTimeout,
		IdleTimeout:       cfg.HTTPIdleTimeout,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server starting", slog.Int("port", cfg.Port))
		errCh <- srvHTTP.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("shutdown signal received", slog.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", slog.Any("error", err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ServerShutdownTimeout)
	defer cancel()
	_ = srvHTTP.Shutdown(shutdownCtx)
}
