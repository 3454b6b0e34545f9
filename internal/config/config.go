// Package config defines configuration parsing and helpers.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
)

// Config holds all application configuration parsed from environment variables.
type Config struct {
	AppEnv string `env:"APP_ENV" envDefault:"dev"`
	Port   int    `env:"PORT" envDefault:"8080"`

	// Upstream chat-completion endpoint.
	XAIAPIKey      string        `env:"XAI_API_KEY"`
	XAIAPIBase     string        `env:"XAI_API_BASE" envDefault:"https://api.x.ai/v1"`
	XAIModel       string        `env:"XAI_MODEL" envDefault:"grok-2-1212"`
	RequestTimeout time.Duration `env:"REQUEST_TIMEOUT" envDefault:"60s"`

	// SecretKey signs nothing in the core but its absence is a fatal
	// misconfiguration for the deployment, matching the upstream system.
	SecretKey string `env:"SECRET_KEY"`

	DatabaseURL string `env:"DATABASE_URL"`
	RedisURL    string `env:"REDIS_URL"`

	// Optional retrieval collections for the Designer role.
	EnableCollections bool `env:"ENABLE_COLLECTIONS" envDefault:"false"`

	// Response cache.
	CacheSize        int           `env:"CACHE_SIZE" envDefault:"1024"`
	CacheTTL         time.Duration `env:"CACHE_TTL" envDefault:"1h"`
	RecordCacheTTL   time.Duration `env:"RECORD_CACHE_TTL" envDefault:"24h"`
	CachePersistPath string        `env:"CACHE_PERSIST_PATH"`

	// Circuit breaker.
	BreakerFailureThreshold int           `env:"BREAKER_FAILURE_THRESHOLD" envDefault:"5"`
	BreakerSuccessThreshold int           `env:"BREAKER_SUCCESS_THRESHOLD" envDefault:"2"`
	BreakerOpenTimeout      time.Duration `env:"BREAKER_OPEN_TIMEOUT" envDefault:"60s"`

	// Retry Configuration
	RetryMaxAttempts  int           `env:"RETRY_MAX_ATTEMPTS" envDefault:"3"`
	RetryInitialDelay time.Duration `env:"RETRY_INITIAL_DELAY" envDefault:"2s"`
	RetryMaxDelay     time.Duration `env:"RETRY_MAX_DELAY" envDefault:"30s"`
	RetryMultiplier   float64       `env:"RETRY_MULTIPLIER" envDefault:"2.0"`

	// Connection pool.
	PoolMaxIdle        int           `env:"POOL_MAX_IDLE" envDefault:"20"`
	PoolMaxInFlight    int64         `env:"POOL_MAX_IN_FLIGHT" envDefault:"100"`
	PoolIdleTimeout    time.Duration `env:"POOL_IDLE_TIMEOUT" envDefault:"30s"`
	PoolAcquireTimeout time.Duration `env:"POOL_ACQUIRE_TIMEOUT" envDefault:"5s"`

	// Cost ledger.
	PricingFile   string  `env:"PRICING_FILE"`
	DailyBudget   float64 `env:"DAILY_BUDGET_USD" envDefault:"0"`
	MonthlyBudget float64 `env:"MONTHLY_BUDGET_USD" envDefault:"0"`

	// Orchestrator dispatch.
	ParallelCategories []string `env:"PARALLEL_CATEGORIES" envSeparator:"," envDefault:"build_agent,system_prompt,code_generation"`
	ParallelThreshold  int      `env:"PARALLEL_THRESHOLD" envDefault:"500"`

	CORSAllowOrigins      string        `env:"CORS_ALLOW_ORIGINS" envDefault:"*"`
	RateLimitPerMin       int           `env:"RATE_LIMIT_PER_MIN" envDefault:"30"`
	ServerShutdownTimeout time.Duration `env:"SERVER_SHUTDOWN_TIMEOUT" envDefault:"30s"`
	HTTPReadTimeout       time.Duration `env:"HTTP_READ_TIMEOUT" envDefault:"15s"`
	HTTPWriteTimeout      time.Duration `env:"HTTP_WRITE_TIMEOUT" envDefault:"120s"`
	HTTPIdleTimeout       time.Duration `env:"HTTP_IDLE_TIMEOUT" envDefault:"60s"`

	OTLPEndpoint    string `env:"OTEL_EXPORTER_OTLP_ENDPOINT" envDefault:""`
	OTELServiceName string `env:"OTEL_SERVICE_NAME" envDefault:"prompt-optimizer"`

	// CollectionIDs holds COLLECTION_ID_* identifiers keyed by suffix.
	CollectionIDs map[string]string `env:"-"`
}

// Load parses environment variables into a Config.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("op=config.Load: %w", err)
	}
	cfg.CollectionIDs = collectionIDsFromEnv(os.Environ())
	return cfg, nil
}

// collectionIDsFromEnv extracts COLLECTION_ID_* variables; caarlos0/env
// has no wildcard support so these are scanned directly.
func collectionIDsFromEnv(environ []string) map[string]string {
	const prefix = "COLLECTION_ID_"
	out := map[string]string{}
	for _, kv := range environ {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(k, prefix) || v == "" {
			continue
		}
		out[strings.ToLower(strings.TrimPrefix(k, prefix))] = v
	}
	return out
}

// Validate reports fatal misconfiguration. Missing XAI_API_KEY or
// SECRET_KEY aborts startup.
func (c Config) Validate() error {
	if c.XAIAPIKey == "" {
		return fmt.Errorf("%s: XAI_API_KEY is required", "op=config.Validate")
	}
	if c.SecretKey == "" {
		return fmt.Errorf("%s: SECRET_KEY is required", "op=config.Validate")
	}
	return nil
}

// IsDev reports whether the app is running in development mode.
func (c Config) IsDev() bool { return strings.ToLower(c.AppEnv) == "dev" }

// IsProd reports whether the app is running in production mode.
func (c Config) IsProd() bool { return strings.ToLower(c.AppEnv) == "prod" }

// IsTest reports whether the app is running in test mode.
func (c Config) IsTest() bool { return strings.ToLower(c.AppEnv) == "test" }

// GetRetryConfig returns retry configuration appropriate for the current
// environment. Test environments use much shorter delays.
func (c Config) GetRetryConfig() (maxAttempts int, initialDelay, maxDelay time.Duration, multiplier float64) {
	if c.IsTest() {
		return c.RetryMaxAttempts, 10 * time.Millisecond, 100 * time.Millisecond, 2.0
	}
	return c.RetryMaxAttempts, c.RetryInitialDelay, c.RetryMaxDelay, c.RetryMultiplier
}
