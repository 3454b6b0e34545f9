package observability

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"route", "method", "status"},
	)
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"route", "method"},
	)

	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "api_requests_total",
			Help: "Total number of upstream chat-completion requests by operation",
		},
		[]string{"operation", "outcome"},
	)
	APICacheHitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "api_cache_hits_total",
			Help: "Total number of response cache hits and misses",
		},
		[]string{"result"},
	)
	CircuitOpensTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "circuit_opens_total",
			Help: "Total number of circuit breaker open transitions",
		},
	)
	RetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "retries_total",
			Help: "Total number of retry attempts by operation",
		},
		[]string{"operation"},
	)

	OpenConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "open_connections",
			Help: "Number of in-flight upstream requests held by the pool",
		},
	)
	CircuitState = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "circuit_state",
			Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		},
	)

	RoleDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "role_call_duration_seconds",
			Help:    "Role agent call duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"role"},
	)
	OptimizationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "optimization_duration_seconds",
			Help:    "End-to-end optimization request duration in seconds",
			Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		},
		[]string{"mode"},
	)
	QualityScoreHistogram = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "optimization_quality_score",
			Help:    "Distribution of quality_score ([0,100])",
			Buckets: []float64{0, 10, 20, 30, 40, 50, 60, 70, 80, 90, 100},
		},
	)
	CostUSDTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cost_usd_total",
			Help: "Accumulated upstream cost in USD by model",
		},
		[]string{"model"},
	)
)

// InitMetrics registers all Prometheus metrics once per process.
func InitMetrics() {
	prometheus.MustRegister(HTTPRequestsTotal)
	prometheus.MustRegister(HTTPRequestDuration)
	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APICacheHitsTotal)
	prometheus.MustRegister(CircuitOpensTotal)
	prometheus.MustRegister(RetriesTotal)
	prometheus.MustRegister(OpenConnections)
	prometheus.MustRegister(CircuitState)
	prometheus.MustRegister(RoleDuration)
	prometheus.MustRegister(OptimizationDuration)
	prometheus.MustRegister(QualityScoreHistogram)
	prometheus.MustRegister(CostUSDTotal)
}

// HTTPMetricsMiddleware records request counts and latency per route.
func HTTPMetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := chi.RouteContext(r.Context()).RoutePattern()
		if route == "" {
			route = r.URL.Path
		}
		HTTPRequestsTotal.WithLabelValues(route, r.Method, http.StatusText(ww.Status())).Inc()
		HTTPRequestDuration.WithLabelValues(route, r.Method).Observe(time.Since(start).Seconds())
	})
}
