package ai

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/semaphore"

	"github.com/seanebones-lang/prompt-optimizer/internal/adapter/observability"
	"github.com/seanebones-lang/prompt-optimizer/internal/domain"
)

// PoolConfig tunes the shared upstream HTTP client.
type PoolConfig struct {
	MaxIdle        int
	MaxInFlight    int64
	IdleTimeout    time.Duration
	AcquireTimeout time.Duration
	RequestTimeout time.Duration
}

// DefaultPoolConfig returns the contract values: 20 idle keep-alive
// connections, 100 in-flight, 30s idle expiry, 5s acquisition wait.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		MaxIdle:        20,
		MaxInFlight:    100,
		IdleTimeout:    30 * time.Second,
		AcquireTimeout: 5 * time.Second,
		RequestTimeout: 60 * time.Second,
	}
}

// ConnectionPool is the process-wide singleton around one HTTP client.
// Concurrent callers share keep-alive connections; exhaustion of the
// in-flight bound blocks up to AcquireTimeout then fails with a typed
// pool timeout.
type ConnectionPool struct {
	hc      *http.Client
	sem     *semaphore.Weighted
	acquire time.Duration
}

// NewConnectionPool builds the pool. HTTP/1.1 only; connect budget 10s.
func NewConnectionPool(cfg PoolConfig) *ConnectionPool {
	transport := &http.Transport{
		MaxIdleConns:        cfg.MaxIdle,
		MaxIdleConnsPerHost: cfg.MaxIdle,
		IdleConnTimeout:     cfg.IdleTimeout,
		ForceAttemptHTTP2:   false,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		ResponseHeaderTimeout: 60 * time.Second,
	}
	return &ConnectionPool{
		hc: &http.Client{
			Transport: otelhttp.NewTransport(transport),
			Timeout:   cfg.RequestTimeout,
		},
		sem:     semaphore.NewWeighted(cfg.MaxInFlight),
		acquire: cfg.AcquireTimeout,
	}
}

// Send executes one request under the in-flight bound. The slot is held
// until the response body is closed, so streaming readers count against
// the bound for their full lifetime.
func (p *ConnectionPool) Send(req *http.Request) (*http.Response, error) {
	acquireCtx, cancel := context.WithTimeout(req.Context(), p.acquire)
	defer cancel()
	if err := p.sem.Acquire(acquireCtx, 1); err != nil {
		if cause := req.Context().Err(); cause != nil {
			return nil, fmt.Errorf("pool acquire aborted: %w", cause)
		}
		return nil, fmt.Errorf("%w: pool saturated", domain.ErrPoolTimeout)
	}
	observability.OpenConnections.Inc()
	release := func() {
		p.sem.Release(1)
		observability.OpenConnections.Dec()
	}
	resp, err := p.hc.Do(req)
	if err != nil {
		release()
		return nil, err
	}
	resp.Body = &releasingBody{ReadCloser: resp.Body, release: release}
	return resp, nil
}

// releasingBody returns the in-flight slot exactly once, on body close.
type releasingBody struct {
	io.ReadCloser
	release func()
	once    sync.Once
}

func (b *releasingBody) Close() error {
	err := b.ReadCloser.Close()
	b.once.Do(b.release)
	return err
}
