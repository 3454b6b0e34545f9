package ai

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/seanebones-lang/prompt-optimizer/internal/domain"
)

// RecordCache stores completed optimization records keyed by the
// fingerprint of their input. It is an optional tier; a nil *RecordCache
// is safe to call and always misses.
type RecordCache struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewRecordCache connects to Redis at url. Returns nil (disabled) when
// url is empty.
func NewRecordCache(url string, ttl time.Duration) (*RecordCache, error) {
	if url == "" {
		return nil, nil
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("op=ai.NewRecordCache: %w", err)
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RecordCache{rdb: redis.NewClient(opts), ttl: ttl}, nil
}

func recordKey(fingerprint string) string { return "optrec:" + fingerprint }

// Get returns a cached record, or ok=false on miss or any Redis error.
func (rc *RecordCache) Get(ctx context.Context, fingerprint string) (domain.OptimizationRecord, bool) {
	if rc == nil {
		return domain.OptimizationRecord{}, false
	}
	b, err := rc.rdb.Get(ctx, recordKey(fingerprint)).Bytes()
	if err != nil {
		if err != redis.Nil {
			slog.Warn("record cache get failed", slog.Any("error", err))
		}
		return domain.OptimizationRecord{}, false
	}
	var rec domain.OptimizationRecord
	if err := json.Unmarshal(b, &rec); err != nil {
		slog.Warn("record cache entry corrupt; dropping", slog.Any("error", err))
		_ = rc.rdb.Del(ctx, recordKey(fingerprint)).Err()
		return domain.OptimizationRecord{}, false
	}
	return rec, true
}

// Put stores rec best-effort. Only fully successful records are worth
// caching; callers skip records with errors.
func (rc *RecordCache) Put(ctx context.Context, fingerprint string, rec domain.OptimizationRecord) {
	if rc == nil {
		return
	}
	b, err := json.Marshal(rec)
	if err != nil {
		return
	}
	if err := rc.rdb.Set(ctx, recordKey(fingerprint), b, rc.ttl).Err(); err != nil {
		slog.Warn("record cache put failed", slog.Any("error", err))
	}
}

// Ping checks connectivity for readiness probes.
func (rc *RecordCache) Ping(ctx context.Context) error {
	if rc == nil {
		return nil
	}
	return rc.rdb.Ping(ctx).Err()
}
