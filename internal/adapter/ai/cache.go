package ai

import (
	"container/list"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/seanebones-lang/prompt-optimizer/internal/adapter/observability"
	"github.com/seanebones-lang/prompt-optimizer/internal/domain"
)

// Fingerprint is the cache key: SHA-256 over role || NUL || user || NUL || system.
func Fingerprint(role, userPrompt, systemPrompt string) string {
	h := sha256.New()
	h.Write([]byte(role))
	h.Write([]byte{0})
	h.Write([]byte(userPrompt))
	h.Write([]byte{0})
	h.Write([]byte(systemPrompt))
	return hex.EncodeToString(h.Sum(nil))
}

type cacheEntry struct {
	Key        string            `json:"key"`
	Value      domain.RoleOutput `json:"value"`
	InsertedAt time.Time         `json:"inserted_at"`
	TTLSeconds int64             `json:"ttl_seconds"`
}

func (e cacheEntry) expired(now time.Time) bool {
	return now.Sub(e.InsertedAt) >= time.Duration(e.TTLSeconds)*time.Second
}

// CacheStats is a snapshot of cache counters.
type CacheStats struct {
	Size     int   `json:"size"`
	Capacity int   `json:"capacity"`
	Hits     int64 `json:"hits"`
	Misses   int64 `json:"misses"`
}

// ResponseCache is a thread-safe bounded LRU with per-entry TTL over
// fingerprinted role outputs. When persistPath is set, a best-effort JSON
// snapshot is written after each mutation and reloaded at startup.
type ResponseCache struct {
	mu          sync.Mutex
	capacity    int
	defaultTTL  time.Duration
	entries     map[string]*list.Element
	order       *list.List // front = most recently used
	hits        int64
	misses      int64
	persistPath string
	now         func() time.Time
}

// NewResponseCache constructs the cache and loads any snapshot at
// persistPath, purging stale entries. A corrupt or missing snapshot is
// logged and ignored.
func NewResponseCache(capacity int, defaultTTL time.Duration, persistPath string) *ResponseCache {
	if capacity <= 0 {
		capacity = 1024
	}
	c := &ResponseCache{
		capacity:    capacity,
		defaultTTL:  defaultTTL,
		entries:     make(map[string]*list.Element, capacity),
		order:       list.New(),
		persistPath: persistPath,
		now:         time.Now,
	}
	if persistPath != "" {
		c.loadSnapshot()
	}
	return c
}

// Get returns the cached output for key. Expired entries are removed and
// reported as misses.
func (c *ResponseCache) Get(key string) (domain.RoleOutput, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.entries[key]
	if !ok {
		c.misses++
		observability.APICacheHitsTotal.WithLabelValues("miss").Inc()
		return domain.RoleOutput{}, false
	}
	entry := el.Value.(cacheEntry)
	if entry.expired(c.now()) {
		c.order.Remove(el)
		delete(c.entries, key)
		c.misses++
		observability.APICacheHitsTotal.WithLabelValues("miss").Inc()
		return domain.RoleOutput{}, false
	}
	c.order.MoveToFront(el)
	c.hits++
	observability.APICacheHitsTotal.WithLabelValues("hit").Inc()
	return entry.Value, true
}

// Put stores value under key. At capacity the least-recently-used entry
// is evicted first. ttl <= 0 uses the default TTL.
func (c *ResponseCache) Put(key string, value domain.RoleOutput, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.defaultTTL
	}
	c.mu.Lock()
	entry := cacheEntry{Key: key, Value: value, InsertedAt: c.now(), TTLSeconds: int64(ttl.Seconds())}
	if el, ok := c.entries[key]; ok {
		el.Value = entry
		c.order.MoveToFront(el)
	} else {
		if c.order.Len() >= c.capacity {
			oldest := c.order.Back()
			if oldest != nil {
				c.order.Remove(oldest)
				delete(c.entries, oldest.Value.(cacheEntry).Key)
			}
		}
		c.entries[key] = c.order.PushFront(entry)
	}
	snapshot := c.snapshotLocked()
	c.mu.Unlock()

	if c.persistPath != "" {
		c.writeSnapshot(snapshot)
	}
}

// Delete removes key if present.
func (c *ResponseCache) Delete(key string) {
	c.mu.Lock()
	if el, ok := c.entries[key]; ok {
		c.order.Remove(el)
		delete(c.entries, key)
	}
	snapshot := c.snapshotLocked()
	c.mu.Unlock()

	if c.persistPath != "" {
		c.writeSnapshot(snapshot)
	}
}

// Stats returns hit/miss counters and occupancy.
func (c *ResponseCache) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return CacheStats{Size: c.order.Len(), Capacity: c.capacity, Hits: c.hits, Misses: c.misses}
}

func (c *ResponseCache) snapshotLocked() []cacheEntry {
	if c.persistPath == "" {
		return nil
	}
	out := make([]cacheEntry, 0, c.order.Len())
	for el := c.order.Back(); el != nil; el = el.Prev() {
		out = append(out, el.Value.(cacheEntry))
	}
	return out
}

// writeSnapshot is best-effort, at most once per mutation. Failures are
// logged, never surfaced.
func (c *ResponseCache) writeSnapshot(entries []cacheEntry) {
	b, err := json.Marshal(entries)
	if err != nil {
		slog.Warn("cache snapshot marshal failed", slog.Any("error", err))
		return
	}
	tmp := c.persistPath + ".tmp"
	if err := os.MkdirAll(filepath.Dir(c.persistPath), 0o755); err != nil {
		slog.Warn("cache snapshot dir failed", slog.Any("error", err))
		return
	}
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		slog.Warn("cache snapshot write failed", slog.Any("error", err))
		return
	}
	if err := os.Rename(tmp, c.persistPath); err != nil {
		slog.Warn("cache snapshot rename failed", slog.Any("error", err))
	}
}

func (c *ResponseCache) loadSnapshot() {
	b, err := os.ReadFile(c.persistPath)
	if err != nil {
		if !os.IsNotExist(err) {
			slog.Warn("cache snapshot read failed", slog.Any("error", err))
		}
		return
	}
	var entries []cacheEntry
	if err := json.Unmarshal(b, &entries); err != nil {
		slog.Warn("cache snapshot corrupt; ignoring", slog.Any("error", err))
		return
	}
	now := c.now()
	loaded := 0
	for _, e := range entries {
		if e.expired(now) || e.Key == "" {
			continue
		}
		if c.order.Len() >= c.capacity {
			break
		}
		c.entries[e.Key] = c.order.PushFront(e)
		loaded++
	}
	slog.Info("response cache snapshot loaded",
		slog.Int("entries", loaded),
		slog.String("path", c.persistPath))
}
