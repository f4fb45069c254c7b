package reputation

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	recordTTL = 30 * 24 * time.Hour
	// CacheTTL is how long a loaded record stays valid in the in-memory
	// cache before a lookup falls through to Redis again. Exported so
	// the coordinator's cleanup tick can prune cache entries at a
	// multiple of it without duplicating the constant.
	CacheTTL         = 15 * time.Minute
	defaultKeyPrefix = "protectcore:reputation:"
)

type cacheEntry struct {
	record  Record
	cachedAt time.Time
}

// Engine is the reputation lookup/update surface. It caches recently
// read records in memory for CacheTTL to avoid a Redis round trip on
// every request, the same shortcut session.RedisStore takes with its
// local killChans map.
type Engine struct {
	client    *redis.Client
	keyPrefix string

	mu    sync.Mutex
	cache map[string]cacheEntry
}

// New wires an Engine to an existing Redis client. client may be nil,
// in which case records live only in the in-memory cache, and a record
// neither read nor updated for CacheTTL is replaced by a fresh neutral
// one on the next lookup.
func New(client *redis.Client, keyPrefix string) *Engine {
	if keyPrefix == "" {
		keyPrefix = defaultKeyPrefix
	}
	return &Engine{
		client:    client,
		keyPrefix: keyPrefix,
		cache:     make(map[string]cacheEntry),
	}
}

func (e *Engine) key(clientID string) string {
	return e.keyPrefix + clientID
}

// Get returns the current assessment for a client, loading from cache,
// then Redis, then creating a fresh neutral record as a last resort.
func (e *Engine) Get(ctx context.Context, clientID string) Assessment {
	now := time.Now()
	r := e.load(ctx, clientID, now)
	r = recoverTowardCeiling(r, now)
	return e.toAssessment(r)
}

// RecordEvent applies one behavioral event to a client's reputation and
// persists the result.
func (e *Engine) RecordEvent(ctx context.Context, clientID string, kind EventKind) Assessment {
	now := time.Now()
	r := e.load(ctx, clientID, now)
	r = recoverTowardCeiling(r, now)

	previous := r.Composite()
	r = applyEvent(r, kind, now)
	r.PreviousComposite = previous
	r.LastUpdated = now

	e.store(ctx, clientID, r)
	return e.toAssessment(r)
}

func (e *Engine) toAssessment(r Record) Assessment {
	composite := r.Composite()
	return Assessment{
		Record: r,
		Level:  levelFromScore(composite),
		Trend:  trendFromEvents(r.Events),
	}
}

func (e *Engine) load(ctx context.Context, clientID string, now time.Time) Record {
	e.mu.Lock()
	if entry, ok := e.cache[clientID]; ok && now.Sub(entry.cachedAt) < CacheTTL {
		e.mu.Unlock()
		return entry.record
	}
	e.mu.Unlock()

	if e.client != nil {
		raw, err := e.client.Get(ctx, e.key(clientID)).Result()
		if err == nil {
			var r Record
			if jsonErr := json.Unmarshal([]byte(raw), &r); jsonErr == nil {
				e.putCache(clientID, r, now)
				return r
			}
		}
	}

	r := newRecord(clientID, now)
	e.putCache(clientID, r, now)
	return r
}

func (e *Engine) store(ctx context.Context, clientID string, r Record) {
	e.putCache(clientID, r, r.LastUpdated)

	if e.client == nil {
		return
	}
	data, err := json.Marshal(r)
	if err != nil {
		return
	}
	e.client.Set(ctx, e.key(clientID), data, recordTTL)
}

func (e *Engine) putCache(clientID string, r Record, now time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cache[clientID] = cacheEntry{record: r, cachedAt: now}
}

// InvalidateCache drops a client's cached record, forcing the next Get
// or RecordEvent to reload from Redis.
func (e *Engine) InvalidateCache(clientID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.cache, clientID)
}

// CacheSize reports how many records currently sit in the in-memory
// cache, for monitoring.
func (e *Engine) CacheSize() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.cache)
}

// PruneCache evicts cache entries older than maxAge, driven by the
// coordinator's cleanup tick. Records themselves still live in Redis
// under their own TTL; this only bounds the in-memory cache's size.
func (e *Engine) PruneCache(maxAge time.Duration) int {
	now := time.Now()
	e.mu.Lock()
	defer e.mu.Unlock()
	pruned := 0
	for clientID, entry := range e.cache {
		if now.Sub(entry.cachedAt) > maxAge {
			delete(e.cache, clientID)
			pruned++
		}
	}
	return pruned
}
