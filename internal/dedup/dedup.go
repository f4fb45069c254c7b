// Package dedup detects and suppresses near-identical repeat requests
// using the hasher's content fingerprint, check-and-set against Redis
// the same way the session store does a Get-then-Put, generalized to
// an atomic SETNX so two concurrent requests with the same fingerprint
// never both see "not a duplicate".
package dedup

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"protectcore/internal/hasher"
)

// PoliteDuplicateMessage is returned verbatim (status 200) on a
// duplicate hit with no cached response body, so callers cannot
// distinguish "dedup suppressed this" from "the backend produced this"
// by response shape alone.
const PoliteDuplicateMessage = `{"message":"Your request is already being processed. Please wait a moment before retrying."}`

// Result describes the outcome of a Check.
type Result struct {
	IsDuplicate    bool
	CachedResponse []byte // non-nil only when a response was cached and is being replayed
	OriginalSeenAt time.Time
}

// EndpointPolicy configures TTL and caching behavior per endpoint class.
type EndpointPolicy struct {
	TTL          time.Duration
	CacheEnabled bool
}

// DefaultPolicy is used for endpoints with no specific entry.
var DefaultPolicy = EndpointPolicy{TTL: 300 * time.Second, CacheEnabled: false}

// AgentQueryPolicy and TitleGenerationPolicy carry the per-endpoint TTLs
// for agent queries (60s) and title generation (300s).
var (
	AgentQueryPolicy     = EndpointPolicy{TTL: 60 * time.Second, CacheEnabled: true}
	TitleGenerationPolicy = EndpointPolicy{TTL: 300 * time.Second, CacheEnabled: false}
)

// staticPathPrefixes and healthCheckPaths bypass dedup entirely, per
// the skip rules below.
var staticPathPrefixes = []string{"/static/", "/assets/", "/favicon.ico"}

func isHealthCheck(path string) bool {
	p := strings.ToLower(path)
	return p == "/health" || strings.HasPrefix(p, "/health/") || p == "/healthz" || p == "/ping"
}

func isStaticPath(path string) bool {
	p := strings.ToLower(path)
	for _, prefix := range staticPathPrefixes {
		if strings.HasPrefix(p, prefix) {
			return true
		}
	}
	return false
}

// ShouldSkip reports whether a request bypasses deduplication
// altogether: GET methods, health checks, static paths, and multipart
// uploads are independent or idempotent and never deduplicated.
func ShouldSkip(method, path, contentType string) bool {
	if method == http.MethodGet {
		return true
	}
	if isHealthCheck(path) || isStaticPath(path) {
		return true
	}
	if strings.HasPrefix(strings.ToLower(contentType), "multipart/") {
		return true
	}
	return false
}

// Deduplicator checks and records fingerprints against Redis, falling
// back to an in-memory map per the configured degradation policy.
type Deduplicator struct {
	client    *redis.Client
	keyPrefix string
	failOpen  bool
	fallback  *memoryDedup
}

// New creates a Deduplicator. client may be nil to force fallback mode.
func New(client *redis.Client, keyPrefix string, failOpen bool) *Deduplicator {
	if keyPrefix == "" {
		keyPrefix = "protectcore:"
	}
	return &Deduplicator{
		client:    client,
		keyPrefix: keyPrefix,
		failOpen:  failOpen,
		fallback:  newMemoryDedup(),
	}
}

func (d *Deduplicator) dedupKey(fp hasher.Digest) string {
	return fmt.Sprintf("%sdedup:%s", d.keyPrefix, fp)
}

func (d *Deduplicator) responseKey(fp hasher.Digest) string {
	return d.dedupKey(fp) + ":response"
}

// Check performs the atomic check-and-set. When it is not a duplicate,
// the fingerprint is recorded immediately so a second concurrent
// request with the same fingerprint is caught even before the first
// completes.
func (d *Deduplicator) Check(ctx context.Context, fp hasher.Digest, policy EndpointPolicy) (Result, error) {
	if d.client == nil {
		return d.fallback.check(fp, policy), nil
	}

	now := time.Now()
	ok, err := d.client.SetNX(ctx, d.dedupKey(fp), now.Unix(), policy.TTL).Result()
	if err != nil {
		slog.Warn("dedup falling back to memory store", "error", err, "fail_open", d.failOpen)
		if !d.failOpen {
			return Result{}, fmt.Errorf("dedup: redis unavailable and fail-closed configured: %w", err)
		}
		return d.fallback.check(fp, policy), nil
	}
	if ok {
		// We won the race: not a duplicate.
		return Result{IsDuplicate: false}, nil
	}

	// Key already existed: duplicate. Look up original timestamp and any cached response.
	originalUnix, _ := d.client.Get(ctx, d.dedupKey(fp)).Int64()
	result := Result{IsDuplicate: true, OriginalSeenAt: time.Unix(originalUnix, 0)}

	if policy.CacheEnabled {
		if body, err := d.client.Get(ctx, d.responseKey(fp)).Bytes(); err == nil {
			result.CachedResponse = body
		}
	}
	return result, nil
}

// StoreResponse caches a completed 200 response body for replay to
// later duplicate hits, opt-in per endpoint.
func (d *Deduplicator) StoreResponse(ctx context.Context, fp hasher.Digest, body []byte, policy EndpointPolicy) error {
	if !policy.CacheEnabled {
		return nil
	}
	if d.client == nil {
		d.fallback.storeResponse(fp, body, policy)
		return nil
	}
	if err := d.client.Set(ctx, d.responseKey(fp), body, policy.TTL).Err(); err != nil {
		return fmt.Errorf("dedup: store response: %w", err)
	}
	return nil
}

// FallbackActive reports whether this Deduplicator is currently running
// without Redis, serving every Check from the in-memory fallback map.
func (d *Deduplicator) FallbackActive() bool {
	return d.client == nil
}

// PruneExpired clears expired entries from the in-memory fallback map
// ahead of its own ticker, driven by the coordinator's cleanup tick. A
// no-op when Redis is the active backend, since Redis keys expire on
// their own TTL.
func (d *Deduplicator) PruneExpired() int {
	return d.fallback.pruneExpired()
}

// Close releases the fallback cleanup goroutine.
func (d *Deduplicator) Close() error {
	return d.fallback.Close()
}
