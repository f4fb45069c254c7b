// Package ratelimit implements the sliding-window rate limiter with
// progressive penalties used by the protection core. The atomic
// check-and-increment is a server-side Lua script, run against the
// same go-redis client idiom the session store uses.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"protectcore/internal/settings"
)

// ExceededError is returned on denial and carries everything the
// external interface needs to build a 429 response.
type ExceededError struct {
	LimitType  string
	Current    int64
	Limit      int64
	RetryAfter time.Duration
}

func (e *ExceededError) Error() string {
	return fmt.Sprintf("rate limit exceeded: %s (%d/%d), retry after %s", e.LimitType, e.Current, e.Limit, e.RetryAfter)
}

// Result is returned on every check, allowed or not.
type Result struct {
	Allowed      bool
	CurrentCount int64
	Limit        int64
	RetryAfter   time.Duration
	ResetTime    time.Time
}

// slidingWindowScript evicts expired entries, counts the window, and
// conditionally admits the new entry — all inside one atomic Redis
// script, so no read-modify-write race is possible between concurrent
// clients sharing a bucket. Adapted from the pack's
// distributed_rate_limiter.go sliding-window Lua script.
var slidingWindowScript = redis.NewScript(`
local key = KEYS[1]
local limit = tonumber(ARGV[1])
local window_start = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local window_seconds = tonumber(ARGV[4])
local member = ARGV[5]

redis.call('ZREMRANGEBYSCORE', key, 0, window_start)
local current = redis.call('ZCARD', key)

local allowed = 0
if current < limit then
	redis.call('ZADD', key, now, member)
	allowed = 1
	current = current + 1
end

redis.call('EXPIRE', key, window_seconds + 60)
return {allowed, current}
`)

// penaltyMultiplier implements the 1/2/4/8/16 escalation ladder.
func penaltyMultiplier(violationCount int64) int64 {
	switch {
	case violationCount <= 1:
		return 1
	case violationCount == 2:
		return 2
	case violationCount == 3:
		return 4
	case violationCount == 4:
		return 8
	default:
		return 16
	}
}

const maxRetryAfter = 300 * time.Second

// Limiter enforces sliding-window limits per named bucket, backed by
// Redis when available and an in-memory fallback per the configured
// degradation policy when it is not.
type Limiter struct {
	client    *redis.Client
	keyPrefix string
	rules     map[string]settings.RateLimitRule
	failOpen  bool

	fallback *memoryLimiter
	degraded bool
	mu       sync.RWMutex
}

// New creates a Limiter. client may be nil, in which case every check
// uses the in-memory fallback immediately (useful for tests and for
// deployments that intentionally run without Redis).
func New(client *redis.Client, keyPrefix string, s *settings.Settings) *Limiter {
	if keyPrefix == "" {
		keyPrefix = "protectcore:"
	}
	return &Limiter{
		client:    client,
		keyPrefix: keyPrefix,
		rules:     s.RateLimits,
		failOpen:  s.FailOpen == settings.FailOpen,
		fallback:  newMemoryLimiter(),
	}
}

// Check advances the counter for key under limitType iff it would not
// exceed the limit, returning a Result describing the decision.
// Result.Allowed is false on denial; the returned error is non-nil only
// when the backing store itself could not be reached. Callers that need
// an *ExceededError for an HTTP response can build one from the Result
// via AsExceededError.
func (l *Limiter) Check(ctx context.Context, key, limitType string) (Result, error) {
	rule, ok := l.rules[limitType]
	if !ok || !rule.Enabled {
		return Result{Allowed: true}, nil
	}

	if l.client == nil {
		return l.checkFallback(key, limitType, rule)
	}

	res, err := l.checkRedis(ctx, key, limitType, rule)
	if err != nil {
		l.mu.Lock()
		if !l.degraded {
			l.degraded = true
			slog.Warn("rate limiter falling back to memory store", "error", err, "fail_open", l.failOpen)
		}
		l.mu.Unlock()

		if !l.failOpen {
			return Result{}, fmt.Errorf("rate limiter: redis unavailable and fail-closed configured: %w", err)
		}
		return l.checkFallback(key, limitType, rule)
	}

	l.mu.Lock()
	l.degraded = false
	l.mu.Unlock()
	return res, nil
}

func (l *Limiter) bucketKey(limitType, key string) string {
	return fmt.Sprintf("%s%s:%s", l.keyPrefix, limitType, key)
}

func (l *Limiter) violationKey(limitType, key string) string {
	return fmt.Sprintf("%s%s:%s:violations", l.keyPrefix, limitType, key)
}

func (l *Limiter) checkRedis(ctx context.Context, key, limitType string, rule settings.RateLimitRule) (Result, error) {
	now := time.Now()
	windowStart := now.Add(-rule.Window)
	member := fmt.Sprintf("%d-%d", now.UnixNano(), rand.Int63())

	bucketKey := l.bucketKey(limitType, key)
	res, err := slidingWindowScript.Run(ctx, l.client, []string{bucketKey},
		rule.Limit, windowStart.UnixMilli(), now.UnixMilli(), int(rule.Window.Seconds()), member,
	).Result()
	if err != nil {
		return Result{}, fmt.Errorf("sliding window script: %w", err)
	}

	vals, ok := res.([]any)
	if !ok || len(vals) != 2 {
		return Result{}, errors.New("sliding window script: unexpected result shape")
	}
	allowed := toInt64(vals[0]) == 1
	current := toInt64(vals[1])

	result := Result{
		Allowed:      allowed,
		CurrentCount: current,
		Limit:        int64(rule.Limit),
		ResetTime:    now.Add(rule.Window),
	}

	if !allowed {
		violations, err := l.client.Incr(ctx, l.violationKey(limitType, key)).Result()
		if err == nil {
			l.client.Expire(ctx, l.violationKey(limitType, key), 4*rule.Window)
		} else {
			violations = 1
		}
		result.RetryAfter = retryAfterFor(rule.Window, violations)
	}

	return result, nil
}

func retryAfterFor(window time.Duration, violationCount int64) time.Duration {
	multiplier := penaltyMultiplier(violationCount)
	jitter := 1 + rand.Float64()*0.1
	retryAfter := time.Duration(float64(window) * float64(multiplier) * jitter)
	if retryAfter > maxRetryAfter {
		retryAfter = maxRetryAfter
	}
	return retryAfter
}

func toInt64(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	default:
		return 0
	}
}

// AsExceededError builds the exported error type for a denied Result.
func AsExceededError(limitType string, res Result) *ExceededError {
	return &ExceededError{
		LimitType:  limitType,
		Current:    res.CurrentCount,
		Limit:      res.Limit,
		RetryAfter: res.RetryAfter,
	}
}

// Close releases the fallback scavenger goroutine.
func (l *Limiter) Close() error {
	return l.fallback.Close()
}
