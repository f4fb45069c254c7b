package ratelimit

import (
	"sync"
	"time"

	"protectcore/internal/settings"
)

// bucket is the process-local fallback state: a count, the time the
// window resets, and the violation count used for penalty escalation.
type bucket struct {
	count      int64
	resetTime  time.Time
	violations int64
}

// memoryLimiter is the in-memory fallback used when Redis is
// unreachable and fail-open is configured. State is process-local and
// lost on restart by design — the fallback contract does not promise
// cross-instance or cross-restart consistency.
type memoryLimiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	stop    chan struct{}
	once    sync.Once
}

func newMemoryLimiter() *memoryLimiter {
	m := &memoryLimiter{
		buckets: make(map[string]*bucket),
		stop:    make(chan struct{}),
	}
	go m.scavenge()
	return m
}

func (m *memoryLimiter) scavenge() {
	ticker := time.NewTicker(60 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			now := time.Now()
			m.mu.Lock()
			for k, b := range m.buckets {
				if now.After(b.resetTime) {
					delete(m.buckets, k)
				}
			}
			m.mu.Unlock()
		}
	}
}

func (m *memoryLimiter) Close() error {
	m.once.Do(func() { close(m.stop) })
	return nil
}

func (l *Limiter) checkFallback(key, limitType string, rule settings.RateLimitRule) (Result, error) {
	bucketKey := l.bucketKey(limitType, key)
	fb := l.fallback

	fb.mu.Lock()
	defer fb.mu.Unlock()

	now := time.Now()
	b, ok := fb.buckets[bucketKey]
	if !ok || now.After(b.resetTime) {
		b = &bucket{resetTime: now.Add(rule.Window)}
		fb.buckets[bucketKey] = b
	}

	if b.count >= int64(rule.Limit) {
		b.violations++
		return Result{
			Allowed:      false,
			CurrentCount: b.count,
			Limit:        int64(rule.Limit),
			ResetTime:    b.resetTime,
			RetryAfter:   retryAfterFor(rule.Window, b.violations),
		}, nil
	}

	b.count++
	return Result{
		Allowed:      true,
		CurrentCount: b.count,
		Limit:        int64(rule.Limit),
		ResetTime:    b.resetTime,
	}, nil
}
