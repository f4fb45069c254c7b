package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"protectcore/internal/settings"
)

func testSettings(limit int, window time.Duration) *settings.Settings {
	return &settings.Settings{
		FailOpen: settings.FailOpen,
		RateLimits: map[string]settings.RateLimitRule{
			"per_session": {Name: "per_session", Limit: limit, Window: window, Enabled: true},
		},
	}
}

func TestCheckAllowsUnderLimit(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run: %v", err)
	}
	defer mr.Close()
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	l := New(client, "test:", testSettings(10, 60*time.Second))
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		res, err := l.Check(ctx, "s1", "per_session")
		if err != nil {
			t.Fatalf("Check: %v", err)
		}
		if !res.Allowed {
			t.Fatalf("request %d should be allowed, got denied at count %d", i+1, res.CurrentCount)
		}
	}
}

func TestCheckDeniesOverLimit(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run: %v", err)
	}
	defer mr.Close()
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	l := New(client, "test:", testSettings(10, 60*time.Second))
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		if _, err := l.Check(ctx, "s1", "per_session"); err != nil {
			t.Fatalf("Check: %v", err)
		}
	}

	res, err := l.Check(ctx, "s1", "per_session")
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if res.Allowed {
		t.Fatal("11th request should be denied")
	}
	if res.RetryAfter < 50*time.Second || res.RetryAfter > 66*time.Second {
		t.Errorf("RetryAfter = %v; want roughly the 60s window with jitter", res.RetryAfter)
	}
}

func TestCheckPenaltyEscalates(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run: %v", err)
	}
	defer mr.Close()
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	l := New(client, "test:", testSettings(1, 60*time.Second))
	ctx := context.Background()

	if _, err := l.Check(ctx, "s1", "per_session"); err != nil {
		t.Fatalf("Check: %v", err)
	}

	first, err := l.Check(ctx, "s1", "per_session")
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	second, err := l.Check(ctx, "s1", "per_session")
	if err != nil {
		t.Fatalf("Check: %v", err)
	}

	if second.RetryAfter <= first.RetryAfter {
		t.Errorf("expected escalating retry-after: first=%v second=%v", first.RetryAfter, second.RetryAfter)
	}
}

func TestCheckCardinalityUnderConcurrency(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run: %v", err)
	}
	defer mr.Close()
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	l := New(client, "test:", testSettings(20, 60*time.Second))
	ctx := context.Background()

	var wg sync.WaitGroup
	var mu sync.Mutex
	allowed := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := l.Check(ctx, "s1", "per_session")
			if err != nil {
				t.Error(err)
				return
			}
			if res.Allowed {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if allowed != 20 {
		t.Errorf("allowed = %d under 50 concurrent clients; want exactly 20 (the limit)", allowed)
	}
}

func TestFallbackUsedWhenNoClient(t *testing.T) {
	l := New(nil, "test:", testSettings(2, time.Minute))
	defer l.Close()
	ctx := context.Background()

	if res, err := l.Check(ctx, "s1", "per_session"); err != nil || !res.Allowed {
		t.Fatalf("Check 1: res=%+v err=%v", res, err)
	}
	if res, err := l.Check(ctx, "s1", "per_session"); err != nil || !res.Allowed {
		t.Fatalf("Check 2: res=%+v err=%v", res, err)
	}
	res, err := l.Check(ctx, "s1", "per_session")
	if err != nil {
		t.Fatalf("Check 3: %v", err)
	}
	if res.Allowed {
		t.Fatal("3rd request should be denied by fallback limiter")
	}
}

func TestFailClosedReturnsErrorWhenRedisUnavailable(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1"}) // nothing listening
	s := testSettings(10, time.Minute)
	s.FailOpen = settings.FailClosed
	l := New(client, "test:", s)
	defer l.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if _, err := l.Check(ctx, "s1", "per_session"); err == nil {
		t.Fatal("expected an error when Redis is unavailable and fail-closed is configured")
	}
}
