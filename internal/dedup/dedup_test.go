package dedup

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"protectcore/internal/hasher"
)

func newTestDedup(t *testing.T) *Deduplicator {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return New(client, "test:", true)
}

func TestCheckFirstRequestNotDuplicate(t *testing.T) {
	d := newTestDedup(t)
	ctx := context.Background()
	fp := hasher.Digest{1, 2, 3}

	res, err := d.Check(ctx, fp, DefaultPolicy)
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if res.IsDuplicate {
		t.Error("first request should not be a duplicate")
	}
}

func TestCheckSecondRequestIsDuplicate(t *testing.T) {
	d := newTestDedup(t)
	ctx := context.Background()
	fp := hasher.Digest{1, 2, 3}

	if _, err := d.Check(ctx, fp, DefaultPolicy); err != nil {
		t.Fatalf("Check 1: %v", err)
	}
	res, err := d.Check(ctx, fp, DefaultPolicy)
	if err != nil {
		t.Fatalf("Check 2: %v", err)
	}
	if !res.IsDuplicate {
		t.Error("second request with the same fingerprint should be a duplicate")
	}
}

func TestCachedResponseReplayedVerbatim(t *testing.T) {
	d := newTestDedup(t)
	ctx := context.Background()
	fp := hasher.Digest{9, 9, 9}
	policy := EndpointPolicy{TTL: time.Minute, CacheEnabled: true}

	if _, err := d.Check(ctx, fp, policy); err != nil {
		t.Fatalf("Check 1: %v", err)
	}
	body := []byte(`{"answer":42}`)
	if err := d.StoreResponse(ctx, fp, body, policy); err != nil {
		t.Fatalf("StoreResponse: %v", err)
	}

	res, err := d.Check(ctx, fp, policy)
	if err != nil {
		t.Fatalf("Check 2: %v", err)
	}
	if !res.IsDuplicate {
		t.Fatal("expected duplicate")
	}
	if string(res.CachedResponse) != string(body) {
		t.Errorf("CachedResponse = %q; want %q", res.CachedResponse, body)
	}
}

func TestDuplicateWithoutCacheHasNoBody(t *testing.T) {
	d := newTestDedup(t)
	ctx := context.Background()
	fp := hasher.Digest{7, 7, 7}

	if _, err := d.Check(ctx, fp, DefaultPolicy); err != nil {
		t.Fatalf("Check 1: %v", err)
	}
	res, err := d.Check(ctx, fp, DefaultPolicy)
	if err != nil {
		t.Fatalf("Check 2: %v", err)
	}
	if !res.IsDuplicate || res.CachedResponse != nil {
		t.Errorf("expected duplicate with nil cached response, got %+v", res)
	}
}

func TestShouldSkip(t *testing.T) {
	cases := []struct {
		method, path, contentType string
		want                      bool
	}{
		{"GET", "/api/v1/agent/query", "application/json", true},
		{"POST", "/health", "application/json", true},
		{"POST", "/static/app.js", "text/javascript", true},
		{"POST", "/api/v1/upload", "multipart/form-data; boundary=x", true},
		{"POST", "/api/v1/agent/query", "application/json", false},
	}
	for _, c := range cases {
		if got := ShouldSkip(c.method, c.path, c.contentType); got != c.want {
			t.Errorf("ShouldSkip(%q,%q,%q) = %v; want %v", c.method, c.path, c.contentType, got, c.want)
		}
	}
}

func TestFallbackWhenNoClient(t *testing.T) {
	d := New(nil, "test:", true)
	defer d.Close()
	ctx := context.Background()
	fp := hasher.Digest{1}

	res, err := d.Check(ctx, fp, DefaultPolicy)
	if err != nil || res.IsDuplicate {
		t.Fatalf("first check: res=%+v err=%v", res, err)
	}
	res, err = d.Check(ctx, fp, DefaultPolicy)
	if err != nil || !res.IsDuplicate {
		t.Fatalf("second check: res=%+v err=%v", res, err)
	}
}
