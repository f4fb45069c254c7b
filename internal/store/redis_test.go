package store

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestRedisStore(t *testing.T) (*Redis, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run: %v", err)
	}
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return NewRedisFromClient(client, "test:"), mr
}

func TestRedisGetSetDelete(t *testing.T) {
	s, _ := newTestRedisStore(t)
	ctx := context.Background()

	if _, ok, _ := s.Get(ctx, "missing"); ok {
		t.Fatal("expected missing key to be absent")
	}

	if err := s.Set(ctx, "k", []byte("v"), 0); err != nil {
		t.Fatalf("Set: %v", err)
	}
	v, ok, err := s.Get(ctx, "k")
	if err != nil || !ok || string(v) != "v" {
		t.Fatalf("Get = %q, %v, %v; want v, true, nil", v, ok, err)
	}

	if err := s.Delete(ctx, "k"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, ok, _ := s.Get(ctx, "k"); ok {
		t.Fatal("expected key to be gone after Delete")
	}
}

func TestRedisExpiration(t *testing.T) {
	s, mr := newTestRedisStore(t)
	ctx := context.Background()

	if err := s.Set(ctx, "k", []byte("v"), time.Second); err != nil {
		t.Fatalf("Set: %v", err)
	}
	mr.FastForward(2 * time.Second)
	if _, ok, _ := s.Get(ctx, "k"); ok {
		t.Fatal("expected key to expire")
	}
}

func TestRedisIncrSetsTTLOnce(t *testing.T) {
	s, mr := newTestRedisStore(t)
	ctx := context.Background()

	if _, err := s.Incr(ctx, "c", 1, 10*time.Second); err != nil {
		t.Fatalf("Incr: %v", err)
	}
	ttl1 := mr.TTL(s.key("c"))

	if _, err := s.Incr(ctx, "c", 1, time.Hour); err != nil {
		t.Fatalf("Incr: %v", err)
	}
	ttl2 := mr.TTL(s.key("c"))

	if ttl2 > ttl1+time.Second {
		t.Fatalf("second Incr reset the TTL: %v -> %v", ttl1, ttl2)
	}

	v, err := s.Incr(ctx, "c", 0, 0)
	if err != nil || v != 2 {
		t.Fatalf("final value = %v, %v; want 2, nil", v, err)
	}
}
