package store

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestMemoryGetSetDelete(t *testing.T) {
	m := NewMemory()
	defer m.Close()
	ctx := context.Background()

	if _, ok, _ := m.Get(ctx, "missing"); ok {
		t.Fatal("expected missing key to be absent")
	}

	if err := m.Set(ctx, "k", []byte("v"), 0); err != nil {
		t.Fatalf("Set: %v", err)
	}
	v, ok, err := m.Get(ctx, "k")
	if err != nil || !ok || string(v) != "v" {
		t.Fatalf("Get = %q, %v, %v; want v, true, nil", v, ok, err)
	}

	if err := m.Delete(ctx, "k"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, ok, _ := m.Get(ctx, "k"); ok {
		t.Fatal("expected key to be gone after Delete")
	}
}

func TestMemoryExpiration(t *testing.T) {
	m := NewMemory()
	defer m.Close()
	ctx := context.Background()

	if err := m.Set(ctx, "k", []byte("v"), 10*time.Millisecond); err != nil {
		t.Fatalf("Set: %v", err)
	}
	time.Sleep(30 * time.Millisecond)
	if _, ok, _ := m.Get(ctx, "k"); ok {
		t.Fatal("expected key to expire")
	}
}

func TestMemoryIncr(t *testing.T) {
	m := NewMemory()
	defer m.Close()
	ctx := context.Background()

	v, err := m.Incr(ctx, "c", 1, time.Minute)
	if err != nil || v != 1 {
		t.Fatalf("Incr = %v, %v; want 1, nil", v, err)
	}
	v, err = m.Incr(ctx, "c", 5, time.Minute)
	if err != nil || v != 6 {
		t.Fatalf("Incr = %v, %v; want 6, nil", v, err)
	}
}

func TestMemoryIncrConcurrent(t *testing.T) {
	m := NewMemory()
	defer m.Close()
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := m.Incr(ctx, "c", 1, time.Minute); err != nil {
				t.Error(err)
			}
		}()
	}
	wg.Wait()

	v, _, err := m.Get(ctx, "c")
	_ = v
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	final, err := m.Incr(ctx, "c", 0, time.Minute)
	if err != nil || final != 100 {
		t.Fatalf("final counter = %v, %v; want 100, nil", final, err)
	}
}
