package reputation

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestEngine(t *testing.T) (*Engine, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return New(client, "test:reputation:"), mr
}

func TestNewClientStartsAtNeutral(t *testing.T) {
	e, _ := newTestEngine(t)
	a := e.Get(context.Background(), "client-1")
	if a.Record.Compliance != neutralScore {
		t.Errorf("Compliance = %v; want neutral %v for a fresh client", a.Record.Compliance, neutralScore)
	}
	if a.Level != LevelSuspicious {
		t.Errorf("Level = %v; want SUSPICIOUS at the neutral starting score", a.Level)
	}
}

func TestRepeatedViolationsLowerLevel(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	var a Assessment
	for i := 0; i < 10; i++ {
		a = e.RecordEvent(ctx, "client-bad", EventRateLimitViolation)
	}
	if a.Level == LevelTrusted || a.Level == LevelNormal {
		t.Errorf("Level = %v; want a degraded tier after repeated violations", a.Level)
	}
}

func TestThreeCriticalViolationsBlockClient(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	var a Assessment
	for i := 0; i < 3; i++ {
		a = e.RecordEvent(ctx, "client-critical", EventCriticalAnomaly)
	}
	if a.Level != LevelBlocked {
		t.Errorf("Level = %v; want BLOCKED after three critical violations", a.Level)
	}
}

func TestRepeatedGoodEventsRaiseLevel(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	var a Assessment
	for i := 0; i < 60; i++ {
		a = e.RecordEvent(ctx, "client-good", EventComplianceGood)
	}
	if a.Record.Compliance <= neutralScore {
		t.Errorf("Compliance = %v; want above neutral after repeated compliance rewards", a.Record.Compliance)
	}
}

func TestDiminishingViolationShrinksWithCount(t *testing.T) {
	if diminishingViolation(0) != 1.0 {
		t.Error("diminishingViolation(0) should be 1.0")
	}
	if diminishingViolation(10) >= diminishingViolation(1) {
		t.Error("diminishingViolation should shrink as the violation count grows")
	}
}

func TestDiminishingPositiveShrinksWithCount(t *testing.T) {
	if diminishingPositive(0) != 1.0 {
		t.Error("diminishingPositive(0) should be 1.0")
	}
	if diminishingPositive(20) >= diminishingPositive(1) {
		t.Error("diminishingPositive should shrink as the recent positive count grows")
	}
}

func TestPersistsAcrossCacheInvalidation(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	e.RecordEvent(ctx, "client-persist", EventRateLimitViolation)
	e.InvalidateCache("client-persist")

	a := e.Get(ctx, "client-persist")
	if a.Record.ViolationStreak == 0 {
		t.Error("expected violation streak to persist after cache invalidation, reloaded from Redis")
	}
}

func TestPruneCacheEvictsStaleEntries(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	e.RecordEvent(ctx, "client-stale", EventRateLimitViolation)
	if e.CacheSize() != 1 {
		t.Fatalf("CacheSize = %d; want 1", e.CacheSize())
	}

	e.mu.Lock()
	entry := e.cache["client-stale"]
	entry.cachedAt = time.Now().Add(-2 * CacheTTL)
	e.cache["client-stale"] = entry
	e.mu.Unlock()

	pruned := e.PruneCache(2 * CacheTTL)
	if pruned != 1 {
		t.Errorf("PruneCache pruned %d entries; want 1", pruned)
	}
	if e.CacheSize() != 0 {
		t.Errorf("CacheSize after prune = %d; want 0", e.CacheSize())
	}
}

func TestRecoveryPullsScoreUpwardNeverDown(t *testing.T) {
	r := newRecord("client-recover", time.Now())
	r.Compliance = 0.1
	r.LastUpdated = time.Now().Add(-24 * time.Hour)

	recovered := recoverTowardCeiling(r, time.Now())
	if recovered.Compliance <= 0.1 || recovered.Compliance >= 1.0 {
		t.Errorf("Compliance after one idle day = %v; want strictly between 0.1 and 1.0", recovered.Compliance)
	}

	want := 1.0 - (1.0-0.1)*0.95
	if diff := recovered.Compliance - want; diff < -1e-9 || diff > 1e-9 {
		t.Errorf("Compliance after one idle day = %v; want %v", recovered.Compliance, want)
	}
}

func TestRecoveryNeverLowersAHighScore(t *testing.T) {
	r := newRecord("client-trusted", time.Now())
	r.Compliance, r.Efficiency, r.Stability, r.Reliability = 0.95, 0.95, 0.95, 0.95
	r.LastUpdated = time.Now().Add(-30 * 24 * time.Hour)

	recovered := recoverTowardCeiling(r, time.Now())
	if recovered.Compliance < 0.95 {
		t.Errorf("Compliance = %v; idle recovery should never lower a high score", recovered.Compliance)
	}
}

func TestTrendClassification(t *testing.T) {
	now := time.Now()
	improving := []EventRecord{
		{Impact: 0.02, At: now}, {Impact: 0.02, At: now}, {Impact: 0.02, At: now},
	}
	if got := trendFromEvents(improving); got != TrendImproving {
		t.Errorf("trendFromEvents(all positive) = %v; want IMPROVING", got)
	}

	declining := []EventRecord{
		{Impact: -0.15, At: now}, {Impact: -0.15, At: now}, {Impact: -0.15, At: now},
	}
	if got := trendFromEvents(declining); got != TrendDeclining {
		t.Errorf("trendFromEvents(all negative) = %v; want DECLINING", got)
	}

	volatile := []EventRecord{
		{Impact: 0.02, At: now}, {Impact: -0.5, At: now}, {Impact: 0.02, At: now}, {Impact: -0.5, At: now},
	}
	if got := trendFromEvents(volatile); got != TrendVolatile {
		t.Errorf("trendFromEvents(mixed high-variance) = %v; want VOLATILE", got)
	}

	if got := trendFromEvents(nil); got != TrendStable {
		t.Errorf("trendFromEvents(empty) = %v; want STABLE", got)
	}
}

func TestLevelThresholds(t *testing.T) {
	cases := []struct {
		score float64
		want  Level
	}{
		{0.95, LevelTrusted},
		{0.9, LevelTrusted},
		{0.8, LevelNormal},
		{0.7, LevelNormal},
		{0.6, LevelSuspicious},
		{0.5, LevelSuspicious},
		{0.4, LevelRestricted},
		{0.3, LevelRestricted},
		{0.1, LevelBlocked},
	}
	for _, c := range cases {
		if got := levelFromScore(c.score); got != c.want {
			t.Errorf("levelFromScore(%v) = %v; want %v", c.score, got, c.want)
		}
	}
}

func TestAccessLevelTable(t *testing.T) {
	cases := []struct {
		level      Level
		multiplier float64
		priority   int
	}{
		{LevelTrusted, 1.5, 5},
		{LevelNormal, 1.0, 3},
		{LevelSuspicious, 0.7, 2},
		{LevelRestricted, 0.3, 1},
		{LevelBlocked, 0.0, 0},
	}
	for _, c := range cases {
		policy := AccessLevel(c.level)
		if policy.RateMultiplier != c.multiplier {
			t.Errorf("AccessLevel(%v).RateMultiplier = %v; want %v", c.level, policy.RateMultiplier, c.multiplier)
		}
		if policy.Priority != c.priority {
			t.Errorf("AccessLevel(%v).Priority = %v; want %v", c.level, policy.Priority, c.priority)
		}
	}
	if !AccessLevel(LevelBlocked).Restricted {
		t.Error("AccessLevel(BLOCKED) should be restricted")
	}
	if !AccessLevel(LevelSuspicious).EnhancedMonitor {
		t.Error("AccessLevel(SUSPICIOUS) should carry enhanced monitoring")
	}
}
