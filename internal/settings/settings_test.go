package settings

import (
	"testing"
	"time"
)

func fakeEnv(vars map[string]string) envLookup {
	return func(key string) (string, bool) {
		v, ok := vars[key]
		return v, ok
	}
}

func TestLoadDefaults(t *testing.T) {
	s, err := Load(fakeEnv(nil))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !s.Enabled {
		t.Error("expected protection enabled by default")
	}
	if s.FailOpen != FailOpen {
		t.Errorf("expected fail-open by default, got %v", s.FailOpen)
	}
	rule := s.RateLimits[LimitPerSession]
	if rule.Limit != 10 || rule.Window != 60*time.Second {
		t.Errorf("per_session default = %+v; want 10:60s", rule)
	}
}

func TestLoadRateLimitOverride(t *testing.T) {
	s, err := Load(fakeEnv(map[string]string{
		"RATE_LIMIT_PER_SESSION": "25:120",
	}))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	rule := s.RateLimits[LimitPerSession]
	if rule.Limit != 25 || rule.Window != 120*time.Second {
		t.Errorf("per_session override = %+v; want 25:120s", rule)
	}
}

func TestLoadRateLimitMalformed(t *testing.T) {
	_, err := Load(fakeEnv(map[string]string{
		"RATE_LIMIT_GLOBAL": "not-a-limit",
	}))
	if err == nil {
		t.Fatal("expected error for malformed rate limit")
	}
}

func TestLoadFailClosed(t *testing.T) {
	s, err := Load(fakeEnv(map[string]string{"PROTECTION_FAIL_OPEN": "false"}))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if s.FailOpen != FailClosed {
		t.Errorf("expected fail-closed, got %v", s.FailOpen)
	}
}

func TestValidateTimeoutHierarchy(t *testing.T) {
	_, err := Load(fakeEnv(map[string]string{
		"TIMEOUT_AGENT_TOTAL": "10",
		"TIMEOUT_AGENT_PHASE": "20",
	}))
	if err == nil {
		t.Fatal("expected validation error when phase exceeds total")
	}
}

func TestBypassHeadersCSV(t *testing.T) {
	s, err := Load(fakeEnv(map[string]string{
		"PROTECTION_BYPASS_HEADERS": "X-Internal, X-Admin",
	}))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	want := []string{"X-Internal", "X-Admin"}
	if len(s.BypassHeaders) != len(want) {
		t.Fatalf("BypassHeaders = %v; want %v", s.BypassHeaders, want)
	}
	for i := range want {
		if s.BypassHeaders[i] != want[i] {
			t.Errorf("BypassHeaders[%d] = %q; want %q", i, s.BypassHeaders[i], want[i])
		}
	}
}
