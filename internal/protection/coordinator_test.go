package protection

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"protectcore/internal/behavior"
	"protectcore/internal/breaker"
	"protectcore/internal/dedup"
	"protectcore/internal/hasher"
	"protectcore/internal/ratelimit"
	"protectcore/internal/reputation"
	"protectcore/internal/settings"
	"protectcore/internal/timeoutmgr"
)

func newTestCoordinator(t *testing.T) *Coordinator {
	t.Helper()
	s, err := settings.LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv: %v", err)
	}

	return New(Config{
		Settings:   s,
		Hasher:     hasher.New([]byte("test-salt"), 1000),
		Limiter:    ratelimit.New(nil, "test:", s),
		Dedup:      dedup.New(nil, "test:", true),
		Timeouts:   timeoutmgr.New(s.Timeouts, nil),
		Behaviors:  behavior.NewAnalyzer(behavior.NewStore(time.Hour)),
		Reputation: reputation.New(nil, "test:"),
		Breakers:   breaker.NewRegistry(breaker.DefaultConfig()),
	})
}

func baseRequest(sessionID string) Request {
	return Request{
		SessionID: sessionID,
		ClientID:  sessionID,
		Backend:   "backend-1",
		Method:    "POST",
		Path:      "/api/v1/chat",
		Query:     map[string]string{},
		Headers:   map[string]string{"content-type": "application/json"},
		Body:      `{"message":"hello"}`,
		At:        time.Now(),
	}
}

func TestFirstRequestIsAdmitted(t *testing.T) {
	c := newTestCoordinator(t)
	result, err := c.Decide(context.Background(), baseRequest("session-1"))
	if err != nil {
		t.Fatalf("Decide returned error: %v", err)
	}
	if result.Decision != DecisionAdmit {
		t.Errorf("Decision = %v; want Admit for a fresh session", result.Decision)
	}
}

func TestDuplicateRequestIsDenied(t *testing.T) {
	c := newTestCoordinator(t)
	ctx := context.Background()
	req := baseRequest("session-dup")

	first, err := c.Decide(ctx, req)
	if err != nil {
		t.Fatalf("first Decide returned error: %v", err)
	}
	if first.Decision != DecisionAdmit {
		t.Fatalf("first request Decision = %v; want Admit", first.Decision)
	}

	second, err := c.Decide(ctx, req)
	if err != nil {
		t.Fatalf("second Decide returned error: %v", err)
	}
	if second.Decision != DecisionDeny || second.Reason != ReasonDuplicate {
		t.Errorf("second request Decision=%v Reason=%v; want Deny/Duplicate", second.Decision, second.Reason)
	}
}

func TestOpenCircuitDeniesRequest(t *testing.T) {
	c := newTestCoordinator(t)
	ctx := context.Background()
	req := baseRequest("session-breaker")

	br := c.breakers.Get(req.Backend)
	for i := 0; i < 10; i++ {
		br.RecordFailure(breaker.FailureServerError)
	}

	result, err := c.Decide(ctx, req)
	if err != nil {
		t.Fatalf("Decide returned error: %v", err)
	}
	if result.Decision != DecisionDeny || result.Reason != ReasonCircuitOpen {
		t.Errorf("Decision=%v Reason=%v; want Deny/CircuitOpen", result.Decision, result.Reason)
	}
}

func TestBlockedReputationDeniesRequest(t *testing.T) {
	c := newTestCoordinator(t)
	ctx := context.Background()
	req := baseRequest("session-blocked")

	for i := 0; i < 50; i++ {
		c.reputation.RecordEvent(ctx, req.ClientID, reputation.EventRateLimitViolation)
	}

	result, err := c.Decide(ctx, req)
	if err != nil {
		t.Fatalf("Decide returned error: %v", err)
	}
	if result.Decision != DecisionDeny || result.Reason != ReasonReputationBlocked {
		t.Errorf("Decision=%v Reason=%v; want Deny/ReputationBlocked", result.Decision, result.Reason)
	}
}

func TestRateLimitExhaustionDenies(t *testing.T) {
	c := newTestCoordinator(t)
	ctx := context.Background()

	var lastResult Result
	var lastErr error
	for i := 0; i < 50; i++ {
		req := baseRequest("session-rl")
		req.Body = req.Body + string(rune('a'+i%26))
		lastResult, lastErr = c.Decide(ctx, req)
		if lastErr != nil {
			t.Fatalf("Decide returned error on iteration %d: %v", i, lastErr)
		}
		if lastResult.Decision == DecisionDeny && lastResult.Reason == ReasonRateLimited {
			return
		}
	}
	t.Error("expected rate limiting to eventually deny repeated distinct requests from the same session")
}

func TestRecordOutcomeFeedsBackIntoBehaviorAndReputation(t *testing.T) {
	c := newTestCoordinator(t)
	ctx := context.Background()
	req := baseRequest("session-outcome")

	c.RecordOutcome(ctx, req, 200, 50*time.Millisecond, 512)

	score := c.behaviors.Score(req.SessionID)
	if score.Confidence <= 0 {
		t.Error("expected behavior profile to have recorded the outcome")
	}
}

func TestHeadersIncludeDecisionAndRisk(t *testing.T) {
	r := Result{Decision: DecisionThrottle, RiskLevel: behavior.RiskHigh}
	h := r.Headers()
	if h.Get("X-Protection-Decision") != "throttle" {
		t.Errorf("X-Protection-Decision = %q; want throttle", h.Get("X-Protection-Decision"))
	}
	if h.Get("X-Risk-Level") != "HIGH" {
		t.Errorf("X-Risk-Level = %q; want HIGH", h.Get("X-Risk-Level"))
	}
}

func TestCombinedRiskScoreClampedToUnitRange(t *testing.T) {
	rep := reputation.Assessment{}
	if score := combinedRiskScore(2.0, 2.0, rep); score > 1 {
		t.Errorf("combinedRiskScore = %v; want clamped to <= 1", score)
	}
	if score := combinedRiskScore(-1, -1, rep); score < 0 {
		t.Errorf("combinedRiskScore = %v; want clamped to >= 0", score)
	}
}

func TestStatusForMapsDenialReasonsToExternalStatusCodes(t *testing.T) {
	cases := []struct {
		result Result
		want   int
	}{
		{Result{Decision: DecisionAdmit}, http.StatusOK},
		{Result{Decision: DecisionDeny, DedupHit: true}, http.StatusOK},
		{Result{Decision: DecisionDeny, Reason: ReasonRateLimited}, http.StatusTooManyRequests},
		{Result{Decision: DecisionThrottle, Reason: ReasonAnomalyThrottle}, http.StatusTooManyRequests},
		{Result{Decision: DecisionThrottle, Reason: ReasonCircuitThrottle}, http.StatusTooManyRequests},
		{Result{Decision: DecisionDeny, Reason: ReasonCircuitOpen}, http.StatusServiceUnavailable},
		{Result{Decision: DecisionDeny, Reason: ReasonDependencyUnavailable}, http.StatusServiceUnavailable},
		{Result{Decision: DecisionDeny, Reason: ReasonReputationBlocked}, http.StatusForbidden},
		{Result{Decision: DecisionDeny, Reason: ReasonHighRisk}, http.StatusForbidden},
	}
	for _, tc := range cases {
		if got := tc.result.StatusFor(); got != tc.want {
			t.Errorf("StatusFor(%v/%v) = %d; want %d", tc.result.Decision, tc.result.Reason, got, tc.want)
		}
	}
}

func TestErrorBodyCarriesCorrelationIDAndSuggestions(t *testing.T) {
	result := Result{DecisionID: "abc-123", Decision: DecisionDeny, Reason: ReasonRateLimited, RetryAfter: 10 * time.Second}
	body := result.ErrorBody()
	if body.CorrelationID != "abc-123" {
		t.Errorf("CorrelationID = %q; want abc-123", body.CorrelationID)
	}
	if body.RetryAfter == nil || *body.RetryAfter != 10 {
		t.Errorf("RetryAfter = %v; want 10", body.RetryAfter)
	}
	if len(body.Suggestions) == 0 {
		t.Error("expected non-empty suggestions for a rate-limited denial")
	}
}

func TestMiddlewareAdmitsFirstRequestAndDeniesImmediateDuplicate(t *testing.T) {
	c := newTestCoordinator(t)
	backendHits := 0
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		backendHits++
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"ok":true}`))
	})
	mw := Middleware(c, "backend-mw")(next)

	body := `{"message":"hello"}`
	req1 := httptest.NewRequest(http.MethodPost, "/api/v1/chat", strings.NewReader(body))
	req1.Header.Set("X-Session-ID", "mw-session")
	req1.Header.Set("Content-Type", "application/json")
	rec1 := httptest.NewRecorder()
	mw.ServeHTTP(rec1, req1)
	if rec1.Code != http.StatusOK {
		t.Fatalf("first request status = %d; want 200", rec1.Code)
	}
	if backendHits != 1 {
		t.Fatalf("backendHits = %d; want 1 after first request", backendHits)
	}

	req2 := httptest.NewRequest(http.MethodPost, "/api/v1/chat", strings.NewReader(body))
	req2.Header.Set("X-Session-ID", "mw-session")
	req2.Header.Set("Content-Type", "application/json")
	rec2 := httptest.NewRecorder()
	mw.ServeHTTP(rec2, req2)
	if rec2.Code != http.StatusOK {
		t.Fatalf("duplicate request status = %d; want 200 per the polite-duplicate contract", rec2.Code)
	}
	if backendHits != 1 {
		t.Errorf("backendHits = %d; want still 1, the duplicate must not reach the backend", backendHits)
	}
}

func TestExtractSessionIDFallsBackToHeaderThenQueryThenCookieThenHash(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/x?session_id=from-query", nil)
	req.Header.Set("X-Session-ID", "from-header")
	if got := extractSessionID(req); got != "from-header" {
		t.Errorf("extractSessionID = %q; want from-header to win over query", got)
	}

	req2 := httptest.NewRequest(http.MethodGet, "/x?session_id=from-query", nil)
	if got := extractSessionID(req2); got != "from-query" {
		t.Errorf("extractSessionID = %q; want from-query", got)
	}

	req3 := httptest.NewRequest(http.MethodGet, "/x", nil)
	req3.AddCookie(&http.Cookie{Name: "session_id", Value: "from-cookie"})
	if got := extractSessionID(req3); got != "from-cookie" {
		t.Errorf("extractSessionID = %q; want from-cookie", got)
	}

	req4 := httptest.NewRequest(http.MethodGet, "/x", nil)
	req4.RemoteAddr = "10.0.0.1:1234"
	req4.Header.Set("User-Agent", "test-agent")
	got := extractSessionID(req4)
	if len(got) != 16 {
		t.Errorf("fallback identity = %q; want a 16-character hex hash", got)
	}
}
