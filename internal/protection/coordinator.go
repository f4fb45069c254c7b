// Package protection implements the protection coordinator: it wires
// the hasher, rate limiter, deduplicator, timeout manager, behavioral
// analyzer, anomaly detector, reputation engine, and circuit breaker
// together into one admission decision per request. A Coordinator is
// built by a single New(Config) from components the caller has already
// constructed.
package protection

import (
	"bytes"
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"

	"protectcore/internal/anomaly"
	"protectcore/internal/audit"
	"protectcore/internal/behavior"
	"protectcore/internal/breaker"
	"protectcore/internal/dedup"
	"protectcore/internal/hasher"
	"protectcore/internal/ratelimit"
	"protectcore/internal/reputation"
	"protectcore/internal/settings"
	"protectcore/internal/telemetry"
	"protectcore/internal/timeoutmgr"
)

// Decision is the outcome of evaluating a request through every layer.
type Decision int

const (
	DecisionAdmit Decision = iota
	DecisionThrottle
	DecisionDeny
)

func (d Decision) String() string {
	switch d {
	case DecisionAdmit:
		return "admit"
	case DecisionThrottle:
		return "throttle"
	case DecisionDeny:
		return "deny"
	default:
		return "unknown"
	}
}

// Reason enumerates why a request was throttled or denied.
type Reason int

const (
	ReasonNone Reason = iota
	ReasonRateLimited
	ReasonDuplicate
	ReasonCircuitOpen
	ReasonCircuitThrottle
	ReasonAnomalyThrottle
	ReasonHighRisk
	ReasonReputationBlocked
	ReasonDependencyUnavailable
)

func (r Reason) String() string {
	switch r {
	case ReasonRateLimited:
		return "rate_limited"
	case ReasonDuplicate:
		return "duplicate"
	case ReasonCircuitOpen:
		return "circuit_breaker_open"
	case ReasonCircuitThrottle:
		return "circuit_breaker_throttle"
	case ReasonAnomalyThrottle:
		return "anomaly_detected"
	case ReasonHighRisk:
		return "high_risk"
	case ReasonReputationBlocked:
		return "reputation_blocked"
	case ReasonDependencyUnavailable:
		return "dependency_unavailable"
	default:
		return "none"
	}
}

// errorCode returns the stable machine-readable code for a denial
// reason, carried in the JSON error body's error_code field.
func (r Reason) errorCode() string {
	switch r {
	case ReasonRateLimited:
		return "ERR_RATE_LIMITED"
	case ReasonDuplicate:
		return "ERR_DUPLICATE_REQUEST"
	case ReasonCircuitOpen:
		return "ERR_CIRCUIT_OPEN"
	case ReasonCircuitThrottle:
		return "ERR_CIRCUIT_THROTTLE"
	case ReasonAnomalyThrottle:
		return "ERR_ANOMALY_DETECTED"
	case ReasonHighRisk:
		return "ERR_HIGH_RISK"
	case ReasonReputationBlocked:
		return "ERR_REPUTATION_BLOCKED"
	case ReasonDependencyUnavailable:
		return "ERR_DEPENDENCY_UNAVAILABLE"
	default:
		return "ERR_UNKNOWN"
	}
}

// message and suggestions return the polite, non-disclosing copy for a
// denial reason: specific enough to act on, vague enough not to teach
// an attacker which layer caught them.
func (r Reason) message() string {
	switch r {
	case ReasonRateLimited:
		return "You're sending requests too quickly. Please slow down and try again shortly."
	case ReasonDuplicate:
		return "This request is already being processed."
	case ReasonCircuitOpen, ReasonCircuitThrottle:
		return "This service is temporarily unavailable. Please try again in a moment."
	case ReasonAnomalyThrottle:
		return "Unusual request activity was detected on this session. Please slow down and try again."
	case ReasonHighRisk:
		return "This request could not be completed."
	case ReasonReputationBlocked:
		return "Access has been restricted for this client."
	case ReasonDependencyUnavailable:
		return "The service is temporarily unable to process requests. Please try again shortly."
	default:
		return "The request could not be completed."
	}
}

func (r Reason) suggestions() []string {
	switch r {
	case ReasonRateLimited:
		return []string{"wait before retrying", "reduce request frequency"}
	case ReasonDuplicate:
		return []string{"wait for the original request to complete"}
	case ReasonCircuitOpen, ReasonCircuitThrottle, ReasonDependencyUnavailable:
		return []string{"retry after the suggested delay", "contact support if this persists"}
	case ReasonAnomalyThrottle:
		return []string{"slow down request frequency", "avoid scripted or automated request patterns"}
	case ReasonHighRisk, ReasonReputationBlocked:
		return []string{"contact support if you believe this is in error"}
	default:
		return nil
	}
}

// Result is the full admission verdict, annotated with every signal
// that contributed to it so callers can set response headers or log
// structured detail.
type Result struct {
	DecisionID   string
	Decision     Decision
	Reason       Reason
	RiskLevel    behavior.RiskLevel
	Confidence   float64
	RetryAfter   time.Duration
	Restrictions []string

	RateLimitLimit     int64
	RateLimitRemaining int64

	DedupHit       bool
	CachedResponse []byte
}

// Request is everything the coordinator needs about one inbound
// request to evaluate it.
type Request struct {
	// CorrelationID, if set, ties this decision to an ID generated
	// upstream (e.g. a gateway request ID). Left empty, the coordinator
	// generates one so every decision can still be looked up by ID.
	CorrelationID string
	SessionID     string
	ClientID      string
	Backend       string
	Method        string
	Path          string
	Query         map[string]string
	Headers       map[string]string
	Body          string
	ContentType   string
	At            time.Time
}

// Coordinator holds references to every protection layer and evaluates
// requests through the 8-step pipeline: reputation gate, circuit check,
// hash and dedup check, rate limit, behavior scoring, anomaly scoring,
// combine the signals, final decision.
type Coordinator struct {
	mu sync.Mutex

	settings   *settings.Settings
	hasher     *hasher.Hasher
	limiter    *ratelimit.Limiter
	dedup      *dedup.Deduplicator
	timeouts   *timeoutmgr.Manager
	behaviors  *behavior.Analyzer
	anomalies  map[string]*anomaly.Detector // keyed by session, lazily created
	reputation *reputation.Engine
	breakers   *breaker.Registry
	decisions  *audit.Store
	telemetry  *telemetry.Provider
}

// Config bundles the already-constructed components a Coordinator
// wires together; each is built independently so it can be unit-tested
// in isolation before being composed here.
type Config struct {
	Settings   *settings.Settings
	Hasher     *hasher.Hasher
	Limiter    *ratelimit.Limiter
	Dedup      *dedup.Deduplicator
	Timeouts   *timeoutmgr.Manager
	Behaviors  *behavior.Analyzer
	Reputation *reputation.Engine
	Breakers   *breaker.Registry
	Decisions  *audit.Store        // optional: persists every decision
	Telemetry  *telemetry.Provider // optional: traces every decision
}

// New builds a Coordinator from already-wired components.
func New(cfg Config) *Coordinator {
	tp := cfg.Telemetry
	if tp == nil {
		tp = telemetry.NoopProvider()
	}
	return &Coordinator{
		settings:   cfg.Settings,
		hasher:     cfg.Hasher,
		limiter:    cfg.Limiter,
		dedup:      cfg.Dedup,
		timeouts:   cfg.Timeouts,
		behaviors:  cfg.Behaviors,
		anomalies:  make(map[string]*anomaly.Detector),
		reputation: cfg.Reputation,
		breakers:   cfg.Breakers,
		decisions:  cfg.Decisions,
		telemetry:  tp,
	}
}

func (c *Coordinator) anomalyDetector(sessionID string) *anomaly.Detector {
	c.mu.Lock()
	defer c.mu.Unlock()
	d, ok := c.anomalies[sessionID]
	if !ok {
		d = anomaly.New()
		c.anomalies[sessionID] = d
	}
	return d
}

// ActiveAnomalyDetectors reports how many per-session anomaly detectors
// are currently tracked, for monitoring dashboards.
func (c *Coordinator) ActiveAnomalyDetectors() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.anomalies)
}

// Hasher, Dedup, Behaviors, and Timeouts expose the coordinator's
// wired components so the control API's health view can report on
// them without the coordinator needing to depend on the control
// package.
func (c *Coordinator) Hasher() *hasher.Hasher        { return c.hasher }
func (c *Coordinator) Dedup() *dedup.Deduplicator    { return c.dedup }
func (c *Coordinator) Behaviors() *behavior.Analyzer { return c.behaviors }
func (c *Coordinator) Timeouts() *timeoutmgr.Manager { return c.timeouts }

// Decide runs the full admission pipeline for one request, scoped under
// the configured total-agent-operation deadline so a stalled Redis call
// anywhere in the pipeline cannot hang the caller indefinitely.
func (c *Coordinator) Decide(ctx context.Context, req Request) (Result, error) {
	scopedCtx, _, release := c.timeouts.Begin(ctx, "protection_decision", c.timeouts.Defaults().AgentTotal, nil)
	defer release()
	ctx = scopedCtx

	decisionID := req.CorrelationID
	if decisionID == "" {
		decisionID = uuid.New().String()
	}

	ctx, span := c.telemetry.StartDecisionSpan(ctx, req.SessionID, req.ClientID, req.Method, req.Path)
	result, err := c.decide(ctx, req)
	result.DecisionID = decisionID
	c.telemetry.EndDecisionSpan(span, result.Decision.String(), result.Reason.String(), result.RiskLevel.String(), result.Confidence, err)

	if c.decisions != nil {
		at := req.At
		if at.IsZero() {
			at = time.Now()
		}
		if recErr := c.decisions.Record(ctx, audit.DecisionRecord{
			DecisionID: decisionID,
			SessionID:  req.SessionID, ClientID: req.ClientID, Backend: req.Backend,
			Method: req.Method, Path: req.Path,
			Decision: result.Decision.String(), Reason: result.Reason.String(),
			RiskLevel: result.RiskLevel.String(), Confidence: result.Confidence,
			Restrictions: result.Restrictions, At: at,
		}); recErr != nil {
			slog.Error("failed to record protection decision", "error", recErr, "session_id", req.SessionID, "decision_id", decisionID)
		}
	}

	return result, err
}

// decide runs the 8-step admission pipeline. Split out from Decide so
// the outer function can uniformly wrap every return path with a
// trace span and an audit record regardless of which step exits.
func (c *Coordinator) decide(ctx context.Context, req Request) (Result, error) {

	// 1. Reputation gate: a blocked client is rejected before any other
	// work is spent on it.
	rep := c.reputation.Get(ctx, req.ClientID)
	if rep.Level == reputation.LevelBlocked {
		return Result{Decision: DecisionDeny, Reason: ReasonReputationBlocked, RiskLevel: behavior.RiskCritical}, nil
	}

	// 2. Circuit breaker: refuse fast, or throttle, if the backend is
	// already known to be unhealthy or trending that way.
	br := c.breakers.Get(req.Backend)
	switch check := br.Check(rep.Level); check.Decision {
	case breaker.Deny:
		return Result{Decision: DecisionDeny, Reason: ReasonCircuitOpen, RiskLevel: behavior.RiskHigh}, nil
	case breaker.Throttle:
		return Result{
			Decision:   DecisionThrottle,
			Reason:     ReasonCircuitThrottle,
			RiskLevel:  behavior.RiskHigh,
			Confidence: check.Confidence,
			RetryAfter: 5 * time.Second,
		}, nil
	}

	// 3. Content-addressed deduplication.
	digest, err := c.hasher.Hash(hasher.Request{
		SessionID: req.SessionID,
		Method:    req.Method,
		Endpoint:  req.Path,
		Body:      req.Body,
		Query:     req.Query,
		Headers:   req.Headers,
	})
	if err != nil {
		digest = c.hasher.FallbackHash(req.SessionID, req.Path, req.Method)
	}

	dedupPolicy := dedup.DefaultPolicy
	if hasher.IsTitleGeneration(req.Path) {
		dedupPolicy = dedup.TitleGenerationPolicy
	}
	dedupResult, dErr := c.dedup.Check(ctx, digest, dedupPolicy)
	if dErr != nil {
		return c.dependencyUnavailableResult(), dErr
	}
	if dedupResult.IsDuplicate {
		return Result{
			Decision:       DecisionDeny,
			Reason:         ReasonDuplicate,
			DedupHit:       true,
			CachedResponse: dedupResult.CachedResponse,
		}, nil
	}

	// 4. Rate limiting.
	rlResult, rlErr := c.limiter.Check(ctx, req.ClientID, settings.LimitPerSession)
	if rlErr != nil {
		return c.dependencyUnavailableResult(), rlErr
	}
	if !rlResult.Allowed {
		return Result{
			Decision:           DecisionDeny,
			Reason:             ReasonRateLimited,
			RetryAfter:         rlResult.RetryAfter,
			RateLimitLimit:     rlResult.Limit,
			RateLimitRemaining: 0,
		}, nil
	}

	// 5. Behavioral scoring.
	behaviorScore := c.behaviors.Score(req.SessionID)

	// 6. Anomaly scoring over the session's latest feature vector, if
	// one has been recorded.
	var anomalyScore float64
	if vec, ok := c.behaviors.LatestVector(req.SessionID); ok {
		detector := c.anomalyDetector(req.SessionID)
		detector.Observe(vec)
		verdict := detector.Score(vec)
		anomalyScore = verdict.Score
	}

	// 7. Combine behavior, anomaly, and reputation signals into one
	// composite risk score.
	composite := combinedRiskScore(behaviorScore.Overall, anomalyScore, rep)
	risk := riskLevelFromComposite(composite)

	remaining := rlResult.Limit - rlResult.CurrentCount
	if remaining < 0 {
		remaining = 0
	}

	// 8. Final decision from the composite risk.
	result := Result{
		RiskLevel:          risk,
		Confidence:         behaviorScore.Confidence,
		RateLimitLimit:     rlResult.Limit,
		RateLimitRemaining: remaining,
	}
	switch {
	case risk == behavior.RiskCritical:
		result.Decision = DecisionDeny
		result.Reason = ReasonHighRisk
	case risk == behavior.RiskHigh && anomalyScore >= 0.8:
		result.Decision = DecisionThrottle
		result.Reason = ReasonAnomalyThrottle
		result.RetryAfter = 30 * time.Second
		result.Restrictions = []string{"anomaly_detected"}
	case risk == behavior.RiskHigh:
		result.Decision = DecisionThrottle
		result.Reason = ReasonHighRisk
		result.Restrictions = []string{"reduced_rate_limit"}
	default:
		result.Decision = DecisionAdmit
	}
	return result, nil
}

// dependencyUnavailableResult is returned when a required dependency
// (Redis-backed dedup or rate limiting) errors out despite the
// configured degradation policy; the caller still propagates the
// original error so the HTTP layer can log it, but a fail-closed
// deployment needs a concrete denial Result to render as a 503.
func (c *Coordinator) dependencyUnavailableResult() Result {
	return Result{Decision: DecisionDeny, Reason: ReasonDependencyUnavailable, RiskLevel: behavior.RiskHigh}
}

// combinedRiskScore folds the behavioral, anomaly, and reputation
// signals into one [0,1] composite: behavior and anomaly weigh most,
// reputation nudges the result toward trust or suspicion. behaviorScore
// is a safety score (1.0 = safest), so it enters inverted, as does the
// reputation composite.
func combinedRiskScore(behaviorScore, anomalyScore float64, rep reputation.Assessment) float64 {
	behaviorRisk := 1.0 - behaviorScore
	reputationRisk := 1.0 - rep.Record.Composite()
	composite := behaviorRisk*0.4 + anomalyScore*0.4 + reputationRisk*0.2
	if composite < 0 {
		return 0
	}
	if composite > 1 {
		return 1
	}
	return composite
}

func riskLevelFromComposite(composite float64) behavior.RiskLevel {
	switch {
	case composite >= 0.75:
		return behavior.RiskCritical
	case composite >= 0.5:
		return behavior.RiskHigh
	case composite >= 0.25:
		return behavior.RiskMedium
	default:
		return behavior.RiskLow
	}
}

// RecordOutcome feeds the observed outcome of an admitted request back
// into the behavioral analyzer, circuit breaker, and reputation engine,
// closing the loop for future decisions.
func (c *Coordinator) RecordOutcome(ctx context.Context, req Request, statusCode int, responseTime time.Duration, responseSize int64) {
	c.behaviors.Record(req.SessionID, behavior.RequestObservation{
		Endpoint:     req.Path,
		Method:       req.Method,
		At:           req.At,
		ResponseTime: responseTime,
		PayloadSize:  responseSize,
		StatusCode:   statusCode,
	})

	br := c.breakers.Get(req.Backend)
	if statusCode >= 500 {
		br.RecordFailure(breaker.FailureServerError)
	} else {
		br.RecordSuccess(responseTime)
	}

	if statusCode >= 400 {
		c.reputation.RecordEvent(ctx, req.ClientID, reputation.EventRateLimitViolation)
	} else {
		c.reputation.RecordEvent(ctx, req.ClientID, reputation.EventComplianceGood)
	}
}

// RunMonitoring ticks at the configured monitoring interval, recomputing
// system-wide breaker health and rescaling every breaker's failure
// threshold against it, then emitting a telemetry snapshot. It runs
// until ctx is cancelled and swallows its own panics so one bad tick
// can never take the loop down.
func (c *Coordinator) RunMonitoring(ctx context.Context) {
	interval := c.settings.ProtectionMonitoringInterval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.monitoringTick(ctx)
		}
	}
}

func (c *Coordinator) monitoringTick(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("protection monitoring tick panicked", "recovered", r)
		}
	}()

	health := c.breakers.SystemHealth()
	c.breakers.AdjustAll(health.OverallHealthScore)
	c.telemetry.RecordSystemHealth(ctx, health.OverallHealthScore, health.OpenBreakers)
	slog.Info("protection monitoring tick",
		"system_health_score", health.OverallHealthScore,
		"open_breakers", health.OpenBreakers,
		"tracked_breakers", health.TrackedBreakers,
		"tracked_sessions", c.behaviors.TrackedSessions(),
		"active_anomaly_detectors", c.ActiveAnomalyDetectors(),
	)
}

// RunCleanup ticks at the configured cleanup interval, pruning idle
// behavior profiles, stale reputation cache entries, and expired
// in-memory dedup fallback records. It runs until ctx is cancelled and
// swallows its own panics so one bad tick can never take the loop down.
func (c *Coordinator) RunCleanup(ctx context.Context) {
	interval := c.settings.ProtectionCleanupInterval
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.cleanupTick()
		}
	}
}

func (c *Coordinator) cleanupTick() {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("protection cleanup tick panicked", "recovered", r)
		}
	}()

	const profileIdleCeiling = 7 * 24 * time.Hour
	c.behaviors.PruneIdle(profileIdleCeiling)
	prunedReputation := c.reputation.PruneCache(2 * reputation.CacheTTL)
	prunedDedup := c.dedup.PruneExpired()

	slog.Info("protection cleanup tick",
		"pruned_reputation_cache_entries", prunedReputation,
		"pruned_dedup_fallback_entries", prunedDedup,
	)
}

// Headers returns the response header annotations the coordinator adds
// to every admitted, throttled, or denied request.
func (r Result) Headers() http.Header {
	h := http.Header{}
	h.Set("X-Protection-Decision", r.Decision.String())
	h.Set("X-Risk-Level", r.RiskLevel.String())
	h.Set("X-Decision-ID", r.DecisionID)
	h.Set("X-Protection-Confidence", fmt.Sprintf("%.2f", r.Confidence))
	if len(r.Restrictions) > 0 {
		h.Set("X-Protection-Restrictions", joinComma(r.Restrictions))
	}
	if r.RetryAfter > 0 {
		h.Set("Retry-After", fmt.Sprintf("%d", int(r.RetryAfter.Seconds())))
	}
	if r.RateLimitLimit > 0 {
		h.Set("X-RateLimit-Limit", fmt.Sprintf("%d", r.RateLimitLimit))
		h.Set("X-RateLimit-Remaining", fmt.Sprintf("%d", r.RateLimitRemaining))
	}
	return h
}

func joinComma(items []string) string {
	out := ""
	for i, item := range items {
		if i > 0 {
			out += ","
		}
		out += item
	}
	return out
}

// StatusFor maps a Result to the HTTP status code the external
// interface names for it: 429 for rate-limit and anomaly throttling,
// 409 (reserved) for an explicit duplicate error — a dedup hit itself
// surfaces as 200 with the polite duplicate notice or cached response,
// never as an error — 503 for circuit-breaker denial or a failed
// dependency, 403 for reputation block or critical risk.
func (r Result) StatusFor() int {
	if r.Decision == DecisionAdmit || r.DedupHit {
		return http.StatusOK
	}
	if r.Reason == ReasonHighRisk {
		// Critical risk is an outright denial (403); high-but-not-critical
		// risk only throttles (429) with a reduced rate limit.
		if r.Decision == DecisionDeny {
			return http.StatusForbidden
		}
		return http.StatusTooManyRequests
	}
	switch r.Reason {
	case ReasonRateLimited, ReasonAnomalyThrottle, ReasonCircuitThrottle:
		return http.StatusTooManyRequests
	case ReasonDuplicate:
		return http.StatusConflict
	case ReasonCircuitOpen, ReasonDependencyUnavailable:
		return http.StatusServiceUnavailable
	case ReasonReputationBlocked:
		return http.StatusForbidden
	default:
		if r.Decision == DecisionDeny {
			return http.StatusForbidden
		}
		return http.StatusTooManyRequests
	}
}

// ErrorBody is the JSON shape returned alongside a non-2xx StatusFor
// status.
type ErrorBody struct {
	ErrorType     string    `json:"error_type"`
	Message       string    `json:"message"`
	ErrorCode     string    `json:"error_code"`
	CorrelationID string    `json:"correlation_id"`
	Timestamp     time.Time `json:"timestamp"`
	RetryAfter    *float64  `json:"retry_after,omitempty"`
	Suggestions   []string  `json:"suggestions,omitempty"`
}

// ErrorBody builds the polite, non-disclosing error payload for a
// denied or throttled Result.
func (r Result) ErrorBody() ErrorBody {
	body := ErrorBody{
		ErrorType:     r.Decision.String(),
		Message:       r.Reason.message(),
		ErrorCode:     r.Reason.errorCode(),
		CorrelationID: r.DecisionID,
		Timestamp:     time.Now(),
		Suggestions:   r.Reason.suggestions(),
	}
	if r.RetryAfter > 0 {
		secs := r.RetryAfter.Seconds()
		body.RetryAfter = &secs
	}
	return body
}

// Middleware wraps an http.Handler with the protection coordinator's
// admission check: identity is extracted per the external interface
// (X-Session-ID header, then session_id query param, then session_id
// cookie, falling back to a hash of client IP and user agent), the
// request is run through Decide, and a denied or throttled verdict is
// rendered directly without reaching the wrapped handler. An admitted
// request is passed through, and its outcome is fed back into the
// coordinator once the handler returns.
func Middleware(c *Coordinator, backend string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sessionID := extractSessionID(r)

			var bodyBytes []byte
			if r.Body != nil {
				bodyBytes, _ = io.ReadAll(r.Body)
				r.Body.Close()
				r.Body = io.NopCloser(bytes.NewReader(bodyBytes))
			}

			req := Request{
				SessionID:   sessionID,
				ClientID:    sessionID,
				Backend:     backend,
				Method:      r.Method,
				Path:        r.URL.Path,
				Query:       flattenQuery(r.URL.Query()),
				Headers:     flattenHeaders(r.Header),
				Body:        string(bodyBytes),
				ContentType: r.Header.Get("Content-Type"),
				At:          time.Now(),
			}

			result, err := c.Decide(r.Context(), req)
			if err != nil {
				slog.Error("protection decision failed", "error", err, "session_id", sessionID)
			}

			for k, v := range result.Headers() {
				w.Header()[k] = v
			}

			if result.DedupHit {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusOK)
				if result.CachedResponse != nil {
					w.Write(result.CachedResponse)
				} else {
					w.Write([]byte(dedup.PoliteDuplicateMessage))
				}
				return
			}

			if result.Decision != DecisionAdmit {
				writeErrorBody(w, result)
				return
			}

			started := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)
			c.RecordOutcome(r.Context(), req, rec.status, time.Since(started), rec.size)
		})
	}
}

func writeErrorBody(w http.ResponseWriter, result Result) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(result.StatusFor())
	body := result.ErrorBody()
	fmt.Fprintf(w, `{"error_type":%q,"message":%q,"error_code":%q,"correlation_id":%q,"timestamp":%q`,
		body.ErrorType, body.Message, body.ErrorCode, body.CorrelationID, body.Timestamp.Format(time.RFC3339))
	if body.RetryAfter != nil {
		fmt.Fprintf(w, `,"retry_after":%v`, *body.RetryAfter)
	}
	if len(body.Suggestions) > 0 {
		fmt.Fprint(w, `,"suggestions":[`)
		for i, s := range body.Suggestions {
			if i > 0 {
				fmt.Fprint(w, ",")
			}
			fmt.Fprintf(w, "%q", s)
		}
		fmt.Fprint(w, "]")
	}
	fmt.Fprint(w, "}")
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	size   int64
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	n, err := r.ResponseWriter.Write(b)
	r.size += int64(n)
	return n, err
}

func flattenQuery(q url.Values) map[string]string {
	out := make(map[string]string, len(q))
	for k := range q {
		out[k] = q.Get(k)
	}
	return out
}

func flattenHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k := range h {
		out[k] = h.Get(k)
	}
	return out
}

// extractSessionID resolves a request's session identifier: the
// X-Session-ID header, then the session_id query parameter, then the
// session_id cookie, falling back to a stable hash of the client IP and
// user agent so an anonymous caller still gets consistent rate-limit
// and behavior tracking.
func extractSessionID(r *http.Request) string {
	if v := r.Header.Get("X-Session-ID"); v != "" {
		return v
	}
	if v := r.URL.Query().Get("session_id"); v != "" {
		return v
	}
	if cookie, err := r.Cookie("session_id"); err == nil && cookie.Value != "" {
		return cookie.Value
	}
	return fallbackIdentity(r)
}

func fallbackIdentity(r *http.Request) string {
	ip := r.RemoteAddr
	ua := r.Header.Get("User-Agent")
	sum := sha1.Sum([]byte(ip + ":" + ua))
	return hex.EncodeToString(sum[:])[:16]
}
