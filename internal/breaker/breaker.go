// Package breaker implements the smart circuit breaker: a
// CLOSED/OPEN/HALF_OPEN state machine per protected backend, with
// adaptive thresholds, predictive opening based on response-time trend,
// and reputation-aware throttling. Failure classification follows
// proxy.DetectFailure's type-switch shape, and the State enum follows
// session.State's closed tagged-variant pattern.
package breaker

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"protectcore/internal/reputation"
	"protectcore/internal/statutil"
)

// FailureType classifies why a call to the protected backend failed.
type FailureType int

const (
	FailureNone FailureType = iota
	FailureTimeout
	FailureConnectionRefused
	FailureConnectionReset
	FailureServerError
	FailureRateLimit
	FailureStreamInterrupt
)

func (f FailureType) String() string {
	switch f {
	case FailureNone:
		return "none"
	case FailureTimeout:
		return "timeout"
	case FailureConnectionRefused:
		return "connection_refused"
	case FailureConnectionReset:
		return "connection_reset"
	case FailureServerError:
		return "server_error"
	case FailureRateLimit:
		return "rate_limit"
	case FailureStreamInterrupt:
		return "stream_interrupt"
	default:
		return "unknown"
	}
}

// DetectFailure classifies an HTTP round-trip outcome.
func DetectFailure(resp *http.Response, err error) FailureType {
	if err != nil {
		if os.IsTimeout(err) {
			return FailureTimeout
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return FailureTimeout
		}
		var netErr *net.OpError
		if errors.As(err, &netErr) {
			if strings.Contains(netErr.Error(), "connection refused") {
				return FailureConnectionRefused
			}
			if strings.Contains(netErr.Error(), "connection reset") {
				return FailureConnectionReset
			}
		}
		errStr := err.Error()
		if strings.Contains(errStr, "connection refused") {
			return FailureConnectionRefused
		}
		if strings.Contains(errStr, "connection reset") {
			return FailureConnectionReset
		}
		if strings.Contains(errStr, "EOF") {
			return FailureStreamInterrupt
		}
		return FailureStreamInterrupt
	}

	if resp == nil {
		return FailureStreamInterrupt
	}
	if resp.StatusCode >= 500 {
		return FailureServerError
	}
	if resp.StatusCode == 429 {
		if resp.Header.Get("Retry-After") == "" {
			return FailureRateLimit
		}
	}
	return FailureNone
}

// State is the circuit breaker's current mode.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Decision is the three-way outcome of a Check call.
type Decision int

const (
	Allow Decision = iota
	Deny
	Throttle
)

func (d Decision) String() string {
	switch d {
	case Allow:
		return "allow"
	case Deny:
		return "deny"
	case Throttle:
		return "throttle"
	default:
		return "unknown"
	}
}

// Reason names why a Check reached a non-ALLOW decision.
type Reason int

const (
	ReasonNone Reason = iota
	ReasonOpen
	ReasonHalfOpenExhausted
	ReasonPredictiveRisk
	ReasonReputationLoad
	ReasonReputationBlocked
)

func (r Reason) String() string {
	switch r {
	case ReasonOpen:
		return "circuit_open"
	case ReasonHalfOpenExhausted:
		return "half_open_probe_exhausted"
	case ReasonPredictiveRisk:
		return "predictive_risk"
	case ReasonReputationLoad:
		return "reputation_load_throttle"
	case ReasonReputationBlocked:
		return "reputation_blocked"
	default:
		return "none"
	}
}

// Result is the outcome of one Check call.
type Result struct {
	Decision   Decision
	Reason     Reason
	Confidence float64
	Metadata   map[string]float64
}

// Config tunes one breaker's behavior.
type Config struct {
	// BaseFailureThreshold is the consecutive-failure count that opens
	// the breaker under nominal health; it adapts downward as the
	// backend's recent health score drops, and is itself rescaled by
	// AdjustThresholds on every monitoring tick.
	BaseFailureThreshold int
	OpenDuration         time.Duration
	HalfOpenMaxProbes    int
	// ResponseTimeTrendWindow is how many recent latencies feed the
	// predictive-risk trend check.
	ResponseTimeTrendWindow int
}

func DefaultConfig() Config {
	return Config{
		BaseFailureThreshold:    5,
		OpenDuration:            30 * time.Second,
		HalfOpenMaxProbes:       3,
		ResponseTimeTrendWindow: 20,
	}
}

// Breaker is one backend's circuit breaker instance.
type Breaker struct {
	mu sync.Mutex

	cfg Config
	// adjustedBaseThreshold is cfg.BaseFailureThreshold as rescaled by
	// the most recent AdjustThresholds call.
	adjustedBaseThreshold int

	state               State
	consecutiveFailures int
	openedAt            time.Time
	halfOpenProbes      int
	halfOpenOK          int

	latencies       statutil.OnlineStat
	recentLatencies []time.Duration

	healthScore float64 // 1.0 = perfectly healthy, 0 = fully degraded
}

// New creates a Breaker in the CLOSED state.
func New(cfg Config) *Breaker {
	return &Breaker{cfg: cfg, adjustedBaseThreshold: cfg.BaseFailureThreshold, state: Closed, healthScore: 1.0}
}

// Check reports whether a call may proceed for a client at the given
// reputation level. BLOCKED clients are denied outright regardless of
// breaker state. In HALF_OPEN it admits up to HalfOpenMaxProbes trial
// calls before deciding to close or reopen. A healthy CLOSED breaker can
// still return THROTTLE: once from a self-contained predictive-risk
// read of recent latency and failure trends (independent of reputation),
// and once from reputation-load coupling — a SUSPICIOUS client is
// throttled once the breaker's load factor exceeds 0.7, a throttle a
// TRUSTED client never triggers since the check is scoped to SUSPICIOUS.
func (b *Breaker) Check(level reputation.Level) Result {
	b.mu.Lock()
	defer b.mu.Unlock()

	if level == reputation.LevelBlocked {
		return Result{Decision: Deny, Reason: ReasonReputationBlocked, Confidence: 1.0}
	}

	switch b.state {
	case Open:
		if time.Since(b.openedAt) < b.cfg.OpenDuration {
			return Result{Decision: Deny, Reason: ReasonOpen, Confidence: 1.0}
		}
		b.state = HalfOpen
		b.halfOpenProbes = 0
		b.halfOpenOK = 0
		fallthrough
	case HalfOpen:
		if b.halfOpenProbes >= b.cfg.HalfOpenMaxProbes {
			return Result{Decision: Deny, Reason: ReasonHalfOpenExhausted, Confidence: 1.0}
		}
		b.halfOpenProbes++
		return Result{Decision: Allow}
	}

	if risk, confidence := b.predictiveRiskLocked(); risk > 0.8 && confidence > 0.7 {
		return Result{
			Decision:   Throttle,
			Reason:     ReasonPredictiveRisk,
			Confidence: confidence,
			Metadata:   map[string]float64{"risk": risk},
		}
	}

	loadFactor := 1.0 - b.healthScore
	if level == reputation.LevelSuspicious && loadFactor > 0.7 {
		return Result{Decision: Throttle, Reason: ReasonReputationLoad, Confidence: loadFactor}
	}

	return Result{Decision: Allow}
}

// RecordSuccess reports a successful call, its latency, and advances
// the state machine and health score accordingly.
func (b *Breaker) RecordSuccess(latency time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.consecutiveFailures = 0
	b.trackLatencyLocked(latency)
	b.healthScore = statutil.Clamp01(b.healthScore + 0.05)

	if b.state == HalfOpen {
		b.halfOpenOK++
		if b.halfOpenOK >= b.cfg.HalfOpenMaxProbes {
			b.state = Closed
		}
	}
}

// RecordFailure reports a failed call and advances the state machine.
// A failure observed while HALF_OPEN reopens the breaker immediately.
func (b *Breaker) RecordFailure(kind FailureType) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.consecutiveFailures++
	b.healthScore = statutil.Clamp01(b.healthScore - failureSeverity(kind))

	if b.state == HalfOpen {
		b.open()
		return
	}

	threshold := b.adaptiveThresholdLocked()
	if b.consecutiveFailures >= threshold {
		b.open()
	}
}

func (b *Breaker) open() {
	b.state = Open
	b.openedAt = time.Now()
}

func failureSeverity(kind FailureType) float64 {
	switch kind {
	case FailureServerError, FailureConnectionRefused:
		return 0.15
	case FailureTimeout, FailureConnectionReset, FailureStreamInterrupt:
		return 0.1
	case FailureRateLimit:
		return 0.05
	default:
		return 0.02
	}
}

// adaptiveThresholdLocked lowers the failure threshold as the backend's
// health score degrades, so a breaker protecting an already-struggling
// backend opens faster. Caller must hold b.mu.
func (b *Breaker) adaptiveThresholdLocked() int {
	scaled := int(float64(b.adjustedBaseThreshold) * b.healthScore)
	if scaled < 1 {
		return 1
	}
	return scaled
}

// AdjustThresholds rescales the base failure threshold on a monitoring
// tick according to system-wide health: a struggling system (score <
// 0.5) halves the threshold so breakers trip faster; a healthy system
// (score > 0.8) doubles it so transient blips don't trip breakers
// needlessly. Bounded to never fall below 1.
func (b *Breaker) AdjustThresholds(systemHealthScore float64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch {
	case systemHealthScore < 0.5:
		b.adjustedBaseThreshold = b.cfg.BaseFailureThreshold / 2
	case systemHealthScore > 0.8:
		b.adjustedBaseThreshold = b.cfg.BaseFailureThreshold * 2
	default:
		b.adjustedBaseThreshold = b.cfg.BaseFailureThreshold
	}
	if b.adjustedBaseThreshold < 1 {
		b.adjustedBaseThreshold = 1
	}
}

func (b *Breaker) trackLatencyLocked(latency time.Duration) {
	b.latencies.Add(float64(latency))
	b.recentLatencies = append(b.recentLatencies, latency)
	if len(b.recentLatencies) > b.cfg.ResponseTimeTrendWindow {
		b.recentLatencies = b.recentLatencies[len(b.recentLatencies)-b.cfg.ResponseTimeTrendWindow:]
	}
}

// predictiveRiskLocked reads a self-contained risk/confidence pair from
// recent latency history, ahead of the failure-count threshold: a
// rising response-time trend (more than 1.2x growth between the
// window's two halves) and a second-half mean running well above the
// breaker's own lifetime baseline are combined into one risk score.
// Confidence tracks how full the latency window is. Caller must hold
// b.mu.
func (b *Breaker) predictiveRiskLocked() (risk, confidence float64) {
	n := len(b.recentLatencies)
	confidence = statutil.Clamp01(float64(n) / float64(b.cfg.ResponseTimeTrendWindow))
	if n < 2 {
		return 0, confidence
	}

	half := n / 2
	var firstHalf, secondHalf float64
	for i := 0; i < half; i++ {
		firstHalf += float64(b.recentLatencies[i])
	}
	firstHalf /= float64(half)
	for i := half; i < n; i++ {
		secondHalf += float64(b.recentLatencies[i])
	}
	secondHalf /= float64(n - half)

	var trendRisk float64
	if firstHalf > 0 {
		growth := secondHalf / firstHalf
		trendRisk = statutil.Clamp01((growth - 1.2) / 0.8)
	}

	var baselineRisk float64
	if mean := b.latencies.Mean(); mean > 0 {
		baselineRisk = statutil.Clamp01(secondHalf/mean - 1.0)
	}

	risk = statutil.Clamp01(0.6*trendRisk + 0.4*baselineRisk)
	return risk, confidence
}

// Status returns the breaker's current state.
func (b *Breaker) Status() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// HealthScore returns the breaker's running health score, in [0, 1].
func (b *Breaker) HealthScore() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.healthScore
}
