// Package settings loads the process-wide, immutable-after-load
// configuration for the protection core from environment variables,
// following the defaults-then-overrides-then-validate shape used by
// config.Config, but sourcing every value from the environment rather
// than a YAML file: protection behavior is tuned per-deployment through
// env vars, while hostconfig covers the YAML-configurable host surface.
package settings

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// RateLimitRule is one named bucket's sliding-window parameters.
type RateLimitRule struct {
	Name    string
	Limit   int
	Window  time.Duration
	Enabled bool
}

// DedupRule is one endpoint class's deduplication TTL.
type DedupRule struct {
	DefaultTTL   time.Duration
	AgentQueryTTL time.Duration
}

// TimeoutRule holds the configured durations for the timeout hierarchy.
// Validate enforces total ≥ phase ≥ llmCall.
type TimeoutRule struct {
	AgentTotal       time.Duration
	AgentPhase       time.Duration
	LLMCall          time.Duration
	EmergencyShutdown time.Duration
}

// DegradationPolicy governs behavior when Redis is unreachable.
type DegradationPolicy int

const (
	// FailOpen admits requests when a dependency is unavailable.
	FailOpen DegradationPolicy = iota
	// FailClosed denies requests (503) when a dependency is unavailable.
	FailClosed
)

func (d DegradationPolicy) String() string {
	if d == FailClosed {
		return "fail_closed"
	}
	return "fail_open"
}

// Settings is the process-wide immutable configuration. Built once at
// startup by Load and passed by pointer into every component
// constructor — never a package-level global.
type Settings struct {
	Enabled       bool
	FailOpen      DegradationPolicy
	BypassHeaders []string

	RedisURL       string
	RedisKeyPrefix string

	RateLimits map[string]RateLimitRule // keyed by limit type: global, per_session, per_session_hourly, title_generation
	Dedup      DedupRule
	Timeouts   TimeoutRule

	BehavioralAnalysisEnabled  bool
	MLAnomalyDetectionEnabled  bool
	ReputationSystemEnabled    bool
	SmartCircuitBreakersEnabled bool

	MLModelPath string

	ProtectionMonitoringInterval time.Duration
	ProtectionCleanupInterval    time.Duration
}

// limit-type keys, used both as map keys in RateLimits and as the
// `limit_type` field in RateLimitBucket.
const (
	LimitGlobal            = "global"
	LimitPerSession        = "per_session"
	LimitPerSessionHourly  = "per_session_hourly"
	LimitPerEndpoint       = "per_endpoint"
	LimitTitleGeneration   = "title_generation"
)

func defaults() *Settings {
	return &Settings{
		Enabled:       true,
		FailOpen:      FailOpen,
		BypassHeaders: nil,

		RedisURL:       "redis://localhost:6379/0",
		RedisKeyPrefix: "protectcore:",

		RateLimits: map[string]RateLimitRule{
			LimitGlobal:           {Name: LimitGlobal, Limit: 1000, Window: 60 * time.Second, Enabled: true},
			LimitPerSession:       {Name: LimitPerSession, Limit: 10, Window: 60 * time.Second, Enabled: true},
			LimitPerSessionHourly: {Name: LimitPerSessionHourly, Limit: 100, Window: 3600 * time.Second, Enabled: true},
			LimitTitleGeneration:  {Name: LimitTitleGeneration, Limit: 1, Window: 300 * time.Second, Enabled: true},
		},
		Dedup: DedupRule{
			DefaultTTL:    300 * time.Second,
			AgentQueryTTL: 60 * time.Second,
		},
		Timeouts: TimeoutRule{
			AgentTotal:        300 * time.Second,
			AgentPhase:        120 * time.Second,
			LLMCall:           30 * time.Second,
			EmergencyShutdown: 600 * time.Second,
		},

		BehavioralAnalysisEnabled:   true,
		MLAnomalyDetectionEnabled:   true,
		ReputationSystemEnabled:     true,
		SmartCircuitBreakersEnabled: true,

		ProtectionMonitoringInterval: 60 * time.Second,
		ProtectionCleanupInterval:    3600 * time.Second,
	}
}

// envLookup abstracts os.Getenv so tests can inject a fake environment
// without mutating process-global state.
type envLookup func(key string) (string, bool)

// LoadFromEnv builds Settings from the process environment. Missing variables
// use documented defaults; malformed values are reported as an error
// rather than silently ignored, so a typo in deployment config fails
// fast at startup instead of loading a silently-wrong limit.
func LoadFromEnv() (*Settings, error) {
	return Load(os.LookupEnv)
}

// Load builds Settings using the given environment lookup function,
// allowing tests to supply a fake environment.
func Load(lookup envLookup) (*Settings, error) {
	s := defaults()
	if err := applyEnvOverrides(s, lookup); err != nil {
		return nil, fmt.Errorf("load settings: %w", err)
	}
	if err := validate(s); err != nil {
		return nil, fmt.Errorf("invalid settings: %w", err)
	}
	return s, nil
}

func applyEnvOverrides(s *Settings, getenv envLookup) error {
	if v, ok := getenv("PROTECTION_ENABLED"); ok {
		s.Enabled = v == "true"
	}
	if v, ok := getenv("PROTECTION_FAIL_OPEN"); ok {
		if v == "false" {
			s.FailOpen = FailClosed
		} else {
			s.FailOpen = FailOpen
		}
	}
	if v, ok := getenv("PROTECTION_BYPASS_HEADERS"); ok && v != "" {
		parts := strings.Split(v, ",")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		s.BypassHeaders = parts
	}

	if v, ok := getenv("REDIS_URL"); ok && v != "" {
		s.RedisURL = v
	}
	if v, ok := getenv("REDIS_KEY_PREFIX"); ok && v != "" {
		s.RedisKeyPrefix = v
	}

	rateLimitEnv := map[string]string{
		LimitGlobal:           "RATE_LIMIT_GLOBAL",
		LimitPerSession:       "RATE_LIMIT_PER_SESSION",
		LimitPerSessionHourly: "RATE_LIMIT_PER_SESSION_HOURLY",
		LimitTitleGeneration:  "RATE_LIMIT_TITLE_GENERATION",
	}
	for limitType, envVar := range rateLimitEnv {
		v, ok := getenv(envVar)
		if !ok || v == "" {
			continue
		}
		rule, err := parseRateLimit(limitType, v)
		if err != nil {
			return fmt.Errorf("%s: %w", envVar, err)
		}
		s.RateLimits[limitType] = rule
	}

	if v, ok := getenv("DEDUP_DEFAULT_TTL"); ok && v != "" {
		d, err := parseSeconds(v)
		if err != nil {
			return fmt.Errorf("DEDUP_DEFAULT_TTL: %w", err)
		}
		s.Dedup.DefaultTTL = d
	}
	if v, ok := getenv("DEDUP_AGENT_QUERY_TTL"); ok && v != "" {
		d, err := parseSeconds(v)
		if err != nil {
			return fmt.Errorf("DEDUP_AGENT_QUERY_TTL: %w", err)
		}
		s.Dedup.AgentQueryTTL = d
	}

	timeoutEnv := map[string]*time.Duration{
		"TIMEOUT_AGENT_TOTAL":       &s.Timeouts.AgentTotal,
		"TIMEOUT_AGENT_PHASE":       &s.Timeouts.AgentPhase,
		"TIMEOUT_LLM_CALL":          &s.Timeouts.LLMCall,
		"TIMEOUT_EMERGENCY_SHUTDOWN": &s.Timeouts.EmergencyShutdown,
	}
	for envVar, field := range timeoutEnv {
		v, ok := getenv(envVar)
		if !ok || v == "" {
			continue
		}
		d, err := parseSeconds(v)
		if err != nil {
			return fmt.Errorf("%s: %w", envVar, err)
		}
		*field = d
	}

	if v, ok := getenv("BEHAVIORAL_ANALYSIS_ENABLED"); ok {
		s.BehavioralAnalysisEnabled = v == "true"
	}
	if v, ok := getenv("ML_ANOMALY_DETECTION_ENABLED"); ok {
		s.MLAnomalyDetectionEnabled = v == "true"
	}
	if v, ok := getenv("REPUTATION_SYSTEM_ENABLED"); ok {
		s.ReputationSystemEnabled = v == "true"
	}
	if v, ok := getenv("SMART_CIRCUIT_BREAKERS_ENABLED"); ok {
		s.SmartCircuitBreakersEnabled = v == "true"
	}
	if v, ok := getenv("ML_MODEL_PATH"); ok && v != "" {
		s.MLModelPath = v
	}

	return nil
}

// parseRateLimit parses the "requests:window_seconds" format named in
// e.g. "10:60".
func parseRateLimit(limitType, v string) (RateLimitRule, error) {
	parts := strings.SplitN(v, ":", 2)
	if len(parts) != 2 {
		return RateLimitRule{}, fmt.Errorf("expected requests:window_seconds, got %q", v)
	}
	limit, err := strconv.Atoi(parts[0])
	if err != nil || limit <= 0 {
		return RateLimitRule{}, fmt.Errorf("invalid request count %q", parts[0])
	}
	windowSecs, err := strconv.Atoi(parts[1])
	if err != nil || windowSecs <= 0 {
		return RateLimitRule{}, fmt.Errorf("invalid window seconds %q", parts[1])
	}
	return RateLimitRule{
		Name:    limitType,
		Limit:   limit,
		Window:  time.Duration(windowSecs) * time.Second,
		Enabled: true,
	}, nil
}

func parseSeconds(v string) (time.Duration, error) {
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid seconds value %q", v)
	}
	return time.Duration(n) * time.Second, nil
}

// validate enforces the total ≥ phase ≥ llmCall inequality
// requires of the timeout hierarchy, plus basic sanity on rate limits.
func validate(s *Settings) error {
	t := s.Timeouts
	if t.AgentTotal < t.AgentPhase {
		return fmt.Errorf("timeout total (%s) must be >= phase (%s)", t.AgentTotal, t.AgentPhase)
	}
	if t.AgentPhase < t.LLMCall {
		return fmt.Errorf("timeout phase (%s) must be >= llm_call (%s)", t.AgentPhase, t.LLMCall)
	}
	if t.EmergencyShutdown < t.AgentTotal {
		return fmt.Errorf("emergency shutdown (%s) must be >= agent total (%s)", t.EmergencyShutdown, t.AgentTotal)
	}
	for name, rule := range s.RateLimits {
		if rule.Limit <= 0 || rule.Window <= 0 {
			return fmt.Errorf("rate limit %q has non-positive limit/window", name)
		}
	}
	return nil
}
