// Package control exposes the protection core's operational surface:
// health, aggregate metrics, and decision history lookups. Handler
// composition (New -> NewWithAudit -> NewWithAuth) and the
// bearer-token auth check follow the proxy's control.Handler pattern,
// narrowed to the protection core's own read-only endpoints.
package control

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"protectcore/internal/audit"
	"protectcore/internal/behavior"
	"protectcore/internal/breaker"
	"protectcore/internal/dedup"
	"protectcore/internal/hasher"
	"protectcore/internal/reputation"
	"protectcore/internal/timeoutmgr"
)

// Handler serves the protection core's control API.
type Handler struct {
	breakers   *breaker.Registry
	reputation *reputation.Engine
	decisions  *audit.Store
	mux        *http.ServeMux

	authEnabled bool
	apiKey      string

	hasher       *hasher.Hasher
	dedup        *dedup.Deduplicator
	behaviors    *behavior.Analyzer
	timeouts     *timeoutmgr.Manager
	anomalyCount func() int
}

// Option configures optional component wiring for the deeper
// /health/protection/metrics view; every option is optional, and a
// Handler built with none behaves exactly as before.
type Option func(*Handler)

// WithComponents wires the hasher, deduplicator, behavioral analyzer,
// and timeout manager into the handler's per-component metrics view.
// anomalyCount, if non-nil, reports how many per-session anomaly
// detectors the coordinator currently tracks.
func WithComponents(h *hasher.Hasher, d *dedup.Deduplicator, b *behavior.Analyzer, t *timeoutmgr.Manager, anomalyCount func() int) Option {
	return func(handler *Handler) {
		handler.hasher = h
		handler.dedup = d
		handler.behaviors = b
		handler.timeouts = t
		handler.anomalyCount = anomalyCount
	}
}

// New creates a control handler with no decision history and no auth.
func New(breakers *breaker.Registry, rep *reputation.Engine) *Handler {
	return NewWithAudit(breakers, rep, nil)
}

// NewWithAudit creates a control handler backed by a decision log.
func NewWithAudit(breakers *breaker.Registry, rep *reputation.Engine, decisions *audit.Store) *Handler {
	return NewWithAuth(breakers, rep, decisions, false, "")
}

// NewWithAuth creates a control handler that, when authEnabled is set,
// requires bearer-token auth on every /control/* route except
// /control/health.
func NewWithAuth(breakers *breaker.Registry, rep *reputation.Engine, decisions *audit.Store, authEnabled bool, apiKey string, opts ...Option) *Handler {
	h := &Handler{
		breakers:    breakers,
		reputation:  rep,
		decisions:   decisions,
		mux:         http.NewServeMux(),
		authEnabled: authEnabled,
		apiKey:      apiKey,
	}
	for _, opt := range opts {
		opt(h)
	}

	h.mux.HandleFunc("/control/health", h.handleHealth)
	h.mux.HandleFunc("/control/metrics", h.handleMetrics)
	h.mux.HandleFunc("/control/breakers", h.handleBreakers)
	h.mux.HandleFunc("/control/reputation/", h.handleReputation)
	h.mux.HandleFunc("/control/decisions", h.handleDecisions)
	h.mux.HandleFunc("/health/protection", h.handleHealth)
	h.mux.HandleFunc("/health/protection/metrics", h.handleProtectionMetrics)

	return h
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusOK)
		return
	}

	if h.authEnabled && strings.HasPrefix(r.URL.Path, "/control/") && r.URL.Path != "/control/health" {
		if !h.checkAuth(r) {
			w.Header().Set("WWW-Authenticate", `Bearer realm="Protection Control API"`)
			writeJSON(w, http.StatusUnauthorized, map[string]string{
				"error":   "unauthorized",
				"message": "valid API key required; use 'Authorization: Bearer <api_key>'",
			})
			return
		}
	}

	h.mux.ServeHTTP(w, r)
}

func (h *Handler) checkAuth(r *http.Request) bool {
	if auth := r.Header.Get("Authorization"); auth != "" {
		if strings.HasPrefix(auth, "Bearer ") && strings.TrimPrefix(auth, "Bearer ") == h.apiKey {
			return true
		}
		if auth == h.apiKey {
			return true
		}
	}
	return r.Header.Get("X-API-Key") == h.apiKey
}

// HealthResponse is the GET /control/health payload.
type HealthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, HealthResponse{Status: "ok", Timestamp: time.Now()})
}

// MetricsResponse is the GET /control/metrics payload.
type MetricsResponse struct {
	Breakers         map[string]string `json:"breakers"`
	ReputationCached int               `json:"reputation_cache_size"`
	Decisions        *audit.Summary    `json:"decisions,omitempty"`
}

func (h *Handler) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	resp := MetricsResponse{
		Breakers: make(map[string]string),
	}
	for backend, state := range h.breakers.Snapshot() {
		resp.Breakers[backend] = state.String()
	}
	if h.reputation != nil {
		resp.ReputationCached = h.reputation.CacheSize()
	}
	if h.decisions != nil {
		if since := sinceParam(r); since != nil || r.URL.Query().Get("since") == "" {
			if summary, err := h.decisions.Summarize(since); err == nil {
				resp.Decisions = summary
			} else {
				slog.Error("failed to summarize decisions", "error", err)
			}
		}
	}

	writeJSON(w, http.StatusOK, resp)
}

// ProtectionMetricsResponse is the GET /health/protection/metrics
// payload: the same breaker/reputation view as /control/metrics, plus
// per-component state for whichever components were wired in via
// WithComponents.
type ProtectionMetricsResponse struct {
	Breakers         map[string]string `json:"breakers"`
	SystemHealth     float64           `json:"system_health_score"`
	ReputationCached int               `json:"reputation_cache_size"`
	Decisions        *audit.Summary    `json:"decisions,omitempty"`
	Components       ComponentStatus   `json:"components"`
}

// ComponentStatus reports one snapshot value per protection layer, only
// populated for the components the handler was wired with.
type ComponentStatus struct {
	HasherIterations   int  `json:"hasher_iterations,omitempty"`
	DedupFallbackOnly  bool `json:"dedup_fallback_active"`
	BehaviorSessions   int  `json:"behavior_tracked_sessions"`
	TimeoutActiveOps   int  `json:"timeout_active_operations"`
	AnomalyDetectors   int  `json:"anomaly_active_detectors"`
}

func (h *Handler) handleProtectionMetrics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	resp := ProtectionMetricsResponse{Breakers: make(map[string]string)}
	for backend, state := range h.breakers.Snapshot() {
		resp.Breakers[backend] = state.String()
	}
	resp.SystemHealth = h.breakers.SystemHealth().OverallHealthScore
	if h.reputation != nil {
		resp.ReputationCached = h.reputation.CacheSize()
	}
	if h.decisions != nil {
		if summary, err := h.decisions.Summarize(sinceParam(r)); err == nil {
			resp.Decisions = summary
		} else {
			slog.Error("failed to summarize decisions", "error", err)
		}
	}

	if h.hasher != nil {
		resp.Components.HasherIterations = h.hasher.Iterations()
	}
	if h.dedup != nil {
		resp.Components.DedupFallbackOnly = h.dedup.FallbackActive()
	}
	if h.behaviors != nil {
		resp.Components.BehaviorSessions = h.behaviors.TrackedSessions()
	}
	if h.timeouts != nil {
		resp.Components.TimeoutActiveOps = h.timeouts.ActiveCount()
	}
	if h.anomalyCount != nil {
		resp.Components.AnomalyDetectors = h.anomalyCount()
	}

	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleBreakers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	snapshot := h.breakers.Snapshot()
	out := make(map[string]string, len(snapshot))
	for backend, state := range snapshot {
		out[backend] = state.String()
	}
	writeJSON(w, http.StatusOK, out)
}

// ReputationResponse is the GET /control/reputation/{clientID} payload.
type ReputationResponse struct {
	ClientID   string  `json:"client_id"`
	Level      string  `json:"level"`
	Composite  float64 `json:"composite"`
	Trend      string  `json:"trend"`
}

func (h *Handler) handleReputation(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	clientID := strings.TrimPrefix(r.URL.Path, "/control/reputation/")
	if clientID == "" {
		http.Error(w, "client id required", http.StatusBadRequest)
		return
	}
	assessment := h.reputation.Get(r.Context(), clientID)
	writeJSON(w, http.StatusOK, ReputationResponse{
		ClientID:  clientID,
		Level:     assessment.Level.String(),
		Composite: assessment.Record.Composite(),
		Trend:     assessment.Trend.String(),
	})
}

func (h *Handler) handleDecisions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if h.decisions == nil {
		http.Error(w, "decision log not enabled", http.StatusServiceUnavailable)
		return
	}

	query := r.URL.Query()
	opts := audit.QueryOptions{
		SessionID: query.Get("session_id"),
		ClientID:  query.Get("client_id"),
		Decision:  query.Get("decision"),
		Since:     sinceParam(r),
	}
	if limit, err := strconv.Atoi(query.Get("limit")); err == nil {
		opts.Limit = limit
	}
	if opts.Limit <= 0 || opts.Limit > 500 {
		opts.Limit = 100
	}

	records, err := h.decisions.Query(opts)
	if err != nil {
		slog.Error("failed to query decisions", "error", err)
		http.Error(w, "query failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, records)
}

func sinceParam(r *http.Request) *time.Time {
	v := r.URL.Query().Get("since")
	if v == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return nil
	}
	return &t
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}
