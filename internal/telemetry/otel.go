// Package telemetry wires OpenTelemetry tracing around protection
// decisions: one span per Coordinator.Decide call, annotated with the
// signals that drove the outcome.
package telemetry

import (
	"context"
	"log/slog"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// Config holds telemetry configuration.
type Config struct {
	Enabled     bool
	Exporter    string // "otlp", "stdout", or "none"
	Endpoint    string // OTLP endpoint (e.g., "localhost:4317")
	ServiceName string
	Insecure    bool
}

// Provider manages OpenTelemetry tracing for the protection pipeline.
type Provider struct {
	config   Config
	tracer   trace.Tracer
	provider *sdktrace.TracerProvider
}

// NewProvider creates a new telemetry provider.
func NewProvider(cfg Config) (*Provider, error) {
	if !cfg.Enabled {
		return &Provider{config: cfg, tracer: otel.Tracer("protectcore")}, nil
	}

	if cfg.ServiceName == "" {
		cfg.ServiceName = "protectcore"
	}

	slog.Info("creating telemetry exporter", "type", cfg.Exporter)

	var exporter sdktrace.SpanExporter
	var err error
	switch cfg.Exporter {
	case "otlp":
		exporter, err = createOTLPExporter(cfg)
		if err != nil {
			return nil, err
		}
		slog.Info("OTLP exporter initialized", "endpoint", cfg.Endpoint)
	case "stdout":
		exporter, err = stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			slog.Error("stdout exporter creation failed", "error", err)
			return nil, err
		}
		slog.Info("stdout trace exporter initialized")
	default:
		return &Provider{config: cfg, tracer: otel.Tracer("protectcore")}, nil
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSyncer(exporter),
	)
	otel.SetTracerProvider(tp)

	return &Provider{
		config:   cfg,
		tracer:   tp.Tracer("protectcore"),
		provider: tp,
	}, nil
}

func createOTLPExporter(cfg Config) (sdktrace.SpanExporter, error) {
	ctx := context.Background()
	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.Endpoint)}
	if cfg.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	return otlptracegrpc.New(ctx, opts...)
}

// Tracer returns the tracer for creating spans.
func (p *Provider) Tracer() trace.Tracer {
	return p.tracer
}

// Shutdown gracefully shuts down the trace provider.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.provider != nil {
		return p.provider.Shutdown(ctx)
	}
	return nil
}

// Enabled returns whether telemetry is enabled.
func (p *Provider) Enabled() bool {
	return p.config.Enabled && p.provider != nil
}

// Span attribute keys used across protection decision spans.
const (
	AttrSessionID    = "protectcore.session.id"
	AttrClientID     = "protectcore.client.id"
	AttrBackend      = "protectcore.backend"
	AttrDecision     = "protectcore.decision"
	AttrReason       = "protectcore.reason"
	AttrRiskLevel    = "protectcore.risk_level"
	AttrConfidence   = "protectcore.confidence"
	AttrRequestMethod = "http.request.method"
	AttrRequestPath   = "url.path"
	AttrResponseCode  = "http.response.status_code"
	AttrDurationMs    = "protectcore.duration.ms"
)

// StartDecisionSpan starts a span covering one Coordinator.Decide call.
func (p *Provider) StartDecisionSpan(ctx context.Context, sessionID, clientID, method, path string) (context.Context, trace.Span) {
	return p.tracer.Start(ctx, "protection.decide",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String(AttrSessionID, sessionID),
			attribute.String(AttrClientID, clientID),
			attribute.String(AttrRequestMethod, method),
			attribute.String(AttrRequestPath, path),
		),
	)
}

// EndDecisionSpan annotates and closes a decision span with the outcome.
func (p *Provider) EndDecisionSpan(span trace.Span, decision, reason, riskLevel string, confidence float64, err error) {
	span.SetAttributes(
		attribute.String(AttrDecision, decision),
		attribute.String(AttrReason, reason),
		attribute.String(AttrRiskLevel, riskLevel),
		attribute.Float64(AttrConfidence, confidence),
	)
	if err != nil {
		span.RecordError(err)
	}
	span.End()
}

// RecordOutcome records the backend call outcome as a span event on the
// current context's span, for correlating with the preceding decision.
func (p *Provider) RecordOutcome(ctx context.Context, backend string, statusCode int, durationMs int64) {
	span := trace.SpanFromContext(ctx)
	span.AddEvent("protection.outcome",
		trace.WithAttributes(
			attribute.String(AttrBackend, backend),
			attribute.Int(AttrResponseCode, statusCode),
			attribute.Int64(AttrDurationMs, durationMs),
		),
	)
}

// AttrSystemHealthScore and AttrSystemOpenBreakers annotate the
// periodic system-health span emitted by RecordSystemHealth.
const (
	AttrSystemHealthScore  = "protectcore.system.health_score"
	AttrSystemOpenBreakers = "protectcore.system.open_breakers"
)

// RecordSystemHealth emits one short span per monitoring tick carrying
// the registry-wide health snapshot. No metrics SDK is wired into this
// provider, so the monitoring tick's dashboard signal rides the same
// tracer as decision spans rather than a separate instrument.
func (p *Provider) RecordSystemHealth(ctx context.Context, healthScore float64, openBreakers int) {
	_, span := p.tracer.Start(ctx, "protection.system_health",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.Float64(AttrSystemHealthScore, healthScore),
			attribute.Int(AttrSystemOpenBreakers, openBreakers),
		),
	)
	span.End()
}

// DefaultConfig returns a default telemetry configuration (disabled).
func DefaultConfig() Config {
	return Config{
		Enabled:     false,
		Exporter:    "none",
		ServiceName: "protectcore",
	}
}

// ConfigFromEnv builds a Config from environment variables, honoring
// the standard OTEL_EXPORTER_OTLP_* variables alongside
// PROTECTCORE_TELEMETRY_* overrides.
func ConfigFromEnv() Config {
	cfg := DefaultConfig()

	if os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT") != "" {
		cfg.Enabled = true
		cfg.Exporter = "otlp"
		cfg.Endpoint = os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
		cfg.Insecure = os.Getenv("OTEL_EXPORTER_OTLP_INSECURE") == "true"
	}

	if os.Getenv("PROTECTCORE_TELEMETRY_ENABLED") == "true" {
		cfg.Enabled = true
	}
	if v := os.Getenv("PROTECTCORE_TELEMETRY_EXPORTER"); v != "" {
		cfg.Exporter = v
	}
	if v := os.Getenv("PROTECTCORE_TELEMETRY_ENDPOINT"); v != "" {
		cfg.Endpoint = v
	}

	return cfg
}

// NoopProvider returns a provider that does nothing, for tests.
func NoopProvider() *Provider {
	return &Provider{config: Config{Enabled: false}, tracer: otel.Tracer("protectcore-noop")}
}

// SpanFromContext extracts a span from context.
func SpanFromContext(ctx context.Context) trace.Span {
	return trace.SpanFromContext(ctx)
}

// ContextWithTimeout creates a context with timeout for shutdown.
func ContextWithTimeout(timeout time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), timeout)
}
