// Package telemetry wraps OpenTelemetry tracing for request and
// mitigation spans. Adapted from the proxy's tracer provider: same
// exporter selection (otlp/stdout/none) and graceful-degrade-to-noop
// behavior, renamed from session/voice attributes to the edge node's
// own request and block-decision spans.
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
	Enabled     bool   `yaml:"enabled"`
	Exporter    string `yaml:"exporter"` // "otlp", "stdout", or "none"
	Endpoint    string `yaml:"endpoint"`
	ServiceName string `yaml:"service_name"`
	Insecure    bool   `yaml:"insecure"`
}

// DefaultConfig returns tracing disabled, matching the node's
// fail-open stance: a missing collector must never block traffic.
func DefaultConfig() Config {
	return Config{
		Enabled:     false,
		Exporter:    "none",
		ServiceName: "secbeat",
	}
}

// Provider manages OpenTelemetry tracing for one node process.
type Provider struct {
	config   Config
	tracer   trace.Tracer
	provider *sdktrace.TracerProvider
}

// NewProvider creates a tracing provider. A failing exporter is returned
// as an error; the node binaries then fall back to NoopProvider rather
// than failing startup.
func NewProvider(cfg Config) (*Provider, error) {
	if !cfg.Enabled {
		return &Provider{config: cfg, tracer: otel.Tracer("secbeat")}, nil
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = "secbeat"
	}

	slog.Info("telemetry: creating exporter", "type", cfg.Exporter)

	var exporter sdktrace.SpanExporter
	var err error
	switch cfg.Exporter {
	case "otlp":
		exporter, err = createOTLPExporter(cfg)
		if err != nil {
			return nil, err
		}
		slog.Info("telemetry: otlp exporter initialized", "endpoint", cfg.Endpoint)
	case "stdout":
		exporter, err = stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			slog.Error("telemetry: stdout exporter creation failed", "error", err)
			return nil, err
		}
		slog.Info("telemetry: stdout exporter initialized")
	default:
		return &Provider{config: cfg, tracer: otel.Tracer("secbeat")}, nil
	}

	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	otel.SetTracerProvider(tp)

	return &Provider{config: cfg, tracer: tp.Tracer("secbeat"), provider: tp}, nil
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

// Shutdown gracefully drains the trace provider, if one was created.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.provider != nil {
		return p.provider.Shutdown(ctx)
	}
	return nil
}

// Enabled reports whether a real exporter is wired up.
func (p *Provider) Enabled() bool {
	return p.config.Enabled && p.provider != nil
}

// Span attribute keys.
const (
	AttrSourceIP      = "secbeat.source.ip"
	AttrNodeID        = "secbeat.node.id"
	AttrBackend       = "secbeat.backend"
	AttrWAFAction     = "secbeat.waf.action"
	AttrWAFRuleID     = "secbeat.waf.rule_id"
	AttrBlockReason   = "secbeat.block.reason"
	AttrBlockTTL      = "secbeat.block.ttl_seconds"
	AttrRequestMethod = "http.request.method"
	AttrRequestPath   = "url.path"
	AttrResponseCode  = "http.response.status_code"
	AttrBytesIn       = "secbeat.bytes.in"
	AttrBytesOut      = "secbeat.bytes.out"
)

// StartRequestSpan starts a span for one proxied HTTP request.
func (p *Provider) StartRequestSpan(ctx context.Context, sourceIP, method, path string) (context.Context, trace.Span) {
	return p.tracer.Start(ctx, "l7proxy.request",
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String(AttrSourceIP, sourceIP),
			attribute.String(AttrRequestMethod, method),
			attribute.String(AttrRequestPath, path),
		),
	)
}

// EndRequestSpan closes a request span with outcome attributes.
func (p *Provider) EndRequestSpan(span trace.Span, statusCode int, bytesIn, bytesOut int64, err error) {
	span.SetAttributes(
		attribute.Int(AttrResponseCode, statusCode),
		attribute.Int64(AttrBytesIn, bytesIn),
		attribute.Int64(AttrBytesOut, bytesOut),
	)
	if err != nil {
		span.RecordError(err)
	}
	span.End()
}

// RecordWAFVerdict attaches a WAF verdict as an event on the request
// span in ctx.
func (p *Provider) RecordWAFVerdict(ctx context.Context, action string, ruleID string) {
	span := trace.SpanFromContext(ctx)
	span.AddEvent("waf.verdict", trace.WithAttributes(
		attribute.String(AttrWAFAction, action),
		attribute.String(AttrWAFRuleID, ruleID),
	))
}

// RecordBlockIssued starts a short-lived span recording a BlockCommand
// issued by the anomaly engine, independent of any in-flight request.
func (p *Provider) RecordBlockIssued(ctx context.Context, sourceIP, reason string, ttlSeconds uint32) {
	_, span := p.tracer.Start(ctx, "anomaly.block_issued",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String(AttrSourceIP, sourceIP),
			attribute.String(AttrBlockReason, reason),
			attribute.Int64(AttrBlockTTL, int64(ttlSeconds)),
		),
	)
	span.End()
	slog.Info("telemetry: block issuance recorded", "source_ip", sourceIP, "reason", reason)
}

// ConfigFromEnv overlays environment variables onto DefaultConfig,
// following the OTEL_EXPORTER_OTLP_* convention plus SECBEAT_TELEMETRY_*
// overrides.
func ConfigFromEnv() Config {
	cfg := DefaultConfig()
	if v := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); v != "" {
		cfg.Enabled = true
		cfg.Exporter = "otlp"
		cfg.Endpoint = v
		cfg.Insecure = os.Getenv("OTEL_EXPORTER_OTLP_INSECURE") == "true"
	}
	if os.Getenv("SECBEAT_TELEMETRY_ENABLED") == "true" {
		cfg.Enabled = true
	}
	if v := os.Getenv("SECBEAT_TELEMETRY_EXPORTER"); v != "" {
		cfg.Exporter = v
	}
	if v := os.Getenv("SECBEAT_TELEMETRY_ENDPOINT"); v != "" {
		cfg.Endpoint = v
	}
	return cfg
}

// NoopProvider returns a provider with tracing fully disabled, for
// tests and code paths that only need an always-present tracer.
func NoopProvider() *Provider {
	return &Provider{config: Config{Enabled: false}, tracer: otel.Tracer("secbeat-noop")}
}

// SpanFromContext extracts the active span from ctx.
func SpanFromContext(ctx context.Context) trace.Span {
	return trace.SpanFromContext(ctx)
}

// ContextWithTimeout builds a background context bounded for shutdown.
func ContextWithTimeout(timeout time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), timeout)
}
