package telemetry

import (
	"context"
	"testing"
)

func TestNewProviderDisabledReturnsNoopTracer(t *testing.T) {
	p, err := NewProvider(DefaultConfig())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.Enabled() {
		t.Fatalf("expected disabled provider")
	}
	if p.Tracer() == nil {
		t.Fatalf("expected a non-nil noop tracer")
	}
}

func TestShutdownOnDisabledProviderIsNoop(t *testing.T) {
	p := NoopProvider()
	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatalf("expected noop shutdown to succeed, got %v", err)
	}
}

func TestStartAndEndRequestSpanDoesNotPanic(t *testing.T) {
	p := NoopProvider()
	ctx, span := p.StartRequestSpan(context.Background(), "203.0.113.9", "GET", "/health")
	p.RecordWAFVerdict(ctx, "allow", "")
	p.EndRequestSpan(span, 200, 128, 512, nil)
}

func TestConfigFromEnvDefaultsDisabled(t *testing.T) {
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	t.Setenv("SECBEAT_TELEMETRY_ENABLED", "")
	t.Setenv("SECBEAT_TELEMETRY_EXPORTER", "")
	cfg := ConfigFromEnv()
	if cfg.Enabled {
		t.Fatalf("expected telemetry disabled by default")
	}
	if cfg.Exporter != "none" {
		t.Fatalf("expected exporter 'none', got %q", cfg.Exporter)
	}
}
