package otel

import (
	"context"
	"testing"
)

func TestParseHeaders(t *testing.T) {
	got := ParseHeaders(" api-key = secret ,broken, =empty,team=bridge")
	if len(got) != 2 || got["api-key"] != "secret" || got["team"] != "bridge" {
		t.Fatalf("unexpected headers %v", got)
	}
}

func TestFromEnvDisabledWithoutEndpoint(t *testing.T) {
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	cfg := FromEnv("lendbridge", "test")
	if cfg.Traces || cfg.Metrics {
		t.Fatalf("expected export disabled without endpoint: %+v", cfg)
	}
	shutdown, err := Init(context.Background(), cfg)
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}

func TestFromEnvReadsExporterSettings(t *testing.T) {
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "https://collector.internal:4318")
	t.Setenv("OTEL_EXPORTER_OTLP_INSECURE", "false")
	t.Setenv("OTEL_EXPORTER_OTLP_HEADERS", "authorization=Bearer x")
	t.Setenv("OTEL_TRACES_SAMPLER_ARG", "0.25")
	t.Setenv("OTEL_SDK_DISABLED", "")
	cfg := FromEnv("lendbridge", "prod")
	if !cfg.Traces || !cfg.Metrics {
		t.Fatalf("expected export enabled: %+v", cfg)
	}
	if cfg.Endpoint != "collector.internal:4318" || cfg.Insecure || cfg.SampleRatio != 0.25 {
		t.Fatalf("unexpected config %+v", cfg)
	}
	if cfg.Headers["authorization"] != "Bearer x" {
		t.Fatalf("unexpected headers %v", cfg.Headers)
	}

	t.Setenv("OTEL_SDK_DISABLED", "true")
	if cfg := FromEnv("lendbridge", "prod"); cfg.Traces {
		t.Fatalf("expected OTEL_SDK_DISABLED to win")
	}
}

func TestInitRequiresServiceName(t *testing.T) {
	if _, err := Init(context.Background(), Config{}); err == nil {
		t.Fatalf("expected error without service name")
	}
}
