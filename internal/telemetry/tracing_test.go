package telemetry

import (
	"context"
	"testing"

	"github.com/opensource-finance/billguard/internal/domain"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

func TestSetup(t *testing.T) {
	original := otel.GetTracerProvider()
	t.Cleanup(func() { otel.SetTracerProvider(original) })

	t.Run("Disabled", func(t *testing.T) {
		shutdown, err := Setup(context.Background(), domain.TracingConfig{}, "test")
		if err != nil {
			t.Fatalf("Setup failed: %v", err)
		}
		if err := shutdown(context.Background()); err != nil {
			t.Errorf("shutdown failed: %v", err)
		}
		if _, ok := otel.GetTracerProvider().(*sdktrace.TracerProvider); ok {
			t.Error("expected no SDK provider when tracing is disabled")
		}
		if fields := otel.GetTextMapPropagator().Fields(); len(fields) == 0 {
			t.Error("expected trace-context propagator to be installed")
		}
	})

	t.Run("Enabled", func(t *testing.T) {
		cfg := domain.DefaultConfig().Tracing
		cfg.Enabled = true

		shutdown, err := Setup(context.Background(), cfg, "test")
		if err != nil {
			t.Fatalf("Setup failed: %v", err)
		}
		if _, ok := otel.GetTracerProvider().(*sdktrace.TracerProvider); !ok {
			t.Errorf("expected SDK provider, got %T", otel.GetTracerProvider())
		}
		if err := shutdown(context.Background()); err != nil {
			t.Errorf("shutdown failed: %v", err)
		}
	})
}

func TestSampler(t *testing.T) {
	tests := []struct {
		rate float64
		want string
	}{
		{1, "AlwaysOnSampler"},
		{2, "AlwaysOnSampler"},
		{0, "AlwaysOffSampler"},
		{-1, "AlwaysOffSampler"},
		{0.5, "TraceIDRatioBased{0.5}"},
	}
	for _, tt := range tests {
		if got := sampler(tt.rate).Description(); got != tt.want {
			t.Errorf("sampler(%v) = %s, want %s", tt.rate, got, tt.want)
		}
	}
}
