// internal/telemetry/tracer_test.go
package telemetry

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel"
)

// TestInitTracer verifies the provider is built for both environments and
// installed as the global tracer provider.
func TestInitTracer(t *testing.T) {
	for _, env := range []string{"dev", "prod"} {
		tp, err := InitTracer("sharedrop-test", env)
		if err != nil {
			t.Fatalf("InitTracer(%q) error = %v", env, err)
		}
		if tp == nil {
			t.Fatalf("InitTracer(%q) returned nil provider", env)
		}
		if otel.GetTracerProvider() != tp {
			t.Errorf("InitTracer(%q) did not install the global provider", env)
		}
		if err := tp.Shutdown(context.Background()); err != nil {
			t.Errorf("Shutdown() error = %v", err)
		}
	}
}
