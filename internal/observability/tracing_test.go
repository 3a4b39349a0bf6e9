package observability

import (
	"context"
	"testing"

	"github.com/folio-ai/folio/internal/log"
)

func TestSetup_DefaultEndpoint(t *testing.T) {
	cfg := Config{
		Endpoint:    "", // empty should use default
		Environment: "test",
		ServiceName: "test-service",
	}

	ctx := context.Background()
	shutdown, err := Setup(ctx, cfg, log.NewNop())
	if err != nil {
		t.Fatalf("Setup() error = %v", err)
	}
	if shutdown == nil {
		t.Fatal("Setup() returned nil shutdown")
	}
	if err := shutdown(ctx); err != nil {
		t.Errorf("shutdown() error = %v", err)
	}
}

func TestSetup_CollectorUnavailableGracefulDegradation(t *testing.T) {
	// Point to a collector that does not exist. Exporter creation succeeds;
	// spans fail to export silently. Startup must not fail either way.
	cfg := Config{
		Endpoint:    "localhost:64999",
		Environment: "test",
		ServiceName: "graceful-test",
	}

	ctx := context.Background()
	shutdown, err := Setup(ctx, cfg, log.NewNop())
	if err != nil {
		t.Fatalf("Setup() error = %v", err)
	}
	if err := shutdown(ctx); err != nil {
		t.Errorf("shutdown() error = %v", err)
	}
}

func TestDefaultEndpoint_Value(t *testing.T) {
	if DefaultEndpoint != "localhost:4318" {
		t.Errorf("DefaultEndpoint = %q", DefaultEndpoint)
	}
}
