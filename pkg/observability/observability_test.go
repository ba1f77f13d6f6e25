package observability

import (
	"context"
	"errors"
	"testing"
)

func TestDisabledProviderIsNoOp(t *testing.T) {
	p, err := New(context.Background(), &Config{Enabled: false})
	if err != nil {
		t.Fatalf("New disabled: %v", err)
	}

	// All paths must be safe without initialised exporters.
	ctx, done := p.TrackOperation(context.Background(), "screening.screen")
	if ctx == nil {
		t.Fatal("TrackOperation returned nil context")
	}
	done(errors.New("boom"))
	p.RecordError(context.Background(), errors.New("boom"))

	if err := p.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown: %v", err)
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.ServiceName != "datapact-core" {
		t.Errorf("ServiceName = %q", cfg.ServiceName)
	}
	if cfg.SampleRate != 1.0 {
		t.Errorf("SampleRate = %v", cfg.SampleRate)
	}
	if cfg.Insecure {
		t.Error("Insecure should default to false")
	}
}
