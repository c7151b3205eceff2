package transport

import (
	"context"
	"testing"
)

func TestProbeSupportDisabledReturnsFalse(t *testing.T) {
	cfg := EchConfig{Enabled: false}
	if cfg.ProbeSupport(context.Background(), "example.com") {
		t.Error("expected false when ECH probing disabled")
	}
}

func TestProbeSupportUnreachableHostDegradesToFalse(t *testing.T) {
	cfg := EchConfig{Enabled: true, FallbackEnabled: true}
	if cfg.ProbeSupport(context.Background(), "host.invalid.example") {
		t.Error("expected false when probe target is unreachable")
	}
}

func TestDefaultEchConfig(t *testing.T) {
	cfg := DefaultEchConfig()
	if cfg.Enabled {
		t.Error("DefaultEchConfig should have ECH disabled")
	}
	if !cfg.FallbackEnabled {
		t.Error("DefaultEchConfig should allow fallback")
	}
}
