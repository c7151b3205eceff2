package transport

import (
	"context"
	"net/http"
	"time"
)

// EchConfig tracks whether Encrypted Client Hello probing is enabled and
// whether callers should fall back to standard TLS when a probe fails.
type EchConfig struct {
	Enabled         bool
	FallbackEnabled bool
}

// DefaultEchConfig disables ECH probing but allows falling back gracefully
// if a caller enables it later and the probe cannot complete.
func DefaultEchConfig() EchConfig {
	return EchConfig{Enabled: false, FallbackEnabled: true}
}

// ProbeSupport checks whether hostname's TLS endpoint negotiated ECH by
// returning the ECHAccepted flag of a HEAD request's TLS connection state.
// The probe client sets no ECH configuration list of its own. Any failure
// degrades to false rather than propagating an error, matching the
// fallback-first posture callers expect from a security probe.
func (c EchConfig) ProbeSupport(ctx context.Context, hostname string) bool {
	if !c.Enabled {
		return false
	}

	client := &http.Client{Timeout: 5 * time.Second}
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, "https://"+hostname, nil)
	if err != nil {
		return false
	}

	resp, err := client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()

	if resp.TLS == nil {
		return false
	}
	return resp.TLS.ECHAccepted
}
