package platform

import "testing"

// Uptime is best-effort and platform-specific; the only contract callers
// can rely on is that it never panics and never returns a wildly implausible
// value like the max uint64.
func TestUptimeDoesNotPanic(t *testing.T) {
	got := Uptime()
	if got == ^uint64(0) {
		t.Errorf("Uptime() = %d, looks like an overflow", got)
	}
}
