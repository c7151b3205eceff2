package reconnect

import (
	"testing"
	"time"
)

func TestExponentialBackoffGrows(t *testing.T) {
	m := NewManager(ExponentialBackoff())
	m.RecordFailure()
	first := m.CurrentDelay()
	m.RecordFailure()
	second := m.CurrentDelay()

	if second <= first {
		t.Errorf("delay did not grow: first=%v second=%v", first, second)
	}
}

func TestFixedIntervalDoesNotGrow(t *testing.T) {
	m := NewManager(FixedInterval(100 * time.Millisecond))
	m.RecordFailure()
	first := m.CurrentDelay()
	m.RecordFailure()
	second := m.CurrentDelay()

	if first != second || first != 100*time.Millisecond {
		t.Errorf("delay changed: first=%v second=%v, want both 100ms", first, second)
	}
}

func TestMaxAttemptsBoundsReconnects(t *testing.T) {
	max := uint32(3)
	m := NewManager(Custom(10*time.Millisecond, 50*time.Millisecond, 2.0, &max, false))

	for i := 0; i < 3; i++ {
		if !m.ShouldReconnect() {
			t.Fatalf("attempt %d: ShouldReconnect = false, want true", i)
		}
		m.RecordFailure()
	}
	if m.ShouldReconnect() {
		t.Error("ShouldReconnect = true after reaching MaxAttempts, want false")
	}
}

func TestRecordSuccessResetsState(t *testing.T) {
	m := NewManager(ExponentialBackoff())
	m.RecordFailure()
	m.RecordFailure()

	m.RecordSuccess()

	if m.CurrentAttempt() != 0 {
		t.Errorf("CurrentAttempt = %d, want 0", m.CurrentAttempt())
	}
	if m.CurrentDelay() != 1*time.Second {
		t.Errorf("CurrentDelay = %v, want 1s", m.CurrentDelay())
	}
}

func TestNextDelayClampsToMaxDelay(t *testing.T) {
	max := uint32(50)
	m := NewManager(Custom(40*time.Second, 60*time.Second, 2.0, &max, false))
	for i := 0; i < 5; i++ {
		m.RecordFailure()
	}
	if d := m.NextDelay(); d > 60*time.Second {
		t.Errorf("NextDelay = %v, want <= 60s", d)
	}
}

func TestUnboundedAttemptsAlwaysReconnect(t *testing.T) {
	m := NewManager(FixedInterval(time.Millisecond))
	for i := 0; i < 1000; i++ {
		if !m.ShouldReconnect() {
			t.Fatalf("attempt %d: ShouldReconnect = false, want true (unbounded)", i)
		}
		m.RecordFailure()
	}
}
