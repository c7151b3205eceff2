// Package reconnect implements the agent's backoff policy: a pure state
// machine tracking attempt count and current delay, with exponential,
// linear, and fixed-interval presets plus jitter.
package reconnect

import (
	"math/rand"
	"time"
)

// Strategy parameterizes a backoff policy.
type Strategy struct {
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
	// MaxAttempts bounds reconnect attempts between successes. Nil means unbounded.
	MaxAttempts *uint32
	Jitter      bool
}

// ExponentialBackoff doubles the delay each attempt, capped at 60s, up to 10 attempts.
func ExponentialBackoff() Strategy {
	max := uint32(10)
	return Strategy{
		InitialDelay:  1 * time.Second,
		MaxDelay:      60 * time.Second,
		BackoffFactor: 2.0,
		MaxAttempts:   &max,
		Jitter:        true,
	}
}

// FixedInterval retries forever at a constant interval.
func FixedInterval(interval time.Duration) Strategy {
	return Strategy{
		InitialDelay:  interval,
		MaxDelay:      interval,
		BackoffFactor: 1.0,
		MaxAttempts:   nil,
		Jitter:        false,
	}
}

// LinearBackoff grows the delay by InitialDelay each attempt, capped at 30s,
// up to 20 attempts.
func LinearBackoff() Strategy {
	max := uint32(20)
	return Strategy{
		InitialDelay:  1 * time.Second,
		MaxDelay:      30 * time.Second,
		BackoffFactor: 1.0,
		MaxAttempts:   &max,
		Jitter:        true,
	}
}

// Custom builds an arbitrary strategy.
func Custom(initialDelay, maxDelay time.Duration, backoffFactor float64, maxAttempts *uint32, jitter bool) Strategy {
	return Strategy{
		InitialDelay:  initialDelay,
		MaxDelay:      maxDelay,
		BackoffFactor: backoffFactor,
		MaxAttempts:   maxAttempts,
		Jitter:        jitter,
	}
}

// Manager is a reconnect state machine. Not safe for concurrent use; the
// heartbeat engine's reconnect loop owns one instance sequentially.
type Manager struct {
	strategy       Strategy
	currentAttempt uint32
	currentDelay   time.Duration
}

// NewManager creates a Manager at the strategy's initial delay with zero attempts.
func NewManager(strategy Strategy) *Manager {
	return &Manager{
		strategy:     strategy,
		currentDelay: strategy.InitialDelay,
	}
}

// Reset clears attempt count and delay back to the strategy's initial values.
func (m *Manager) Reset() {
	m.currentAttempt = 0
	m.currentDelay = m.strategy.InitialDelay
}

// ShouldReconnect reports whether another attempt is permitted under MaxAttempts.
func (m *Manager) ShouldReconnect() bool {
	if m.strategy.MaxAttempts == nil {
		return true
	}
	return m.currentAttempt < *m.strategy.MaxAttempts
}

// NextDelay returns the delay to wait before the next attempt, with jitter
// applied if configured, clamped to MaxDelay.
func (m *Manager) NextDelay() time.Duration {
	delay := m.currentDelay
	if m.strategy.Jitter {
		jitterFactor := 0.5 + rand.Float64() // uniform in [0.5, 1.5)
		delay = time.Duration(float64(delay) * jitterFactor)
	}
	if delay > m.strategy.MaxDelay {
		delay = m.strategy.MaxDelay
	}
	return delay
}

// RecordFailure advances the attempt counter and grows the delay per the
// configured backoff factor. Call after a failed connect attempt.
func (m *Manager) RecordFailure() {
	m.currentAttempt++
	m.updateDelay()
}

func (m *Manager) updateDelay() {
	switch {
	case m.strategy.BackoffFactor > 1.0:
		next := time.Duration(float64(m.currentDelay) * m.strategy.BackoffFactor)
		if next > m.strategy.MaxDelay {
			next = m.strategy.MaxDelay
		}
		m.currentDelay = next
	case m.strategy.BackoffFactor == 1.0:
		if m.strategy.InitialDelay != m.strategy.MaxDelay {
			next := m.currentDelay + m.strategy.InitialDelay
			if next > m.strategy.MaxDelay {
				next = m.strategy.MaxDelay
			}
			m.currentDelay = next
		}
		// else fixed interval: nothing to update
	}
	// BackoffFactor < 1.0 is invalid; leave delay unchanged rather than shrinking it.
}

// RecordSuccess resets the manager, as a successful connection clears backoff state.
func (m *Manager) RecordSuccess() {
	m.Reset()
}

// CurrentAttempt returns the number of failed attempts since the last success or reset.
func (m *Manager) CurrentAttempt() uint32 {
	return m.currentAttempt
}

// CurrentDelay returns the delay NextDelay would compute before jitter, for inspection/tests.
func (m *Manager) CurrentDelay() time.Duration {
	return m.currentDelay
}
