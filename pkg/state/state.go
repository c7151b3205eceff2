// Package state holds process-lifetime agent state: enrollment status,
// connection status, and runtime counters. Nothing here survives a restart —
// that is a deliberate choice (see DESIGN.md open question (b)); the one
// on-disk exception is device credentials, owned by pkg/identity.
package state

import (
	"sync"
	"time"
)

// EnrollmentStatus tracks whether the agent has a usable device identity.
type EnrollmentStatus string

const (
	EnrollmentPending  EnrollmentStatus = "pending"
	EnrollmentEnrolled EnrollmentStatus = "enrolled"
	EnrollmentFailed   EnrollmentStatus = "failed"
)

// ConnectionStatus tracks the heartbeat channel's health.
type ConnectionStatus string

const (
	ConnectionDisconnected ConnectionStatus = "disconnected"
	ConnectionConnecting   ConnectionStatus = "connecting"
	ConnectionConnected    ConnectionStatus = "connected"
)

// Stats are monotonic-within-process-lifetime counters.
type Stats struct {
	HeartbeatsSent     uint64
	HeartbeatsFailed   uint64
	CommandsReceived   uint64
	CommandsExecuted   uint64
	ReconnectCount     uint64
	LastError          string
	LastErrorTime      time.Time
}

// Store is the agent's single in-memory state container. All fields are
// guarded by one mutex; readers call the accessor methods rather than
// reaching into the struct directly.
type Store struct {
	mu sync.RWMutex

	deviceID         string
	enrollmentStatus EnrollmentStatus
	connectionStatus ConnectionStatus
	stats            Stats
}

// New returns a Store with enrollment pending and the connection disconnected.
func New() *Store {
	return &Store{
		enrollmentStatus: EnrollmentPending,
		connectionStatus: ConnectionDisconnected,
	}
}

// DeviceID returns the currently known device ID, empty before enrollment.
func (s *Store) DeviceID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.deviceID
}

// SetEnrolled records a successful enrollment.
func (s *Store) SetEnrolled(deviceID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deviceID = deviceID
	s.enrollmentStatus = EnrollmentEnrolled
}

// SetEnrollmentFailed records an enrollment failure without a device ID.
func (s *Store) SetEnrollmentFailed() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.enrollmentStatus = EnrollmentFailed
}

// EnrollmentStatus returns the current enrollment status.
func (s *Store) EnrollmentStatus() EnrollmentStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.enrollmentStatus
}

// SetConnectionStatus records a transition in the heartbeat channel's health.
func (s *Store) SetConnectionStatus(status ConnectionStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connectionStatus = status
}

// ConnectionStatus returns the current connection status.
func (s *Store) ConnectionStatus() ConnectionStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.connectionStatus
}

// RecordHeartbeatSent increments the heartbeat-sent counter.
func (s *Store) RecordHeartbeatSent() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stats.HeartbeatsSent++
}

// RecordHeartbeatFailed increments the heartbeat-failed counter and records
// the error.
func (s *Store) RecordHeartbeatFailed(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stats.HeartbeatsFailed++
	s.recordErrorLocked(err)
}

// RecordCommandReceived increments the commands-received counter.
func (s *Store) RecordCommandReceived() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stats.CommandsReceived++
}

// RecordCommandExecuted increments the commands-executed counter.
func (s *Store) RecordCommandExecuted() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stats.CommandsExecuted++
}

// RecordReconnect increments the reconnect counter.
func (s *Store) RecordReconnect() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stats.ReconnectCount++
}

// RecordError records the most recent error without attributing it to a
// specific counter.
func (s *Store) RecordError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recordErrorLocked(err)
}

func (s *Store) recordErrorLocked(err error) {
	if err == nil {
		return
	}
	s.stats.LastError = err.Error()
	s.stats.LastErrorTime = time.Now()
}

// Stats returns a snapshot copy of the runtime counters.
func (s *Store) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stats
}
