package terminal

import (
	"fmt"
	"sync"

	"github.com/cuemby/sentryd/pkg/agenterrors"
)

// Manager holds the pool of live terminal sessions, capped at maxSessions.
type Manager struct {
	mu          sync.RWMutex
	sessions    map[string]*Session
	maxSessions int
}

// NewManager returns a Manager that allows at most maxSessions concurrent
// sessions.
func NewManager(maxSessions int) *Manager {
	return &Manager{
		sessions:    make(map[string]*Session),
		maxSessions: maxSessions,
	}
}

// CreateSession rejects the request with a Resource error if the session
// cap is reached, or an InvalidInput error if the session id is already
// registered; otherwise it spawns and registers a new session.
func (m *Manager) CreateSession(cfg Config) (*Session, error) {
	m.mu.Lock()
	if _, exists := m.sessions[cfg.SessionID]; exists {
		m.mu.Unlock()
		return nil, agenterrors.New(agenterrors.InvalidInput, "terminal.CreateSession",
			fmt.Errorf("session %q already exists", cfg.SessionID))
	}
	if len(m.sessions) >= m.maxSessions {
		m.mu.Unlock()
		return nil, agenterrors.New(agenterrors.Resource, "terminal.CreateSession",
			fmt.Errorf("session capacity (%d) reached", m.maxSessions))
	}
	m.mu.Unlock()

	sess, err := NewSession(cfg)
	if err != nil {
		return nil, err
	}
	if err := sess.Start(cfg); err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.sessions[cfg.SessionID] = sess
	m.mu.Unlock()
	return sess, nil
}

// GetSession returns the registered session, if any.
func (m *Manager) GetSession(id string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	return s, ok
}

// CloseSession closes and unregisters the named session.
func (m *Manager) CloseSession(id string, force bool) (int, bool, error) {
	m.mu.RLock()
	sess, ok := m.sessions[id]
	m.mu.RUnlock()
	if !ok {
		return 0, false, agenterrors.New(agenterrors.InvalidInput, "terminal.CloseSession",
			fmt.Errorf("session %q not found", id))
	}

	code, hasCode := sess.Close(force)

	m.mu.Lock()
	delete(m.sessions, id)
	m.mu.Unlock()
	return code, hasCode, nil
}

// CleanupClosedSessions sweeps closed or failed sessions from the pool and
// returns how many were removed.
func (m *Manager) CleanupClosedSessions() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for id, sess := range m.sessions {
		switch sess.GetState() {
		case StateClosed, StateFailed:
			delete(m.sessions, id)
			removed++
		}
	}
	return removed
}

// SessionIDs returns the ids of all currently registered sessions.
func (m *Manager) SessionIDs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	return ids
}

// CloseAll closes every registered session with the given force flag, for
// use during agent shutdown. It keeps closing sessions even if one fails and
// returns the last error encountered, if any.
func (m *Manager) CloseAll(force bool) error {
	var lastErr error
	for _, id := range m.SessionIDs() {
		if _, _, err := m.CloseSession(id, force); err != nil {
			lastErr = err
		}
	}
	return lastErr
}

// Count returns the number of currently registered sessions.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}
