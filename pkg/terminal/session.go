// Package terminal implements PTY-backed interactive terminal sessions:
// a fixed-capacity ring buffer for output, a per-session reader goroutine,
// and a session pool with a capacity cap.
package terminal

import (
	"errors"
	"io"
	"sync"
	"time"

	"github.com/cuemby/sentryd/pkg/agenterrors"
	"github.com/cuemby/sentryd/pkg/pty"
)

// ringBufferCapacity is the fixed output ring buffer size per session.
const ringBufferCapacity = 10 * 1024 * 1024

// State is a terminal session's lifecycle state.
type State int

const (
	StateOpening State = iota
	StateOpened
	StateRunning
	StateClosed
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateOpening:
		return "opening"
	case StateOpened:
		return "opened"
	case StateRunning:
		return "running"
	case StateClosed:
		return "closed"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Config describes how to spawn a session's shell.
type Config struct {
	SessionID string
	ShellPath string
	Cwd       string
	Env       []string
	Cols      uint16
	Rows      uint16
}

// Session owns one PTY, one ring buffer, and the reader goroutine that
// drains it. All fields are mutex-guarded; the reader goroutine and any
// number of callers may touch a Session concurrently.
type Session struct {
	id string

	mu            sync.Mutex
	state         State
	pid           int
	shellPath     string
	outputCursor  uint64
	lastClientSeq uint64
	pty           pty.Pty

	outputBuffer *RingBuffer

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// NewSession allocates a session in the Opening state. Start must be
// called to actually spawn the shell.
func NewSession(cfg Config) (*Session, error) {
	return &Session{
		id:           cfg.SessionID,
		state:        StateOpening,
		outputBuffer: NewRingBuffer(ringBufferCapacity),
		stopCh:       make(chan struct{}),
		doneCh:       make(chan struct{}),
	}, nil
}

// Start spawns the configured shell in a new PTY and launches the reader
// goroutine that drains its output into the ring buffer.
func (s *Session) Start(cfg Config) error {
	p, err := pty.New(cfg.Cols, cfg.Rows)
	if err != nil {
		s.setState(StateFailed)
		return agenterrors.Wrap(agenterrors.Resource, "terminal.Start", err)
	}
	pid, err := p.Spawn(cfg.ShellPath, cfg.Cwd, cfg.Env)
	if err != nil {
		s.setState(StateFailed)
		return agenterrors.Wrap(agenterrors.Resource, "terminal.Start", err)
	}

	s.mu.Lock()
	s.pty = p
	s.pid = pid
	s.shellPath = cfg.ShellPath
	s.state = StateRunning
	s.mu.Unlock()

	go s.readLoop()
	return nil
}

// readLoop is the dedicated output-draining loop for this session's PTY.
// It blocks on pty.Read; on WouldBlock it sleeps 10ms and retries, on EOF
// it marks the session closed, and on any other error it marks it failed.
func (s *Session) readLoop() {
	defer close(s.doneCh)
	buf := make([]byte, 4096)
	for {
		select {
		case <-s.stopCh:
			return
		default:
		}

		n, err := s.pty.Read(buf)
		if n > 0 {
			data := append([]byte(nil), buf[:n]...)
			s.outputBuffer.Write(data)
			s.mu.Lock()
			s.outputCursor += uint64(n)
			s.mu.Unlock()
		}

		switch {
		case errors.Is(err, pty.ErrWouldBlock):
			time.Sleep(10 * time.Millisecond)
		case errors.Is(err, io.EOF):
			s.setState(StateClosed)
			return
		case err != nil:
			s.setState(StateFailed)
			return
		}
	}
}

// WriteInput sends data to the PTY if client_seq is strictly greater than
// the last accepted sequence number; a replayed or stale seq is dropped
// and reported as zero bytes written (idempotent retry).
func (s *Session) WriteInput(clientSeq uint64, data []byte) (int, error) {
	s.mu.Lock()
	if clientSeq <= s.lastClientSeq {
		s.mu.Unlock()
		return 0, nil
	}
	p := s.pty
	s.mu.Unlock()

	if p == nil {
		return 0, agenterrors.New(agenterrors.Resource, "terminal.WriteInput", errors.New("pty not initialized"))
	}
	n, err := p.Write(data)
	if err != nil {
		return n, agenterrors.Wrap(agenterrors.Transient, "terminal.WriteInput", err)
	}

	s.mu.Lock()
	s.lastClientSeq = clientSeq
	s.mu.Unlock()
	return n, nil
}

// Resize propagates a geometry change to the underlying PTY.
func (s *Session) Resize(cols, rows uint16) error {
	s.mu.Lock()
	p := s.pty
	s.mu.Unlock()
	if p == nil {
		return agenterrors.New(agenterrors.Resource, "terminal.Resize", errors.New("pty not initialized"))
	}
	if err := p.Resize(cols, rows); err != nil {
		return agenterrors.Wrap(agenterrors.Resource, "terminal.Resize", err)
	}
	return nil
}

// GetOutputChunk returns the current output cursor and the bytes written
// since fromCursor. It returns agenterrors.ErrCursorTooLarge if fromCursor
// is ahead of the session's current cursor, or *agenterrors.DataLost if
// fromCursor points at data already evicted from the ring buffer.
func (s *Session) GetOutputChunk(fromCursor uint64) (uint64, []byte, error) {
	s.mu.Lock()
	current := s.outputCursor
	s.mu.Unlock()

	if fromCursor > current {
		return 0, nil, agenterrors.ErrCursorTooLarge
	}
	data, err := s.outputBuffer.ReadFrom(fromCursor)
	if err != nil {
		return 0, nil, err
	}
	return current, data, nil
}

// OldestAvailableCursor returns the lowest cursor GetOutputChunk can serve.
func (s *Session) OldestAvailableCursor() uint64 {
	return s.outputBuffer.OldestAvailableCursor()
}

// Close terminates the session: sets the closed state, forcibly or
// gracefully kills the child, waits for the reader goroutine to exit, and
// returns the child's exit code if one became available.
func (s *Session) Close(force bool) (int, bool) {
	s.setState(StateClosed)

	s.mu.Lock()
	p := s.pty
	s.mu.Unlock()
	if p != nil {
		p.Close(force)
	}

	s.stopOnce.Do(func() { close(s.stopCh) })
	<-s.doneCh

	if p != nil {
		return p.ExitCode()
	}
	return 0, false
}

func (s *Session) setState(state State) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

// GetState returns the session's current lifecycle state.
func (s *Session) GetState() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// GetPid returns the spawned shell's process id.
func (s *Session) GetPid() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pid
}

// GetShellPath returns the path of the spawned shell.
func (s *Session) GetShellPath() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.shellPath
}

// GetOutputCursor returns the session's current output cursor.
func (s *Session) GetOutputCursor() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.outputCursor
}

// ID returns the session identifier.
func (s *Session) ID() string {
	return s.id
}
