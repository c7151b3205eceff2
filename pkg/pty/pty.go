// Package pty defines the cross-platform pseudo-terminal contract used by
// interactive terminal sessions, and a shared non-blocking-read helper used
// by both the POSIX and Windows implementations.
package pty

import (
	"errors"
	"io"
	"sync"
)

// ErrWouldBlock is returned by Read when no output is currently available
// without blocking. Callers (the terminal session's reader loop) are
// expected to sleep briefly and retry.
var ErrWouldBlock = errors.New("pty: read would block")

// Pty is the capability surface a platform-specific pseudo-terminal must
// implement. There is no runtime polymorphism across platforms: a given
// binary is built with exactly one of pty_unix.go or pty_windows.go.
type Pty interface {
	// Spawn starts shellPath as the PTY's child process, in cwd (or the
	// current directory if empty) with env appended to the inherited
	// environment, and returns its process id.
	Spawn(shellPath, cwd string, env []string) (pid int, err error)

	// Read copies available output into buf. It returns (0, ErrWouldBlock)
	// immediately if no data is ready, (0, io.EOF) once the child has
	// exited and all output has been drained, or (n, nil)/(n, err)
	// otherwise.
	Read(buf []byte) (int, error)

	// Write sends bytes to the PTY's input side.
	Write(data []byte) (int, error)

	// Resize propagates a terminal geometry change to the child.
	Resize(cols, rows uint16) error

	// Close terminates the child (SIGTERM, or SIGKILL/TerminateProcess
	// when force is true) and releases the PTY's file descriptors.
	Close(force bool) error

	// ExitCode returns the child's exit code and true once it has exited,
	// or (0, false) while it is still running.
	ExitCode() (int, bool)
}

// asyncReader adapts a blocking io.Reader (the PTY master) into one whose
// Read returns ErrWouldBlock instead of blocking when no data is ready yet,
// by running the real, blocking read on a background goroutine and
// relaying the result through a channel.
type asyncReader struct {
	r io.Reader

	mu          sync.Mutex
	started     bool
	resultCh    chan readResult
	leftover    []byte
	leftoverErr error
}

type readResult struct {
	data []byte
	err  error
}

func newAsyncReader(r io.Reader) *asyncReader {
	return &asyncReader{r: r, resultCh: make(chan readResult, 1)}
}

func (a *asyncReader) Read(buf []byte) (int, error) {
	a.mu.Lock()
	if len(a.leftover) > 0 {
		n := copy(buf, a.leftover)
		a.leftover = a.leftover[n:]
		a.mu.Unlock()
		return n, nil
	}
	if a.leftoverErr != nil {
		err := a.leftoverErr
		a.leftoverErr = nil
		a.mu.Unlock()
		return 0, err
	}
	if !a.started {
		a.started = true
		go a.fill()
	}
	a.mu.Unlock()

	select {
	case res := <-a.resultCh:
		a.mu.Lock()
		a.started = false
		a.mu.Unlock()
		if res.err != nil && len(res.data) == 0 {
			return 0, res.err
		}
		n := copy(buf, res.data)
		if n < len(res.data) {
			a.mu.Lock()
			a.leftover = res.data[n:]
			a.leftoverErr = res.err
			a.mu.Unlock()
		}
		return n, nil
	default:
		return 0, ErrWouldBlock
	}
}

func (a *asyncReader) fill() {
	buf := make([]byte, 4096)
	n, err := a.r.Read(buf)
	a.resultCh <- readResult{data: buf[:n], err: err}
}
