//go:build !windows

package pty

import (
	"os"
	"os/exec"
	"sync"
	"syscall"

	"github.com/creack/pty"

	"github.com/cuemby/sentryd/pkg/agenterrors"
)

// unixPty backs Pty with a POSIX master/slave pair via github.com/creack/pty,
// which performs the posix_openpt/grantpt/unlockpt dance and non-blocking
// master fd setup.
type unixPty struct {
	cols, rows uint16

	ptmx *os.File
	cmd  *exec.Cmd
	rd   *asyncReader

	mu       sync.Mutex
	exitCode *int
}

// New allocates a pty sized cols x rows. Spawn must be called before Read,
// Write, or Resize are meaningful.
func New(cols, rows uint16) (Pty, error) {
	return &unixPty{cols: cols, rows: rows}, nil
}

func (p *unixPty) Spawn(shellPath, cwd string, env []string) (int, error) {
	cmd := exec.Command(shellPath)
	if cwd != "" {
		cmd.Dir = cwd
	}
	cmd.Env = append(append(os.Environ(), env...), "TERM=xterm-256color")
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true, Setctty: true}

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Cols: p.cols, Rows: p.rows})
	if err != nil {
		return 0, agenterrors.New(agenterrors.Resource, "pty.Spawn", err)
	}
	p.ptmx = ptmx
	p.cmd = cmd
	p.rd = newAsyncReader(ptmx)

	go p.wait()

	return cmd.Process.Pid, nil
}

func (p *unixPty) wait() {
	err := p.cmd.Wait()
	code := 0
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			code = exitErr.ExitCode()
		} else {
			code = -1
		}
	}
	p.mu.Lock()
	p.exitCode = &code
	p.mu.Unlock()
}

func (p *unixPty) Read(buf []byte) (int, error) {
	return p.rd.Read(buf)
}

func (p *unixPty) Write(data []byte) (int, error) {
	return p.ptmx.Write(data)
}

func (p *unixPty) Resize(cols, rows uint16) error {
	p.cols, p.rows = cols, rows
	if err := pty.Setsize(p.ptmx, &pty.Winsize{Cols: cols, Rows: rows}); err != nil {
		return agenterrors.New(agenterrors.Resource, "pty.Resize", err)
	}
	return nil
}

func (p *unixPty) Close(force bool) error {
	if p.cmd != nil && p.cmd.Process != nil {
		if force {
			p.cmd.Process.Signal(syscall.SIGKILL)
		} else {
			p.cmd.Process.Signal(syscall.SIGTERM)
		}
	}
	if p.ptmx != nil {
		return p.ptmx.Close()
	}
	return nil
}

func (p *unixPty) ExitCode() (int, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.exitCode == nil {
		return 0, false
	}
	return *p.exitCode, true
}
