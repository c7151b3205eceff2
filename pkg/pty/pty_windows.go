//go:build windows

package pty

import (
	"os"
	"os/exec"
	"strings"
	"sync"

	"github.com/creack/pty"

	"github.com/cuemby/sentryd/pkg/agenterrors"
)

// windowsPty backs Pty with a Windows ConPTY pseudo-console via
// github.com/creack/pty, which performs the CreatePipe/CreatePseudoConsole/
// CreateProcessW(EXTENDED_STARTUPINFO_PRESENT) dance.
type windowsPty struct {
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
	return &windowsPty{cols: cols, rows: rows}, nil
}

func (p *windowsPty) Spawn(shellPath, cwd string, env []string) (int, error) {
	name, args := shellCommand(shellPath)
	cmd := exec.Command(name, args...)
	if cwd != "" {
		cmd.Dir = cwd
	}
	cmd.Env = append(append(os.Environ(), env...), "TERM=xterm-256color")

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

// shellCommand adjusts the launch command so child shells speak UTF-8:
// cmd.exe needs a chcp 65001 prefix, PowerShell needs its I/O encoding
// forced explicitly. Any other shell path is launched unmodified.
func shellCommand(shellPath string) (string, []string) {
	base := strings.ToLower(shellPath)
	switch {
	case strings.Contains(base, "cmd.exe") || strings.HasSuffix(base, "cmd"):
		return "cmd.exe", []string{"/K", "chcp 65001 >nul"}
	case strings.Contains(base, "powershell"):
		return shellPath, []string{
			"-NoLogo",
			"-Command",
			"[Console]::OutputEncoding = [System.Text.Encoding]::UTF8; [Console]::InputEncoding = [System.Text.Encoding]::UTF8",
		}
	default:
		return shellPath, nil
	}
}

func (p *windowsPty) wait() {
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

func (p *windowsPty) Read(buf []byte) (int, error) {
	return p.rd.Read(buf)
}

func (p *windowsPty) Write(data []byte) (int, error) {
	return p.ptmx.Write(data)
}

func (p *windowsPty) Resize(cols, rows uint16) error {
	p.cols, p.rows = cols, rows
	if err := pty.Setsize(p.ptmx, &pty.Winsize{Cols: cols, Rows: rows}); err != nil {
		return agenterrors.New(agenterrors.Resource, "pty.Resize", err)
	}
	return nil
}

func (p *windowsPty) Close(force bool) error {
	if p.cmd != nil && p.cmd.Process != nil {
		if force {
			p.cmd.Process.Kill()
		} else {
			p.cmd.Process.Signal(os.Interrupt)
		}
	}
	if p.ptmx != nil {
		return p.ptmx.Close()
	}
	return nil
}

func (p *windowsPty) ExitCode() (int, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.exitCode == nil {
		return 0, false
	}
	return *p.exitCode, true
}
