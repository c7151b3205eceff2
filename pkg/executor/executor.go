// Package executor spawns one-shot commands dispatched by cmd_exec tasks,
// streams their stdout/stderr into the task's output buffer line by line,
// and supports cancellation of a tracked child process.
package executor

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"

	"github.com/cuemby/sentryd/pkg/agenterrors"
	"github.com/cuemby/sentryd/pkg/task"
)

// blockedCommands is the configurable-in-principle, hard-coded-by-default
// blocklist of commands the Executor refuses to spawn.
var blockedCommands = []string{
	"rm -rf /",
	"del /f /s /q c:\\",
	"format",
	"fdisk",
	"shutdown",
	"reboot",
	"mkfs",
}

// Executor runs one-shot commands on behalf of cmd_exec tasks.
type Executor struct {
	tasks *task.Manager

	mu      sync.Mutex
	running map[string]context.CancelFunc
}

// New returns an Executor reporting progress through tasks.
func New(tasks *task.Manager) *Executor {
	return &Executor{
		tasks:   tasks,
		running: make(map[string]context.CancelFunc),
	}
}

// validateCommand enforces the blocklist and a path-traversal reject before
// a command is ever spawned.
func validateCommand(command string, args []string) error {
	full := strings.ToLower(strings.TrimSpace(command + " " + strings.Join(args, " ")))
	for _, blocked := range blockedCommands {
		if strings.Contains(full, blocked) {
			return agenterrors.New(agenterrors.Permission, "executor.validateCommand",
				fmt.Errorf("command matches blocklist entry %q", blocked))
		}
	}
	for _, arg := range append([]string{command}, args...) {
		if strings.Contains(arg, "..") || strings.Contains(arg, "~") {
			return agenterrors.New(agenterrors.Permission, "executor.validateCommand",
				fmt.Errorf("argument %q contains a path-traversal sequence", arg))
		}
	}
	return nil
}

// Execute spawns command with args, marks the task running, streams
// stdout/stderr into the task's output (stderr lines tagged with a visible
// prefix), and marks the task succeeded or failed based on the exit code.
// It blocks until the command exits, is canceled, or the parent context is done.
func (e *Executor) Execute(ctx context.Context, taskID, command string, args []string) error {
	if err := validateCommand(command, args); err != nil {
		e.tasks.SetError(taskID, err.Error())
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	e.mu.Lock()
	e.running[taskID] = cancel
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.running, taskID)
		e.mu.Unlock()
		cancel()
	}()

	e.tasks.UpdateState(taskID, task.StateRunning)

	cmd := exec.CommandContext(runCtx, command, args...)
	configurePlatform(cmd)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		e.tasks.SetError(taskID, err.Error())
		return agenterrors.New(agenterrors.Resource, "executor.Execute", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		e.tasks.SetError(taskID, err.Error())
		return agenterrors.New(agenterrors.Resource, "executor.Execute", err)
	}

	if err := cmd.Start(); err != nil {
		e.tasks.SetError(taskID, fmt.Sprintf("failed to spawn command: %v", err))
		return agenterrors.New(agenterrors.Transient, "executor.Execute", err)
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go e.drain(&wg, taskID, stdout, "")
	go e.drain(&wg, taskID, stderr, "[STDERR] ")
	wg.Wait()

	waitErr := cmd.Wait()

	if runCtx.Err() == context.Canceled {
		// CancelTask already set the terminal state and trailer; nothing more to report.
		return nil
	}

	exitCode := cmd.ProcessState.ExitCode()
	if waitErr == nil && exitCode == 0 {
		e.tasks.UpdateState(taskID, task.StateSucceeded)
		return nil
	}

	e.tasks.SetError(taskID, fmt.Sprintf("Command exited with code %d", exitCode))
	return nil
}

func (e *Executor) drain(wg *sync.WaitGroup, taskID string, r io.Reader, prefix string) {
	defer wg.Done()
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		e.tasks.AppendOutput(taskID, []byte(prefix+scanner.Text()+"\n"))
	}
}

// Cancel kills the tracked child for taskID, if any. Returns false if no
// child was tracked (already finished or never started).
func (e *Executor) Cancel(taskID string) bool {
	e.mu.Lock()
	cancel, ok := e.running[taskID]
	e.mu.Unlock()
	if !ok {
		return false
	}
	cancel()
	return true
}
