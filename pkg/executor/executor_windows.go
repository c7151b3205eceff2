//go:build windows

package executor

import (
	"os/exec"
	"syscall"
)

const createNoWindow = 0x08000000

// configurePlatform sets the "no window" creation flag so spawned commands
// don't flash a console on Windows.
func configurePlatform(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{CreationFlags: createNoWindow}
}
