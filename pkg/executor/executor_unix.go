//go:build !windows

package executor

import "os/exec"

// configurePlatform is a no-op on POSIX; Windows needs the no-window creation flag.
func configurePlatform(cmd *exec.Cmd) {}
