//go:build !windows

package heartbeat

import (
	"fmt"
	"os"
	"os/exec"

	"github.com/cuemby/sentryd/pkg/agenterrors"
	"github.com/cuemby/sentryd/pkg/log"
)

// installBinary backs up the running executable, atomically replaces it
// with newBinary, starts the replacement as a new process with the current
// process's arguments, and exits the current process.
// On success this function never returns.
func installBinary(newBinary []byte, version string, notify func(status string)) error {
	currentExe, err := os.Executable()
	if err != nil {
		return agenterrors.Wrap(agenterrors.Resource, "heartbeat.installBinary", err)
	}

	backupPath := currentExe + ".bak"
	if _, err := os.Stat(currentExe); err == nil {
		if err := copyFile(currentExe, backupPath); err != nil {
			return agenterrors.Wrap(agenterrors.Resource, "heartbeat.installBinary", fmt.Errorf("backup current binary: %w", err))
		}
	}

	tmpPath := currentExe + ".tmp"
	if err := os.WriteFile(tmpPath, newBinary, 0755); err != nil {
		return agenterrors.Wrap(agenterrors.Resource, "heartbeat.installBinary", fmt.Errorf("write new binary: %w", err))
	}
	if err := os.Chmod(tmpPath, 0755); err != nil {
		return agenterrors.Wrap(agenterrors.Resource, "heartbeat.installBinary", fmt.Errorf("chmod new binary: %w", err))
	}
	if err := os.Rename(tmpPath, currentExe); err != nil {
		return agenterrors.Wrap(agenterrors.Resource, "heartbeat.installBinary", fmt.Errorf("replace binary: %w", err))
	}
	log.Info("binary replaced successfully")
	notify("completed")

	log.Info("restarting agent with new version")
	cmd := exec.Command(currentExe, os.Args[1:]...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.Stdin = os.Stdin
	if err := cmd.Start(); err != nil {
		return agenterrors.Wrap(agenterrors.Resource, "heartbeat.installBinary", fmt.Errorf("restart agent: %w", err))
	}
	os.Exit(0)
	return nil
}

func copyFile(src, dst string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return os.WriteFile(dst, data, 0755)
}
