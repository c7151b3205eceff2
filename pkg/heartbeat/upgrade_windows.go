//go:build windows

package heartbeat

import (
	"fmt"
	"os"
	"os/exec"

	"github.com/cuemby/sentryd/pkg/agenterrors"
	"github.com/cuemby/sentryd/pkg/log"
)

// installBinary cannot overwrite the running executable on Windows, so it
// writes the new binary alongside the old one and hands off to a batch
// script that waits two seconds, swaps the files, and restarts the agent.
// Once the script has been launched this function exits the process itself
// and does not return; it returns only an error from an earlier step.
func installBinary(newBinary []byte, version string, notify func(status string)) error {
	currentExe, err := os.Executable()
	if err != nil {
		return agenterrors.Wrap(agenterrors.Resource, "heartbeat.installBinary", err)
	}

	backupPath := currentExe + ".bak"
	newExePath := currentExe + ".new"
	scriptPath := currentExe + ".upgrade.bat"

	if err := os.WriteFile(newExePath, newBinary, 0644); err != nil {
		return agenterrors.Wrap(agenterrors.Resource, "heartbeat.installBinary", fmt.Errorf("write new binary: %w", err))
	}
	log.Info(fmt.Sprintf("new binary written to %s", newExePath))

	script := fmt.Sprintf("@echo off\r\n"+
		"timeout /t 2 /nobreak >nul\r\n"+
		"move /y \"%s\" \"%s\"\r\n"+
		"move /y \"%s\" \"%s\"\r\n"+
		"start \"\" \"%s\"\r\n"+
		"del \"%%~f0\"\r\n",
		currentExe, backupPath, newExePath, currentExe, currentExe)

	if err := os.WriteFile(scriptPath, []byte(script), 0644); err != nil {
		return agenterrors.Wrap(agenterrors.Resource, "heartbeat.installBinary", fmt.Errorf("write upgrade script: %w", err))
	}
	log.Info(fmt.Sprintf("upgrade script created at %s", scriptPath))

	cmd := exec.Command("cmd", "/C", "start", "/b", "", scriptPath)
	if err := cmd.Start(); err != nil {
		return agenterrors.Wrap(agenterrors.Resource, "heartbeat.installBinary", fmt.Errorf("start upgrade script: %w", err))
	}

	log.Info("upgrade script started, exiting for upgrade")
	notify("pending_restart")
	_ = version
	os.Exit(0)
	return nil
}
