//go:build windows

package subprocess

import (
	"os/exec"
	"syscall"
)

// setProcessGroup creates the child in a new process group.
func setProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{CreationFlags: syscall.CREATE_NEW_PROCESS_GROUP}
}

// softKill has no portable group signal on Windows, so it kills the child
// directly.
func softKill(cmd *exec.Cmd) error {
	return cmd.Process.Kill()
}

// hardKill kills the child process.
func hardKill(cmd *exec.Cmd) error {
	return cmd.Process.Kill()
}
