//go:build !windows

package subprocess

import (
	"os/exec"
	"syscall"
)

// setProcessGroup places the child in its own process group so signals
// reach any helper processes it forks.
func setProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// softKill asks the whole process group to exit.
func softKill(cmd *exec.Cmd) error {
	return syscall.Kill(-cmd.Process.Pid, syscall.SIGTERM)
}

// hardKill forcibly kills the whole process group.
func hardKill(cmd *exec.Cmd) error {
	return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
}
