//go:build unix

package runner

import (
	"os/exec"
	"syscall"
)

// setProcessGroup places the child in its own process group so a timeout can
// take down the whole tree, not just the immediate shell.
func setProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// killProcessGroup kills the child's process group.
func killProcessGroup(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
}
