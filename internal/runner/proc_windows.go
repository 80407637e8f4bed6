//go:build windows

package runner

import "os/exec"

func setProcessGroup(cmd *exec.Cmd) {}

// killProcessGroup falls back to killing the immediate child; Windows has no
// POSIX process groups.
func killProcessGroup(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	_ = cmd.Process.Kill()
}
