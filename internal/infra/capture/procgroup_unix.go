//go:build unix

package capture

import (
	"os/exec"
	"syscall"
)

// isolateProcessGroup makes the command a group leader; cancellation kills the whole group.
func isolateProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
}
