//go:build unix

package toolkit

import (
	"os/exec"
	"syscall"
	"time"
)

// setupProcessGroup runs the interpreter in its own process group so a
// cancelled call also takes down the child processes CASA spawns.
func setupProcessGroup(cmd *exec.Cmd) {
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.Setpgid = true
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	cmd.WaitDelay = 10 * time.Second
}
