//go:build !windows

package worker

import (
	"os/exec"
	"syscall"
)

// configureSysProcAttr places the worker in a new process group so that
// stop signals reach anything it spawned.
func configureSysProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

func terminate(pid int) error { return syscall.Kill(-pid, syscall.SIGTERM) }

func forceKill(pid int) error {
	err := syscall.Kill(-pid, syscall.SIGKILL)
	if err == syscall.ESRCH {
		return nil
	}
	return err
}
