//go:build windows

package worker

import (
	"os/exec"
	"syscall"
)

const (
	createNewProcessGroup = 0x00000200
	processTerminate      = 0x0001
)

var (
	kernel32             = syscall.NewLazyDLL("kernel32.dll")
	procOpenProcess      = kernel32.NewProc("OpenProcess")
	procTerminateProcess = kernel32.NewProc("TerminateProcess")
)

// configureSysProcAttr creates a new process group for the worker.
func configureSysProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{CreationFlags: createNewProcessGroup}
}

// Windows has no graceful signal for console-less children; both paths terminate.
func terminate(pid int) error { return forceKill(pid) }

func forceKill(pid int) error {
	h, _, err := procOpenProcess.Call(uintptr(processTerminate), 0, uintptr(uint32(pid)))
	if h == 0 {
		// already gone
		_ = err
		return nil
	}
	defer func() { _ = syscall.CloseHandle(syscall.Handle(h)) }()
	if ret, _, err := procTerminateProcess.Call(h, 1); ret == 0 {
		return err
	}
	return nil
}
