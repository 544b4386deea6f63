//go:build !windows

package daemon

import "syscall"

func processAlive(pid int) bool {
	// Signal 0 checks for existence without delivering anything.
	return syscall.Kill(pid, 0) == nil
}

func terminate(pid int) error {
	return syscall.Kill(pid, syscall.SIGTERM)
}
