//go:build !windows

package procutil

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"syscall"
)

// GracefulTerminate sends SIGTERM to the process for graceful shutdown.
func GracefulTerminate(p *os.Process) error {
	return p.Signal(syscall.SIGTERM)
}

// TerminateByPID sends SIGTERM to the process identified by pid.
func TerminateByPID(pid int) error {
	if pid <= 0 {
		return fmt.Errorf("invalid pid: %d", pid)
	}
	return syscall.Kill(pid, syscall.SIGTERM)
}

// IsProcessAlive checks whether a process with the given pid is still running.
func IsProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return process.Signal(syscall.Signal(0)) == nil
}

// Detach configures cmd to run in its own session so it outlives the
// launching terminal and is not hit by the launcher's job-control signals.
func Detach(cmd *exec.Cmd) {
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.Setsid = true
}

// ReadPIDFile returns the pid stored in path.
func ReadPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("parse pid file %s: %w", path, err)
	}
	return pid, nil
}

// TerminatePIDFile terminates the live process recorded in path, skipping the
// calling process. The pid file is removed afterwards. A missing file is not
// an error.
func TerminatePIDFile(path string) error {
	pid, err := ReadPIDFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	defer os.Remove(path)
	if err != nil {
		return err
	}
	if pid == os.Getpid() || !IsProcessAlive(pid) {
		return nil
	}
	return TerminateByPID(pid)
}
