package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/tutorwiseapp/cas/internal/config"
)

func pidPath() string {
	return filepath.Join(config.Dir(), "casd.pid")
}

// writePIDFile records this process so `casd reload` can find it. The
// returned func removes the file.
func writePIDFile(path string) (func(), error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create %s: %w", filepath.Dir(path), err)
	}
	if err := os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644); err != nil {
		return nil, fmt.Errorf("write pid file: %w", err)
	}
	return func() { _ = os.Remove(path) }, nil
}

// signalRunning sends sig to the daemon named in the pid file.
func signalRunning(sig syscall.Signal) (int, error) {
	data, err := os.ReadFile(pidPath())
	if errors.Is(err, os.ErrNotExist) {
		return 0, fmt.Errorf("no running daemon (%s not found)", pidPath())
	}
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("corrupt pid file %s: %w", pidPath(), err)
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return 0, err
	}
	// Signal 0 checks the process is alive.
	if err := proc.Signal(syscall.Signal(0)); err != nil {
		return 0, fmt.Errorf("daemon %d is not running: %w", pid, err)
	}
	if err := proc.Signal(sig); err != nil {
		return 0, err
	}
	return pid, nil
}
