// Package service carries the long-running process plumbing: single-instance
// locking and periodic housekeeping of the uploads directory.
package service

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

// ErrAlreadyRunning means another live process holds the lock.
var ErrAlreadyRunning = errors.New("another instance is already running")

// PIDLock is an exclusive on-disk lock keyed by process id.
type PIDLock struct {
	path   string
	pid    int
	logger *slog.Logger
}

// AcquirePIDLock takes the lock at path. A lock file naming a dead process is
// treated as stale and taken over; one naming a live process fails with
// ErrAlreadyRunning.
func AcquirePIDLock(path string, logger *slog.Logger) (*PIDLock, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create lock dir: %w", err)
	}

	lock := &PIDLock{path: path, pid: os.Getpid(), logger: logger}
	if err := lock.tryCreate(); err == nil {
		return lock, nil
	} else if !errors.Is(err, os.ErrExist) {
		return nil, err
	}

	existing, err := readPID(path)
	if err != nil {
		// Unreadable lock file: treat as stale.
		logger.Warn("unreadable pid file, taking over", "path", path, "error", err)
		return lock, lock.takeOver()
	}
	if processAlive(existing) {
		return nil, fmt.Errorf("%w (pid %d)", ErrAlreadyRunning, existing)
	}

	logger.Info("stale pid file, taking over", "path", path, "stale_pid", existing)
	return lock, lock.takeOver()
}

func (l *PIDLock) tryCreate() error {
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = fmt.Fprintf(f, "%d\n", l.pid)
	return err
}

func (l *PIDLock) takeOver() error {
	if err := os.Remove(l.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove stale pid file: %w", err)
	}
	if err := l.tryCreate(); err != nil {
		return fmt.Errorf("recreate pid file: %w", err)
	}
	return nil
}

// Release removes the lock, but only while it still names this process.
func (l *PIDLock) Release() {
	current, err := readPID(l.path)
	if err != nil || current != l.pid {
		return
	}
	if err := os.Remove(l.path); err != nil {
		l.logger.Warn("failed to remove pid file", "path", l.path, "error", err)
	}
}

func readPID(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("parse pid file: %w", err)
	}
	return pid, nil
}

// processAlive probes the pid with signal 0.
func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}
