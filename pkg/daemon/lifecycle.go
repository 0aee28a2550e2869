package daemon

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/juju/fslock"

	"github.com/jamesainslie/minepref/pkg/minepref/logging"
)

// ErrDaemonAlreadyRunning is returned when another instance holds the lock.
var ErrDaemonAlreadyRunning = errors.New("daemon already running")

// InstanceLock is an exclusive lock held for the lifetime of the daemon.
type InstanceLock struct {
	path string
	lock *fslock.Lock
}

// AcquireLock takes the single-instance lock at path without blocking.
func AcquireLock(path string) (*InstanceLock, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating lock directory: %w", err)
	}

	lock := fslock.New(path)
	if err := lock.TryLock(); err != nil {
		if errors.Is(err, fslock.ErrLocked) {
			return nil, fmt.Errorf("%w: lock %s is held", ErrDaemonAlreadyRunning, path)
		}
		return nil, fmt.Errorf("acquiring lock %s: %w", path, err)
	}
	return &InstanceLock{path: path, lock: lock}, nil
}

// Path returns the lock file location.
func (l *InstanceLock) Path() string {
	return l.path
}

// Release drops the lock. The lock file itself is left in place.
func (l *InstanceLock) Release() error {
	return l.lock.Unlock()
}

// WritePIDFile writes the current process ID to a file.
func WritePIDFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	pid := os.Getpid()
	return os.WriteFile(path, []byte(strconv.Itoa(pid)), 0o644)
}

// ReadPIDFile reads a PID from a file.
func ReadPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, err
	}

	return pid, nil
}

// RemovePIDFile removes the PID file.
func RemovePIDFile(path string) error {
	return os.Remove(path)
}

// IsDaemonRunning checks if a daemon is running based on PID file.
func IsDaemonRunning(pidPath string) bool {
	pid, err := ReadPIDFile(pidPath)
	if err != nil {
		return false
	}
	return IsProcessRunning(pid)
}

// IsProcessRunning checks if a process with the given PID is running.
func IsProcessRunning(pid int) bool {
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return process.Signal(syscall.Signal(0)) == nil
}

// RecoverFromStaleDaemon removes the PID file and socket left by a daemon that
// died without cleaning up. It must be called while holding the instance lock,
// so any PID found belongs to a dead daemon (or a reused process ID).
func RecoverFromStaleDaemon(pidPath, socketPath string) {
	pid, err := ReadPIDFile(pidPath)
	if err != nil || pid == os.Getpid() {
		return
	}

	log := logging.Get("daemon")
	log.Warn("cleaning up stale daemon files", "stale_pid", pid, "alive", IsProcessRunning(pid))

	_ = os.Remove(pidPath)
	_ = os.Remove(socketPath)
}
