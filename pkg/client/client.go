// Package client talks to a running mineprefd: it checks the health service on
// the daemon socket, reads and follows the status file, and starts or stops
// the daemon process.
package client

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/jamesainslie/minepref/pkg/daemon"
	"github.com/jamesainslie/minepref/pkg/daemon/watcher"
	"github.com/jamesainslie/minepref/pkg/minepref/config"
)

// ErrNotRunning is returned when no daemon answers.
var ErrNotRunning = errors.New("daemon not running")

// Client connects to the mineprefd health service via gRPC.
type Client struct {
	conn   *grpc.ClientConn
	health healthpb.HealthClient
}

// DaemonPaths configures paths for daemon operations.
// Empty fields use defaults.
type DaemonPaths struct {
	Binary string // Path to mineprefd binary (auto-discovered if empty)
	Config string // Passed to mineprefd as --config
	Socket string
	PID    string
	Status string
}

// PathsFromConfig takes the daemon paths from a loaded configuration.
func PathsFromConfig(cfg *config.Config) DaemonPaths {
	return DaemonPaths{
		Config: cfg.File,
		Socket: cfg.Daemon.SocketPath,
		PID:    cfg.Daemon.PIDPath,
		Status: cfg.Daemon.StatusPath,
	}
}

// withDefaults returns a copy with empty fields filled with defaults.
func (p DaemonPaths) withDefaults() DaemonPaths {
	if p.Socket == "" {
		p.Socket = config.DefaultSocketPath()
	}
	if p.PID == "" {
		p.PID = config.DefaultPIDPath()
	}
	if p.Status == "" {
		p.Status = config.DefaultStatusPath()
	}
	return p
}

// Connect opens a connection to the daemon socket.
func Connect(socketPath string) (*Client, error) {
	if _, err := os.Stat(socketPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("%w: socket not found at %s", ErrNotRunning, socketPath)
	}

	conn, err := grpc.NewClient("unix://"+socketPath, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to daemon: %w", err)
	}

	return &Client{
		conn:   conn,
		health: healthpb.NewHealthClient(conn),
	}, nil
}

// Close closes the connection to the daemon.
func (c *Client) Close() error {
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

// Health returns the serving status of service ("" for the daemon as a whole).
func (c *Client) Health(ctx context.Context, service string) (healthpb.HealthCheckResponse_ServingStatus, error) {
	resp, err := c.health.Check(ctx, &healthpb.HealthCheckRequest{Service: service})
	if err != nil {
		return healthpb.HealthCheckResponse_UNKNOWN, fmt.Errorf("health check: %w", err)
	}
	return resp.GetStatus(), nil
}

// Healthy reports whether the controller is SERVING.
func (c *Client) Healthy(ctx context.Context) (bool, error) {
	status, err := c.Health(ctx, daemon.HealthService)
	if err != nil {
		return false, err
	}
	return status == healthpb.HealthCheckResponse_SERVING, nil
}

// ReadStatus reads the daemon status file.
func ReadStatus(path string) (*daemon.StatusFile, error) {
	status, err := daemon.ReadStatus(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: no status file at %s", ErrNotRunning, path)
	}
	return status, err
}

// WatchStatus calls onChange with the current status and again every time the
// daemon rewrites the file, until ctx is done.
func WatchStatus(ctx context.Context, path string, onChange func(*daemon.StatusFile)) error {
	w, err := watcher.New()
	if err != nil {
		return err
	}
	defer w.Close()

	if err := w.Watch(path); err != nil {
		return fmt.Errorf("watch %s: %w", path, err)
	}

	if status, err := daemon.ReadStatus(path); err == nil {
		onChange(status)
	}

	w.Run(ctx, func(_ string, op fsnotify.Op) {
		if op.Has(fsnotify.Remove) || op.Has(fsnotify.Rename) {
			return
		}
		// Partial writes never reach the target name, so a failed read is a race
		// with removal and can be skipped.
		if status, err := daemon.ReadStatus(path); err == nil {
			onChange(status)
		}
	})
	return nil
}

// StartDaemon starts mineprefd in the background and waits until it reports
// running or failed. Idempotent: returns nil if the daemon is already running.
func StartDaemon(paths DaemonPaths) error {
	paths = paths.withDefaults()

	if IsDaemonRunning(paths.PID) {
		return nil
	}

	binary, err := resolveBinary(paths.Binary)
	if err != nil {
		return fmt.Errorf("find mineprefd: %w", err)
	}

	// Clean up stale status file before starting
	_ = daemon.RemoveStatus(paths.Status)

	args := []string{}
	if paths.Config != "" {
		args = append(args, "--config", paths.Config)
	}

	// Not CommandContext: the daemon must outlive the caller.
	cmd := exec.Command(binary, args...) //nolint:gosec // binary path is validated
	cmd.Stdout = nil
	cmd.Stderr = nil
	cmd.Stdin = nil

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start daemon: %w", err)
	}
	if cmd.Process != nil {
		_ = cmd.Process.Release()
	}

	for range 50 {
		time.Sleep(100 * time.Millisecond)

		status, err := daemon.ReadStatus(paths.Status)
		if err != nil {
			continue
		}
		switch status.Status {
		case daemon.StatusRunning:
			return nil
		case daemon.StatusError:
			return fmt.Errorf("daemon failed to start: %s", status.Error)
		}
	}

	return errors.New("daemon did not become ready within timeout")
}

// StopDaemon sends SIGTERM and waits for the process to exit.
// Idempotent: returns nil if the daemon is not running.
func StopDaemon(paths DaemonPaths) error {
	paths = paths.withDefaults()

	pid, err := daemon.ReadPIDFile(paths.PID)
	if err != nil || !daemon.IsProcessRunning(pid) {
		return nil
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	if err := process.Signal(syscall.SIGTERM); err != nil {
		return fmt.Errorf("signal daemon: %w", err)
	}

	for range 40 {
		time.Sleep(250 * time.Millisecond)
		if !daemon.IsProcessRunning(pid) {
			return nil
		}
	}

	return errors.New("daemon did not stop within timeout")
}

// RestartDaemon stops and starts the daemon.
func RestartDaemon(paths DaemonPaths) error {
	if err := StopDaemon(paths); err != nil {
		return fmt.Errorf("stop: %w", err)
	}
	if err := StartDaemon(paths); err != nil {
		return fmt.Errorf("start: %w", err)
	}
	return nil
}

// resolveBinary finds the mineprefd binary.
// Priority: configured path > same directory as executable > PATH.
func resolveBinary(configured string) (string, error) {
	if configured != "" {
		if _, err := os.Stat(configured); err != nil {
			return "", fmt.Errorf("configured binary not found: %s", configured)
		}
		return configured, nil
	}

	if execPath, err := os.Executable(); err == nil {
		candidate := filepath.Join(filepath.Dir(execPath), "mineprefd")
		if _, err := os.Stat(candidate); err == nil {
			return candidate, nil
		}
	}

	if path, err := exec.LookPath("mineprefd"); err == nil {
		return path, nil
	}

	return "", errors.New("mineprefd not found")
}

// IsDaemonRunning checks if the daemon is running based on the PID file.
func IsDaemonRunning(pidPath string) bool {
	return daemon.IsDaemonRunning(pidPath)
}
