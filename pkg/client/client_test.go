package client

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/jamesainslie/minepref/pkg/daemon"
	"github.com/jamesainslie/minepref/pkg/minepref/config"
)

func startHealthServer(t *testing.T) *daemon.Server {
	t.Helper()

	dir, err := os.MkdirTemp("", "mpc")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.RemoveAll(dir) })

	srv, err := daemon.NewServer(filepath.Join(dir, "minepref.sock"))
	if err != nil {
		t.Fatalf("NewServer failed: %v", err)
	}
	go func() { _ = srv.Serve() }()
	t.Cleanup(func() { _ = srv.Close() })
	return srv
}

func TestConnectMissingSocket(t *testing.T) {
	_, err := Connect(filepath.Join(t.TempDir(), "missing.sock"))
	if !errors.Is(err, ErrNotRunning) {
		t.Fatalf("Connect() error = %v, want ErrNotRunning", err)
	}
}

func TestHealth(t *testing.T) {
	srv := startHealthServer(t)

	c, err := Connect(srv.SocketPath())
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	healthy, err := c.Healthy(ctx)
	if err != nil {
		t.Fatalf("Healthy() error = %v", err)
	}
	if healthy {
		t.Error("a daemon without cycles should not be serving yet")
	}

	srv.CycleDone(daemon.CycleResult{Outcome: daemon.OutcomeApplied})

	status, err := c.Health(ctx, "")
	if err != nil {
		t.Fatalf("Health() error = %v", err)
	}
	if status != healthpb.HealthCheckResponse_SERVING {
		t.Errorf("Health() = %v, want SERVING", status)
	}

	if healthy, _ := c.Healthy(ctx); !healthy {
		t.Error("Healthy() = false after a successful cycle")
	}
}

func TestHealthUnknownService(t *testing.T) {
	srv := startHealthServer(t)

	c, err := Connect(srv.SocketPath())
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := c.Health(ctx, "minepref.Nope"); err == nil {
		t.Error("Health() should fail for an unknown service")
	}
}

func TestReadStatus(t *testing.T) {
	path := filepath.Join(t.TempDir(), "status.json")

	if _, err := ReadStatus(path); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("ReadStatus() error = %v, want ErrNotRunning", err)
	}

	if err := daemon.WriteStatusError(path, errors.New("boom")); err != nil {
		t.Fatal(err)
	}
	status, err := ReadStatus(path)
	if err != nil {
		t.Fatalf("ReadStatus() error = %v", err)
	}
	if status.Status != daemon.StatusError || status.Error != "boom" {
		t.Errorf("ReadStatus() = %+v", status)
	}
}

func TestWatchStatus(t *testing.T) {
	path := filepath.Join(t.TempDir(), "status.json")
	if err := daemon.WriteStatus(path, &daemon.StatusFile{Status: daemon.StatusStarting}); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	updates := make(chan string, 16)
	done := make(chan error, 1)
	go func() {
		done <- WatchStatus(ctx, path, func(s *daemon.StatusFile) {
			updates <- s.Status
		})
	}()

	select {
	case s := <-updates:
		if s != daemon.StatusStarting {
			t.Fatalf("initial status = %q", s)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no initial status")
	}

	if err := daemon.WriteStatus(path, &daemon.StatusFile{Status: daemon.StatusRunning}); err != nil {
		t.Fatal(err)
	}

	deadline := time.After(5 * time.Second)
	for {
		select {
		case s := <-updates:
			if s == daemon.StatusRunning {
				cancel()
				if err := <-done; err != nil {
					t.Fatalf("WatchStatus() error = %v", err)
				}
				return
			}
		case <-deadline:
			t.Fatal("status change not reported")
		}
	}
}

func TestStartDaemonAlreadyRunning(t *testing.T) {
	dir := t.TempDir()
	pidPath := filepath.Join(dir, "minepref.pid")
	if err := os.WriteFile(pidPath, []byte(strconv.Itoa(os.Getpid())), 0o644); err != nil {
		t.Fatal(err)
	}

	err := StartDaemon(DaemonPaths{
		Binary: filepath.Join(dir, "does-not-exist"),
		PID:    pidPath,
		Socket: filepath.Join(dir, "minepref.sock"),
		Status: filepath.Join(dir, "status.json"),
	})
	if err != nil {
		t.Errorf("StartDaemon() with a live PID error = %v", err)
	}
}

func TestStartDaemonMissingBinary(t *testing.T) {
	dir := t.TempDir()
	err := StartDaemon(DaemonPaths{
		Binary: filepath.Join(dir, "does-not-exist"),
		PID:    filepath.Join(dir, "minepref.pid"),
		Socket: filepath.Join(dir, "minepref.sock"),
		Status: filepath.Join(dir, "status.json"),
	})
	if err == nil {
		t.Error("StartDaemon() should fail when the binary is missing")
	}
}

func TestStopDaemonNotRunning(t *testing.T) {
	dir := t.TempDir()
	if err := StopDaemon(DaemonPaths{PID: filepath.Join(dir, "minepref.pid")}); err != nil {
		t.Errorf("StopDaemon() error = %v", err)
	}

	pidPath := filepath.Join(dir, "stale.pid")
	if err := os.WriteFile(pidPath, []byte("999999999"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := StopDaemon(DaemonPaths{PID: pidPath}); err != nil {
		t.Errorf("StopDaemon() with stale PID error = %v", err)
	}
}

func TestPathsFromConfig(t *testing.T) {
	cfg := &config.Config{File: "/etc/minepref/config.yaml"}
	cfg.Daemon.SocketPath = "/run/minepref.sock"
	cfg.Daemon.PIDPath = "/run/minepref.pid"
	cfg.Daemon.StatusPath = "/var/lib/minepref/status.json"

	p := PathsFromConfig(cfg)
	if p.Config != cfg.File || p.Socket != cfg.Daemon.SocketPath || p.PID != cfg.Daemon.PIDPath || p.Status != cfg.Daemon.StatusPath {
		t.Errorf("PathsFromConfig() = %+v", p)
	}
}

func TestWithDefaults(t *testing.T) {
	p := DaemonPaths{}.withDefaults()
	if p.Socket != config.DefaultSocketPath() {
		t.Errorf("Socket = %q", p.Socket)
	}
	if p.PID != config.DefaultPIDPath() {
		t.Errorf("PID = %q", p.PID)
	}
	if p.Status != config.DefaultStatusPath() {
		t.Errorf("Status = %q", p.Status)
	}
}
