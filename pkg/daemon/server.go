package daemon

import (
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// HealthService is the service name reported next to the overall ("") status.
const HealthService = "minepref.Controller"

// Server exposes the gRPC health service on a unix socket. It is a
// CycleObserver: the status is SERVING while the last cycle could observe
// the network.
type Server struct {
	socketPath string
	grpc       *grpc.Server
	health     *health.Server
	listener   net.Listener
}

// NewServer listens on socketPath, replacing a stale socket file.
func NewServer(socketPath string) (*Server, error) {
	if err := os.MkdirAll(filepath.Dir(socketPath), 0o755); err != nil {
		return nil, err
	}
	if err := os.RemoveAll(socketPath); err != nil {
		return nil, err
	}

	var lc net.ListenConfig
	listener, err := lc.Listen(context.Background(), "unix", socketPath)
	if err != nil {
		return nil, err
	}

	srv := &Server{
		socketPath: socketPath,
		grpc:       grpc.NewServer(),
		health:     health.NewServer(),
		listener:   listener,
	}
	healthpb.RegisterHealthServer(srv.grpc, srv.health)
	srv.SetServing(false)

	return srv, nil
}

// SocketPath returns the listening socket.
func (s *Server) SocketPath() string {
	return s.socketPath
}

// SetServing flips both the overall and the controller status.
func (s *Server) SetServing(serving bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		status = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus("", status)
	s.health.SetServingStatus(HealthService, status)
}

// CycleDone implements CycleObserver.
func (s *Server) CycleDone(result CycleResult) {
	switch result.Outcome {
	case OutcomeCanceled:
	case OutcomeSampleFailed:
		s.SetServing(false)
	default:
		s.SetServing(true)
	}
}

// Serve starts the gRPC server. Blocks until stopped.
func (s *Server) Serve() error {
	err := s.grpc.Serve(s.listener)
	if errors.Is(err, grpc.ErrServerStopped) {
		return nil
	}
	return err
}

// Close stops the server and cleans up.
func (s *Server) Close() error {
	s.health.Shutdown()
	s.grpc.GracefulStop()
	if err := os.RemoveAll(s.socketPath); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
