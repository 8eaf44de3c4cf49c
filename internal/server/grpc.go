package server

import (
	"fmt"
	"net"
	"sync"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// HealthService serves the standard gRPC health protocol.
type HealthService struct {
	addr   string
	logger *zap.Logger
	health *health.Server
	server *grpc.Server

	mu       sync.Mutex
	listener net.Listener
}

// NewHealthService creates a health service listening on addr.
//
// Precondition: addr must be a valid "host:port"; logger must be non-nil.
// Postcondition: Health() reports NOT_SERVING until a Lifecycle marks it serving.
func NewHealthService(addr string, logger *zap.Logger) *HealthService {
	h := health.NewServer()
	h.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	srv := grpc.NewServer()
	healthpb.RegisterHealthServer(srv, h)
	return &HealthService{
		addr:   addr,
		logger: logger,
		health: h,
		server: srv,
	}
}

// Health returns the underlying health server.
func (s *HealthService) Health() *health.Server {
	return s.health
}

// Addr returns the bound listener address, or nil before Start.
func (s *HealthService) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Start listens and serves until Stop is called.
func (s *HealthService) Start() error {
	lis, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.addr, err)
	}
	s.mu.Lock()
	s.listener = lis
	s.mu.Unlock()

	s.logger.Info("grpc health service listening", zap.String("addr", lis.Addr().String()))
	if err := s.server.Serve(lis); err != nil && err != grpc.ErrServerStopped {
		return fmt.Errorf("serving grpc: %w", err)
	}
	return nil
}

// Stop shuts the health service down.
func (s *HealthService) Stop() {
	s.health.Shutdown()
	s.server.GracefulStop()
}
