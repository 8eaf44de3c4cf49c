package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
)

// shutdownTimeout bounds graceful HTTP shutdown.
const shutdownTimeout = 5 * time.Second

// HTTPService serves an http.Handler as a lifecycle Service.
type HTTPService struct {
	name   string
	addr   string
	logger *zap.Logger
	server *http.Server

	mu       sync.Mutex
	listener net.Listener
}

// NewHTTPService creates an HTTPService listening on addr.
//
// Precondition: handler and logger must be non-nil.
func NewHTTPService(name, addr string, handler http.Handler, logger *zap.Logger) *HTTPService {
	return &HTTPService{
		name:   name,
		addr:   addr,
		logger: logger,
		server: &http.Server{Handler: handler, ReadHeaderTimeout: 10 * time.Second},
	}
}

// Start listens and serves until Stop.
//
// Postcondition: Returns nil after a clean Stop.
func (s *HTTPService) Start() error {
	lis, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.addr, err)
	}
	s.mu.Lock()
	s.listener = lis
	s.mu.Unlock()

	s.logger.Info("http server listening",
		zap.String("server", s.name),
		zap.String("addr", lis.Addr().String()),
	)
	if err := s.server.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serving %s: %w", s.name, err)
	}
	return nil
}

// Addr returns the bound address, or nil before Start.
func (s *HTTPService) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stop shuts the server down, waiting up to five seconds for requests in flight.
func (s *HTTPService) Stop() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.server.Shutdown(ctx); err != nil {
		s.logger.Warn("http shutdown", zap.String("server", s.name), zap.Error(err))
	}
}
