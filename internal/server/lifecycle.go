// Package server runs the lobby's long-lived services: startup, signal
// handling, ordered shutdown and gRPC health reporting.
package server

import (
	"context"
	"fmt"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// defaultStopTimeout bounds each service's Stop and the final wait for Start
// calls to return.
const defaultStopTimeout = 10 * time.Second

// Service represents a long-running component that can be started and stopped.
type Service interface {
	// Start runs the service and blocks until it is stopped or fails.
	Start() error
	// Stop gracefully stops the service.
	Stop()
}

// FuncService adapts a start/stop function pair into the Service interface.
type FuncService struct {
	StartFn func() error
	StopFn  func()
}

// Start calls the underlying start function.
func (f *FuncService) Start() error { return f.StartFn() }

// Stop calls the underlying stop function.
func (f *FuncService) Stop() { f.StopFn() }

// Lifecycle starts named services together and stops them in reverse
// registration order. With a health server attached, the overall status ("")
// and one status per service name follow the lifecycle.
type Lifecycle struct {
	logger      *zap.Logger
	stopTimeout time.Duration

	mu       sync.Mutex
	services []namedService
	health   *health.Server
}

type namedService struct {
	name    string
	service Service
}

// NewLifecycle creates a new Lifecycle manager.
//
// Precondition: logger must be non-nil.
func NewLifecycle(logger *zap.Logger) *Lifecycle {
	return &Lifecycle{logger: logger, stopTimeout: defaultStopTimeout}
}

// Add registers a named service. Services start concurrently and stop in
// reverse order of Add.
//
// Precondition: name must be non-empty and unique; svc must be non-nil.
func (l *Lifecycle) Add(name string, svc Service) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.services = append(l.services, namedService{name: name, service: svc})
}

// SetHealth attaches a gRPC health server.
//
// Precondition: Must be called before Run.
func (l *Lifecycle) SetHealth(h *health.Server) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.health = h
}

func (l *Lifecycle) setStatus(service string, status healthpb.HealthCheckResponse_ServingStatus) {
	l.mu.Lock()
	h := l.health
	l.mu.Unlock()
	if h != nil {
		h.SetServingStatus(service, status)
	}
}

// Run starts every service and blocks until ctx is cancelled, SIGINT or
// SIGTERM arrives, or a service fails. All services are then stopped.
//
// Postcondition: Returns the first service failure, or nil on a requested shutdown.
func (l *Lifecycle) Run(ctx context.Context) error {
	start := time.Now()
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	l.mu.Lock()
	services := append([]namedService(nil), l.services...)
	l.mu.Unlock()

	errCh := make(chan error, len(services))
	var running sync.WaitGroup
	for _, ns := range services {
		running.Add(1)
		go func() {
			defer running.Done()
			l.setStatus(ns.name, healthpb.HealthCheckResponse_SERVING)
			svcStart := time.Now()
			if err := ns.service.Start(); err != nil {
				l.setStatus(ns.name, healthpb.HealthCheckResponse_NOT_SERVING)
				l.logger.Error("service failed",
					zap.String("service", ns.name),
					zap.Duration("uptime", time.Since(svcStart)),
					zap.Error(err),
				)
				errCh <- fmt.Errorf("service %s: %w", ns.name, err)
			}
		}()
	}

	l.setStatus("", healthpb.HealthCheckResponse_SERVING)
	l.logger.Info("all services started",
		zap.Int("count", len(services)),
		zap.Duration("startup", time.Since(start)),
	)

	var runErr error
	select {
	case runErr = <-errCh:
		l.logger.Error("service error, shutting down", zap.Error(runErr))
	case <-ctx.Done():
		l.logger.Info("shutdown requested")
	}

	l.setStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	l.shutdown(services)
	if !waitTimeout(&running, l.stopTimeout) {
		l.logger.Warn("services still running after shutdown", zap.Duration("waited", l.stopTimeout))
	}

	l.logger.Info("shutdown complete", zap.Duration("total_uptime", time.Since(start)))
	return runErr
}

func (l *Lifecycle) shutdown(services []namedService) {
	shutdownStart := time.Now()
	for i := len(services) - 1; i >= 0; i-- {
		ns := services[i]
		svcStart := time.Now()

		done := make(chan struct{})
		go func() {
			defer close(done)
			ns.service.Stop()
		}()
		select {
		case <-done:
			l.logger.Info("service stopped",
				zap.String("service", ns.name),
				zap.Duration("elapsed", time.Since(svcStart)),
			)
		case <-time.After(l.stopTimeout):
			l.logger.Warn("service stop timed out", zap.String("service", ns.name))
		}
		l.setStatus(ns.name, healthpb.HealthCheckResponse_NOT_SERVING)
	}
	l.logger.Info("all services stopped",
		zap.Duration("shutdown_elapsed", time.Since(shutdownStart)),
	)
}

func waitTimeout(wg *sync.WaitGroup, d time.Duration) bool {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(d):
		return false
	}
}
