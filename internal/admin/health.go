// Package admin exposes the lobby's operational endpoints over gRPC.
package admin

import (
	"context"
	"net"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// Probe reports nil when the component it checks is serving.
type Probe func(ctx context.Context) error

// Server serves the standard gRPC health protocol. Each registered probe is
// published as its own service name; the empty service name reports SERVING
// only while every probe passes.
type Server struct {
	grpc     *grpc.Server
	health   *health.Server
	interval time.Duration
	logger   *zap.Logger

	mu     sync.Mutex
	probes map[string]Probe

	stopOnce sync.Once
	done     chan struct{}
}

// NewServer creates a health server that re-evaluates its probes every interval.
//
// Precondition: interval > 0; logger must not be nil.
func NewServer(interval time.Duration, logger *zap.Logger) *Server {
	s := &Server{
		grpc:     grpc.NewServer(),
		health:   health.NewServer(),
		interval: interval,
		logger:   logger,
		probes:   make(map[string]Probe),
		done:     make(chan struct{}),
	}
	healthpb.RegisterHealthServer(s.grpc, s.health)
	s.health.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	return s
}

// Register adds a named probe. The service starts NOT_SERVING until the next check.
func (s *Server) Register(service string, probe Probe) {
	s.mu.Lock()
	s.probes[service] = probe
	s.mu.Unlock()
	s.health.SetServingStatus(service, healthpb.HealthCheckResponse_NOT_SERVING)
}

// Check runs every probe once and publishes the results.
//
// Postcondition: returns the names of the failing services in sorted order.
func (s *Server) Check(ctx context.Context) []string {
	s.mu.Lock()
	probes := make(map[string]Probe, len(s.probes))
	for name, p := range s.probes {
		probes[name] = p
	}
	s.mu.Unlock()

	var failing []string
	for name, probe := range probes {
		status := healthpb.HealthCheckResponse_SERVING
		if err := probe(ctx); err != nil {
			status = healthpb.HealthCheckResponse_NOT_SERVING
			failing = append(failing, name)
			s.logger.Warn("health probe failed", zap.String("service", name), zap.Error(err))
		}
		s.health.SetServingStatus(name, status)
	}
	sort.Strings(failing)

	overall := healthpb.HealthCheckResponse_SERVING
	if len(failing) > 0 {
		overall = healthpb.HealthCheckResponse_NOT_SERVING
	}
	s.health.SetServingStatus("", overall)
	return failing
}

func (s *Server) watch() {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), s.interval)
			s.Check(ctx)
			cancel()
		}
	}
}

// Serve runs an initial check, then serves health RPCs on lis until Stop.
func (s *Server) Serve(lis net.Listener) error {
	ctx, cancel := context.WithTimeout(context.Background(), s.interval)
	s.Check(ctx)
	cancel()
	go s.watch()

	s.logger.Info("admin health endpoint listening", zap.String("addr", lis.Addr().String()))
	return s.grpc.Serve(lis)
}

// ListenAndServe listens on addr and calls Serve.
func (s *Server) ListenAndServe(addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(lis)
}

// Stop marks every service NOT_SERVING and drains in-flight RPCs.
func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		close(s.done)
		s.health.Shutdown()
		s.grpc.GracefulStop()
	})
}
