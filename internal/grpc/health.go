// Package grpc serves the standard gRPC health service. Each dependency is
// reported under its own service name; the empty name tracks all of them.
package grpc

import (
	"context"
	"log/slog"
	"net"
	"sort"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

// Pinger is a dependency whose reachability decides readiness.
type Pinger interface {
	Ping(ctx context.Context) error
}

type PingFunc func(ctx context.Context) error

func (f PingFunc) Ping(ctx context.Context) error { return f(ctx) }

type HealthServer struct {
	server   *grpc.Server
	health   *health.Server
	checks   map[string]Pinger
	interval time.Duration
	timeout  time.Duration
	logger   *slog.Logger
}

func NewHealthServer(checks map[string]Pinger, interval time.Duration, logger *slog.Logger) *HealthServer {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	s := &HealthServer{
		server:   grpc.NewServer(grpc.StatsHandler(otelgrpc.NewServerHandler())),
		health:   health.NewServer(),
		checks:   checks,
		interval: interval,
		timeout:  2 * time.Second,
		logger:   logger,
	}
	healthpb.RegisterHealthServer(s.server, s.health)
	reflection.Register(s.server)
	for name := range checks {
		s.health.SetServingStatus(name, healthpb.HealthCheckResponse_UNKNOWN)
	}
	return s
}

// CheckOnce pings every dependency and updates the reported statuses.
func (s *HealthServer) CheckOnce(ctx context.Context) bool {
	names := make([]string, 0, len(s.checks))
	for name := range s.checks {
		names = append(names, name)
	}
	sort.Strings(names)

	healthy := true
	for _, name := range names {
		pctx, cancel := context.WithTimeout(ctx, s.timeout)
		err := s.checks[name].Ping(pctx)
		cancel()

		status := healthpb.HealthCheckResponse_SERVING
		if err != nil {
			healthy = false
			status = healthpb.HealthCheckResponse_NOT_SERVING
			s.logger.WarnContext(ctx, "dependency unhealthy", slog.String("dependency", name), slog.Any("error", err))
		}
		s.health.SetServingStatus(name, status)
	}

	overall := healthpb.HealthCheckResponse_SERVING
	if !healthy {
		overall = healthpb.HealthCheckResponse_NOT_SERVING
	}
	s.health.SetServingStatus("", overall)
	return healthy
}

// Serve checks dependencies on an interval and serves until ctx is done.
func (s *HealthServer) Serve(ctx context.Context, lis net.Listener) error {
	s.CheckOnce(ctx)
	go func() {
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.CheckOnce(ctx)
			}
		}
	}()
	go func() {
		<-ctx.Done()
		s.health.Shutdown()
		s.server.GracefulStop()
	}()

	s.logger.InfoContext(ctx, "grpc health server listening", slog.String("addr", lis.Addr().String()))
	return s.server.Serve(lis)
}
