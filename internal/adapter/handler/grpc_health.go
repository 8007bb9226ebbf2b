package handler

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

// ServiceName is the health service name reported for the reservation
// pipeline as a whole.
const ServiceName = "stockreservation.Pipeline"

// HealthProbe keeps the gRPC health status in line with its dependencies.
type HealthProbe struct {
	server   *health.Server
	deps     map[string]Pinger
	interval time.Duration
	logger   zerolog.Logger
}

// NewGRPCServer returns a server with the health and reflection services
// registered, plus the probe that feeds health.
func NewGRPCServer(deps map[string]Pinger, interval time.Duration, logger zerolog.Logger, opts ...grpc.ServerOption) (*grpc.Server, *HealthProbe) {
	srv := grpc.NewServer(opts...)
	hs := health.NewServer()
	healthpb.RegisterHealthServer(srv, hs)
	reflection.Register(srv)

	if interval <= 0 {
		interval = 5 * time.Second
	}

	probe := &HealthProbe{
		server:   hs,
		deps:     deps,
		interval: interval,
		logger:   logger.With().Str("component", "grpc-health").Logger(),
	}
	hs.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)

	return srv, probe
}

// Check pings every dependency once and publishes the result.
func (p *HealthProbe) Check(ctx context.Context) healthpb.HealthCheckResponse_ServingStatus {
	status := healthpb.HealthCheckResponse_SERVING
	for name, dep := range p.deps {
		ctx, cancel := context.WithTimeout(ctx, p.interval)
		err := dep.Ping(ctx)
		cancel()
		if err != nil {
			p.logger.Warn().Err(err).Str("dependency", name).Msg("dependency unhealthy")
			status = healthpb.HealthCheckResponse_NOT_SERVING
		}
	}

	p.server.SetServingStatus("", status)
	p.server.SetServingStatus(ServiceName, status)
	return status
}

// Run probes until ctx is cancelled, then reports NOT_SERVING for good.
func (p *HealthProbe) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.Check(ctx)
	for {
		select {
		case <-ctx.Done():
			p.server.Shutdown()
			return nil
		case <-ticker.C:
			p.Check(ctx)
		}
	}
}
