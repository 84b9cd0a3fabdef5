package handler

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

// ServiceName is the gRPC health service name reported for the gateway.
const ServiceName = "flow.gateway.v1"

// NewGRPCServer returns a gRPC server exposing the standard health service
// and reflection.
func NewGRPCServer(hs *health.Server) *grpc.Server {
	srv := grpc.NewServer(grpc.StatsHandler(otelgrpc.NewServerHandler()))
	healthpb.RegisterHealthServer(srv, hs)
	reflection.Register(srv)
	return srv
}

// HealthReporter mirrors a readiness check into a gRPC health server.
type HealthReporter struct {
	health   *health.Server
	ready    func(context.Context) error
	interval time.Duration
	logger   *slog.Logger
}

// NewHealthReporter creates a HealthReporter checking ready every interval.
func NewHealthReporter(hs *health.Server, ready func(context.Context) error, interval time.Duration, logger *slog.Logger) *HealthReporter {
	return &HealthReporter{health: hs, ready: ready, interval: interval, logger: logger}
}

// Run updates the serving status until ctx ends, then marks the server as
// shutting down.
func (h *HealthReporter) Run(ctx context.Context) {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	serving := false
	check := func() {
		checkCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		err := h.ready(checkCtx)
		cancel()
		status := healthpb.HealthCheckResponse_SERVING
		if err != nil {
			status = healthpb.HealthCheckResponse_NOT_SERVING
		}
		if (err == nil) != serving {
			serving = err == nil
			if err != nil {
				h.logger.Warn("gateway not ready", slog.String("error", err.Error()))
			} else {
				h.logger.Info("gateway ready")
			}
		}
		h.health.SetServingStatus("", status)
		h.health.SetServingStatus(ServiceName, status)
	}

	check()
	for {
		select {
		case <-ctx.Done():
			h.health.Shutdown()
			return
		case <-ticker.C:
			check()
		}
	}
}
