package server

import (
	"context"
	"fmt"
	"net"

	"signal_router/internal/core"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
)

// WorkerService is the health service name probes can query besides the overall ""
const WorkerService = "signal_router.Worker"

// GRPCHealth serves the standard gRPC health protocol for orchestrator probes
type GRPCHealth struct {
	addr   string
	logger core.ILogger
	health *health.Server
	server *grpc.Server
}

func NewGRPCHealth(addr string, logger core.ILogger) *GRPCHealth {
	hs := health.NewServer()
	gs := grpc.NewServer()
	grpc_health_v1.RegisterHealthServer(gs, hs)

	g := &GRPCHealth{
		addr:   addr,
		logger: logger.WithField("component", "grpc_health"),
		health: hs,
		server: gs,
	}
	g.SetServing(false)
	return g
}

// SetServing flips both the overall and the worker status
func (g *GRPCHealth) SetServing(serving bool) {
	status := grpc_health_v1.HealthCheckResponse_NOT_SERVING
	if serving {
		status = grpc_health_v1.HealthCheckResponse_SERVING
	}
	g.health.SetServingStatus("", status)
	g.health.SetServingStatus(WorkerService, status)
}

// Serve blocks on lis until ctx ends
func (g *GRPCHealth) Serve(ctx context.Context, lis net.Listener) error {
	errCh := make(chan error, 1)
	go func() {
		g.logger.Info("Starting gRPC health server", "addr", lis.Addr().String())
		errCh <- g.server.Serve(lis)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("grpc health server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
		g.SetServing(false)
		g.health.Shutdown()
		g.server.GracefulStop()
		g.logger.Info("Stopped gRPC health server")
		return nil
	}
}

func (g *GRPCHealth) Run(ctx context.Context) error {
	lis, err := net.Listen("tcp", g.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", g.addr, err)
	}
	return g.Serve(ctx, lis)
}
