// Package grpcserver serves the standard gRPC health service for orchestrator probes.
package grpcserver

import (
	"context"
	"errors"
	"net"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// WalletServiceName is the service name reported alongside the overall ("") status.
const WalletServiceName = "creditwallet.v1.Wallet"

const (
	defaultCheckInterval = 10 * time.Second
	defaultCheckTimeout  = 2 * time.Second
)

// Pinger reports whether the backing database is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthServer drives grpc.health.v1 status from periodic database pings.
type HealthServer struct {
	health   *health.Server
	pinger   Pinger
	logger   *zap.Logger
	interval time.Duration
	timeout  time.Duration
}

// NewHealthServer starts in NOT_SERVING until the first successful ping.
func NewHealthServer(pinger Pinger, interval time.Duration, logger *zap.Logger) *HealthServer {
	if logger == nil {
		logger = zap.NewNop()
	}
	if interval <= 0 {
		interval = defaultCheckInterval
	}
	server := &HealthServer{
		health:   health.NewServer(),
		pinger:   pinger,
		logger:   logger,
		interval: interval,
		timeout:  defaultCheckTimeout,
	}
	server.setStatus(healthpb.HealthCheckResponse_NOT_SERVING)
	return server
}

// Register attaches the health service to grpcServer.
func (server *HealthServer) Register(grpcServer *grpc.Server) {
	healthpb.RegisterHealthServer(grpcServer, server.health)
}

// Check pings once and publishes the result.
func (server *HealthServer) Check(ctx context.Context) healthpb.HealthCheckResponse_ServingStatus {
	pingCtx, cancel := context.WithTimeout(ctx, server.timeout)
	defer cancel()
	status := healthpb.HealthCheckResponse_SERVING
	if err := server.pinger.Ping(pingCtx); err != nil {
		server.logger.Warn("database ping failed", zap.Error(err))
		status = healthpb.HealthCheckResponse_NOT_SERVING
	}
	server.setStatus(status)
	return status
}

// Run checks immediately and then every interval until ctx ends, then reports NOT_SERVING for good.
func (server *HealthServer) Run(ctx context.Context) {
	ticker := time.NewTicker(server.interval)
	defer ticker.Stop()
	server.Check(ctx)
	for {
		select {
		case <-ctx.Done():
			server.health.Shutdown()
			return
		case <-ticker.C:
			server.Check(ctx)
		}
	}
}

func (server *HealthServer) setStatus(status healthpb.HealthCheckResponse_ServingStatus) {
	server.health.SetServingStatus("", status)
	server.health.SetServingStatus(WalletServiceName, status)
}

// Serve runs grpcServer on listener until ctx ends, then stops it gracefully.
func Serve(ctx context.Context, grpcServer *grpc.Server, listener net.Listener, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("gRPC health server starting", zap.String("listen_addr", listener.Addr().String()))
		errCh <- grpcServer.Serve(listener)
	}()

	select {
	case <-ctx.Done():
		grpcServer.GracefulStop()
		if serveErr := <-errCh; serveErr != nil && !errors.Is(serveErr, grpc.ErrServerStopped) {
			return serveErr
		}
		return nil
	case serveErr := <-errCh:
		if errors.Is(serveErr, grpc.ErrServerStopped) {
			return nil
		}
		return serveErr
	}
}
