// Package grpc serves and checks the gRPC health endpoints broseph processes
// expose for orchestration.
package grpc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"go.uber.org/zap"
	gogrpc "google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health"
	grpc_health_v1 "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/broseph/broseph/internal/platform/logging"
)

// HealthServer is a running gRPC server that only answers health checks.
type HealthServer struct {
	server   *gogrpc.Server
	health   *health.Server
	listener net.Listener
	done     chan error
}

// ServeHealth starts a health server on listener and marks the overall
// status and each named service as SERVING.
func ServeHealth(listener net.Listener, services ...string) (*HealthServer, error) {
	if listener == nil {
		return nil, errors.New("listener is required")
	}
	server := gogrpc.NewServer(gogrpc.StatsHandler(otelgrpc.NewServerHandler()))
	healthServer := health.NewServer()
	grpc_health_v1.RegisterHealthServer(server, healthServer)
	healthServer.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)
	for _, service := range services {
		healthServer.SetServingStatus(service, grpc_health_v1.HealthCheckResponse_SERVING)
	}

	hs := &HealthServer{
		server:   server,
		health:   healthServer,
		listener: listener,
		done:     make(chan error, 1),
	}
	go func() {
		hs.done <- server.Serve(listener)
	}()
	return hs, nil
}

// Addr returns the listening address.
func (h *HealthServer) Addr() string {
	return h.listener.Addr().String()
}

// Stop flips every service to NOT_SERVING and drains the server.
func (h *HealthServer) Stop() {
	if h == nil {
		return
	}
	h.health.Shutdown()
	h.server.GracefulStop()
	<-h.done
}

// WaitForHealth blocks until the health check at addr reports SERVING for
// service or ctx ends.
func WaitForHealth(ctx context.Context, addr string, service string, logger *zap.Logger) error {
	if ctx == nil {
		ctx = context.Background()
	}
	logger = logging.OrNop(logger)

	conn, err := gogrpc.NewClient(addr,
		gogrpc.WithTransportCredentials(insecure.NewCredentials()),
		gogrpc.WithStatsHandler(otelgrpc.NewClientHandler()),
	)
	if err != nil {
		return fmt.Errorf("dial health %s: %w", addr, err)
	}
	defer conn.Close()

	healthClient := grpc_health_v1.NewHealthClient(conn)
	backoff := 50 * time.Millisecond
	for {
		callCtx, cancel := context.WithTimeout(ctx, time.Second)
		response, err := healthClient.Check(callCtx, &grpc_health_v1.HealthCheckRequest{Service: service})
		cancel()
		if err == nil && response.GetStatus() == grpc_health_v1.HealthCheckResponse_SERVING {
			return nil
		}
		if err != nil {
			logger.Debug("waiting for gRPC health", zap.String("addr", addr), zap.Error(err))
		} else {
			logger.Debug("waiting for gRPC health", zap.String("addr", addr), zap.Stringer("status", response.GetStatus()))
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("wait for gRPC health: %w", ctx.Err())
		case <-time.After(backoff):
		}

		if backoff < time.Second {
			backoff *= 2
			if backoff > time.Second {
				backoff = time.Second
			}
		}
	}
}
