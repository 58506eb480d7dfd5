// Package grpcapi exposes the service over gRPC: the standard health service,
// with a per-session entry tracking the connection state, and reflection.
package grpcapi

import (
	"context"
	"net"

	"github.com/rs/zerolog/log"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"live-vision-service/internal/observability"
	"live-vision-service/internal/observability/metrics"
	"live-vision-service/internal/service/state"
)

// SessionService is the health service name whose status follows the live
// session. The empty name reports the process itself.
const SessionService = "live.vision.v1.Session"

type Server struct {
	grpc   *grpc.Server
	health *health.Server
}

// New creates a gRPC server with health and reflection registered.
func New(m *metrics.Metrics) *Server {
	server := grpc.NewServer(
		grpc.ChainUnaryInterceptor(observability.UnaryServerInterceptor(m)),
		grpc.ChainStreamInterceptor(observability.StreamServerInterceptor(m)),
	)

	// Register gRPC health check service
	healthServer := health.NewServer()
	grpc_health_v1.RegisterHealthServer(server, healthServer)
	healthServer.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)
	healthServer.SetServingStatus(SessionService, grpc_health_v1.HealthCheckResponse_NOT_SERVING)

	// Enable gRPC reflection for debugging tools like grpcurl
	reflection.Register(server)

	return &Server{grpc: server, health: healthServer}
}

// ServingStatus maps a connection state to the session health status. A held
// session (Ready, Connecting, Connected) is serving.
func ServingStatus(k state.Kind) grpc_health_v1.HealthCheckResponse_ServingStatus {
	switch k {
	case state.Ready, state.Connecting, state.Connected:
		return grpc_health_v1.HealthCheckResponse_SERVING
	default:
		return grpc_health_v1.HealthCheckResponse_NOT_SERVING
	}
}

// TrackState updates the session health status from w until ctx is done or
// the watcher is closed.
func (s *Server) TrackState(ctx context.Context, w *state.Watcher) {
	for {
		select {
		case <-ctx.Done():
			return
		case snap, ok := <-w.C():
			if !ok {
				return
			}
			s.health.SetServingStatus(SessionService, ServingStatus(snap.State.Kind))
		}
	}
}

// Serve accepts connections on lis until Stop.
func (s *Server) Serve(lis net.Listener) error {
	log.Info().Str("addr", lis.Addr().String()).Msg("gRPC server started")
	return s.grpc.Serve(lis)
}

// Stop marks every service as not serving and drains in-flight calls.
func (s *Server) Stop() {
	log.Info().Msg("Shutting down gRPC server")
	s.health.Shutdown()
	s.grpc.GracefulStop()
}
