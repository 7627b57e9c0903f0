package health

import (
	"PPSync/logger"
	"context"
	"net"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
)

// ServiceRelay is the name orchestrators probe; "" reports the whole process.
const ServiceRelay = "ppsync.Relay"

// Server is a gRPC server exposing only the standard health service.
type Server struct {
	grpc *grpc.Server
	hs   *health.Server
}

func NewServer() *Server {
	s := &Server{grpc: grpc.NewServer(), hs: health.NewServer()}
	grpc_health_v1.RegisterHealthServer(s.grpc, s.hs)
	s.hs.SetServingStatus("", grpc_health_v1.HealthCheckResponse_NOT_SERVING)
	s.hs.SetServingStatus(ServiceRelay, grpc_health_v1.HealthCheckResponse_NOT_SERVING)
	return s
}

func (s *Server) SetServing(serving bool) {
	st := grpc_health_v1.HealthCheckResponse_NOT_SERVING
	if serving {
		st = grpc_health_v1.HealthCheckResponse_SERVING
	}
	s.hs.SetServingStatus("", st)
	s.hs.SetServingStatus(ServiceRelay, st)
}

// Serve blocks until the listener fails or Stop is called.
func (s *Server) Serve(lis net.Listener) error {
	logger.Info("[Health] grpc health listening", zap.String("addr", lis.Addr().String()))
	if err := s.grpc.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return errors.Wrap(err, "grpc health serve")
	}
	return nil
}

// Stop flips every service to NOT_SERVING so watchers see the drain, then stops.
func (s *Server) Stop() {
	s.hs.Shutdown()
	s.grpc.GracefulStop()
}

// Check dials target and asks for service's status once.
func Check(ctx context.Context, target, service string, opts ...grpc.DialOption) (grpc_health_v1.HealthCheckResponse_ServingStatus, error) {
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	conn, err := grpc.NewClient(target, opts...)
	if err != nil {
		return grpc_health_v1.HealthCheckResponse_UNKNOWN, errors.Wrapf(err, "dial %s", target)
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	resp, err := grpc_health_v1.NewHealthClient(conn).Check(ctx, &grpc_health_v1.HealthCheckRequest{Service: service})
	if err != nil {
		return grpc_health_v1.HealthCheckResponse_UNKNOWN, errors.Wrap(err, "health check")
	}
	return resp.GetStatus(), nil
}
