package transport

import (
	"context"
	"net"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
)

type Server struct {
	grpc   *grpc.Server
	health *health.Server
	logger logrus.FieldLogger
}

func NewServer(fulfillment FulfillmentEventsServer, shopping ShoppingServer, logger logrus.FieldLogger) *Server {
	s := &Server{
		health: health.NewServer(),
		logger: logger.WithField("component", "grpc"),
	}
	s.grpc = grpc.NewServer(grpc.ChainUnaryInterceptor(s.logCalls))
	RegisterFulfillmentEventsServer(s.grpc, fulfillment)
	RegisterShoppingServer(s.grpc, shopping)
	grpc_health_v1.RegisterHealthServer(s.grpc, s.health)
	for _, name := range []string{"", fulfillmentServiceName, shoppingServiceName} {
		s.health.SetServingStatus(name, grpc_health_v1.HealthCheckResponse_SERVING)
	}
	return s
}

// Serve blocks until ctx is cancelled or the listener fails. On cancellation
// the health status flips to NOT_SERVING before in-flight calls are drained.
func (s *Server) Serve(ctx context.Context, lis net.Listener) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.WithField("addr", lis.Addr().String()).Info("grpc server listening")
		errCh <- s.grpc.Serve(lis)
	}()

	select {
	case err := <-errCh:
		return errors.Wrap(err, "grpc serve")
	case <-ctx.Done():
	}

	s.health.Shutdown()
	s.grpc.GracefulStop()
	s.logger.Info("grpc server stopped")
	if err := <-errCh; err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return errors.Wrap(err, "grpc serve")
	}
	return nil
}

func (s *Server) Stop() {
	s.health.Shutdown()
	s.grpc.Stop()
}

func (s *Server) logCalls(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
	start := time.Now()
	resp, err := handler(ctx, req)
	s.logger.WithFields(logrus.Fields{
		"method":   info.FullMethod,
		"code":     status.Code(err).String(),
		"duration": time.Since(start),
	}).Debug("handled call")
	return resp, err
}
