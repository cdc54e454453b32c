package grpc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"

	"github.com/yagydev/animalmela/internal/config"
	"github.com/yagydev/animalmela/internal/observability"
	"github.com/yagydev/animalmela/pkg/errorbank"
)

// OrdersService is the health-check name reported for the order lifecycle.
const OrdersService = "animalmela.orders"

// Module exposes the gRPC server and lifecycle hooks to Fx.
var Module = fx.Module("grpc_server",
	fx.Provide(NewServer, NewHealth),
	fx.Invoke(Run),
)

// NewHealth builds the standard gRPC health service. Statuses start as
// NOT_SERVING and flip once the server is listening.
func NewHealth() *health.Server {
	h := health.NewServer()
	h.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	h.SetServingStatus(OrdersService, healthpb.HealthCheckResponse_NOT_SERVING)
	return h
}

// Params are the dependencies of NewServer.
type Params struct {
	fx.In

	Logger *zap.Logger
	Obs    *observability.Manager `optional:"true"`
}

// NewServer builds a gRPC server that recovers panics, logs every call and
// converts errorbank errors into gRPC statuses.
func NewServer(p Params) *grpc.Server {
	logger := p.Logger.Named("grpc")
	opts := []grpc.ServerOption{
		grpc.ChainUnaryInterceptor(func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (resp any, err error) {
			start := time.Now()
			defer func() {
				err = finish(logger, info.FullMethod, start, recover(), err)
			}()
			return handler(ctx, req)
		}),
		grpc.ChainStreamInterceptor(func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) (err error) {
			start := time.Now()
			defer func() {
				err = finish(logger, info.FullMethod, start, recover(), err)
			}()
			return handler(srv, ss)
		}),
	}
	if p.Obs.TracingEnabled() {
		opts = append(opts, grpc.StatsHandler(otelgrpc.NewServerHandler()))
	}
	return grpc.NewServer(opts...)
}

// finish converts a panic or handler error into a status and logs the call.
func finish(logger *zap.Logger, method string, start time.Time, panicked any, err error) error {
	if panicked != nil {
		logger.Error("grpc handler panicked", zap.String("method", method), zap.Any("panic", panicked), zap.Stack("stack"))
		err = status.Error(codes.Internal, "internal error")
	}
	err = toStatus(err)

	fields := []zap.Field{zap.String("method", method), zap.Duration("duration", time.Since(start))}
	if err == nil {
		logger.Debug("grpc call finished", fields...)
		return nil
	}
	fields = append(fields, zap.String("code", status.Code(err).String()), zap.Error(err))
	if status.Code(err) == codes.Internal {
		logger.Error("grpc call failed", fields...)
	} else {
		logger.Info("grpc call failed", fields...)
	}
	return err
}

func toStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	var appErr *errorbank.AppError
	if errors.As(err, &appErr) {
		return status.Error(appErr.GRPCCode(), fmt.Sprintf("%s: %s", appErr.Code(), appErr.Message()))
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return status.FromContextError(err).Err()
	}
	return status.Error(codes.Internal, "internal error")
}

// Run binds the gRPC server to the configured host/port and manages lifecycle.
func Run(lc fx.Lifecycle, cfg config.Config, server *grpc.Server, hs *health.Server, logger *zap.Logger) {
	addr := fmt.Sprintf("%s:%d", cfg.GRPC.Host, cfg.GRPC.Port)
	healthpb.RegisterHealthServer(server, hs)

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			lis, err := net.Listen("tcp", addr)
			if err != nil {
				return fmt.Errorf("listen grpc: %w", err)
			}
			logger.Info("starting gRPC server", zap.String("addr", addr))
			go func() {
				if err := server.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
					logger.Fatal("grpc server failed", zap.Error(err))
				}
			}()
			hs.Resume()
			hs.SetServingStatus(OrdersService, healthpb.HealthCheckResponse_SERVING)
			return nil
		},
		OnStop: func(ctx context.Context) error {
			logger.Info("stopping gRPC server")
			hs.Shutdown()
			stopped := make(chan struct{})
			go func() {
				server.GracefulStop()
				close(stopped)
			}()
			select {
			case <-ctx.Done():
				server.Stop()
				return ctx.Err()
			case <-stopped:
				return nil
			}
		},
	})
}
