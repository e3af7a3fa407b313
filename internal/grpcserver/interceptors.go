package grpcserver

import (
	"context"
	"crypto/subtle"
	"strings"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

const (
	adminTokenHeader  = "authorization"
	adminTokenPrefix  = "Bearer "
	errorUnauthorized = "unauthorized"
)

// NewServer builds a grpc.Server carrying the wallet admin and health services.
// An empty adminToken disables the token check.
func NewServer(walletLedger Ledger, adminToken string, logger *zap.Logger) *grpc.Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	server := grpc.NewServer(grpc.ChainUnaryInterceptor(
		loggingInterceptor(logger),
		adminTokenInterceptor(adminToken),
	))
	RegisterWalletAdminServer(server, NewWalletAdminService(walletLedger))
	healthServer := health.NewServer()
	healthServer.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(server, healthServer)
	return server
}

func adminTokenInterceptor(adminToken string) grpc.UnaryServerInterceptor {
	expected := []byte(adminTokenPrefix + adminToken)
	return func(ctx context.Context, request any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if adminToken == "" || strings.HasPrefix(info.FullMethod, "/grpc.health.v1.") {
			return handler(ctx, request)
		}
		incoming, _ := metadata.FromIncomingContext(ctx)
		values := incoming.Get(adminTokenHeader)
		if len(values) == 0 || subtle.ConstantTimeCompare([]byte(values[0]), expected) != 1 {
			return nil, status.Error(codes.Unauthenticated, errorUnauthorized)
		}
		return handler(ctx, request)
	}
}

func loggingInterceptor(logger *zap.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, request any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		started := time.Now()
		response, err := handler(ctx, request)
		code := status.Code(err)
		fields := []zap.Field{
			zap.String("method", info.FullMethod),
			zap.String("code", code.String()),
			zap.Duration("elapsed", time.Since(started)),
		}
		switch code {
		case codes.OK:
			logger.Debug("grpc call", fields...)
		case codes.Internal, codes.DataLoss, codes.Unknown:
			logger.Error("grpc call failed", append(fields, zap.Error(err))...)
		default:
			logger.Info("grpc call rejected", append(fields, zap.Error(err))...)
		}
		return response, err
	}
}
