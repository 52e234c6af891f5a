package httpapi

import (
	"context"
	"errors"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"

	"provenance.org/internal/ledger"
	"provenance.org/internal/obs"
	"provenance.org/internal/rpc/passportv1"
	"provenance.org/internal/verify"
)

// GRPCServer implements grpc.health.v1.Health and passport.v1.VerificationService.
type GRPCServer struct {
	healthpb.UnimplementedHealthServer

	readiness readinessChecker
	verifier  *verify.Service
	version   string
}

// NewGRPCServer creates the gRPC service wrapper.
func NewGRPCServer(r readinessChecker, version string, verifier *verify.Service) *GRPCServer {
	return &GRPCServer{
		readiness: r,
		verifier:  verifier,
		version:   version,
	}
}

// NewGRPC builds a grpc.Server with both services registered.
func NewGRPC(srv *GRPCServer, opts ...grpc.ServerOption) *grpc.Server {
	opts = append([]grpc.ServerOption{grpc.ChainUnaryInterceptor(unaryLogging)}, opts...)
	s := grpc.NewServer(opts...)
	srv.Register(s)
	return s
}

// Register attaches the services to s.
func (s *GRPCServer) Register(reg grpc.ServiceRegistrar) {
	healthpb.RegisterHealthServer(reg, s)
	passportv1.RegisterVerificationServer(reg, s)
}

// Check evaluates readiness. The empty service name and the verification
// service both report the same status.
func (s *GRPCServer) Check(ctx context.Context, req *healthpb.HealthCheckRequest) (*healthpb.HealthCheckResponse, error) {
	switch req.GetService() {
	case "", passportv1.VerificationServiceName:
	default:
		return nil, status.Errorf(codes.NotFound, "unknown service %q", req.GetService())
	}
	if err := s.readiness.Check(ctx); err != nil {
		obs.SetReady(false)
		return &healthpb.HealthCheckResponse{Status: healthpb.HealthCheckResponse_NOT_SERVING}, nil
	}
	obs.SetReady(true)
	return &healthpb.HealthCheckResponse{Status: healthpb.HealthCheckResponse_SERVING}, nil
}

// Verify answers one public verification over gRPC.
func (s *GRPCServer) Verify(ctx context.Context, req *passportv1.VerifyRequest) (*passportv1.VerifyResponse, error) {
	if s.verifier == nil {
		return nil, status.Error(codes.Unimplemented, "verification not configured")
	}
	res, err := s.verifier.Verify(ctx, req.Token)
	if err != nil {
		return nil, toStatus(err)
	}
	return &passportv1.VerifyResponse{Result: res}, nil
}

func toStatus(err error) error {
	switch {
	case errors.Is(err, ledger.ErrInvalidInput):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, ledger.ErrNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, ledger.ErrStoreUnavailable):
		return status.Error(codes.Unavailable, verify.CodeUnavailable)
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	default:
		return status.Error(codes.Internal, verify.CodeFailed)
	}
}

func unaryLogging(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	start := time.Now()
	resp, err := handler(ctx, req)
	level := "info"
	if status.Code(err) == codes.Internal || status.Code(err) == codes.Unavailable {
		level = "error"
	}
	obs.Log(level, "grpc_complete", map[string]any{
		"method":      info.FullMethod,
		"code":        status.Code(err).String(),
		"duration_ms": float64(time.Since(start).Microseconds()) / 1000.0,
	})
	return resp, err
}
