package rpc

import (
	"context"
	"errors"
	"log/slog"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/perilstack/lossengine/internal/service"
)

const (
	// ServiceName is the fully qualified gRPC service name.
	ServiceName = "lossengine.v1.LossService"
	// EstimateMethod is the full method path of the Estimate RPC.
	EstimateMethod = "/" + ServiceName + "/Estimate"
)

// LossServer is the server API of LossService.
type LossServer interface {
	Estimate(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

// ServiceDesc describes LossService for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*LossServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Estimate", Handler: estimateHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "lossengine/v1/loss.proto",
}

func estimateHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(LossServer).Estimate(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: EstimateMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(LossServer).Estimate(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

// Server implements LossServer on top of the estimation service.
type Server struct {
	svc *service.Service
}

// NewServer creates a Server that runs estimates through svc.
func NewServer(svc *service.Service) *Server {
	return &Server{svc: svc}
}

// Register adds LossService and the standard health service to gs. The
// returned health server reports SERVING for both the overall server and
// LossService; callers flip it to NOT_SERVING during shutdown.
func Register(gs *grpc.Server, srv LossServer) *health.Server {
	gs.RegisterService(&ServiceDesc, srv)

	hs := health.NewServer()
	hs.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	hs.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(gs, hs)
	return hs
}

// MessageOptions sets the server's receive and send limits to limit bytes.
// A dataset of a few hundred thousand records already exceeds gRPC's 4 MiB
// default.
func MessageOptions(limit int) []grpc.ServerOption {
	return []grpc.ServerOption{
		grpc.MaxRecvMsgSize(limit),
		grpc.MaxSendMsgSize(limit),
	}
}

// Estimate decodes the request, runs it and returns the run summary.
// Authentication is enforced by the server interceptor before this is called.
func (s *Server) Estimate(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	req, includeLosses, err := decodeRequest(in)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}

	run, err := s.svc.Estimate(ctx, req)
	if err != nil {
		return nil, toStatus(err)
	}

	out, err := encodeResult(run, includeLosses)
	if err != nil {
		slog.Error("rpc: encode result", "run", run.ID, "err", err)
		return nil, status.Error(codes.Internal, "encode result")
	}
	slog.Debug("rpc: estimate served", "run", run.ID, "records", run.Records)
	return out, nil
}

// toStatus maps a service error onto a gRPC status.
func toStatus(err error) error {
	switch {
	case service.IsInvalid(err):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Unavailable, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}
