package transport

import (
	"context"
	"errors"
	"fmt"
	"net"

	"google.golang.org/genproto/googleapis/api/httpbody"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/reflection"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/zde37/gusearch/pkg"
)

// Operator runs control plane requests against a node. Implementations hop
// onto the node's event loop, so calls may block until ctx is done.
type Operator interface {
	Execute(ctx context.Context, line string) (string, error)
	// RingState values must be structpb compatible: strings, numbers,
	// bools, []any and map[string]any.
	RingState(ctx context.Context) (map[string]any, error)
}

var _ OperatorServer = (*GRPCServer)(nil)

// GRPCServer exposes an Operator as gusearch.v1.OperatorService.
type GRPCServer struct {
	operator  Operator
	server    *grpc.Server
	logger    *pkg.Logger
	authToken string

	address  string
	listener net.Listener
}

// NewGRPCServer creates a server for op. An empty authToken disables
// authentication.
func NewGRPCServer(op Operator, address string, authToken string, logger *pkg.Logger) (*GRPCServer, error) {
	if op == nil {
		return nil, fmt.Errorf("operator cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}

	return &GRPCServer{
		operator:  op,
		address:   address,
		authToken: authToken,
		logger:    logger.WithFields(pkg.Fields{"component": "grpc_server"}),
	}, nil
}

// Start listens and serves in the background.
func (s *GRPCServer) Start() error {
	listener, err := net.Listen("tcp", s.address)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	s.listener = listener

	opts := []grpc.ServerOption{
		grpc.MaxRecvMsgSize(4 * 1024 * 1024), // 4MB
		grpc.MaxSendMsgSize(4 * 1024 * 1024), // 4MB
		grpc.ChainUnaryInterceptor(
			RequestIDInterceptor(s.logger),
			AuthInterceptor(s.authToken),
		),
	}

	s.server = grpc.NewServer(opts...)
	RegisterOperatorServer(s.server, s)
	reflection.Register(s.server)

	s.logger.Info().
		Str("address", listener.Addr().String()).
		Msg("Starting gRPC server")

	go func() {
		if err := s.server.Serve(listener); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			s.logger.Error().Err(err).Msg("gRPC server error")
		}
	}()

	return nil
}

// Addr is the listening address once started.
func (s *GRPCServer) Addr() string {
	if s.listener == nil {
		return s.address
	}
	return s.listener.Addr().String()
}

// Stop gracefully stops the gRPC server.
func (s *GRPCServer) Stop() error {
	s.logger.Info().Msg("Stopping gRPC server")
	if s.server != nil {
		s.server.GracefulStop()
	}
	return nil
}

// Execute implements OperatorServer.
func (s *GRPCServer) Execute(ctx context.Context, req *wrapperspb.StringValue) (*httpbody.HttpBody, error) {
	out, err := s.operator.Execute(ctx, req.GetValue())
	if err != nil {
		return nil, StatusError(err)
	}
	return &httpbody.HttpBody{
		ContentType: "text/plain; charset=utf-8",
		Data:        []byte(out),
	}, nil
}

// RingState implements OperatorServer.
func (s *GRPCServer) RingState(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	state, err := s.operator.RingState(ctx)
	if err != nil {
		return nil, StatusError(err)
	}
	out, err := structpb.NewStruct(state)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "failed to encode ring state: %v", err)
	}
	return out, nil
}

// StatusError maps node errors onto gRPC codes.
func StatusError(err error) error {
	code := codes.Internal
	switch {
	case errors.Is(err, pkg.ErrInvalidCommand):
		code = codes.InvalidArgument
	case errors.Is(err, pkg.ErrNotInRing), errors.Is(err, pkg.ErrAlreadyInRing):
		code = codes.FailedPrecondition
	case errors.Is(err, pkg.ErrNodeStopped):
		code = codes.Unavailable
	case errors.Is(err, context.DeadlineExceeded):
		code = codes.DeadlineExceeded
	case errors.Is(err, context.Canceled), errors.Is(err, pkg.ErrContextCanceled):
		code = codes.Canceled
	}
	return status.Error(code, err.Error())
}
