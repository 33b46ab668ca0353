package transport

import (
	"context"
	"fmt"
	"time"

	"google.golang.org/genproto/googleapis/api/httpbody"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/zde37/gusearch/pkg"
)

// OperatorClient talks to a node's OperatorService.
type OperatorClient struct {
	conn    *grpc.ClientConn
	logger  *pkg.Logger
	timeout time.Duration
}

// NewOperatorClient connects lazily to address. A zero timeout leaves calls
// bounded only by their context.
func NewOperatorClient(address, authToken string, timeout time.Duration, logger *pkg.Logger) (*OperatorClient, error) {
	if logger == nil {
		logger = pkg.NewNop()
	}

	conn, err := grpc.NewClient(address,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithUnaryInterceptor(TokenCredentials(authToken)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create client for %s: %w", address, err)
	}

	return &OperatorClient{
		conn:    conn,
		logger:  logger.WithFields(pkg.Fields{"component": "grpc_client", "target": address}),
		timeout: timeout,
	}, nil
}

// Execute runs one command line on the node and returns its output.
func (c *OperatorClient) Execute(ctx context.Context, line string) (string, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	out := new(httpbody.HttpBody)
	if err := c.conn.Invoke(ctx, executeMethod, wrapperspb.String(line), out); err != nil {
		return "", fmt.Errorf("Execute RPC failed: %w", err)
	}
	c.logger.Debug().Str("command", line).Int("bytes", len(out.GetData())).Msg("Command executed")
	return string(out.GetData()), nil
}

// RingState fetches the node's state.
func (c *OperatorClient) RingState(ctx context.Context) (map[string]any, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, ringStateMethod, new(emptypb.Empty), out); err != nil {
		return nil, fmt.Errorf("RingState RPC failed: %w", err)
	}
	return out.AsMap(), nil
}

// Close closes the connection.
func (c *OperatorClient) Close() error {
	return c.conn.Close()
}

func (c *OperatorClient) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.timeout)
}
