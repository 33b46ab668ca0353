package transport

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/zde37/gusearch/pkg"
)

// fakeOperator echoes commands and records the request ids it saw.
type fakeOperator struct {
	calls      []string
	requestIDs []string
	err        error
}

func (f *fakeOperator) Execute(ctx context.Context, line string) (string, error) {
	f.calls = append(f.calls, line)
	if id, ok := ctx.Value(pkg.RequestIDKey).(string); ok {
		f.requestIDs = append(f.requestIDs, id)
	}
	if f.err != nil {
		return "", f.err
	}
	return "ok: " + line, nil
}

func (f *fakeOperator) RingState(context.Context) (map[string]any, error) {
	if f.err != nil {
		return nil, f.err
	}
	return map[string]any{
		"in_ring": true,
		"self":    map[string]any{"num": 1, "address": "127.0.0.1"},
		"fingers": []any{"a", "b"},
	}, nil
}

func startServer(t *testing.T, op Operator, token string) *GRPCServer {
	t.Helper()
	server, err := NewGRPCServer(op, "127.0.0.1:0", token, pkg.NewNop())
	require.NoError(t, err)
	require.NoError(t, server.Start())
	t.Cleanup(func() { _ = server.Stop() })
	return server
}

func TestNewGRPCServer_Validation(t *testing.T) {
	_, err := NewGRPCServer(nil, "127.0.0.1:0", "", pkg.NewNop())
	assert.Error(t, err)
	_, err = NewGRPCServer(&fakeOperator{}, "127.0.0.1:0", "", nil)
	assert.Error(t, err)
}

func TestOperatorClient_Execute(t *testing.T) {
	op := &fakeOperator{}
	server := startServer(t, op, "")

	client, err := NewOperatorClient(server.Addr(), "", 5*time.Second, nil)
	require.NoError(t, err)
	defer client.Close()

	out, err := client.Execute(context.Background(), "ringstate")
	require.NoError(t, err)
	assert.Equal(t, "ok: ringstate", out)
	assert.Equal(t, []string{"ringstate"}, op.calls)
	require.Len(t, op.requestIDs, 1)
	assert.Len(t, op.requestIDs[0], 36, "request id should be a uuid")
}

func TestOperatorClient_RingState(t *testing.T) {
	server := startServer(t, &fakeOperator{}, "")

	client, err := NewOperatorClient(server.Addr(), "", 5*time.Second, nil)
	require.NoError(t, err)
	defer client.Close()

	state, err := client.RingState(context.Background())
	require.NoError(t, err)
	assert.Equal(t, true, state["in_ring"])
	self := state["self"].(map[string]any)
	assert.Equal(t, 1.0, self["num"])
	assert.Equal(t, []any{"a", "b"}, state["fingers"])
}

func TestOperatorClient_Auth(t *testing.T) {
	server := startServer(t, &fakeOperator{}, "secret")

	tests := []struct {
		name  string
		token string
		code  codes.Code
	}{
		{"valid token", "secret", codes.OK},
		{"wrong token", "nope", codes.Unauthenticated},
		{"missing token", "", codes.Unauthenticated},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, err := NewOperatorClient(server.Addr(), tt.token, 5*time.Second, nil)
			require.NoError(t, err)
			defer client.Close()

			_, err = client.Execute(context.Background(), "help")
			assert.Equal(t, tt.code, status.Code(err))
		})
	}
}

func TestOperatorClient_ErrorCodes(t *testing.T) {
	tests := []struct {
		err  error
		code codes.Code
	}{
		{fmt.Errorf("%w: nope", pkg.ErrInvalidCommand), codes.InvalidArgument},
		{pkg.ErrNotInRing, codes.FailedPrecondition},
		{pkg.ErrAlreadyInRing, codes.FailedPrecondition},
		{pkg.ErrNodeStopped, codes.Unavailable},
		{context.DeadlineExceeded, codes.DeadlineExceeded},
		{fmt.Errorf("disk on fire"), codes.Internal},
	}

	for _, tt := range tests {
		t.Run(tt.code.String(), func(t *testing.T) {
			server := startServer(t, &fakeOperator{err: tt.err}, "")
			client, err := NewOperatorClient(server.Addr(), "", 5*time.Second, nil)
			require.NoError(t, err)
			defer client.Close()

			_, err = client.Execute(context.Background(), "join 1")
			assert.Equal(t, tt.code, status.Code(err))
			assert.True(t, strings.Contains(err.Error(), tt.err.Error()))
		})
	}
}

func TestAuthInterceptor(t *testing.T) {
	handler := func(ctx context.Context, req any) (any, error) { return "done", nil }
	info := &grpc.UnaryServerInfo{FullMethod: executeMethod}

	open := AuthInterceptor("")
	resp, err := open(context.Background(), nil, info, handler)
	require.NoError(t, err)
	assert.Equal(t, "done", resp)

	guarded := AuthInterceptor("secret")
	_, err = guarded(context.Background(), nil, info, handler)
	assert.Equal(t, codes.Unauthenticated, status.Code(err))

	ctx := metadata.NewIncomingContext(context.Background(), metadata.Pairs(AuthTokenHeader, "secret"))
	resp, err = guarded(ctx, nil, info, handler)
	require.NoError(t, err)
	assert.Equal(t, "done", resp)
}

func TestRequestIDInterceptor_KeepsCallerID(t *testing.T) {
	var seen any
	handler := func(ctx context.Context, req any) (any, error) {
		seen = ctx.Value(pkg.RequestIDKey)
		return nil, nil
	}
	ctx := metadata.NewIncomingContext(context.Background(), metadata.Pairs(RequestIDHeader, "req-42"))

	_, err := RequestIDInterceptor(pkg.NewNop())(ctx, nil, &grpc.UnaryServerInfo{FullMethod: executeMethod}, handler)
	require.NoError(t, err)
	assert.Equal(t, "req-42", seen)
}
