package mlgateway

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/orafinite/backend/internal/circuitbreaker"
	"github.com/orafinite/backend/pb/mlservice"
)

// stubClient scripts RPC outcomes per call.
type stubClient struct {
	mlservice.MLServiceClient

	scanErr   error
	scanCalls int
}

func (s *stubClient) ScanPrompt(context.Context, *mlservice.ScanRequest, ...grpc.CallOption) (*mlservice.ScanResult, error) {
	s.scanCalls++
	if s.scanErr != nil {
		return nil, s.scanErr
	}
	return &mlservice.ScanResult{Safe: true}, nil
}

func newStubGateway(t *testing.T, stub *stubClient, opts GatewayOptions) (*Gateway, *int) {
	t.Helper()
	builds := 0
	opts.Factory = func(string) (mlservice.MLServiceClient, func() error, error) {
		builds++
		return stub, func() error { return nil }, nil
	}
	return NewGateway("sidecar:50051", opts), &builds
}

func TestGateway_CachesClient(t *testing.T) {
	stub := &stubClient{}
	gw, builds := newStubGateway(t, stub, GatewayOptions{})

	for i := 0; i < 5; i++ {
		res, err := gw.ScanPrompt(context.Background(), &mlservice.ScanRequest{Prompt: "hi"})
		require.NoError(t, err)
		assert.True(t, res.Safe)
	}
	assert.Equal(t, 1, *builds)
	assert.Equal(t, 5, stub.scanCalls)
}

func TestGateway_RebuildsAfterTTL(t *testing.T) {
	stub := &stubClient{}
	gw, builds := newStubGateway(t, stub, GatewayOptions{ClientTTL: 20 * time.Millisecond})

	_, err := gw.ScanPrompt(context.Background(), &mlservice.ScanRequest{})
	require.NoError(t, err)
	time.Sleep(30 * time.Millisecond)
	_, err = gw.ScanPrompt(context.Background(), &mlservice.ScanRequest{})
	require.NoError(t, err)

	assert.Equal(t, 2, *builds)
}

func TestGateway_ConstructionFailuresTripBreaker(t *testing.T) {
	builds := 0
	gw := NewGateway("sidecar:50051", GatewayOptions{
		FailureThreshold: 5,
		ResetTimeout:     time.Hour,
		Factory: func(string) (mlservice.MLServiceClient, func() error, error) {
			builds++
			return nil, nil, status.Error(codes.Unavailable, "connection refused")
		},
	})

	for i := 0; i < 5; i++ {
		_, err := gw.ScanPrompt(context.Background(), &mlservice.ScanRequest{})
		require.Error(t, err)
	}
	assert.Equal(t, circuitbreaker.StateOpen, gw.BreakerState())

	// Open circuit rejects without dialing again.
	before := builds
	_, err := gw.ScanPrompt(context.Background(), &mlservice.ScanRequest{})
	assert.ErrorIs(t, err, circuitbreaker.ErrCircuitOpen)
	assert.Equal(t, before, builds)
}

func TestGateway_RPCFailuresDoNotTripBreaker(t *testing.T) {
	// Transport and request faults alike propagate without counting
	// against the breaker; only construction is gated.
	for _, code := range []codes.Code{codes.Unavailable, codes.InvalidArgument} {
		stub := &stubClient{scanErr: status.Error(code, "rpc failed")}
		gw, builds := newStubGateway(t, stub, GatewayOptions{FailureThreshold: 5, ResetTimeout: time.Hour})

		for i := 0; i < 20; i++ {
			_, err := gw.ScanPrompt(context.Background(), &mlservice.ScanRequest{})
			require.Error(t, err)
			assert.Equal(t, code, status.Code(err))
		}
		assert.Equal(t, circuitbreaker.StateClosed, gw.BreakerState())
		assert.Equal(t, 1, *builds, "RPC failures must not discard the cached client")
	}
}
