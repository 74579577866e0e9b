package mlgateway

import (
	"context"
	"log"
	"sync"
	"time"

	"google.golang.org/grpc"

	"github.com/orafinite/backend/internal/circuitbreaker"
	"github.com/orafinite/backend/pb/mlservice"
)

const defaultClientTTL = 300 * time.Second

// Factory builds a sidecar client. Production uses NewClient; tests
// substitute fakes.
type Factory func(addr string) (mlservice.MLServiceClient, func() error, error)

func defaultFactory(addr string) (mlservice.MLServiceClient, func() error, error) {
	c, err := NewClient(addr)
	if err != nil {
		return nil, nil, err
	}
	return c, c.Close, nil
}

// GatewayOptions tune the cached client and its breaker.
type GatewayOptions struct {
	ClientTTL        time.Duration
	FailureThreshold uint32
	ResetTimeout     time.Duration
	Factory          Factory
}

// Gateway is the shared front door to the sidecar. It caches the client
// for a TTL and guards client construction with a circuit breaker;
// established channels handle their own reconnects.
type Gateway struct {
	addr    string
	ttl     time.Duration
	factory Factory
	breaker *circuitbreaker.CircuitBreaker

	mu      sync.RWMutex
	client  mlservice.MLServiceClient
	closeFn func() error
	builtAt time.Time
}

var _ mlservice.MLServiceClient = (*Gateway)(nil)

func NewGateway(addr string, opts GatewayOptions) *Gateway {
	if opts.ClientTTL <= 0 {
		opts.ClientTTL = defaultClientTTL
	}
	if opts.Factory == nil {
		opts.Factory = defaultFactory
	}
	return &Gateway{
		addr:    addr,
		ttl:     opts.ClientTTL,
		factory: opts.Factory,
		breaker: circuitbreaker.New(
			circuitbreaker.SidecarConfig("ml-sidecar", opts.FailureThreshold, opts.ResetTimeout)),
	}
}

// BreakerState exposes the circuit state for the health endpoint.
func (g *Gateway) BreakerState() circuitbreaker.State {
	return g.breaker.State()
}

func (g *Gateway) Close() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.dropLocked()
}

func (g *Gateway) dropLocked() {
	if g.closeFn != nil {
		if err := g.closeFn(); err != nil {
			log.Printf("⚠️ [MLGateway] close client: %v", err)
		}
	}
	g.client = nil
	g.closeFn = nil
}

// get returns the cached client, rebuilding it when the TTL lapsed.
func (g *Gateway) get() (mlservice.MLServiceClient, error) {
	g.mu.RLock()
	if g.client != nil && time.Since(g.builtAt) < g.ttl {
		cli := g.client
		g.mu.RUnlock()
		return cli, nil
	}
	g.mu.RUnlock()

	g.mu.Lock()
	defer g.mu.Unlock()

	// Double-check: another goroutine may have rebuilt while we waited.
	if g.client != nil && time.Since(g.builtAt) < g.ttl {
		return g.client, nil
	}

	g.dropLocked()
	cli, closeFn, err := g.factory(g.addr)
	if err != nil {
		return nil, err
	}
	g.client = cli
	g.closeFn = closeFn
	g.builtAt = time.Now()
	log.Printf("🔌 [MLGateway] sidecar client built for %s", g.addr)
	return cli, nil
}

// withClient resolves the cached client under the breaker, then runs
// the RPC outside it. Only construction failures count against the
// breaker; RPC outcomes, including transport faults, propagate to the
// caller untouched and the TTL takes care of refreshing the channel.
func (g *Gateway) withClient(fn func(mlservice.MLServiceClient) error) error {
	var cli mlservice.MLServiceClient
	err := g.breaker.Execute(func() error {
		c, err := g.get()
		if err != nil {
			return err
		}
		cli = c
		return nil
	})
	if err != nil {
		return err
	}
	return fn(cli)
}

// ============================================================================
// mlservice.MLServiceClient
// ============================================================================

func (g *Gateway) HealthCheck(ctx context.Context, in *mlservice.Empty, opts ...grpc.CallOption) (*mlservice.HealthInfo, error) {
	var out *mlservice.HealthInfo
	err := g.withClient(func(cli mlservice.MLServiceClient) error {
		var err error
		out, err = cli.HealthCheck(ctx, in, opts...)
		return err
	})
	return out, err
}

func (g *Gateway) ScanPrompt(ctx context.Context, in *mlservice.ScanRequest, opts ...grpc.CallOption) (*mlservice.ScanResult, error) {
	var out *mlservice.ScanResult
	err := g.withClient(func(cli mlservice.MLServiceClient) error {
		var err error
		out, err = cli.ScanPrompt(ctx, in, opts...)
		return err
	})
	return out, err
}

func (g *Gateway) ScanOutput(ctx context.Context, in *mlservice.OutputScanRequest, opts ...grpc.CallOption) (*mlservice.OutputScanResult, error) {
	var out *mlservice.OutputScanResult
	err := g.withClient(func(cli mlservice.MLServiceClient) error {
		var err error
		out, err = cli.ScanOutput(ctx, in, opts...)
		return err
	})
	return out, err
}

func (g *Gateway) AdvancedScan(ctx context.Context, in *mlservice.AdvancedScanRequest, opts ...grpc.CallOption) (*mlservice.AdvancedScanResult, error) {
	var out *mlservice.AdvancedScanResult
	err := g.withClient(func(cli mlservice.MLServiceClient) error {
		var err error
		out, err = cli.AdvancedScan(ctx, in, opts...)
		return err
	})
	return out, err
}

func (g *Gateway) StartGarakScan(ctx context.Context, in *mlservice.StartGarakScanRequest, opts ...grpc.CallOption) (*mlservice.StartGarakScanResponse, error) {
	var out *mlservice.StartGarakScanResponse
	err := g.withClient(func(cli mlservice.MLServiceClient) error {
		var err error
		out, err = cli.StartGarakScan(ctx, in, opts...)
		return err
	})
	return out, err
}

func (g *Gateway) GetGarakStatus(ctx context.Context, in *mlservice.GarakStatusRequest, opts ...grpc.CallOption) (*mlservice.GarakStatusResult, error) {
	var out *mlservice.GarakStatusResult
	err := g.withClient(func(cli mlservice.MLServiceClient) error {
		var err error
		out, err = cli.GetGarakStatus(ctx, in, opts...)
		return err
	})
	return out, err
}

func (g *Gateway) CancelGarakScan(ctx context.Context, in *mlservice.GarakStatusRequest, opts ...grpc.CallOption) (*mlservice.CancelGarakScanResponse, error) {
	var out *mlservice.CancelGarakScanResponse
	err := g.withClient(func(cli mlservice.MLServiceClient) error {
		var err error
		out, err = cli.CancelGarakScan(ctx, in, opts...)
		return err
	})
	return out, err
}

func (g *Gateway) RetestProbe(ctx context.Context, in *mlservice.RetestRequest, opts ...grpc.CallOption) (*mlservice.RetestResult, error) {
	var out *mlservice.RetestResult
	err := g.withClient(func(cli mlservice.MLServiceClient) error {
		var err error
		out, err = cli.RetestProbe(ctx, in, opts...)
		return err
	})
	return out, err
}

func (g *Gateway) ListGarakProbes(ctx context.Context, in *mlservice.Empty, opts ...grpc.CallOption) (*mlservice.GarakProbeList, error) {
	var out *mlservice.GarakProbeList
	err := g.withClient(func(cli mlservice.MLServiceClient) error {
		var err error
		out, err = cli.ListGarakProbes(ctx, in, opts...)
		return err
	})
	return out, err
}

func (g *Gateway) GetScanLogs(ctx context.Context, in *mlservice.GarakStatusRequest, opts ...grpc.CallOption) (*mlservice.ScanLogsResult, error) {
	var out *mlservice.ScanLogsResult
	err := g.withClient(func(cli mlservice.MLServiceClient) error {
		var err error
		out, err = cli.GetScanLogs(ctx, in, opts...)
		return err
	})
	return out, err
}
