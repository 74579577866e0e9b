// Package mlgateway owns the channel to the ML scanning sidecar: the gRPC
// client, its cache and circuit breaker, scan response caching, and the
// translation of sidecar failures into API errors.
package mlgateway

import (
	"context"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"

	"github.com/orafinite/backend/pb/mlservice"
)

// Per-RPC deadlines. Garak start and status are cheap control calls;
// retest and advanced scans run real model traffic.
const (
	healthTimeout   = 30 * time.Second
	scanTimeout     = 60 * time.Second
	advancedTimeout = 120 * time.Second
	startTimeout    = 30 * time.Second
	statusTimeout   = 15 * time.Second
	retestTimeout   = 120 * time.Second
	cancelTimeout   = 30 * time.Second
)

// Client is the concrete gRPC client for the sidecar.
type Client struct {
	conn *grpc.ClientConn
}

var _ mlservice.MLServiceClient = (*Client)(nil)

// NewClient opens a channel to the sidecar. The connection is lazy; the
// first RPC pays the dial cost, bounded by its own deadline.
func NewClient(addr string) (*Client, error) {
	conn, err := grpc.NewClient(addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                30 * time.Second,
			Timeout:             10 * time.Second,
			PermitWithoutStream: true,
		}),
		grpc.WithDefaultCallOptions(grpc.ForceCodec(protoCodec{})),
	)
	if err != nil {
		return nil, err
	}
	return &Client{conn: conn}, nil
}

func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) invoke(ctx context.Context, method string, in, out any, timeout time.Duration, opts []grpc.CallOption) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return c.conn.Invoke(ctx, method, in, out, opts...)
}

func (c *Client) HealthCheck(ctx context.Context, in *mlservice.Empty, opts ...grpc.CallOption) (*mlservice.HealthInfo, error) {
	out := new(mlservice.HealthInfo)
	if err := c.invoke(ctx, mlservice.MethodHealthCheck, in, out, healthTimeout, opts); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) ScanPrompt(ctx context.Context, in *mlservice.ScanRequest, opts ...grpc.CallOption) (*mlservice.ScanResult, error) {
	out := new(mlservice.ScanResult)
	if err := c.invoke(ctx, mlservice.MethodScanPrompt, in, out, scanTimeout, opts); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) ScanOutput(ctx context.Context, in *mlservice.OutputScanRequest, opts ...grpc.CallOption) (*mlservice.OutputScanResult, error) {
	out := new(mlservice.OutputScanResult)
	if err := c.invoke(ctx, mlservice.MethodScanOutput, in, out, scanTimeout, opts); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) AdvancedScan(ctx context.Context, in *mlservice.AdvancedScanRequest, opts ...grpc.CallOption) (*mlservice.AdvancedScanResult, error) {
	out := new(mlservice.AdvancedScanResult)
	if err := c.invoke(ctx, mlservice.MethodAdvancedScan, in, out, advancedTimeout, opts); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) StartGarakScan(ctx context.Context, in *mlservice.StartGarakScanRequest, opts ...grpc.CallOption) (*mlservice.StartGarakScanResponse, error) {
	out := new(mlservice.StartGarakScanResponse)
	if err := c.invoke(ctx, mlservice.MethodStartGarakScan, in, out, startTimeout, opts); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) GetGarakStatus(ctx context.Context, in *mlservice.GarakStatusRequest, opts ...grpc.CallOption) (*mlservice.GarakStatusResult, error) {
	out := new(mlservice.GarakStatusResult)
	if err := c.invoke(ctx, mlservice.MethodGetGarakStatus, in, out, statusTimeout, opts); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) CancelGarakScan(ctx context.Context, in *mlservice.GarakStatusRequest, opts ...grpc.CallOption) (*mlservice.CancelGarakScanResponse, error) {
	out := new(mlservice.CancelGarakScanResponse)
	if err := c.invoke(ctx, mlservice.MethodCancelGarakScan, in, out, cancelTimeout, opts); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) RetestProbe(ctx context.Context, in *mlservice.RetestRequest, opts ...grpc.CallOption) (*mlservice.RetestResult, error) {
	out := new(mlservice.RetestResult)
	if err := c.invoke(ctx, mlservice.MethodRetestProbe, in, out, retestTimeout, opts); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) ListGarakProbes(ctx context.Context, in *mlservice.Empty, opts ...grpc.CallOption) (*mlservice.GarakProbeList, error) {
	out := new(mlservice.GarakProbeList)
	if err := c.invoke(ctx, mlservice.MethodListGarakProbes, in, out, statusTimeout, opts); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) GetScanLogs(ctx context.Context, in *mlservice.GarakStatusRequest, opts ...grpc.CallOption) (*mlservice.ScanLogsResult, error) {
	out := new(mlservice.ScanLogsResult)
	if err := c.invoke(ctx, mlservice.MethodGetScanLogs, in, out, statusTimeout, opts); err != nil {
		return nil, err
	}
	return out, nil
}
