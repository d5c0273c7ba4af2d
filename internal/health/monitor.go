// ABOUTME: gRPC health probing for bridge and worker processes
// ABOUTME: Single checks plus fixed-interval waits that compose with caller cancellation

package health

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/2389/sandboxd/internal/apperr"
	"github.com/2389/sandboxd/internal/ports"
)

// Wait is one timeout/interval pairing for WaitUntilHealthy.
type Wait struct {
	Timeout  time.Duration
	Interval time.Duration
}

// Options configures a Monitor.
type Options struct {
	// ProbeTimeout bounds a single Check RPC.
	ProbeTimeout time.Duration
	Bridge       Wait
	Worker       Wait
}

// DefaultOptions returns the stock bridge and worker timings.
func DefaultOptions() Options {
	return Options{
		ProbeTimeout: 2 * time.Second,
		Bridge:       Wait{Timeout: 30 * time.Second, Interval: 500 * time.Millisecond},
		Worker:       Wait{Timeout: 60 * time.Second, Interval: time.Second},
	}
}

// Monitor performs health checks against process addresses.
type Monitor struct {
	opts   Options
	logger *slog.Logger
}

// NewMonitor creates a Monitor.
func NewMonitor(opts Options, logger *slog.Logger) *Monitor {
	if opts.ProbeTimeout <= 0 {
		opts.ProbeTimeout = DefaultOptions().ProbeTimeout
	}
	return &Monitor{
		opts:   opts,
		logger: logger.With("component", "health"),
	}
}

// IsHealthy performs one health check against address.
func (m *Monitor) IsHealthy(ctx context.Context, address string) bool {
	conn, err := grpc.NewClient(address, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		m.logger.Debug("health check dial failed", "address", address, "error", err)
		return false
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(ctx, m.opts.ProbeTimeout)
	defer cancel()

	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{})
	if err != nil {
		m.logger.Debug("health check failed", "address", address, "error", err)
		return false
	}
	return resp.GetStatus() == healthpb.HealthCheckResponse_SERVING
}

// WaitUntilHealthy polls address every interval until it reports SERVING.
// It returns an InstanceError of KindNotReady once timeout elapses, or the
// context's error if ctx ends first.
func (m *Monitor) WaitUntilHealthy(ctx context.Context, address string, timeout, interval time.Duration) error {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	start := time.Now()
	for {
		if m.IsHealthy(ctx, address) {
			m.logger.Debug("process healthy", "address", address, "elapsed", time.Since(start))
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return apperr.NotReady(address, fmt.Sprintf("process at %s not ready after %s", address, timeout))
		case <-ticker.C:
		}
	}
}

// WaitForBridge waits for a bridge listening on port using the bridge timings.
func (m *Monitor) WaitForBridge(ctx context.Context, port int) error {
	return m.WaitUntilHealthy(ctx, ports.Address(port), m.opts.Bridge.Timeout, m.opts.Bridge.Interval)
}

// WaitForWorker waits for a worker listening on port using the worker timings.
func (m *Monitor) WaitForWorker(ctx context.Context, port int) error {
	return m.WaitUntilHealthy(ctx, ports.Address(port), m.opts.Worker.Timeout, m.opts.Worker.Interval)
}
