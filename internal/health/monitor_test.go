// ABOUTME: Tests for gRPC health probing and readiness waits
// ABOUTME: Uses a real health server on a loopback listener

package health

import (
	"context"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/2389/sandboxd/internal/apperr"
	"github.com/2389/sandboxd/internal/ports"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func startHealthServer(t *testing.T, status healthpb.HealthCheckResponse_ServingStatus) (string, *health.Server) {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	hs := health.NewServer()
	hs.SetServingStatus("", status)
	srv := grpc.NewServer()
	healthpb.RegisterHealthServer(srv, hs)
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	return lis.Addr().String(), hs
}

func fastMonitor() *Monitor {
	return NewMonitor(Options{
		ProbeTimeout: 500 * time.Millisecond,
		Bridge:       Wait{Timeout: 2 * time.Second, Interval: 20 * time.Millisecond},
		Worker:       Wait{Timeout: 2 * time.Second, Interval: 20 * time.Millisecond},
	}, testLogger())
}

func TestIsHealthy(t *testing.T) {
	m := fastMonitor()

	serving, _ := startHealthServer(t, healthpb.HealthCheckResponse_SERVING)
	assert.True(t, m.IsHealthy(t.Context(), serving))

	notServing, _ := startHealthServer(t, healthpb.HealthCheckResponse_NOT_SERVING)
	assert.False(t, m.IsHealthy(t.Context(), notServing))

	port, err := ports.Allocate()
	require.NoError(t, err)
	assert.False(t, m.IsHealthy(t.Context(), ports.Address(port)))
}

func TestWaitUntilHealthyBecomesServing(t *testing.T) {
	m := fastMonitor()
	addr, hs := startHealthServer(t, healthpb.HealthCheckResponse_NOT_SERVING)

	go func() {
		time.Sleep(100 * time.Millisecond)
		hs.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	}()

	require.NoError(t, m.WaitUntilHealthy(t.Context(), addr, 2*time.Second, 20*time.Millisecond))
}

func TestWaitUntilHealthyTimesOut(t *testing.T) {
	m := fastMonitor()
	addr, _ := startHealthServer(t, healthpb.HealthCheckResponse_NOT_SERVING)

	start := time.Now()
	err := m.WaitUntilHealthy(t.Context(), addr, 150*time.Millisecond, 20*time.Millisecond)
	assert.ErrorIs(t, err, apperr.ErrInstanceNotReady)
	assert.Less(t, time.Since(start), 2*time.Second)

	var ie *apperr.InstanceError
	require.ErrorAs(t, err, &ie)
	assert.Equal(t, addr, ie.Key)
}

func TestWaitUntilHealthyHonoursCancellation(t *testing.T) {
	m := fastMonitor()
	addr, _ := startHealthServer(t, healthpb.HealthCheckResponse_NOT_SERVING)

	ctx, cancel := context.WithTimeout(t.Context(), 100*time.Millisecond)
	defer cancel()

	err := m.WaitUntilHealthy(ctx, addr, 10*time.Second, 20*time.Millisecond)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestPresetsUsePort(t *testing.T) {
	m := fastMonitor()
	addr, _ := startHealthServer(t, healthpb.HealthCheckResponse_SERVING)
	port := addr[len("127.0.0.1:"):]

	p, err := net.LookupPort("tcp", port)
	require.NoError(t, err)
	assert.NoError(t, m.WaitForBridge(t.Context(), p))
	assert.NoError(t, m.WaitForWorker(t.Context(), p))
}
