// ABOUTME: Command-line entry for running the stub as a bridge or worker process
// ABOUTME: Accepts the same flags and environment the supervisor launches real processes with

package workerstub

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"time"

	"github.com/2389/sandboxd/internal/ports"
)

// RunArgs parses args, serves until ctx ends, then stops gracefully.
//
// Recognised flags: --port, --host-bridge-port, --role, --verbose, --config.
// Without --role the stub is a worker when --host-bridge-port is given and a
// bridge otherwise. The searchable workspace comes from DEV_WORKSPACE_FOLDER,
// falling back to the working directory.
func RunArgs(ctx context.Context, args []string, logger *slog.Logger) error {
	fs := flag.NewFlagSet("stub-worker", flag.ContinueOnError)
	port := fs.Int("port", 0, "Port to listen on (0 picks one)")
	bridgePort := fs.Int("host-bridge-port", 0, "Port of the bridge this worker depends on")
	role := fs.String("role", "", "bridge or worker")
	fs.Bool("verbose", false, "Accepted for compatibility")
	fs.String("config", "", "Per-instance data directory")
	if err := fs.Parse(args); err != nil {
		return err
	}

	r := Role(*role)
	if r == "" {
		r = RoleBridge
		if *bridgePort > 0 {
			r = RoleWorker
		}
	}
	if r != RoleBridge && r != RoleWorker {
		return fmt.Errorf("unknown role %q", *role)
	}

	bridgeAddr := os.Getenv("HOST_BRIDGE_ADDRESS")
	if *bridgePort > 0 {
		bridgeAddr = ports.Address(*bridgePort)
	}

	workspace := os.Getenv("DEV_WORKSPACE_FOLDER")
	if workspace == "" {
		workspace, _ = os.Getwd()
	}

	lis, err := net.Listen("tcp", ports.Address(*port))
	if err != nil {
		return fmt.Errorf("listening on port %d: %w", *port, err)
	}

	srv := New(Options{Role: r, BridgeAddress: bridgeAddr, Workspace: workspace}, logger)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ctx, lis)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		srv.Stop(5 * time.Second)
		return <-errCh
	}
}
