// ABOUTME: Helper-process support for tests that need real stub subprocesses
// ABOUTME: A test binary re-execs itself and TestMain diverts into the stub

package workerstub

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"slices"
	"syscall"
)

// HelperEnv marks a process as a re-exec'd stub.
const HelperEnv = "SANDBOXD_STUB_PROCESS=1"

// MaybeRunHelper runs the stub and exits if this process was started with
// HelperEnv. Call it at the top of TestMain.
func MaybeRunHelper() {
	if os.Getenv("SANDBOXD_STUB_PROCESS") != "1" {
		return
	}

	args := os.Args[1:]
	if i := slices.Index(args, "--"); i >= 0 {
		args = args[i+1:]
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, os.Interrupt)
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))

	err := RunArgs(ctx, args, logger)
	stop()
	if err != nil {
		logger.Error("stub exited", "error", err)
		os.Exit(1)
	}
	os.Exit(0)
}

// HelperCommand is the argv prefix that re-execs the running test binary as a stub.
func HelperCommand() []string {
	return []string{os.Args[0], "-test.run=^$", "--"}
}
