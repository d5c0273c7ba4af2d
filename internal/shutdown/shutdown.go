// ABOUTME: Shutdown coordinator running cleanup hooks in LIFO order with a shared timeout
// ABOUTME: Converts termination signals into a graceful run and forces exit on a repeat signal

package shutdown

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"time"
)

// ErrInProgress is returned when Run is called while a shutdown has already begun.
var ErrInProgress = errors.New("shutdown already in progress")

// Hook is one cleanup step.
type Hook func(ctx context.Context) error

type namedHook struct {
	name string
	fn   Hook
}

// Coordinator owns the hook list.
type Coordinator struct {
	timeout time.Duration
	exit    func(int)
	logger  *slog.Logger

	mu    sync.Mutex
	hooks []namedHook

	startOnce sync.Once
	started   chan struct{}
	done      chan struct{}
	err       error
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithExit replaces os.Exit, for tests.
func WithExit(fn func(int)) Option {
	return func(c *Coordinator) { c.exit = fn }
}

// New creates a Coordinator whose hooks share timeout.
func New(timeout time.Duration, logger *slog.Logger, opts ...Option) *Coordinator {
	c := &Coordinator{
		timeout: timeout,
		exit:    os.Exit,
		logger:  logger.With("component", "shutdown"),
		started: make(chan struct{}),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Register appends a hook. Hooks run last-registered first.
func (c *Coordinator) Register(name string, fn Hook) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hooks = append(c.hooks, namedHook{name: name, fn: fn})
}

// Started is closed when Run begins.
func (c *Coordinator) Started() <-chan struct{} { return c.started }

// Done is closed when Run has finished.
func (c *Coordinator) Done() <-chan struct{} { return c.done }

// Run executes every hook in reverse registration order. Only the first call
// runs the hooks; later calls return ErrInProgress.
func (c *Coordinator) Run(ctx context.Context) error {
	first := false
	c.startOnce.Do(func() {
		first = true
		close(c.started)
	})
	if !first {
		return ErrInProgress
	}
	defer close(c.done)

	c.mu.Lock()
	hooks := make([]namedHook, len(c.hooks))
	copy(hooks, c.hooks)
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	c.logger.Info("shutting down", "hooks", len(hooks), "timeout", c.timeout)
	start := time.Now()

	var errs []error
	for i := len(hooks) - 1; i >= 0; i-- {
		h := hooks[i]
		if err := c.runHook(ctx, h); err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				c.logger.Error("shutdown cut short", "hook", h.name, "elapsed", time.Since(start), "error", ctxErr)
				c.err = fmt.Errorf("running shutdown hook %s: %w", h.name, ctxErr)
				return c.err
			}
			c.logger.Error("shutdown hook failed", "hook", h.name, "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", h.name, err))
		}
	}

	c.logger.Info("shutdown complete", "elapsed", time.Since(start))
	c.err = errors.Join(errs...)
	return c.err
}

// runHook runs one hook, giving up when ctx ends. A panicking hook counts as failed.
func (c *Coordinator) runHook(ctx context.Context, h namedHook) error {
	c.logger.Debug("running shutdown hook", "hook", h.name)

	errCh := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				errCh <- fmt.Errorf("panic: %v", r)
			}
		}()
		errCh <- h.fn(ctx)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Err returns the result of the finished Run.
func (c *Coordinator) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}

// ListenForSignals blocks until ctx ends or one of signals arrives. On a
// signal it runs the hooks and exits 0, or 1 if they timed out. A second
// signal during shutdown exits 1 immediately.
func (c *Coordinator) ListenForSignals(ctx context.Context, signals ...os.Signal) {
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, signals...)
	defer signal.Stop(sigCh)

	var sig os.Signal
	select {
	case <-ctx.Done():
		return
	case sig = <-sigCh:
	}
	c.logger.Info("received signal, shutting down", "signal", sig.String())

	result := make(chan error, 1)
	go func() {
		err := c.Run(context.Background())
		if errors.Is(err, ErrInProgress) {
			<-c.done
			err = c.err
		}
		result <- err
	}()

	select {
	case err := <-result:
		if errors.Is(err, context.DeadlineExceeded) {
			c.exit(1)
			return
		}
		c.exit(0)
	case sig := <-sigCh:
		c.logger.Warn("received second signal, forcing exit", "signal", sig.String())
		c.exit(1)
	}
}
