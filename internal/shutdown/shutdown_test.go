// ABOUTME: Tests for hook ordering, failure isolation, timeouts and signal handling
// ABOUTME: Signals are delivered to the test process with an injected exit function

package shutdown

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type order struct {
	mu  sync.Mutex
	ran []string
}

func (o *order) hook(name string, err error) Hook {
	return func(context.Context) error {
		o.mu.Lock()
		defer o.mu.Unlock()
		o.ran = append(o.ran, name)
		return err
	}
}

func (o *order) get() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.ran...)
}

func TestRunIsLIFO(t *testing.T) {
	c := New(time.Second, testLogger())
	var o order
	c.Register("A", o.hook("A", nil))
	c.Register("B", o.hook("B", nil))
	c.Register("C", o.hook("C", nil))

	require.NoError(t, c.Run(t.Context()))
	assert.Equal(t, []string{"C", "B", "A"}, o.get())
}

func TestFailingHookDoesNotStopOthers(t *testing.T) {
	c := New(time.Second, testLogger())
	var o order
	boom := errors.New("boom")
	c.Register("A", o.hook("A", nil))
	c.Register("B", o.hook("B", boom))
	c.Register("C", o.hook("C", nil))

	err := c.Run(t.Context())
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, []string{"C", "B", "A"}, o.get())
}

func TestPanickingHookIsIsolated(t *testing.T) {
	c := New(time.Second, testLogger())
	var o order
	c.Register("A", o.hook("A", nil))
	c.Register("B", func(context.Context) error { panic("bad hook") })

	err := c.Run(t.Context())
	assert.ErrorContains(t, err, "panic: bad hook")
	assert.Equal(t, []string{"A"}, o.get())
}

func TestSharedTimeout(t *testing.T) {
	c := New(100*time.Millisecond, testLogger())
	var o order
	c.Register("A", o.hook("A", nil))
	c.Register("slow", func(ctx context.Context) error {
		select {
		case <-time.After(5 * time.Second):
		case <-ctx.Done():
		}
		return ctx.Err()
	})

	start := time.Now()
	err := c.Run(t.Context())
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Empty(t, o.get(), "hooks after the timeout are abandoned")
}

func TestCancelledParentIsNotReportedAsTimeout(t *testing.T) {
	c := New(10*time.Second, testLogger())
	var o order
	c.Register("A", o.hook("A", nil))
	c.Register("blocked", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})

	ctx, cancel := context.WithCancel(t.Context())
	time.AfterFunc(50*time.Millisecond, cancel)

	err := c.Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, context.DeadlineExceeded)
	assert.Empty(t, o.get())
}

func TestRunOnlyOnce(t *testing.T) {
	c := New(time.Second, testLogger())
	var o order
	c.Register("A", o.hook("A", nil))

	require.NoError(t, c.Run(t.Context()))
	assert.ErrorIs(t, c.Run(t.Context()), ErrInProgress)
	assert.Equal(t, []string{"A"}, o.get())

	select {
	case <-c.Done():
	default:
		t.Fatal("Done should be closed")
	}
}

func TestListenForSignalsRunsHooksThenExits(t *testing.T) {
	codes := make(chan int, 2)
	c := New(time.Second, testLogger(), WithExit(func(code int) { codes <- code }))
	var o order
	c.Register("A", o.hook("A", nil))
	c.Register("B", o.hook("B", nil))

	done := make(chan struct{})
	go func() {
		c.ListenForSignals(t.Context(), syscall.SIGUSR1)
		close(done)
	}()

	// Give signal.Notify a moment to install.
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, syscall.Kill(syscall.Getpid(), syscall.SIGUSR1))

	select {
	case code := <-codes:
		assert.Equal(t, 0, code)
	case <-time.After(5 * time.Second):
		t.Fatal("exit not called")
	}
	<-done
	assert.Equal(t, []string{"B", "A"}, o.get())
}

func TestSecondSignalForcesExit(t *testing.T) {
	codes := make(chan int, 2)
	c := New(10*time.Second, testLogger(), WithExit(func(code int) { codes <- code }))

	release := make(chan struct{})
	defer close(release)
	entered := make(chan struct{})
	c.Register("stuck", func(ctx context.Context) error {
		close(entered)
		select {
		case <-release:
		case <-ctx.Done():
		}
		return nil
	})

	go c.ListenForSignals(t.Context(), syscall.SIGUSR2)
	time.Sleep(50 * time.Millisecond)

	require.NoError(t, syscall.Kill(syscall.Getpid(), syscall.SIGUSR2))
	<-entered
	require.NoError(t, syscall.Kill(syscall.Getpid(), syscall.SIGUSR2))

	select {
	case code := <-codes:
		assert.Equal(t, 1, code)
	case <-time.After(5 * time.Second):
		t.Fatal("second signal did not force exit")
	}
}

func TestListenForSignalsReturnsOnContextEnd(t *testing.T) {
	c := New(time.Second, testLogger(), WithExit(func(int) { t.Error("exit must not be called") }))
	ctx, cancel := context.WithCancel(t.Context())

	done := make(chan struct{})
	go func() {
		c.ListenForSignals(ctx, syscall.SIGUSR1)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("ListenForSignals did not return")
	}
}
