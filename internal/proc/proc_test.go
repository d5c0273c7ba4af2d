// ABOUTME: Tests for subprocess start, stdin forwarding and graceful-then-forced stop
// ABOUTME: Uses /bin/sh scripts, including one that ignores SIGTERM

package proc

import (
	"bytes"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestStartCapturesOutput(t *testing.T) {
	var out syncBuffer
	p, err := Start(Spec{
		Name:   "echo",
		Argv:   []string{"/bin/sh", "-c", "echo hello; echo oops 1>&2; exit 3"},
		Dir:    t.TempDir(),
		Stdout: &out,
		Stderr: &out,
	}, testLogger())
	require.NoError(t, err)
	assert.Positive(t, p.Pid())

	select {
	case <-p.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("process did not exit")
	}
	assert.True(t, p.Exited())
	assert.Equal(t, 3, p.ExitCode())
	assert.Error(t, p.Err())
	assert.Contains(t, out.String(), "hello")
	assert.Contains(t, out.String(), "oops")
}

func TestStartRejectsEmptyCommand(t *testing.T) {
	_, err := Start(Spec{Name: "nothing"}, testLogger())
	assert.Error(t, err)

	_, err = Start(Spec{Name: "missing", Argv: []string{"/nonexistent/binary"}}, testLogger())
	assert.Error(t, err)
}

func TestStdinForwarding(t *testing.T) {
	var out syncBuffer
	p, err := Start(Spec{
		Name:   "cat",
		Argv:   []string{"/bin/cat"},
		Stdout: &out,
		Stdin:  true,
	}, testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Stop(time.Second) })

	_, err = p.Write([]byte("ping\n"))
	require.NoError(t, err)

	require.Eventually(t, func() bool { return out.String() == "ping\n" }, 2*time.Second, 10*time.Millisecond)
}

func TestStopGraceful(t *testing.T) {
	p, err := Start(Spec{Name: "sleeper", Argv: []string{"/bin/sleep", "30"}}, testLogger())
	require.NoError(t, err)

	start := time.Now()
	require.NoError(t, p.Stop(2*time.Second))
	assert.Less(t, time.Since(start), time.Second)
	assert.True(t, p.Exited())
	assert.False(t, p.Forced())

	// Stopping again is a no-op.
	assert.NoError(t, p.Stop(time.Second))
}

func TestStopForcesKillWhenTermIgnored(t *testing.T) {
	var out syncBuffer
	p, err := Start(Spec{
		Name:   "stubborn",
		Argv:   []string{"/bin/sh", "-c", `trap "" TERM; echo ready; while true; do sleep 1; done`},
		Stdout: &out,
	}, testLogger())
	require.NoError(t, err)
	require.Eventually(t, func() bool { return out.String() == "ready\n" }, 5*time.Second, 10*time.Millisecond)

	grace := 300 * time.Millisecond
	start := time.Now()
	require.NoError(t, p.Stop(grace))

	assert.GreaterOrEqual(t, time.Since(start), grace)
	assert.True(t, p.Exited())
	assert.True(t, p.Forced())
}

func TestWriteAfterExit(t *testing.T) {
	p, err := Start(Spec{Name: "true", Argv: []string{"/bin/sh", "-c", "exit 0"}, Stdin: true}, testLogger())
	require.NoError(t, err)
	<-p.Done()

	_, err = p.Write([]byte("x"))
	assert.Error(t, err)
}
