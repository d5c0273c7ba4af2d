// ABOUTME: End-to-end tests for the wired server with real stub instances
// ABOUTME: Covers health endpoints, instance resolution, terminals and ordered shutdown

package server

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/sandboxd/internal/apperr"
	"github.com/2389/sandboxd/internal/config"
	"github.com/2389/sandboxd/internal/store"
	"github.com/2389/sandboxd/internal/tasks"
	"github.com/2389/sandboxd/internal/terminal"
	"github.com/2389/sandboxd/internal/workerstub"
)

func TestMain(m *testing.M) {
	workerstub.MaybeRunHelper()
	os.Exit(m.Run())
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	base := t.TempDir()

	cfg := config.Default()
	cfg.Server.HTTPAddr = "127.0.0.1:0"
	cfg.Instances.WorkerCommand = workerstub.HelperCommand()
	cfg.Instances.BridgeCommand = workerstub.HelperCommand()
	cfg.Instances.WorkerDir = base
	cfg.Instances.WorkspaceRoot = filepath.Join(base, "workspaces")
	cfg.Instances.DataRoot = filepath.Join(base, "data")
	cfg.Instances.ExtraEnv = []string{workerstub.HelperEnv}
	cfg.Instances.StartAttempts = 1
	cfg.Instances.BridgeReadyTimeout = 15 * time.Second
	cfg.Instances.BridgeReadyInterval = 50 * time.Millisecond
	cfg.Instances.WorkerReadyTimeout = 15 * time.Second
	cfg.Instances.WorkerReadyInterval = 50 * time.Millisecond
	cfg.Instances.HealthCheckTimeout = time.Second
	cfg.Terminal.Shell = "/bin/sh"
	cfg.Terminal.GracePeriod = time.Second
	cfg.Shutdown.Timeout = 20 * time.Second
	cfg.Database.Path = store.MemoryPath
	return cfg
}

type running struct {
	srv    *Server
	cancel context.CancelFunc
	done   chan error
}

func start(t *testing.T, cfg *config.Config) *running {
	t.Helper()
	srv, err := New(cfg, testLogger())
	require.NoError(t, err)
	require.NoError(t, srv.Listen())

	ctx, cancel := context.WithCancel(context.Background())
	r := &running{srv: srv, cancel: cancel, done: make(chan error, 1)}
	go func() { r.done <- srv.Run(ctx) }()

	t.Cleanup(func() {
		cancel()
		select {
		case <-r.done:
		case <-time.After(30 * time.Second):
			t.Error("server did not stop")
		}
	})
	return r
}

func (r *running) stop(t *testing.T) error {
	t.Helper()
	r.cancel()
	select {
	case err := <-r.done:
		r.done <- err
		return err
	case <-time.After(30 * time.Second):
		t.Fatal("server did not stop")
		return nil
	}
}

func TestHealthEndpoints(t *testing.T) {
	r := start(t, testConfig(t))
	base := "http://" + r.srv.Addr()

	resp, err := http.Get(base + "/health")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "OK", string(body))

	resp, err = http.Get(base + "/health/ready")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var ready readyResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&ready))
	assert.Equal(t, "ready", ready.Status)
	assert.Equal(t, 0, ready.Instances)
}

func TestEndToEndInstanceAndTerminal(t *testing.T) {
	cfg := testConfig(t)
	r := start(t, cfg)
	ctx := t.Context()
	sup := r.srv.Supervisor()
	terms := r.srv.Terminals()

	_, err := terms.Create(ctx, "u1", "p1")
	require.ErrorIs(t, err, apperr.ErrInstanceNotFound)

	inst, err := sup.Resolve(ctx, "u1", "p1")
	require.NoError(t, err)
	assert.DirExists(t, filepath.Join(cfg.Instances.WorkspaceRoot, "u1", "p1"))
	assert.Regexp(t, regexp.MustCompile(`^127\.0\.0\.1:\d+$`), inst.Address)

	again, err := sup.Resolve(ctx, "u1", "p1")
	require.NoError(t, err)
	assert.Equal(t, inst.Address, again.Address)

	session, err := terms.Create(ctx, "u1", "p1")
	require.NoError(t, err)
	sub, err := terms.Subscribe(session.ID)
	require.NoError(t, err)
	defer sub.Cancel()

	require.NoError(t, terms.Execute(session.ID, "echo hi"))

	var out strings.Builder
	deadline := time.After(5 * time.Second)
	for !strings.Contains(out.String(), "hi") {
		select {
		case e := <-sub.C():
			out.WriteString(e.Data.(terminal.Chunk).Data)
		case <-deadline:
			t.Fatalf("no output, got %q", out.String())
		}
	}

	// Stopping the instance evicts its client and closes its shells.
	_, err = r.srv.Pool().Get(ctx, inst.Address)
	require.NoError(t, err)
	require.NoError(t, sup.Stop(ctx, "u1", "p1"))
	assert.False(t, r.srv.Pool().Has(inst.Address))
	assert.Empty(t, terms.ListByTenant("u1", "p1"))
	assert.True(t, session.Exited())
}

func TestCreateTaskThroughServer(t *testing.T) {
	cfg := testConfig(t)
	cfg.Provider.OpenRouterAPIKey = "sk-test"
	r := start(t, cfg)

	id, err := r.srv.Tasks().CreateTask(t.Context(), "u1", "p1", tasks.CreateRequest{Prompt: "summarise the repo"})
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	snap, err := r.srv.Tasks().GetTask(t.Context(), "u1", "p1", id)
	require.NoError(t, err)
	assert.Equal(t, "summarise the repo", snap.Fields["text"])
}

func TestShutdownStopsInstances(t *testing.T) {
	r := start(t, testConfig(t))
	ctx := t.Context()

	inst, err := r.srv.Supervisor().Resolve(ctx, "u1", "p1")
	require.NoError(t, err)
	_, err = r.srv.Terminals().Create(ctx, "u1", "p1")
	require.NoError(t, err)

	require.NoError(t, r.stop(t))

	assert.Equal(t, 0, r.srv.Supervisor().Count())
	assert.Equal(t, 0, r.srv.Terminals().Count())
	assert.Equal(t, 0, r.srv.Pool().Size())

	_, err = http.Get("http://" + r.srv.Addr() + "/health")
	assert.Error(t, err, "listener must be closed")

	probeCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	assert.False(t, r.srv.monitor.IsHealthy(probeCtx, inst.Address))
}

func TestLedgerRecordsLifecycle(t *testing.T) {
	r := start(t, testConfig(t))
	ctx := t.Context()

	_, err := r.srv.Supervisor().Resolve(ctx, "u1", "p1")
	require.NoError(t, err)
	require.NoError(t, r.srv.Supervisor().Stop(ctx, "u1", "p1"))

	events, err := r.srv.Ledger().ListInstanceEvents(ctx, store.InstanceEventFilter{})
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, store.ActionStopped, events[0].Action)
	assert.Equal(t, store.ActionStarted, events[1].Action)
}

func TestListenFailure(t *testing.T) {
	first := start(t, testConfig(t))

	cfg := testConfig(t)
	cfg.Server.HTTPAddr = first.srv.Addr()
	srv, err := New(cfg, testLogger())
	require.NoError(t, err)

	err = srv.Run(t.Context())
	assert.ErrorContains(t, err, "listening on")
}

