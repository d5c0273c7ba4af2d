// ABOUTME: Instance supervisor that starts, reuses, replaces and stops tenant process pairs
// ABOUTME: Serialises work per tenant key and never leaves a partial start running

package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/2389/sandboxd/internal/apperr"
	"github.com/2389/sandboxd/internal/ports"
	"github.com/2389/sandboxd/internal/proc"
	"github.com/2389/sandboxd/internal/store"
	"github.com/2389/sandboxd/internal/workspace"
)

// Grace windows between SIGTERM and SIGKILL.
const (
	WorkerStopGrace = 5 * time.Second
	BridgeStopGrace = 2 * time.Second
)

// HealthChecker probes and waits on process health.
type HealthChecker interface {
	IsHealthy(ctx context.Context, address string) bool
	WaitForBridge(ctx context.Context, port int) error
	WaitForWorker(ctx context.Context, port int) error
}

// Workspaces creates tenant workspace directories.
type Workspaces interface {
	Ensure(userID, projectID string) (string, error)
}

// Recorder receives lifecycle events. The SQLite ledger implements it.
type Recorder interface {
	RecordInstanceEvent(ctx context.Context, e *store.InstanceEvent) error
}

// Config describes how process pairs are launched.
type Config struct {
	// BridgeCommand and WorkerCommand are argv prefixes; port flags are appended.
	BridgeCommand []string
	WorkerCommand []string
	// WorkerDir is the worker's working directory. Empty inherits ours.
	WorkerDir string
	// DataRoot holds instances/<key>/{logs,workspace}.
	DataRoot string
	// ExtraEnv is appended to the inherited environment of both processes.
	ExtraEnv      []string
	StartAttempts int
	IdleTimeout   time.Duration

	WorkerStopGrace time.Duration
	BridgeStopGrace time.Duration
}

// Supervisor owns every instance in the process.
type Supervisor struct {
	cfg        Config
	health     HealthChecker
	workspaces Workspaces
	recorder   Recorder
	logger     *slog.Logger

	mu        sync.RWMutex
	instances map[string]*Instance
	// closed is set by StopAll; no instance is registered after it.
	closed bool

	locksMu sync.Mutex
	locks   map[string]*keyLock

	listenersMu sync.RWMutex
	onStop      []func(*Instance)
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

// New creates a Supervisor. recorder may be nil.
func New(cfg Config, health HealthChecker, workspaces Workspaces, recorder Recorder, logger *slog.Logger) *Supervisor {
	if cfg.StartAttempts < 1 {
		cfg.StartAttempts = 1
	}
	if cfg.WorkerStopGrace <= 0 {
		cfg.WorkerStopGrace = WorkerStopGrace
	}
	if cfg.BridgeStopGrace <= 0 {
		cfg.BridgeStopGrace = BridgeStopGrace
	}
	return &Supervisor{
		cfg:        cfg,
		health:     health,
		workspaces: workspaces,
		recorder:   recorder,
		logger:     logger.With("component", "supervisor"),
		instances:  make(map[string]*Instance),
		locks:      make(map[string]*keyLock),
	}
}

// OnStop registers fn to run after any instance is stopped or replaced.
func (s *Supervisor) OnStop(fn func(*Instance)) {
	s.listenersMu.Lock()
	defer s.listenersMu.Unlock()
	s.onStop = append(s.onStop, fn)
}

// Resolve returns a healthy instance for user/project, starting one if needed.
func (s *Supervisor) Resolve(ctx context.Context, userID, projectID string) (*Instance, error) {
	if err := workspace.ValidateID("user id", userID); err != nil {
		return nil, err
	}
	if err := workspace.ValidateID("project id", projectID); err != nil {
		return nil, err
	}

	key := TenantKey(userID, projectID)
	unlock := s.lock(key)
	defer unlock()

	if s.isClosed() {
		return nil, errShuttingDown(key)
	}

	// Starts run to completion even if the caller goes away.
	ctx = context.WithoutCancel(ctx)

	if inst, ok := s.Get(key); ok {
		if s.health.IsHealthy(ctx, inst.Address) {
			inst.touch()
			s.logger.Debug("reusing instance", "tenant_key", key, "address", inst.Address)
			s.record(ctx, inst, store.ActionReused, nil)
			return inst, nil
		}

		s.logger.Warn("instance unhealthy, replacing", "tenant_key", key, "address", inst.Address)
		s.stopInstance(ctx, inst, store.ActionReplaced)
	}

	var lastErr error
	for attempt := 1; attempt <= s.cfg.StartAttempts; attempt++ {
		inst, err := s.start(ctx, key, userID, projectID)
		if err == nil {
			s.mu.Lock()
			if s.closed {
				s.mu.Unlock()
				s.logger.Info("shutdown began during start, stopping new instance", "tenant_key", key)
				s.stopInstance(ctx, inst, store.ActionStopped)
				return nil, errShuttingDown(key)
			}
			s.instances[key] = inst
			total := len(s.instances)
			s.mu.Unlock()

			s.logger.Info("instance started",
				"tenant_key", key,
				"address", inst.Address,
				"bridge_port", inst.BridgePort,
				"attempt", attempt,
				"total_instances", total,
			)
			s.record(ctx, inst, store.ActionStarted, map[string]any{"attempt": attempt})
			return inst, nil
		}

		lastErr = err
		if errors.Is(err, apperr.ErrValidation) {
			break
		}
		s.logger.Warn("instance start failed", "tenant_key", key, "attempt", attempt, "error", err)
	}

	s.recordFailure(ctx, key, userID, projectID, lastErr)
	return nil, lastErr
}

// start launches a bridge and worker for key. On error nothing it launched is left running.
func (s *Supervisor) start(ctx context.Context, key, userID, projectID string) (*Instance, error) {
	ws, err := s.workspaces.Ensure(userID, projectID)
	if err != nil {
		return nil, err
	}

	bridgePort, workerPort, err := ports.AllocatePair()
	if err != nil {
		return nil, err
	}

	dataDir := filepath.Join(s.cfg.DataRoot, "instances", key)
	logsDir := filepath.Join(dataDir, "logs")
	storageDir := filepath.Join(dataDir, "workspace")
	for _, dir := range []string{logsDir, storageDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating instance directory: %w", err)
		}
	}

	env := append(os.Environ(), s.cfg.ExtraEnv...)
	stamp := strconv.FormatInt(time.Now().UnixMilli(), 10)

	bridge, err := s.launch(proc.Spec{
		Name: "bridge",
		Argv: append(append([]string{}, s.cfg.BridgeCommand...), "--verbose", "--port", strconv.Itoa(bridgePort)),
		Dir:  ws,
		Env:  env,
	}, filepath.Join(logsDir, fmt.Sprintf("bridge-%s-%d.log", stamp, bridgePort)))
	if err != nil {
		return nil, err
	}

	if err := waitReady(ctx, bridge, func(ctx context.Context) error {
		return s.health.WaitForBridge(ctx, bridgePort)
	}); err != nil {
		s.kill(bridge, s.cfg.BridgeStopGrace)
		return nil, fmt.Errorf("waiting for bridge: %w", err)
	}

	workerAddr := ports.Address(workerPort)
	bridgeAddr := ports.Address(bridgePort)
	worker, err := s.launch(proc.Spec{
		Name: "worker",
		Argv: append(append([]string{}, s.cfg.WorkerCommand...),
			"--port", strconv.Itoa(workerPort),
			"--host-bridge-port", strconv.Itoa(bridgePort),
			"--config", dataDir,
		),
		Dir: s.cfg.WorkerDir,
		Env: append(env,
			"DEV_WORKSPACE_FOLDER="+ws,
			"WORKSPACE_STORAGE_DIR="+storageDir,
			"PROTOBUS_ADDRESS="+workerAddr,
			"HOST_BRIDGE_ADDRESS="+bridgeAddr,
			"SANDBOX_DATA_DIR="+dataDir,
			"INSTALL_DIR="+s.cfg.WorkerDir,
		),
	}, filepath.Join(logsDir, fmt.Sprintf("worker-%s-%d.log", stamp, workerPort)))
	if err != nil {
		s.kill(bridge, s.cfg.BridgeStopGrace)
		return nil, err
	}

	if err := waitReady(ctx, worker, func(ctx context.Context) error {
		return s.health.WaitForWorker(ctx, workerPort)
	}); err != nil {
		s.kill(worker, s.cfg.WorkerStopGrace)
		s.kill(bridge, s.cfg.BridgeStopGrace)
		return nil, fmt.Errorf("waiting for worker: %w", err)
	}

	now := time.Now()
	inst := &Instance{
		Key:           key,
		UserID:        userID,
		ProjectID:     projectID,
		Address:       workerAddr,
		WorkerPort:    workerPort,
		BridgePort:    bridgePort,
		WorkspacePath: ws,
		DataDir:       dataDir,
		CreatedAt:     now,
		bridge:        bridge,
		worker:        worker,
	}
	inst.touch()
	return inst, nil
}

// launch starts spec with stdout and stderr appended to logPath.
func (s *Supervisor) launch(spec proc.Spec, logPath string) (*proc.Process, error) {
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening %s log: %w", spec.Name, err)
	}
	// The child holds its own descriptor once started.
	defer logFile.Close()

	spec.Stdout = logFile
	spec.Stderr = logFile
	p, err := proc.Start(spec, s.logger)
	if err != nil {
		return nil, err
	}
	s.logger.Debug("process launched", "process", spec.Name, "pid", p.Pid(), "log", logPath)
	return p, nil
}

// waitReady runs wait, cutting it short if p exits first.
func waitReady(ctx context.Context, p *proc.Process, wait func(context.Context) error) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		select {
		case <-p.Done():
			cancel()
		case <-ctx.Done():
		}
	}()

	err := wait(ctx)
	if err != nil && p.Exited() {
		return apperr.NotReady("", fmt.Sprintf("%s exited before becoming healthy: %v", p.Name(), p.Err()))
	}
	return err
}

func (s *Supervisor) kill(p *proc.Process, grace time.Duration) {
	if err := p.Stop(grace); err != nil {
		s.logger.Error("failed to stop process", "process", p.Name(), "pid", p.Pid(), "error", err)
	}
}

// Stop stops the instance for user/project. A missing instance is not an error.
func (s *Supervisor) Stop(ctx context.Context, userID, projectID string) error {
	return s.StopKey(ctx, TenantKey(userID, projectID))
}

// StopKey stops the instance registered under key.
func (s *Supervisor) StopKey(ctx context.Context, key string) error {
	unlock := s.lock(key)
	defer unlock()

	inst, ok := s.Get(key)
	if !ok {
		s.logger.Warn("instance not found for stop", "tenant_key", key)
		return nil
	}
	s.stopInstance(ctx, inst, store.ActionStopped)
	return nil
}

// stopInstance must be called with the key lock held.
func (s *Supervisor) stopInstance(ctx context.Context, inst *Instance, action store.InstanceAction) {
	s.logger.Info("stopping instance", "tenant_key", inst.Key, "address", inst.Address)

	defer func() {
		s.mu.Lock()
		if s.instances[inst.Key] == inst {
			delete(s.instances, inst.Key)
		}
		s.mu.Unlock()

		s.listenersMu.RLock()
		listeners := append([]func(*Instance){}, s.onStop...)
		s.listenersMu.RUnlock()
		for _, fn := range listeners {
			fn(inst)
		}

		s.record(ctx, inst, action, map[string]any{
			"worker_forced": inst.worker.Forced(),
			"bridge_forced": inst.bridge.Forced(),
		})
	}()

	s.kill(inst.worker, s.cfg.WorkerStopGrace)
	s.kill(inst.bridge, s.cfg.BridgeStopGrace)
}

// StopAll stops every instance concurrently and refuses further starts.
// Starts already in flight are waited for and their pairs stopped.
func (s *Supervisor) StopAll(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	seen := make(map[string]struct{}, len(s.instances))
	for k := range s.instances {
		seen[k] = struct{}{}
	}
	s.mu.Unlock()

	// Any Resolve holding a key lock now will observe closed before registering.
	s.locksMu.Lock()
	for k := range s.locks {
		seen[k] = struct{}{}
	}
	s.locksMu.Unlock()

	keys := make([]string, 0, len(seen))
	for k := range seen {
		keys = append(keys, k)
	}

	var wg sync.WaitGroup
	for _, k := range keys {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = s.StopKey(ctx, k)
		}()
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("all instances stopped", "count", len(keys))
		return nil
	case <-ctx.Done():
		return fmt.Errorf("stopping instances: %w", ctx.Err())
	}
}

func (s *Supervisor) isClosed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closed
}

func errShuttingDown(key string) error {
	return apperr.NotReady(key, "supervisor shutting down")
}

// Get returns the instance registered under key.
func (s *Supervisor) Get(key string) (*Instance, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	inst, ok := s.instances[key]
	return inst, ok
}

// Lookup returns the instance for user/project, or an InstanceError of KindNotFound.
func (s *Supervisor) Lookup(userID, projectID string) (*Instance, error) {
	key := TenantKey(userID, projectID)
	inst, ok := s.Get(key)
	if !ok {
		return nil, apperr.NotFound(key)
	}
	return inst, nil
}

// Count returns how many instances are registered.
func (s *Supervisor) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.instances)
}

// List returns a snapshot of every instance, ordered by key.
func (s *Supervisor) List() []Info {
	s.mu.RLock()
	out := make([]Info, 0, len(s.instances))
	for _, inst := range s.instances {
		out = append(out, inst.info())
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// lock takes the per-key lock and returns its release.
func (s *Supervisor) lock(key string) func() {
	s.locksMu.Lock()
	l, ok := s.locks[key]
	if !ok {
		l = &keyLock{}
		s.locks[key] = l
	}
	l.refs++
	s.locksMu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		s.locksMu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(s.locks, key)
		}
		s.locksMu.Unlock()
	}
}

func (s *Supervisor) record(ctx context.Context, inst *Instance, action store.InstanceAction, detail map[string]any) {
	if s.recorder == nil {
		return
	}
	err := s.recorder.RecordInstanceEvent(ctx, &store.InstanceEvent{
		TenantKey:  inst.Key,
		UserID:     inst.UserID,
		ProjectID:  inst.ProjectID,
		Action:     action,
		Address:    inst.Address,
		BridgePort: inst.BridgePort,
		Detail:     detail,
	})
	if err != nil {
		s.logger.Warn("failed to record instance event", "tenant_key", inst.Key, "action", action, "error", err)
	}
}

func (s *Supervisor) recordFailure(ctx context.Context, key, userID, projectID string, cause error) {
	if s.recorder == nil {
		return
	}
	err := s.recorder.RecordInstanceEvent(ctx, &store.InstanceEvent{
		TenantKey: key,
		UserID:    userID,
		ProjectID: projectID,
		Action:    store.ActionStartFailed,
		Detail:    map[string]any{"error": cause.Error()},
	})
	if err != nil {
		s.logger.Warn("failed to record instance event", "tenant_key", key, "error", err)
	}
}

// RunReaper stops instances idle for longer than the configured idle timeout,
// checking every interval until ctx ends. It returns immediately when the
// idle timeout is zero.
func (s *Supervisor) RunReaper(ctx context.Context, every time.Duration) {
	if s.cfg.IdleTimeout <= 0 || every <= 0 {
		return
	}

	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.reapIdle(ctx, now)
		}
	}
}

func (s *Supervisor) reapIdle(ctx context.Context, now time.Time) {
	s.mu.RLock()
	var idle []string
	for k, inst := range s.instances {
		if now.Sub(inst.LastActivity()) > s.cfg.IdleTimeout {
			idle = append(idle, k)
		}
	}
	s.mu.RUnlock()

	for _, key := range idle {
		unlock := s.lock(key)
		// A Resolve may have touched it while we waited for the lock.
		if inst, ok := s.Get(key); ok && now.Sub(inst.LastActivity()) > s.cfg.IdleTimeout {
			s.logger.Info("reaping idle instance", "tenant_key", key, "last_activity", inst.LastActivity())
			s.stopInstance(ctx, inst, store.ActionReaped)
		}
		unlock()
	}
}
