// ABOUTME: Session manager creating, driving and closing tenant shells
// ABOUTME: Requires an existing instance and supports bulk teardown per tenant

package terminal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/2389/sandboxd/internal/events"
	"github.com/2389/sandboxd/internal/proc"
	"github.com/2389/sandboxd/internal/supervisor"
)

// ErrSessionNotFound is returned for an unknown session id.
var ErrSessionNotFound = errors.New("terminal session not found")

// Instances finds the running instance for a tenant.
type Instances interface {
	Lookup(userID, projectID string) (*supervisor.Instance, error)
}

// Config controls how shells are launched.
type Config struct {
	Shell        string
	BufferChunks int
	GracePeriod  time.Duration
	// BaseEnv is the environment shells inherit. Nil means os.Environ().
	BaseEnv []string
}

// Manager owns every terminal session.
type Manager struct {
	cfg       Config
	instances Instances
	bus       *events.Bus
	logger    *slog.Logger

	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewManager creates a Manager.
func NewManager(cfg Config, instances Instances, bus *events.Bus, logger *slog.Logger) *Manager {
	if cfg.Shell == "" {
		cfg.Shell = "/bin/sh"
	}
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = 2 * time.Second
	}
	if cfg.BufferChunks <= 0 {
		cfg.BufferChunks = 1000
	}
	return &Manager{
		cfg:       cfg,
		instances: instances,
		bus:       bus,
		logger:    logger.With("component", "terminal"),
		sessions:  make(map[string]*Session),
	}
}

// Create starts a shell in the workspace of the tenant's running instance.
func (m *Manager) Create(ctx context.Context, userID, projectID string) (*Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	inst, err := m.instances.Lookup(userID, projectID)
	if err != nil {
		return nil, err
	}

	s := &Session{
		UserID:        userID,
		ProjectID:     projectID,
		WorkspacePath: inst.WorkspacePath,
		CreatedAt:     time.Now(),
		bus:           m.bus,
		limit:         m.cfg.BufferChunks,
	}

	// Held across the start so no caller sees a session without a process.
	m.mu.Lock()
	s.ID = m.nextIDLocked(supervisor.TenantKey(userID, projectID), s.CreatedAt)
	p, err := proc.Start(proc.Spec{
		Name:   "shell",
		Argv:   []string{m.cfg.Shell},
		Dir:    inst.WorkspacePath,
		Env:    shellEnv(m.cfg.BaseEnv),
		Stdout: &streamWriter{session: s, stream: StreamStdout},
		Stderr: &streamWriter{session: s, stream: StreamStderr},
		Stdin:  true,
	}, m.logger)
	if err != nil {
		m.mu.Unlock()
		return nil, fmt.Errorf("starting shell: %w", err)
	}
	s.proc = p
	m.sessions[s.ID] = s
	m.mu.Unlock()

	go m.watch(s)

	m.logger.Debug("terminal session created", "session_id", s.ID, "user_id", userID, "project_id", projectID)
	return s, nil
}

// nextIDLocked returns key-<unix ms>, bumping the timestamp past any id in use.
func (m *Manager) nextIDLocked(key string, at time.Time) string {
	ms := at.UnixMilli()
	for {
		id := key + "-" + strconv.FormatInt(ms, 10)
		if _, taken := m.sessions[id]; !taken {
			return id
		}
		ms++
	}
}

func (m *Manager) watch(s *Session) {
	<-s.proc.Done()
	code := s.proc.ExitCode()
	m.logger.Debug("terminal session exited", "session_id", s.ID, "code", code)
	s.append(Chunk{Stream: StreamExit, ExitCode: &code})
}

// Execute writes text plus a newline to the session's shell.
func (m *Manager) Execute(id, text string) error {
	s, ok := m.Get(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	if _, err := s.proc.Write([]byte(text + "\n")); err != nil {
		return fmt.Errorf("writing to session %s: %w", id, err)
	}
	m.logger.Debug("command executed", "session_id", id)
	return nil
}

// Close terminates the session's shell and forgets the session.
// Closing an unknown session is a no-op.
func (m *Manager) Close(id string) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()

	if !ok {
		return nil
	}
	if err := s.proc.Stop(m.cfg.GracePeriod); err != nil {
		m.logger.Warn("failed to stop shell", "session_id", id, "error", err)
		return fmt.Errorf("closing session %s: %w", id, err)
	}
	m.logger.Debug("terminal session closed", "session_id", id, "forced", s.proc.Forced())
	return nil
}

// Get returns the session with id.
func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	return s, ok
}

// ListByTenant returns the tenant's sessions, oldest first.
func (m *Manager) ListByTenant(userID, projectID string) []*Session {
	m.mu.RLock()
	var out []*Session
	for _, s := range m.sessions {
		if s.UserID == userID && s.ProjectID == projectID {
			out = append(out, s)
		}
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// CloseAllForTenant closes every session the tenant owns.
func (m *Manager) CloseAllForTenant(userID, projectID string) {
	m.closeAll(m.ListByTenant(userID, projectID))
}

// CloseAll closes every session.
func (m *Manager) CloseAll() {
	m.mu.RLock()
	all := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		all = append(all, s)
	}
	m.mu.RUnlock()
	m.closeAll(all)
}

func (m *Manager) closeAll(sessions []*Session) {
	var wg sync.WaitGroup
	for _, s := range sessions {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = m.Close(s.ID)
		}()
	}
	wg.Wait()
}

// Count returns how many sessions are open.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Subscribe returns a subscription to the session's output chunks.
func (m *Manager) Subscribe(id string) (*events.Subscription, error) {
	if _, ok := m.Get(id); !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return m.bus.Subscribe(events.Topic{Kind: events.KindTerminalOutput, ID: id}), nil
}

// Output returns the buffered output of the session.
func (m *Manager) Output(id string) ([]Chunk, error) {
	s, ok := m.Get(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return s.Output(), nil
}

// shellEnv returns base with the pager-free terminal settings applied.
func shellEnv(base []string) []string {
	if base == nil {
		base = os.Environ()
	}
	editor := "cat"
	if e := os.Getenv("EDITOR"); e != "" {
		editor = e
	}
	return append(append([]string{}, base...),
		"TERM=xterm-256color",
		"PAGER=cat",
		"GIT_PAGER=cat",
		"MANPAGER=cat",
		"SYSTEMD_PAGER=",
		"EDITOR="+editor,
	)
}
