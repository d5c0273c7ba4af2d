// ABOUTME: Process wiring for sandboxd: builds components, serves HTTP, runs shutdown
// ABOUTME: Registers cleanup hooks in dependency order with the shutdown coordinator

package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/2389/sandboxd/internal/config"
	"github.com/2389/sandboxd/internal/events"
	"github.com/2389/sandboxd/internal/health"
	"github.com/2389/sandboxd/internal/relay"
	"github.com/2389/sandboxd/internal/rpc"
	"github.com/2389/sandboxd/internal/shutdown"
	"github.com/2389/sandboxd/internal/store"
	"github.com/2389/sandboxd/internal/supervisor"
	"github.com/2389/sandboxd/internal/tasks"
	"github.com/2389/sandboxd/internal/terminal"
	"github.com/2389/sandboxd/internal/workspace"
)

// Server owns every long-lived component of the process.
type Server struct {
	config *config.Config
	logger *slog.Logger

	ledger     *store.SQLiteStore
	bus        *events.Bus
	workspaces *workspace.Manager
	monitor    *health.Monitor
	pool       *rpc.Pool
	supervisor *supervisor.Supervisor
	terminals  *terminal.Manager
	relay      *relay.Relay
	tasks      *tasks.Service
	shutdown   *shutdown.Coordinator

	httpServer *http.Server

	mu           sync.Mutex
	listener     net.Listener
	cancelReaper context.CancelFunc
}

// Option configures a Server.
type Option func(*serverOptions)

type serverOptions struct {
	shutdownOpts []shutdown.Option
}

// WithShutdownOptions passes options to the shutdown coordinator.
func WithShutdownOptions(opts ...shutdown.Option) Option {
	return func(o *serverOptions) { o.shutdownOpts = append(o.shutdownOpts, opts...) }
}

// New builds every component from cfg.
func New(cfg *config.Config, logger *slog.Logger, opts ...Option) (*Server, error) {
	var o serverOptions
	for _, opt := range opts {
		opt(&o)
	}

	var ledger *store.SQLiteStore
	if cfg.Database.Path != "" {
		var err error
		ledger, err = store.NewSQLiteStore(cfg.Database.Path)
		if err != nil {
			return nil, fmt.Errorf("opening instance ledger: %w", err)
		}
	}

	s := &Server{
		config:     cfg,
		logger:     logger.With("component", "server"),
		ledger:     ledger,
		bus:        events.NewBus(logger),
		workspaces: workspace.NewManager(cfg.Instances.WorkspaceRoot, logger),
		monitor: health.NewMonitor(health.Options{
			ProbeTimeout: cfg.Instances.HealthCheckTimeout,
			Bridge:       health.Wait{Timeout: cfg.Instances.BridgeReadyTimeout, Interval: cfg.Instances.BridgeReadyInterval},
			Worker:       health.Wait{Timeout: cfg.Instances.WorkerReadyTimeout, Interval: cfg.Instances.WorkerReadyInterval},
		}, logger),
		pool:     rpc.NewPool(logger),
		shutdown: shutdown.New(cfg.Shutdown.Timeout, logger, o.shutdownOpts...),
	}

	var recorder supervisor.Recorder
	if ledger != nil {
		recorder = ledger
	}
	s.supervisor = supervisor.New(supervisor.Config{
		BridgeCommand: cfg.Instances.BridgeCommand,
		WorkerCommand: cfg.Instances.WorkerCommand,
		WorkerDir:     cfg.Instances.ResolveWorkerDir(),
		DataRoot:      cfg.Instances.DataRoot,
		ExtraEnv:      cfg.Instances.ExtraEnv,
		StartAttempts: cfg.Instances.StartAttempts,
		IdleTimeout:   cfg.Instances.IdleTimeout,
	}, s.monitor, s.workspaces, recorder, logger)

	s.terminals = terminal.NewManager(terminal.Config{
		Shell:        cfg.Terminal.Shell,
		BufferChunks: cfg.Terminal.BufferChunks,
		GracePeriod:  cfg.Terminal.GracePeriod,
	}, s.supervisor, s.bus, logger)

	s.relay = relay.New(s.supervisor, s.pool, s.terminals, s.bus, logger)
	s.tasks = tasks.New(s.supervisor, s.pool, tasks.ProviderConfig{
		OpenRouterAPIKey: cfg.Provider.OpenRouterAPIKey,
		ModelID:          cfg.Provider.ModelID,
	}, logger)

	// A stopped instance takes its client and shells with it.
	s.supervisor.OnStop(func(inst *supervisor.Instance) {
		s.pool.Remove(inst.Address)
		s.terminals.CloseAllForTenant(inst.UserID, inst.ProjectID)
	})

	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/health/ready", s.handleReady)
	mux.Handle("/ws", relay.NewWebSocketHandler(s.relay, logger))

	s.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.registerHooks()
	return s, nil
}

// registerHooks adds cleanup steps foundational first; they run in reverse.
func (s *Server) registerHooks() {
	if s.ledger != nil {
		s.shutdown.Register("close ledger", func(context.Context) error {
			return s.ledger.Close()
		})
	}
	s.shutdown.Register("close events bus", func(context.Context) error {
		s.bus.Close()
		return nil
	})
	s.shutdown.Register("stop all instances", s.supervisor.StopAll)
	s.shutdown.Register("close rpc clients", func(context.Context) error {
		s.pool.RemoveAll()
		return nil
	})
	s.shutdown.Register("stop idle reaper", func(context.Context) error {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.cancelReaper != nil {
			s.cancelReaper()
		}
		return nil
	})
	s.shutdown.Register("close terminal sessions", func(context.Context) error {
		s.terminals.CloseAll()
		return nil
	})
	s.shutdown.Register("disconnect relay subscribers", func(context.Context) error {
		s.relay.DisconnectAll()
		return nil
	})
	s.shutdown.Register("close http listener", func(ctx context.Context) error {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			return fmt.Errorf("HTTP shutdown: %w", err)
		}
		return nil
	})
}

// Listen binds the HTTP listener. Run calls it when it has not been called.
func (s *Server) Listen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return nil
	}
	ln, err := net.Listen("tcp", s.config.Server.HTTPAddr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.config.Server.HTTPAddr, err)
	}
	s.listener = ln
	return nil
}

// Addr returns the bound HTTP address, or "" before Listen.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Run serves until ctx ends, the listener fails, or a signal-driven shutdown
// completes. Unless a signal already started it, Run performs the shutdown.
func (s *Server) Run(ctx context.Context) error {
	if err := s.Listen(); err != nil {
		_ = s.shutdown.Run(context.Background())
		return err
	}

	reaperCtx, cancelReaper := context.WithCancel(context.Background())
	s.mu.Lock()
	s.cancelReaper = cancelReaper
	ln := s.listener
	s.mu.Unlock()
	if idle := s.config.Instances.IdleTimeout; idle > 0 {
		go s.supervisor.RunReaper(reaperCtx, reapInterval(idle))
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("HTTP server listening", "addr", ln.Addr().String())
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	select {
	case err := <-errCh:
		s.logger.Error("server error", "error", err)
		_ = s.shutdown.Run(context.Background())
		return err
	case <-s.shutdown.Started():
		<-s.shutdown.Done()
		return s.shutdown.Err()
	case <-ctx.Done():
		s.logger.Info("context canceled, initiating shutdown")
		err := s.shutdown.Run(context.Background())
		if errors.Is(err, shutdown.ErrInProgress) {
			<-s.shutdown.Done()
			return s.shutdown.Err()
		}
		return err
	}
}

func reapInterval(idle time.Duration) time.Duration {
	every := idle / 4
	if every < time.Second {
		every = time.Second
	}
	return every
}

// Shutdown returns the coordinator, for signal handling.
func (s *Server) Shutdown() *shutdown.Coordinator { return s.shutdown }

// Supervisor returns the instance supervisor.
func (s *Server) Supervisor() *supervisor.Supervisor { return s.supervisor }

// Terminals returns the terminal session manager.
func (s *Server) Terminals() *terminal.Manager { return s.terminals }

// Tasks returns the task facade.
func (s *Server) Tasks() *tasks.Service { return s.tasks }

// Pool returns the RPC client pool.
func (s *Server) Pool() *rpc.Pool { return s.pool }

// Ledger returns the instance ledger, or nil when disabled.
func (s *Server) Ledger() *store.SQLiteStore { return s.ledger }

// handleHealth returns 200 OK if the server is alive.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

type readyResponse struct {
	Status      string `json:"status"`
	Instances   int    `json:"instances"`
	Terminals   int    `json:"terminals"`
	Clients     int    `json:"clients"`
	Subscribers int    `json:"subscribers"`
}

// handleReady reports readiness and component counts; 503 once shutdown began.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	resp := readyResponse{
		Status:      "ready",
		Instances:   s.supervisor.Count(),
		Terminals:   s.terminals.Count(),
		Clients:     s.pool.Size(),
		Subscribers: s.relay.Count(),
	}
	code := http.StatusOK
	select {
	case <-s.shutdown.Started():
		resp.Status = "shutting down"
		code = http.StatusServiceUnavailable
	default:
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(resp)
}
