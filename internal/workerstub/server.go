// ABOUTME: In-memory stub of the bridge and worker gRPC processes
// ABOUTME: Serves health plus task, file, state and models services on one listener

package workerstub

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	sbhealth "github.com/2389/sandboxd/internal/health"
)

// Role selects which process the stub impersonates.
type Role string

const (
	RoleBridge Role = "bridge"
	RoleWorker Role = "worker"
)

// Options configures a stub Server.
type Options struct {
	Role Role
	// BridgeAddress, when set in worker role, gates SERVING on the bridge being healthy.
	BridgeAddress string
	// Workspace is the directory SearchFiles walks.
	Workspace string
}

type task struct {
	id     string
	text   string
	files  []any
	status string
	at     time.Time
}

// Server is a stub bridge or worker.
type Server struct {
	opts   Options
	grpc   *grpc.Server
	health *health.Server
	logger *slog.Logger

	mu     sync.Mutex
	tasks  map[string]*task
	active string
	config *structpb.Struct
	subs   map[chan *structpb.Struct]struct{}
}

// New creates a stub server with all services registered.
func New(opts Options, logger *slog.Logger) *Server {
	s := &Server{
		opts:   opts,
		health: health.NewServer(),
		logger: logger.With("component", "workerstub", "role", string(opts.Role)),
		tasks:  make(map[string]*task),
		subs:   make(map[chan *structpb.Struct]struct{}),
	}

	s.grpc = grpc.NewServer(
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    15 * time.Second,
			Timeout: 5 * time.Second,
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             5 * time.Second,
			PermitWithoutStream: true,
		}),
	)
	healthpb.RegisterHealthServer(s.grpc, s.health)
	s.grpc.RegisterService(&taskServiceDesc, s)
	s.grpc.RegisterService(&fileServiceDesc, s)
	s.grpc.RegisterService(&stateServiceDesc, s)
	s.grpc.RegisterService(&modelsServiceDesc, s)

	if opts.Role == RoleWorker && opts.BridgeAddress != "" {
		s.health.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	} else {
		s.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	}
	return s
}

// Serve accepts connections on lis until Stop is called.
func (s *Server) Serve(ctx context.Context, lis net.Listener) error {
	if s.opts.Role == RoleWorker && s.opts.BridgeAddress != "" {
		go s.awaitBridge(ctx)
	}
	s.logger.Info("stub serving", "address", lis.Addr().String())
	if err := s.grpc.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return fmt.Errorf("serving stub: %w", err)
	}
	return nil
}

// Stop ends every stream and stops the server, waiting up to timeout for in-flight calls.
func (s *Server) Stop(timeout time.Duration) {
	s.health.Shutdown()

	s.mu.Lock()
	for ch := range s.subs {
		close(ch)
		delete(s.subs, ch)
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.grpc.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		s.logger.Warn("graceful stop timed out, forcing")
		s.grpc.Stop()
	}
}

// SetServing flips the reported health status.
func (s *Server) SetServing(serving bool) {
	st := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		st = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus("", st)
}

// PublishState sends a state snapshot to every subscriber.
func (s *Server) PublishState(fields map[string]any) error {
	msg, err := structpb.NewStruct(fields)
	if err != nil {
		return fmt.Errorf("building state: %w", err)
	}
	s.broadcast(msg)
	return nil
}

// Configuration returns the last pushed API configuration, or nil.
func (s *Server) Configuration() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.config == nil {
		return nil
	}
	return s.config.AsMap()
}

// Subscribers returns how many state streams are open.
func (s *Server) Subscribers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}

func (s *Server) awaitBridge(ctx context.Context) {
	mon := sbhealth.NewMonitor(sbhealth.DefaultOptions(), s.logger)
	if err := mon.WaitUntilHealthy(ctx, s.opts.BridgeAddress, time.Minute, 100*time.Millisecond); err != nil {
		s.logger.Error("bridge never became healthy", "bridge", s.opts.BridgeAddress, "error", err)
		return
	}
	s.SetServing(true)
	s.logger.Info("bridge reachable, worker serving", "bridge", s.opts.BridgeAddress)
}

func (s *Server) newTask(_ context.Context, req *structpb.Struct) (proto.Message, error) {
	text := req.GetFields()["text"].GetStringValue()
	if text == "" {
		return nil, status.Error(codes.InvalidArgument, "text is required")
	}

	t := &task{
		id:     uuid.New().String(),
		text:   text,
		files:  req.GetFields()["files"].GetListValue().AsSlice(),
		status: "running",
		at:     time.Now().UTC(),
	}

	s.mu.Lock()
	s.tasks[t.id] = t
	s.active = t.id
	s.mu.Unlock()

	s.logger.Info("task created", "task_id", t.id)
	s.publishTask(t)
	return wrapperspb.String(t.id), nil
}

func (s *Server) showTask(_ context.Context, req *wrapperspb.StringValue) (proto.Message, error) {
	s.mu.Lock()
	t, ok := s.tasks[req.GetValue()]
	var out *structpb.Struct
	var err error
	if ok {
		out, err = structpb.NewStruct(taskFields(t))
	}
	s.mu.Unlock()

	if !ok {
		return nil, status.Errorf(codes.NotFound, "task %s not found", req.GetValue())
	}
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return out, nil
}

func (s *Server) cancelTask(_ context.Context, _ *emptypb.Empty) (proto.Message, error) {
	s.mu.Lock()
	t, ok := s.tasks[s.active]
	if ok {
		t.status = "cancelled"
		s.active = ""
	}
	s.mu.Unlock()

	if !ok {
		return nil, status.Error(codes.FailedPrecondition, "no active task")
	}
	s.publishTask(t)
	return &emptypb.Empty{}, nil
}

func (s *Server) searchFiles(ctx context.Context, req *structpb.Struct) (proto.Message, error) {
	query := strings.ToLower(req.GetFields()["query"].GetStringValue())
	limit := int(req.GetFields()["max_results"].GetNumberValue())
	if limit <= 0 {
		limit = 10
	}

	var results []any
	if s.opts.Workspace != "" {
		_ = filepath.WalkDir(s.opts.Workspace, func(p string, d fs.DirEntry, err error) error {
			if err != nil || ctx.Err() != nil {
				return nil
			}
			if d.IsDir() && strings.HasPrefix(d.Name(), ".") && p != s.opts.Workspace {
				return fs.SkipDir
			}
			if d.IsDir() {
				return nil
			}
			rel, _ := filepath.Rel(s.opts.Workspace, p)
			if strings.Contains(strings.ToLower(rel), query) {
				results = append(results, map[string]any{"path": rel, "type": "file"})
			}
			if len(results) >= limit {
				return fs.SkipAll
			}
			return nil
		})
	}

	out, err := structpb.NewStruct(map[string]any{"results": results})
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return out, nil
}

func (s *Server) updateConfiguration(_ context.Context, req *structpb.Struct) (proto.Message, error) {
	s.mu.Lock()
	s.config = req
	s.mu.Unlock()
	s.logger.Info("api configuration updated", "options", len(req.GetFields()["options"].GetStructValue().GetFields()))
	return &emptypb.Empty{}, nil
}

func (s *Server) subscribeToState(stream grpc.ServerStream) error {
	ch := make(chan *structpb.Struct, 16)

	s.mu.Lock()
	s.subs[ch] = struct{}{}
	initial, err := structpb.NewStruct(s.stateLocked())
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		if _, ok := s.subs[ch]; ok {
			delete(s.subs, ch)
		}
		s.mu.Unlock()
	}()

	if err != nil {
		return status.Error(codes.Internal, err.Error())
	}
	if err := stream.SendMsg(initial); err != nil {
		return err
	}

	for {
		select {
		case <-stream.Context().Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			if err := stream.SendMsg(msg); err != nil {
				return err
			}
		}
	}
}

func (s *Server) publishTask(t *task) {
	s.mu.Lock()
	fields := s.stateLocked()
	fields["task"] = taskFields(t)
	s.mu.Unlock()
	if err := s.PublishState(fields); err != nil {
		s.logger.Warn("failed to publish state", "error", err)
	}
}

func (s *Server) broadcast(msg *structpb.Struct) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for ch := range s.subs {
		select {
		case ch <- msg:
		default:
			s.logger.Warn("dropping state for slow subscriber")
		}
	}
}

// stateLocked must be called with s.mu held.
func (s *Server) stateLocked() map[string]any {
	return map[string]any{
		"role":        string(s.opts.Role),
		"active_task": s.active,
		"task_count":  len(s.tasks),
	}
}

func taskFields(t *task) map[string]any {
	return map[string]any{
		"id":         t.id,
		"text":       t.text,
		"files":      t.files,
		"status":     t.status,
		"created_at": t.at.Format(time.RFC3339),
	}
}
