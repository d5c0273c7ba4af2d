// ABOUTME: Connected RPC client for one worker address
// ABOUTME: Typed task, file, state and configuration calls with ClientError mapping

package rpc

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/2389/sandboxd/internal/apperr"
)

// TaskSnapshot is what a worker reports about one task.
type TaskSnapshot struct {
	ID     string
	Fields map[string]any
}

// StateSnapshot is one message from the state stream.
type StateSnapshot struct {
	Fields map[string]any
}

// Client is a live connection to one worker.
type Client struct {
	address string
	conn    *grpc.ClientConn
	logger  *slog.Logger

	Task   *TaskService
	File   *FileService
	State  *StateService
	Models *ModelsService

	closed atomic.Bool
}

// Dial connects to address and blocks until the connection is ready or ctx ends.
func Dial(ctx context.Context, address string, logger *slog.Logger) (*Client, error) {
	conn, err := grpc.NewClient(address,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		// Workers enforce a 5s minimum between pings.
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                30 * time.Second,
			Timeout:             10 * time.Second,
			PermitWithoutStream: false,
		}),
	)
	if err != nil {
		return nil, apperr.Connection(address, err)
	}

	conn.Connect()
	for state := conn.GetState(); state != connectivity.Ready; state = conn.GetState() {
		if !conn.WaitForStateChange(ctx, state) {
			_ = conn.Close()
			return nil, apperr.Connection(address, ctx.Err())
		}
	}

	logger = logger.With("component", "rpc", "address", address)
	logger.Debug("rpc client connected")

	return &Client{
		address: address,
		conn:    conn,
		logger:  logger,
		Task:    &TaskService{cc: conn},
		File:    &FileService{cc: conn},
		State:   &StateService{cc: conn},
		Models:  &ModelsService{cc: conn},
	}, nil
}

// Address returns the worker address this client talks to.
func (c *Client) Address() string {
	return c.address
}

// Connected reports whether the client is open and its connection usable.
func (c *Client) Connected() bool {
	return !c.closed.Load() && c.conn.GetState() != connectivity.Shutdown
}

// CreateTask starts a task with prompt and optional file references.
// Read, write and command actions are auto-approved.
func (c *Client) CreateTask(ctx context.Context, prompt string, files []string) (string, error) {
	req, err := structpb.NewStruct(map[string]any{
		"metadata": map[string]any{},
		"text":     prompt,
		"files":    stringList(files),
		"images":   []any{},
		"task_settings": map[string]any{
			"auto_approve_actions": map[string]any{
				"read_files":   true,
				"write_files":  true,
				"run_commands": true,
			},
		},
	})
	if err != nil {
		return "", apperr.Invalid("building task request: %v", err)
	}

	id, err := c.Task.NewTask(ctx, req)
	if err != nil {
		return "", apperr.FromRPC(err, c.address)
	}
	return id, nil
}

// GetTask fetches the snapshot for task id.
func (c *Client) GetTask(ctx context.Context, id string) (*TaskSnapshot, error) {
	resp, err := c.Task.ShowTaskWithID(ctx, id)
	if err != nil {
		return nil, apperr.FromRPC(err, c.address)
	}
	return &TaskSnapshot{ID: id, Fields: resp.AsMap()}, nil
}

// CancelTask cancels whatever task the worker is running.
func (c *Client) CancelTask(ctx context.Context) error {
	return apperr.FromRPC(c.Task.CancelTask(ctx), c.address)
}

// SearchFiles returns up to limit workspace paths matching query, best first.
func (c *Client) SearchFiles(ctx context.Context, query string, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 10
	}
	req, err := structpb.NewStruct(map[string]any{
		"metadata":    map[string]any{},
		"query":       query,
		"max_results": limit,
	})
	if err != nil {
		return nil, apperr.Invalid("building search request: %v", err)
	}

	resp, err := c.File.SearchFiles(ctx, req)
	if err != nil {
		return nil, apperr.FromRPC(err, c.address)
	}

	results := resp.GetFields()["results"].GetListValue().GetValues()
	paths := make([]string, 0, len(results))
	for _, r := range results {
		if p := r.GetStructValue().GetFields()["path"].GetStringValue(); p != "" {
			paths = append(paths, p)
		}
	}
	return paths, nil
}

// PushConfiguration sends provider secrets and options to the worker.
func (c *Client) PushConfiguration(ctx context.Context, secrets, options map[string]string) error {
	req, err := structpb.NewStruct(map[string]any{
		"metadata": map[string]any{},
		"secrets":  stringMap(secrets),
		"options":  stringMap(options),
	})
	if err != nil {
		return apperr.Invalid("building configuration request: %v", err)
	}
	return apperr.FromRPC(c.Models.UpdateAPIConfiguration(ctx, req), c.address)
}

// Stream is a running state subscription.
type Stream struct {
	cancel context.CancelFunc
	done   chan struct{}

	mu  sync.Mutex
	err error
}

// Cancel ends the subscription. Safe to call more than once.
func (s *Stream) Cancel() {
	s.cancel()
}

// Done is closed once the stream has stopped delivering snapshots.
func (s *Stream) Done() <-chan struct{} {
	return s.done
}

// Err returns why the stream ended, nil if it was cancelled or is still running.
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// SubscribeToState delivers every state snapshot to fn until the stream is
// cancelled, ctx ends, or the worker closes it. fn runs on the stream's goroutine.
func (c *Client) SubscribeToState(ctx context.Context, fn func(*StateSnapshot)) (*Stream, error) {
	ctx, cancel := context.WithCancel(ctx)
	cs, err := c.State.SubscribeToState(ctx)
	if err != nil {
		cancel()
		return nil, apperr.FromRPC(err, c.address)
	}

	s := &Stream{cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(s.done)
		defer cancel()
		for {
			msg := new(structpb.Struct)
			if err := cs.RecvMsg(msg); err != nil {
				if isStreamEnd(err) {
					return
				}
				c.logger.Error("state stream error", "error", err)
				s.mu.Lock()
				s.err = apperr.FromRPC(err, c.address)
				s.mu.Unlock()
				return
			}
			fn(&StateSnapshot{Fields: msg.AsMap()})
		}
	}()
	return s, nil
}

// Close tears down the connection.
func (c *Client) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	c.logger.Debug("rpc client disconnected")
	return c.conn.Close()
}

func isStreamEnd(err error) bool {
	if errors.Is(err, context.Canceled) {
		return true
	}
	if st, ok := status.FromError(err); ok && st.Code() == codes.Canceled {
		return true
	}
	return errors.Is(err, io.EOF)
}

func stringList(in []string) []any {
	out := make([]any, len(in))
	for i, s := range in {
		out[i] = s
	}
	return out
}

func stringMap(in map[string]string) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
