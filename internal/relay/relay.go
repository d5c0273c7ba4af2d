// ABOUTME: Event relay binding subscriber connections to state, terminal and file-change streams
// ABOUTME: Owns every subscription a connection makes and releases them on disconnect

package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/2389/sandboxd/internal/events"
	"github.com/2389/sandboxd/internal/rpc"
	"github.com/2389/sandboxd/internal/supervisor"
	"github.com/2389/sandboxd/internal/terminal"
)

// Sink delivers outbound messages to one subscriber.
type Sink interface {
	Send(Message) error
}

// closer is implemented by sinks that own a transport. Disconnect closes it.
type closer interface {
	Close()
}

// Instances looks up running instances by tenant key.
type Instances interface {
	Get(key string) (*supervisor.Instance, bool)
}

// Clients hands out pooled RPC clients.
type Clients interface {
	Get(ctx context.Context, address string) (*rpc.Client, error)
}

// Terminals is the part of the terminal manager the relay drives.
type Terminals interface {
	Create(ctx context.Context, userID, projectID string) (*terminal.Session, error)
	Execute(id, text string) error
	Close(id string) error
	Subscribe(id string) (*events.Subscription, error)
}

// Relay tracks subscriber connections.
type Relay struct {
	instances Instances
	clients   Clients
	terminals Terminals
	bus       *events.Bus
	logger    *slog.Logger

	mu    sync.RWMutex
	conns map[string]*Conn
}

// New creates a Relay.
func New(instances Instances, clients Clients, terminals Terminals, bus *events.Bus, logger *slog.Logger) *Relay {
	return &Relay{
		instances: instances,
		clients:   clients,
		terminals: terminals,
		bus:       bus,
		logger:    logger.With("component", "relay"),
		conns:     make(map[string]*Conn),
	}
}

// Conn is one subscriber connection.
type Conn struct {
	ID        string
	UserID    string
	ProjectID string

	sink   Sink
	ctx    context.Context
	cancel context.CancelFunc
	logger *slog.Logger

	// fileSub doubles as the connection's identity when it publishes file changes.
	fileSub *events.Subscription

	mu        sync.Mutex
	sessionID string
	sessions  []string
	subs      []*events.Subscription
	stream    *rpc.Stream
	closed    bool
	wg        sync.WaitGroup
}

// SessionID returns the terminal session bound to the connection, if any.
func (c *Conn) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

func (c *Conn) send(m Message) {
	if err := c.sink.Send(m); err != nil {
		c.logger.Debug("failed to send to subscriber", "type", m.Type, "error", err)
	}
}

// Connect registers a subscriber for user/project. If the tenant has a
// running instance its state stream is forwarded as task-update messages.
func (r *Relay) Connect(sink Sink, userID, projectID string) *Conn {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Conn{
		ID:        uuid.New().String(),
		UserID:    userID,
		ProjectID: projectID,
		sink:      sink,
		ctx:       ctx,
		cancel:    cancel,
	}
	c.logger = r.logger.With("conn_id", c.ID, "user_id", userID, "project_id", projectID)

	c.fileSub = r.bus.Subscribe(events.Topic{Kind: events.KindFileChange, ID: projectID})
	c.subs = append(c.subs, c.fileSub)
	c.wg.Add(2)
	r.forward(c, c.fileSub, func(e events.Event) (Message, bool) {
		fc, ok := e.Data.(FileChange)
		if !ok {
			return Message{}, false
		}
		return Message{Type: TypeFileChange, Path: fc.Path, Content: fc.Content}, true
	})

	r.mu.Lock()
	r.conns[c.ID] = c
	total := len(r.conns)
	r.mu.Unlock()

	c.logger.Debug("subscriber connected", "total", total)

	go func() {
		defer c.wg.Done()
		r.subscribeState(c)
	}()

	return c
}

// subscribeState forwards the instance's state stream to c. A tenant without
// an instance simply gets no task updates.
func (r *Relay) subscribeState(c *Conn) {
	inst, ok := r.instances.Get(supervisor.TenantKey(c.UserID, c.ProjectID))
	if !ok {
		return
	}

	client, err := r.clients.Get(c.ctx, inst.Address)
	if err != nil {
		c.logger.Error("failed to subscribe to state", "address", inst.Address, "error", err)
		return
	}

	stream, err := client.SubscribeToState(c.ctx, func(s *rpc.StateSnapshot) {
		c.send(Message{Type: TypeTaskUpdate, State: s.Fields})
	})
	if err != nil {
		c.logger.Error("failed to subscribe to state", "address", inst.Address, "error", err)
		return
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		stream.Cancel()
		return
	}
	c.stream = stream
	c.mu.Unlock()
}

// forward pumps sub into c until the subscription is cancelled.
// The caller has already added to c.wg.
func (r *Relay) forward(c *Conn, sub *events.Subscription, convert func(events.Event) (Message, bool)) {
	go func() {
		defer c.wg.Done()
		for e := range sub.C() {
			if m, ok := convert(e); ok {
				c.send(m)
			}
		}
	}()
}

// Handle processes one inbound payload from c. Malformed payloads are
// answered with an error message; the connection stays open.
func (r *Relay) Handle(c *Conn, payload []byte) {
	var req Request
	if err := json.Unmarshal(payload, &req); err != nil || req.Type == "" {
		c.logger.Warn("invalid message from subscriber", "error", err)
		c.send(errorMessage("Invalid message format"))
		return
	}

	switch req.Type {
	case TypeTerminalCreate:
		r.createTerminal(c)

	case TypeTerminalInput:
		id := c.SessionID()
		if id == "" || req.Data == nil {
			return
		}
		if err := r.terminals.Execute(id, *req.Data); err != nil {
			c.send(errorMessage(fmt.Sprintf("Failed to send terminal input: %v", err)))
		}

	case TypeFileChange:
		r.bus.Publish(events.Topic{Kind: events.KindFileChange, ID: c.ProjectID}, events.Event{
			Source: c.fileSub.ID(),
			Data:   FileChange{Path: req.Path, Content: req.Content},
		})

	default:
		c.logger.Debug("unknown message type", "type", req.Type)
	}
}

func (r *Relay) createTerminal(c *Conn) {
	s, err := r.terminals.Create(c.ctx, c.UserID, c.ProjectID)
	if err != nil {
		c.send(errorMessage(fmt.Sprintf("Failed to create terminal: %v", err)))
		return
	}

	sub, err := r.terminals.Subscribe(s.ID)
	if err != nil {
		_ = r.terminals.Close(s.ID)
		c.send(errorMessage(fmt.Sprintf("Failed to create terminal: %v", err)))
		return
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		sub.Cancel()
		_ = r.terminals.Close(s.ID)
		return
	}
	c.sessionID = s.ID
	c.sessions = append(c.sessions, s.ID)
	c.subs = append(c.subs, sub)
	c.wg.Add(1)
	c.mu.Unlock()

	// Sent before forwarding starts so the client learns the id first.
	c.send(Message{Type: TypeTerminalCreated, SessionID: s.ID})

	r.forward(c, sub, func(e events.Event) (Message, bool) {
		chunk, ok := e.Data.(terminal.Chunk)
		if !ok {
			return Message{}, false
		}
		return Message{
			Type:       TypeTerminalOutput,
			SessionID:  chunk.SessionID,
			Data:       chunk.Data,
			OutputType: chunk.Stream,
			ExitCode:   chunk.ExitCode,
		}, true
	})
}

// Disconnect releases everything c holds, closes the terminals it created
// and closes the sink's transport. Safe to call more than once.
func (r *Relay) Disconnect(c *Conn) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	subs := c.subs
	sessions := c.sessions
	stream := c.stream
	c.subs, c.sessions, c.stream = nil, nil, nil
	c.mu.Unlock()

	c.cancel()
	if stream != nil {
		stream.Cancel()
	}
	for _, sub := range subs {
		sub.Cancel()
	}
	for _, id := range sessions {
		if err := r.terminals.Close(id); err != nil {
			c.logger.Warn("failed to close terminal session", "session_id", id, "error", err)
		}
	}
	c.wg.Wait()

	if cl, ok := c.sink.(closer); ok {
		cl.Close()
	}

	r.mu.Lock()
	delete(r.conns, c.ID)
	r.mu.Unlock()

	c.logger.Debug("subscriber disconnected")
}

// DisconnectAll disconnects every subscriber.
func (r *Relay) DisconnectAll() {
	r.mu.RLock()
	conns := make([]*Conn, 0, len(r.conns))
	for _, c := range r.conns {
		conns = append(conns, c)
	}
	r.mu.RUnlock()

	for _, c := range conns {
		r.Disconnect(c)
	}
}

// Count returns how many subscribers are connected.
func (r *Relay) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// ErrSinkClosed is returned by sinks that can no longer deliver.
var ErrSinkClosed = errors.New("subscriber sink closed")
