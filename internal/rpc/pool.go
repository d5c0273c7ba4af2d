// ABOUTME: Pool of RPC clients keyed by worker address
// ABOUTME: Single-flight dialing so concurrent callers share one connection attempt

package rpc

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/2389/sandboxd/internal/apperr"
)

// DefaultConnectTimeout bounds one dial when the pool is not told otherwise.
const DefaultConnectTimeout = 10 * time.Second

// Dialer opens a client to address.
type Dialer func(ctx context.Context, address string) (*Client, error)

// Pool holds at most one live Client per address.
type Pool struct {
	mu      sync.RWMutex
	clients map[string]*Client
	// pending tracks in-flight dials so Remove can veto their result.
	pending map[string]*pendingDial
	group   singleflight.Group

	dial           Dialer
	connectTimeout time.Duration
	logger         *slog.Logger
}

type pendingDial struct {
	evicted bool
}

// errEvicted is the cause reported when Remove raced a dial.
var errEvicted = errors.New("client removed while connecting")

// PoolOption configures a Pool.
type PoolOption func(*Pool)

// WithDialer replaces the dial function.
func WithDialer(d Dialer) PoolOption {
	return func(p *Pool) { p.dial = d }
}

// WithConnectTimeout bounds each dial.
func WithConnectTimeout(d time.Duration) PoolOption {
	return func(p *Pool) { p.connectTimeout = d }
}

// NewPool creates an empty pool.
func NewPool(logger *slog.Logger, opts ...PoolOption) *Pool {
	p := &Pool{
		clients:        make(map[string]*Client),
		pending:        make(map[string]*pendingDial),
		connectTimeout: DefaultConnectTimeout,
		logger:         logger.With("component", "rpc_pool"),
	}
	p.dial = func(ctx context.Context, address string) (*Client, error) {
		return Dial(ctx, address, logger)
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Get returns the pooled client for address, dialing if needed.
// Concurrent calls for the same address share one dial. The dial itself is
// not cancelled by ctx; ctx only stops this caller from waiting on it.
func (p *Pool) Get(ctx context.Context, address string) (*Client, error) {
	if c := p.lookup(address); c != nil {
		return c, nil
	}

	ch := p.group.DoChan(address, func() (any, error) {
		if c := p.lookup(address); c != nil {
			return c, nil
		}

		tok := &pendingDial{}
		p.mu.Lock()
		p.pending[address] = tok
		p.mu.Unlock()

		dialCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.connectTimeout)
		defer cancel()

		c, err := p.dial(dialCtx, address)

		p.mu.Lock()
		delete(p.pending, address)
		evicted := tok.evicted
		if err == nil && !evicted {
			p.clients[address] = c
		}
		p.mu.Unlock()

		if err == nil && evicted {
			_ = c.Close()
			p.logger.Info("discarded rpc client removed while connecting", "address", address)
			return nil, apperr.Connection(address, errEvicted)
		}
		if err != nil {
			p.logger.Error("failed to connect rpc client", "address", address, "error", err)
			if !errors.Is(err, apperr.ErrClientConnection) {
				err = apperr.Connection(address, err)
			}
			return nil, err
		}

		p.logger.Info("rpc client pooled", "address", address)
		return c, nil
	})

	select {
	case <-ctx.Done():
		return nil, apperr.Connection(address, ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Client), nil
	}
}

// lookup returns a usable pooled client, evicting a dead one.
func (p *Pool) lookup(address string) *Client {
	p.mu.RLock()
	c, ok := p.clients[address]
	p.mu.RUnlock()
	if !ok {
		return nil
	}
	if c.Connected() {
		return c
	}

	p.mu.Lock()
	if p.clients[address] == c {
		delete(p.clients, address)
	}
	p.mu.Unlock()
	_ = c.Close()
	return nil
}

// Remove closes and evicts the client for address, if any. A dial in
// flight for address is discarded when it completes.
func (p *Pool) Remove(address string) {
	p.mu.Lock()
	c, ok := p.clients[address]
	delete(p.clients, address)
	if tok, dialing := p.pending[address]; dialing {
		tok.evicted = true
	}
	p.mu.Unlock()

	if !ok {
		return
	}
	if err := c.Close(); err != nil {
		p.logger.Warn("error closing rpc client", "address", address, "error", err)
	}
	p.logger.Info("rpc client removed", "address", address)
}

// RemoveAll closes and evicts every pooled client concurrently.
func (p *Pool) RemoveAll() {
	p.mu.Lock()
	clients := p.clients
	p.clients = make(map[string]*Client)
	for _, tok := range p.pending {
		tok.evicted = true
	}
	p.mu.Unlock()

	var wg sync.WaitGroup
	for addr, c := range clients {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := c.Close(); err != nil {
				p.logger.Warn("error closing rpc client", "address", addr, "error", err)
			}
		}()
	}
	wg.Wait()

	if len(clients) > 0 {
		p.logger.Info("all rpc clients removed", "count", len(clients))
	}
}

// Size returns how many clients are pooled.
func (p *Pool) Size() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.clients)
}

// Has reports whether a client for address is pooled.
func (p *Pool) Has(address string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.clients[address]
	return ok
}
