// Package registry tracks the live client connections of one server process.
package registry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/you/pong/backend/internal/matchmaking"
)

const defaultBroadcastInterval = 100 * time.Millisecond

// Transport is the socket behind a Connection.
type Transport interface {
	// Start begins delivering inbound messages. onClose must be called
	// exactly once when the transport ends.
	Start(onMessage func([]byte), onClose func(error))
	Send(data []byte) error
	Close() error
	Done() <-chan struct{}
	RemoteAddr() string
}

type Connection struct {
	ID           uuid.UUID
	RemoteAddr   string
	ForwardedFor string

	transport Transport

	mu     sync.Mutex
	player *matchmaking.Player
}

func (c *Connection) Send(data []byte) error {
	return c.transport.Send(data)
}

func (c *Connection) Close() error {
	return c.transport.Close()
}

func (c *Connection) Player() *matchmaking.Player {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.player
}

func (c *Connection) SetPlayer(p *matchmaking.Player) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.player = p
}

// Hooks observe the connection lifecycle. Any of them may be nil.
type Hooks struct {
	OnConnected func(c *Connection)
	OnMessage   func(c *Connection, data []byte)
	// OnClosed receives nil for a clean close and the transport error otherwise.
	OnClosed  func(c *Connection, err error)
	OnRemoved func(c *Connection)
}

// SnapshotFunc builds the message broadcast to c. A nil result skips c.
type SnapshotFunc func(c *Connection) []byte

type Registry struct {
	logger *slog.Logger
	hooks  Hooks

	mu            sync.RWMutex
	conns         map[uuid.UUID]*Connection
	stopBroadcast chan struct{}
}

func New(logger *slog.Logger, hooks Hooks) *Registry {
	return &Registry{
		logger: logger.WithGroup("registry"),
		hooks:  hooks,
		conns:  make(map[uuid.UUID]*Connection),
	}
}

// Add registers t under a fresh identity and starts it.
func (r *Registry) Add(t Transport, forwardedFor string) *Connection {
	c := &Connection{
		ID:           uuid.New(),
		RemoteAddr:   t.RemoteAddr(),
		ForwardedFor: forwardedFor,
		transport:    t,
	}

	r.mu.Lock()
	r.conns[c.ID] = c
	r.mu.Unlock()

	r.logger.Info(
		"Connection opened",
		slog.String("connection_id", c.ID.String()),
		slog.String("remote_addr", c.RemoteAddr),
		slog.String("forwarded_for", c.ForwardedFor),
	)
	if r.hooks.OnConnected != nil {
		r.hooks.OnConnected(c)
	}

	t.Start(
		func(data []byte) {
			if r.hooks.OnMessage != nil {
				r.hooks.OnMessage(c, data)
			}
		},
		func(err error) {
			if err != nil {
				r.logger.Warn("Connection failed", slog.String("connection_id", c.ID.String()), slog.String("error", err.Error()))
			}
			if r.hooks.OnClosed != nil {
				r.hooks.OnClosed(c, err)
			}
			r.remove(c.ID)
		},
	)
	return c
}

func (r *Registry) FindByID(id uuid.UUID) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conns[id]
	return c, ok
}

// FindByString looks a connection up by the string form of its id.
func (r *Registry) FindByString(id string) (*Connection, bool) {
	uid, err := uuid.Parse(id)
	if err != nil {
		return nil, false
	}
	return r.FindByID(uid)
}

func (r *Registry) List() []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	list := make([]*Connection, 0, len(r.conns))
	for _, c := range r.conns {
		list = append(list, c)
	}
	return list
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// remove drops id. OnRemoved fires once per connection however many paths
// race to remove it.
func (r *Registry) remove(id uuid.UUID) {
	r.mu.Lock()
	c, ok := r.conns[id]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.conns, id)
	if len(r.conns) == 0 {
		r.stopBroadcastingLocked()
	}
	r.mu.Unlock()

	r.logger.Info("Connection removed", slog.String("connection_id", id.String()))
	if r.hooks.OnRemoved != nil {
		r.hooks.OnRemoved(c)
	}
}

// StartBroadcasting sends fn's result to every connection each interval. It
// reports false when broadcasting is already running.
func (r *Registry) StartBroadcasting(fn SnapshotFunc, interval time.Duration) bool {
	if interval <= 0 {
		interval = defaultBroadcastInterval
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.stopBroadcast != nil {
		return false
	}
	stop := make(chan struct{})
	r.stopBroadcast = stop
	go r.broadcast(fn, interval, stop)
	return true
}

func (r *Registry) StopBroadcasting() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopBroadcastingLocked()
}

func (r *Registry) stopBroadcastingLocked() {
	if r.stopBroadcast == nil {
		return
	}
	close(r.stopBroadcast)
	r.stopBroadcast = nil
}

func (r *Registry) broadcast(fn SnapshotFunc, interval time.Duration, stop chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			conns := r.List()
			if len(conns) == 0 {
				r.mu.Lock()
				if r.stopBroadcast == stop {
					r.stopBroadcastingLocked()
				}
				r.mu.Unlock()
				return
			}
			for _, c := range conns {
				data := fn(c)
				if data == nil {
					continue
				}
				if err := c.Send(data); err != nil {
					r.logger.Debug("Broadcast skipped", slog.String("connection_id", c.ID.String()), slog.String("error", err.Error()))
				}
			}
		}
	}
}

// Close closes every connection and waits until each has finished or ctx is
// done. Connections that did not finish in time are dropped anyway.
func (r *Registry) Close(ctx context.Context) error {
	r.StopBroadcasting()

	conns := r.List()
	var wg sync.WaitGroup
	for _, c := range conns {
		wg.Add(1)
		go func(c *Connection) {
			defer wg.Done()
			_ = c.transport.Close()
			select {
			case <-c.transport.Done():
			case <-ctx.Done():
			}
		}(c)
	}

	finished := make(chan struct{})
	go func() {
		wg.Wait()
		close(finished)
	}()

	var err error
	select {
	case <-finished:
	case <-ctx.Done():
		err = ctx.Err()
		r.logger.Warn("Timed out closing connections", slog.Int("remaining", r.Len()))
	}

	for _, c := range conns {
		r.remove(c.ID)
	}
	return err
}
