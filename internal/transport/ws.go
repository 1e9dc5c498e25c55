// Package transport adapts gorilla/websocket connections to the registry.
package transport

import (
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

const (
	defaultSendBuffer = 256
	writeWait         = 10 * time.Second
	pongWait          = 60 * time.Second
	pingPeriod        = (pongWait * 9) / 10
	maxMessageSize    = 4096
)

var (
	ErrSendBufferFull = errors.New("transport: send buffer full")
	ErrClosed         = errors.New("transport: connection closed")
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

type Options struct {
	SendBuffer int
	// InputRate limits inbound messages per second. Zero disables limiting.
	InputRate  float64
	InputBurst int
}

// WSConn owns one websocket. Writes go through a buffered channel drained by
// a single writer goroutine, so Send never blocks the caller.
type WSConn struct {
	conn    *websocket.Conn
	logger  *slog.Logger
	limiter *rate.Limiter

	mu     sync.RWMutex
	send   chan []byte
	closed bool
	local  bool

	startOnce sync.Once
	doneOnce  sync.Once
	done      chan struct{}
	onClose   func(error)
}

// Upgrade upgrades the HTTP request and wraps the resulting websocket.
func Upgrade(w http.ResponseWriter, r *http.Request, logger *slog.Logger, opts Options) (*WSConn, error) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}
	return NewWSConn(conn, logger, opts), nil
}

func NewWSConn(conn *websocket.Conn, logger *slog.Logger, opts Options) *WSConn {
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = defaultSendBuffer
	}

	var limiter *rate.Limiter
	if opts.InputRate > 0 {
		burst := opts.InputBurst
		if burst <= 0 {
			burst = int(opts.InputRate)
		}
		limiter = rate.NewLimiter(rate.Limit(opts.InputRate), burst)
	}

	return &WSConn{
		conn:    conn,
		logger:  logger.WithGroup("transport").With(slog.String("remote_addr", conn.RemoteAddr().String())),
		limiter: limiter,
		send:    make(chan []byte, opts.SendBuffer),
		done:    make(chan struct{}),
	}
}

func (c *WSConn) RemoteAddr() string {
	return c.conn.RemoteAddr().String()
}

// Start begins pumping. onMessage is called from the read goroutine for every
// text frame that passes the rate limit. onClose is called exactly once when
// the connection ends: with nil after a normal or local close, otherwise
// with the transport error.
func (c *WSConn) Start(onMessage func([]byte), onClose func(error)) {
	c.startOnce.Do(func() {
		c.onClose = onClose
		go c.writePump()
		go c.readPump(onMessage)
	})
}

// Send queues data for writing. It fails fast when the connection is closed
// or its buffer is full.
func (c *WSConn) Send(data []byte) error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.closed {
		return ErrClosed
	}

	select {
	case c.send <- data:
		return nil
	default:
		return ErrSendBufferFull
	}
}

// Close sends a close frame and tears the connection down. It is safe to call
// more than once.
func (c *WSConn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.local = true
	close(c.send)
	c.mu.Unlock()

	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))

	c.finish(nil)
	return nil
}

// Done is closed once the connection has ended.
func (c *WSConn) Done() <-chan struct{} {
	return c.done
}

func (c *WSConn) finish(cause error) {
	c.doneOnce.Do(func() {
		c.mu.Lock()
		if c.local {
			cause = nil
		}
		if !c.closed {
			c.closed = true
			close(c.send)
		}
		c.mu.Unlock()

		_ = c.conn.Close()
		close(c.done)

		if c.onClose != nil {
			c.onClose(cause)
		}
	})
}

func (c *WSConn) readPump(onMessage func([]byte)) {
	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		kind, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				err = nil
			}
			c.finish(err)
			return
		}
		if kind != websocket.TextMessage {
			continue
		}
		if c.limiter != nil && !c.limiter.Allow() {
			c.logger.Debug("Inbound message rate limited")
			continue
		}
		onMessage(data)
	}
}

func (c *WSConn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case data, ok := <-c.send:
			if !ok {
				return
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.logger.Debug("Write failed", slog.String("error", err.Error()))
				c.finish(err)
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.finish(err)
				return
			}
		case <-c.done:
			return
		}
	}
}
