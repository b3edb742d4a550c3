// Package ws adapts gorilla websocket connections to transport.Conn.
package ws

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"Coderoom/backend/codec"
	"Coderoom/backend/transport"
	"Coderoom/backend/types"

	"github.com/gorilla/websocket"
	"golang.org/x/xerrors"
)

// Options tunes a websocket connection.
type Options struct {
	WriteTimeout time.Duration
	// PingInterval must be shorter than PongTimeout.
	PingInterval time.Duration
	PongTimeout  time.Duration
	MaxFrameSize int64
}

// DefaultOptions returns the options used when none are configured.
func DefaultOptions() Options {
	return Options{
		WriteTimeout: 10 * time.Second,
		PingInterval: 25 * time.Second,
		PongTimeout:  60 * time.Second,
		MaxFrameSize: 1 << 20,
	}
}

// NewUpgrader returns an upgrader accepting the given origins. An origin
// entry is a prefix, "*" accepts any origin. Requests without an Origin are
// always accepted, they do not come from a browser.
func NewUpgrader(allowedOrigins []string) *websocket.Upgrader {
	return &websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" || origin == "null" {
				return true
			}
			for _, allowed := range allowedOrigins {
				if allowed == "*" || strings.HasPrefix(origin, allowed) {
					return true
				}
			}
			return false
		},
	}
}

// Conn is a websocket client connection.
//
// - implements transport.Conn
type Conn struct {
	ws   *websocket.Conn
	opts Options

	writeMu sync.Mutex
	once    sync.Once
	closed  chan struct{}
}

// New wraps ws and starts keeping it alive with pings.
func New(ws *websocket.Conn, opts Options) *Conn {
	c := &Conn{
		ws:     ws,
		opts:   opts,
		closed: make(chan struct{}),
	}

	if opts.MaxFrameSize > 0 {
		ws.SetReadLimit(opts.MaxFrameSize)
	}
	if opts.PongTimeout > 0 {
		_ = ws.SetReadDeadline(time.Now().Add(opts.PongTimeout))
		ws.SetPongHandler(func(string) error {
			return ws.SetReadDeadline(time.Now().Add(opts.PongTimeout))
		})
	}
	if opts.PingInterval > 0 {
		go c.pingLoop()
	}
	return c
}

func (c *Conn) pingLoop() {
	ticker := time.NewTicker(c.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.writeMu.Lock()
			err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.opts.WriteTimeout))
			c.writeMu.Unlock()
			if err != nil {
				_ = c.Close()
				return
			}
		case <-c.closed:
			return
		}
	}
}

// Send implements transport.Conn
func (c *Conn) Send(ctx context.Context, msg types.ServerMessage) error {
	frame, err := codec.EncodeServerMessage(msg)
	if err != nil {
		return err
	}

	select {
	case <-c.closed:
		return transport.ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	deadline := time.Now().Add(c.opts.WriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := c.ws.SetWriteDeadline(deadline); err != nil {
		return xerrors.Errorf("failed to set write deadline: %w", transport.ErrClosed)
	}
	if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
		return xerrors.Errorf("failed to write frame: %v: %w", err, transport.ErrClosed)
	}
	return nil
}

// Recv implements transport.Conn. A read is only interrupted by Close, the
// session handler closes the connection when its context ends.
func (c *Conn) Recv(ctx context.Context) (types.ClientMessage, error) {
	if err := ctx.Err(); err != nil {
		return types.ClientMessage{}, err
	}

	for {
		kind, frame, err := c.ws.ReadMessage()
		if err != nil {
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) {
				return types.ClientMessage{}, transport.ErrClosed
			}
			return types.ClientMessage{}, xerrors.Errorf("failed to read frame: %v: %w", err, transport.ErrClosed)
		}
		if kind != websocket.TextMessage && kind != websocket.BinaryMessage {
			continue
		}
		return codec.DecodeClientMessage(frame)
	}
}

// Close implements transport.Conn
func (c *Conn) Close() error {
	var err error
	c.once.Do(func() {
		close(c.closed)

		c.writeMu.Lock()
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()

		err = c.ws.Close()
	})
	return err
}
