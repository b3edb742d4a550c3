// Package channel is an in-memory transport. Frames travel encoded, so both
// sides exercise the codec exactly like a network transport would.
package channel

import (
	"context"
	"sync"

	"Coderoom/backend/codec"
	"Coderoom/backend/transport"
	"Coderoom/backend/types"

	"golang.org/x/xerrors"
)

// pipe is the state shared by both ends.
type pipe struct {
	toServer chan []byte
	toClient chan []byte
	closed   chan struct{}
	once     sync.Once
}

func (p *pipe) close() {
	p.once.Do(func() { close(p.closed) })
}

func (p *pipe) send(ctx context.Context, ch chan []byte, frame []byte) error {
	select {
	case <-p.closed:
		return transport.ErrClosed
	default:
	}

	select {
	case ch <- frame:
		return nil
	case <-p.closed:
		return transport.ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *pipe) recv(ctx context.Context, ch chan []byte) ([]byte, error) {
	select {
	case frame := <-ch:
		return frame, nil
	case <-p.closed:
		// frames sent before the close are still delivered
		select {
		case frame := <-ch:
			return frame, nil
		default:
			return nil, transport.ErrClosed
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Pipe returns both ends of a connection buffering up to size frames in each
// direction.
func Pipe(size int) (*Conn, *Client) {
	p := &pipe{
		toServer: make(chan []byte, size),
		toClient: make(chan []byte, size),
		closed:   make(chan struct{}),
	}
	return &Conn{pipe: p}, &Client{pipe: p}
}

// Conn is the server end.
//
// - implements transport.Conn
type Conn struct {
	*pipe

	mu   sync.Mutex
	outs []types.ServerMessage
}

// Send implements transport.Conn
func (c *Conn) Send(ctx context.Context, msg types.ServerMessage) error {
	frame, err := codec.EncodeServerMessage(msg)
	if err != nil {
		return err
	}
	if err := c.send(ctx, c.toClient, frame); err != nil {
		return err
	}

	c.mu.Lock()
	c.outs = append(c.outs, msg)
	c.mu.Unlock()
	return nil
}

// Recv implements transport.Conn
func (c *Conn) Recv(ctx context.Context) (types.ClientMessage, error) {
	frame, err := c.recv(ctx, c.toServer)
	if err != nil {
		return types.ClientMessage{}, err
	}
	return codec.DecodeClientMessage(frame)
}

// Close implements transport.Conn
func (c *Conn) Close() error {
	c.close()
	return nil
}

// GetOuts returns the frames sent so far.
func (c *Conn) GetOuts() []types.ServerMessage {
	c.mu.Lock()
	defer c.mu.Unlock()

	return append([]types.ServerMessage(nil), c.outs...)
}

// Client is the client end.
type Client struct {
	*pipe
}

// Send writes a client frame.
func (c *Client) Send(ctx context.Context, msg types.ClientMessage) error {
	frame, err := codec.EncodeClientMessage(msg)
	if err != nil {
		return err
	}
	return c.SendRaw(ctx, frame)
}

// SendRaw writes an already encoded frame, valid or not.
func (c *Client) SendRaw(ctx context.Context, frame []byte) error {
	return c.send(ctx, c.toServer, frame)
}

// Recv blocks until the next server frame.
func (c *Client) Recv(ctx context.Context) (types.ServerMessage, error) {
	frame, err := c.recv(ctx, c.toClient)
	if err != nil {
		return types.ServerMessage{}, err
	}

	msg, err := codec.DecodeServerMessage(frame)
	if err != nil {
		return types.ServerMessage{}, xerrors.Errorf("failed to decode server frame: %w", err)
	}
	return msg, nil
}

// Close closes the connection from the client side.
func (c *Client) Close() error {
	c.close()
	return nil
}
