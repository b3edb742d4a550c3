// Package transport defines the connection a session handler talks to. The
// engine is transport agnostic, the gateway picks the implementation.
package transport

import (
	"context"

	"Coderoom/backend/types"

	"golang.org/x/xerrors"
)

// ErrClosed is returned by a connection that was closed by either side.
var ErrClosed = xerrors.New("connection closed")

// Conn is one bidirectional client connection.
type Conn interface {
	// Send writes one frame to the client.
	Send(ctx context.Context, msg types.ServerMessage) error
	// Recv blocks until the next client frame. A frame that cannot be decoded
	// returns an error wrapping codec.ErrMalformedFrame, the connection stays
	// usable. Any other error ends the connection.
	Recv(ctx context.Context) (types.ClientMessage, error)
	// Close closes the connection. It is idempotent.
	Close() error
}
