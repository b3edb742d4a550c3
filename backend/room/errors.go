package room

import (
	"errors"

	"golang.org/x/xerrors"
)

var (
	// ErrRoomNotFound is returned by a room whose actor has terminated. The
	// caller must resolve the room again through the registry.
	ErrRoomNotFound = xerrors.New("room not found")
	// ErrRoomClosing is returned while a room flushes before terminating. It
	// is retryable: back off and resolve again.
	ErrRoomClosing = xerrors.New("room closing")
	// ErrNotMember is returned for requests of a session that has not joined.
	ErrNotMember = xerrors.New("session is not a member of the room")
	// ErrRegistryClosed is returned by a registry after Close.
	ErrRegistryClosed = xerrors.New("room registry closed")

	// ErrSlowConsumer is returned by Outbox.Push when a session fell too far
	// behind. The room evicts it, the client resyncs on reconnect.
	ErrSlowConsumer = xerrors.New("session outbox backlog exceeded")
	// ErrOutboxClosed is returned by a closed outbox.
	ErrOutboxClosed = xerrors.New("session outbox closed")
)

// Retryable reports whether err is a transient room condition worth retrying
// after resolving the room again.
func Retryable(err error) bool {
	return errors.Is(err, ErrRoomClosing) || errors.Is(err, ErrRoomNotFound)
}
