package room

import (
	"fmt"
	"hash/fnv"

	"github.com/rs/xid"
)

// Session is one client connection bound to a room. Its presence and
// last-seen time are owned by the room actor, never by the connection.
type Session struct {
	ID     string
	RoomID string
	UserID string
	// Site is the identity the session's operations are issued under.
	Site string

	outbox *Outbox
}

// NewSession returns a session with a fresh id writing to outbox.
func NewSession(roomID, userID string, outbox *Outbox) *Session {
	id := xid.New().String()
	return &Session{
		ID:     id,
		RoomID: roomID,
		UserID: userID,
		Site:   SiteFor(id),
		outbox: outbox,
	}
}

// Outbox returns the queue of frames waiting to be written to the session.
func (s *Session) Outbox() *Outbox {
	return s.outbox
}

// SiteFor derives the site id of a session: the FNV-64a hash of its id.
func SiteFor(sessionID string) string {
	h := fnv.New64a()
	_, _ = h.Write([]byte(sessionID))
	return fmt.Sprintf("%016x", h.Sum64())
}
