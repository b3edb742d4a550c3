package types

import "time"

// RoomMeta is the descriptive data stored alongside a room's document.
type RoomMeta struct {
	RoomID    string    `json:"roomId"`
	Title     string    `json:"title"`
	Language  string    `json:"language"`
	CreatedBy string    `json:"createdBy,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	// ExpiresAt is zero when the room never expires.
	ExpiresAt time.Time `json:"expiresAt,omitempty"`
}

// Expired reports whether the room has expired at the given time.
func (m RoomMeta) Expired(now time.Time) bool {
	return !m.ExpiresAt.IsZero() && !now.Before(m.ExpiresAt)
}

// Document is the unit persisted per room: metadata plus the opaque snapshot
// of the replicated text.
type Document struct {
	Meta     RoomMeta `json:"meta"`
	Snapshot []byte   `json:"snapshot"`
}

// PresenceMeta is the ephemeral, user-visible state of a session.
type PresenceMeta struct {
	Name  string `json:"name,omitempty"`
	Color string `json:"color,omitempty"`
	// Cursor anchors the caret on an element so it survives concurrent edits.
	Cursor *ElementID `json:"cursor,omitempty"`
}

// Member describes one connected session of a room.
type Member struct {
	SessionID string       `json:"sessionId"`
	UserID    string       `json:"userId"`
	Site      string       `json:"site"`
	Presence  PresenceMeta `json:"presence"`
	JoinedAt  time.Time    `json:"joinedAt"`
	LastSeen  time.Time    `json:"lastSeen"`
}
