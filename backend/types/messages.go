package types

import (
	"encoding/json"
	"fmt"
)

// MessageType is the discriminator of a protocol frame.
type MessageType string

const (
	JoinMessageType     MessageType = "join"
	InitMessageType     MessageType = "init"
	OpMessageType       MessageType = "op"
	PresenceMessageType MessageType = "presence"
	MembersMessageType  MessageType = "members"
	LeaveMessageType    MessageType = "leave"
	ErrorMessageType    MessageType = "error"
)

// ClientMessage is a frame sent by a client over its room connection.
type ClientMessage struct {
	Type     MessageType   `json:"type"`
	RoomID   string        `json:"roomId,omitempty"`
	Cursor   VersionVector `json:"cursor,omitempty"`
	Ops      []Op          `json:"ops,omitempty"`
	Presence *PresenceMeta `json:"presence,omitempty"`
}

// Name returns the frame type.
func (m ClientMessage) Name() string {
	return string(m.Type)
}

// String returns a short description of the frame.
func (m ClientMessage) String() string {
	switch m.Type {
	case OpMessageType:
		return fmt.Sprintf("op{%d operations}", len(m.Ops))
	case JoinMessageType:
		return fmt.Sprintf("join{room %s, cursor %s}", m.RoomID, m.Cursor)
	default:
		return m.Name()
	}
}

// PresenceUpdate is a presence change of one session, as seen by the others.
type PresenceUpdate struct {
	SessionID string       `json:"sessionId"`
	UserID    string       `json:"userId"`
	Presence  PresenceMeta `json:"presence"`
}

// ErrorBody describes an error returned to the originating session only.
type ErrorBody struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable,omitempty"`
}

// ServerMessage is a frame pushed by a room to one session.
type ServerMessage struct {
	Type      MessageType `json:"type"`
	RoomID    string      `json:"roomId,omitempty"`
	SessionID string      `json:"sessionId,omitempty"`

	// init
	Site     string          `json:"site,omitempty"`
	Meta     *RoomMeta       `json:"meta,omitempty"`
	Snapshot json.RawMessage `json:"snapshot,omitempty"`
	Text     *string         `json:"text,omitempty"`
	Cursor   VersionVector   `json:"cursor,omitempty"`

	// init (catch-up) and op
	Ops []Op `json:"ops,omitempty"`

	// init and members
	Members []Member `json:"members,omitempty"`

	Presence *PresenceUpdate `json:"presence,omitempty"`
	Error    *ErrorBody      `json:"error,omitempty"`
}

// Name returns the frame type.
func (m ServerMessage) Name() string {
	return string(m.Type)
}

// String returns a short description of the frame.
func (m ServerMessage) String() string {
	switch m.Type {
	case OpMessageType:
		return fmt.Sprintf("op{%d operations from %s}", len(m.Ops), m.SessionID)
	case InitMessageType:
		return fmt.Sprintf("init{room %s, %d members, cursor %s}", m.RoomID, len(m.Members), m.Cursor)
	case MembersMessageType:
		return fmt.Sprintf("members{%d}", len(m.Members))
	case ErrorMessageType:
		if m.Error != nil {
			return fmt.Sprintf("error{%s: %s}", m.Error.Code, m.Error.Message)
		}
	}
	return m.Name()
}

// Droppable reports whether the frame may be discarded under backpressure.
// Only presence is, every other frame is needed for convergence.
func (m ServerMessage) Droppable() bool {
	return m.Type == PresenceMessageType
}
