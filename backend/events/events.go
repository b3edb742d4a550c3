// Package events carries operator-facing notifications out of the engine.
package events

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// Kind names an operator event.
type Kind string

const (
	// PersistenceDegraded is emitted when a save exhausted its retries. Editing
	// continues, the document stays pending and is retried later.
	PersistenceDegraded Kind = "PERSISTENCE_DEGRADED"
	// PersistenceRecovered is emitted by the first successful save of a room
	// after a PersistenceDegraded.
	PersistenceRecovered Kind = "PERSISTENCE_RECOVERED"
	RoomOpened           Kind = "ROOM_OPENED"
	RoomClosed           Kind = "ROOM_CLOSED"
	SessionEvicted       Kind = "SESSION_EVICTED"
)

// Event is one operator notification.
type Event struct {
	Kind      Kind      `json:"kind"`
	RoomID    string    `json:"roomId"`
	SessionID string    `json:"sessionId,omitempty"`
	Attempts  int       `json:"attempts,omitempty"`
	Error     string    `json:"error,omitempty"`
	At        time.Time `json:"at"`
}

// New returns an event stamped with the current time.
func New(kind Kind, roomID string) Event {
	return Event{Kind: kind, RoomID: roomID, At: time.Now()}
}

// WithError returns a copy of the event carrying err.
func (e Event) WithError(err error) Event {
	if err != nil {
		e.Error = err.Error()
	}
	return e
}

// Sink receives events. Emit must not block the caller for long, it is called
// from room actors and persistence workers.
type Sink interface {
	Emit(ctx context.Context, evt Event)
}

// Nop discards every event.
type Nop struct{}

// Emit implements Sink.
func (Nop) Emit(context.Context, Event) {}

// LogSink writes events to a logger, degraded persistence at error level.
type LogSink struct {
	log zerolog.Logger
}

// NewLogSink returns a sink logging to log.
func NewLogSink(log zerolog.Logger) *LogSink {
	return &LogSink{log: log}
}

// Emit implements Sink.
func (s *LogSink) Emit(_ context.Context, evt Event) {
	var entry *zerolog.Event
	switch evt.Kind {
	case PersistenceDegraded:
		entry = s.log.Error()
	case SessionEvicted, PersistenceRecovered:
		entry = s.log.Warn()
	default:
		entry = s.log.Info()
	}

	entry = entry.Str("event", string(evt.Kind)).Str("room", evt.RoomID)
	if evt.SessionID != "" {
		entry = entry.Str("session", evt.SessionID)
	}
	if evt.Attempts > 0 {
		entry = entry.Int("attempts", evt.Attempts)
	}
	if evt.Error != "" {
		entry = entry.Str("error", evt.Error)
	}
	entry.Msg("operator event")
}

// Fanout forwards every event to each of its sinks in order.
type Fanout []Sink

// Emit implements Sink.
func (f Fanout) Emit(ctx context.Context, evt Event) {
	for _, s := range f {
		s.Emit(ctx, evt)
	}
}
